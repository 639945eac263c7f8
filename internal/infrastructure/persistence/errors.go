package persistence

import (
	"context"
	"errors"

	"github.com/erp/docnumber/internal/domain/shared"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL error codes the allocator reacts to
const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateQueryCanceled        = "57014"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// TranslateError maps storage errors to domain errors. Lock waits that time
// out become shared.ErrLockTimeout and aborted transactions become
// shared.ErrTransactionAborted; both are retryable. Domain errors and
// unrecognised errors pass through unchanged.
func TranslateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var de *shared.DomainError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return shared.ErrNotFound.Wrap(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateLockNotAvailable, sqlStateQueryCanceled:
			return shared.ErrLockTimeout.Wrap(err)
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return shared.ErrTransactionAborted.Wrap(err)
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return shared.ErrLockTimeout.Wrap(err)
	case errors.Is(err, context.Canceled), ctx != nil && errors.Is(ctx.Err(), context.Canceled):
		return shared.ErrTransactionAborted.Wrap(err)
	}
	return err
}
