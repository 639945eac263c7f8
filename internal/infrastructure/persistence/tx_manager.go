package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"gorm.io/gorm"
)

// Ensure GormTxManager implements docnumber.TxManager
var _ docnumber.TxManager = (*GormTxManager)(nil)

type txKey struct{}

// ownedTxKey marks the transaction opened by GormTxManager itself, as opposed
// to one a caller attached with ContextWithTx
type ownedTxKey struct{}

// GormTxManager runs functions inside a GORM transaction carried by the context.
// Nested calls reuse the transaction already present in ctx.
type GormTxManager struct {
	db *gorm.DB
}

// NewGormTxManager creates a new GormTxManager
func NewGormTxManager(db *gorm.DB) *GormTxManager {
	return &GormTxManager{db: db}
}

// RunInTransaction executes fn within a transaction. If fn returns an error
// the transaction is rolled back, otherwise it is committed. Lock timeouts
// and serialization failures come back as retryable domain errors.
func (m *GormTxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ContextWithTx(ctx, tx), ownedTxKey{}, tx)
		return fn(txCtx)
	})
	return TranslateError(ctx, err)
}

// RunInSavepoint executes fn behind a savepoint of the transaction in ctx.
// On failure the transaction is rolled back to the savepoint, so a failed
// query inside fn does not abort it. Without a transaction fn runs as is.
func (m *GormTxManager) RunInSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return fn(ctx)
	}
	tx = tx.WithContext(ctx)

	if err := tx.SavePoint(name).Error; err != nil {
		return TranslateError(ctx, fmt.Errorf("savepoint %s: %w", name, err))
	}
	if err := fn(ctx); err != nil {
		if rbErr := tx.RollbackTo(name).Error; rbErr != nil {
			return TranslateError(ctx, errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr)))
		}
		return err
	}
	return nil
}

// ContextWithTx attaches an open transaction to ctx. Callers that manage
// their own GORM transaction use it so allocations commit with their writes.
func ContextWithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// ownsTx reports whether the transaction in ctx was opened by GormTxManager
func ownsTx(ctx context.Context) bool {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return false
	}
	owned, _ := ctx.Value(ownedTxKey{}).(*gorm.DB)
	return owned == tx
}

// conn returns the transaction in ctx, or db bound to ctx when there is none
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}
