package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/domain/shared"
	"github.com/erp/docnumber/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ensure GormSequenceStore implements docnumber.SequenceStore
var _ docnumber.SequenceStore = (*GormSequenceStore)(nil)

const insertSequenceIfAbsentSQL = `INSERT INTO document_number_sequences ` +
	`(id, prefix, date_bucket, current_number, created_at, updated_at) ` +
	`VALUES (?, ?, ?, 0, ?, ?) ON CONFLICT (prefix, date_bucket) DO NOTHING`

// GormSequenceStore keeps counters in document_number_sequences and
// serializes allocations per key with SELECT ... FOR UPDATE.
type GormSequenceStore struct {
	db          *gorm.DB
	lockTimeout time.Duration
	now         func() time.Time
}

// SequenceStoreOption configures a GormSequenceStore
type SequenceStoreOption func(*GormSequenceStore)

// WithLockTimeout bounds how long GetOrCreateForUpdate waits for the row lock.
// Applied with SET LOCAL on PostgreSQL, and only to transactions opened by
// GormTxManager; a joined caller transaction keeps its own setting. Zero
// leaves the server setting alone.
func WithLockTimeout(d time.Duration) SequenceStoreOption {
	return func(s *GormSequenceStore) {
		s.lockTimeout = d
	}
}

// WithStoreClock overrides the clock used for created_at/updated_at
func WithStoreClock(now func() time.Time) SequenceStoreOption {
	return func(s *GormSequenceStore) {
		s.now = now
	}
}

// NewGormSequenceStore creates a new GormSequenceStore
func NewGormSequenceStore(db *gorm.DB, opts ...SequenceStoreOption) *GormSequenceStore {
	s := &GormSequenceStore{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateForUpdate inserts the counter row at zero unless it exists, then
// locks it. The insert never blocks on an existing row, so concurrent first
// allocations of a new bucket both end up waiting on the same row lock.
func (s *GormSequenceStore) GetOrCreateForUpdate(ctx context.Context, key docnumber.SequenceKey) (*docnumber.SequenceRecord, error) {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return nil, shared.ErrInvalidState.WithMessage("sequence lock requires an open transaction")
	}
	tx = tx.WithContext(ctx)

	if s.lockTimeout > 0 && ownsTx(ctx) && IsPostgres(tx) {
		// SET does not accept bind parameters; the value is an integer
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if err := tx.Exec(stmt).Error; err != nil {
			return nil, TranslateError(ctx, fmt.Errorf("set lock timeout: %w", err))
		}
	}

	now := s.now().UTC()
	if err := tx.Exec(insertSequenceIfAbsentSQL, uuid.New(), key.Prefix, key.DateBucket, now, now).Error; err != nil {
		return nil, TranslateError(ctx, fmt.Errorf("create sequence %s: %w", key, err))
	}

	var m models.DocumentNumberSequenceModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("prefix = ? AND date_bucket = ?", key.Prefix, key.DateBucket).
		Take(&m).Error
	if err != nil {
		return nil, TranslateError(ctx, fmt.Errorf("lock sequence %s: %w", key, err))
	}
	return m.ToDomain(), nil
}

// Commit writes the new counter value inside the transaction holding the lock
func (s *GormSequenceStore) Commit(ctx context.Context, record *docnumber.SequenceRecord, value uint64) error {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return shared.ErrInvalidState.WithMessage("sequence commit requires an open transaction")
	}
	if value > docnumber.MaxSequence {
		return shared.ErrInvalidInput.WithMessage(fmt.Sprintf("sequence %d exceeds %d", value, docnumber.MaxSequence))
	}

	now := s.now().UTC()
	result := tx.WithContext(ctx).Model(&models.DocumentNumberSequenceModel{}).
		Where("prefix = ? AND date_bucket = ?", record.Key.Prefix, record.Key.DateBucket).
		Updates(map[string]any{
			"current_number": int64(value),
			"updated_at":     now,
		})
	if result.Error != nil {
		return TranslateError(ctx, fmt.Errorf("commit sequence %s: %w", record.Key, result.Error))
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound.WithMessage(fmt.Sprintf("sequence %s not found", record.Key))
	}

	record.Current = value
	record.UpdatedAt = now
	return nil
}

// Find returns a counter without locking it
func (s *GormSequenceStore) Find(ctx context.Context, key docnumber.SequenceKey) (*docnumber.SequenceRecord, error) {
	var m models.DocumentNumberSequenceModel
	err := conn(ctx, s.db).
		Where("prefix = ? AND date_bucket = ?", key.Prefix, key.DateBucket).
		Take(&m).Error
	if err != nil {
		return nil, TranslateError(ctx, err)
	}
	return m.ToDomain(), nil
}

// ListByPrefix returns all counters of a prefix, newest bucket first
func (s *GormSequenceStore) ListByPrefix(ctx context.Context, prefix string) ([]docnumber.SequenceRecord, error) {
	var rows []models.DocumentNumberSequenceModel
	err := conn(ctx, s.db).
		Where("prefix = ?", prefix).
		Order("date_bucket DESC").
		Find(&rows).Error
	if err != nil {
		return nil, TranslateError(ctx, err)
	}

	records := make([]docnumber.SequenceRecord, 0, len(rows))
	for i := range rows {
		records = append(records, *rows[i].ToDomain())
	}
	return records, nil
}
