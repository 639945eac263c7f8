package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/domain/shared"
)

var (
	_ docnumber.SequenceStore = (*InMemorySequenceStore)(nil)
	_ docnumber.TxManager     = (*InMemorySequenceStore)(nil)
)

type memTxKey struct{}

// memTx buffers the writes of one transaction and the key locks it holds
type memTx struct {
	held    map[docnumber.SequenceKey]struct{}
	pending map[docnumber.SequenceKey]uint64
}

// InMemorySequenceStore is a SequenceStore and TxManager kept in process
// memory. It honours the same contract as the database store: a key locked
// by GetOrCreateForUpdate stays locked until the surrounding transaction
// ends, and writes become visible only on commit.
type InMemorySequenceStore struct {
	mu          sync.Mutex
	records     map[docnumber.SequenceKey]docnumber.SequenceRecord
	locks       map[docnumber.SequenceKey]chan struct{}
	lockTimeout time.Duration
	now         func() time.Time
}

// InMemoryStoreOption configures an InMemorySequenceStore
type InMemoryStoreOption func(*InMemorySequenceStore)

// WithInMemoryLockTimeout bounds lock waits; zero waits until ctx is done
func WithInMemoryLockTimeout(d time.Duration) InMemoryStoreOption {
	return func(s *InMemorySequenceStore) {
		s.lockTimeout = d
	}
}

// NewInMemorySequenceStore creates an empty store
func NewInMemorySequenceStore(opts ...InMemoryStoreOption) *InMemorySequenceStore {
	s := &InMemorySequenceStore{
		records: make(map[docnumber.SequenceKey]docnumber.SequenceRecord),
		locks:   make(map[docnumber.SequenceKey]chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTransaction executes fn with a transaction in ctx, joining an
// existing one. Buffered counter writes are applied only if fn succeeds.
func (s *InMemorySequenceStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	tx := &memTx{
		held:    make(map[docnumber.SequenceKey]struct{}),
		pending: make(map[docnumber.SequenceKey]uint64),
	}
	defer s.release(tx)

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	s.apply(tx)
	return nil
}

// RunInSavepoint runs fn directly; counter writes are buffered and a
// failed read leaves nothing to undo.
func (s *InMemorySequenceStore) RunInSavepoint(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// GetOrCreateForUpdate blocks until the key lock is free, then returns the
// committed record or a fresh one at zero.
func (s *InMemorySequenceStore) GetOrCreateForUpdate(ctx context.Context, key docnumber.SequenceKey) (*docnumber.SequenceRecord, error) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return nil, shared.ErrInvalidState.WithMessage("sequence lock requires an open transaction")
	}

	if _, held := tx.held[key]; !held {
		if err := s.acquire(ctx, key); err != nil {
			return nil, err
		}
		tx.held[key] = struct{}{}
	}

	s.mu.Lock()
	rec, exists := s.records[key]
	s.mu.Unlock()
	if !exists {
		now := s.now()
		rec = docnumber.SequenceRecord{Key: key, CreatedAt: now, UpdatedAt: now}
	}
	if v, ok := tx.pending[key]; ok {
		rec.Current = v
	}
	return &rec, nil
}

// Commit buffers value until the transaction commits
func (s *InMemorySequenceStore) Commit(ctx context.Context, record *docnumber.SequenceRecord, value uint64) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return shared.ErrInvalidState.WithMessage("sequence commit requires an open transaction")
	}
	if _, held := tx.held[record.Key]; !held {
		return shared.ErrInvalidState.WithMessage(fmt.Sprintf("sequence %s is not locked by this transaction", record.Key))
	}
	if value > docnumber.MaxSequence {
		return shared.ErrInvalidInput.WithMessage(fmt.Sprintf("sequence %d exceeds %d", value, docnumber.MaxSequence))
	}
	tx.pending[record.Key] = value
	record.Current = value
	return nil
}

// Find returns the committed record
func (s *InMemorySequenceStore) Find(_ context.Context, key docnumber.SequenceKey) (*docnumber.SequenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &rec, nil
}

// ListByPrefix returns committed records of prefix, newest bucket first
func (s *InMemorySequenceStore) ListByPrefix(_ context.Context, prefix string) ([]docnumber.SequenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []docnumber.SequenceRecord
	for k, rec := range s.records {
		if k.Prefix == prefix {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.DateBucket > out[j].Key.DateBucket })
	return out, nil
}

func (s *InMemorySequenceStore) lockFor(key docnumber.SequenceKey) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *InMemorySequenceStore) acquire(ctx context.Context, key docnumber.SequenceKey) error {
	ch := s.lockFor(key)

	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		return nil
	case <-timeout:
		return shared.ErrLockTimeout.Wrap(fmt.Errorf("sequence %s locked for more than %s", key, s.lockTimeout))
	case <-ctx.Done():
		return TranslateError(ctx, ctx.Err())
	}
}

func (s *InMemorySequenceStore) apply(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, value := range tx.pending {
		rec, ok := s.records[key]
		if !ok {
			rec = docnumber.SequenceRecord{Key: key, CreatedAt: now}
		}
		rec.Current = value
		rec.UpdatedAt = now
		s.records[key] = rec
	}
}

func (s *InMemorySequenceStore) release(tx *memTx) {
	for key := range tx.held {
		<-s.lockFor(key)
	}
}
