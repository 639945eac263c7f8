package docnumber

import (
	"context"
	"time"
)

// SequenceKey identifies one counter: a prefix within a date bucket
type SequenceKey struct {
	Prefix     string
	DateBucket string
}

// NumberPrefix is the leading part shared by every number of this key
func (k SequenceKey) NumberPrefix() string {
	return k.Prefix + k.DateBucket
}

// String returns a printable form of the key
func (k SequenceKey) String() string {
	return k.Prefix + "/" + k.DateBucket
}

// SequenceRecord is the persisted counter of a SequenceKey.
// Current is the last value handed out; a new record starts at zero.
type SequenceRecord struct {
	Key       SequenceKey
	Current   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SequenceStore persists counters.
//
// GetOrCreateForUpdate and Commit must run inside TxManager.RunInTransaction;
// the store joins the transaction carried by ctx.
type SequenceStore interface {
	// GetOrCreateForUpdate returns the record of key, creating it at zero if
	// absent, and holds an exclusive lock on it until the transaction ends.
	// Concurrent callers for the same key block here. A lock wait that
	// exceeds the configured timeout returns shared.ErrLockTimeout.
	GetOrCreateForUpdate(ctx context.Context, key SequenceKey) (*SequenceRecord, error)

	// Commit writes value as the new counter of a record locked by
	// GetOrCreateForUpdate in the same transaction.
	Commit(ctx context.Context, record *SequenceRecord, value uint64) error

	// Find returns the record without locking.
	// Returns shared.ErrNotFound if the key was never allocated.
	Find(ctx context.Context, key SequenceKey) (*SequenceRecord, error)

	// ListByPrefix returns all records of a prefix across date buckets, newest bucket first
	ListByPrefix(ctx context.Context, prefix string) ([]SequenceRecord, error)
}

// TxManager runs a function inside a transaction carried by the context.
// A call made while a transaction is already in ctx joins it instead of
// opening a nested one, so allocations commit or roll back with the caller.
type TxManager interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// RunInSavepoint runs fn inside the transaction of ctx behind a savepoint
	// called name. When fn fails its statements are rolled back and the
	// transaction stays usable.
	RunInSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// ActiveNumberLister is the optional capability of a document type whose
// numbers may be reused after soft deletion. It returns the numbers of all
// non-deleted documents starting with numberPrefix (prefix followed by the
// date bucket). Implementations should read through the transaction in ctx.
type ActiveNumberLister interface {
	ListActiveNumbers(ctx context.Context, numberPrefix string) ([]string, error)
}

// ActiveNumberListerFunc adapts a function to ActiveNumberLister
type ActiveNumberListerFunc func(ctx context.Context, numberPrefix string) ([]string, error)

// ListActiveNumbers calls f
func (f ActiveNumberListerFunc) ListActiveNumbers(ctx context.Context, numberPrefix string) ([]string, error) {
	return f(ctx, numberPrefix)
}

// ConfigResolver maps a document type key or legacy prefix to its format.
// Resolve never fails; missing or invalid settings fall back to defaults.
type ConfigResolver interface {
	Resolve(ctx context.Context, typeKey string) FormatConfig
}

// Setting is a key/value system setting
type Setting struct {
	Key         string
	Value       string
	ConfigType  string
	Description string
	Active      bool
	UpdatedAt   time.Time
}

// SettingRepository persists system settings
type SettingRepository interface {
	// Get returns an active setting.
	// Returns shared.ErrNotFound if the key is missing or inactive.
	Get(ctx context.Context, key string) (*Setting, error)

	// Upsert creates or replaces the value of a setting
	Upsert(ctx context.Context, setting *Setting) error

	// CreateIfAbsent inserts the setting unless the key exists and reports whether it did
	CreateIfAbsent(ctx context.Context, setting *Setting) (bool, error)

	// List returns all settings whose key starts with keyPrefix
	List(ctx context.Context, keyPrefix string) ([]Setting, error)
}
