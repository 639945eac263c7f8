package persistence

import (
	"context"
	"fmt"
	"regexp"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ensure TableActiveNumberLister implements docnumber.ActiveNumberLister
var _ docnumber.ActiveNumberLister = (*TableActiveNumberLister)(nil)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SoftDeleteMode is how a document table marks deleted rows
type SoftDeleteMode int

const (
	// SoftDeleteFlag treats rows with a true boolean column as deleted
	SoftDeleteFlag SoftDeleteMode = iota
	// SoftDeleteTimestamp treats rows with a non-null timestamp column as deleted
	SoftDeleteTimestamp
	// SoftDeleteNone treats every row as active
	SoftDeleteNone
)

// TableActiveNumberLister lists the numbers of non-deleted documents stored in
// a table. It is configured explicitly per document type.
type TableActiveNumberLister struct {
	db            *gorm.DB
	table         string
	numberColumn  string
	deletedColumn string
	mode          SoftDeleteMode
}

// ListerOption configures a TableActiveNumberLister
type ListerOption func(*TableActiveNumberLister)

// WithDeletedFlag sets a boolean soft-delete column, e.g. is_deleted
func WithDeletedFlag(column string) ListerOption {
	return func(l *TableActiveNumberLister) {
		l.deletedColumn = column
		l.mode = SoftDeleteFlag
	}
}

// WithDeletedAt sets a nullable timestamp soft-delete column, e.g. deleted_at
func WithDeletedAt(column string) ListerOption {
	return func(l *TableActiveNumberLister) {
		l.deletedColumn = column
		l.mode = SoftDeleteTimestamp
	}
}

// NewTableActiveNumberLister creates a lister over table.numberColumn.
// Without a soft-delete option every row counts as active.
func NewTableActiveNumberLister(db *gorm.DB, table, numberColumn string, opts ...ListerOption) (*TableActiveNumberLister, error) {
	l := &TableActiveNumberLister{
		db:           db,
		table:        table,
		numberColumn: numberColumn,
		mode:         SoftDeleteNone,
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, ident := range []string{l.table, l.numberColumn} {
		if !identifierPattern.MatchString(ident) {
			return nil, fmt.Errorf("invalid identifier %q", ident)
		}
	}
	if l.mode != SoftDeleteNone && !identifierPattern.MatchString(l.deletedColumn) {
		return nil, fmt.Errorf("invalid soft-delete column %q", l.deletedColumn)
	}
	return l, nil
}

// ListActiveNumbers returns the numbers of active rows starting with
// numberPrefix. LIKE wildcards in the prefix are not escaped; extra matches
// are dropped when the numbers are parsed.
func (l *TableActiveNumberLister) ListActiveNumbers(ctx context.Context, numberPrefix string) ([]string, error) {
	q := conn(ctx, l.db).
		Table(l.table).
		Where(clause.Like{Column: clause.Column{Name: l.numberColumn}, Value: numberPrefix + "%"})

	switch l.mode {
	case SoftDeleteFlag:
		q = q.Where(clause.Eq{Column: clause.Column{Name: l.deletedColumn}, Value: false})
	case SoftDeleteTimestamp:
		q = q.Where(clause.Eq{Column: clause.Column{Name: l.deletedColumn}, Value: nil})
	}

	var numbers []string
	if err := q.Pluck(l.numberColumn, &numbers).Error; err != nil {
		return nil, TranslateError(ctx, fmt.Errorf("list active numbers of %s: %w", l.table, err))
	}
	return numbers, nil
}
