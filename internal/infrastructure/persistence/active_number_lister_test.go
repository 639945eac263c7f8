package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupOrdersTable(t *testing.T, db *gorm.DB) {
	t.Helper()
	err := db.Exec(`
		CREATE TABLE sales_orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_number TEXT NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at DATETIME
		)
	`).Error
	require.NoError(t, err)

	deletedAt := time.Now()
	rows := []struct {
		number    string
		isDeleted bool
		deletedAt *time.Time
	}{
		{"SO250201001", false, nil},
		{"SO250201002", true, &deletedAt},
		{"SO250201003", false, nil},
		{"SO250202001", false, nil},
		{"PO250201001", false, nil},
	}
	for _, r := range rows {
		require.NoError(t, db.Exec(
			`INSERT INTO sales_orders (order_number, is_deleted, deleted_at) VALUES (?, ?, ?)`,
			r.number, r.isDeleted, r.deletedAt,
		).Error)
	}
}

func TestTableActiveNumberLister(t *testing.T) {
	ctx := context.Background()
	db := setupDocNumberTestDB(t)
	setupOrdersTable(t, db)

	t.Run("deleted flag", func(t *testing.T) {
		l, err := NewTableActiveNumberLister(db, "sales_orders", "order_number", WithDeletedFlag("is_deleted"))
		require.NoError(t, err)

		numbers, err := l.ListActiveNumbers(ctx, "SO250201")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"SO250201001", "SO250201003"}, numbers)
	})

	t.Run("deleted timestamp", func(t *testing.T) {
		l, err := NewTableActiveNumberLister(db, "sales_orders", "order_number", WithDeletedAt("deleted_at"))
		require.NoError(t, err)

		numbers, err := l.ListActiveNumbers(ctx, "SO250201")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"SO250201001", "SO250201003"}, numbers)
	})

	t.Run("no soft delete column", func(t *testing.T) {
		l, err := NewTableActiveNumberLister(db, "sales_orders", "order_number")
		require.NoError(t, err)

		numbers, err := l.ListActiveNumbers(ctx, "SO250201")
		require.NoError(t, err)
		assert.Len(t, numbers, 3)
	})

	t.Run("reads through the transaction in context", func(t *testing.T) {
		l, err := NewTableActiveNumberLister(db, "sales_orders", "order_number", WithDeletedFlag("is_deleted"))
		require.NoError(t, err)

		err = NewGormTxManager(db).RunInTransaction(ctx, func(ctx context.Context) error {
			tx, _ := TxFromContext(ctx)
			if err := tx.Exec(`INSERT INTO sales_orders (order_number) VALUES ('SO250201004')`).Error; err != nil {
				return err
			}
			numbers, err := l.ListActiveNumbers(ctx, "SO250201")
			if err != nil {
				return err
			}
			assert.Len(t, numbers, 3)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("rejects unsafe identifiers", func(t *testing.T) {
		_, err := NewTableActiveNumberLister(db, "sales_orders; DROP TABLE x", "order_number")
		assert.Error(t, err)

		_, err = NewTableActiveNumberLister(db, "sales_orders", "order_number", WithDeletedFlag("is deleted"))
		assert.Error(t, err)
	})
}
