package migration

import (
	"testing"

	"github.com/erp/docnumber/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEmbeddedMigrations(t *testing.T) {
	src := FromFS(migrations.FS, ".")
	assert.Equal(t, "embedded:.", src.String())

	all, err := src.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "create_document_number_sequences", all[0].Name)
	assert.Equal(t, "create_system_settings", all[1].Name)
	for _, m := range all {
		assert.True(t, m.HasDown, m.BaseName)
	}
}

func TestFromDir(t *testing.T) {
	src := FromDir("/srv/docnumber/migrations")
	assert.Equal(t, "file:///srv/docnumber/migrations", src.String())

	name, driver, err := src.driver()
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Nil(t, driver)
}

func TestSplitByVersion(t *testing.T) {
	all := []MigrationInfo{
		{Version: 20251101090000, Name: "create_document_number_sequences"},
		{Version: 20251101090100, Name: "create_system_settings"},
		{Version: 20251108000000, Name: "seed_prefixes"},
	}

	t.Run("nothing applied", func(t *testing.T) {
		s := splitByVersion(all, 0)
		assert.Empty(t, s.Applied)
		assert.Len(t, s.Pending, 3)
	})

	t.Run("partially applied", func(t *testing.T) {
		s := splitByVersion(all, 20251101090100)
		assert.Equal(t, uint(20251101090100), s.Version)
		assert.Len(t, s.Applied, 2)
		require.Len(t, s.Pending, 1)
		assert.Equal(t, "seed_prefixes", s.Pending[0].Name)
	})

	t.Run("fully applied", func(t *testing.T) {
		s := splitByVersion(all, 20251108000000)
		assert.Len(t, s.Applied, 3)
		assert.Empty(t, s.Pending)
	})
}

func TestMigrateLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &migrateLogger{logger: zap.New(core)}

	assert.True(t, l.Verbose())
	l.Printf("Start buffering %v/u %s\n", 20251101090000, "create_document_number_sequences")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Start buffering 20251101090000/u create_document_number_sequences", logs.All()[0].Message)

	quiet := &migrateLogger{logger: zap.NewNop()}
	assert.False(t, quiet.Verbose())
}
