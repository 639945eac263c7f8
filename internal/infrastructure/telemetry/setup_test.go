package telemetry

import (
	"context"
	"testing"

	"github.com/erp/docnumber/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSetup_Disabled(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, config.TelemetryConfig{
		Enabled:     false,
		ServiceName: "docnumber-test",
		ExportLogs:  true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, p.Meter.IsEnabled())
	assert.False(t, p.Tracer.IsEnabled())
	assert.False(t, p.Logs.IsEnabled())
	assert.Nil(t, p.Allocator)

	require.NoError(t, p.InstrumentDB(ctx, setupSQLiteDB(t), config.DatabaseConfig{}, true))
	assert.Nil(t, p.DB)

	assert.NoError(t, p.Shutdown(ctx))
}

func TestProviders_ShutdownPartial(t *testing.T) {
	p := &Providers{logger: zaptest.NewLogger(t)}
	assert.NoError(t, p.Shutdown(context.Background()))
}
