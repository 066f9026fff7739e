package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestSetup_Disabled(t *testing.T) {
	ctx := context.Background()

	p, err := Setup(ctx, Options{
		Exporter: Exporter{Endpoint: "localhost:14317", ServiceName: "invoicesync-test"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Nil(t, p.Meter("test"), "a nil meter tells callers not to instrument")
	assert.False(t, p.TracesEnabled())
	assert.False(t, p.LogCore("invoicesync", zapcore.InfoLevel).Enabled(zapcore.ErrorLevel))
	assert.NoError(t, p.Shutdown(ctx))
}

func TestProviders_NilReceiver(t *testing.T) {
	var p *Providers
	assert.Nil(t, p.Meter("x"))
	assert.False(t, p.TracesEnabled())
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.LogCore("x", zapcore.DebugLevel).Enabled(zapcore.ErrorLevel))
}

func TestSetup_AllSignals(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping exporter test in short mode")
	}
	ctx := context.Background()

	// the gRPC exporters connect lazily, so no collector is needed to build them
	p, err := Setup(ctx, Options{
		Exporter:        Exporter{Endpoint: "localhost:14317", Insecure: true, ServiceName: "invoicesync-test"},
		Traces:          true,
		SamplingRatio:   0.5,
		Metrics:         true,
		MetricsInterval: time.Second,
		Logs:            true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, p.TracesEnabled())
	assert.NotNil(t, p.Meter("test"))
	assert.True(t, p.LogCore("invoicesync", zapcore.InfoLevel).Enabled(zapcore.WarnLevel))

	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(shutdownCtx)

	assert.False(t, p.TracesEnabled(), "shutdown releases the providers")
	assert.NoError(t, p.Shutdown(ctx))
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1.0, "AlwaysOnSampler"},
		{2.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		assert.True(t, strings.HasPrefix(samplerFor(tt.ratio).Description(), "ParentBased{root:"+tt.want),
			"ratio %v: %s", tt.ratio, samplerFor(tt.ratio).Description())
	}
}
