package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	ins, err := New(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	ins.ChunkHandled(ctx, "text-delta")
	ins.ChunkHandled(ctx, "text-delta")
	ins.ResponseFinalized(ctx, "error", "auth")
	ins.ToolFinished(ctx, "search", "done", 15*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
			if m.Name == "stream.chunks" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(2), sum.DataPoints[0].Value)
			}
		}
	}
	assert.True(t, names["stream.chunks"])
	assert.True(t, names["stream.responses.finalized"])
	assert.True(t, names["stream.tool.duration"])
}

func TestNilInstrumentsAreSafe(t *testing.T) {
	var ins *Instruments
	ins.ChunkHandled(context.Background(), "text-delta")
	ins.CredentialAttempt(context.Background(), "abc", false, "auth")
}
