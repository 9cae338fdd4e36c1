// Package metrics 流式组装与故障切换的 OpenTelemetry 指标。
package metrics

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"llmhouse-backend/internal/config"
	"llmhouse-backend/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "llmhouse-backend"

// Instruments 全部指标。未调用 Setup 时落在全局 noop provider 上。
type Instruments struct {
	chunks        metric.Int64Counter
	blocksCreated metric.Int64Counter
	blockWrites   metric.Int64Counter
	finalized     metric.Int64Counter
	toolDuration  metric.Float64Histogram
	credentials   metric.Int64Counter
}

func New(meter metric.Meter) (*Instruments, error) {
	ins := &Instruments{}
	var err error

	if ins.chunks, err = meter.Int64Counter(
		"stream.chunks",
		metric.WithDescription("Chunks handled by response sessions, by chunk type"),
		metric.WithUnit("{chunk}"),
	); err != nil {
		return nil, err
	}
	if ins.blocksCreated, err = meter.Int64Counter(
		"stream.blocks.created",
		metric.WithDescription("Blocks created, by block type"),
		metric.WithUnit("{block}"),
	); err != nil {
		return nil, err
	}
	if ins.blockWrites, err = meter.Int64Counter(
		"stream.block.writes",
		metric.WithDescription("Block writes flushed to a sink after throttling"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}
	if ins.finalized, err = meter.Int64Counter(
		"stream.responses.finalized",
		metric.WithDescription("Finalized responses, by outcome"),
		metric.WithUnit("{response}"),
	); err != nil {
		return nil, err
	}
	if ins.toolDuration, err = meter.Float64Histogram(
		"stream.tool.duration",
		metric.WithDescription("Tool call duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if ins.credentials, err = meter.Int64Counter(
		"provider.credential.attempts",
		metric.WithDescription("Provider call attempts per credential, by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	return ins, nil
}

var (
	defaultOnce sync.Once
	defaultIns  *Instruments
)

// Default 基于全局 MeterProvider 的指标
func Default() *Instruments {
	defaultOnce.Do(func() {
		ins, err := New(otel.GetMeterProvider().Meter(instrumentationName))
		if err != nil {
			logger.Warnf("Failed to create metric instruments: %v", err)
			ins = &Instruments{}
		}
		defaultIns = ins
	})
	return defaultIns
}

func (i *Instruments) ChunkHandled(ctx context.Context, chunkType string) {
	if i == nil || i.chunks == nil {
		return
	}
	i.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("chunk.type", chunkType)))
}

func (i *Instruments) BlockCreated(ctx context.Context, blockType string) {
	if i == nil || i.blocksCreated == nil {
		return
	}
	i.blocksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("block.type", blockType)))
}

func (i *Instruments) BlockWritten(ctx context.Context, sink string) {
	if i == nil || i.blockWrites == nil {
		return
	}
	i.blockWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// ResponseFinalized outcome: success | interrupted | error
func (i *Instruments) ResponseFinalized(ctx context.Context, outcome, errorKind string) {
	if i == nil || i.finalized == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if errorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", errorKind))
	}
	i.finalized.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (i *Instruments) ToolFinished(ctx context.Context, toolName, status string, d time.Duration) {
	if i == nil || i.toolDuration == nil {
		return
	}
	i.toolDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.status", status),
	))
}

// CredentialAttempt credential 是指纹，不是密钥本身
func (i *Instruments) CredentialAttempt(ctx context.Context, credential string, ok bool, errorKind string) {
	if i == nil || i.credentials == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	attrs := []attribute.KeyValue{
		attribute.String("credential", credential),
		attribute.String("outcome", outcome),
	}
	if errorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", errorKind))
	}
	i.credentials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Provider 持有 sdk MeterProvider，用于进程退出时刷出最后一批指标
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

// Setup 启用时安装周期导出到 w（默认 stdout）的 MeterProvider；未启用返回 nil
func Setup(cfg config.MetricsConfig, w io.Writer) (*Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if w == nil {
		w = os.Stdout
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(meterProvider)

	logger.Infof("Metrics enabled, exporting every %s", interval)
	return &Provider{meterProvider: meterProvider}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
