package observability

import (
	"context"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultBatchSize    = 512
	defaultBatchTimeout = 5 * time.Second
)

// InitTracing initializes OpenTelemetry tracing with Jaeger exporter.
// Config via env:
//   OTEL_SERVICE_NAME, OTEL_EXPORTER_JAEGER_ENDPOINT (e.g. http://localhost:14268/api/traces)
//   OTEL_BSP_MAX_EXPORT_BATCH_SIZE, OTEL_BSP_SCHEDULE_DELAY (ms) — both optional,
// these are the OTel spec's standard BatchSpanProcessor tuning env vars.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		// no-op
		return func(ctx context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(batchSizeFromEnv()), trace.WithBatchTimeout(batchTimeoutFromEnv())),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func batchSizeFromEnv() int {
	if v := os.Getenv("OTEL_BSP_MAX_EXPORT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultBatchSize
}

func batchTimeoutFromEnv() time.Duration {
	if v := os.Getenv("OTEL_BSP_SCHEDULE_DELAY"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultBatchTimeout
}
