package bootstrap

import (
	"ai-selector-healer/internal/config"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const serviceName = "ai-selector-healer"

func newTraceProvider(lc fx.Lifecycle, conf *config.Config, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	out, closeOut, err := traceWriter(conf.AppConfig.TraceFile)
	if err != nil {
		return nil, err
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(out),
	)
	if err != nil {
		return nil, errors.Join(err, closeOut())
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, errors.Join(err, closeOut())
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	logger.Debug("Tracing enabled", zap.String("trace_file", conf.AppConfig.TraceFile))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), closeOut())
		},
	})

	return tp, nil
}

// traceWriter opens path for appending. An empty path discards spans.
func traceWriter(path string) (io.Writer, func() error, error) {
	if path == "" {
		return io.Discard, func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	return f, f.Close, nil
}
