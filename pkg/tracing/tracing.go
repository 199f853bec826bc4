package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	TraceID = "trace_id"
	SpanID  = "span_id"
)

// Span pairs an otel span with a logger carrying its trace and span ids.
type Span struct {
	span    trace.Span
	logger  *zap.Logger
	name    string
	started time.Time
}

func StartSpan(ctx context.Context, tracer trace.Tracer, logger *zap.Logger, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))

	if logger == nil {
		logger = zap.NewNop()
	}

	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With(
			zap.String(TraceID, sc.TraceID().String()),
			zap.String(SpanID, sc.SpanID().String()))
	}

	return ctx, &Span{
		span:    span,
		logger:  logger,
		name:    name,
		started: time.Now(),
	}
}

// End closes the span, marking it failed when err is non-nil.
func (s *Span) End(err error) {
	elapsed := time.Since(s.started)

	if err != nil {
		s.span.SetStatus(codes.Error, err.Error())
		s.span.RecordError(err)
		s.logger.Debug("span failed", zap.String("span", s.name), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		s.span.SetStatus(codes.Ok, "")
		s.logger.Debug("span done", zap.String("span", s.name), zap.Duration("elapsed", elapsed))
	}

	s.span.End()
}

func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

// Logger returns the logger tagged with this span's ids.
func (s *Span) Logger() *zap.Logger {
	return s.logger
}
