package tracing

import "context"

// Tracer is the narrow span-starting capability the rest of Acteon
// depends on, keeping OTEL types out of package signatures.
type Tracer interface {
	// StartSpan opens a span; the returned finish function records the
	// terminal error (nil for success) and ends the span.
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer discards all spans.
var NoopTracer Tracer = noopTracer{}
