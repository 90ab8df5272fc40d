package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// HeaderCarrier implements propagation.TextMapCarrier over a plain map, the
// shape event envelopes use for their headers.
type HeaderCarrier map[string]string

// Get returns the value for the given key
func (c HeaderCarrier) Get(key string) string {
	return c[key]
}

// Set sets the value for the given key
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys returns all keys in the carrier
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Inject writes the trace context of ctx into a fresh header map.
// Returns nil when ctx carries nothing to propagate.
func Inject(ctx context.Context) map[string]string {
	carrier := HeaderCarrier{}
	Propagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract returns ctx enriched with the trace context found in headers.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return Propagator().Extract(ctx, HeaderCarrier(headers))
}

// GetTraceID extracts the trace ID from context if present
func GetTraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}
