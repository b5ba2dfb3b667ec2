package mediator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer names every span this package opens, mirroring katatrace.Trace's
// single shared tracer ("kata") rather than one tracer per call site.
var tracer = otel.Tracer("optee-mediator")

// startSpan opens a span for one dispatched call or one CALL_WITH_ARG/
// RETURN_FROM_RPC firmware round (SPEC_FULL.md §10 tracing), attaching tags the way
// katatrace.Trace attaches its tags map. With no SDK tracer provider
// configured, otel's default no-op provider makes this a cheap context
// passthrough outside of environments that install one.
func startSpan(ctx context.Context, name string, tags map[string]string) (trace.Span, context.Context) {
	var attrs []attribute.KeyValue
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
