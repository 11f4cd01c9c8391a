package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// MergeContext grafts observability state from base onto ctx: the clue logger
// configuration, OTEL baggage, and the active span context. Engine adapters
// use it so activity and workflow contexts created by the backend still log
// and trace through the process-wide setup.
func MergeContext(ctx, base context.Context) context.Context {
	if base == nil {
		return ctx
	}
	ctx = log.WithContext(ctx, base)
	if bag := baggage.FromContext(base); len(bag.Members()) > 0 {
		ctx = baggage.ContextWithBaggage(ctx, bag)
	}
	if sc := trace.SpanContextFromContext(base); sc.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, sc)
	}
	return ctx
}
