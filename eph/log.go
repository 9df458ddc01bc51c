package eph

import (
	"context"

	"github.com/opentracing/opentracing-go"
	tag "github.com/opentracing/opentracing-go/ext"
	log "github.com/sirupsen/logrus"
)

type ctxKey string

const hostNameKey ctxKey = "eph-host-name"

// withHostName stashes the owning host's name on the context so For can annotate
// every log line without threading the name through every call site.
func withHostName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, hostNameKey, name)
}

// For returns a logrus entry annotated with the host name carried on ctx, if any.
// Mirrors the teacher's `log.For(ctx)` call convention.
func For(ctx context.Context) *log.Entry {
	if name, ok := ctx.Value(hostNameKey).(string); ok && name != "" {
		return log.WithField("eph.host", name)
	}
	return log.NewEntry(log.StandardLogger())
}

// startSpanFromContext opens a span tagged the way the teacher's
// startConsumerSpanFromContext tags RPC-client-kind spans against the store.
func startSpanFromContext(ctx context.Context, operationName string) (opentracing.Span, context.Context) {
	return StartSpanFromContext(ctx, operationName)
}

// StartSpanFromContext is the exported form, used by sibling packages (storage) that
// implement eph's store interfaces and want the same span-tagging convention.
func StartSpanFromContext(ctx context.Context, operationName string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, operationName)
	tag.SpanKindRPCClient.Set(span)
	span.SetTag("eph.component", "partition-coordination")
	return span, ctx
}
