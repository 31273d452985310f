package qpack

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func newTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// startSpan opens the span covering one decode request. It ends when the
// request finishes, which may be long after Decode returns.
func startSpan(ctx context.Context, tracer trace.Tracer, totalBytes uint32) trace.Span {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := tracer.Start(ctx, "qpack.decode",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("qpack.compressed_bytes", int(totalBytes))),
	)
	return span
}

func endSpan(req *decodeRequest) {
	span := req.span
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("qpack.headers", req.headers),
		attribute.Int("qpack.uncompressed_bytes", int(req.size.Uncompressed)),
		attribute.Int("qpack.consumed_bytes", int(req.consumed)),
	)
	if req.err != nil {
		span.RecordError(req.err)
		span.SetStatus(codes.Error, req.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
