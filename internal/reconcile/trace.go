package reconcile

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/any-hub/offline-hub/internal/reconcile"

func (r *Reconciler) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("app", r.app),
		attribute.String("manifest.version", r.manifest.ID()),
	)
	return otel.Tracer(tracerName).Start(ctx, "reconcile."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// recoverAsError 将 panic 转为错误，协调流程需要把任何异常都当作失败处理。
func recoverAsError(errp *error) {
	if rec := recover(); rec != nil {
		*errp = fmt.Errorf("panic: %v", rec)
	}
}
