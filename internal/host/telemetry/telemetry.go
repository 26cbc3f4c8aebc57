// Package telemetry implements the Telemetry binding on zap, OpenTelemetry
// span events and Prometheus counters.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

const tracerName = "msgproviders"

// Redacted replaces scrubbed field values.
const Redacted = "[redacted]"

var sensitive = []string{"secret", "token", "password", "authorization", "api_key", "apikey", "cookie", "email", "phone", "signature"}

// Sink is a host.Telemetry.
type Sink struct {
	logger  *zap.Logger
	metrics *Metrics
}

// New returns a sink. metrics may be nil.
func New(logger *zap.Logger, metrics *Metrics) *Sink {
	return &Sink{logger: logger, metrics: metrics}
}

// Log writes the event to zap, adds it to the current span and counts it.
// Fields whose key looks sensitive are scrubbed.
func (s *Sink) Log(ctx context.Context, span host.SpanContext, fields []host.Field, tenant *envelope.TenantCtx) error {
	clean := Scrub(fields)

	zf := make([]zap.Field, 0, len(clean)+4)
	attrs := make([]attribute.KeyValue, 0, len(clean)+2)
	if tenant != nil {
		zf = append(zf, zap.String("env", tenant.Env), zap.String("tenant", tenant.Tenant))
		attrs = append(attrs, attribute.String("tenant", tenant.Tenant))
		if tenant.Team != "" {
			zf = append(zf, zap.String("team", tenant.Team))
		}
	}
	if span.TraceID != "" {
		zf = append(zf, zap.String("trace_id", span.TraceID))
	}
	for _, f := range clean {
		zf = append(zf, zap.String(f.Key, f.Value))
		attrs = append(attrs, attribute.String(f.Key, f.Value))
	}
	s.logger.Info(span.Name, zf...)

	trace.SpanFromContext(ctx).AddEvent(span.Name, trace.WithAttributes(attrs...))
	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(span.Name).Inc()
	}
	return nil
}

// Scrub returns a copy of fields with sensitive values replaced.
func Scrub(fields []host.Field) []host.Field {
	out := make([]host.Field, len(fields))
	for i, f := range fields {
		out[i] = f
		if isSensitive(f.Key) {
			out[i].Value = Redacted
		}
	}
	return out
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// StartSpan starts a span under the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan ends span, recording err when set.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanContextOf converts the current OpenTelemetry span into the binding
// shape.
func SpanContextOf(ctx context.Context, name string) host.SpanContext {
	sc := trace.SpanContextFromContext(ctx)
	out := host.SpanContext{Name: name}
	if sc.IsValid() {
		out.TraceID = sc.TraceID().String()
		out.SpanID = sc.SpanID().String()
	}
	return out
}
