// OpenTelemetry tracing support for channel operations.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names used by the transport layer.
const (
	SpanStart   = "transport.start"
	SpanSend    = "transport.send"
	SpanDeliver = "transport.deliver"
)

// Attribute keys used on channel spans.
const (
	AttrKind      = attribute.Key("transport.kind")
	AttrBytes     = attribute.Key("transport.bytes")
	AttrTarget    = attribute.Key("transport.target")
	AttrSessionID = attribute.Key("transport.session_id")
	AttrEnvelope  = attribute.Key("transport.envelope")
)

// Tracer wraps OpenTelemetry tracing with channel-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include envelope content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer backed by a specific provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (content in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Channel Spans ---

// ChannelSpanOptions contains options for channel operation spans.
type ChannelSpanOptions struct {
	Target    string
	SessionID string
	Bytes     int
	Envelope  []byte // Only included if debug=true
}

// StartChannelSpan starts a span for a channel operation such as
// SpanStart or SpanSend.
func (t *Tracer) StartChannelSpan(ctx context.Context, name, kind string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(AttrKind.String(kind))
	return ctx, span
}

// EndChannelSpan ends a channel span with attributes.
func (t *Tracer) EndChannelSpan(span trace.Span, opts ChannelSpanOptions, err error) {
	var attrs []attribute.KeyValue
	if opts.Target != "" {
		attrs = append(attrs, AttrTarget.String(opts.Target))
	}
	if opts.SessionID != "" {
		attrs = append(attrs, AttrSessionID.String(opts.SessionID))
	}
	if opts.Bytes > 0 {
		attrs = append(attrs, AttrBytes.Int(opts.Bytes))
	}
	if t.debug && len(opts.Envelope) > 0 {
		attrs = append(attrs, AttrEnvelope.String(truncate(string(opts.Envelope), 4000)))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Context Propagation ---

// InjectHTTP writes the W3C trace context of ctx into outgoing headers so
// an SSE POST joins the sender's trace.
func InjectHTTP(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHTTP returns ctx carrying the trace context found in h.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

// TraceID returns the trace id carried by ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	if s, ok := v.(string); ok {
		return truncate(s, maxLen)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "<unencodable>"
	}
	return truncate(string(data), maxLen)
}
