// Package host defines the bindings a provider consumes from its host: an
// HTTP client, secrets, state, telemetry and, for in-process channels, a
// transport and a mailer.
package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

// MaxBody bounds request and response bodies crossing the HTTP binding.
const MaxBody = 16 << 20

// Request is an outbound HTTP request.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers []envelope.Header `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

// Header returns the first header value matching name.
func (r Request) Header(name string) string { return envelope.HeaderValue(r.Headers, name) }

// Response is the reply to a Request.
type Response struct {
	Status  int               `json:"status"`
	Headers []envelope.Header `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

// Header returns the first header value matching name.
func (r Response) Header(name string) string { return envelope.HeaderValue(r.Headers, name) }

// Proxy selects proxy behaviour.
type Proxy string

const (
	ProxyInherit Proxy = "inherit"
	ProxyNone    Proxy = "none"
)

// TLSMode selects certificate verification.
type TLSMode string

const (
	TLSStrict   TLSMode = "strict"
	TLSInsecure TLSMode = "insecure"
)

// RequestOptions tune one HTTP call.
type RequestOptions struct {
	TimeoutMS       uint32  `json:"timeout_ms,omitempty"`
	AllowInsecure   bool    `json:"allow_insecure"`
	FollowRedirects *bool   `json:"follow_redirects,omitempty"`
	Proxy           Proxy   `json:"proxy"`
	TLS             TLSMode `json:"tls"`
}

// DefaultOptions returns the options every provider send uses.
func DefaultOptions(timeoutMS uint32) *RequestOptions {
	return &RequestOptions{TimeoutMS: timeoutMS, Proxy: ProxyInherit, TLS: TLSStrict}
}

// ErrorCode classifies host failures.
type ErrorCode string

const (
	CodeTimeout     ErrorCode = "timeout"
	CodeDenied      ErrorCode = "denied"
	CodeUnavailable ErrorCode = "unavailable"
	CodeInvalid     ErrorCode = "invalid"
	CodeTooLarge    ErrorCode = "too_large"
)

// Error is a host binding failure.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Errorf builds a host error.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the host error code, or "" when err is not a host error.
func CodeOf(err error) ErrorCode {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// HTTPClient performs outbound HTTP on behalf of a provider.
type HTTPClient interface {
	Send(ctx context.Context, req Request, opts *RequestOptions, tenant *envelope.TenantCtx) (*Response, error)
}

// Secrets resolves opaque secret values. A missing key is (nil, false, nil).
type Secrets interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// State is a key/value store. A missing key reads as (nil, false, nil).
type State interface {
	Read(ctx context.Context, key string, tenant *envelope.TenantCtx) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte, tenant *envelope.TenantCtx) error
	Delete(ctx context.Context, key string, tenant *envelope.TenantCtx) error
}

// PrefixDeleter is implemented by stores that can drop a key namespace.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string, tenant *envelope.TenantCtx) (int, error)
}

// SpanContext correlates telemetry records.
type SpanContext struct {
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
	Name    string `json:"name"`
}

// Field is one ordered telemetry attribute.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// F builds a Field.
func F(k, v string) Field { return Field{Key: k, Value: v} }

// Telemetry records structured events. Fields must not carry secrets or PII.
type Telemetry interface {
	Log(ctx context.Context, span SpanContext, fields []Field, tenant *envelope.TenantCtx) error
}

// Transport delivers payloads to in-process channels.
type Transport interface {
	Push(ctx context.Context, route string, payload []byte) error
}

// MailRequest is one SMTP submission.
type MailRequest struct {
	Host     string
	Port     int
	Username string
	Password string
	StartTLS bool
	From     string
	To       []string
	Data     []byte
}

// Mailer submits RFC 5322 messages over SMTP.
type Mailer interface {
	SendMail(ctx context.Context, req MailRequest) error
}

// Bindings bundles everything a provider may call. Nil members are absent
// capabilities.
type Bindings struct {
	HTTP      HTTPClient
	Secrets   Secrets
	State     State
	Telemetry Telemetry
	Transport Transport
	Mailer    Mailer
}

// Capabilities advertises which bindings a host grants for cleanup.
type Capabilities struct {
	State   bool `json:"state"`
	HTTP    bool `json:"http"`
	Secrets bool `json:"secrets"`
}

// Capabilities derives the cleanup capabilities from the present bindings.
func (b Bindings) Capabilities() Capabilities {
	return Capabilities{State: b.State != nil, HTTP: b.HTTP != nil, Secrets: b.Secrets != nil}
}

// Log records an event and drops the error; telemetry never fails callers.
func (b Bindings) Log(ctx context.Context, name string, tenant *envelope.TenantCtx, fields ...Field) {
	if b.Telemetry == nil {
		return
	}
	_ = b.Telemetry.Log(ctx, SpanContext{Name: name}, fields, tenant)
}
