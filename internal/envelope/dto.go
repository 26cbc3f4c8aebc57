package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// MaxHTTPBody caps request and response bodies crossing the HTTP binding.
const MaxHTTPBody = 16 << 20

// Header is one HTTP header line.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderValue finds the first header named name, case-insensitively.
func HeaderValue(hs []Header, name string) string {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HttpInV1 is an inbound webhook request handed to ingest_http.
type HttpInV1 struct {
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Query     string          `json:"query,omitempty"`
	Headers   []Header        `json:"headers"`
	BodyB64   string          `json:"body_b64"`
	RouteHint string          `json:"route_hint,omitempty"`
	BindingID string          `json:"binding_id,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Tenant    *TenantCtx      `json:"tenant,omitempty"`
}

// Body decodes BodyB64.
func (in HttpInV1) Body() ([]byte, error) {
	if in.BodyB64 == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(in.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid body encoding: %w", err)
	}
	return b, nil
}

// Header returns a header value.
func (in HttpInV1) Header(name string) string { return HeaderValue(in.Headers, name) }

// QueryValues parses Query, tolerating a leading '?'.
func (in HttpInV1) QueryValues() url.Values {
	v, _ := url.ParseQuery(strings.TrimPrefix(in.Query, "?"))
	return v
}

// HttpOutV1 is the webhook response plus the envelopes it produced.
type HttpOutV1 struct {
	Status  int                      `json:"status"`
	Headers []Header                 `json:"headers"`
	BodyB64 string                   `json:"body_b64"`
	Events  []ChannelMessageEnvelope `json:"events"`
}

// MarshalJSON keeps headers and events present when empty.
func (o HttpOutV1) MarshalJSON() ([]byte, error) {
	type plain HttpOutV1
	p := plain(o)
	if p.Headers == nil {
		p.Headers = []Header{}
	}
	if p.Events == nil {
		p.Events = []ChannelMessageEnvelope{}
	}
	return json.Marshal(p)
}

// HTTPStatus builds a bodyless response.
func HTTPStatus(status int) HttpOutV1 {
	return HttpOutV1{Status: status}
}

// HTTPText builds a text/plain response.
func HTTPText(status int, body string) HttpOutV1 {
	return HttpOutV1{
		Status:  status,
		Headers: []Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
		BodyB64: base64.StdEncoding.EncodeToString([]byte(body)),
	}
}

// HTTPJSON builds an application/json response.
func HTTPJSON(status int, v any) HttpOutV1 {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(`{}`)
	}
	return HttpOutV1{
		Status:  status,
		Headers: []Header{{Name: "Content-Type", Value: "application/json"}},
		BodyB64: base64.StdEncoding.EncodeToString(raw),
	}
}

// ProviderPayloadV1 is an encoded wire payload plus routing hints.
type ProviderPayloadV1 struct {
	ContentType string         `json:"content_type"`
	BodyB64     string         `json:"body_b64"`
	Metadata    map[string]any `json:"metadata"`
}

// NewPayload base64-encodes body.
func NewPayload(contentType string, body []byte, meta map[string]any) ProviderPayloadV1 {
	if meta == nil {
		meta = map[string]any{}
	}
	return ProviderPayloadV1{
		ContentType: contentType,
		BodyB64:     base64.StdEncoding.EncodeToString(body),
		Metadata:    meta,
	}
}

// Body decodes BodyB64.
func (p ProviderPayloadV1) Body() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(p.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload body encoding: %w", err)
	}
	return b, nil
}

// MetaString reads a string routing hint.
func (p ProviderPayloadV1) MetaString(key string) string {
	if p.Metadata == nil {
		return ""
	}
	s, _ := p.Metadata[key].(string)
	return s
}

// Warning is a stable-coded planner or adapter diagnostic.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// RenderPlanInV1 asks a guest to plan a message.
type RenderPlanInV1 struct {
	Message  ChannelMessageEnvelope `json:"message"`
	Metadata map[string]any         `json:"metadata,omitempty"`
}

// RenderPlanOutV1 carries the canonical JSON of a render plan.
type RenderPlanOutV1 struct {
	PlanJSON string `json:"plan_json"`
}

// EncodeInV1 asks a guest to produce a wire payload.
type EncodeInV1 struct {
	Message ChannelMessageEnvelope `json:"message"`
	Plan    *RenderPlanOutV1       `json:"plan,omitempty"`
}

// SendPayloadInV1 asks a guest to deliver an encoded payload.
type SendPayloadInV1 struct {
	ProviderType string            `json:"provider_type"`
	TenantID     string            `json:"tenant_id,omitempty"`
	AuthUser     string            `json:"auth_user,omitempty"`
	Payload      ProviderPayloadV1 `json:"payload"`
	Tenant       *TenantCtx        `json:"tenant,omitempty"`
}

// EgressState is the terminal state of one send.
type EgressState string

const (
	Pending          EgressState = "pending"
	Sent             EgressState = "sent"
	DomainFailure    EgressState = "domain_failure"
	TransportFailure EgressState = "transport_failure"
)

// SendPayloadResultV1 is the outcome of send_payload. Message carries the
// provider message id on success.
type SendPayloadResultV1 struct {
	OK        bool        `json:"ok"`
	Message   string      `json:"message,omitempty"`
	Retryable bool        `json:"retryable"`
	Error     any         `json:"error,omitempty"`
	State     EgressState `json:"state,omitempty"`
	Warnings  []Warning   `json:"warnings,omitempty"`
}

// SubscriptionEnsureInV1 requests a webhook subscription.
type SubscriptionEnsureInV1 struct {
	NotificationURL   string     `json:"notification_url"`
	Resource          string     `json:"resource"`
	ChangeTypes       []string   `json:"change_types"`
	ExpirationMinutes int        `json:"expiration_minutes,omitempty"`
	ClientState       string     `json:"client_state,omitempty"`
	Tenant            *TenantCtx `json:"tenant,omitempty"`
}

// SubscriptionRenewInV1 extends a subscription.
type SubscriptionRenewInV1 struct {
	SubscriptionID    string     `json:"subscription_id"`
	ExpirationMinutes int        `json:"expiration_minutes,omitempty"`
	Tenant            *TenantCtx `json:"tenant,omitempty"`
}

// SubscriptionDeleteInV1 removes a subscription.
type SubscriptionDeleteInV1 struct {
	SubscriptionID string     `json:"subscription_id"`
	Tenant         *TenantCtx `json:"tenant,omitempty"`
}

// SubscriptionRecord is the canonical subscription shape for all providers.
type SubscriptionRecord struct {
	SubscriptionID string `json:"subscription_id"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Resource       string `json:"resource,omitempty"`
	ChangeType     string `json:"change_type,omitempty"`
	ClientState    string `json:"client_state,omitempty"`
}

// SubscriptionResultV1 wraps a subscription record.
type SubscriptionResultV1 struct {
	OK           bool                `json:"ok"`
	Subscription *SubscriptionRecord `json:"subscription,omitempty"`
	Error        any                 `json:"error,omitempty"`
	Retryable    bool                `json:"retryable,omitempty"`
}
