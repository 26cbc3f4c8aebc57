// Package hosttest provides scriptable in-memory bindings for tests.
package hosttest

import (
	"context"
	"strings"
	"sync"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/host/secrets"
	"github.com/nidhogg/msgproviders/internal/store"
)

// Handler answers one scripted request.
type Handler func(req host.Request) (*host.Response, error)

type route struct {
	method string
	prefix string
	h      Handler
}

// HTTP is a scripted HTTP binding. Routes match on method and URL prefix;
// the most recently added match wins.
type HTTP struct {
	mu       sync.Mutex
	routes   []route
	Requests []host.Request
	Options  []*host.RequestOptions
}

// On registers a handler.
func (h *HTTP) On(method, urlPrefix string, fn Handler) *HTTP {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes = append(h.routes, route{method: method, prefix: urlPrefix, h: fn})
	return h
}

// Reply registers a fixed response.
func (h *HTTP) Reply(method, urlPrefix string, status int, body string) *HTTP {
	return h.On(method, urlPrefix, Respond(status, body))
}

// Fail registers a host error.
func (h *HTTP) Fail(method, urlPrefix string, code host.ErrorCode) *HTTP {
	return h.On(method, urlPrefix, func(host.Request) (*host.Response, error) {
		return nil, host.Errorf(code, "scripted failure")
	})
}

// Respond builds a handler returning status and a JSON body.
func Respond(status int, body string) Handler {
	return func(host.Request) (*host.Response, error) {
		return &host.Response{
			Status:  status,
			Headers: []envelope.Header{{Name: "Content-Type", Value: "application/json"}},
			Body:    []byte(body),
		}, nil
	}
}

func (h *HTTP) Send(_ context.Context, req host.Request, opts *host.RequestOptions, _ *envelope.TenantCtx) (*host.Response, error) {
	h.mu.Lock()
	h.Requests = append(h.Requests, req)
	h.Options = append(h.Options, opts)
	var match Handler
	for i := len(h.routes) - 1; i >= 0; i-- {
		r := h.routes[i]
		if (r.method == "" || r.method == req.Method) && strings.HasPrefix(req.URL, r.prefix) {
			match = r.h
			break
		}
	}
	h.mu.Unlock()
	if match == nil {
		return nil, host.Errorf(host.CodeUnavailable, "no scripted route for %s %s", req.Method, req.URL)
	}
	return match(req)
}

// Calls returns how many requests were sent.
func (h *HTTP) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Requests)
}

// Last returns the most recent request.
func (h *HTTP) Last() host.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Requests) == 0 {
		return host.Request{}
	}
	return h.Requests[len(h.Requests)-1]
}

// Event is one recorded telemetry call.
type Event struct {
	Name   string
	Fields []host.Field
}

// Telemetry records events.
type Telemetry struct {
	mu     sync.Mutex
	Events []Event
}

func (t *Telemetry) Log(_ context.Context, span host.SpanContext, fields []host.Field, _ *envelope.TenantCtx) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Events = append(t.Events, Event{Name: span.Name, Fields: append([]host.Field(nil), fields...)})
	return nil
}

// Names lists recorded event names.
func (t *Telemetry) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Events))
	for i, e := range t.Events {
		out[i] = e.Name
	}
	return out
}

// Push is one recorded transport delivery.
type Push struct {
	Route   string
	Payload []byte
}

// Transport records pushes. Err, when set, is returned instead.
type Transport struct {
	mu     sync.Mutex
	Pushes []Push
	Err    error
}

func (t *Transport) Push(_ context.Context, route string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.Pushes = append(t.Pushes, Push{Route: route, Payload: append([]byte(nil), payload...)})
	return nil
}

// Mailer records submissions.
type Mailer struct {
	mu   sync.Mutex
	Sent []host.MailRequest
	Err  error
}

func (m *Mailer) SendMail(_ context.Context, req host.MailRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, req)
	return nil
}

// Host bundles a full set of fakes.
type Host struct {
	HTTP      *HTTP
	Secrets   *secrets.Memory
	State     *store.Memory
	Telemetry *Telemetry
	Transport *Transport
	Mailer    *Mailer
}

// New returns fakes with secrets seeded from values.
func New(values map[string]string) *Host {
	return &Host{
		HTTP:      &HTTP{},
		Secrets:   secrets.NewMemory(values),
		State:     store.NewMemory(),
		Telemetry: &Telemetry{},
		Transport: &Transport{},
		Mailer:    &Mailer{},
	}
}

// Bindings exposes every fake.
func (h *Host) Bindings() host.Bindings {
	return host.Bindings{
		HTTP:      h.HTTP,
		Secrets:   h.Secrets,
		State:     h.State,
		Telemetry: h.Telemetry,
		Transport: h.Transport,
		Mailer:    h.Mailer,
	}
}
