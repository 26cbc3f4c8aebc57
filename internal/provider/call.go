package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
)

// Call is the context of one invocation.
type Call struct {
	Spec      Spec
	Host      host.Bindings
	Tenant    envelope.TenantCtx
	Config    map[string]any
	Logger    *zap.Logger
	Now       func() time.Time
	TimeoutMS uint32
}

// Clock returns the current time.
func (c *Call) Clock() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Decode copies the config into a typed struct.
func (c *Call) Decode(v any) error {
	raw, err := json.Marshal(c.Config)
	if err != nil {
		return fault.Wrap(fault.Config, "encode config", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.Wrap(fault.Config, "invalid config", err)
	}
	return nil
}

// String reads a string config value.
func (c *Call) String(name string) string {
	s, _ := c.Config[name].(string)
	return strings.TrimSpace(s)
}

// Log records a telemetry event. Values must not carry secrets.
func (c *Call) Log(ctx context.Context, name string, fields ...host.Field) {
	c.Host.Log(ctx, c.Spec.Name+"."+name, &c.Tenant, fields...)
}

// Secret resolves a secret. A non-empty configured value wins; otherwise
// the tenant-scoped key is tried before the bare name.
func (c *Call) Secret(ctx context.Context, name, configured string) (string, error) {
	if v := strings.TrimSpace(configured); v != "" {
		return v, nil
	}
	scope := c.Spec.Scope(c.Tenant)
	if c.Host.Secrets == nil {
		return "", fault.Secret(name, scope.Base())
	}
	for _, key := range []string{scope.SecretKey(name), name} {
		raw, ok, err := c.Host.Secrets.Get(ctx, key)
		if err != nil {
			return "", fault.Wrap(fault.Transport, "secret store error", err)
		}
		if ok && len(raw) > 0 {
			return strings.TrimSpace(string(raw)), nil
		}
	}
	return "", fault.Secret(name, scope.Base())
}

// OptionalSecret is Secret with a missing value reported as "".
func (c *Call) OptionalSecret(ctx context.Context, name, configured string) (string, error) {
	v, err := c.Secret(ctx, name, configured)
	if fault.KindOf(err) == fault.MissingSecret {
		return "", nil
	}
	return v, err
}

// Options builds the strict request options used for provider calls.
func (c *Call) Options() *host.RequestOptions {
	return host.DefaultOptions(c.TimeoutMS)
}

// Send performs an HTTP request through the host binding. Oversized bodies
// are rejected before any host call.
func (c *Call) Send(ctx context.Context, req host.Request) (*host.Response, error) {
	if c.Host.HTTP == nil {
		return nil, fault.Configf("http capability not granted")
	}
	if len(req.Body) > host.MaxBody {
		return nil, fault.Wrap(fault.Input, "", canon.ErrTooLarge)
	}
	resp, err := c.Host.HTTP.Send(ctx, req, c.Options(), &c.Tenant)
	if err != nil {
		var fe *fault.Error
		if host.CodeOf(err) == "" && !errors.As(err, &fe) {
			err = fault.Wrap(fault.Transport, "http request failed", err)
		}
		return nil, err
	}
	return resp, nil
}

// JSON sends a JSON request with optional bearer auth.
func (c *Call) JSON(ctx context.Context, method, url, bearer string, body any) (*host.Response, error) {
	req := host.Request{Method: method, URL: url}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Wrap(fault.Input, "encode request", err)
		}
		req.Body = raw
		req.Headers = append(req.Headers, envelope.Header{Name: "Content-Type", Value: "application/json"})
	}
	if bearer != "" {
		req.Headers = append(req.Headers, envelope.Header{Name: "Authorization", Value: "Bearer " + bearer})
	}
	return c.Send(ctx, req)
}

// RoundTripper lets net/http based clients (oauth2) run over the host
// HTTP binding.
type RoundTripper struct {
	Call *Call
}

func (rt RoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	req := host.Request{Method: r.Method, URL: r.URL.String()}
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range r.Header[name] {
			req.Headers = append(req.Headers, envelope.Header{Name: name, Value: v})
		}
	}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, host.MaxBody+1))
		_ = r.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	resp, err := rt.Call.Send(r.Context(), req)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	for _, h := range resp.Headers {
		header.Add(h.Name, h.Value)
	}
	return &http.Response{
		StatusCode: resp.Status,
		Status:     fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(resp.Body)),
		Request:    r,
	}, nil
}

// HTTPClient wraps the host binding in an *http.Client.
func (c *Call) HTTPClient() *http.Client {
	return &http.Client{Transport: RoundTripper{Call: c}}
}
