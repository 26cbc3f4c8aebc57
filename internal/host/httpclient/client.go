// Package httpclient implements the HTTP binding on net/http.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

// Observer records outbound requests.
type Observer interface {
	ObserveHTTP(host, code string)
}

// Client is a host.HTTPClient.
type Client struct {
	transport      *http.Transport
	logger         *zap.Logger
	observer       Observer
	defaultTimeout time.Duration
	allowPlainHTTP bool
	denyHosts      map[string]bool
}

// Option configures a Client.
type Option func(*Client)

// WithObserver attaches request metrics.
func WithObserver(o Observer) Option { return func(c *Client) { c.observer = o } }

// WithDefaultTimeout bounds requests that carry no timeout_ms.
func WithDefaultTimeout(d time.Duration) Option { return func(c *Client) { c.defaultTimeout = d } }

// WithPlainHTTP permits http:// URLs without allow_insecure. Local
// development and tests only.
func WithPlainHTTP() Option { return func(c *Client) { c.allowPlainHTTP = true } }

// WithDenyHosts rejects requests to the given host names.
func WithDenyHosts(hosts ...string) Option {
	return func(c *Client) {
		for _, h := range hosts {
			c.denyHosts[strings.ToLower(h)] = true
		}
	}
}

// New builds a client.
func New(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		transport:      http.DefaultTransport.(*http.Transport).Clone(),
		logger:         logger,
		defaultTimeout: 30 * time.Second,
		denyHosts:      map[string]bool{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send performs req honouring opts. Failures are *host.Error values.
func (c *Client) Send(ctx context.Context, req host.Request, opts *host.RequestOptions, tenant *envelope.TenantCtx) (*host.Response, error) {
	if opts == nil {
		opts = host.DefaultOptions(0)
	}
	if len(req.Body) > host.MaxBody {
		return nil, host.Errorf(host.CodeTooLarge, "request body %d bytes", len(req.Body))
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, host.Errorf(host.CodeInvalid, "bad url %q", req.URL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !opts.AllowInsecure && !c.allowPlainHTTP {
			return nil, host.Errorf(host.CodeDenied, "plain http to %s", u.Host)
		}
	default:
		return nil, host.Errorf(host.CodeInvalid, "unsupported scheme %q", u.Scheme)
	}
	if c.denyHosts[strings.ToLower(u.Hostname())] {
		return nil, host.Errorf(host.CodeDenied, "host %s is not allowed", u.Hostname())
	}

	timeout := c.defaultTimeout
	if opts.TimeoutMS > 0 {
		timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	if tenant != nil {
		if dl, ok := tenant.Deadline(); ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, dl)
			defer cancel()
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, host.Errorf(host.CodeInvalid, "build request: %v", err)
	}
	for _, h := range req.Headers {
		hreq.Header.Add(h.Name, h.Value)
	}

	resp, err := c.client(opts).Do(hreq)
	if err != nil {
		he := classify(err)
		c.observe(u.Host, string(he.Code))
		c.logger.Debug("http send failed", zap.String("host", u.Host), zap.String("code", string(he.Code)))
		return nil, he
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, host.MaxBody+1))
	if err != nil {
		he := classify(err)
		c.observe(u.Host, string(he.Code))
		return nil, he
	}
	if len(body) > host.MaxBody {
		c.observe(u.Host, string(host.CodeTooLarge))
		return nil, host.Errorf(host.CodeTooLarge, "response body exceeds %d bytes", host.MaxBody)
	}
	c.observe(u.Host, fmt.Sprintf("%dxx", resp.StatusCode/100))

	out := &host.Response{Status: resp.StatusCode, Body: body, Headers: []envelope.Header{}}
	for name, values := range resp.Header {
		for _, v := range values {
			out.Headers = append(out.Headers, envelope.Header{Name: name, Value: v})
		}
	}
	return out, nil
}

func (c *Client) client(opts *host.RequestOptions) *http.Client {
	tr := c.transport
	insecure := opts.AllowInsecure && opts.TLS == host.TLSInsecure
	if insecure || opts.Proxy == host.ProxyNone {
		tr = tr.Clone()
		if insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		if opts.Proxy == host.ProxyNone {
			tr.Proxy = nil
		}
	}
	hc := &http.Client{Transport: tr}
	if opts.FollowRedirects != nil && !*opts.FollowRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	return hc
}

func (c *Client) observe(h, code string) {
	if c.observer != nil {
		c.observer.ObserveHTTP(h, code)
	}
}

func classify(err error) *host.Error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return host.Errorf(host.CodeTimeout, "%v", err)
	default:
		return host.Errorf(host.CodeUnavailable, "%v", err)
	}
}
