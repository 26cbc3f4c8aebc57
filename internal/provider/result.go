package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/planner"
)

// Sent builds a success result. An empty id is reported as a warning rather
// than replaced by a placeholder.
func Sent(id string, warnings ...envelope.Warning) envelope.SendPayloadResultV1 {
	res := envelope.SendPayloadResultV1{OK: true, Message: id, State: envelope.Sent, Warnings: warnings}
	if id == "" {
		res.Warnings = append(res.Warnings, envelope.Warning{
			Code:    planner.WarnMessageIDUnknown,
			Message: "provider response carried no message id",
		})
	}
	return res
}

// Failed maps err to a failure result. Only transport failures are
// retryable. Host refusals (denied, invalid, too large) would fail the same
// way again and are domain failures.
func Failed(err error) envelope.SendPayloadResultV1 {
	res := envelope.SendPayloadResultV1{OK: false, Error: fault.Payload(err), State: envelope.Pending}
	switch host.CodeOf(err) {
	case host.CodeTimeout, host.CodeUnavailable:
		res.State = envelope.TransportFailure
		res.Retryable = true
		res.Error = "transport error: " + fault.Line(err)
		return res
	case host.CodeTooLarge:
		res.State = envelope.DomainFailure
		res.Error = canon.ErrTooLarge.Error()
		return res
	case host.CodeDenied, host.CodeInvalid:
		res.State = envelope.DomainFailure
		res.Error = "request refused by host: " + fault.Line(err)
		return res
	}
	if errors.Is(err, canon.ErrTooLarge) {
		res.Error = canon.ErrTooLarge.Error()
		return res
	}
	switch fault.KindOf(err) {
	case fault.Transport:
		res.State = envelope.TransportFailure
		res.Retryable = true
	case fault.Domain:
		res.State = envelope.DomainFailure
	}
	return res
}

// PayloadBody checks the provider type and decodes the payload body.
func PayloadBody(s Spec, in envelope.SendPayloadInV1) ([]byte, error) {
	if in.ProviderType != s.ProviderType {
		return nil, fault.Inputf("provider type mismatch: expected %s, got %q", s.ProviderType, in.ProviderType)
	}
	body, err := in.Payload.Body()
	if err != nil {
		return nil, fault.Wrap(fault.Input, "payload decode failed", err)
	}
	if len(body) > host.MaxBody {
		return nil, fault.Wrap(fault.Input, "", canon.ErrTooLarge)
	}
	return body, nil
}

// Verdict reads the provider message id from a 2xx response. A returned
// error is a domain failure.
type Verdict func(resp *host.Response) (string, error)

// Deliver sends req and maps the response onto the egress states.
func Deliver(ctx context.Context, c *Call, req host.Request, verdict Verdict) envelope.SendPayloadResultV1 {
	resp, err := c.Send(ctx, req)
	if err != nil {
		res := Failed(err)
		c.Log(ctx, "egress", host.F("state", string(res.State)), host.F("retryable", strconv.FormatBool(res.Retryable)))
		return res
	}
	res := Classify(c.Spec.Display, resp, verdict)
	c.Log(ctx, "egress",
		host.F("state", string(res.State)),
		host.F("status", strconv.Itoa(resp.Status)),
		host.F("retryable", strconv.FormatBool(res.Retryable)))
	return res
}

// Classify maps a provider response onto the egress states.
func Classify(display string, resp *host.Response, verdict Verdict) envelope.SendPayloadResultV1 {
	if err := StatusError(display, resp); err != nil {
		return Failed(err)
	}
	if verdict == nil {
		return Sent("")
	}
	id, err := verdict(resp)
	if err != nil {
		if fault.KindOf(err) == fault.Input {
			err = fault.Wrap(fault.Domain, "", err)
		}
		return Failed(err)
	}
	return Sent(id)
}

// StatusError is nil for 2xx responses, a transport error for 5xx and a
// domain error otherwise.
func StatusError(display string, resp *host.Response) error {
	switch {
	case resp.Status >= 500:
		return fault.Transportf("%s returned status %d%s", display, resp.Status, detail(resp.Body))
	case resp.Status >= 300 || resp.Status < 200:
		return fault.Domainf("%s returned status %d%s", display, resp.Status, detail(resp.Body))
	}
	return nil
}

func detail(body []byte) string {
	if msg := ErrorDetail(body); msg != "" {
		return ": " + msg
	}
	return ""
}

// ErrorDetail extracts a readable error from common provider error bodies:
// {"error":"…"}, {"error":{"message":"…"}}, {"message":"…"} and
// {"description":"…"}.
func ErrorDetail(body []byte) string {
	var v struct {
		Error       json.RawMessage `json:"error"`
		Message     string          `json:"message"`
		Description string          `json:"description"`
	}
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	if len(v.Error) > 0 {
		var s string
		if json.Unmarshal(v.Error, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		}
		if json.Unmarshal(v.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if v.Message != "" {
		return v.Message
	}
	return v.Description
}

// JSONID returns a verdict that reads a string or number field by dotted
// path, e.g. "id" or "result.message_id".
func JSONID(path string) Verdict {
	return func(resp *host.Response) (string, error) {
		var v any
		if err := json.Unmarshal(resp.Body, &v); err != nil {
			return "", nil
		}
		return Lookup(v, path), nil
	}
}

// Lookup walks a decoded JSON value by dotted path. Numeric path parts
// index arrays.
func Lookup(v any, path string) string {
	for _, part := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return ""
			}
			v = node[i]
		default:
			return ""
		}
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return ""
}

// Invalid builds a failure for input rejected before any host call.
func Invalid(format string, args ...any) envelope.SendPayloadResultV1 {
	return Failed(fault.Inputf(format, args...))
}

// Errorf is a shorthand for a one-line domain error.
func Errorf(format string, args ...any) error {
	return fault.Domainf(format, args...)
}

// MetaRequired reads a required string routing hint.
func MetaRequired(p envelope.ProviderPayloadV1, key string) (string, error) {
	v := p.MetaString(key)
	if v == "" {
		return "", fault.Inputf("payload metadata %s required", key)
	}
	return v, nil
}
