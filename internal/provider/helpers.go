package provider

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
)

// Destination picks the first destination of msg, falling back to the
// configured default. Kinds are filled with fallbackKind when empty.
func Destination(msg *envelope.ChannelMessageEnvelope, configured string, fallbackKind envelope.DestinationKind) (envelope.Destination, error) {
	if d, ok := msg.FirstDestination(); ok && strings.TrimSpace(d.ID) != "" {
		d.ID = strings.TrimSpace(d.ID)
		if !d.Kind.Valid() {
			return envelope.Destination{}, fault.Inputf("invalid destination kind %q", d.Kind)
		}
		if d.Kind == envelope.KindDefault {
			d.Kind = fallbackKind
		}
		return d, nil
	}
	if configured != "" {
		return envelope.Destination{ID: configured, Kind: fallbackKind}, nil
	}
	return envelope.Destination{}, fault.Inputf("destination (to) required")
}

// Inbound starts an ingested envelope for the call's tenant.
func Inbound(c *Call, id, session string) envelope.ChannelMessageEnvelope {
	if id == "" {
		id = uuid.NewString()
	}
	return envelope.ChannelMessageEnvelope{
		ID:          id,
		Tenant:      c.Tenant,
		Channel:     c.Spec.Channel,
		SessionID:   session,
		Attachments: []envelope.Attachment{},
		Metadata:    map[string]string{},
	}
}

// DecodeBody reads a JSON webhook body.
func DecodeBody(in envelope.HttpInV1, v any) error {
	body, err := in.Body()
	if err != nil {
		return fault.Wrap(fault.Input, "", err)
	}
	if len(body) == 0 {
		return fault.Inputf("empty webhook body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fault.Wrap(fault.Input, "invalid webhook body", err)
	}
	return nil
}

// Reject builds a webhook response without events.
func Reject(status int, msg string) envelope.HttpOutV1 {
	return envelope.HTTPJSON(status, map[string]any{"ok": false, "error": msg})
}

// Accept builds a 200 webhook response carrying events.
func Accept(events ...envelope.ChannelMessageEnvelope) envelope.HttpOutV1 {
	out := envelope.HTTPJSON(200, map[string]any{"ok": true, "events": len(events)})
	out.Events = events
	return out
}

// JSONPayload encodes v as an application/json payload.
func JSONPayload(v any, meta map[string]any) (envelope.ProviderPayloadV1, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return envelope.ProviderPayloadV1{}, fault.Wrap(fault.Input, "encode payload", err)
	}
	return envelope.NewPayload("application/json", raw, meta), nil
}

// Route builds the standard url and method routing hints.
func Route(method, url string) map[string]any {
	return map[string]any{"url": url, "method": method}
}

// Request rebuilds the host request described by a payload.
func Request(p envelope.ProviderPayloadV1, body []byte, headers ...envelope.Header) (host.Request, error) {
	url, err := MetaRequired(p, "url")
	if err != nil {
		return host.Request{}, err
	}
	method := p.MetaString("method")
	if method == "" {
		method = "POST"
	}
	hs := []envelope.Header{{Name: "Content-Type", Value: p.ContentType}}
	hs = append(hs, headers...)
	return host.Request{Method: method, URL: url, Headers: hs, Body: body}, nil
}

// Bearer builds an Authorization header.
func Bearer(token string) envelope.Header {
	return envelope.Header{Name: "Authorization", Value: "Bearer " + token}
}

// StateValue encodes a payload body for the state store: JSON bodies become
// the equivalent canonical CBOR, anything else a CBOR byte string.
func StateValue(body []byte) ([]byte, error) {
	if json.Valid(body) {
		return canon.FromJSON(body)
	}
	return canon.Bytes(body)
}
