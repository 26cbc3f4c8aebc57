// Package dummy is a loopback provider. It delivers nothing and derives
// message ids from the payload bytes, which makes it useful for wiring
// tests.
package dummy

import (
	"context"
	"strings"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/schema"
)

const (
	ProviderType = "messaging.dummy"
	loopbackURL  = "dummy://loopback"
)

// Adapter is the dummy provider.
type Adapter struct{}

// New returns the dummy adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	return provider.Spec{
		Name:         "dummy",
		Channel:      envelope.Dummy,
		ProviderType: ProviderType,
		Display:      "Dummy",
		Caps:         planner.ChannelDefaults(envelope.Dummy),
		Settings: []provider.Setting{{
			Name:  "record_outbox",
			Kind:  schema.KindBool,
			Title: "Record outbox",
			Help:  "Keep a copy of every delivered payload in provider state.",
		}},
	}
}

func (a *Adapter) IngestHTTP(_ context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	body, err := in.Body()
	if err != nil {
		return provider.Reject(400, err.Error())
	}
	session := strings.Trim(in.Path, "/")
	if session == "" {
		session = "dummy"
	}
	ev := provider.Inbound(c, "", session)
	ev.Text = string(body)
	ev.From = &envelope.Actor{ID: "dummy", Kind: "user"}
	ev.SetMeta("universal", "true")
	out := provider.Accept(ev)
	out.BodyB64 = in.BodyB64
	return out
}

func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	text := plan.Body
	if strings.TrimSpace(text) == "" {
		text = plan.Plan.SummaryText
	}
	if strings.TrimSpace(text) == "" {
		return provider.Encoded{}, fault.Inputf("text required")
	}
	meta := provider.Route("POST", loopbackURL)
	if d, ok := msg.FirstDestination(); ok {
		meta["to"] = d.ID
	}
	p, err := provider.JSONPayload(map[string]any{"body": text}, meta)
	if err != nil {
		return provider.Encoded{}, err
	}
	return provider.Encoded{Payload: p, Warnings: plan.Plan.Warnings}, nil
}

func (a *Adapter) SendPayload(ctx context.Context, c *provider.Call, in envelope.SendPayloadInV1) envelope.SendPayloadResultV1 {
	body, err := provider.PayloadBody(a.Spec(), in)
	if err != nil {
		return provider.Failed(err)
	}
	if len(body) == 0 {
		return provider.Invalid("payload empty")
	}
	id, err := MessageID(in.Payload)
	if err != nil {
		return provider.Failed(err)
	}
	if rec, _ := c.Config["record_outbox"].(bool); rec && c.Host.State != nil {
		key := c.Spec.Scope(c.Tenant).StateKey("outbox/" + id)
		val, err := provider.StateValue(body)
		if err != nil {
			return provider.Failed(err)
		}
		if err := c.Host.State.Write(ctx, key, val, &c.Tenant); err != nil {
			return provider.Failed(fault.Wrap(fault.Transport, "record outbox", err))
		}
	}
	c.Log(ctx, "egress", host.F("message_id", id))
	return provider.Sent(id)
}

// MessageID is sha256_hex of the payload's canonical CBOR encoding.
func MessageID(p envelope.ProviderPayloadV1) (string, error) {
	raw, err := canon.Marshal(p)
	if err != nil {
		return "", fault.Wrap(fault.Input, "encode payload", err)
	}
	return canon.SHA256Hex(raw), nil
}
