package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/schema"
)

type handler func(g *Guest, ctx context.Context, raw []byte) (any, error)

var handlers = map[string]handler{
	provider.OpSend: func(g *Guest, ctx context.Context, raw []byte) (any, error) {
		return g.send(ctx, raw, false)
	},
	provider.OpReply: func(g *Guest, ctx context.Context, raw []byte) (any, error) {
		return g.send(ctx, raw, true)
	},
	provider.OpIngestHTTP:         (*Guest).ingestHTTP,
	provider.OpRenderPlan:         (*Guest).renderPlan,
	provider.OpEncode:             (*Guest).encodeOp,
	provider.OpSendPayload:        (*Guest).sendPayload,
	provider.OpSubscriptionEnsure: (*Guest).subscriptionEnsure,
	provider.OpSubscriptionRenew:  (*Guest).subscriptionRenew,
	provider.OpSubscriptionDelete: (*Guest).subscriptionDelete,
	provider.OpHealthcheck:        (*Guest).healthcheck,
	provider.OpValidateConfig:     (*Guest).validateConfig,
}

// commonInput holds the fields every op input may carry.
type commonInput struct {
	Config json.RawMessage
	Tenant *envelope.TenantCtx
	top    map[string]json.RawMessage
}

func parseCommon(raw []byte) (commonInput, error) {
	var ci commonInput
	if err := json.Unmarshal(raw, &ci.top); err != nil || ci.top == nil {
		return ci, fault.Inputf("input must be a map")
	}
	if v, ok := ci.top["config"]; ok && string(v) != "null" {
		ci.Config = v
	}
	if v, ok := ci.top["tenant"]; ok && string(v) != "null" {
		var t envelope.TenantCtx
		if err := json.Unmarshal(v, &t); err != nil {
			return ci, fault.Wrap(fault.Input, "invalid tenant", err)
		}
		ci.Tenant = &t
	}
	return ci, nil
}

func (ci commonInput) str(key string) string {
	var s string
	if v, ok := ci.top[key]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

// overlay returns the config an input supplies: the `config` object when
// present, otherwise any top-level field named like a setting.
func (g *Guest) overlay(ci commonInput) (map[string]any, error) {
	out := map[string]any{}
	if ci.Config != nil {
		if err := json.Unmarshal(ci.Config, &out); err != nil {
			return nil, fault.Wrap(fault.Config, "config must be a map", err)
		}
		return out, nil
	}
	for _, st := range g.spec.AllSettings() {
		v, ok := ci.top[st.Name]
		if !ok {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fault.Wrap(fault.Config, "invalid config field "+st.Name, err)
		}
		out[st.Name] = val
	}
	return out, nil
}

// mergeConfig layers defaults, the installed config and the input overlay,
// then validates the result.
func (g *Guest) mergeConfig(ci commonInput) (map[string]any, error) {
	over, err := g.overlay(ci)
	if err != nil {
		return nil, err
	}
	merged := layer(g.spec.Defaults(), g.config, over)
	if err := schema.Validate(g.spec.ConfigSchema(), merged); err != nil {
		return nil, fault.Configf("invalid config: %v", err)
	}
	return merged, nil
}

func layer(maps ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			if v == nil {
				continue
			}
			out[k] = v
		}
	}
	return out
}

func enabled(c *provider.Call) bool {
	v, ok := c.Config["enabled"].(bool)
	return !ok || v
}

var errDisabled = fault.Configf("provider disabled by config")

type sendOutput struct {
	OK        bool                 `json:"ok"`
	MessageID string               `json:"message_id,omitempty"`
	State     envelope.EgressState `json:"state,omitempty"`
	Retryable bool                 `json:"retryable"`
	Warnings  []envelope.Warning   `json:"warnings,omitempty"`
	Error     any                  `json:"error,omitempty"`
}

// outbound extracts the message of a send input: a `message` object, a
// synthetic envelope from `to` and `text`, or the input itself.
func (g *Guest) outbound(ci commonInput, raw []byte) (envelope.ChannelMessageEnvelope, error) {
	var msg envelope.ChannelMessageEnvelope
	switch {
	case ci.top["message"] != nil:
		if err := json.Unmarshal(ci.top["message"], &msg); err != nil {
			return msg, fault.Wrap(fault.Input, "invalid message", err)
		}
	case ci.str("to") != "":
		msg = envelope.ChannelMessageEnvelope{
			ID:      "synthetic-" + canon.SHA256Hex(raw)[:16],
			Channel: g.spec.Channel,
			To:      []envelope.Destination{{ID: ci.str("to")}},
			Text:    ci.str("text"),
		}
	default:
		if err := json.Unmarshal(raw, &msg); err != nil {
			return msg, fault.Wrap(fault.Input, "invalid envelope", err)
		}
	}
	if msg.ReplyScope == "" {
		for _, k := range []string{"reply_to_id", "thread_id"} {
			if v := ci.str(k); v != "" {
				msg.ReplyScope = v
				break
			}
		}
	}
	if msg.Channel == "" {
		msg.Channel = g.spec.Channel
	}
	return msg, nil
}

// send runs render_plan, encode and send_payload in one call.
func (g *Guest) send(ctx context.Context, raw []byte, reply bool) (any, error) {
	ci, err := parseCommon(raw)
	if err != nil {
		return nil, err
	}
	msg, err := g.outbound(ci, raw)
	if err != nil {
		return nil, err
	}
	if reply && msg.ReplyTarget() == "" {
		return nil, fault.Inputf("reply requires reply_scope or metadata.reply_to_id")
	}
	c, ctx, cancel, err := g.call(ctx, ci, &msg.Tenant)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if !enabled(c) {
		return nil, errDisabled
	}
	if msg.Tenant.Tenant == "" {
		msg.Tenant = c.Tenant
	}
	if err := msg.ValidateOutbound(g.spec.Channel, c.String(g.spec.DefaultDestination) != ""); err != nil {
		return nil, fault.Wrap(fault.Input, "invalid envelope", err)
	}

	plan, err := provider.Plan(g.spec, &msg)
	if err != nil {
		return nil, err
	}
	enc, err := g.adapter.Encode(ctx, c, msg, plan)
	if err != nil {
		return nil, err
	}
	res := g.adapter.SendPayload(ctx, c, envelope.SendPayloadInV1{
		ProviderType: g.spec.ProviderType,
		TenantID:     c.Tenant.Tenant,
		Payload:      enc.Payload,
		Tenant:       &c.Tenant,
	})
	c.Log(ctx, "send", host.F("state", string(res.State)))
	return sendOutput{
		OK:        res.OK,
		MessageID: res.Message,
		State:     res.State,
		Retryable: res.Retryable,
		Warnings:  append(enc.Warnings, res.Warnings...),
		Error:     res.Error,
	}, nil
}

func (g *Guest) ingestHTTP(ctx context.Context, raw []byte) (any, error) {
	ci, err := parseCommon(raw)
	if err != nil {
		return provider.Reject(400, fault.Line(err)), nil
	}
	var in envelope.HttpInV1
	if err := json.Unmarshal(raw, &in); err != nil {
		return provider.Reject(400, "invalid http input"), nil
	}
	c, ctx, cancel, err := g.call(ctx, ci, nil)
	if err != nil {
		return provider.Reject(500, fault.Line(err)), nil
	}
	defer cancel()
	out := g.adapter.IngestHTTP(ctx, c, in)
	for i := range out.Events {
		ev := &out.Events[i]
		if ev.Tenant.Tenant == "" {
			ev.Tenant = c.Tenant
		}
		if ev.Channel == "" {
			ev.Channel = g.spec.Channel
		}
	}
	return out, nil
}

type renderPlanOutput struct {
	OK   bool                     `json:"ok"`
	Plan envelope.RenderPlanOutV1 `json:"plan"`
}

func (g *Guest) renderPlan(_ context.Context, raw []byte) (any, error) {
	var in envelope.RenderPlanInV1
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fault.Wrap(fault.Input, "invalid render_plan input", err)
	}
	msg := in.Message
	if msg.Channel == "" {
		msg.Channel = g.spec.Channel
	}
	plan, err := provider.Plan(g.spec, &msg)
	if err != nil {
		return nil, err
	}
	js, err := plan.Plan.JSON()
	if err != nil {
		return nil, err
	}
	return renderPlanOutput{OK: true, Plan: envelope.RenderPlanOutV1{PlanJSON: js}}, nil
}

type encodeOutput struct {
	OK       bool                       `json:"ok"`
	Payload  envelope.ProviderPayloadV1 `json:"payload"`
	Warnings []envelope.Warning         `json:"warnings,omitempty"`
}

// encodeOp replans the message for its card content. A supplied plan then
// replaces the computed summary and warnings; its tier must match.
func (g *Guest) encodeOp(ctx context.Context, raw []byte) (any, error) {
	ci, err := parseCommon(raw)
	if err != nil {
		return nil, err
	}
	var in envelope.EncodeInV1
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fault.Wrap(fault.Input, "invalid encode input", err)
	}
	var supplied *planner.RenderPlan
	if in.Plan != nil && in.Plan.PlanJSON != "" {
		p, err := planner.ParsePlan(in.Plan.PlanJSON)
		if err != nil {
			return nil, fault.Wrap(fault.Input, "invalid plan", err)
		}
		supplied = &p
	}
	c, ctx, cancel, err := g.call(ctx, ci, &in.Message.Tenant)
	if err != nil {
		return nil, err
	}
	defer cancel()
	msg := in.Message
	if msg.Channel == "" {
		msg.Channel = g.spec.Channel
	}
	if msg.Tenant.Tenant == "" {
		msg.Tenant = c.Tenant
	}
	if err := msg.ValidateOutbound(g.spec.Channel, c.String(g.spec.DefaultDestination) != ""); err != nil {
		return nil, fault.Wrap(fault.Input, "invalid envelope", err)
	}
	plan, err := provider.Plan(g.spec, &msg)
	if err != nil {
		return nil, err
	}
	if supplied != nil {
		if supplied.Tier != plan.Plan.Tier {
			return nil, fault.Inputf("plan tier %s does not fit this message (%s)", supplied.Tier, plan.Plan.Tier)
		}
		plan.Plan.SummaryText = supplied.SummaryText
		plan.Plan.Warnings = supplied.Warnings
	}
	enc, err := g.adapter.Encode(ctx, c, msg, plan)
	if err != nil {
		return nil, err
	}
	return encodeOutput{OK: true, Payload: enc.Payload, Warnings: enc.Warnings}, nil
}

func (g *Guest) sendPayload(ctx context.Context, raw []byte) (any, error) {
	ci, err := parseCommon(raw)
	if err != nil {
		return provider.Failed(err), nil
	}
	var in envelope.SendPayloadInV1
	if err := json.Unmarshal(raw, &in); err != nil {
		return provider.Failed(fault.Wrap(fault.Input, "invalid send_payload input", err)), nil
	}
	c, ctx, cancel, err := g.call(ctx, ci, nil)
	if err != nil {
		return provider.Failed(err), nil
	}
	defer cancel()
	if !enabled(c) {
		return provider.Failed(errDisabled), nil
	}
	return g.adapter.SendPayload(ctx, c, in), nil
}

func subscriptionResult(rec envelope.SubscriptionRecord, err error) envelope.SubscriptionResultV1 {
	if err != nil {
		f := provider.Failed(err)
		return envelope.SubscriptionResultV1{Error: f.Error, Retryable: f.Retryable}
	}
	return envelope.SubscriptionResultV1{OK: true, Subscription: &rec}
}

// subscribe decodes the op input into in and runs fn with a prepared call.
func subscribe[T any](ctx context.Context, g *Guest, raw []byte, fn func(context.Context, provider.Subscriber, *provider.Call, T) (envelope.SubscriptionRecord, error)) (any, error) {
	ci, err := parseCommon(raw)
	if err != nil {
		return subscriptionResult(envelope.SubscriptionRecord{}, err), nil
	}
	var in T
	if err := json.Unmarshal(raw, &in); err != nil {
		return subscriptionResult(envelope.SubscriptionRecord{}, fault.Wrap(fault.Input, "invalid subscription input", err)), nil
	}
	c, ctx, cancel, err := g.call(ctx, ci, nil)
	if err != nil {
		return subscriptionResult(envelope.SubscriptionRecord{}, err), nil
	}
	defer cancel()
	sub, ok := g.adapter.(provider.Subscriber)
	if !ok {
		return nil, fmt.Errorf("%s has no subscriptions", g.spec.Name)
	}
	return subscriptionResult(fn(ctx, sub, c, in)), nil
}

func (g *Guest) subscriptionEnsure(ctx context.Context, raw []byte) (any, error) {
	return subscribe(ctx, g, raw, func(ctx context.Context, s provider.Subscriber, c *provider.Call, in envelope.SubscriptionEnsureInV1) (envelope.SubscriptionRecord, error) {
		return s.EnsureSubscription(ctx, c, in)
	})
}

func (g *Guest) subscriptionRenew(ctx context.Context, raw []byte) (any, error) {
	return subscribe(ctx, g, raw, func(ctx context.Context, s provider.Subscriber, c *provider.Call, in envelope.SubscriptionRenewInV1) (envelope.SubscriptionRecord, error) {
		return s.RenewSubscription(ctx, c, in)
	})
}

func (g *Guest) subscriptionDelete(ctx context.Context, raw []byte) (any, error) {
	return subscribe(ctx, g, raw, func(ctx context.Context, s provider.Subscriber, c *provider.Call, in envelope.SubscriptionDeleteInV1) (envelope.SubscriptionRecord, error) {
		return s.DeleteSubscription(ctx, c, in)
	})
}

type healthOutput struct {
	OK       bool   `json:"ok"`
	Provider string `json:"provider"`
	Status   string `json:"status"`
}

func (g *Guest) healthcheck(context.Context, []byte) (any, error) {
	return healthOutput{OK: true, Provider: g.spec.ID(), Status: "healthy"}, nil
}

type validateOutput struct {
	OK     bool           `json:"ok"`
	Config map[string]any `json:"config,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// validateConfig checks a candidate config, given as `config` or as the
// input itself, merged over the defaults.
func (g *Guest) validateConfig(_ context.Context, raw []byte) (any, error) {
	ci, err := parseCommon(raw)
	if err != nil {
		return nil, err
	}
	candidate := map[string]any{}
	src := raw
	if ci.Config != nil {
		src = ci.Config
	}
	if err := json.Unmarshal(src, &candidate); err != nil {
		return validateOutput{Error: "config must be a map"}, nil
	}
	delete(candidate, "tenant")
	merged := layer(g.spec.Defaults(), candidate)
	if err := schema.Validate(g.spec.ConfigSchema(), merged); err != nil {
		return validateOutput{Error: fmt.Sprintf("invalid config: %v", err)}, nil
	}
	return validateOutput{OK: true, Config: merged}, nil
}
