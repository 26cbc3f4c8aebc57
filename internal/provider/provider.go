// Package provider holds what every channel adapter shares: the static
// provider description, the per-invocation call context, secret resolution
// and the egress result helpers.
package provider

import (
	"context"
	"fmt"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/lifecycle"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/qa"
	"github.com/nidhogg/msgproviders/internal/schema"
)

// Op names.
const (
	OpRun                = "run"
	OpSend               = "send"
	OpReply              = "reply"
	OpIngestHTTP         = "ingest_http"
	OpRenderPlan         = "render_plan"
	OpEncode             = "encode"
	OpSendPayload        = "send_payload"
	OpSubscriptionEnsure = "subscription_ensure"
	OpSubscriptionRenew  = "subscription_renew"
	OpSubscriptionDelete = "subscription_delete"
	OpHealthcheck        = "healthcheck"
	OpValidateConfig     = "validate_config"
)

// Setting declares one config field.
type Setting struct {
	Name   string
	Kind   schema.Kind
	Format string
	Secret bool
	// SecretKey is the secret store key consulted when the setting is unset.
	SecretKey string
	Enum      []string
	Min, Max  *int64
	Required  bool
	Default   any
	// Title and Help are the English texts behind the schema i18n keys.
	Title string
	Help  string
}

// Spec is the static description of a provider.
type Spec struct {
	// Name is the short provider name used in i18n keys and lifecycle keys.
	Name         string
	Channel      envelope.Channel
	ProviderType string
	Display      string
	Caps         planner.Capabilities
	Settings     []Setting
	// DefaultDestination names the setting that supplies a destination when
	// an envelope has none.
	DefaultDestination string
	// Cleanup lists provider specific remove steps after the base ones.
	Cleanup []lifecycle.Step
	// Subscriptions marks providers that implement Subscriber.
	Subscriptions bool
	// Translations maps locale to key to text, overriding the built-in ones.
	Translations map[string]map[string]string
}

// ID is the component id reported by describe.
func (s Spec) ID() string { return "messaging-provider-" + s.Name }

var enabledSetting = Setting{
	Name:    "enabled",
	Kind:    schema.KindBool,
	Default: true,
	Title:   "Enabled",
	Help:    "Turn the provider on or off without removing its configuration.",
}

// AllSettings returns the settings with the implicit enabled flag first.
func (s Spec) AllSettings() []Setting {
	return append([]Setting{enabledSetting}, s.Settings...)
}

func (s Spec) key(parts ...string) string {
	k := s.Name
	for _, p := range parts {
		k += "." + p
	}
	return k
}

func (s Spec) settingSchema(st Setting) *schema.Schema {
	title := s.key("schema", "config", st.Name, "title")
	desc := s.key("schema", "config", st.Name, "description")
	sc := &schema.Schema{Kind: st.Kind, Title: title, Description: desc}
	switch st.Kind {
	case schema.KindString:
		sc.Format = st.Format
		sc.Secret = st.Secret
		sc.Enum = st.Enum
	case schema.KindInteger:
		sc.Minimum, sc.Maximum = st.Min, st.Max
	case schema.KindArray:
		sc.Items = schema.String(s.key("schema", "config", st.Name, "title"), s.key("schema", "config", st.Name, "description"))
	}
	return sc
}

// ConfigSchema builds the config schema. Unknown keys are rejected.
func (s Spec) ConfigSchema() *schema.Schema {
	fields := make([]schema.Field, 0, len(s.Settings)+1)
	for _, st := range s.AllSettings() {
		fields = append(fields, schema.Field{Name: st.Name, Required: st.Required, Schema: s.settingSchema(st)})
	}
	return schema.Object(s.key("schema", "config", "title"), s.key("schema", "config", "description"), false, fields...)
}

// InputSchema describes the invoke input of the send family of ops.
func (s Spec) InputSchema() *schema.Schema {
	return schema.Object(s.key("schema", "input", "title"), s.key("schema", "input", "description"), true,
		schema.Req("message", schema.Object(s.key("schema", "input", "message", "title"), s.key("schema", "input", "message", "description"), true)),
	)
}

// OutputSchema describes the invoke output of the send family of ops.
func (s Spec) OutputSchema() *schema.Schema {
	return schema.Object(s.key("schema", "output", "title"), s.key("schema", "output", "description"), true,
		schema.Req("ok", schema.Bool(s.key("schema", "output", "ok", "title"), s.key("schema", "output", "ok", "description"))),
		schema.Opt("message_id", schema.String(s.key("schema", "output", "message_id", "title"), s.key("schema", "output", "message_id", "description"))),
	)
}

// Ops lists the op names in describe order.
func (s Spec) Ops() []string {
	ops := []string{OpRun, OpSend, OpReply, OpIngestHTTP, OpRenderPlan, OpEncode, OpSendPayload}
	if s.Subscriptions {
		ops = append(ops, OpSubscriptionEnsure, OpSubscriptionRenew, OpSubscriptionDelete)
	}
	return append(ops, OpHealthcheck, OpValidateConfig)
}

// Operations lists ops with their i18n keys.
func (s Spec) Operations() []schema.Operation {
	ops := s.Ops()
	out := make([]schema.Operation, 0, len(ops))
	for _, op := range ops {
		out = append(out, schema.Operation{
			Name:        op,
			Title:       s.key("op", op, "title"),
			Description: s.key("op", op, "description"),
		})
	}
	return out
}

// Describe builds the self-description.
func (s Spec) Describe() schema.DescribePayload {
	return schema.NewDescribe(s.ID(), s.Operations(), s.InputSchema(), s.OutputSchema(), s.ConfigSchema())
}

// Defaults returns the default config values.
func (s Spec) Defaults() map[string]any {
	out := map[string]any{}
	for _, st := range s.AllSettings() {
		if st.Default != nil {
			out[st.Name] = st.Default
		}
	}
	return out
}

// CleanupPlan is the ordered remove plan.
func (s Spec) CleanupPlan() []string {
	return lifecycle.Plan(s.Cleanup...)
}

// Form ties the config schema to the QA questionnaires.
func (s Spec) Form() qa.Form {
	return qa.Form{
		Provider: s.Name,
		Config:   s.ConfigSchema(),
		Defaults: s.Defaults(),
		Cleanup:  s.CleanupPlan(),
	}
}

// Scope returns the lifecycle scope of tenant.
func (s Spec) Scope(t envelope.TenantCtx) lifecycle.Scope {
	return lifecycle.Scope{Provider: s.Name, Tenant: t.Tenant, Team: t.Team}
}

// Encoded is the result of encode.
type Encoded struct {
	Payload  envelope.ProviderPayloadV1
	Warnings []envelope.Warning
}

// Adapter is one channel implementation.
type Adapter interface {
	Spec() Spec
	// IngestHTTP maps a webhook request to envelopes.
	IngestHTTP(ctx context.Context, c *Call, in envelope.HttpInV1) envelope.HttpOutV1
	// Encode turns a planned message into a wire payload. It performs no
	// host calls.
	Encode(ctx context.Context, c *Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (Encoded, error)
	// SendPayload delivers an encoded payload.
	SendPayload(ctx context.Context, c *Call, in envelope.SendPayloadInV1) envelope.SendPayloadResultV1
}

// Subscriber is implemented by providers with webhook subscriptions.
type Subscriber interface {
	EnsureSubscription(ctx context.Context, c *Call, in envelope.SubscriptionEnsureInV1) (envelope.SubscriptionRecord, error)
	RenewSubscription(ctx context.Context, c *Call, in envelope.SubscriptionRenewInV1) (envelope.SubscriptionRecord, error)
	DeleteSubscription(ctx context.Context, c *Call, in envelope.SubscriptionDeleteInV1) (envelope.SubscriptionRecord, error)
}

// Plan runs the planner with the provider's capabilities.
func Plan(s Spec, msg *envelope.ChannelMessageEnvelope) (planner.Result, error) {
	in, err := planner.InputFromEnvelope(msg)
	if err != nil {
		return planner.Result{}, fmt.Errorf("invalid adaptive_card: %w", err)
	}
	return planner.Plan(in, s.Caps), nil
}
