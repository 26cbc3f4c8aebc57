// Package webchat implements the in-process web chat provider. Outbound
// activities are pushed to the host transport; inbound traffic speaks a
// subset of the Bot Framework Direct Line protocol.
package webchat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/lifecycle"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/schema"
)

const (
	ProviderType = "messaging.webchat"

	SigningKeyName = "jwt_signing_key"

	defaultRoute = "webchat"
	botID        = "bot"
)

// Adapter is the webchat provider.
type Adapter struct{}

// New returns the webchat adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	minTTL, maxTTL := int64(60), int64(86400)
	return provider.Spec{
		Name:         "webchat",
		Channel:      envelope.Webchat,
		ProviderType: ProviderType,
		Display:      "Web Chat",
		Caps:         planner.ChannelDefaults(envelope.Webchat),
		Settings: []provider.Setting{
			{Name: "public_base_url", Kind: schema.KindString, Format: "uri", Required: true, Title: "Public base URL", Help: "URL the web client reaches the Direct Line endpoints on."},
			{Name: "route", Kind: schema.KindString, Default: defaultRoute, Title: "Route", Help: "Transport route outbound activities are pushed to."},
			{Name: "bot_name", Kind: schema.KindString, Default: "Bot", Title: "Bot name", Help: "Display name on outbound activities."},
			{Name: "token_ttl_seconds", Kind: schema.KindInteger, Min: &minTTL, Max: &maxTTL, Default: int64(DefaultTTL.Seconds()), Title: "Token lifetime", Help: "Lifetime of Direct Line tokens in seconds."},
			{Name: "jwt_signing_key", Kind: schema.KindString, Secret: true, SecretKey: SigningKeyName, Title: "Token signing key", Help: "HS256 key for Direct Line tokens. Falls back to the jwt_signing_key secret."},
		},
		DefaultDestination: "route",
		Cleanup:            []lifecycle.Step{lifecycle.DeleteProviderOwnedSecrets},
	}
}

type config struct {
	PublicBaseURL   string `json:"public_base_url"`
	Route           string `json:"route"`
	BotName         string `json:"bot_name"`
	TokenTTLSeconds int    `json:"token_ttl_seconds"`
	JWTSigningKey   string `json:"jwt_signing_key"`
}

func load(c *provider.Call) (config, error) {
	var cfg config
	if err := c.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.Route = strings.TrimSpace(cfg.Route)
	if cfg.Route == "" {
		cfg.Route = defaultRoute
	}
	if cfg.BotName == "" {
		cfg.BotName = "Bot"
	}
	return cfg, nil
}

// Account is a Bot Framework channel account.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation names the Direct Line conversation of an activity.
type Conversation struct {
	ID string `json:"id"`
}

// CardAttachment carries a card inside an activity.
type CardAttachment struct {
	ContentType string         `json:"contentType"`
	Content     map[string]any `json:"content,omitempty"`
	ContentURL  string         `json:"contentUrl,omitempty"`
	Name        string         `json:"name,omitempty"`
}

// Activity is the subset of a Bot Framework activity the channel uses.
type Activity struct {
	Type         string           `json:"type"`
	ID           string           `json:"id,omitempty"`
	Timestamp    string           `json:"timestamp,omitempty"`
	From         *Account         `json:"from,omitempty"`
	Conversation *Conversation    `json:"conversation,omitempty"`
	Text         string           `json:"text,omitempty"`
	TextFormat   string           `json:"textFormat,omitempty"`
	Attachments  []CardAttachment `json:"attachments,omitempty"`
	ReplyToID    string           `json:"replyToId,omitempty"`
	Route        string           `json:"route,omitempty"`
}

// Encode builds an outbound activity. TierA plans carry the card as an
// attachment; other plans send markdown text.
func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	cfg, err := load(c)
	if err != nil {
		return provider.Encoded{}, err
	}
	route := msg.Meta(envelope.MetaRoute)
	if d, ok := msg.FirstDestination(); ok && route == "" {
		route = strings.TrimSpace(d.ID)
	}
	if route == "" {
		route = cfg.Route
	}

	act := Activity{
		Type:       "message",
		ID:         uuid.NewString(),
		Timestamp:  c.Clock().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		From:       &Account{ID: botID, Name: cfg.BotName},
		TextFormat: "markdown",
		ReplyToID:  msg.ReplyTarget(),
		Route:      route,
	}
	if msg.SessionID != "" {
		act.Conversation = &Conversation{ID: msg.SessionID}
	}
	if plan.Plan.Tier == planner.TierA && plan.Card != nil {
		act.Text = strings.TrimSpace(msg.Text)
		act.Attachments = append(act.Attachments, CardAttachment{ContentType: planner.AdaptiveCardContentType, Content: plan.Card})
	} else {
		act.Text = plan.Body
	}
	for _, att := range msg.Attachments {
		act.Attachments = append(act.Attachments, CardAttachment{ContentType: att.MimeType, ContentURL: att.URL, Name: att.Name})
	}
	if act.Text == "" && len(act.Attachments) == 0 {
		return provider.Encoded{}, fault.Inputf("text required")
	}

	meta := provider.Route("PUSH", "transport://"+route)
	meta["route"] = route
	meta["activity_id"] = act.ID
	if act.Conversation != nil {
		meta["conversation_id"] = act.Conversation.ID
	}
	p, err := provider.JSONPayload(act, meta)
	if err != nil {
		return provider.Encoded{}, err
	}
	return provider.Encoded{Payload: p, Warnings: plan.Plan.Warnings}, nil
}

// SendPayload hands the activity to the host transport verbatim. Without a
// transport, or when the push fails, the activity is parked in state under
// routes/{route}. Activities for a Direct Line conversation are also
// appended to it so polling clients see them.
func (a *Adapter) SendPayload(ctx context.Context, c *provider.Call, in envelope.SendPayloadInV1) envelope.SendPayloadResultV1 {
	body, err := provider.PayloadBody(c.Spec, in)
	if err != nil {
		return provider.Failed(err)
	}
	route, err := provider.MetaRequired(in.Payload, "route")
	if err != nil {
		return provider.Failed(err)
	}
	id := in.Payload.MetaString("activity_id")

	if conv := in.Payload.MetaString("conversation_id"); conv != "" && c.Host.State != nil {
		var act Activity
		if json.Unmarshal(body, &act) == nil {
			if err := appendBotActivity(ctx, c, conv, act); err != nil {
				c.Log(ctx, "directline.append_failed", host.F("conversation", conv))
			}
		}
	}

	if c.Host.Transport != nil {
		err := c.Host.Transport.Push(ctx, route, body)
		if err == nil {
			c.Log(ctx, "egress", host.F("state", string(envelope.Sent)), host.F("route", route))
			return provider.Sent(id)
		}
		c.Log(ctx, "egress.push_failed", host.F("route", route))
	}
	if c.Host.State == nil {
		return provider.Failed(&fault.Error{Kind: fault.CapabilityMissing, Msg: "neither transport nor state capability granted"})
	}
	key := c.Spec.Scope(c.Tenant).StateKey("routes/" + route)
	val, err := provider.StateValue(body)
	if err != nil {
		return provider.Failed(err)
	}
	if err := c.Host.State.Write(ctx, key, val, &c.Tenant); err != nil {
		return provider.Failed(fault.Wrap(fault.Transport, "state write failed", err))
	}
	c.Log(ctx, "egress", host.F("state", string(envelope.Sent)), host.F("route", route), host.F("fallback", "state"))
	return provider.Sent(id)
}
