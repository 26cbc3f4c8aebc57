// Package slack implements the Slack Web API provider.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/lifecycle"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/schema"
)

const (
	ProviderType     = "messaging.slack.api"
	DefaultAPIBase   = "https://slack.com/api"
	BotTokenKey      = "SLACK_BOT_TOKEN"
	SigningSecretKey = "SLACK_SIGNING_SECRET"

	// MaxSkew is how old a signed request may be.
	MaxSkew = 300 * time.Second

	maxBlocks        = 50
	maxActionsBlock  = 25
	maxSectionFields = 10
	maxHeaderChars   = 150
	maxSectionChars  = 3000
)

// Metadata keys that set the sender persona of an outgoing message.
const (
	MetaUsername  = "slack.username"
	MetaIconURL   = "slack.icon_url"
	MetaIconEmoji = "slack.icon_emoji"
)

// Adapter is the Slack provider.
type Adapter struct{}

// New returns the Slack adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	return provider.Spec{
		Name:               "slack",
		Channel:            envelope.Slack,
		ProviderType:       ProviderType,
		Display:            "Slack",
		Caps:               planner.ChannelDefaults(envelope.Slack),
		DefaultDestination: "default_channel",
		Settings: []provider.Setting{
			{Name: "default_channel", Kind: schema.KindString, Title: "Default channel", Help: "Channel id used when a message names no destination."},
			{Name: "public_base_url", Kind: schema.KindString, Format: "uri", Required: true, Title: "Public base URL", Help: "Externally reachable URL of the webhook host."},
			{Name: "api_base_url", Kind: schema.KindString, Format: "uri", Default: DefaultAPIBase, Title: "API base URL", Help: "Slack Web API endpoint."},
			{Name: "bot_token", Kind: schema.KindString, Secret: true, SecretKey: BotTokenKey, Title: "Bot token", Help: "Bot user OAuth token. Falls back to the SLACK_BOT_TOKEN secret."},
			{Name: "signing_secret", Kind: schema.KindString, Secret: true, SecretKey: SigningSecretKey, Title: "Signing secret", Help: "Verifies inbound requests. Falls back to the SLACK_SIGNING_SECRET secret."},
			{Name: "allow_unverified", Kind: schema.KindBool, Default: false, Title: "Allow unverified requests", Help: "Accept inbound requests when no signing secret is configured."},
		},
		Cleanup: []lifecycle.Step{lifecycle.RevokeTokens, lifecycle.DeleteProviderOwnedSecrets},
	}
}

type config struct {
	DefaultChannel string `json:"default_channel"`
	APIBaseURL     string `json:"api_base_url"`
	BotToken       string `json:"bot_token"`
	SigningSecret  string `json:"signing_secret"`
	// AllowUnverified accepts unsigned requests when no signing secret is set.
	AllowUnverified bool `json:"allow_unverified"`
}

func load(c *provider.Call) (config, error) {
	var cfg config
	if err := c.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBase
	}
	return cfg, nil
}

func (a *Adapter) IngestHTTP(ctx context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	cfg, err := load(c)
	if err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	body, err := in.Body()
	if err != nil {
		return provider.Reject(400, err.Error())
	}

	secret, err := c.OptionalSecret(ctx, SigningSecretKey, cfg.SigningSecret)
	if err != nil {
		return provider.Reject(503, fault.Line(err))
	}
	if secret != "" {
		if reason := verify(c.Clock(), secret, in, body); reason != "" {
			c.Log(ctx, "ingest.rejected", host.F("reason", reason))
			return envelope.HTTPStatus(http.StatusUnauthorized)
		}
	} else {
		if !cfg.AllowUnverified {
			c.Log(ctx, "ingest.rejected", host.F("reason", "no signing secret"))
			return envelope.HTTPStatus(http.StatusUnauthorized)
		}
		c.Log(ctx, "ingest.unverified")
	}

	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return provider.Reject(400, "invalid webhook body: "+err.Error())
	}
	if _, typed := raw["type"]; !typed {
		return flat(c, raw)
	}

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return provider.Reject(400, "invalid slack event: "+err.Error())
	}
	switch ev.Type {
	case slackevents.URLVerification:
		var uv slackevents.EventsAPIURLVerificationEvent
		if err := json.Unmarshal(body, &uv); err != nil {
			return provider.Reject(400, err.Error())
		}
		return envelope.HTTPJSON(http.StatusOK, slackevents.ChallengeResponse{Challenge: uv.Challenge})
	case slackevents.CallbackEvent:
		var events []envelope.ChannelMessageEnvelope
		switch inner := ev.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			if inner.BotID == "" && inner.SubType == "" {
				events = append(events, message(c, inner.Channel, inner.User, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp))
			}
		case *slackevents.AppMentionEvent:
			if inner.BotID == "" {
				events = append(events, message(c, inner.Channel, inner.User, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp))
			}
		}
		c.Log(ctx, "ingest", host.F("events", strconv.Itoa(len(events))))
		return envelope.HttpOutV1{Status: http.StatusOK, Events: events}
	}
	return envelope.HttpOutV1{Status: http.StatusOK}
}

// verify checks the v0 request signature. It returns a reason on failure.
func verify(now time.Time, secret string, in envelope.HttpInV1, body []byte) string {
	tsHeader := in.Header("X-Slack-Request-Timestamp")
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "missing timestamp"
	}
	if now.Sub(time.Unix(ts, 0)) > MaxSkew {
		return "stale timestamp"
	}
	header := http.Header{}
	for _, h := range in.Headers {
		header.Add(h.Name, h.Value)
	}
	sv, err := slack.NewSecretsVerifier(header, secret)
	if err != nil {
		return "bad signature headers"
	}
	if _, err := sv.Write(body); err != nil {
		return "bad body"
	}
	if err := sv.Ensure(); err != nil {
		return "signature mismatch"
	}
	return ""
}

func message(c *provider.Call, channel, user, text, ts, threadTS string) envelope.ChannelMessageEnvelope {
	ev := provider.Inbound(c, "slack-"+channel+"-"+ts, channel)
	ev.Text = text
	if user != "" {
		ev.From = &envelope.Actor{ID: user, Kind: "user"}
	}
	ev.To = []envelope.Destination{{ID: channel, Kind: envelope.KindChannel}}
	ev.ReplyScope = threadTS
	ev.SetMeta("channel", channel)
	ev.SetMeta(envelope.MetaThreadTS, threadTS)
	ev.SetMeta(envelope.MetaProviderMsgID, ts)
	return ev
}

// flat accepts a minimal {channel, user, text} body used by test harnesses.
func flat(c *provider.Call, raw map[string]any) envelope.HttpOutV1 {
	str := func(k string) string { s, _ := raw[k].(string); return s }
	channel := str("channel")
	if channel == "" {
		channel = str("channel_id")
	}
	user := str("user")
	if user == "" {
		user = str("user_id")
	}
	ev := message(c, channel, user, str("text"), str("ts"), str("thread_ts"))
	if channel == "" {
		ev.SessionID = "slack"
		ev.To = nil
	}
	return envelope.HttpOutV1{Status: http.StatusOK, Events: []envelope.ChannelMessageEnvelope{ev}}
}

type postMessage struct {
	Channel   string        `json:"channel"`
	Text      string        `json:"text"`
	ThreadTS  string        `json:"thread_ts,omitempty"`
	Blocks    []slack.Block `json:"blocks,omitempty"`
	Username  string        `json:"username,omitempty"`
	IconURL   string        `json:"icon_url,omitempty"`
	IconEmoji string        `json:"icon_emoji,omitempty"`
}

func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	cfg, err := load(c)
	if err != nil {
		return provider.Encoded{}, err
	}
	dest, err := provider.Destination(&msg, cfg.DefaultChannel, envelope.KindChannel)
	if err != nil {
		return provider.Encoded{}, err
	}
	warnings := append([]envelope.Warning(nil), plan.Plan.Warnings...)

	body := postMessage{
		Channel:   dest.ID,
		ThreadTS:  msg.ReplyTarget(),
		Username:  msg.Meta(MetaUsername),
		IconURL:   msg.Meta(MetaIconURL),
		IconEmoji: msg.Meta(MetaIconEmoji),
	}
	if body.ThreadTS == "" {
		body.ThreadTS = msg.Meta(envelope.MetaThreadTS)
	}
	switch {
	case !plan.HasCard:
		body.Text = plan.Body
	case plan.Plan.Tier == planner.TierA || plan.Plan.Tier == planner.TierB:
		body.Text = plan.Plan.SummaryText
		var w []envelope.Warning
		body.Blocks, w = Blocks(plan, c.Spec.Caps)
		warnings = append(warnings, w...)
	default:
		text, cut := planner.TruncateChars(plan.Render(planner.SlackMrkdwn, false), c.Spec.Caps.MaxTextLen)
		if cut && !plan.Plan.HasWarning(planner.WarnTextTruncated) {
			warnings = append(warnings, planner.TruncatedWarning(c.Spec.Caps.MaxTextLen, "characters", "$.text"))
		}
		body.Text = text
	}
	if strings.TrimSpace(body.Text) == "" && len(body.Blocks) == 0 {
		return provider.Encoded{}, fault.Inputf("text required")
	}

	meta := provider.Route("POST", cfg.APIBaseURL+"/chat.postMessage")
	meta["channel"] = dest.ID
	p, err := provider.JSONPayload(body, meta)
	if err != nil {
		return provider.Encoded{}, err
	}
	return provider.Encoded{Payload: p, Warnings: warnings}, nil
}

// Blocks converts planned card content to Block Kit.
func Blocks(plan planner.Result, caps planner.Capabilities) ([]slack.Block, []envelope.Warning) {
	var blocks []slack.Block
	mrkdwn := func(s string) *slack.TextBlockObject {
		s, _ = planner.TruncateChars(s, maxSectionChars)
		return slack.NewTextBlockObject(slack.MarkdownType, s, false, false)
	}
	for _, b := range plan.Content.Blocks {
		switch b.Kind {
		case planner.Heading:
			t, _ := planner.TruncateChars(b.Text(), maxHeaderChars)
			blocks = append(blocks, slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, t, false, false)))
		case planner.Facts:
			fields := make([]*slack.TextBlockObject, 0, len(b.Facts))
			for _, f := range b.Facts {
				fields = append(fields, mrkdwn("*"+planner.SlackEscape(f.Title)+"*\n"+planner.SlackEscape(f.Value)))
			}
			for len(fields) > 0 {
				n := min(len(fields), maxSectionFields)
				blocks = append(blocks, slack.NewSectionBlock(nil, fields[:n], nil))
				fields = fields[n:]
			}
		case planner.Columns:
			fields := make([]*slack.TextBlockObject, 0, len(b.Columns))
			for _, col := range b.Columns {
				if strings.TrimSpace(col) != "" {
					fields = append(fields, mrkdwn(planner.SlackEscape(col)))
				}
			}
			if len(fields) > maxSectionFields {
				fields = fields[:maxSectionFields]
			}
			if len(fields) > 0 {
				blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
			}
		case planner.Images:
			for _, img := range b.Images {
				alt := img.Alt
				if alt == "" {
					alt = "image"
				}
				blocks = append(blocks, slack.NewImageBlock(img.URL, alt, "", nil))
			}
		default:
			if t := planner.RenderBlocks([]planner.Block{b}, planner.SlackMrkdwn); strings.TrimSpace(t) != "" {
				blocks = append(blocks, slack.NewSectionBlock(mrkdwn(t), nil, nil))
			}
		}
	}

	actions := plan.Actions
	for i := 0; i < len(actions); i += maxActionsBlock {
		end := min(i+maxActionsBlock, len(actions))
		elems := make([]slack.BlockElement, 0, end-i)
		for j, act := range actions[i:end] {
			title, _ := planner.TruncateChars(act.Title, caps.MaxButtonTitle)
			btn := slack.NewButtonBlockElement(fmt.Sprintf("action_%d", i+j), act.Data, slack.NewTextBlockObject(slack.PlainTextType, title, false, false))
			if act.Kind == planner.OpenURL {
				btn.URL = act.URL
			}
			elems = append(elems, btn)
		}
		blocks = append(blocks, slack.NewActionBlock(fmt.Sprintf("actions_%d", i/maxActionsBlock), elems...))
	}

	var warnings []envelope.Warning
	if len(blocks) > maxBlocks {
		warnings = append(warnings, envelope.Warning{
			Code:    planner.WarnDownsampled,
			Message: fmt.Sprintf("%d blocks dropped, slack allows %d", len(blocks)-maxBlocks, maxBlocks),
		})
		blocks = blocks[:maxBlocks]
	}
	return blocks, warnings
}

type postResponse struct {
	slack.SlackResponse
	TS      string `json:"ts"`
	Channel string `json:"channel"`
}

func (a *Adapter) SendPayload(ctx context.Context, c *provider.Call, in envelope.SendPayloadInV1) envelope.SendPayloadResultV1 {
	body, err := provider.PayloadBody(c.Spec, in)
	if err != nil {
		return provider.Failed(err)
	}
	cfg, err := load(c)
	if err != nil {
		return provider.Failed(err)
	}
	if in.Payload.MetaString("url") == "" {
		if in.Payload.Metadata == nil {
			in.Payload.Metadata = map[string]any{}
		}
		in.Payload.Metadata["url"] = cfg.APIBaseURL + "/chat.postMessage"
	}
	token, err := c.Secret(ctx, BotTokenKey, cfg.BotToken)
	if err != nil {
		return provider.Failed(err)
	}
	req, err := provider.Request(in.Payload, body, provider.Bearer(token))
	if err != nil {
		return provider.Failed(err)
	}
	return provider.Deliver(ctx, c, req, func(resp *host.Response) (string, error) {
		var r postResponse
		if err := json.Unmarshal(resp.Body, &r); err != nil {
			return "", provider.Errorf("slack response is not JSON: %v", err)
		}
		if !r.Ok {
			return "", provider.Errorf("slack error: %s", r.Error)
		}
		return r.TS, nil
	})
}
