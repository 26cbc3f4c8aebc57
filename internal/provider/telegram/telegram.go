// Package telegram implements the Telegram Bot API provider.
package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/lifecycle"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/schema"
)

const (
	ProviderType     = "messaging.telegram.bot"
	DefaultAPIBase   = "https://api.telegram.org"
	BotTokenKey      = "TELEGRAM_BOT_TOKEN"
	WebhookSecretKey = "TELEGRAM_WEBHOOK_SECRET"

	// SecretHeader carries the secret_token set with setWebhook.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	MaxTextBytes     = 4000
	MaxCallbackBytes = 64
	ButtonsPerRow    = 5
	MaxRows          = 8

	tokenPlaceholder = "{token}"
)

// Adapter is the Telegram provider.
type Adapter struct{}

// New returns the Telegram adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	return provider.Spec{
		Name:               "telegram",
		Channel:            envelope.Telegram,
		ProviderType:       ProviderType,
		Display:            "Telegram",
		Caps:               planner.ChannelDefaults(envelope.Telegram),
		DefaultDestination: "default_chat_id",
		Settings: []provider.Setting{
			{Name: "default_chat_id", Kind: schema.KindString, Title: "Default chat", Help: "Chat id used when a message names no destination."},
			{Name: "public_base_url", Kind: schema.KindString, Format: "uri", Required: true, Title: "Public base URL", Help: "Externally reachable URL registered with setWebhook."},
			{Name: "api_base_url", Kind: schema.KindString, Format: "uri", Default: DefaultAPIBase, Title: "API base URL", Help: "Bot API endpoint."},
			{Name: "bot_token", Kind: schema.KindString, Secret: true, SecretKey: BotTokenKey, Title: "Bot token", Help: "Token issued by BotFather. Falls back to the TELEGRAM_BOT_TOKEN secret."},
			{Name: "webhook_secret", Kind: schema.KindString, Secret: true, SecretKey: WebhookSecretKey, Title: "Webhook secret", Help: "Expected X-Telegram-Bot-Api-Secret-Token header value."},
		},
		Cleanup: []lifecycle.Step{lifecycle.RevokeWebhooks, lifecycle.DeleteProviderOwnedSecrets},
	}
}

type config struct {
	DefaultChatID string `json:"default_chat_id"`
	APIBaseURL    string `json:"api_base_url"`
	BotToken      string `json:"bot_token"`
	WebhookSecret string `json:"webhook_secret"`
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

type user struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type message struct {
	MessageID       int64    `json:"message_id"`
	MessageThreadID int64    `json:"message_thread_id"`
	From            *user    `json:"from"`
	Chat            chat     `json:"chat"`
	Text            string   `json:"text"`
	Caption         string   `json:"caption"`
	ReplyTo         *message `json:"reply_to_message"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	From    *user    `json:"from"`
	Message *message `json:"message"`
	Data    string   `json:"data"`
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message"`
	EditedMessage *message       `json:"edited_message"`
	ChannelPost   *message       `json:"channel_post"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

func (a *Adapter) IngestHTTP(ctx context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	cfg, err := load(c)
	if err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	secret, err := c.OptionalSecret(ctx, WebhookSecretKey, cfg.WebhookSecret)
	if err != nil {
		return provider.Reject(503, fault.Line(err))
	}
	if secret != "" && !provider.Equal(secret, in.Header(SecretHeader)) {
		c.Log(ctx, "ingest.rejected", host.F("reason", "secret token mismatch"))
		return envelope.HTTPStatus(http.StatusUnauthorized)
	}

	var u update
	if err := provider.DecodeBody(in, &u); err != nil {
		return provider.Reject(400, fault.Line(err))
	}

	var events []envelope.ChannelMessageEnvelope
	for _, m := range []*message{u.Message, u.EditedMessage, u.ChannelPost} {
		if m == nil || (m.From != nil && m.From.IsBot) {
			continue
		}
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		events = append(events, inbound(c, u.UpdateID, m, text))
	}
	if q := u.CallbackQuery; q != nil && q.Message != nil {
		ev := inbound(c, u.UpdateID, q.Message, q.Data)
		if q.From != nil {
			ev.From = actor(q.From)
		}
		ev.SetMeta("telegram.callback_query_id", q.ID)
		ev.SetMeta("telegram.callback_data", q.Data)
		events = append(events, ev)
	}
	c.Log(ctx, "ingest", host.F("events", strconv.Itoa(len(events))))
	return provider.Accept(events...)
}

func inbound(c *provider.Call, updateID int64, m *message, text string) envelope.ChannelMessageEnvelope {
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msgID := strconv.FormatInt(m.MessageID, 10)
	ev := provider.Inbound(c, "telegram-"+chatID+"-"+msgID, chatID)
	ev.Text = text
	if m.From != nil {
		ev.From = actor(m.From)
	}
	ev.To = []envelope.Destination{{ID: chatID, Kind: envelope.KindChat}}
	if m.MessageThreadID != 0 {
		ev.ReplyScope = strconv.FormatInt(m.MessageThreadID, 10)
		ev.SetMeta(envelope.MetaThreadID, ev.ReplyScope)
	}
	if m.ReplyTo != nil {
		ev.SetMeta("telegram.reply_to_message_id", strconv.FormatInt(m.ReplyTo.MessageID, 10))
	}
	ev.SetMeta(envelope.MetaProviderMsgID, msgID)
	ev.SetMeta("telegram.update_id", strconv.FormatInt(updateID, 10))
	ev.SetMeta("telegram.chat_type", m.Chat.Type)
	return ev
}

func actor(u *user) *envelope.Actor {
	return &envelope.Actor{ID: strconv.FormatInt(u.ID, 10), Kind: "user"}
}

// Button is one inline keyboard button. Exactly one of URL and
// CallbackData is set.
type Button struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

type sendMessage struct {
	ChatID           string       `json:"chat_id"`
	Text             string       `json:"text"`
	ParseMode        string       `json:"parse_mode"`
	MessageThreadID  int64        `json:"message_thread_id,omitempty"`
	ReplyToMessageID int64        `json:"reply_to_message_id,omitempty"`
	ReplyMarkup      *replyMarkup `json:"reply_markup,omitempty"`
}

func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	cfg, err := load(c)
	if err != nil {
		return provider.Encoded{}, err
	}
	dest, err := provider.Destination(&msg, cfg.DefaultChatID, envelope.KindChat)
	if err != nil {
		return provider.Encoded{}, err
	}
	warnings := append([]envelope.Warning(nil), plan.Plan.Warnings...)

	limit := MaxTextBytes
	if n := c.Spec.Caps.MaxTextLen; n > 0 && n < limit {
		limit = n
	}
	text, cut := Text(plan, limit)
	if cut && !plan.Plan.HasWarning(planner.WarnTextTruncated) {
		warnings = append(warnings, planner.TruncatedWarning(limit, "bytes", "$.text"))
	}
	if strings.TrimSpace(text) == "" {
		return provider.Encoded{}, fault.Inputf("text required")
	}

	body := sendMessage{ChatID: dest.ID, Text: text, ParseMode: "HTML"}
	if body.MessageThreadID, err = optionalInt(msg.Meta(envelope.MetaThreadID)); err != nil {
		return provider.Encoded{}, err
	}
	if body.ReplyToMessageID, err = optionalInt(msg.ReplyTarget()); err != nil {
		return provider.Encoded{}, err
	}
	keyboard, w := Keyboard(plan.Actions)
	warnings = append(warnings, w...)
	if len(keyboard) > 0 {
		body.ReplyMarkup = &replyMarkup{InlineKeyboard: keyboard}
	}

	meta := provider.Route("POST", cfg.APIBaseURL+"/bot"+tokenPlaceholder+"/sendMessage")
	meta["chat_id"] = dest.ID
	p, err := provider.JSONPayload(body, meta)
	if err != nil {
		return provider.Encoded{}, err
	}
	return provider.Encoded{Payload: p, Warnings: warnings}, nil
}

// Text renders the message as Telegram HTML bounded by maxBytes after
// escaping. Cards are rendered with markup; if that does not fit, the plain
// rendering is cut before escaping so no tag or entity is split.
func Text(plan planner.Result, maxBytes int) (string, bool) {
	if plan.HasCard {
		if rich := plan.Render(planner.TelegramHTML, true); len(rich) <= maxBytes {
			return rich, false
		}
		return planner.FitEncoded(plan.Render(planner.Plain, true), maxBytes, planner.TelegramEscape)
	}
	return planner.FitEncoded(plan.Text, maxBytes, planner.TelegramEscape)
}

// Keyboard lays actions out in rows of ButtonsPerRow, at most MaxRows rows.
func Keyboard(actions []planner.Action) ([][]Button, []envelope.Warning) {
	actions, warnings := planner.CapActions(actions, ButtonsPerRow*MaxRows)
	var rows [][]Button
	for i := 0; i < len(actions); i += ButtonsPerRow {
		end := min(i+ButtonsPerRow, len(actions))
		row := make([]Button, 0, end-i)
		for _, act := range actions[i:end] {
			b := Button{Text: act.Title}
			if act.Kind == planner.OpenURL && act.URL != "" {
				b.URL = act.URL
			} else {
				data := act.Data
				if data == "" {
					data = act.Title
				}
				b.CallbackData, _ = planner.TruncateBytes(data, MaxCallbackBytes)
			}
			row = append(row, b)
		}
		rows = append(rows, row)
	}
	return rows, warnings
}

func optionalInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fault.Inputf("telegram ids are numeric, got %q", s)
	}
	return v, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
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
	url := in.Payload.MetaString("url")
	if url == "" {
		url = cfg.APIBaseURL + "/bot" + tokenPlaceholder + "/sendMessage"
	}
	token, err := c.Secret(ctx, BotTokenKey, cfg.BotToken)
	if err != nil {
		return provider.Failed(err)
	}
	req := host.Request{
		Method:  "POST",
		URL:     strings.Replace(url, tokenPlaceholder, token, 1),
		Headers: []envelope.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:    body,
	}
	return provider.Deliver(ctx, c, req, func(resp *host.Response) (string, error) {
		var r apiResponse
		if err := json.Unmarshal(resp.Body, &r); err != nil {
			return "", provider.Errorf("telegram response is not JSON: %v", err)
		}
		if !r.OK {
			return "", provider.Errorf("telegram error: %s", r.Description)
		}
		if r.Result.MessageID == 0 {
			return "", nil
		}
		return strconv.FormatInt(r.Result.MessageID, 10), nil
	})
}
