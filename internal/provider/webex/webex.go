// Package webex implements the Webex bot provider.
package webex

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
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
	ProviderType     = "messaging.webex.bot"
	DefaultAPIBase   = "https://webexapis.com/v1"
	BotTokenKey      = "WEBEX_BOT_TOKEN"
	WebhookSecretKey = "WEBEX_WEBHOOK_SECRET"

	// SignatureHeader carries the HMAC-SHA1 of the webhook body.
	SignatureHeader = "X-Spark-Signature"

	// idPrefix starts the base64 form of "ciscospark://" URNs.
	idPrefix = "Y2lz"

	defaultResource = "messages"
	defaultEvent    = "created"
)

// Metadata keys set on ingested envelopes.
const (
	MetaResource        = "webex.resource"
	MetaEvent           = "webex.event"
	MetaMessageID       = "webex.messageId"
	MetaRoomID          = "webex.roomId"
	MetaPersonEmail     = "webex.personEmail"
	MetaPersonID        = "webex.personId"
	MetaIngestError     = "webex.ingestError"
	MetaFetchStatus     = "webex.fetchStatus"
	MetaHasAttachments  = "webex.hasAttachments"
	MetaAttachmentTypes = "webex.attachmentTypes"
	MetaActionInputs    = "webex.inputs"
)

// Adapter is the Webex provider.
type Adapter struct{}

// New returns the Webex adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	return provider.Spec{
		Name:               "webex",
		Channel:            envelope.Webex,
		ProviderType:       ProviderType,
		Display:            "Webex",
		Caps:               planner.ChannelDefaults(envelope.Webex),
		DefaultDestination: "default_room_id",
		Settings: []provider.Setting{
			{Name: "public_base_url", Kind: schema.KindString, Format: "uri", Required: true, Title: "Public base URL", Help: "Externally reachable URL Webex webhooks target."},
			{Name: "default_room_id", Kind: schema.KindString, Title: "Default room", Help: "Room id used when a message names no destination."},
			{Name: "default_to_person_email", Kind: schema.KindString, Format: "email", Title: "Default person email", Help: "Direct message recipient used when no room is configured."},
			{Name: "api_base_url", Kind: schema.KindString, Format: "uri", Default: DefaultAPIBase, Title: "API base URL", Help: "Webex REST endpoint."},
			{Name: "bot_token", Kind: schema.KindString, Secret: true, SecretKey: BotTokenKey, Title: "Bot token", Help: "Bot access token. Falls back to the WEBEX_BOT_TOKEN secret."},
			{Name: "webhook_secret", Kind: schema.KindString, Secret: true, SecretKey: WebhookSecretKey, Title: "Webhook secret", Help: "Secret used to verify X-Spark-Signature."},
		},
		Cleanup:       []lifecycle.Step{lifecycle.RevokeWebhooks, lifecycle.DeleteProviderOwnedSecrets},
		Subscriptions: true,
	}
}

type config struct {
	PublicBaseURL        string `json:"public_base_url"`
	DefaultRoomID        string `json:"default_room_id"`
	DefaultToPersonEmail string `json:"default_to_person_email"`
	APIBaseURL           string `json:"api_base_url"`
	BotToken             string `json:"bot_token"`
	WebhookSecret        string `json:"webhook_secret"`
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

// KindOf guesses the destination kind of a bare Webex id: emails contain
// '@', ciscospark URNs are rooms unless they decode to a person, anything
// else is a person id.
func KindOf(id string) envelope.DestinationKind {
	switch {
	case strings.Contains(id, "@"):
		return envelope.KindEmail
	case strings.HasPrefix(id, idPrefix):
		if urn, ok := decodeID(id); ok && strings.Contains(urn, "/PEOPLE/") {
			return envelope.KindPerson
		}
		return envelope.KindRoom
	default:
		return envelope.KindPerson
	}
}

func decodeID(id string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if raw, err := enc.DecodeString(id); err == nil {
			return string(raw), true
		}
	}
	return "", false
}

type notification struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
	Event    string `json:"event"`
	Data     struct {
		ID          string `json:"id"`
		RoomID      string `json:"roomId"`
		PersonID    string `json:"personId"`
		PersonEmail string `json:"personEmail"`
		MessageID   string `json:"messageId"`
		Text        string `json:"text"`
		Markdown    string `json:"markdown"`
	} `json:"data"`
}

type messageDetails struct {
	ID          string            `json:"id"`
	RoomID      string            `json:"roomId"`
	ParentID    string            `json:"parentId"`
	PersonID    string            `json:"personId"`
	PersonEmail string            `json:"personEmail"`
	Text        string            `json:"text"`
	Markdown    string            `json:"markdown"`
	Files       []string          `json:"files"`
	Attachments []json.RawMessage `json:"attachments"`
}

type attachmentAction struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	MessageID string         `json:"messageId"`
	PersonID  string         `json:"personId"`
	RoomID    string         `json:"roomId"`
	Inputs    map[string]any `json:"inputs"`
}

func (a *Adapter) IngestHTTP(ctx context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	cfg, err := load(c)
	if err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	body, err := in.Body()
	if err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	secret, err := c.OptionalSecret(ctx, WebhookSecretKey, cfg.WebhookSecret)
	if err != nil {
		return provider.Reject(503, fault.Line(err))
	}
	if secret != "" && !VerifySignature(secret, body, in.Header(SignatureHeader)) {
		c.Log(ctx, "ingest.rejected", host.F("reason", "signature mismatch"))
		return envelope.HTTPStatus(http.StatusUnauthorized)
	}

	var n notification
	if err := provider.DecodeBody(in, &n); err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	if n.Resource == "" {
		n.Resource = defaultResource
	}
	if n.Event == "" {
		n.Event = defaultEvent
	}

	switch {
	case n.Resource == "messages" && n.Event == "created" && n.Data.ID != "":
		return a.ingestMessage(ctx, c, cfg, n)
	case n.Resource == "attachmentActions" && n.Data.ID != "":
		return a.ingestAction(ctx, c, cfg, n)
	}

	ev := inbound(c, n, n.Data.ID, n.Data.RoomID)
	ev.Text = n.Data.Text
	if ev.Text == "" {
		ev.Text = n.Data.Markdown
	}
	ev.From = sender(n.Data.PersonEmail, n.Data.PersonID)
	ev.SetMeta(MetaHasAttachments, "false")
	return provider.Accept(ev)
}

func (a *Adapter) ingestMessage(ctx context.Context, c *provider.Call, cfg config, n notification) envelope.HttpOutV1 {
	ev := inbound(c, n, n.Data.ID, n.Data.RoomID)
	ev.From = sender(n.Data.PersonEmail, n.Data.PersonID)

	token, err := c.Secret(ctx, BotTokenKey, cfg.BotToken)
	if err != nil {
		ev.SetMeta(MetaIngestError, fault.Line(err))
		ev.SetMeta(MetaHasAttachments, "false")
		out := provider.Accept(ev)
		out.Status = http.StatusBadGateway
		return out
	}

	var m messageDetails
	status, err := fetch(ctx, c, cfg.APIBaseURL+"/messages/"+url.PathEscape(n.Data.ID), token, &m)
	if status != 0 {
		ev.SetMeta(MetaFetchStatus, strconv.Itoa(status))
	}
	if err != nil {
		c.Log(ctx, "ingest.fetch_failed", host.F("status", strconv.Itoa(status)))
		ev.Text = ""
		ev.SetMeta(MetaIngestError, fault.Line(err))
		ev.SetMeta(MetaHasAttachments, "false")
		out := provider.Accept(ev)
		out.Status = http.StatusBadGateway
		return out
	}

	ev.Text = m.Markdown
	if ev.Text == "" {
		ev.Text = m.Text
	}
	if s := sender(m.PersonEmail, m.PersonID); s != nil {
		ev.From = s
	}
	if m.RoomID != "" {
		ev.SessionID = m.RoomID
		ev.To = []envelope.Destination{{ID: m.RoomID, Kind: envelope.KindRoom}}
		ev.SetMeta(MetaRoomID, m.RoomID)
	}
	ev.SetMeta(MetaPersonEmail, m.PersonEmail)
	ev.SetMeta(MetaPersonID, m.PersonID)
	if m.ParentID != "" {
		ev.ReplyScope = m.ParentID
		ev.SetMeta(envelope.MetaParentID, m.ParentID)
	}

	ev.Attachments = attachments(m)
	if len(ev.Attachments) > 0 {
		types := make([]string, 0, len(ev.Attachments))
		for _, att := range ev.Attachments {
			types = append(types, att.MimeType)
		}
		ev.SetMeta(MetaHasAttachments, "true")
		ev.SetMeta(MetaAttachmentTypes, strings.Join(types, ","))
	} else {
		ev.SetMeta(MetaHasAttachments, "false")
	}
	c.Log(ctx, "ingest", host.F("resource", n.Resource))
	return provider.Accept(ev)
}

// ingestAction resolves an Adaptive Card submit. The inputs become the
// envelope text as JSON.
func (a *Adapter) ingestAction(ctx context.Context, c *provider.Call, cfg config, n notification) envelope.HttpOutV1 {
	ev := inbound(c, n, n.Data.ID, n.Data.RoomID)
	ev.From = sender(n.Data.PersonEmail, n.Data.PersonID)
	ev.SetMeta(MetaHasAttachments, "false")

	token, err := c.Secret(ctx, BotTokenKey, cfg.BotToken)
	if err != nil {
		ev.SetMeta(MetaIngestError, fault.Line(err))
		out := provider.Accept(ev)
		out.Status = http.StatusBadGateway
		return out
	}
	var act attachmentAction
	status, err := fetch(ctx, c, cfg.APIBaseURL+"/attachment/actions/"+url.PathEscape(n.Data.ID), token, &act)
	if status != 0 {
		ev.SetMeta(MetaFetchStatus, strconv.Itoa(status))
	}
	if err != nil {
		ev.SetMeta(MetaIngestError, fault.Line(err))
		out := provider.Accept(ev)
		out.Status = http.StatusBadGateway
		return out
	}
	raw, _ := json.Marshal(act.Inputs)
	ev.Text = string(raw)
	ev.SetMeta(MetaActionInputs, string(raw))
	if act.MessageID != "" {
		ev.ReplyScope = act.MessageID
	}
	return provider.Accept(ev)
}

func fetch(ctx context.Context, c *provider.Call, u, token string, v any) (int, error) {
	resp, err := c.JSON(ctx, "GET", u, token, nil)
	if err != nil {
		return 0, err
	}
	if err := provider.StatusError("Webex", resp); err != nil {
		return resp.Status, err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return resp.Status, fault.Wrap(fault.Domain, "webex response is not JSON", err)
	}
	return resp.Status, nil
}

func inbound(c *provider.Call, n notification, id, room string) envelope.ChannelMessageEnvelope {
	envID := "webex-ingress-" + room
	if id != "" {
		envID = "webex-" + id
	}
	ev := provider.Inbound(c, envID, room)
	if room != "" {
		ev.To = []envelope.Destination{{ID: room, Kind: envelope.KindRoom}}
	}
	ev.SetMeta(MetaResource, n.Resource)
	ev.SetMeta(MetaEvent, n.Event)
	ev.SetMeta(MetaMessageID, id)
	ev.SetMeta(MetaRoomID, room)
	ev.SetMeta(MetaPersonEmail, n.Data.PersonEmail)
	ev.SetMeta(MetaPersonID, n.Data.PersonID)
	ev.SetMeta(envelope.MetaProviderMsgID, id)
	return ev
}

func sender(email, id string) *envelope.Actor {
	switch {
	case email != "":
		return &envelope.Actor{ID: email, Kind: "person"}
	case id != "":
		return &envelope.Actor{ID: id, Kind: "person"}
	}
	return nil
}

func attachments(m messageDetails) []envelope.Attachment {
	out := []envelope.Attachment{}
	for i, raw := range m.Attachments {
		var a struct {
			ContentType string `json:"contentType"`
			ContentURL  string `json:"contentUrl"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Size        int64  `json:"size"`
			Content     struct {
				URL string `json:"url"`
			} `json:"content"`
		}
		if json.Unmarshal(raw, &a) != nil {
			continue
		}
		att := envelope.Attachment{MimeType: a.ContentType, URL: a.ContentURL, Name: a.Name, SizeBytes: a.Size}
		if att.MimeType == "" {
			att.MimeType = "application/octet-stream"
		}
		if att.URL == "" {
			att.URL = a.Content.URL
		}
		if att.URL == "" {
			att.URL = "webex:" + m.ID + ":attachment:" + strconv.Itoa(i)
		}
		if att.Name == "" {
			att.Name = a.DisplayName
		}
		out = append(out, att)
	}
	for _, f := range m.Files {
		out = append(out, envelope.Attachment{MimeType: "application/octet-stream", URL: f})
	}
	return out
}

// Card is one message attachment.
type Card struct {
	ContentType string         `json:"contentType"`
	Content     map[string]any `json:"content"`
}

// Message is the body of POST /messages.
type Message struct {
	RoomID        string   `json:"roomId,omitempty"`
	ToPersonID    string   `json:"toPersonId,omitempty"`
	ToPersonEmail string   `json:"toPersonEmail,omitempty"`
	ParentID      string   `json:"parentId,omitempty"`
	Markdown      string   `json:"markdown,omitempty"`
	Text          string   `json:"text,omitempty"`
	Files         []string `json:"files,omitempty"`
	Attachments   []Card   `json:"attachments,omitempty"`
}

func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	cfg, err := load(c)
	if err != nil {
		return provider.Encoded{}, err
	}
	configured := cfg.DefaultRoomID
	if configured == "" {
		configured = cfg.DefaultToPersonEmail
	}
	dest, err := provider.Destination(&msg, configured, envelope.KindDefault)
	if err != nil {
		return provider.Encoded{}, err
	}
	if dest.Kind == envelope.KindDefault {
		dest.Kind = KindOf(dest.ID)
	}

	var body Message
	switch dest.Kind {
	case envelope.KindEmail:
		body.ToPersonEmail = dest.ID
	case envelope.KindPerson, envelope.KindUser:
		body.ToPersonID = dest.ID
	case envelope.KindRoom, envelope.KindChannel, envelope.KindChat:
		body.RoomID = dest.ID
	default:
		return provider.Encoded{}, fault.Inputf("webex cannot address a %s destination", dest.Kind)
	}
	body.ParentID = msg.Meta(envelope.MetaParentID)
	if body.ParentID == "" {
		body.ParentID = msg.ReplyTarget()
	}

	warnings := append([]envelope.Warning(nil), plan.Plan.Warnings...)
	limit := c.Spec.Caps.MaxTextLen
	if plan.Plan.Tier == planner.TierA && plan.Card != nil {
		body.Attachments = []Card{{ContentType: planner.AdaptiveCardContentType, Content: plan.Card}}
		body.Markdown = plan.Plan.SummaryText
		if body.Markdown == "" {
			body.Markdown = strings.TrimSpace(plan.Text)
		}
		if body.Markdown == "" {
			body.Markdown = "Adaptive Card"
		}
		body.Text = body.Markdown
	} else {
		text := plan.Body
		if !plan.HasCard {
			if cut, did := planner.TruncateChars(plan.Text, limit); did {
				text = cut
				warnings = append(warnings, planner.TruncatedWarning(limit, "characters", "$.text"))
			} else {
				text = plan.Text
			}
		}
		body.Markdown = text
	}
	for _, att := range msg.Attachments {
		if att.URL == "" {
			continue
		}
		// one file per message
		if len(body.Files) == 0 && strings.HasPrefix(att.URL, "http") {
			body.Files = []string{att.URL}
			continue
		}
		warnings = append(warnings, envelope.Warning{
			Code:    planner.WarnAttachmentDropped,
			Message: "webex accepts one file per message",
			Path:    "$.attachments",
		})
	}
	if strings.TrimSpace(body.Markdown) == "" && len(body.Files) == 0 {
		return provider.Encoded{}, fault.Inputf("text required")
	}

	meta := provider.Route("POST", cfg.APIBaseURL+"/messages")
	meta["destination_kind"] = string(dest.Kind)
	p, err := provider.JSONPayload(body, meta)
	if err != nil {
		return provider.Encoded{}, err
	}
	if max := c.Spec.Caps.MaxPayloadBytes; max > 0 && len(body.Attachments) > 0 {
		if raw, _ := p.Body(); len(raw) > max {
			return provider.Encoded{}, fault.Inputf("webex payload is %d bytes, limit is %d", len(raw), max)
		}
	}
	return provider.Encoded{Payload: p, Warnings: warnings}, nil
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
		in.Payload.Metadata["url"] = cfg.APIBaseURL + "/messages"
	}
	token, err := c.Secret(ctx, BotTokenKey, cfg.BotToken)
	if err != nil {
		return provider.Failed(err)
	}
	req, err := provider.Request(in.Payload, body, provider.Bearer(token))
	if err != nil {
		return provider.Failed(err)
	}
	return provider.Deliver(ctx, c, req, provider.JSONID("id"))
}

// VerifySignature checks an X-Spark-Signature header in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	return provider.Equal(Signature(secret, body), strings.ToLower(strings.TrimSpace(header)))
}

// Signature is the hex HMAC-SHA1 Webex signs webhook bodies with.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
