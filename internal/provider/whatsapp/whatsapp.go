// Package whatsapp implements the WhatsApp Cloud API provider.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
	ProviderType      = "messaging.whatsapp.cloud"
	DefaultAPIBase    = "https://graph.facebook.com"
	DefaultAPIVersion = "v19.0"
	TokenKey          = "WHATSAPP_TOKEN"
	VerifyTokenKey    = "WHATSAPP_VERIFY_TOKEN"
	AppSecretKey      = "WHATSAPP_APP_SECRET"

	MaxInteractiveBody = 1024
	MaxCaption         = 1024
	MaxHeader          = 60
	MaxButtonID        = 256
)

// Adapter is the WhatsApp provider.
type Adapter struct{}

// New returns the WhatsApp adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	return provider.Spec{
		Name:         "whatsapp",
		Channel:      envelope.WhatsApp,
		ProviderType: ProviderType,
		Display:      "WhatsApp",
		Caps:         planner.ChannelDefaults(envelope.WhatsApp),
		Settings: []provider.Setting{
			{Name: "phone_number_id", Kind: schema.KindString, Required: true, Title: "Phone number id", Help: "Sender phone number id from the WhatsApp Business account."},
			{Name: "public_base_url", Kind: schema.KindString, Format: "uri", Required: true, Title: "Public base URL", Help: "Externally reachable URL configured as the webhook callback."},
			{Name: "business_account_id", Kind: schema.KindString, Title: "Business account id", Help: "WhatsApp Business account id."},
			{Name: "api_base_url", Kind: schema.KindString, Format: "uri", Default: DefaultAPIBase, Title: "API base URL", Help: "Graph API endpoint."},
			{Name: "api_version", Kind: schema.KindString, Default: DefaultAPIVersion, Title: "API version", Help: "Graph API version segment."},
			{Name: "token", Kind: schema.KindString, Secret: true, SecretKey: TokenKey, Title: "Access token", Help: "System user access token. Falls back to the WHATSAPP_TOKEN secret."},
			{Name: "verify_token", Kind: schema.KindString, Secret: true, SecretKey: VerifyTokenKey, Title: "Verify token", Help: "Token expected in the webhook verification handshake."},
			{Name: "app_secret", Kind: schema.KindString, Secret: true, SecretKey: AppSecretKey, Title: "App secret", Help: "Verifies the X-Hub-Signature-256 header of webhook deliveries."},
		},
		Cleanup: []lifecycle.Step{lifecycle.DeleteProviderOwnedSecrets},
	}
}

type config struct {
	PhoneNumberID string `json:"phone_number_id"`
	APIBaseURL    string `json:"api_base_url"`
	APIVersion    string `json:"api_version"`
	Token         string `json:"token"`
	VerifyToken   string `json:"verify_token"`
	AppSecret     string `json:"app_secret"`
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
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	return cfg, nil
}

func (cfg config) messagesURL(phoneNumberID string) string {
	return fmt.Sprintf("%s/%s/%s/messages", cfg.APIBaseURL, cfg.APIVersion, phoneNumberID)
}

func (a *Adapter) IngestHTTP(ctx context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	cfg, err := load(c)
	if err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	if strings.EqualFold(in.Method, http.MethodGet) {
		return a.verify(ctx, c, cfg, in)
	}

	body, err := in.Body()
	if err != nil {
		return provider.Reject(400, err.Error())
	}
	secret, err := c.OptionalSecret(ctx, AppSecretKey, cfg.AppSecret)
	if err != nil {
		return provider.Reject(503, fault.Line(err))
	}
	if secret != "" && !provider.VerifyHubSignature(secret, body, in.Header("X-Hub-Signature-256")) {
		c.Log(ctx, "ingest.rejected", host.F("reason", "signature mismatch"))
		return envelope.HTTPStatus(http.StatusUnauthorized)
	}

	var hook webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return provider.Reject(400, "invalid webhook body: "+err.Error())
	}
	var events []envelope.ChannelMessageEnvelope
	if len(hook.Entry) == 0 {
		var flat struct {
			From string `json:"from"`
			Text string `json:"text"`
		}
		if json.Unmarshal(body, &flat) == nil && (flat.From != "" || flat.Text != "") {
			events = append(events, inbound(c, inMessage{From: flat.From, Type: "text", Text: &textBody{Body: flat.Text}}, cfg.PhoneNumberID))
		}
	}
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			pnid := change.Value.Metadata.PhoneNumberID
			for _, m := range change.Value.Messages {
				events = append(events, inbound(c, m, pnid))
			}
		}
	}
	c.Log(ctx, "ingest", host.F("events", strconv.Itoa(len(events))))
	return provider.Accept(events...)
}

func (a *Adapter) verify(ctx context.Context, c *provider.Call, cfg config, in envelope.HttpInV1) envelope.HttpOutV1 {
	q := in.QueryValues()
	if q.Get("hub.mode") != "subscribe" {
		return envelope.HTTPStatus(http.StatusForbidden)
	}
	expected, err := c.OptionalSecret(ctx, VerifyTokenKey, cfg.VerifyToken)
	if err != nil {
		return provider.Reject(503, fault.Line(err))
	}
	if expected == "" || !provider.Equal(expected, q.Get("hub.verify_token")) {
		c.Log(ctx, "verify.rejected")
		return envelope.HTTPStatus(http.StatusForbidden)
	}
	return envelope.HTTPText(http.StatusOK, q.Get("hub.challenge"))
}

type webhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []inMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type textBody struct {
	Body string `json:"body"`
}

type inMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *textBody `json:"text"`
	Button    *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

func (m inMessage) text() string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Button != nil:
		return m.Button.Text
	case m.Image != nil:
		return m.Image.Caption
	}
	return ""
}

func inbound(c *provider.Call, m inMessage, phoneNumberID string) envelope.ChannelMessageEnvelope {
	id := ""
	if m.ID != "" {
		id = "whatsapp-" + m.ID
	}
	session := m.From
	if session == "" {
		session = "whatsapp"
	}
	ev := provider.Inbound(c, id, session)
	ev.Text = m.text()
	if m.From != "" {
		ev.From = &envelope.Actor{ID: m.From, Kind: "user"}
		ev.To = []envelope.Destination{{ID: m.From, Kind: envelope.KindPhone}}
	}
	if m.Context != nil {
		ev.ReplyScope = m.Context.ID
	}
	if phoneNumberID == "" {
		phoneNumberID = "unknown"
	}
	ev.SetMeta(envelope.MetaPhoneNumberID, phoneNumberID)
	ev.SetMeta(envelope.MetaProviderMsgID, m.ID)
	ev.SetMeta("whatsapp.type", m.Type)
	if m.Interactive != nil && m.Interactive.ButtonReply != nil {
		ev.SetMeta("whatsapp.button_id", m.Interactive.ButtonReply.ID)
	}
	if m.Button != nil {
		ev.SetMeta("whatsapp.button_payload", m.Button.Payload)
	}
	return ev
}

// Outbound is one Cloud API message object.
type Outbound struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type,omitempty"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Context          *replyContext `json:"context,omitempty"`
	Text             *outText      `json:"text,omitempty"`
	Interactive      *interactive  `json:"interactive,omitempty"`
	Image            *media        `json:"image,omitempty"`
	Video            *media        `json:"video,omitempty"`
	Audio            *media        `json:"audio,omitempty"`
	Document         *media        `json:"document,omitempty"`
	Sticker          *media        `json:"sticker,omitempty"`
	Location         *location     `json:"location,omitempty"`
}

type replyContext struct {
	MessageID string `json:"message_id"`
}

type outText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type media struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type interactive struct {
	Type   string             `json:"type"`
	Header *interactiveHeader `json:"header,omitempty"`
	Body   outText            `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type interactiveHeader struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	cfg, err := load(c)
	if err != nil {
		return provider.Encoded{}, err
	}
	dest, err := provider.Destination(&msg, "", envelope.KindPhone)
	if err != nil {
		return provider.Encoded{}, err
	}
	to := strings.TrimPrefix(dest.ID, "+")
	pnid := msg.Meta(envelope.MetaPhoneNumberID)
	if pnid == "" || pnid == "unknown" {
		pnid = cfg.PhoneNumberID
	}
	if pnid == "" {
		return provider.Encoded{}, fault.Inputf("phone_number_id required")
	}

	warnings := append([]envelope.Warning(nil), plan.Plan.Warnings...)
	newMsg := func(typ string) Outbound {
		return Outbound{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: typ}
	}

	assets, err := collectMedia(&msg)
	if err != nil {
		return provider.Encoded{}, err
	}
	var msgs []Outbound
	captioned := false
	text := strings.TrimSpace(plan.Body)
	buttons := submitButtons(plan.Actions)

	for _, as := range assets {
		out := newMsg(as.kind)
		switch as.kind {
		case "video":
			out.Video = as.media
		case "audio":
			out.Audio = as.media
		case "image":
			if !captioned && len(buttons) == 0 && text != "" && as.media.Caption == "" {
				caption, cut := planner.TruncateChars(text, MaxCaption)
				if cut {
					warnings = append(warnings, planner.TruncatedWarning(MaxCaption, "characters", "$.image.caption"))
				}
				as.media.Caption = caption
				captioned = true
			}
			out.Image = as.media
		case "document":
			out.Document = as.media
		case "sticker":
			out.Sticker = as.media
		case "location":
			out.Location = as.location
		}
		msgs = append(msgs, out)
	}

	switch {
	case len(buttons) > 0:
		out := newMsg("interactive")
		iv, w := buildInteractive(plan, buttons)
		warnings = append(warnings, w...)
		out.Interactive = iv
		msgs = append(msgs, out)
	case !captioned && text != "":
		out := newMsg("text")
		out.Text = &outText{Body: text, PreviewURL: strings.Contains(text, "https://")}
		msgs = append(msgs, out)
	}
	if len(msgs) == 0 {
		return provider.Encoded{}, fault.Inputf("text, adaptive_card or media required")
	}
	if reply := msg.ReplyTarget(); reply != "" {
		last := &msgs[len(msgs)-1]
		last.Context = &replyContext{MessageID: reply}
	}

	meta := provider.Route("POST", cfg.messagesURL(pnid))
	meta[envelope.MetaPhoneNumberID] = pnid
	meta["to"] = to
	meta["requests"] = len(msgs)
	var p envelope.ProviderPayloadV1
	if len(msgs) == 1 {
		p, err = provider.JSONPayload(msgs[0], meta)
	} else {
		p, err = provider.JSONPayload(msgs, meta)
	}
	if err != nil {
		return provider.Encoded{}, err
	}
	return provider.Encoded{Payload: p, Warnings: warnings}, nil
}

func submitButtons(actions []planner.Action) []planner.Action {
	var out []planner.Action
	for _, a := range actions {
		if a.Kind == planner.Submit {
			out = append(out, a)
		}
	}
	return out
}

// buildInteractive builds a quick reply message. A leading heading becomes the
// header when more content follows it.
func buildInteractive(plan planner.Result, buttons []planner.Action) (*interactive, []envelope.Warning) {
	var warnings []envelope.Warning
	iv := &interactive{Type: "button"}

	flavor := planner.FlavorFor(planner.ChannelDefaults(envelope.WhatsApp))
	blocks := plan.Content.Blocks
	if len(blocks) > 1 && blocks[0].Kind == planner.Heading {
		header, _ := planner.TruncateChars(strings.TrimSpace(blocks[0].Text()), MaxHeader)
		iv.Header = &interactiveHeader{Type: "text", Text: header}
		blocks = blocks[1:]
	}
	parts := []string{}
	if t := strings.TrimSpace(plan.Text); t != "" {
		parts = append(parts, t)
	}
	if b := planner.RenderBlocks(blocks, flavor); b != "" {
		parts = append(parts, b)
	}
	for _, act := range plan.Actions {
		if act.Kind == planner.OpenURL {
			parts = append(parts, act.Title+": "+act.URL)
		}
	}
	body := strings.Join(parts, "\n\n")
	if body == "" {
		body = plan.Plan.SummaryText
	}
	if cut, did := planner.TruncateChars(body, MaxInteractiveBody); did {
		body = cut
		warnings = append(warnings, planner.TruncatedWarning(MaxInteractiveBody, "characters", "$.interactive.body.text"))
	}
	iv.Body = outText{Body: body}

	maxTitle := planner.ChannelDefaults(envelope.WhatsApp).MaxButtonTitle
	for i, act := range buttons {
		var b replyButton
		b.Type = "reply"
		b.Reply.ID = act.Data
		if b.Reply.ID == "" {
			b.Reply.ID = "btn_" + strconv.Itoa(i)
		}
		b.Reply.ID, _ = planner.TruncateChars(b.Reply.ID, MaxButtonID)
		b.Reply.Title, _ = planner.TruncateChars(act.Title, maxTitle)
		iv.Action.Buttons = append(iv.Action.Buttons, b)
	}
	return iv, warnings
}

type asset struct {
	kind     string
	media    *media
	location *location
}

// collectMedia collects media assets from the wa_* metadata keys in send order,
// followed by envelope attachments. A metadata value is either a URL or a
// JSON object in Cloud API shape.
func collectMedia(msg *envelope.ChannelMessageEnvelope) ([]asset, error) {
	var out []asset
	for _, key := range envelope.WhatsAppMediaKeys {
		raw := strings.TrimSpace(msg.Meta(key))
		if raw == "" {
			continue
		}
		kind := strings.TrimPrefix(key, "wa_")
		if kind == "location" {
			var loc location
			if err := json.Unmarshal([]byte(raw), &loc); err != nil {
				return nil, fault.Inputf("%s must be a JSON object with latitude and longitude", key)
			}
			out = append(out, asset{kind: kind, location: &loc})
			continue
		}
		m := &media{}
		if strings.HasPrefix(raw, "{") {
			if err := json.Unmarshal([]byte(raw), m); err != nil {
				return nil, fault.Inputf("%s is not valid JSON: %v", key, err)
			}
		} else {
			m.Link = raw
		}
		if m.ID == "" && m.Link == "" {
			return nil, fault.Inputf("%s needs a link or a media id", key)
		}
		out = append(out, asset{kind: kind, media: m})
	}
	for _, att := range msg.Attachments {
		kind := "document"
		switch {
		case strings.HasPrefix(att.MimeType, "image/"):
			kind = "image"
		case strings.HasPrefix(att.MimeType, "video/"):
			kind = "video"
		case strings.HasPrefix(att.MimeType, "audio/"):
			kind = "audio"
		}
		m := &media{Link: att.URL}
		if kind == "document" {
			m.Filename = att.Name
		}
		out = append(out, asset{kind: kind, media: m})
	}
	return out, nil
}

func verdict(resp *host.Response) (string, error) {
	var r struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Error *struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &r); err != nil {
		return "", nil
	}
	if r.Error != nil {
		return "", provider.Errorf("whatsapp error %d: %s", r.Error.Code, r.Error.Message)
	}
	if len(r.Messages) == 0 {
		return "", nil
	}
	return r.Messages[0].ID, nil
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
	token, err := c.Secret(ctx, TokenKey, cfg.Token)
	if err != nil {
		return provider.Failed(err)
	}

	var bodies []json.RawMessage
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &bodies); err != nil {
			return provider.Invalid("payload is not a JSON array: %v", err)
		}
	} else {
		bodies = []json.RawMessage{body}
	}
	if len(bodies) == 0 {
		return provider.Invalid("payload empty")
	}

	var res envelope.SendPayloadResultV1
	for i, b := range bodies {
		req, err := provider.Request(in.Payload, b, provider.Bearer(token))
		if err != nil {
			return provider.Failed(err)
		}
		res = provider.Deliver(ctx, c, req, verdict)
		if !res.OK {
			if i > 0 {
				// A retry would resend the messages already delivered.
				res.Retryable = false
				res.Warnings = append(res.Warnings, envelope.Warning{
					Code:    "partial_delivery",
					Message: fmt.Sprintf("%d of %d messages sent before the failure", i, len(bodies)),
				})
			}
			return res
		}
	}
	return res
}
