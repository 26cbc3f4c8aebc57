// Package email implements the email provider. Messages are built as RFC
// 5322 documents and delivered over SMTP through the host mailer, or sent
// through Microsoft Graph sendMail.
package email

import (
	"context"
	"encoding/json"
	"net/mail"
	"net/url"
	"strconv"
	"strings"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/lifecycle"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/provider/graph"
	"github.com/nidhogg/msgproviders/internal/schema"
)

const (
	ProviderType = "messaging.email.smtp"

	PasswordKey = "EMAIL_SMTP_PASSWORD"

	DeliverySMTP  = "smtp"
	DeliveryGraph = "graph"

	defaultSubject = "email message"
	subjectLimit   = 78
)

// Adapter is the email provider.
type Adapter struct{}

// New returns the email adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	port, maxPort := int64(1), int64(65535)
	return provider.Spec{
		Name:         "email",
		Channel:      envelope.Email,
		ProviderType: ProviderType,
		Display:      "Email",
		Caps:         planner.ChannelDefaults(envelope.Email),
		Settings: []provider.Setting{
			{Name: "public_base_url", Kind: schema.KindString, Format: "uri", Required: true, Title: "Public base URL", Help: "Externally reachable URL the inbound-parse webhook targets."},
			{Name: "from_address", Kind: schema.KindString, Format: "email", Required: true, Title: "From address", Help: "Sender mailbox."},
			{Name: "delivery", Kind: schema.KindString, Enum: []string{DeliverySMTP, DeliveryGraph}, Default: DeliverySMTP, Title: "Delivery", Help: "Submit over SMTP or send through Microsoft Graph."},
			{Name: "host", Kind: schema.KindString, Title: "SMTP host", Help: "Submission server."},
			{Name: "port", Kind: schema.KindInteger, Min: &port, Max: &maxPort, Default: 587, Title: "SMTP port", Help: "Submission port."},
			{Name: "username", Kind: schema.KindString, Title: "SMTP username", Help: "Login for SMTP AUTH PLAIN."},
			{Name: "password", Kind: schema.KindString, Secret: true, SecretKey: PasswordKey, Title: "SMTP password", Help: "Falls back to the EMAIL_SMTP_PASSWORD secret."},
			{Name: "tls_mode", Kind: schema.KindString, Enum: []string{"starttls", "none"}, Default: "starttls", Title: "TLS mode", Help: "Upgrade the SMTP session with STARTTLS."},
			{Name: "default_to_address", Kind: schema.KindString, Format: "email", Title: "Default recipient", Help: "Recipient used when a message names no destination."},
			{Name: "graph_tenant_id", Kind: schema.KindString, Title: "Graph tenant id", Help: "Entra ID tenant for Graph delivery."},
			{Name: "graph_client_id", Kind: schema.KindString, Title: "Graph client id", Help: "App registration with Mail.Send permission."},
			{Name: "graph_base_url", Kind: schema.KindString, Format: "uri", Default: graph.DefaultGraphBase, Title: "Graph base URL", Help: "Microsoft Graph endpoint."},
			{Name: "graph_auth_base_url", Kind: schema.KindString, Format: "uri", Default: graph.DefaultAuthBase, Title: "Auth base URL", Help: "Identity platform endpoint."},
			{Name: "graph_scope", Kind: schema.KindString, Default: graph.DefaultScope, Title: "Graph scope", Help: "OAuth2 scope requested for Graph tokens."},
			{Name: "graph_client_secret", Kind: schema.KindString, Secret: true, SecretKey: graph.ClientSecretKey, Title: "Graph client secret", Help: "Falls back to the MS_GRAPH_CLIENT_SECRET secret."},
			{Name: "graph_refresh_token", Kind: schema.KindString, Secret: true, SecretKey: graph.RefreshTokenKey, Title: "Graph refresh token", Help: "Delegated token; mail is then sent as /me."},
		},
		DefaultDestination: "default_to_address",
		Cleanup:            []lifecycle.Step{lifecycle.RevokeTokens, lifecycle.DeleteProviderOwnedSecrets},
	}
}

type config struct {
	PublicBaseURL     string `json:"public_base_url"`
	FromAddress       string `json:"from_address"`
	Delivery          string `json:"delivery"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	TLSMode           string `json:"tls_mode"`
	DefaultToAddress  string `json:"default_to_address"`
	GraphTenantID     string `json:"graph_tenant_id"`
	GraphClientID     string `json:"graph_client_id"`
	GraphBaseURL      string `json:"graph_base_url"`
	GraphAuthBaseURL  string `json:"graph_auth_base_url"`
	GraphScope        string `json:"graph_scope"`
	GraphClientSecret string `json:"graph_client_secret"`
	GraphRefreshToken string `json:"graph_refresh_token"`
}

func (cfg config) credentials() graph.Credentials {
	return graph.Credentials{
		TenantID:     cfg.GraphTenantID,
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		RefreshToken: cfg.GraphRefreshToken,
		AuthBaseURL:  cfg.GraphAuthBaseURL,
		Scope:        cfg.GraphScope,
	}
}

func load(c *provider.Call) (config, error) {
	var cfg config
	if err := c.Decode(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Delivery == "" {
		cfg.Delivery = DeliverySMTP
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	cfg.GraphBaseURL = strings.TrimRight(cfg.GraphBaseURL, "/")
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = graph.DefaultGraphBase
	}
	if strings.TrimSpace(cfg.FromAddress) == "" {
		return cfg, fault.Configf("from_address required")
	}
	switch cfg.Delivery {
	case DeliverySMTP:
		if strings.TrimSpace(cfg.Host) == "" {
			return cfg, fault.Configf("host required for smtp delivery")
		}
	case DeliveryGraph:
		if cfg.GraphTenantID == "" || cfg.GraphClientID == "" {
			return cfg, fault.Configf("graph_tenant_id and graph_client_id required for graph delivery")
		}
	default:
		return cfg, fault.Configf("unknown delivery %q", cfg.Delivery)
	}
	return cfg, nil
}

// recipients collects the email destinations of msg.
func recipients(msg *envelope.ChannelMessageEnvelope, fallback string) ([]string, error) {
	var out []string
	for _, d := range msg.To {
		if d.Kind != envelope.KindDefault && d.Kind != envelope.KindEmail {
			return nil, fault.Inputf("unsupported destination kind: %s", d.Kind)
		}
		addr, err := mail.ParseAddress(strings.TrimSpace(d.ID))
		if err != nil {
			return nil, fault.Inputf("invalid email address %q", d.ID)
		}
		out = append(out, addr.Address)
	}
	if len(out) == 0 && fallback != "" {
		out = append(out, fallback)
	}
	if len(out) == 0 {
		return nil, fault.Inputf("destination (to) required")
	}
	return out, nil
}

// subject prefers the subject metadata, then the card heading, then the
// start of the text.
func subject(msg *envelope.ChannelMessageEnvelope, plan planner.Result, text string) string {
	if s := strings.TrimSpace(msg.Meta(envelope.MetaSubject)); s != "" {
		return s
	}
	if h := plan.Content.FirstHeading(); h != "" {
		return h
	}
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if line, _ = planner.TruncateChars(line, subjectLimit); line != "" {
		return line
	}
	return defaultSubject
}

// GraphMail is the body of a Graph sendMail call.
type GraphMail struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ToRecipients      []recipient `json:"toRecipients"`
		InternetMessageID string      `json:"internetMessageId,omitempty"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

type recipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	cfg, err := load(c)
	if err != nil {
		return provider.Encoded{}, err
	}
	to, err := recipients(&msg, cfg.DefaultToAddress)
	if err != nil {
		return provider.Encoded{}, err
	}

	text := strings.TrimSpace(msg.Text)
	html := msg.Meta(envelope.MetaHTML)
	if plan.HasCard {
		text = plan.Render(planner.Plain, false)
		if html == "" {
			html = plan.Render(planner.HTML, false)
		}
	}
	if text == "" && html == "" {
		return provider.Encoded{}, fault.Inputf("text required")
	}
	warnings := append([]envelope.Warning(nil), plan.Plan.Warnings...)
	if len(msg.Attachments) > 0 {
		warnings = append(warnings, envelope.Warning{Code: planner.WarnAttachmentDropped, Message: "email attachments are not sent", Path: "attachments"})
	}

	m := Message{
		From:      cfg.FromAddress,
		To:        to,
		Subject:   subject(&msg, plan, text),
		Text:      text,
		HTML:      html,
		MessageID: NewMessageID(cfg.FromAddress),
		InReplyTo: msg.ReplyTarget(),
		Date:      c.Clock(),
	}

	var p envelope.ProviderPayloadV1
	if cfg.Delivery == DeliveryGraph {
		p, err = graphPayload(cfg, m)
	} else {
		p, err = smtpPayload(cfg, m)
	}
	if err != nil {
		return provider.Encoded{}, err
	}
	return provider.Encoded{Payload: p, Warnings: warnings}, nil
}

func smtpPayload(cfg config, m Message) (envelope.ProviderPayloadV1, error) {
	raw, err := m.Bytes()
	if err != nil {
		return envelope.ProviderPayloadV1{}, fault.Wrap(fault.Input, "build message", err)
	}
	meta := provider.Route("SMTP", "smtp://"+cfg.Host+":"+strconv.Itoa(cfg.Port))
	meta["delivery"] = DeliverySMTP
	meta["from"] = m.From
	meta["to"] = strings.Join(m.To, ",")
	meta["subject"] = m.Subject
	meta["message_id"] = m.MessageID
	return envelope.NewPayload("message/rfc822", raw, meta), nil
}

func graphPayload(cfg config, m Message) (envelope.ProviderPayloadV1, error) {
	var g GraphMail
	g.Message.Subject = m.Subject
	g.Message.Body.ContentType, g.Message.Body.Content = "Text", m.Text
	if m.HTML != "" {
		g.Message.Body.ContentType, g.Message.Body.Content = "HTML", m.HTML
	}
	for _, addr := range m.To {
		var r recipient
		r.EmailAddress.Address = addr
		g.Message.ToRecipients = append(g.Message.ToRecipients, r)
	}
	g.Message.InternetMessageID = m.MessageID
	meta := provider.Route("POST", cfg.GraphBaseURL+"/users/"+url.PathEscape(cfg.FromAddress)+"/sendMail")
	meta["delivery"] = DeliveryGraph
	meta["graph_base_url"] = cfg.GraphBaseURL
	meta["to"] = strings.Join(m.To, ",")
	meta["subject"] = m.Subject
	meta["message_id"] = m.MessageID
	return provider.JSONPayload(g, meta)
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
	if in.Payload.MetaString("delivery") == DeliveryGraph {
		return sendGraph(ctx, c, cfg, in.Payload, body)
	}
	return sendSMTP(ctx, c, cfg, in.Payload, body)
}

func sendSMTP(ctx context.Context, c *provider.Call, cfg config, p envelope.ProviderPayloadV1, body []byte) envelope.SendPayloadResultV1 {
	if c.Host.Mailer == nil {
		return provider.Failed(&fault.Error{Kind: fault.CapabilityMissing, Msg: "mailer capability not granted"})
	}
	to, err := provider.MetaRequired(p, "to")
	if err != nil {
		return provider.Failed(err)
	}
	var password string
	if cfg.Username != "" {
		if password, err = c.Secret(ctx, PasswordKey, cfg.Password); err != nil {
			return provider.Failed(err)
		}
	}
	from := p.MetaString("from")
	if from == "" {
		from = cfg.FromAddress
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}
	err = c.Host.Mailer.SendMail(ctx, host.MailRequest{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: password,
		StartTLS: cfg.TLSMode != "none",
		From:     from,
		To:       strings.Split(to, ","),
		Data:     body,
	})
	if err != nil {
		if host.CodeOf(err) == host.CodeDenied {
			err = fault.Domainf("smtp server rejected the message: %s", fault.Line(err))
		}
		res := provider.Failed(err)
		c.Log(ctx, "egress", host.F("state", string(res.State)), host.F("delivery", DeliverySMTP))
		return res
	}
	c.Log(ctx, "egress", host.F("state", string(envelope.Sent)), host.F("delivery", DeliverySMTP))
	return provider.Sent(p.MetaString("message_id"))
}

func sendGraph(ctx context.Context, c *provider.Call, cfg config, p envelope.ProviderPayloadV1, body []byte) envelope.SendPayloadResultV1 {
	cr := cfg.credentials()
	token, err := graph.Token(ctx, c, cr)
	if err != nil {
		return provider.Failed(err)
	}
	req, err := provider.Request(p, body, provider.Bearer(token))
	if err != nil {
		return provider.Failed(err)
	}
	refresh, err := c.OptionalSecret(ctx, graph.RefreshTokenKey, cfg.GraphRefreshToken)
	if err != nil {
		return provider.Failed(err)
	}
	if refresh != "" {
		base := p.MetaString("graph_base_url")
		if base == "" {
			base = cfg.GraphBaseURL
		}
		req.URL = base + "/me/sendMail"
	}
	id := p.MetaString("message_id")
	return provider.Deliver(ctx, c, req, func(*host.Response) (string, error) { return id, nil })
}

// InboundMail is the JSON document an inbound-parse relay posts.
type InboundMail struct {
	From      string   `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Text      string   `json:"text"`
	HTML      string   `json:"html"`
	MessageID string   `json:"message_id"`
	InReplyTo string   `json:"in_reply_to"`
}

// UnmarshalJSON accepts `to` as a string or a list.
func (m *InboundMail) UnmarshalJSON(b []byte) error {
	type plain InboundMail
	var raw struct {
		plain
		To json.RawMessage `json:"to"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = InboundMail(raw.plain)
	m.To = nil
	if len(raw.To) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw.To, &one) == nil {
		for _, s := range strings.Split(one, ",") {
			if s = strings.TrimSpace(s); s != "" {
				m.To = append(m.To, s)
			}
		}
		return nil
	}
	return json.Unmarshal(raw.To, &m.To)
}
