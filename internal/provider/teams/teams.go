// Package teams implements the Microsoft Teams provider over Microsoft
// Graph.
package teams

import (
	"context"
	"encoding/json"
	"html"
	"net/http"
	"net/url"
	"regexp"
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
	ProviderType = "messaging.teams.graph"

	// cardAttachmentID links the html body to the card attachment.
	cardAttachmentID = "card1"
)

// Metadata keys set on ingested envelopes.
const (
	MetaGraphMessageID = "graph_message_id"
	MetaSubscriptionID = "graph.subscriptionId"
	MetaChangeType     = "graph.changeType"
	MetaResource       = "graph.resource"
	MetaFetchStatus    = "graph.fetchStatus"
	MetaIngestError    = "graph.ingestError"
	MetaTeamID         = "teams.team_id"
	MetaChannelID      = "teams.channel_id"
	MetaChatID         = "teams.chat_id"
)

// Adapter is the Teams provider.
type Adapter struct{}

// New returns the Teams adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	return provider.Spec{
		Name:         "teams",
		Channel:      envelope.Teams,
		ProviderType: ProviderType,
		Display:      "Microsoft Teams",
		Caps:         planner.ChannelDefaults(envelope.Teams),
		Settings: []provider.Setting{
			{Name: "tenant_id", Kind: schema.KindString, Required: true, Title: "Directory (tenant) id", Help: "Entra ID tenant that owns the app registration."},
			{Name: "client_id", Kind: schema.KindString, Required: true, Title: "Application (client) id", Help: "App registration with ChannelMessage.Send permission."},
			{Name: "public_base_url", Kind: schema.KindString, Format: "uri", Required: true, Title: "Public base URL", Help: "Externally reachable URL Graph notifications target."},
			{Name: "team_id", Kind: schema.KindString, Title: "Default team", Help: "Team used when a message names no destination."},
			{Name: "channel_id", Kind: schema.KindString, Title: "Default channel", Help: "Channel used when a message names no destination."},
			{Name: "graph_base_url", Kind: schema.KindString, Format: "uri", Default: graph.DefaultGraphBase, Title: "Graph base URL", Help: "Microsoft Graph endpoint."},
			{Name: "auth_base_url", Kind: schema.KindString, Format: "uri", Default: graph.DefaultAuthBase, Title: "Auth base URL", Help: "Identity platform endpoint."},
			{Name: "token_scope", Kind: schema.KindString, Default: graph.DefaultScope, Title: "Token scope", Help: "OAuth2 scope requested for Graph tokens."},
			{Name: "client_secret", Kind: schema.KindString, Secret: true, SecretKey: graph.ClientSecretKey, Title: "Client secret", Help: "Falls back to the MS_GRAPH_CLIENT_SECRET secret."},
			{Name: "refresh_token", Kind: schema.KindString, Secret: true, SecretKey: graph.RefreshTokenKey, Title: "Refresh token", Help: "Delegated refresh token. Falls back to the MS_GRAPH_REFRESH_TOKEN secret."},
		},
		DefaultDestination: "channel_id",
		Cleanup:            []lifecycle.Step{lifecycle.RevokeWebhooks, lifecycle.RevokeTokens, lifecycle.DeleteProviderOwnedSecrets},
		Subscriptions:      true,
	}
}

type config struct {
	TenantID      string `json:"tenant_id"`
	ClientID      string `json:"client_id"`
	PublicBaseURL string `json:"public_base_url"`
	TeamID        string `json:"team_id"`
	ChannelID     string `json:"channel_id"`
	GraphBaseURL  string `json:"graph_base_url"`
	AuthBaseURL   string `json:"auth_base_url"`
	TokenScope    string `json:"token_scope"`
	ClientSecret  string `json:"client_secret"`
	RefreshToken  string `json:"refresh_token"`
}

func (cfg config) credentials() graph.Credentials {
	return graph.Credentials{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
		AuthBaseURL:  cfg.AuthBaseURL,
		Scope:        cfg.TokenScope,
	}
}

func (cfg config) defaultDestination() string {
	if cfg.TeamID == "" || cfg.ChannelID == "" {
		return ""
	}
	return cfg.TeamID + ":" + cfg.ChannelID
}

func load(c *provider.Call) (config, error) {
	var cfg config
	if err := c.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.GraphBaseURL = strings.TrimRight(cfg.GraphBaseURL, "/")
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = graph.DefaultGraphBase
	}
	if strings.TrimSpace(cfg.TenantID) == "" || strings.TrimSpace(cfg.ClientID) == "" {
		return cfg, fault.Configf("tenant_id and client_id required")
	}
	return cfg, nil
}

func client(ctx context.Context, c *provider.Call) (config, graph.Client, error) {
	cfg, err := load(c)
	if err != nil {
		return cfg, graph.Client{}, err
	}
	token, err := graph.Token(ctx, c, cfg.credentials())
	if err != nil {
		return cfg, graph.Client{}, err
	}
	return cfg, graph.Client{Call: c, Base: cfg.GraphBaseURL, Token: token}, nil
}

// Target resolves a destination to the Graph messages collection. Channel
// ids are "team_id:channel_id"; chat ids are used as is. A reply target
// posts into the thread of that message.
func Target(base string, dest envelope.Destination, replyTo string) (string, error) {
	switch dest.Kind {
	case envelope.KindChannel:
		team, channel, ok := strings.Cut(dest.ID, ":")
		team, channel = strings.TrimSpace(team), strings.TrimSpace(channel)
		if !ok || team == "" || channel == "" {
			return "", fault.Inputf("channel destination must be team_id:channel_id")
		}
		u := base + "/teams/" + url.PathEscape(team) + "/channels/" + url.PathEscape(channel) + "/messages"
		if replyTo != "" {
			u += "/" + url.PathEscape(replyTo) + "/replies"
		}
		return u, nil
	case envelope.KindChat:
		return base + "/chats/" + url.PathEscape(dest.ID) + "/messages", nil
	}
	return "", fault.Inputf("unsupported destination kind: %s", dest.Kind)
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type chatAttachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	// Content is the card serialised as a JSON string.
	Content string `json:"content"`
}

// ChatMessage is the body of a Graph chatMessage create.
type ChatMessage struct {
	Body        itemBody         `json:"body"`
	Attachments []chatAttachment `json:"attachments,omitempty"`
}

func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	cfg, err := load(c)
	if err != nil {
		return provider.Encoded{}, err
	}
	dest, err := provider.Destination(&msg, cfg.defaultDestination(), envelope.KindChannel)
	if err != nil {
		return provider.Encoded{}, err
	}
	replyTo := msg.ReplyTarget()
	if replyTo == "" {
		replyTo = msg.Meta(MetaGraphMessageID)
	}
	target, err := Target(cfg.GraphBaseURL, dest, replyTo)
	if err != nil {
		return provider.Encoded{}, err
	}

	var body ChatMessage
	if plan.Plan.Tier == planner.TierA && plan.Card != nil {
		raw, err := json.Marshal(plan.Card)
		if err != nil {
			return provider.Encoded{}, fault.Wrap(fault.Input, "encode card", err)
		}
		body.Body = itemBody{ContentType: "html", Content: `<attachment id="` + cardAttachmentID + `"></attachment>`}
		body.Attachments = []chatAttachment{{ID: cardAttachmentID, ContentType: planner.AdaptiveCardContentType, Content: string(raw)}}
	} else {
		content := plan.Body
		if plan.HasCard {
			content = plan.Render(planner.HTML, false)
		}
		if strings.TrimSpace(content) == "" {
			return provider.Encoded{}, fault.Inputf("text required")
		}
		body.Body = itemBody{ContentType: "html", Content: content}
	}

	meta := provider.Route("POST", target)
	meta["destination_kind"] = string(dest.Kind)
	p, err := provider.JSONPayload(body, meta)
	if err != nil {
		return provider.Encoded{}, err
	}
	return provider.Encoded{Payload: p, Warnings: plan.Plan.Warnings}, nil
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
	token, err := graph.Token(ctx, c, cfg.credentials())
	if err != nil {
		return provider.Failed(err)
	}
	req, err := provider.Request(in.Payload, body, provider.Bearer(token))
	if err != nil {
		return provider.Failed(err)
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return provider.Failed(err)
	}
	if resp.Status == http.StatusUnauthorized {
		graph.Forget(ctx, c, cfg.credentials())
	}
	res := provider.Classify(c.Spec.Display, resp, provider.JSONID("id"))
	c.Log(ctx, "egress", host.F("state", string(res.State)), host.F("status", strconv.Itoa(resp.Status)))
	return res
}

func (a *Adapter) EnsureSubscription(ctx context.Context, c *provider.Call, in envelope.SubscriptionEnsureInV1) (envelope.SubscriptionRecord, error) {
	_, g, err := client(ctx, c)
	if err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	return g.Ensure(ctx, in)
}

func (a *Adapter) RenewSubscription(ctx context.Context, c *provider.Call, in envelope.SubscriptionRenewInV1) (envelope.SubscriptionRecord, error) {
	_, g, err := client(ctx, c)
	if err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	return g.Renew(ctx, in)
}

func (a *Adapter) DeleteSubscription(ctx context.Context, c *provider.Call, in envelope.SubscriptionDeleteInV1) (envelope.SubscriptionRecord, error) {
	_, g, err := client(ctx, c)
	if err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	return g.Delete(ctx, in)
}

type notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type identity struct {
	User *struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Application *struct {
		ID string `json:"id"`
	} `json:"application"`
}

type chatMessage struct {
	ID              string    `json:"id"`
	ReplyToID       string    `json:"replyToId"`
	ChatID          string    `json:"chatId"`
	From            *identity `json:"from"`
	Body            itemBody  `json:"body"`
	ChannelIdentity *struct {
		TeamID    string `json:"teamId"`
		ChannelID string `json:"channelId"`
	} `json:"channelIdentity"`
}

// IngestHTTP answers the subscription validation handshake and turns change
// notifications into envelopes, fetching each message from Graph.
func (a *Adapter) IngestHTTP(ctx context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	if token := in.QueryValues().Get("validationToken"); token != "" {
		return envelope.HTTPText(http.StatusOK, token)
	}

	var batch struct {
		Value []notification `json:"value"`
	}
	if err := provider.DecodeBody(in, &batch); err != nil {
		return provider.Reject(400, fault.Line(err))
	}

	var events []envelope.ChannelMessageEnvelope
	rejected, fetchFailed := 0, false
	var g *graph.Client
	for _, n := range batch.Value {
		if !validState(ctx, c, n) {
			rejected++
			c.Log(ctx, "ingest.rejected", host.F("reason", "clientState mismatch"))
			continue
		}
		if n.ChangeType != "" && n.ChangeType != "created" && n.ChangeType != "updated" {
			continue
		}
		if g == nil {
			_, cl, err := client(ctx, c)
			if err != nil {
				ev := inbound(c, n, chatMessage{ID: n.ResourceData.ID})
				ev.SetMeta(MetaIngestError, fault.Line(err))
				events = append(events, ev)
				fetchFailed = true
				continue
			}
			g = &cl
		}
		ev, ok := fetch(ctx, c, *g, n)
		fetchFailed = fetchFailed || !ok
		events = append(events, ev)
	}

	switch {
	case len(batch.Value) > 0 && rejected == len(batch.Value):
		return envelope.HTTPStatus(http.StatusForbidden)
	case fetchFailed:
		out := provider.Accept(events...)
		out.Status = http.StatusBadGateway
		return out
	}
	out := provider.Accept(events...)
	out.Status = http.StatusAccepted
	return out
}

func validState(ctx context.Context, c *provider.Call, n notification) bool {
	rec, ok := graph.Stored(ctx, c, n.SubscriptionID)
	if !ok {
		return false
	}
	if rec.ClientState == "" {
		return true
	}
	return provider.Equal(rec.ClientState, n.ClientState)
}

func fetch(ctx context.Context, c *provider.Call, g graph.Client, n notification) (envelope.ChannelMessageEnvelope, bool) {
	var m chatMessage
	resp, err := g.Do(ctx, "GET", n.Resource, nil, &m)
	if m.ID == "" {
		m.ID = n.ResourceData.ID
	}
	ev := inbound(c, n, m)
	if resp != nil {
		ev.SetMeta(MetaFetchStatus, strconv.Itoa(resp.Status))
	}
	if err != nil {
		c.Log(ctx, "ingest.fetch_failed")
		ev.Text = ""
		ev.SetMeta(MetaIngestError, fault.Line(err))
		return ev, false
	}
	ev.Text = Text(m.Body)
	return ev, true
}

func inbound(c *provider.Call, n notification, m chatMessage) envelope.ChannelMessageEnvelope {
	session, kind := sessionOf(n.Resource, m)
	ev := provider.Inbound(c, "teams-"+m.ID, session)
	if session != "" {
		ev.To = []envelope.Destination{{ID: session, Kind: kind}}
	}
	if m.From != nil && m.From.User != nil {
		ev.From = &envelope.Actor{ID: m.From.User.ID, Kind: "user"}
	}
	ev.ReplyScope = m.ReplyToID
	if ev.ReplyScope == "" {
		ev.ReplyScope = m.ID
	}
	ev.SetMeta(MetaGraphMessageID, m.ID)
	ev.SetMeta(envelope.MetaProviderMsgID, m.ID)
	ev.SetMeta(MetaSubscriptionID, n.SubscriptionID)
	ev.SetMeta(MetaChangeType, n.ChangeType)
	ev.SetMeta(MetaResource, n.Resource)
	return ev
}

var (
	channelResource = regexp.MustCompile(`teams\('([^']+)'\)/channels\('([^']+)'\)`)
	chatResource    = regexp.MustCompile(`chats\('([^']+)'\)`)
)

func sessionOf(resource string, m chatMessage) (string, envelope.DestinationKind) {
	if ci := m.ChannelIdentity; ci != nil && ci.TeamID != "" && ci.ChannelID != "" {
		return ci.TeamID + ":" + ci.ChannelID, envelope.KindChannel
	}
	if m.ChatID != "" {
		return m.ChatID, envelope.KindChat
	}
	if sm := channelResource.FindStringSubmatch(resource); sm != nil {
		return sm[1] + ":" + sm[2], envelope.KindChannel
	}
	if sm := chatResource.FindStringSubmatch(resource); sm != nil {
		return sm[1], envelope.KindChat
	}
	return "", envelope.KindDefault
}

var tags = regexp.MustCompile(`<[^>]*>`)

// Text flattens a Graph item body to plain text.
func Text(b itemBody) string {
	if !strings.EqualFold(b.ContentType, "html") {
		return strings.TrimSpace(b.Content)
	}
	s := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(b.Content)
	return strings.TrimSpace(html.UnescapeString(tags.ReplaceAllString(s, "")))
}
