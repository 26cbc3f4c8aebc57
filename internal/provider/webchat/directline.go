package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
)

const (
	directLinePrefix = "/v3/directline"

	// DefaultTTL is the Direct Line token lifetime.
	DefaultTTL = 30 * time.Minute

	rateWindow = time.Minute
	rateLimit  = 5

	maxAttachmentBytes = 512 * 1024
	issuer             = "msgproviders-webchat"
)

var allowedAttachmentTypes = map[string]bool{
	"text/plain":                          true,
	"application/json":                    true,
	"image/png":                           true,
	"image/jpeg":                          true,
	"image/gif":                           true,
	planner.AdaptiveCardContentType:       true,
	"application/vnd.microsoft.card.hero": true,
	"application/vnd.microsoft.card.thumbnail": true,
}

// Claims are carried by Direct Line tokens. Conv is set once the token is
// bound to a conversation.
type Claims struct {
	Env    string `json:"env"`
	Tenant string `json:"tenant"`
	Team   string `json:"team,omitempty"`
	Conv   string `json:"conv,omitempty"`
	jwt.RegisteredClaims
}

func (cl Claims) matches(t envelope.TenantCtx) bool {
	return cl.Env == t.Env && cl.Tenant == t.Tenant && cl.Team == t.Team
}

type storedActivity struct {
	Watermark int64           `json:"watermark"`
	Timestamp time.Time       `json:"timestamp"`
	Raw       json.RawMessage `json:"raw"`
}

type conversation struct {
	ID            string           `json:"id"`
	User          string           `json:"user"`
	NextWatermark int64            `json:"next_watermark"`
	Activities    []storedActivity `json:"activities"`
}

type rateState struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// directLine serves one Direct Line request for a call.
type directLine struct {
	c   *provider.Call
	cfg config
	in  envelope.HttpInV1
}

var corsHeaders = []envelope.Header{
	{Name: "Access-Control-Allow-Origin", Value: "*"},
	{Name: "Access-Control-Allow-Headers", Value: "Authorization, Content-Type"},
	{Name: "Access-Control-Allow-Methods", Value: "GET, POST, OPTIONS"},
}

func respond(status int, v any) envelope.HttpOutV1 {
	out := envelope.HTTPJSON(status, v)
	out.Headers = append(out.Headers, corsHeaders...)
	return out
}

func respondError(status int, code, msg string) envelope.HttpOutV1 {
	return respond(status, map[string]string{"error": code, "message": msg})
}

// IngestHTTP routes Direct Line requests, or turns a plain JSON post
// `{text, user_id, route}` into an envelope.
func (a *Adapter) IngestHTTP(ctx context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	cfg, err := load(c)
	if err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	if i := strings.Index(in.Path, directLinePrefix); i >= 0 {
		in.Path = in.Path[i:]
		return (&directLine{c: c, cfg: cfg, in: in}).serve(ctx)
	}

	var body struct {
		Text    string `json:"text"`
		Message string `json:"message"`
		UserID  string `json:"user_id"`
		From    string `json:"from"`
		Route   string `json:"route"`
	}
	if err := provider.DecodeBody(in, &body); err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	text := body.Text
	if text == "" {
		text = body.Message
	}
	user := body.UserID
	if user == "" {
		user = body.From
	}
	route := in.RouteHint
	if route == "" {
		route = body.Route
	}
	if route == "" {
		route = cfg.Route
	}
	ev := inbound(c, route, user, text)
	ev.SetMeta(envelope.MetaRoute, route)
	return provider.Accept(ev)
}

func inbound(c *provider.Call, session, user, text string) envelope.ChannelMessageEnvelope {
	ev := provider.Inbound(c, "", session)
	ev.Text = text
	ev.To = []envelope.Destination{{ID: session, Kind: envelope.KindChat}}
	if user != "" {
		ev.From = &envelope.Actor{ID: user, Kind: "user"}
	}
	return ev
}

func (d *directLine) serve(ctx context.Context) envelope.HttpOutV1 {
	method := strings.ToUpper(d.in.Method)
	if method == http.MethodOptions {
		out := envelope.HTTPStatus(http.StatusNoContent)
		out.Headers = corsHeaders
		return out
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(d.in.Path, directLinePrefix), "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "tokens" && parts[1] == "generate":
		if method != http.MethodPost {
			return respondError(405, "method_not_allowed", "method not allowed on this endpoint")
		}
		return d.generateToken(ctx)
	case len(parts) == 1 && parts[0] == "conversations":
		if method != http.MethodPost {
			return respondError(405, "method_not_allowed", "method not allowed on this endpoint")
		}
		return d.startConversation(ctx)
	case len(parts) == 3 && parts[0] == "conversations" && parts[2] == "activities":
		switch method {
		case http.MethodPost:
			return d.postActivity(ctx, parts[1])
		case http.MethodGet:
			return d.getActivities(ctx, parts[1])
		}
		return respondError(405, "method_not_allowed", "method not allowed on this endpoint")
	case len(parts) == 3 && parts[0] == "conversations" && parts[2] == "stream":
		return respondError(501, "not_implemented", "streaming not supported")
	}
	return respondError(404, "not_found", "unknown directline endpoint")
}

func (d *directLine) signingKey(ctx context.Context) ([]byte, error) {
	key, err := d.c.Secret(ctx, SigningKeyName, d.cfg.JWTSigningKey)
	if err != nil {
		return nil, err
	}
	return []byte(key), nil
}

func (d *directLine) ttl() time.Duration {
	if d.cfg.TokenTTLSeconds > 0 {
		return time.Duration(d.cfg.TokenTTLSeconds) * time.Second
	}
	return DefaultTTL
}

func (d *directLine) issue(key []byte, user, conv string) (string, error) {
	now := d.c.Clock()
	t := d.c.Tenant
	claims := Claims{
		Env:    t.Env,
		Tenant: t.Tenant,
		Team:   t.Team,
		Conv:   conv,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d.ttl())),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// authorize verifies the bearer token of the request.
func (d *directLine) authorize(ctx context.Context) (*Claims, envelope.HttpOutV1, bool) {
	auth := d.in.Header("Authorization")
	scheme, token, ok := strings.Cut(strings.TrimSpace(auth), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, respondError(401, "unauthorized", "missing Authorization header"), false
	}
	key, err := d.signingKey(ctx)
	if err != nil {
		return nil, secretError(err), false
	}
	var claims Claims
	_, err = jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(d.c.Clock),
	)
	if err != nil {
		return nil, respondError(401, "unauthorized", "invalid token"), false
	}
	if !claims.matches(d.c.Tenant) {
		return nil, respondError(403, "forbidden", "token context mismatch"), false
	}
	return &claims, envelope.HttpOutV1{}, true
}

func secretError(err error) envelope.HttpOutV1 {
	if fault.KindOf(err) == fault.MissingSecret {
		return respondError(500, "missing_secret", "secret "+SigningKeyName+" not found")
	}
	return respondError(500, "secret_error", fault.Line(err))
}

func (d *directLine) generateToken(ctx context.Context) envelope.HttpOutV1 {
	var body struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if raw, _ := d.in.Body(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return respondError(400, "bad_request", "invalid json payload")
		}
	}
	user := strings.TrimSpace(body.User.ID)
	if user == "" {
		user = "anonymous"
	}
	if limited, err := d.rateLimited(ctx, user); err != nil {
		return respondError(500, "state_error", fault.Line(err))
	} else if limited {
		d.c.Log(ctx, "directline.rate_limited")
		return respondError(429, "rate_limited", "token rate limit exceeded")
	}
	key, err := d.signingKey(ctx)
	if err != nil {
		return secretError(err)
	}
	token, err := d.issue(key, user, "")
	if err != nil {
		return respondError(500, "token_issue_failed", err.Error())
	}
	return respond(200, map[string]any{"token": token, "expires_in": int(d.ttl().Seconds())})
}

// rateLimited counts token requests per user in a fixed window.
func (d *directLine) rateLimited(ctx context.Context, user string) (bool, error) {
	state := d.c.Host.State
	if state == nil {
		return false, errStateMissing
	}
	key := d.c.Spec.Scope(d.c.Tenant).StateKey("directline/rate/" + user)
	now := d.c.Clock()
	var st rateState
	if raw, ok, err := state.Read(ctx, key, &d.c.Tenant); err != nil {
		return false, err
	} else if ok && canon.Unmarshal(raw, &st) != nil {
		st = rateState{}
	}
	if now.Sub(st.WindowStart) >= rateWindow {
		st = rateState{WindowStart: now}
	}
	if st.Count >= rateLimit {
		return true, nil
	}
	st.Count++
	raw, err := canon.Marshal(st)
	if err != nil {
		return false, err
	}
	return false, state.Write(ctx, key, raw, &d.c.Tenant)
}

func (d *directLine) startConversation(ctx context.Context) envelope.HttpOutV1 {
	claims, denied, ok := d.authorize(ctx)
	if !ok {
		return denied
	}
	if claims.Conv != "" {
		return respondError(403, "forbidden", "token already bound to a conversation")
	}
	conv := conversation{ID: uuid.NewString(), User: claims.Subject, NextWatermark: 1}
	if err := saveConversation(ctx, d.c, conv); err != nil {
		return respondError(500, "state_error", fault.Line(err))
	}
	key, err := d.signingKey(ctx)
	if err != nil {
		return secretError(err)
	}
	token, err := d.issue(key, claims.Subject, conv.ID)
	if err != nil {
		return respondError(500, "token_issue_failed", err.Error())
	}
	d.c.Log(ctx, "directline.conversation", host.F("conversation", conv.ID))
	return respond(201, map[string]any{
		"conversationId": conv.ID,
		"token":          token,
		"expires_in":     int(d.ttl().Seconds()),
		"streamUrl":      nil,
	})
}

func (d *directLine) conversation(ctx context.Context, id string) (*conversation, envelope.HttpOutV1, bool) {
	claims, denied, ok := d.authorize(ctx)
	if !ok {
		return nil, denied, false
	}
	if claims.Conv != id {
		return nil, respondError(403, "forbidden", "token bound to different conversation"), false
	}
	conv, found, err := loadConversation(ctx, d.c, id)
	if err != nil {
		return nil, respondError(500, "state_error", fault.Line(err)), false
	}
	if !found {
		return nil, respondError(404, "not_found", "conversation not found"), false
	}
	return conv, envelope.HttpOutV1{}, true
}

func (d *directLine) postActivity(ctx context.Context, id string) envelope.HttpOutV1 {
	conv, denied, ok := d.conversation(ctx, id)
	if !ok {
		return denied
	}
	raw, err := d.in.Body()
	if err != nil || len(raw) == 0 {
		return respondError(400, "bad_request", "activity body required")
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return respondError(400, "bad_request", "invalid json payload")
	}
	if msg := checkAttachments(body); msg != "" {
		return respondError(400, "bad_request", msg)
	}

	actID := uuid.NewString()
	body["id"] = actID
	if t, _ := body["type"].(string); t == "" {
		body["type"] = "message"
	}
	body["conversation"] = map[string]any{"id": conv.ID}
	user := conv.User
	if from, ok := body["from"].(map[string]any); ok {
		if fid, _ := from["id"].(string); fid != "" {
			user = fid
		}
	} else {
		body["from"] = map[string]any{"id": user}
	}
	conv.push(body, d.c.Clock())
	if err := saveConversation(ctx, d.c, *conv); err != nil {
		return respondError(500, "state_error", fault.Line(err))
	}

	out := respond(201, map[string]string{"id": actID})
	text, _ := body["text"].(string)
	if body["type"] == "message" && strings.TrimSpace(text) != "" {
		ev := inbound(d.c, conv.ID, user, text)
		ev.ID = "webchat-" + actID
		ev.SetMeta(envelope.MetaRoute, d.cfg.Route)
		ev.SetMeta(envelope.MetaProviderMsgID, actID)
		out.Events = append(out.Events, ev)
	}
	return out
}

func (d *directLine) getActivities(ctx context.Context, id string) envelope.HttpOutV1 {
	conv, denied, ok := d.conversation(ctx, id)
	if !ok {
		return denied
	}
	var after int64
	if wm := d.in.QueryValues().Get("watermark"); wm != "" {
		n, err := strconv.ParseInt(wm, 10, 64)
		if err != nil {
			return respondError(400, "bad_request", "watermark must be a number")
		}
		after = n
	}
	activities := make([]json.RawMessage, 0, len(conv.Activities))
	for _, a := range conv.Activities {
		if a.Watermark > after {
			activities = append(activities, a.Raw)
		}
	}
	return respond(200, map[string]any{
		"activities": activities,
		"watermark":  strconv.FormatInt(conv.NextWatermark-1, 10),
	})
}

func (cv *conversation) push(activity map[string]any, now time.Time) {
	wm := cv.NextWatermark
	if wm == 0 {
		wm = 1
	}
	cv.NextWatermark = wm + 1
	activity["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	activity["watermark"] = strconv.FormatInt(wm, 10)
	raw, _ := json.Marshal(activity)
	cv.Activities = append(cv.Activities, storedActivity{Watermark: wm, Timestamp: now, Raw: raw})
}

func checkAttachments(body map[string]any) string {
	items, _ := body["attachments"].([]any)
	for _, it := range items {
		att, _ := it.(map[string]any)
		ct, _ := att["contentType"].(string)
		if !allowedAttachmentTypes[ct] {
			return "unsupported content type: " + ct
		}
		if s, ok := att["content"].(string); ok && len(s) > maxAttachmentBytes {
			return "attachment too large"
		}
	}
	return ""
}

func conversationKey(c *provider.Call, id string) string {
	return c.Spec.Scope(c.Tenant).StateKey("directline/conversations/" + id)
}

func loadConversation(ctx context.Context, c *provider.Call, id string) (*conversation, bool, error) {
	if c.Host.State == nil {
		return nil, false, errStateMissing
	}
	raw, ok, err := c.Host.State.Read(ctx, conversationKey(c, id), &c.Tenant)
	if err != nil || !ok {
		return nil, false, err
	}
	var conv conversation
	if err := canon.Unmarshal(raw, &conv); err != nil {
		c.Log(ctx, "directline.conversation_unreadable", host.F("conversation", id))
		return nil, false, nil
	}
	return &conv, true, nil
}

func saveConversation(ctx context.Context, c *provider.Call, conv conversation) error {
	if c.Host.State == nil {
		return errStateMissing
	}
	raw, err := canon.Marshal(conv)
	if err != nil {
		return err
	}
	return c.Host.State.Write(ctx, conversationKey(c, conv.ID), raw, &c.Tenant)
}

// appendBotActivity records an outbound activity in its conversation.
// Unknown conversations are ignored.
func appendBotActivity(ctx context.Context, c *provider.Call, id string, act Activity) error {
	conv, found, err := loadConversation(ctx, c, id)
	if err != nil || !found {
		return err
	}
	raw, err := json.Marshal(act)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	delete(m, "route")
	conv.push(m, c.Clock())
	return saveConversation(ctx, c, *conv)
}

var errStateMissing = &fault.Error{Kind: fault.CapabilityMissing, Msg: "state capability not granted"}
