package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/provider/providertest"
)

const signingKey = "test-signing-key"

func newCall(t *testing.T) (*provider.Call, *Adapter) {
	t.Helper()
	a := New()
	c, _ := providertest.Call(t, a, map[string]any{"public_base_url": "https://chat.example.com"}, map[string]string{
		a.Spec().Scope(providertest.Tenant).SecretKey(SigningKeyName): signingKey,
	})
	return c, a
}

func serve(t *testing.T, a *Adapter, c *provider.Call, method, path, token, body string, query ...string) (envelope.HttpOutV1, map[string]any) {
	t.Helper()
	var headers []envelope.Header
	if token != "" {
		headers = append(headers, envelope.Header{Name: "Authorization", Value: "Bearer " + token})
	}
	in := providertest.Request(method, path, []byte(body), headers...)
	if len(query) > 0 {
		in.Query = query[0]
	}
	out := a.IngestHTTP(context.Background(), c, in)
	var m map[string]any
	if raw := providertest.ResponseBody(t, out); len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &m))
	}
	return out, m
}

func token(t *testing.T, a *Adapter, c *provider.Call, user string) string {
	t.Helper()
	out, body := serve(t, a, c, "POST", "/webchat/v3/directline/tokens/generate", "", fmt.Sprintf(`{"user":{"id":%q}}`, user))
	require.Equal(t, 200, out.Status, body)
	return body["token"].(string)
}

func startConversation(t *testing.T, a *Adapter, c *provider.Call, user string) (string, string) {
	t.Helper()
	out, body := serve(t, a, c, "POST", "/webchat/v3/directline/conversations", token(t, a, c, user), "")
	require.Equal(t, 201, out.Status, body)
	return body["conversationId"].(string), body["token"].(string)
}

func TestEncodeCard(t *testing.T) {
	c, a := newCall(t)
	msg := providertest.Message(envelope.Webchat, "fallback")
	msg.SessionID = "conv-1"
	msg.SetMeta(envelope.MetaAdaptiveCard, `{"type":"AdaptiveCard","version":"1.4","body":[{"type":"TextBlock","text":"Hi"}]}`)

	enc := providertest.Encode(t, a, c, msg)
	assert.Equal(t, "webchat", enc.Payload.MetaString("route"))
	assert.Equal(t, "transport://webchat", enc.Payload.MetaString("url"))
	assert.Equal(t, "conv-1", enc.Payload.MetaString("conversation_id"))

	var act Activity
	raw, err := enc.Payload.Body()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &act))
	assert.Equal(t, "message", act.Type)
	assert.Equal(t, "bot", act.From.ID)
	require.Len(t, act.Attachments, 1)
	assert.Equal(t, "application/vnd.microsoft.card.adaptive", act.Attachments[0].ContentType)
	assert.Equal(t, "AdaptiveCard", act.Attachments[0].Content["type"])
}

func TestEncodeRouteFromDestination(t *testing.T) {
	c, a := newCall(t)
	enc := providertest.Encode(t, a, c, providertest.Message(envelope.Webchat, "hi", envelope.Destination{ID: "support"}))
	assert.Equal(t, "support", enc.Payload.MetaString("route"))
	body := providertest.Body(t, enc.Payload)
	assert.Equal(t, "hi", body["text"])
}

func TestSendPushesToTransport(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, map[string]any{"public_base_url": "https://chat.example.com"}, nil)
	enc, res := providertest.Send(t, a, c, providertest.Message(envelope.Webchat, "hello"))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, enc.Payload.MetaString("activity_id"), res.Message)
	require.Len(t, h.Transport.Pushes, 1)
	assert.Equal(t, "webchat", h.Transport.Pushes[0].Route)
}

func TestSendFallsBackToState(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, map[string]any{"public_base_url": "https://chat.example.com"}, nil)
	h.Transport.Err = errors.New("no listener")

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Webchat, "hello"))
	require.True(t, res.OK, res.Error)
	raw, ok, err := h.State.Read(context.Background(), c.Spec.Scope(c.Tenant).StateKey("routes/webchat"), &c.Tenant)
	require.NoError(t, err)
	require.True(t, ok)
	var parked Activity
	require.NoError(t, canon.Unmarshal(raw, &parked))
	assert.Equal(t, "hello", parked.Text)

	c.Host.Transport = nil
	c.Host.State = nil
	_, res = providertest.Send(t, a, c, providertest.Message(envelope.Webchat, "hello"))
	assert.False(t, res.OK)
}

func TestTokenGenerate(t *testing.T) {
	c, a := newCall(t)
	tok := token(t, a, c, "u1")

	var claims Claims
	_, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) { return []byte(signingKey), nil },
		jwt.WithTimeFunc(func() time.Time { return providertest.Now }))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "acme", claims.Tenant)
	assert.Empty(t, claims.Conv)
	assert.Equal(t, providertest.Now.Add(DefaultTTL), claims.ExpiresAt.Time.UTC())
}

func TestTokenRateLimit(t *testing.T) {
	c, a := newCall(t)
	for i := 0; i < 5; i++ {
		token(t, a, c, "u1")
	}
	out, body := serve(t, a, c, "POST", "/v3/directline/tokens/generate", "", `{"user":{"id":"u1"}}`)
	assert.Equal(t, 429, out.Status)
	assert.Equal(t, "rate_limited", body["error"])

	token(t, a, c, "u2")

	c.Now = func() time.Time { return providertest.Now.Add(time.Minute) }
	token(t, a, c, "u1")
}

func TestTokenMissingKey(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, map[string]any{"public_base_url": "https://chat.example.com"}, nil)
	out, body := serve(t, a, c, "POST", "/v3/directline/tokens/generate", "", "")
	assert.Equal(t, 500, out.Status)
	assert.Equal(t, "missing_secret", body["error"])
}

func TestConversationFlow(t *testing.T) {
	c, a := newCall(t)
	conv, tok := startConversation(t, a, c, "u1")

	out, body := serve(t, a, c, "POST", "/v3/directline/conversations/"+conv+"/activities", tok, `{"type":"message","text":"hi there","from":{"id":"u1"}}`)
	require.Equal(t, 201, out.Status, body)
	require.Len(t, out.Events, 1)
	ev := out.Events[0]
	assert.Equal(t, "hi there", ev.Text)
	assert.Equal(t, conv, ev.SessionID)
	assert.Equal(t, "u1", ev.From.ID)
	assert.Equal(t, body["id"], ev.Meta(envelope.MetaProviderMsgID))

	msg := providertest.Message(envelope.Webchat, "reply")
	msg.SessionID = conv
	_, res := providertest.Send(t, a, c, msg)
	require.True(t, res.OK, res.Error)

	out, body = serve(t, a, c, "GET", "/v3/directline/conversations/"+conv+"/activities", tok, "")
	require.Equal(t, 200, out.Status)
	assert.Equal(t, "2", body["watermark"])
	require.Len(t, body["activities"], 2)

	_, body = serve(t, a, c, "GET", "/v3/directline/conversations/"+conv+"/activities", tok, "", "watermark=1")
	acts := body["activities"].([]any)
	require.Len(t, acts, 1)
	assert.Equal(t, "reply", acts[0].(map[string]any)["text"])
	assert.Equal(t, "bot", acts[0].(map[string]any)["from"].(map[string]any)["id"])

	out, _ = serve(t, a, c, "GET", "/v3/directline/conversations/"+conv+"/activities", tok, "", "watermark=x")
	assert.Equal(t, 400, out.Status)

	raw, ok, err := c.Host.State.Read(context.Background(), conversationKey(c, conv), &c.Tenant)
	require.NoError(t, err)
	require.True(t, ok)
	var stored conversation
	require.NoError(t, canon.Unmarshal(raw, &stored))
	assert.Len(t, stored.Activities, 2)
}

func TestUnreadableConversationIsUnknown(t *testing.T) {
	c, a := newCall(t)
	conv, tok := startConversation(t, a, c, "u1")
	require.NoError(t, c.Host.State.Write(context.Background(), conversationKey(c, conv), []byte(`{"id":"x"}`), &c.Tenant))

	out, _ := serve(t, a, c, "GET", "/v3/directline/conversations/"+conv+"/activities", tok, "")
	assert.Equal(t, 404, out.Status)
}

func TestConversationAuth(t *testing.T) {
	c, a := newCall(t)
	conv, tok := startConversation(t, a, c, "u1")

	out, _ := serve(t, a, c, "POST", "/v3/directline/conversations", "", "")
	assert.Equal(t, 401, out.Status)

	out, _ = serve(t, a, c, "POST", "/v3/directline/conversations", "garbage", "")
	assert.Equal(t, 401, out.Status)

	out, _ = serve(t, a, c, "POST", "/v3/directline/conversations", tok, "")
	assert.Equal(t, 403, out.Status, "bound tokens cannot start conversations")

	other, _ := startConversation(t, a, c, "u2")
	out, _ = serve(t, a, c, "GET", "/v3/directline/conversations/"+other+"/activities", tok, "")
	assert.Equal(t, 403, out.Status)

	c.Tenant.Tenant = "globex"
	out, _ = serve(t, a, c, "GET", "/v3/directline/conversations/"+conv+"/activities", tok, "")
	assert.Equal(t, 403, out.Status)
}

func TestActivityAttachments(t *testing.T) {
	c, a := newCall(t)
	conv, tok := startConversation(t, a, c, "u1")
	out, body := serve(t, a, c, "POST", "/v3/directline/conversations/"+conv+"/activities", tok,
		`{"type":"message","attachments":[{"contentType":"application/x-msdownload","content":"x"}]}`)
	assert.Equal(t, 400, out.Status)
	assert.Contains(t, body["message"], "unsupported content type")

	out, _ = serve(t, a, c, "POST", "/v3/directline/conversations/"+conv+"/activities", tok,
		`{"type":"message","attachments":[{"contentType":"image/png","contentUrl":"https://x/y.png"}]}`)
	assert.Equal(t, 201, out.Status)
	assert.Empty(t, out.Events, "no text means no envelope")
}

func TestDirectLineRouting(t *testing.T) {
	c, a := newCall(t)
	out, _ := serve(t, a, c, "OPTIONS", "/v3/directline/conversations", "", "")
	assert.Equal(t, 204, out.Status)
	assert.Equal(t, "*", envelope.HeaderValue(out.Headers, "Access-Control-Allow-Origin"))

	out, _ = serve(t, a, c, "GET", "/v3/directline/tokens/generate", "", "")
	assert.Equal(t, 405, out.Status)
	out, _ = serve(t, a, c, "GET", "/v3/directline/conversations/x/stream", "", "")
	assert.Equal(t, 501, out.Status)
	out, _ = serve(t, a, c, "GET", "/v3/directline/bogus", "", "")
	assert.Equal(t, 404, out.Status)
}

func TestIngestPlainJSON(t *testing.T) {
	c, a := newCall(t)
	out, _ := serve(t, a, c, "POST", "/webchat/inbound", "", `{"text":"hello","user_id":"u9"}`)
	require.Equal(t, 200, out.Status)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "hello", out.Events[0].Text)
	assert.Equal(t, "u9", out.Events[0].From.ID)
	assert.Equal(t, "webchat", out.Events[0].Meta(envelope.MetaRoute))
}
