package teams

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host/hosttest"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/provider/graph"
	"github.com/nidhogg/msgproviders/internal/provider/providertest"
)

const tokenURL = graph.DefaultAuthBase + "/tid/oauth2/v2.0/token"

func baseConfig() map[string]any {
	return map[string]any{
		"tenant_id":       "tid",
		"client_id":       "cid",
		"public_base_url": "https://hooks.example.com",
		"team_id":         "t1",
		"channel_id":      "c1",
	}
}

func setup(t *testing.T) (*Adapter, *provider.Call, *hosttest.Host) {
	t.Helper()
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{graph.ClientSecretKey: "s"})
	h.HTTP.Reply("POST", tokenURL, 200, `{"access_token":"at","token_type":"Bearer","expires_in":3600}`)
	return a, c, h
}

func subscribe(t *testing.T, c *provider.Call, h *hosttest.Host, id, clientState string) {
	t.Helper()
	raw, err := canon.Marshal(envelope.SubscriptionRecord{SubscriptionID: id, ClientState: clientState})
	require.NoError(t, err)
	key := c.Spec.Scope(c.Tenant).StateKey("subscriptions/" + id)
	require.NoError(t, h.State.Write(t.Context(), key, raw, &c.Tenant))
}

func TestTarget(t *testing.T) {
	u, err := Target("https://g", envelope.Destination{ID: "t1:c1", Kind: envelope.KindChannel}, "")
	require.NoError(t, err)
	assert.Equal(t, "https://g/teams/t1/channels/c1/messages", u)

	u, err = Target("https://g", envelope.Destination{ID: "t1:c1", Kind: envelope.KindChannel}, "m0")
	require.NoError(t, err)
	assert.Equal(t, "https://g/teams/t1/channels/c1/messages/m0/replies", u)

	u, err = Target("https://g", envelope.Destination{ID: "19:abc@thread.v2", Kind: envelope.KindChat}, "")
	require.NoError(t, err)
	assert.Equal(t, "https://g/chats/19:abc@thread.v2/messages", u)

	_, err = Target("https://g", envelope.Destination{ID: "c1", Kind: envelope.KindChannel}, "")
	require.Error(t, err)
	_, err = Target("https://g", envelope.Destination{ID: "x", Kind: envelope.KindEmail}, "")
	require.Error(t, err)
}

func TestEncodeText(t *testing.T) {
	a, c, _ := setup(t)
	enc := providertest.Encode(t, a, c, providertest.Message(envelope.Teams, "hello"))
	body := providertest.Body(t, enc.Payload)
	assert.Equal(t, map[string]any{"contentType": "html", "content": "hello"}, body["body"])
	assert.Nil(t, body["attachments"])
	assert.Equal(t, graph.DefaultGraphBase+"/teams/t1/channels/c1/messages", enc.Payload.MetaString("url"))
}

func TestEncodeCard(t *testing.T) {
	a, c, _ := setup(t)
	msg := providertest.Message(envelope.Teams, "", envelope.Destination{ID: "19:x@thread.v2", Kind: envelope.KindChat})
	msg.SetMeta(envelope.MetaAdaptiveCard, `{"type":"AdaptiveCard","version":"1.5","body":[{"type":"TextBlock","text":"Hi"}]}`)

	enc := providertest.Encode(t, a, c, msg)
	var body ChatMessage
	raw, err := enc.Payload.Body()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &body))

	assert.Equal(t, `<attachment id="card1"></attachment>`, body.Body.Content)
	require.Len(t, body.Attachments, 1)
	assert.Equal(t, planner.AdaptiveCardContentType, body.Attachments[0].ContentType)
	var card map[string]any
	require.NoError(t, json.Unmarshal([]byte(body.Attachments[0].Content), &card))
	assert.Equal(t, "Hi", card["body"].([]any)[0].(map[string]any)["text"])
	assert.Equal(t, graph.DefaultGraphBase+"/chats/19:x@thread.v2/messages", enc.Payload.MetaString("url"))
}

func TestEncodeReply(t *testing.T) {
	a, c, _ := setup(t)
	msg := providertest.Message(envelope.Teams, "re", envelope.Destination{ID: "t2:c2", Kind: envelope.KindChannel})
	msg.ReplyScope = "root-1"
	enc := providertest.Encode(t, a, c, msg)
	assert.Equal(t, graph.DefaultGraphBase+"/teams/t2/channels/c2/messages/root-1/replies", enc.Payload.MetaString("url"))
}

func TestSend(t *testing.T) {
	a, c, h := setup(t)
	h.HTTP.Reply("POST", graph.DefaultGraphBase+"/teams/", 201, `{"id":"1700000000000"}`)

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Teams, "hello"))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "1700000000000", res.Message)
	assert.Equal(t, "Bearer at", h.HTTP.Last().Header("Authorization"))

	_, res = providertest.Send(t, a, c, providertest.Message(envelope.Teams, "again"))
	require.True(t, res.OK)
	assert.Equal(t, 3, h.HTTP.Calls(), "token is reused from the cache")
}

func TestSendUnauthorizedDropsToken(t *testing.T) {
	a, c, h := setup(t)
	h.HTTP.Reply("POST", graph.DefaultGraphBase+"/teams/", 401, `{"error":{"code":"InvalidAuthenticationToken","message":"expired"}}`)

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Teams, "hello"))
	assert.Equal(t, envelope.DomainFailure, res.State)
	assert.Contains(t, res.Error, "expired")

	_, res = providertest.Send(t, a, c, providertest.Message(envelope.Teams, "hello"))
	assert.False(t, res.OK)
	assert.Equal(t, 4, h.HTTP.Calls(), "a fresh token is requested after 401")
}

func TestRenewSubscription(t *testing.T) {
	a, c, h := setup(t)
	h.HTTP.Reply("PATCH", "https://graph.microsoft.com/v1.0/subscriptions/sub-1", 200, `{"id":"sub-1","expirationDateTime":"2025-12-02T00:00:00Z"}`)

	rec, err := a.RenewSubscription(t.Context(), c, envelope.SubscriptionRenewInV1{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", rec.SubscriptionID)
	assert.Equal(t, "2025-12-02T00:00:00Z", rec.ExpiresAt)
}

func TestIngestValidationToken(t *testing.T) {
	a, c, h := setup(t)
	in := providertest.Request("POST", "/teams", nil)
	in.Query = "validationToken=abc%20123"
	out := a.IngestHTTP(t.Context(), c, in)
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, "abc 123", string(providertest.ResponseBody(t, out)))
	assert.Empty(t, out.Events)
	assert.Zero(t, h.HTTP.Calls())
}

const notificationBody = `{"value":[{"subscriptionId":"sub-1","clientState":"cs","changeType":"created",
	"resource":"teams('t1')/channels('c1')/messages('m5')","resourceData":{"id":"m5"}}]}`

func TestIngestFetchesMessage(t *testing.T) {
	a, c, h := setup(t)
	subscribe(t, c, h, "sub-1", "cs")
	h.HTTP.Reply("GET", graph.DefaultGraphBase+"/teams('t1')/channels('c1')/messages('m5')", 200,
		`{"id":"m5","from":{"user":{"id":"u1","displayName":"Ann"}},"body":{"contentType":"html","content":"<p>hi &amp; bye</p>"},
		"channelIdentity":{"teamId":"t1","channelId":"c1"}}`)

	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/teams", []byte(notificationBody)))
	require.Equal(t, 202, out.Status)
	require.Len(t, out.Events, 1)
	ev := out.Events[0]
	assert.Equal(t, "hi & bye", ev.Text)
	assert.Equal(t, "t1:c1", ev.SessionID)
	assert.Equal(t, "u1", ev.From.ID)
	assert.Equal(t, "m5", ev.ReplyScope)
	assert.Equal(t, "m5", ev.Meta(MetaGraphMessageID))
	assert.Equal(t, "200", ev.Meta(MetaFetchStatus))
	assert.Equal(t, []envelope.Destination{{ID: "t1:c1", Kind: envelope.KindChannel}}, ev.To)
}

func TestIngestClientStateMismatch(t *testing.T) {
	a, c, h := setup(t)
	subscribe(t, c, h, "sub-1", "other")
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/teams", []byte(notificationBody)))
	assert.Equal(t, 403, out.Status)
	assert.Empty(t, out.Events)

	c2, _ := providertest.Call(t, a, baseConfig(), nil)
	out = a.IngestHTTP(t.Context(), c2, providertest.Request("POST", "/teams", []byte(notificationBody)))
	assert.Equal(t, 403, out.Status, "unknown subscriptions are rejected")
}

func TestIngestFetchFailure(t *testing.T) {
	a, c, h := setup(t)
	subscribe(t, c, h, "sub-1", "cs")
	h.HTTP.Reply("GET", graph.DefaultGraphBase+"/teams(", 404, `{"error":{"code":"NotFound","message":"no such message"}}`)

	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/teams", []byte(notificationBody)))
	assert.Equal(t, 502, out.Status)
	require.Len(t, out.Events, 1)
	assert.Empty(t, out.Events[0].Text)
	assert.Equal(t, "404", out.Events[0].Meta(MetaFetchStatus))
	assert.Contains(t, out.Events[0].Meta(MetaIngestError), "no such message")
	assert.Equal(t, "t1:c1", out.Events[0].SessionID)
}

func TestText(t *testing.T) {
	assert.Equal(t, "a\nb", Text(itemBody{ContentType: "html", Content: "<div>a<br>b</div>"}))
	assert.Equal(t, "<b>", Text(itemBody{ContentType: "text", Content: " <b> "}))
}
