package webex

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider/providertest"
)

func baseConfig() map[string]any {
	return map[string]any{"public_base_url": "https://hooks.example.com"}
}

var (
	roomID   = base64.RawURLEncoding.EncodeToString([]byte("ciscospark://us/ROOM/5b1c"))
	personID = base64.RawURLEncoding.EncodeToString([]byte("ciscospark://us/PEOPLE/77aa"))
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, envelope.KindEmail, KindOf("ann@example.com"))
	assert.Equal(t, envelope.KindRoom, KindOf(roomID))
	assert.Equal(t, envelope.KindPerson, KindOf(personID))
	assert.Equal(t, envelope.KindPerson, KindOf("opaque-id"))
}

func TestIngestFetchesMessage(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "wx"})
	h.HTTP.Reply("GET", DefaultAPIBase+"/messages/m1", 200, `{"id":"m1","markdown":"hi","personEmail":"a@b","roomId":"r1"}`)

	body := []byte(`{"resource":"messages","event":"created","data":{"id":"m1","roomId":"r1"}}`)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/webex", body))

	require.Equal(t, 200, out.Status)
	require.Len(t, out.Events, 1)
	ev := out.Events[0]
	assert.Equal(t, "hi", ev.Text)
	assert.Equal(t, "a@b", ev.From.ID)
	assert.Equal(t, "r1", ev.SessionID)
	assert.Equal(t, "webex-m1", ev.ID)
	assert.Equal(t, "m1", ev.Meta(MetaMessageID))
	assert.Equal(t, "messages", ev.Meta(MetaResource))
	assert.Equal(t, "r1", ev.Meta(MetaRoomID))
	assert.Equal(t, "200", ev.Meta(MetaFetchStatus))
	assert.Equal(t, "false", ev.Meta(MetaHasAttachments))
	assert.Equal(t, "Bearer wx", h.HTTP.Last().Header("Authorization"))
}

func TestIngestFetchFailure(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "wx"})
	h.HTTP.Reply("GET", DefaultAPIBase+"/messages/", 404, `{"message":"not found"}`)

	body := []byte(`{"resource":"messages","event":"created","data":{"id":"m2","roomId":"r1","personEmail":"a@b"}}`)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/webex", body))

	assert.Equal(t, 502, out.Status)
	require.Len(t, out.Events, 1)
	assert.Empty(t, out.Events[0].Text)
	assert.Contains(t, out.Events[0].Meta(MetaIngestError), "not found")
	assert.Equal(t, "404", out.Events[0].Meta(MetaFetchStatus))
}

func TestIngestWithoutToken(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), nil)
	body := []byte(`{"resource":"messages","event":"created","data":{"id":"m3"}}`)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/webex", body))
	assert.Equal(t, 502, out.Status)
	require.Len(t, out.Events, 1)
	assert.Contains(t, out.Events[0].Meta(MetaIngestError), "missing secret")
	assert.Zero(t, h.HTTP.Calls())

	body = []byte(`{"resource":"attachmentActions","event":"created","data":{"id":"act2"}}`)
	out = a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/webex", body))
	assert.Equal(t, 502, out.Status)
	assert.Zero(t, h.HTTP.Calls())
}

func TestIngestAttachments(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "wx"})
	h.HTTP.Reply("GET", DefaultAPIBase+"/messages/m4", 200, `{"id":"m4","text":"see file","roomId":"r1","parentId":"p0",
		"attachments":[{"contentType":"image/png","contentUrl":"https://files/1.png","name":"1.png","size":12}]}`)

	body := []byte(`{"resource":"messages","event":"created","data":{"id":"m4","roomId":"r1"}}`)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/webex", body))
	require.Len(t, out.Events, 1)
	ev := out.Events[0]
	assert.Equal(t, "see file", ev.Text)
	assert.Equal(t, "p0", ev.ReplyScope)
	require.Len(t, ev.Attachments, 1)
	assert.Equal(t, "https://files/1.png", ev.Attachments[0].URL)
	assert.Equal(t, int64(12), ev.Attachments[0].SizeBytes)
	assert.Equal(t, "true", ev.Meta(MetaHasAttachments))
	assert.Equal(t, "image/png", ev.Meta(MetaAttachmentTypes))
}

func TestIngestCardSubmit(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "wx"})
	h.HTTP.Reply("GET", DefaultAPIBase+"/attachment/actions/act1", 200, `{"id":"act1","type":"submit","messageId":"m9","roomId":"r1","inputs":{"choice":"yes"}}`)

	body := []byte(`{"resource":"attachmentActions","event":"created","data":{"id":"act1","roomId":"r1","personId":"p1"}}`)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/webex", body))
	require.Equal(t, 200, out.Status)
	require.Len(t, out.Events, 1)
	assert.JSONEq(t, `{"choice":"yes"}`, out.Events[0].Text)
	assert.Equal(t, "m9", out.Events[0].ReplyScope)
	assert.Equal(t, "p1", out.Events[0].From.ID)
}

func TestIngestSignature(t *testing.T) {
	a := New()
	cfg := baseConfig()
	cfg["webhook_secret"] = "whsec"
	c, _ := providertest.Call(t, a, cfg, nil)
	body := []byte(`{"resource":"memberships","event":"created","data":{"id":"x","roomId":"r1"}}`)

	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/webex", body, envelope.Header{Name: SignatureHeader, Value: "deadbeef"}))
	assert.Equal(t, 401, out.Status)

	out = a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/webex", body, envelope.Header{Name: SignatureHeader, Value: Signature("whsec", body)}))
	assert.Equal(t, 200, out.Status)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "memberships", out.Events[0].Meta(MetaResource))
}

func TestEncodeClampsCardVersion(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, baseConfig(), nil)
	msg := providertest.Message(envelope.Webex, "", envelope.Destination{ID: roomID})
	msg.SetMeta(envelope.MetaAdaptiveCard, `{"type":"AdaptiveCard","version":"1.4","body":[{"type":"TextBlock","text":"Deploy done"}]}`)

	enc := providertest.Encode(t, a, c, msg)
	var body Message
	raw, err := enc.Payload.Body()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &body))

	assert.Equal(t, roomID, body.RoomID)
	require.Len(t, body.Attachments, 1)
	assert.Equal(t, planner.AdaptiveCardContentType, body.Attachments[0].ContentType)
	assert.Equal(t, "1.3", body.Attachments[0].Content["version"])
	assert.Equal(t, "Deploy done", body.Markdown)
	assert.Equal(t, DefaultAPIBase+"/messages", enc.Payload.MetaString("url"))
}

func TestEncodeDestinations(t *testing.T) {
	a := New()
	cfg := baseConfig()
	cfg["default_to_person_email"] = "ops@example.com"
	c, _ := providertest.Call(t, a, cfg, nil)

	body := providertest.Body(t, providertest.Encode(t, a, c, providertest.Message(envelope.Webex, "hey")).Payload)
	assert.Equal(t, "ops@example.com", body["toPersonEmail"])
	assert.Equal(t, "hey", body["markdown"])

	msg := providertest.Message(envelope.Webex, "dm", envelope.Destination{ID: personID})
	msg.SetMeta(envelope.MetaParentID, "parent-1")
	body = providertest.Body(t, providertest.Encode(t, a, c, msg).Payload)
	assert.Equal(t, personID, body["toPersonId"])
	assert.Equal(t, "parent-1", body["parentId"])
	assert.Nil(t, body["roomId"])
}

func TestSend(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "wx"})
	h.HTTP.Reply("POST", DefaultAPIBase+"/messages", 200, `{"id":"Y2lzY29zcGFyazovL3VzL01FU1NBR0UvMQ"}`)

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Webex, "hello", envelope.Destination{ID: roomID}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "Y2lzY29zcGFyazovL3VzL01FU1NBR0UvMQ", res.Message)
	assert.Equal(t, "Bearer wx", h.HTTP.Last().Header("Authorization"))
}

func TestSendRejected(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "wx"})
	h.HTTP.Reply("POST", DefaultAPIBase+"/messages", 400, `{"message":"Unable to post message to room"}`)

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Webex, "hello", envelope.Destination{ID: roomID}))
	assert.Equal(t, envelope.DomainFailure, res.State)
	assert.Contains(t, res.Error, "Unable to post message")
}
