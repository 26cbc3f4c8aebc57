package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider/providertest"
)

const signingSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func baseConfig() map[string]any {
	return map[string]any{"public_base_url": "https://hooks.example.com"}
}

func sign(ts int64, body []byte) []envelope.Header {
	stamp := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte("v0:" + stamp + ":"))
	mac.Write(body)
	return []envelope.Header{
		{Name: "X-Slack-Request-Timestamp", Value: stamp},
		{Name: "X-Slack-Signature", Value: "v0=" + hex.EncodeToString(mac.Sum(nil))},
		{Name: "Content-Type", Value: "application/json"},
	}
}

func TestSendTextMessage(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "xoxb-1"})
	h.HTTP.Reply("POST", DefaultAPIBase+"/chat.postMessage", 200, `{"ok":true,"channel":"C123","ts":"1700000000.0001"}`)

	msg := providertest.Message(envelope.Slack, "hello", envelope.Destination{ID: "C123", Kind: envelope.KindChannel})
	enc, res := providertest.Send(t, a, c, msg)

	raw, err := enc.Payload.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"C123","text":"hello"}`, string(raw))

	req := h.HTTP.Last()
	assert.Equal(t, "https://slack.com/api/chat.postMessage", req.URL)
	assert.Equal(t, "Bearer xoxb-1", req.Header("Authorization"))
	assert.True(t, res.OK)
	assert.Equal(t, envelope.Sent, res.State)
	assert.Equal(t, "1700000000.0001", res.Message)
}

func TestSendUsesDefaultChannelAndThread(t *testing.T) {
	a := New()
	cfg := baseConfig()
	cfg["default_channel"] = "CDEF"
	c, _ := providertest.Call(t, a, cfg, nil)

	msg := providertest.Message(envelope.Slack, "hi")
	msg.ReplyScope = "1699.42"
	msg.SetMeta(MetaUsername, "deploy-bot")
	body := providertest.Body(t, providertest.Encode(t, a, c, msg).Payload)
	assert.Equal(t, "CDEF", body["channel"])
	assert.Equal(t, "1699.42", body["thread_ts"])
	assert.Equal(t, "deploy-bot", body["username"])
}

func TestSendWithoutDestination(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, baseConfig(), nil)
	_, err := providertest.TryEncode(a, c, providertest.Message(envelope.Slack, "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination")
}

func TestSendSlackErrorIsDomainFailure(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "xoxb-1"})
	h.HTTP.Reply("POST", DefaultAPIBase, 200, `{"ok":false,"error":"channel_not_found"}`)

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Slack, "x", envelope.Destination{ID: "C1"}))
	assert.False(t, res.OK)
	assert.Equal(t, envelope.DomainFailure, res.State)
	assert.False(t, res.Retryable)
	assert.Contains(t, res.Error, "channel_not_found")
}

func TestSendServerErrorIsRetryable(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "xoxb-1"})
	h.HTTP.Reply("POST", DefaultAPIBase, 503, `{"ok":false,"error":"service_unavailable"}`)

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Slack, "x", envelope.Destination{ID: "C1"}))
	assert.Equal(t, envelope.TransportFailure, res.State)
	assert.True(t, res.Retryable)
}

func TestSendClientErrorIsRetryable(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "xoxb-1"})
	h.HTTP.On("POST", DefaultAPIBase, func(host.Request) (*host.Response, error) {
		return nil, errors.New("connection reset by peer")
	})

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Slack, "x", envelope.Destination{ID: "C1"}))
	assert.False(t, res.OK)
	assert.Equal(t, envelope.TransportFailure, res.State)
	assert.True(t, res.Retryable)
}

func TestSendHostRefusalIsDomainFailure(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), map[string]string{BotTokenKey: "xoxb-1"})
	h.HTTP.Fail("POST", DefaultAPIBase, host.CodeDenied)

	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Slack, "x", envelope.Destination{ID: "C1"}))
	assert.Equal(t, envelope.DomainFailure, res.State)
	assert.False(t, res.Retryable)
}

func TestSendMissingToken(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), nil)
	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Slack, "x", envelope.Destination{ID: "C1"}))
	assert.False(t, res.OK)
	assert.Equal(t, envelope.Pending, res.State)
	assert.Zero(t, h.HTTP.Calls())
}

func TestEncodeCardAsBlockKit(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, baseConfig(), nil)
	msg := providertest.Message(envelope.Slack, "", envelope.Destination{ID: "C1"})
	msg.SetMeta(envelope.MetaAdaptiveCard, `{
		"type":"AdaptiveCard","version":"1.5",
		"body":[
			{"type":"TextBlock","text":"Build *42*","weight":"Bolder"},
			{"type":"FactSet","facts":[{"title":"Branch","value":"main"}]}
		],
		"actions":[
			{"type":"Action.OpenUrl","title":"Open","url":"https://ci/42"},
			{"type":"Action.Submit","title":"Retry","data":{"retry":true}}
		]}`)

	enc := providertest.Encode(t, a, c, msg)
	body := providertest.Body(t, enc.Payload)
	assert.NotEmpty(t, body["text"])
	blocks, ok := body["blocks"].([]any)
	require.True(t, ok)

	var types []string
	for _, b := range blocks {
		types = append(types, b.(map[string]any)["type"].(string))
	}
	assert.Equal(t, []string{"header", "section", "actions"}, types)

	buttons := blocks[2].(map[string]any)["elements"].([]any)
	require.Len(t, buttons, 2)
	assert.Equal(t, "https://ci/42", buttons[0].(map[string]any)["url"])
	assert.True(t, hasWarning(enc.Warnings, planner.WarnDownsampled))
}

func TestBlocksCapped(t *testing.T) {
	var content planner.Content
	for i := 0; i < 60; i++ {
		content.Blocks = append(content.Blocks, planner.Block{Kind: planner.Paragraph, Spans: []planner.Span{{Text: "p"}}})
	}
	blocks, warns := Blocks(planner.Result{Content: content, HasCard: true}, planner.ChannelDefaults(envelope.Slack))
	assert.Len(t, blocks, maxBlocks)
	require.Len(t, warns, 1)
	assert.Equal(t, planner.WarnDownsampled, warns[0].Code)
}

func TestIngestURLVerification(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, baseConfig(), map[string]string{SigningSecretKey: signingSecret})
	body := []byte(`{"type":"url_verification","token":"t","challenge":"abc123"}`)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/slack", body, sign(providertest.Now.Unix(), body)...))

	assert.Equal(t, 200, out.Status)
	assert.Empty(t, out.Events)
	var got map[string]string
	require.NoError(t, json.Unmarshal(providertest.ResponseBody(t, out), &got))
	assert.Equal(t, "abc123", got["challenge"])
}

func TestIngestMessageEvent(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, baseConfig(), map[string]string{SigningSecretKey: signingSecret})
	body := []byte(`{"type":"event_callback","team_id":"T1","event":{"type":"message","channel":"C9","user":"U7","text":"ping","ts":"1700.5","thread_ts":"1700.1"}}`)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/slack", body, sign(providertest.Now.Unix(), body)...))

	require.Equal(t, 200, out.Status)
	require.Len(t, out.Events, 1)
	ev := out.Events[0]
	assert.Equal(t, "ping", ev.Text)
	assert.Equal(t, "C9", ev.SessionID)
	assert.Equal(t, "1700.1", ev.ReplyScope)
	assert.Equal(t, "U7", ev.From.ID)
	assert.Equal(t, "1700.5", ev.Meta(envelope.MetaProviderMsgID))
	assert.Equal(t, envelope.Slack, ev.Channel)
}

func TestIngestSkipsBotMessages(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, baseConfig(), map[string]string{SigningSecretKey: signingSecret})
	body := []byte(`{"type":"event_callback","event":{"type":"message","channel":"C9","bot_id":"B1","text":"echo","ts":"1.2"}}`)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/slack", body, sign(providertest.Now.Unix(), body)...))
	assert.Equal(t, 200, out.Status)
	assert.Empty(t, out.Events)
}

func TestIngestStaleSignature(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, baseConfig(), map[string]string{SigningSecretKey: signingSecret})
	body := []byte(`{"type":"event_callback","event":{"type":"message","channel":"C9","user":"U7","text":"ping","ts":"1.2"}}`)
	old := providertest.Now.Unix() - 600
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/slack", body, sign(old, body)...))

	assert.Equal(t, 401, out.Status)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"events":[]`)
}

func TestIngestBadSignature(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, baseConfig(), map[string]string{SigningSecretKey: signingSecret})
	body := []byte(`{"type":"event_callback","event":{"type":"message","channel":"C9","user":"U7","text":"ping","ts":"1.2"}}`)
	headers := sign(providertest.Now.Unix(), []byte(`{"tampered":true}`))
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/slack", body, headers...))
	assert.Equal(t, 401, out.Status)
	assert.Empty(t, out.Events)
}

func TestIngestWithoutSecretIsRejected(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, baseConfig(), nil)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/slack", []byte(`{"channel":"C1","user":"U1","text":"yo"}`)))
	assert.Equal(t, 401, out.Status)
	assert.Empty(t, out.Events)
	assert.Contains(t, h.Telemetry.Names(), "slack.ingest.rejected")
}

func TestIngestFlatBodyWithoutSecret(t *testing.T) {
	a := New()
	cfg := baseConfig()
	cfg["allow_unverified"] = true
	c, h := providertest.Call(t, a, cfg, nil)
	out := a.IngestHTTP(t.Context(), c, providertest.Request("POST", "/slack", []byte(`{"channel":"C1","user":"U1","text":"yo"}`)))
	require.Len(t, out.Events, 1)
	assert.Equal(t, "yo", out.Events[0].Text)
	assert.Contains(t, h.Telemetry.Names(), "slack.ingest.unverified")
}

func hasWarning(ws []envelope.Warning, code string) bool {
	for _, w := range ws {
		if w.Code == code {
			return true
		}
	}
	return false
}
