package runtime

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host/hosttest"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/provider/dummy"
	"github.com/nidhogg/msgproviders/internal/provider/slack"
)

var tenant = envelope.TenantCtx{Env: "dev", Tenant: "acme"}

func slackGuest(t *testing.T) (*Guest, *hosttest.Host) {
	t.Helper()
	h := hosttest.New(map[string]string{slack.BotTokenKey: "xoxb-1"})
	g := New(slack.New(), h.Bindings(),
		WithTenant(tenant),
		WithLogger(zap.NewNop()),
		WithConfig(map[string]any{"public_base_url": "https://hooks.example.com"}),
	)
	return g, h
}

func cbor(t *testing.T, v any) []byte {
	t.Helper()
	out, err := canon.Marshal(v)
	require.NoError(t, err)
	return out
}

func result(t *testing.T, out []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, canon.Unmarshal(out, &m))
	return m
}

func sendInput() map[string]any {
	return map[string]any{
		"message": map[string]any{
			"id":      "m1",
			"channel": "slack",
			"text":    "hello",
			"to":      []any{map[string]any{"id": "C123", "kind": "channel"}},
		},
	}
}

func TestSendSlack(t *testing.T) {
	g, h := slackGuest(t)
	h.HTTP.Reply("POST", slack.DefaultAPIBase+"/chat.postMessage", 200, `{"ok":true,"channel":"C123","ts":"1700000000.0001"}`)

	out := result(t, g.Invoke("send", cbor(t, sendInput())))
	assert.Equal(t, true, out["ok"], out["error"])
	assert.Equal(t, "1700000000.0001", out["message_id"])
	assert.Equal(t, "sent", out["state"])
	assert.Equal(t, "Bearer xoxb-1", h.HTTP.Last().Header("Authorization"))
}

func TestRunMatchesSend(t *testing.T) {
	g, h := slackGuest(t)
	h.HTTP.Reply("POST", slack.DefaultAPIBase, 200, `{"ok":true,"ts":"1.2"}`)
	in := cbor(t, sendInput())
	assert.Equal(t, g.Invoke("send", in), g.Invoke("run", in))
	assert.Equal(t, 2, h.HTTP.Calls())
}

func TestSyntheticEnvelope(t *testing.T) {
	g, h := slackGuest(t)
	h.HTTP.Reply("POST", slack.DefaultAPIBase, 200, `{"ok":true,"ts":"1.2"}`)
	out := result(t, g.Invoke("send", cbor(t, map[string]any{"to": "C9", "text": "hi"})))
	require.Equal(t, true, out["ok"], out["error"])
	assert.Contains(t, string(h.HTTP.Last().Body), `"channel":"C9"`)
}

func TestReplyRequiresTarget(t *testing.T) {
	g, h := slackGuest(t)
	out := result(t, g.Invoke("reply", cbor(t, sendInput())))
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "reply requires reply_scope or metadata.reply_to_id", out["error"])

	h.HTTP.Reply("POST", slack.DefaultAPIBase, 200, `{"ok":true,"ts":"1.3"}`)
	in := sendInput()
	in["thread_id"] = "1.1"
	out = result(t, g.Invoke("reply", cbor(t, in)))
	require.Equal(t, true, out["ok"], out["error"])
	assert.Contains(t, string(h.HTTP.Last().Body), `"thread_ts":"1.1"`)
}

func TestDisabledByConfig(t *testing.T) {
	g, h := slackGuest(t)
	in := sendInput()
	in["config"] = map[string]any{"enabled": false, "public_base_url": "https://hooks.example.com"}
	out := result(t, g.Invoke("send", cbor(t, in)))
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "provider disabled by config", out["error"])
	assert.Zero(t, h.HTTP.Calls())
}

func TestMissingSecretIsStructured(t *testing.T) {
	h := hosttest.New(nil)
	g := New(slack.New(), h.Bindings(), WithTenant(tenant), WithConfig(map[string]any{"public_base_url": "https://hooks.example.com"}))
	out := result(t, g.Invoke("send", cbor(t, sendInput())))
	assert.Equal(t, false, out["ok"])
	ms, ok := out["error"].(map[string]any)["MissingSecret"].(map[string]any)
	require.True(t, ok, out["error"])
	assert.Equal(t, slack.BotTokenKey, ms["name"])
}

func TestInvalidConfigRejected(t *testing.T) {
	g, _ := slackGuest(t)
	in := sendInput()
	in["config"] = map[string]any{"public_base_url": "https://hooks.example.com", "bogus": 1}
	out := result(t, g.Invoke("send", cbor(t, in)))
	assert.Equal(t, false, out["ok"])
	assert.Contains(t, out["error"], "invalid config")
}

func TestInvokeEdges(t *testing.T) {
	g, h := slackGuest(t)

	out := result(t, g.Invoke("frobnicate", cbor(t, map[string]any{})))
	assert.Equal(t, map[string]any{"ok": false, "error": "unsupported op: frobnicate"}, out)

	out = result(t, g.Invoke("subscription_ensure", cbor(t, map[string]any{})))
	assert.Equal(t, "unsupported op: subscription_ensure", out["error"])

	out = result(t, g.Invoke("send", []byte{0xff, 0x00}))
	assert.Contains(t, out["error"], "invalid input cbor")

	out = result(t, g.Invoke("send", make([]byte, canon.MaxDocument+1)))
	assert.Equal(t, "payload too large", out["error"])
	assert.Zero(t, h.HTTP.Calls())

	for _, op := range []string{"SEND", "Send", " send ", "send-payload", "Ingest-HTTP"} {
		out = result(t, g.Invoke(op, cbor(t, map[string]any{})))
		assert.Equal(t, "unsupported op: "+op, out["error"], op)
	}
	assert.Zero(t, h.HTTP.Calls())

	out = result(t, g.Invoke("ingest_http", cbor(t, map[string]any{"method": "GET", "path": "/", "headers": []any{}})))
	assert.NotContains(t, out, "error")
}

type panicky struct{ *dummy.Adapter }

func (panicky) Encode(context.Context, *provider.Call, envelope.ChannelMessageEnvelope, planner.Result) (provider.Encoded, error) {
	panic("boom\nsecond line")
}

func TestPanicIsTrapped(t *testing.T) {
	h := hosttest.New(nil)
	g := New(panicky{dummy.New()}, h.Bindings(), WithTenant(tenant))
	in := map[string]any{"to": "u1", "text": "hi"}
	out := result(t, g.Invoke("send", cbor(t, in)))
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "provider panicked: boom second line", out["error"])
}

func TestRenderPlanAndEncode(t *testing.T) {
	g, _ := slackGuest(t)
	msg := sendInput()["message"]

	out := result(t, g.Invoke("render_plan", cbor(t, map[string]any{"message": msg})))
	require.Equal(t, true, out["ok"], out["error"])
	planJSON := out["plan"].(map[string]any)["plan_json"].(string)
	plan, err := planner.ParsePlan(planJSON)
	require.NoError(t, err)
	assert.Equal(t, "hello", plan.SummaryText)
	assert.NotEmpty(t, plan.Tier)

	out = result(t, g.Invoke("encode", cbor(t, map[string]any{"message": msg, "plan": map[string]any{"plan_json": planJSON}})))
	require.Equal(t, true, out["ok"], out["error"])
	payload := out["payload"].(map[string]any)
	body, err := base64.StdEncoding.DecodeString(payload["body_b64"].(string))
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"C123","text":"hello"}`, string(body))

	out = result(t, g.Invoke("encode", cbor(t, map[string]any{"message": msg, "plan": map[string]any{"plan_json": "{"}})))
	assert.Equal(t, false, out["ok"])
}

func TestEncodeUsesSuppliedPlan(t *testing.T) {
	g, _ := slackGuest(t)
	msg := sendInput()["message"]

	out := result(t, g.Invoke("render_plan", cbor(t, map[string]any{"message": msg})))
	require.Equal(t, true, out["ok"], out["error"])
	plan, err := planner.ParsePlan(out["plan"].(map[string]any)["plan_json"].(string))
	require.NoError(t, err)
	assert.Empty(t, plan.Warnings)

	plan.Warnings = append(plan.Warnings, envelope.Warning{Code: "reviewed", Message: "approved upstream"})
	js, err := plan.JSON()
	require.NoError(t, err)
	out = result(t, g.Invoke("encode", cbor(t, map[string]any{"message": msg, "plan": map[string]any{"plan_json": js}})))
	require.Equal(t, true, out["ok"], out["error"])
	warnings := out["warnings"].([]any)
	require.Len(t, warnings, 1)
	assert.Equal(t, "reviewed", warnings[0].(map[string]any)["code"])

	plan.Tier = planner.TierA
	js, err = plan.JSON()
	require.NoError(t, err)
	out = result(t, g.Invoke("encode", cbor(t, map[string]any{"message": msg, "plan": map[string]any{"plan_json": js}})))
	assert.Equal(t, false, out["ok"])
	assert.Contains(t, out["error"], "plan tier TierA does not fit")
}

func TestSendPayloadOp(t *testing.T) {
	h := hosttest.New(nil)
	g := New(dummy.New(), h.Bindings(), WithTenant(tenant))
	enc := result(t, g.Invoke("encode", cbor(t, map[string]any{"message": map[string]any{"text": "ping", "to": []any{map[string]any{"id": "u1"}}}})))
	require.Equal(t, true, enc["ok"], enc["error"])

	out := result(t, g.Invoke("send_payload", cbor(t, map[string]any{"provider_type": dummy.ProviderType, "payload": enc["payload"]})))
	assert.Equal(t, true, out["ok"], out["error"])
	assert.Len(t, out["message"], 64)

	out = result(t, g.Invoke("send_payload", cbor(t, map[string]any{"provider_type": "messaging.other", "payload": enc["payload"]})))
	assert.Equal(t, false, out["ok"])
}

func TestIngestFillsTenantAndChannel(t *testing.T) {
	h := hosttest.New(nil)
	g := New(dummy.New(), h.Bindings(), WithTenant(tenant))
	in := map[string]any{
		"method":   "POST",
		"path":     "/room",
		"headers":  []any{},
		"body_b64": base64.StdEncoding.EncodeToString([]byte("hi")),
	}
	var out envelope.HttpOutV1
	require.NoError(t, canon.Unmarshal(g.Invoke("ingest_http", cbor(t, in)), &out))
	assert.Equal(t, 200, out.Status)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "acme", out.Events[0].Tenant.Tenant)
	assert.Equal(t, envelope.Dummy, out.Events[0].Channel)
}

func TestHealthAndValidate(t *testing.T) {
	g, _ := slackGuest(t)
	out := result(t, g.Invoke("healthcheck", nil))
	assert.Equal(t, map[string]any{"ok": true, "provider": "messaging-provider-slack", "status": "healthy"}, out)

	out = result(t, g.Invoke("validate_config", cbor(t, map[string]any{"config": map[string]any{"public_base_url": "https://x.example.com"}})))
	require.Equal(t, true, out["ok"], out["error"])
	assert.Equal(t, slack.DefaultAPIBase, out["config"].(map[string]any)["api_base_url"])

	out = result(t, g.Invoke("validate_config", cbor(t, map[string]any{"api_base_url": "https://x.example.com"})))
	assert.Equal(t, false, out["ok"])
	assert.Contains(t, out["error"], "public_base_url")
}

func TestDescribeAndI18n(t *testing.T) {
	g, _ := slackGuest(t)
	var d struct {
		Provider   string `json:"provider"`
		SchemaHash string `json:"schema_hash"`
	}
	require.NoError(t, canon.Unmarshal(g.Describe(), &d))
	assert.Equal(t, "messaging-provider-slack", d.Provider)
	assert.Len(t, d.SchemaHash, 64)
	assert.Equal(t, g.Describe(), g.Describe())

	keys := g.I18nKeys()
	require.NotEmpty(t, keys)
	b := result(t, g.I18nBundle("fr"))
	assert.Equal(t, "fr", b["locale"])
	assert.Len(t, b["messages"], len(keys))
}

func TestQaAndAnswers(t *testing.T) {
	g, _ := slackGuest(t)
	raw, err := g.QaSpec("setup")
	require.NoError(t, err)
	spec := result(t, raw)
	assert.Equal(t, "setup", spec["mode"])
	assert.NotEmpty(t, spec["questions"])

	_, err = g.QaSpec("sideways")
	assert.Error(t, err)

	out := result(t, g.ApplyAnswers("setup", cbor(t, map[string]any{"public_base_url": "https://hooks.example.com"})))
	require.Equal(t, true, out["ok"], out["error"])
	assert.Equal(t, slack.DefaultAPIBase, out["config"].(map[string]any)["api_base_url"])

	out = result(t, g.ApplyAnswers("remove", nil))
	require.Equal(t, true, out["ok"])
	remove := out["remove"].(map[string]any)
	assert.Equal(t, true, remove["remove_all"])
	var cleanup []string
	for _, s := range remove["cleanup"].([]any) {
		cleanup = append(cleanup, s.(string))
	}
	assert.Equal(t, g.Spec().CleanupPlan(), cleanup)
	_, hasConfig := out["config"]
	assert.False(t, hasConfig)

	out = result(t, g.ApplyAnswers("setup", []byte{0x01}))
	assert.Equal(t, false, out["ok"])
}
