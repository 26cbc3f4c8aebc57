package provider_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/provider/dummy"
	"github.com/nidhogg/msgproviders/internal/provider/providertest"
)

func TestOpsAndDescribe(t *testing.T) {
	spec := dummy.New().Spec()
	assert.Equal(t, []string{"run", "send", "reply", "ingest_http", "render_plan", "encode", "send_payload", "healthcheck", "validate_config"}, spec.Ops())

	spec.Subscriptions = true
	assert.Contains(t, spec.Ops(), provider.OpSubscriptionRenew)
	assert.Equal(t, "messaging-provider-dummy", spec.ID())

	d := spec.Describe()
	require.NotEmpty(t, d.Operations)
	assert.Equal(t, "dummy.op.run.title", d.Operations[0].Title)
}

func TestSettingsAndDefaults(t *testing.T) {
	spec := dummy.New().Spec()
	all := spec.AllSettings()
	require.NotEmpty(t, all)
	assert.Equal(t, "enabled", all[0].Name)
	assert.Equal(t, map[string]any{"enabled": true}, spec.Defaults())
}

func TestCatalogCoversUsedKeys(t *testing.T) {
	spec := dummy.New().Spec()
	cat := spec.Catalog()
	require.NoError(t, cat.Check(spec.UsedKeys()))
	assert.Contains(t, spec.I18nKeys(), "dummy.op.send.title")
	assert.Equal(t, "Nachricht senden", cat.Bundle("de").Messages["dummy.op.send.title"])
	assert.Equal(t, "Send message", cat.Bundle("fr").Messages["dummy.op.send.title"])
}

func TestDestination(t *testing.T) {
	msg := providertest.Message(envelope.Slack, "hi", envelope.Destination{ID: " C1 "})
	d, err := provider.Destination(&msg, "", envelope.KindChannel)
	require.NoError(t, err)
	assert.Equal(t, envelope.Destination{ID: "C1", Kind: envelope.KindChannel}, d)

	msg = providertest.Message(envelope.Slack, "hi")
	d, err = provider.Destination(&msg, "CDEF", envelope.KindChannel)
	require.NoError(t, err)
	assert.Equal(t, "CDEF", d.ID)

	_, err = provider.Destination(&msg, "", envelope.KindChannel)
	assert.Equal(t, fault.Input, fault.KindOf(err))

	msg = providertest.Message(envelope.Slack, "hi", envelope.Destination{ID: "x", Kind: "pigeon"})
	_, err = provider.Destination(&msg, "", envelope.KindChannel)
	assert.Error(t, err)
}

func TestSecretResolution(t *testing.T) {
	a := dummy.New()
	scoped := a.Spec().Scope(providertest.Tenant).SecretKey("TOKEN")
	c, _ := providertest.Call(t, a, nil, map[string]string{scoped: "scoped", "TOKEN": "bare", "OTHER": "other"})
	ctx := context.Background()

	v, err := c.Secret(ctx, "TOKEN", "")
	require.NoError(t, err)
	assert.Equal(t, "scoped", v)

	v, err = c.Secret(ctx, "TOKEN", " configured ")
	require.NoError(t, err)
	assert.Equal(t, "configured", v)

	v, err = c.Secret(ctx, "OTHER", "")
	require.NoError(t, err)
	assert.Equal(t, "other", v)

	_, err = c.Secret(ctx, "MISSING", "")
	assert.Equal(t, fault.MissingSecret, fault.KindOf(err))
	v, err = c.OptionalSecret(ctx, "MISSING", "")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestFailedMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		state     envelope.EgressState
		retryable bool
	}{
		{"timeout", host.Errorf(host.CodeTimeout, "slow"), envelope.TransportFailure, true},
		{"unavailable", host.Errorf(host.CodeUnavailable, "down"), envelope.TransportFailure, true},
		{"denied", host.Errorf(host.CodeDenied, "egress blocked"), envelope.DomainFailure, false},
		{"invalid", host.Errorf(host.CodeInvalid, "bad url"), envelope.DomainFailure, false},
		{"too large", host.Errorf(host.CodeTooLarge, "response body"), envelope.DomainFailure, false},
		{"transport fault", fault.Transportf("503"), envelope.TransportFailure, true},
		{"domain fault", fault.Domainf("400"), envelope.DomainFailure, false},
		{"input", fault.Inputf("bad"), envelope.Pending, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := provider.Failed(tc.err)
			assert.False(t, res.OK)
			assert.Equal(t, tc.state, res.State)
			assert.Equal(t, tc.retryable, res.Retryable)
			assert.Equal(t, res.State == envelope.TransportFailure, res.Retryable)
		})
	}

	res := provider.Failed(fault.Secret("TOKEN", "messaging/slack/acme"))
	assert.IsType(t, map[string]any{}, res.Error)
}

func TestClassify(t *testing.T) {
	id := provider.JSONID("result.message_id")
	res := provider.Classify("X", &host.Response{Status: 200, Body: []byte(`{"result":{"message_id":42}}`)}, id)
	require.True(t, res.OK)
	assert.Equal(t, "42", res.Message)

	res = provider.Classify("X", &host.Response{Status: 200, Body: []byte(`{}`)}, id)
	require.True(t, res.OK)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, planner.WarnMessageIDUnknown, res.Warnings[0].Code)

	res = provider.Classify("X", &host.Response{Status: 400, Body: []byte(`{"error":{"message":"bad channel"}}`)}, id)
	assert.Equal(t, envelope.DomainFailure, res.State)
	assert.Equal(t, "X returned status 400: bad channel", res.Error)

	res = provider.Classify("X", &host.Response{Status: 502}, id)
	assert.Equal(t, envelope.TransportFailure, res.State)
	assert.True(t, res.Retryable)

	res = provider.Classify("X", &host.Response{Status: 200, Body: []byte(`{"ok":false}`)}, func(*host.Response) (string, error) {
		return "", fault.Inputf("not ok")
	})
	assert.Equal(t, envelope.DomainFailure, res.State)
}

func TestErrorDetail(t *testing.T) {
	assert.Equal(t, "a", provider.ErrorDetail([]byte(`{"error":"a"}`)))
	assert.Equal(t, "b", provider.ErrorDetail([]byte(`{"error":{"message":"b","code":1}}`)))
	assert.Equal(t, "c", provider.ErrorDetail([]byte(`{"message":"c"}`)))
	assert.Equal(t, "d", provider.ErrorDetail([]byte(`{"ok":false,"description":"d"}`)))
	assert.Empty(t, provider.ErrorDetail([]byte(`not json`)))
}

func TestPayloadBody(t *testing.T) {
	spec := dummy.New().Spec()
	p, err := provider.JSONPayload(map[string]string{"a": "b"}, provider.Route("POST", "https://x"))
	require.NoError(t, err)

	_, err = provider.PayloadBody(spec, envelope.SendPayloadInV1{ProviderType: "messaging.slack.api", Payload: p})
	assert.ErrorContains(t, err, "provider type mismatch")

	body, err := provider.PayloadBody(spec, envelope.SendPayloadInV1{ProviderType: spec.ProviderType, Payload: p})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(body))

	req, err := provider.Request(p, body, provider.Bearer("t"))
	require.NoError(t, err)
	assert.Equal(t, "https://x", req.URL)
	assert.Equal(t, "Bearer t", req.Header("Authorization"))
	assert.Equal(t, "application/json", req.Header("Content-Type"))
}

func TestHubSignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	sig := provider.HubSignature("s3cret", body)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, provider.VerifyHubSignature("s3cret", body, sig))
	assert.False(t, provider.VerifyHubSignature("other", body, sig))
	assert.False(t, provider.VerifyHubSignature("", body, sig))
}

func TestRoundTripper(t *testing.T) {
	a := dummy.New()
	c, h := providertest.Call(t, a, nil, nil)
	h.HTTP.On("POST", "https://api.example.com/", func(req host.Request) (*host.Response, error) {
		assert.Equal(t, "v", req.Header("X-Test"))
		assert.Equal(t, "payload", string(req.Body))
		return &host.Response{Status: 201, Body: []byte("done"), Headers: []envelope.Header{{Name: "X-Reply", Value: "1"}}}, nil
	})

	req, err := http.NewRequest("POST", "https://api.example.com/things", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set("X-Test", "v")
	resp, err := c.HTTPClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "done", string(raw))
	assert.Equal(t, "1", resp.Header.Get("X-Reply"))
}

func TestSendRejectsWithoutHTTP(t *testing.T) {
	a := dummy.New()
	c, _ := providertest.Call(t, a, nil, nil)
	c.Host.HTTP = nil
	_, err := c.Send(context.Background(), host.Request{Method: "GET", URL: "https://x"})
	assert.Equal(t, fault.Config, fault.KindOf(err))
}
