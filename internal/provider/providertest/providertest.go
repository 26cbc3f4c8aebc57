// Package providertest wires adapters to scripted host bindings for tests.
package providertest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host/hosttest"
	"github.com/nidhogg/msgproviders/internal/provider"
)

// Now is the fixed clock every test call uses.
var Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Tenant is the default test tenant.
var Tenant = envelope.TenantCtx{Env: "dev", Tenant: "acme"}

// Call builds a call for a with cfg merged over the adapter defaults.
func Call(t *testing.T, a provider.Adapter, cfg map[string]any, secrets map[string]string) (*provider.Call, *hosttest.Host) {
	t.Helper()
	spec := a.Spec()
	merged := spec.Defaults()
	for k, v := range cfg {
		merged[k] = v
	}
	h := hosttest.New(secrets)
	return &provider.Call{
		Spec:   spec,
		Host:   h.Bindings(),
		Tenant: Tenant,
		Config: merged,
		Logger: zap.NewNop(),
		Now:    func() time.Time { return Now },
	}, h
}

// Send plans, encodes and delivers msg the way the send op does.
func Send(t *testing.T, a provider.Adapter, c *provider.Call, msg envelope.ChannelMessageEnvelope) (provider.Encoded, envelope.SendPayloadResultV1) {
	t.Helper()
	enc := Encode(t, a, c, msg)
	res := a.SendPayload(context.Background(), c, envelope.SendPayloadInV1{
		ProviderType: c.Spec.ProviderType,
		TenantID:     c.Tenant.Tenant,
		Payload:      enc.Payload,
	})
	return enc, res
}

// Encode plans and encodes msg.
func Encode(t *testing.T, a provider.Adapter, c *provider.Call, msg envelope.ChannelMessageEnvelope) provider.Encoded {
	t.Helper()
	enc, err := TryEncode(a, c, msg)
	require.NoError(t, err)
	return enc
}

// TryEncode is Encode returning the error.
func TryEncode(a provider.Adapter, c *provider.Call, msg envelope.ChannelMessageEnvelope) (provider.Encoded, error) {
	plan, err := provider.Plan(c.Spec, &msg)
	if err != nil {
		return provider.Encoded{}, err
	}
	return a.Encode(context.Background(), c, msg, plan)
}

// Body decodes a payload body as JSON into a generic map.
func Body(t *testing.T, p envelope.ProviderPayloadV1) map[string]any {
	t.Helper()
	raw, err := p.Body()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

// Message builds an outbound envelope.
func Message(ch envelope.Channel, text string, to ...envelope.Destination) envelope.ChannelMessageEnvelope {
	return envelope.ChannelMessageEnvelope{
		ID:       "m1",
		Tenant:   Tenant,
		Channel:  ch,
		To:       to,
		Text:     text,
		Metadata: map[string]string{},
	}
}

// Request builds a webhook request with a raw body.
func Request(method, path string, body []byte, headers ...envelope.Header) envelope.HttpInV1 {
	return envelope.HttpInV1{
		Method:  method,
		Path:    path,
		Headers: headers,
		BodyB64: base64.StdEncoding.EncodeToString(body),
	}
}

// ResponseBody decodes a webhook response body.
func ResponseBody(t *testing.T, out envelope.HttpOutV1) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(out.BodyB64)
	require.NoError(t, err)
	return raw
}
