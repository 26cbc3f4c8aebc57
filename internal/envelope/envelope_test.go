package envelope

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTenantCtxNormalizes(t *testing.T) {
	tc, err := NewTenantCtx("Prod", "ACME", "")
	require.NoError(t, err)
	assert.Equal(t, "prod", tc.Env)
	assert.Equal(t, "acme", tc.Tenant)
	assert.True(t, tc.Equal(TenantCtx{Env: "PROD", Tenant: "acme"}))
	assert.Equal(t, "prod/acme", tc.String())
}

func TestNewTenantCtxRejects(t *testing.T) {
	cases := map[string][3]string{
		"empty env":     {"", "acme", ""},
		"empty tenant":  {"prod", "", ""},
		"slash":         {"prod", "ac/me", ""},
		"non ascii":     {"prod", "acmé", ""},
		"too long team": {"prod", "acme", strings.Repeat("t", 65)},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTenantCtx(c[0], c[1], c[2])
			assert.Error(t, err)
		})
	}
}

func TestValidateOutbound(t *testing.T) {
	e := ChannelMessageEnvelope{Channel: Slack, To: []Destination{{ID: "C123"}}, Text: "hello"}
	assert.NoError(t, e.ValidateOutbound(Slack, false))

	assert.ErrorContains(t, e.ValidateOutbound(Telegram, false), "channel mismatch")

	empty := ChannelMessageEnvelope{Channel: Slack, To: []Destination{{ID: "C1"}}}
	assert.ErrorIs(t, empty.ValidateOutbound(Slack, false), ErrNoContent)

	noDest := ChannelMessageEnvelope{Channel: Slack, Text: "x"}
	assert.Error(t, noDest.ValidateOutbound(Slack, false))
	assert.NoError(t, noDest.ValidateOutbound(Slack, true))

	badKind := ChannelMessageEnvelope{Text: "x", To: []Destination{{ID: "1", Kind: "fax"}}}
	assert.ErrorContains(t, badKind.ValidateOutbound(Slack, false), "not a valid destination kind")

	card := ChannelMessageEnvelope{To: []Destination{{ID: "r"}}, Metadata: map[string]string{MetaAdaptiveCard: `{"type":"AdaptiveCard"}`}}
	assert.NoError(t, card.ValidateOutbound(Webex, false))
}

func TestAdaptiveCardDecode(t *testing.T) {
	e := ChannelMessageEnvelope{Metadata: map[string]string{MetaAdaptiveCard: `{"type":"AdaptiveCard","version":"1.4"}`}}
	card, ok, err := e.AdaptiveCard()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1.4", card["version"])

	bad := ChannelMessageEnvelope{Metadata: map[string]string{MetaAdaptiveCard: `[1]`}}
	_, ok, err = bad.AdaptiveCard()
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestEnvelopeJSONKeepsEmptyCollections(t *testing.T) {
	raw, err := json.Marshal(ChannelMessageEnvelope{ID: "1", Channel: Dummy})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"to":[]`)
	assert.Contains(t, string(raw), `"attachments":[]`)
	assert.Contains(t, string(raw), `"metadata":{}`)

	out, err := json.Marshal(HttpOutV1{Status: 200})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"headers":[],"body_b64":"","events":[]}`, string(out))
}

func TestHttpInHelpers(t *testing.T) {
	in := HttpInV1{
		Query:   "?hub.mode=subscribe&hub.challenge=42",
		Headers: []Header{{Name: "X-Slack-Signature", Value: "v0=abc"}},
		BodyB64: "aGk=",
	}
	assert.Equal(t, "42", in.QueryValues().Get("hub.challenge"))
	assert.Equal(t, "v0=abc", in.Header("x-slack-signature"))
	body, err := in.Body()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))

	_, err = HttpInV1{BodyB64: "%%%"}.Body()
	assert.Error(t, err)
}
