package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/canon"
)

func testConfig() *Schema {
	return Object("p.schema.config.title", "p.schema.config.description", false,
		Req("enabled", Bool("p.schema.config.enabled.title", "p.schema.config.enabled.description")),
		Req("api_base_url", URL("p.schema.config.api_base_url.title", "p.schema.config.api_base_url.description")),
		Opt("bot_token", SecretString("p.schema.config.bot_token.title", "p.schema.config.bot_token.description")),
		Opt("mode", OneOf("p.schema.config.mode.title", "p.schema.config.mode.description", "polling", "webhook")),
		Opt("limit", Integer("p.schema.config.limit.title", "p.schema.config.limit.description", Int64(1), Int64(10))),
	)
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestValidate(t *testing.T) {
	s := testConfig()
	assert.NoError(t, Validate(s, decode(t, `{"enabled":true,"api_base_url":"https://api.example.com","limit":3}`)))

	cases := map[string]string{
		"missing required": `{"enabled":true}`,
		"empty url":        `{"enabled":true,"api_base_url":""}`,
		"bad url":          `{"enabled":true,"api_base_url":"ftp://x"}`,
		"unknown key":      `{"enabled":true,"api_base_url":"https://a","extra":1}`,
		"unknown enum":     `{"enabled":true,"api_base_url":"https://a","mode":"push"}`,
		"wrong type":       `{"enabled":"yes","api_base_url":"https://a"}`,
		"out of range":     `{"enabled":true,"api_base_url":"https://a","limit":11}`,
		"fractional":       `{"enabled":true,"api_base_url":"https://a","limit":1.5}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate(s, decode(t, raw)))
		})
	}
}

func TestAdditionalPropertiesAllowed(t *testing.T) {
	s := Object("t", "d", true, Opt("a", String("t", "d")))
	assert.NoError(t, Validate(s, decode(t, `{"b":1}`)))
}

func TestHashStableAndSensitive(t *testing.T) {
	in := Object("in", "in", true)
	out := Object("out", "out", true)
	h1 := Hash(in, out, testConfig())
	h2 := Hash(in, out, testConfig())
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	changed := testConfig()
	changed.Fields[2].Schema.Secret = false
	assert.NotEqual(t, h1, Hash(in, out, changed))

	expected := canon.SHA256Hex(canon.MustMarshal(in), canon.MustMarshal(out), canon.MustMarshal(testConfig()))
	assert.Equal(t, expected, h1)
}

func TestDescribeRoundTrip(t *testing.T) {
	d := NewDescribe("p", []Operation{{Name: "send", Title: "p.op.send.title", Description: "p.op.send.description"}},
		Object("in", "in", true), Object("out", "out", true), testConfig())
	require.True(t, d.Verify())
	assert.Equal(t, []Redaction{{Path: "$.config.bot_token", Strategy: "mask"}}, d.Redactions)

	data, err := canon.Marshal(d)
	require.NoError(t, err)
	var back DescribePayload
	require.NoError(t, canon.Unmarshal(data, &back))
	assert.True(t, back.Verify())
	assert.Equal(t, d.SchemaHash, back.SchemaHash)
}

func TestSchemaJSONKeepsFieldOrder(t *testing.T) {
	raw, err := json.Marshal(testConfig())
	require.NoError(t, err)
	var back Schema
	require.NoError(t, json.Unmarshal(raw, &back))
	names := make([]string, 0, len(back.Fields))
	for _, f := range back.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"enabled", "api_base_url", "bot_token", "mode", "limit"}, names)
	assert.True(t, back.Fields[2].Schema.Secret)
	assert.False(t, back.AdditionalProperties)
}

func TestRedact(t *testing.T) {
	out := Redact(testConfig(), decode(t, `{"bot_token":"xoxb-1","api_base_url":"https://a","other":"x"}`))
	assert.Equal(t, Mask, out["bot_token"])
	assert.Equal(t, "https://a", out["api_base_url"])
	assert.Equal(t, "x", out["other"])
}

func TestToJSONSchema(t *testing.T) {
	js := ToJSONSchema(testConfig(), func(k string) string { return "T:" + k })
	raw, err := json.Marshal(js)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "object", m["type"])
	assert.Equal(t, false, m["additionalProperties"])
	assert.ElementsMatch(t, []any{"enabled", "api_base_url"}, m["required"])
	props := m["properties"].(map[string]any)
	token := props["bot_token"].(map[string]any)
	assert.Equal(t, true, token["writeOnly"])
	assert.Equal(t, "T:p.schema.config.bot_token.title", token["title"])
}
