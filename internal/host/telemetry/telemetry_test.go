package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

func TestScrub(t *testing.T) {
	in := []host.Field{host.F("provider", "slack"), host.F("bot_token", "xoxb"), host.F("personEmail", "a@b"), host.F("Authorization", "Bearer x")}
	out := Scrub(in)
	assert.Equal(t, "slack", out[0].Value)
	assert.Equal(t, Redacted, out[1].Value)
	assert.Equal(t, Redacted, out[2].Value)
	assert.Equal(t, Redacted, out[3].Value)
	assert.Equal(t, "xoxb", in[1].Value, "input untouched")
}

func TestLogWritesScrubbedFieldsAndCounts(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewMetrics()
	sink := New(zap.New(core), m)

	tenant := &envelope.TenantCtx{Env: "prod", Tenant: "acme"}
	err := sink.Log(context.Background(), host.SpanContext{Name: "lifecycle.migrated"},
		[]host.Field{host.F("key", "messaging/slack/acme/config"), host.F("client_secret", "s3cr3t")}, tenant)
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "lifecycle.migrated", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "acme", ctx["tenant"])
	assert.Equal(t, Redacted, ctx["client_secret"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `msg_telemetry_events_total{event="lifecycle.migrated"} 1`))
}

func TestSpanContextOfWithoutSpan(t *testing.T) {
	sc := SpanContextOf(context.Background(), "invoke")
	assert.Equal(t, "invoke", sc.Name)
	assert.Empty(t, sc.TraceID)
}
