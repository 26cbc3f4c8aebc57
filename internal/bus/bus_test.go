package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

func testEvent(t *testing.T, provider, team string) Event {
	t.Helper()
	tenant, err := envelope.NewTenantCtx("dev", "acme", team)
	require.NoError(t, err)
	return Event{
		ID:         "ev-1",
		Provider:   provider,
		Tenant:     tenant,
		Envelope:   envelope.ChannelMessageEnvelope{ID: "m1", Tenant: tenant, Channel: envelope.Channel(provider), Text: "hi"},
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestMemoryDelivers(t *testing.T) {
	m := NewMemory(2)
	ev := testEvent(t, "slack", "")
	require.NoError(t, m.Publish(context.Background(), ev))

	got := <-m.Events()
	assert.Equal(t, "slack", got.Provider)
	assert.Equal(t, "hi", got.Envelope.Text)
}

func TestMemoryFullHonoursContext(t *testing.T) {
	m := NewMemory(1)
	ev := testEvent(t, "slack", "")
	require.NoError(t, m.Publish(context.Background(), ev))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Publish(ctx, ev), context.DeadlineExceeded)
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory(1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(context.Background(), testEvent(t, "slack", "")), ErrClosed)
	_, ok := <-m.Events()
	assert.False(t, ok)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "webex.acme", RoutingKey(testEvent(t, "webex", "")))
	assert.Equal(t, "webex.acme.ops", RoutingKey(testEvent(t, "webex", "ops")))
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "msg:ingress:telegram", StreamKey("telegram"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Kind: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, Options{Kind: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, s.Publish(ctx, testEvent(t, "slack", "")))

	_, err = Open(ctx, Options{Kind: "kafka"}, zap.NewNop())
	assert.ErrorContains(t, err, `unknown bus kind "kafka"`)

	_, err = Open(ctx, Options{Kind: "redis", URL: "not a url"}, zap.NewNop())
	assert.Error(t, err)
}
