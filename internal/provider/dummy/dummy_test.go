package dummy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/provider/providertest"
)

func TestSendIsDeterministic(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, nil, nil)
	msg := providertest.Message(envelope.Dummy, "ping", envelope.Destination{ID: "u1"})

	enc1, res1 := providertest.Send(t, a, c, msg)
	_, res2 := providertest.Send(t, a, c, msg)
	require.True(t, res1.OK, res1.Error)
	assert.Equal(t, res1.Message, res2.Message)
	assert.Len(t, res1.Message, 64)

	id, err := MessageID(enc1.Payload)
	require.NoError(t, err)
	assert.Equal(t, id, res1.Message)
	assert.Equal(t, "u1", enc1.Payload.MetaString("to"))
}

func TestRecordOutbox(t *testing.T) {
	a := New()
	c, h := providertest.Call(t, a, map[string]any{"record_outbox": true}, nil)
	_, res := providertest.Send(t, a, c, providertest.Message(envelope.Dummy, "ping"))
	require.True(t, res.OK)

	raw, ok, err := h.State.Read(context.Background(), c.Spec.Scope(c.Tenant).StateKey("outbox/"+res.Message), &c.Tenant)
	require.NoError(t, err)
	require.True(t, ok)
	doc, err := canon.ToJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"ping"}`, string(doc))
}

func TestSendRejects(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, nil, nil)
	_, err := providertest.TryEncode(a, c, providertest.Message(envelope.Dummy, "  "))
	assert.Error(t, err)

	enc := providertest.Encode(t, a, c, providertest.Message(envelope.Dummy, "x"))
	res := a.SendPayload(context.Background(), c, envelope.SendPayloadInV1{ProviderType: "messaging.other", Payload: enc.Payload})
	assert.False(t, res.OK)
}

func TestIngestEchoes(t *testing.T) {
	a := New()
	c, _ := providertest.Call(t, a, nil, nil)
	in := providertest.Request("POST", "/room-7", []byte("hello"))
	out := a.IngestHTTP(context.Background(), c, in)
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, in.BodyB64, out.BodyB64)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "hello", out.Events[0].Text)
	assert.Equal(t, "room-7", out.Events[0].SessionID)
	assert.Equal(t, "true", out.Events[0].Meta("universal"))
}
