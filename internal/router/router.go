// Package router takes the envelopes a webhook produced and hands them on:
// duplicates are dropped, the rest go to the bus and may be echoed back.
package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/bus"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/gateway"
	"github.com/nidhogg/msgproviders/internal/host/telemetry"
)

// Sender delivers an outbound envelope through a provider.
type Sender interface {
	Send(ctx context.Context, provider string, msg envelope.ChannelMessageEnvelope) (gateway.SendResult, error)
}

// Options configures a MessageRouter.
type Options struct {
	Sink       bus.Sink
	Sender     Sender
	DedupeSize int
	DedupeTTL  time.Duration
	Echo       bool
	EchoPrefix string
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// MessageRouter routes ingested envelopes.
type MessageRouter struct {
	sink    bus.Sink
	sender  Sender
	seen    *expirable.LRU[string, struct{}]
	echo    bool
	prefix  string
	metrics *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a MessageRouter. A zero DedupeSize defaults to 4096 entries.
func New(opts Options) *MessageRouter {
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 4096
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.Sink == nil {
		opts.Sink = bus.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MessageRouter{
		sink:    opts.Sink,
		sender:  opts.Sender,
		seen:    expirable.NewLRU[string, struct{}](opts.DedupeSize, nil, opts.DedupeTTL),
		echo:    opts.Echo && opts.Sender != nil,
		prefix:  opts.EchoPrefix,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Handle routes the envelopes of one ingest.
// Signature matches gateway.EventHandler.
func (mr *MessageRouter) Handle(ctx context.Context, provider string, events []envelope.ChannelMessageEnvelope) {
	for _, ev := range events {
		mr.route(ctx, provider, ev)
	}
}

func (mr *MessageRouter) route(ctx context.Context, provider string, ev envelope.ChannelMessageEnvelope) {
	key := dedupeKey(provider, ev)
	if _, ok := mr.seen.Get(key); ok {
		mr.logger.Debug("dropping duplicate",
			zap.String("provider", provider),
			zap.String("id", ev.ID),
		)
		mr.count(provider, "duplicate")
		return
	}
	mr.seen.Add(key, struct{}{})

	mr.logger.Info("routing message",
		zap.String("provider", provider),
		zap.String("tenant", ev.Tenant.String()),
		zap.String("session", ev.SessionID),
	)
	err := mr.sink.Publish(ctx, bus.Event{
		ID:         uuid.NewString(),
		Provider:   provider,
		Tenant:     ev.Tenant,
		Envelope:   ev,
		ReceivedAt: mr.now().UTC(),
	})
	if err != nil {
		mr.logger.Error("publish failed", zap.String("provider", provider), zap.Error(err))
		mr.count(provider, "failed")
	} else {
		mr.count(provider, "published")
	}

	if mr.echo {
		mr.sendReply(ctx, provider, ev, mr.prefix+ev.Text)
	}
}

// dedupeKey identifies an inbound message across webhook redeliveries.
func dedupeKey(provider string, ev envelope.ChannelMessageEnvelope) string {
	id := ev.Meta(envelope.MetaProviderMsgID)
	if id == "" {
		id = ev.ID
	}
	return provider + "\x00" + ev.Tenant.String() + "\x00" + id
}

// sendReply answers into the conversation the envelope came from.
func (mr *MessageRouter) sendReply(ctx context.Context, provider string, orig envelope.ChannelMessageEnvelope, text string) {
	if orig.Text == "" || orig.SessionID == "" {
		return
	}
	reply := envelope.ChannelMessageEnvelope{
		ID:            uuid.NewString(),
		Tenant:        orig.Tenant,
		SessionID:     orig.SessionID,
		ReplyScope:    orig.ReplyTarget(),
		To:            []envelope.Destination{{ID: orig.SessionID}},
		CorrelationID: orig.ID,
		Text:          text,
		Metadata:      map[string]string{},
	}
	if route := orig.Meta(envelope.MetaRoute); route != "" {
		reply.SetMeta(envelope.MetaRoute, route)
	}
	res, err := mr.sender.Send(ctx, provider, reply)
	if err == nil && !res.OK {
		mr.logger.Warn("echo reply not delivered",
			zap.String("provider", provider),
			zap.String("error", res.Error),
		)
		return
	}
	if err != nil {
		mr.logger.Error("send reply failed", zap.String("provider", provider), zap.Error(err))
	}
}

func (mr *MessageRouter) count(provider, outcome string) {
	if mr.metrics != nil {
		mr.metrics.RoutedTotal.WithLabelValues(provider, outcome).Inc()
	}
}
