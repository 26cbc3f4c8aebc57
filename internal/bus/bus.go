// Package bus publishes ingested envelopes to downstream consumers.
package bus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

// Event is one ingested envelope as it travels on the bus.
type Event struct {
	ID         string                          `json:"id"`
	Provider   string                          `json:"provider"`
	Tenant     envelope.TenantCtx              `json:"tenant"`
	Envelope   envelope.ChannelMessageEnvelope `json:"envelope"`
	ReceivedAt time.Time                       `json:"received_at"`
}

// Sink accepts events for delivery.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Options selects and configures a sink.
type Options struct {
	Kind     string
	URL      string
	Exchange string
	MaxLen   int64
}

// Open builds the sink named by opts.Kind. "none" yields a sink that drops
// every event.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Sink, error) {
	switch opts.Kind {
	case "", "memory":
		return NewMemory(256), nil
	case "none":
		return Discard{}, nil
	case "redis":
		return NewRedisStream(ctx, opts.URL, opts.MaxLen, logger)
	case "amqp":
		return NewAMQP(opts.URL, opts.Exchange, logger)
	default:
		return nil, fmt.Errorf("unknown bus kind %q", opts.Kind)
	}
}

// Discard drops events.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
func (Discard) Close() error                         { return nil }
