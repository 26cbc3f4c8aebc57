package gateway

import (
	"context"
	"time"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

// MaxBody caps webhook request bodies.
const MaxBody = 16 << 20

// EventHandler receives the envelopes an ingest produced.
type EventHandler func(ctx context.Context, provider string, events []envelope.ChannelMessageEnvelope)

// Egress is the host retry policy for send_payload. Only results marked
// retryable are retried.
type Egress struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultEgress is used when the config leaves the policy empty.
var DefaultEgress = Egress{MaxAttempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}

// delay returns the backoff before attempt n (1-based, n > 1).
func (e Egress) delay(n int) time.Duration {
	d := e.Backoff << (n - 2)
	if d <= 0 || (e.MaxBackoff > 0 && d > e.MaxBackoff) {
		return e.MaxBackoff
	}
	return d
}

// IngestResult is the webhook response to write back.
type IngestResult struct {
	Status  int
	Headers []envelope.Header
	Body    []byte
	Events  []envelope.ChannelMessageEnvelope
}

// SendResult is the outcome of one host-driven send.
type SendResult struct {
	Provider  string               `json:"provider"`
	OK        bool                 `json:"ok"`
	MessageID string               `json:"message_id,omitempty"`
	State     envelope.EgressState `json:"state,omitempty"`
	Attempts  int                  `json:"attempts"`
	Warnings  []envelope.Warning   `json:"warnings,omitempty"`
	Error     string               `json:"error,omitempty"`
}
