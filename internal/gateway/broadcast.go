package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

// BroadcastTarget is one provider and its addressees. Empty To uses the
// provider default destination.
type BroadcastTarget struct {
	Provider string                 `json:"provider"`
	To       []envelope.Destination `json:"to,omitempty"`
}

// BroadcastRecord tracks a sent broadcast for history.
type BroadcastRecord struct {
	ID      string       `json:"id"`
	Text    string       `json:"text"`
	SentAt  time.Time    `json:"sent_at"`
	Results []SendResult `json:"results"`
}

// Broadcaster sends one message through several providers.
type Broadcaster struct {
	gateway *Gateway
	mu      sync.Mutex
	history []BroadcastRecord
	keep    int
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster keeping the last keep records.
func NewBroadcaster(gw *Gateway, keep int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keep <= 0 {
		keep = 100
	}
	return &Broadcaster{gateway: gw, keep: keep, logger: logger}
}

// Send delivers msg to every target in order. A failed target does not stop
// the others; the error reports whether any failed.
func (b *Broadcaster) Send(ctx context.Context, msg envelope.ChannelMessageEnvelope, targets []BroadcastTarget) (BroadcastRecord, error) {
	if len(targets) == 0 {
		return BroadcastRecord{}, errors.New("broadcast needs at least one target")
	}
	rec := BroadcastRecord{ID: uuid.NewString(), Text: msg.Text, SentAt: time.Now().UTC()}
	b.logger.Info("sending broadcast", zap.String("id", rec.ID), zap.Int("targets", len(targets)))

	var failed error
	for _, t := range targets {
		m := msg
		m.Channel = ""
		m.To = t.To
		if m.ID == "" {
			m.ID = rec.ID
		}
		res, err := b.gateway.Send(ctx, t.Provider, m)
		if err != nil {
			res = SendResult{Provider: t.Provider, Error: err.Error()}
		}
		if !res.OK {
			failed = errors.New("one or more broadcast targets failed")
		}
		rec.Results = append(rec.Results, res)
	}

	b.mu.Lock()
	b.history = append(b.history, rec)
	if len(b.history) > b.keep {
		b.history = b.history[len(b.history)-b.keep:]
	}
	b.mu.Unlock()
	return rec, failed
}

// History returns up to limit of the most recent records, oldest first.
func (b *Broadcaster) History(limit int) []BroadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]BroadcastRecord(nil), b.history[len(b.history)-limit:]...)
}
