package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Memory buffers events in a channel for in-process consumers.
type Memory struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewMemory creates a sink holding up to size undelivered events.
func NewMemory(size int) *Memory {
	return &Memory{ch: make(chan Event, size)}
}

// Publish blocks while the buffer is full, until ctx is done.
func (m *Memory) Publish(ctx context.Context, ev Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is closed by Close.
func (m *Memory) Events() <-chan Event { return m.ch }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
