package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

func init() {
	Register("memory", func(context.Context, map[string]string, *zap.Logger) (Backend, error) {
		return NewMemory(), nil
	}, nil)
}

// Memory is an in-process backend.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Read(_ context.Context, key string, tenant *envelope.TenantCtx) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[scopedKey(key, tenant)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Write(_ context.Context, key string, value []byte, tenant *envelope.TenantCtx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[scopedKey(key, tenant)] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string, tenant *envelope.TenantCtx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, scopedKey(key, tenant))
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string, tenant *envelope.TenantCtx) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	p := scopedKey(prefix, tenant)
	n := 0
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

// Keys lists stored physical keys, sorted.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
