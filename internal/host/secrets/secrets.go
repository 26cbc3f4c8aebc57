// Package secrets implements the Secrets binding: process environment and
// .env files, an in-memory map, an AES-GCM encrypted state-backed store,
// and a chain that tries them in order.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

// EnvName maps a secret key to an environment variable name:
// messaging/slack/acme/secrets/bot_token becomes
// MESSAGING_SLACK_ACME_SECRETS_BOT_TOKEN.
func EnvName(prefix, key string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range strings.ToUpper(key) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Env reads secrets from the process environment, then from values loaded
// out of .env files.
type Env struct {
	prefix string
	file   map[string]string
}

// NewEnv loads the given dotenv files (missing files are skipped).
func NewEnv(prefix string, dotenvFiles ...string) (*Env, error) {
	e := &Env{prefix: prefix, file: map[string]string{}}
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		vals, err := godotenv.Read(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			e.file[k] = v
		}
	}
	return e, nil
}

func (e *Env) Get(_ context.Context, key string) ([]byte, bool, error) {
	name := EnvName(e.prefix, key)
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return []byte(v), true, nil
	}
	if v, ok := e.file[name]; ok && v != "" {
		return []byte(v), true, nil
	}
	return nil, false, nil
}

// Memory is a mutable secrets map.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns a store seeded with values.
func NewMemory(values map[string]string) *Memory {
	m := &Memory{data: map[string][]byte{}}
	for k, v := range values {
		m.data[k] = []byte(v)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put stores a value.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (m *Memory) DeletePrefix(_ context.Context, prefix string, _ *envelope.TenantCtx) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

// Chain consults sources in order and returns the first hit.
type Chain []host.Secrets

func (c Chain) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for _, s := range c {
		v, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// DeletePrefix forwards to every source that supports it.
func (c Chain) DeletePrefix(ctx context.Context, prefix string, tenant *envelope.TenantCtx) (int, error) {
	total := 0
	for _, s := range c {
		if pd, ok := s.(host.PrefixDeleter); ok {
			n, err := pd.DeletePrefix(ctx, prefix, tenant)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}
