// Package store provides the state-store backends behind the host State
// binding. Backends register themselves by name and are opened from a
// string option map.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store closed")

// Backend is a State binding that can also drop key namespaces.
// Implementations must be safe for concurrent use.
type Backend interface {
	host.State
	host.PrefixDeleter
	Close() error
}

// Factory opens a backend from options.
type Factory func(ctx context.Context, opts map[string]string, logger *zap.Logger) (Backend, error)

// DefaultsFunc returns a backend's default options.
type DefaultsFunc func() map[string]string

type registration struct {
	factory  Factory
	defaults DefaultsFunc
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

// Register adds a backend. It panics on duplicate names.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("store: backend %q already registered", name))
	}
	registry[name] = registration{factory: factory, defaults: defaults}
}

// Open creates the named backend. opts override the backend defaults.
func Open(ctx context.Context, name string, opts map[string]string, logger *zap.Logger) (Backend, error) {
	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: unknown backend %q (registered: %v)", name, Backends())
	}
	merged := map[string]string{}
	if reg.defaults != nil {
		maps.Copy(merged, reg.defaults())
	}
	maps.Copy(merged, opts)
	return reg.factory(ctx, merged, logger)
}

// Backends lists registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfigError reports a bad backend option.
type ConfigError struct {
	Backend string
	Option  string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Option, e.Message)
	}
	return fmt.Sprintf("%s: %s=%q: %s", e.Backend, e.Option, e.Value, e.Message)
}

func optString(opts map[string]string, key, def string) string {
	if v, ok := opts[key]; ok && v != "" {
		return v
	}
	return def
}

func optInt(backend string, opts map[string]string, key string, def int) (int, error) {
	v := opts[key]
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Backend: backend, Option: key, Value: v, Message: "must be an integer"}
	}
	return n, nil
}

func optDuration(backend string, opts map[string]string, key string, def time.Duration) (time.Duration, error) {
	v := opts[key]
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, &ConfigError{Backend: backend, Option: key, Value: v, Message: "must be a duration or integer seconds"}
}

// scopedKey namespaces key by environment so one store can serve several
// deployments. Tenant and team are already part of lifecycle keys.
func scopedKey(key string, tenant *envelope.TenantCtx) string {
	if tenant == nil || tenant.Env == "" {
		return key
	}
	return tenant.Env + "|" + key
}
