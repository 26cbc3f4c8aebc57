// Package gateway is the host side of the provider runtime. It owns one
// serialised guest instance per provider and tenant, runs the ingress and
// egress pipelines and applies setup, upgrade and removal.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/host/telemetry"
	"github.com/nidhogg/msgproviders/internal/lifecycle"
	"github.com/nidhogg/msgproviders/internal/runtime"
)

// ErrUnknownProvider is returned for providers that are not registered or
// not enabled.
var ErrUnknownProvider = errors.New("unknown provider")

// Options configures a Gateway.
type Options struct {
	Registry *runtime.Registry
	Bindings host.Bindings
	// Enabled restricts the served providers. Empty serves every
	// registered provider.
	Enabled []string
	// Static is per-provider config used until a tenant has stored one.
	Static         map[string]map[string]any
	Egress         Egress
	ArtifactDigest string
	Metrics        *telemetry.Metrics
	Logger         *zap.Logger
	// Sleep waits between egress attempts. Defaults to a timer that honours
	// ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway manages provider instances and routes traffic through them.
type Gateway struct {
	registry  *runtime.Registry
	bindings  host.Bindings
	enabled   map[string]bool
	static    map[string]map[string]any
	egress    Egress
	digest    string
	metrics   *telemetry.Metrics
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	handler   EventHandler
	instances map[string]*Instance
	mu        sync.RWMutex
}

// New creates a gateway.
func New(opts Options) *Gateway {
	g := &Gateway{
		registry:  opts.Registry,
		bindings:  opts.Bindings,
		static:    opts.Static,
		egress:    opts.Egress,
		digest:    opts.ArtifactDigest,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		sleep:     opts.Sleep,
		instances: make(map[string]*Instance),
	}
	if g.registry == nil {
		g.registry = runtime.Builtin(opts.Logger)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.egress.MaxAttempts <= 0 {
		g.egress = DefaultEgress
	}
	if g.sleep == nil {
		g.sleep = sleepContext
	}
	if len(opts.Enabled) > 0 {
		g.enabled = make(map[string]bool, len(opts.Enabled))
		for _, name := range opts.Enabled {
			g.enabled[name] = true
		}
	}
	return g
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetHandler sets the callback for ingested envelopes.
func (g *Gateway) SetHandler(h EventHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Bindings returns the host bindings guests receive.
func (g *Gateway) Bindings() host.Bindings { return g.bindings }

// Providers returns the served provider names, sorted.
func (g *Gateway) Providers() []string {
	var out []string
	for _, name := range g.registry.Names() {
		if g.serves(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) serves(provider string) bool {
	return g.enabled == nil || g.enabled[provider]
}

func instanceKey(provider string, tenant envelope.TenantCtx) string {
	return provider + "|" + tenant.Normalized().String()
}

// Instance returns the instance for provider and tenant, creating it with
// the stored config on first use.
func (g *Gateway) Instance(ctx context.Context, provider string, tenant envelope.TenantCtx) (*Instance, error) {
	if !g.serves(provider) {
		return nil, fmt.Errorf("%w: %q is not enabled", ErrUnknownProvider, provider)
	}
	tenant = tenant.Normalized()
	tenant.DeadlineMS = 0
	if err := tenant.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tenant: %w", err)
	}
	key := instanceKey(provider, tenant)

	g.mu.RLock()
	inst, ok := g.instances[key]
	g.mu.RUnlock()
	if ok {
		return inst, nil
	}

	adapter, err := g.registry.Adapter(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownProvider, err)
	}
	cfg := g.static[provider]
	if g.bindings.State != nil {
		stored, found, err := lifecycle.LoadConfig(ctx, g.bindings.State, adapter.Spec().Scope(tenant), &tenant)
		if err != nil {
			return nil, fmt.Errorf("load %s config: %w", provider, err)
		}
		if found {
			cfg = stored
		}
	}
	inst = &Instance{
		provider: provider,
		tenant:   tenant,
		metrics:  g.metrics,
		guest: runtime.New(adapter, g.bindings,
			runtime.WithConfig(cfg),
			runtime.WithTenant(tenant),
			runtime.WithLogger(g.logger.Named(provider)),
		),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.instances[key]; ok {
		return existing, nil
	}
	g.instances[key] = inst
	g.logger.Info("provider instance created", zap.String("provider", provider), zap.String("tenant", tenant.String()))
	return inst, nil
}

// drop forgets an instance so the next use reloads its config.
func (g *Gateway) drop(provider string, tenant envelope.TenantCtx) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.instances, instanceKey(provider, tenant))
}

// Instances lists the live instances.
func (g *Gateway) Instances() []*Instance {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Instance, 0, len(g.instances))
	for _, inst := range g.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool {
		return instanceKey(out[a].provider, out[a].tenant) < instanceKey(out[b].provider, out[b].tenant)
	})
	return out
}

// Guest returns an unconfigured guest for the tenant-independent surface:
// describe, qa_spec and the i18n exports.
func (g *Gateway) Guest(provider string) (*runtime.Guest, error) {
	if !g.serves(provider) {
		return nil, fmt.Errorf("%w: %q is not enabled", ErrUnknownProvider, provider)
	}
	adapter, err := g.registry.Adapter(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownProvider, err)
	}
	return runtime.New(adapter, g.bindings, runtime.WithLogger(g.logger.Named(provider))), nil
}
