package runtime

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/provider/discord"
	"github.com/nidhogg/msgproviders/internal/provider/dummy"
	"github.com/nidhogg/msgproviders/internal/provider/email"
	"github.com/nidhogg/msgproviders/internal/provider/slack"
	"github.com/nidhogg/msgproviders/internal/provider/teams"
	"github.com/nidhogg/msgproviders/internal/provider/telegram"
	"github.com/nidhogg/msgproviders/internal/provider/webchat"
	"github.com/nidhogg/msgproviders/internal/provider/webex"
	"github.com/nidhogg/msgproviders/internal/provider/whatsapp"
)

// Factory builds a fresh adapter.
type Factory func() provider.Adapter

// Registry maps provider names to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{factories: make(map[string]Factory), logger: logger}
}

// Builtin returns a registry holding every bundled provider.
func Builtin(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	for _, f := range []Factory{
		func() provider.Adapter { return slack.New() },
		func() provider.Adapter { return telegram.New() },
		func() provider.Adapter { return whatsapp.New() },
		func() provider.Adapter { return webex.New() },
		func() provider.Adapter { return teams.New() },
		func() provider.Adapter { return email.New() },
		func() provider.Adapter { return webchat.New() },
		func() provider.Adapter { return discord.New() },
		func() provider.Adapter { return dummy.New() },
	} {
		r.Register(f)
	}
	return r
}

// Register adds a factory under the name its adapter reports.
func (r *Registry) Register(f Factory) {
	name := f().Spec().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	r.logger.Debug("registered provider", zap.String("name", name))
}

// Adapter builds the adapter registered as name.
func (r *Registry) Adapter(name string) (provider.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return f(), nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Specs returns the static spec of every registered provider, by name.
func (r *Registry) Specs() []provider.Spec {
	names := r.Names()
	out := make([]provider.Spec, 0, len(names))
	for _, name := range names {
		a, err := r.Adapter(name)
		if err != nil {
			continue
		}
		out = append(out, a.Spec())
	}
	return out
}
