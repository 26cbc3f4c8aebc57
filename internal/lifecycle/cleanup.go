package lifecycle

import (
	"context"
	"fmt"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

// Step is one removal action.
type Step string

const (
	DeleteConfigKey              Step = "delete_config_key"
	DeleteProvenanceKey          Step = "delete_provenance_key"
	DeleteProviderStateNamespace Step = "delete_provider_state_namespace"
	RevokeWebhooks               Step = "best_effort_revoke_webhooks"
	RevokeTokens                 Step = "best_effort_revoke_tokens"
	DeleteProviderOwnedSecrets   Step = "best_effort_delete_provider_owned_secrets"
)

// BaseCleanup is the plan every provider declares.
var BaseCleanup = []Step{DeleteConfigKey, DeleteProvenanceKey, DeleteProviderStateNamespace}

// Requires names the capability a step needs, or "" when the host always
// performs it.
func (s Step) Requires() string {
	switch s {
	case DeleteProviderStateNamespace:
		return "state"
	case RevokeWebhooks, RevokeTokens:
		return "http"
	case DeleteProviderOwnedSecrets:
		return "secrets"
	}
	return ""
}

// Known reports whether s is a recognised step.
func (s Step) Known() bool {
	switch s {
	case DeleteConfigKey, DeleteProvenanceKey, DeleteProviderStateNamespace,
		RevokeWebhooks, RevokeTokens, DeleteProviderOwnedSecrets:
		return true
	}
	return false
}

// Plan returns BaseCleanup followed by extras, without duplicates.
func Plan(extras ...Step) []string {
	seen := map[Step]bool{}
	out := []string{}
	for _, s := range append(append([]Step{}, BaseCleanup...), extras...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, string(s))
		}
	}
	return out
}

// Hook performs a provider-specific best-effort step.
type Hook func(ctx context.Context) error

// Executor runs a cleanup plan against host resources. State is the host's
// own store and is always used for the config and provenance keys; Caps
// gates the provider-facing steps.
type Executor struct {
	State   host.State
	Secrets host.Secrets
	Caps    host.Capabilities
	Hooks   map[Step]Hook
}

// Run executes steps in order and returns diagnostics. It never fails:
// every problem becomes a diagnostic line.
func (e Executor) Run(ctx context.Context, scope Scope, steps []string, tenant *envelope.TenantCtx) []string {
	diags := []string{}
	if err := scope.Validate(); err != nil {
		return append(diags, fmt.Sprintf("cleanup aborted: %v", err))
	}
	for _, name := range steps {
		step := Step(name)
		if !step.Known() {
			diags = append(diags, fmt.Sprintf("skipped %s: unknown cleanup step", name))
			continue
		}
		if missing := e.missing(step); missing != "" {
			diags = append(diags, fmt.Sprintf("skipped %s: missing %s capability", name, missing))
			continue
		}
		if d := e.run(ctx, step, scope, tenant); d != "" {
			diags = append(diags, d)
		}
	}
	return diags
}

func (e Executor) missing(s Step) string {
	switch s.Requires() {
	case "state":
		if !e.Caps.State {
			return "state"
		}
	case "http":
		if !e.Caps.HTTP {
			return "http"
		}
	case "secrets":
		if !e.Caps.Secrets {
			return "secrets"
		}
	}
	return ""
}

func (e Executor) run(ctx context.Context, s Step, scope Scope, tenant *envelope.TenantCtx) string {
	switch s {
	case DeleteConfigKey, DeleteProvenanceKey:
		if e.State == nil {
			return fmt.Sprintf("skipped %s: no state store", s)
		}
		key := scope.ConfigKey()
		if s == DeleteProvenanceKey {
			key = scope.ProvenanceKey()
		}
		if err := e.State.Delete(ctx, key, tenant); err != nil {
			return fmt.Sprintf("failed %s: %v", s, err)
		}
	case DeleteProviderStateNamespace:
		return deletePrefix(ctx, e.State, s, scope.StatePrefix(), tenant)
	case DeleteProviderOwnedSecrets:
		if hook, ok := e.Hooks[s]; ok {
			return runHook(ctx, s, hook)
		}
		return deletePrefix(ctx, e.Secrets, s, scope.SecretsPrefix(), tenant)
	case RevokeWebhooks, RevokeTokens:
		hook, ok := e.Hooks[s]
		if !ok {
			return fmt.Sprintf("skipped %s: provider has no handler", s)
		}
		return runHook(ctx, s, hook)
	}
	return ""
}

func runHook(ctx context.Context, s Step, hook Hook) string {
	if err := hook(ctx); err != nil {
		return fmt.Sprintf("failed %s: %v", s, err)
	}
	return ""
}

func deletePrefix(ctx context.Context, target any, s Step, prefix string, tenant *envelope.TenantCtx) string {
	pd, ok := target.(host.PrefixDeleter)
	if !ok || pd == nil {
		return fmt.Sprintf("skipped %s: store cannot delete by prefix", s)
	}
	if _, err := pd.DeletePrefix(ctx, prefix, tenant); err != nil {
		return fmt.Sprintf("failed %s: %v", s, err)
	}
	return ""
}
