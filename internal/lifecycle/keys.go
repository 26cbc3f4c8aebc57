// Package lifecycle owns the state-store key layout of provider tenants,
// legacy key migration, provenance records and removal cleanup.
package lifecycle

import (
	"fmt"
	"strings"
)

// Kind names a per-tenant record.
type Kind string

const (
	KindConfig     Kind = "config"
	KindProvenance Kind = "provenance"
)

// Scope identifies one provider installation.
type Scope struct {
	Provider string
	Tenant   string
	Team     string
}

// Validate rejects scopes whose parts would break the key layout.
func (s Scope) Validate() error {
	parts := []struct{ name, value string }{{"provider", s.Provider}, {"tenant", s.Tenant}, {"team", s.Team}}
	for i, p := range parts {
		if i < 2 && p.value == "" {
			return fmt.Errorf("%s is required", p.name)
		}
		if strings.ContainsAny(p.value, "/:") {
			return fmt.Errorf("%s %q contains a key separator", p.name, p.value)
		}
	}
	return nil
}

// Base is messaging/{provider}/{tenant}[/{team}].
func (s Scope) Base() string {
	b := "messaging/" + s.Provider + "/" + s.Tenant
	if s.Team != "" {
		b += "/" + s.Team
	}
	return b
}

// Key returns the canonical key of a record.
func (s Scope) Key(k Kind) string { return s.Base() + "/" + string(k) }

// ConfigKey is the canonical config key.
func (s Scope) ConfigKey() string { return s.Key(KindConfig) }

// ProvenanceKey is the canonical provenance key.
func (s Scope) ProvenanceKey() string { return s.Key(KindProvenance) }

// StatePrefix is the provider state namespace including its trailing slash.
func (s Scope) StatePrefix() string { return s.Base() + "/state/" }

// StateKey addresses one entry of the provider state namespace.
func (s Scope) StateKey(suffix string) string {
	return s.StatePrefix() + strings.TrimPrefix(suffix, "/")
}

// SecretsPrefix is the provider-owned secrets namespace.
func (s Scope) SecretsPrefix() string { return s.Base() + "/secrets/" }

// SecretKey addresses one provider-owned secret.
func (s Scope) SecretKey(name string) string { return s.SecretsPrefix() + name }

// LegacyKeys lists earlier layouts of a record, most specific first.
func (s Scope) LegacyKeys(k Kind) []string {
	team := func(sep, label string) string {
		if s.Team == "" {
			return ""
		}
		return sep + label + sep + s.Team
	}
	keys := []string{
		"providers:messaging:" + s.Provider + ":tenants:" + s.Tenant + team(":", "teams") + ":" + string(k),
		"providers:" + s.Provider + ":tenants:" + s.Tenant + team(":", "teams") + ":" + string(k),
		"messaging:" + s.Provider + ":tenants:" + s.Tenant + team(":", "teams") + ":" + string(k),
		"messaging:" + s.Provider + ":tenant:" + s.Tenant + team(":", "team") + ":" + string(k),
	}
	if k == KindConfig {
		keys = append(keys, s.Base())
	}
	return keys
}
