package lifecycle

import (
	"context"
	"fmt"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

// Seed is the stored config an upgrade starts from.
type Seed struct {
	Config      map[string]any
	Found       bool
	Source      string
	Migrated    bool
	Diagnostics []string
}

// ResolveUpgradeSeed returns the canonical config of scope, migrating a
// legacy record when the canonical key is absent. Provenance is migrated the
// same way. Corrupt legacy values are reported in Diagnostics and left in
// place. Calling it twice is a no-op the second time.
func ResolveUpgradeSeed(ctx context.Context, st host.State, scope Scope, tenant *envelope.TenantCtx) (Seed, error) {
	if err := scope.Validate(); err != nil {
		return Seed{}, fmt.Errorf("resolve upgrade seed: %w", err)
	}
	var seed Seed
	raw, source, diags, err := resolve(ctx, st, scope, KindConfig, tenant)
	if err != nil {
		return Seed{}, err
	}
	seed.Diagnostics = append(seed.Diagnostics, diags...)
	if raw != nil {
		var cfg map[string]any
		if err := canon.Unmarshal(raw, &cfg); err != nil {
			seed.Diagnostics = append(seed.Diagnostics, fmt.Sprintf("config at %s is not a cbor object: %v", source, err))
		} else {
			seed.Config, seed.Found, seed.Source = cfg, true, source
			seed.Migrated = source != scope.ConfigKey()
		}
	}
	_, _, diags, err = resolve(ctx, st, scope, KindProvenance, tenant)
	if err != nil {
		return Seed{}, err
	}
	seed.Diagnostics = append(seed.Diagnostics, diags...)
	return seed, nil
}

// resolve returns the canonical record bytes and where they came from.
func resolve(ctx context.Context, st host.State, scope Scope, k Kind, tenant *envelope.TenantCtx) ([]byte, string, []string, error) {
	canonical := scope.Key(k)
	raw, ok, err := st.Read(ctx, canonical, tenant)
	if err != nil {
		return nil, "", nil, fmt.Errorf("read %s: %w", canonical, err)
	}
	if ok {
		return raw, canonical, nil, nil
	}
	var diags []string
	for _, legacy := range scope.LegacyKeys(k) {
		val, ok, err := st.Read(ctx, legacy, tenant)
		if err != nil {
			return nil, "", diags, fmt.Errorf("read %s: %w", legacy, err)
		}
		if !ok {
			continue
		}
		if !canon.IsObject(val) {
			diags = append(diags, fmt.Sprintf("legacy %s at %s is not a cbor object, kept in place", k, legacy))
			return nil, "", diags, nil
		}
		if err := st.Write(ctx, canonical, val, tenant); err != nil {
			return nil, "", diags, fmt.Errorf("write %s: %w", canonical, err)
		}
		if err := st.Delete(ctx, legacy, tenant); err != nil {
			diags = append(diags, fmt.Sprintf("migrated %s but could not delete %s: %v", k, legacy, err))
		} else {
			diags = append(diags, fmt.Sprintf("migrated %s from %s", k, legacy))
		}
		return val, legacy, diags, nil
	}
	return nil, "", diags, nil
}

// LoadConfig reads the canonical config of scope.
func LoadConfig(ctx context.Context, st host.State, scope Scope, tenant *envelope.TenantCtx) (map[string]any, bool, error) {
	raw, ok, err := st.Read(ctx, scope.ConfigKey(), tenant)
	if err != nil || !ok {
		return nil, ok, err
	}
	var cfg map[string]any
	if err := canon.Unmarshal(raw, &cfg); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", scope.ConfigKey(), err)
	}
	return cfg, true, nil
}

// StoreConfig writes cfg as canonical CBOR under the config key.
func StoreConfig(ctx context.Context, st host.State, scope Scope, cfg map[string]any, tenant *envelope.TenantCtx) error {
	raw, err := canon.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return st.Write(ctx, scope.ConfigKey(), raw, tenant)
}
