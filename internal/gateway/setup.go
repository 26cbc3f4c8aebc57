package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/lifecycle"
	"github.com/nidhogg/msgproviders/internal/qa"
	"github.com/nidhogg/msgproviders/internal/schema"
)

// subscriptionsKey holds the subscriptions the host created for a scope.
// It lives outside the provider state namespace so removal can still read
// it after that namespace is gone.
func subscriptionsKey(s lifecycle.Scope) string { return s.Base() + "/host/subscriptions" }

// Apply runs a setup, default or upgrade questionnaire for tenant. A
// successful result is persisted with its provenance and installed on the
// live instance. Remove mode is delegated to Remove.
func (g *Gateway) Apply(ctx context.Context, provider string, tenant envelope.TenantCtx, mode string, answers map[string]any) (qa.Result, error) {
	m, err := qa.ParseMode(mode)
	if err != nil {
		return qa.Result{}, err
	}
	if m == qa.ModeRemove {
		return g.Remove(ctx, provider, tenant)
	}
	inst, err := g.Instance(ctx, provider, tenant)
	if err != nil {
		return qa.Result{}, err
	}
	tenant = inst.Tenant()
	scope := inst.guest.Spec().Scope(tenant)

	in := make(map[string]any, len(answers)+1)
	for k, v := range answers {
		in[k] = v
	}
	diags := []string{}
	if m == qa.ModeUpgrade && g.bindings.State != nil {
		seed, err := lifecycle.ResolveUpgradeSeed(ctx, g.bindings.State, scope, &tenant)
		if err != nil {
			return qa.Result{}, err
		}
		diags = append(diags, seed.Diagnostics...)
		if seed.Migrated {
			g.logger.Info("migrated legacy config", zap.String("provider", provider), zap.String("source", seed.Source))
		}
		if _, ok := in[qa.ExistingConfig]; !ok && seed.Found {
			in[qa.ExistingConfig] = seed.Config
		}
	}

	raw, err := canon.Marshal(in)
	if err != nil {
		return qa.Result{}, fmt.Errorf("encode answers: %w", err)
	}
	var res qa.Result
	if err := canon.Unmarshal(inst.ApplyAnswers(string(m), raw), &res); err != nil {
		return qa.Result{}, fmt.Errorf("decode answers result: %w", err)
	}
	res.Diagnostics = append(diags, res.Diagnostics...)
	if !res.OK {
		return res, nil
	}

	if g.bindings.State != nil {
		if err := lifecycle.StoreConfig(ctx, g.bindings.State, scope, res.Config, &tenant); err != nil {
			return qa.Result{}, err
		}
		prov, err := g.provenance(inst)
		if err != nil {
			return qa.Result{}, err
		}
		if err := lifecycle.StoreProvenance(ctx, g.bindings.State, scope, prov, &tenant); err != nil {
			return qa.Result{}, err
		}
	}
	inst.Configure(res.Config)
	g.logger.Info("provider configured",
		zap.String("provider", provider),
		zap.String("tenant", tenant.String()),
		zap.String("mode", string(m)),
	)
	return res, nil
}

func (g *Gateway) provenance(inst *Instance) (lifecycle.Provenance, error) {
	raw := inst.Describe()
	var d schema.DescribePayload
	if err := canon.Unmarshal(raw, &d); err != nil {
		return lifecycle.Provenance{}, fmt.Errorf("decode describe: %w", err)
	}
	return lifecycle.Provenance{
		DescribeHash:   canon.SHA256Hex(raw),
		ArtifactDigest: g.digest,
		SchemaHash:     d.SchemaHash,
	}, nil
}

// Remove asks the provider for its removal plan and executes it. Webhook
// subscriptions the host recorded are deleted through the provider. Every
// problem is reported as a diagnostic.
func (g *Gateway) Remove(ctx context.Context, provider string, tenant envelope.TenantCtx) (qa.Result, error) {
	inst, err := g.Instance(ctx, provider, tenant)
	if err != nil {
		return qa.Result{}, err
	}
	tenant = inst.Tenant()
	spec := inst.guest.Spec()
	scope := spec.Scope(tenant)

	var res qa.Result
	if err := canon.Unmarshal(inst.ApplyAnswers(string(qa.ModeRemove), nil), &res); err != nil {
		return qa.Result{}, fmt.Errorf("decode remove result: %w", err)
	}
	if !res.OK || res.Remove == nil {
		return res, nil
	}

	hooks := map[lifecycle.Step]lifecycle.Hook{}
	if spec.Subscriptions {
		hooks[lifecycle.RevokeWebhooks] = func(ctx context.Context) error {
			return g.revokeSubscriptions(ctx, inst, scope)
		}
	}
	exec := lifecycle.Executor{
		State:   g.bindings.State,
		Secrets: g.bindings.Secrets,
		Caps:    g.bindings.Capabilities(),
		Hooks:   hooks,
	}
	res.Diagnostics = append(res.Diagnostics, exec.Run(ctx, scope, res.Remove.Cleanup, &tenant)...)
	if g.bindings.State != nil {
		if err := g.bindings.State.Delete(ctx, subscriptionsKey(scope), &tenant); err != nil {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("failed to forget subscriptions: %v", err))
		}
	}
	g.drop(provider, tenant)
	g.logger.Info("provider removed",
		zap.String("provider", provider),
		zap.String("tenant", tenant.String()),
		zap.Int("diagnostics", len(res.Diagnostics)),
	)
	return res, nil
}

func (g *Gateway) revokeSubscriptions(ctx context.Context, inst *Instance, scope lifecycle.Scope) error {
	tenant := inst.Tenant()
	subs, err := g.subscriptions(ctx, scope, tenant)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range subs {
		in := envelope.SubscriptionDeleteInV1{SubscriptionID: s.SubscriptionID, Tenant: &tenant}
		if err := inst.call(ctx, "subscription_delete", in, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe creates a webhook subscription and records it for renewal and
// removal.
func (g *Gateway) Subscribe(ctx context.Context, provider string, tenant envelope.TenantCtx, in envelope.SubscriptionEnsureInV1) (envelope.SubscriptionRecord, error) {
	inst, err := g.Instance(ctx, provider, tenant)
	if err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	tenant = inst.Tenant()
	in.Tenant = &tenant
	var out envelope.SubscriptionResultV1
	if err := inst.call(ctx, "subscription_ensure", in, &out); err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	if out.Subscription == nil {
		return envelope.SubscriptionRecord{}, fmt.Errorf("%s subscription_ensure returned no subscription", provider)
	}
	rec := *out.Subscription
	if err := g.record(ctx, inst.guest.Spec().Scope(tenant), tenant, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Renew extends every recorded subscription of tenant and returns the
// refreshed records.
func (g *Gateway) Renew(ctx context.Context, provider string, tenant envelope.TenantCtx, minutes int) ([]envelope.SubscriptionRecord, error) {
	inst, err := g.Instance(ctx, provider, tenant)
	if err != nil {
		return nil, err
	}
	tenant = inst.Tenant()
	scope := inst.guest.Spec().Scope(tenant)
	subs, err := g.subscriptions(ctx, scope, tenant)
	if err != nil {
		return nil, err
	}
	var (
		out  []envelope.SubscriptionRecord
		errs []error
	)
	for _, s := range subs {
		in := envelope.SubscriptionRenewInV1{SubscriptionID: s.SubscriptionID, ExpirationMinutes: minutes, Tenant: &tenant}
		var res envelope.SubscriptionResultV1
		if err := inst.call(ctx, "subscription_renew", in, &res); err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Subscription != nil {
			out = append(out, *res.Subscription)
			if err := g.record(ctx, scope, tenant, *res.Subscription); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return out, errors.Join(errs...)
}

// Subscriptions lists the recorded subscriptions of tenant.
func (g *Gateway) Subscriptions(ctx context.Context, provider string, tenant envelope.TenantCtx) ([]envelope.SubscriptionRecord, error) {
	inst, err := g.Instance(ctx, provider, tenant)
	if err != nil {
		return nil, err
	}
	tenant = inst.Tenant()
	return g.subscriptions(ctx, inst.guest.Spec().Scope(tenant), tenant)
}

func (g *Gateway) subscriptions(ctx context.Context, scope lifecycle.Scope, tenant envelope.TenantCtx) ([]envelope.SubscriptionRecord, error) {
	if g.bindings.State == nil {
		return nil, nil
	}
	raw, ok, err := g.bindings.State.Read(ctx, subscriptionsKey(scope), &tenant)
	if err != nil || !ok {
		return nil, err
	}
	var subs []envelope.SubscriptionRecord
	if err := canon.Unmarshal(raw, &subs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", subscriptionsKey(scope), err)
	}
	return subs, nil
}

func (g *Gateway) record(ctx context.Context, scope lifecycle.Scope, tenant envelope.TenantCtx, rec envelope.SubscriptionRecord) error {
	if g.bindings.State == nil {
		return nil
	}
	subs, err := g.subscriptions(ctx, scope, tenant)
	if err != nil {
		return err
	}
	replaced := false
	for i := range subs {
		if subs[i].SubscriptionID == rec.SubscriptionID {
			subs[i], replaced = rec, true
		}
	}
	if !replaced {
		subs = append(subs, rec)
	}
	raw, err := canon.Marshal(subs)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	return g.bindings.State.Write(ctx, subscriptionsKey(scope), raw, &tenant)
}
