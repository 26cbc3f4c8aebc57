// Package runtime exposes a provider adapter through the guest surface:
// describe, qa_spec, apply_answers, invoke and the i18n functions. Every
// document crossing the surface is canonical CBOR.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/qa"
)

// Guest wraps one adapter and one set of host bindings. It is not safe for
// concurrent use.
type Guest struct {
	adapter provider.Adapter
	spec    provider.Spec
	host    host.Bindings
	tenant  envelope.TenantCtx
	config  map[string]any
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Guest.
type Option func(*Guest)

// WithConfig sets the installed config that op inputs are merged over.
func WithConfig(cfg map[string]any) Option {
	return func(g *Guest) { g.config = cfg }
}

// WithTenant sets the tenant used when an input names none.
func WithTenant(t envelope.TenantCtx) Option {
	return func(g *Guest) { g.tenant = t }
}

// WithLogger sets the logger adapters receive.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guest) { g.logger = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guest) { g.now = now }
}

// New builds a guest for a.
func New(a provider.Adapter, b host.Bindings, opts ...Option) *Guest {
	g := &Guest{adapter: a, spec: a.Spec(), host: b, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Spec returns the static spec of the wrapped adapter.
func (g *Guest) Spec() provider.Spec { return g.spec }

// Configure replaces the installed config.
func (g *Guest) Configure(cfg map[string]any) { g.config = cfg }

// Config returns the installed config.
func (g *Guest) Config() map[string]any { return g.config }

// Describe returns the canonical CBOR describe payload.
func (g *Guest) Describe() []byte {
	return canon.MustMarshal(g.spec.Describe())
}

// QaSpec returns the canonical CBOR questionnaire for mode.
func (g *Guest) QaSpec(mode string) ([]byte, error) {
	m, err := qa.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	return canon.Marshal(g.spec.Form().Spec(m))
}

// ApplyAnswers merges and validates answers for mode. Failures are
// reported inside the result document.
func (g *Guest) ApplyAnswers(mode string, answers []byte) []byte {
	fail := func(msg string) []byte {
		return canon.MustMarshal(qa.Result{Error: msg, Diagnostics: []string{}})
	}
	m, err := qa.ParseMode(mode)
	if err != nil {
		return fail(err.Error())
	}
	in := map[string]any{}
	if len(answers) > 0 {
		v, err := canon.Decode(answers)
		if err != nil {
			return fail("invalid answers cbor: " + fault.Line(err))
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return fail("answers must be a map")
		}
		in = obj
	}
	out, err := canon.Marshal(g.spec.Form().Apply(m, in))
	if err != nil {
		return fail(fault.Line(err))
	}
	return out
}

// I18nKeys lists the catalog keys in order.
func (g *Guest) I18nKeys() []string { return g.spec.I18nKeys() }

// I18nBundle returns the canonical CBOR bundle for locale.
func (g *Guest) I18nBundle(locale string) []byte {
	return canon.MustMarshal(g.spec.Catalog().Bundle(locale))
}

// Invoke runs op with a background context.
func (g *Guest) Invoke(op string, input []byte) []byte {
	return g.InvokeContext(context.Background(), op, input)
}

// InvokeContext decodes input, dispatches op and encodes the result. It
// never panics and never returns an error: failures become
// {ok:false, error}.
func (g *Guest) InvokeContext(ctx context.Context, op string, input []byte) (out []byte) {
	name := normalizeOp(op)
	defer func() {
		if r := recover(); r != nil {
			msg := fault.Line(fmt.Errorf("provider panicked: %v", r))
			g.logger.Error("guest panic", zap.String("op", name), zap.String("panic", msg))
			out = failure(msg)
		}
	}()

	h, ok := handlers[name]
	if !ok || !g.supports(name) {
		return failure("unsupported op: " + op)
	}
	if len(input) > canon.MaxDocument {
		return failure(canon.ErrTooLarge.Error())
	}
	raw := []byte("{}")
	if len(input) > 0 {
		var err error
		if raw, err = canon.ToJSON(input); err != nil {
			if errors.Is(err, canon.ErrTooLarge) {
				return failure(err.Error())
			}
			return failure("invalid input cbor: " + fault.Line(err))
		}
	}

	res, err := h(g, ctx, raw)
	if err != nil {
		return encode(errorResult(err))
	}
	return encode(res)
}

func (g *Guest) supports(op string) bool {
	switch op {
	case provider.OpSubscriptionEnsure, provider.OpSubscriptionRenew, provider.OpSubscriptionDelete:
		_, ok := g.adapter.(provider.Subscriber)
		return ok && g.spec.Subscriptions
	}
	return true
}

// normalizeOp resolves the run alias. Op names are otherwise matched
// exactly.
func normalizeOp(op string) string {
	if op == provider.OpRun {
		return provider.OpSend
	}
	return op
}

func encode(v any) []byte {
	out, err := canon.Marshal(v)
	if err != nil {
		if errors.Is(err, canon.ErrTooLarge) {
			return failure(err.Error())
		}
		return failure("provider produced invalid json")
	}
	return out
}

type failed struct {
	OK        bool `json:"ok"`
	Error     any  `json:"error"`
	Retryable bool `json:"retryable,omitempty"`
}

func failure(msg string) []byte {
	return canon.MustMarshal(failed{Error: msg})
}

func errorResult(err error) failed {
	return failed{Error: fault.Payload(err), Retryable: fault.IsRetryable(err)}
}

// call builds the per-invocation context from the common input fields.
func (g *Guest) call(ctx context.Context, common commonInput, fallback *envelope.TenantCtx) (*provider.Call, context.Context, context.CancelFunc, error) {
	cfg, err := g.mergeConfig(common)
	if err != nil {
		return nil, ctx, func() {}, err
	}
	tenant := g.tenant
	switch {
	case common.Tenant != nil:
		tenant = *common.Tenant
	case fallback != nil && fallback.Tenant != "":
		tenant = *fallback
	}
	c := &provider.Call{
		Spec:   g.spec,
		Host:   g.host,
		Tenant: tenant,
		Config: cfg,
		Logger: g.logger,
		Now:    g.now,
	}
	cancel := context.CancelFunc(func() {})
	if dl, ok := tenant.Deadline(); ok {
		ctx, cancel = context.WithDeadline(ctx, dl)
		if left := dl.Sub(g.now()); left > 0 {
			c.TimeoutMS = uint32(left.Milliseconds())
		} else {
			cancel()
			return nil, ctx, func() {}, fault.Transportf("deadline exceeded before %s", g.spec.Name)
		}
	}
	return c, ctx, cancel, nil
}
