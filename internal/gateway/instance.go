package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host/telemetry"
	"github.com/nidhogg/msgproviders/internal/runtime"
)

// Instance is one guest bound to one tenant. Calls are serialised.
type Instance struct {
	mu       sync.Mutex
	guest    *runtime.Guest
	provider string
	tenant   envelope.TenantCtx
	metrics  *telemetry.Metrics
}

// Provider returns the provider name.
func (i *Instance) Provider() string { return i.provider }

// Tenant returns the tenant the instance serves.
func (i *Instance) Tenant() envelope.TenantCtx { return i.tenant }

// Invoke runs op on the guest and records metrics.
func (i *Instance) Invoke(ctx context.Context, op string, input []byte) []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	start := time.Now()
	out := i.guest.InvokeContext(ctx, op, input)
	if i.metrics != nil {
		i.metrics.InvokeDuration.WithLabelValues(i.provider, op).Observe(time.Since(start).Seconds())
		i.metrics.InvokeTotal.WithLabelValues(i.provider, op, outcome(out)).Inc()
	}
	return out
}

// outcome reads the ok flag of a result; documents without one count as ok.
func outcome(out []byte) string {
	var res struct {
		OK *bool `json:"ok"`
	}
	if canon.Unmarshal(out, &res) != nil {
		return "invalid"
	}
	if res.OK != nil && !*res.OK {
		return "error"
	}
	return "ok"
}

// status is the failure shape every op shares.
type status struct {
	OK    *bool           `json:"ok"`
	Error json.RawMessage `json:"error"`
}

// call invokes op with in encoded as CBOR and decodes the result into out.
// A result with ok:false becomes an error.
func (i *Instance) call(ctx context.Context, op string, in, out any) error {
	res, err := i.exec(ctx, op, in)
	if err != nil {
		return err
	}
	var st status
	if err := canon.Unmarshal(res, &st); err != nil {
		return fmt.Errorf("decode %s output: %w", op, err)
	}
	if st.OK != nil && !*st.OK {
		return fmt.Errorf("%s %s: %s", i.provider, op, fault.Message(st.Error))
	}
	if out == nil {
		return nil
	}
	if err := canon.Unmarshal(res, out); err != nil {
		return fmt.Errorf("decode %s output: %w", op, err)
	}
	return nil
}

// exec invokes op with in encoded as CBOR and returns the raw result.
func (i *Instance) exec(ctx context.Context, op string, in any) ([]byte, error) {
	raw, err := canon.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", op, err)
	}
	return i.Invoke(ctx, op, raw), nil
}

// Configure installs cfg as the guest config.
func (i *Instance) Configure(cfg map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.guest.Configure(cfg)
}

// Describe returns the canonical CBOR describe payload.
func (i *Instance) Describe() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.guest.Describe()
}

// QaSpec returns the canonical CBOR questionnaire for mode.
func (i *Instance) QaSpec(mode string) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.guest.QaSpec(mode)
}

// ApplyAnswers forwards to the guest.
func (i *Instance) ApplyAnswers(mode string, answers []byte) []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.guest.ApplyAnswers(mode, answers)
}

// I18nBundle returns the canonical CBOR bundle for locale.
func (i *Instance) I18nBundle(locale string) []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.guest.I18nBundle(locale)
}
