package envelope

import (
	"fmt"
	"strings"
	"time"
)

const maxTenantPart = 64

// TenantCtx identifies the logical owner of state and secrets.
type TenantCtx struct {
	Env        string `json:"env"`
	Tenant     string `json:"tenant"`
	Team       string `json:"team,omitempty"`
	DeadlineMS int64  `json:"deadline_ms,omitempty"`
}

// NewTenantCtx validates and lower-cases each part.
func NewTenantCtx(env, tenant, team string) (TenantCtx, error) {
	t := TenantCtx{
		Env:    strings.ToLower(strings.TrimSpace(env)),
		Tenant: strings.ToLower(strings.TrimSpace(tenant)),
		Team:   strings.ToLower(strings.TrimSpace(team)),
	}
	if err := t.Validate(); err != nil {
		return TenantCtx{}, err
	}
	return t, nil
}

// Validate checks the shape rules without normalizing.
func (t TenantCtx) Validate() error {
	if err := checkPart("env", t.Env, true); err != nil {
		return err
	}
	if err := checkPart("tenant", t.Tenant, true); err != nil {
		return err
	}
	return checkPart("team", t.Team, false)
}

// Normalized returns a lower-cased copy.
func (t TenantCtx) Normalized() TenantCtx {
	t.Env = strings.ToLower(t.Env)
	t.Tenant = strings.ToLower(t.Tenant)
	t.Team = strings.ToLower(t.Team)
	return t
}

// Equal compares case-insensitively and ignores the deadline.
func (t TenantCtx) Equal(o TenantCtx) bool {
	return strings.EqualFold(t.Env, o.Env) &&
		strings.EqualFold(t.Tenant, o.Tenant) &&
		strings.EqualFold(t.Team, o.Team)
}

// Deadline converts DeadlineMS (unix millis) to a time, if set.
func (t TenantCtx) Deadline() (time.Time, bool) {
	if t.DeadlineMS <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(t.DeadlineMS), true
}

func (t TenantCtx) String() string {
	if t.Team == "" {
		return t.Env + "/" + t.Tenant
	}
	return t.Env + "/" + t.Tenant + "/" + t.Team
}

func checkPart(name, v string, required bool) error {
	if v == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	if len(v) > maxTenantPart {
		return fmt.Errorf("%s exceeds %d characters", name, maxTenantPart)
	}
	for _, r := range v {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '-' || r == '_' || r == '.'
		if !ok {
			return fmt.Errorf("%s contains invalid character %q", name, r)
		}
	}
	return nil
}
