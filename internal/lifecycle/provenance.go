package lifecycle

import (
	"context"
	"fmt"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

// Provenance snapshots the hashes of the provider build a tenant was set up
// with.
type Provenance struct {
	DescribeHash   string `json:"describe_hash"`
	ArtifactDigest string `json:"artifact_digest"`
	SchemaHash     string `json:"schema_hash"`
}

// NeedsMigration reports whether a provider with schemaHash differs from
// the recorded one.
func (p Provenance) NeedsMigration(schemaHash string) bool {
	return p.SchemaHash != schemaHash
}

// LoadProvenance reads the canonical provenance record.
func LoadProvenance(ctx context.Context, st host.State, scope Scope, tenant *envelope.TenantCtx) (Provenance, bool, error) {
	raw, ok, err := st.Read(ctx, scope.ProvenanceKey(), tenant)
	if err != nil || !ok {
		return Provenance{}, false, err
	}
	var p Provenance
	if err := canon.Unmarshal(raw, &p); err != nil {
		return Provenance{}, false, fmt.Errorf("decode %s: %w", scope.ProvenanceKey(), err)
	}
	return p, true, nil
}

// StoreProvenance writes p as canonical CBOR.
func StoreProvenance(ctx context.Context, st host.State, scope Scope, p Provenance, tenant *envelope.TenantCtx) error {
	raw, err := canon.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	return st.Write(ctx, scope.ProvenanceKey(), raw, tenant)
}
