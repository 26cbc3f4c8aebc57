package packgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/qa"
	"github.com/nidhogg/msgproviders/internal/runtime"
	"github.com/nidhogg/msgproviders/internal/schema"
)

// Environment overrides.
const (
	EnvProviderArtifact = "GREENTIC_PROVIDER_WASM"
	EnvPackBin          = "GREENTIC_PACK_BIN"
)

// BuiltinDigest is recorded when no guest artifact is configured.
const BuiltinDigest = "builtin"

// Manifest is written to manifest.json.
type Manifest struct {
	Provider           string               `json:"provider"`
	ComponentID        string               `json:"component_id"`
	Version            string               `json:"version"`
	World              string               `json:"world"`
	DescribeHash       string               `json:"describe_hash"`
	SchemaHash         string               `json:"schema_hash"`
	ArtifactDigest     string               `json:"artifact_digest"`
	Operations         []string             `json:"operations"`
	Tenants            []string             `json:"tenants"`
	Flows              []string             `json:"flows"`
	Locales            []string             `json:"locales"`
	Capabilities       planner.Capabilities `json:"capabilities"`
	SecretRequirements []SecretRequirement  `json:"secret_requirements"`
}

// SecretRequirement names a secret the provider expects in the tenant
// secret store.
type SecretRequirement struct {
	Name        string `json:"name"`
	Scope       string `json:"scope"`
	Description string `json:"description,omitempty"`
}

// Generator writes packs for the providers of a registry.
type Generator struct {
	registry *runtime.Registry
	artifact string
	packBin  string
	logger   *zap.Logger
	lockWait time.Duration
	run      func(ctx context.Context, name string, args ...string) error
}

// NewGenerator reads the artifact and pack binary overrides from the
// environment.
func NewGenerator(reg *runtime.Registry, logger *zap.Logger) *Generator {
	return &Generator{
		registry: reg,
		artifact: os.Getenv(EnvProviderArtifact),
		packBin:  os.Getenv(EnvPackBin),
		logger:   logger,
		lockWait: 5 * time.Second,
		run:      runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ExitCode maps a generation error to the process exit status: 1 for an
// invalid spec, 2 for everything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsValidation(err):
		return 1
	default:
		return 2
	}
}

// GenerateFile loads the spec at path and writes its pack to out.
func (g *Generator) GenerateFile(ctx context.Context, path, out string) (*Manifest, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}
	return g.Generate(ctx, spec, out)
}

// GenerateAll writes one pack per spec in specDir to out/<provider>. It
// keeps going after a failure; an I/O failure outranks validation ones in
// the returned error.
func (g *Generator) GenerateAll(ctx context.Context, specDir, out string) ([]*Manifest, error) {
	files, err := SpecFiles(specDir)
	if err != nil {
		return nil, err
	}
	var (
		manifests []*Manifest
		verrs     []error
		ioerrs    []error
	)
	for _, f := range files {
		spec, err := LoadSpec(f)
		if err == nil {
			var m *Manifest
			m, err = g.Generate(ctx, spec, filepath.Join(out, spec.Provider))
			if err == nil {
				manifests = append(manifests, m)
				continue
			}
		}
		err = fmt.Errorf("%s: %w", filepath.Base(f), err)
		if IsValidation(err) {
			verrs = append(verrs, err)
		} else {
			ioerrs = append(ioerrs, err)
		}
	}
	if len(ioerrs) > 0 {
		return manifests, errors.Join(append(ioerrs, verrs...)...)
	}
	return manifests, errors.Join(verrs...)
}

// Generate validates spec against the registered provider and writes the
// pack to out while holding a lock on the directory.
func (g *Generator) Generate(ctx context.Context, spec *PackSpec, out string) (*Manifest, error) {
	adapter, err := g.registry.Adapter(spec.Provider)
	if err != nil {
		return nil, invalid("", "%v", err)
	}
	guest := runtime.New(adapter, host.Bindings{})
	ps := guest.Spec()

	flows, err := BuildFlows(ps, spec.Flows)
	if err != nil {
		return nil, err
	}
	catalog := ps.Catalog()
	if err := catalog.Check(ps.UsedKeys()); err != nil {
		return nil, invalid("", "%s: %v", spec.Provider, err)
	}
	locales := catalog.Locales()
	for _, l := range spec.I18n.Locales {
		if !slices.Contains(locales, l) {
			return nil, invalid("", "%s has no %q translations (have %v)", spec.Provider, l, locales)
		}
	}

	digest, err := g.artifactDigest()
	if err != nil {
		return nil, err
	}
	describe := guest.Describe()
	d := ps.Describe()
	m := &Manifest{
		Provider:           spec.Provider,
		ComponentID:        ps.ID(),
		Version:            spec.Version,
		World:              d.World,
		DescribeHash:       canon.SHA256Hex(describe),
		SchemaHash:         d.SchemaHash,
		ArtifactDigest:     digest,
		Operations:         ps.Ops(),
		Tenants:            append([]string{}, spec.Tenants...),
		Locales:            spec.I18n.Locales,
		Capabilities:       ps.Caps,
		SecretRequirements: secretRequirements(ps.AllSettings()),
	}
	for _, f := range flows {
		m.Flows = append(m.Flows, f.ID)
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	lock := flock.New(filepath.Join(out, ".packgen.lock"))
	lockCtx, cancel := context.WithTimeout(ctx, g.lockWait)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("lock %s: %w", out, errors.Join(err, errors.New("output directory is in use")))
	}
	defer lock.Unlock()

	texts := catalog.Bundle(qa.DefaultLocale).Messages
	translate := func(k string) string { return texts[k] }
	files := map[string]any{
		"manifest.json":              m,
		"schemas/input.schema.json":  schema.ToJSONSchema(d.InputSchema, translate),
		"schemas/output.schema.json": schema.ToJSONSchema(d.OutputSchema, translate),
		"schemas/config.schema.json": schema.ToJSONSchema(d.ConfigSchema, translate),
		"describe.json":              d,
	}
	for _, f := range flows {
		files["flows/"+f.ID+".json"] = f
	}
	for _, l := range spec.I18n.Locales {
		files["i18n/"+l+".json"] = catalog.Bundle(l)
	}
	for _, mode := range qa.Modes {
		files["qa/"+string(mode)+".json"] = ps.Form().Spec(mode)
	}
	for name, v := range files {
		if err := writeJSON(filepath.Join(out, name), v); err != nil {
			return nil, err
		}
	}

	if g.packBin != "" {
		if err := g.run(ctx, g.packBin, "build", "--in", out); err != nil {
			return nil, fmt.Errorf("%s build: %w", g.packBin, err)
		}
	}
	g.logger.Info("pack generated",
		zap.String("provider", spec.Provider),
		zap.String("out", out),
		zap.Int("flows", len(flows)),
		zap.Int("files", len(files)),
	)
	return m, nil
}

func (g *Generator) artifactDigest() (string, error) {
	if g.artifact == "" {
		return BuiltinDigest, nil
	}
	data, err := os.ReadFile(g.artifact)
	if err != nil {
		return "", fmt.Errorf("read provider artifact: %w", err)
	}
	return "sha256:" + canon.SHA256Hex(data), nil
}

func secretRequirements(settings []provider.Setting) []SecretRequirement {
	out := []SecretRequirement{}
	for _, st := range settings {
		if st.Secret && st.SecretKey != "" {
			out = append(out, SecretRequirement{Name: st.SecretKey, Scope: "tenant", Description: st.Help})
		}
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
