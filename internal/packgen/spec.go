// Package packgen materialises provider packs: manifests, JSON schemas,
// flow graphs, questionnaires and i18n bundles, from a TOML pack spec.
package packgen

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/BurntSushi/toml"
)

// PackSpec is the TOML input describing one pack.
type PackSpec struct {
	Provider string    `toml:"provider"`
	Version  string    `toml:"version"`
	Tenants  []string  `toml:"tenants"`
	Flows    FlowsSpec `toml:"flows"`
	I18n     I18nSpec  `toml:"i18n"`
}

// FlowsSpec selects the flow graphs to emit.
type FlowsSpec struct {
	Ingress       bool `toml:"ingress"`
	Egress        bool `toml:"egress"`
	Subscriptions bool `toml:"subscriptions"`
}

type I18nSpec struct {
	Locales []string `toml:"locales"`
}

// ValidationError is a problem with the pack spec rather than with I/O.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return e.Path + ": " + e.Msg
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err stems from an invalid spec.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?$`)

// LoadSpec reads and decodes a pack spec. Unknown keys are rejected.
func LoadSpec(path string) (*PackSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	var s PackSpec
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return nil, invalid(path, "parse: %v", err)
	}
	if extra := md.Undecoded(); len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for _, k := range extra {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, invalid(path, "unknown keys: %v", keys)
	}
	if err := s.validate(path); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *PackSpec) validate(path string) error {
	if s.Provider == "" {
		return invalid(path, "provider is required")
	}
	if !versionRe.MatchString(s.Version) {
		return invalid(path, "version %q is not a semantic version", s.Version)
	}
	if !s.Flows.Ingress && !s.Flows.Egress && !s.Flows.Subscriptions {
		return invalid(path, "at least one flow must be enabled")
	}
	if len(s.I18n.Locales) == 0 {
		s.I18n.Locales = []string{"en"}
	}
	return nil
}

// SpecFiles lists the *.toml files of dir in name order.
func SpecFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("spec dir: %w", err)
		}
		return nil, invalid(dir, "no *.toml pack specs found")
	}
	sort.Strings(files)
	return files, nil
}
