// Package qa builds setup questionnaires from a provider config schema and
// merges answers back into a validated config.
package qa

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/msgproviders/internal/schema"
)

// Mode selects which questionnaire is produced.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeSetup   Mode = "setup"
	ModeUpgrade Mode = "upgrade"
	ModeRemove  Mode = "remove"
)

// Modes lists every mode in presentation order.
var Modes = []Mode{ModeDefault, ModeSetup, ModeUpgrade, ModeRemove}

var modeNames = map[string]Mode{
	"default": ModeDefault, "Default": ModeDefault,
	"setup": ModeSetup, "Setup": ModeSetup,
	"upgrade": ModeUpgrade, "Upgrade": ModeUpgrade,
	"remove": ModeRemove, "Remove": ModeRemove,
}

// ParseMode accepts a mode by its wire name ("setup") or its enum name
// ("Setup"). Any other spelling is rejected.
func ParseMode(s string) (Mode, error) {
	if m, ok := modeNames[s]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unknown qa mode %q", s)
}

// ExistingConfig is the synthetic upgrade question carrying the stored config.
const ExistingConfig = "existing_config"

// Question is one prompt. Label and Help are i18n keys.
type Question struct {
	ID       string      `json:"id"`
	Label    string      `json:"label"`
	Help     string      `json:"help,omitempty"`
	Kind     schema.Kind `json:"kind"`
	Secret   bool        `json:"secret,omitempty"`
	Required bool        `json:"required"`
	Choices  []string    `json:"choices,omitempty"`
	Default  any         `json:"default,omitempty"`
}

// Spec is the questionnaire for one mode.
type Spec struct {
	Mode      Mode       `json:"mode"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// RemovePlan lists the cleanup steps a host should run on removal.
type RemovePlan struct {
	RemoveAll bool     `json:"remove_all"`
	Cleanup   []string `json:"cleanup"`
}

// Result is the outcome of ApplyAnswers.
type Result struct {
	OK          bool           `json:"ok"`
	Config      map[string]any `json:"config,omitempty"`
	Error       string         `json:"error,omitempty"`
	Remove      *RemovePlan    `json:"remove,omitempty"`
	Diagnostics []string       `json:"diagnostics"`
}

// Form ties a provider's config schema to its defaults and removal plan.
type Form struct {
	Provider string
	Config   *schema.Schema
	Defaults map[string]any
	Cleanup  []string
}

// TitleKey is the i18n key of a mode title.
func (f Form) TitleKey(m Mode) string {
	return fmt.Sprintf("%s.qa.%s.title", f.Provider, m)
}

// LabelKey is the i18n key of a setup question.
func (f Form) LabelKey(field string) string {
	return fmt.Sprintf("%s.qa.setup.%s", f.Provider, field)
}

// ExistingConfigKey labels the synthetic upgrade question.
func (f Form) ExistingConfigKey() string {
	return fmt.Sprintf("%s.qa.upgrade.%s", f.Provider, ExistingConfig)
}

func (f Form) question(field schema.Field, required bool) Question {
	q := Question{
		ID:       field.Name,
		Label:    f.LabelKey(field.Name),
		Help:     field.Schema.Description,
		Kind:     field.Schema.Kind,
		Secret:   field.Schema.Secret,
		Required: required,
		Choices:  field.Schema.Enum,
	}
	if d, ok := f.Defaults[field.Name]; ok {
		q.Default = d
	}
	return q
}

// Spec builds the questionnaire for m.
func (f Form) Spec(m Mode) Spec {
	out := Spec{Mode: m, Title: f.TitleKey(m), Questions: []Question{}}
	switch m {
	case ModeSetup:
		for _, field := range f.Config.Fields {
			out.Questions = append(out.Questions, f.question(field, field.Required))
		}
	case ModeUpgrade:
		for _, field := range f.Config.Fields {
			out.Questions = append(out.Questions, f.question(field, false))
		}
		out.Questions = append(out.Questions, Question{
			ID:    ExistingConfig,
			Label: f.ExistingConfigKey(),
			Kind:  schema.KindObject,
		})
	case ModeDefault:
		for _, field := range f.Config.Fields {
			if _, hasDefault := f.Defaults[field.Name]; field.Required && !hasDefault {
				out.Questions = append(out.Questions, f.question(field, true))
			}
		}
	}
	return out
}

// Keys returns every i18n key referenced by the questionnaires, in order
// and without duplicates.
func (f Form) Keys() []string {
	seen := map[string]bool{}
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, m := range Modes {
		s := f.Spec(m)
		add(s.Title)
		for _, q := range s.Questions {
			add(q.Label)
			add(q.Help)
		}
	}
	return keys
}

// Apply merges answers for m and validates the result. Remove returns the
// cleanup plan and never touches config.
func (f Form) Apply(m Mode, answers map[string]any) Result {
	res := Result{Diagnostics: []string{}}
	if m == ModeRemove {
		res.OK = true
		res.Remove = &RemovePlan{RemoveAll: true, Cleanup: append([]string{}, f.Cleanup...)}
		return res
	}

	merged := map[string]any{}
	if m == ModeUpgrade {
		if existing, ok := existingConfig(answers); ok {
			for k, v := range existing {
				merged[k] = v
			}
		} else {
			res.Diagnostics = append(res.Diagnostics, "upgrade without existing_config, starting from defaults")
		}
	}
	for k, v := range f.Defaults {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == ExistingConfig || k == "config" {
			continue
		}
		v := answers[k]
		field, known := f.Config.Field(k)
		switch {
		case v == nil:
			continue
		case known && !field.Required && field.Schema.Kind == schema.KindString && isBlank(v):
			delete(merged, k)
			continue
		case known && field.Required && field.Schema.Kind == schema.KindString && isBlank(v):
			if _, ok := f.Defaults[k]; ok {
				continue
			}
		}
		merged[k] = v
	}

	if err := schema.Validate(f.Config, merged); err != nil {
		res.Error = fmt.Sprintf("invalid config: %v", err)
		return res
	}
	res.OK = true
	res.Config = merged
	return res
}

func existingConfig(answers map[string]any) (map[string]any, bool) {
	for _, k := range []string{ExistingConfig, "config"} {
		if m, ok := answers[k].(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
