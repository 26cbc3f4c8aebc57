package schema

import (
	"github.com/nidhogg/msgproviders/internal/canon"
)

// World is the component world every provider describes itself under.
const World = "greentic:component/component@0.6.0"

// Operation names one invokable op. Title and Description are i18n keys.
type Operation struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Redaction marks a JSON path whose value must never be logged or echoed.
type Redaction struct {
	Path     string `json:"path"`
	Strategy string `json:"strategy"`
}

// DescribePayload is a provider's self-description.
type DescribePayload struct {
	Provider     string      `json:"provider"`
	World        string      `json:"world"`
	Operations   []Operation `json:"operations"`
	InputSchema  *Schema     `json:"input_schema"`
	OutputSchema *Schema     `json:"output_schema"`
	ConfigSchema *Schema     `json:"config_schema"`
	Redactions   []Redaction `json:"redactions"`
	SchemaHash   string      `json:"schema_hash"`
}

// Hash is sha256_hex(cbor(in) || cbor(out) || cbor(config)) over canonical
// CBOR encodings.
func Hash(in, out, config *Schema) string {
	return canon.SHA256Hex(canon.MustMarshal(in), canon.MustMarshal(out), canon.MustMarshal(config))
}

// NewDescribe assembles a payload and computes its redactions and hash.
func NewDescribe(provider string, ops []Operation, in, out, config *Schema) DescribePayload {
	return DescribePayload{
		Provider:     provider,
		World:        World,
		Operations:   ops,
		InputSchema:  in,
		OutputSchema: out,
		ConfigSchema: config,
		Redactions:   Redactions(config, "$.config"),
		SchemaHash:   Hash(in, out, config),
	}
}

// Verify recomputes the hash and reports whether it matches.
func (d DescribePayload) Verify() bool {
	return d.SchemaHash == Hash(d.InputSchema, d.OutputSchema, d.ConfigSchema)
}

// Redactions lists the paths of secret string fields under prefix.
func Redactions(s *Schema, prefix string) []Redaction {
	type item struct {
		s    *Schema
		path string
	}
	out := []Redaction{}
	stack := []item{{s, prefix}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch it.s.Kind {
		case KindString:
			if it.s.Secret {
				out = append(out, Redaction{Path: it.path, Strategy: "mask"})
			}
		case KindArray:
			stack = append(stack, item{it.s.Items, it.path + "[*]"})
		case KindObject:
			for i := len(it.s.Fields) - 1; i >= 0; i-- {
				f := it.s.Fields[i]
				stack = append(stack, item{f.Schema, it.path + "." + f.Name})
			}
		}
	}
	return out
}

// Mask is the replacement for redacted values.
const Mask = "***"

// Redact returns a copy of an object value with secret fields masked.
func Redact(s *Schema, v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		f, ok := s.Field(k)
		switch {
		case !ok:
			out[k] = val
		case f.Schema.Kind == KindString && f.Schema.Secret:
			if str, _ := val.(string); str != "" {
				out[k] = Mask
			} else {
				out[k] = val
			}
		case f.Schema.Kind == KindObject:
			if m, isObj := val.(map[string]any); isObj {
				out[k] = Redact(f.Schema, m)
			} else {
				out[k] = val
			}
		default:
			out[k] = val
		}
	}
	return out
}
