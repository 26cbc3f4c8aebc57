package schema

import (
	"encoding/json"
	"strconv"

	"github.com/invopop/jsonschema"
)

// ToJSONSchema converts s into a JSON Schema document. translate resolves
// the i18n keys held in titles and descriptions; nil keeps the keys.
func ToJSONSchema(s *Schema, translate func(string) string) *jsonschema.Schema {
	if translate == nil {
		translate = func(k string) string { return k }
	}
	root := convert(s, translate)
	root.Version = jsonschema.Version
	return root
}

func convert(s *Schema, tr func(string) string) *jsonschema.Schema {
	js := &jsonschema.Schema{
		Title:       tr(s.Title),
		Description: tr(s.Description),
	}
	switch s.Kind {
	case KindBool:
		js.Type = "boolean"
	case KindString:
		js.Type = "string"
		js.Format = s.Format
		if s.Secret {
			js.WriteOnly = true
		}
		for _, e := range s.Enum {
			js.Enum = append(js.Enum, e)
		}
	case KindInteger:
		js.Type = "integer"
		if s.Minimum != nil {
			js.Minimum = jsonNumber(*s.Minimum)
		}
		if s.Maximum != nil {
			js.Maximum = jsonNumber(*s.Maximum)
		}
	case KindArray:
		js.Type = "array"
		js.Items = convert(s.Items, tr)
	case KindObject:
		js.Type = "object"
		js.Properties = jsonschema.NewProperties()
		for _, f := range s.Fields {
			js.Properties.Set(f.Name, convert(f.Schema, tr))
			if f.Required {
				js.Required = append(js.Required, f.Name)
			}
		}
		if s.AdditionalProperties {
			js.AdditionalProperties = jsonschema.TrueSchema
		} else {
			js.AdditionalProperties = jsonschema.FalseSchema
		}
	}
	return js
}

func jsonNumber(n int64) json.Number {
	return json.Number(strconv.FormatInt(n, 10))
}
