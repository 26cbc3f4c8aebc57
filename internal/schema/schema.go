// Package schema implements the SchemaIr used by provider self-description,
// config validation and redaction.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind tags a schema variant.
type Kind string

const (
	KindBool    Kind = "bool"
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

// Schema is a recursive tagged variant. Title and Description hold i18n keys.
type Schema struct {
	Kind        Kind
	Title       string
	Description string

	// string
	Format string
	Secret bool
	Enum   []string

	// integer
	Minimum *int64
	Maximum *int64

	// object
	Fields               []Field
	AdditionalProperties bool

	// array
	Items *Schema
}

// Field is one ordered object member.
type Field struct {
	Name     string
	Required bool
	Schema   *Schema
}

// Bool builds a bool schema.
func Bool(title, desc string) *Schema {
	return &Schema{Kind: KindBool, Title: title, Description: desc}
}

// String builds a plain string schema.
func String(title, desc string) *Schema {
	return &Schema{Kind: KindString, Title: title, Description: desc}
}

// URL builds a string schema with format uri.
func URL(title, desc string) *Schema {
	return &Schema{Kind: KindString, Title: title, Description: desc, Format: "uri"}
}

// SecretString builds a string schema eligible for redaction.
func SecretString(title, desc string) *Schema {
	return &Schema{Kind: KindString, Title: title, Description: desc, Secret: true}
}

// OneOf builds a string schema restricted to values.
func OneOf(title, desc string, values ...string) *Schema {
	return &Schema{Kind: KindString, Title: title, Description: desc, Enum: values}
}

// Integer builds an integer schema with optional bounds.
func Integer(title, desc string, min, max *int64) *Schema {
	return &Schema{Kind: KindInteger, Title: title, Description: desc, Minimum: min, Maximum: max}
}

// ArrayOf builds an array schema.
func ArrayOf(title, desc string, items *Schema) *Schema {
	return &Schema{Kind: KindArray, Title: title, Description: desc, Items: items}
}

// Object builds an object schema. additional controls whether unknown keys
// are accepted.
func Object(title, desc string, additional bool, fields ...Field) *Schema {
	return &Schema{Kind: KindObject, Title: title, Description: desc, Fields: fields, AdditionalProperties: additional}
}

// Req declares a required field.
func Req(name string, s *Schema) Field { return Field{Name: name, Required: true, Schema: s} }

// Opt declares an optional field.
func Opt(name string, s *Schema) Field { return Field{Name: name, Schema: s} }

// Int64 returns a pointer for integer bounds.
func Int64(v int64) *int64 { return &v }

// Field looks up an object member by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// MarshalJSON writes the tagged form. Object fields keep declaration order.
func (s *Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, v any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
	if err := write("type", s.Kind); err != nil {
		return nil, err
	}
	_ = write("title", s.Title)
	_ = write("description", s.Description)
	switch s.Kind {
	case KindString:
		if s.Format != "" {
			_ = write("format", s.Format)
		}
		_ = write("secret", s.Secret)
		if len(s.Enum) > 0 {
			_ = write("enum", s.Enum)
		}
	case KindInteger:
		if s.Minimum != nil {
			_ = write("minimum", *s.Minimum)
		}
		if s.Maximum != nil {
			_ = write("maximum", *s.Maximum)
		}
	case KindArray:
		if s.Items == nil {
			return nil, fmt.Errorf("array schema %q has no items", s.Title)
		}
		if err := write("items", s.Items); err != nil {
			return nil, err
		}
	case KindObject:
		buf.WriteString(`,"fields":{`)
		for i, f := range s.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(f.Name)
			buf.Write(k)
			buf.WriteString(`:{"required":`)
			if f.Required {
				buf.WriteString("true")
			} else {
				buf.WriteString("false")
			}
			buf.WriteString(`,"schema":`)
			raw, err := json.Marshal(f.Schema)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			buf.Write(raw)
			buf.WriteByte('}')
		}
		buf.WriteByte('}')
		_ = write("additional_properties", s.AdditionalProperties)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type wireSchema struct {
	Type                 Kind            `json:"type"`
	Title                string          `json:"title"`
	Description          string          `json:"description"`
	Format               string          `json:"format"`
	Secret               bool            `json:"secret"`
	Enum                 []string        `json:"enum"`
	Minimum              *int64          `json:"minimum"`
	Maximum              *int64          `json:"maximum"`
	Items                *Schema         `json:"items"`
	Fields               json.RawMessage `json:"fields"`
	AdditionalProperties bool            `json:"additional_properties"`
}

// UnmarshalJSON reads the tagged form, keeping object field order.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var w wireSchema
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Schema{
		Kind: w.Type, Title: w.Title, Description: w.Description,
		Format: w.Format, Secret: w.Secret, Enum: w.Enum,
		Minimum: w.Minimum, Maximum: w.Maximum, Items: w.Items,
		AdditionalProperties: w.AdditionalProperties,
	}
	if w.Type != KindObject || len(w.Fields) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(w.Fields))
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("fields: %w", err)
		}
		name, _ := tok.(string)
		var member struct {
			Required bool    `json:"required"`
			Schema   *Schema `json:"schema"`
		}
		if err := dec.Decode(&member); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		s.Fields = append(s.Fields, Field{Name: name, Required: member.Required, Schema: member.Schema})
	}
	return nil
}
