package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"strings"
)

// Validate checks v against s. v is a JSON-shaped value tree. Required
// strings must be non-empty and unknown object keys are rejected unless
// AdditionalProperties is set.
func Validate(s *Schema, v any) error {
	return validate(s, v, "$")
}

func validate(s *Schema, v any, path string) error {
	switch s.Kind {
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	case KindString:
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", path)
		}
		if len(s.Enum) > 0 && !contains(s.Enum, str) {
			return fmt.Errorf("%s: unknown value %q, expected one of %s", path, str, strings.Join(s.Enum, ", "))
		}
		if str == "" {
			return nil
		}
		switch s.Format {
		case "uri":
			u, err := url.Parse(str)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("%s: %q is not an http(s) URL", path, str)
			}
		case "email":
			if _, err := mail.ParseAddress(str); err != nil {
				return fmt.Errorf("%s: %q is not an email address", path, str)
			}
		}
	case KindInteger:
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("%s: expected integer", path)
		}
		if s.Minimum != nil && n < *s.Minimum {
			return fmt.Errorf("%s: %d is below minimum %d", path, n, *s.Minimum)
		}
		if s.Maximum != nil && n > *s.Maximum {
			return fmt.Errorf("%s: %d is above maximum %d", path, n, *s.Maximum)
		}
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		for i, item := range arr {
			if err := validate(s.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		for _, f := range s.Fields {
			val, present := obj[f.Name]
			if !present || val == nil {
				if f.Required {
					return fmt.Errorf("%s.%s: required", path, f.Name)
				}
				continue
			}
			if f.Required && f.Schema.Kind == KindString && strings.TrimSpace(fmt.Sprint(val)) == "" {
				return fmt.Errorf("%s.%s: required value is empty", path, f.Name)
			}
			if err := validate(f.Schema, val, path+"."+f.Name); err != nil {
				return err
			}
		}
		if !s.AdditionalProperties {
			for k := range obj {
				if _, ok := s.Field(k); !ok {
					return fmt.Errorf("%s.%s: unknown field", path, k)
				}
			}
		}
	default:
		return fmt.Errorf("%s: unsupported schema kind %q", path, s.Kind)
	}
	return nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
