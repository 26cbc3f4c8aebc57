// Package canon implements the deterministic CBOR encoding used across the
// guest ABI: RFC 8949 §4.2.1 core deterministic encoding with NaN, infinities
// and tags rejected. Values cross the boundary as JSON-compatible data, so
// every encode goes JSON-shaped value -> CBOR and every decode goes the other
// way.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// MaxDocument caps CBOR input and output at the ABI boundary.
const MaxDocument = 4 << 20

// ErrTooLarge is returned when a document exceeds MaxDocument.
var ErrTooLarge = errors.New("payload too large")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.NaNConvert = cbor.NaNConvertReject
	eo.InfConvert = cbor.InfConvertReject
	eo.TagsMd = cbor.TagsForbidden
	em, err := eo.EncMode()
	if err != nil {
		panic(fmt.Sprintf("canon: build enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		TagsMd:          cbor.TagsForbidden,
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canon: build dec mode: %v", err))
	}
	decMode = dm
}

// Marshal encodes v (anything encoding/json accepts) as canonical CBOR.
// JSON tags and custom MarshalJSON methods decide the shape.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return FromJSON(raw)
}

// MustMarshal is Marshal for values known to be encodable, such as static
// schemas. It panics on error.
func MustMarshal(v any) []byte {
	out, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("canon: %v", err))
	}
	return out
}

// Unmarshal decodes canonical CBOR into v through its JSON shape.
func Unmarshal(data []byte, v any) error {
	raw, err := ToJSON(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// FromJSON converts a JSON document to canonical CBOR.
func FromJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	out, err := encMode.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("encode cbor: %w", err)
	}
	if len(out) > MaxDocument {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Bytes encodes b as a CBOR byte string.
func Bytes(b []byte) ([]byte, error) {
	if len(b) > MaxDocument {
		return nil, ErrTooLarge
	}
	return encMode.Marshal(b)
}

// ToJSON converts a CBOR document to JSON. Byte strings become base64 text.
func ToJSON(data []byte) ([]byte, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return out, nil
}

// Decode parses a CBOR document into a JSON-compatible value tree.
func Decode(data []byte) (any, error) {
	if len(data) > MaxDocument {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, errors.New("decode cbor: empty input")
	}
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode cbor: %w", err)
	}
	return v, nil
}

// IsObject reports whether data decodes as a CBOR map.
func IsObject(data []byte) bool {
	v, err := Decode(data)
	if err != nil {
		return false
	}
	_, ok := v.(map[string]any)
	return ok
}

// SHA256Hex hashes the concatenation of parts and returns lower-case hex.
func SHA256Hex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalize turns json.Number into the narrowest integer type, or float64
// when the literal is not integral.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(string(t), 10, 64); err == nil {
			return u, nil
		}
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", t, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %q is not finite", t)
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case map[string]any:
		for k, child := range t {
			n, err := normalize(child)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, child := range t {
			n, err := normalize(child)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

// CanonicalJSON re-encodes v as JSON with object keys sorted and numbers
// kept verbatim.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
