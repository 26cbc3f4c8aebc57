// Package fault defines the error kinds visible at the guest boundary.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a boundary error.
type Kind string

const (
	Input             Kind = "input"
	Config            Kind = "config"
	MissingSecret     Kind = "missing_secret"
	Transport         Kind = "transport"
	Domain            Kind = "domain"
	CapabilityMissing Kind = "capability_missing"
)

// Error is a classified failure. Name and Scope are set for MissingSecret.
type Error struct {
	Kind  Kind
	Msg   string
	Name  string
	Scope string
	Err   error
}

func (e *Error) Error() string {
	if e.Kind == MissingSecret {
		return "missing secret: " + e.Name
	}
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the host may retry the operation.
func (e *Error) Retryable() bool { return e.Kind == Transport }

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func Inputf(format string, args ...any) *Error     { return newf(Input, format, args...) }
func Configf(format string, args ...any) *Error    { return newf(Config, format, args...) }
func Domainf(format string, args ...any) *Error    { return newf(Domain, format, args...) }
func Transportf(format string, args ...any) *Error { return newf(Transport, format, args...) }

// Wrap classifies err under kind with a short prefix.
func Wrap(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Secret reports a secret that the store does not hold.
func Secret(name, scope string) *Error {
	return &Error{Kind: MissingSecret, Name: name, Scope: scope}
}

// KindOf returns the kind of err, defaulting to Input for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Input
}

// IsRetryable reports whether err is a transport failure.
func IsRetryable(err error) bool {
	return KindOf(err) == Transport
}

// Line renders err as a single line suitable for the `error` field.
func Line(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// Payload is the `error` field value. MissingSecret is structured, every
// other kind is the one-line string.
func Payload(err error) any {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == MissingSecret {
		return map[string]any{
			"MissingSecret": map[string]string{"name": fe.Name, "scope": fe.Scope},
		}
	}
	return Line(err)
}

// Message extracts a readable string from an `error` field that may be a
// plain string or the structured MissingSecret form.
func Message(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var ms struct {
		MissingSecret struct {
			Name string `json:"name"`
		} `json:"MissingSecret"`
	}
	if json.Unmarshal(raw, &ms) == nil && ms.MissingSecret.Name != "" {
		return "missing secret: " + ms.MissingSecret.Name
	}
	return string(raw)
}
