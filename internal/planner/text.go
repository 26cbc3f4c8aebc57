package planner

import (
	"fmt"
	"unicode/utf8"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

// Warning codes.
const (
	WarnDownsampled       = "adaptive_card_downsampled"
	WarnTextTruncated     = "text_truncated"
	WarnActionsTruncated  = "actions_truncated"
	WarnAttachmentDropped = "attachment_dropped"
	WarnUnknownElement    = "unknown_element"
	WarnCardTooLarge      = "card_too_large"
	WarnMessageIDUnknown  = "provider_message_id_unknown"
)

// TruncateChars keeps at most n Unicode scalar values. n <= 0 means no limit.
func TruncateChars(s string, n int) (string, bool) {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}

// TruncateBytes keeps at most n bytes without splitting a rune.
func TruncateBytes(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// FitEncoded returns the longest prefix of raw (by runes) whose encoded form
// fits within maxBytes, together with that encoded form. encode is typically
// an HTML escaper, so cutting happens before escaping and never splits an
// entity.
func FitEncoded(raw string, maxBytes int, encode func(string) string) (string, bool) {
	enc := encode(raw)
	if maxBytes <= 0 || len(enc) <= maxBytes {
		return enc, false
	}
	runes := []rune(raw)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if len(encode(string(runes[:mid]))) <= maxBytes {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return encode(string(runes[:lo])), true
}

// TruncatedWarning builds a text_truncated warning.
func TruncatedWarning(limit int, unit, path string) envelope.Warning {
	return envelope.Warning{
		Code:    WarnTextTruncated,
		Message: fmt.Sprintf("text truncated to %d %s", limit, unit),
		Path:    path,
	}
}

// CapActions keeps the first max actions and warns for each dropped one.
func CapActions(actions []Action, max int) ([]Action, []envelope.Warning) {
	if max <= 0 || len(actions) <= max {
		return actions, nil
	}
	var warns []envelope.Warning
	for _, a := range actions[max:] {
		warns = append(warns, envelope.Warning{
			Code:    WarnActionsTruncated,
			Message: fmt.Sprintf("action %q dropped, limit is %d", a.Title, max),
			Path:    a.Path,
		})
	}
	return actions[:max], warns
}
