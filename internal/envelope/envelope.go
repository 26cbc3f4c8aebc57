// Package envelope holds the cross-channel message model and the versioned
// DTOs exchanged with provider guests.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Channel names a provider family.
type Channel string

const (
	Slack    Channel = "slack"
	Telegram Channel = "telegram"
	Webex    Channel = "webex"
	Teams    Channel = "teams"
	WhatsApp Channel = "whatsapp"
	Webchat  Channel = "webchat"
	Email    Channel = "email"
	Dummy    Channel = "dummy"
	Discord  Channel = "discord"
)

// DestinationKind selects how a provider addresses a destination. Empty means
// the provider default.
type DestinationKind string

const (
	KindDefault DestinationKind = ""
	KindChannel DestinationKind = "channel"
	KindUser    DestinationKind = "user"
	KindPerson  DestinationKind = "person"
	KindRoom    DestinationKind = "room"
	KindEmail   DestinationKind = "email"
	KindPhone   DestinationKind = "phone"
	KindChat    DestinationKind = "chat"
)

// Valid reports whether k is one of the known kinds.
func (k DestinationKind) Valid() bool {
	switch k {
	case KindDefault, KindChannel, KindUser, KindPerson, KindRoom, KindEmail, KindPhone, KindChat:
		return true
	}
	return false
}

// Well-known metadata keys.
const (
	MetaAdaptiveCard  = "adaptive_card"
	MetaReplyToID     = "reply_to_id"
	MetaParentID      = "parentId"
	MetaPhoneNumberID = "phone_number_id"
	MetaThreadTS      = "thread_ts"
	MetaThreadID      = "message_thread_id"
	MetaGraphMessage  = "graph_message_id"
	MetaProviderMsgID = "provider_message_id"
	MetaSubject       = "subject"
	MetaHTML          = "html"
	MetaRoute         = "route"
)

// WhatsAppMediaKeys lists the media metadata keys in send order.
var WhatsAppMediaKeys = []string{"wa_video", "wa_audio", "wa_image", "wa_document", "wa_sticker", "wa_location"}

// Actor is the sender of a message.
type Actor struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`
}

// Destination is one addressee.
type Destination struct {
	ID   string          `json:"id"`
	Kind DestinationKind `json:"kind,omitempty"`
}

// Attachment references binary content by URL.
type Attachment struct {
	MimeType  string `json:"mime_type"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ChannelMessageEnvelope is the cross-channel message record.
type ChannelMessageEnvelope struct {
	ID            string            `json:"id"`
	Tenant        TenantCtx         `json:"tenant"`
	Channel       Channel           `json:"channel"`
	SessionID     string            `json:"session_id"`
	ReplyScope    string            `json:"reply_scope,omitempty"`
	From          *Actor            `json:"from,omitempty"`
	To            []Destination     `json:"to"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Text          string            `json:"text,omitempty"`
	Attachments   []Attachment      `json:"attachments"`
	Metadata      map[string]string `json:"metadata"`
}

// MarshalJSON keeps `to`, `attachments` and `metadata` present when empty.
func (e ChannelMessageEnvelope) MarshalJSON() ([]byte, error) {
	type plain ChannelMessageEnvelope
	p := plain(e)
	if p.To == nil {
		p.To = []Destination{}
	}
	if p.Attachments == nil {
		p.Attachments = []Attachment{}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	return json.Marshal(p)
}

// Meta returns a metadata value, or "" when absent.
func (e *ChannelMessageEnvelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map when needed. Empty values
// are not stored.
func (e *ChannelMessageEnvelope) SetMeta(key, value string) {
	if value == "" {
		return
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// HasAdaptiveCard reports whether the adaptive_card metadata key is set.
func (e *ChannelMessageEnvelope) HasAdaptiveCard() bool {
	return strings.TrimSpace(e.Meta(MetaAdaptiveCard)) != ""
}

// AdaptiveCard decodes the adaptive_card metadata key.
func (e *ChannelMessageEnvelope) AdaptiveCard() (map[string]any, bool, error) {
	raw := strings.TrimSpace(e.Meta(MetaAdaptiveCard))
	if raw == "" {
		return nil, false, nil
	}
	var card map[string]any
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		return nil, true, fmt.Errorf("adaptive_card is not a JSON object: %w", err)
	}
	return card, true, nil
}

// ReplyTarget returns the thread or parent id to reply into.
func (e *ChannelMessageEnvelope) ReplyTarget() string {
	if e.ReplyScope != "" {
		return e.ReplyScope
	}
	return e.Meta(MetaReplyToID)
}

// FirstDestination returns the first destination, if any.
func (e *ChannelMessageEnvelope) FirstDestination() (Destination, bool) {
	if len(e.To) == 0 {
		return Destination{}, false
	}
	return e.To[0], true
}

// ErrNoContent is returned for outbound envelopes with nothing to send.
var ErrNoContent = errors.New("text, adaptive_card or attachments required")

// ValidateOutbound checks the outbound invariants for provider ch.
// hasDefaultDest relaxes the non-empty `to` rule.
func (e *ChannelMessageEnvelope) ValidateOutbound(ch Channel, hasDefaultDest bool) error {
	if e.Channel != "" && e.Channel != ch {
		return fmt.Errorf("channel mismatch: envelope is %q, provider is %q", e.Channel, ch)
	}
	if strings.TrimSpace(e.Text) == "" && !e.HasAdaptiveCard() && len(e.Attachments) == 0 && !hasMedia(e) {
		return ErrNoContent
	}
	if len(e.To) == 0 && !hasDefaultDest {
		return errors.New("destination required")
	}
	for i, d := range e.To {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("to[%d].id is empty", i)
		}
		if !d.Kind.Valid() {
			return fmt.Errorf("to[%d].kind %q is not a valid destination kind", i, d.Kind)
		}
	}
	return nil
}

func hasMedia(e *ChannelMessageEnvelope) bool {
	if e.Channel != WhatsApp {
		return false
	}
	for _, k := range WhatsAppMediaKeys {
		if e.Meta(k) != "" {
			return true
		}
	}
	return false
}
