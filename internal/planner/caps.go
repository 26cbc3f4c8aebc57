// Package planner downsamples Adaptive Cards into channel-neutral render
// plans according to what a channel can display.
package planner

import "github.com/nidhogg/msgproviders/internal/envelope"

// Capabilities describes what a channel can display. Zero limits mean
// unlimited.
type Capabilities struct {
	SupportsAdaptiveCards bool `json:"supports_adaptive_cards"`
	SupportsMarkdown      bool `json:"supports_markdown"`
	SupportsHTML          bool `json:"supports_html"`
	SupportsImages        bool `json:"supports_images"`
	SupportsButtons       bool `json:"supports_buttons"`
	MaxTextLen            int  `json:"max_text_len,omitempty"`
	MaxPayloadBytes       int  `json:"max_payload_bytes,omitempty"`

	MaxButtons     int    `json:"max_buttons,omitempty"`
	MaxButtonTitle int    `json:"max_button_title,omitempty"`
	MaxCardVersion string `json:"max_card_version,omitempty"`
}

// Tier is the rendering fidelity class.
type Tier string

const (
	TierA Tier = "TierA"
	TierB Tier = "TierB"
	TierC Tier = "TierC"
	TierD Tier = "TierD"
)

// SelectTier applies the tier rules in order. cardBytes is the encoded size
// of the card, or -1 when there is no card. The second result is true when a
// card was rejected from TierA only because of its size.
func SelectTier(caps Capabilities, cardBytes, actions int) (Tier, bool) {
	tooLarge := false
	if caps.SupportsAdaptiveCards && cardBytes >= 0 {
		if caps.MaxPayloadBytes == 0 || cardBytes <= caps.MaxPayloadBytes {
			return TierA, false
		}
		tooLarge = true
	}
	switch {
	case caps.SupportsButtons && caps.SupportsMarkdown && actions > 0:
		return TierB, tooLarge
	case caps.SupportsMarkdown || caps.SupportsImages:
		return TierC, tooLarge
	default:
		return TierD, tooLarge
	}
}

var channelDefaults = map[envelope.Channel]Capabilities{
	envelope.Teams: {
		SupportsAdaptiveCards: true, SupportsMarkdown: true, SupportsHTML: true,
		SupportsImages: true, SupportsButtons: true,
		MaxTextLen: 28000, MaxPayloadBytes: 28 * 1024, MaxButtons: 6,
	},
	envelope.Webex: {
		SupportsAdaptiveCards: true, SupportsMarkdown: true,
		SupportsImages: true, SupportsButtons: true,
		MaxTextLen: 7439, MaxPayloadBytes: 22 * 1024, MaxCardVersion: "1.3",
	},
	envelope.Slack: {
		SupportsMarkdown: true, SupportsImages: true, SupportsButtons: true,
		MaxTextLen: 40000, MaxButtons: 25, MaxButtonTitle: 75,
	},
	envelope.Telegram: {
		SupportsHTML: true, SupportsImages: true, SupportsButtons: true,
		MaxTextLen: 4000, MaxButtons: 40,
	},
	envelope.WhatsApp: {
		SupportsImages: true, SupportsButtons: true,
		MaxTextLen: 4096, MaxButtons: 3, MaxButtonTitle: 20,
	},
	envelope.Email: {
		SupportsHTML: true, SupportsImages: true,
	},
	envelope.Webchat: {
		SupportsAdaptiveCards: true, SupportsMarkdown: true,
		SupportsImages: true, SupportsButtons: true,
	},
	envelope.Discord: {
		SupportsMarkdown: true, SupportsImages: true, SupportsButtons: true,
		MaxTextLen: 2000, MaxButtons: 25, MaxButtonTitle: 80,
	},
	envelope.Dummy: {},
}

// ChannelDefaults returns the built-in capabilities of a channel.
func ChannelDefaults(ch envelope.Channel) Capabilities {
	return channelDefaults[ch]
}
