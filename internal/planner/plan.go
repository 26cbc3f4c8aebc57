package planner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
)

// AdaptiveCardContentType is the attachment content type of a native card.
const AdaptiveCardContentType = "application/vnd.microsoft.card.adaptive"

// ItemType tags a RenderItem variant.
type ItemType string

const (
	ItemAdaptiveCard ItemType = "adaptive_card"
	ItemBlocks       ItemType = "blocks"
	ItemText         ItemType = "text"
	ItemImage        ItemType = "image"
)

// RenderItem is one rendered unit. Exactly one payload field is set,
// matching Type.
type RenderItem struct {
	Type   ItemType       `json:"type"`
	Card   map[string]any `json:"card,omitempty"`
	Blocks *Content       `json:"blocks,omitempty"`
	Text   string         `json:"text,omitempty"`
	URL    string         `json:"url,omitempty"`
}

// PlanAttachment is a provider-neutral attachment carried by TierA plans.
type PlanAttachment struct {
	ContentType string         `json:"content_type"`
	Content     map[string]any `json:"content"`
}

// RenderPlan is the channel-neutral rendering intent.
type RenderPlan struct {
	Tier        Tier               `json:"tier"`
	SummaryText string             `json:"summary_text,omitempty"`
	Items       []RenderItem       `json:"items"`
	Attachments []PlanAttachment   `json:"attachments"`
	Actions     []string           `json:"actions"`
	Warnings    []envelope.Warning `json:"warnings"`
}

// JSON returns the canonical JSON form of the plan.
func (p RenderPlan) JSON() (string, error) {
	if p.Items == nil {
		p.Items = []RenderItem{}
	}
	if p.Attachments == nil {
		p.Attachments = []PlanAttachment{}
	}
	if p.Actions == nil {
		p.Actions = []string{}
	}
	if p.Warnings == nil {
		p.Warnings = []envelope.Warning{}
	}
	raw, err := canon.CanonicalJSON(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// HasWarning reports whether a warning with code is present.
func (p RenderPlan) HasWarning(code string) bool {
	for _, w := range p.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// ParsePlan decodes plan_json.
func ParsePlan(planJSON string) (RenderPlan, error) {
	var p RenderPlan
	if err := json.Unmarshal([]byte(planJSON), &p); err != nil {
		return RenderPlan{}, fmt.Errorf("invalid plan_json: %w", err)
	}
	return p, nil
}

// Input is what the planner looks at.
type Input struct {
	Card        map[string]any
	Text        string
	Attachments []envelope.Attachment
}

// Result is a plan plus the intermediate content adapters encode from.
type Result struct {
	Plan    RenderPlan
	Content Content
	// Actions holds the actions kept after the button cap.
	Actions []Action
	// Card is the card after version clamping, nil without a card.
	Card map[string]any
	// Body is the rendered, truncated text used by TierC and TierD plans.
	Body string
	// HasCard is set when the input carried an adaptive card.
	HasCard bool
	// Text is the envelope text the plan was built from.
	Text string
}

// Render renders the planned content in flavor f without truncation.
// Actions are rendered as labels unless buttons is set.
func (r Result) Render(f Flavor, buttons bool) string {
	if !r.HasCard {
		return r.Text
	}
	var parts []string
	if t := strings.TrimSpace(r.Text); t != "" {
		parts = append(parts, esc(t, f))
	}
	if body := RenderBlocks(r.Content.Blocks, f); body != "" {
		parts = append(parts, body)
	}
	if !buttons {
		if labels := RenderActions(r.Actions, f); labels != "" {
			parts = append(parts, labels)
		}
	}
	return strings.Join(parts, "\n\n")
}

// InputFromEnvelope builds planner input from an envelope.
func InputFromEnvelope(e *envelope.ChannelMessageEnvelope) (Input, error) {
	card, _, err := e.AdaptiveCard()
	if err != nil {
		return Input{}, err
	}
	return Input{Card: card, Text: e.Text, Attachments: e.Attachments}, nil
}

// Plan downsamples in for a channel with caps.
func Plan(in Input, caps Capabilities) Result {
	content := Extract(in.Card)
	warnings := append([]envelope.Warning{}, content.Warnings...)

	cardBytes := -1
	if in.Card != nil {
		if raw, err := json.Marshal(in.Card); err == nil {
			cardBytes = len(raw)
		}
	}

	tier, tooLarge := SelectTier(caps, cardBytes, len(content.Actions))
	if tooLarge {
		warnings = append(warnings, envelope.Warning{
			Code:    WarnCardTooLarge,
			Message: fmt.Sprintf("card is %d bytes, limit is %d", cardBytes, caps.MaxPayloadBytes),
		})
	}

	summary := strings.TrimSpace(strings.Join(nonEmpty(content.FirstHeading(), content.FirstParagraph()), "\n"))
	if summary == "" {
		summary = strings.TrimSpace(in.Text)
	}
	if s, cut := TruncateChars(summary, caps.MaxTextLen); cut {
		summary = s
		warnings = append(warnings, TruncatedWarning(caps.MaxTextLen, "characters", "$.summary_text"))
	}

	res := Result{Content: content, HasCard: in.Card != nil, Text: in.Text}
	plan := RenderPlan{Tier: tier, SummaryText: summary}

	if tier == TierA {
		card := ClampCardVersion(in.Card, caps.MaxCardVersion)
		res.Card = card
		res.Actions = content.Actions
		plan.Items = []RenderItem{{Type: ItemAdaptiveCard, Card: card}}
		plan.Attachments = []PlanAttachment{{ContentType: AdaptiveCardContentType, Content: card}}
		plan.Actions = actionTitles(content.Actions)
		plan.Warnings = warnings
		res.Plan = plan
		return res
	}

	if !caps.SupportsImages {
		kept := content.Blocks[:0:0]
		for _, b := range content.Blocks {
			if b.Kind == Images {
				warnings = append(warnings, envelope.Warning{
					Code:    WarnDownsampled,
					Message: "image dropped, channel cannot display images",
					Path:    b.Path,
				})
				continue
			}
			kept = append(kept, b)
		}
		content.Blocks = kept
		for i := range in.Attachments {
			warnings = append(warnings, envelope.Warning{
				Code:    WarnAttachmentDropped,
				Message: fmt.Sprintf("attachment %q dropped", in.Attachments[i].MimeType),
				Path:    fmt.Sprintf("$.attachments[%d]", i),
			})
		}
	}

	actions := content.Actions
	if caps.SupportsButtons {
		var capWarn []envelope.Warning
		actions, capWarn = CapActions(content.Actions, caps.MaxButtons)
		warnings = append(warnings, capWarn...)
	}
	res.Actions = actions

	flavor := FlavorFor(caps)
	var parts []string
	if in.Card != nil && strings.TrimSpace(in.Text) != "" {
		parts = append(parts, esc(strings.TrimSpace(in.Text), flavor))
	}
	if in.Card != nil {
		if body := RenderBlocks(content.Blocks, flavor); body != "" {
			parts = append(parts, body)
		}
		if !caps.SupportsButtons {
			if labels := RenderActions(actions, flavor); labels != "" {
				parts = append(parts, labels)
			}
		}
	} else if t := strings.TrimSpace(in.Text); t != "" {
		parts = append(parts, in.Text)
	}
	body := strings.Join(parts, "\n\n")
	if cut, did := TruncateChars(body, caps.MaxTextLen); did {
		body = cut
		warnings = append(warnings, TruncatedWarning(caps.MaxTextLen, "characters", ""))
	}
	res.Body = body

	if tier == TierB {
		blocks := content
		blocks.Actions = actions
		plan.Items = append(plan.Items, RenderItem{Type: ItemBlocks, Blocks: &blocks})
	} else if body != "" {
		plan.Items = append(plan.Items, RenderItem{Type: ItemText, Text: body})
	}
	if caps.SupportsImages && tier != TierB {
		for _, b := range content.Blocks {
			for _, img := range b.Images {
				plan.Items = append(plan.Items, RenderItem{Type: ItemImage, URL: img.URL})
			}
		}
		for _, a := range in.Attachments {
			if strings.HasPrefix(a.MimeType, "image/") {
				plan.Items = append(plan.Items, RenderItem{Type: ItemImage, URL: a.URL})
			}
		}
	}

	if in.Card != nil {
		warnings = append(warnings, envelope.Warning{
			Code:    WarnDownsampled,
			Message: fmt.Sprintf("adaptive card rendered as %s", tier),
		})
	}

	res.Content = content
	plan.Actions = actionTitles(actions)
	plan.Attachments = []PlanAttachment{}
	plan.Warnings = warnings
	res.Plan = plan
	return res
}

// ClampCardVersion returns a copy of card whose version is at most max. A
// missing version is set to max. An empty max returns card unchanged.
func ClampCardVersion(card map[string]any, max string) map[string]any {
	if card == nil || max == "" {
		return card
	}
	out := deepCopy(card)
	v, _ := out["version"].(string)
	if v == "" || compareVersion(v, max) > 0 {
		out["version"] = max
	}
	return out
}

func compareVersion(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func deepCopy(m map[string]any) map[string]any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

func actionTitles(actions []Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Title)
	}
	return out
}

func nonEmpty(ss ...string) []string {
	var out []string
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
