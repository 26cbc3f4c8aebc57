// Package discord implements the Discord bot provider. Messages are posted
// through the REST API; inbound traffic arrives as signed interactions.
package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/lifecycle"
	"github.com/nidhogg/msgproviders/internal/planner"
	"github.com/nidhogg/msgproviders/internal/provider"
	"github.com/nidhogg/msgproviders/internal/schema"
)

const (
	ProviderType   = "messaging.discord.bot"
	DefaultAPIBase = "https://discord.com/api/v10"
	BotTokenKey    = "DISCORD_BOT_TOKEN"

	MaxContentChars = 2000
	ButtonsPerRow   = 5
	MaxRows         = 5
	MaxCustomID     = 100
	MaxEmbeds       = 10
)

// Adapter is the Discord provider.
type Adapter struct{}

// New returns the Discord adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Spec() provider.Spec {
	return provider.Spec{
		Name:               "discord",
		Channel:            envelope.Discord,
		ProviderType:       ProviderType,
		Display:            "Discord",
		Caps:               planner.ChannelDefaults(envelope.Discord),
		DefaultDestination: "default_channel_id",
		Settings: []provider.Setting{
			{Name: "default_channel_id", Kind: schema.KindString, Title: "Default channel", Help: "Channel id used when a message names no destination."},
			{Name: "public_base_url", Kind: schema.KindString, Format: "uri", Required: true, Title: "Public base URL", Help: "Interactions endpoint URL registered with the application."},
			{Name: "api_base_url", Kind: schema.KindString, Format: "uri", Default: DefaultAPIBase, Title: "API base URL", Help: "Discord REST endpoint."},
			{Name: "application_public_key", Kind: schema.KindString, Title: "Application public key", Help: "Hex ed25519 key used to verify interaction signatures."},
			{Name: "bot_token", Kind: schema.KindString, Secret: true, SecretKey: BotTokenKey, Title: "Bot token", Help: "Bot token. Falls back to the DISCORD_BOT_TOKEN secret."},
		},
		Cleanup: []lifecycle.Step{lifecycle.DeleteProviderOwnedSecrets},
	}
}

type config struct {
	DefaultChannelID     string `json:"default_channel_id"`
	APIBaseURL           string `json:"api_base_url"`
	ApplicationPublicKey string `json:"application_public_key"`
	BotToken             string `json:"bot_token"`
}

func load(c *provider.Call) (config, error) {
	var cfg config
	if err := c.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBase
	}
	cfg.ApplicationPublicKey = strings.TrimSpace(cfg.ApplicationPublicKey)
	return cfg, nil
}

// Encode builds a discordgo.MessageSend. Card facts become embed fields,
// card images become embed images and actions become buttons.
func (a *Adapter) Encode(_ context.Context, c *provider.Call, msg envelope.ChannelMessageEnvelope, plan planner.Result) (provider.Encoded, error) {
	cfg, err := load(c)
	if err != nil {
		return provider.Encoded{}, err
	}
	dest, err := provider.Destination(&msg, cfg.DefaultChannelID, envelope.KindChannel)
	if err != nil {
		return provider.Encoded{}, err
	}
	if dest.Kind != envelope.KindChannel && dest.Kind != envelope.KindChat {
		return provider.Encoded{}, fault.Inputf("discord destinations are channels, got kind %q", dest.Kind)
	}
	warnings := append([]envelope.Warning(nil), plan.Plan.Warnings...)

	send := &discordgo.MessageSend{}
	var content string
	if plan.HasCard {
		content, send.Embeds = cardParts(plan)
	} else {
		content = plan.Body
	}
	for _, att := range msg.Attachments {
		if strings.HasPrefix(att.MimeType, "image/") && len(send.Embeds) < MaxEmbeds {
			send.Embeds = append(send.Embeds, &discordgo.MessageEmbed{Image: &discordgo.MessageEmbedImage{URL: att.URL}})
			continue
		}
		name := att.Name
		if name == "" {
			name = att.URL
		}
		content = strings.TrimSpace(content + "\n[" + name + "](" + att.URL + ")")
	}
	if cut, did := planner.TruncateChars(content, MaxContentChars); did {
		content = cut
		if !plan.Plan.HasWarning(planner.WarnTextTruncated) {
			warnings = append(warnings, planner.TruncatedWarning(MaxContentChars, "characters", "$.content"))
		}
	}
	send.Content = content

	rows, w := Components(plan.Actions, c.Spec.Caps.MaxButtonTitle)
	warnings = append(warnings, w...)
	send.Components = rows
	if strings.TrimSpace(send.Content) == "" && len(send.Embeds) == 0 {
		return provider.Encoded{}, fault.Inputf("text required")
	}

	if reply := msg.ReplyTarget(); reply != "" {
		send.Reference = &discordgo.MessageReference{MessageID: reply, ChannelID: dest.ID}
	}

	meta := provider.Route("POST", cfg.APIBaseURL+"/channels/"+dest.ID+"/messages")
	meta["channel_id"] = dest.ID
	p, err := provider.JSONPayload(send, meta)
	if err != nil {
		return provider.Encoded{}, err
	}
	return provider.Encoded{Payload: p, Warnings: warnings}, nil
}

// cardParts renders text blocks as markdown content and moves facts and
// images into embeds.
func cardParts(plan planner.Result) (string, []*discordgo.MessageEmbed) {
	var text []planner.Block
	var fields []*discordgo.MessageEmbedField
	var images []string
	for _, b := range plan.Content.Blocks {
		switch b.Kind {
		case planner.Facts:
			for _, f := range b.Facts {
				fields = append(fields, &discordgo.MessageEmbedField{Name: f.Title, Value: f.Value, Inline: true})
			}
		case planner.Images:
			for _, img := range b.Images {
				images = append(images, img.URL)
			}
		default:
			text = append(text, b)
		}
	}
	var parts []string
	if t := strings.TrimSpace(plan.Text); t != "" {
		parts = append(parts, t)
	}
	if body := planner.RenderBlocks(text, planner.Markdown); body != "" {
		parts = append(parts, body)
	}

	var embeds []*discordgo.MessageEmbed
	if len(fields) > 0 {
		embeds = append(embeds, &discordgo.MessageEmbed{Title: plan.Content.FirstHeading(), Fields: fields})
	}
	for _, u := range images {
		if len(embeds) == MaxEmbeds {
			break
		}
		embeds = append(embeds, &discordgo.MessageEmbed{Image: &discordgo.MessageEmbedImage{URL: u}})
	}
	return strings.Join(parts, "\n\n"), embeds
}

// Components lays actions out as button rows. Link actions become link
// buttons; everything else is a primary button whose custom id carries
// the action data.
func Components(actions []planner.Action, maxTitle int) ([]discordgo.MessageComponent, []envelope.Warning) {
	actions, warnings := planner.CapActions(actions, ButtonsPerRow*MaxRows)
	var rows []discordgo.MessageComponent
	for i := 0; i < len(actions); i += ButtonsPerRow {
		end := min(i+ButtonsPerRow, len(actions))
		row := discordgo.ActionsRow{}
		for _, act := range actions[i:end] {
			label := act.Title
			if maxTitle > 0 {
				label, _ = planner.TruncateChars(label, maxTitle)
			}
			b := discordgo.Button{Label: label}
			if act.Kind == planner.OpenURL && act.URL != "" {
				b.Style = discordgo.LinkButton
				b.URL = act.URL
			} else {
				data := act.Data
				if data == "" {
					data = act.Title
				}
				b.Style = discordgo.PrimaryButton
				b.CustomID, _ = planner.TruncateBytes(data, MaxCustomID)
			}
			row.Components = append(row.Components, b)
		}
		rows = append(rows, row)
	}
	return rows, warnings
}

func (a *Adapter) SendPayload(ctx context.Context, c *provider.Call, in envelope.SendPayloadInV1) envelope.SendPayloadResultV1 {
	body, err := provider.PayloadBody(c.Spec, in)
	if err != nil {
		return provider.Failed(err)
	}
	cfg, err := load(c)
	if err != nil {
		return provider.Failed(err)
	}
	token, err := c.Secret(ctx, BotTokenKey, cfg.BotToken)
	if err != nil {
		return provider.Failed(err)
	}
	req, err := provider.Request(in.Payload, body, envelope.Header{Name: "Authorization", Value: "Bot " + token})
	if err != nil {
		return provider.Failed(err)
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return provider.Failed(err)
	}
	var res envelope.SendPayloadResultV1
	if resp.Status == http.StatusTooManyRequests {
		res = provider.Failed(fault.Transportf("Discord rate limited the request%s", retryAfter(resp)))
	} else {
		res = provider.Classify(c.Spec.Display, resp, func(resp *host.Response) (string, error) {
			var m discordgo.Message
			if err := json.Unmarshal(resp.Body, &m); err != nil {
				return "", nil
			}
			return m.ID, nil
		})
	}
	c.Log(ctx, "egress", host.F("state", string(res.State)), host.F("status", strconv.Itoa(resp.Status)))
	return res
}

func retryAfter(resp *host.Response) string {
	if v := resp.Header("Retry-After"); v != "" {
		return ", retry after " + v + "s"
	}
	var tm discordgo.TooManyRequests
	if json.Unmarshal(resp.Body, &tm) == nil && tm.RetryAfter > 0 {
		return ", retry after " + tm.RetryAfter.String()
	}
	return ""
}
