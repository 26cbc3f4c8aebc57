package discord

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/provider"
)

// Metadata keys set on ingested envelopes.
const (
	MetaInteractionID    = "discord.interaction_id"
	MetaInteractionToken = "discord.interaction_token"
	MetaGuildID          = "discord.guild_id"
	MetaCommand          = "discord.command"
	MetaCustomID         = "discord.custom_id"
)

// IngestHTTP verifies an interaction and maps commands and button clicks
// to envelopes. Pings are answered with a pong.
func (a *Adapter) IngestHTTP(ctx context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	cfg, err := load(c)
	if err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	key, err := publicKey(cfg.ApplicationPublicKey)
	if err != nil {
		c.Log(ctx, "ingest.rejected", host.F("reason", "public key"))
		return provider.Reject(500, fault.Line(err))
	}
	body, err := in.Body()
	if err != nil {
		return provider.Reject(400, "invalid body encoding")
	}
	if !verify(ctx, in, body, key) {
		c.Log(ctx, "ingest.rejected", host.F("reason", "signature mismatch"))
		return provider.Reject(401, "invalid request signature")
	}

	var it discordgo.Interaction
	if err := json.Unmarshal(body, &it); err != nil {
		return provider.Reject(400, "invalid interaction payload")
	}

	switch it.Type {
	case discordgo.InteractionPing:
		return envelope.HTTPJSON(200, discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
		data := it.ApplicationCommandData()
		ev := inbound(c, &it, commandText(data))
		ev.SetMeta(MetaCommand, data.Name)
		return respond(ctx, c, discordgo.InteractionResponseDeferredChannelMessageWithSource, ev)
	case discordgo.InteractionMessageComponent:
		data := it.MessageComponentData()
		ev := inbound(c, &it, data.CustomID)
		ev.SetMeta(MetaCustomID, data.CustomID)
		if it.Message != nil {
			ev.ReplyScope = it.Message.ID
		}
		return respond(ctx, c, discordgo.InteractionResponseDeferredMessageUpdate, ev)
	}
	return provider.Reject(400, fmt.Sprintf("unsupported interaction type %d", it.Type))
}

func respond(ctx context.Context, c *provider.Call, kind discordgo.InteractionResponseType, ev envelope.ChannelMessageEnvelope) envelope.HttpOutV1 {
	out := envelope.HTTPJSON(200, discordgo.InteractionResponse{Type: kind})
	out.Events = []envelope.ChannelMessageEnvelope{ev}
	c.Log(ctx, "ingest", host.F("events", "1"))
	return out
}

func publicKey(hexKey string) (ed25519.PublicKey, error) {
	if hexKey == "" {
		return nil, fault.Configf("application_public_key is not configured")
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fault.Configf("application_public_key must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// verify checks the X-Signature-Ed25519 header over timestamp and body.
func verify(ctx context.Context, in envelope.HttpInV1, body []byte, key ed25519.PublicKey) bool {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://interactions.local"+in.Path, bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, h := range in.Headers {
		r.Header.Add(h.Name, h.Value)
	}
	return discordgo.VerifyInteraction(r, key)
}

func inbound(c *provider.Call, it *discordgo.Interaction, text string) envelope.ChannelMessageEnvelope {
	ev := provider.Inbound(c, "discord-"+it.ID, it.ChannelID)
	ev.Text = text
	ev.To = []envelope.Destination{{ID: it.ChannelID, Kind: envelope.KindChannel}}
	if u := interactionUser(it); u != nil {
		ev.From = &envelope.Actor{ID: u.ID, Kind: "user"}
	}
	ev.SetMeta(envelope.MetaProviderMsgID, it.ID)
	ev.SetMeta(MetaInteractionID, it.ID)
	ev.SetMeta(MetaInteractionToken, it.Token)
	ev.SetMeta(MetaGuildID, it.GuildID)
	return ev
}

func interactionUser(it *discordgo.Interaction) *discordgo.User {
	if it.Member != nil && it.Member.User != nil {
		return it.Member.User
	}
	return it.User
}

// commandText renders a slash command as "/name opt=value ...".
func commandText(data discordgo.ApplicationCommandInteractionData) string {
	parts := []string{"/" + data.Name}
	parts = appendOptions(parts, data.Options)
	return strings.Join(parts, " ")
}

func appendOptions(parts []string, opts []*discordgo.ApplicationCommandInteractionDataOption) []string {
	for _, o := range opts {
		if len(o.Options) > 0 || o.Value == nil {
			parts = append(parts, o.Name)
			parts = appendOptions(parts, o.Options)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", o.Name, o.Value))
	}
	return parts
}
