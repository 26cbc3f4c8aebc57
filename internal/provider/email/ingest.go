package email

import (
	"context"
	"net/mail"
	"regexp"
	"strings"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/provider"
)

// Metadata keys set on ingested envelopes.
const (
	MetaFrom      = "from"
	MetaTo        = "to"
	MetaMessageID = "email.messageId"
	MetaInReplyTo = "email.inReplyTo"
)

var tags = regexp.MustCompile(`<[^>]*>`)

// IngestHTTP accepts an inbound-parse document and replies to the sender.
func (a *Adapter) IngestHTTP(ctx context.Context, c *provider.Call, in envelope.HttpInV1) envelope.HttpOutV1 {
	if in.Method != "" && !strings.EqualFold(in.Method, "POST") {
		return provider.Reject(405, "method not allowed")
	}
	var m InboundMail
	if err := provider.DecodeBody(in, &m); err != nil {
		return provider.Reject(400, fault.Line(err))
	}
	from, err := mail.ParseAddress(strings.TrimSpace(m.From))
	if err != nil {
		c.Log(ctx, "ingest.rejected", host.F("reason", "invalid from"))
		return provider.Reject(400, "invalid from address")
	}

	thread := strings.TrimSpace(m.MessageID)
	if thread == "" {
		thread = strings.TrimSpace(m.InReplyTo)
	}
	id := ""
	if m.MessageID != "" {
		id = "email-" + strings.Trim(m.MessageID, "<>")
	}
	ev := provider.Inbound(c, id, from.Address)
	ev.From = &envelope.Actor{ID: from.Address, Kind: "email"}
	ev.To = []envelope.Destination{{ID: from.Address, Kind: envelope.KindEmail}}
	ev.ReplyScope = thread
	ev.Text = strings.TrimSpace(m.Text)
	if ev.Text == "" && m.HTML != "" {
		ev.Text = strings.TrimSpace(tags.ReplaceAllString(m.HTML, ""))
	}
	ev.SetMeta(envelope.MetaSubject, m.Subject)
	ev.SetMeta(MetaFrom, from.Address)
	ev.SetMeta(MetaTo, strings.Join(m.To, ","))
	ev.SetMeta(MetaMessageID, m.MessageID)
	ev.SetMeta(MetaInReplyTo, m.InReplyTo)
	ev.SetMeta(envelope.MetaProviderMsgID, m.MessageID)
	if m.HTML != "" {
		ev.SetMeta(envelope.MetaHTML, m.HTML)
	}
	c.Log(ctx, "ingest", host.F("events", "1"))
	return provider.Accept(ev)
}
