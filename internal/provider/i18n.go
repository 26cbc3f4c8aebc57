package provider

import (
	"fmt"

	"github.com/nidhogg/msgproviders/internal/qa"
)

type opText struct {
	title, desc, titleDE string
}

var opTexts = map[string]opText{
	OpRun:                {"Run", "Render, encode and deliver a message through %s.", "Ausführen"},
	OpSend:               {"Send message", "Render, encode and deliver a message through %s.", "Nachricht senden"},
	OpReply:              {"Reply in thread", "Send a message into the thread or parent of an earlier %s message.", "Im Thread antworten"},
	OpIngestHTTP:         {"Ingest webhook", "Verify a %s webhook request and turn it into message envelopes.", "Webhook verarbeiten"},
	OpRenderPlan:         {"Plan rendering", "Downsample the message for what %s can display.", "Darstellung planen"},
	OpEncode:             {"Encode payload", "Build the %s wire payload for a planned message.", "Nutzlast kodieren"},
	OpSendPayload:        {"Deliver payload", "Send an encoded payload to %s and report the delivery state.", "Nutzlast zustellen"},
	OpSubscriptionEnsure: {"Ensure subscription", "Create the %s webhook subscription unless a matching one exists.", "Abonnement sicherstellen"},
	OpSubscriptionRenew:  {"Renew subscription", "Extend the expiry of a %s webhook subscription.", "Abonnement verlängern"},
	OpSubscriptionDelete: {"Delete subscription", "Remove a %s webhook subscription.", "Abonnement löschen"},
	OpHealthcheck:        {"Health check", "Report whether the %s provider is loaded.", "Zustandsprüfung"},
	OpValidateConfig:     {"Validate config", "Check a %s configuration against its schema.", "Konfiguration prüfen"},
}

var qaTitles = map[qa.Mode]string{
	qa.ModeDefault: "Configure %s",
	qa.ModeSetup:   "Set up %s",
	qa.ModeUpgrade: "Upgrade %s",
	qa.ModeRemove:  "Remove %s",
}

// Catalog builds the provider's i18n catalog with English defaults and the
// German operation titles.
func (s Spec) Catalog() *qa.Catalog {
	c := qa.NewCatalog(nil)
	for _, op := range s.Operations() {
		t := opTexts[op.Name]
		c.Add(op.Title, t.title)
		c.Add(op.Description, fmt.Sprintf(t.desc, s.Display))
		c.Translate("de", op.Title, t.titleDE)
	}

	c.Add(s.key("schema", "input", "title"), s.Display+" input")
	c.Add(s.key("schema", "input", "description"), "Invocation input for the "+s.Display+" provider.")
	c.Add(s.key("schema", "input", "message", "title"), "Message")
	c.Add(s.key("schema", "input", "message", "description"), "The message envelope to process.")
	c.Add(s.key("schema", "output", "title"), s.Display+" output")
	c.Add(s.key("schema", "output", "description"), "Invocation result of the "+s.Display+" provider.")
	c.Add(s.key("schema", "output", "ok", "title"), "Success")
	c.Add(s.key("schema", "output", "ok", "description"), "Whether the operation succeeded.")
	c.Add(s.key("schema", "output", "message_id", "title"), "Message id")
	c.Add(s.key("schema", "output", "message_id", "description"), "Identifier assigned by "+s.Display+".")
	c.Add(s.key("schema", "config", "title"), s.Display+" configuration")
	c.Add(s.key("schema", "config", "description"), "Settings for the "+s.Display+" provider.")
	for _, st := range s.AllSettings() {
		c.Add(s.key("schema", "config", st.Name, "title"), st.Title)
		c.Add(s.key("schema", "config", st.Name, "description"), st.Help)
	}

	form := s.Form()
	for _, m := range qa.Modes {
		c.Add(form.TitleKey(m), fmt.Sprintf(qaTitles[m], s.Display))
	}
	for _, st := range s.AllSettings() {
		c.Add(form.LabelKey(st.Name), st.Title)
	}
	c.Add(form.ExistingConfigKey(), "Current configuration")

	for locale, msgs := range s.Translations {
		for k, v := range msgs {
			c.Translate(locale, k, v)
		}
	}
	return c
}

// I18nKeys lists every key the provider references, QA and operations
// included, in catalog order.
func (s Spec) I18nKeys() []string {
	return s.Catalog().Keys()
}

// UsedKeys lists the keys that must resolve to real text.
func (s Spec) UsedKeys() []string {
	var used []string
	for _, op := range s.Operations() {
		used = append(used, op.Title, op.Description)
	}
	return append(used, s.Form().Keys()...)
}
