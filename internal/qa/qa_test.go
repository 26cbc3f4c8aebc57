package qa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/schema"
)

func webexForm() Form {
	cfg := schema.Object("webex.schema.config.title", "webex.schema.config.description", false,
		schema.Req("enabled", schema.Bool("webex.schema.config.enabled.title", "webex.schema.config.enabled.description")),
		schema.Req("public_base_url", schema.URL("webex.schema.config.public_base_url.title", "webex.schema.config.public_base_url.description")),
		schema.Opt("default_room_id", schema.String("webex.schema.config.default_room_id.title", "webex.schema.config.default_room_id.description")),
		schema.Req("api_base_url", schema.URL("webex.schema.config.api_base_url.title", "webex.schema.config.api_base_url.description")),
		schema.Opt("bot_token", schema.SecretString("webex.schema.config.bot_token.title", "webex.schema.config.bot_token.description")),
	)
	return Form{
		Provider: "webex",
		Config:   cfg,
		Defaults: map[string]any{"enabled": true, "api_base_url": "https://webexapis.com/v1"},
		Cleanup:  []string{"delete_config_key", "delete_provenance_key", "delete_provider_state_namespace", "best_effort_revoke_webhooks"},
	}
}

func questionIDs(s Spec) []string {
	ids := []string{}
	for _, q := range s.Questions {
		ids = append(ids, q.ID)
	}
	return ids
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Upgrade")
	require.NoError(t, err)
	assert.Equal(t, ModeUpgrade, m)
	m, err = ParseMode("remove")
	require.NoError(t, err)
	assert.Equal(t, ModeRemove, m)
	for _, s := range []string{"install", "SETUP", "uPgrade", " setup", "setup "} {
		_, err = ParseMode(s)
		assert.Error(t, err, s)
	}
}

func TestSpecModes(t *testing.T) {
	f := webexForm()

	setup := f.Spec(ModeSetup)
	assert.Equal(t, "webex.qa.setup.title", setup.Title)
	assert.Equal(t, []string{"enabled", "public_base_url", "default_room_id", "api_base_url", "bot_token"}, questionIDs(setup))
	assert.Equal(t, "webex.qa.setup.public_base_url", setup.Questions[1].Label)
	assert.True(t, setup.Questions[1].Required)
	assert.True(t, setup.Questions[4].Secret)

	upgrade := f.Spec(ModeUpgrade)
	assert.Equal(t, append(questionIDs(setup), ExistingConfig), questionIDs(upgrade))
	for _, q := range upgrade.Questions {
		assert.False(t, q.Required, q.ID)
	}

	assert.Equal(t, []string{"public_base_url"}, questionIDs(f.Spec(ModeDefault)))
	assert.Empty(t, f.Spec(ModeRemove).Questions)
}

func TestApplySetupFillsDefaults(t *testing.T) {
	res := webexForm().Apply(ModeSetup, map[string]any{"public_base_url": "https://bot.example.com"})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, true, res.Config["enabled"])
	assert.Equal(t, "https://webexapis.com/v1", res.Config["api_base_url"])
	assert.Equal(t, "https://bot.example.com", res.Config["public_base_url"])
}

func TestApplyRejectsUnknownKeys(t *testing.T) {
	res := webexForm().Apply(ModeSetup, map[string]any{"public_base_url": "https://x.example.com", "colour": "red"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "colour")
}

func TestApplyRejectsEmptyRequiredURL(t *testing.T) {
	res := webexForm().Apply(ModeSetup, map[string]any{"public_base_url": ""})
	assert.False(t, res.OK)
}

func TestApplyUpgradePreservesUnspecified(t *testing.T) {
	res := webexForm().Apply(ModeUpgrade, map[string]any{
		"existing_config": map[string]any{
			"enabled":         true,
			"public_base_url": "https://example.com",
			"default_room_id": "room-a",
			"api_base_url":    "https://webexapis.com/v1",
			"bot_token":       "token-a",
		},
		"default_room_id": "room-b",
	})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "https://example.com", res.Config["public_base_url"])
	assert.Equal(t, "token-a", res.Config["bot_token"])
	assert.Equal(t, "room-b", res.Config["default_room_id"])
}

func TestApplyUpgradeClearsOptionalWithBlank(t *testing.T) {
	res := webexForm().Apply(ModeUpgrade, map[string]any{
		"config":          map[string]any{"enabled": true, "public_base_url": "https://example.com", "api_base_url": "https://a.example.com", "default_room_id": "r"},
		"default_room_id": "",
	})
	require.True(t, res.OK, res.Error)
	assert.NotContains(t, res.Config, "default_room_id")
}

func TestApplyRemove(t *testing.T) {
	res := webexForm().Apply(ModeRemove, map[string]any{})
	require.True(t, res.OK)
	assert.Nil(t, res.Config)
	require.NotNil(t, res.Remove)
	assert.True(t, res.Remove.RemoveAll)
	assert.Equal(t, webexForm().Cleanup, res.Remove.Cleanup)
}

func TestCatalogBundleFallback(t *testing.T) {
	c := NewCatalog([]Message{{"p.op.send.title", "Send"}, {"p.op.send.description", "Send a message"}})
	c.Translate("de", "p.op.send.title", "Senden")

	de := c.Bundle("de")
	assert.Equal(t, "de", de.Locale)
	assert.Equal(t, "Senden", de.Messages["p.op.send.title"])
	assert.Equal(t, "Send a message", de.Messages["p.op.send.description"])

	fr := c.Bundle("fr")
	assert.Equal(t, "fr", fr.Locale)
	assert.Equal(t, "Send", fr.Messages["p.op.send.title"])

	assert.Equal(t, "en", c.Bundle("").Locale)
	assert.Equal(t, []string{"en", "de"}, c.Locales())
	assert.Equal(t, []string{"p.op.send.title", "p.op.send.description"}, c.Keys())
}

func TestCatalogCheck(t *testing.T) {
	c := NewCatalog([]Message{{"a", "A"}, {"b", "b"}, {"c", " "}})
	assert.NoError(t, c.Check([]string{"a"}))
	err := c.Check([]string{"a", "b", "c", "d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b, c, d")
}

func TestFormKeysCoverQuestions(t *testing.T) {
	keys := webexForm().Keys()
	assert.Contains(t, keys, "webex.qa.default.title")
	assert.Contains(t, keys, "webex.qa.remove.title")
	assert.Contains(t, keys, "webex.qa.setup.bot_token")
	assert.Contains(t, keys, "webex.qa.upgrade.existing_config")
	assert.Contains(t, keys, "webex.schema.config.bot_token.description")
}
