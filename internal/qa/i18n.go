package qa

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultLocale is served for unknown locales.
const DefaultLocale = "en"

// Message is one default-locale entry.
type Message struct {
	Key  string
	Text string
}

// Bundle is the wire shape of i18n_bundle.
type Bundle struct {
	Locale   string            `json:"locale"`
	Messages map[string]string `json:"messages"`
}

// Catalog holds ordered keys with default texts and optional translations.
type Catalog struct {
	keys         []string
	defaults     map[string]string
	translations map[string]map[string]string
}

// NewCatalog builds a catalog. Later duplicates overwrite earlier texts but
// keep the first position.
func NewCatalog(msgs []Message) *Catalog {
	c := &Catalog{defaults: map[string]string{}, translations: map[string]map[string]string{}}
	for _, m := range msgs {
		c.Add(m.Key, m.Text)
	}
	return c
}

// Add appends or overwrites a default-locale message.
func (c *Catalog) Add(key, text string) {
	if _, ok := c.defaults[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.defaults[key] = text
}

// Translate registers a localized text.
func (c *Catalog) Translate(locale, key, text string) {
	locale = normalizeLocale(locale)
	if c.translations[locale] == nil {
		c.translations[locale] = map[string]string{}
	}
	c.translations[locale][key] = text
}

// Keys returns all keys in insertion order.
func (c *Catalog) Keys() []string {
	return append([]string{}, c.keys...)
}

// Locales lists the default locale followed by translated ones.
func (c *Catalog) Locales() []string {
	out := []string{DefaultLocale}
	for l := range c.translations {
		if l != DefaultLocale {
			out = append(out, l)
		}
	}
	sort.Strings(out[1:])
	return out
}

// Bundle resolves every key for locale. Missing translations fall back to
// the default text; the bundle keeps the requested locale name.
func (c *Catalog) Bundle(locale string) Bundle {
	locale = normalizeLocale(locale)
	msgs := make(map[string]string, len(c.keys))
	tr := c.translations[locale]
	for _, k := range c.keys {
		if t, ok := tr[k]; ok && t != "" {
			msgs[k] = t
			continue
		}
		msgs[k] = c.defaults[k]
	}
	return Bundle{Locale: locale, Messages: msgs}
}

// Check verifies every key in used exists with a non-empty text that is not
// the key itself.
func (c *Catalog) Check(used []string) error {
	var missing []string
	for _, k := range used {
		t, ok := c.defaults[k]
		if !ok || strings.TrimSpace(t) == "" || t == k {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("i18n keys without text: %s", strings.Join(missing, ", "))
	}
	return nil
}

func normalizeLocale(l string) string {
	l = strings.TrimSpace(l)
	if l == "" {
		return DefaultLocale
	}
	return l
}
