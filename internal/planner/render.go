package planner

import (
	"html"
	"strings"
)

// Flavor selects a text markup.
type Flavor int

const (
	Plain Flavor = iota
	Markdown
	SlackMrkdwn
	TelegramHTML
	HTML
)

// FlavorFor picks the richest markup a channel supports.
func FlavorFor(caps Capabilities) Flavor {
	switch {
	case caps.SupportsMarkdown:
		return Markdown
	case caps.SupportsHTML:
		return HTML
	default:
		return Plain
	}
}

// RenderBlocks renders blocks in the given flavor, one block per paragraph.
// Images are only linked in markup flavors; plain text omits them.
func RenderBlocks(blocks []Block, f Flavor) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if s := renderBlock(b, f); s != "" {
			parts = append(parts, s)
		}
	}
	if f == HTML {
		return strings.Join(parts, "\n")
	}
	return strings.Join(parts, "\n\n")
}

// RenderActions renders action labels as text, for channels without buttons.
func RenderActions(actions []Action, f Flavor) string {
	labels := make([]string, 0, len(actions))
	for _, a := range actions {
		if a.Title == "" {
			continue
		}
		if a.Kind == OpenURL && a.URL != "" {
			labels = append(labels, link(a.Title, a.URL, f))
		} else {
			labels = append(labels, esc(a.Title, f))
		}
	}
	if len(labels) == 0 {
		return ""
	}
	if f == HTML {
		return "<p>" + strings.Join(labels, " | ") + "</p>"
	}
	return strings.Join(labels, " | ")
}

// RenderSpans renders rich text spans.
func RenderSpans(spans []Span, f Flavor) string {
	var sb strings.Builder
	for _, s := range spans {
		sb.WriteString(renderSpan(s, f))
	}
	return sb.String()
}

func renderBlock(b Block, f Flavor) string {
	switch b.Kind {
	case Heading:
		t := RenderSpans(b.Spans, f)
		switch f {
		case Markdown:
			return "**" + t + "**"
		case SlackMrkdwn:
			return "*" + t + "*"
		case TelegramHTML:
			return "<b>" + t + "</b>"
		case HTML:
			return "<h3>" + t + "</h3>"
		}
		return t
	case Paragraph:
		t := RenderSpans(b.Spans, f)
		if b.Subtle {
			switch f {
			case Markdown, SlackMrkdwn:
				return "_" + t + "_"
			case TelegramHTML:
				return "<i>" + t + "</i>"
			case HTML:
				return `<p style="color:#666"><small>` + t + "</small></p>"
			}
		}
		if f == HTML {
			return "<p>" + t + "</p>"
		}
		return t
	case Facts:
		lines := make([]string, 0, len(b.Facts))
		for _, fact := range b.Facts {
			title, value := esc(fact.Title, f), esc(fact.Value, f)
			switch f {
			case Markdown:
				lines = append(lines, "**"+title+"**: "+value)
			case SlackMrkdwn:
				lines = append(lines, "*"+title+"*: "+value)
			case TelegramHTML:
				lines = append(lines, "<b>"+title+"</b>: "+value)
			case HTML:
				lines = append(lines, "<tr><th align=\"left\">"+title+"</th><td>"+value+"</td></tr>")
			default:
				lines = append(lines, title+": "+value)
			}
		}
		if f == HTML {
			return "<table>" + strings.Join(lines, "") + "</table>"
		}
		return strings.Join(lines, "\n")
	case Columns:
		cols := make([]string, len(b.Columns))
		for i, c := range b.Columns {
			cols[i] = esc(c, f)
		}
		if f == HTML {
			return "<p>" + strings.Join(cols, " | ") + "</p>"
		}
		return strings.Join(cols, " | ")
	case Table:
		rows := make([]string, len(b.Rows))
		for i, r := range b.Rows {
			rows[i] = strings.Join(r, " | ")
		}
		body := strings.Join(rows, "\n")
		switch f {
		case Markdown, SlackMrkdwn:
			return "```\n" + body + "\n```"
		case TelegramHTML, HTML:
			return "<pre>" + html.EscapeString(body) + "</pre>"
		}
		return body
	case Images:
		if f == Plain {
			return ""
		}
		links := make([]string, 0, len(b.Images))
		for _, img := range b.Images {
			alt := img.Alt
			if alt == "" {
				alt = "image"
			}
			switch f {
			case Markdown:
				links = append(links, "!["+alt+"]("+img.URL+")")
			case HTML:
				links = append(links, `<img src="`+html.EscapeString(img.URL)+`" alt="`+html.EscapeString(alt)+`">`)
			default:
				links = append(links, link(alt, img.URL, f))
			}
		}
		return strings.Join(links, "\n")
	}
	return ""
}

func renderSpan(s Span, f Flavor) string {
	t := esc(s.Text, f)
	if s.Mono {
		switch f {
		case Markdown, SlackMrkdwn:
			t = "`" + t + "`"
		case TelegramHTML, HTML:
			t = "<code>" + t + "</code>"
		}
	}
	if s.Bold {
		switch f {
		case Markdown:
			t = "**" + t + "**"
		case SlackMrkdwn:
			t = "*" + t + "*"
		case TelegramHTML, HTML:
			t = "<b>" + t + "</b>"
		}
	}
	if s.Italic {
		switch f {
		case Markdown, SlackMrkdwn:
			t = "_" + t + "_"
		case TelegramHTML, HTML:
			t = "<i>" + t + "</i>"
		}
	}
	if s.Strike {
		switch f {
		case Markdown:
			t = "~~" + t + "~~"
		case SlackMrkdwn:
			t = "~" + t + "~"
		case TelegramHTML, HTML:
			t = "<s>" + t + "</s>"
		}
	}
	if s.URL != "" {
		return linkRaw(t, s.URL, f)
	}
	return t
}

func link(title, url string, f Flavor) string {
	return linkRaw(esc(title, f), url, f)
}

func linkRaw(text, url string, f Flavor) string {
	switch f {
	case Markdown:
		return "[" + text + "](" + url + ")"
	case SlackMrkdwn:
		return "<" + url + "|" + text + ">"
	case TelegramHTML, HTML:
		return `<a href="` + html.EscapeString(url) + `">` + text + "</a>"
	}
	return text + " (" + url + ")"
}

// esc escapes text for HTML flavors and for Slack's control characters.
func esc(s string, f Flavor) string {
	switch f {
	case TelegramHTML:
		return TelegramEscape(s)
	case HTML:
		return html.EscapeString(s)
	case SlackMrkdwn:
		return SlackEscape(s)
	}
	return s
}

// SlackEscape escapes the three characters Slack treats as control syntax.
func SlackEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// TelegramEscape escapes the characters Telegram's HTML parse mode reserves.
func TelegramEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
