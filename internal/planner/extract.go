package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

// BlockKind is the classification of one flattened card element.
type BlockKind string

const (
	Heading   BlockKind = "heading"
	Paragraph BlockKind = "paragraph"
	Facts     BlockKind = "facts"
	Images    BlockKind = "images"
	Columns   BlockKind = "columns"
	Table     BlockKind = "table"
)

// Span is a run of rich text.
type Span struct {
	Text   string `json:"text"`
	Bold   bool   `json:"bold,omitempty"`
	Italic bool   `json:"italic,omitempty"`
	Strike bool   `json:"strike,omitempty"`
	Mono   bool   `json:"mono,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Fact is one title/value pair.
type Fact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Image references a card image.
type Image struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

// Block is one flattened card element.
type Block struct {
	Kind    BlockKind  `json:"kind"`
	Spans   []Span     `json:"spans,omitempty"`
	Subtle  bool       `json:"subtle,omitempty"`
	Facts   []Fact     `json:"facts,omitempty"`
	Images  []Image    `json:"images,omitempty"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
	Path    string     `json:"path"`
}

// Text is the plain text of a heading or paragraph.
func (b Block) Text() string {
	var sb strings.Builder
	for _, s := range b.Spans {
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// ActionKind distinguishes link actions from callbacks.
type ActionKind string

const (
	OpenURL ActionKind = "open_url"
	Submit  ActionKind = "submit"
)

// Action is one interaction extracted from a card.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Title string     `json:"title"`
	URL   string     `json:"url,omitempty"`
	Data  string     `json:"data,omitempty"`
	Path  string     `json:"path"`
}

// Content is the flattened, provider-neutral view of a card.
type Content struct {
	Blocks   []Block            `json:"blocks"`
	Actions  []Action           `json:"actions"`
	Warnings []envelope.Warning `json:"-"`
}

// FirstHeading returns the text of the first heading.
func (c Content) FirstHeading() string { return c.first(Heading) }

// FirstParagraph returns the text of the first paragraph.
func (c Content) FirstParagraph() string { return c.first(Paragraph) }

func (c Content) first(k BlockKind) string {
	for _, b := range c.Blocks {
		if b.Kind == k {
			if t := strings.TrimSpace(b.Text()); t != "" {
				return t
			}
		}
	}
	return ""
}

// ImageCount counts images across all blocks.
func (c Content) ImageCount() int {
	n := 0
	for _, b := range c.Blocks {
		n += len(b.Images)
	}
	return n
}

type frame struct {
	node map[string]any
	path string
}

// Extract walks card.body depth-first with an explicit stack and classifies
// every element. Top-level actions follow the ones found in ActionSets.
func Extract(card map[string]any) Content {
	c := Content{Blocks: []Block{}, Actions: []Action{}}
	if card == nil {
		return c
	}
	body, _ := card["body"].([]any)
	stack := make([]frame, 0, len(body))
	stack = pushReversed(stack, body, "$.body", &c)

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		typ := str(f.node, "type")
		switch typ {
		case "Container":
			items, _ := f.node["items"].([]any)
			stack = pushReversed(stack, items, f.path+".items", &c)
		case "TextBlock":
			text := str(f.node, "text")
			if strings.TrimSpace(text) == "" {
				continue
			}
			c.Blocks = append(c.Blocks, Block{
				Kind:   textKind(f.node),
				Spans:  []Span{{Text: text}},
				Subtle: subtle(f.node),
				Path:   f.path,
			})
		case "RichTextBlock":
			spans := richSpans(f.node)
			if len(spans) == 0 {
				continue
			}
			c.Blocks = append(c.Blocks, Block{Kind: Paragraph, Spans: spans, Path: f.path})
		case "Image":
			if u := str(f.node, "url"); u != "" {
				c.Blocks = append(c.Blocks, Block{Kind: Images, Images: []Image{{URL: u, Alt: str(f.node, "altText")}}, Path: f.path})
			}
		case "ImageSet":
			imgs, _ := f.node["images"].([]any)
			var out []Image
			for _, raw := range imgs {
				if m, ok := raw.(map[string]any); ok && str(m, "url") != "" {
					out = append(out, Image{URL: str(m, "url"), Alt: str(m, "altText")})
				}
			}
			if len(out) > 0 {
				c.Blocks = append(c.Blocks, Block{Kind: Images, Images: out, Path: f.path})
			}
		case "FactSet":
			facts, _ := f.node["facts"].([]any)
			var out []Fact
			for _, raw := range facts {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				title, value := strings.TrimSpace(str(m, "title")), strings.TrimSpace(str(m, "value"))
				if title == "" || value == "" {
					continue
				}
				out = append(out, Fact{Title: title, Value: value})
			}
			if len(out) > 0 {
				c.Blocks = append(c.Blocks, Block{Kind: Facts, Facts: out, Path: f.path})
			}
		case "ColumnSet":
			cols, _ := f.node["columns"].([]any)
			var texts []string
			var imgs []Image
			for ci, raw := range cols {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				items, _ := m["items"].([]any)
				t, im := flattenText(items, fmt.Sprintf("%s.columns[%d].items", f.path, ci), &c)
				if t != "" {
					texts = append(texts, t)
				}
				imgs = append(imgs, im...)
			}
			if len(texts) > 0 {
				c.Blocks = append(c.Blocks, Block{Kind: Columns, Columns: texts, Path: f.path})
			}
			if len(imgs) > 0 {
				c.Blocks = append(c.Blocks, Block{Kind: Images, Images: imgs, Path: f.path})
			}
		case "Table":
			rows, _ := f.node["rows"].([]any)
			var out [][]string
			for ri, raw := range rows {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				cells, _ := m["cells"].([]any)
				row := make([]string, 0, len(cells))
				for ci, rc := range cells {
					cm, _ := rc.(map[string]any)
					items, _ := cm["items"].([]any)
					t, _ := flattenText(items, fmt.Sprintf("%s.rows[%d].cells[%d].items", f.path, ri, ci), &c)
					row = append(row, t)
				}
				out = append(out, row)
			}
			if len(out) > 0 {
				c.Blocks = append(c.Blocks, Block{Kind: Table, Rows: out, Path: f.path})
			}
		case "ActionSet":
			acts, _ := f.node["actions"].([]any)
			appendActions(&c, acts, f.path+".actions")
		default:
			c.Warnings = append(c.Warnings, envelope.Warning{
				Code:    WarnUnknownElement,
				Message: fmt.Sprintf("unsupported element %q dropped", typ),
				Path:    f.path,
			})
		}
	}

	top, _ := card["actions"].([]any)
	appendActions(&c, top, "$.actions")
	return c
}

func pushReversed(stack []frame, items []any, base string, c *Content) []frame {
	for i := len(items) - 1; i >= 0; i-- {
		path := fmt.Sprintf("%s[%d]", base, i)
		m, ok := items[i].(map[string]any)
		if !ok {
			c.Warnings = append(c.Warnings, envelope.Warning{Code: WarnUnknownElement, Message: "element is not an object", Path: path})
			continue
		}
		stack = append(stack, frame{node: m, path: path})
	}
	return stack
}

// flattenText collects the plain text and images of nested items, joining
// texts with a space. It uses its own stack so column and cell content never
// recurses.
func flattenText(items []any, base string, c *Content) (string, []Image) {
	var parts []string
	var imgs []Image
	stack := pushReversed(nil, items, base, c)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch str(f.node, "type") {
		case "Container":
			inner, _ := f.node["items"].([]any)
			stack = pushReversed(stack, inner, f.path+".items", c)
		case "TextBlock":
			if t := strings.TrimSpace(str(f.node, "text")); t != "" {
				parts = append(parts, t)
			}
		case "RichTextBlock":
			var sb strings.Builder
			for _, s := range richSpans(f.node) {
				sb.WriteString(s.Text)
			}
			if t := strings.TrimSpace(sb.String()); t != "" {
				parts = append(parts, t)
			}
		case "Image":
			if u := str(f.node, "url"); u != "" {
				imgs = append(imgs, Image{URL: u, Alt: str(f.node, "altText")})
			}
		case "FactSet":
			facts, _ := f.node["facts"].([]any)
			for _, raw := range facts {
				m, _ := raw.(map[string]any)
				title, value := strings.TrimSpace(str(m, "title")), strings.TrimSpace(str(m, "value"))
				if title != "" && value != "" {
					parts = append(parts, title+": "+value)
				}
			}
		case "ActionSet":
			acts, _ := f.node["actions"].([]any)
			appendActions(c, acts, f.path+".actions")
		default:
			c.Warnings = append(c.Warnings, envelope.Warning{
				Code:    WarnUnknownElement,
				Message: fmt.Sprintf("unsupported element %q dropped", str(f.node, "type")),
				Path:    f.path,
			})
		}
	}
	return strings.Join(parts, " "), imgs
}

func appendActions(c *Content, acts []any, base string) {
	for i, raw := range acts {
		path := fmt.Sprintf("%s[%d]", base, i)
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		title := strings.TrimSpace(str(m, "title"))
		switch str(m, "type") {
		case "Action.OpenUrl":
			c.Actions = append(c.Actions, Action{Kind: OpenURL, Title: title, URL: str(m, "url"), Path: path})
		case "Action.Submit", "Action.Execute":
			data := ""
			if d, ok := m["data"]; ok && d != nil {
				if s, isStr := d.(string); isStr {
					data = s
				} else if raw, err := json.Marshal(d); err == nil {
					data = string(raw)
				}
			}
			if data == "" {
				if verb := str(m, "verb"); verb != "" {
					data = verb
				}
			}
			c.Actions = append(c.Actions, Action{Kind: Submit, Title: title, Data: data, Path: path})
		case "Action.ShowCard":
			c.Actions = append(c.Actions, Action{Kind: Submit, Title: title, Path: path})
			c.Warnings = append(c.Warnings, envelope.Warning{
				Code:    WarnDownsampled,
				Message: "Action.ShowCard kept as a title-only button",
				Path:    path,
			})
		default:
			c.Warnings = append(c.Warnings, envelope.Warning{
				Code:    WarnUnknownElement,
				Message: fmt.Sprintf("unsupported action %q dropped", str(m, "type")),
				Path:    path,
			})
		}
	}
}

func textKind(n map[string]any) BlockKind {
	if str(n, "weight") == "Bolder" || str(n, "style") == "Heading" {
		return Heading
	}
	switch str(n, "size") {
	case "Large", "ExtraLarge":
		return Heading
	}
	return Paragraph
}

func subtle(n map[string]any) bool {
	if b, _ := n["isSubtle"].(bool); b {
		return true
	}
	return str(n, "size") == "Small"
}

func richSpans(n map[string]any) []Span {
	inlines, _ := n["inlines"].([]any)
	var out []Span
	for _, raw := range inlines {
		switch in := raw.(type) {
		case string:
			if in != "" {
				out = append(out, Span{Text: in})
			}
		case map[string]any:
			text := str(in, "text")
			if text == "" {
				continue
			}
			s := Span{
				Text:   text,
				Bold:   str(in, "fontWeight") == "Bolder",
				Mono:   str(in, "fontType") == "Monospace",
				Italic: boolean(in, "italic"),
				Strike: boolean(in, "strikethrough"),
			}
			if sa, ok := in["selectAction"].(map[string]any); ok && str(sa, "type") == "Action.OpenUrl" {
				s.URL = str(sa, "url")
			}
			out = append(out, s)
		}
	}
	return out
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
