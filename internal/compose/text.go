package compose

import (
	"strings"

	"golang.org/x/net/html"
)

// blockTags end a line in the plain-text rendering.
var blockTags = map[string]bool{
	"br": true, "p": true, "div": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "tr": true, "table": true,
}

// PlainText derives a text fallback from an HTML body by keeping text nodes
// in document order and breaking lines at block elements. Entities are
// decoded. It is lossy by intent: links keep only their text.
func PlainText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder

	for {
		switch z.Next() {
		case html.ErrorToken:
			return tidy(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if blockTags[string(name)] {
				b.WriteByte('\n')
			}
		}
	}
}

// tidy collapses runs of spaces within lines and drops blank lines.
func tidy(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if collapsed := strings.Join(strings.Fields(line), " "); collapsed != "" {
			out = append(out, collapsed)
		}
	}
	return strings.Join(out, "\n")
}
