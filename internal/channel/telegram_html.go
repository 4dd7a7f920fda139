package channel

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
)

var telegramMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Telegram accepts only a small HTML subset: b, i, s, u, a, code, pre,
// blockquote and a few aliases. Everything goldmark emits beyond that
// has to be flattened back to text.
var telegramTags = map[string]string{
	"b":      "b",
	"strong": "b",
	"i":      "i",
	"em":     "i",
	"s":      "s",
	"del":    "s",
	"u":      "u",
	"code":   "code",
	"pre":    "pre",
}

// renderTelegramHTML converts markdown to Telegram-safe HTML. Block
// structure (paragraphs, headings, lists) is rewritten as plain text
// with newlines because Telegram rejects structural tags.
func renderTelegramHTML(markdown string) string {
	var buf bytes.Buffer
	if err := telegramMarkdown.Convert([]byte(markdown), &buf); err != nil {
		return html.EscapeString(markdown)
	}

	doc, err := html.Parse(&buf)
	if err != nil {
		return html.EscapeString(markdown)
	}

	var out strings.Builder
	flattenTelegram(&out, doc, false)
	return strings.TrimSpace(out.String())
}

func flattenTelegram(out *strings.Builder, n *html.Node, inPre bool) {
	switch n.Type {
	case html.TextNode:
		text := n.Data
		if !inPre {
			// goldmark separates block elements with raw newlines that
			// would otherwise double up with ours.
			text = strings.ReplaceAll(text, "\n", " ")
			if strings.TrimSpace(text) == "" {
				return
			}
		}
		out.WriteString(html.EscapeString(text))
		return
	case html.ElementNode:
		switch n.Data {
		case "br":
			out.WriteString("\n")
			return
		case "hr":
			out.WriteString("\n———\n")
			return
		case "a":
			href := attrValue(n, "href")
			if href != "" {
				out.WriteString(`<a href="` + html.EscapeString(href) + `">`)
				flattenChildren(out, n, inPre)
				out.WriteString("</a>")
				return
			}
		case "li":
			out.WriteString("• ")
			flattenChildren(out, n, inPre)
			out.WriteString("\n")
			return
		case "p", "ul", "ol", "blockquote", "table", "tr":
			flattenChildren(out, n, inPre)
			out.WriteString("\n\n")
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			out.WriteString("<b>")
			flattenChildren(out, n, inPre)
			out.WriteString("</b>\n\n")
			return
		}
		if tag, ok := telegramTags[n.Data]; ok {
			out.WriteString("<" + tag + ">")
			flattenChildren(out, n, inPre || tag == "pre")
			out.WriteString("</" + tag + ">")
			if tag == "pre" {
				out.WriteString("\n")
			}
			return
		}
	}
	flattenChildren(out, n, inPre)
}

func flattenChildren(out *strings.Builder, n *html.Node, inPre bool) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		flattenTelegram(out, c, inPre)
	}
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
