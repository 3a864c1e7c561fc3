package discord

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
)

// markdownTags maps HTML formatting tags to Discord markdown delimiters.
var markdownTags = map[string]string{
	"b":          "**",
	"strong":     "**",
	"i":          "*",
	"em":         "*",
	"u":          "__",
	"ins":        "__",
	"s":          "~~",
	"strike":     "~~",
	"del":        "~~",
	"tg-spoiler": "||",
	"code":       "`",
}

// toMarkdown converts a formatted body to Discord markdown. Markdown and
// plain text pass through; HTML is rewritten tag by tag.
func toMarkdown(body string, format payload.Format) string {
	if format != payload.FormatHTML {
		return body
	}

	var b strings.Builder
	var href []string
	inPre := false
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input; either way we are done.
			return b.String()
		case html.TextToken:
			b.WriteString(string(z.Text()))
		case html.StartTagToken:
			tok := z.Token()
			switch tok.Data {
			case "pre":
				inPre = true
				b.WriteString("```\n")
			case "code":
				if !inPre {
					b.WriteString("`")
				}
			case "a":
				href = append(href, attr(tok, "href"))
				b.WriteString("[")
			case "blockquote":
				b.WriteString("> ")
			case "br":
				b.WriteString("\n")
			default:
				b.WriteString(markdownTags[tok.Data])
			}
		case html.EndTagToken:
			tok := z.Token()
			switch tok.Data {
			case "pre":
				inPre = false
				b.WriteString("\n```")
			case "code":
				if !inPre {
					b.WriteString("`")
				}
			case "a":
				link := ""
				if n := len(href); n > 0 {
					link, href = href[n-1], href[:n-1]
				}
				b.WriteString("](" + link + ")")
			default:
				b.WriteString(markdownTags[tok.Data])
			}
		case html.SelfClosingTagToken:
			if z.Token().Data == "br" {
				b.WriteString("\n")
			}
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
