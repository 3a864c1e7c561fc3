package telegram

import (
	"html"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// renderHTML turns text plus its formatting entities into Bot API HTML.
// Entity offsets and lengths count UTF-16 code units. Entities without
// an HTML form (mentions, hashtags, plain URLs) only contribute their text.
func renderHTML(text string, entities []tgbotapi.MessageEntity) string {
	if len(entities) == 0 {
		return html.EscapeString(text)
	}
	ents := make([]tgbotapi.MessageEntity, len(entities))
	copy(ents, entities)
	// Outer entities first when two start at the same offset.
	sort.SliceStable(ents, func(i, j int) bool {
		if ents[i].Offset != ents[j].Offset {
			return ents[i].Offset < ents[j].Offset
		}
		return ents[i].Length > ents[j].Length
	})

	var b strings.Builder
	var open []tgbotapi.MessageEntity
	// closeEnded closes every entity ending at or before pos. Entities
	// opened inside one of them that continue past pos are closed with it
	// and reopened, so overlapping ranges never widen.
	closeEnded := func(pos int) {
		cut := -1
		for i, e := range open {
			if e.Offset+e.Length <= pos {
				cut = i
				break
			}
		}
		if cut < 0 {
			return
		}
		var reopen []tgbotapi.MessageEntity
		for i := len(open) - 1; i >= cut; i-- {
			b.WriteString(closeTag(open[i]))
		}
		for _, e := range open[cut:] {
			if e.Offset+e.Length > pos {
				reopen = append(reopen, e)
			}
		}
		open = open[:cut]
		for _, e := range reopen {
			b.WriteString(openTag(e))
			open = append(open, e)
		}
	}

	next, pos := 0, 0
	for _, r := range text {
		closeEnded(pos)
		for next < len(ents) && ents[next].Offset <= pos {
			b.WriteString(openTag(ents[next]))
			open = append(open, ents[next])
			next++
		}
		b.WriteString(html.EscapeString(string(r)))
		pos += utf16.RuneLen(r)
	}
	closeEnded(math.MaxInt)
	return b.String()
}

func openTag(e tgbotapi.MessageEntity) string {
	switch e.Type {
	case "bold":
		return "<b>"
	case "italic":
		return "<i>"
	case "underline":
		return "<u>"
	case "strikethrough":
		return "<s>"
	case "spoiler":
		return "<tg-spoiler>"
	case "code":
		return "<code>"
	case "pre":
		if e.Language != "" {
			return `<pre><code class="language-` + html.EscapeString(e.Language) + `">`
		}
		return "<pre>"
	case "blockquote":
		return "<blockquote>"
	case "text_link":
		return `<a href="` + html.EscapeString(e.URL) + `">`
	case "text_mention":
		if e.User != nil {
			return `<a href="tg://user?id=` + strconv.FormatInt(e.User.ID, 10) + `">`
		}
	}
	return ""
}

func closeTag(e tgbotapi.MessageEntity) string {
	switch e.Type {
	case "bold":
		return "</b>"
	case "italic":
		return "</i>"
	case "underline":
		return "</u>"
	case "strikethrough":
		return "</s>"
	case "spoiler":
		return "</tg-spoiler>"
	case "code":
		return "</code>"
	case "pre":
		if e.Language != "" {
			return "</code></pre>"
		}
		return "</pre>"
	case "blockquote":
		return "</blockquote>"
	case "text_link":
		return "</a>"
	case "text_mention":
		if e.User != nil {
			return "</a>"
		}
	}
	return ""
}
