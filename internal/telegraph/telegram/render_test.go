package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		text string
		ents []tgbotapi.MessageEntity
		want string
	}{
		{
			name: "plain escapes",
			text: `a < b & "c"`,
			want: "a &lt; b &amp; &#34;c&#34;",
		},
		{
			name: "bold and italic",
			text: "bold italic",
			ents: []tgbotapi.MessageEntity{
				{Type: "bold", Offset: 0, Length: 4},
				{Type: "italic", Offset: 5, Length: 6},
			},
			want: "<b>bold</b> <i>italic</i>",
		},
		{
			name: "nested same start",
			text: "both",
			ents: []tgbotapi.MessageEntity{
				{Type: "italic", Offset: 0, Length: 2},
				{Type: "bold", Offset: 0, Length: 4},
			},
			want: "<b><i>bo</i>th</b>",
		},
		{
			name: "overlapping ranges",
			text: "abcdefgh",
			ents: []tgbotapi.MessageEntity{
				{Type: "bold", Offset: 0, Length: 5},
				{Type: "italic", Offset: 3, Length: 5},
			},
			want: "<b>abc<i>de</i></b><i>fgh</i>",
		},
		{
			name: "overlap spans two inner entities",
			text: "abcdefg",
			ents: []tgbotapi.MessageEntity{
				{Type: "bold", Offset: 0, Length: 4},
				{Type: "italic", Offset: 1, Length: 5},
				{Type: "underline", Offset: 2, Length: 5},
			},
			want: "<b>a<i>b<u>cd</u></i></b><i><u>ef</u></i><u>g</u>",
		},
		{
			name: "utf16 offsets after emoji",
			text: "😀 hi",
			ents: []tgbotapi.MessageEntity{{Type: "bold", Offset: 3, Length: 2}},
			want: "😀 <b>hi</b>",
		},
		{
			name: "text link",
			text: "site",
			ents: []tgbotapi.MessageEntity{{Type: "text_link", Offset: 0, Length: 4, URL: "https://x.org/?a=1&b=2"}},
			want: `<a href="https://x.org/?a=1&amp;b=2">site</a>`,
		},
		{
			name: "pre with language",
			text: "x := 1",
			ents: []tgbotapi.MessageEntity{{Type: "pre", Offset: 0, Length: 6, Language: "go"}},
			want: `<pre><code class="language-go">x := 1</code></pre>`,
		},
		{
			name: "mention has no tag",
			text: "@alice hi",
			ents: []tgbotapi.MessageEntity{{Type: "mention", Offset: 0, Length: 6}},
			want: "@alice hi",
		},
		{
			name: "text mention",
			text: "Alice",
			ents: []tgbotapi.MessageEntity{{Type: "text_mention", Offset: 0, Length: 5, User: &tgbotapi.User{ID: 42}}},
			want: `<a href="tg://user?id=42">Alice</a>`,
		},
		{
			name: "entity to end of text",
			text: "ab",
			ents: []tgbotapi.MessageEntity{{Type: "underline", Offset: 1, Length: 1}},
			want: "a<u>b</u>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderHTML(tt.text, tt.ents); got != tt.want {
				t.Errorf("renderHTML = %q, want %q", got, tt.want)
			}
		})
	}
}
