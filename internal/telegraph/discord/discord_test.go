package discord

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	closeErr     error
	sentMessages []sentMessage
	sendErr      error
	edits        []*discordgo.MessageEdit
	editErr      error
	responses    []*discordgo.InteractionResponse
	handlers     []interface{}
	removeCount  int
	nextID       int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func newMockSession() *mockSession {
	return &mockSession{}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return m.closeErr
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.nextID++
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", m.nextID)}, nil
}

func (m *mockSession) ChannelMessageEditComplex(e *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	m.edits = append(m.edits, e)
	return &discordgo.Message{ID: e.ID}, nil
}

func (m *mockSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

// fire invokes every registered handler that accepts ev.
func (m *mockSession) fire(ev interface{}) {
	m.mu.Lock()
	handlers := append([]interface{}(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if e, ok := ev.(*discordgo.MessageCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.InteractionCreate):
			if e, ok := ev.(*discordgo.InteractionCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Ready):
			if e, ok := ev.(*discordgo.Ready); ok {
				fn(nil, e)
			}
		}
	}
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentMessages[len(m.sentMessages)-1]
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()

	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT_USER_ID")
	return a, sess
}

func listen(t *testing.T, a *Adapter) <-chan telegraph.Event {
	t.Helper()
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ch
}

func dm(content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "1100000000000000000",
		ChannelID: "555",
		Content:   content,
		Author:    &discordgo.User{ID: "U1", Username: "alice", GlobalName: "Alice"},
	}}
}

func receive(t *testing.T, ch <-chan telegraph.Event) telegraph.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return telegraph.Event{}
}

func expectNone(t *testing.T, ch <-chan telegraph.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

// --- New / Connect ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %q, want to mention bot token", err.Error())
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("gateway down")
	a, _ := New(AdapterOpts{Session: sess})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "gateway down") {
		t.Fatalf("err = %v, want gateway down", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error connecting a closed adapter")
	}
}

func TestConnect_ReadyHandlerSetsBotID(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.fire(&discordgo.Ready{User: &discordgo.User{ID: "NEW_BOT", Username: "shout"}})
	ch := listen(t, a)

	m := dm("hello")
	m.Author.ID = "NEW_BOT"
	sess.fire(m)
	expectNone(t, ch)
}

// --- Listen ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestListen_Command(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch := listen(t, a)

	sess.fire(dm("/Send@shoutbot news"))
	ev := receive(t, ch)
	if ev.Platform != "discord" || ev.ChatID != 555 {
		t.Errorf("event = %+v, want discord chat 555", ev)
	}
	if ev.Command != "send" || ev.Args != "news" {
		t.Errorf("command = %q args = %q", ev.Command, ev.Args)
	}
	if ev.Profile.UserName != "alice" || ev.Profile.FirstName != "Alice" {
		t.Errorf("profile = %+v", ev.Profile)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp should come from the snowflake")
	}
}

func TestListen_TextContent(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch := listen(t, a)

	sess.fire(dm("**big** news"))
	ev := receive(t, ch)
	txt, ok := ev.Content.(payload.Text)
	if !ok {
		t.Fatalf("content = %#v, want payload.Text", ev.Content)
	}
	if txt.Body != "**big** news" || txt.Format != payload.FormatMarkdown {
		t.Errorf("text = %+v", txt)
	}
}

func TestListen_Attachments(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch := listen(t, a)

	img := dm("")
	img.Attachments = []*discordgo.MessageAttachment{
		{URL: "https://cdn/a.pdf", ContentType: "application/pdf"},
		{URL: "https://cdn/a.png", ContentType: "image/png"},
	}
	sess.fire(img)
	if p, ok := receive(t, ch).Content.(payload.Image); !ok || p.Ref != "https://cdn/a.png" {
		t.Errorf("image content = %#v", p)
	}

	vid := dm("")
	vid.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn/v.mp4", ContentType: "video/mp4"}}
	sess.fire(vid)
	if p, ok := receive(t, ch).Content.(payload.Video); !ok || p.Ref != "https://cdn/v.mp4" {
		t.Errorf("video content = %#v", p)
	}

	st := dm("")
	st.StickerItems = []*discordgo.StickerItem{{ID: "S1"}}
	sess.fire(st)
	if p, ok := receive(t, ch).Content.(payload.Sticker); !ok || p.Ref != "S1" {
		t.Errorf("sticker content = %#v", p)
	}

	doc := dm("")
	doc.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn/a.pdf", ContentType: "application/pdf"}}
	sess.fire(doc)
	if ev := receive(t, ch); !ev.Unsupported {
		t.Errorf("pdf should be unsupported, got %+v", ev)
	}
}

func TestListen_Filters(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch := listen(t, a)

	self := dm("hi")
	self.Author.ID = "BOT_USER_ID"
	sess.fire(self)

	bot := dm("hi")
	bot.Author.Bot = true
	sess.fire(bot)

	guild := dm("hi")
	guild.GuildID = "G1"
	sess.fire(guild)

	noAuthor := dm("hi")
	noAuthor.Author = nil
	sess.fire(noAuthor)

	expectNone(t, ch)
}

func TestListen_ButtonPress(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch := listen(t, a)

	sess.fire(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "I1",
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "555",
		User:      &discordgo.User{ID: "U1", Username: "alice"},
		Data:      discordgo.MessageComponentInteractionData{CustomID: "ch:3"},
	}})
	ev := receive(t, ch)
	if ev.Selection != "ch:3" || ev.ChatID != 555 {
		t.Errorf("event = %+v, want selection ch:3 from 555", ev)
	}
	if len(sess.responses) != 1 || sess.responses[0].Type != discordgo.InteractionResponseDeferredMessageUpdate {
		t.Errorf("responses = %+v, want one deferred update", sess.responses)
	}
}

// --- Send ---

func TestSend_Text(t *testing.T) {
	a, sess := newTestAdapter(t)
	ref, err := a.Send(context.Background(), telegraph.OutboundMessage{
		ChatID:  555,
		Payload: payload.HTML("<b>hi</b> &amp; bye"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref.ChatID != 555 || ref.ID != "msg-1" {
		t.Errorf("ref = %+v", ref)
	}
	got := sess.lastSent()
	if got.channelID != "555" {
		t.Errorf("channel = %q, want 555", got.channelID)
	}
	if got.data.Content != "**hi** & bye" {
		t.Errorf("content = %q", got.data.Content)
	}
}

func TestSend_PayloadKinds(t *testing.T) {
	a, sess := newTestAdapter(t)
	ctx := context.Background()

	a.Send(ctx, telegraph.OutboundMessage{ChatID: 1, Payload: payload.Image{Ref: "https://cdn/a.png", Caption: "look"}})
	if d := sess.lastSent().data; len(d.Embeds) != 1 || d.Embeds[0].Image.URL != "https://cdn/a.png" || d.Content != "look" {
		t.Errorf("image send = %+v", d)
	}

	a.Send(ctx, telegraph.OutboundMessage{ChatID: 1, Payload: payload.Sticker{Ref: "S1"}})
	if d := sess.lastSent().data; len(d.StickerIDs) != 1 || d.StickerIDs[0] != "S1" {
		t.Errorf("sticker send = %+v", d)
	}

	a.Send(ctx, telegraph.OutboundMessage{ChatID: 1, Payload: payload.Video{Ref: "https://cdn/v.mp4"}})
	if d := sess.lastSent().data; d.Content != "https://cdn/v.mp4" {
		t.Errorf("video send = %+v", d)
	}

	if _, err := a.Send(ctx, telegraph.OutboundMessage{ChatID: 1}); err == nil {
		t.Error("expected error for missing payload")
	}
}

func TestSend_Prompt(t *testing.T) {
	a, sess := newTestAdapter(t)
	var opts []telegraph.Option
	for i := 0; i < 7; i++ {
		opts = append(opts, telegraph.Option{Label: fmt.Sprintf("c%d", i), Token: fmt.Sprintf("ch:%d", i)})
	}
	prompt := &telegraph.Prompt{Rows: [][]telegraph.Option{opts}}
	_, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: 1, Payload: payload.Plain("pick"), Prompt: prompt})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rows := sess.lastSent().data.Components
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	first := rows[0].(discordgo.ActionsRow)
	if len(first.Components) != maxButtonsPerRow {
		t.Errorf("first row has %d buttons, want %d", len(first.Components), maxButtonsPerRow)
	}
	if b := first.Components[0].(discordgo.Button); b.CustomID != "ch:0" || b.Label != "c0" {
		t.Errorf("button = %+v", b)
	}
}

func TestBuildComponents_PacksTallPrompts(t *testing.T) {
	option := func(i int) telegraph.Option {
		return telegraph.Option{Label: fmt.Sprintf("c%d", i), Token: fmt.Sprintf("ch:%d", i)}
	}
	column := func(n int) *telegraph.Prompt {
		var opts []telegraph.Option
		for i := 0; i < n; i++ {
			opts = append(opts, option(i))
		}
		return telegraph.SingleColumn(opts...)
	}
	tests := []struct {
		name        string
		prompt      *telegraph.Prompt
		wantRows    int
		wantButtons int
	}{
		{"nil", nil, 0, 0},
		{"fits as a column", column(5), 5, 5},
		{"channels plus cancel", column(9), 2, 9},
		{"at the limit", column(25), 5, 25},
		{"over the limit", column(30), 5, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := buildComponents(tt.prompt)
			if len(rows) != tt.wantRows {
				t.Fatalf("rows = %d, want %d", len(rows), tt.wantRows)
			}
			var tokens []string
			for _, r := range rows {
				for _, c := range r.(discordgo.ActionsRow).Components {
					tokens = append(tokens, c.(discordgo.Button).CustomID)
				}
			}
			if len(tokens) != tt.wantButtons {
				t.Fatalf("buttons = %d, want %d", len(tokens), tt.wantButtons)
			}
			for i, tok := range tokens {
				if want := fmt.Sprintf("ch:%d", i); tok != want {
					t.Errorf("button %d = %q, want %q", i, tok, want)
				}
			}
		})
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	_, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: 1, Payload: payload.Plain("x")})
	if err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestSend_Error(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErr = fmt.Errorf("cannot send messages to this user")
	_, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: 1, Payload: payload.Plain("x")})
	if err == nil || !strings.Contains(err.Error(), "cannot send") {
		t.Fatalf("err = %v", err)
	}
}

// --- StripPrompt / Close ---

func TestStripPrompt(t *testing.T) {
	a, sess := newTestAdapter(t)
	if err := a.StripPrompt(context.Background(), telegraph.MessageRef{ChatID: 555, ID: "msg-9"}); err != nil {
		t.Fatalf("strip: %v", err)
	}
	if len(sess.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(sess.edits))
	}
	e := sess.edits[0]
	if e.ID != "msg-9" || e.Channel != "555" {
		t.Errorf("edit target = %s/%s", e.Channel, e.ID)
	}
	if e.Components == nil || len(*e.Components) != 0 {
		t.Errorf("components = %v, want empty slice", e.Components)
	}
}

func TestClose_RemovesHandlers(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch := listen(t, a)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sess.closeCalled {
		t.Error("session not closed")
	}
	if sess.removeCount != 2 {
		t.Errorf("removeCount = %d, want 2", sess.removeCount)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel should be closed")
	}
	// Late events after close are dropped, not panics.
	sess.fire(dm("late"))
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("listen after close should fail")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

// --- markdown ---

func TestToMarkdown(t *testing.T) {
	tests := []struct {
		in, want string
		format   payload.Format
	}{
		{"*as is*", "*as is*", payload.FormatMarkdown},
		{"a <b>plain</b>", "a <b>plain</b>", payload.FormatPlain},
		{"<b>b</b> <i>i</i> <u>u</u> <s>s</s>", "**b** *i* __u__ ~~s~~", payload.FormatHTML},
		{`<a href="https://x.org">site</a>`, "[site](https://x.org)", payload.FormatHTML},
		{"<code>x</code>", "`x`", payload.FormatHTML},
		{"<pre><code>x := 1</code></pre>", "```\nx := 1\n```", payload.FormatHTML},
		{"a &lt; b<br/>c", "a < b\nc", payload.FormatHTML},
		{"<tg-spoiler>secret</tg-spoiler>", "||secret||", payload.FormatHTML},
	}
	for _, tt := range tests {
		if got := toMarkdown(tt.in, tt.format); got != tt.want {
			t.Errorf("toMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- retryOnRateLimit ---

func TestRetryOnRateLimit_RetriesAndSucceeds(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &discordgo.RESTError{
				Response: &http.Response{StatusCode: 429},
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	a, _ := newTestAdapter(t)
	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{
			Response: &http.Response{StatusCode: 429},
		}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.baseBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := a.retryOnRateLimit(ctx, func() error {
		calls++
		return &discordgo.RESTError{
			Response: &http.Response{StatusCode: 429},
		}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}
