package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/config"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/report"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph/discord"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph/telegram"
)

type nopSender struct{}

func (nopSender) Send(context.Context, telegraph.OutboundMessage) error { return nil }
func (nopSender) Retract(context.Context, telegraph.MessageRef)        {}

func TestCreateAdapter(t *testing.T) {
	a, err := createAdapter(&config.Config{Platform: config.PlatformTelegram, Telegram: config.TelegramConfig{Token: "123:abc"}})
	if err != nil {
		t.Fatalf("telegram: %v", err)
	}
	if _, ok := a.(*telegram.Adapter); !ok {
		t.Errorf("telegram adapter type = %T", a)
	}

	a, err = createAdapter(&config.Config{Platform: config.PlatformDiscord, Discord: config.DiscordConfig{Token: "tok"}})
	if err != nil {
		t.Fatalf("discord: %v", err)
	}
	if _, ok := a.(*discord.Adapter); !ok {
		t.Errorf("discord adapter type = %T", a)
	}

	if _, err := createAdapter(&config.Config{Platform: "irc"}); err == nil || !strings.Contains(err.Error(), "unsupported platform") {
		t.Errorf("irc err = %v", err)
	}
}

func TestBuildReporter(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ReportConfig
		want int
	}{
		{"log only", config.ReportConfig{}, 1},
		{"dev chats", config.ReportConfig{DevChatIDs: []int64{1, 2}}, 2},
		{"slack", config.ReportConfig{Slack: config.SlackConfig{BotToken: "xoxb-test", ChannelID: "C1"}}, 2},
		{"slack without channel", config.ReportConfig{Slack: config.SlackConfig{BotToken: "xoxb-test"}}, 1},
		{"everything", config.ReportConfig{DevChatIDs: []int64{1}, Slack: config.SlackConfig{BotToken: "xoxb-test", ChannelID: "C1"}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := buildReporter(&config.Config{Report: tt.cfg}, nopSender{})
			if err != nil {
				t.Fatalf("buildReporter: %v", err)
			}
			multi, ok := r.(report.Multi)
			if !ok {
				t.Fatalf("reporter type = %T", r)
			}
			if len(multi) != tt.want {
				t.Errorf("reporters = %d, want %d", len(multi), tt.want)
			}
		})
	}
}

func TestOpenAuditLog(t *testing.T) {
	logger, closeFn, err := openAuditLog("")
	if err != nil || logger == nil {
		t.Fatalf("default audit log: %v", err)
	}
	closeFn()

	path := filepath.Join(t.TempDir(), "audit.log")
	logger, closeFn, err = openAuditLog(path)
	if err != nil {
		t.Fatalf("file audit log: %v", err)
	}
	logger.Printf("broadcast chat=%d", 7)
	closeFn()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "broadcast chat=7") {
		t.Errorf("audit file = %q", data)
	}

	if _, _, err := openAuditLog(filepath.Join(t.TempDir(), "missing", "audit.log")); err == nil {
		t.Error("expected error for unwritable path")
	}
}

func TestRunCmd_MissingConfig(t *testing.T) {
	_, err := execRoot(t, "run", "-c", "/nonexistent/shoutout.yaml")
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v", err)
	}
}

func TestDirectoryCheckCmd_Help(t *testing.T) {
	out, err := execRoot(t, "directory", "check", "--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(out, "--filter") {
		t.Errorf("help missing --filter: %s", out)
	}
}

func TestReadPassword_Piped(t *testing.T) {
	var out strings.Builder
	pw, err := readPassword(strings.NewReader("s3cret\r\n"), &out)
	if err != nil {
		t.Fatalf("readPassword: %v", err)
	}
	if pw != "s3cret" {
		t.Errorf("password = %q", pw)
	}
	if !strings.Contains(out.String(), "Password: ") {
		t.Errorf("prompt = %q", out.String())
	}
	if _, err := readPassword(strings.NewReader(""), &out); err == nil {
		t.Error("expected error on empty input")
	}
}
