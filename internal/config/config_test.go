package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
platform: telegram
workers: 8

database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: shoutout
  password: secret
  name: shoutout

telegram:
  token: "123456:abc"

directory:
  url: ldaps://ldap.example.com
  bind_dn: "uid=telegram,ou=user,dc=example,dc=com"
  bind_password: hunter2
  group_filter: "(&(objectclass=person)(memberOf=cn=telegram,ou=group,dc=example,dc=com))"
  username_template: "cn=%s,ou=People,dc=example,dc=com"

web:
  enabled: true
  listen: ":9090"
  base_url: "https://example.com/telegram/"

throttle:
  global_per_sec: 20
  per_chat_burst: 5

session:
  idle_timeout_min: 15

report:
  dev_chat_ids: [111, 222]
  slack:
    bot_token: xoxb-1
    channel_id: C123

channels:
  - name: news
    description: General news
    default: true
    filter: "(memberOf=cn=news,ou=group,dc=example,dc=com)"
  - name: Board
    mandatory: true
`

const minimalYAML = `
telegram:
  token: "t"
directory:
  url: ldap://localhost
  group_filter: "(objectclass=person)"
  username_template: "uid=%s,dc=example"
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Platform != PlatformTelegram {
		t.Errorf("Platform = %q, want %q", cfg.Platform, PlatformTelegram)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.Database.Driver != DriverMySQL || cfg.Database.Port != 3307 || cfg.Database.Name != "shoutout" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Web.BaseURL != "https://example.com/telegram" {
		t.Errorf("Web.BaseURL = %q, want trailing slash trimmed", cfg.Web.BaseURL)
	}
	if cfg.Throttle.GlobalPerSec != 20 {
		t.Errorf("Throttle.GlobalPerSec = %v, want 20", cfg.Throttle.GlobalPerSec)
	}
	if cfg.Throttle.PerChatBurst != 5 {
		t.Errorf("Throttle.PerChatBurst = %d, want 5", cfg.Throttle.PerChatBurst)
	}
	if cfg.Session.IdleTimeout() != 15*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 15m", cfg.Session.IdleTimeout())
	}
	if len(cfg.Report.DevChatIDs) != 2 || cfg.Report.DevChatIDs[1] != 222 {
		t.Errorf("Report.DevChatIDs = %v", cfg.Report.DevChatIDs)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("len(Channels) = %d, want 2", len(cfg.Channels))
	}
	if !cfg.Channels[0].Default || cfg.Channels[0].Filter == "" {
		t.Errorf("Channels[0] = %+v", cfg.Channels[0])
	}
	if !cfg.Channels[1].Mandatory {
		t.Errorf("Channels[1].Mandatory = false, want true")
	}
}

func TestParse_MinimalDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Platform != PlatformTelegram {
		t.Errorf("Platform = %q, want telegram", cfg.Platform)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != "shoutout.db" {
		t.Errorf("Database = %+v, want sqlite defaults", cfg.Database)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.Directory.TimeoutSec != 10 {
		t.Errorf("Directory.TimeoutSec = %d, want 10", cfg.Directory.TimeoutSec)
	}
	if cfg.Throttle.QueueSize != 1024 {
		t.Errorf("Throttle.QueueSize = %d, want 1024", cfg.Throttle.QueueSize)
	}
	if cfg.Session.SweepCron != "*/5 * * * *" {
		t.Errorf("Session.SweepCron = %q", cfg.Session.SweepCron)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing telegram token",
			yaml: "directory: {url: x, group_filter: y, username_template: '%s'}",
			want: "telegram.token is required",
		},
		{
			name: "unknown platform",
			yaml: "platform: irc\ndirectory: {url: x, group_filter: y, username_template: '%s'}",
			want: `unsupported platform "irc"`,
		},
		{
			name: "discord without token",
			yaml: "platform: discord\ndirectory: {url: x, group_filter: y, username_template: '%s'}",
			want: "discord.token is required",
		},
		{
			name: "template without placeholder",
			yaml: "telegram: {token: t}\ndirectory: {url: x, group_filter: y, username_template: 'cn=foo'}",
			want: "username_template must contain %s",
		},
		{
			name: "mysql without name",
			yaml: "telegram: {token: t}\ndatabase: {driver: mysql}\ndirectory: {url: x, group_filter: y, username_template: '%s'}",
			want: "database.name is required",
		},
		{
			name: "web without base url",
			yaml: "telegram: {token: t}\nweb: {enabled: true}\ndirectory: {url: x, group_filter: y, username_template: '%s'}",
			want: "web.base_url is required",
		},
		{
			name: "duplicate channel case-insensitive",
			yaml: "telegram: {token: t}\ndirectory: {url: x, group_filter: y, username_template: '%s'}\nchannels: [{name: News}, {name: news}]",
			want: "duplicate channel name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("platform: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shoutout.yaml")
	yaml := `
directory:
  url: ldap://localhost
  group_filter: "(objectclass=person)"
  username_template: "uid=%s,dc=example"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SHOUTOUT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("SHOUTOUT_DIRECTORY_BIND_PASSWORD", "pw-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Errorf("Telegram.Token = %q, want from-env", cfg.Telegram.Token)
	}
	if cfg.Directory.BindPassword != "pw-from-env" {
		t.Errorf("Directory.BindPassword = %q, want pw-from-env", cfg.Directory.BindPassword)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
