// Package config provides YAML-based configuration loading for the shoutout bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Supported chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the top-level bot configuration, loaded from shoutout.yaml.
type Config struct {
	Platform  string          `yaml:"platform"`
	Workers   int             `yaml:"workers"`
	Database  DatabaseConfig  `yaml:"database"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Discord   DiscordConfig   `yaml:"discord"`
	Directory DirectoryConfig `yaml:"directory"`
	Web       WebConfig       `yaml:"web"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Session   SessionConfig   `yaml:"session"`
	Report    ReportConfig    `yaml:"report"`
	Logs      LogsConfig      `yaml:"logs"`
	Channels  []ChannelConfig `yaml:"channels"`
}

// DatabaseConfig selects and addresses the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// TelegramConfig holds Telegram Bot API credentials.
type TelegramConfig struct {
	Token string `yaml:"token"`
	Debug bool   `yaml:"debug"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// DirectoryConfig addresses the LDAP directory used for authorization.
type DirectoryConfig struct {
	URL              string `yaml:"url"`
	BindDN           string `yaml:"bind_dn"`
	BindPassword     string `yaml:"bind_password"`
	GroupFilter      string `yaml:"group_filter"`
	UsernameTemplate string `yaml:"username_template"` // e.g. "cn=%s,ou=People,dc=example,dc=com"
	TimeoutSec       int    `yaml:"timeout_sec"`
}

// WebConfig controls the registration web form.
type WebConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	BaseURL    string `yaml:"base_url"` // public URL prefix used in registration links
	ImprintURL string `yaml:"imprint_url"`
}

// ThrottleConfig sets the outbound token-bucket budgets.
type ThrottleConfig struct {
	GlobalPerSec  float64 `yaml:"global_per_sec"`
	GlobalBurst   int     `yaml:"global_burst"`
	PerChatPerSec float64 `yaml:"per_chat_per_sec"`
	PerChatBurst  int     `yaml:"per_chat_burst"`
	QueueSize     int     `yaml:"queue_size"`
}

// SessionConfig controls conversation session expiry.
type SessionConfig struct {
	IdleTimeoutMin int    `yaml:"idle_timeout_min"`
	SweepCron      string `yaml:"sweep_cron"`
}

// IdleTimeout returns the idle timeout as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMin) * time.Minute
}

// ReportConfig lists where detailed failure reports go.
type ReportConfig struct {
	DevChatIDs []int64     `yaml:"dev_chat_ids"`
	Slack      SlackConfig `yaml:"slack"`
}

// SlackConfig addresses the operator Slack channel for failure reports.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// LogsConfig holds optional log file paths.
type LogsConfig struct {
	Audit string `yaml:"audit"`
}

// ChannelConfig declares a channel to provision on migrate.
type ChannelConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     bool   `yaml:"default"`
	Mandatory   bool   `yaml:"mandatory"`
	Filter      string `yaml:"filter"`
}

// Load reads a YAML config file from path, overlays SHOUTOUT_* environment
// variables and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}

// envOverlay lists the settings that may be supplied through the
// environment instead of the YAML file (mostly secrets).
type envOverlay struct {
	Platform          string `envconfig:"PLATFORM"`
	TelegramToken     string `envconfig:"TELEGRAM_TOKEN"`
	DiscordToken      string `envconfig:"DISCORD_TOKEN"`
	DatabasePassword  string `envconfig:"DATABASE_PASSWORD"`
	DirectoryPassword string `envconfig:"DIRECTORY_BIND_PASSWORD"`
	SlackBotToken     string `envconfig:"SLACK_BOT_TOKEN"`
	WebBaseURL        string `envconfig:"WEB_BASE_URL"`
}

// ApplyEnv overlays non-empty SHOUTOUT_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var env envOverlay
	if err := envconfig.Process("shoutout", &env); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&c.Platform, env.Platform)
	overlay(&c.Telegram.Token, env.TelegramToken)
	overlay(&c.Discord.Token, env.DiscordToken)
	overlay(&c.Database.Password, env.DatabasePassword)
	overlay(&c.Directory.BindPassword, env.DirectoryPassword)
	overlay(&c.Report.Slack.BotToken, env.SlackBotToken)
	overlay(&c.Web.BaseURL, env.WebBaseURL)
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = PlatformTelegram
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "shoutout.db"
	}
	if c.Database.Driver == DriverMySQL {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
	}
	if c.Directory.TimeoutSec <= 0 {
		c.Directory.TimeoutSec = 10
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":8080"
	}
	c.Web.BaseURL = strings.TrimRight(c.Web.BaseURL, "/")
	if c.Throttle.GlobalPerSec <= 0 {
		c.Throttle.GlobalPerSec = 25
	}
	if c.Throttle.GlobalBurst <= 0 {
		c.Throttle.GlobalBurst = 30
	}
	if c.Throttle.PerChatPerSec <= 0 {
		c.Throttle.PerChatPerSec = 1
	}
	if c.Throttle.PerChatBurst <= 0 {
		c.Throttle.PerChatBurst = 3
	}
	if c.Throttle.QueueSize <= 0 {
		c.Throttle.QueueSize = 1024
	}
	if c.Session.IdleTimeoutMin <= 0 {
		c.Session.IdleTimeoutMin = 60
	}
	if c.Session.SweepCron == "" {
		c.Session.SweepCron = "*/5 * * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case PlatformTelegram:
		if c.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required")
		}
	case PlatformDiscord:
		if c.Discord.Token == "" {
			errs = append(errs, "discord.token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported platform %q", c.Platform))
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverMySQL:
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Directory.URL == "" {
		errs = append(errs, "directory.url is required")
	}
	if c.Directory.GroupFilter == "" {
		errs = append(errs, "directory.group_filter is required")
	}
	if !strings.Contains(c.Directory.UsernameTemplate, "%s") {
		errs = append(errs, "directory.username_template must contain %s")
	}
	if c.Web.Enabled && c.Web.BaseURL == "" {
		errs = append(errs, "web.base_url is required when web is enabled")
	}
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Name == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].name is required", i))
			continue
		}
		key := strings.ToLower(ch.Name)
		if seen[key] {
			errs = append(errs, fmt.Sprintf("channels[%d]: duplicate channel name %q", i, ch.Name))
		}
		seen[key] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
