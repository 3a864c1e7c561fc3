package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/config"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/conversation"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/db"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/dispatch"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/report"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph/discord"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph/telegram"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/webform"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot and the registration form",
		Long: `Connects to the configured chat platform and serves users until
interrupted. When web.enabled is set the registration form runs in the
same process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shoutout config file")
	return cmd
}

func runBot(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	st, err := store.New(gormDB)
	if err != nil {
		return err
	}

	dir, err := newDirectory(cfg)
	if err != nil {
		return err
	}
	defer dir.Close()

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	prompts := telegraph.NewPrompts()
	throttle, err := telegraph.NewThrottle(telegraph.ThrottleOpts{
		Adapter:       adapter,
		Prompts:       prompts,
		GlobalPerSec:  cfg.Throttle.GlobalPerSec,
		GlobalBurst:   cfg.Throttle.GlobalBurst,
		PerChatPerSec: cfg.Throttle.PerChatPerSec,
		PerChatBurst:  cfg.Throttle.PerChatBurst,
		QueueSize:     cfg.Throttle.QueueSize,
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.DispatcherOpts{Store: st, Sender: throttle})
	if err != nil {
		return err
	}

	reporter, err := buildReporter(cfg, throttle)
	if err != nil {
		return err
	}

	audit, closeAudit, err := openAuditLog(cfg.Logs.Audit)
	if err != nil {
		return err
	}
	defer closeAudit()

	var link func(chatID int64, token string) string
	if cfg.Web.Enabled {
		link = func(chatID int64, token string) string {
			return webform.RegistrationLink(cfg.Web.BaseURL, chatID, token)
		}
	}

	engine, err := conversation.NewEngine(conversation.EngineOpts{
		Store:        st,
		Authorizer:   dir,
		Broadcaster:  dispatcher,
		Sender:       throttle,
		Prompts:      prompts,
		Reporter:     reporter,
		Audit:        audit,
		RegisterLink: link,
		IdleTimeout:  cfg.Session.IdleTimeout(),
	})
	if err != nil {
		return err
	}

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Adapter:  adapter,
		Throttle: throttle,
		Handler:  engine,
		Workers:  cfg.Workers,
		Jobs:     []telegraph.Job{engine.SweepJob(cfg.Session.SweepCron)},
		Drain:    engine.Wait,
		Out:      out,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	webErr := make(chan error, 1)
	if cfg.Web.Enabled {
		go func() {
			webErr <- webform.Start(ctx, webform.StartOpts{
				Store:      st,
				Verifier:   dir,
				Listen:     cfg.Web.Listen,
				ImprintURL: cfg.Web.ImprintURL,
				Audit:      audit,
				Out:        out,
			})
		}()
	} else {
		close(webErr)
	}

	runErr := daemon.Run(ctx)
	stop()
	if err := <-webErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Platform {
	case config.PlatformTelegram:
		return telegram.New(telegram.AdapterOpts{
			BotToken: cfg.Telegram.Token,
			Debug:    cfg.Telegram.Debug,
		})
	case config.PlatformDiscord:
		return discord.New(discord.AdapterOpts{
			BotToken: cfg.Discord.Token,
		})
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}

// buildReporter combines the configured incident reporters. Incidents are
// always logged; developer chats and Slack are optional.
func buildReporter(cfg *config.Config, sender telegraph.Sender) (report.Reporter, error) {
	reporters := report.Multi{report.LogReporter{}}
	if len(cfg.Report.DevChatIDs) > 0 {
		r, err := report.NewChatReporter(sender, cfg.Report.DevChatIDs)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, r)
	}
	if cfg.Report.Slack.BotToken != "" && cfg.Report.Slack.ChannelID != "" {
		r, err := report.NewSlackReporter(report.SlackReporterOpts{
			BotToken:  cfg.Report.Slack.BotToken,
			ChannelID: cfg.Report.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, r)
	}
	return reporters, nil
}

// openAuditLog returns the audit logger. An empty path sends audit lines
// to the operational log.
func openAuditLog(path string) (*log.Logger, func(), error) {
	if path == "" {
		return log.New(log.Writer(), "audit: ", log.LstdFlags), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}

