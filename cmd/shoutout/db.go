package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/config"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/db"
)

const defaultConfigPath = "shoutout.yaml"

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and provision configured channels",
		Long: `Creates or updates all tables and provisions the channels listed in the
config file. Existing channels are updated, other channels are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shoutout config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	fmt.Fprintf(out, "Connected to %s database\n", cfg.Database.Driver)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedChannels(gormDB, cfg.Channels); err != nil {
		return err
	}
	fmt.Fprintf(out, "Provisioned %d channels:", len(cfg.Channels))
	for _, ch := range cfg.Channels {
		fmt.Fprintf(out, " %s", ch.Name)
	}
	fmt.Fprintln(out)
	return nil
}

// openDatabase loads the config and connects to its database.
func openDatabase(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}
