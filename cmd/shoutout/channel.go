package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/db"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
)

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channel",
		Aliases: []string{"ch"},
		Short:   "Channel provisioning commands",
	}

	cmd.AddCommand(newChannelListCmd())
	cmd.AddCommand(newChannelAddCmd())
	cmd.AddCommand(newChannelRemoveCmd())
	return cmd
}

func newChannelListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List channels with their subscriber counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shoutout config file")
	return cmd
}

func runChannelList(cmd *cobra.Command, configPath string) error {
	return withStore(configPath, func(st *store.Store) error {
		type row struct {
			ch          models.Channel
			subscribers int
		}
		var rows []row
		err := st.Scope(cmd.Context(), func(tx *store.Tx) error {
			channels, err := tx.GetChannels()
			if err != nil {
				return err
			}
			for _, ch := range channels {
				subs, err := tx.GetSubscribers(ch.ID)
				if err != nil {
					return err
				}
				rows = append(rows, row{ch: ch, subscribers: len(subs)})
			}
			return nil
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(out, "No channels.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSUBSCRIBERS\tDEFAULT\tMANDATORY\tFILTER")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				r.ch.Name, r.subscribers, yesNo(r.ch.Default), yesNo(r.ch.Mandatory), r.ch.Filter)
		}
		return w.Flush()
	})
}

func newChannelAddCmd() *cobra.Command {
	var (
		configPath string
		ch         models.Channel
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch.Name = args[0]
			return runChannelAdd(cmd, configPath, ch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shoutout config file")
	cmd.Flags().StringVarP(&ch.Description, "description", "d", "", "channel description shown to users")
	cmd.Flags().StringVarP(&ch.Filter, "filter", "f", "", "directory filter a sender must match (empty: nobody may send)")
	cmd.Flags().BoolVar(&ch.Default, "default", false, "subscribe new users automatically")
	cmd.Flags().BoolVar(&ch.Mandatory, "mandatory", false, "users cannot unsubscribe")
	return cmd
}

func runChannelAdd(cmd *cobra.Command, configPath string, ch models.Channel) error {
	return withStore(configPath, func(st *store.Store) error {
		err := st.Scope(cmd.Context(), func(tx *store.Tx) error {
			if _, err := tx.GetChannelByName(ch.Name); err == nil {
				return fmt.Errorf("channel %q already exists", ch.Name)
			}
			return tx.CreateChannel(&ch)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created channel %s (id %d)\n", ch.Name, ch.ID)
		if ch.Filter == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Note: no filter set, nobody can send to this channel.")
		}
		return nil
	})
}

func newChannelRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a channel and all its subscriptions",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelRemove(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shoutout config file")
	return cmd
}

func runChannelRemove(cmd *cobra.Command, configPath, name string) error {
	return withStore(configPath, func(st *store.Store) error {
		var removed string
		err := st.Scope(cmd.Context(), func(tx *store.Tx) error {
			ch, err := tx.GetChannelByName(name)
			if err != nil {
				return err
			}
			removed = ch.Name
			return tx.DeleteChannel(ch.ID)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed channel %s\n", removed)
		return nil
	})
}

// withStore opens the configured database, makes sure the schema exists
// and runs fn with a Store on it.
func withStore(configPath string, fn func(st *store.Store) error) error {
	_, gormDB, err := openDatabase(configPath)
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
	return fn(st)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
