package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/config"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/directory"
)

func newDirectoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "directory",
		Aliases: []string{"dir"},
		Short:   "Directory diagnostics",
	}

	cmd.AddCommand(newDirectoryCheckCmd())
	return cmd
}

func newDirectoryCheckCmd() *cobra.Command {
	var (
		configPath string
		filter     string
	)

	cmd := &cobra.Command{
		Use:   "check <username>",
		Short: "Check an account's credentials and sender permissions",
		Long: `Prompts for the account's password, binds with it, and reports whether
the account is in the sender group. With --filter the account is also
checked against a channel filter.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectoryCheck(cmd, configPath, args[0], filter)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shoutout config file")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "channel filter to test the account against")
	return cmd
}

func runDirectoryCheck(cmd *cobra.Command, configPath, username, filter string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir, err := newDirectory(cfg)
	if err != nil {
		return err
	}
	defer dir.Close()

	dn, err := dir.AccountDN(username)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Account: %s\n", dn)

	password, err := readPassword(cmd.InOrStdin(), out)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ok, err := dir.CheckCredentials(ctx, dn, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Credentials: %s\n", passFail(ok))

	inGroup, err := dir.CheckUserGroup(ctx, dn)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sender group: %s\n", passFail(inGroup))

	if filter != "" {
		match, err := dir.CheckFilter(ctx, dn, filter)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Filter %s: %s\n", filter, passFail(match))
	}
	return nil
}

func newDirectory(cfg *config.Config) (*directory.Client, error) {
	return directory.New(directory.Config{
		URL:              cfg.Directory.URL,
		BindDN:           cfg.Directory.BindDN,
		BindPassword:     cfg.Directory.BindPassword,
		GroupFilter:      cfg.Directory.GroupFilter,
		UsernameTemplate: cfg.Directory.UsernameTemplate,
		Timeout:          time.Duration(cfg.Directory.TimeoutSec) * time.Second,
	})
}

// readPassword reads without echo from a terminal and falls back to a
// plain line read when input is piped.
func readPassword(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", fmt.Errorf("read password: no input")
	}
	fmt.Fprintln(out)
	return strings.TrimRight(scanner.Text(), "\r"), nil
}

func passFail(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}
