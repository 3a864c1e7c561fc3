package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig writes a minimal valid config with a sqlite database in a
// temp dir and returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`platform: telegram
telegram:
  token: "123:abc"
database:
  driver: sqlite
  path: %s
directory:
  url: ldap://127.0.0.1:1
  group_filter: "(memberOf=cn=senders,ou=groups)"
  username_template: "uid=%%s,ou=people"
channels:
  - name: news
    description: daily news
    default: true
    filter: "(ou=news)"
  - name: rules
    default: true
    mandatory: true
%s`, filepath.Join(dir, "shoutout.db"), extra)
	path := filepath.Join(dir, "shoutout.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// execRoot runs the root command with args and returns its output.
func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execRoot(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "shoutout dev") {
		t.Errorf("expected output to contain 'shoutout dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := execRoot(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	for _, want := range []string{"shoutout 1.0.0", "commit: abc123", "built: 2026-01-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := execRoot(t, "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	for _, sub := range []string{"run", "db", "channel", "directory", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got: %s", sub, out)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(""); err != nil {
		t.Errorf("empty path: %v", err)
	}
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("SHOUTOUT_TEST_ENV_FILE=loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SHOUTOUT_TEST_ENV_FILE") })
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("SHOUTOUT_TEST_ENV_FILE"); got != "loaded" {
		t.Errorf("env = %q, want loaded", got)
	}
}

func TestEnvFileOverridesConfig(t *testing.T) {
	path := writeConfig(t, "")
	envPath := filepath.Join(t.TempDir(), "bad.env")
	if err := os.WriteFile(envPath, []byte("SHOUTOUT_PLATFORM=carrier-pigeon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SHOUTOUT_PLATFORM") })

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--env-file", envPath, "db", "migrate", "-c", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("err = %v, want the platform from the env file to be rejected", err)
	}
}
