package telegraph

import (
	"strings"
)

// commandPrefix starts every bot command.
const commandPrefix = "/"

// ParseCommand splits a "/cmd args" or "/cmd@botname args" message into
// the lower-cased command name and the trimmed argument text. ok is false
// when text is not a command.
func ParseCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, commandPrefix) || len(text) == len(commandPrefix) {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[len(commandPrefix):], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" || strings.ContainsAny(head, "/\n\t") {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// truncate shortens s to at most n runes for log lines.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
