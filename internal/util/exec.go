package util

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Output runs name in dir and returns its stdout without trailing newlines.
// Leading whitespace is kept, since formats like `git status --porcelain`
// are column-sensitive. A failing command's error carries its stderr.
func Output(ctx context.Context, dir, name string, args ...string) (string, error) {
	c := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: callers pass fixed command names
	c.Dir = dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %s", name, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// Git runs git in dir.
func Git(ctx context.Context, dir string, args ...string) (string, error) {
	return Output(ctx, dir, "git", args...)
}

// Truncate shortens s to at most max runes, marking the cut with "…".
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
