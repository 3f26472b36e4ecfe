package vcs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// GitRunner runs a git subcommand inside a checkout and returns its stdout
// with surrounding whitespace removed. A failing command yields an error that
// carries git's stderr.
type GitRunner interface {
	Git(ctx context.Context, dir string, args ...string) (string, error)
}

// CLI shells out to the git binary. The zero value uses "git" from PATH.
type CLI struct {
	Binary string
}

func (c *CLI) Git(ctx context.Context, dir string, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	// never block a post-processing step on a credential prompt
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), msg)
		}
		return "", errors.Wrapf(err, "git %s", strings.Join(args, " "))
	}
	return strings.TrimSpace(stdout.String()), nil
}
