// Package vcs looks up revisions of source checkouts the training scripts
// depend on.
package vcs

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var ErrNoCommit = errors.New("no commit found")

var shortSHARe = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

// ShortCommit returns the abbreviated hash of the last commit in the git
// checkout at dir. A nil runner uses the git CLI.
func ShortCommit(ctx context.Context, git GitRunner, dir string) (string, error) {
	if git == nil {
		git = &CLI{}
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return "", errors.Errorf("dependency repo %q is not a directory", dir)
	}
	out, err := git.Git(ctx, dir, "log", "--format=%h", "-n", "1")
	if err != nil {
		return "", errors.Wrapf(err, "dependency repo %s", dir)
	}
	lines := strings.Split(out, "\n")
	sha := strings.TrimSpace(lines[len(lines)-1])
	if !shortSHARe.MatchString(sha) {
		return "", errors.Wrapf(ErrNoCommit, "%s: %q", dir, out)
	}
	return sha, nil
}
