package vcs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	out      string
	err      error
	lastDir  string
	lastArgs []string
}

func (f *fakeGit) Git(_ context.Context, dir string, args ...string) (string, error) {
	f.lastDir = dir
	f.lastArgs = append([]string{}, args...)
	return f.out, f.err
}

func TestShortCommit_usesRunner(t *testing.T) {
	dir := t.TempDir()
	f := &fakeGit{out: "3f2a9c1"}
	sha, err := ShortCommit(context.Background(), f, dir)
	require.NoError(t, err)
	assert.Equal(t, "3f2a9c1", sha)
	assert.Equal(t, dir, f.lastDir)
	assert.Equal(t, []string{"log", "--format=%h", "-n", "1"}, f.lastArgs)
}

func TestShortCommit_errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ShortCommit(context.Background(), &fakeGit{err: errors.New("git log: fatal: not a git repository")}, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a git repository")

	_, err = ShortCommit(context.Background(), &fakeGit{}, dir)
	assert.True(t, errors.Is(err, ErrNoCommit))

	_, err = ShortCommit(context.Background(), &fakeGit{out: "abc1234"}, filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func runCmd(dir string, name string, args ...string) error {
	cmd := exec.CommandContext(context.Background(), name, args...)
	cmd.Dir = dir
	var b bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &b
	return cmd.Run()
}

func TestShortCommit_integration_git(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	td := t.TempDir()
	require.NoError(t, runCmd(td, "git", "init"))
	require.NoError(t, os.WriteFile(filepath.Join(td, "README"), []byte("hi"), 0o644))
	require.NoError(t, runCmd(td, "git", "add", "README"))
	require.NoError(t, runCmd(td, "git", "-c", "user.email=t@example.com", "-c", "user.name=t", "-c", "commit.gpgsign=false", "commit", "-m", "init"))

	sha, err := ShortCommit(context.Background(), nil, td)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{4,40}$`, sha)
}

func TestCLI_TrimsOutputAndReportsStderr(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	td := t.TempDir()
	git := &CLI{}

	_, err := git.Git(context.Background(), td, "log", "-n", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git log -n 1:")
	assert.Contains(t, err.Error(), "not a git repository")

	out, err := git.Git(context.Background(), td, "--version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "git version"))
	assert.Equal(t, strings.TrimSpace(out), out)

	_, err = (&CLI{Binary: filepath.Join(td, "no-such-git")}).Git(context.Background(), td, "status")
	assert.Error(t, err)
}
