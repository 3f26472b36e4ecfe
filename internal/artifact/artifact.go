// Package artifact reads training scripts from, and archives run logs to, a
// code repository. Paths are relative to the project folder of the repository
// ("code/137.py", "log/137-2.log").
package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/throw-if-null/trainloop/internal/paths"
)

// Repository is a remote store of scripts and logs.
type Repository interface {
	// Fetch returns the decoded content at p or an error matching ErrNotFound.
	Fetch(ctx context.Context, p string) (string, error)
	// Push creates or updates p with content in a single commit.
	Push(ctx context.Context, p, content string) error
}

var ErrNotFound = errors.New("artifact not found")

// RemoteError is a transport, auth or server failure of the repository.
// Push failures of this type are worth retrying.
type RemoteError struct {
	Op   string
	Path string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// CommitMessage is the message used for a pushed file.
func CommitMessage(p, folder string) string {
	return fmt.Sprintf("Add %s for %s", path.Base(p), folder)
}

// LocalRepository stores artifacts under Root/Folder on the local disk.
type LocalRepository struct {
	Root   string
	Folder string
}

func (l *LocalRepository) resolve(p string) (string, error) {
	return paths.SafeJoin(l.Root, filepath.Join(l.Folder, filepath.FromSlash(p)))
}

func (l *LocalRepository) Fetch(_ context.Context, p string) (string, error) {
	full, err := l.resolve(p)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errors.Wrap(ErrNotFound, p)
		}
		return "", errors.Wrapf(err, "read %s", p)
	}
	return string(b), nil
}

func (l *LocalRepository) Push(_ context.Context, p, content string) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &RemoteError{Op: "push", Path: p, Err: err}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return &RemoteError{Op: "push", Path: p, Err: err}
	}
	return nil
}

var (
	_ Repository = (*LocalRepository)(nil)
	_ Repository = (*GitHubRepository)(nil)
)
