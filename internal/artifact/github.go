package artifact

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
	"github.com/pkg/errors"
)

// GitHubRepository keeps artifacts in Folder of a GitHub repository branch.
type GitHubRepository struct {
	Client *github.Client
	Owner  string
	Repo   string
	Branch string
	Folder string
}

// NewGitHubRepository builds a repository for "owner/name" authenticated
// with token. An empty token gives anonymous read access.
func NewGitHubRepository(fullName, branch, folder, token string) (*GitHubRepository, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, errors.Errorf("github repo must be owner/name, got %q", fullName)
	}
	c := github.NewClient(nil)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	if branch == "" {
		branch = "main"
	}
	return &GitHubRepository{Client: c, Owner: owner, Repo: name, Branch: branch, Folder: folder}, nil
}

func (g *GitHubRepository) fullPath(p string) string {
	if g.Folder == "" {
		return p
	}
	return strings.TrimSuffix(g.Folder, "/") + "/" + p
}

func (g *GitHubRepository) Fetch(ctx context.Context, p string) (string, error) {
	full := g.fullPath(p)
	fc, _, resp, err := g.Client.Repositories.GetContents(ctx, g.Owner, g.Repo, full, &github.RepositoryContentGetOptions{Ref: g.Branch})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", errors.Wrap(ErrNotFound, full)
		}
		return "", &RemoteError{Op: "fetch", Path: full, Err: err}
	}
	if fc == nil {
		return "", errors.Wrapf(ErrNotFound, "%s is a directory", full)
	}
	content, err := fc.GetContent()
	if err != nil {
		return "", errors.Wrapf(err, "decode %s", full)
	}
	return content, nil
}

// Push writes content to p on top of the branch head in one commit.
func (g *GitHubRepository) Push(ctx context.Context, p, content string) error {
	full := g.fullPath(p)
	wrap := func(err error) error { return &RemoteError{Op: "push", Path: full, Err: err} }

	ref, _, err := g.Client.Git.GetRef(ctx, g.Owner, g.Repo, "heads/"+g.Branch)
	if err != nil {
		return wrap(errors.Wrap(err, "get ref"))
	}
	headSHA := ref.GetObject().GetSHA()
	parent, _, err := g.Client.Git.GetCommit(ctx, g.Owner, g.Repo, headSHA)
	if err != nil {
		return wrap(errors.Wrap(err, "get head commit"))
	}
	tree, _, err := g.Client.Git.CreateTree(ctx, g.Owner, g.Repo, parent.GetTree().GetSHA(), []*github.TreeEntry{{
		Path:    github.String(full),
		Mode:    github.String("100644"),
		Type:    github.String("blob"),
		Content: github.String(content),
	}})
	if err != nil {
		return wrap(errors.Wrap(err, "create tree"))
	}
	commit, _, err := g.Client.Git.CreateCommit(ctx, g.Owner, g.Repo, &github.Commit{
		Message: github.String(CommitMessage(p, g.Folder)),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: github.String(headSHA)}},
	}, nil)
	if err != nil {
		return wrap(errors.Wrap(err, "create commit"))
	}
	ref.Object = &github.GitObject{SHA: commit.SHA}
	if _, _, err := g.Client.Git.UpdateRef(ctx, g.Owner, g.Repo, ref, false); err != nil {
		return wrap(errors.Wrap(err, "update ref"))
	}
	return nil
}
