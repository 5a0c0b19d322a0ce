package operations

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// gitClientOperation clones or updates a repository and lists recent
// commits.
//
// Params:
//
//	"action": string — "clone" (default) or "pull"
//	"url":    string — remote URL (required for clone)
//	"path":   string — local working directory (required)
//	"ref":    string — branch name to check out (optional)
//	"depth":  number — shallow-clone depth (optional)
//	"log":    number — number of head commits to report (default 10)
//
// Output: "head" (commit hash), "commits" — [{hash, author, when,
// message}].
type gitClientOperation struct {
	action string
	url    string
	path   string
	ref    string
	depth  int
	logN   int
}

func init() {
	registry.Register("git_client", func() registry.Operation { return &gitClientOperation{} })
}

func (o *gitClientOperation) Validate(params map[string]any) error {
	o.action = paramString(params, "action")
	if o.action == "" {
		o.action = "clone"
	}
	if o.action != "clone" && o.action != "pull" {
		return fmt.Errorf("git_client: unknown action %q", o.action)
	}

	o.path = paramString(params, "path")
	if o.path == "" {
		return errors.New("git_client: 'path' is required")
	}

	o.url = paramString(params, "url")
	if o.action == "clone" && o.url == "" {
		return errors.New("git_client: 'url' is required for clone")
	}

	o.ref = paramString(params, "ref")
	o.depth = paramInt(params, "depth", 0)
	o.logN = paramInt(params, "log", 10)

	return nil
}

func (o *gitClientOperation) Run(ctx context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	var repo *git.Repository
	var err error

	switch o.action {
	case "clone":
		opts := &git.CloneOptions{URL: o.url, Depth: o.depth}
		if o.ref != "" {
			opts.ReferenceName = plumbing.NewBranchReferenceName(o.ref)
			opts.SingleBranch = true
		}

		repo, err = git.PlainCloneContext(ctx, o.path, false, opts)
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			repo, err = git.PlainOpen(o.path)
		}
		if err != nil {
			return ko(err), nil
		}

	case "pull":
		repo, err = git.PlainOpen(o.path)
		if err != nil {
			return ko(err), nil
		}

		wt, err := repo.Worktree()
		if err != nil {
			return ko(err), nil
		}

		pullErr := wt.PullContext(ctx, &git.PullOptions{})
		if pullErr != nil && !errors.Is(pullErr, git.NoErrAlreadyUpToDate) {
			return ko(pullErr), nil
		}
	}

	head, err := repo.Head()
	if err != nil {
		return ko(err), nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return ko(err), nil
	}
	defer iter.Close()

	commits := make([]any, 0, o.logN)
	for len(commits) < o.logN {
		c, err := iter.Next()
		if err != nil {
			break
		}
		commits = append(commits, map[string]any{
			"hash":    c.Hash.String(),
			"author":  c.Author.Name,
			"when":    c.Author.When.UTC().Format("2006-01-02T15:04:05Z"),
			"message": c.Message,
		})
	}

	return ok(map[string]any{
		"head":    head.Hash().String(),
		"commits": commits,
	}), nil
}

func (o *gitClientOperation) SetDatastore(kvstore.Store) {}

func (o *gitClientOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "git_client",
		Version:     "v1.0.0",
		Description: "clone or update a git repository and list commits",
	}
}
