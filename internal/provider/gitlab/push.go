package gitlab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/src-d/go-billy.v4/memfs"
	"gopkg.in/src-d/go-git.v4"
	gitconfig "gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"
	"gopkg.in/src-d/go-git.v4/storage/memory"

	"github.com/singh-krishan/idp/internal/provider"
	"github.com/singh-krishan/idp/internal/template"
)

type treePusher interface {
	Push(ctx context.Context, cloneURL, branch string, tree template.FileTree, message string) (string, error)
}

// goGitPusher builds a single-commit repository in memory and pushes it.
type goGitPusher struct {
	username    string
	password    string
	authorName  string
	authorEmail string
}

func (p goGitPusher) Push(ctx context.Context, cloneURL, branch string, tree template.FileTree, message string) (string, error) {
	const op = "gitlab.push_tree"
	repo, hash, err := buildCommit(branch, tree, message, p.signature())
	if err != nil {
		return "", provider.NewPermanent(op, provider.CodePushRejected, err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{cloneURL}}); err != nil {
		return "", provider.NewPermanent(op, provider.CodePushRejected, err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref + ":" + ref)},
		Auth:       &githttp.BasicAuth{Username: p.username, Password: p.password},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", classifyPush(op, err)
	}
	return hash.String(), nil
}

func (p goGitPusher) signature() *object.Signature {
	name := p.authorName
	if name == "" {
		name = "idp-bot"
	}
	email := p.authorEmail
	if email == "" {
		email = "idp-bot@localhost"
	}
	return &object.Signature{Name: name, Email: email, When: time.Now()}
}

// buildCommit writes tree into an in-memory worktree and commits it on branch.
func buildCommit(branch string, tree template.FileTree, message string, author *object.Signature) (*git.Repository, plumbing.Hash, error) {
	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("init repository: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("set head: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	for _, path := range tree.Paths() {
		f, err := fs.Create(path)
		if err != nil {
			return nil, plumbing.ZeroHash, fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(tree[path]); err != nil {
			f.Close()
			return nil, plumbing.ZeroHash, fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return nil, plumbing.ZeroHash, fmt.Errorf("close %s: %w", path, err)
		}
		if _, err := wt.Add(path); err != nil {
			return nil, plumbing.ZeroHash, fmt.Errorf("stage %s: %w", path, err)
		}
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: author})
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("commit: %w", err)
	}
	return repo, hash, nil
}

func classifyPush(op string, err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return provider.NewPermanent(op, provider.CodeAuthFailed, err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return provider.NewTransient(op, provider.CodeNotFound, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "rejected") || strings.Contains(msg, "declined") {
		return provider.NewPermanent(op, provider.CodePushRejected, err)
	}
	return provider.NewTransient(op, provider.CodeUnavailable, err)
}
