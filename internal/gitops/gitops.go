// Package gitops wraps the go-git operations the pipelines need:
// authenticated clones, branch creation, commit-all, push, and content
// reads at arbitrary refs. URL policy (which remotes are acceptable)
// belongs to the callers; this package is mechanism only.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

// Author identifies a commit author.
type Author struct {
	Name  string
	Email string
}

// BotAuthor is the commit identity used for generated changes.
var BotAuthor = Author{Name: "patchsmith-bot", Email: "bot@example.com"}

// CloneOptions configures a clone.
type CloneOptions struct {
	URL string
	Dir string
	// Branch checks out a specific branch; empty means the remote
	// default.
	Branch string
	// Token is an installation token for private repositories.
	Token string
	// Depth truncates history when positive.
	Depth int
}

// Repo is an open working copy.
type Repo struct {
	repo *git.Repository
	dir  string
}

func basicAuth(token string) *githttp.BasicAuth {
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}
}

// Clone clones a repository into dir.
func Clone(ctx context.Context, opts CloneOptions) (*Repo, error) {
	cloneOpts := &git.CloneOptions{
		URL:   opts.URL,
		Depth: opts.Depth,
	}
	if opts.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
		cloneOpts.SingleBranch = true
	}
	if opts.Token != "" {
		cloneOpts.Auth = basicAuth(opts.Token)
	}

	repo, err := git.PlainCloneContext(ctx, opts.Dir, false, cloneOpts)
	if err != nil {
		return nil, serviceerrors.Upstream(serviceerrors.ErrCodeCloneFailed,
			fmt.Sprintf("failed to clone %s", opts.URL), err)
	}
	return &Repo{repo: repo, dir: opts.Dir}, nil
}

// Open opens an existing working copy.
func Open(dir string) (*Repo, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}
	return &Repo{repo: repo, dir: dir}, nil
}

// Dir returns the working copy path.
func (r *Repo) Dir() string {
	return r.dir
}

// HeadSHA returns the commit id HEAD points at.
func (r *Repo) HeadSHA() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read head: %w", err)
	}
	return head.Hash().String(), nil
}

// CreateBranch creates and checks out a new branch at HEAD.
func (r *Repo) CreateBranch(name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// CommitAll stages every change in the tree, deletions included, and
// commits. Returns the new commit id.
func (r *Repo) CommitAll(message string, author Author) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	sha, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return sha.String(), nil
}

// Push pushes the current branch to origin.
func (r *Repo) Push(ctx context.Context, token string) error {
	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("failed to read head: %w", err)
	}
	opts := &git.PushOptions{
		RemoteName: "origin",
		RefSpecs: []config.RefSpec{
			config.RefSpec(string(head.Name()) + ":" + string(head.Name())),
		},
	}
	if token != "" {
		opts.Auth = basicAuth(token)
	}
	if err := r.repo.PushContext(ctx, opts); err != nil {
		return serviceerrors.Upstream(serviceerrors.ErrCodeForgeUnavailable,
			fmt.Sprintf("failed to push %s", head.Name().Short()), err)
	}
	return nil
}

// Pull fast-forwards the working copy from origin. Already-up-to-date
// is not an error.
func (r *Repo) Pull(ctx context.Context, branch, token string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	opts := &git.PullOptions{
		RemoteName:   "origin",
		SingleBranch: true,
		Force:        true,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if token != "" {
		opts.Auth = basicAuth(token)
	}
	err = wt.PullContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return serviceerrors.Upstream(serviceerrors.ErrCodeCloneFailed,
			"failed to pull from origin", err)
	}
	return nil
}

// DefaultBranch reports the remote default branch by presence of the
// origin/main or origin/master tracking refs, preferring main.
func (r *Repo) DefaultBranch() string {
	for _, name := range []string{"main", "master"} {
		ref := plumbing.NewRemoteReferenceName("origin", name)
		if _, err := r.repo.Reference(ref, true); err == nil {
			return name
		}
	}
	return "main"
}

// ContentAtRef returns a file's content at a revision such as
// "origin/main". The second return is false when the file does not
// exist at that revision.
func (r *Repo) ContentAtRef(path, rev string) (string, bool, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve revision %s: %w", rev, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return "", false, fmt.Errorf("failed to load commit %s: %w", hash, err)
	}
	file, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s at %s: %w", path, rev, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s at %s: %w", path, rev, err)
	}
	return content, true, nil
}
