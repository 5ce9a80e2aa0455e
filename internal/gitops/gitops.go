// Package gitops manages the per-job git workspaces: a bare mirror cache
// per repository plus a throwaway working clone per job.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Identity is the author/committer used for agent commits.
type Identity struct {
	Name  string
	Email string
}

// Workspace is one job's working clone.
type Workspace struct {
	Path string
	repo *gogit.Repository
	auth transport.AuthMethod
	id   Identity
}

// MirrorPath returns the bare mirror location for a repository under root.
func MirrorPath(root, repo string) string {
	return filepath.Join(root, "cache", safeName(repo)+".git")
}

// WorkdirPath returns the working clone location for one job.
func WorkdirPath(root, repo string, jobID int64) string {
	return filepath.Join(root, safeName(repo), fmt.Sprintf("job-%d", jobID))
}

func safeName(repo string) string {
	return strings.ReplaceAll(repo, "/", "__")
}

// RemoteURL builds the https clone URL for a repo full name.
func RemoteURL(repo string) string {
	return fmt.Sprintf("https://github.com/%s.git", repo)
}

// tokenAuth returns nil for an empty token so local (filesystem) remotes
// used in tests and dry runs skip authentication entirely.
func tokenAuth(token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	// GitHub accepts installation tokens as the password of this
	// well-known username.
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}
}

// EnsureMirror creates or refreshes the bare mirror of remoteURL at
// mirrorPath.
func EnsureMirror(ctx context.Context, remoteURL, token, mirrorPath string) error {
	auth := tokenAuth(token)

	if _, err := os.Stat(mirrorPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(mirrorPath), 0o755); err != nil {
			return fmt.Errorf("creating mirror parent: %w", err)
		}
		slog.Info("Creating mirror", "path", mirrorPath)
		_, err := gogit.PlainCloneContext(ctx, mirrorPath, true, &gogit.CloneOptions{
			URL:    remoteURL,
			Mirror: true,
			Auth:   auth,
		})
		if err != nil {
			return fmt.Errorf("mirror clone: %w", err)
		}
		return nil
	}

	repo, err := gogit.PlainOpen(mirrorPath)
	if err != nil {
		return fmt.Errorf("opening mirror: %w", err)
	}
	if err := setOrigin(repo, remoteURL); err != nil {
		return err
	}
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"+refs/*:refs/*"},
		Prune:      true,
		Force:      true,
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("mirror fetch: %w", err)
	}
	return nil
}

// CloneFromMirror clones the mirror into dest and points origin at
// remoteURL so pushes go to the real remote. Any existing dest is
// removed first.
func CloneFromMirror(ctx context.Context, mirrorPath, dest, remoteURL, token string, id Identity) (*Workspace, error) {
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("clearing workdir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating workdir parent: %w", err)
	}

	repo, err := gogit.PlainCloneContext(ctx, dest, false, &gogit.CloneOptions{
		URL: mirrorPath,
	})
	if err != nil {
		return nil, fmt.Errorf("cloning from mirror: %w", err)
	}
	if err := setOrigin(repo, remoteURL); err != nil {
		return nil, err
	}
	return &Workspace{
		Path: dest,
		repo: repo,
		auth: tokenAuth(token),
		id:   id,
	}, nil
}

func setOrigin(repo *gogit.Repository, url string) error {
	if err := repo.DeleteRemote("origin"); err != nil && !errors.Is(err, gogit.ErrRemoteNotFound) {
		return fmt.Errorf("removing origin: %w", err)
	}
	_, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("setting origin: %w", err)
	}
	return nil
}

// CreateBranch creates and checks out a new local branch at HEAD.
func (w *Workspace) CreateBranch(branch string) error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	err = wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

// CheckoutRef checks out a commit sha or an existing local branch.
func (w *Workspace) CheckoutRef(ref string) error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	opts := &gogit.CheckoutOptions{Force: true}
	if plumbing.IsHash(ref) {
		opts.Hash = plumbing.NewHash(ref)
	} else {
		opts.Branch = plumbing.NewBranchReferenceName(ref)
	}
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return nil
}

// CheckoutRemoteBranch resets or creates a local branch at the remote
// tracking ref and checks it out, the moral equivalent of
// `git checkout -B branch origin/branch`.
func (w *Workspace) CheckoutRemoteBranch(branch string) error {
	remoteRef, err := w.repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("resolving origin/%s: %w", branch, err)
	}
	local := plumbing.NewBranchReferenceName(branch)
	if err := w.repo.Storer.SetReference(plumbing.NewHashReference(local, remoteRef.Hash())); err != nil {
		return fmt.Errorf("updating branch %s: %w", branch, err)
	}
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	err = wt.Checkout(&gogit.CheckoutOptions{Branch: local, Force: true})
	if err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

// Status returns the changed paths in the worktree, sorted. Equivalent in
// spirit to `git status --porcelain`.
func (w *Workspace) Status() ([]string, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	var paths []string
	for path, fs := range st {
		if fs.Worktree == gogit.Unmodified && fs.Staging == gogit.Unmodified {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// HasMeaningfulChanges reports whether any changed path lies outside the
// ignored directory prefix (agent scratch notes do not count as work).
func HasMeaningfulChanges(paths []string, ignorePrefix string) bool {
	for _, p := range paths {
		if !strings.Contains(p, ignorePrefix) {
			return true
		}
	}
	return false
}

// AddAllAndCommit stages everything and commits as the configured
// identity.
func (w *Workspace) AddAllAndCommit(message string) error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	sig := &object.Signature{Name: w.id.Name, Email: w.id.Email, When: time.Now()}
	_, err = wt.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Push pushes the local branch to origin.
func (w *Workspace) Push(ctx context.Context, branch string) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := w.repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       w.auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// Head returns the current HEAD commit sha.
func (w *Workspace) Head() (string, error) {
	ref, err := w.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}
