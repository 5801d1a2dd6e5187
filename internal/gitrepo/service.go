// Package gitrepo wraps the working-tree operations the pipeline performs on
// project clones. Everything goes through go-git except stashing, which
// go-git does not implement and which shells out to the git binary with an
// explicit working directory and environment.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"git.home.luguber.info/inful/packflow/internal/logfields"
)

// Commit is one entry from a clone's history.
type Commit struct {
	Hash    string
	Subject string
	Message string
	Author  string
	When    time.Time
	Merge   bool
}

// Service performs clone and working-tree operations under a common root.
type Service struct {
	root  string
	locks *pathLocks
}

// NewService returns a Service managing clones under root.
func NewService(root string) *Service {
	return &Service{root: root, locks: newPathLocks()}
}

// ClonePath returns the on-disk location for a project's working tree.
func (s *Service) ClonePath(projectName string) string {
	return filepath.Join(s.root, projectName)
}

// Clone clones url into the project's path, replacing any existing tree, and
// returns the resulting HEAD commit id.
func (s *Service) Clone(ctx context.Context, projectName, url, branch, proxy string) (string, string, error) {
	path := s.ClonePath(projectName)
	unlock := s.locks.acquire(path)
	defer unlock()

	if err := os.RemoveAll(path); err != nil {
		return "", "", fmt.Errorf("remove existing clone: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("create clone root: %w", err)
	}

	opts := &git.CloneOptions{URL: url}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = false
	}
	if proxy != "" {
		opts.ProxyOptions = transport.ProxyOptions{URL: proxy}
	}

	slog.Info("Cloning repository", logfields.Project(projectName), logfields.URL(url), logfields.Branch(branch))
	repo, err := git.PlainCloneContext(ctx, path, false, opts)
	if err != nil {
		return "", "", fmt.Errorf("clone %s: %w", url, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return path, "", nil
	}
	return path, ref.Hash().String(), nil
}

// Head returns the clone's current HEAD commit id.
func (s *Service) Head(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}
	return ref.Hash().String(), nil
}

// HasChangelog reports whether the clone carries a debian/changelog.
func (s *Service) HasChangelog(path string) bool {
	_, err := os.Stat(filepath.Join(path, "debian", "changelog"))
	return err == nil
}

// IsClone reports whether path holds a git working tree.
func (s *Service) IsClone(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// SyncWithRemote brings the local branch to the remote tip: local edits are
// stashed, the remote fetched, the branch hard-reset to origin, and the
// stash reapplied. A stash that no longer applies is dropped rather than
// left blocking future runs. Returns the new HEAD commit id.
func (s *Service) SyncWithRemote(ctx context.Context, path, branch, proxy string) (string, error) {
	unlock := s.locks.acquire(path)
	defer unlock()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}

	stashed, err := s.stashPush(ctx, path)
	if err != nil {
		return "", err
	}

	fetchOpts := &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitcfg.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Tags:       git.AllTags,
	}
	if proxy != "" {
		fetchOpts.ProxyOptions = transport.ProxyOptions{URL: proxy}
	}
	if err := repo.FetchContext(ctx, fetchOpts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetch origin: %w", err)
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return "", fmt.Errorf("remote branch %s: %w", branch, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: !branchExists(repo, branch),
		Force:  true,
	}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", branch, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("reset to origin/%s: %w", branch, err)
	}

	if stashed {
		if err := s.stashPop(ctx, path); err != nil {
			// The stashed edits conflict with the refreshed tree. The tree
			// must win; the stash is dropped so the next sync starts clean.
			slog.Warn("stash no longer applies, dropping", logfields.Path(path), logfields.Error(err))
			_ = s.stashDrop(ctx, path)
		}
	}

	slog.Info("Synced with remote", logfields.Path(path), logfields.Branch(branch), logfields.Commit(remoteRef.Hash().String()))
	return remoteRef.Hash().String(), nil
}

// ResetWorkBranch force-creates the named branch at origin/<base> and checks
// it out.
func (s *Service) ResetWorkBranch(ctx context.Context, path, base, work string) error {
	unlock := s.locks.acquire(path)
	defer unlock()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	baseRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", base), true)
	if err != nil {
		return fmt.Errorf("remote branch %s: %w", base, err)
	}

	workRef := plumbing.NewBranchReferenceName(work)
	// Recreate rather than reuse: a leftover branch from a failed run may
	// point anywhere.
	if branchExists(repo, work) {
		if err := repo.Storer.RemoveReference(workRef); err != nil {
			return fmt.Errorf("drop stale branch %s: %w", work, err)
		}
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: workRef, Create: true, Hash: baseRef.Hash(), Force: true}); err != nil {
		return fmt.Errorf("checkout -B %s: %w", work, err)
	}
	return nil
}

// CommitChangelog stages debian/changelog and commits it with the given
// author identity. A clean tree is a no-op that returns an empty commit id.
func (s *Service) CommitChangelog(ctx context.Context, path, authorName, authorEmail, message string) (string, error) {
	unlock := s.locks.acquire(path)
	defer unlock()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if _, err := wt.Add("debian/changelog"); err != nil {
		return "", fmt.Errorf("stage debian/changelog: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		slog.Info("Nothing to commit, changelog unchanged", logfields.Path(path))
		return "", nil
	}

	sig := &object.Signature{Name: authorName, Email: authorEmail, When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// EnsureRemote creates or repoints the named remote at url.
func (s *Service) EnsureRemote(path, name, url string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	cfg := &gitcfg.RemoteConfig{Name: name, URLs: []string{url}}
	if existing, err := repo.Remote(name); err == nil {
		if len(existing.Config().URLs) == 1 && existing.Config().URLs[0] == url {
			return nil
		}
		if err := repo.DeleteRemote(name); err != nil {
			return fmt.Errorf("repoint remote %s: %w", name, err)
		}
	}
	if _, err := repo.CreateRemote(cfg); err != nil {
		return fmt.Errorf("create remote %s: %w", name, err)
	}
	return nil
}

// ForcePush pushes the branch to the named remote, overwriting the remote
// ref.
func (s *Service) ForcePush(ctx context.Context, path, remote, branch, username, token, proxy string) error {
	unlock := s.locks.acquire(path)
	defer unlock()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	spec := gitcfg.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch))
	opts := &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitcfg.RefSpec{spec},
		Force:      true,
	}
	if token != "" {
		opts.Auth = &http.BasicAuth{Username: username, Password: token}
	}
	if proxy != "" {
		opts.ProxyOptions = transport.ProxyOptions{URL: proxy}
	}
	if err := repo.PushContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s to %s: %w", branch, remote, err)
	}
	slog.Info("Pushed branch", logfields.Path(path), logfields.Branch(branch), slog.String("remote", remote))
	return nil
}

// CommitsSince lists commits newer than rev, newest first. rev may be a
// commit id, tag, or anything ResolveRevision accepts; when it does not
// resolve and fallback is non-nil, fallback picks the boundary commit.
func (s *Service) CommitsSince(path, rev string, fallback func(*git.Repository) (plumbing.Hash, error)) ([]Commit, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	var boundary plumbing.Hash
	if h, err := repo.ResolveRevision(plumbing.Revision(rev)); err == nil {
		boundary = *h
	} else if fallback != nil {
		boundary, err = fallback(repo)
		if err != nil {
			return nil, fmt.Errorf("resolve boundary for %q: %w", rev, err)
		}
	} else {
		return nil, fmt.Errorf("resolve revision %q: %w", rev, err)
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	stop := errors.New("stop")
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == boundary {
			return stop
		}
		out = append(out, toCommit(c))
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, fmt.Errorf("walk history: %w", err)
	}
	return out, nil
}

// CommitsSinceRev is CommitsSince with the standard fallback chain: when
// rev does not resolve, the boundary becomes the newest tag, else the root
// commit.
func (s *Service) CommitsSinceRev(path, rev string) ([]Commit, error) {
	return s.CommitsSince(path, rev, historicalBoundary)
}

// SubjectsSinceVersion returns the non-merge commit subjects newer than the
// given version, newest first. The boundary resolves to the version rev when
// it exists (a tag, usually), else the newest tag, else the root commit.
func (s *Service) SubjectsSinceVersion(path, version string) ([]string, error) {
	commits, err := s.CommitsSince(path, version, historicalBoundary)
	if err != nil {
		return nil, err
	}
	var subjects []string
	for _, c := range commits {
		if c.Merge || c.Subject == "" {
			continue
		}
		subjects = append(subjects, c.Subject)
	}
	return subjects, nil
}

// historicalBoundary picks the newest tag's commit, or the root commit when
// the repository has no tags.
func historicalBoundary(repo *git.Repository) (plumbing.Hash, error) {
	var newest plumbing.Hash
	var newestWhen time.Time
	if tags, err := repo.Tags(); err == nil {
		_ = tags.ForEach(func(ref *plumbing.Reference) error {
			hash := ref.Hash()
			if obj, err := repo.TagObject(hash); err == nil {
				hash = obj.Target
			}
			c, err := repo.CommitObject(hash)
			if err != nil {
				return nil
			}
			if newest.IsZero() || c.Author.When.After(newestWhen) {
				newest = c.Hash
				newestWhen = c.Author.When
			}
			return nil
		})
		tags.Close()
	}
	if !newest.IsZero() {
		return newest, nil
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("log: %w", err)
	}
	defer iter.Close()
	var root plumbing.Hash
	err = iter.ForEach(func(c *object.Commit) error {
		root = c.Hash
		return nil
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("walk history: %w", err)
	}
	if root.IsZero() {
		return plumbing.ZeroHash, fmt.Errorf("repository has no commits")
	}
	return root, nil
}

// LatestCommit returns the tip commit of the clone's current branch.
func (s *Service) LatestCommit(path string) (Commit, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return Commit{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return Commit{}, fmt.Errorf("resolve head: %w", err)
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Commit{}, fmt.Errorf("read commit: %w", err)
	}
	return toCommit(c), nil
}

// LatestSubject returns the subject of the clone's tip commit.
func (s *Service) LatestSubject(path string) (string, error) {
	c, err := s.LatestCommit(path)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}

// CommitSubject returns the first line of a commit's message in the local
// clone.
func (s *Service) CommitSubject(path, sha string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	c, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return "", fmt.Errorf("read commit %.12s: %w", sha, err)
	}
	return toCommit(c).Subject, nil
}

// Tags returns the clone's tag names.
func (s *Service) Tags(path string) ([]string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	defer iter.Close()
	var out []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref.Name().Short())
		return nil
	})
	return out, err
}

// LatestTag returns the name and commit id of the newest tag by commit
// date. Both are empty when the clone has no tags.
func (s *Service) LatestTag(path string) (name, commit string, err error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", "", fmt.Errorf("open repo: %w", err)
	}
	iter, err := repo.Tags()
	if err != nil {
		return "", "", fmt.Errorf("tags: %w", err)
	}
	defer iter.Close()

	var newestWhen time.Time
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		hash := ref.Hash()
		if obj, terr := repo.TagObject(hash); terr == nil {
			hash = obj.Target
		}
		c, cerr := repo.CommitObject(hash)
		if cerr != nil {
			return nil
		}
		if name == "" || c.Author.When.After(newestWhen) {
			name = ref.Name().Short()
			commit = c.Hash.String()
			newestWhen = c.Author.When
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return name, commit, nil
}

func toCommit(c *object.Commit) Commit {
	subject := c.Message
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}
	return Commit{
		Hash:    c.Hash.String(),
		Subject: strings.TrimSpace(subject),
		Message: c.Message,
		Author:  c.Author.Name,
		When:    c.Author.When,
		Merge:   c.NumParents() > 1,
	}
}

func branchExists(repo *git.Repository, branch string) bool {
	_, err := repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

// stash helpers. go-git has no stash support; these shell out with the
// working directory and environment scoped to the one invocation.

func (s *Service) stashPush(ctx context.Context, path string) (bool, error) {
	out, err := s.gitCmd(ctx, path, "stash", "push", "--include-untracked")
	if err != nil {
		return false, fmt.Errorf("git stash push: %w: %s", err, out)
	}
	return !strings.Contains(out, "No local changes"), nil
}

func (s *Service) stashPop(ctx context.Context, path string) error {
	out, err := s.gitCmd(ctx, path, "stash", "pop")
	if err != nil {
		return fmt.Errorf("git stash pop: %w: %s", err, out)
	}
	return nil
}

func (s *Service) stashDrop(ctx context.Context, path string) error {
	out, err := s.gitCmd(ctx, path, "stash", "drop")
	if err != nil {
		return fmt.Errorf("git stash drop: %w: %s", err, out)
	}
	return nil
}

func (s *Service) gitCmd(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return strings.TrimSpace(buf.String()), err
}
