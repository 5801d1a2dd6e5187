package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T, path string) *git.Repository {
	t.Helper()
	repo, err := git.PlainInit(path, false)
	require.NoError(t, err)
	return repo
}

func commitFile(t *testing.T, repo *git.Repository, path, name, content, message string) string {
	t.Helper()
	full := filepath.Join(path, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	sig := &object.Signature{Name: "Tester", Email: "tester@example.com", When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash.String()
}

func commitAt(t *testing.T, repo *git.Repository, path, name, message string, when time.Time) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(path, name), []byte(name), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	sig := &object.Signature{Name: "Tester", Email: "tester@example.com", When: when}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash.String()
}

func TestHasChangelog(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)

	assert.False(t, s.HasChangelog(path))
	commitFile(t, repo, path, "debian/changelog", "proj (1.0) unstable\n", "initial changelog")
	assert.True(t, s.HasChangelog(path))
	assert.True(t, s.IsClone(path))
}

func TestCommitChangelog(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)
	commitFile(t, repo, path, "debian/changelog", "proj (1.0) unstable\n", "initial")

	// unchanged tree is a no-op
	id, err := s.CommitChangelog(context.Background(), path, "Ops Bot", "ops@example.com", "chore: bump version to 1.1")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, os.WriteFile(filepath.Join(path, "debian", "changelog"), []byte("proj (1.1) unstable\n"), 0o644))
	id, err = s.CommitChangelog(context.Background(), path, "Ops Bot", "ops@example.com", "chore: bump version to 1.1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	head, err := s.LatestCommit(path)
	require.NoError(t, err)
	assert.Equal(t, id, head.Hash)
	assert.Equal(t, "chore: bump version to 1.1", head.Subject)
	assert.Equal(t, "Ops Bot", head.Author)
}

func TestCommitsSince(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)

	first := commitFile(t, repo, path, "a.txt", "a", "feat: first")
	commitFile(t, repo, path, "b.txt", "b", "fix: second\n\nlonger body")
	commitFile(t, repo, path, "c.txt", "c", "feat: third")

	commits, err := s.CommitsSince(path, first, nil)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "feat: third", commits[0].Subject)
	assert.Equal(t, "fix: second", commits[1].Subject)
	assert.Contains(t, commits[1].Message, "longer body")
}

func TestCommitsSinceFallback(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)

	commitFile(t, repo, path, "a.txt", "a", "first")
	second := commitFile(t, repo, path, "b.txt", "b", "second")
	commitFile(t, repo, path, "c.txt", "c", "third")

	// revision does not resolve; fallback picks the boundary
	commits, err := s.CommitsSince(path, "2.0.1", func(r *git.Repository) (plumbing.Hash, error) {
		return plumbing.NewHash(second), nil
	})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "third", commits[0].Subject)

	_, err = s.CommitsSince(path, "2.0.1", nil)
	assert.Error(t, err)
}

func TestResetWorkBranchAndSync(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)

	// upstream with two commits on master
	upstream := filepath.Join(dir, "upstream")
	upRepo := initRepo(t, upstream)
	commitFile(t, upRepo, upstream, "a.txt", "a", "first")

	path, head, err := s.Clone(context.Background(), "proj", upstream, "master", "")
	require.NoError(t, err)
	require.NotEmpty(t, head)
	assert.Equal(t, s.ClonePath("proj"), path)

	require.NoError(t, s.ResetWorkBranch(context.Background(), path, "master", "dev-changelog-1.1"))
	repo, err := git.PlainOpen(path)
	require.NoError(t, err)
	ref, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/dev-changelog-1.1", ref.Name().String())

	// recreating the branch is fine
	require.NoError(t, s.ResetWorkBranch(context.Background(), path, "master", "dev-changelog-1.1"))
}

func TestEnsureRemote(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)
	commitFile(t, repo, path, "a.txt", "a", "first")

	require.NoError(t, s.EnsureRemote(path, "fork", "https://forge.example.com/me/proj.git"))
	// idempotent
	require.NoError(t, s.EnsureRemote(path, "fork", "https://forge.example.com/me/proj.git"))
	// repoint
	require.NoError(t, s.EnsureRemote(path, "fork", "https://forge.example.com/you/proj.git"))

	r, err := repo.Remote("fork")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://forge.example.com/you/proj.git"}, r.Config().URLs)
}

func TestTags(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)
	hash := commitFile(t, repo, path, "a.txt", "a", "first")

	_, err := repo.CreateTag("1.0.0", plumbing.NewHash(hash), nil)
	require.NoError(t, err)

	tags, err := s.Tags(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, tags)
}

func TestLatestTag(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)
	commitFile(t, repo, path, "seed.txt", "seed", "seed")

	name, commit, err := s.LatestTag(path)
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Empty(t, commit)

	first := commitAt(t, repo, path, "a.txt", "first", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err = repo.CreateTag("1.0.0", plumbing.NewHash(first), nil)
	require.NoError(t, err)

	second := commitAt(t, repo, path, "b.txt", "second", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	_, err = repo.CreateTag("1.1.0", plumbing.NewHash(second), nil)
	require.NoError(t, err)

	name, commit, err = s.LatestTag(path)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", name)
	assert.Equal(t, second, commit)
}

func TestCommitsSinceRev(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)

	boundary := commitFile(t, repo, path, "a.txt", "a", "first")
	commitFile(t, repo, path, "b.txt", "b", "second")

	commits, err := s.CommitsSinceRev(path, boundary)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "second", commits[0].Subject)

	// an unresolvable rev falls back to the historical boundary
	commits, err = s.CommitsSinceRev(path, "no-such-rev")
	require.NoError(t, err)
	assert.NotEmpty(t, commits)
}

func TestCommitSubject(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	path := filepath.Join(dir, "proj")
	repo := initRepo(t, path)
	hash := commitFile(t, repo, path, "a.txt", "a", "feat: add parser\n\nbody text")

	subject, err := s.CommitSubject(path, hash)
	require.NoError(t, err)
	assert.Equal(t, "feat: add parser", subject)

	_, err = s.CommitSubject(path, "0000000000000000000000000000000000000000")
	assert.Error(t, err)
}

func TestPathLocksSerializeSamePath(t *testing.T) {
	locks := newPathLocks()
	var counter, max, cur int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.acquire("/repos/proj")
			defer unlock()
			mu.Lock()
			cur++
			if cur > max {
				max = cur
			}
			counter++
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			cur--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, counter)
	assert.Equal(t, 1, max)
}
