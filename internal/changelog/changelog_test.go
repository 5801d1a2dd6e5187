package changelog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleChangelog = `deepin-editor (6.0.1) unstable; urgency=medium

  * feat: add split view
  * fix: crash on empty buffer

 -- Ops Bot <ops@example.com>  Mon, 18 Aug 2025 10:00:00 +0800

deepin-editor (6.0.0) unstable; urgency=medium

  * Release 6.0.0

 -- Ops Bot <ops@example.com>  Mon, 11 Aug 2025 10:00:00 +0800
`

func writeChangelog(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "debian"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debian", "changelog"), []byte(content), 0o644))
	return dir
}

func TestParseHeader(t *testing.T) {
	dir := writeChangelog(t, sampleChangelog)

	info, err := parseHeader(filepath.Join(dir, "debian", "changelog"))
	require.NoError(t, err)
	assert.Equal(t, "deepin-editor", info.Package)
	assert.Equal(t, "6.0.1", info.Version)
	assert.Equal(t, "unstable", info.Distribution)
	assert.Equal(t, "medium", info.Urgency)
}

func TestParseHeaderEpochVersion(t *testing.T) {
	dir := writeChangelog(t, "dtk (5:5.6.0-1) unstable; urgency=low\n")

	info, err := parseHeader(filepath.Join(dir, "debian", "changelog"))
	require.NoError(t, err)
	assert.Equal(t, "5:5.6.0-1", info.Version)
}

func TestParseHeaderMalformed(t *testing.T) {
	dir := writeChangelog(t, "this is not a changelog\n")

	_, err := parseHeader(filepath.Join(dir, "debian", "changelog"))
	assert.Error(t, err)
}

func TestCurrentVersionMissingChangelog(t *testing.T) {
	s := NewService()
	_, err := s.CurrentVersion(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestCurrentVersion(t *testing.T) {
	s := NewService()
	dir := writeChangelog(t, sampleChangelog)

	v, err := s.CurrentVersion(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "6.0.1", v)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "fix: crash on empty buffer", Title("fix: crash on empty buffer\n\ndetails here"))
	long := strings.Repeat("x", 150)
	assert.Len(t, Title(long), 100)
	assert.Equal(t, "trimmed", Title("  trimmed  "))
}

func commitChangelog(t *testing.T, repo *git.Repository, dir, content, message string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "debian"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debian", "changelog"), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("debian/changelog")
	require.NoError(t, err)
	sig := &object.Signature{Name: "Ops Bot", Email: "ops@example.com", When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash.String()
}

func TestFindCommitForVersionByBlame(t *testing.T) {
	s := NewService()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	old := "deepin-editor (6.0.0) unstable; urgency=medium\n\n  * Release 6.0.0\n\n -- Ops Bot <ops@example.com>  Mon, 11 Aug 2025 10:00:00 +0800\n"
	commitChangelog(t, repo, dir, old, "import packaging")
	bump := commitChangelog(t, repo, dir, sampleChangelog, "unrelated subject")

	commit, err := s.FindCommitForVersion(dir, "6.0.1")
	require.NoError(t, err)
	assert.Equal(t, bump, commit)
}

func TestFindCommitForVersionBySubject(t *testing.T) {
	s := NewService()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	// the changelog file never mentions 9.9.9; only the subject does
	bump := commitChangelog(t, repo, dir, sampleChangelog, "chore: bump version to 9.9.9")

	commit, err := s.FindCommitForVersion(dir, "9.9.9")
	require.NoError(t, err)
	assert.Equal(t, bump, commit)
}

func TestFindCommitForVersionMiss(t *testing.T) {
	s := NewService()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitChangelog(t, repo, dir, sampleChangelog, "import packaging")

	commit, err := s.FindCommitForVersion(dir, "0.0.1")
	require.NoError(t, err)
	assert.Empty(t, commit)
}

func TestLastChangelogCommit(t *testing.T) {
	s := NewService()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	commitChangelog(t, repo, dir, "deepin-editor (6.0.0) unstable; urgency=medium\n", "first")
	latest := commitChangelog(t, repo, dir, sampleChangelog, "second")

	commit, err := s.LastChangelogCommit(dir)
	require.NoError(t, err)
	assert.Equal(t, latest, commit)
}

func TestCacheRefreshesWholeEntry(t *testing.T) {
	s := NewService()
	c := NewCache(s, 50*time.Millisecond)
	dir := writeChangelog(t, sampleChangelog)

	info, err := c.Read(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "6.0.1", info.Version)

	// rewrite; cached copy serves until TTL or invalidation
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debian", "changelog"),
		[]byte("deepin-editor (6.0.2) unstable; urgency=medium\n"), 0o644))
	info, err = c.Read(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "6.0.1", info.Version)

	c.Invalidate(dir)
	info, err = c.Read(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "6.0.2", info.Version)
}

func TestCacheInvalidateAllDropsEveryEntry(t *testing.T) {
	c := NewCache(NewService(), time.Hour)
	first := writeChangelog(t, sampleChangelog)
	second := writeChangelog(t, "dtk (1.0.0) unstable; urgency=low\n")

	for _, dir := range []string{first, second} {
		_, err := c.Read(context.Background(), dir)
		require.NoError(t, err)
	}

	require.NoError(t, os.WriteFile(filepath.Join(first, "debian", "changelog"),
		[]byte("deepin-editor (6.0.2) unstable; urgency=medium\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(second, "debian", "changelog"),
		[]byte("dtk (1.0.1) unstable; urgency=low\n"), 0o644))

	c.InvalidateAll()

	info, err := c.Read(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "6.0.2", info.Version)
	info, err = c.Read(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", info.Version)
}

func TestCacheCurrentVersion(t *testing.T) {
	c := NewCache(NewService(), time.Hour)
	dir := writeChangelog(t, sampleChangelog)

	version, err := c.CurrentVersion(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "6.0.1", version)
}
