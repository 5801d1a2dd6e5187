package changelog

import (
	"context"
	"sync"
	"time"
)

// Cache memoizes changelog reads per clone path. The status endpoints hit
// the changelog on every request; re-parsing each time is wasted work when
// the tree only changes as tasks run. Entries refresh whole, never field by
// field, so readers always see a header from a single parse.
type Cache struct {
	svc *Service
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	info    Info
	fetched time.Time
}

// NewCache wraps svc with a TTL cache. A non-positive ttl defaults to one
// minute.
func NewCache(svc *Service, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{svc: svc, ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Read returns the newest changelog header for the clone, from cache when
// fresh.
func (c *Cache) Read(ctx context.Context, repoPath string) (Info, error) {
	c.mu.Lock()
	e, ok := c.entries[repoPath]
	c.mu.Unlock()
	if ok && time.Since(e.fetched) < c.ttl {
		return e.info, nil
	}

	info, err := c.svc.Read(ctx, repoPath)
	if err != nil {
		return Info{}, err
	}
	c.mu.Lock()
	c.entries[repoPath] = cacheEntry{info: info, fetched: time.Now()}
	c.mu.Unlock()
	return info, nil
}

// CurrentVersion returns the cached entry's version.
func (c *Cache) CurrentVersion(ctx context.Context, repoPath string) (string, error) {
	info, err := c.Read(ctx, repoPath)
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

// Invalidate drops the cached entry for a clone, forcing the next read to
// re-parse. Called after steps that rewrite the changelog.
func (c *Cache) Invalidate(repoPath string) {
	c.mu.Lock()
	delete(c.entries, repoPath)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry. Called when the clones are swept
// wholesale, after which any entry may be stale.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// LastChangelogCommit is not cached; git already answers it from the odb.
func (c *Cache) LastChangelogCommit(repoPath string) (string, error) {
	return c.svc.LastChangelogCommit(repoPath)
}

// FindCommitForVersion is not cached; blame results depend on the tree.
func (c *Cache) FindCommitForVersion(repoPath, version string) (string, error) {
	return c.svc.FindCommitForVersion(repoPath, version)
}
