package gitrepo

import "sync"

// pathLocks serializes mutating operations per clone path. Two tasks for the
// same project must never rewrite the same working tree concurrently, while
// tasks for different projects stay independent.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for path and returns its unlock func.
func (p *pathLocks) acquire(path string) func() {
	p.mu.Lock()
	m, ok := p.locks[path]
	if !ok {
		m = &sync.Mutex{}
		p.locks[path] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}
