// Package monitor drives project clone lifecycles: it creates missing
// clones, re-clones on demand, and periodically refreshes ready clones so
// the recorded head tracks the remote.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/packflow/internal/events"
	"git.home.luguber.info/inful/packflow/internal/gitrepo"
	"git.home.luguber.info/inful/packflow/internal/logfields"
	"git.home.luguber.info/inful/packflow/internal/metrics"
	"git.home.luguber.info/inful/packflow/internal/model"
	"git.home.luguber.info/inful/packflow/internal/retry"
	"git.home.luguber.info/inful/packflow/internal/store"
)

// GitClient is the slice of the git service the monitor needs.
type GitClient interface {
	Clone(ctx context.Context, projectName, url, branch, proxy string) (path, head string, err error)
	SyncWithRemote(ctx context.Context, path, branch, proxy string) (string, error)
	IsClone(path string) bool
	CommitsSinceRev(path, rev string) ([]gitrepo.Commit, error)
	LatestCommit(path string) (gitrepo.Commit, error)
	LatestTag(path string) (name, commit string, err error)
	CommitSubject(path, sha string) (string, error)
}

// Monitor owns clone state. At most one clone or refresh runs per project;
// concurrent requests for the same project are ignored while one is live.
type Monitor struct {
	store     *store.Store
	git       GitClient
	changelog ChangelogReader
	metrics   metrics.Recorder
	events    events.Publisher

	interval  time.Duration
	cloneTry  retry.Policy
	scheduler gocron.Scheduler

	mu   sync.Mutex
	busy map[int64]bool
}

// New returns a monitor refreshing ready clones every interval.
func New(s *store.Store, git GitClient, cl ChangelogReader, m metrics.Recorder, e events.Publisher, interval time.Duration) *Monitor {
	if m == nil {
		m = metrics.NoopRecorder{}
	}
	if e == nil {
		e = events.Nop{}
	}
	if cl == nil {
		cl = nopChangelog{}
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Monitor{
		store:     s,
		git:       git,
		changelog: cl,
		metrics:   m,
		events:    e,
		interval:  interval,
		cloneTry:  retry.DefaultPolicy(),
		busy:      make(map[int64]bool),
	}
}

// Start clones any project still waiting for one and begins the periodic
// refresh.
func (m *Monitor) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create refresh scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { m.RefreshAll(ctx) }),
		gocron.WithName("clone-refresh"),
	); err != nil {
		return fmt.Errorf("schedule clone refresh: %w", err)
	}
	m.scheduler = sched
	sched.Start()

	go m.cloneMissing(ctx)
	return nil
}

// Stop shuts the refresh scheduler down.
func (m *Monitor) Stop() error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Shutdown()
}

func (m *Monitor) cloneMissing(ctx context.Context) {
	projects, err := m.store.Projects()
	if err != nil {
		slog.Error("Listing projects for clone sweep failed", logfields.Error(err))
		return
	}
	for _, p := range projects {
		if p.CloneState == model.CloneReady && m.git.IsClone(p.ClonePath) {
			continue
		}
		if err := m.EnsureClone(ctx, p.ID); err != nil {
			slog.Error("Clone failed", logfields.Project(p.Name), logfields.Error(err))
		}
	}
}

// EnsureClone creates the project's clone if it is missing or broken. A
// ready clone that still exists on disk is left alone.
func (m *Monitor) EnsureClone(ctx context.Context, projectID int64) error {
	p, err := m.store.Project(projectID)
	if err != nil {
		return err
	}
	if p.CloneState == model.CloneReady && m.git.IsClone(p.ClonePath) {
		return nil
	}
	return m.clone(ctx, p)
}

// Reclone discards any existing clone and creates a fresh one.
func (m *Monitor) Reclone(ctx context.Context, projectID int64) error {
	p, err := m.store.Project(projectID)
	if err != nil {
		return err
	}
	return m.clone(ctx, p)
}

func (m *Monitor) clone(ctx context.Context, p model.Project) error {
	if !m.acquire(p.ID) {
		return fmt.Errorf("project %q clone already in progress", p.Name)
	}
	defer m.release(p.ID)

	url := cloneURL(p)
	if url == "" {
		return fmt.Errorf("project %q has no clone source", p.Name)
	}
	branch := p.Branch()

	if err := m.store.SetCloneState(p.ID, model.CloneCloning, "", ""); err != nil {
		return err
	}
	m.publishClone(p, model.CloneCloning, "")
	slog.Info("Cloning project", logfields.Project(p.Name), logfields.URL(url), logfields.Branch(branch))

	var path, head string
	err := m.cloneTry.Do(ctx, func() error {
		var cloneErr error
		path, head, cloneErr = m.git.Clone(ctx, p.Name, url, branch, m.proxyFor(p))
		return cloneErr
	})
	if err != nil {
		_ = m.store.SetCloneState(p.ID, model.CloneError, "", err.Error())
		m.metrics.IncCloneResult(metrics.ResultFailed)
		m.publishClone(p, model.CloneError, err.Error())
		return fmt.Errorf("clone %q: %w", p.Name, err)
	}

	if err := m.store.SetCloneState(p.ID, model.CloneReady, path, ""); err != nil {
		return err
	}
	_ = m.store.SetLastKnownHead(p.ID, head)
	m.changelog.Invalidate(path)
	m.metrics.IncCloneResult(metrics.ResultSuccess)
	m.publishClone(p, model.CloneReady, "")
	slog.Info("Clone ready", logfields.Project(p.Name), logfields.Path(path), logfields.Commit(head))
	return nil
}

// RefreshAll syncs every ready clone with its remote and records the new
// head. Projects whose clone is mid-flight are skipped. Cached changelog
// entries are dropped up front since any clone may move.
func (m *Monitor) RefreshAll(ctx context.Context) {
	m.changelog.InvalidateAll()
	projects, err := m.store.ReadyProjects()
	if err != nil {
		slog.Error("Listing projects for refresh failed", logfields.Error(err))
		return
	}
	for _, p := range projects {
		if ctx.Err() != nil {
			return
		}
		if err := m.Refresh(ctx, p.ID); err != nil {
			slog.Warn("Refresh failed", logfields.Project(p.Name), logfields.Error(err))
		}
	}
}

// Refresh syncs one ready clone and updates the recorded head.
func (m *Monitor) Refresh(ctx context.Context, projectID int64) error {
	p, err := m.store.Project(projectID)
	if err != nil {
		return err
	}
	if p.CloneState != model.CloneReady {
		return fmt.Errorf("project %q clone is %s, not ready", p.Name, p.CloneState)
	}
	if !m.acquire(p.ID) {
		return nil
	}
	defer m.release(p.ID)

	head, err := m.git.SyncWithRemote(ctx, p.ClonePath, p.Branch(), m.proxyFor(p))
	if err != nil {
		return fmt.Errorf("refresh %q: %w", p.Name, err)
	}
	if head != p.LastKnownHead {
		if err := m.store.SetLastKnownHead(p.ID, head); err != nil {
			return err
		}
		m.changelog.Invalidate(p.ClonePath)
		slog.Info("Project advanced", logfields.Project(p.Name), logfields.Commit(head))
	}
	return nil
}

func (m *Monitor) acquire(projectID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[projectID] {
		return false
	}
	m.busy[projectID] = true
	return true
}

func (m *Monitor) release(projectID int64) {
	m.mu.Lock()
	delete(m.busy, projectID)
	m.mu.Unlock()
}

func (m *Monitor) proxyFor(p model.Project) string {
	if !p.HasReviewForge() {
		return ""
	}
	cfg, err := m.store.GlobalConfig()
	if err != nil {
		return ""
	}
	return cfg.ProxyURL
}

func (m *Monitor) publishClone(p model.Project, state model.CloneState, errMsg string) {
	m.events.PublishClone(events.CloneEvent{
		ProjectID: p.ID, Project: p.Name, State: string(state), Error: errMsg,
	})
}

// cloneURL picks the clone source: an explicit mirror clone URL wins, then
// the public forge, then the mirror forge.
func cloneURL(p model.Project) string {
	switch {
	case p.MirrorCloneURL != "":
		return p.MirrorCloneURL
	case p.HasReviewForge():
		return p.ReviewForgeURL
	default:
		return p.MirrorForgeURL
	}
}
