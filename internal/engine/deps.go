// Package engine executes release tasks: it iterates a task's persisted
// steps, dispatches each to its handler, and keeps task and step state
// durable across restarts. The scheduler (scheduler.go) bounds how many
// tasks run at once and owns their cancel functions.
package engine

import (
	"context"
	"errors"
	"time"

	"git.home.luguber.info/inful/packflow/internal/crp"
	"git.home.luguber.info/inful/packflow/internal/events"
	"git.home.luguber.info/inful/packflow/internal/forge"
	"git.home.luguber.info/inful/packflow/internal/metrics"
	"git.home.luguber.info/inful/packflow/internal/model"
	"git.home.luguber.info/inful/packflow/internal/store"
)

// errSkip marks a step as skipped rather than failed. Handlers wrap it with
// context explaining why.
var errSkip = errors.New("step skipped")

// ReviewForge is the public forge where changelog reviews are pull requests.
type ReviewForge interface {
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (forge.Review, error)
	PullRequest(ctx context.Context, owner, repo string, number int) (forge.Review, error)
	CommitSubject(ctx context.Context, owner, repo, sha string) (string, error)
}

// MirrorForge is the internal forge that builds are cut from.
type MirrorForge interface {
	BranchTip(ctx context.Context, project, branch string) (string, error)
	CommitSubject(ctx context.Context, project, commit string) (string, error)
}

// PackageService dispatches and manages builds on the packaging service.
type PackageService interface {
	Login(ctx context.Context, username, password string) (string, error)
	Releases(ctx context.Context, token string, topicID int64) ([]crp.Release, error)
	DeleteRelease(ctx context.Context, token string, releaseID int64) error
	SubmitRelease(ctx context.Context, token string, r crp.NewRelease) (int64, error)
	SearchProject(ctx context.Context, token, name string, branchID int64) (int64, error)
	TopicURL(topicID int64) string
}

// GitService covers the working-tree operations steps perform.
type GitService interface {
	IsClone(path string) bool
	HasChangelog(path string) bool
	Head(path string) (string, error)
	SyncWithRemote(ctx context.Context, path, branch, proxy string) (string, error)
	ResetWorkBranch(ctx context.Context, path, base, work string) error
	CommitChangelog(ctx context.Context, path, authorName, authorEmail, message string) (string, error)
	EnsureRemote(path, name, url string) error
	ForcePush(ctx context.Context, path, remote, branch, username, token, proxy string) error
	SubjectsSinceVersion(path, version string) ([]string, error)
	CommitSubject(path, sha string) (string, error)
	LatestSubject(path string) (string, error)
}

// Toolchain covers the packaging CLI tools.
type Toolchain interface {
	CheckTool(name string) error
	DchNewVersion(ctx context.Context, dir, version, debemail string, subjects []string) error
	GitReview(ctx context.Context, dir, branch string) (string, error)
}

// ChangelogReader reads debian/changelog state. Invalidate drops any cached
// entry after a step rewrites the file.
type ChangelogReader interface {
	CurrentVersion(ctx context.Context, repoPath string) (string, error)
	FindCommitForVersion(repoPath, version string) (string, error)
	Invalidate(repoPath string)
}

// Deps carries everything a task execution needs. Forge clients are built
// per run because credentials and the proxy live in the mutable global
// configuration.
type Deps struct {
	Store     *store.Store
	Git       GitService
	Tools     Toolchain
	Changelog ChangelogReader
	CRP       PackageService

	NewReviewForge func(cfg model.GlobalConfig) (ReviewForge, error)
	NewMirrorForge func(ctx context.Context, cfg model.GlobalConfig) (MirrorForge, error)

	Metrics metrics.Recorder
	Events  events.Publisher

	// Sleep is the cancellable poll sleep. Tests substitute an instant one.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (d *Deps) withDefaults() {
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Sleep == nil {
		d.Sleep = PollSleep
	}
}

// PollSleep sleeps for d in one-second ticks, returning early when ctx is
// cancelled. Polling loops use it so cancellation latency stays within a
// second.
func PollSleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		tick := time.Second
		if remaining < tick {
			tick = remaining
		}
		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
