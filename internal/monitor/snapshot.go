package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/packflow/internal/changelog"
	"git.home.luguber.info/inful/packflow/internal/gitrepo"
	"git.home.luguber.info/inful/packflow/internal/model"
)

// snapshotParallelism caps concurrent per-project inspection.
const snapshotParallelism = 5

// CommitInfo is the commit shape exposed on the status API.
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Subject string    `json:"subject"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

// ProjectStatus describes how far a ready project has drifted past its last
// released changelog entry.
type ProjectStatus struct {
	ProjectID       int64        `json:"project_id"`
	Project         string       `json:"project"`
	CurrentVersion  string       `json:"current_version"`
	ChangelogCommit string       `json:"changelog_commit,omitempty"`
	SincePoint      string       `json:"since_point,omitempty"`
	SinceType       string       `json:"since_type,omitempty"` // changelog | tag
	NewCommitsCount int          `json:"new_commits_count"`
	NewCommits      []CommitInfo `json:"new_commits"`
	LatestCommit    CommitInfo   `json:"latest_commit"`
	LatestTag       string       `json:"latest_tag,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// ChangelogReader is the changelog surface the monitor needs. The two
// invalidation methods drop cached entries when clone content moves
// underneath them.
type ChangelogReader interface {
	Read(ctx context.Context, repoPath string) (changelog.Info, error)
	LastChangelogCommit(repoPath string) (string, error)
	FindCommitForVersion(repoPath, version string) (string, error)
	Invalidate(repoPath string)
	InvalidateAll()
}

// nopChangelog backs monitors constructed without a changelog reader.
type nopChangelog struct{}

func (nopChangelog) Read(context.Context, string) (changelog.Info, error) {
	return changelog.Info{}, fmt.Errorf("no changelog reader configured")
}
func (nopChangelog) LastChangelogCommit(string) (string, error)    { return "", nil }
func (nopChangelog) FindCommitForVersion(string, string) (string, error) { return "", nil }
func (nopChangelog) Invalidate(string)                             {}
func (nopChangelog) InvalidateAll()                                {}

// Snapshot inspects every ready project in parallel and reports its release
// drift. Per-project failures land in the status Error field rather than
// failing the whole sweep.
func (m *Monitor) Snapshot(ctx context.Context) ([]ProjectStatus, error) {
	projects, err := m.store.ReadyProjects()
	if err != nil {
		return nil, fmt.Errorf("list ready projects: %w", err)
	}

	if len(projects) == 0 {
		return nil, nil
	}

	out := make([]ProjectStatus, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(projects), snapshotParallelism))
	for i, p := range projects {
		g.Go(func() error {
			out[i] = m.projectStatus(gctx, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Project < out[b].Project })
	return out, nil
}

func (m *Monitor) projectStatus(ctx context.Context, p model.Project) ProjectStatus {
	st := ProjectStatus{ProjectID: p.ID, Project: p.Name}

	info, err := m.changelog.Read(ctx, p.ClonePath)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.CurrentVersion = info.Version

	if latest, err := m.git.LatestCommit(p.ClonePath); err == nil {
		st.LatestCommit = toCommitInfo(latest)
	}
	if tag, _, err := m.git.LatestTag(p.ClonePath); err == nil {
		st.LatestTag = tag
	}

	// the drift boundary: the commit that released the current version,
	// else any changelog-touching commit, else the newest tag
	if commit, err := m.changelog.FindCommitForVersion(p.ClonePath, info.Version); err == nil && commit != "" {
		st.ChangelogCommit = commit
		st.SincePoint = commit
		st.SinceType = "changelog"
	} else if commit, err := m.changelog.LastChangelogCommit(p.ClonePath); err == nil && commit != "" {
		st.ChangelogCommit = commit
		st.SincePoint = commit
		st.SinceType = "changelog"
	} else if name, tagCommit, err := m.git.LatestTag(p.ClonePath); err == nil && tagCommit != "" {
		st.SincePoint = tagCommit
		st.SinceType = "tag"
		st.LatestTag = name
	}

	commits, err := m.git.CommitsSinceRev(p.ClonePath, st.SincePoint)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	for _, c := range commits {
		if c.Merge {
			continue
		}
		st.NewCommits = append(st.NewCommits, toCommitInfo(c))
	}
	st.NewCommitsCount = len(st.NewCommits)
	return st
}

// CommitSubject resolves a commit's subject in a ready project's clone.
func (m *Monitor) CommitSubject(ctx context.Context, projectID int64, sha string) (string, error) {
	p, err := m.store.Project(projectID)
	if err != nil {
		return "", err
	}
	if p.CloneState != model.CloneReady {
		return "", fmt.Errorf("project %q clone is %s, not ready", p.Name, p.CloneState)
	}
	return m.git.CommitSubject(p.ClonePath, sha)
}

func toCommitInfo(c gitrepo.Commit) CommitInfo {
	return CommitInfo{Hash: c.Hash, Subject: c.Subject, Author: c.Author, When: c.When}
}
