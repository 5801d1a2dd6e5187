package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/packflow/internal/changelog"
	"git.home.luguber.info/inful/packflow/internal/crp"
	"git.home.luguber.info/inful/packflow/internal/forge"
	"git.home.luguber.info/inful/packflow/internal/logfields"
	"git.home.luguber.info/inful/packflow/internal/model"
)

const (
	reviewPollInterval = 30 * time.Second
	reviewPollBudget   = 60
	mirrorPollInterval = 30 * time.Second
	mirrorPollBudget   = 20
)

// stepCheckEnvironment verifies the clone and tools the pipeline needs.
// Failures here are configuration problems the operator can fix.
func (e *Engine) stepCheckEnvironment(ctx context.Context, r *run) (string, error) {
	var checks []string

	path := r.clonePath()
	if path == "" || !e.deps.Git.IsClone(path) {
		return "", fmt.Errorf("project clone missing at %q", path)
	}
	checks = append(checks, "clone present at "+path)

	if !e.deps.Git.HasChangelog(path) {
		return "", fmt.Errorf("debian/changelog missing in %s", path)
	}
	checks = append(checks, "debian/changelog present")

	if err := e.deps.Tools.CheckTool("dch"); err != nil {
		return "", fmt.Errorf("install devscripts: %w", err)
	}
	checks = append(checks, "dch available")

	if r.project.HasReviewForge() {
		if r.cfg.ForgeUsername == "" || r.cfg.ForgeToken == "" {
			return "", fmt.Errorf("public-forge username/token not configured")
		}
		checks = append(checks, "public-forge credentials configured")
	} else {
		if err := e.deps.Tools.CheckTool("git-review"); err != nil {
			return "", fmt.Errorf("install git-review: %w", err)
		}
		checks = append(checks, "git-review available")
	}
	if r.project.Branch() == "" {
		return "", fmt.Errorf("project has no branch configured")
	}
	checks = append(checks, "branch "+r.project.Branch())

	return "environment ok:\n" + strings.Join(checks, "\n"), nil
}

// stepCheckEnvironmentCRP is the crp_only variant: no working tree needed,
// but the packaging-service side must be fully configured and reachable.
func (e *Engine) stepCheckEnvironmentCRP(ctx context.Context, r *run) (string, error) {
	if r.cfg.CRPBranchID == 0 {
		return "", fmt.Errorf("package-service branch id not configured")
	}
	if r.task.TopicID == 0 {
		return "", fmt.Errorf("task has no topic")
	}
	if r.cfg.LDAPUsername == "" || r.cfg.LDAPPassword == "" {
		return "", fmt.Errorf("LDAP credentials not configured")
	}
	if _, err := e.deps.CRP.Login(ctx, r.cfg.LDAPUsername, r.cfg.LDAPPassword); err != nil {
		return "", fmt.Errorf("package-service login: %w", err)
	}
	return fmt.Sprintf("configuration ok: topic %d, branch id %d", r.task.TopicID, r.cfg.CRPBranchID), nil
}

func (e *Engine) stepPullLatest(ctx context.Context, r *run) (string, error) {
	branch := r.project.Branch()
	head, err := e.deps.Git.SyncWithRemote(ctx, r.clonePath(), branch, r.proxy())
	if err != nil {
		return "", err
	}
	if err := e.deps.Store.SetStartHead(r.task.ID, head); err != nil {
		return "", err
	}
	return fmt.Sprintf("branch %s at %.8s", branch, head), nil
}

func (e *Engine) stepGenerateChangelog(ctx context.Context, r *run) (string, error) {
	path := r.clonePath()

	if r.project.HasReviewForge() {
		work := model.WorkBranch(r.task.Version)
		if err := e.deps.Git.ResetWorkBranch(ctx, path, r.project.ReviewForgeBranch, work); err != nil {
			return "", err
		}
		if err := e.deps.Store.SetReviewBranch(r.task.ID, work); err != nil {
			return "", err
		}
	}

	prev, err := e.deps.Changelog.CurrentVersion(ctx, path)
	if err != nil {
		slog.Warn("No previous changelog version", logfields.TaskID(r.task.ID), logfields.Error(err))
		prev = ""
	}
	// The commit that introduced the previous entry bounds the new one;
	// the version string alone rarely resolves as a rev and would fall
	// back to the newest tag, re-listing commits already released.
	since := prev
	if prev != "" {
		if commit, err := e.deps.Changelog.FindCommitForVersion(path, prev); err == nil && commit != "" {
			since = commit
		}
	}
	subjects, err := e.deps.Git.SubjectsSinceVersion(path, since)
	if err != nil {
		return "", fmt.Errorf("collect commits since %q: %w", since, err)
	}

	if err := e.deps.Tools.DchNewVersion(ctx, path, r.task.Version, r.cfg.Debemail(), subjects); err != nil {
		return "", err
	}
	e.deps.Changelog.Invalidate(path)
	if len(subjects) == 0 {
		return fmt.Sprintf("changelog %s written with fallback entry (no commits since %q)", r.task.Version, prev), nil
	}
	return fmt.Sprintf("changelog %s written from %d commits since %q", r.task.Version, len(subjects), prev), nil
}

func (e *Engine) stepCommit(ctx context.Context, r *run) (string, error) {
	path := r.clonePath()

	// Mirror-only projects commit on the tracked branch; refresh it first so
	// the commit lands on the remote tip. Public-forge projects sit on the
	// work branch that was just reset, so there is nothing to refresh.
	if !r.project.HasReviewForge() {
		if _, err := e.deps.Git.SyncWithRemote(ctx, path, r.project.Branch(), r.proxy()); err != nil {
			return "", err
		}
	}

	v := r.task.Version
	message := fmt.Sprintf("chore: bump version to %s\n\nupdate changelog to %s\n\nLog: update changelog to %s", v, v, v)
	id, err := e.deps.Git.CommitChangelog(ctx, path, r.cfg.MaintainerName, r.cfg.MaintainerEmail, message)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "working tree clean, nothing to commit", nil
	}
	// mirror-sync compares against this until a merge commit supersedes it
	if err := e.deps.Store.SetMirrorHead(r.task.ID, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("committed %.8s", id), nil
}

func (e *Engine) stepPush(ctx context.Context, r *run) (string, error) {
	path := r.clonePath()

	if r.project.HasReviewForge() {
		_, repo, err := forge.ParseOwnerRepo(r.project.ReviewForgeURL)
		if err != nil {
			return "", err
		}
		forkURL, err := forge.ForkCloneURL(r.project.ReviewForgeURL, r.cfg.ForgeUsername, repo)
		if err != nil {
			return "", err
		}
		if err := e.deps.Git.EnsureRemote(path, "fork", forkURL); err != nil {
			return "", err
		}
		work := model.WorkBranch(r.task.Version)
		if err := e.deps.Git.ForcePush(ctx, path, "fork", work, r.cfg.ForgeUsername, r.cfg.ForgeToken, r.cfg.ProxyURL); err != nil {
			return "", err
		}
		return fmt.Sprintf("pushed %s to %s", work, forkURL), nil
	}

	out, err := e.deps.Tools.GitReview(ctx, path, r.project.MirrorForgeBranch)
	if err != nil {
		return "", err
	}
	return "pushed for review:\n" + out, nil
}

func (e *Engine) stepCreateReview(ctx context.Context, r *run) (string, error) {
	if !r.project.HasReviewForge() {
		return "no public forge configured, review happens on push", fmt.Errorf("%w: internal-forge project", errSkip)
	}

	owner, repo, err := forge.ParseOwnerRepo(r.project.ReviewForgeURL)
	if err != nil {
		return "", err
	}
	work := model.WorkBranch(r.task.Version)
	title := "chore: bump version to " + r.task.Version
	body := "update changelog to " + r.task.Version
	review, err := r.review.CreatePullRequest(ctx, owner, repo,
		r.cfg.ForgeUsername+":"+work, r.project.ReviewForgeBranch, title, body)
	if err != nil {
		return "", err
	}
	if err := e.deps.Store.SetReview(r.task.ID, review.Number, review.URL); err != nil {
		return "", err
	}
	return fmt.Sprintf("review #%d opened: %s", review.Number, review.URL), nil
}

func (e *Engine) stepMonitorReview(ctx context.Context, r *run) (string, error) {
	if !r.project.HasReviewForge() {
		return "no public forge configured", fmt.Errorf("%w: internal-forge project", errSkip)
	}
	if r.task.ReviewNumber == 0 {
		return "", fmt.Errorf("no review recorded on the task")
	}
	owner, repo, err := forge.ParseOwnerRepo(r.project.ReviewForgeURL)
	if err != nil {
		return "", err
	}

	for attempt := 1; attempt <= reviewPollBudget; attempt++ {
		review, err := r.review.PullRequest(ctx, owner, repo, r.task.ReviewNumber)
		if err != nil {
			if retriableNetErr(err) {
				slog.Warn("Review poll failed, retrying", logfields.TaskID(r.task.ID), logfields.Error(err))
				if serr := e.deps.Sleep(ctx, reviewPollInterval); serr != nil {
					return "", serr
				}
				continue
			}
			return "", err
		}
		_ = e.deps.Store.SetReviewState(r.task.ID, reviewSummary(review))

		if review.Merged {
			if review.MergeCommit != "" {
				if err := e.deps.Store.SetMirrorHead(r.task.ID, review.MergeCommit); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("review #%d merged as %.8s", review.Number, review.MergeCommit), nil
		}
		if review.State == "closed" {
			return "", fmt.Errorf("review #%d closed but not merged", review.Number)
		}

		_ = e.deps.Store.SetStepLog(r.step.ID, fmt.Sprintf("poll %d/%d: review #%d %s", attempt, reviewPollBudget, review.Number, review.State))
		if err := e.deps.Sleep(ctx, reviewPollInterval); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("review #%d not merged after %d polls", r.task.ReviewNumber, reviewPollBudget)
}

func (e *Engine) stepWaitMirrorSync(ctx context.Context, r *run) (string, error) {
	if !r.project.HasReviewForge() || !r.project.HasMirrorForge() || r.mirror == nil {
		return "mirror sync needs both forges configured", fmt.Errorf("%w: single-forge project", errSkip)
	}
	expected := r.task.MirrorHead
	if expected == "" {
		return "", fmt.Errorf("no expected commit recorded for mirror sync")
	}

	mirrorProject := forge.MirrorProjectName(r.project.MirrorForgeURL)
	branch := r.project.MirrorForgeBranch
	expectedSubject := e.expectedSubject(ctx, r, expected)

	for attempt := 0; attempt < mirrorPollBudget; attempt++ {
		// a retried step polls immediately, the mirror has had time already
		if attempt > 0 || r.step.RetryCount == 0 {
			if err := e.deps.Sleep(ctx, mirrorPollInterval); err != nil {
				return "", err
			}
		}

		mirrorTip, err := r.mirror.BranchTip(ctx, mirrorProject, branch)
		if err != nil {
			slog.Warn("Mirror poll failed, retrying", logfields.TaskID(r.task.ID), logfields.Error(err))
			_ = e.deps.Store.SetStepLog(r.step.ID, fmt.Sprintf("poll %d/%d: %v", attempt+1, mirrorPollBudget, err))
			continue
		}

		if strings.EqualFold(first40(mirrorTip), first40(expected)) {
			_ = e.deps.Store.SetMirrorSynced(r.task.ID, true)
			return fmt.Sprintf("mirror %s/%s at %.8s", mirrorProject, branch, mirrorTip), nil
		}
		// Mirroring may rewrite commit ids; fall back to subject equality.
		if expectedSubject != "" {
			tipSubject, err := r.mirror.CommitSubject(ctx, mirrorProject, mirrorTip)
			if err == nil && tipSubject == expectedSubject {
				_ = e.deps.Store.SetMirrorSynced(r.task.ID, true)
				_ = e.deps.Store.SetMirrorHead(r.task.ID, mirrorTip)
				return fmt.Sprintf("mirror %s/%s at %.8s (matched by subject)", mirrorProject, branch, mirrorTip), nil
			}
		}
		_ = e.deps.Store.SetStepLog(r.step.ID, fmt.Sprintf("poll %d/%d: mirror at %.8s, want %.8s", attempt+1, mirrorPollBudget, mirrorTip, expected))
	}
	return "", fmt.Errorf("mirror did not reach %.8s after %d polls", expected, mirrorPollBudget)
}

// expectedSubject resolves the subject of the awaited commit, preferring the
// public forge and falling back to the local clone.
func (e *Engine) expectedSubject(ctx context.Context, r *run, sha string) string {
	if r.review != nil {
		if owner, repo, err := forge.ParseOwnerRepo(r.project.ReviewForgeURL); err == nil {
			if subject, err := r.review.CommitSubject(ctx, owner, repo, sha); err == nil && subject != "" {
				return subject
			}
		}
	}
	if subject, err := e.deps.Git.CommitSubject(r.clonePath(), sha); err == nil {
		return subject
	}
	return ""
}

func (e *Engine) stepDispatchBuild(ctx context.Context, r *run) (string, error) {
	if r.task.TopicID == 0 {
		return "", fmt.Errorf("task has no topic")
	}
	if r.cfg.CRPBranchID == 0 {
		return "", fmt.Errorf("package-service branch id not configured")
	}
	token, err := e.deps.CRP.Login(ctx, r.cfg.LDAPUsername, r.cfg.LDAPPassword)
	if err != nil {
		return "", fmt.Errorf("package-service login: %w", err)
	}

	commit, err := e.buildCommit(r)
	if err != nil {
		return "", err
	}
	branch := r.project.MirrorForgeBranch
	if branch == "" {
		branch = r.project.ReviewForgeBranch
	}
	alias := r.project.CRPAlias()

	releases, err := e.deps.CRP.Releases(ctx, token, r.task.TopicID)
	if err != nil {
		return "", err
	}
	var projectID int64
	for _, rel := range releases {
		if rel.ProjectName == alias && rel.Branch == branch {
			projectID = rel.ProjectID
		}
		// a stale release for this project blocks resubmission
		if strings.HasPrefix(rel.ProjectName, alias) && rel.Branch == branch {
			if err := e.deps.CRP.DeleteRelease(ctx, token, rel.ID); err != nil {
				return "", err
			}
		}
	}
	if projectID == 0 {
		projectID, err = e.deps.CRP.SearchProject(ctx, token, alias, r.cfg.CRPBranchID)
		if err != nil {
			return "", err
		}
	}
	if projectID == 0 {
		return "", fmt.Errorf("package service knows no project %q under branch id %d", alias, r.cfg.CRPBranchID)
	}

	title := "Release " + r.task.Version
	if subject, err := e.deps.Git.LatestSubject(r.clonePath()); err == nil && subject != "" {
		title = changelog.Title(subject)
	}

	releaseID, err := e.deps.CRP.SubmitRelease(ctx, token, crp.NewRelease{
		TopicID:     r.task.TopicID,
		ProjectID:   projectID,
		ProjectName: alias,
		Branch:      branch,
		Commit:      commit,
		Tag:         r.task.Version,
		Arches:      r.task.ArchesJoined(),
		BranchID:    r.cfg.CRPBranchID,
		Changelog:   title,
	})
	if err != nil {
		return "", err
	}
	url := e.deps.CRP.TopicURL(r.task.TopicID)
	if err := e.deps.Store.SetBuild(r.task.ID, strconv.FormatInt(releaseID, 10), "building", url); err != nil {
		return "", err
	}
	return fmt.Sprintf("release %d submitted: project %s branch %s commit %.8s tag %s", releaseID, alias, branch, commit, r.task.Version), nil
}

// buildCommit picks the commit the build is cut from.
func (e *Engine) buildCommit(r *run) (string, error) {
	if r.task.Mode == model.ModeCRPOnly {
		if r.task.StartHead != "" {
			return r.task.StartHead, nil
		}
		return "", fmt.Errorf("crp_only task carries no commit")
	}
	if r.task.MirrorHead != "" {
		return r.task.MirrorHead, nil
	}
	head, err := e.deps.Git.Head(r.clonePath())
	if err != nil {
		return "", fmt.Errorf("resolve clone head: %w", err)
	}
	return head, nil
}

func (e *Engine) stepMonitorBuild(ctx context.Context, r *run) (string, error) {
	// The packaging service exposes no stable completion signal yet; the
	// dispatched release is tracked on its topic page.
	url := r.task.BuildURL
	if url == "" {
		url = "n/a"
	}
	return "build submitted, follow progress at " + url, nil
}

func reviewSummary(review forge.Review) string {
	if review.Merged {
		return "merged"
	}
	return review.State
}

func first40(s string) string {
	if len(s) > 40 {
		return s[:40]
	}
	return s
}

// retriableNetErr reports whether an error is a transient network problem
// worth retrying inside a polling budget. API-level failures (bad
// credentials, missing review) are final.
func retriableNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
