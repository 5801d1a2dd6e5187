package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"git.home.luguber.info/inful/packflow/internal/logfields"
)

// Review is the pipeline's view of a pull request.
type Review struct {
	Number      int
	URL         string
	State       string // open, closed
	Merged      bool
	MergeCommit string
}

// GitHubForge opens and tracks pull requests on the public forge.
type GitHubForge struct {
	client *github.Client
}

// NewGitHubForge builds a client authenticated with token. Traffic goes
// through proxyURL when set; the internal forge never does. A non-empty
// apiBase points the client at a self-hosted forge instead of github.com.
func NewGitHubForge(token, proxyURL, apiBase string) (*GitHubForge, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	client := github.NewClient(httpClient)
	if apiBase != "" {
		var err error
		if client, err = client.WithEnterpriseURLs(apiBase, apiBase); err != nil {
			return nil, fmt.Errorf("set forge api base %s: %w", apiBase, err)
		}
	}
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHubForge{client: client}, nil
}

// CreatePullRequest opens a PR from head (in "user:branch" form) against
// base. When an identical PR is already open the existing one is returned
// instead of failing, so a retried task picks up where it left off.
func (f *GitHubForge) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (Review, error) {
	pr, _, err := f.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err == nil {
		slog.Info("Pull request created", logfields.URL(pr.GetHTMLURL()), slog.Int("number", pr.GetNumber()))
		return toReview(pr), nil
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && alreadyExists(ghErr) {
		existing, lerr := f.findOpenPR(ctx, owner, repo, head, base)
		if lerr == nil {
			slog.Info("Pull request already exists, reusing", logfields.URL(existing.URL))
			return existing, nil
		}
	}
	return Review{}, fmt.Errorf("create pull request %s/%s %s -> %s: %w", owner, repo, head, base, err)
}

// PullRequest fetches the current state of a PR.
func (f *GitHubForge) PullRequest(ctx context.Context, owner, repo string, number int) (Review, error) {
	pr, _, err := f.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return Review{}, fmt.Errorf("get pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return toReview(pr), nil
}

// CommitSubject returns the first line of a commit's message on the public
// forge.
func (f *GitHubForge) CommitSubject(ctx context.Context, owner, repo, sha string) (string, error) {
	commit, _, err := f.client.Repositories.GetCommit(ctx, owner, repo, sha, nil)
	if err != nil {
		return "", fmt.Errorf("get commit %s/%s@%s: %w", owner, repo, sha, err)
	}
	msg := commit.GetCommit().GetMessage()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg), nil
}

func (f *GitHubForge) findOpenPR(ctx context.Context, owner, repo, head, base string) (Review, error) {
	prs, _, err := f.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:  head,
		Base:  base,
		State: "open",
	})
	if err != nil {
		return Review{}, fmt.Errorf("list pull requests: %w", err)
	}
	if len(prs) == 0 {
		return Review{}, fmt.Errorf("no open pull request for %s -> %s", head, base)
	}
	return toReview(prs[0]), nil
}

func toReview(pr *github.PullRequest) Review {
	return Review{
		Number:      pr.GetNumber(),
		URL:         pr.GetHTMLURL(),
		State:       pr.GetState(),
		Merged:      pr.GetMerged(),
		MergeCommit: pr.GetMergeCommitSHA(),
	}
}

func alreadyExists(err *github.ErrorResponse) bool {
	for _, e := range err.Errors {
		if strings.Contains(strings.ToLower(e.Message), "already exists") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Message), "already exists")
}
