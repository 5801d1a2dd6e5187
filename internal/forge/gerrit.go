package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andygrunwald/go-gerrit"
)

// GerritForge reads branch and commit state from the internal mirror. The
// mirror is reachable without the outbound proxy, so its HTTP client never
// carries one.
type GerritForge struct {
	client  *gerrit.Client
	httpc   *http.Client
	baseURL string
}

// NewGerritForge builds a client for the mirror at baseURL authenticated
// with the LDAP account.
func NewGerritForge(ctx context.Context, baseURL, username, password string) (*GerritForge, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	httpc := &http.Client{Timeout: 30 * time.Second}
	client, err := gerrit.NewClient(ctx, baseURL+"/", httpc)
	if err != nil {
		return nil, fmt.Errorf("gerrit client for %s: %w", baseURL, err)
	}
	if username != "" {
		client.Authentication.SetBasicAuth(username, password)
	}
	return &GerritForge{client: client, httpc: httpc, baseURL: baseURL}, nil
}

// BranchTip returns the revision the named branch currently points at.
func (f *GerritForge) BranchTip(ctx context.Context, project, branch string) (string, error) {
	info, _, err := f.client.Projects.GetBranch(ctx, project, url.PathEscape(branch))
	if err != nil {
		return "", fmt.Errorf("get branch %s of %s: %w", branch, project, err)
	}
	if info.Revision == "" {
		return "", fmt.Errorf("branch %s of %s has no revision", branch, project)
	}
	return info.Revision, nil
}

// gitilesCommit is the subset of the Gitiles commit JSON the pipeline reads.
type gitilesCommit struct {
	Commit  string `json:"commit"`
	Message string `json:"message"`
	Author  struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
}

// CommitSubject returns the first line of a commit's message, read through
// the Gitiles plugin so commits that never went through review still
// resolve.
func (f *GerritForge) CommitSubject(ctx context.Context, project, commit string) (string, error) {
	u := fmt.Sprintf("%s/plugins/gitiles/%s/+/%s?format=JSON", f.baseURL, project, commit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("gitiles request: %w", err)
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("gitiles %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("commit %.12s not found in %s", commit, project)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gitiles %s: unexpected status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read gitiles response: %w", err)
	}

	var gc gitilesCommit
	if err := json.Unmarshal(StripJSONPrefix(body), &gc); err != nil {
		return "", fmt.Errorf("decode gitiles response: %w", err)
	}
	subject := gc.Message
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}
	return strings.TrimSpace(subject), nil
}

// StripJSONPrefix removes the )]}' anti-XSSI prefix Gerrit and Gitiles
// prepend to JSON responses.
func StripJSONPrefix(body []byte) []byte {
	trimmed := strings.TrimSpace(string(body))
	trimmed = strings.TrimPrefix(trimmed, ")]}'")
	return []byte(strings.TrimSpace(trimmed))
}
