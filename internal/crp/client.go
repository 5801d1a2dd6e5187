// Package crp is the client for the packaging service that turns a tagged
// commit into architecture-specific binary builds. All endpoints sit under
// one API base; authenticated calls carry a bearer token obtained from
// Login.
package crp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/packflow/internal/logfields"
)

// Topic is one release topic on the packaging service.
type Topic struct {
	ID        int64  `json:"ID"`
	Name      string `json:"Name"`
	TopicType string `json:"TopicType"`
	BranchID  int64  `json:"BranchID"`
}

// Release is one package release under a topic.
type Release struct {
	ID            int64  `json:"ID"`
	ProjectID     int64  `json:"ProjectID"`
	ProjectName   string `json:"ProjectName"`
	SourcePkgName string `json:"SourcePkgName"`
	Branch        string `json:"Branch"`
	Tag           string `json:"Tag"`
	Commit        string `json:"Commit"`
	BuildID       int64  `json:"BuildID"`
	Arches        string `json:"Arches"`
	BuildState    struct {
		State string `json:"state"`
	} `json:"BuildState"`
}

// Result reports the release's normalized build state.
func (r Release) Result() string {
	return NormalizeBuildState(r.BuildState.State)
}

// NormalizeBuildState folds the service's raw build states into the three
// outcomes callers care about. Unknown states pass through lowercased.
func NormalizeBuildState(state string) string {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "UPLOAD_OK", "SUCCESS", "OK":
		return "success"
	case "UPLOAD_GIVEUP", "APPLY_FAILED":
		return "failed"
	case "APPLYING", "UPLOADING", "BUILDING", "":
		return "building"
	default:
		return strings.ToLower(state)
	}
}

// NewRelease is the payload submitted to start a build.
type NewRelease struct {
	TopicID     int64  `json:"TopicID"`
	ProjectID   int64  `json:"ProjectID"`
	ProjectName string `json:"ProjectName"`
	Branch      string `json:"Branch"`
	Commit      string `json:"Commit"`
	Tag         string `json:"Tag"`
	Arches      string `json:"Arches"`
	BranchID    int64  `json:"BranchID"`
	Changelog   string `json:"Changelog"`
}

// Client talks to the packaging service.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient returns a client for the API at baseURL (".../api").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Login seals the password with the service key and exchanges the
// credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	sealed, err := SealPassword(password)
	if err != nil {
		return "", err
	}
	var out struct {
		Token string `json:"Token"`
	}
	err = c.do(ctx, http.MethodPost, "/login", "", map[string]string{
		"userName": username,
		"password": sealed,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("login as %s: %w", username, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("login as %s: response carried no token", username)
	}
	return out.Token, nil
}

// User returns the display name bound to the token.
func (c *Client) User(ctx context.Context, token string) (string, error) {
	var out struct {
		Name string `json:"Name"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", token, nil, &out); err != nil {
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if out.Name == "" {
		return "", fmt.Errorf("fetch user: response carried no name")
	}
	return out.Name, nil
}

// Topics lists the caller's topics of the given type under a branch.
func (c *Client) Topics(ctx context.Context, token, username string, branchID int64, topicType string) ([]Topic, error) {
	var out []Topic
	err := c.do(ctx, http.MethodPost, "/topics/search", token, map[string]any{
		"TopicType": topicType,
		"UserName":  username,
		"BranchID":  branchID,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("search topics: %w", err)
	}
	return out, nil
}

// Releases lists the releases under a topic.
func (c *Client) Releases(ctx context.Context, token string, topicID int64) ([]Release, error) {
	var out []Release
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/topics/%d/releases", topicID), token, nil, &out); err != nil {
		return nil, fmt.Errorf("list releases of topic %d: %w", topicID, err)
	}
	return out, nil
}

// DeleteRelease abandons a release.
func (c *Client) DeleteRelease(ctx context.Context, token string, releaseID int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/topic_releases/%d", releaseID), token, nil, nil); err != nil {
		return fmt.Errorf("delete release %d: %w", releaseID, err)
	}
	slog.Info("Release deleted", slog.Int64("release_id", releaseID))
	return nil
}

// RetryBuild re-triggers the build of a release.
func (c *Client) RetryBuild(ctx context.Context, token string, releaseID int64) error {
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/topic_releases/%d/retry", releaseID), token, nil, nil); err != nil {
		return fmt.Errorf("retry release %d: %w", releaseID, err)
	}
	slog.Info("Release build retried", slog.Int64("release_id", releaseID))
	return nil
}

// SearchProject resolves a project name under a branch to its id. Returns 0
// when the service knows no such project.
func (c *Client) SearchProject(ctx context.Context, token, name string, branchID int64) (int64, error) {
	body := map[string]any{"name": name, "branchID": branchID}

	// The endpoint answers with either a single object or a list.
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/project", token, body, &raw); err != nil {
		return 0, fmt.Errorf("search project %s: %w", name, err)
	}

	type projectHit struct {
		ID   int64  `json:"ID"`
		Name string `json:"Name"`
	}
	var one projectHit
	if err := json.Unmarshal(raw, &one); err == nil && one.ID != 0 {
		return one.ID, nil
	}
	var many []projectHit
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, hit := range many {
			if hit.Name == name {
				return hit.ID, nil
			}
		}
		if len(many) > 0 {
			return many[0].ID, nil
		}
	}
	return 0, nil
}

// SubmitRelease creates a new release under the topic and returns the
// release id. The service answers with either a bare integer or an object
// carrying ID.
func (c *Client) SubmitRelease(ctx context.Context, token string, r NewRelease) (int64, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/topics/%d/new_release", r.TopicID), token, r, &raw)
	if err != nil {
		return 0, fmt.Errorf("submit release for %s: %w", r.ProjectName, err)
	}

	var id int64
	if err := json.Unmarshal(raw, &id); err == nil && id != 0 {
		return id, nil
	}
	var obj struct {
		ID int64 `json:"ID"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.ID != 0 {
		return obj.ID, nil
	}
	return 0, fmt.Errorf("submit release for %s: unrecognized response %s", r.ProjectName, string(raw))
}

// TopicURL is the human-facing page for a topic, for operators following a
// dispatched build.
func (c *Client) TopicURL(topicID int64) string {
	return fmt.Sprintf("%s/topics/%d", strings.TrimSuffix(c.baseURL, "/api"), topicID)
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		slog.Warn("Package service returned an error", logfields.URL(path), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
