// Package forge talks to the two code hosts the pipeline spans: the public
// forge where changelog reviews are opened as pull requests, and the
// internal Gerrit mirror that builds are cut from.
package forge

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseOwnerRepo extracts the owner and repository name from a public-forge
// URL such as https://github.com/linuxdeepin/deepin-editor(.git).
func ParseOwnerRepo(rawURL string) (owner, repo string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse forge url %q: %w", rawURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("forge url %q has no owner/repo path", rawURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// MirrorProjectName extracts the Gerrit project name from whichever URL form
// the project row carries: a gitiles browse URL, an admin repos URL, or a
// bare trailing-segment URL.
func MirrorProjectName(rawURL string) string {
	rawURL = strings.TrimSuffix(strings.TrimSpace(rawURL), "/")
	if i := strings.Index(rawURL, "/plugins/gitiles/"); i >= 0 {
		return strings.TrimSuffix(rawURL[i+len("/plugins/gitiles/"):], ".git")
	}
	if i := strings.Index(rawURL, "/admin/repos/"); i >= 0 {
		return strings.TrimSuffix(rawURL[i+len("/admin/repos/"):], ".git")
	}
	if i := strings.LastIndexByte(rawURL, '/'); i >= 0 {
		return strings.TrimSuffix(rawURL[i+1:], ".git")
	}
	return rawURL
}

// ForkCloneURL builds the clone URL of the user's fork on the same host as
// the upstream repository.
func ForkCloneURL(upstreamURL, username, repo string) (string, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return "", fmt.Errorf("parse forge url %q: %w", upstreamURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("forge url %q has no host", upstreamURL)
	}
	return fmt.Sprintf("https://%s/%s/%s.git", u.Host, username, repo), nil
}
