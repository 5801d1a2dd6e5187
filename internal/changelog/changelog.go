// Package changelog reads and interprets debian/changelog files. Parsing
// prefers dpkg-parsechangelog when the binary is present and falls back to a
// line-level parse, so the daemon still works on hosts without the Debian
// toolchain installed.
package changelog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"

	"git.home.luguber.info/inful/packflow/internal/logfields"
)

// Info is the header of the newest changelog entry.
type Info struct {
	Package      string
	Version      string
	Distribution string
	Urgency      string
}

// headerRe matches "package (version) distribution; urgency=level".
var headerRe = regexp.MustCompile(`^(\S+)\s+\(([^)]+)\)\s+(\S+);`)

// Service reads changelog state from project clones.
type Service struct {
	execTimeout time.Duration
}

// NewService returns a changelog reader.
func NewService() *Service {
	return &Service{execTimeout: 5 * time.Second}
}

// CurrentVersion returns the version of the newest changelog entry, or an
// error when the clone has no parseable changelog.
func (s *Service) CurrentVersion(ctx context.Context, repoPath string) (string, error) {
	info, err := s.Read(ctx, repoPath)
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

// Read returns the newest changelog entry's header fields.
func (s *Service) Read(ctx context.Context, repoPath string) (Info, error) {
	path := filepath.Join(repoPath, "debian", "changelog")
	if _, err := os.Stat(path); err != nil {
		return Info{}, fmt.Errorf("no changelog at %s: %w", path, err)
	}

	if info, err := s.readWithDpkg(ctx, path); err == nil {
		return info, nil
	} else {
		slog.Debug("dpkg-parsechangelog unavailable, parsing directly", logfields.Path(path), logfields.Error(err))
	}
	return parseHeader(path)
}

func (s *Service) readWithDpkg(ctx context.Context, path string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	field := func(name string) (string, error) {
		cmd := exec.CommandContext(ctx, "dpkg-parsechangelog", "-l", path, "-S", name)
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("dpkg-parsechangelog -S %s: %w", name, err)
		}
		return strings.TrimSpace(out.String()), nil
	}

	var info Info
	var err error
	if info.Version, err = field("Version"); err != nil {
		return info, err
	}
	info.Package, _ = field("Source")
	info.Distribution, _ = field("Distribution")
	info.Urgency, _ = field("Urgency")
	return info, nil
}

// parseHeader reads the first entry header without external tools.
func parseHeader(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open changelog: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := headerRe.FindStringSubmatch(line)
		if m == nil {
			return Info{}, fmt.Errorf("malformed changelog header: %q", line)
		}
		info := Info{Package: m[1], Version: m[2], Distribution: m[3]}
		if i := strings.Index(line, "urgency="); i >= 0 {
			info.Urgency = strings.TrimSpace(line[i+len("urgency="):])
		}
		return info, nil
	}
	if err := scanner.Err(); err != nil {
		return Info{}, fmt.Errorf("read changelog: %w", err)
	}
	return Info{}, fmt.Errorf("changelog %s is empty", path)
}

// LastChangelogCommit returns the id of the newest commit touching
// debian/changelog, or empty when the file was never committed.
func (s *Service) LastChangelogCommit(repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	name := "debian/changelog"
	iter, err := repo.Log(&git.LogOptions{FileName: &name})
	if err != nil {
		return "", fmt.Errorf("log debian/changelog: %w", err)
	}
	defer iter.Close()

	commit, err := iter.Next()
	if err != nil {
		return "", nil
	}
	return commit.Hash.String(), nil
}

// FindCommitForVersion returns the commit that introduced the changelog
// entry for version. Blame on debian/changelog finds the line carrying
// "(version)"; when blame cannot (file renamed, shallow history), the log
// is searched for the bump-commit subject instead. Empty when neither
// finds it.
func (s *Service) FindCommitForVersion(repoPath, version string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	if commit, err := blameForVersion(repo, version); err == nil && commit != "" {
		return commit, nil
	}

	wanted := "bump version to " + version
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return "", fmt.Errorf("log: %w", err)
	}
	defer iter.Close()
	for {
		c, err := iter.Next()
		if err != nil {
			return "", nil
		}
		subject := c.Message
		if i := strings.IndexByte(subject, '\n'); i >= 0 {
			subject = subject[:i]
		}
		if strings.Contains(subject, wanted) {
			return c.Hash.String(), nil
		}
	}
}

func blameForVersion(repo *git.Repository, version string) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", err
	}
	blame, err := git.Blame(commit, "debian/changelog")
	if err != nil {
		return "", err
	}
	needle := "(" + version + ")"
	for _, line := range blame.Lines {
		if headerRe.MatchString(line.Text) && strings.Contains(line.Text, needle) {
			return line.Hash.String(), nil
		}
	}
	return "", nil
}

// Title derives the task's changelog title from a commit subject, truncated
// to keep downstream forms happy.
func Title(subject string) string {
	subject = strings.TrimSpace(subject)
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}
	if len(subject) > 100 {
		subject = subject[:100]
	}
	return subject
}
