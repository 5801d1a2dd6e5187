// Package toolchain shells out to the Debian packaging tools the pipeline
// depends on. Every invocation gets an explicit working directory and
// environment; nothing mutates the daemon's own process state.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"git.home.luguber.info/inful/packflow/internal/logfields"
)

// Runner executes external packaging tools.
type Runner struct{}

// NewRunner returns a tool runner.
func NewRunner() *Runner { return &Runner{} }

// CheckTool reports whether the named binary is on PATH.
func (r *Runner) CheckTool(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s is not installed: %w", name, err)
	}
	return nil
}

// DchNewVersion appends a changelog entry for version carrying one line per
// subject. With no subjects a bare "Release <version>" entry is written.
// debemail is passed per invocation via DEBEMAIL so concurrent tasks with
// different identities never race.
func (r *Runner) DchNewVersion(ctx context.Context, dir, version, debemail string, subjects []string) error {
	if len(subjects) == 0 {
		subjects = []string{"Release " + version}
	}
	env := []string{}
	if debemail != "" {
		env = append(env, "DEBEMAIL="+debemail)
	}

	for i, subject := range subjects {
		subject = strings.TrimSpace(subject)
		if subject == "" {
			continue
		}
		var args []string
		if i == 0 {
			args = []string{"-v", version, "-D", "unstable", subject}
		} else {
			args = []string{"-a", subject}
		}
		if out, err := r.run(ctx, dir, env, "dch", args...); err != nil {
			return fmt.Errorf("dch: %w: %s", err, out)
		}
	}
	slog.Info("Changelog entry written", logfields.Path(dir), logfields.Version(version), slog.Int("subjects", len(subjects)))
	return nil
}

// GitReview pushes the current branch to the review system via git-review.
func (r *Runner) GitReview(ctx context.Context, dir, branch string) (string, error) {
	out, err := r.run(ctx, dir, nil, "git", "review", "-R", branch, "-r", "origin")
	if err != nil {
		return out, fmt.Errorf("git review: %w: %s", err, out)
	}
	return out, nil
}

func (r *Runner) run(ctx context.Context, dir string, extraEnv []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return strings.TrimSpace(buf.String()), err
}
