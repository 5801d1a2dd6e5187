// Package model holds the shared data model for packflow: tracked projects,
// the global configuration singleton, and the task/step records that drive
// the release pipeline. Stores persist these types; services and the engine
// pass them around by value.
package model

import (
	"strings"
	"time"
)

// CloneState is the lifecycle of a project's on-disk working tree.
type CloneState string

const (
	ClonePending CloneState = "pending"
	CloneCloning CloneState = "cloning"
	CloneReady   CloneState = "ready"
	CloneError   CloneState = "error"
)

// Project is a tracked repository. At least one of ReviewForgeURL or
// MirrorForgeURL must be set before the engine will accept tasks for it.
type Project struct {
	ID                  int64
	Name                string
	ReviewForgeURL      string // public forge (pull-request model)
	ReviewForgeBranch   string
	MirrorForgeURL      string // internal forge (review-on-push model)
	MirrorForgeBranch   string
	MirrorCloneURL      string // clone URL when the mirror is the clone source
	PackageServiceAlias string // CRP project name; empty means "{name}-v25"
	ClonePath           string
	CloneState          CloneState
	CloneError          string
	LastKnownHead       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CRPAlias returns the package-service project alias, applying the default.
func (p Project) CRPAlias() string {
	if p.PackageServiceAlias != "" {
		return p.PackageServiceAlias
	}
	return p.Name + "-v25"
}

// HasReviewForge reports whether the project targets the public forge.
func (p Project) HasReviewForge() bool { return p.ReviewForgeURL != "" }

// HasMirrorForge reports whether the project targets the internal forge.
func (p Project) HasMirrorForge() bool { return p.MirrorForgeURL != "" }

// Branch returns the branch the pipeline operates on: the review-forge
// branch when the project targets the public forge, the mirror branch
// otherwise.
func (p Project) Branch() string {
	if p.HasReviewForge() {
		return p.ReviewForgeBranch
	}
	return p.MirrorForgeBranch
}

// GlobalConfig is the persisted singleton (id = 1) holding credentials and
// pipeline defaults. Optional fields are zero when unset.
type GlobalConfig struct {
	ID              int64
	LDAPUsername    string
	LDAPPassword    string
	MaintainerName  string
	MaintainerEmail string
	ForgeUsername   string // public-forge account used for fork pushes
	ForgeToken      string
	MirrorForgeBase string // internal forge API base, e.g. https://gerrit.example.com
	CRPBranchID     int64
	CRPTopicType    string // defaults to "test"
	ProxyURL        string // outbound proxy; applied to public-forge traffic only
	CloneRoot       string
	UpdatedAt       time.Time
}

// Debemail renders the maintainer identity passed to dch via DEBEMAIL.
func (c GlobalConfig) Debemail() string {
	if c.MaintainerName == "" {
		return c.MaintainerEmail
	}
	return c.MaintainerName + " <" + c.MaintainerEmail + ">"
}

// TaskMode selects which step catalog a task is materialized from.
type TaskMode string

const (
	ModeNormal        TaskMode = "normal"
	ModeChangelogOnly TaskMode = "changelog_only"
	ModeCRPOnly       TaskMode = "crp_only"
)

// TaskStatus is the task-level state machine.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions except
// via retry.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

// StepStatus is the per-step state machine.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Done reports whether the step counts toward task success.
func (s StepStatus) Done() bool { return s == StepCompleted || s == StepSkipped }

// DefaultArchitectures is the arch list submitted to the package service
// when a task specifies none.
var DefaultArchitectures = []string{"amd64", "arm64", "loong64", "sw64", "mips64el"}

// Task is one packaging pipeline execution.
type Task struct {
	ID               int64
	ProjectID        int64
	ProjectName      string // denormalized; survives project deletion
	Mode             TaskMode
	Version          string
	Architectures    []string // empty means defaults
	TopicID          int64    // CRP topic; 0 when unset
	TopicName        string
	StartHead        string
	Status           TaskStatus
	CurrentStepIndex int
	Error            string

	ReviewBranch string
	ReviewNumber int
	ReviewURL    string
	ReviewState  string

	MirrorSynced bool
	MirrorHead   string

	BuildID    string
	BuildState string
	BuildURL   string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ArchesJoined renders the architecture list in CRP wire form.
func (t Task) ArchesJoined() string {
	arches := t.Architectures
	if len(arches) == 0 {
		arches = DefaultArchitectures
	}
	return strings.Join(arches, ";")
}

// Step is one entry in a task's pipeline. Steps are created once at task
// creation time and mutated in place afterwards.
type Step struct {
	ID          int64
	TaskID      int64
	Order       int
	Name        string
	Description string
	Status      StepStatus
	Log         string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  int
}

// StepDef is one catalog entry used to materialize steps at task creation.
type StepDef struct {
	Name        string
	Description string
}

// Step catalog names. Handlers are dispatched on these.
const (
	StepCheckEnvironment  = "check environment"
	StepPullLatest        = "pull latest"
	StepGenerateChangelog = "generate changelog"
	StepCommit            = "commit"
	StepPush              = "push"
	StepCreateReview      = "create review"
	StepMonitorReview     = "monitor review"
	StepWaitMirrorSync    = "wait for mirror sync"
	StepDispatchBuild     = "dispatch build"
	StepMonitorBuild      = "monitor build"
)

var normalSteps = []StepDef{
	{StepCheckEnvironment, "verify clone, changelog and required tools"},
	{StepPullLatest, "fetch and fast-forward the working branch"},
	{StepGenerateChangelog, "synthesize the new changelog entry with dch"},
	{StepCommit, "commit the changelog change"},
	{StepPush, "push to the fork or the review branch"},
	{StepCreateReview, "open a pull request on the public forge"},
	{StepMonitorReview, "wait for the review to be merged"},
	{StepWaitMirrorSync, "wait for the internal mirror to catch up"},
	{StepDispatchBuild, "submit the build to the package service"},
	{StepMonitorBuild, "track the package-service build"},
}

var changelogOnlySteps = normalSteps[:7]

var crpOnlySteps = []StepDef{
	{StepCheckEnvironment, "verify configuration and credentials"},
	{StepDispatchBuild, "submit the build to the package service"},
	{StepMonitorBuild, "track the package-service build"},
}

// StepsForMode returns the ordered step catalog for a mode, or false for an
// unknown mode.
func StepsForMode(mode TaskMode) ([]StepDef, bool) {
	switch mode {
	case ModeNormal:
		return normalSteps, true
	case ModeChangelogOnly:
		return changelogOnlySteps, true
	case ModeCRPOnly:
		return crpOnlySteps, true
	default:
		return nil, false
	}
}

// SafeVersion renders a version string usable as a branch-name component.
func SafeVersion(version string) string {
	r := strings.NewReplacer(":", "-", " ", "-", "/", "-")
	return r.Replace(version)
}

// WorkBranch is the branch created on public-forge projects to carry the
// changelog commit.
func WorkBranch(version string) string {
	return "dev-changelog-" + SafeVersion(version)
}
