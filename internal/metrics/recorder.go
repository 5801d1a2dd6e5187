// Package metrics records pipeline observability counters. Components take a
// Recorder by injection; the default NoopRecorder keeps call sites free of
// nil checks while a Prometheus-backed recorder is wired in the daemon.
package metrics

import "time"

// ResultLabel classifies a step outcome.
type ResultLabel string

const (
	ResultSuccess   ResultLabel = "success"
	ResultFailed    ResultLabel = "failed"
	ResultSkipped   ResultLabel = "skipped"
	ResultCancelled ResultLabel = "cancelled"
)

// Recorder receives pipeline measurements.
type Recorder interface {
	ObserveStepDuration(step string, d time.Duration)
	ObserveTaskDuration(mode string, d time.Duration)
	IncStepResult(step string, result ResultLabel)
	IncTaskOutcome(outcome string)
	SetRunningTasks(n int)
	IncCloneResult(result ResultLabel)
}

// NoopRecorder is the zero-cost default.
type NoopRecorder struct{}

func (NoopRecorder) ObserveStepDuration(string, time.Duration) {}
func (NoopRecorder) ObserveTaskDuration(string, time.Duration) {}
func (NoopRecorder) IncStepResult(string, ResultLabel)         {}
func (NoopRecorder) IncTaskOutcome(string)                     {}
func (NoopRecorder) SetRunningTasks(int)                       {}
func (NoopRecorder) IncCloneResult(ResultLabel)                {}
