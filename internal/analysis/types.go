// Package analysis contains the analyzer registry, the six conversation
// analyzers and the pipeline engine that schedules them: a fixed worker
// pool drains a task queue, stages run in declared order with dependency
// gating, and completed results flow into the per-session aggregator.
package analysis

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrAnalyzerNotFound is returned when no constructor is registered
	// for the requested analysis type.
	ErrAnalyzerNotFound = errors.New("analysis: analyzer not found")

	// ErrAnalyzerDisabled is returned for analyzers outside the engine's
	// enabled set.
	ErrAnalyzerDisabled = errors.New("analysis: analyzer disabled")

	// ErrResourceLimit is returned when the engine is at its concurrent
	// task capacity.
	ErrResourceLimit = errors.New("analysis: resource limit reached")

	// ErrTaskTimeout marks a task that exceeded its timeout.
	ErrTaskTimeout = errors.New("analysis: task timeout")

	// ErrTaskCanceled marks a task canceled before or during execution.
	ErrTaskCanceled = errors.New("analysis: task canceled")

	// ErrSessionNotFound is returned for operations on an unknown
	// session.
	ErrSessionNotFound = errors.New("analysis: session not found")
)

// Analysis types understood by the default registry.
const (
	TypeSentiment  = "sentiment"
	TypeTopic      = "topic"
	TypeQuality    = "quality"
	TypeEngagement = "engagement"
	TypeBehavioral = "behavioral"
	TypeCompliance = "compliance"
)

// Insight source tags.
const (
	SourceAI     = "ai_analysis"
	SourceMetric = "metric_analysis"
)

// Priority orders tasks in the work queue. Higher runs first.
type Priority float64

const (
	PriorityCritical Priority = 3
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 1
	PriorityLow      Priority = 0.5
)

// TaskStatus is a task's lifecycle state within a pipeline run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCanceled  TaskStatus = "CANCELED"
)

// Task is one unit of analysis work.
type Task struct {
	// ID is a stable identifier unique within its pipeline.
	ID string

	// Type names the analyzer to run.
	Type string

	Priority Priority

	// Role optionally scopes the analysis to one conversation role.
	Role string

	// Config is passed through to the analyzer.
	Config map[string]any

	// Dependencies lists task ids that must complete before this task
	// becomes runnable.
	Dependencies []string

	// Timeout overrides the engine's default per-task timeout when
	// non-nil. A zero value fails the task immediately.
	Timeout *time.Duration
}

// Insight is one finding produced by an analyzer.
type Insight struct {
	Type       string
	Content    map[string]any
	Confidence float64
	// Source distinguishes model output from deterministic metrics.
	Source     string
	Timestamp  time.Time
	Tags       []string
	References []string
}

// Result is the outcome of one completed task.
type Result struct {
	TaskID   string
	Type     string
	Insights []Insight
	// Confidence is the weighted mean of the insight confidences.
	Confidence float64
	Duration   time.Duration
	Timestamp  time.Time
}

// Stage is one pipeline step: a named set of tasks.
type Stage struct {
	Name  string
	Tasks []Task
}

// ErrorHandling selects how a pipeline reacts to task failure.
type ErrorHandling string

const (
	// ErrorContinue skips the failing task; downstream tasks waiting on
	// it never become runnable.
	ErrorContinue ErrorHandling = "continue"

	// ErrorFail aborts the pipeline and surfaces the first error.
	ErrorFail ErrorHandling = "fail"
)

// Pipeline is an ordered list of stages. Stages execute strictly in
// order; tasks within a stage run concurrently when ParallelStages is
// set, sequentially in insertion order otherwise.
type Pipeline struct {
	Stages           []Stage
	ParallelStages   bool
	ErrorHandling    ErrorHandling
	MaxStageDuration time.Duration
}

// StageCanceled is the terminal stage sentinel after cancellation.
const StageCanceled = -1

// confidenceWeight returns the per-type weight used for aggregate
// confidence.
func confidenceWeight(analysisType string) float64 {
	switch analysisType {
	case TypeSentiment, TypeQuality, TypeCompliance:
		return 1.0
	case TypeEngagement:
		return 0.9
	case TypeTopic:
		return 0.8
	case TypeBehavioral:
		return 0.7
	default:
		return 0.5
	}
}

// aggregateConfidence is the weighted mean of the insight confidences,
// clamped to [0, 1]. Zero insights yield 0.
func aggregateConfidence(insights []Insight) float64 {
	var sum, weights float64
	for _, in := range insights {
		w := confidenceWeight(in.Type)
		sum += w * in.Confidence
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return math.Min(1, math.Max(0, sum/weights))
}
