// Package model holds the shared data types and error taxonomy for the
// scheduling core: Job, Workflow, their status lattices, and the small
// set of error kinds every component returns through. Nothing in this
// package knows about queues, semaphores, or transport; it is the
// vocabulary the other components share.
package model

import (
	"time"
)

// Status is the lifecycle state shared by Job and Workflow aggregate
// status. The lattice (see package scheduler and package workflow for
// the transition rules) is:
//
//	PENDING -> RUNNING -> {SUCCEEDED, FAILED}
//	PENDING -> CANCELLED
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobType names a registered executor. Only the two values named in the
// submission contract are recognized; an unrecognized type is rejected
// with INVALID_ARGUMENT at submission (see workflow.Engine.CreateWorkflow),
// and a recognized type with no registered executor fails the job at
// dispatch time (see workflow.Engine.dispatch).
type JobType string

const (
	JobTypeCellSegmentation JobType = "cell_segmentation"
	JobTypeTissueMask       JobType = "tissue_mask"
)

// Job is a single unit of work, globally identified by JobID (workflow-
// scoped at submission, rewritten to a globally unique form by the
// Workflow Engine; see workflow.Engine.CreateWorkflow).
type Job struct {
	JobID      string
	WorkflowID string
	Tenant     string
	JobType    JobType
	ImagePath  string
	Branch     string
	DependsOn  []string
	Metadata   map[string]any

	Status         Status
	Progress       float64
	TilesProcessed int64
	TilesTotal     int64
	ResultPath     string
	ErrorMessage   string

	CreatedAt       time.Time
	FirstProgressAt time.Time
	LastProgressAt  time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// ElapsedSeconds returns the elapsed time since the first progress
// update, or 0 if no progress has been reported yet.
func (j *Job) ElapsedSeconds(now time.Time) float64 {
	if j.FirstProgressAt.IsZero() {
		return 0
	}
	return now.Sub(j.FirstProgressAt).Seconds()
}

// EstimatedRemainingSeconds returns the projected remaining time from
// elapsed/progress*(1-progress), or -1 when progress is outside (0,1)
// and no estimate is defined.
func (j *Job) EstimatedRemainingSeconds(now time.Time) float64 {
	if j.Progress <= 0 || j.Progress >= 1 {
		return -1
	}
	elapsed := j.ElapsedSeconds(now)
	if elapsed == 0 {
		return -1
	}
	return elapsed / j.Progress * (1 - j.Progress)
}

// JobSubmission is the client-facing shape of a job within a workflow
// submission, before the engine rewrites JobID/DependsOn to globally
// unique forms.
type JobSubmission struct {
	ClientJobID string
	JobType     JobType
	ImagePath   string
	Branch      string
	DependsOn   []string
	Metadata    map[string]any
}

// WorkflowSubmission is the client-facing shape of a workflow submission.
type WorkflowSubmission struct {
	Name     string
	Tenant   string
	Metadata map[string]any
	Jobs     []JobSubmission
}

// Workflow is an ordered collection of Jobs submitted together.
type Workflow struct {
	WorkflowID string
	Name       string
	Tenant     string
	Jobs       []*Job

	Status   Status
	Progress float64

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}
