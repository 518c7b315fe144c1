// Package workflow implements the Workflow Engine (C5): it owns
// Workflow objects, expands a submission into globally-unique Jobs,
// maintains the job_type -> executor registry, and aggregates per-job
// progress into workflow-level progress and terminal status.
//
// It is the Scheduler's Notifier (see pkg/scheduler) and the Progress
// Bus's publisher for job_progress/workflow_progress events, following a
// "compute, then fan out" shape in updateWorkflowProgress: mutate state
// under the engine's lock, then broadcast after releasing it.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slidequeue/scheduler/pkg/admission"
	"github.com/slidequeue/scheduler/pkg/common/logging"
	"github.com/slidequeue/scheduler/pkg/model"
	"github.com/slidequeue/scheduler/pkg/progressbus"
	"github.com/slidequeue/scheduler/pkg/registry"
	"github.com/slidequeue/scheduler/pkg/scheduler"
)

// ProgressFunc is handed to an Executor so it can report tile-level
// progress as it runs.
type ProgressFunc func(progress float64, tilesProcessed, tilesTotal int64)

// Executor drives job to a terminal status, calling report as it makes
// progress. A returned error marks the job FAILED.
type Executor func(ctx context.Context, job *model.Job, report ProgressFunc) error

// MetricsSink is the subset of the metrics surface the engine emits,
// distinct from scheduler.MetricsSink because only the engine knows
// workflow-level aggregate progress.
type MetricsSink interface {
	SetWorkflowProgress(workflowID, tenant string, progress float64)
	SetActiveUsers(n int)
}

// Engine is the Workflow Engine (C5).
type Engine struct {
	mu        sync.Mutex
	workflows map[string]*model.Workflow
	byTenant  map[string]map[string]struct{}
	jobIndex  map[string]*model.Job

	execMu    sync.RWMutex
	executors map[model.JobType]Executor

	scheduler      *scheduler.Scheduler
	admission      *admission.Controller
	tenantRegistry *registry.Registry
	bus            *progressbus.Bus
	metrics        MetricsSink
	logger         *logging.Logger
}

// New constructs an Engine wired to the Scheduler, Admission Controller,
// Tenant Registry, and Progress Bus it must coordinate with. Callers are
// expected to pass this Engine as the Scheduler's Notifier.
func New(sched *scheduler.Scheduler, adm *admission.Controller, reg *registry.Registry, bus *progressbus.Bus, metrics MetricsSink, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &Engine{
		workflows:      make(map[string]*model.Workflow),
		byTenant:       make(map[string]map[string]struct{}),
		jobIndex:       make(map[string]*model.Job),
		executors:      make(map[model.JobType]Executor),
		scheduler:      sched,
		admission:      adm,
		tenantRegistry: reg,
		bus:            bus,
		metrics:        metrics,
		logger:         logger.WithComponent("workflow"),
	}
}

// RegisterExecutor binds jobType to ex. A job submitted with a type that
// is never registered fails at dispatch time with a descriptive
// EXECUTION_FAILED-shaped error (see dispatch).
func (e *Engine) RegisterExecutor(jobType model.JobType, ex Executor) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	e.executors[jobType] = ex
}

// CreateWorkflow assigns a fresh workflow_id, computes globally-unique
// job IDs, rewrites depends_on references to those IDs, registers the
// workflow and its jobs with the Tenant Registry, and submits every job
// to the Scheduler.
func (e *Engine) CreateWorkflow(sub model.WorkflowSubmission) (*model.Workflow, error) {
	if sub.Tenant == "" {
		return nil, model.InvalidArgument("tenant must not be empty")
	}
	if len(sub.Jobs) == 0 {
		return nil, model.InvalidArgument("workflow must contain at least one job")
	}

	workflowID := uuid.NewString()
	now := time.Now()

	idByClientID := make(map[string]string, len(sub.Jobs))
	jobs := make([]*model.Job, 0, len(sub.Jobs))

	for _, js := range sub.Jobs {
		if js.Branch == "" {
			return nil, model.InvalidArgument(fmt.Sprintf("job %q: branch must not be empty", js.ClientJobID))
		}
		switch js.JobType {
		case model.JobTypeCellSegmentation, model.JobTypeTissueMask:
		default:
			return nil, model.InvalidArgument(fmt.Sprintf("job %q: unknown job type %q", js.ClientJobID, js.JobType))
		}

		var jobID string
		if js.ClientJobID != "" {
			jobID = workflowID + "_" + js.ClientJobID
		} else {
			jobID = uuid.NewString()
		}
		if js.ClientJobID != "" {
			idByClientID[js.ClientJobID] = jobID
		}

		jobs = append(jobs, &model.Job{
			JobID:      jobID,
			WorkflowID: workflowID,
			Tenant:     sub.Tenant,
			JobType:    js.JobType,
			ImagePath:  js.ImagePath,
			Branch:     js.Branch,
			DependsOn:  append([]string(nil), js.DependsOn...),
			Metadata:   js.Metadata,
			Status:     model.StatusPending,
			CreatedAt:  now,
		})
	}

	for _, job := range jobs {
		rewritten := make([]string, len(job.DependsOn))
		for i, raw := range job.DependsOn {
			if resolved, ok := idByClientID[raw]; ok {
				rewritten[i] = resolved
				continue
			}
			// Already fully-qualified (client passed a cross-workflow
			// or previously-rewritten ID); keep as-is.
			rewritten[i] = raw
		}
		for _, dep := range rewritten {
			if dep == job.JobID {
				return nil, model.InvalidArgument(fmt.Sprintf("job %q: cannot depend on itself", job.JobID))
			}
		}
		job.DependsOn = rewritten
	}

	wf := &model.Workflow{
		WorkflowID: workflowID,
		Name:       sub.Name,
		Tenant:     sub.Tenant,
		Jobs:       jobs,
		Status:     model.StatusPending,
		CreatedAt:  now,
	}

	e.mu.Lock()
	e.workflows[workflowID] = wf
	set, ok := e.byTenant[sub.Tenant]
	if !ok {
		set = make(map[string]struct{})
		e.byTenant[sub.Tenant] = set
	}
	set[workflowID] = struct{}{}
	for _, job := range jobs {
		e.jobIndex[job.JobID] = job
	}
	e.mu.Unlock()

	e.tenantRegistry.AddWorkflow(sub.Tenant, workflowID)

	for _, job := range jobs {
		if err := e.scheduler.Submit(job, e.dispatch); err != nil {
			return nil, err
		}
	}

	if e.admission.IsActive(sub.Tenant) {
		e.mu.Lock()
		if wf.Status == model.StatusPending {
			wf.Status = model.StatusRunning
			wf.StartedAt = now
		}
		e.mu.Unlock()
	}

	return wf, nil
}

// dispatch is the single executor wrapper handed to the Scheduler for
// every job, regardless of type. It looks up the job_type's registered
// Executor and runs it.
func (e *Engine) dispatch(ctx context.Context, job *model.Job) error {
	e.execMu.RLock()
	ex, ok := e.executors[job.JobType]
	e.execMu.RUnlock()
	if !ok {
		return fmt.Errorf("no executor registered for job type %q", job.JobType)
	}

	report := func(progress float64, tilesProcessed, tilesTotal int64) {
		e.onProgress(job, progress, tilesProcessed, tilesTotal)
	}
	return ex(ctx, job, report)
}

// onProgress updates progress fields (first/last progress timestamps
// follow the rule that only progress > 0 advances them), emits a
// job_progress envelope, and recomputes workflow aggregate progress.
func (e *Engine) onProgress(job *model.Job, progress float64, tilesProcessed, tilesTotal int64) {
	now := time.Now()

	e.mu.Lock()
	if progress > 0 && job.FirstProgressAt.IsZero() {
		job.FirstProgressAt = now
	}
	if progress > 0 && !job.Status.IsTerminal() {
		job.LastProgressAt = now
	}
	job.Progress = progress
	job.TilesProcessed = tilesProcessed
	job.TilesTotal = tilesTotal
	wf := e.workflows[job.WorkflowID]
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Broadcast(job.Tenant, progressbus.Envelope{
			Type:           progressbus.TypeJobProgress,
			JobID:          job.JobID,
			Progress:       progress,
			TilesProcessed: tilesProcessed,
			TilesTotal:     tilesTotal,
			WorkflowID:     job.WorkflowID,
		})
	}

	if wf != nil {
		e.updateWorkflowProgress(wf)
	}
}

// JobDispatched implements scheduler.Notifier.
func (e *Engine) JobDispatched(job *model.Job) {
	e.mu.Lock()
	wf := e.workflows[job.WorkflowID]
	e.mu.Unlock()
	if wf != nil {
		e.updateWorkflowProgress(wf)
	}
}

// JobTerminal implements scheduler.Notifier.
func (e *Engine) JobTerminal(job *model.Job) {
	e.mu.Lock()
	wf := e.workflows[job.WorkflowID]
	e.mu.Unlock()
	if wf != nil {
		e.updateWorkflowProgress(wf)
	}
}

// updateWorkflowProgress promotes PENDING -> RUNNING once the tenant is
// admitted, recomputes mean job progress, and transitions to a terminal
// workflow status once every job has reached one. This is idempotent,
// since a workflow that is already terminal never re-enters that branch.
func (e *Engine) updateWorkflowProgress(wf *model.Workflow) {
	e.mu.Lock()

	if wf.Status == model.StatusPending && e.admission.IsActive(wf.Tenant) {
		wf.Status = model.StatusRunning
		if wf.StartedAt.IsZero() {
			wf.StartedAt = time.Now()
		}
	}

	var sum float64
	allTerminal := true
	anyFailed := false
	completedCount := 0
	for _, j := range wf.Jobs {
		sum += j.Progress
		if j.Status.IsTerminal() {
			completedCount++
			if j.Status == model.StatusFailed {
				anyFailed = true
			}
		} else {
			allTerminal = false
		}
	}
	if len(wf.Jobs) > 0 {
		wf.Progress = sum / float64(len(wf.Jobs))
	}

	if allTerminal && !wf.Status.IsTerminal() {
		if anyFailed {
			wf.Status = model.StatusFailed
		} else {
			wf.Status = model.StatusSucceeded
		}
		wf.CompletedAt = time.Now()
		e.tenantRegistry.RemoveWorkflow(wf.Tenant, wf.WorkflowID)
	}

	envelope := progressbus.Envelope{
		Type:          progressbus.TypeWorkflowProgress,
		WorkflowID:    wf.WorkflowID,
		Progress:      wf.Progress,
		Status:        string(wf.Status),
		JobsCompleted: completedCount,
		JobsTotal:     len(wf.Jobs),
	}
	tenant := wf.Tenant
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Broadcast(tenant, envelope)
	}
	if e.metrics != nil {
		e.metrics.SetWorkflowProgress(envelope.WorkflowID, tenant, envelope.Progress)
		e.metrics.SetActiveUsers(e.admission.ActiveCount())
	}
}

// Get returns the workflow for workflowID, or nil if unknown.
func (e *Engine) Get(workflowID string) (*model.Workflow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[workflowID]
	return wf, ok
}

// ListByTenant returns every workflow owned by tenant, in no particular
// order.
func (e *Engine) ListByTenant(tenant string) []*model.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.byTenant[tenant]
	out := make([]*model.Workflow, 0, len(ids))
	for id := range ids {
		out = append(out, e.workflows[id])
	}
	return out
}

// CancelJob cancels jobID on behalf of tenant. It checks workflow
// ownership before delegating to the Scheduler, returning FORBIDDEN for
// a non-owning tenant and whatever the Scheduler's Cancel returns
// otherwise (NOT_CANCELLABLE, or nil on success).
func (e *Engine) CancelJob(tenant, jobID string) error {
	owner, ok := e.jobOwner(jobID)
	if ok && owner != tenant {
		return model.Forbidden("job does not belong to tenant")
	}
	return e.scheduler.Cancel(jobID, tenant)
}

func (e *Engine) jobOwner(jobID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobIndex[jobID]
	if !ok {
		return "", false
	}
	return j.Tenant, true
}

// GetJob returns the Job for jobID, or nil if unknown.
func (e *Engine) GetJob(jobID string) (*model.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobIndex[jobID]
	return j, ok
}
