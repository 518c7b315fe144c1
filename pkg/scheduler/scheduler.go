// Package scheduler implements the Scheduler (C4): per-(tenant,branch)
// FIFO dispatch under a global worker cap, gated by tenant admission and
// job dependencies, with cooperative cancellation of queued jobs.
//
// The scheduler lock (a single sync.Mutex) guards queues, running,
// completed, cancelled, dependencies, and executors; it is held only for
// short, finite critical sections and never across an executor
// invocation or a Progress Bus send. The lock order Scheduler ->
// Admission -> Tenant Registry is enforced structurally: this package
// only ever calls into admission.Controller and registry.Registry, never
// the reverse.
//
// The dispatch loop is a ticker-driven background goroutine; the global
// concurrency cap uses golang.org/x/sync/semaphore.Weighted in place of a
// hand-rolled counting semaphore, with a non-blocking TryAcquire for the
// per-pass cap check. Per-job execution goroutines are launched through
// golang.org/x/sync/errgroup.Group.Go rather than a bare "go" statement,
// so a future Stop can drain in-flight executions through the same group.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/slidequeue/scheduler/pkg/admission"
	"github.com/slidequeue/scheduler/pkg/common/logging"
	"github.com/slidequeue/scheduler/pkg/model"
	"github.com/slidequeue/scheduler/pkg/registry"
)

// ExecutorFunc drives a job from RUNNING to a terminal status. A
// returned error marks the job FAILED with that error's message; a nil
// return marks it SUCCEEDED unless the function itself already set a
// terminal status (e.g. CANCELLED, checked by the wrapper before
// invoking it; see runJob).
type ExecutorFunc func(ctx context.Context, job *model.Job) error

// Notifier lets the Workflow Engine observe scheduler-driven status
// transitions. It exists so the Scheduler never imports the engine
// package; the dependency runs one way (engine depends on scheduler).
type Notifier interface {
	// JobDispatched is called once a job transitions PENDING -> RUNNING.
	JobDispatched(job *model.Job)
	// JobTerminal is called once a job reaches a terminal status.
	JobTerminal(job *model.Job)
}

// MetricsSink is an optional observer for the metrics surface. All
// methods must tolerate being called frequently and concurrently; a nil
// MetricsSink disables metrics emission entirely.
type MetricsSink interface {
	SetQueueDepth(tenant, branch string, depth int)
	SetActiveJobs(tenant string, n int) // tenant == "" means the global gauge
	ObserveJobLatency(jobType, branch, tenant, status string, seconds float64)
	IncJobsTotal(jobType, status, tenant string)
}

// Scheduler is the branch-aware dispatch core (C4).
type Scheduler struct {
	mu           sync.Mutex
	queues       map[channelKey]*channelQueue
	jobs         map[string]*model.Job
	running      map[string]struct{}
	completed    map[string]struct{}
	cancelled    map[string]struct{}
	dependencies map[string][]string
	executors    map[string]ExecutorFunc

	sem        *semaphore.Weighted
	maxWorkers int64
	eg         errgroup.Group

	admission      *admission.Controller
	tenantRegistry *registry.Registry
	notifier       Notifier
	metrics        MetricsSink
	logger         *logging.Logger

	dispatchInterval time.Duration
	stopCh           chan struct{}
	stoppedCh        chan struct{}
}

// New constructs a Scheduler. maxWorkers is the global running-job cap
// W; dispatchInterval is the sleep between dispatch passes.
func New(maxWorkers int, dispatchInterval time.Duration, adm *admission.Controller, reg *registry.Registry, notifier Notifier, metrics MetricsSink, logger *logging.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &Scheduler{
		queues:           make(map[channelKey]*channelQueue),
		jobs:             make(map[string]*model.Job),
		running:          make(map[string]struct{}),
		completed:        make(map[string]struct{}),
		cancelled:        make(map[string]struct{}),
		dependencies:     make(map[string][]string),
		executors:        make(map[string]ExecutorFunc),
		sem:              semaphore.NewWeighted(int64(maxWorkers)),
		maxWorkers:       int64(maxWorkers),
		admission:        adm,
		tenantRegistry:   reg,
		notifier:         notifier,
		metrics:          metrics,
		logger:           logger.WithComponent("scheduler"),
		dispatchInterval: dispatchInterval,
	}
}

// SetNotifier assigns the Notifier used for subsequent dispatch and
// terminal-status callbacks. It exists to break the Scheduler/Workflow
// Engine construction cycle: cmd/scheduler-service builds the Scheduler
// first (the Engine's constructor needs a *Scheduler reference), then
// the Engine, then wires the Engine back in as the Scheduler's Notifier
// before calling Start.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Submit registers job's dependencies and executor, appends it to its
// channel queue, records it with the Tenant Registry, and attempts
// admission for its tenant. There is no capacity rejection at submit
// time; admission and worker-cap gating happen in the dispatch loop.
// Submit returns an INVALID_ARGUMENT error only for an empty job_id or
// an empty branch.
func (s *Scheduler) Submit(job *model.Job, executor ExecutorFunc) error {
	if job.JobID == "" {
		return model.InvalidArgument("job_id must not be empty")
	}
	if job.Branch == "" {
		return model.InvalidArgument("branch must not be empty")
	}

	key := channelKey{tenant: job.Tenant, branch: job.Branch}

	s.mu.Lock()
	s.jobs[job.JobID] = job
	s.executors[job.JobID] = executor
	if len(job.DependsOn) > 0 {
		deps := make([]string, len(job.DependsOn))
		copy(deps, job.DependsOn)
		s.dependencies[job.JobID] = deps
	}
	q, ok := s.queues[key]
	if !ok {
		q = newChannelQueue()
		s.queues[key] = q
	}
	q.push(job.JobID)
	depth := q.len()
	s.mu.Unlock()

	s.tenantRegistry.AddJob(job.Tenant, job.JobID)
	s.admission.Acquire(job.Tenant)

	if s.metrics != nil {
		s.metrics.SetQueueDepth(job.Tenant, job.Branch, depth)
	}
	return nil
}

// Cancel marks jobID for cancellation if it currently belongs to tenant
// and is still PENDING (queued). The job's actual removal and terminal
// transition happen on a later dispatch pass, the first one in which
// its channel has no running job; this call never blocks on that. Returns a *model.Error with Kind NOT_CANCELLABLE when the
// job is unknown, owned by a different tenant, already RUNNING, or
// already terminal.
func (s *Scheduler) Cancel(jobID, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return model.NotCancellable("unknown job")
	}
	if job.Tenant != tenant {
		return model.NotCancellable("job does not belong to tenant")
	}
	if job.Status != model.StatusPending {
		return model.NotCancellable(fmt.Sprintf("job is %s, not cancellable", job.Status))
	}
	s.cancelled[jobID] = struct{}{}
	return nil
}

// QueueDepth reports PENDING job counts:
//   - tenant and branch given: that single channel's queue length.
//   - only branch given: sum across all tenants' queues for branch.
//   - only tenant given: sum across all of tenant's branch queues
//     (an extension not named in the three enumerated cases, but a
//     natural reading of "tenant given" alone).
//   - neither given: total PENDING count across all channels.
func (s *Scheduler) QueueDepth(tenant, branch string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case tenant != "" && branch != "":
		if q, ok := s.queues[channelKey{tenant: tenant, branch: branch}]; ok {
			return q.len()
		}
		return 0
	case branch != "":
		total := 0
		for key, q := range s.queues {
			if key.branch == branch {
				total += q.len()
			}
		}
		return total
	case tenant != "":
		total := 0
		for key, q := range s.queues {
			if key.tenant == tenant {
				total += q.len()
			}
		}
		return total
	default:
		total := 0
		for _, q := range s.queues {
			total += q.len()
		}
		return total
	}
}

// RunningCount returns the current size of the running set.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Start launches the background dispatch loop. It is safe to call Start
// at most once per Scheduler.
func (s *Scheduler) Start() {
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	go s.loop()
}

// Stop halts the dispatch loop and waits for it to exit. Running jobs
// are not preempted: Stop only stops new dispatches.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.stoppedCh
}

func (s *Scheduler) loop() {
	defer close(s.stoppedCh)
	ticker := time.NewTicker(s.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.safeDispatchPass()
		}
	}
}

// safeDispatchPass runs one dispatch pass, recovering from any panic so
// the loop logs and continues rather than crashing the process: on any
// unhandled error the loop logs and continues after a back-off.
func (s *Scheduler) safeDispatchPass() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch pass panicked, continuing after back-off", map[string]interface{}{
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()
	s.dispatchPass()
}

type dispatchCandidate struct {
	key   channelKey
	queue *channelQueue
}

// dispatchPass performs one iteration of the scheduler loop. Notifier
// callbacks are collected while the scheduler lock is held and fired
// only after it is released: the lock must never be held across a
// Progress Bus send, and a Notifier implementation (see pkg/workflow)
// broadcasts on exactly these callbacks.
func (s *Scheduler) dispatchPass() {
	s.mu.Lock()

	busyChannels := make(map[channelKey]struct{}, len(s.running))
	for jobID := range s.running {
		job := s.jobs[jobID]
		busyChannels[channelKey{tenant: job.Tenant, branch: job.Branch}] = struct{}{}
	}

	var candidates []dispatchCandidate
	for key, q := range s.queues {
		if q.len() == 0 {
			continue
		}
		if _, busy := busyChannels[key]; busy {
			continue
		}
		candidates = append(candidates, dispatchCandidate{key: key, queue: q})
	}

	var dispatched []*model.Job
	var cancelledTerminal []*model.Job

	for _, c := range candidates {
		if int64(len(s.running)) >= s.maxWorkers {
			break
		}

		jobID, ok := c.queue.peek()
		if !ok {
			continue
		}
		job := s.jobs[jobID]

		if _, isCancelled := s.cancelled[jobID]; isCancelled {
			s.cancelQueuedLocked(c, job)
			cancelledTerminal = append(cancelledTerminal, job)
			continue
		}

		if !s.admission.IsActive(job.Tenant) {
			continue
		}

		if !s.dependenciesSatisfiedLocked(jobID) {
			continue
		}

		if !s.sem.TryAcquire(1) {
			continue
		}

		c.queue.pop()
		job.Status = model.StatusRunning
		job.StartedAt = time.Now()
		s.running[jobID] = struct{}{}
		executor := s.executors[jobID]
		dispatched = append(dispatched, job)
		s.reportActiveJobsLocked(job.Tenant)

		s.eg.Go(func() error {
			s.runJob(job, executor)
			return nil
		})
	}

	s.mu.Unlock()

	for _, job := range cancelledTerminal {
		if s.notifier != nil {
			s.notifier.JobTerminal(job)
		}
	}
	for _, job := range dispatched {
		if s.notifier != nil {
			s.notifier.JobDispatched(job)
		}
	}
}

// dependenciesSatisfiedLocked reports whether every dependency of jobID
// is ready: a dependency still running, or cancelled, blocks the
// dependent; a dependency missing from completed (not yet terminal)
// also blocks it. The "cancelled" check is what keeps a cancelled
// dependency unsatisfied: a cancelled job's ID ends up in completed as
// well, so the "completed" check alone would let it through.
func (s *Scheduler) dependenciesSatisfiedLocked(jobID string) bool {
	deps, ok := s.dependencies[jobID]
	if !ok {
		return true
	}
	for _, dep := range deps {
		if _, running := s.running[dep]; running {
			return false
		}
		if _, cancelled := s.cancelled[dep]; cancelled {
			return false
		}
		if _, done := s.completed[dep]; !done {
			return false
		}
	}
	return true
}

// cancelQueuedLocked pops a cancelled-while-queued job, transitions it
// to CANCELLED, and drops its bookkeeping as part of the dispatch pass's
// cancellation sweep. The job's ID stays in s.cancelled permanently
// (alongside s.completed) so dependents keep reading it as unsatisfied.
// The caller is responsible for firing the Notifier's JobTerminal
// callback after releasing the scheduler lock.
func (s *Scheduler) cancelQueuedLocked(c dispatchCandidate, job *model.Job) {
	c.queue.pop()
	job.Status = model.StatusCancelled
	job.CompletedAt = time.Now()
	s.completed[job.JobID] = struct{}{}
	delete(s.executors, job.JobID)
	delete(s.dependencies, job.JobID)

	s.tenantRegistry.RemoveJob(job.Tenant, job.JobID)

	if s.metrics != nil {
		s.metrics.IncJobsTotal(string(job.JobType), string(model.StatusCancelled), job.Tenant)
	}
	s.releaseTenantIfIdleLocked(job.Tenant)
}

func (s *Scheduler) reportActiveJobsLocked(tenant string) {
	if s.metrics == nil {
		return
	}
	tenantCount := 0
	for jobID := range s.running {
		if s.jobs[jobID].Tenant == tenant {
			tenantCount++
		}
	}
	s.metrics.SetActiveJobs(tenant, tenantCount)
	s.metrics.SetActiveJobs("", len(s.running))
}

// releaseTenantIfIdleLocked checks whether a tenant has no more live
// workflows/jobs, and if so releases its admission slot and lets the
// next waiter in. It is called with the scheduler lock held; crossing
// into admission and the tenant registry here respects the Scheduler ->
// Admission -> Tenant Registry lock order since neither of those
// packages ever calls back into the scheduler.
func (s *Scheduler) releaseTenantIfIdleLocked(tenant string) {
	if !s.tenantRegistry.IsIdle(tenant) {
		return
	}
	if next, ok := s.admission.Release(tenant); ok {
		s.logger.Info("tenant activated from waiting queue", map[string]interface{}{"tenant": next})
	}
}

// runJob is the execution wrapper, launched via s.eg.Go as an
// independent task per dispatched job, not pooled. Branch-channel
// serialization already bounds per-channel concurrency to one, and the
// semaphore bounds it globally; a separate worker pool would just add a
// redundant third admission dimension. errgroup.Group is used here purely
// as a tracked goroutine launcher (its Go method), not for Wait-based
// synchronization: each job's error is already captured into the Job's
// own ErrorMessage/Status rather than propagated through the group.
func (s *Scheduler) runJob(job *model.Job, executor ExecutorFunc) {
	start := time.Now()

	s.mu.Lock()
	_, raceCancelled := s.cancelled[job.JobID]
	s.mu.Unlock()
	if raceCancelled {
		// Defensive re-check for the window between dispatch marking
		// RUNNING and this goroutine actually starting. The single
		// scheduler lock makes this window empty in practice, but the
		// recheck costs nothing and documents the invariant explicitly.
		s.finishCancelledRunning(job)
		return
	}

	err := executor(context.Background(), job)

	s.mu.Lock()
	if err != nil {
		job.Status = model.StatusFailed
		job.ErrorMessage = err.Error()
	}
	job.CompletedAt = time.Now()
	if !job.Status.IsTerminal() {
		job.Status = model.StatusSucceeded
	}
	terminalStatus := job.Status
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.JobTerminal(job)
	}
	s.sem.Release(1)

	s.mu.Lock()
	delete(s.running, job.JobID)
	s.completed[job.JobID] = struct{}{}
	delete(s.executors, job.JobID)
	delete(s.dependencies, job.JobID)
	s.mu.Unlock()

	s.tenantRegistry.RemoveJob(job.Tenant, job.JobID)

	if s.metrics != nil {
		s.metrics.ObserveJobLatency(string(job.JobType), job.Branch, job.Tenant, string(terminalStatus), time.Since(start).Seconds())
		s.metrics.IncJobsTotal(string(job.JobType), string(terminalStatus), job.Tenant)
	}

	s.mu.Lock()
	s.releaseTenantIfIdleLocked(job.Tenant)
	s.mu.Unlock()
}

func (s *Scheduler) finishCancelledRunning(job *model.Job) {
	s.mu.Lock()
	job.Status = model.StatusCancelled
	job.CompletedAt = time.Now()
	delete(s.running, job.JobID)
	s.completed[job.JobID] = struct{}{}
	delete(s.executors, job.JobID)
	delete(s.dependencies, job.JobID)
	s.mu.Unlock()

	s.sem.Release(1)
	s.tenantRegistry.RemoveJob(job.Tenant, job.JobID)
	if s.notifier != nil {
		s.notifier.JobTerminal(job)
	}

	s.mu.Lock()
	s.releaseTenantIfIdleLocked(job.Tenant)
	s.mu.Unlock()
}
