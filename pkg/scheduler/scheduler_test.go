package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidequeue/scheduler/pkg/admission"
	"github.com/slidequeue/scheduler/pkg/model"
	"github.com/slidequeue/scheduler/pkg/registry"
)

// recordingNotifier captures the order jobs reach RUNNING and terminal,
// for asserting FIFO and serialization invariants.
type recordingNotifier struct {
	mu         sync.Mutex
	dispatched []string
	terminal   []string
}

func (n *recordingNotifier) JobDispatched(job *model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatched = append(n.dispatched, job.JobID)
}

func (n *recordingNotifier) JobTerminal(job *model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminal = append(n.terminal, job.JobID)
}

func (n *recordingNotifier) dispatchOrder() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.dispatched...)
}

func (n *recordingNotifier) terminalCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.terminal)
}

func newTestScheduler(t *testing.T, maxWorkers, maxActive int) (*Scheduler, *recordingNotifier) {
	t.Helper()
	reg := registry.New()
	adm := admission.New(maxActive)
	notifier := &recordingNotifier{}
	s := New(maxWorkers, 5*time.Millisecond, adm, reg, notifier, nil, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s, notifier
}

func trivialExecutor(ctx context.Context, job *model.Job) error { return nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Fail(t, "condition never became true within timeout")
}

func TestSerialDispatchPerBranchIsFIFO(t *testing.T) {
	s, notifier := newTestScheduler(t, 10, 3)

	for _, id := range []string{"j1", "j2", "j3"} {
		job := &model.Job{JobID: id, Tenant: "u", Branch: "b"}
		require.NoError(t, s.Submit(job, trivialExecutor))
	}

	waitFor(t, time.Second, func() bool { return notifier.terminalCount() == 3 })
	assert.Equal(t, []string{"j1", "j2", "j3"}, notifier.dispatchOrder())
}

func TestParallelDispatchAcrossBranches(t *testing.T) {
	s, _ := newTestScheduler(t, 10, 3)

	release := make(chan struct{})
	var mu sync.Mutex
	running := 0
	maxObserved := 0
	blocking := func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		running++
		if running > maxObserved {
			maxObserved = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	require.NoError(t, s.Submit(&model.Job{JobID: "j1", Tenant: "u", Branch: "b1"}, blocking))
	require.NoError(t, s.Submit(&model.Job{JobID: "j2", Tenant: "u", Branch: "b2"}, blocking))

	waitFor(t, time.Second, func() bool { return s.RunningCount() == 2 })
	close(release)
}

func TestActiveUserCapLimitsConcurrentTenants(t *testing.T) {
	s, notifier := newTestScheduler(t, 10, 2)

	release := make(chan struct{})
	blocking := func(ctx context.Context, job *model.Job) error {
		<-release
		return nil
	}

	for _, tenant := range []string{"t1", "t2", "t3"} {
		job := &model.Job{JobID: "j-" + tenant, Tenant: tenant, Branch: "b"}
		require.NoError(t, s.Submit(job, blocking))
	}

	waitFor(t, time.Second, func() bool { return s.RunningCount() == 2 })
	assert.Equal(t, 2, s.RunningCount())

	close(release)
	// t3 is admitted once an earlier tenant goes idle; its job then runs to completion.
	waitFor(t, time.Second, func() bool { return notifier.terminalCount() == 3 })
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	s, notifier := newTestScheduler(t, 1, 3)

	release := make(chan struct{})
	blocking := func(ctx context.Context, job *model.Job) error {
		<-release
		return nil
	}

	require.NoError(t, s.Submit(&model.Job{JobID: "j1", Tenant: "u", Branch: "b"}, blocking))
	waitFor(t, time.Second, func() bool { return s.RunningCount() == 1 })

	job2 := &model.Job{JobID: "j2", Tenant: "u", Branch: "b"}
	require.NoError(t, s.Submit(job2, trivialExecutor))

	require.NoError(t, s.Cancel("j2", "u"))
	// The cancellation sweep reaches j2 once j1 no longer occupies the channel.
	close(release)
	waitFor(t, time.Second, func() bool { return job2.Status == model.StatusCancelled })

	assert.True(t, job2.StartedAt.IsZero())
	_ = notifier
}

func TestCancelUnknownOrForeignJobIsNotCancellable(t *testing.T) {
	s, _ := newTestScheduler(t, 10, 3)

	err := s.Cancel("ghost", "u")
	assert.Equal(t, model.ErrNotCancellable, model.KindOf(err))

	job := &model.Job{JobID: "j1", Tenant: "owner", Branch: "b"}
	require.NoError(t, s.Submit(job, trivialExecutor))

	err = s.Cancel("j1", "someone-else")
	assert.Equal(t, model.ErrNotCancellable, model.KindOf(err))
}

func TestDependencyGatesDispatchUntilTerminal(t *testing.T) {
	s, notifier := newTestScheduler(t, 10, 3)

	gate := make(chan struct{})
	first := func(ctx context.Context, job *model.Job) error {
		<-gate
		return nil
	}

	require.NoError(t, s.Submit(&model.Job{JobID: "j1", Tenant: "u", Branch: "b1"}, first))
	dependent := &model.Job{JobID: "j2", Tenant: "u", Branch: "b2", DependsOn: []string{"j1"}}
	require.NoError(t, s.Submit(dependent, trivialExecutor))

	time.Sleep(30 * time.Millisecond)
	assert.NotContains(t, notifier.dispatchOrder(), "j2", "j2 must wait for its dependency")

	close(gate)
	waitFor(t, time.Second, func() bool { return notifier.terminalCount() == 2 })
}

func TestQueueDepthReporting(t *testing.T) {
	s, _ := newTestScheduler(t, 1, 3)

	release := make(chan struct{})
	blocking := func(ctx context.Context, job *model.Job) error {
		<-release
		return nil
	}

	require.NoError(t, s.Submit(&model.Job{JobID: "j1", Tenant: "u", Branch: "b"}, blocking))
	waitFor(t, time.Second, func() bool { return s.RunningCount() == 1 })

	require.NoError(t, s.Submit(&model.Job{JobID: "j2", Tenant: "u", Branch: "b"}, trivialExecutor))
	require.NoError(t, s.Submit(&model.Job{JobID: "j3", Tenant: "u", Branch: "b2"}, trivialExecutor))

	assert.Equal(t, 1, s.QueueDepth("u", "b"))
	assert.Equal(t, 2, s.QueueDepth("u", ""))
	assert.Equal(t, 0, s.QueueDepth("other", "b"))

	close(release)
}
