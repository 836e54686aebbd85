package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/collab"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/exec"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tasks"
	"github.com/taskmesh/taskmesh/internal/workspace"
)

type harness struct {
	registry  *registry.Registry
	tasks     *tasks.Store
	scheduler *Scheduler
}

func newHarness(t *testing.T, executor exec.Executor) *harness {
	t.Helper()
	sink := bus.NewClientSink(nil)
	reg := registry.New(nil, sink)
	ts := tasks.NewStore(nil)
	sessions := collab.NewManager(reg, ts, workspace.NewManager(), executor, exec.SystemClock{}, nil, sink, nil, time.Second)
	sched := New(reg, ts, sessions, executor, exec.SystemClock{}, sink, config.SchedulerConfig{
		CollabSize: 3, SoloRequirementLimit: 2,
	})
	return &harness{registry: reg, tasks: ts, scheduler: sched}
}

func (h *harness) addAgent(t *testing.T, name string, prof float64, caps ...string) string {
	t.Helper()
	capabilities := make([]registry.Capability, len(caps))
	for i, c := range caps {
		capabilities[i] = registry.Capability{Name: c, Proficiency: prof}
	}
	id, err := h.registry.Register(registry.RegisterConfig{Name: name, Type: "worker", Capabilities: capabilities})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return id
}

// waitForStatus polls until the task reaches the wanted status.
func (h *harness) waitForStatus(t *testing.T, taskID string, want tasks.Status) *tasks.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := h.tasks.Get(taskID)
		if err == nil && task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			status := tasks.Status("?")
			if err == nil {
				status = task.Status
			}
			t.Fatalf("task %s stuck at %s, want %s", taskID, status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func instantExecutor() exec.Executor {
	return exec.ExecutorFunc(func(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*exec.Result, error) {
		return &exec.Result{Output: map[string]any{"by": agent.Name}}, nil
	})
}

func TestSubmitPicksMostProficientAgent(t *testing.T) {
	h := newHarness(t, instantExecutor())
	expert := h.addAgent(t, "expert", 0.9, "analysis")
	h.addAgent(t, "novice", 0.5, "analysis")

	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "report", Requirements: []string{"analysis"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != tasks.StatusScheduled && task.Status != tasks.StatusRunning && task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s, want dispatched", task.Status)
	}
	if task.AssignedTo != expert {
		t.Errorf("assigned to %s, want the higher-proficiency agent %s", task.AssignedTo, expert)
	}
	h.waitForStatus(t, task.ID, tasks.StatusCompleted)
}

func TestSubmitQueuesWithoutSuitableAgent(t *testing.T) {
	h := newHarness(t, instantExecutor())
	h.addAgent(t, "coder", 0.8, "code")

	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "report", Requirements: []string{"analysis"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != tasks.StatusQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}

	h.addAgent(t, "analyst", 0.8, "analysis")
	if n := h.scheduler.ProcessQueue(context.Background()); n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}
	h.waitForStatus(t, task.ID, tasks.StatusCompleted)
}

func TestBroadRequirementsTriggerCollaboration(t *testing.T) {
	h := newHarness(t, instantExecutor())
	h.addAgent(t, "a", 0.9, "code", "review", "test")
	h.addAgent(t, "b", 0.8, "code", "review", "test")
	h.addAgent(t, "c", 0.7, "code", "review", "test")
	h.addAgent(t, "d", 0.6, "code", "review", "test")

	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "release", Requirements: []string{"code", "review", "test"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(task.AssignedTo, "session:") {
		t.Fatalf("assigned to %q, want a collaboration session", task.AssignedTo)
	}
	h.waitForStatus(t, task.ID, tasks.StatusCompleted)

	status := h.scheduler.Status()
	if status.TotalCollaborations != 1 {
		t.Errorf("total collaborations = %d, want 1", status.TotalCollaborations)
	}
}

func TestCriticalPriorityTriggersCollaboration(t *testing.T) {
	h := newHarness(t, instantExecutor())
	h.addAgent(t, "a", 0.9, "ops")
	h.addAgent(t, "b", 0.8, "ops")

	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "incident", Priority: "critical", Requirements: []string{"ops"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(task.AssignedTo, "session:") {
		t.Fatalf("assigned to %q, want a collaboration session", task.AssignedTo)
	}
	h.waitForStatus(t, task.ID, tasks.StatusCompleted)
}

func TestLoneAgentHandlesCriticalSolo(t *testing.T) {
	h := newHarness(t, instantExecutor())
	only := h.addAgent(t, "only", 0.9, "ops")

	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "incident", Priority: "emergency", Requirements: []string{"ops"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.AssignedTo != only {
		t.Errorf("assigned to %q, want solo fallback to %s", task.AssignedTo, only)
	}
	h.waitForStatus(t, task.ID, tasks.StatusCompleted)
}

func TestConcurrentSubmitsSingleAgent(t *testing.T) {
	release := make(chan struct{})
	executor := exec.ExecutorFunc(func(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*exec.Result, error) {
		<-release
		return &exec.Result{}, nil
	})
	h := newHarness(t, executor)
	h.addAgent(t, "solo", 0.8, "code")

	const n = 10
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
				Type: "job", Requirements: []string{"code"},
			})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids[i] = task.ID
		}(i)
	}
	wg.Wait()

	dispatched := 0
	for _, id := range ids {
		task, err := h.tasks.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != tasks.StatusQueued {
			dispatched++
		}
	}
	if dispatched != 1 {
		t.Errorf("%d tasks dispatched for 1 idle agent, want exactly 1", dispatched)
	}
	close(release)
}

func TestDependencyGating(t *testing.T) {
	h := newHarness(t, instantExecutor())
	h.addAgent(t, "worker", 0.8, "code")

	dep, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "build", Requirements: []string{"code"},
	})
	if err != nil {
		t.Fatalf("submit dep: %v", err)
	}
	h.waitForStatus(t, dep.ID, tasks.StatusCompleted)

	child, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "deploy", Requirements: []string{"code"}, Dependencies: []string{dep.ID},
	})
	if err != nil {
		t.Fatalf("submit child: %v", err)
	}
	h.waitForStatus(t, child.ID, tasks.StatusCompleted)
}

func TestDependencyBlocksDispatch(t *testing.T) {
	release := make(chan struct{})
	executor := exec.ExecutorFunc(func(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*exec.Result, error) {
		if task.Type == "build" {
			<-release
		}
		return &exec.Result{}, nil
	})
	h := newHarness(t, executor)
	h.addAgent(t, "w1", 0.8, "code")
	h.addAgent(t, "w2", 0.8, "code")

	dep, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "build", Requirements: []string{"code"},
	})
	if err != nil {
		t.Fatalf("submit dep: %v", err)
	}
	child, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "deploy", Requirements: []string{"code"}, Dependencies: []string{dep.ID},
	})
	if err != nil {
		t.Fatalf("submit child: %v", err)
	}
	if child.Status != tasks.StatusQueued {
		t.Fatalf("child status = %s, want queued while dep runs", child.Status)
	}
	if n := h.scheduler.ProcessQueue(context.Background()); n != 0 {
		t.Fatalf("dispatched %d with incomplete dependency, want 0", n)
	}

	close(release)
	h.waitForStatus(t, dep.ID, tasks.StatusCompleted)
	h.scheduler.ProcessQueue(context.Background())
	h.waitForStatus(t, child.ID, tasks.StatusCompleted)
}

func TestExecutorFailureMarksAgentError(t *testing.T) {
	executor := exec.ExecutorFunc(func(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*exec.Result, error) {
		return nil, errors.New("tool crashed")
	})
	h := newHarness(t, executor)
	worker := h.addAgent(t, "worker", 0.8, "code")

	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "job", Requirements: []string{"code"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := h.waitForStatus(t, task.ID, tasks.StatusFailed)
	if !strings.Contains(got.Error, "tool crashed") {
		t.Errorf("task error = %q, want executor failure", got.Error)
	}

	agent, _ := h.registry.Get(worker)
	if agent.Status != registry.StatusError {
		t.Fatalf("agent status = %s, want sticky error", agent.Status)
	}

	// The broken agent must not be re-dispatched until recovered.
	queued, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "job", Requirements: []string{"code"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if queued.Status != tasks.StatusQueued {
		t.Fatalf("status = %s, want queued while agent is broken", queued.Status)
	}
	if err := h.registry.Recover(worker); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n := h.scheduler.ProcessQueue(context.Background()); n != 1 {
		t.Fatalf("dispatched %d after recovery, want 1", n)
	}
	h.waitForStatus(t, queued.ID, tasks.StatusFailed)
}

func TestCancelQueuedTask(t *testing.T) {
	h := newHarness(t, instantExecutor())
	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "job", Requirements: []string{"nonexistent"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.scheduler.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := h.tasks.Get(task.ID)
	if got.Status != tasks.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if err := h.scheduler.Cancel(task.ID); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("double cancel: err = %v, want conflict", err)
	}
}

func TestCancelRunningTaskReleasesAgent(t *testing.T) {
	executor := exec.ExecutorFunc(func(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*exec.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, executor)
	worker := h.addAgent(t, "worker", 0.8, "code")

	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "job", Requirements: []string{"code"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitForStatus(t, task.ID, tasks.StatusRunning)

	if err := h.scheduler.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.waitForStatus(t, task.ID, tasks.StatusCancelled)

	deadline := time.Now().Add(2 * time.Second)
	for {
		agent, _ := h.registry.Get(worker)
		if agent.Status == registry.StatusIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent status = %s, want idle after cancel", agent.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusIsStable(t *testing.T) {
	h := newHarness(t, instantExecutor())
	h.addAgent(t, "a", 0.8, "code")
	h.addAgent(t, "b", 0.8, "code")
	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "job", Requirements: []string{"code"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitForStatus(t, task.ID, tasks.StatusCompleted)

	first := h.scheduler.Status()
	second := h.scheduler.Status()
	if fmt.Sprintf("%+v", first) != fmt.Sprintf("%+v", second) {
		t.Errorf("status changed with no mutation:\n%+v\n%+v", first, second)
	}
	if first.Tasks[tasks.StatusCompleted] != 1 {
		t.Errorf("completed count = %d, want 1", first.Tasks[tasks.StatusCompleted])
	}
	if first.Agents[registry.StatusIdle] != 2 {
		t.Errorf("idle agents = %d, want 2", first.Agents[registry.StatusIdle])
	}
	if first.Efficiency != 1.0 {
		t.Errorf("efficiency = %f, want 1.0", first.Efficiency)
	}
}

func TestRunDrainsQueueOnCompletion(t *testing.T) {
	h := newHarness(t, instantExecutor())
	h.addAgent(t, "worker", 0.8, "code")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.scheduler.Run(ctx)

	first, err := h.scheduler.Submit(ctx, tasks.SubmitConfig{Type: "job", Requirements: []string{"code"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := h.scheduler.Submit(ctx, tasks.SubmitConfig{Type: "job", Requirements: []string{"code"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitForStatus(t, first.ID, tasks.StatusCompleted)
	h.waitForStatus(t, second.ID, tasks.StatusCompleted)
}

func TestNilSinkIsTolerated(t *testing.T) {
	executor := instantExecutor()
	reg := registry.New(nil, nil)
	ts := tasks.NewStore(nil)
	sessions := collab.NewManager(reg, ts, workspace.NewManager(), executor, exec.SystemClock{}, nil, nil, nil, time.Second)
	sched := New(reg, ts, sessions, executor, exec.SystemClock{}, nil, config.SchedulerConfig{
		CollabSize: 3, SoloRequirementLimit: 2,
	})
	h := &harness{registry: reg, tasks: ts, scheduler: sched}
	h.addAgent(t, "alpha", 0.8, "code")
	h.addAgent(t, "beta", 0.8, "code")

	// Critical priority forces the collaboration path, so both the
	// scheduler and the session manager emit without a sink.
	task, err := h.scheduler.Submit(context.Background(), tasks.SubmitConfig{
		Type: "incident", Requirements: []string{"code"}, Priority: "critical",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitForStatus(t, task.ID, tasks.StatusCompleted)
}
