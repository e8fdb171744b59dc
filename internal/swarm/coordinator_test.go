package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/shell"
	"github.com/mtzanidakis/clawreform/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fixedRand returns the same draw every time. IntN always picks the first
// candidate.
type fixedRand struct{ f float64 }

func (r *fixedRand) Float64() float64 { return r.f }
func (r *fixedRand) IntN(int) int     { return 0 }

type fakeRunner struct {
	block   bool
	result  shell.Result
	started chan shell.Command
}

func (r *fakeRunner) Run(ctx context.Context, cmd shell.Command) shell.Result {
	if r.started != nil {
		r.started <- cmd
	}
	if r.block {
		<-ctx.Done()
		return shell.Result{Canceled: true, ExitCode: -1}
	}
	return r.result
}

type harness struct {
	c     *Coordinator
	st    *store.Store
	clock *fakeClock
	rnd   *fixedRand
}

func newHarness(t *testing.T, runner Runner, tweak func(*config.RuntimeConfig)) *harness {
	t.Helper()
	cfg := config.DefaultRuntime()
	cfg.HeartbeatObstacleChance = 0
	cfg.RunJitter = 0
	if tweak != nil {
		tweak(&cfg)
	}
	st := store.New(store.NewMemoryBackend())
	c := NewCoordinator(context.Background(), st, catalog.Default(), runner, cfg, "test", "Prime")
	h := &harness{
		c:     c,
		st:    st,
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		rnd:   &fixedRand{f: 0},
	}
	c.SetClock(h.clock.Now)
	c.SetRandom(h.rnd)
	t.Cleanup(func() { c.Close(context.Background()) })
	return h
}

func boolPtr(b bool) *bool { return &b }

func (h *harness) liveSwarm(t *testing.T, in SwarmInput) *store.Swarm {
	t.Helper()
	ctx := context.Background()
	sw, err := h.c.CreateSwarm(ctx, in)
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	if err := h.c.DeploySwarm(ctx, sw.ID); err != nil {
		t.Fatalf("deploy swarm: %v", err)
	}
	return sw
}

func (h *harness) task(t *testing.T, id string) store.Task {
	t.Helper()
	task, ok := h.c.LookupTask(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return task
}

func (h *harness) agent(t *testing.T, id string) store.Agent {
	t.Helper()
	a, ok := h.c.LookupAgent(id)
	if !ok {
		t.Fatalf("agent %s not found", id)
	}
	return a
}

// checkInvariants verifies the running/assignment correspondence between
// tasks and agents.
func checkInvariants(t *testing.T, v View) {
	t.Helper()
	agents := make(map[string]store.Agent, len(v.Agents))
	for _, a := range v.Agents {
		agents[a.ID] = a
	}
	tasks := make(map[string]store.Task, len(v.Tasks))
	for _, task := range v.Tasks {
		tasks[task.ID] = task
		running := task.Status == store.TaskRunning
		if running != (task.AssignedAgentID != "") {
			t.Fatalf("task %s status %s with assigned agent %q", task.ID, task.Status, task.AssignedAgentID)
		}
		if running && agents[task.AssignedAgentID].CurrentTaskID != task.ID {
			t.Fatalf("task %s running but agent %s holds %q", task.ID, task.AssignedAgentID, agents[task.AssignedAgentID].CurrentTaskID)
		}
		if !running && task.RunID != "" {
			t.Fatalf("task %s kept run id after leaving running", task.ID)
		}
	}
	for _, a := range v.Agents {
		if a.CurrentTaskID == "" {
			continue
		}
		task, ok := tasks[a.CurrentTaskID]
		if !ok || task.Status != store.TaskRunning {
			t.Fatalf("agent %s holds task %s which is not running", a.ID, a.CurrentTaskID)
		}
	}
}

func TestCreateSwarmAgents(t *testing.T) {
	h := newHarness(t, nil, nil)
	sw, err := h.c.CreateSwarm(context.Background(), SwarmInput{
		Name:       "  Growth  ",
		AgentCount: 4,
		ModuleIDs:  []string{"Agent", "heartbeat", "agent", "unknown"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sw.Status != store.SwarmDraft {
		t.Errorf("expected draft, got %s", sw.Status)
	}
	if !sw.AutoAdapt {
		t.Error("autoAdapt should default to true")
	}
	if diff := cmp.Diff([]string{"agent", "heartbeat"}, sw.AutomationModules); diff != "" {
		t.Errorf("modules mismatch (-want +got):\n%s", diff)
	}

	v := h.c.View()
	count := 0
	for _, a := range v.Agents {
		if a.SwarmID != sw.ID {
			continue
		}
		count++
		if a.Status != store.AgentIdle {
			t.Errorf("agent %s: expected idle, got %s", a.ID, a.Status)
		}
		if !strings.HasPrefix(a.Name, "Growth • ") {
			t.Errorf("unexpected agent name %q", a.Name)
		}
	}
	if count != 4 {
		t.Fatalf("expected 4 agents, got %d", count)
	}
	if v.Agents[0].Role != rolePool[0] || v.Agents[1].Role != rolePool[1] {
		t.Errorf("roles should follow the role pool, got %q, %q", v.Agents[0].Role, v.Agents[1].Role)
	}
}

func TestCreateSwarmClamps(t *testing.T) {
	h := newHarness(t, nil, nil)
	sw, err := h.c.CreateSwarm(context.Background(), SwarmInput{
		AgentCount:  99,
		HeartbeatMs: 10,
		Provider:    " Open Router ",
		AutoAdapt:   boolPtr(false),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sw.AgentIDs) != 24 {
		t.Errorf("expected agent count capped at 24, got %d", len(sw.AgentIDs))
	}
	if sw.HeartbeatMs != 2000 {
		t.Errorf("expected heartbeat clamped to 2000, got %d", sw.HeartbeatMs)
	}
	if sw.Provider != "open-router" {
		t.Errorf("expected normalized provider, got %q", sw.Provider)
	}
	if sw.Name != "Untitled Swarm" || sw.Objective != defaultObjective {
		t.Errorf("expected defaults, got %q / %q", sw.Name, sw.Objective)
	}
	if sw.AutoAdapt {
		t.Error("explicit autoAdapt=false was ignored")
	}
}

func TestDeployAndPause(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "ops", AgentCount: 2})

	for _, id := range sw.AgentIDs {
		if got := h.agent(t, id).Status; got != store.AgentRunning {
			t.Errorf("after deploy agent %s is %s", id, got)
		}
	}
	v := h.c.View()
	if v.Swarms[0].LastDeployedAt == nil || v.Metrics.LiveSwarms != 1 {
		t.Errorf("deploy not reflected in view: %+v", v.Metrics)
	}

	if err := h.c.PauseSwarm(ctx, sw.ID); err != nil {
		t.Fatal(err)
	}
	for _, id := range sw.AgentIDs {
		if got := h.agent(t, id).Status; got != store.AgentPaused {
			t.Errorf("after pause agent %s is %s", id, got)
		}
	}
}

func TestDeployQueuesDeployCommand(t *testing.T) {
	h := newHarness(t, nil, nil)
	sw := h.liveSwarm(t, SwarmInput{Name: "web", DeployTarget: "fly", DeployCommand: "make deploy"})

	v := h.c.View()
	if len(v.Tasks) != 1 {
		t.Fatalf("expected exactly one deploy task, got %d", len(v.Tasks))
	}
	task := v.Tasks[0]
	if task.SwarmID != sw.ID || task.ExecutionMode != store.ModeShell || task.Priority != 5 {
		t.Errorf("unexpected deploy task: %+v", task)
	}
	if task.Command != "make deploy" || task.MaxAttempts != 2 || task.TimeoutMs != 180000 {
		t.Errorf("unexpected deploy task settings: %+v", task)
	}
	if task.Title != "Deploy web" {
		t.Errorf("unexpected title %q", task.Title)
	}
}

func TestAssignmentOrder(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "one", AgentCount: 1})

	high, err := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "high", Priority: 5})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Millisecond)
	low, err := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "low", Priority: 3})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Millisecond)
	// Same priority as high but newer; must wait behind it.
	later, err := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "later", Priority: 5})
	if err != nil {
		t.Fatal(err)
	}

	h.c.Tick(ctx)

	if got := h.task(t, high.ID); got.Status != store.TaskRunning || got.AssignedAgentID != sw.AgentIDs[0] {
		t.Errorf("expected high priority task running, got %s", got.Status)
	}
	if got := h.task(t, low.ID).Status; got != store.TaskQueued {
		t.Errorf("expected low priority task queued, got %s", got)
	}
	if got := h.task(t, later.ID).Status; got != store.TaskQueued {
		t.Errorf("expected newer equal priority task queued, got %s", got)
	}
	checkInvariants(t, h.c.View())
}

func TestDraftSwarmDoesNotDispatch(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw, _ := h.c.CreateSwarm(ctx, SwarmInput{Name: "draft"})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "wait"})

	h.c.Tick(ctx)
	if got := h.task(t, task.ID).Status; got != store.TaskQueued {
		t.Errorf("draft swarm dispatched a task: %s", got)
	}
}

func TestTaskBindsProviderAtDispatch(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "bind", Provider: "openai", AgentCount: 1})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "t"})
	if task.Provider != "" || task.Model != "" {
		t.Fatalf("provider bound at creation: %q/%q", task.Provider, task.Model)
	}

	h.c.Tick(ctx)
	got := h.task(t, task.ID)
	if got.Provider != "openai" || got.Model != "gpt-5" {
		t.Errorf("expected openai/gpt-5 bound at dispatch, got %s/%s", got.Provider, got.Model)
	}
}

func TestSimulatedSuccess(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "ok", AgentCount: 1})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "work", Priority: 5})

	h.c.Tick(ctx)
	running := h.task(t, task.ID)
	if running.RunCompleteAtMs == nil || running.RunSuccessChance == nil {
		t.Fatal("run bookkeeping missing on running task")
	}
	// priority 5, autoAdapt on: 0.84 - 0.08 + 0.07
	if got := *running.RunSuccessChance; got < 0.829 || got > 0.831 {
		t.Errorf("unexpected success chance %v", got)
	}
	wantDue := h.clock.Now().Add(2800*time.Millisecond + 550*time.Millisecond).UnixMilli()
	if *running.RunCompleteAtMs != wantDue {
		t.Errorf("expected completion at %d, got %d", wantDue, *running.RunCompleteAtMs)
	}

	h.clock.Advance(3 * time.Second)
	h.c.Tick(ctx)
	if got := h.task(t, task.ID).Status; got != store.TaskRunning {
		t.Fatalf("task finished before its completion time: %s", got)
	}

	h.clock.Advance(time.Second)
	h.c.Tick(ctx)
	got := h.task(t, task.ID)
	if got.Status != store.TaskSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	if got.RunCompleteAtMs != nil || got.RunID != "" || got.AssignedAgentID != "" || got.EndedAt == nil {
		t.Errorf("finalized task kept run state: %+v", got)
	}
	if !strings.Contains(got.OutputPreview, "Simulated run completed") {
		t.Errorf("unexpected output preview %q", got.OutputPreview)
	}
	a := h.agent(t, sw.AgentIDs[0])
	if a.CurrentTaskID != "" || a.Status != store.AgentRunning || a.LastTaskAt == nil {
		t.Errorf("agent not released: %+v", a)
	}
	if v := h.c.View(); v.Swarms[0].CompletedTasks != 1 || v.Swarms[0].TaskStats.Succeeded != 1 {
		t.Errorf("completion not counted: %+v", v.Swarms[0])
	}
}

func TestFailuresExhaustRetries(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rnd.f = 0.999
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "flaky", AgentCount: 1})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "doomed", MaxAttempts: 3})
	agentID := sw.AgentIDs[0]
	startProvider := h.agent(t, agentID).Provider

	h.c.Tick(ctx)
	for i := 0; i < 10 && h.task(t, task.ID).Status != store.TaskFailed; i++ {
		h.clock.Advance(10 * time.Second)
		h.c.Tick(ctx)
		checkInvariants(t, h.c.View())
	}

	got := h.task(t, task.ID)
	if got.Status != store.TaskFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", got.Attempts)
	}
	if !strings.HasPrefix(got.LastError, "Obstacle: ") {
		t.Errorf("unexpected last error %q", got.LastError)
	}

	a := h.agent(t, agentID)
	if a.Obstacles != 3 || a.Recoveries != 2 {
		t.Errorf("expected 3 obstacles and 2 recoveries, got %d and %d", a.Obstacles, a.Recoveries)
	}
	if a.Provider == startProvider {
		t.Errorf("agent never fell back from %s", startProvider)
	}
	if a.Status != store.AgentRunning || a.CurrentTaskID != "" {
		t.Errorf("agent not released after terminal failure: %+v", a)
	}
	if v := h.c.View(); v.Swarms[0].ObstaclesResolved != 2 {
		t.Errorf("expected 2 resolved obstacles, got %d", v.Swarms[0].ObstaclesResolved)
	}
}

func TestFailureWithoutAutoAdapt(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rnd.f = 0.999
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "rigid", AgentCount: 1, AutoAdapt: boolPtr(false)})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "once", MaxAttempts: 5})

	h.c.Tick(ctx)
	h.clock.Advance(10 * time.Second)
	h.c.Tick(ctx)

	got := h.task(t, task.ID)
	if got.Status != store.TaskFailed || got.Attempts != 1 {
		t.Fatalf("expected failed after 1 attempt, got %s after %d", got.Status, got.Attempts)
	}
	if !strings.HasPrefix(got.OutputPreview, "Obstacle: ") || got.OutputPreview != got.LastError {
		t.Errorf("expected the obstacle as output preview, got %q (lastError %q)", got.OutputPreview, got.LastError)
	}
	a := h.agent(t, sw.AgentIDs[0])
	if a.Obstacles != 1 || a.Recoveries != 0 {
		t.Errorf("expected 1 obstacle and no recovery, got %d and %d", a.Obstacles, a.Recoveries)
	}
	if a.Status != store.AgentRunning {
		t.Errorf("expected agent running, got %s", a.Status)
	}
}

func TestRetryTask(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rnd.f = 0.999
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "retry", AgentCount: 1, AutoAdapt: boolPtr(false)})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "again"})

	var verr *ValidationError
	if err := h.c.RetryTask(ctx, task.ID); !errors.As(err, &verr) {
		t.Errorf("retrying a queued task: expected validation error, got %v", err)
	}

	h.c.Tick(ctx)
	if err := h.c.RetryTask(ctx, task.ID); !errors.As(err, &verr) || verr.Msg != "Task is currently running." {
		t.Errorf("retrying a running task: expected validation error, got %v", err)
	}

	h.clock.Advance(10 * time.Second)
	h.c.Tick(ctx)
	if got := h.task(t, task.ID).Status; got != store.TaskFailed {
		t.Fatalf("expected failed, got %s", got)
	}

	if err := h.c.RetryTask(ctx, task.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got := h.task(t, task.ID)
	if got.Status != store.TaskQueued || got.Attempts != 1 || got.LastError != "" || got.EndedAt != nil {
		t.Errorf("unexpected retried task: %+v", got)
	}

	h.rnd.f = 0
	h.c.Tick(ctx)
	if got := h.task(t, task.ID).Attempts; got != 2 {
		t.Errorf("attempts should keep counting across retries, got %d", got)
	}
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "cancel", AgentCount: 1})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "stop me"})

	h.c.Tick(ctx)
	if err := h.c.CancelTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	got := h.task(t, task.ID)
	if got.Status != store.TaskCanceled || got.LastError != canceledMessage || got.RunCompleteAtMs != nil {
		t.Fatalf("unexpected canceled task: %+v", got)
	}
	if a := h.agent(t, sw.AgentIDs[0]); a.CurrentTaskID != "" || a.Status != store.AgentRunning {
		t.Errorf("agent not released: %+v", a)
	}

	// A later tick past the old completion time must not touch it.
	h.clock.Advance(time.Minute)
	h.c.Tick(ctx)
	if got := h.task(t, task.ID).Status; got != store.TaskCanceled {
		t.Errorf("canceled task moved to %s", got)
	}

	var verr *ValidationError
	if err := h.c.CancelTask(ctx, task.ID); !errors.As(err, &verr) {
		t.Errorf("canceling twice: expected validation error, got %v", err)
	}
}

func TestCancelRunningShellTask(t *testing.T) {
	runner := &fakeRunner{block: true, started: make(chan shell.Command, 1)}
	h := newHarness(t, runner, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "sh", AgentCount: 1})
	task, err := h.c.CreateTask(ctx, sw.ID, TaskInput{
		Title:         "sleep",
		ExecutionMode: "shell",
		Command:       "sleep 60",
		TimeoutMs:     30000,
	})
	if err != nil {
		t.Fatal(err)
	}

	h.c.Tick(ctx)
	cmd := <-runner.started
	if cmd.Script != "sleep 60" || cmd.Timeout != 30*time.Second {
		t.Errorf("unexpected command: %+v", cmd)
	}
	if got := h.c.Health().ShellRuns; got != 1 {
		t.Fatalf("expected 1 shell run, got %d", got)
	}

	h.c.mu.Lock()
	run := h.c.runs[task.ID]
	h.c.mu.Unlock()

	if err := h.c.CancelTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case <-run.done:
	case <-time.After(5 * time.Second):
		t.Fatal("shell run did not stop after cancel")
	}

	if got := h.task(t, task.ID).Status; got != store.TaskCanceled {
		t.Errorf("expected canceled, got %s", got)
	}
	if got := h.c.Health().ShellRuns; got != 0 {
		t.Errorf("expected no shell runs left, got %d", got)
	}
	checkInvariants(t, h.c.View())
}

func TestShellTaskCompletes(t *testing.T) {
	tests := []struct {
		name   string
		result shell.Result
		want   store.TaskStatus
	}{
		{"success", shell.Result{OK: true, Stdout: "hello"}, store.TaskSucceeded},
		{"exit code", shell.Result{ExitCode: 2, Stderr: "boom"}, store.TaskFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: tt.result}
			h := newHarness(t, runner, nil)
			ctx := context.Background()
			sw := h.liveSwarm(t, SwarmInput{Name: "sh", AgentCount: 1})
			task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{
				Title:         "echo",
				ExecutionMode: "shell",
				Command:       "echo hello",
				MaxAttempts:   1,
			})

			h.c.Tick(ctx)
			h.c.mu.Lock()
			run := h.c.runs[task.ID]
			h.c.mu.Unlock()
			if run != nil {
				<-run.done
			}

			got := h.task(t, task.ID)
			if got.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.Status)
			}
			out := tt.result.Stdout + tt.result.Stderr
			if !strings.Contains(got.OutputPreview, out) {
				t.Errorf("output preview %q does not contain %q", got.OutputPreview, out)
			}
		})
	}
}

func TestShellDisabled(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.RuntimeConfig) { cfg.Shell.Enabled = false })
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "nosh", AgentCount: 1})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{
		Title:         "ls",
		ExecutionMode: "shell",
		Command:       "ls",
		MaxAttempts:   1,
	})

	h.c.Tick(ctx)
	h.clock.Advance(400 * time.Millisecond)
	h.c.Tick(ctx)

	got := h.task(t, task.ID)
	if got.Status != store.TaskFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.LastError != "Shell execution is disabled on this runtime." {
		t.Errorf("unexpected error %q", got.LastError)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw, _ := h.c.CreateSwarm(ctx, SwarmInput{Name: "v"})

	var verr *ValidationError
	if _, err := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "  "}); !errors.As(err, &verr) {
		t.Errorf("blank title: expected validation error, got %v", err)
	}
	if _, err := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "x", ExecutionMode: "shell"}); !errors.As(err, &verr) {
		t.Errorf("shell without command: expected validation error, got %v", err)
	}

	var nf *NotFoundError
	if _, err := h.c.CreateTask(ctx, "swarm_missing", TaskInput{Title: "x"}); !errors.As(err, &nf) || nf.Kind != "Swarm" {
		t.Errorf("unknown swarm: expected not found, got %v", err)
	}

	task, err := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "x", Priority: 9, TimeoutMs: 1, ExecutionMode: "bogus", Command: "ls"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Priority != 5 || task.TimeoutMs != 5000 || task.ExecutionMode != store.ModeSimulate || task.Command != "" {
		t.Errorf("task input not normalized: %+v", task)
	}
}

func TestNotFound(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	checks := map[string]error{
		"deploy": h.c.DeploySwarm(ctx, "nope"),
		"pause":  h.c.PauseSwarm(ctx, "nope"),
		"idea":   h.c.BroadcastIdea(ctx, "nope", "hi"),
		"retry":  h.c.RetryTask(ctx, "nope"),
		"cancel": h.c.CancelTask(ctx, "nope"),
		"revive": h.c.ReviveAgent(ctx, "nope"),
		"link":   h.c.LinkCredential(ctx, "nope", ""),
	}
	for name, err := range checks {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("%s: expected not found error, got %v", name, err)
		}
	}
}

func TestSeedTasks(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw, _ := h.c.CreateSwarm(ctx, SwarmInput{Name: "seed", Objective: "Scan markets. Draft copy, ship"})

	tasks, err := h.c.SeedTasks(ctx, sw.ID, 4)
	if err != nil {
		t.Fatal(err)
	}
	var titles []string
	var priorities []int
	for _, task := range tasks {
		titles = append(titles, task.Title)
		priorities = append(priorities, task.Priority)
	}
	wantTitles := []string{"Plan 1: Scan markets", "Plan 2: Draft copy", "Plan 3: ship", "Plan 4: Milestone 4"}
	if diff := cmp.Diff(wantTitles, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{5, 4, 3, 2}, priorities); diff != "" {
		t.Errorf("priorities mismatch (-want +got):\n%s", diff)
	}

	more, _ := h.c.SeedTasks(ctx, sw.ID, 50)
	if len(more) != 12 {
		t.Errorf("expected seed count capped at 12, got %d", len(more))
	}
}

func TestHeartbeatObstacle(t *testing.T) {
	tweak := func(cfg *config.RuntimeConfig) { cfg.HeartbeatObstacleChance = 1 }

	t.Run("auto adapt", func(t *testing.T) {
		h := newHarness(t, nil, tweak)
		sw := h.liveSwarm(t, SwarmInput{Name: "hb", AgentCount: 1})
		before := h.agent(t, sw.AgentIDs[0])

		h.clock.Advance(10 * time.Second)
		h.c.Tick(context.Background())

		a := h.agent(t, sw.AgentIDs[0])
		if a.Status != store.AgentRecovering || a.Obstacles != 1 || a.Recoveries != 1 {
			t.Errorf("unexpected agent after obstacle: %+v", a)
		}
		if a.Provider == before.Provider {
			t.Errorf("provider not switched from %s", before.Provider)
		}
		if a.LastHeartbeat == nil || a.NextBeatAt <= h.clock.Now().UnixMilli() {
			t.Errorf("heartbeat not stamped: %+v", a)
		}
	})

	t.Run("blocked then revived", func(t *testing.T) {
		h := newHarness(t, nil, tweak)
		ctx := context.Background()
		sw := h.liveSwarm(t, SwarmInput{Name: "hb", AgentCount: 1, AutoAdapt: boolPtr(false)})
		id := sw.AgentIDs[0]

		h.clock.Advance(10 * time.Second)
		h.c.Tick(ctx)
		if got := h.agent(t, id).Status; got != store.AgentBlocked {
			t.Fatalf("expected blocked, got %s", got)
		}
		if got := h.c.View().Metrics.BlockedAgents; got != 1 {
			t.Errorf("expected 1 blocked agent in metrics, got %d", got)
		}

		task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "stuck"})
		h.clock.Advance(30 * time.Second)
		h.c.Tick(ctx)
		if got := h.task(t, task.ID).Status; got != store.TaskQueued {
			t.Errorf("blocked agent took a task: %s", got)
		}

		if err := h.c.BroadcastIdea(ctx, sw.ID, "try harder"); err != nil {
			t.Fatal(err)
		}
		if got := h.agent(t, id).Status; got != store.AgentBlocked {
			t.Errorf("idea should not unblock without autoAdapt, got %s", got)
		}

		if err := h.c.ReviveAgent(ctx, id); err != nil {
			t.Fatal(err)
		}
		if got := h.agent(t, id).Status; got != store.AgentRunning {
			t.Errorf("expected running after revive, got %s", got)
		}
	})
}

func TestBroadcastIdeaRecoversBlocked(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "idea", AgentCount: 2})

	h.c.mu.Lock()
	h.c.doc.Agent(sw.AgentIDs[0]).Status = store.AgentBlocked
	h.c.mu.Unlock()

	var verr *ValidationError
	if err := h.c.BroadcastIdea(ctx, sw.ID, "   "); !errors.As(err, &verr) {
		t.Errorf("blank idea: expected validation error, got %v", err)
	}
	if err := h.c.BroadcastIdea(ctx, sw.ID, "pivot to mobile"); err != nil {
		t.Fatal(err)
	}
	if got := h.agent(t, sw.AgentIDs[0]).Status; got != store.AgentRecovering {
		t.Errorf("expected recovering, got %s", got)
	}
	if got := h.agent(t, sw.AgentIDs[1]).MessageCount; got != 1 {
		t.Errorf("expected message count 1, got %d", got)
	}
	if got := h.c.View().Swarms[0].IdeaCount; got != 1 {
		t.Errorf("expected idea count 1, got %d", got)
	}
}

func TestReviveNeedsLiveSwarm(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw, _ := h.c.CreateSwarm(ctx, SwarmInput{Name: "draft", AgentCount: 1})

	var verr *ValidationError
	if err := h.c.ReviveAgent(ctx, sw.AgentIDs[0]); !errors.As(err, &verr) {
		t.Errorf("expected validation error for draft swarm, got %v", err)
	}
}

func TestCredentials(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw, _ := h.c.CreateSwarm(ctx, SwarmInput{Name: "cred", AgentCount: 1})
	agentID := sw.AgentIDs[0]

	var verr *ValidationError
	if _, err := h.c.AddCredential(ctx, CredentialInput{Label: "x"}); !errors.As(err, &verr) {
		t.Errorf("missing fields: expected validation error, got %v", err)
	}

	cred, err := h.c.AddCredential(ctx, CredentialInput{Label: "GitHub bot", Platform: " GitHub ", Username: "bot", SecretRef: "vault://gh"})
	if err != nil {
		t.Fatal(err)
	}
	if cred.Platform != "github" {
		t.Errorf("expected lowercased platform, got %q", cred.Platform)
	}

	if err := h.c.LinkCredential(ctx, agentID, "cred_missing"); !errors.As(err, &verr) || verr.Msg != "Credential profile not found." {
		t.Errorf("unknown credential: expected validation error, got %v", err)
	}
	if err := h.c.LinkCredential(ctx, agentID, cred.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.agent(t, agentID).CredentialID; got != cred.ID {
		t.Errorf("expected credential linked, got %q", got)
	}
	if err := h.c.LinkCredential(ctx, agentID, ""); err != nil {
		t.Fatal(err)
	}
	if got := h.agent(t, agentID).CredentialID; got != "" {
		t.Errorf("expected credential unlinked, got %q", got)
	}
}

func TestRenameOrchestrator(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	var verr *ValidationError
	if err := h.c.RenameOrchestrator(ctx, " \t"); !errors.As(err, &verr) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := h.c.RenameOrchestrator(ctx, "  Overmind "); err != nil {
		t.Fatal(err)
	}
	if got := h.c.View().OrchestratorName; got != "Overmind" {
		t.Errorf("expected Overmind, got %q", got)
	}
}

func TestViewIsDetached(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "pure", AgentCount: 2})
	h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "a"})

	v := h.c.View()
	before := h.c.View()
	v.Swarms[0].AgentIDs[0] = "mutated"
	v.Swarms[0].Name = "mutated"
	v.Tasks[0].Status = store.TaskFailed
	v.Agents[0].Status = store.AgentBlocked

	after := h.c.View()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("mutating a view leaked into state (-before +after):\n%s", diff)
	}
}

func TestProjectMetrics(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-5 * time.Second)
	old := now.Add(-19 * time.Second)
	doc := store.DefaultDocument("p", "o", now)
	doc.Swarms = []*store.Swarm{
		{ID: "s1", Status: store.SwarmLive},
		{ID: "s2", Status: store.SwarmDraft},
	}
	doc.Agents = []*store.Agent{
		{ID: "a1", SwarmID: "s1", Status: store.AgentRunning, HeartbeatMs: 2000, LastHeartbeat: &fresh},
		{ID: "a2", SwarmID: "s1", Status: store.AgentBlocked, HeartbeatMs: 2000, LastHeartbeat: &old},
		{ID: "a3", SwarmID: "s2", Status: store.AgentIdle, HeartbeatMs: 8000},
		// 2*12s window beats the 18s floor.
		{ID: "a4", SwarmID: "s1", Status: store.AgentRecovering, HeartbeatMs: 12000, LastHeartbeat: &old},
	}
	doc.Tasks = []*store.Task{
		{ID: "t1", SwarmID: "s1", Status: store.TaskQueued, CreatedAt: now.Add(-time.Hour)},
		{ID: "t2", SwarmID: "s1", Status: store.TaskFailed, CreatedAt: now},
		{ID: "t3", SwarmID: "s2", Status: store.TaskSucceeded, CreatedAt: now.Add(-time.Minute)},
	}

	cat := catalog.Default()
	v := Project(doc, cat, now)

	want := Metrics{
		TotalSwarms:           2,
		LiveSwarms:            1,
		TotalAgents:           4,
		ActiveAgents:          2,
		BlockedAgents:         1,
		StaleHeartbeats:       2,
		CredentialProfiles:    len(doc.Credentials),
		ProviderCount:         len(cat.Providers()),
		AutomationModuleCount: len(cat.Modules()),
		TotalTasks:            3,
		QueuedTasks:           1,
		SucceededTasks:        1,
		FailedTasks:           1,
	}
	if diff := cmp.Diff(want, v.Metrics); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}

	data, err := json.Marshal(v.Metrics)
	if err != nil {
		t.Fatal(err)
	}
	var keys map[string]int
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatal(err)
	}
	wantKeys := map[string]int{
		"totalTasks": 3, "queuedTasks": 1, "runningTasks": 0,
		"succeededTasks": 1, "failedTasks": 1, "canceledTasks": 0,
	}
	for k, n := range wantKeys {
		got, ok := keys[k]
		if !ok || got != n {
			t.Errorf("metrics.%s = %d (present %v), want %d", k, got, ok, n)
		}
	}
	if v.Tasks[0].ID != "t2" || v.Tasks[2].ID != "t1" {
		t.Errorf("tasks not sorted newest first: %s, %s, %s", v.Tasks[0].ID, v.Tasks[1].ID, v.Tasks[2].ID)
	}
	if v.Swarms[0].TaskStats.Total != 2 || v.Swarms[1].TaskStats.Succeeded != 1 {
		t.Errorf("unexpected per swarm stats: %+v, %+v", v.Swarms[0].TaskStats, v.Swarms[1].TaskStats)
	}
	if doc.Tasks[0].ID != "t1" {
		t.Error("Project reordered the document")
	}
}

func TestActivityFilter(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.c.RecordActivity(ctx, store.LevelWarn, "warned", nil)
	h.c.RecordActivity(ctx, store.LevelError, "errored", map[string]string{"k": "v"})
	h.c.RecordActivity(ctx, store.LevelInfo, "noted", nil)

	all := h.c.Activity("", 10, 0)
	if len(all) != 4 || all[0].Message != "noted" {
		t.Fatalf("unexpected activity: %+v", all)
	}
	warn := h.c.Activity(store.LevelWarn, 10, 0)
	if len(warn) != 2 || warn[0].Message != "errored" || warn[1].Message != "warned" {
		t.Errorf("unexpected warn+ activity: %+v", warn)
	}
	page := h.c.Activity("", 1, 1)
	if len(page) != 1 || page[0].Message != "errored" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestActivityCapped(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.RuntimeConfig) { cfg.ActivityLimit = 5 })
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		h.c.RecordActivity(ctx, store.LevelInfo, "tick", nil)
	}
	if got := len(h.c.View().Activity); got != 5 {
		t.Errorf("expected activity capped at 5, got %d", got)
	}
}

func TestRestartRequeuesRunningTasks(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "restart", AgentCount: 1})
	task, _ := h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "interrupted"})
	h.c.Tick(ctx)
	if got := h.task(t, task.ID).Status; got != store.TaskRunning {
		t.Fatalf("expected running before restart, got %s", got)
	}

	c2 := NewCoordinator(ctx, h.st, catalog.Default(), nil, config.DefaultRuntime(), "test", "Prime")
	got, ok := c2.LookupTask(task.ID)
	if !ok {
		t.Fatal("task lost across restart")
	}
	if got.Status != store.TaskQueued || got.AssignedAgentID != "" || got.RunID != "" {
		t.Errorf("running task not requeued on restart: %+v", got)
	}
	a, _ := c2.LookupAgent(sw.AgentIDs[0])
	if a.CurrentTaskID != "" {
		t.Errorf("agent kept stale task %q", a.CurrentTaskID)
	}
	checkInvariants(t, c2.View())
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) PublishJSON(topic string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t, nil, nil)
	pub := &recordingPublisher{}
	h.c.SetEvents(pub)
	ctx := context.Background()
	sw := h.liveSwarm(t, SwarmInput{Name: "events", AgentCount: 1})
	h.c.CreateTask(ctx, sw.ID, TaskInput{Title: "t"})

	seen := map[string]int{}
	pub.mu.Lock()
	for _, topic := range pub.topics {
		seen[topic]++
	}
	pub.mu.Unlock()
	if seen["events.swarm"] != 2 || seen["events.task"] != 1 || seen["events.activity"] < 3 {
		t.Errorf("unexpected published topics: %v", seen)
	}
}

func TestRandomizedInvariants(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.RuntimeConfig) {
		cfg.HeartbeatObstacleChance = 0.2
		cfg.RunJitter = 2400 * time.Millisecond
	})
	h.c.SetRandom(rand.New(rand.NewPCG(7, 11)))
	ctx := context.Background()

	adapt := h.liveSwarm(t, SwarmInput{Name: "adapt", AgentCount: 3, HeartbeatMs: 2000})
	rigid := h.liveSwarm(t, SwarmInput{Name: "rigid", AgentCount: 2, HeartbeatMs: 2000, AutoAdapt: boolPtr(false)})
	h.c.SeedTasks(ctx, adapt.ID, 8)
	h.c.SeedTasks(ctx, rigid.ID, 6)

	attempts := map[string]int{}
	for i := 0; i < 300; i++ {
		h.clock.Advance(700 * time.Millisecond)
		h.c.Tick(ctx)
		v := h.c.View()
		checkInvariants(t, v)
		for _, task := range v.Tasks {
			if task.Attempts < attempts[task.ID] {
				t.Fatalf("attempts of %s went down from %d to %d", task.ID, attempts[task.ID], task.Attempts)
			}
			attempts[task.ID] = task.Attempts
		}
		switch i {
		case 100:
			h.c.PauseSwarm(ctx, adapt.ID)
		case 150:
			h.c.DeploySwarm(ctx, adapt.ID)
			for _, id := range rigid.AgentIDs {
				h.c.ReviveAgent(ctx, id)
			}
		}
	}
}
