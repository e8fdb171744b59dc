package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mtzanidakis/clawreform/internal/shell"
	"github.com/mtzanidakis/clawreform/internal/store"
)

var obstacles = []string{
	"provider timeout",
	"rate limit burst",
	"invalid auth handshake",
	"sandbox command failure",
	"model overloaded",
	"transient network split",
}

const (
	shellDisabledObstacle = "shell execution disabled"
	shellDisabledDelay    = 350 * time.Millisecond
	outputPreviewLimit    = 2200
)

// assignQueued pairs queued tasks with free agents, one live swarm at a
// time. Tasks go out by priority, oldest first within a priority; agents
// are taken in document order.
func (c *Coordinator) assignQueued(now time.Time) bool {
	changed := false
	for _, sw := range c.doc.Swarms {
		if !sw.Live() {
			continue
		}

		var queue []*store.Task
		for _, t := range c.doc.Tasks {
			if t.SwarmID == sw.ID && t.Status == store.TaskQueued {
				queue = append(queue, t)
			}
		}
		if len(queue) == 0 {
			continue
		}
		sort.SliceStable(queue, func(i, j int) bool {
			if queue[i].Priority != queue[j].Priority {
				return queue[i].Priority > queue[j].Priority
			}
			return queue[i].CreatedAt.Before(queue[j].CreatedAt)
		})

		var free []*store.Agent
		for _, a := range c.doc.Agents {
			if a.SwarmID == sw.ID && a.CurrentTaskID == "" &&
				a.Status != store.AgentPaused && a.Status != store.AgentBlocked {
				free = append(free, a)
			}
		}

		for len(queue) > 0 && len(free) > 0 {
			c.startRun(sw, free[0], queue[0], now)
			queue, free = queue[1:], free[1:]
			changed = true
		}
	}
	return changed
}

func (c *Coordinator) startRun(sw *store.Swarm, agent *store.Agent, task *store.Task, now time.Time) {
	if agent.Status == store.AgentRecovering {
		agent.Status = store.AgentRunning
	}
	// Execution identity is bound at dispatch, not at creation.
	if task.Provider == "" {
		task.Provider = agent.Provider
		if task.Provider == "" {
			task.Provider = sw.Provider
		}
	}
	if task.Model == "" {
		task.Model = agent.Model
		if task.Model == "" {
			task.Model = c.catalog.DefaultModel(task.Provider)
		}
	}

	started := now
	task.Status = store.TaskRunning
	task.StartedAt = &started
	task.EndedAt = nil
	task.AssignedAgentID = agent.ID
	task.Attempts++
	task.RunID = store.NewID("run")
	task.RunObstacle = obstacles[c.rnd.IntN(len(obstacles))]

	agent.CurrentTaskID = task.ID
	agent.Status = store.AgentExecuting
	agent.LastHeartbeat = &started

	switch {
	case task.ExecutionMode == store.ModeShell && (!c.cfg.Shell.Enabled || c.runner == nil):
		due := now.Add(shellDisabledDelay).UnixMilli()
		zero := 0.0
		task.RunCompleteAtMs = &due
		task.RunSuccessChance = &zero
		task.RunObstacle = shellDisabledObstacle
	case task.ExecutionMode == store.ModeShell:
		c.launchShell(task)
	default:
		due := now.Add(c.runDuration(task.Priority)).UnixMilli()
		chance := c.successChance(task.Priority, sw.AutoAdapt)
		task.RunCompleteAtMs = &due
		task.RunSuccessChance = &chance
	}

	c.addActivity(store.LevelInfo, fmt.Sprintf("%s started %q", agent.Name, task.Title), map[string]string{
		"swarmId":  sw.ID,
		"agentId":  agent.ID,
		"taskId":   task.ID,
		"provider": task.Provider,
		"model":    task.Model,
		"mode":     string(task.ExecutionMode),
		"attempt":  fmt.Sprint(task.Attempts),
	})
	c.publishTask(task)
}

// runDuration is how long a simulated run takes: higher priority finishes
// sooner.
func (c *Coordinator) runDuration(priority int) time.Duration {
	d := c.cfg.RunBase + time.Duration(6-priority)*c.cfg.RunPriorityWeight
	if c.cfg.RunJitter > 0 {
		d += time.Duration(c.rnd.IntN(int(c.cfg.RunJitter.Milliseconds()))) * time.Millisecond
	}
	return d
}

func (c *Coordinator) successChance(priority int, autoAdapt bool) float64 {
	p := c.cfg.BaseSuccessChance - float64(priority-3)*c.cfg.PriorityPenalty
	if autoAdapt {
		p += c.cfg.AutoAdaptBoost
	}
	return min(max(p, c.cfg.MinSuccessChance), c.cfg.MaxSuccessChance)
}

// processRunning finalizes simulated runs whose completion time has
// passed. Shell runs have no completion time and finish through
// completeShell instead.
func (c *Coordinator) processRunning(now time.Time) bool {
	changed := false
	nowMs := now.UnixMilli()
	for _, t := range c.doc.Tasks {
		if t.Status != store.TaskRunning || t.RunCompleteAtMs == nil || nowMs < *t.RunCompleteAtMs {
			continue
		}
		changed = true

		if t.RunObstacle == shellDisabledObstacle {
			c.finalizeFailure(t, "Shell execution is disabled on this runtime.", "", "shell disabled", now)
			continue
		}
		chance := 0.0
		if t.RunSuccessChance != nil {
			chance = *t.RunSuccessChance
		}
		if c.rnd.Float64() < chance {
			c.finalizeSuccess(t, fmt.Sprintf("Simulated run completed on %s/%s.", t.Provider, t.Model), "", now)
		} else {
			obstacle := t.RunObstacle
			if obstacle == "" {
				obstacle = obstacles[0]
			}
			c.finalizeFailure(t, "Obstacle: "+obstacle, "", obstacle, now)
		}
	}
	return changed
}

func (c *Coordinator) launchShell(task *store.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &inflight{runID: task.RunID, cancel: cancel, done: make(chan struct{})}
	c.runs[task.ID] = run

	taskID := task.ID
	cmd := shell.Command{
		Script:  task.Command,
		Dir:     task.ExecCwd,
		Timeout: time.Duration(task.TimeoutMs) * time.Millisecond,
	}
	runner := c.runner
	go func() {
		defer close(run.done)
		defer cancel()
		res := runner.Run(ctx, cmd)
		c.completeShell(taskID, run.runID, res)
	}()
}

// completeShell records the outcome of a shell process. It is a no-op when
// the task was canceled or has moved on to a different run.
func (c *Coordinator) completeShell(taskID, runID string, res shell.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.runs[taskID]; ok && r.runID == runID {
		delete(c.runs, taskID)
	}
	if c.closing {
		return
	}
	task := c.doc.Task(taskID)
	if task == nil || task.Status != store.TaskRunning || task.RunID != runID {
		return
	}

	now := c.now()
	output := res.Output()
	if res.OK {
		c.finalizeSuccess(task, res.Summary(), output, now)
	} else {
		reason := res.Summary()
		if res.Err != nil {
			reason = fmt.Sprintf("%s: %v", reason, res.Err)
		}
		c.finalizeFailure(task, reason, output, "shell command error", now)
	}
	c.persist(context.Background())
}

func (c *Coordinator) finalizeSuccess(task *store.Task, summary, output string, now time.Time) {
	if task.Status != store.TaskRunning {
		return
	}
	sw := c.doc.Swarm(task.SwarmID)
	agentID := task.AssignedAgentID

	ended := now
	task.Status = store.TaskSucceeded
	task.EndedAt = &ended
	task.LastError = ""
	task.OutputPreview = previewText(output, summary)
	task.ClearRun()
	if sw != nil {
		sw.CompletedTasks++
	}
	c.releaseAgent(task, sw, now)
	task.AssignedAgentID = ""

	c.addActivity(store.LevelInfo, fmt.Sprintf("Task %q succeeded", task.Title), map[string]string{
		"swarmId": task.SwarmID,
		"agentId": agentID,
		"taskId":  task.ID,
		"summary": store.SanitizeText(summary, ""),
	})
	c.publishTask(task)
}

// finalizeFailure records a failed run. With autoAdapt on and attempts
// left, the agent fails over to another provider and the task is
// requeued; otherwise the task fails for good.
func (c *Coordinator) finalizeFailure(task *store.Task, reason, output, hint string, now time.Time) {
	if task.Status != store.TaskRunning {
		return
	}
	sw := c.doc.Swarm(task.SwarmID)
	agent := c.doc.Agent(task.AssignedAgentID)

	task.LastError = store.SanitizeText(reason, "Unknown failure")
	task.OutputPreview = previewText(output, task.LastError)
	task.ClearRun()
	if agent != nil {
		agent.Obstacles++
	}

	if sw != nil && sw.AutoAdapt && task.Attempts < task.MaxAttempts {
		current := task.Provider
		if agent != nil && agent.Provider != "" {
			current = agent.Provider
		}
		if current == "" {
			current = sw.Provider
		}
		provider, model := c.catalog.Fallback(current, c.rnd.IntN)

		if agent != nil {
			agent.Provider = provider
			agent.Model = model
			agent.Recoveries++
			agent.Status = store.AgentRecovering
			agent.CurrentTaskID = ""
			if sw.Status == store.SwarmPaused {
				agent.Status = store.AgentPaused
			}
		}
		task.Status = store.TaskQueued
		task.AssignedAgentID = ""
		task.Provider = provider
		task.Model = model
		task.QueuedAt = now
		task.StartedAt = nil
		task.EndedAt = nil
		sw.ObstaclesResolved++

		c.addActivity(store.LevelWarn, fmt.Sprintf("Task %q hit %s; retrying on %s", task.Title, hint, provider), map[string]string{
			"swarmId":  sw.ID,
			"taskId":   task.ID,
			"attempt":  fmt.Sprint(task.Attempts),
			"provider": provider,
			"model":    model,
			"error":    task.LastError,
		})
		c.publishTask(task)
		return
	}

	agentID := task.AssignedAgentID
	ended := now
	task.Status = store.TaskFailed
	task.EndedAt = &ended
	c.releaseAgent(task, sw, now)
	task.AssignedAgentID = ""

	c.addActivity(store.LevelError, fmt.Sprintf("Task %q failed after %d attempt(s)", task.Title, task.Attempts), map[string]string{
		"swarmId": task.SwarmID,
		"agentId": agentID,
		"taskId":  task.ID,
		"error":   task.LastError,
	})
	c.publishTask(task)
	slog.Debug("task failed", "task", task.ID, "attempts", task.Attempts, "hint", hint)
}

// releaseAgent frees the agent bound to task. The agent's next status
// follows its swarm: paused swarms park it, a blocked agent without
// autoAdapt stays blocked, everything else goes back to running.
func (c *Coordinator) releaseAgent(task *store.Task, sw *store.Swarm, now time.Time) {
	agent := c.doc.Agent(task.AssignedAgentID)
	if agent == nil || agent.CurrentTaskID != task.ID {
		return
	}
	agent.CurrentTaskID = ""
	switch {
	case sw != nil && sw.Status == store.SwarmPaused:
		agent.Status = store.AgentPaused
	case agent.Status == store.AgentBlocked && (sw == nil || !sw.AutoAdapt):
	default:
		agent.Status = store.AgentRunning
	}
	t := now
	agent.LastTaskAt = &t
}

func previewText(output, fallback string) string {
	if output == "" {
		output = fallback
	}
	return shell.Preview(output, outputPreviewLimit)
}
