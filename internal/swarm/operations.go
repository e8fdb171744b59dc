package swarm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/store"
)

var rolePool = []string{
	"Research Scout",
	"Task Planner",
	"Execution Builder",
	"Verification Analyst",
	"Deploy Operator",
	"Comms Liaison",
}

const (
	defaultObjective = "Execute cross-platform tasks autonomously."
	canceledMessage  = "Canceled by operator"
)

var objectiveSplit = regexp.MustCompile(`[.,;]`)

type SwarmInput struct {
	Name          string   `json:"name"`
	Objective     string   `json:"objective"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	DeployTarget  string   `json:"deployTarget"`
	DeployCommand string   `json:"deployCommand"`
	AutoAdapt     *bool    `json:"autoAdapt"`
	HeartbeatMs   int      `json:"heartbeatMs"`
	AgentCount    int      `json:"agentCount"`
	ModuleIDs     []string `json:"moduleIds"`
}

type TaskInput struct {
	Title         string `json:"title"`
	Details       string `json:"details"`
	Priority      int    `json:"priority"`
	ExecutionMode string `json:"executionMode"`
	Command       string `json:"command"`
	ExecCwd       string `json:"execCwd"`
	TimeoutMs     int    `json:"timeoutMs"`
	MaxAttempts   int    `json:"maxAttempts"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
}

type CredentialInput struct {
	Label     string `json:"label"`
	Platform  string `json:"platform"`
	Username  string `json:"username"`
	SecretRef string `json:"secretRef"`
}

// RenameOrchestrator changes the display name of the orchestrator.
func (c *Coordinator) RenameOrchestrator(ctx context.Context, name string) error {
	name = store.SanitizeText(name, "")
	if name == "" {
		return invalid("Orchestrator name is required.")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.doc.OrchestratorName = name
	c.addActivity(store.LevelInfo, "Orchestrator renamed to "+name, nil)
	c.persist(ctx)
	return nil
}

func (c *Coordinator) AddCredential(ctx context.Context, in CredentialInput) (*store.Credential, error) {
	label := store.SanitizeText(in.Label, "")
	username := store.SanitizeText(in.Username, "")
	secretRef := store.SanitizeText(in.SecretRef, "")
	if label == "" || username == "" || secretRef == "" {
		return nil, invalid("Label, username, and secretRef are required.")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cred := &store.Credential{
		ID:        store.NewID("cred"),
		Label:     label,
		Platform:  strings.ToLower(store.SanitizeText(in.Platform, "generic")),
		Username:  username,
		SecretRef: secretRef,
		CreatedAt: c.now(),
	}
	c.doc.Credentials = append([]*store.Credential{cred}, c.doc.Credentials...)
	if len(c.doc.Credentials) > store.MaxCredentials {
		c.doc.Credentials = c.doc.Credentials[:store.MaxCredentials]
	}
	c.addActivity(store.LevelInfo, fmt.Sprintf("Credential profile %q added", label), map[string]string{
		"credentialId": cred.ID,
		"platform":     cred.Platform,
	})
	c.persist(ctx)

	out := *cred
	return &out, nil
}

// CreateSwarm registers a draft swarm with its agents.
func (c *Coordinator) CreateSwarm(ctx context.Context, in SwarmInput) (*store.Swarm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	provider := catalog.ProviderID(in.Provider)
	autoAdapt := in.AutoAdapt == nil || *in.AutoAdapt
	sw := &store.Swarm{
		ID:                store.NewID("swarm"),
		Name:              store.SanitizeText(in.Name, "Untitled Swarm"),
		Objective:         store.SanitizeText(in.Objective, defaultObjective),
		Provider:          provider,
		Model:             store.SanitizeText(in.Model, c.catalog.DefaultModel(provider)),
		DeployTarget:      store.SanitizeText(in.DeployTarget, "local"),
		DeployCommand:     store.SanitizeText(in.DeployCommand, ""),
		AutoAdapt:         autoAdapt,
		HeartbeatMs:       store.Clamp(in.HeartbeatMs, 2000, 60000, store.DefaultHeartbeatMs),
		Status:            store.SwarmDraft,
		CreatedAt:         now,
		AutomationModules: c.catalog.FilterModules(in.ModuleIDs),
		AgentIDs:          []string{},
	}

	count := store.Clamp(in.AgentCount, 1, 24, 4)
	for i := 0; i < count; i++ {
		a := &store.Agent{
			ID:          store.NewID("agent"),
			SwarmID:     sw.ID,
			Name:        fmt.Sprintf("%s • %d", sw.Name, i+1),
			Role:        rolePool[i%len(rolePool)],
			Status:      store.AgentIdle,
			Provider:    sw.Provider,
			Model:       sw.Model,
			HeartbeatMs: sw.HeartbeatMs,
			NextBeatAt:  now.UnixMilli() + 2000 + int64(c.rnd.IntN(5000)),
		}
		sw.AgentIDs = append(sw.AgentIDs, a.ID)
		c.doc.Agents = append(c.doc.Agents, a)
	}
	c.doc.Swarms = append([]*store.Swarm{sw}, c.doc.Swarms...)

	c.addActivity(store.LevelInfo, fmt.Sprintf("Swarm %q created with %d agents", sw.Name, count), map[string]string{
		"swarmId":  sw.ID,
		"provider": sw.Provider,
		"model":    sw.Model,
	})
	c.publishSwarm(sw, "created")
	c.persist(ctx)

	out := *sw
	out.AgentIDs = append([]string(nil), sw.AgentIDs...)
	out.AutomationModules = append([]string(nil), sw.AutomationModules...)
	return &out, nil
}

// DeploySwarm makes a swarm live. Idle agents start beating shortly after;
// a configured deploy command is queued as a top priority shell task.
func (c *Coordinator) DeploySwarm(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sw := c.doc.Swarm(id)
	if sw == nil {
		return notFound("Swarm", id)
	}
	now := c.now()
	deployed := now
	sw.Status = store.SwarmLive
	sw.LastDeployedAt = &deployed

	for _, a := range c.doc.Agents {
		if a.SwarmID != sw.ID {
			continue
		}
		switch {
		case a.CurrentTaskID != "":
			a.Status = store.AgentExecuting
		case a.Status == store.AgentBlocked && !sw.AutoAdapt:
		default:
			a.Status = store.AgentRunning
			a.NextBeatAt = now.UnixMilli() + 400 + int64(c.rnd.IntN(1200))
		}
	}
	c.addActivity(store.LevelInfo, fmt.Sprintf("Swarm %q deployed to %s", sw.Name, sw.DeployTarget), map[string]string{
		"swarmId": sw.ID,
		"target":  sw.DeployTarget,
	})

	if sw.DeployCommand != "" {
		task := c.newTask(sw, TaskInput{
			Title:         "Deploy " + sw.Name,
			Details:       "Deploy command for " + sw.DeployTarget,
			Priority:      5,
			ExecutionMode: string(store.ModeShell),
			Command:       sw.DeployCommand,
			TimeoutMs:     180000,
			MaxAttempts:   2,
		})
		c.addActivity(store.LevelInfo, fmt.Sprintf("Deploy command queued for %q", sw.Name), map[string]string{
			"swarmId": sw.ID,
			"taskId":  task.ID,
		})
	}
	c.publishSwarm(sw, "deployed")
	c.persist(ctx)
	return nil
}

// PauseSwarm stops dispatch for a swarm. Agents that are mid-task finish
// their run and park afterwards.
func (c *Coordinator) PauseSwarm(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sw := c.doc.Swarm(id)
	if sw == nil {
		return notFound("Swarm", id)
	}
	sw.Status = store.SwarmPaused
	for _, a := range c.doc.Agents {
		if a.SwarmID == sw.ID && a.CurrentTaskID == "" {
			a.Status = store.AgentPaused
		}
	}
	c.addActivity(store.LevelWarn, fmt.Sprintf("Swarm %q paused", sw.Name), map[string]string{"swarmId": sw.ID})
	c.publishSwarm(sw, "paused")
	c.persist(ctx)
	return nil
}

// BroadcastIdea sends an operator message to every active agent of a
// swarm. Blocked agents of an autoAdapt swarm take it as a cue to recover.
func (c *Coordinator) BroadcastIdea(ctx context.Context, id, message string) error {
	message = store.SanitizeText(message, "")
	if message == "" {
		return invalid("Idea message is required.")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	sw := c.doc.Swarm(id)
	if sw == nil {
		return notFound("Swarm", id)
	}
	sw.IdeaCount++
	reached := 0
	for _, a := range c.doc.Agents {
		if a.SwarmID != sw.ID || a.Status == store.AgentPaused {
			continue
		}
		a.MessageCount++
		reached++
		if a.Status == store.AgentBlocked && sw.AutoAdapt {
			a.Status = store.AgentRecovering
		}
	}
	c.addActivity(store.LevelInfo, fmt.Sprintf("Idea broadcast to %q: %s", sw.Name, message), map[string]string{
		"swarmId": sw.ID,
		"agents":  fmt.Sprint(reached),
	})
	c.persist(ctx)
	return nil
}

func (c *Coordinator) CreateTask(ctx context.Context, swarmID string, in TaskInput) (*store.Task, error) {
	if store.SanitizeText(in.Title, "") == "" {
		return nil, invalid("Task title is required.")
	}
	if strings.EqualFold(strings.TrimSpace(in.ExecutionMode), string(store.ModeShell)) && store.SanitizeText(in.Command, "") == "" {
		return nil, invalid("Shell tasks require a command.")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sw := c.doc.Swarm(swarmID)
	if sw == nil {
		return nil, notFound("Swarm", swarmID)
	}
	task := c.newTask(sw, in)
	c.addActivity(store.LevelInfo, fmt.Sprintf("Task %q queued for %q", task.Title, sw.Name), map[string]string{
		"swarmId":  sw.ID,
		"taskId":   task.ID,
		"mode":     string(task.ExecutionMode),
		"priority": fmt.Sprint(task.Priority),
	})
	c.persist(ctx)

	out := *task
	return &out, nil
}

// SeedTasks queues count planning tasks derived from the swarm objective.
func (c *Coordinator) SeedTasks(ctx context.Context, swarmID string, count int) ([]store.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sw := c.doc.Swarm(swarmID)
	if sw == nil {
		return nil, notFound("Swarm", swarmID)
	}
	count = store.Clamp(count, 1, 12, 4)

	var fragments []string
	for _, f := range objectiveSplit.Split(sw.Objective, -1) {
		if f = strings.TrimSpace(f); f != "" {
			fragments = append(fragments, f)
		}
	}

	created := make([]store.Task, 0, count)
	for i := 0; i < count; i++ {
		track := fmt.Sprintf("Milestone %d", i+1)
		if i < len(fragments) {
			track = fragments[i]
		}
		task := c.newTask(sw, TaskInput{
			Title:    fmt.Sprintf("Plan %d: %s", i+1, track),
			Details:  "Autogenerated objective track for " + sw.Name,
			Priority: min(max(5-i, 2), 5),
		})
		created = append(created, *task)
	}
	c.addActivity(store.LevelInfo, fmt.Sprintf("Seeded %d tasks for %q", count, sw.Name), map[string]string{"swarmId": sw.ID})
	c.persist(ctx)
	return created, nil
}

// newTask builds a queued task from sanitized input and prepends it to the
// document. Provider and model stay empty unless given; they are bound
// when the task is dispatched.
func (c *Coordinator) newTask(sw *store.Swarm, in TaskInput) *store.Task {
	now := c.now()
	mode := store.ModeSimulate
	command := store.SanitizeText(in.Command, "")
	if strings.EqualFold(strings.TrimSpace(in.ExecutionMode), string(store.ModeShell)) && command != "" {
		mode = store.ModeShell
	} else {
		command = ""
	}

	task := &store.Task{
		ID:            store.NewID("task"),
		SwarmID:       sw.ID,
		Title:         store.SanitizeText(in.Title, "Untitled Task"),
		Details:       store.SanitizeText(in.Details, ""),
		Status:        store.TaskQueued,
		Priority:      store.Clamp(in.Priority, 1, 5, store.DefaultPriority),
		ExecutionMode: mode,
		Command:       command,
		ExecCwd:       store.SanitizeText(in.ExecCwd, ""),
		TimeoutMs:     store.Clamp(in.TimeoutMs, 5000, 600000, store.DefaultTimeoutMs),
		MaxAttempts:   store.Clamp(in.MaxAttempts, 1, 10, store.DefaultMaxAttempts),
		CreatedAt:     now,
		QueuedAt:      now,
	}
	if p := strings.TrimSpace(in.Provider); p != "" {
		task.Provider = catalog.ProviderID(p)
		task.Model = store.SanitizeText(in.Model, c.catalog.DefaultModel(task.Provider))
	}
	c.doc.Tasks = append([]*store.Task{task}, c.doc.Tasks...)
	c.publishTask(task)
	return task
}

// RetryTask puts a failed or canceled task back in the queue. Attempts are
// kept, so a task that exhausted maxAttempts gets exactly one more run
// before failing again.
func (c *Coordinator) RetryTask(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := c.doc.Task(id)
	if task == nil {
		return notFound("Task", id)
	}
	sw := c.doc.Swarm(task.SwarmID)
	if sw == nil {
		return notFound("Swarm", task.SwarmID)
	}
	switch task.Status {
	case store.TaskRunning:
		return invalid("Task is currently running.")
	case store.TaskFailed, store.TaskCanceled:
	default:
		return invalid("Only failed or canceled tasks can be retried.")
	}

	task.Status = store.TaskQueued
	task.AssignedAgentID = ""
	task.LastError = ""
	task.QueuedAt = c.now()
	task.StartedAt = nil
	task.EndedAt = nil
	task.ClearRun()

	c.addActivity(store.LevelInfo, fmt.Sprintf("Task %q requeued by operator", task.Title), map[string]string{
		"swarmId": sw.ID,
		"taskId":  task.ID,
	})
	c.publishTask(task)
	c.persist(ctx)
	return nil
}

// CancelTask stops a queued or running task. A running shell process is
// killed and its agent released immediately.
func (c *Coordinator) CancelTask(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := c.doc.Task(id)
	if task == nil {
		return notFound("Task", id)
	}
	if task.Status != store.TaskQueued && task.Status != store.TaskRunning {
		return invalid("Task has already finished.")
	}

	if r, ok := c.runs[task.ID]; ok {
		r.cancel()
		delete(c.runs, task.ID)
	}
	now := c.now()
	if task.Status == store.TaskRunning {
		c.releaseAgent(task, c.doc.Swarm(task.SwarmID), now)
	}

	ended := now
	task.Status = store.TaskCanceled
	task.EndedAt = &ended
	task.LastError = canceledMessage
	task.AssignedAgentID = ""
	task.ClearRun()

	c.addActivity(store.LevelWarn, fmt.Sprintf("Task %q canceled", task.Title), map[string]string{
		"swarmId": task.SwarmID,
		"taskId":  task.ID,
	})
	c.publishTask(task)
	c.persist(ctx)
	return nil
}

// ReviveAgent clears a blocked or paused agent of a live swarm and
// schedules an early heartbeat.
func (c *Coordinator) ReviveAgent(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.doc.Agent(id)
	if a == nil {
		return notFound("Agent", id)
	}
	sw := c.doc.Swarm(a.SwarmID)
	if sw == nil || !sw.Live() {
		return invalid("Swarm must be live to revive an agent.")
	}
	if a.CurrentTaskID == "" {
		a.Status = store.AgentRunning
	}
	a.NextBeatAt = c.now().UnixMilli() + 400

	c.addActivity(store.LevelInfo, a.Name+" revived by operator", map[string]string{
		"swarmId": sw.ID,
		"agentId": a.ID,
	})
	c.persist(ctx)
	return nil
}

// LinkCredential binds a credential profile to an agent. An empty
// credentialID unlinks.
func (c *Coordinator) LinkCredential(ctx context.Context, agentID, credentialID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.doc.Agent(agentID)
	if a == nil {
		return notFound("Agent", agentID)
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		a.CredentialID = ""
		c.addActivity(store.LevelInfo, "Credential unlinked from "+a.Name, map[string]string{"agentId": a.ID})
		c.persist(ctx)
		return nil
	}
	cred := c.doc.Credential(credentialID)
	if cred == nil {
		return invalid("Credential profile not found.")
	}
	a.CredentialID = cred.ID
	c.addActivity(store.LevelInfo, fmt.Sprintf("Credential %q linked to %s", cred.Label, a.Name), map[string]string{
		"agentId":      a.ID,
		"credentialId": cred.ID,
	})
	c.persist(ctx)
	return nil
}

// RecordActivity appends an externally generated event to the activity
// log.
func (c *Coordinator) RecordActivity(ctx context.Context, level store.Level, message string, fields map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addActivity(level, message, fields)
	c.persist(ctx)
}

// LookupTask returns a copy of a task.
func (c *Coordinator) LookupTask(id string) (store.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.doc.Task(id)
	if t == nil {
		return store.Task{}, false
	}
	return *t, true
}

// LookupAgent returns a copy of an agent.
func (c *Coordinator) LookupAgent(id string) (store.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.doc.Agent(id)
	if a == nil {
		return store.Agent{}, false
	}
	return *a, true
}
