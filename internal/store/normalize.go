package store

import (
	"strings"
	"time"

	"github.com/mtzanidakis/clawreform/internal/catalog"
)

const (
	// MaxActivity is the default cap on the activity ring buffer.
	MaxActivity    = 300
	MaxCredentials = 100

	DefaultHeartbeatMs = 8000
	DefaultPriority    = 3
	DefaultMaxAttempts = 3
	DefaultTimeoutMs   = 90000
)

// Normalize repairs a decoded document in place so every invariant holds:
// numbers clamped, enums valid, references resolvable, no task left
// running. Tasks that were running when the process stopped are requeued
// since their run cannot be resumed. Applying Normalize twice with the same
// now yields the same document.
func Normalize(d *Document, cat *catalog.Catalog, now time.Time, activityLimit int) {
	if activityLimit <= 0 {
		activityLimit = MaxActivity
	}
	d.ProjectName = SanitizeText(d.ProjectName, "clawreform")
	d.OrchestratorName = SanitizeText(d.OrchestratorName, "Prime Orchestrator")
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}

	d.Swarms = normalizeSwarms(d.Swarms, cat, now)

	swarmIDs := make(map[string]bool, len(d.Swarms))
	for _, s := range d.Swarms {
		swarmIDs[s.ID] = true
	}

	d.Credentials = normalizeCredentials(d.Credentials, now)
	credIDs := make(map[string]bool, len(d.Credentials))
	for _, c := range d.Credentials {
		credIDs[c.ID] = true
	}

	d.Agents = normalizeAgents(d.Agents, d, cat, swarmIDs, credIDs, now)
	agentIDs := make(map[string]bool, len(d.Agents))
	for _, a := range d.Agents {
		agentIDs[a.ID] = true
	}

	d.Tasks = normalizeTasks(d.Tasks, cat, swarmIDs, now)

	// A running task has no live run after a restart; put it back in the
	// queue and free its agent.
	for _, t := range d.Tasks {
		if t.Status == TaskRunning {
			t.Status = TaskQueued
			t.QueuedAt = now
			t.StartedAt = nil
			t.EndedAt = nil
		}
		if t.Status != TaskRunning {
			t.AssignedAgentID = ""
			t.ClearRun()
		}
	}
	for _, a := range d.Agents {
		if a.CurrentTaskID != "" {
			t := d.Task(a.CurrentTaskID)
			if t == nil || t.Status != TaskRunning || t.AssignedAgentID != a.ID {
				a.CurrentTaskID = ""
			}
		}
		if a.CurrentTaskID == "" && a.Status == AgentExecuting {
			a.Status = AgentRunning
		}
	}

	// agentIds lists exactly the agents that point back at the swarm.
	owned := make(map[string]map[string]bool, len(d.Swarms))
	for _, a := range d.Agents {
		if owned[a.SwarmID] == nil {
			owned[a.SwarmID] = make(map[string]bool)
		}
		owned[a.SwarmID][a.ID] = true
	}
	for _, s := range d.Swarms {
		ids := make([]string, 0, len(s.AgentIDs))
		seen := make(map[string]bool, len(s.AgentIDs))
		for _, id := range s.AgentIDs {
			if owned[s.ID][id] && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		s.AgentIDs = ids
	}

	d.Activity = normalizeActivity(d.Activity, now, activityLimit)
}

func normalizeSwarms(in []*Swarm, cat *catalog.Catalog, now time.Time) []*Swarm {
	out := make([]*Swarm, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == nil || s.ID == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		s.Name = SanitizeText(s.Name, "Untitled Swarm")
		s.Objective = SanitizeText(s.Objective, "")
		s.Provider = catalog.ProviderID(s.Provider)
		s.Model = SanitizeText(s.Model, cat.DefaultModel(s.Provider))
		s.DeployTarget = SanitizeText(s.DeployTarget, "local")
		s.DeployCommand = SanitizeText(s.DeployCommand, "")
		s.HeartbeatMs = Clamp(s.HeartbeatMs, 2000, 60000, DefaultHeartbeatMs)
		switch s.Status {
		case SwarmDraft, SwarmLive, SwarmPaused:
		default:
			s.Status = SwarmDraft
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.CompletedTasks = max(s.CompletedTasks, 0)
		s.ObstaclesResolved = max(s.ObstaclesResolved, 0)
		s.IdeaCount = max(s.IdeaCount, 0)
		s.AutomationModules = cat.FilterModules(s.AutomationModules)
		if s.AgentIDs == nil {
			s.AgentIDs = []string{}
		}
		out = append(out, s)
	}
	return out
}

func normalizeCredentials(in []*Credential, now time.Time) []*Credential {
	out := make([]*Credential, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		if c == nil || c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		c.Label = SanitizeText(c.Label, "Credential")
		c.Platform = strings.ToLower(SanitizeText(c.Platform, "generic"))
		c.Username = SanitizeText(c.Username, "")
		c.SecretRef = SanitizeText(c.SecretRef, "")
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		out = append(out, c)
		if len(out) == MaxCredentials {
			break
		}
	}
	return out
}

func normalizeAgents(in []*Agent, d *Document, cat *catalog.Catalog, swarms, creds map[string]bool, now time.Time) []*Agent {
	out := make([]*Agent, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, a := range in {
		if a == nil || a.ID == "" || seen[a.ID] || !swarms[a.SwarmID] {
			continue
		}
		seen[a.ID] = true
		sw := d.Swarm(a.SwarmID)
		a.Name = SanitizeText(a.Name, "Agent")
		a.Role = SanitizeText(a.Role, "Generalist")
		switch a.Status {
		case AgentIdle, AgentRunning, AgentRecovering, AgentExecuting, AgentPaused, AgentBlocked:
		default:
			a.Status = AgentIdle
		}
		if strings.TrimSpace(a.Provider) == "" {
			a.Provider = sw.Provider
		}
		a.Provider = catalog.ProviderID(a.Provider)
		a.Model = SanitizeText(a.Model, cat.DefaultModel(a.Provider))
		a.HeartbeatMs = Clamp(a.HeartbeatMs, 2000, 60000, DefaultHeartbeatMs)
		if a.NextBeatAt <= 0 {
			a.NextBeatAt = now.UnixMilli() + 1400
		}
		a.Obstacles = max(a.Obstacles, 0)
		a.Recoveries = max(a.Recoveries, 0)
		a.MessageCount = max(a.MessageCount, 0)
		if a.CredentialID != "" && !creds[a.CredentialID] {
			a.CredentialID = ""
		}
		out = append(out, a)
	}
	return out
}

func normalizeTasks(in []*Task, cat *catalog.Catalog, swarms map[string]bool, now time.Time) []*Task {
	out := make([]*Task, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		if t == nil || t.ID == "" || seen[t.ID] || !swarms[t.SwarmID] {
			continue
		}
		seen[t.ID] = true
		t.Title = SanitizeText(t.Title, "Untitled Task")
		t.Details = SanitizeText(t.Details, "")
		switch t.Status {
		case TaskQueued, TaskRunning, TaskSucceeded, TaskFailed, TaskCanceled:
		default:
			t.Status = TaskQueued
		}
		t.Priority = Clamp(t.Priority, 1, 5, DefaultPriority)
		t.Command = SanitizeText(t.Command, "")
		t.ExecCwd = SanitizeText(t.ExecCwd, "")
		if t.ExecutionMode != ModeShell || t.Command == "" {
			t.ExecutionMode = ModeSimulate
			t.Command = ""
		}
		t.TimeoutMs = Clamp(t.TimeoutMs, 5000, 600000, DefaultTimeoutMs)
		t.MaxAttempts = Clamp(t.MaxAttempts, 1, 10, DefaultMaxAttempts)
		t.Attempts = max(t.Attempts, 0)
		if t.Provider != "" {
			t.Provider = catalog.ProviderID(t.Provider)
			t.Model = SanitizeText(t.Model, cat.DefaultModel(t.Provider))
		} else {
			t.Model = ""
		}
		t.OutputPreview = strings.TrimSpace(t.OutputPreview)
		t.LastError = SanitizeText(t.LastError, "")
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.QueuedAt.IsZero() {
			t.QueuedAt = t.CreatedAt
		}
		out = append(out, t)
	}
	return out
}

func normalizeActivity(in []ActivityEvent, now time.Time, limit int) []ActivityEvent {
	out := make([]ActivityEvent, 0, min(len(in), limit))
	for _, e := range in {
		if len(out) == limit {
			break
		}
		if e.ID == "" {
			continue
		}
		switch e.Level {
		case LevelInfo, LevelWarn, LevelError:
		default:
			e.Level = LevelInfo
		}
		e.Message = SanitizeText(e.Message, "Runtime event")
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		out = append(out, e)
	}
	return out
}
