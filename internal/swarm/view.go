package swarm

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/store"
)

const minStaleWindow = 18 * time.Second

// View is the read model served to dashboards. It shares nothing mutable
// with the coordinator's document.
type View struct {
	ProjectName       string                `json:"projectName"`
	OrchestratorName  string                `json:"orchestratorName"`
	Swarms            []SwarmView           `json:"swarms"`
	Agents            []store.Agent         `json:"agents"`
	Tasks             []store.Task          `json:"tasks"`
	Credentials       []store.Credential    `json:"credentials"`
	Activity          []store.ActivityEvent `json:"activity"`
	ProviderCatalog   []catalog.Provider    `json:"providerCatalog"`
	AutomationModules []catalog.Module      `json:"automationModules"`
	Metrics           Metrics               `json:"metrics"`
	UpdatedAt         time.Time             `json:"updatedAt"`
}

type SwarmView struct {
	store.Swarm
	TaskStats TaskStats `json:"taskStats"`
}

// UnmarshalJSON keeps taskStats, which the promoted Swarm decoder drops.
func (v *SwarmView) UnmarshalJSON(data []byte) error {
	if err := v.Swarm.UnmarshalJSON(data); err != nil {
		return err
	}
	var aux struct {
		TaskStats TaskStats `json:"taskStats"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	v.TaskStats = aux.TaskStats
	return nil
}

type TaskStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

func (s *TaskStats) add(status store.TaskStatus) {
	s.Total++
	switch status {
	case store.TaskQueued:
		s.Queued++
	case store.TaskRunning:
		s.Running++
	case store.TaskSucceeded:
		s.Succeeded++
	case store.TaskFailed:
		s.Failed++
	case store.TaskCanceled:
		s.Canceled++
	}
}

type Metrics struct {
	TotalSwarms     int       `json:"totalSwarms"`
	LiveSwarms      int       `json:"liveSwarms"`
	TotalAgents     int       `json:"totalAgents"`
	ActiveAgents    int       `json:"activeAgents"`
	BlockedAgents   int       `json:"blockedAgents"`
	StaleHeartbeats int       `json:"staleHeartbeats"`

	CredentialProfiles    int `json:"credentialProfiles"`
	ProviderCount         int `json:"providerCount"`
	AutomationModuleCount int `json:"automationModuleCount"`

	TotalTasks     int `json:"totalTasks"`
	QueuedTasks    int `json:"queuedTasks"`
	RunningTasks   int `json:"runningTasks"`
	SucceededTasks int `json:"succeededTasks"`
	FailedTasks    int `json:"failedTasks"`
	CanceledTasks  int `json:"canceledTasks"`
}

func (m *Metrics) setTasks(s TaskStats) {
	m.TotalTasks = s.Total
	m.QueuedTasks = s.Queued
	m.RunningTasks = s.Running
	m.SucceededTasks = s.Succeeded
	m.FailedTasks = s.Failed
	m.CanceledTasks = s.Canceled
}

// Project builds the view of doc at now. It does not modify doc.
func Project(doc *store.Document, cat *catalog.Catalog, now time.Time) View {
	v := View{
		ProjectName:       doc.ProjectName,
		OrchestratorName:  doc.OrchestratorName,
		Swarms:            make([]SwarmView, 0, len(doc.Swarms)),
		Agents:            make([]store.Agent, 0, len(doc.Agents)),
		Tasks:             make([]store.Task, 0, len(doc.Tasks)),
		Credentials:       make([]store.Credential, 0, len(doc.Credentials)),
		Activity:          append([]store.ActivityEvent{}, doc.Activity...),
		ProviderCatalog:   cat.Providers(),
		AutomationModules: cat.Modules(),
		UpdatedAt:         doc.UpdatedAt,
	}

	var all TaskStats
	perSwarm := make(map[string]*TaskStats, len(doc.Swarms))
	for _, sw := range doc.Swarms {
		perSwarm[sw.ID] = &TaskStats{}
	}
	for _, t := range doc.Tasks {
		if s, ok := perSwarm[t.SwarmID]; ok {
			s.add(t.Status)
		}
		all.add(t.Status)
		v.Tasks = append(v.Tasks, *t)
	}
	v.Metrics.setTasks(all)
	sort.SliceStable(v.Tasks, func(i, j int) bool {
		return v.Tasks[i].CreatedAt.After(v.Tasks[j].CreatedAt)
	})

	for _, sw := range doc.Swarms {
		cp := *sw
		cp.AgentIDs = append([]string{}, sw.AgentIDs...)
		cp.AutomationModules = append([]string{}, sw.AutomationModules...)
		v.Swarms = append(v.Swarms, SwarmView{Swarm: cp, TaskStats: *perSwarm[sw.ID]})
		v.Metrics.TotalSwarms++
		if sw.Live() {
			v.Metrics.LiveSwarms++
		}
	}

	for _, a := range doc.Agents {
		v.Agents = append(v.Agents, *a)
		v.Metrics.TotalAgents++
		switch a.Status {
		case store.AgentRunning, store.AgentExecuting, store.AgentRecovering:
			v.Metrics.ActiveAgents++
		case store.AgentBlocked:
			v.Metrics.BlockedAgents++
		}
		if stale(a, now) {
			v.Metrics.StaleHeartbeats++
		}
	}

	for _, c := range doc.Credentials {
		v.Credentials = append(v.Credentials, *c)
	}
	v.Metrics.CredentialProfiles = len(v.Credentials)
	v.Metrics.ProviderCount = len(v.ProviderCatalog)
	v.Metrics.AutomationModuleCount = len(v.AutomationModules)
	return v
}

// stale reports whether an agent has missed its heartbeat window: twice
// its interval, but never less than minStaleWindow.
func stale(a *store.Agent, now time.Time) bool {
	if a.LastHeartbeat == nil {
		return true
	}
	window := max(2*time.Duration(a.HeartbeatMs)*time.Millisecond, minStaleWindow)
	return now.Sub(*a.LastHeartbeat) > window
}

// Activity returns a page of the activity log, newest first. An empty
// level returns every level; otherwise only events at or above level.
func (c *Coordinator) Activity(level store.Level, limit, offset int) []store.ActivityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	offset = max(offset, 0)
	out := make([]store.ActivityEvent, 0, limit)
	skipped := 0
	for _, ev := range c.doc.Activity {
		if level != "" && ev.Level.Rank() < level.Rank() {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out
}
