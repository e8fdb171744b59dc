package store

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Keys of the documents kept in a backend.
const (
	StateKey    = "state.v1"
	WaitlistKey = "waitlist.v1"
)

const maxTextLen = 240

type SwarmStatus string

const (
	SwarmDraft  SwarmStatus = "draft"
	SwarmLive   SwarmStatus = "live"
	SwarmPaused SwarmStatus = "paused"
)

type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentRunning    AgentStatus = "running"
	AgentRecovering AgentStatus = "recovering"
	AgentExecuting  AgentStatus = "executing"
	AgentPaused     AgentStatus = "paused"
	AgentBlocked    AgentStatus = "blocked"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

type ExecutionMode string

const (
	ModeSimulate ExecutionMode = "simulate"
	ModeShell    ExecutionMode = "shell"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Rank orders levels for threshold checks.
func (l Level) Rank() int {
	switch l {
	case LevelWarn:
		return 1
	case LevelError:
		return 2
	}
	return 0
}

// Document is the whole persisted state of the control plane.
type Document struct {
	ProjectName      string          `json:"projectName"`
	OrchestratorName string          `json:"orchestratorName"`
	Swarms           []*Swarm        `json:"swarms"`
	Agents           []*Agent        `json:"agents"`
	Tasks            []*Task         `json:"tasks"`
	Credentials      []*Credential   `json:"credentials"`
	Activity         []ActivityEvent `json:"activity"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type Swarm struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Objective         string      `json:"objective"`
	Provider          string      `json:"provider"`
	Model             string      `json:"model"`
	DeployTarget      string      `json:"deployTarget"`
	DeployCommand     string      `json:"deployCommand"`
	AutoAdapt         bool        `json:"autoAdapt"`
	HeartbeatMs       int         `json:"heartbeatMs"`
	Status            SwarmStatus `json:"status"`
	CreatedAt         time.Time   `json:"createdAt"`
	LastDeployedAt    *time.Time  `json:"lastDeployedAt"`
	CompletedTasks    int         `json:"completedTasks"`
	ObstaclesResolved int         `json:"obstaclesResolved"`
	IdeaCount         int         `json:"ideaCount"`
	AutomationModules []string    `json:"automationModules"`
	AgentIDs          []string    `json:"agentIds"`
}

// UnmarshalJSON treats a missing autoAdapt as enabled.
func (s *Swarm) UnmarshalJSON(data []byte) error {
	type plain Swarm
	p := plain{AutoAdapt: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Swarm(p)
	return nil
}

func (s *Swarm) Live() bool { return s.Status == SwarmLive }

type Agent struct {
	ID            string      `json:"id"`
	SwarmID       string      `json:"swarmId"`
	Name          string      `json:"name"`
	Role          string      `json:"role"`
	Status        AgentStatus `json:"status"`
	Provider      string      `json:"provider"`
	Model         string      `json:"model"`
	HeartbeatMs   int         `json:"heartbeatMs"`
	NextBeatAt    int64       `json:"nextBeatAt"`
	LastHeartbeat *time.Time  `json:"lastHeartbeat"`
	CurrentTaskID string      `json:"currentTaskId"`
	Obstacles     int         `json:"obstacles"`
	Recoveries    int         `json:"recoveries"`
	MessageCount  int         `json:"messageCount"`
	CredentialID  string      `json:"credentialId"`
	LastTaskAt    *time.Time  `json:"lastTaskAt"`
}

type Task struct {
	ID              string        `json:"id"`
	SwarmID         string        `json:"swarmId"`
	Title           string        `json:"title"`
	Details         string        `json:"details"`
	Status          TaskStatus    `json:"status"`
	Priority        int           `json:"priority"`
	ExecutionMode   ExecutionMode `json:"executionMode"`
	Command         string        `json:"command"`
	ExecCwd         string        `json:"execCwd"`
	TimeoutMs       int           `json:"timeoutMs"`
	Attempts        int           `json:"attempts"`
	MaxAttempts     int           `json:"maxAttempts"`
	AssignedAgentID string        `json:"assignedAgentId"`
	Provider        string        `json:"provider"`
	Model           string        `json:"model"`
	OutputPreview   string        `json:"outputPreview"`
	LastError       string        `json:"lastError"`
	CreatedAt       time.Time     `json:"createdAt"`
	QueuedAt        time.Time     `json:"queuedAt"`
	StartedAt       *time.Time    `json:"startedAt"`
	EndedAt         *time.Time    `json:"endedAt"`

	// Bookkeeping for the run in flight. All of it is cleared when the run
	// is finalized.
	RunID            string   `json:"runId,omitempty"`
	RunCompleteAtMs  *int64   `json:"runCompleteAtMs,omitempty"`
	RunSuccessChance *float64 `json:"runSuccessChance,omitempty"`
	RunObstacle      string   `json:"runObstacle,omitempty"`
}

// ClearRun drops the in-flight run bookkeeping.
func (t *Task) ClearRun() {
	t.RunID = ""
	t.RunCompleteAtMs = nil
	t.RunSuccessChance = nil
	t.RunObstacle = ""
}

type Credential struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Platform  string    `json:"platform"`
	Username  string    `json:"username"`
	SecretRef string    `json:"secretRef"`
	CreatedAt time.Time `json:"createdAt"`
}

type ActivityEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context"`
}

// DefaultDocument is the state of a fresh install.
func DefaultDocument(projectName, orchestratorName string, now time.Time) *Document {
	if projectName == "" {
		projectName = "clawreform"
	}
	if orchestratorName == "" {
		orchestratorName = "Prime Orchestrator"
	}
	return &Document{
		ProjectName:      projectName,
		OrchestratorName: orchestratorName,
		Swarms:           []*Swarm{},
		Agents:           []*Agent{},
		Tasks:            []*Task{},
		Credentials:      []*Credential{},
		Activity:         []ActivityEvent{},
		UpdatedAt:        now,
	}
}

// Swarm lookups are linear; documents stay small.

func (d *Document) Swarm(id string) *Swarm {
	for _, s := range d.Swarms {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (d *Document) Agent(id string) *Agent {
	for _, a := range d.Agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (d *Document) Task(id string) *Task {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (d *Document) Credential(id string) *Credential {
	for _, c := range d.Credentials {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// NewID returns a prefixed random id such as "task_3f9a0c1b2d4e5f6a7b".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:18]
}

// SanitizeText trims s and caps it at 240 runes. An empty result yields
// fallback.
func SanitizeText(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if utf8.RuneCountInString(s) > maxTextLen {
		s = strings.TrimSpace(string([]rune(s)[:maxTextLen]))
	}
	return s
}

// Clamp bounds v to [lo, hi]. Zero means "unset" and yields def.
func Clamp(v, lo, hi, def int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
