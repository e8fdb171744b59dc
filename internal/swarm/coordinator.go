// Package swarm owns the control plane state: swarms, their agents and the
// task lifecycle. A single Coordinator serializes every mutation, whether
// it comes from the tick loop, an API call or a finished shell process.
package swarm

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/natsbus"
	"github.com/mtzanidakis/clawreform/internal/shell"
	"github.com/mtzanidakis/clawreform/internal/store"
)

// Random is the source of every random decision the coordinator makes.
// *rand.Rand from math/rand/v2 satisfies it.
type Random interface {
	Float64() float64
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// Runner executes shell-mode tasks. It must return when ctx is canceled.
type Runner interface {
	Run(ctx context.Context, cmd shell.Command) shell.Result
}

// Publisher receives coordinator events. natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// inflight tracks a shell process so cancel can stop it.
type inflight struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

type Coordinator struct {
	mu      sync.Mutex
	doc     *store.Document
	store   *store.Store
	catalog *catalog.Catalog
	runner  Runner
	events  Publisher
	cfg     config.RuntimeConfig

	rnd     Random
	nowFunc func() time.Time

	runs      map[string]*inflight // taskID -> shell process
	closing   bool
	startedAt time.Time
}

// NewCoordinator loads the persisted document from st and returns a
// coordinator ready to tick. runner may be nil when shell execution is
// disabled.
func NewCoordinator(ctx context.Context, st *store.Store, cat *catalog.Catalog, runner Runner, cfg config.RuntimeConfig, projectName, orchestratorName string) *Coordinator {
	c := &Coordinator{
		store:   st,
		catalog: cat,
		runner:  runner,
		cfg:     cfg,
		rnd:     globalRand{},
		nowFunc: time.Now,
		runs:    make(map[string]*inflight),
	}
	now := c.now()
	c.startedAt = now
	c.doc = st.Load(ctx, cat, store.DefaultDocument(projectName, orchestratorName, now), now, cfg.ActivityLimit)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.doc.Activity) == 0 {
		c.addActivity(store.LevelInfo, "runtime online", map[string]string{"project": c.doc.ProjectName})
	}
	c.persist(ctx)
	return c
}

// SetEvents attaches an event publisher. Passing nil disables events.
func (c *Coordinator) SetEvents(p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = p
}

// SetRandom replaces the random source.
func (c *Coordinator) SetRandom(r Random) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rnd = r
}

// SetClock replaces the wall clock.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFunc = now
}

// UpdateRuntime applies new runtime knobs. A missing runner stays missing:
// switching shell backends needs a restart.
func (c *Coordinator) UpdateRuntime(cfg config.RuntimeConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.ActivityLimit <= 0 {
		cfg.ActivityLimit = store.MaxActivity
	}
	c.cfg = cfg
	slog.Info("runtime settings updated",
		"obstacle_chance", cfg.HeartbeatObstacleChance,
		"base_success", cfg.BaseSuccessChance,
		"shell", cfg.Shell.Enabled)
}

// SetCatalog swaps the provider and module catalog. Existing swarms keep
// their provider until their next fallback.
func (c *Coordinator) SetCatalog(cat *catalog.Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog = cat
}

func (c *Coordinator) now() time.Time {
	return c.nowFunc().UTC()
}

// Tick advances the simulation: due runs are finalized, queued tasks are
// dispatched to free agents and due heartbeats are processed. Calling it
// more often than needed is harmless.
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	changed := c.processRunning(now)
	if c.assignQueued(now) {
		changed = true
	}
	if c.tickHeartbeats(now) {
		changed = true
	}
	if changed {
		c.persist(ctx)
	}
}

// CatchUp ticks when lazy ticking is enabled so reads between timer ticks
// observe due completions.
func (c *Coordinator) CatchUp(ctx context.Context) {
	c.mu.Lock()
	lazy := c.cfg.LazyTick
	c.mu.Unlock()
	if lazy {
		c.Tick(ctx)
	}
}

// View returns a snapshot projection of the current state.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Project(c.doc, c.catalog, c.now())
}

type Health struct {
	Status        string    `json:"status"`
	ActiveRuns    int       `json:"activeRuns"`
	ShellRuns     int       `json:"shellRuns"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Time          time.Time `json:"time"`
}

func (c *Coordinator) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	running := 0
	for _, t := range c.doc.Tasks {
		if t.Status == store.TaskRunning {
			running++
		}
	}
	return Health{
		Status:        "ok",
		ActiveRuns:    running,
		ShellRuns:     len(c.runs),
		UptimeSeconds: int64(now.Sub(c.startedAt).Seconds()),
		Time:          now,
	}
}

// Snapshot returns the persisted form of the current document.
func (c *Coordinator) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return marshalDocument(c.doc)
}

// Close stops every shell process and waits for them to exit, bounded by
// ctx. Their tasks stay running in the persisted document and are requeued
// on the next start.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	c.closing = true
	runs := make([]*inflight, 0, len(c.runs))
	for _, r := range c.runs {
		r.cancel()
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

func marshalDocument(doc *store.Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func (c *Coordinator) persist(ctx context.Context) {
	c.doc.UpdatedAt = c.now()
	if err := c.store.Save(ctx, c.doc); err != nil {
		slog.Error("persist state failed", "error", err)
	}
}

func (c *Coordinator) addActivity(level store.Level, message string, fields map[string]string) {
	ev := store.ActivityEvent{
		ID:        store.NewID("evt"),
		Timestamp: c.now(),
		Level:     level,
		Message:   store.SanitizeText(message, "Runtime event"),
		Context:   fields,
	}
	limit := c.cfg.ActivityLimit
	if limit <= 0 {
		limit = store.MaxActivity
	}
	c.doc.Activity = append([]store.ActivityEvent{ev}, c.doc.Activity...)
	if len(c.doc.Activity) > limit {
		c.doc.Activity = c.doc.Activity[:limit]
	}
	c.publish(natsbus.TopicEventsActivity, ev)
}

// TaskEvent is published on every task status change.
type TaskEvent struct {
	TaskID   string           `json:"taskId"`
	SwarmID  string           `json:"swarmId"`
	Title    string           `json:"title"`
	Status   store.TaskStatus `json:"status"`
	Attempts int              `json:"attempts"`
	AgentID  string           `json:"agentId,omitempty"`
}

func (c *Coordinator) publishTask(t *store.Task) {
	c.publish(natsbus.TopicEventsTask, TaskEvent{
		TaskID:   t.ID,
		SwarmID:  t.SwarmID,
		Title:    t.Title,
		Status:   t.Status,
		Attempts: t.Attempts,
		AgentID:  t.AssignedAgentID,
	})
}

func (c *Coordinator) publish(topic string, v any) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishJSON(topic, v); err != nil {
		slog.Warn("publish event failed", "topic", topic, "error", err)
	}
}

// SwarmEvent is published when a swarm is created, deployed or paused.
type SwarmEvent struct {
	SwarmID string            `json:"swarmId"`
	Name    string            `json:"name"`
	Action  string            `json:"action"`
	Status  store.SwarmStatus `json:"status"`
}

func (c *Coordinator) publishSwarm(sw *store.Swarm, action string) {
	c.publish(natsbus.TopicEventsSwarm, SwarmEvent{
		SwarmID: sw.ID,
		Name:    sw.Name,
		Action:  action,
		Status:  sw.Status,
	})
}
