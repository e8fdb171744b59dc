package swarm

import (
	"fmt"
	"time"

	"github.com/mtzanidakis/clawreform/internal/store"
)

// tickHeartbeats stamps every agent whose beat is due. An idle running
// agent may hit an obstacle on its beat: with autoAdapt it fails over to
// another provider, without it the agent blocks until revived.
func (c *Coordinator) tickHeartbeats(now time.Time) bool {
	changed := false
	nowMs := now.UnixMilli()
	for _, a := range c.doc.Agents {
		sw := c.doc.Swarm(a.SwarmID)
		if sw == nil || !sw.Live() {
			continue
		}
		if a.Status == store.AgentPaused {
			continue
		}
		if a.Status == store.AgentBlocked && !sw.AutoAdapt {
			continue
		}
		if nowMs < a.NextBeatAt {
			continue
		}
		changed = true

		beat := now
		a.LastHeartbeat = &beat
		a.NextBeatAt = nowMs + int64(a.HeartbeatMs) + c.heartbeatJitterMs()
		if a.Status == store.AgentRecovering {
			a.Status = store.AgentRunning
		}

		if a.Status != store.AgentRunning || a.CurrentTaskID != "" {
			continue
		}
		chance := c.cfg.HeartbeatObstacleChance
		if chance <= 0 || c.rnd.Float64() >= chance {
			continue
		}
		c.heartbeatObstacle(sw, a)
	}
	return changed
}

func (c *Coordinator) heartbeatJitterMs() int64 {
	ms := int(c.cfg.HeartbeatJitter.Milliseconds())
	if ms <= 0 {
		return 0
	}
	return int64(c.rnd.IntN(ms))
}

func (c *Coordinator) heartbeatObstacle(sw *store.Swarm, a *store.Agent) {
	obstacle := obstacles[c.rnd.IntN(len(obstacles))]
	a.Obstacles++

	if sw.AutoAdapt {
		provider, model := c.catalog.Fallback(a.Provider, c.rnd.IntN)
		a.Provider = provider
		a.Model = model
		a.Recoveries++
		a.Status = store.AgentRecovering
		sw.ObstaclesResolved++
		c.addActivity(store.LevelWarn, fmt.Sprintf("%s hit %s; switched to %s", a.Name, obstacle, provider), map[string]string{
			"swarmId":  sw.ID,
			"agentId":  a.ID,
			"provider": provider,
			"model":    model,
		})
		return
	}

	a.Status = store.AgentBlocked
	c.addActivity(store.LevelError, fmt.Sprintf("%s blocked by %s", a.Name, obstacle), map[string]string{
		"swarmId": sw.ID,
		"agentId": a.ID,
	})
}
