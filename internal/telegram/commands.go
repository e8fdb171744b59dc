package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/clawreform/internal/router"
	"github.com/mtzanidakis/clawreform/internal/store"
	"github.com/mtzanidakis/clawreform/internal/swarm"
)

const helpText = `Commands:
/status - runtime metrics
/swarms - list swarms
/deploy <swarm id>
/pause <swarm id>
/idea <swarm id> <message>
/retry <task id>
/cancel <task id>
/revive <agent id>

Any other message is broadcast as an idea: "@<swarm> text",
"@all text", or plain text when a single swarm is live.`

// parseCommand splits "/deploy@bot swarm_1" into ("deploy", ["swarm_1"]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:], cmd != ""
}

// runCommand executes one chat command and returns the reply text.
func runCommand(ctx context.Context, coord *swarm.Coordinator, cmd string, args []string) string {
	need := func(n int) bool { return len(args) >= n }

	var err error
	switch cmd {
	case "start", "help":
		return helpText
	case "status":
		return formatStatus(coord.View(), coord.Health())
	case "swarms":
		return formatSwarms(coord.View())
	case "deploy":
		if !need(1) {
			return "Usage: /deploy <swarm id>"
		}
		err = coord.DeploySwarm(ctx, args[0])
	case "pause":
		if !need(1) {
			return "Usage: /pause <swarm id>"
		}
		err = coord.PauseSwarm(ctx, args[0])
	case "idea":
		if !need(2) {
			return "Usage: /idea <swarm id> <message>"
		}
		err = coord.BroadcastIdea(ctx, args[0], strings.Join(args[1:], " "))
	case "retry":
		if !need(1) {
			return "Usage: /retry <task id>"
		}
		err = coord.RetryTask(ctx, args[0])
	case "cancel":
		if !need(1) {
			return "Usage: /cancel <task id>"
		}
		err = coord.CancelTask(ctx, args[0])
	case "revive":
		if !need(1) {
			return "Usage: /revive <agent id>"
		}
		err = coord.ReviveAgent(ctx, args[0])
	default:
		return "Unknown command. Try /help."
	}
	if err != nil {
		return "Error: " + err.Error()
	}
	return "Done."
}

// relayIdea broadcasts a free-text message to the swarms it addresses.
func relayIdea(ctx context.Context, coord *swarm.Coordinator, rtr *router.Router, text string) string {
	route, err := rtr.Route(text)
	if err != nil {
		return "Error: " + err.Error()
	}
	for _, id := range route.SwarmIDs {
		if err := coord.BroadcastIdea(ctx, id, route.Message); err != nil {
			return "Error: " + err.Error()
		}
	}
	if len(route.SwarmIDs) == 1 {
		return "Idea sent."
	}
	return fmt.Sprintf("Idea sent to %d swarms.", len(route.SwarmIDs))
}

func formatEvent(ev store.ActivityEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", strings.ToUpper(string(ev.Level)), ev.Message)
	for _, k := range []string{"swarmId", "taskId", "agentId", "error"} {
		if v := ev.Context[k]; v != "" {
			fmt.Fprintf(&sb, "\n%s: %s", k, v)
		}
	}
	return sb.String()
}

func formatStatus(v swarm.View, h swarm.Health) string {
	m := v.Metrics
	return fmt.Sprintf(`%s / %s
Swarms: %d live of %d
Agents: %d active, %d blocked, %d stale of %d
Tasks: %d queued, %d running, %d succeeded, %d failed, %d canceled
Shell runs: %d
Uptime: %ds`,
		v.ProjectName, v.OrchestratorName,
		m.LiveSwarms, m.TotalSwarms,
		m.ActiveAgents, m.BlockedAgents, m.StaleHeartbeats, m.TotalAgents,
		m.QueuedTasks, m.RunningTasks, m.SucceededTasks, m.FailedTasks, m.CanceledTasks,
		h.ShellRuns,
		h.UptimeSeconds)
}

func formatSwarms(v swarm.View) string {
	if len(v.Swarms) == 0 {
		return "No swarms."
	}
	var sb strings.Builder
	for i, sw := range v.Swarms {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s  %s  [%s]  %d agents, %d queued, %d done",
			sw.ID, sw.Name, sw.Status, len(sw.AgentIDs), sw.TaskStats.Queued, sw.CompletedTasks)
	}
	return sb.String()
}
