// Command swarmctl drives a running clawreform gateway over NATS.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/mtzanidakis/clawreform/internal/control"
	"github.com/mtzanidakis/clawreform/internal/natsbus"
	"github.com/mtzanidakis/clawreform/internal/store"
	"github.com/mtzanidakis/clawreform/internal/swarm"
)

const requestTimeout = 10 * time.Second

func usage(out io.Writer) {
	fmt.Fprint(out, `Usage: swarmctl <command> [flags]

Commands:
  status                                   Runtime health and metrics
  swarms                                   List swarms
  create --name <name> [--agents n] [--objective text] [--provider id] [--deploy-command cmd]
  deploy <swarm id>
  pause <swarm id>
  idea <swarm id> <message...>
  task <swarm id> --title <title> [--priority n] [--command script] [--timeout 2m]
  seed <swarm id> [-n count]
  retry <task id>
  cancel <task id>
  revive <agent id>
  activity [--level warn] [-n rows]

Environment:
  NATS_URL   gateway NATS address (default nats://localhost:4222)
`)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		fatal("connect to nats: %v", err)
	}
	defer client.Close()

	if err := run(client, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		client.Close()
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// run executes one command against the gateway and prints its result.
func run(client *natsbus.Client, command string, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	call := func(op string, req control.Request, resp any) error {
		return control.Call(client, op, req, resp, requestTimeout)
	}
	// arg returns the n-th positional argument or an error naming it.
	arg := func(n int, name string) (string, error) {
		if fs.NArg() <= n {
			return "", fmt.Errorf("%s is required", name)
		}
		return fs.Arg(n), nil
	}

	switch command {
	case "status":
		if err := fs.Parse(args); err != nil {
			return err
		}
		var st control.Status
		if err := call(control.OpStatus, control.Request{}, &st); err != nil {
			return err
		}
		m := st.Metrics
		fmt.Fprintf(out, "status:   %s (up %ds)\n", st.Health.Status, st.Health.UptimeSeconds)
		fmt.Fprintf(out, "swarms:   %d live / %d\n", m.LiveSwarms, m.TotalSwarms)
		fmt.Fprintf(out, "agents:   %d active, %d blocked, %d stale / %d\n", m.ActiveAgents, m.BlockedAgents, m.StaleHeartbeats, m.TotalAgents)
		fmt.Fprintf(out, "tasks:    %d queued, %d running, %d succeeded, %d failed, %d canceled\n",
			m.QueuedTasks, m.RunningTasks, m.SucceededTasks, m.FailedTasks, m.CanceledTasks)
		return nil

	case "swarms":
		if err := fs.Parse(args); err != nil {
			return err
		}
		var v swarm.View
		if err := call(control.OpState, control.Request{}, &v); err != nil {
			return err
		}
		if len(v.Swarms) == 0 {
			fmt.Fprintln(out, "No swarms found.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tAGENTS\tQUEUED\tRUNNING\tDONE")
		for _, sw := range v.Swarms {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", sw.ID, sw.Name, sw.Status,
				len(sw.AgentIDs), sw.TaskStats.Queued, sw.TaskStats.Running, sw.CompletedTasks)
		}
		return w.Flush()

	case "create":
		in := swarm.SwarmInput{}
		fs.StringVar(&in.Name, "name", "", "swarm name")
		fs.StringVar(&in.Objective, "objective", "", "swarm objective")
		fs.StringVar(&in.Provider, "provider", "", "provider id")
		fs.StringVar(&in.Model, "model", "", "model name")
		fs.StringVar(&in.DeployTarget, "target", "", "deploy target")
		fs.StringVar(&in.DeployCommand, "deploy-command", "", "shell command queued on deploy")
		fs.IntVar(&in.AgentCount, "agents", 0, "number of agents")
		fs.IntVar(&in.HeartbeatMs, "heartbeat-ms", 0, "heartbeat interval in milliseconds")
		fs.StringSliceVar(&in.ModuleIDs, "module", nil, "automation module id (repeatable)")
		noAdapt := fs.Bool("no-auto-adapt", false, "disable automatic recovery")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *noAdapt {
			off := false
			in.AutoAdapt = &off
		}
		var sw store.Swarm
		if err := call(control.OpSwarm, control.Request{Swarm: &in}, &sw); err != nil {
			return err
		}
		fmt.Fprintf(out, "Swarm created: %s (%d agents)\n", sw.ID, len(sw.AgentIDs))
		return nil

	case "deploy", "pause", "retry", "cancel", "revive":
		if err := fs.Parse(args); err != nil {
			return err
		}
		req := control.Request{}
		var name string
		switch command {
		case "deploy", "pause":
			name = "swarm id"
		case "retry", "cancel":
			name = "task id"
		default:
			name = "agent id"
		}
		id, err := arg(0, name)
		if err != nil {
			return err
		}
		switch name {
		case "swarm id":
			req.SwarmID = id
		case "task id":
			req.TaskID = id
		default:
			req.AgentID = id
		}
		if err := call(command, req, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: ok\n", command)
		return nil

	case "idea":
		if err := fs.Parse(args); err != nil {
			return err
		}
		id, err := arg(0, "swarm id")
		if err != nil {
			return err
		}
		msg := strings.Join(fs.Args()[1:], " ")
		if err := call(control.OpIdea, control.Request{SwarmID: id, Message: msg}, nil); err != nil {
			return err
		}
		fmt.Fprintln(out, "Idea broadcast.")
		return nil

	case "task":
		in := swarm.TaskInput{}
		fs.StringVar(&in.Title, "title", "", "task title")
		fs.StringVar(&in.Details, "details", "", "task details")
		fs.IntVar(&in.Priority, "priority", 0, "priority 1-5")
		fs.StringVar(&in.Command, "command", "", "shell script; switches the task to shell mode")
		fs.StringVar(&in.ExecCwd, "cwd", "", "working directory inside the workspace")
		fs.IntVar(&in.MaxAttempts, "max-attempts", 0, "attempts before failing")
		timeout := fs.Duration("timeout", 0, "shell timeout")
		if err := fs.Parse(args); err != nil {
			return err
		}
		id, err := arg(0, "swarm id")
		if err != nil {
			return err
		}
		if in.Command != "" {
			in.ExecutionMode = string(store.ModeShell)
		}
		in.TimeoutMs = int(timeout.Milliseconds())
		var task store.Task
		if err := call(control.OpTask, control.Request{SwarmID: id, Task: &in}, &task); err != nil {
			return err
		}
		fmt.Fprintf(out, "Task queued: %s\n", task.ID)
		return nil

	case "seed":
		count := fs.IntP("count", "n", 0, "number of tasks")
		if err := fs.Parse(args); err != nil {
			return err
		}
		id, err := arg(0, "swarm id")
		if err != nil {
			return err
		}
		var tasks []store.Task
		if err := call(control.OpSeed, control.Request{SwarmID: id, Count: *count}, &tasks); err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Fprintf(out, "  %s  %s\n", t.ID, t.Title)
		}
		return nil

	case "activity":
		level := fs.String("level", "", "minimum level: info, warn or error")
		limit := fs.IntP("limit", "n", 20, "rows to print")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var events []store.ActivityEvent
		if err := call(control.OpActivity, control.Request{Level: *level, Limit: *limit}, &events); err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(out, "No activity.")
			return nil
		}
		for _, ev := range events {
			fmt.Fprintf(out, "%s  %-5s  %s\n", ev.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(ev.Level)), ev.Message)
		}
		return nil

	case "help", "-h", "--help":
		usage(out)
		return nil
	}
	return fmt.Errorf("unknown command: %s", command)
}
