package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/store"
	"github.com/mtzanidakis/clawreform/internal/swarm"
)

func runInspect(args []string) error {
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	cfgPath := configFlag(fs)
	limit := fs.IntP("limit", "n", 20, "rows to print for tasks and activity")
	fs.Usage = printInspectUsage
	if err := fs.Parse(args); err != nil {
		return err
	}
	what := "swarms"
	if fs.NArg() > 0 {
		what = fs.Arg(0)
	}

	ctx := context.Background()
	cfg, st, err := openStore(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now()
	cat := catalog.Default()
	doc := st.Load(ctx, cat, store.DefaultDocument(cfg.ProjectName, cfg.OrchestratorName, now), now, cfg.Runtime.ActivityLimit)
	view := swarm.Project(doc, cat, now)

	switch what {
	case "swarms":
		return printSwarms(os.Stdout, view)
	case "tasks":
		return printTasks(os.Stdout, view, *limit)
	case "activity":
		return printActivity(os.Stdout, view, *limit)
	default:
		printInspectUsage()
		return fmt.Errorf("unknown inspect target: %s", what)
	}
}

func printInspectUsage() {
	fmt.Fprintf(os.Stderr, `Usage: clawreform inspect [swarms|tasks|activity] [-n rows] [-c config]

Reads the persisted state directly; the gateway does not need to run.
`)
}

func printSwarms(out io.Writer, v swarm.View) error {
	if len(v.Swarms) == 0 {
		fmt.Fprintln(out, "No swarms.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROVIDER\tAGENTS\tQUEUED\tRUNNING\tDONE\tFAILED")
	for _, sw := range v.Swarms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%d\t%d\t%d\t%d\t%d\n",
			sw.ID, sw.Name, sw.Status, sw.Provider, sw.Model, len(sw.AgentIDs),
			sw.TaskStats.Queued, sw.TaskStats.Running, sw.TaskStats.Succeeded, sw.TaskStats.Failed)
	}
	return w.Flush()
}

func printTasks(out io.Writer, v swarm.View, limit int) error {
	if len(v.Tasks) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tMODE\tATTEMPTS\tTITLE")
	for i, t := range v.Tasks {
		if limit > 0 && i >= limit {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d/%d\t%s\n",
			t.ID, t.Status, t.Priority, t.ExecutionMode, t.Attempts, t.MaxAttempts, t.Title)
	}
	return w.Flush()
}

func printActivity(out io.Writer, v swarm.View, limit int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLEVEL\tMESSAGE")
	for i, ev := range v.Activity {
		if limit > 0 && i >= limit {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ev.Timestamp.Local().Format("Jan 2 15:04:05"), strings.ToUpper(string(ev.Level)), ev.Message)
	}
	return w.Flush()
}
