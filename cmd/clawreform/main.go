package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/clawreform/internal/backup"
	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/container"
	"github.com/mtzanidakis/clawreform/internal/control"
	"github.com/mtzanidakis/clawreform/internal/natsbus"
	"github.com/mtzanidakis/clawreform/internal/schedule"
	"github.com/mtzanidakis/clawreform/internal/scheduler"
	"github.com/mtzanidakis/clawreform/internal/shell"
	"github.com/mtzanidakis/clawreform/internal/store"
	"github.com/mtzanidakis/clawreform/internal/swarm"
	"github.com/mtzanidakis/clawreform/internal/telegram"
	"github.com/mtzanidakis/clawreform/internal/waitlist"
	"github.com/mtzanidakis/clawreform/internal/web"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

// documentKeys are the store entries covered by backups.
var documentKeys = []string{store.StateKey, store.WaitlistKey}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("clawreform %s\n", version)
		return
	case "gateway":
		err = runGateway(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: clawreform <command> [flags]

Commands:
  gateway    Start the control plane
  backup     Write the persisted state to an archive
  restore    Load the persisted state from an archive
  inspect    Print swarms, tasks or activity from the store
  version    Print version
`)
}

func configFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("config", "c", config.Path(), "path to the YAML config file")
}

func runGateway(args []string) error {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting clawreform gateway", "version", version, "project", cfg.ProjectName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "url", bus.ClientURL())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	st, err := store.Open(ctx, cfg.Store, bus.ClientURL())
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	slog.Info("store initialized", "backend", cfg.Store.Backend, "path", cfg.Store.Path)

	cat, err := catalog.Load(cfg.Catalog.Path, cfg.Catalog.ModulesDir)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	runner, closeRunner, err := newRunner(ctx, cfg.Runtime.Shell)
	if err != nil {
		return fmt.Errorf("init shell runner: %w", err)
	}
	defer closeRunner()

	coord := swarm.NewCoordinator(ctx, st, cat, runner, cfg.Runtime, cfg.ProjectName, cfg.OrchestratorName)
	coord.SetEvents(client)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		coord.Close(closeCtx)
	}()

	sched := scheduler.New(coord, cfg.Runtime.TickInterval, client)
	if cfg.Backup.Enabled {
		if err := addBackupJob(sched, cfg.Backup, st); err != nil {
			return err
		}
	}

	ctl := control.New(client, coord)
	if err := ctl.Start(); err != nil {
		return err
	}
	defer ctl.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if cfg.Web.Enabled {
		wl := waitlist.New(st, cfg.Waitlist, coord)
		srv := web.NewServer(coord, wl, client, cfg.Web, version)
		g.Go(func() error { return srv.Start(gctx) })
	}

	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram, coord)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		if err := bot.Attach(client); err != nil {
			return err
		}
		defer bot.Stop()
		g.Go(func() error { return bot.Start(gctx) })
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	reload := reloader(cfg, coord, sched, bot)
	g.Go(func() error {
		if err := config.Watch(gctx, *cfgPath, reload); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("shutting down")
	return err
}

// reloader applies the reloadable parts of a changed config file.
func reloader(current *config.Config, coord *swarm.Coordinator, sched *scheduler.Scheduler, bot *telegram.Bot) func(*config.Config) {
	return func(next *config.Config) {
		d := config.Diff(current, next)
		for _, field := range d.NonReloadable {
			slog.Warn("config change requires restart", "field", field)
		}
		if d.RuntimeChanged {
			coord.UpdateRuntime(d.NewRuntime)
		}
		if d.TickIntervalChanged {
			sched.UpdateConfig(next.Runtime.TickInterval)
		}
		if d.CatalogChanged {
			cat, err := catalog.Load(next.Catalog.Path, next.Catalog.ModulesDir)
			if err != nil {
				slog.Error("catalog reload failed", "error", err)
			} else {
				coord.SetCatalog(cat)
			}
		}
		if d.NotifyLevelChanged && bot != nil {
			bot.SetMinLevel(d.NewNotifyLevel)
		}
		current = next
	}
}

func addBackupJob(sched *scheduler.Scheduler, cfg config.BackupConfig, st *store.Store) error {
	s, err := schedule.Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("backup schedule: %w", err)
	}
	job := &backup.Job{Dir: cfg.Dir, Keep: cfg.Keep, Src: st, Keys: documentKeys}
	if err := sched.AddJob("backup", s, func(ctx context.Context) error {
		_, err := job.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	slog.Info("backup job scheduled", "schedule", s.String(), "dir", cfg.Dir)
	return nil
}

// newRunner builds the shell runner for cfg. It returns a nil runner when
// shell execution is disabled.
func newRunner(ctx context.Context, cfg config.ShellConfig) (swarm.Runner, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		slog.Info("shell execution disabled")
		return nil, noop, nil
	}

	if cfg.Backend == "docker" {
		r, err := container.NewRunner(cfg)
		if err != nil {
			return nil, noop, err
		}
		if err := r.CleanupStale(ctx); err != nil {
			slog.Warn("cleanup stale task containers", "error", err)
		}
		if cfg.Dockerfile != "" {
			slog.Info("building task image", "image", cfg.Image, "dockerfile", cfg.Dockerfile)
			if err := r.BuildImage(ctx, cfg.Dockerfile); err != nil {
				r.Close()
				return nil, noop, err
			}
		}
		return r, func() { r.Close() }, nil
	}

	r, err := shell.NewLocalRunner(cfg.WorkspaceRoot, cfg.Command)
	if err != nil {
		return nil, noop, err
	}
	slog.Info("shell execution enabled", "root", r.Root)
	return r, noop, nil
}
