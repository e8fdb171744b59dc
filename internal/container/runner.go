// Package container runs shell tasks inside throwaway docker containers
// with the workspace root bind-mounted at /workspace.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/shell"
)

const labelPrefix = "clawreform"

type Runner struct {
	docker *client.Client
	root   string
	image  string
	shell  []string
	seq    atomic.Int64
}

func NewRunner(cfg config.ShellConfig) (*Runner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	root, err := workspaceRoot(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	shellCmd := cfg.Command
	if len(shellCmd) == 0 {
		shellCmd = []string{"bash", "-lc"}
	}
	return &Runner{
		docker: docker,
		root:   root,
		image:  cfg.Image,
		shell:  shellCmd,
	}, nil
}

// Run executes the script in a new container and removes it afterwards.
// Infrastructure errors are reported through Result.Err like a failed
// spawn would be.
func (r *Runner) Run(ctx context.Context, c shell.Command) shell.Result {
	if c.Timeout <= 0 {
		c.Timeout = shell.DefaultTimeout
	}
	hostDir, workdir := containerWorkdir(r.root, c.Dir)
	res := shell.Result{Dir: hostDir, ExitCode: -1}
	start := time.Now()

	name := fmt.Sprintf("%s-task-%d-%d", labelPrefix, time.Now().UnixNano(), r.seq.Add(1))
	cmd := append(append([]string(nil), r.shell...), c.Script)

	resp, err := r.docker.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:      r.image,
			Cmd:        cmd,
			WorkingDir: workdir,
			Labels:     map[string]string{labelPrefix + ".managed": "true"},
		},
		&dockercontainer.HostConfig{
			Binds: []string{workspaceBind(r.root)},
		},
		nil, nil, name,
	)
	if err != nil {
		return failed(res, start, fmt.Errorf("create container: %w", err))
	}
	defer func() {
		// ctx may be canceled by now; removal has to happen regardless.
		if err := r.docker.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove task container", "container", short(resp.ID), "error", err)
		}
	}()

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return failed(res, start, fmt.Errorf("start container: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	waitCh, errCh := r.docker.ContainerWait(context.Background(), resp.ID, dockercontainer.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		res.ExitCode = int(w.StatusCode)
	case err := <-errCh:
		return failed(res, start, fmt.Errorf("wait container: %w", err))
	case <-runCtx.Done():
		if ctx.Err() != nil {
			res.Canceled = true
		} else {
			res.TimedOut = true
		}
		if err := r.docker.ContainerKill(context.Background(), resp.ID, "SIGTERM"); err != nil {
			slog.Warn("failed to signal task container", "container", short(resp.ID), "error", err)
		}
		select {
		case w := <-waitCh:
			res.ExitCode = int(w.StatusCode)
		case <-errCh:
		case <-time.After(5 * time.Second):
		}
	}
	res.Duration = time.Since(start)

	stdout := shell.NewTail(shell.OutputLimit)
	stderr := shell.NewTail(shell.OutputLimit)
	logs, err := r.docker.ContainerLogs(context.Background(), resp.ID, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		slog.Warn("failed to read task container logs", "container", short(resp.ID), "error", err)
	} else {
		if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
			slog.Warn("failed to demux task container logs", "container", short(resp.ID), "error", err)
		}
		logs.Close()
	}

	res.OK = res.ExitCode == 0 && !res.TimedOut && !res.Canceled
	res.Stdout = shell.Preview(stdout.String(), shell.PreviewLimit)
	res.Stderr = shell.Preview(stderr.String(), shell.PreviewLimit)
	return res
}

// CleanupStale removes task containers left behind by a previous process.
func (r *Runner) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("cleaning up stale task container", "container", short(c.ID))
		_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}

func (r *Runner) Close() error {
	return r.docker.Close()
}

func failed(res shell.Result, start time.Time, err error) shell.Result {
	res.Err = err
	res.Duration = time.Since(start)
	res.Stderr = err.Error()
	if errors.Is(err, context.Canceled) {
		res.Canceled = true
	}
	return res
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
