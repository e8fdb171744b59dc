package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/control"
	"github.com/mtzanidakis/clawreform/internal/natsbus"
	"github.com/mtzanidakis/clawreform/internal/store"
	"github.com/mtzanidakis/clawreform/internal/swarm"
)

func startGateway(t *testing.T) (*natsbus.Client, *swarm.Coordinator) {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(bus.Close)

	serverClient, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(serverClient.Close)

	rc := config.DefaultRuntime()
	rc.HeartbeatObstacleChance = 0
	rc.Shell.Enabled = false
	coord := swarm.NewCoordinator(context.Background(), store.New(store.NewMemoryBackend()), catalog.Default(), nil, rc, "demo", "Prime")
	t.Cleanup(func() { coord.Close(context.Background()) })

	ctl := control.New(serverClient, coord)
	if err := ctl.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctl.Stop)
	if err := serverClient.Flush(); err != nil {
		t.Fatal(err)
	}

	client, err := natsbus.NewClientFromURL(bus.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client, coord
}

func runOK(t *testing.T, client *natsbus.Client, command string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(client, command, args, &out); err != nil {
		t.Fatalf("%s %v: %v", command, args, err)
	}
	return out.String()
}

func TestCreateDeploySeed(t *testing.T) {
	client, coord := startGateway(t)

	out := runOK(t, client, "create", "--name", "cli", "--agents", "3", "--no-auto-adapt")
	if !strings.HasPrefix(out, "Swarm created: swarm") || !strings.Contains(out, "(3 agents)") {
		t.Fatalf("unexpected create output %q", out)
	}
	v := coord.View()
	if len(v.Swarms) != 1 || v.Swarms[0].AutoAdapt {
		t.Fatalf("unexpected swarms %+v", v.Swarms)
	}
	id := v.Swarms[0].ID

	if out := runOK(t, client, "deploy", id); out != "deploy: ok\n" {
		t.Errorf("deploy output %q", out)
	}

	out = runOK(t, client, "seed", id, "-n", "2")
	if strings.Count(out, "Plan ") != 2 {
		t.Errorf("expected 2 seeded tasks, got %q", out)
	}

	out = runOK(t, client, "task", id, "--title", "Build", "--command", "make", "--timeout", "2m")
	if !strings.HasPrefix(out, "Task queued: task") {
		t.Fatalf("unexpected task output %q", out)
	}
	taskID := strings.TrimSpace(strings.TrimPrefix(out, "Task queued: "))
	task, ok := coord.LookupTask(taskID)
	if !ok || task.ExecutionMode != store.ModeShell || task.TimeoutMs != 120000 {
		t.Errorf("unexpected task %+v", task)
	}

	runOK(t, client, "cancel", taskID)
	if task, _ := coord.LookupTask(taskID); task.Status != store.TaskCanceled {
		t.Errorf("expected canceled, got %s", task.Status)
	}

	out = runOK(t, client, "swarms")
	if !strings.Contains(out, id) || !strings.Contains(out, "live") {
		t.Errorf("unexpected swarms output:\n%s", out)
	}

	out = runOK(t, client, "status")
	if !strings.Contains(out, "swarms:   1 live / 1") {
		t.Errorf("unexpected status output:\n%s", out)
	}

	out = runOK(t, client, "idea", id, "focus", "on", "tests")
	if out != "Idea broadcast.\n" {
		t.Errorf("idea output %q", out)
	}

	out = runOK(t, client, "activity", "--level", "warn")
	if !strings.Contains(out, "WARN") {
		t.Errorf("expected the cancel warning in activity:\n%s", out)
	}
}

func TestCommandErrors(t *testing.T) {
	client, _ := startGateway(t)

	tests := []struct {
		command string
		args    []string
		want    string
	}{
		{"deploy", nil, "swarm id is required"},
		{"retry", nil, "task id is required"},
		{"revive", []string{"missing"}, "Agent not found."},
		{"pause", []string{"missing"}, "Swarm not found."},
		{"task", []string{"missing", "--title", "x"}, "Swarm not found."},
		{"explode", nil, "unknown command: explode"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			var out bytes.Buffer
			err := run(client, tt.command, tt.args, &out)
			if err == nil || err.Error() != tt.want {
				t.Errorf("expected %q, got %v", tt.want, err)
			}
		})
	}
}
