// Package control answers operator commands sent over NATS request/reply.
// The operation is the last subject token ("control.deploy"); the request
// body carries its arguments.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/clawreform/internal/natsbus"
	"github.com/mtzanidakis/clawreform/internal/store"
	"github.com/mtzanidakis/clawreform/internal/swarm"
)

const opTimeout = 10 * time.Second

// Operations understood by the server.
const (
	OpStatus   = "status"
	OpState    = "state"
	OpSwarm    = "swarm"
	OpDeploy   = "deploy"
	OpPause    = "pause"
	OpIdea     = "idea"
	OpTask     = "task"
	OpSeed     = "seed"
	OpRetry    = "retry"
	OpCancel   = "cancel"
	OpRevive   = "revive"
	OpActivity = "activity"
)

type Request struct {
	SwarmID string            `json:"swarmId,omitempty"`
	TaskID  string            `json:"taskId,omitempty"`
	AgentID string            `json:"agentId,omitempty"`
	Count   int               `json:"count,omitempty"`
	Message string            `json:"message,omitempty"`
	Level   string            `json:"level,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Swarm   *swarm.SwarmInput `json:"swarm,omitempty"`
	Task    *swarm.TaskInput  `json:"task,omitempty"`
}

type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Status is the payload of the status operation.
type Status struct {
	Health  swarm.Health  `json:"health"`
	Metrics swarm.Metrics `json:"metrics"`
}

type Server struct {
	client *natsbus.Client
	coord  *swarm.Coordinator
	sub    *nats.Subscription
}

func New(client *natsbus.Client, coord *swarm.Coordinator) *Server {
	return &Server{client: client, coord: coord}
}

// Start subscribes to every control subject.
func (s *Server) Start() error {
	sub, err := s.client.Subscribe(natsbus.TopicControlAll, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	s.sub = sub
	slog.Info("control plane listening", "subject", natsbus.TopicControlAll)
	return nil
}

func (s *Server) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Server) handle(msg *nats.Msg) {
	op := natsbus.ControlOp(msg.Subject)
	var req Request
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("invalid control request", "op", op, "error", err)
			s.respond(msg, nil, errors.New("invalid request"))
			return
		}
	}

	slog.Info("control request received", "op", op)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data, err := s.dispatch(ctx, op, req)
	s.respond(msg, data, err)
}

func (s *Server) dispatch(ctx context.Context, op string, req Request) (any, error) {
	c := s.coord
	switch op {
	case OpStatus:
		return Status{Health: c.Health(), Metrics: c.View().Metrics}, nil
	case OpState:
		return c.View(), nil
	case OpSwarm:
		if req.Swarm == nil {
			return nil, errors.New("swarm is required")
		}
		return c.CreateSwarm(ctx, *req.Swarm)
	case OpDeploy:
		return nil, c.DeploySwarm(ctx, req.SwarmID)
	case OpPause:
		return nil, c.PauseSwarm(ctx, req.SwarmID)
	case OpIdea:
		return nil, c.BroadcastIdea(ctx, req.SwarmID, req.Message)
	case OpTask:
		if req.Task == nil {
			return nil, errors.New("task is required")
		}
		return c.CreateTask(ctx, req.SwarmID, *req.Task)
	case OpSeed:
		return c.SeedTasks(ctx, req.SwarmID, req.Count)
	case OpRetry:
		return nil, c.RetryTask(ctx, req.TaskID)
	case OpCancel:
		return nil, c.CancelTask(ctx, req.TaskID)
	case OpRevive:
		return nil, c.ReviveAgent(ctx, req.AgentID)
	case OpActivity:
		return c.Activity(store.Level(req.Level), req.Limit, 0), nil
	}
	return nil, fmt.Errorf("unknown operation: %s", op)
}

func (s *Server) respond(msg *nats.Msg, data any, err error) {
	resp := Response{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			resp = Response{Error: "encode response: " + merr.Error()}
		} else {
			resp.Data = raw
		}
	}
	out, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}
	if err := msg.Respond(out); err != nil {
		slog.Error("failed to respond to control request", "error", err)
	}
}

// Call sends one operation and decodes its data into out, which may be
// nil. A reply with ok=false is returned as an error.
func Call(client *natsbus.Client, op string, req Request, out any, timeout time.Duration) error {
	var resp Response
	if err := client.RequestJSON(natsbus.TopicControl(op), req, &resp, timeout); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s reply: %w", op, err)
		}
	}
	return nil
}
