package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/store"
	"github.com/mtzanidakis/clawreform/internal/swarm"
	"github.com/mtzanidakis/clawreform/internal/waitlist"
)

const badBodyMsg = "Malformed JSON body."

func (s *Server) registerAPI(mux *http.ServeMux) {
	// System
	mux.HandleFunc("GET /api/health", s.getHealth)
	mux.HandleFunc("GET /api/state", s.getState)
	mux.HandleFunc("GET /api/activity", s.getActivity)
	mux.HandleFunc("GET /api/catalog", s.getCatalog)
	mux.HandleFunc("POST /api/orchestrator", s.renameOrchestrator)
	mux.HandleFunc("POST /api/credentials", s.createCredential)

	// Swarms
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/deploy", s.deploySwarm)
	mux.HandleFunc("POST /api/swarms/{id}/pause", s.pauseSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/idea", s.broadcastIdea)
	mux.HandleFunc("POST /api/swarms/{id}/tasks", s.createTask)
	mux.HandleFunc("POST /api/swarms/{id}/tasks/seed", s.seedTasks)

	// Tasks
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.retryTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTask)

	// Agents
	mux.HandleFunc("POST /api/agents/{id}/revive", s.reviveAgent)
	mux.HandleFunc("POST /api/agents/{id}/credential", s.linkCredential)

	// Waitlist
	mux.HandleFunc("GET /api/waitlist/stats", s.getWaitlistStats)
	mux.HandleFunc("POST /api/waitlist/register", s.registerWaitlist)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.coord.CatchUp(r.Context())
	jsonResponse(w, s.coord.Health())
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.coord.CatchUp(r.Context())
	jsonResponse(w, s.coord.View())
}

func (s *Server) getActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	level := store.Level(strings.ToLower(strings.TrimSpace(q.Get("level"))))
	jsonResponse(w, s.coord.Activity(level, limit, offset))
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	v := s.coord.View()
	jsonResponse(w, struct {
		Providers []catalog.Provider `json:"providers"`
		Modules   []catalog.Module   `json:"modules"`
	}{v.ProviderCatalog, v.AutomationModules})
}

func (s *Server) renameOrchestrator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.coord.RenameOrchestrator(r.Context(), body.Name); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, s.coord.View())
}

func (s *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	var in swarm.CredentialInput
	if !decodeBody(w, r, &in) {
		return
	}
	cred, err := s.coord.AddCredential(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, map[string]any{"credential": cred, "state": s.coord.View()})
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var in swarm.SwarmInput
	if !decodeBody(w, r, &in) {
		return
	}
	sw, err := s.coord.CreateSwarm(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, map[string]any{"swarm": sw, "state": s.coord.View()})
}

func (s *Server) deploySwarm(w http.ResponseWriter, r *http.Request) {
	s.viewAfter(w, s.coord.DeploySwarm(r.Context(), r.PathValue("id")))
}

func (s *Server) pauseSwarm(w http.ResponseWriter, r *http.Request) {
	s.viewAfter(w, s.coord.PauseSwarm(r.Context(), r.PathValue("id")))
}

func (s *Server) broadcastIdea(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.viewAfter(w, s.coord.BroadcastIdea(r.Context(), r.PathValue("id"), body.Message))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in swarm.TaskInput
	if !decodeBody(w, r, &in) {
		return
	}
	task, err := s.coord.CreateTask(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, map[string]any{"task": task, "state": s.coord.View()})
}

func (s *Server) seedTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	created, err := s.coord.SeedTasks(r.Context(), r.PathValue("id"), body.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, map[string]any{"created": created, "state": s.coord.View()})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	s.viewAfter(w, s.coord.RetryTask(r.Context(), r.PathValue("id")))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.viewAfter(w, s.coord.CancelTask(r.Context(), r.PathValue("id")))
}

func (s *Server) reviveAgent(w http.ResponseWriter, r *http.Request) {
	s.viewAfter(w, s.coord.ReviveAgent(r.Context(), r.PathValue("id")))
}

func (s *Server) linkCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CredentialID string `json:"credentialId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.viewAfter(w, s.coord.LinkCredential(r.Context(), r.PathValue("id"), body.CredentialID))
}

func (s *Server) getWaitlistStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.waitlist.Stats(r.Context()))
}

func (s *Server) registerWaitlist(w http.ResponseWriter, r *http.Request) {
	var reg waitlist.Registration
	if !decodeBody(w, r, &reg) {
		return
	}
	reg.IP = clientIP(r)
	reg.UserAgent = r.UserAgent()

	res, err := s.waitlist.Register(r.Context(), reg)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if res.AlreadyRegistered {
		code = http.StatusOK
	}
	jsonStatus(w, code, res)
}

// viewAfter answers a mutation with the refreshed view, or its error.
func (s *Server) viewAfter(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, s.coord.View())
}

// decodeBody reads a JSON object into v. An empty body leaves v untouched.
// On failure it writes the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "Request body too large.", http.StatusRequestEntityTooLarge)
			return false
		}
		jsonError(w, badBodyMsg, http.StatusBadRequest)
		return false
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		jsonError(w, badBodyMsg, http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	var nf *swarm.NotFoundError
	var ve *swarm.ValidationError
	switch {
	case errors.As(err, &nf):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &ve), errors.Is(err, waitlist.ErrInvalidEmail):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
