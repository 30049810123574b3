// Package management implements the thin external-collaborator HTTP API
// over the core (spec.md §6): submit/poll/cancel orders, revoke
// certificates, and report liveness. Authenticated by a static
// header-carried key.
package management

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/task"
)

// Orchestrators is the minimal surface the management API needs from the
// orchestration layer: submit a provisioning/revocation job and read it
// back by id.
type Orchestrators interface {
	SubmitProvision(domains []string) (string, error)
	SubmitRevoke(certID string, reason int) (string, error)
	Status(taskID string) (task.Task, bool)
	Cancel(taskID string) bool
}

// Server exposes the management API described in spec.md §6.
type Server struct {
	orchestrators Orchestrators
	authKey       string
	logger        *logger.Logger
}

// NewServer builds a management Server. authKey is compared verbatim
// against the X-API-Key request header; empty disables auth (local/dev
// only).
func NewServer(orchestrators Orchestrators, authKey string, log *logger.Logger) *Server {
	return &Server{
		orchestrators: orchestrators,
		authKey:       authKey,
		logger:        log.WithComponent("management"),
	}
}

// RegisterHandlers wires the spec.md §6 endpoints onto router.
func (s *Server) RegisterHandlers(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{task_id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{task_id}/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/certificates/{id}/revoke", s.handleRevoke).Methods(http.MethodPost)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.authKey {
			s.writeProblem(w, acmeerr.Unauthorized("missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domains []string `json:"domains"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, acmeerr.Protocol("malformed request body").WithUnderlying(err))
		return
	}
	if len(req.Domains) == 0 {
		s.writeProblem(w, acmeerr.Protocol("domains must not be empty"))
		return
	}

	taskID, err := s.orchestrators.SubmitProvision(req.Domains)
	if err != nil {
		s.writeProblem(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"task_id": taskID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	t, ok := s.orchestrators.Status(taskID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(taskSnapshot(t))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	if !s.orchestrators.Cancel(taskID) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	certID := mux.Vars(r)["id"]

	var req struct {
		Reason int `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, acmeerr.Protocol("malformed request body").WithUnderlying(err))
		return
	}

	taskID, err := s.orchestrators.SubmitRevoke(certID, req.Reason)
	if err != nil {
		s.writeProblem(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"task_id": taskID})
}

type taskResponse struct {
	TaskID   string `json:"task_id"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Progress string `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

func taskSnapshot(t task.Task) taskResponse {
	resp := taskResponse{
		TaskID:   t.ID,
		Kind:     string(t.Kind),
		State:    string(t.State),
		Progress: t.Progress,
	}
	if t.Err != nil {
		resp.Error = t.Err.Error()
	}
	return resp
}

// writeProblem translates an error into the RFC 7807 wire shape per
// spec.md §7, inferring HTTP status and Retry-After where applicable.
func (s *Server) writeProblem(w http.ResponseWriter, err error) {
	ae, ok := err.(*acmeerr.Error)
	if !ok {
		ae = acmeerr.Protocol(err.Error())
	}

	pd := acmeerr.ToProblem(ae)
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter.Seconds())))
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pd.Status)
	json.NewEncoder(w).Encode(pd)
}
