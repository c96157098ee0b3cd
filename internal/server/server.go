// Package server is the control-plane HTTP API: task CRUD, orchestrator
// start/stop, runtime config, agent listings, coordination stats, and the
// live event stream. The agent-facing surface lives in agentrpc; this
// package serves operators and UIs.
//
// Built on net/http's pattern mux. Error responses carry a typed payload
// {kind, message, retry_after_s?} derived from the error taxonomy.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/logging"
	"github.com/splitmind/splitmind/internal/orchestrator"
)

// DefaultShutdownTimeout bounds graceful HTTP shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Server exposes registered projects over HTTP.
type Server struct {
	projects map[string]*orchestrator.Orchestrator
	logger   *logging.Logger
	http     *http.Server
	// baseCtx parents orchestrator loops started over HTTP; they must
	// outlive the request that started them.
	baseCtx context.Context
}

// New creates a Server for the given projects.
func New(projects map[string]*orchestrator.Orchestrator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if projects == nil {
		projects = map[string]*orchestrator.Orchestrator{}
	}
	return &Server{
		projects: projects,
		logger:   logger.WithComponent("server"),
		baseCtx:  context.Background(),
	}
}

// SetBaseContext overrides the context orchestrator loops run under.
func (s *Server) SetBaseContext(ctx context.Context) { s.baseCtx = ctx }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /projects/{id}/tasks", s.handleListTasks)
	mux.HandleFunc("POST /projects/{id}/tasks", s.handleCreateTask)
	mux.HandleFunc("PUT /projects/{id}/tasks/{tid}", s.handlePatchTask)
	mux.HandleFunc("DELETE /projects/{id}/tasks/{tid}", s.handleDeleteTask)
	mux.HandleFunc("POST /projects/{id}/tasks/{tid}/merge", s.handleMergeTask)
	mux.HandleFunc("POST /projects/{id}/tasks/{tid}/reset", s.handleResetTask)
	mux.HandleFunc("GET /projects/{id}/merge/preview", s.handleMergePreview)

	mux.HandleFunc("POST /orchestrator/start", s.handleOrchestratorStart)
	mux.HandleFunc("POST /orchestrator/stop", s.handleOrchestratorStop)
	mux.HandleFunc("GET /orchestrator/config", s.handleGetConfig)
	mux.HandleFunc("PUT /orchestrator/config", s.handlePutConfig)

	mux.HandleFunc("GET /projects/{id}/agents", s.handleListAgents)
	mux.HandleFunc("GET /projects/{id}/coordination/stats", s.handleStats)
	mux.HandleFunc("GET /projects/{id}/coordination/live", s.handleLiveStream)

	return mux
}

// ListenAndServe blocks serving on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("control plane listening", "addr", addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// project resolves a path's {id}. Falls back to the "project" query
// parameter for the project-less orchestrator routes; with exactly one
// registered project the parameter may be omitted.
func (s *Server) project(r *http.Request) (*orchestrator.Orchestrator, error) {
	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("project")
	}
	if id == "" && len(s.projects) == 1 {
		for _, o := range s.projects {
			return o, nil
		}
	}
	o, ok := s.projects[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "unknown project %q", id)
	}
	return o, nil
}

// errorPayload is the wire shape of every error response.
type errorPayload struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_s,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	payload := errorPayload{
		Kind:    errors.KindOf(err).String(),
		Message: err.Error(),
	}

	var core *errors.CoreError
	if errors.As(err, &core) && core.RetryAfter > 0 {
		payload.RetryAfter = int(core.RetryAfter / time.Second)
	}

	status := statusFor(err)
	if status == http.StatusServiceUnavailable && payload.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(payload.RetryAfter))
	}
	writeJSON(w, status, payload)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrTaskNotFound),
		errors.Is(err, errors.ErrAgentNotFound),
		errors.Is(err, errors.ErrTodoNotFound),
		errors.Is(err, errors.ErrInterfaceNotFound):
		return http.StatusNotFound
	}
	switch errors.KindOf(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindTransient:
		return http.StatusServiceUnavailable
	case errors.KindAgentFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewCoreError(errors.KindValidation, fmt.Sprintf("bad request body: %v", err))
	}
	return nil
}
