package server

import (
	"net/http"

	"github.com/splitmind/splitmind/internal/orchestrator"
)

func (s *Server) handleOrchestratorStart(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The loop outlives the request, so it runs off the server's base
	// context rather than the request's.
	if err := o.Start(s.baseCtx); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Project: o.Project(), Running: o.Running()})
}

func (s *Server) handleOrchestratorStop(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	o.Stop(orchestrator.DefaultShutdownGrace)
	writeJSON(w, http.StatusOK, statusResponse{Project: o.Project(), Running: o.Running()})
}

type statusResponse struct {
	Project string `json:"project"`
	Running bool   `json:"running"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configPayload(o))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var updates map[string]any
	if err := decodeBody(r, &updates); err != nil {
		s.writeError(w, err)
		return
	}
	if err := o.UpdateConfig(updates); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configPayload(o))
}

// configPayload renders the runtime knobs under their file-format keys.
func configPayload(o *orchestrator.Orchestrator) map[string]any {
	cfg := o.Config()
	return map[string]any{
		"max_concurrent_agents": cfg.MaxConcurrentAgents,
		"auto_merge":            cfg.AutoMerge,
		"merge_strategy":        cfg.MergeStrategy,
		"ff_only":               cfg.FFOnly,
		"auto_spawn_interval_s": cfg.AutoSpawnIntervalS,
		"heartbeat_ttl_s":       cfg.HeartbeatTTLS,
		"spawn_timeout_s":       cfg.SpawnTimeoutS,
		"merge_timeout_s":       cfg.MergeTimeoutS,
		"starvation_ttl_s":      cfg.StarvationTTLS,
		"conflict_policy":       cfg.ConflictPolicy,
		"status_dir":            cfg.StatusDir,
		"retry_budget":          cfg.RetryBudget,
	}
}
