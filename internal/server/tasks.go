package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/orchestrator"
	"github.com/splitmind/splitmind/internal/task"
)

// taskPayload is the wire shape of a task.
type taskPayload struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Prompt             string     `json:"prompt,omitempty"`
	Branch             string     `json:"branch"`
	Session            string     `json:"session,omitempty"`
	Status             string     `json:"status"`
	Dependencies       []string   `json:"dependencies,omitempty"`
	InitializationDeps []string   `json:"initialization_deps,omitempty"`
	Priority           int        `json:"priority,omitempty"`
	MergeOrder         int        `json:"merge_order,omitempty"`
	ExclusiveFiles     []string   `json:"exclusive_files,omitempty"`
	SharedFiles        []string   `json:"shared_files,omitempty"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	MergedAt           *time.Time `json:"merged_at,omitempty"`
	Blocked            bool       `json:"blocked,omitempty"`
	RetryCount         int        `json:"retry_count,omitempty"`
}

func toPayload(t *task.Task) taskPayload {
	p := taskPayload{
		ID:                 t.ID,
		Title:              t.Title,
		Description:        t.Description,
		Prompt:             t.Prompt,
		Branch:             t.Branch,
		Session:            t.Session,
		Status:             string(t.Status),
		Dependencies:       t.Dependencies,
		InitializationDeps: t.InitializationDeps,
		Priority:           t.Priority,
		MergeOrder:         t.MergeOrder,
		ExclusiveFiles:     t.ExclusiveFiles,
		SharedFiles:        t.SharedFiles,
		Blocked:            t.Blocked,
		RetryCount:         t.RetryCount,
	}
	for _, ts := range []struct {
		src time.Time
		dst **time.Time
	}{
		{t.CreatedAt, &p.CreatedAt},
		{t.UpdatedAt, &p.UpdatedAt},
		{t.CompletedAt, &p.CompletedAt},
		{t.MergedAt, &p.MergedAt},
	} {
		if !ts.src.IsZero() {
			v := ts.src
			*ts.dst = &v
		}
	}
	return p
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := o.Store().Load()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]taskPayload, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toPayload(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// createTaskRequest is the POST body. The server assigns the id; a
// missing branch is derived from the title.
type createTaskRequest struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Prompt             string   `json:"prompt"`
	Branch             string   `json:"branch"`
	Dependencies       []string `json:"dependencies"`
	InitializationDeps []string `json:"initialization_deps"`
	Priority           int      `json:"priority"`
	MergeOrder         int      `json:"merge_order"`
	ExclusiveFiles     []string `json:"exclusive_files"`
	SharedFiles        []string `json:"shared_files"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Title == "" {
		s.writeError(w, errors.NewCoreError(errors.KindValidation, "title is required"))
		return
	}

	branch := req.Branch
	if branch == "" {
		branch = task.Slugify(req.Title)
	}
	if err := task.ValidateBranch(branch); err != nil {
		s.writeError(w, err)
		return
	}

	tasks, err := o.Store().Load()
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	t := &task.Task{
		ID:                 uniqueID(tasks, task.Slugify(req.Title)),
		Title:              req.Title,
		Description:        req.Description,
		Prompt:             req.Prompt,
		Branch:             branch,
		Status:             task.StatusUnclaimed,
		Dependencies:       req.Dependencies,
		InitializationDeps: req.InitializationDeps,
		Priority:           req.Priority,
		MergeOrder:         req.MergeOrder,
		ExclusiveFiles:     req.ExclusiveFiles,
		SharedFiles:        req.SharedFiles,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := o.Store().Save(append(tasks, t), false); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayload(t))
}

// uniqueID derives a task id from the slug, suffixing on collision.
func uniqueID(tasks []*task.Task, slug string) string {
	if slug == "" {
		slug = "task"
	}
	taken := map[string]bool{}
	for _, t := range tasks {
		taken[t.ID] = true
	}
	if !taken[slug] {
		return slug
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", slug, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

// patchTaskRequest carries the PUT body; nil fields are left unchanged.
type patchTaskRequest struct {
	Title              *string   `json:"title"`
	Description        *string   `json:"description"`
	Prompt             *string   `json:"prompt"`
	Status             *string   `json:"status"`
	Dependencies       *[]string `json:"dependencies"`
	InitializationDeps *[]string `json:"initialization_deps"`
	Priority           *int      `json:"priority"`
	MergeOrder         *int      `json:"merge_order"`
	ExclusiveFiles     *[]string `json:"exclusive_files"`
	SharedFiles        *[]string `json:"shared_files"`
	Blocked            *bool     `json:"blocked"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req patchTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tid := r.PathValue("tid")

	err = o.Store().Update(tid, func(t *task.Task) error {
		if req.Status != nil {
			next := task.Status(*req.Status)
			if !next.IsValid() {
				return errors.Wrapf(errors.ErrInvalidTransition, "unknown status %q", *req.Status)
			}
			if next != t.Status && !task.CanTransition(t.Status, next) {
				return errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", t.Status, next)
			}
			t.Status = next
			if next != task.StatusInProgress {
				t.Session = ""
			}
		}
		if req.Title != nil {
			t.Title = *req.Title
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.Prompt != nil {
			t.Prompt = *req.Prompt
		}
		if req.Dependencies != nil {
			t.Dependencies = *req.Dependencies
		}
		if req.InitializationDeps != nil {
			t.InitializationDeps = *req.InitializationDeps
		}
		if req.Priority != nil {
			t.Priority = *req.Priority
		}
		if req.MergeOrder != nil {
			t.MergeOrder = *req.MergeOrder
		}
		if req.ExclusiveFiles != nil {
			t.ExclusiveFiles = *req.ExclusiveFiles
		}
		if req.SharedFiles != nil {
			t.SharedFiles = *req.SharedFiles
		}
		if req.Blocked != nil {
			t.Blocked = *req.Blocked
			if !t.Blocked {
				t.RetryCount = 0
			}
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	t, err := s.findTask(o, tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayload(t))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tid := r.PathValue("tid")
	force := r.URL.Query().Get("force") == "true"

	tasks, err := o.Store().Load()
	if err != nil {
		s.writeError(w, err)
		return
	}

	kept := tasks[:0]
	var found *task.Task
	for _, t := range tasks {
		if t.ID == tid {
			found = t
			continue
		}
		kept = append(kept, t)
	}
	if found == nil {
		s.writeError(w, errors.Wrapf(errors.ErrTaskNotFound, "%s", tid))
		return
	}
	if found.Status == task.StatusInProgress && !force {
		s.writeError(w, errors.Wrapf(errors.ErrTaskInProgress, "%s has a live agent; pass force=true", tid))
		return
	}

	if err := o.Store().Save(kept, false); err != nil {
		s.writeError(w, err)
		return
	}
	if found.Session != "" {
		o.KillSession(r.Context(), found.Session)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMergeTask(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tid := r.PathValue("tid")

	t, err := s.findTask(o, tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if t.Status != task.StatusCompleted {
		s.writeError(w, errors.Wrapf(errors.ErrInvalidTransition, "%s is %s, only completed tasks merge", tid, t.Status))
		return
	}

	if err := o.MergeStep(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	t, err = s.findTask(o, tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayload(t))
}

// handleMergePreview returns the order the queue would merge in,
// without touching git.
func (s *Server) handleMergePreview(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	seq, err := o.MergePreview(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]taskPayload, 0, len(seq))
	for _, t := range seq {
		out = append(out, toPayload(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tid := r.PathValue("tid")

	if err := o.ResetTask(r.Context(), tid); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.findTask(o, tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayload(t))
}

func (s *Server) findTask(o *orchestrator.Orchestrator, id string) (*task.Task, error) {
	tasks, err := o.Store().Load()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrTaskNotFound, "%s", id)
}
