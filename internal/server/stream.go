package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/event"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	agents, err := o.Registry().ListActiveAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := o.Registry().Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// streamEnvelope wraps an event for the wire: the concrete payload under
// its published type name.
type streamEnvelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// handleLiveStream serves the coordination event stream as server-sent
// events: a snapshot of current state on connect, then the live tail.
// The connection stays open until the client goes away or the bus closes.
func (s *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	o, err := s.project(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	bus := o.Bus()
	if bus == nil {
		s.writeError(w, errors.NewCoreError(errors.KindFatal, "event bus not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.NewCoreError(errors.KindFatal, "streaming unsupported"))
		return
	}

	types := r.URL.Query()["type"]
	sub := bus.Subscribe(types...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev event.Event) error {
	payload, err := json.Marshal(streamEnvelope{
		Type:      ev.EventType(),
		Timestamp: ev.Timestamp().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Data:      ev,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), payload)
	return err
}
