package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/nonsense/internal/entity"
	"github.com/seantiz/nonsense/internal/model"
	"github.com/seantiz/nonsense/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// entityResponse is an entity definition together with its live state.
type entityResponse struct {
	Name       string                     `json:"name"`
	Components map[string]model.Component `json:"components"`
	UpdatedAt  time.Time                  `json:"updated_at"`
	State      string                     `json:"state"`
	Live       bool                       `json:"live"`
	Pid        int                        `json:"pid,omitempty"`
	Since      *time.Time                 `json:"since,omitempty"`
	Streaming  bool                       `json:"streaming"`
}

// entityListResponse is the JSON response for GET /v1/entities.
type entityListResponse struct {
	Entities []entityResponse `json:"entities"`
	Live     int              `json:"live"`
}

// historyResponse is the JSON response for GET /v1/entities/:name/history.
type historyResponse struct {
	Entity      string              `json:"entity"`
	Transitions []*model.Transition `json:"transitions"`
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListEntities(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("list entities")
		s.writeError(w, http.StatusInternalServerError, "failed to list entities")
		return
	}

	live, err := s.snapshot(r)
	if err != nil {
		s.logger.WithError(err).Error("snapshot live entities")
		s.writeError(w, http.StatusServiceUnavailable, "failed to read live state")
		return
	}

	resp := entityListResponse{Entities: make([]entityResponse, 0, len(defs))}
	for _, def := range defs {
		e := s.describe(def, live)
		if e.Live {
			resp.Live++
		}
		resp.Entities = append(resp.Entities, e)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	def, err := s.store.GetEntity(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("get entity")
		s.writeError(w, http.StatusInternalServerError, "failed to get entity")
		return
	}

	live, err := s.snapshot(r)
	if err != nil {
		s.logger.WithError(err).Error("snapshot live entities")
		s.writeError(w, http.StatusServiceUnavailable, "failed to read live state")
		return
	}

	s.writeJSON(w, http.StatusOK, s.describe(def, live))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := s.store.GetEntity(r.Context(), name); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	} else if err != nil {
		s.logger.WithError(err).Error("get entity for history")
		s.writeError(w, http.StatusInternalServerError, "failed to get entity")
		return
	}

	limit := parseIntQuery(r, "limit", defaultHistoryLimit)
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	transitions, err := s.store.ListTransitions(r.Context(), name, limit)
	if err != nil {
		s.logger.WithError(err).Error("list transitions")
		s.writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	if transitions == nil {
		transitions = []*model.Transition{}
	}

	s.writeJSON(w, http.StatusOK, historyResponse{Entity: name, Transitions: transitions})
}

// snapshot reads the live table, timing the round trip through the loop.
func (s *Server) snapshot(r *http.Request) (map[string]entity.Status, error) {
	timer := prometheus.NewTimer(snapshotDuration)
	defer timer.ObserveDuration()
	return s.live.Snapshot(r.Context())
}

func (s *Server) describe(def *model.Entity, live map[string]entity.Status) entityResponse {
	e := entityResponse{
		Name:       def.Name,
		Components: def.Components,
		UpdatedAt:  def.UpdatedAt,
		State:      model.StateAbsent,
		Streaming:  s.broker.Streaming(def.Name),
	}
	if st, ok := live[def.Name]; ok {
		since := st.Since
		e.State = st.State
		e.Live = true
		e.Pid = st.Pid
		e.Since = &since
	}
	return e
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
