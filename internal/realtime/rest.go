package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"diagramflow/internal/catalog"
	"diagramflow/internal/lifecycle"
	"diagramflow/internal/session"
	"diagramflow/internal/storage"
)

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Sessions      int     `json:"sessions"`
	ActiveTasks   int     `json:"activeTasks"`
}

type sessionDetail struct {
	session.Session
	RequestState  lifecycle.State  `json:"requestState"`
	ActiveRequest string           `json:"activeRequest,omitempty"`
	History       []session.Event  `json:"history"`
	Artifacts     []storage.Record `json:"artifacts,omitempty"`
}

type catalogEntry struct {
	Kind       string              `json:"kind"`
	Candidates []catalog.Candidate `json:"candidates"`
}

// ArtifactLister is implemented by stores that can list a session's
// artifacts.
type ArtifactLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]storage.Record, error)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Sessions:      s.deps.Sessions.Count(),
		ActiveTasks:   s.deps.Lifecycle.ActiveCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.deps.Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	history, _ := s.deps.Sessions.History(id)
	detail := sessionDetail{
		Session:      sess,
		RequestState: s.deps.Lifecycle.State(id),
		History:      history,
	}
	if task, ok := s.deps.Lifecycle.Active(id); ok {
		detail.ActiveRequest = task.Request.ID
	}
	if lister, ok := s.deps.Artifacts.(ArtifactLister); ok {
		recs, err := lister.ListBySession(r.Context(), id)
		if err != nil {
			s.logger.Warn("failed to list artifacts", zap.String("session_id", id), zap.Error(err))
		}
		detail.Artifacts = recs
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	kinds := s.deps.Catalog.Kinds()
	entries := make([]catalogEntry, 0, len(kinds))
	for _, kind := range kinds {
		cands, _ := s.deps.Catalog.Candidates(kind)
		entries = append(entries, catalogEntry{Kind: kind, Candidates: cands})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Artifacts.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load artifact", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(rec.Content))
}
