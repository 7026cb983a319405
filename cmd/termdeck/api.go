package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/termdeck/internal/explorer"
	"github.com/gluk-w/termdeck/internal/metrics"
	"github.com/gluk-w/termdeck/internal/remotefs"
	"github.com/gluk-w/termdeck/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// errorStatus maps component errors to HTTP status codes.
func errorStatus(err error) int {
	var pe *remotefs.ProviderError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, explorer.ErrInvalidName), errors.Is(err, session.ErrInputTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, explorer.ErrNothingViewed), errors.Is(err, session.ErrSessionNotConnected):
		return http.StatusConflict
	case remotefs.IsNotReady(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", a.healthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", a.listSessions)
		r.Delete("/sessions/{id}", a.removeSession)
		r.Post("/sessions/{id}/input", a.sendInput)
		r.Get("/sessions/{id}/history", a.commandHistory)
		r.Get("/sessions/{id}/files", a.browseFiles)
		r.Post("/sessions/{id}/files", a.mutateFiles)
		r.Post("/view/refresh", a.refreshView)
	})
	return r
}

func (a *app) healthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if a.history != nil {
		dbStatus = "connected"
		if err := a.history.Ping(); err != nil {
			dbStatus = "disconnected"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"database": dbStatus,
		"sessions": a.sessions.Count(),
	})
}

type sessionResponse struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	TransportOpen bool      `json:"transport_open"`
	CreatedAt     time.Time `json:"created_at"`
}

func (a *app) listSessions(w http.ResponseWriter, r *http.Request) {
	list := a.sessions.List()
	out := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, sessionResponse{
			ID:            s.ID,
			State:         string(s.State()),
			TransportOpen: s.TransportOpen(),
			CreatedAt:     s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *app) removeSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) sendInput(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, session.MaxInputMessageSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if err := a.sessions.Send(r.Context(), chi.URLParam(r, "id"), data); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) commandHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cmds, err := a.history.Recent(chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

// knownSession writes a 404 and reports false when id is not registered.
func (a *app) knownSession(w http.ResponseWriter, id string) bool {
	if a.sessions.Get(id) == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return false
	}
	return true
}

func (a *app) browseFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.knownSession(w, id) {
		return
	}
	p := r.URL.Query().Get("path")
	if p == "" {
		p = a.explorer.Home(id)
	}
	entries, err := a.explorer.Open(r.Context(), id, p)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    remotefs.CleanPath(p),
		"entries": entries,
	})
}

// fileRequest is one mutation. Path is the parent directory for creates and
// the target otherwise; Name is the new entry name for creates and renames.
type fileRequest struct {
	Op   string `json:"op"`
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
	Dest string `json:"dest,omitempty"`
}

func (a *app) mutateFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.knownSession(w, id) {
		return
	}
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	var err error
	switch req.Op {
	case "create_file":
		err = a.explorer.CreateFile(ctx, id, req.Path, req.Name)
	case "create_dir":
		err = a.explorer.CreateDir(ctx, id, req.Path, req.Name)
	case "delete":
		err = a.explorer.Delete(ctx, id, req.Path)
	case "rename":
		err = a.explorer.Rename(ctx, id, req.Path, req.Name)
	case "copy":
		err = a.explorer.Copy(ctx, id, req.Path, req.Dest)
	default:
		writeError(w, http.StatusBadRequest, "unknown op "+strconv.Quote(req.Op))
		return
	}
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) refreshView(w http.ResponseWriter, r *http.Request) {
	entries, err := a.explorer.Refresh(r.Context())
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	key, _ := a.explorer.Viewed()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": key.SessionID,
		"path":    key.Path,
		"entries": entries,
	})
}
