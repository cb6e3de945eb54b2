package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/voxlog/voxlog/internal/recorder"
	"github.com/voxlog/voxlog/internal/storage"
	"github.com/voxlog/voxlog/internal/store"
	"github.com/voxlog/voxlog/internal/transcribe"
)

// SessionsHandler serves session lifecycle and query endpoints.
type SessionsHandler struct {
	store        *store.Store
	audio        storage.AudioStore
	recorder     *recorder.Controller
	orchestrator *transcribe.Orchestrator
}

func NewSessionsHandler(st *store.Store, audio storage.AudioStore, rec *recorder.Controller, orch *transcribe.Orchestrator) *SessionsHandler {
	return &SessionsHandler{store: st, audio: audio, recorder: rec, orchestrator: orch}
}

type startSessionRequest struct {
	BaseName string `json:"base_name"`
}

// StartSession begins a new recording session.
func (h *SessionsHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BaseName == "" {
		req.BaseName = "recording"
	}

	sess, err := h.recorder.StartSession(r.Context(), req.BaseName)
	switch {
	case errors.Is(err, recorder.ErrSessionActive):
		WriteError(w, http.StatusConflict, "a recording session is already active")
		return
	case errors.Is(err, recorder.ErrCaptureUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "capture source unavailable")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("start session")
		WriteError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

// StopSession finalizes the active session and queues its backlog.
func (h *SessionsHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.recorder.StopSession(r.Context())
	if errors.Is(err, recorder.ErrNoActiveSession) {
		WriteError(w, http.StatusConflict, "no active recording session")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("stop session")
		WriteError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "session stopped but could not be read back")
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// PauseSession suspends capture on the active session.
func (h *SessionsHandler) PauseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.recorder.Pause(r.Context()); err != nil {
		if errors.Is(err, recorder.ErrNoActiveSession) {
			WriteError(w, http.StatusConflict, "no active recording session")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to pause session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeSession restarts capture on a paused session.
func (h *SessionsHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.recorder.Resume(r.Context()); err != nil {
		if errors.Is(err, recorder.ErrNoActiveSession) {
			WriteError(w, http.StatusConflict, "no active recording session")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to resume session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionListResponse struct {
	Sessions []store.Session `json:"sessions"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// ListSessions returns sessions newest first with pagination.
func (h *SessionsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, total, err := h.store.ListSessions(r.Context(), p.Limit, p.Offset)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list sessions")
		WriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	WriteJSON(w, http.StatusOK, sessionListResponse{
		Sessions: sessions, Total: total, Limit: p.Limit, Offset: p.Offset,
	})
}

// GetSession returns one session.
func (h *SessionsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// ListSessionSegments returns a session's segments in index order.
func (h *SessionsHandler) ListSessionSegments(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	segs, err := h.store.ListSegments(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list segments")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"segments": segs, "count": len(segs)})
}

type transcriptResponse struct {
	SessionID  int64  `json:"session_id"`
	Transcript string `json:"transcript"`
}

// GetTranscript returns the session's combined transcript.
func (h *SessionsHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	WriteJSON(w, http.StatusOK, transcriptResponse{SessionID: sess.ID, Transcript: sess.CombinedTranscript})
}

// RetranscribeSession queues the session's pending segments for another run.
func (h *SessionsHandler) RetranscribeSession(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if _, err := h.store.GetSession(r.Context(), id); errors.Is(err, pgx.ErrNoRows) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	} else if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	h.orchestrator.FlushSession(id)
	WriteJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "queued": true})
}

// DeleteSession removes a session, its segments, and their audio assets.
// Missing audio files are ignored.
func (h *SessionsHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	keys, err := h.store.DeleteSession(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("delete session")
		WriteError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	log := hlog.FromRequest(r)
	for _, key := range keys {
		if derr := h.audio.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("audio asset removal failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers session routes on the given router.
func (h *SessionsHandler) Routes(r chi.Router) {
	r.Post("/sessions/start", h.StartSession)
	r.Post("/sessions/stop", h.StopSession)
	r.Post("/sessions/pause", h.PauseSession)
	r.Post("/sessions/resume", h.ResumeSession)
	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{id}", h.GetSession)
	r.Get("/sessions/{id}/segments", h.ListSessionSegments)
	r.Get("/sessions/{id}/transcript", h.GetTranscript)
	r.Post("/sessions/{id}/transcribe", h.RetranscribeSession)
	r.Delete("/sessions/{id}", h.DeleteSession)
}
