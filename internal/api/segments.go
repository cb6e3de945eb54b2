package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/voxlog/voxlog/internal/storage"
	"github.com/voxlog/voxlog/internal/store"
	"github.com/voxlog/voxlog/internal/transcribe"
)

// SegmentsHandler serves segment query and requeue endpoints.
type SegmentsHandler struct {
	store        *store.Store
	audio        storage.AudioStore
	orchestrator *transcribe.Orchestrator
}

func NewSegmentsHandler(st *store.Store, audio storage.AudioStore, orch *transcribe.Orchestrator) *SegmentsHandler {
	return &SegmentsHandler{store: st, audio: audio, orchestrator: orch}
}

// ListPending returns all segments awaiting transcription, oldest first.
func (h *SegmentsHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	segs, err := h.store.ListPendingTranscriptions(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list pending segments")
		WriteError(w, http.StatusInternalServerError, "failed to list pending segments")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"segments": segs, "count": len(segs)})
}

// GetSegment returns one segment.
func (h *SegmentsHandler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid segment id")
		return
	}
	seg, err := h.store.GetSegment(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		WriteError(w, http.StatusNotFound, "segment not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load segment")
		return
	}
	WriteJSON(w, http.StatusOK, seg)
}

// GetSegmentAudio streams the segment's WAV bytes.
func (h *SegmentsHandler) GetSegmentAudio(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid segment id")
		return
	}
	seg, err := h.store.GetSegment(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		WriteError(w, http.StatusNotFound, "segment not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load segment")
		return
	}

	rc, err := h.audio.Open(r.Context(), seg.AudioKey)
	if err != nil {
		WriteError(w, http.StatusNotFound, "audio asset not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/wav")
	io.Copy(w, rc)
}

// RequeueSegment resets a segment for manual re-transcription and
// dispatches it immediately.
func (h *SegmentsHandler) RequeueSegment(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid segment id")
		return
	}
	if err := h.store.ResetForRetry(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteError(w, http.StatusNotFound, "segment not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to reset segment")
		return
	}
	seg, err := h.store.GetSegment(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "segment reset but could not be read back")
		return
	}
	h.orchestrator.Dispatch(*seg)
	WriteJSON(w, http.StatusAccepted, seg)
}

type skipRequest struct {
	Reason string `json:"reason"`
}

// SkipSegment marks a segment skipped so it no longer counts as pending.
func (h *SegmentsHandler) SkipSegment(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid segment id")
		return
	}
	var req skipRequest
	if err := DecodeJSON(r, &req); err != nil || req.Reason == "" {
		req.Reason = "skipped by operator"
	}
	if err := h.store.MarkSkipped(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteError(w, http.StatusNotFound, "segment not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to skip segment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers segment routes on the given router.
func (h *SegmentsHandler) Routes(r chi.Router) {
	r.Get("/segments/pending", h.ListPending)
	r.Get("/segments/{id}", h.GetSegment)
	r.Get("/segments/{id}/audio", h.GetSegmentAudio)
	r.Post("/segments/{id}/requeue", h.RequeueSegment)
	r.Post("/segments/{id}/skip", h.SkipSegment)
}
