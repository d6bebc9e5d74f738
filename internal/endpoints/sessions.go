package endpoints

import (
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_streamads/internal/playback"
	"github.com/thenexusengine/tne_streamads/internal/scheduler"
	"github.com/thenexusengine/tne_streamads/pkg/tracking"
)

// TickRequest reports the playback position
type TickRequest struct {
	PositionMs int64 `json:"position_ms"`
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// ProgressRequest reports ad playback progress
type ProgressRequest struct {
	Percent float64 `json:"percent"`
}

// AdErrorRequest reports an ad the player could not render
type AdErrorRequest struct {
	Code string `json:"code,omitempty"`
}

// DecisionResponse carries an optional ad decision
type DecisionResponse struct {
	Decision *scheduler.Decision `json:"decision"`
}

// StateResponse carries the session state after an ad callback
type StateResponse struct {
	State scheduler.State `json:"state"`
}

// ProgressResponse lists the tracking events fired by a progress report
type ProgressResponse struct {
	Fired []tracking.EventKind `json:"fired"`
}

// ClickResponse carries the landing page of the clicked ad
type ClickResponse struct {
	ClickThrough string `json:"click_through,omitempty"`
}

// SessionHandler exposes playback sessions over HTTP
type SessionHandler struct {
	manager *playback.Manager
}

// NewSessionHandler creates a session handler
func NewSessionHandler(manager *playback.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// RegisterSessionRoutes registers the session API
func RegisterSessionRoutes(router *httprouter.Router, h *SessionHandler) {
	router.POST("/api/v1/sessions", h.HandleStart)
	router.GET("/api/v1/sessions/:id", h.HandleGet)
	router.DELETE("/api/v1/sessions/:id", h.HandleEnd)
	router.POST("/api/v1/sessions/:id/tick", h.HandleTick)
	router.POST("/api/v1/sessions/:id/ad/progress", h.HandleAdProgress)
	router.POST("/api/v1/sessions/:id/ad/complete", h.HandleAdComplete)
	router.POST("/api/v1/sessions/:id/ad/skip", h.HandleAdSkip)
	router.POST("/api/v1/sessions/:id/ad/click", h.HandleAdClick)
	router.POST("/api/v1/sessions/:id/ad/error", h.HandleAdError)
	router.POST("/api/v1/sessions/:id/ended", h.HandleContentEnded)
}

// HandleStart handles POST /api/v1/sessions
func (h *SessionHandler) HandleStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req playback.StartRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.manager.Start(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// HandleGet handles GET /api/v1/sessions/:id
func (h *SessionHandler) HandleGet(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	info, err := h.manager.Session(ps.ByName("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleEnd handles DELETE /api/v1/sessions/:id
func (h *SessionHandler) HandleEnd(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if err := h.manager.End(ps.ByName("id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTick handles POST /api/v1/sessions/:id/tick
func (h *SessionHandler) HandleTick(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req TickRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PositionMs < 0 || req.DurationMs < 0 {
		writeError(w, http.StatusBadRequest, "position_ms and duration_ms must not be negative")
		return
	}

	decision, err := h.manager.Tick(ps.ByName("id"), req.PositionMs, req.DurationMs)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionResponse{Decision: decision})
}

// HandleAdProgress handles POST /api/v1/sessions/:id/ad/progress
func (h *SessionHandler) HandleAdProgress(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req ProgressRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		writeError(w, http.StatusBadRequest, "percent must be between 0 and 100")
		return
	}

	fired, err := h.manager.AdProgress(ps.ByName("id"), req.Percent)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProgressResponse{Fired: fired})
}

// HandleAdComplete handles POST /api/v1/sessions/:id/ad/complete
func (h *SessionHandler) HandleAdComplete(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	h.writeState(w, h.manager.AdCompleted, ps.ByName("id"))
}

// HandleAdSkip handles POST /api/v1/sessions/:id/ad/skip
func (h *SessionHandler) HandleAdSkip(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	h.writeState(w, h.manager.AdSkipped, ps.ByName("id"))
}

// HandleAdClick handles POST /api/v1/sessions/:id/ad/click
func (h *SessionHandler) HandleAdClick(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	clickThrough, err := h.manager.AdClicked(ps.ByName("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClickResponse{ClickThrough: clickThrough})
}

// HandleAdError handles POST /api/v1/sessions/:id/ad/error
func (h *SessionHandler) HandleAdError(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req AdErrorRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Code == "" {
		// VAST 405: problem displaying the media file
		req.Code = "405"
	}

	st, err := h.manager.AdFailed(ps.ByName("id"), req.Code)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: st})
}

// HandleContentEnded handles POST /api/v1/sessions/:id/ended
func (h *SessionHandler) HandleContentEnded(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	decision, err := h.manager.ContentEnded(ps.ByName("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionResponse{Decision: decision})
}

func (h *SessionHandler) writeState(w http.ResponseWriter, fn func(string) (scheduler.State, error), id string) {
	st, err := fn(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: st})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, playback.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, playback.ErrNoAdPlaying):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("session request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
