package endpoints

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_streamads/internal/analytics"
)

// ImpressionStore records and counts impressions; *analytics.Recorder implements it
type ImpressionStore interface {
	Record(ctx context.Context, imp analytics.Impression)
	Counts(ctx context.Context, adID string) (map[analytics.ImpressionType]int64, error)
}

// CountsResponse lists the impression counters of one ad
type CountsResponse struct {
	AdID   string                             `json:"ad_id"`
	Counts map[analytics.ImpressionType]int64 `json:"counts"`
}

// ImpressionHandler ingests impression reports from players and house-ad pixels
type ImpressionHandler struct {
	store ImpressionStore
}

// NewImpressionHandler creates an impression handler
func NewImpressionHandler(store ImpressionStore) *ImpressionHandler {
	return &ImpressionHandler{store: store}
}

// RegisterImpressionRoutes registers the impression API and tracking pixel
func RegisterImpressionRoutes(router *httprouter.Router, h *ImpressionHandler) {
	router.POST("/api/v1/impressions", h.HandleRecord)
	router.GET("/api/v1/impressions/:ad_id", h.HandleCounts)
	router.GET("/api/v1/pixel", h.HandlePixel)
}

// HandleRecord handles POST /api/v1/impressions
func (h *ImpressionHandler) HandleRecord(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var imp analytics.Impression
	if err := decodeJSON(r, &imp, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if t, ok := analytics.ParseImpressionType(string(imp.Type)); ok {
		imp.Type = t
	}
	if err := imp.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if imp.Timestamp.IsZero() {
		imp.Timestamp = time.Now().UTC()
	}

	h.store.Record(r.Context(), imp)
	w.WriteHeader(http.StatusAccepted)
}

// HandleCounts handles GET /api/v1/impressions/:ad_id
func (h *ImpressionHandler) HandleCounts(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	adID := ps.ByName("ad_id")
	counts, err := h.store.Counts(r.Context(), adID)
	if err != nil {
		log.Error().Err(err).Str("ad_id", adID).Msg("failed to read impression counters")
		writeError(w, http.StatusServiceUnavailable, "impression counters unavailable")
		return
	}
	writeJSON(w, http.StatusOK, CountsResponse{AdID: adID, Counts: counts})
}

// HandlePixel handles GET /api/v1/pixel?ad_id=...&type=view. It always
// answers with the pixel so players never see an error.
func (h *ImpressionHandler) HandlePixel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()

	imp := analytics.Impression{
		AdID:      q.Get("ad_id"),
		UserID:    q.Get("user_id"),
		TitleID:   q.Get("title_id"),
		SessionID: q.Get("session_id"),
		Position:  q.Get("position"),
		Source:    "house",
		Timestamp: time.Now().UTC(),
	}
	imp.Type, _ = analytics.ParseImpressionType(q.Get("type"))

	if err := imp.Validate(); err != nil {
		log.Debug().Err(err).Msg("ignoring invalid pixel request")
	} else {
		h.store.Record(r.Context(), imp)
	}

	writeTrackingPixel(w)
}

// transparentGIF is a 1x1 transparent GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00,
	0x01, 0x00, 0x80, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3b,
}

func writeTrackingPixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	_, _ = w.Write(transparentGIF)
}
