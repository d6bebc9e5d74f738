package endpoints

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
	"github.com/thenexusengine/tne_streamads/pkg/vast"
)

// TimelineResolver resolves a VMAP playlist; *adbreak.Resolver implements it
type TimelineResolver interface {
	Timeline(ctx context.Context, vmapURL string, durationSeconds *float64) (adbreak.Categorized, error)
}

// TimelineHandler serves resolved VMAP timelines
type TimelineHandler struct {
	resolver TimelineResolver
}

// NewTimelineHandler creates a timeline handler
func NewTimelineHandler(resolver TimelineResolver) *TimelineHandler {
	return &TimelineHandler{resolver: resolver}
}

// HandleTimeline handles GET /api/v1/ads/timeline?vmap=URL&duration=S
func (h *TimelineHandler) HandleTimeline(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()

	vmapURL := q.Get("vmap")
	if !isHTTPURL(vmapURL) {
		writeError(w, http.StatusBadRequest, "vmap must be an http(s) URL")
		return
	}

	var duration *float64
	if raw := q.Get("duration"); raw != "" {
		d, err := strconv.ParseFloat(raw, 64)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "duration must be a non-negative number of seconds")
			return
		}
		duration = &d
	}

	timeline, err := h.resolver.Timeline(r.Context(), vmapURL, duration)
	if err != nil {
		log.Warn().Err(err).Str("url", vmapURL).Msg("VMAP timeline request failed")
		var parseErr *vast.ParseError
		var fetchErr *vast.FetchError
		switch {
		case errors.As(err, &parseErr):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.As(err, &fetchErr):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusBadGateway, "failed to resolve VMAP")
		}
		return
	}

	if timeline.MidRolls == nil {
		timeline.MidRolls = []adbreak.ResolvedAdBreak{}
	}
	writeJSON(w, http.StatusOK, timeline)
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
