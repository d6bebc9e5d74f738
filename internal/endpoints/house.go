package endpoints

import (
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
	"github.com/thenexusengine/tne_streamads/internal/analytics"
	"github.com/thenexusengine/tne_streamads/internal/playback"
	"github.com/thenexusengine/tne_streamads/internal/scheduler"
	"github.com/thenexusengine/tne_streamads/pkg/tracking"
	"github.com/thenexusengine/tne_streamads/pkg/vast"
)

// House ads carry no probed metadata, so the document advertises fixed values
const (
	houseAdDuration = 30 * time.Second
	houseAdWidth    = 1920
	houseAdHeight   = 1080
)

// HouseAdHandler serves custom ads as VAST so third-party players can play
// the house inventory
type HouseAdHandler struct {
	inventory playback.InventoryProvider
	baseURL   string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewHouseAdHandler creates a house-ad handler. baseURL is the public origin
// the tracking pixels point at.
func NewHouseAdHandler(inventory playback.InventoryProvider, baseURL string) *HouseAdHandler {
	return &HouseAdHandler{
		inventory: inventory,
		baseURL:   strings.TrimRight(baseURL, "/"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// HandleHouseAd handles GET /api/v1/ads/house.xml?type=pre_roll
func (h *HouseAdHandler) HandleHouseAd(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pos := adbreak.Position(r.URL.Query().Get("type"))
	switch pos {
	case "":
		pos = adbreak.PreRoll
	case adbreak.PreRoll, adbreak.MidRoll, adbreak.PostRoll:
	default:
		writeError(w, http.StatusBadRequest, "type must be pre_roll, mid_roll or post_roll")
		return
	}

	ads, err := h.inventory.CustomAds(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to load custom ads for house VAST")
		h.writeVAST(w, vast.NewEmpty(""))
		return
	}

	inv := scheduler.Inventory{Custom: ads}
	candidates := inv.ActiveCustom(pos)
	if len(candidates) == 0 {
		h.writeVAST(w, vast.NewEmpty(""))
		return
	}

	h.mu.Lock()
	ad := candidates[h.rng.Intn(len(candidates))]
	h.mu.Unlock()

	doc, err := h.build(ad, pos)
	if err != nil {
		log.Error().Err(err).Str("ad_id", ad.ID).Msg("failed to build house VAST")
		h.writeVAST(w, vast.NewEmpty(""))
		return
	}
	h.writeVAST(w, doc)
}

func (h *HouseAdHandler) build(ad scheduler.CustomAd, pos adbreak.Position) (*vast.VAST, error) {
	lb := vast.NewBuilder("4.0").
		AddAd(ad.ID).
		WithInLine("StreamAds", "House Ad").
		WithImpression(h.pixelURL(ad.ID, analytics.View, pos)).
		WithLinearCreative(ad.ID, houseAdDuration).
		WithMediaFile(ad.VideoURL, mediaMIMEType(ad.VideoURL), houseAdWidth, houseAdHeight).
		WithTracking(tracking.EventComplete, h.pixelURL(ad.ID, analytics.Complete, pos)).
		WithTracking(tracking.EventSkip, h.pixelURL(ad.ID, analytics.Skip, pos))

	if ad.ClickURL != "" {
		lb = lb.WithClickThrough(ad.ClickURL).
			WithClickTracking(h.pixelURL(ad.ID, analytics.Click, pos))
	}
	return lb.EndLinear().Build()
}

func (h *HouseAdHandler) pixelURL(adID string, typ analytics.ImpressionType, pos adbreak.Position) string {
	q := url.Values{}
	q.Set("ad_id", adID)
	q.Set("type", string(typ))
	q.Set("position", string(pos))
	return h.baseURL + "/api/v1/pixel?" + q.Encode()
}

func (h *HouseAdHandler) writeVAST(w http.ResponseWriter, doc *vast.VAST) {
	body, err := doc.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal VAST")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// mediaMIMEType guesses the MIME type from the file extension
func mediaMIMEType(videoURL string) string {
	p := videoURL
	if u, err := url.Parse(videoURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".m3u8":
		return "application/x-mpegURL"
	default:
		return "video/mp4"
	}
}
