package scheduler

import (
	"math/rand"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
	"github.com/thenexusengine/tne_streamads/pkg/vast"
	"github.com/thenexusengine/tne_streamads/pkg/vmap"
)

// Creative is the ad selected for a break, either a custom video or a VAST ad
type Creative struct {
	Position  adbreak.Position `json:"position"`
	Source    AdSource         `json:"source"`
	Custom    *CustomAd        `json:"custom_ad,omitempty"`
	Ad        *vast.Ad         `json:"vast_ad,omitempty"`
	MediaFile *vast.MediaFile  `json:"media_file,omitempty"`

	// BreakID and BreakTracking are set for creatives taken from a VMAP break
	BreakID       string             `json:"break_id,omitempty"`
	BreakTracking vmap.BreakTracking `json:"-"`
}

// ID returns the ad identifier used for analytics
func (c *Creative) ID() string {
	switch {
	case c.Custom != nil:
		return c.Custom.ID
	case c.Ad != nil:
		return c.Ad.ID
	}
	return ""
}

// MediaURL returns the URL the player should load
func (c *Creative) MediaURL() string {
	switch {
	case c.Custom != nil:
		return c.Custom.VideoURL
	case c.MediaFile != nil:
		return c.MediaFile.URL
	}
	return ""
}

// ClickThrough returns the landing page opened on click
func (c *Creative) ClickThrough() string {
	switch {
	case c.Custom != nil:
		return c.Custom.ClickURL
	case c.Ad != nil:
		return c.Ad.ClickThrough
	}
	return ""
}

// IsCustom reports whether the creative comes from the custom inventory
func (c *Creative) IsCustom() bool {
	return c.Custom != nil
}

// Request describes the break a creative is being selected for
type Request struct {
	Position   adbreak.Position
	PositionMs int64

	// Played lists VMAP breaks already shown in the session
	Played []string
}

// Availability selects a creative for a break, or nil when none is available
type Availability interface {
	Select(req Request) *Creative
}

// Inventory is the session's pre-resolved set of creatives. Tags and
// playlists are fetched before decisions are made so that selection never
// touches the network. Not safe for concurrent use.
type Inventory struct {
	Source           AdSource
	FallbackToCustom bool

	// Custom is the custom ad inventory, unfiltered
	Custom []CustomAd

	// Tags holds the resolved VAST tag response per position
	Tags map[adbreak.Position]*vast.Response

	// Timeline is the resolved VMAP playlist
	Timeline *adbreak.Categorized

	rng *rand.Rand
}

// NewInventory creates an inventory that draws custom ads with rng
func NewInventory(source AdSource, fallbackToCustom bool, rng *rand.Rand) *Inventory {
	return &Inventory{
		Source:           source,
		FallbackToCustom: fallbackToCustom,
		Tags:             make(map[adbreak.Position]*vast.Response),
		rng:              rng,
	}
}

// Select implements Availability
func (inv *Inventory) Select(req Request) *Creative {
	var c *Creative
	switch inv.Source {
	case SourceVAST:
		c = inv.selectTag(req)
	case SourceVMAP:
		c = inv.selectBreak(req)
	default:
		return inv.selectCustom(req)
	}

	if c == nil && inv.FallbackToCustom {
		return inv.selectCustom(req)
	}
	return c
}

// ActiveCustom returns the active custom ads of a type
func (inv *Inventory) ActiveCustom(pos adbreak.Position) []CustomAd {
	var out []CustomAd
	for _, ad := range inv.Custom {
		if ad.Active && ad.Type == pos && ad.VideoURL != "" {
			out = append(out, ad)
		}
	}
	return out
}

func (inv *Inventory) selectCustom(req Request) *Creative {
	candidates := inv.ActiveCustom(req.Position)
	if len(candidates) == 0 {
		return nil
	}

	i := 0
	if len(candidates) > 1 {
		if inv.rng != nil {
			i = inv.rng.Intn(len(candidates))
		} else {
			i = rand.Intn(len(candidates))
		}
	}
	ad := candidates[i]
	return &Creative{
		Position: req.Position,
		Source:   SourceCustom,
		Custom:   &ad,
	}
}

func (inv *Inventory) selectTag(req Request) *Creative {
	resp := inv.Tags[req.Position]
	if resp == nil {
		return nil
	}
	return vastCreative(req.Position, SourceVAST, resp.Ads)
}

// selectBreak takes the first unplayed break of the requested position. A
// mid-roll break is due once playback reaches its offset; breaks without a
// decodable offset are due at any time.
func (inv *Inventory) selectBreak(req Request) *Creative {
	if inv.Timeline == nil {
		return nil
	}

	var candidates []adbreak.ResolvedAdBreak
	switch req.Position {
	case adbreak.PreRoll:
		if inv.Timeline.PreRoll != nil {
			candidates = append(candidates, *inv.Timeline.PreRoll)
		}
	case adbreak.PostRoll:
		if inv.Timeline.PostRoll != nil {
			candidates = append(candidates, *inv.Timeline.PostRoll)
		}
	default:
		for _, brk := range inv.Timeline.MidRolls {
			if brk.TimeOffsetSeconds != nil && *brk.TimeOffsetSeconds*1000 > float64(req.PositionMs) {
				continue
			}
			candidates = append(candidates, brk)
		}
	}

	for _, brk := range candidates {
		if contains(req.Played, brk.BreakID) {
			continue
		}
		c := vastCreative(req.Position, SourceVMAP, brk.Ads)
		if c == nil {
			continue
		}
		c.BreakID = brk.BreakID
		c.BreakTracking = brk.TrackingEvents
		return c
	}
	return nil
}

// vastCreative picks the first ad that has a playable media file
func vastCreative(pos adbreak.Position, source AdSource, ads []vast.Ad) *Creative {
	for i := range ads {
		ad := ads[i]
		media := ad.BestMediaFile()
		if media == nil {
			continue
		}
		return &Creative{
			Position:  pos,
			Source:    source,
			Ad:        &ad,
			MediaFile: media,
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
