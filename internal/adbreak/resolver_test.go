package adbreak

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenexusengine/tne_streamads/pkg/vast"
	"github.com/thenexusengine/tne_streamads/pkg/vmap"
)

type fakeFetcher struct {
	mu        sync.Mutex
	docs      map[string]string
	responses map[string]*vast.Response
	delays    map[string]time.Duration
	budgets   map[string]int
	parseErrs []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs:      map[string]string{},
		responses: map[string]*vast.Response{},
		delays:    map[string]time.Duration{},
		budgets:   map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[url]
	if !ok {
		return "", &vast.FetchError{URL: url, StatusCode: http.StatusNotFound}
	}
	return doc, nil
}

func (f *fakeFetcher) FetchVASTAd(_ context.Context, url string, maxRedirects int) *vast.Response {
	f.mu.Lock()
	delay := f.delays[url]
	f.budgets[url] = maxRedirects
	resp, ok := f.responses[url]
	f.mu.Unlock()

	time.Sleep(delay)
	if !ok {
		return &vast.Response{Ads: []vast.Ad{}}
	}
	return resp
}

func (f *fakeFetcher) ParseAndResolve(_ context.Context, xmlData string, maxRedirects int) (*vast.Response, error) {
	f.mu.Lock()
	f.budgets["inline"] = maxRedirects
	f.mu.Unlock()
	return vast.Parse(xmlData)
}

func (f *fakeFetcher) RecordParseError(doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parseErrs = append(f.parseErrs, doc)
}

func adsResponse(ids ...string) *vast.Response {
	resp := &vast.Response{}
	for _, id := range ids {
		resp.Ads = append(resp.Ads, vast.Ad{
			ID:         id,
			MediaFiles: []vast.MediaFile{{URL: "https://cdn.example.com/" + id + ".mp4", MIMEType: "video/mp4"}},
		})
	}
	return resp
}

func ptr(f float64) *float64 {
	return &f
}

func TestParseTimeOffset(t *testing.T) {
	tests := []struct {
		offset   string
		duration *float64
		position Position
		want     *float64
	}{
		{"start", nil, PreRoll, ptr(0)},
		{"START", nil, PreRoll, ptr(0)},
		{"end", nil, PostRoll, nil},
		{"00:05:00", nil, MidRoll, ptr(300)},
		{"00:05:00.500", nil, MidRoll, ptr(300.5)},
		{"50%", ptr(600), MidRoll, ptr(300)},
		{"50%", nil, MidRoll, nil},
		{"90", nil, MidRoll, ptr(90)},
		{"#2", nil, MidRoll, nil},
		{"whenever", nil, MidRoll, nil},
	}

	for _, tt := range tests {
		t.Run(tt.offset, func(t *testing.T) {
			pos, got := ParseTimeOffset(tt.offset, tt.duration)
			assert.Equal(t, tt.position, pos)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 0.0001)
		})
	}
}

func TestResolveAll_SortsAndCategorizes(t *testing.T) {
	f := newFakeFetcher()
	f.responses["https://ads/pre"] = adsResponse("pre")
	f.responses["https://ads/mid"] = adsResponse("mid")
	f.responses["https://ads/post"] = adsResponse("post")
	// the pre-roll answers last; order must not depend on completion order
	f.delays["https://ads/pre"] = 50 * time.Millisecond

	resp := &vmap.Response{AdBreaks: []vmap.AdBreak{
		{BreakID: "post", TimeOffset: "end", BreakType: "linear", AdSource: &vmap.AdSource{VASTURL: "https://ads/post", AllowMultipleAds: true, FollowRedirects: true}},
		{BreakID: "mid", TimeOffset: "00:05:00", BreakType: "linear", AdSource: &vmap.AdSource{VASTURL: "https://ads/mid", AllowMultipleAds: true, FollowRedirects: true}},
		{BreakID: "pre", TimeOffset: "start", BreakType: "linear", AdSource: &vmap.AdSource{VASTURL: "https://ads/pre", AllowMultipleAds: true, FollowRedirects: true}},
	}}

	r := NewResolver(f, vast.DefaultMaxRedirects)
	sorted := r.ResolveAll(context.Background(), resp, nil)
	require.Len(t, sorted, 3)
	assert.Equal(t, []Position{PreRoll, MidRoll, PostRoll}, []Position{sorted[0].Position, sorted[1].Position, sorted[2].Position})

	c := Categorize(sorted)
	require.NotNil(t, c.PreRoll)
	require.NotNil(t, c.PostRoll)
	require.Len(t, c.MidRolls, 1)
	assert.Equal(t, "pre", c.PreRoll.Ads[0].ID)
	assert.Equal(t, "post", c.PostRoll.Ads[0].ID)
	require.NotNil(t, c.MidRolls[0].TimeOffsetSeconds)
	assert.InDelta(t, 300, *c.MidRolls[0].TimeOffsetSeconds, 0.0001)
	assert.True(t, c.HasAds())
}

func TestResolveAll_MidRollOrdering(t *testing.T) {
	f := newFakeFetcher()
	breaks := []vmap.AdBreak{
		{BreakID: "undefined", TimeOffset: "50%", BreakType: "linear"},
		{BreakID: "m600", TimeOffset: "00:10:00", BreakType: "linear"},
		{BreakID: "m120", TimeOffset: "120", BreakType: "linear"},
		{BreakID: "display", TimeOffset: "00:01:00", BreakType: "display"},
		{BreakID: "m300", TimeOffset: "00:05:00", BreakType: "nonlinear,linear"},
	}

	r := NewResolver(f, vast.DefaultMaxRedirects)
	sorted := r.ResolveAll(context.Background(), &vmap.Response{AdBreaks: breaks}, nil)

	var ids []string
	for _, b := range sorted {
		ids = append(ids, b.BreakID)
		assert.NotNil(t, b.Ads, "breaks without a source resolve to an empty list")
	}
	assert.Equal(t, []string{"m120", "m300", "m600", "undefined"}, ids)
}

func TestResolveAdBreak_SourceHandling(t *testing.T) {
	f := newFakeFetcher()
	f.responses["https://ads/pod"] = adsResponse("a", "b", "c")
	r := NewResolver(f, 4)

	t.Run("allowMultipleAds false keeps the first ad", func(t *testing.T) {
		brk := vmap.AdBreak{BreakID: "x", TimeOffset: "start", AdSource: &vmap.AdSource{VASTURL: "https://ads/pod", FollowRedirects: true}}
		resolved := r.ResolveAdBreak(context.Background(), brk, nil)
		require.Len(t, resolved.Ads, 1)
		assert.Equal(t, "a", resolved.Ads[0].ID)
		assert.Equal(t, 4, f.budgets["https://ads/pod"])
	})

	t.Run("followRedirects false uses no budget", func(t *testing.T) {
		brk := vmap.AdBreak{BreakID: "x", TimeOffset: "start", AdSource: &vmap.AdSource{VASTURL: "https://ads/pod", AllowMultipleAds: true}}
		resolved := r.ResolveAdBreak(context.Background(), brk, nil)
		assert.Len(t, resolved.Ads, 3)
		assert.Equal(t, 0, f.budgets["https://ads/pod"])
	})

	t.Run("inline VAST is parsed directly", func(t *testing.T) {
		inline := `<VAST version="3.0"><Ad id="inline"><InLine><AdSystem>s</AdSystem><AdTitle>t</AdTitle>
			<Creatives><Creative><Linear><Duration>00:00:10</Duration><MediaFiles>
			<MediaFile type="video/mp4" width="640" height="360">https://cdn.example.com/i.mp4</MediaFile>
			</MediaFiles></Linear></Creative></Creatives></InLine></Ad></VAST>`
		brk := vmap.AdBreak{BreakID: "x", TimeOffset: "end", AdSource: &vmap.AdSource{VASTInlineXML: inline, AllowMultipleAds: true, FollowRedirects: true}}
		resolved := r.ResolveAdBreak(context.Background(), brk, nil)
		require.Len(t, resolved.Ads, 1)
		assert.Equal(t, "inline", resolved.Ads[0].ID)
		assert.Equal(t, PostRoll, resolved.Position)
	})

	t.Run("invalid inline VAST resolves to no ads", func(t *testing.T) {
		brk := vmap.AdBreak{BreakID: "x", TimeOffset: "start", AdSource: &vmap.AdSource{VASTInlineXML: "<broken", AllowMultipleAds: true}}
		resolved := r.ResolveAdBreak(context.Background(), brk, nil)
		assert.Empty(t, resolved.Ads)
	})

	t.Run("empty source resolves to no ads", func(t *testing.T) {
		brk := vmap.AdBreak{BreakID: "x", TimeOffset: "start", AdSource: &vmap.AdSource{}}
		resolved := r.ResolveAdBreak(context.Background(), brk, nil)
		assert.Empty(t, resolved.Ads)
		assert.False(t, Categorize([]ResolvedAdBreak{resolved}).HasAds())
	})
}

func TestCategorize_Empty(t *testing.T) {
	c := Categorize(nil)
	assert.Nil(t, c.PreRoll)
	assert.Nil(t, c.PostRoll)
	assert.NotNil(t, c.MidRolls)
	assert.Empty(t, c.MidRolls)
}

func TestTimeline_EndToEnd(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	vastDoc := func(id string) string {
		return `<VAST version="3.0"><Ad id="` + id + `"><InLine><AdSystem>s</AdSystem><AdTitle>t</AdTitle>
			<Creatives><Creative><Linear><Duration>00:00:15</Duration><MediaFiles>
			<MediaFile type="video/mp4" width="1280" height="720">https://cdn.example.com/` + id + `.mp4</MediaFile>
			</MediaFiles></Linear></Creative></Creatives></InLine></Ad></VAST>`
	}
	mux.HandleFunc("/pre", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(vastDoc("pre"))) })
	mux.HandleFunc("/mid", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(vastDoc("mid"))) })
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mux.HandleFunc("/vmap", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<vmap:VMAP xmlns:vmap="http://www.iab.net/videosuite/vmap" version="1.0">
			<vmap:AdBreak timeOffset="start" breakType="linear" breakId="pre"><vmap:AdSource><vmap:AdTagURI>` + srv.URL + `/pre</vmap:AdTagURI></vmap:AdSource></vmap:AdBreak>
			<vmap:AdBreak timeOffset="25%" breakType="linear" breakId="mid"><vmap:AdSource><vmap:AdTagURI>` + srv.URL + `/mid</vmap:AdTagURI></vmap:AdSource></vmap:AdBreak>
			<vmap:AdBreak timeOffset="end" breakType="linear" breakId="post"><vmap:AdSource><vmap:AdTagURI>` + srv.URL + `/post</vmap:AdTagURI></vmap:AdSource></vmap:AdBreak>
			</vmap:VMAP>`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<VAST/>")) })

	fetcher := vast.NewFetcher(vast.WithFetchClient(srv.Client()))
	r := NewResolver(fetcher, vast.DefaultMaxRedirects)

	timeline, err := r.Timeline(context.Background(), srv.URL+"/vmap", ptr(1200))
	require.NoError(t, err)
	require.NotNil(t, timeline.PreRoll)
	assert.Equal(t, "pre", timeline.PreRoll.Ads[0].ID)
	require.Len(t, timeline.MidRolls, 1)
	assert.InDelta(t, 300, *timeline.MidRolls[0].TimeOffsetSeconds, 0.0001)
	require.NotNil(t, timeline.PostRoll)
	assert.Empty(t, timeline.PostRoll.Ads, "204 from the ad server is no fill")

	_, err = r.Timeline(context.Background(), srv.URL+"/broken", nil)
	var parseErr *vmap.ParseError
	assert.True(t, errors.As(err, &parseErr))

	_, err = r.Timeline(context.Background(), srv.URL+"/missing", nil)
	var fetchErr *vast.FetchError
	assert.True(t, errors.As(err, &fetchErr))
}
