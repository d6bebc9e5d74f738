package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
	"github.com/thenexusengine/tne_streamads/pkg/vast"
)

type stubTimeline struct {
	result   adbreak.Categorized
	err      error
	url      string
	duration *float64
}

func (s *stubTimeline) Timeline(_ context.Context, vmapURL string, duration *float64) (adbreak.Categorized, error) {
	s.url = vmapURL
	s.duration = duration
	return s.result, s.err
}

func timelineRouter(resolver TimelineResolver) http.Handler {
	router := newRouter()
	router.GET("/api/v1/ads/timeline", NewTimelineHandler(resolver).HandleTimeline)
	return router
}

func TestTimelineHandler(t *testing.T) {
	zero := 0.0
	stub := &stubTimeline{result: adbreak.Categorized{
		PreRoll: &adbreak.ResolvedAdBreak{BreakID: "pre", Position: adbreak.PreRoll, TimeOffsetSeconds: &zero},
	}}

	rec := serve(timelineRouter(stub), http.MethodGet,
		"/api/v1/ads/timeline?vmap=https%3A%2F%2Fads.example.com%2Fvmap.xml&duration=1200", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "https://ads.example.com/vmap.xml", stub.url)
	require.NotNil(t, stub.duration)
	assert.Equal(t, 1200.0, *stub.duration)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.JSONEq(t, `[]`, string(got["mid_rolls"]))
	assert.JSONEq(t, `null`, string(got["post_roll"]))
	assert.Contains(t, string(got["pre_roll"]), `"break_id":"pre"`)
}

func TestTimelineHandlerWithoutDuration(t *testing.T) {
	stub := &stubTimeline{}
	rec := serve(timelineRouter(stub), http.MethodGet, "/api/v1/ads/timeline?vmap=http://ads.example.com/v", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, stub.duration)
}

func TestTimelineHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		err    error
		status int
	}{
		{"missing url", "", nil, http.StatusBadRequest},
		{"non-http url", "?vmap=ftp://ads.example.com/v", nil, http.StatusBadRequest},
		{"bad duration", "?vmap=http://ads.example.com/v&duration=abc", nil, http.StatusBadRequest},
		{"negative duration", "?vmap=http://ads.example.com/v&duration=-3", nil, http.StatusBadRequest},
		{"invalid document", "?vmap=http://ads.example.com/v", &vast.ParseError{Doc: "VMAP", Reason: "missing root"}, http.StatusUnprocessableEntity},
		{"upstream failure", "?vmap=http://ads.example.com/v", &vast.FetchError{URL: "http://ads.example.com/v", StatusCode: 500}, http.StatusBadGateway},
		{"other failure", "?vmap=http://ads.example.com/v", errors.New("boom"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(timelineRouter(&stubTimeline{err: tt.err}), http.MethodGet, "/api/v1/ads/timeline"+tt.query, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
