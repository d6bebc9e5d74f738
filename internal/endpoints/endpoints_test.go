package endpoints

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/thenexusengine/tne_streamads/pkg/logger"
	"github.com/thenexusengine/tne_streamads/pkg/tracking"
)

func init() {
	logger.Init(logger.Config{
		Level:      "error",
		Format:     "json",
		TimeFormat: time.RFC3339,
	})
}

func serve(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func newRouter() *httprouter.Router {
	return httprouter.New()
}

type firedEvent struct {
	kind tracking.EventKind
	urls []string
}

type recordingFirer struct {
	mu     sync.Mutex
	events []firedEvent
}

func (f *recordingFirer) FireEvent(kind tracking.EventKind, urls []string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, firedEvent{kind: kind, urls: urls})
}

func (f *recordingFirer) kinds() []tracking.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tracking.EventKind, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.kind)
	}
	return out
}

func inlineVAST(id string) string {
	return fmt.Sprintf(`<VAST version="4.0"><Ad id="%s"><InLine><AdSystem>s</AdSystem><AdTitle>%s</AdTitle>
		<Impression>https://track.example.com/imp/%s</Impression>
		<Creatives><Creative><Linear><Duration>00:00:15</Duration>
		<MediaFiles><MediaFile type="video/mp4" width="640" height="360">https://cdn.example.com/%s.mp4</MediaFile></MediaFiles>
		</Linear></Creative></Creatives></InLine></Ad></VAST>`, id, id, id, id)
}

// docServer serves XML documents by path
func docServer(t *testing.T, docs map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, ok := docs[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}
