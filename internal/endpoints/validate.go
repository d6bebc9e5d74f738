package endpoints

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_streamads/internal/middleware"
	"github.com/thenexusengine/tne_streamads/pkg/vast"
	"github.com/thenexusengine/tne_streamads/pkg/vmap"
)

// Document kinds accepted by the validator
const (
	KindVAST = "vast"
	KindVMAP = "vmap"
)

// TagValidator fetches and checks ad documents; *vast.Fetcher implements it
type TagValidator interface {
	ValidateTag(ctx context.Context, tagURL string, maxRedirects int) (*vast.Response, *vast.ValidationResult, error)
	ParseAndResolve(ctx context.Context, xmlData string, maxRedirects int) (*vast.Response, error)
	FetchDocument(ctx context.Context, tagURL string) (string, error)
}

// ValidateRequest asks for a tag URL or an inline document to be checked
type ValidateRequest struct {
	URL  string `json:"url,omitempty"`
	XML  string `json:"xml,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// ValidateResponse is the verdict shown to the operator
type ValidateResponse struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message"`
	Kind       string                 `json:"kind"`
	AdCount    int                    `json:"ad_count"`
	BreakCount int                    `json:"break_count,omitempty"`
	Ads        []vast.Ad              `json:"ads,omitempty"`
	Breaks     []vmap.AdBreak         `json:"breaks,omitempty"`
	Validation *vast.ValidationResult `json:"validation,omitempty"`
}

// ValidateHandler implements the admin "test this tag" action
type ValidateHandler struct {
	validator    TagValidator
	maxRedirects int
}

// NewValidateHandler creates a validate handler
func NewValidateHandler(validator TagValidator, maxRedirects int) *ValidateHandler {
	return &ValidateHandler{validator: validator, maxRedirects: maxRedirects}
}

// ServeHTTP handles POST /admin/ads/validate
func (h *ValidateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ValidateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	if req.Kind == "" {
		req.Kind = KindVAST
	}
	if req.Kind != KindVAST && req.Kind != KindVMAP {
		writeError(w, http.StatusBadRequest, "kind must be vast or vmap")
		return
	}
	if (req.URL == "") == (req.XML == "") {
		writeError(w, http.StatusBadRequest, "exactly one of url or xml is required")
		return
	}
	if req.URL != "" && !isHTTPURL(req.URL) {
		writeError(w, http.StatusBadRequest, "url must be an http(s) URL")
		return
	}

	var resp ValidateResponse
	if req.Kind == KindVMAP {
		resp = h.validateVMAP(r.Context(), req)
	} else {
		resp = h.validateVAST(r.Context(), req)
	}

	log.Info().
		Str("operator", middleware.OperatorFromContext(r.Context())).
		Str("kind", resp.Kind).
		Str("url", req.URL).
		Bool("success", resp.Success).
		Msg(resp.Message)

	writeJSON(w, http.StatusOK, resp)
}

// RegisterValidateRoute registers the validator behind the admin auth
func RegisterValidateRoute(router *httprouter.Router, h *ValidateHandler, auth *middleware.Auth) {
	router.Handler(http.MethodPost, "/admin/ads/validate", auth.Middleware(h))
}

func (h *ValidateHandler) validateVAST(ctx context.Context, req ValidateRequest) ValidateResponse {
	resp := ValidateResponse{Kind: KindVAST}

	var (
		ads        *vast.Response
		validation *vast.ValidationResult
		err        error
	)
	if req.URL != "" {
		ads, validation, err = h.validator.ValidateTag(ctx, req.URL, h.maxRedirects)
	} else {
		validation, err = vast.ValidateDocument(req.XML)
		if err == nil {
			ads, err = h.validator.ParseAndResolve(ctx, req.XML, h.maxRedirects)
		}
	}
	resp.Validation = validation

	if err != nil {
		resp.Message = failureMessage(err)
		return resp
	}
	if ads.Empty() {
		resp.Message = "No playable ads found in VAST response"
		return resp
	}

	resp.Success = true
	resp.AdCount = len(ads.Ads)
	resp.Ads = ads.Ads
	resp.Message = fmt.Sprintf("VAST tag is valid. Found %d ad(s).", resp.AdCount)
	return resp
}

func (h *ValidateHandler) validateVMAP(ctx context.Context, req ValidateRequest) ValidateResponse {
	resp := ValidateResponse{Kind: KindVMAP}

	body := req.XML
	if req.URL != "" {
		var err error
		body, err = h.validator.FetchDocument(ctx, req.URL)
		if err != nil {
			resp.Message = failureMessage(err)
			return resp
		}
	}

	doc, err := vmap.Parse(body)
	if err != nil {
		resp.Message = failureMessage(err)
		return resp
	}
	if len(doc.AdBreaks) == 0 {
		resp.Message = "No ad breaks found in VMAP response"
		return resp
	}

	resp.Success = true
	resp.BreakCount = len(doc.AdBreaks)
	resp.Breaks = doc.AdBreaks
	resp.Message = fmt.Sprintf("VMAP is valid. Found %d ad break(s).", resp.BreakCount)
	return resp
}

func failureMessage(err error) string {
	var parseErr *vast.ParseError
	var fetchErr *vast.FetchError
	switch {
	case errors.As(err, &parseErr):
		return "Invalid XML: " + err.Error()
	case errors.As(err, &fetchErr):
		return "Failed to fetch: " + err.Error()
	default:
		return "Validation failed: " + err.Error()
	}
}
