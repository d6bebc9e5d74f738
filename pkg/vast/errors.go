package vast

import (
	"errors"
	"fmt"
)

// Document kinds reported by ParseError
const (
	DocVAST = "VAST"
	DocVMAP = "VMAP"
)

var (
	// ErrRedirectBudgetExhausted marks a Wrapper chain that went deeper than the redirect budget
	ErrRedirectBudgetExhausted = errors.New("wrapper redirect budget exhausted")

	// ErrNoPlayableCreative marks an InLine ad without any MediaFile
	ErrNoPlayableCreative = errors.New("ad has no playable media file")
)

// ParseError is returned when a document is not well-formed XML or lacks the expected root
type ParseError struct {
	Doc    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s document: %s: %v", e.Doc, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s document: %s", e.Doc, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// FetchError describes a failed ad document request
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
