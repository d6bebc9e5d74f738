// Package macros substitutes IAB ad-serving macros in tracking URL templates.
package macros

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Well-known macro keys
const (
	KeyTimestamp       = "TIMESTAMP"
	KeyCacheBuster     = "CACHEBUSTER"
	KeyErrorCode       = "ERRORCODE"
	KeyContentPlayhead = "CONTENTPLAYHEAD"
	KeyAdPlayhead      = "ADPLAYHEAD"
	KeyAssetURI        = "ASSETURI"
	KeyReason          = "REASON"
)

const (
	cacheBusterLength   = 8
	cacheBusterAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// now is replaced in tests
var now = time.Now

// Defaults returns the macros every substitution starts from
func Defaults() map[string]string {
	return map[string]string{
		KeyTimestamp:   now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		KeyCacheBuster: CacheBuster(),
	}
}

// CacheBuster returns a random alphanumeric token
func CacheBuster() string {
	var sb strings.Builder
	sb.Grow(cacheBusterLength)
	max := big.NewInt(int64(len(cacheBusterAlphabet)))
	for i := 0; i < cacheBusterLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing is not worth dropping a pixel over
			return fmt.Sprintf("%d", now().UnixNano())
		}
		sb.WriteByte(cacheBusterAlphabet[n.Int64()])
	}
	return sb.String()
}

// Substitute replaces [KEY], ${KEY} and %5BKEY%5D in rawURL with the
// query-escaped macro value. Caller macros override the defaults. Keys with
// an empty value are left in place.
func Substitute(rawURL string, macros map[string]string) string {
	if rawURL == "" || !strings.ContainsAny(rawURL, "[$%") {
		return rawURL
	}

	values := Defaults()
	for k, v := range macros {
		values[k] = v
	}

	keys := make([]string, 0, len(values))
	for key, value := range values {
		if value != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	// one pass, so substituted values are never scanned for tokens again
	pairs := make([]string, 0, len(keys)*6)
	for _, key := range keys {
		escaped := url.QueryEscape(values[key])
		pairs = append(pairs,
			"["+key+"]", escaped,
			"${"+key+"}", escaped,
			"%5B"+key+"%5D", escaped,
		)
	}
	return strings.NewReplacer(pairs...).Replace(rawURL)
}

// FormatPlayhead renders seconds as HH:MM:SS.mmm for the playhead macros
func FormatPlayhead(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	h := totalMs / 3_600_000
	m := (totalMs % 3_600_000) / 60_000
	s := (totalMs % 60_000) / 1000
	ms := totalMs % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
