// Package cache stores fetched VAST and VMAP documents. An in-process
// freecache tier sits in front of an optional Redis tier shared by all
// instances.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog/log"

	pkgredis "github.com/thenexusengine/tne_streamads/pkg/redis"
)

const (
	// DefaultTTL for cached documents
	DefaultTTL = 5 * time.Minute

	// DefaultLocalSize is the freecache size in bytes
	DefaultLocalSize = 32 * 1024 * 1024

	// MaxValueSize per document (512KB)
	MaxValueSize = 512 * 1024

	// Redis key prefix
	keyPrefix = "vast_doc:"

	redisTimeout = 200 * time.Millisecond
)

// CachedEntry is what's stored in Redis
type CachedEntry struct {
	URL     string `json:"url"`
	Value   string `json:"value"`
	Created int64  `json:"created"`
}

// Stats counts lookups per tier
type Stats struct {
	LocalHits  int64 `json:"local_hits"`
	RemoteHits int64 `json:"remote_hits"`
	Misses     int64 `json:"misses"`
	Entries    int64 `json:"entries"`
}

// Store is a two-tier document cache. It implements vast.DocumentCache.
type Store struct {
	local *freecache.Cache
	redis *pkgredis.Client
	ttl   time.Duration

	localHits  atomic.Int64
	remoteHits atomic.Int64
	misses     atomic.Int64
}

// NewStore creates a document cache. redis may be nil for a local-only cache.
func NewStore(redis *pkgredis.Client, localSize int, ttl time.Duration) *Store {
	if localSize <= 0 {
		localSize = DefaultLocalSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		local: freecache.NewCache(localSize),
		redis: redis,
		ttl:   ttl,
	}
}

// Get returns the document cached for url
func (s *Store) Get(ctx context.Context, url string) (string, bool) {
	key := cacheKey(url)

	if data, err := s.local.Get([]byte(key)); err == nil {
		s.localHits.Add(1)
		return string(data), true
	}

	if s.redis == nil {
		s.misses.Add(1)
		return "", false
	}

	rctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	data, err := s.redis.Get(rctx, key)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("document cache redis get failed")
		s.misses.Add(1)
		return "", false
	}
	if data == "" {
		s.misses.Add(1)
		return "", false
	}

	var entry CachedEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("corrupt document cache entry")
		s.misses.Add(1)
		return "", false
	}

	// promote to the local tier for the remaining lifetime
	remaining := s.ttl - time.Since(time.Unix(entry.Created, 0))
	if remaining > time.Second {
		_ = s.local.Set([]byte(key), []byte(entry.Value), int(remaining.Seconds()))
	}
	s.remoteHits.Add(1)
	return entry.Value, true
}

// Set caches doc for url in both tiers. Oversized documents are not cached.
func (s *Store) Set(ctx context.Context, url, doc string) {
	if len(doc) > MaxValueSize {
		log.Debug().Str("url", url).Int("size", len(doc)).Msg("document too large to cache")
		return
	}

	key := cacheKey(url)
	if err := s.local.Set([]byte(key), []byte(doc), int(s.ttl.Seconds())); err != nil {
		log.Debug().Err(err).Str("url", url).Msg("document cache local set failed")
	}

	if s.redis == nil {
		return
	}

	data, err := json.Marshal(CachedEntry{
		URL:     url,
		Value:   doc,
		Created: time.Now().Unix(),
	})
	if err != nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := s.redis.SetEx(rctx, key, string(data), s.ttl); err != nil {
		log.Debug().Err(err).Str("url", url).Msg("document cache redis set failed")
	}
}

// Delete evicts url from the local tier
func (s *Store) Delete(url string) {
	s.local.Del([]byte(cacheKey(url)))
}

// Stats returns lookup counters
func (s *Store) Stats() Stats {
	return Stats{
		LocalHits:  s.localHits.Load(),
		RemoteHits: s.remoteHits.Load(),
		Misses:     s.misses.Load(),
		Entries:    s.local.EntryCount(),
	}
}

// cacheKey hashes the tag URL so keys stay short and free of macro brackets
func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return keyPrefix + hex.EncodeToString(sum[:])
}
