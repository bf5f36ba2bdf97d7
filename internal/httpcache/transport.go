// Package httpcache provides an http.RoundTripper that serves repeated GET
// requests from a persistent store until a fixed expiry passes.
package httpcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"watersmart/internal/clock"
	"watersmart/internal/metrics"

	"go.uber.org/zap"
)

// DefaultExpireAfter matches the portal data refresh cadence.
const DefaultExpireAfter = 6 * time.Hour

// CacheHeader is set on responses served from the cache.
const CacheHeader = "X-Watersmart-Cache"

// Entry is one stored response.
type Entry struct {
	Key        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Storage persists cache entries.
type Storage interface {
	GetCacheEntry(ctx context.Context, key string) (*Entry, error)
	PutCacheEntry(ctx context.Context, entry *Entry) error
	DeleteCacheEntry(ctx context.Context, key string) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
}

// Transport caches successful GET responses. Requests with other methods
// and non-200 responses pass through untouched.
type Transport struct {
	base        http.RoundTripper
	storage     Storage
	expireAfter time.Duration
	clock       clock.Clock
	logger      *zap.Logger
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, storage Storage, expireAfter time.Duration, clk clock.Clock, logger *zap.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if expireAfter <= 0 {
		expireAfter = DefaultExpireAfter
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Transport{
		base:        base,
		storage:     storage,
		expireAfter: expireAfter,
		clock:       clk,
		logger:      logger.Named("httpcache"),
	}
}

// Key identifies a request by method and URL only.
func Key(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	key := Key(req)
	now := t.clock.Now()

	entry, err := t.storage.GetCacheEntry(ctx, key)
	if err != nil {
		t.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	switch {
	case entry != nil && now.Before(entry.ExpiresAt):
		metrics.ObserveCacheLookup("hit")
		t.logger.Debug("Cache hit", zap.String("key", key))
		return entry.response(req), nil
	case entry != nil:
		metrics.ObserveCacheLookup("expired")
		if err := t.storage.DeleteCacheEntry(ctx, key); err != nil {
			t.logger.Warn("Failed to delete expired cache entry", zap.String("key", key), zap.Error(err))
		}
	default:
		metrics.ObserveCacheLookup("miss")
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	stored := &Entry{
		Key:        key,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   now,
		ExpiresAt:  now.Add(t.expireAfter),
	}
	if err := t.storage.PutCacheEntry(ctx, stored); err != nil {
		t.logger.Warn("Failed to store cache entry", zap.String("key", key), zap.Error(err))
	}

	return resp, nil
}

// Purge removes every expired entry.
func (t *Transport) Purge(ctx context.Context) (int64, error) {
	n, err := t.storage.DeleteExpiredCacheEntries(ctx, t.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	if n > 0 {
		t.logger.Debug("Purged expired cache entries", zap.Int64("count", n))
	}
	return n, nil
}

func (e *Entry) response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheHeader, "hit")
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// MemoryStorage keeps entries in process memory.
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]*Entry)}
}

func (s *MemoryStorage) GetCacheEntry(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStorage) PutCacheEntry(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.entries[entry.Key] = &cp
	return nil
}

func (s *MemoryStorage) DeleteCacheEntry(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStorage) DeleteExpiredCacheEntries(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}
