// Package cache is the single source of truth for completed work: a mapping
// from source image URL to per-filter-signature results, with a fuzzy
// fallback lookup for near-duplicate filter phrasings and a completion feed
// consumed by the subscription registry.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"feedshield/internal/capability"
	"feedshield/internal/filtersig"
)

var ErrNotFound = errors.New("cache: not found")

// DefaultSubKeyLimit bounds the number of filter signatures stored per image.
// The cap is soft: at the limit new signatures are silently dropped, existing
// entries are never evicted to make room.
const DefaultSubKeyLimit = 10

// Value is one cached sub-result. Base64 is optional inline payload; readers
// must treat values with and without it interchangeably.
type Value struct {
	URL    string `json:"url"`
	Base64 string `json:"base64,omitempty"`
}

// Completion is published after every fresh cache insert.
type Completion struct {
	ImageURL string
	Result   Value
	Filters  []string
}

// Backend stores the per-image entry maps.
type Backend interface {
	// Get returns the signature→value map for an image, reporting presence.
	Get(ctx context.Context, imageURL string) (map[string]Value, bool, error)
	// Put replaces the signature→value map for an image.
	Put(ctx context.Context, imageURL string, entries map[string]Value) error
}

// Manager implements the lookup/insert/publish contract on top of a Backend.
type Manager struct {
	backend     Backend
	similarity  capability.SimilarityJudge
	subKeyLimit int

	// setMu serializes Set's read-modify-write against the backend so
	// concurrent writers for one image cannot lose each other's entries.
	setMu sync.Mutex

	mu   sync.Mutex
	subs []chan Completion
}

// Option configures a Manager.
type Option func(*Manager)

func WithSubKeyLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.subKeyLimit = n
		}
	}
}

// NewManager builds a Manager. similarity may be nil, which disables the
// fuzzy fallback (misses simply miss).
func NewManager(backend Backend, similarity capability.SimilarityJudge, opts ...Option) *Manager {
	m := &Manager{
		backend:     backend,
		similarity:  similarity,
		subKeyLimit: DefaultSubKeyLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers a channel that receives every completion published by
// Set. Sends are non-blocking; a full channel drops the event for that
// subscriber.
func (m *Manager) Subscribe(ch chan Completion) {
	if ch == nil {
		return
	}
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
}

// Get looks up the cached value for (imageURL, filters). Exact signature
// match first; an empty requested signature matches the first custom-marked
// entry; otherwise the similarity judge picks the best existing signature or
// declares a miss.
func (m *Manager) Get(ctx context.Context, imageURL string, filters []string) (Value, error) {
	sig := filtersig.Normalize(filters)
	entries, ok, err := m.backend.Get(ctx, imageURL)
	if err != nil {
		return Value{}, fmt.Errorf("cache get %s: %w", imageURL, err)
	}
	if !ok {
		return Value{}, ErrNotFound
	}

	if v, ok := entries[sig]; ok {
		return v, nil
	}

	// An empty request matches any stored custom-processing result.
	if sig == "" {
		for k, v := range entries {
			if filtersig.IsCustom(k) {
				return v, nil
			}
		}
	}

	if m.similarity == nil {
		return Value{}, ErrNotFound
	}
	existing := make([]string, 0, len(entries))
	for k := range entries {
		existing = append(existing, k)
	}
	match, err := m.similarity.MostSimilar(ctx, sig, existing)
	if err != nil {
		log.Printf("cache: similarity lookup failed for %s: %v", imageURL, err)
		return Value{}, ErrNotFound
	}
	if v, ok := entries[match]; ok {
		return v, nil
	}
	return Value{}, ErrNotFound
}

// Set inserts the value under the filter signature and publishes a completion
// event. At the sub-key cap, or when the signature is already occupied, the
// write is a silent no-op: first successful set for a signature wins, and
// suppressed writes publish nothing.
func (m *Manager) Set(ctx context.Context, imageURL string, filters []string, value Value) error {
	sig := filtersig.Normalize(filters)

	m.setMu.Lock()
	defer m.setMu.Unlock()

	entries, ok, err := m.backend.Get(ctx, imageURL)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", imageURL, err)
	}
	if !ok || entries == nil {
		entries = make(map[string]Value)
	}

	if _, occupied := entries[sig]; occupied {
		return nil
	}
	if len(entries) >= m.subKeyLimit {
		log.Printf("cache: sub-key limit reached for %s, dropping signature %q", imageURL, sig)
		return nil
	}

	entries[sig] = value
	if err := m.backend.Put(ctx, imageURL, entries); err != nil {
		return fmt.Errorf("cache set %s: %w", imageURL, err)
	}

	m.publish(Completion{ImageURL: imageURL, Result: value, Filters: filters})
	return nil
}

func (m *Manager) publish(c Completion) {
	m.mu.Lock()
	subs := make([]chan Completion, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- c:
		default:
			log.Printf("cache: completion subscriber full, dropping event for %s", c.ImageURL)
		}
	}
}
