package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryImages bounds how many images the in-memory backend tracks.
// Per-image sub-entries are capped separately by the Manager.
const DefaultMemoryImages = 1024

// MemoryBackend keeps entry maps in an LRU keyed by image URL. Suits single
// instance deployments and tests.
type MemoryBackend struct {
	entries *lru.Cache[string, map[string]Value]
}

func NewMemoryBackend(maxImages int) (*MemoryBackend, error) {
	if maxImages <= 0 {
		maxImages = DefaultMemoryImages
	}
	c, err := lru.New[string, map[string]Value](maxImages)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{entries: c}, nil
}

func (b *MemoryBackend) Get(_ context.Context, imageURL string) (map[string]Value, bool, error) {
	stored, ok := b.entries.Get(imageURL)
	if !ok {
		return nil, false, nil
	}
	// Copy so callers can mutate without racing other readers.
	out := make(map[string]Value, len(stored))
	for k, v := range stored {
		out[k] = v
	}
	return out, true, nil
}

func (b *MemoryBackend) Put(_ context.Context, imageURL string, entries map[string]Value) error {
	stored := make(map[string]Value, len(entries))
	for k, v := range entries {
		stored[k] = v
	}
	b.entries.Add(imageURL, stored)
	return nil
}
