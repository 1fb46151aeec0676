package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Set groups the capabilities one provider offers. A provider may leave
// slots nil; Lookup* reject those explicitly.
type Set struct {
	Generator  Generator
	Judge      Judge
	Similarity SimilarityJudge
}

// Registry maps provider names to capability sets. Built once at startup and
// read-only afterwards.
type Registry struct {
	providers map[Provider]Set
}

// NewRegistry validates and freezes the provider table. Every entry must
// name a non-empty provider and carry at least one capability.
func NewRegistry(providers map[Provider]Set) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("capability: no providers registered")
	}
	table := make(map[Provider]Set, len(providers))
	for name, set := range providers {
		key := Provider(strings.TrimSpace(string(name)))
		if key == "" {
			return nil, fmt.Errorf("capability: provider name is required")
		}
		if set.Generator == nil && set.Judge == nil && set.Similarity == nil {
			return nil, fmt.Errorf("capability: provider %q has no capabilities", key)
		}
		table[key] = set
	}
	return &Registry{providers: table}, nil
}

// Providers lists registered provider names, sorted.
func (r *Registry) Providers() []Provider {
	names := make([]Provider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Validate checks that every named provider exists. Called at startup with
// the configured generation and scoring provider names.
func (r *Registry) Validate(names ...Provider) error {
	for _, name := range names {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
	}
	return nil
}

func (r *Registry) LookupGenerator(name Provider) (Generator, error) {
	set, ok := r.providers[name]
	if !ok || set.Generator == nil {
		return nil, fmt.Errorf("%w: no generator for %q", ErrUnknownProvider, name)
	}
	return set.Generator, nil
}

func (r *Registry) LookupJudge(name Provider) (Judge, error) {
	set, ok := r.providers[name]
	if !ok || set.Judge == nil {
		return nil, fmt.Errorf("%w: no judge for %q", ErrUnknownProvider, name)
	}
	return set.Judge, nil
}

func (r *Registry) LookupSimilarity(name Provider) (SimilarityJudge, error) {
	set, ok := r.providers[name]
	if !ok || set.Similarity == nil {
		return nil, fmt.Errorf("%w: no similarity judge for %q", ErrUnknownProvider, name)
	}
	return set.Similarity, nil
}
