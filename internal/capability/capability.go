// Package capability defines the external model capabilities the pipeline
// consumes: image generation, quality judging, and string-similarity judging.
// Implementations are resolved through a Registry that is validated at
// startup, so an unknown provider name fails fast instead of at call time.
package capability

import (
	"context"
	"errors"
)

var (
	// ErrInvalidJSON is returned when a model response cannot be parsed.
	ErrInvalidJSON = errors.New("capability: invalid JSON from model")
	// ErrUnknownProvider is returned by Registry lookups for names that were
	// never registered.
	ErrUnknownProvider = errors.New("capability: unknown provider")
)

// Provider identifies a capability implementation.
type Provider string

const (
	ProviderGemini Provider = "gemini"
)

// JudgeContext carries the user-specific framing a judge needs to score a
// candidate against the original.
type JudgeContext struct {
	FilterText  string
	Sensitivity string
	PostText    string
}

// Generator produces a transformed image from a source image and a natural
// language instruction.
type Generator interface {
	Generate(ctx context.Context, image []byte, instruction string) ([]byte, error)
}

// Judge scores how well a candidate image serves the user's sensitivity
// profile relative to the original. Higher is better.
type Judge interface {
	Score(ctx context.Context, original, candidate []byte, jc JudgeContext) (float64, error)
}

// SimilarityJudge picks, from a set of existing strings, the one most
// semantically similar to the candidate, or "" if none match. Used by the
// result cache's fuzzy fallback so near-duplicate filter phrasings reuse
// prior work.
type SimilarityJudge interface {
	MostSimilar(ctx context.Context, candidate string, existing []string) (string, error)
}
