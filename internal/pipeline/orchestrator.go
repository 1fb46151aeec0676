// Package pipeline coordinates candidate-selection jobs: fan-out generation
// of N candidate transformations, fan-in scoring against the original,
// winner selection, and the single cache write that notifies waiting
// subscribers.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"feedshield/internal/cache"
	"feedshield/internal/capability"
	"feedshield/internal/storage"
)

// ImageSource is the slice of the image store the pipeline needs. The minio
// store satisfies it; tests substitute an in-memory one.
type ImageSource interface {
	Download(ctx context.Context, url string) ([]byte, error)
	SaveArtifact(ctx context.Context, jobID, name string, data []byte) (string, error)
}

// Orchestrator drives submissions through cache check, dispatch, and
// finalization. Submit never blocks on generation or scoring.
type Orchestrator struct {
	cache        *cache.Manager
	store        ImageSource
	capabilities *capability.Registry

	defaultGeneration capability.Provider
	defaultScore      capability.Provider
	candidateTimeout  time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithCandidateTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.candidateTimeout = d
		}
	}
}

func WithDefaultProviders(generation, score capability.Provider) Option {
	return func(o *Orchestrator) {
		if generation != "" {
			o.defaultGeneration = generation
		}
		if score != "" {
			o.defaultScore = score
		}
	}
}

func NewOrchestrator(c *cache.Manager, store ImageSource, caps *capability.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:             c,
		store:             store,
		capabilities:      caps,
		defaultGeneration: capability.ProviderGemini,
		defaultScore:      capability.ProviderGemini,
		candidateTimeout:  defaultCandidateTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit runs the cache check synchronously and, on a miss, dispatches the
// job and returns a handle immediately. Identical (image, filter) requests
// that already completed never re-invoke the generation or scoring
// capabilities.
//
// Two concurrent submissions for the same not-yet-cached pair are not
// deduplicated: both run, and the cache's first-write-wins insert policy is
// the only collision resolution.
func (o *Orchestrator) Submit(ctx context.Context, req *Request) (*JobHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	filters := req.Filters()
	if v, err := o.cache.Get(ctx, req.URL, filters); err == nil {
		log.Printf("pipeline: cache hit for %s", req.URL)
		return newCachedHandle(v), nil
	}

	// Resolve capabilities before dispatch so an unknown provider is a
	// synchronous validation failure, not an async job failure.
	gen, err := o.capabilities.LookupGenerator(req.generationProvider(o.defaultGeneration))
	if err != nil {
		return nil, err
	}
	var judge capability.Judge
	if req.Mode == ModeRank {
		judge, err = o.capabilities.LookupJudge(req.scoreProvider(o.defaultScore))
		if err != nil {
			return nil, err
		}
	}

	jobID := NewJobID(req.UserID, filters)
	handle := newJobHandle(jobID)
	log.Printf("pipeline: starting job %s (%s mode) for %s", jobID, req.Mode, req.URL)

	// The run outlives the submitting request.
	runCtx := context.WithoutCancel(ctx)
	switch req.Mode {
	case ModeDirect:
		go o.runDirect(runCtx, handle, gen, req, filters)
	case ModeRank:
		go o.runRank(runCtx, handle, gen, judge, req, filters)
	}
	return handle, nil
}

// runDirect generates the single named transformation and writes it straight
// to cache, no scoring.
func (o *Orchestrator) runDirect(ctx context.Context, h *JobHandle, gen capability.Generator, req *Request, filters []string) {
	source, err := o.store.Download(ctx, req.URL)
	if err != nil {
		o.failJob(h, fmt.Errorf("download source: %w", err))
		return
	}
	result := o.generateOne(ctx, gen, h.jobID, req.InterventionName, req.UserContext.FilterText, source)
	if result.Status != StatusSuccess {
		o.failJob(h, fmt.Errorf("generation failed: %w", result.Err))
		return
	}
	o.finalize(ctx, h, req.URL, filters, result)
}

// runRank fans out generation over every candidate, fans in scoring over the
// successes, and caches the winner.
func (o *Orchestrator) runRank(ctx context.Context, h *JobHandle, gen capability.Generator, judge capability.Judge, req *Request, filters []string) {
	results, original := o.generateBatch(ctx, gen, h.jobID, req.URL, req.UserContext.FilterText, req.CandidateNames)

	successes := make([]CandidateResult, 0, len(results))
	for _, r := range results {
		if r.Status == StatusSuccess {
			successes = append(successes, r)
		}
	}
	if len(successes) == 0 {
		o.failJob(h, fmt.Errorf("all %d candidates failed generation", len(results)))
		return
	}

	scores := o.scoreAll(ctx, judge, h.jobID, original, successes, req.judgeContext())
	winnerName, ok := selectWinner(scores)
	if !ok {
		o.failJob(h, fmt.Errorf("all %d scoring calls failed", len(scores)))
		return
	}

	for _, r := range successes {
		if r.InterventionName == winnerName {
			log.Printf("pipeline: job %s: winner is %q", h.jobID, winnerName)
			o.finalize(ctx, h, req.URL, filters, r)
			return
		}
	}
	// Unreachable as long as scores derive from successes.
	o.failJob(h, fmt.Errorf("winner %q has no matching candidate result", winnerName))
}

// finalize performs the job's single cache write; the cache publishes the
// completion event the subscription registry fans out.
func (o *Orchestrator) finalize(ctx context.Context, h *JobHandle, imageURL string, filters []string, winner CandidateResult) {
	value := cache.Value{
		URL:    winner.ResultURL,
		Base64: storage.DataURL(winner.Data),
	}
	if err := o.cache.Set(ctx, imageURL, filters, value); err != nil {
		o.failJob(h, fmt.Errorf("cache write: %w", err))
		return
	}
	log.Printf("pipeline: job %s completed with %q", h.jobID, winner.InterventionName)
	h.complete(value)
}

func (o *Orchestrator) failJob(h *JobHandle, err error) {
	// Failed jobs write nothing and publish nothing; registered waiters age
	// out via the registry's liveness sweep.
	log.Printf("pipeline: job %s failed: %v", h.jobID, err)
	h.fail(err)
}
