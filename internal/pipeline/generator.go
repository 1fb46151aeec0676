package pipeline

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"feedshield/internal/capability"
)

// Candidate statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// CandidateResult is one generator output. Immutable once produced. Data
// holds the generated bytes so the scorer never re-fetches the artifact.
type CandidateResult struct {
	InterventionName string
	Status           string
	ResultURL        string
	Data             []byte
	Err              error
}

// generateBatch produces one CandidateResult per candidate name, in input
// order, plus the source bytes it downloaded. The source image is fetched
// once and shared across the batch and the later scoring pass; every
// candidate runs concurrently and fails in isolation — a candidate error
// becomes a failed result, never an error from generateBatch itself. The
// only batch-level failure is not being able to fetch the source at all.
func (o *Orchestrator) generateBatch(ctx context.Context, gen capability.Generator, jobID, sourceURL, filterText string, names []string) ([]CandidateResult, []byte) {
	results := make([]CandidateResult, len(names))

	source, err := o.store.Download(ctx, sourceURL)
	if err != nil {
		log.Printf("pipeline: job %s: source download failed: %v", jobID, err)
		for i, name := range names {
			results[i] = CandidateResult{InterventionName: name, Status: StatusFailed, Err: err}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			results[i] = o.generateOne(gctx, gen, jobID, name, filterText, source)
			return nil
		})
	}
	// Workers never return errors; Wait is purely the fan-in barrier.
	_ = g.Wait()
	return results, source
}

func (o *Orchestrator) generateOne(ctx context.Context, gen capability.Generator, jobID, name, filterText string, source []byte) CandidateResult {
	failed := func(err error) CandidateResult {
		log.Printf("pipeline: job %s: candidate %q failed: %v", jobID, name, err)
		return CandidateResult{InterventionName: name, Status: StatusFailed, Err: err}
	}

	instruction, err := Instruction(name, filterText)
	if err != nil {
		return failed(err)
	}

	cctx, cancel := context.WithTimeout(ctx, o.candidateTimeout)
	defer cancel()

	data, err := gen.Generate(cctx, source, instruction)
	if err != nil {
		return failed(err)
	}

	url, err := o.store.SaveArtifact(cctx, jobID, name, data)
	if err != nil {
		return failed(err)
	}

	log.Printf("pipeline: job %s: candidate %q saved to %s", jobID, name, url)
	return CandidateResult{
		InterventionName: name,
		Status:           StatusSuccess,
		ResultURL:        url,
		Data:             data,
	}
}

// defaultCandidateTimeout bounds a single candidate's generation or scoring
// call so one unresponsive capability invocation cannot stall the batch.
const defaultCandidateTimeout = 120 * time.Second
