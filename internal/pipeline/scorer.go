package pipeline

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"feedshield/internal/capability"
)

// Score is the judge's verdict on one successfully generated candidate.
type Score struct {
	InterventionName string
	Value            float64
	Status           string
}

// scoreAll fans out one judge call per successful candidate and waits for
// every one of them: winner selection never runs on a partial score set. A
// judge failure yields a failed zero score, which cannot win.
func (o *Orchestrator) scoreAll(ctx context.Context, judge capability.Judge, jobID string, original []byte, candidates []CandidateResult, jc capability.JudgeContext) []Score {
	scores := make([]Score, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, cand := range candidates {
		g.Go(func() error {
			scores[i] = o.scoreOne(gctx, judge, jobID, original, cand, jc)
			return nil
		})
	}
	_ = g.Wait()
	return scores
}

func (o *Orchestrator) scoreOne(ctx context.Context, judge capability.Judge, jobID string, original []byte, cand CandidateResult, jc capability.JudgeContext) Score {
	cctx, cancel := context.WithTimeout(ctx, o.candidateTimeout)
	defer cancel()

	value, err := judge.Score(cctx, original, cand.Data, jc)
	if err != nil {
		log.Printf("pipeline: job %s: scoring %q failed: %v", jobID, cand.InterventionName, err)
		return Score{InterventionName: cand.InterventionName, Value: 0, Status: StatusFailed}
	}
	return Score{InterventionName: cand.InterventionName, Value: value, Status: StatusSuccess}
}

// selectWinner picks the successfully scored candidate with the strictly
// greatest score. Ties resolve to the first candidate in input order. The
// second return is false when nothing was scored successfully.
func selectWinner(scores []Score) (string, bool) {
	winner := ""
	best := 0.0
	found := false
	for _, s := range scores {
		if s.Status != StatusSuccess {
			continue
		}
		if !found || s.Value > best {
			winner = s.InterventionName
			best = s.Value
			found = true
		}
	}
	return winner, found
}
