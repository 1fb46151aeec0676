package pipeline

import (
	"fmt"
	"strings"

	"feedshield/internal/capability"
)

// Execution modes.
const (
	ModeDirect = "direct"
	ModeRank   = "rank"
)

// UserContext carries the per-user framing both the generators and the judge
// need: what the user filters out and how sensitive they are to it.
type UserContext struct {
	FilterText  string            `json:"filter_text"`
	Sensitivity string            `json:"sensitivity"`
	PostText    string            `json:"post_text,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Request is one job submission, as handed over by the transport layer.
type Request struct {
	Mode             string      `json:"mode"`
	URL              string      `json:"url"`
	UserID           string      `json:"user_id"`
	InterventionName string      `json:"intervention_name,omitempty"`
	CandidateNames   []string    `json:"candidate_names,omitempty"`
	UserContext      UserContext `json:"user_context"`

	// Provider overrides; empty means the orchestrator defaults.
	GenerationProvider string `json:"generation_provider,omitempty"`
	ScoreProvider      string `json:"score_provider,omitempty"`
}

// Filters is the filter set used for cache keying and notifications: the
// user's chosen filter text, or the empty set when none is given.
func (r *Request) Filters() []string {
	if strings.TrimSpace(r.UserContext.FilterText) == "" {
		return nil
	}
	return []string{r.UserContext.FilterText}
}

// Validate rejects malformed submissions before any job identity is
// allocated or work dispatched.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("pipeline: url is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("pipeline: user_id is required")
	}
	switch r.Mode {
	case ModeDirect:
		name := strings.TrimSpace(r.InterventionName)
		if name == "" {
			return fmt.Errorf("pipeline: intervention_name is required for %q mode", ModeDirect)
		}
		if !KnownIntervention(name) {
			return fmt.Errorf("pipeline: unknown intervention %q", name)
		}
	case ModeRank:
		if len(r.CandidateNames) == 0 {
			return fmt.Errorf("pipeline: candidate_names is required for %q mode", ModeRank)
		}
		for _, name := range r.CandidateNames {
			if !KnownIntervention(strings.TrimSpace(name)) {
				return fmt.Errorf("pipeline: unknown intervention %q", name)
			}
		}
	default:
		return fmt.Errorf("pipeline: invalid mode %q", r.Mode)
	}
	return nil
}

func (r *Request) generationProvider(def capability.Provider) capability.Provider {
	if p := strings.TrimSpace(r.GenerationProvider); p != "" {
		return capability.Provider(p)
	}
	return def
}

func (r *Request) scoreProvider(def capability.Provider) capability.Provider {
	if p := strings.TrimSpace(r.ScoreProvider); p != "" {
		return capability.Provider(p)
	}
	return def
}

func (r *Request) judgeContext() capability.JudgeContext {
	return capability.JudgeContext{
		FilterText:  r.UserContext.FilterText,
		Sensitivity: r.UserContext.Sensitivity,
		PostText:    r.UserContext.PostText,
	}
}
