package pipeline

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"feedshield/internal/cache"
)

// NewJobID derives a job identity from the requester and filter set plus a
// random salt: collision-free across concurrent jobs for the same image, and
// not guessable from the inputs alone.
func NewJobID(userID string, filters []string) string {
	raw, _ := json.Marshal(filters)
	sum := sha1.Sum(raw)
	filterHash := hex.EncodeToString(sum[:])[:8]
	salt := uuid.NewString()[:8]
	return userID + "_" + filterHash + "_" + salt
}

// JobHandle observes one orchestration run. Submit returns it immediately
// after dispatch; Done closes when the run reaches a terminal state.
type JobHandle struct {
	jobID  string
	cached bool

	done chan struct{}

	mu     sync.Mutex
	result cache.Value
	err    error
}

func newJobHandle(jobID string) *JobHandle {
	return &JobHandle{jobID: jobID, done: make(chan struct{})}
}

// newCachedHandle is the synchronous cache-hit path: the handle is born
// completed.
func newCachedHandle(value cache.Value) *JobHandle {
	h := &JobHandle{cached: true, done: make(chan struct{}), result: value}
	close(h.done)
	return h
}

// JobID is empty for cache hits, which never allocated a job identity.
func (h *JobHandle) JobID() string { return h.jobID }

// Cached reports whether the result came straight from the cache with no
// dispatch.
func (h *JobHandle) Cached() bool { return h.cached }

// Done closes when the job completes or fails.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Result returns the winning value, or the job-level error. Valid only after
// Done is closed.
func (h *JobHandle) Result() (cache.Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *JobHandle) complete(value cache.Value) {
	h.mu.Lock()
	h.result = value
	h.mu.Unlock()
	close(h.done)
}

func (h *JobHandle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
