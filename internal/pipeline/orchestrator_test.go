package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedshield/internal/cache"
	"feedshield/internal/capability"
)

// fakeStore serves a fixed source image and records saves in memory.
type fakeStore struct {
	downloads atomic.Int64

	mu    sync.Mutex
	saved map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]byte)}
}

func (f *fakeStore) Download(_ context.Context, url string) ([]byte, error) {
	f.downloads.Add(1)
	if strings.Contains(url, "unreachable") {
		return nil, errors.New("connection refused")
	}
	return []byte("source-image"), nil
}

func (f *fakeStore) SaveArtifact(_ context.Context, jobID, name string, data []byte) (string, error) {
	key := "jobs/" + jobID + "/" + name + ".png"
	f.mu.Lock()
	f.saved[key] = data
	f.mu.Unlock()
	return "http://minio/feedshield/" + key, nil
}

// fakeGenerator fails candidates listed in failing and counts invocations.
type fakeGenerator struct {
	calls   atomic.Int64
	failing map[string]bool
}

func (g *fakeGenerator) Generate(_ context.Context, _ []byte, instruction string) ([]byte, error) {
	g.calls.Add(1)
	for name := range g.failing {
		frag, err := Instruction(name, "spiders")
		if err == nil && instruction == frag {
			return nil, errors.New("capability exploded")
		}
	}
	return []byte("generated:" + instruction), nil
}

// fakeJudge scores by candidate identity: the generated payload embeds the
// instruction text, which is unique per intervention name. Fan-in order is
// nondeterministic, so scores must not depend on call order.
type fakeJudge struct {
	byName map[string]float64
	err    error
}

func scoresFor(pairs ...any) *fakeJudge {
	byName := make(map[string]float64)
	for i := 0; i+1 < len(pairs); i += 2 {
		byName[pairs[i].(string)] = pairs[i+1].(float64)
	}
	return &fakeJudge{byName: byName}
}

func (j *fakeJudge) Score(_ context.Context, _, candidate []byte, _ capability.JudgeContext) (float64, error) {
	if j.err != nil {
		return 0, j.err
	}
	for name, score := range j.byName {
		instruction, err := Instruction(name, "spiders")
		if err == nil && string(candidate) == "generated:"+instruction {
			return score, nil
		}
	}
	return 0, errors.New("no score configured for candidate")
}

type testRig struct {
	orch  *Orchestrator
	cache *cache.Manager
	store *fakeStore
	gen   *fakeGenerator
	judge *fakeJudge
}

func newTestRig(t *testing.T, failing map[string]bool, judge *fakeJudge) *testRig {
	t.Helper()
	backend, err := cache.NewMemoryBackend(16)
	require.NoError(t, err)
	mgr := cache.NewManager(backend, nil)

	gen := &fakeGenerator{failing: failing}
	if judge == nil {
		judge = scoresFor("blur", 5.0, "occlusion", 6.0, "shrink", 7.0, "warning", 8.0)
	}
	caps, err := capability.NewRegistry(map[capability.Provider]capability.Set{
		capability.ProviderGemini: {Generator: gen, Judge: judge},
	})
	require.NoError(t, err)

	store := newFakeStore()
	return &testRig{
		orch:  NewOrchestrator(mgr, store, caps, WithCandidateTimeout(5*time.Second)),
		cache: mgr,
		store: store,
		gen:   gen,
		judge: judge,
	}
}

func rankRequest(candidates ...string) *Request {
	return &Request{
		Mode:           ModeRank,
		URL:            "http://example.com/feed/1.png",
		UserID:         "u1",
		CandidateNames: candidates,
		UserContext:    UserContext{FilterText: "spiders", Sensitivity: "4"},
	}
}

func waitDone(t *testing.T, h *JobHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", h.JobID())
	}
}

func TestSubmitValidation(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *Request
	}{
		{"bad mode", &Request{Mode: "batch", URL: "u", UserID: "x"}},
		{"direct without intervention", &Request{Mode: ModeDirect, URL: "u", UserID: "x"}},
		{"rank without candidates", &Request{Mode: ModeRank, URL: "u", UserID: "x"}},
		{"unknown candidate", rankRequest("blur", "definitely_not_a_thing")},
		{"missing url", &Request{Mode: ModeDirect, UserID: "x", InterventionName: "blur"}},
		{"missing user", &Request{Mode: ModeDirect, URL: "u", InterventionName: "blur"}},
	}
	for _, tc := range cases {
		if _, err := rig.orch.Submit(ctx, tc.req); err == nil {
			t.Fatalf("Submit(%s) error = nil, want validation error", tc.name)
		}
	}
	require.Zero(t, rig.gen.calls.Load(), "validation failures must not dispatch")
}

func TestRankSelectsHighestScore(t *testing.T) {
	judge := scoresFor("blur", 3.1, "occlusion", 7.4, "shrink", 7.4, "warning", 2.0)
	rig := newTestRig(t, nil, judge)
	ctx := context.Background()

	h, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion", "shrink", "warning"))
	require.NoError(t, err)
	require.False(t, h.Cached())
	waitDone(t, h)

	v, err := h.Result()
	require.NoError(t, err)
	// First max on tie: "occlusion" (second candidate) wins over "shrink".
	require.Contains(t, v.URL, "/occlusion.png")
	require.NotEmpty(t, v.Base64)
}

func TestRankPartialGenerationFailure(t *testing.T) {
	judge := scoresFor("occlusion", 2.0, "shrink", 9.0)
	rig := newTestRig(t, map[string]bool{"blur": true, "warning": true}, judge)
	ctx := context.Background()

	h, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion", "warning", "shrink"))
	require.NoError(t, err)
	waitDone(t, h)

	v, err := h.Result()
	require.NoError(t, err, "job must survive partial generation failure")
	require.Contains(t, v.URL, "/shrink.png")
}

func TestRankTotalGenerationFailure(t *testing.T) {
	rig := newTestRig(t, map[string]bool{"blur": true, "occlusion": true}, nil)
	ctx := context.Background()

	h, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion"))
	require.NoError(t, err)
	waitDone(t, h)

	_, err = h.Result()
	require.Error(t, err)

	// Zero cache writes on failure.
	_, err = rig.cache.Get(ctx, "http://example.com/feed/1.png", []string{"spiders"})
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestRankTotalScoringFailure(t *testing.T) {
	judge := &fakeJudge{err: errors.New("judge offline")}
	rig := newTestRig(t, nil, judge)
	ctx := context.Background()

	h, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion"))
	require.NoError(t, err)
	waitDone(t, h)

	_, err = h.Result()
	require.Error(t, err)
	_, err = rig.cache.Get(ctx, "http://example.com/feed/1.png", []string{"spiders"})
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestCacheHitShortCircuitsGeneration(t *testing.T) {
	rig := newTestRig(t, nil, scoresFor("blur", 5.0, "occlusion", 6.0))
	ctx := context.Background()

	h, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion"))
	require.NoError(t, err)
	waitDone(t, h)
	callsAfterFirst := rig.gen.calls.Load()

	h2, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion"))
	require.NoError(t, err)
	require.True(t, h2.Cached())
	waitDone(t, h2)

	v, err := h2.Result()
	require.NoError(t, err)
	require.NotEmpty(t, v.URL)
	require.Equal(t, callsAfterFirst, rig.gen.calls.Load(), "second submission must not regenerate")
}

func TestDirectModeSkipsScoring(t *testing.T) {
	judge := &fakeJudge{err: errors.New("judge must not be called")}
	rig := newTestRig(t, nil, judge)
	ctx := context.Background()

	h, err := rig.orch.Submit(ctx, &Request{
		Mode:             ModeDirect,
		URL:              "http://example.com/feed/2.png",
		UserID:           "u1",
		InterventionName: "warning",
		UserContext:      UserContext{FilterText: "spiders"},
	})
	require.NoError(t, err)
	waitDone(t, h)

	v, err := h.Result()
	require.NoError(t, err)
	require.Contains(t, v.URL, "/warning.png")

	got, err := rig.cache.Get(ctx, "http://example.com/feed/2.png", []string{"spiders"})
	require.NoError(t, err)
	require.Equal(t, v.URL, got.URL)
}

func TestBatchDownloadsSourceOnce(t *testing.T) {
	rig := newTestRig(t, nil, scoresFor("blur", 1.0, "occlusion", 2.0, "shrink", 3.0, "warning", 4.0))
	ctx := context.Background()

	h, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion", "shrink", "warning"))
	require.NoError(t, err)
	waitDone(t, h)

	require.Equal(t, int64(1), rig.store.downloads.Load(), "source must be downloaded once per batch")
}

func TestUnreachableSourceFailsJob(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	ctx := context.Background()

	req := rankRequest("blur")
	req.URL = "http://unreachable.example.com/1.png"
	h, err := rig.orch.Submit(ctx, req)
	require.NoError(t, err)
	waitDone(t, h)

	_, err = h.Result()
	require.Error(t, err)
}

func TestUnknownProviderFailsSynchronously(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	req := rankRequest("blur")
	req.GenerationProvider = "grounding_dino"

	_, err := rig.orch.Submit(context.Background(), req)
	require.ErrorIs(t, err, capability.ErrUnknownProvider)
	require.Zero(t, rig.gen.calls.Load())
}

func TestNewJobID(t *testing.T) {
	a := NewJobID("u1", []string{"spiders."})
	b := NewJobID("u1", []string{"spiders."})

	require.True(t, strings.HasPrefix(a, "u1_"))
	require.NotEqual(t, a, b, "random salt must differ between jobs")

	// Same user and filters share the deterministic hash segment.
	require.Equal(t, strings.Split(a, "_")[1], strings.Split(b, "_")[1])
	require.Len(t, strings.Split(a, "_"), 3)
}

func TestSelectWinner(t *testing.T) {
	scores := []Score{
		{InterventionName: "A", Value: 3.1, Status: StatusSuccess},
		{InterventionName: "B", Value: 7.4, Status: StatusSuccess},
		{InterventionName: "C", Value: 7.4, Status: StatusSuccess},
		{InterventionName: "D", Value: 2.0, Status: StatusSuccess},
	}
	winner, ok := selectWinner(scores)
	if !ok || winner != "B" {
		t.Fatalf("selectWinner() = %q, %v; want B (first max on tie)", winner, ok)
	}

	failedOnly := []Score{
		{InterventionName: "A", Value: 0, Status: StatusFailed},
		{InterventionName: "B", Value: 0, Status: StatusFailed},
	}
	if _, ok := selectWinner(failedOnly); ok {
		t.Fatalf("selectWinner() found winner among failed scores")
	}

	// A failed score never beats a successful zero.
	mixed := []Score{
		{InterventionName: "A", Value: 9.9, Status: StatusFailed},
		{InterventionName: "B", Value: 0, Status: StatusSuccess},
	}
	winner, ok = selectWinner(mixed)
	if !ok || winner != "B" {
		t.Fatalf("selectWinner() = %q, %v; want B", winner, ok)
	}
}

func TestInstructionCatalog(t *testing.T) {
	for _, name := range InterventionNames() {
		got, err := Instruction(name, "spiders")
		if err != nil {
			t.Fatalf("Instruction(%q) error = %v", name, err)
		}
		if !strings.Contains(got, "spiders") {
			t.Fatalf("Instruction(%q) = %q, missing filter text", name, got)
		}
	}
	if _, err := Instruction("nope", "spiders"); err == nil {
		t.Fatalf("Instruction(unknown) error = nil")
	}
	if KnownIntervention("nope") {
		t.Fatalf("KnownIntervention(nope) = true")
	}
}

func TestRequestFilters(t *testing.T) {
	r := &Request{UserContext: UserContext{FilterText: "spiders"}}
	if got := r.Filters(); len(got) != 1 || got[0] != "spiders" {
		t.Fatalf("Filters() = %v", got)
	}
	r = &Request{}
	if got := r.Filters(); got != nil {
		t.Fatalf("Filters() = %v, want nil", got)
	}
}

func TestConcurrentSubmissionsBothRun(t *testing.T) {
	// Concurrent identical submissions are not deduplicated; the cache's
	// first-write-wins policy is the only collision resolution.
	rig := newTestRig(t, nil, scoresFor("blur", 1.0, "occlusion", 2.0))
	ctx := context.Background()

	h1, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion"))
	require.NoError(t, err)
	h2, err := rig.orch.Submit(ctx, rankRequest("blur", "occlusion"))
	require.NoError(t, err)

	waitDone(t, h1)
	waitDone(t, h2)

	if _, err := h1.Result(); err != nil {
		t.Fatalf("first job error = %v", err)
	}
	if _, err := h2.Result(); err != nil {
		t.Fatalf("second job error = %v", err)
	}
	v, err := rig.cache.Get(ctx, "http://example.com/feed/1.png", []string{"spiders"})
	require.NoError(t, err)
	require.NotEmpty(t, v.URL)
	// At least the first job generated; the second may have raced it to the
	// cache or duplicated the work.
	require.GreaterOrEqual(t, rig.gen.calls.Load(), int64(2))
}
