package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/enrich"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/resolve"
)

type memSource struct {
	mu      sync.Mutex
	records []model.CanonicalRecord
	calls   []model.Selector
	err     error
}

func newMemSource(n int) *memSource {
	s := &memSource{}
	for i := range n {
		s.records = append(s.records, model.CanonicalRecord{
			ID:    fmt.Sprintf("rec-%03d", i),
			Scope: "sup-a",
			Name:  fmt.Sprintf("Item %d", i),
		})
	}
	sort.Slice(s.records, func(i, j int) bool { return s.records[i].ID < s.records[j].ID })
	return s
}

func (s *memSource) FindCanonicalRecordsNeedingResolution(_ context.Context, sel model.Selector) ([]model.CanonicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sel)
	if s.err != nil {
		return nil, s.err
	}
	var out []model.CanonicalRecord
	for _, r := range s.records {
		if r.ID <= sel.AfterID {
			continue
		}
		if sel.Scope != "" && r.Scope != sel.Scope {
			continue
		}
		out = append(out, r)
		if len(out) == sel.Limit {
			break
		}
	}
	return out, nil
}

type fakeResolver struct {
	mu       sync.Mutex
	seen     map[string]int
	fail     map[string]error
	panics   map[string]bool
	outcome  func(id string) *enrich.Outcome
	inflight atomic.Int32
	peak     atomic.Int32
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		seen:   make(map[string]int),
		fail:   make(map[string]error),
		panics: make(map[string]bool),
		outcome: func(id string) *enrich.Outcome {
			return &enrich.Outcome{
				SubjectID: id,
				Status:    model.LookupFound,
				Method:    model.MethodUPC,
				Matches:   []resolve.Match[model.ExternalListing]{{ID: "B-" + id, Confidence: 0.95}},
			}
		},
	}
}

func (f *fakeResolver) Resolve(_ context.Context, s *model.CanonicalRecord) (*enrich.Outcome, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.seen[s.ID]++
	err := f.fail[s.ID]
	boom := f.panics[s.ID]
	f.mu.Unlock()

	if boom {
		panic("boom")
	}
	if err != nil {
		return nil, err
	}
	return f.outcome(s.ID), nil
}

type noSleep struct{ calls atomic.Int32 }

func (n *noSleep) sleep(ctx context.Context, _ time.Duration) error {
	n.calls.Add(1)
	return ctx.Err()
}

func newTestOrchestrator(t *testing.T, src Source, res Resolver, cfg Config, opts ...Option) (*Orchestrator, *noSleep) {
	t.Helper()
	ns := &noSleep{}
	opts = append([]Option{WithClock(nil, ns.sleep)}, opts...)
	o, err := New(src, res, cfg, opts...)
	require.NoError(t, err)
	return o, ns
}

var defaultCfg = Config{ChunkSize: 25, Concurrency: 4, LimiterBurst: 40, Pacing: 10 * time.Millisecond}

func TestNew_Validation(t *testing.T) {
	src, res := newMemSource(1), newFakeResolver()

	_, err := New(nil, res, defaultCfg)
	assert.Error(t, err)
	_, err = New(src, res, Config{ChunkSize: 0, Concurrency: 1})
	assert.Error(t, err)
	_, err = New(src, res, Config{ChunkSize: 10, Concurrency: 0})
	assert.Error(t, err)

	_, err = New(src, res, Config{ChunkSize: 10, Concurrency: 40, LimiterBurst: 40})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below limiter burst")

	_, err = New(src, res, Config{ChunkSize: 10, Concurrency: 39, LimiterBurst: 40})
	assert.NoError(t, err)
}

func TestRun_ContinuesPastFailures(t *testing.T) {
	src := newMemSource(100)
	res := newFakeResolver()
	for i := 0; i < 100; i += 10 {
		res.fail[fmt.Sprintf("rec-%03d", i)] = errors.New("permanent failure")
	}
	o, ns := newTestOrchestrator(t, src, res, defaultCfg)

	sum, err := o.Run(context.Background(), RunRequest{Selector: model.SelectAllDue})
	require.NoError(t, err)
	assert.Equal(t, 100, sum.Processed)
	assert.Equal(t, 90, sum.Succeeded)
	assert.Equal(t, 10, sum.Failed)
	assert.Len(t, sum.Errors, 10)
	assert.Equal(t, 90, sum.Found)
	assert.Equal(t, 90, sum.LinksDiscovered)
	assert.Equal(t, "rec-099", sum.LastSubjectID)
	assert.False(t, sum.Cancelled)
	assert.NotEmpty(t, sum.RunID)

	for _, e := range sum.Errors {
		assert.Equal(t, model.ErrorUnknown, e.Class)
		assert.Equal(t, "permanent failure", e.Message)
	}
	for id, n := range res.seen {
		assert.Equal(t, 1, n, id)
	}
	assert.LessOrEqual(t, res.peak.Load(), int32(4))
	// 4 full chunks, then an empty page; pacing between full chunks.
	assert.Equal(t, int32(4), ns.calls.Load())
}

func TestRun_CountsOutcomeKinds(t *testing.T) {
	src := newMemSource(4)
	res := newFakeResolver()
	res.fail["rec-003"] = resilience.NewInputError(resolve.ErrInvalidSubject)
	res.outcome = func(id string) *enrich.Outcome {
		switch id {
		case "rec-000":
			return &enrich.Outcome{SubjectID: id, Status: model.LookupNotFound, NextMethod: model.MethodPtr(model.MethodMfgNumber)}
		case "rec-001":
			return &enrich.Outcome{SubjectID: id, Status: model.LookupPending, Deferred: true}
		default:
			return &enrich.Outcome{SubjectID: id, Status: model.LookupExhausted}
		}
	}
	o, _ := newTestOrchestrator(t, src, res, defaultCfg)

	sum, err := o.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Processed)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 2, sum.NoMatch)
	assert.Equal(t, 1, sum.Deferred)
	assert.Equal(t, 0, sum.Found)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, model.ErrorInput, sum.Errors[0].Class)
	assert.Equal(t, model.SelectAllDue, src.calls[0].Mode)
}

func TestRun_RecoversPanics(t *testing.T) {
	src := newMemSource(3)
	res := newFakeResolver()
	res.panics["rec-001"] = true
	o, _ := newTestOrchestrator(t, src, res, defaultCfg)

	sum, err := o.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "rec-001", sum.Errors[0].SubjectID)
	assert.Contains(t, sum.Errors[0].Message, "panic")
}

func TestRun_MaxItemsAndResume(t *testing.T) {
	src := newMemSource(50)
	res := newFakeResolver()
	o, _ := newTestOrchestrator(t, src, res, Config{ChunkSize: 20, Concurrency: 3})

	first, err := o.Run(context.Background(), RunRequest{MaxItems: 30})
	require.NoError(t, err)
	assert.Equal(t, 30, first.Processed)
	assert.Equal(t, "rec-029", first.LastSubjectID)
	// Second page is trimmed to the remaining budget.
	assert.Equal(t, 10, src.calls[1].Limit)

	second, err := o.Run(context.Background(), RunRequest{After: first.LastSubjectID})
	require.NoError(t, err)
	assert.Equal(t, 20, second.Processed)
	assert.Equal(t, "rec-049", second.LastSubjectID)

	assert.Len(t, res.seen, 50)
	for id, n := range res.seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRun_CancelBetweenChunks(t *testing.T) {
	src := newMemSource(100)
	res := newFakeResolver()
	o, _ := newTestOrchestrator(t, src, res, defaultCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cursors []string
	sum, err := o.Run(ctx, RunRequest{OnChunk: func(_ context.Context, cursor string) error {
		cursors = append(cursors, cursor)
		cancel()
		return nil
	}})
	require.NoError(t, err)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 25, sum.Processed, "the in-flight chunk finishes")
	assert.Equal(t, []string{"rec-024"}, cursors)
	assert.Equal(t, "rec-024", sum.LastSubjectID)
}

func TestRun_CheckpointErrorDoesNotAbort(t *testing.T) {
	src := newMemSource(30)
	o, _ := newTestOrchestrator(t, src, newFakeResolver(), defaultCfg)

	sum, err := o.Run(context.Background(), RunRequest{OnChunk: func(context.Context, string) error {
		return errors.New("checkpoint store down")
	}})
	require.NoError(t, err)
	assert.Equal(t, 30, sum.Processed)
}

func TestRun_SelectionErrorStopsRun(t *testing.T) {
	src := newMemSource(10)
	src.err = errors.New("db down")
	o, _ := newTestOrchestrator(t, src, newFakeResolver(), defaultCfg)

	sum, err := o.Run(context.Background(), RunRequest{})
	require.Error(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 0, sum.Processed)
}

func TestRun_InvalidRequest(t *testing.T) {
	o, _ := newTestOrchestrator(t, newMemSource(1), newFakeResolver(), defaultCfg)

	_, err := o.Run(context.Background(), RunRequest{Selector: "everything"})
	assert.True(t, resilience.IsInput(err))
	_, err = o.Run(context.Background(), RunRequest{MaxItems: -1})
	assert.True(t, resilience.IsInput(err))
}

type fixedRecommender struct{ calls atomic.Int32 }

func (f *fixedRecommender) Recommend(_ context.Context, rec *model.CanonicalRecord) (*model.Recommendation, error) {
	f.calls.Add(1)
	if rec.ID == "rec-000" {
		return nil, errors.New("no listing")
	}
	return &model.Recommendation{SubjectID: rec.ID, Action: model.ActionInvestigate}, nil
}

type runRecorder struct{ runs []*model.RunSummary }

func (r *runRecorder) ObserveRun(s *model.RunSummary) { r.runs = append(r.runs, s) }

func TestRun_ScoresFoundSubjects(t *testing.T) {
	src := newMemSource(5)
	rec := &fixedRecommender{}
	obs := &runRecorder{}
	o, _ := newTestOrchestrator(t, src, newFakeResolver(), defaultCfg, WithRecommender(rec), WithObserver(obs))

	sum, err := o.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(5), rec.calls.Load())
	assert.Equal(t, map[model.Action]int{model.ActionInvestigate: 4}, sum.Actions)
	require.Len(t, obs.runs, 1)
	assert.Equal(t, sum, obs.runs[0])
	assert.Contains(t, String(sum), "processed=5")
}
