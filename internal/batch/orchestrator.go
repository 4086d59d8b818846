// Package batch pulls subjects needing resolution and runs them through the
// external resolver in paced, bounded-concurrency chunks.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-cli/internal/enrich"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

// Source selects subjects. store.CatalogStore satisfies it.
type Source interface {
	FindCanonicalRecordsNeedingResolution(ctx context.Context, sel model.Selector) ([]model.CanonicalRecord, error)
}

// Resolver runs one resolution step for a subject. *enrich.Resolver
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, subject *model.CanonicalRecord) (*enrich.Outcome, error)
}

// Recommender scores a found subject. *scorer.Recommender satisfies it.
type Recommender interface {
	Recommend(ctx context.Context, rec *model.CanonicalRecord) (*model.Recommendation, error)
}

// Observer receives per-run results. Implemented by the metrics package.
type Observer interface {
	ObserveRun(summary *model.RunSummary)
}

// Config controls chunking and pacing.
type Config struct {
	// ChunkSize is the number of subjects selected per page.
	ChunkSize int
	// Concurrency is the number of concurrent resolves per chunk. It must
	// be smaller than LimiterBurst.
	Concurrency int
	// LimiterBurst is the shared rate limiter's bucket capacity.
	LimiterBurst int
	// Pacing is the delay between chunks.
	Pacing time.Duration
}

// RunRequest selects what a run processes.
type RunRequest struct {
	Selector model.SelectorMode `json:"selector"`
	Scope    string             `json:"scope,omitempty"`
	// MaxItems bounds the run; 0 means until the selection is drained.
	MaxItems int `json:"max_items"`
	// After resumes a run after this subject id.
	After string `json:"after,omitempty"`
	// OnChunk is called with the cursor after every completed chunk.
	OnChunk func(ctx context.Context, cursor string) error `json:"-"`
}

// Orchestrator runs batches.
type Orchestrator struct {
	src         Source
	resolver    Resolver
	recommender Recommender
	observer    Observer
	cfg         Config
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	log         *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecommender scores every found subject into RunSummary.Actions.
func WithRecommender(r Recommender) Option {
	return func(o *Orchestrator) { o.recommender = r }
}

// WithObserver reports finished runs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock sets the time source and the pacing sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// New validates cfg and creates an Orchestrator.
func New(src Source, resolver Resolver, cfg Config, opts ...Option) (*Orchestrator, error) {
	if src == nil || resolver == nil {
		return nil, eris.New("batch: source and resolver are required")
	}
	if cfg.ChunkSize <= 0 {
		return nil, eris.Errorf("batch: chunk size must be > 0, got %d", cfg.ChunkSize)
	}
	if cfg.Concurrency <= 0 {
		return nil, eris.Errorf("batch: concurrency must be > 0, got %d", cfg.Concurrency)
	}
	if cfg.LimiterBurst > 0 && cfg.Concurrency >= cfg.LimiterBurst {
		return nil, eris.Errorf("batch: concurrency %d must be below limiter burst %d", cfg.Concurrency, cfg.LimiterBurst)
	}
	if cfg.Pacing < 0 {
		return nil, eris.New("batch: pacing must be >= 0")
	}
	o := &Orchestrator{
		src:      src,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		log:      zap.L().With(zap.String("component", "batch")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run processes subjects chunk by chunk until the selection is drained,
// MaxItems is reached, or ctx is cancelled. Cancellation is checked
// between chunks; the current chunk always finishes. Per-subject failures
// are recorded in the summary and never abort the run. The returned error
// is set only when selecting subjects fails.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*model.RunSummary, error) {
	if req.Selector == "" {
		req.Selector = model.SelectAllDue
	}
	if !req.Selector.Valid() {
		return nil, resilience.NewInputError(eris.Errorf("batch: invalid selector %q", req.Selector))
	}
	if req.MaxItems < 0 {
		return nil, resilience.NewInputError(eris.Errorf("batch: max items must be >= 0, got %d", req.MaxItems))
	}

	summary := &model.RunSummary{
		RunID:         uuid.NewString(),
		Errors:        []model.RunError{},
		Actions:       map[model.Action]int{},
		LastSubjectID: req.After,
		StartedAt:     o.now().UTC(),
	}
	log := o.log.With(zap.String("run_id", summary.RunID))
	log.Info("batch run started",
		zap.String("selector", string(req.Selector)),
		zap.String("scope", req.Scope),
		zap.Int("max_items", req.MaxItems),
		zap.String("after", req.After),
	)

	var runErr error
	for chunk := 0; ; chunk++ {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		size := o.cfg.ChunkSize
		if req.MaxItems > 0 {
			size = min(size, req.MaxItems-summary.Processed)
		}
		subjects, err := o.src.FindCanonicalRecordsNeedingResolution(ctx, model.Selector{
			Mode:    req.Selector,
			Scope:   req.Scope,
			AfterID: summary.LastSubjectID,
			Limit:   size,
			Now:     o.now(),
		})
		if err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			runErr = eris.Wrapf(err, "batch: select chunk %d", chunk)
			break
		}
		if len(subjects) == 0 {
			break
		}

		o.runChunk(ctx, subjects, summary)
		summary.LastSubjectID = subjects[len(subjects)-1].ID
		if req.OnChunk != nil {
			if err := req.OnChunk(ctx, summary.LastSubjectID); err != nil {
				log.Warn("checkpoint failed", zap.String("cursor", summary.LastSubjectID), zap.Error(err))
			}
		}
		log.Debug("chunk complete",
			zap.Int("chunk", chunk),
			zap.Int("size", len(subjects)),
			zap.Int("processed", summary.Processed),
			zap.String("cursor", summary.LastSubjectID),
		)

		if len(subjects) < size || (req.MaxItems > 0 && summary.Processed >= req.MaxItems) {
			break
		}
		if o.cfg.Pacing > 0 {
			if err := o.sleep(ctx, o.cfg.Pacing); err != nil {
				summary.Cancelled = true
				break
			}
		}
	}

	summary.FinishedAt = o.now().UTC()
	log.Info("batch run finished",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("found", summary.Found),
		zap.Int("deferred", summary.Deferred),
		zap.Bool("cancelled", summary.Cancelled),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	if o.observer != nil {
		o.observer.ObserveRun(summary)
	}
	return summary, runErr
}

type itemResult struct {
	subjectID string
	outcome   *enrich.Outcome
	action    model.Action
	err       error
}

// runChunk resolves subjects with at most Concurrency in flight and folds
// the results into summary. Items run detached from ctx cancellation so a
// cancelled run still finishes and persists the chunk it started.
func (o *Orchestrator) runChunk(ctx context.Context, subjects []model.CanonicalRecord, summary *model.RunSummary) {
	results := make([]itemResult, len(subjects))
	itemCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i := range subjects {
		g.Go(func() error {
			results[i] = o.runItem(itemCtx, &subjects[i])
			return nil // an item failure never aborts the chunk
		})
	}
	_ = g.Wait()

	for _, r := range results {
		summary.Processed++
		if r.err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, model.RunError{
				SubjectID: r.subjectID,
				Class:     resilience.ClassifyError(r.err),
				Message:   r.err.Error(),
			})
			continue
		}
		summary.Succeeded++
		switch {
		case r.outcome.Deferred:
			summary.Deferred++
		case r.outcome.Status == model.LookupFound:
			summary.Found++
			summary.LinksDiscovered += len(r.outcome.Matches)
		default:
			summary.NoMatch++
		}
		if r.action != "" {
			summary.Actions[r.action]++
		}
	}
}

func (o *Orchestrator) runItem(ctx context.Context, subject *model.CanonicalRecord) (res itemResult) {
	res.subjectID = subject.ID
	defer func() {
		if p := recover(); p != nil {
			res.outcome = nil
			res.err = eris.Errorf("batch: panic resolving %s: %v", subject.ID, p)
		}
	}()

	out, err := o.resolver.Resolve(ctx, subject)
	if err != nil {
		res.err = err
		o.log.Warn("resolve failed",
			zap.String("subject_id", subject.ID),
			zap.String("class", string(resilience.ClassifyError(err))),
			zap.Error(err),
		)
		return res
	}
	if out == nil {
		res.err = eris.Errorf("batch: resolver returned no outcome for %s", subject.ID)
		return res
	}
	res.outcome = out

	if o.recommender != nil && out.Status == model.LookupFound && !out.Deferred {
		rec, err := o.recommender.Recommend(ctx, subject)
		if err != nil {
			o.log.Debug("recommendation skipped", zap.String("subject_id", subject.ID), zap.Error(err))
			return res
		}
		res.action = rec.Action
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// String renders a one-line summary for CLI output.
func String(s *model.RunSummary) string {
	return fmt.Sprintf("run %s: processed=%d succeeded=%d failed=%d found=%d no_match=%d deferred=%d links=%d cursor=%q cancelled=%t",
		s.RunID, s.Processed, s.Succeeded, s.Failed, s.Found, s.NoMatch, s.Deferred, s.LinksDiscovered, s.LastSubjectID, s.Cancelled)
}
