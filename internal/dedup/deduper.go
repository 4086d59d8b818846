package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/resolve"
	"github.com/sells-group/catalog-cli/internal/store"
)

// Store is the catalog surface the Deduper reads and writes.
type Store interface {
	Candidates
	GetCanonicalRecord(ctx context.Context, id string) (*model.CanonicalRecord, error)
	UpsertCanonicalRecord(ctx context.Context, rec *model.CanonicalRecord) error
}

// ScopeChecker rejects records for scopes that may not ingest.
// *registry.SupplierRegistry satisfies it.
type ScopeChecker interface {
	Accepts(scope string) error
}

// Config tunes the fuzzy strategy.
type Config struct {
	// FuzzyThreshold is the minimum name similarity, default 0.8.
	FuzzyThreshold float64
	// CandidatePageSize is how many same-scope candidates are fetched per
	// page; the fuzzy strategy reads every page.
	CandidatePageSize int
}

// DefaultConfig returns the built-in threshold and candidate page size.
func DefaultConfig() Config {
	return Config{FuzzyThreshold: 0.8, CandidatePageSize: 500}
}

// IngestResult reports what Ingest did with one record.
type IngestResult struct {
	Record     *model.CanonicalRecord
	Created    bool
	Method     model.Method
	Confidence float64
}

// Deduper merges incoming records into existing ones or creates them.
type Deduper struct {
	store    Store
	scopes   ScopeChecker
	observer resolve.Observer
	resolver *resolve.Resolver[model.CanonicalRecord]
	newID    func() string
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Deduper.
type Option func(*Deduper)

// WithScopeChecker rejects records whose scope is not accepted.
func WithScopeChecker(c ScopeChecker) Option {
	return func(d *Deduper) { d.scopes = c }
}

// WithIDFunc overrides record id generation.
func WithIDFunc(fn func() string) Option {
	return func(d *Deduper) { d.newID = fn }
}

// WithNow sets the clock.
func WithNow(fn func() time.Time) Option {
	return func(d *Deduper) { d.now = fn }
}

// WithObserver reports each resolution.
func WithObserver(o resolve.Observer) Option {
	return func(d *Deduper) { d.observer = o }
}

// New builds a Deduper over st with the exact_identifier, composite_key
// and fuzzy_name chain.
func New(st Store, cfg Config, opts ...Option) (*Deduper, error) {
	if st == nil {
		return nil, eris.New("dedup: store is required")
	}
	def := DefaultConfig()
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = def.FuzzyThreshold
	}
	if cfg.FuzzyThreshold > 1 {
		return nil, eris.Errorf("dedup: fuzzy threshold must be <= 1, got %v", cfg.FuzzyThreshold)
	}
	if cfg.CandidatePageSize <= 0 {
		cfg.CandidatePageSize = def.CandidatePageSize
	}

	d := &Deduper{
		store: st,
		newID: uuid.NewString,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "dedup")),
	}
	for _, o := range opts {
		o(d)
	}

	chain, err := resolve.NewChain[model.CanonicalRecord](
		&exactIdentifier{store: st},
		&compositeKey{store: st},
		&fuzzyName{store: st, threshold: cfg.FuzzyThreshold, pageSize: cfg.CandidatePageSize},
	)
	if err != nil {
		return nil, err
	}
	d.resolver, err = resolve.New[model.CanonicalRecord](chain, nil, nil, resolve.Options{
		Synchronous: true,
		Retry:       resilience.RetryConfig{MaxAttempts: 1},
		Now:         d.now,
		Observer:    d.observer,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Ingest resolves incoming against the catalog. A match is merged with
// non-empty incoming fields winning; otherwise a new record is created.
// An incoming record carrying the id of an existing record updates it.
func (d *Deduper) Ingest(ctx context.Context, incoming model.CanonicalRecord) (*IngestResult, error) {
	incoming.Scope = strings.TrimSpace(incoming.Scope)
	if incoming.Scope == "" {
		return nil, resilience.NewInputError(eris.Wrap(resolve.ErrInvalidSubject, "dedup: scope is required"))
	}
	if strings.TrimSpace(incoming.Name) == "" && incoming.PrimaryCode == "" &&
		incoming.SupplierSKU == "" && incoming.ManufacturerCode == "" {
		return nil, resilience.NewInputError(eris.Wrap(resolve.ErrInvalidSubject, "dedup: record has no name or identifier"))
	}
	if d.scopes != nil {
		if err := d.scopes.Accepts(incoming.Scope); err != nil {
			return nil, err
		}
	}

	now := d.now().UTC()
	if incoming.ID != "" {
		existing, err := d.store.GetCanonicalRecord(ctx, incoming.ID)
		switch {
		case err == nil:
			return d.merge(ctx, existing, incoming, "", 1, now)
		case !errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrapf(err, "dedup: load %s", incoming.ID)
		}
	} else {
		incoming.ID = d.newID()
	}

	out, err := d.resolver.Resolve(ctx, &incoming)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: resolve")
	}
	if m, ok := best(out.Matches); ok {
		target := m.Target
		return d.merge(ctx, &target, incoming, out.Method, m.Confidence, now)
	}

	rec := incoming
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := d.store.UpsertCanonicalRecord(ctx, &rec); err != nil {
		return nil, eris.Wrapf(err, "dedup: create %s", rec.ID)
	}
	d.log.Debug("created record", zap.String("id", rec.ID), zap.String("scope", rec.Scope))
	return &IngestResult{Record: &rec, Created: true}, nil
}

func (d *Deduper) merge(ctx context.Context, existing *model.CanonicalRecord, incoming model.CanonicalRecord, method model.Method, confidence float64, now time.Time) (*IngestResult, error) {
	existing.Merge(incoming)
	existing.UpdatedAt = now
	if err := d.store.UpsertCanonicalRecord(ctx, existing); err != nil {
		return nil, eris.Wrapf(err, "dedup: merge into %s", existing.ID)
	}
	d.log.Debug("merged record",
		zap.String("id", existing.ID),
		zap.String("method", string(method)),
		zap.Float64("confidence", confidence),
	)
	return &IngestResult{Record: existing, Method: method, Confidence: confidence}, nil
}
