package resolve

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

// ErrInvalidSubject is returned (as a resilience.InputError) when a subject
// lacks the fields every resolution needs.
var ErrInvalidSubject = eris.New("resolve: invalid subject")

// StateStore loads and persists lookup progress. store.LookupStore
// satisfies it.
type StateStore interface {
	GetLookupState(ctx context.Context, subjectID string) (*model.LookupState, error)
	UpsertLookupState(ctx context.Context, st *model.LookupState) error
}

// Sink persists the matches of a found result. Matches arrive deduplicated
// by target id.
type Sink[T any] interface {
	Write(ctx context.Context, subject *model.CanonicalRecord, method model.Method, matches []Match[T]) error
}

// Observer receives one call per resolve that reached a strategy or a
// terminal decision.
type Observer interface {
	ObserveResolution(method model.Method, status model.LookupStatus, deferred bool)
}

// Options tunes a Resolver.
type Options struct {
	// RetryAfter is the wait before the next strategy runs after a miss.
	RetryAfter time.Duration
	// TransientBackoff is the wait after a strategy kept failing transiently.
	TransientBackoff time.Duration
	// Synchronous walks the whole chain in one call without persisting
	// state or setting retry timestamps.
	Synchronous bool
	// Retry controls same-strategy retry of transient errors.
	Retry resilience.RetryConfig
	Now   func() time.Time
	// Observer is optional.
	Observer Observer
}

// DefaultOptions returns the external-path defaults.
func DefaultOptions() Options {
	return Options{
		RetryAfter:       24 * time.Hour,
		TransientBackoff: 5 * time.Minute,
		Retry:            resilience.DefaultRetryConfig(),
		Now:              time.Now,
	}
}

// Outcome reports what a Resolve call did.
type Outcome[T any] struct {
	SubjectID      string
	Status         model.LookupStatus
	Method         model.Method
	Confidence     float64
	Matches        []Match[T]
	NextMethod     *model.Method
	RetryNotBefore *time.Time
	// Deferred is set when nothing ran because the subject is waiting on
	// its retry time, or the strategy kept failing transiently.
	Deferred bool
}

// Resolver runs a Chain against subjects.
type Resolver[T any] struct {
	chain  *Chain[T]
	states StateStore
	sink   Sink[T]
	opts   Options
	locks  *keyedMutex
	log    *zap.Logger
}

// New creates a Resolver. states may be nil only in synchronous mode; sink
// may be nil when the caller consumes Outcome.Matches itself.
func New[T any](chain *Chain[T], states StateStore, sink Sink[T], opts Options) (*Resolver[T], error) {
	if chain == nil {
		return nil, eris.New("resolve: chain is required")
	}
	if states == nil && !opts.Synchronous {
		return nil, eris.New("resolve: state store is required unless synchronous")
	}
	def := DefaultOptions()
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = def.RetryAfter
	}
	if opts.TransientBackoff <= 0 {
		opts.TransientBackoff = def.TransientBackoff
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	return &Resolver[T]{
		chain:  chain,
		states: states,
		sink:   sink,
		opts:   opts,
		locks:  newKeyedMutex(),
		log:    zap.L().With(zap.String("component", "resolve")),
	}, nil
}

// Chain returns the resolver's strategy chain.
func (r *Resolver[T]) Chain() *Chain[T] {
	return r.chain
}

// Resolve runs at most one strategy for subject (every eligible strategy
// in synchronous mode) and records the outcome. Concurrent calls for the
// same subject are serialized.
func (r *Resolver[T]) Resolve(ctx context.Context, subject *model.CanonicalRecord) (*Outcome[T], error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(subject.ID)
	defer unlock()

	if r.opts.Synchronous {
		return r.resolveSync(ctx, subject)
	}
	return r.resolveStep(ctx, subject)
}

func validateSubject(subject *model.CanonicalRecord) error {
	switch {
	case subject == nil:
		return resilience.NewInputError(eris.Wrap(ErrInvalidSubject, "subject is nil"))
	case subject.ID == "":
		return resilience.NewInputError(eris.Wrap(ErrInvalidSubject, "subject id is required"))
	case subject.Scope == "":
		return resilience.NewInputError(eris.Wrapf(ErrInvalidSubject, "subject %s has no scope", subject.ID))
	}
	return nil
}

func (r *Resolver[T]) resolveSync(ctx context.Context, subject *model.CanonicalRecord) (*Outcome[T], error) {
	state := model.NewLookupState(subject.ID, subject.Fingerprint())
	for strat := r.chain.First(subject); strat != nil; strat = r.chain.Next(subject, strat.Name()) {
		res, err := resilience.DoVal(ctx, r.opts.Retry, func(ctx context.Context) (Result[T], error) {
			return strat.Run(ctx, subject, state)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "resolve: %s for %s", strat.Name(), subject.ID)
		}
		state.Method = strat.Name()

		switch res.Kind {
		case KindFound:
			matches := dedupeMatches(res.Matches)
			if err := r.write(ctx, subject, strat.Name(), matches); err != nil {
				return nil, err
			}
			state.Status = model.LookupFound
			state.MatchCount = len(matches)
			r.observe(state.Method, state.Status, false)
			return r.outcome(state, matches, false), nil
		case KindExhausted:
			state.Status = model.LookupExhausted
			r.observe(state.Method, state.Status, false)
			return r.outcome(state, nil, false), nil
		}
	}
	state.Status = model.LookupExhausted
	r.observe(state.Method, state.Status, false)
	return r.outcome(state, nil, false), nil
}

func (r *Resolver[T]) resolveStep(ctx context.Context, subject *model.CanonicalRecord) (*Outcome[T], error) {
	now := r.opts.Now()
	fingerprint := subject.Fingerprint()

	state, err := r.states.GetLookupState(ctx, subject.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: load state %s", subject.ID)
	}
	switch {
	case state == nil:
		state = model.NewLookupState(subject.ID, fingerprint)
	case state.Fingerprint != fingerprint && state.Status != model.LookupFound:
		r.log.Debug("fingerprint changed, restarting chain",
			zap.String("subject_id", subject.ID),
			zap.String("previous_status", string(state.Status)),
		)
		state = model.NewLookupState(subject.ID, fingerprint)
	}
	state.Fingerprint = fingerprint

	strat, ok := r.pick(subject, state, now)
	if !ok {
		// Deferred: waiting on RetryNotBefore.
		r.observe(state.Method, state.Status, true)
		return r.outcome(state, nil, true), nil
	}
	if strat == nil {
		if state.Status == model.LookupPending || state.Status == model.LookupNotFound {
			state.Status = model.LookupExhausted
			state.NextMethod = nil
			state.RetryNotBefore = nil
			state.LastAttemptAt = &now
			if err := r.save(ctx, state); err != nil {
				return nil, err
			}
		}
		r.observe(state.Method, state.Status, false)
		return r.outcome(state, nil, false), nil
	}

	retry := r.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("resolve", string(strat.Name()))
	}
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (Result[T], error) {
		return strat.Run(ctx, subject, state)
	})
	if err != nil {
		if ctx.Err() == nil && resilience.IsTransient(err) {
			return r.deferTransient(ctx, subject, state, strat.Name(), now, err)
		}
		return nil, eris.Wrapf(err, "resolve: %s for %s", strat.Name(), subject.ID)
	}

	state.LastAttemptAt = &now
	var matches []Match[T]
	switch res.Kind {
	case KindFound:
		matches = dedupeMatches(res.Matches)
		if err := r.write(ctx, subject, strat.Name(), matches); err != nil {
			return nil, err
		}
		state.Method = strat.Name()
		state.Status = model.LookupFound
		state.MatchCount = len(matches)
		state.NextMethod = nil
		state.RetryNotBefore = nil

	case KindNotFound, KindExhausted:
		if state.Status == model.LookupFound {
			// Refresh miss: keep the earlier links and status.
			state.NextMethod = nil
			state.RetryNotBefore = nil
			break
		}
		state.Method = strat.Name()
		var next Strategy[T]
		if res.Kind == KindNotFound {
			next = r.chain.Next(subject, strat.Name())
		}
		if next == nil {
			state.Status = model.LookupExhausted
			state.NextMethod = nil
			state.RetryNotBefore = nil
		} else {
			retryAt := now.Add(r.opts.RetryAfter)
			state.Status = model.LookupNotFound
			state.NextMethod = model.MethodPtr(next.Name())
			state.RetryNotBefore = &retryAt
		}
	}

	if err := r.save(ctx, state); err != nil {
		return nil, err
	}
	r.log.Debug("resolved",
		zap.String("subject_id", subject.ID),
		zap.String("method", string(strat.Name())),
		zap.String("status", string(state.Status)),
		zap.Int("matches", len(matches)),
	)
	r.observe(strat.Name(), state.Status, false)
	return r.outcome(state, matches, false), nil
}

// pick chooses the strategy to run. ok is false when the subject must wait;
// a nil strategy with ok means nothing is left to run.
func (r *Resolver[T]) pick(subject *model.CanonicalRecord, state *model.LookupState, now time.Time) (Strategy[T], bool) {
	switch state.Status {
	case model.LookupExhausted:
		return nil, true
	case model.LookupFound:
		if state.NextMethod != nil && !state.Due(now) {
			return nil, false
		}
		if s, ok := r.chain.Get(state.Method); ok && s.Eligible(subject) {
			return s, true
		}
		return nil, true
	}

	if state.NextMethod == nil {
		return r.chain.First(subject), true
	}
	if !state.Due(now) {
		return nil, false
	}
	s, ok := r.chain.Get(*state.NextMethod)
	if !ok {
		return r.chain.First(subject), true
	}
	if s.Eligible(subject) {
		return s, true
	}
	return r.chain.Next(subject, s.Name()), true
}

// deferTransient records a transient failure: the same strategy stays next with a
// short retry time, and the call reports Deferred rather than an error.
func (r *Resolver[T]) deferTransient(ctx context.Context, subject *model.CanonicalRecord, state *model.LookupState, method model.Method, now time.Time, cause error) (*Outcome[T], error) {
	retryAt := now.Add(r.opts.TransientBackoff)
	state.LastAttemptAt = &now
	state.NextMethod = model.MethodPtr(method)
	state.RetryNotBefore = &retryAt
	if state.Status != model.LookupFound {
		state.Status = model.LookupPending
		if state.Method == "" {
			state.Method = method
		}
	}
	if err := r.save(ctx, state); err != nil {
		return nil, err
	}
	r.log.Warn("strategy deferred after transient failures",
		zap.String("subject_id", subject.ID),
		zap.String("method", string(method)),
		zap.Time("retry_not_before", retryAt),
		zap.Error(cause),
	)
	r.observe(method, state.Status, true)
	return r.outcome(state, nil, true), nil
}

func (r *Resolver[T]) save(ctx context.Context, state *model.LookupState) error {
	if err := state.Validate(); err != nil {
		return eris.Wrap(err, "resolve: invalid state transition")
	}
	return eris.Wrapf(r.states.UpsertLookupState(ctx, state), "resolve: save state %s", state.SubjectID)
}

func (r *Resolver[T]) write(ctx context.Context, subject *model.CanonicalRecord, method model.Method, matches []Match[T]) error {
	if r.sink == nil || len(matches) == 0 {
		return nil
	}
	return eris.Wrapf(r.sink.Write(ctx, subject, method, matches), "resolve: write matches for %s", subject.ID)
}

func (r *Resolver[T]) observe(method model.Method, status model.LookupStatus, deferred bool) {
	if r.opts.Observer != nil {
		r.opts.Observer.ObserveResolution(method, status, deferred)
	}
}

func (r *Resolver[T]) outcome(state *model.LookupState, matches []Match[T], deferred bool) *Outcome[T] {
	out := &Outcome[T]{
		SubjectID:      state.SubjectID,
		Status:         state.Status,
		Method:         state.Method,
		Matches:        matches,
		NextMethod:     state.NextMethod,
		RetryNotBefore: state.RetryNotBefore,
		Deferred:       deferred,
	}
	for _, m := range matches {
		if m.Confidence > out.Confidence {
			out.Confidence = m.Confidence
		}
	}
	return out
}

// dedupeMatches keeps one match per target id, the most confident one,
// in first-seen order.
func dedupeMatches[T any](matches []Match[T]) []Match[T] {
	pos := make(map[string]int, len(matches))
	out := make([]Match[T], 0, len(matches))
	for _, m := range matches {
		if i, ok := pos[m.ID]; ok {
			if m.Confidence > out[i].Confidence {
				out[i] = m
			}
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}
