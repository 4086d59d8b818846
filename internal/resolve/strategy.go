// Package resolve is the generic resolution engine. A Resolver walks an
// ordered Chain of strategies for one subject at a time and records the
// outcome in a LookupState; the same engine backs internal dedup and
// external marketplace enrichment.
package resolve

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
)

// Kind is the outcome of one strategy run.
type Kind int

const (
	KindNotFound Kind = iota
	KindFound
	// KindExhausted means the strategy determined no later strategy can help.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindFound:
		return "found"
	case KindExhausted:
		return "exhausted"
	default:
		return "not_found"
	}
}

// Match is one candidate target produced by a strategy.
type Match[T any] struct {
	ID         string
	Target     T
	Confidence float64
	// DirectEquivalent marks a one-to-one identifier hit.
	DirectEquivalent bool
}

// Result is what a strategy returns for a subject.
type Result[T any] struct {
	Kind    Kind
	Matches []Match[T]
}

// Found builds a found result. An empty match list is treated as not found.
func Found[T any](matches ...Match[T]) Result[T] {
	if len(matches) == 0 {
		return Result[T]{Kind: KindNotFound}
	}
	return Result[T]{Kind: KindFound, Matches: matches}
}

// NotFound builds a not-found result.
func NotFound[T any]() Result[T] {
	return Result[T]{Kind: KindNotFound}
}

// Exhausted builds a result that terminates the chain.
func Exhausted[T any]() Result[T] {
	return Result[T]{Kind: KindExhausted}
}

// Confidence is the best match confidence, 0 when nothing matched.
func (r Result[T]) Confidence() float64 {
	best := 0.0
	for _, m := range r.Matches {
		if m.Confidence > best {
			best = m.Confidence
		}
	}
	return best
}

// Strategy is one way of finding targets for a subject.
type Strategy[T any] interface {
	Name() model.Method
	// Eligible reports whether the subject carries the input this strategy needs.
	Eligible(subject *model.CanonicalRecord) bool
	Run(ctx context.Context, subject *model.CanonicalRecord, state *model.LookupState) (Result[T], error)
}

// Chain is a fixed priority order of strategies.
type Chain[T any] struct {
	strategies []Strategy[T]
	index      map[model.Method]int
}

// NewChain validates and builds a chain. Method names must be unique.
func NewChain[T any](strategies ...Strategy[T]) (*Chain[T], error) {
	if len(strategies) == 0 {
		return nil, eris.New("resolve: chain needs at least one strategy")
	}
	c := &Chain[T]{strategies: strategies, index: make(map[model.Method]int, len(strategies))}
	for i, s := range strategies {
		if _, dup := c.index[s.Name()]; dup {
			return nil, eris.Errorf("resolve: duplicate strategy %q", s.Name())
		}
		c.index[s.Name()] = i
	}
	return c, nil
}

// First returns the first strategy eligible for subject, nil if none.
func (c *Chain[T]) First(subject *model.CanonicalRecord) Strategy[T] {
	return c.from(0, subject)
}

// Next returns the first eligible strategy after the named one, nil when
// the chain is exhausted for subject.
func (c *Chain[T]) Next(subject *model.CanonicalRecord, after model.Method) Strategy[T] {
	i, ok := c.index[after]
	if !ok {
		return nil
	}
	return c.from(i+1, subject)
}

// Get returns the named strategy if it is in the chain.
func (c *Chain[T]) Get(name model.Method) (Strategy[T], bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.strategies[i], true
}

// Methods lists the chain order.
func (c *Chain[T]) Methods() []model.Method {
	out := make([]model.Method, len(c.strategies))
	for i, s := range c.strategies {
		out[i] = s.Name()
	}
	return out
}

func (c *Chain[T]) from(i int, subject *model.CanonicalRecord) Strategy[T] {
	for ; i < len(c.strategies); i++ {
		if c.strategies[i].Eligible(subject) {
			return c.strategies[i]
		}
	}
	return nil
}
