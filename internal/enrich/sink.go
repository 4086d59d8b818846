package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resolve"
	"github.com/sells-group/catalog-cli/internal/store"
	"github.com/sells-group/catalog-cli/pkg/marketplace"
)

// LinkWriter is the part of store.LinkStore the sink needs.
type LinkWriter interface {
	UpsertListing(ctx context.Context, l *model.ExternalListing) error
	UpsertLink(ctx context.Context, l *model.Link) error
}

// LinkSink persists each found listing and its link to the subject.
type LinkSink struct {
	links LinkWriter
	now   func() time.Time
}

// NewLinkSink creates a sink writing to links.
func NewLinkSink(links LinkWriter, now func() time.Time) *LinkSink {
	if now == nil {
		now = time.Now
	}
	return &LinkSink{links: links, now: now}
}

// Write upserts listings before links so a link never points at a missing
// listing.
func (s *LinkSink) Write(ctx context.Context, subject *model.CanonicalRecord, method model.Method, matches []Match) error {
	now := s.now().UTC()
	for i := range matches {
		m := matches[i]
		listing := m.Target
		if err := s.links.UpsertListing(ctx, &listing); err != nil {
			return eris.Wrapf(err, "enrich: upsert listing %s", m.ID)
		}
		link := &model.Link{
			SubjectID:        subject.ID,
			ExternalID:       m.ID,
			Method:           method,
			Confidence:       m.Confidence,
			DirectEquivalent: m.DirectEquivalent,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.links.UpsertLink(ctx, link); err != nil {
			return eris.Wrapf(err, "enrich: upsert link %s -> %s", subject.ID, m.ID)
		}
	}
	return nil
}

// Resolver is the external resolver type.
type Resolver = resolve.Resolver[model.ExternalListing]

// Outcome is the result of one external resolve.
type Outcome = resolve.Outcome[model.ExternalListing]

// Deps are the collaborators of the external resolver.
type Deps struct {
	Client marketplace.Client
	States resolve.StateStore
	Links  LinkWriter
}

// NewResolver wires the external chain, the link sink and the lookup state
// store into a resolver. ropts.Synchronous must be false.
func NewResolver(deps Deps, opts Options, ropts resolve.Options) (*Resolver, error) {
	if ropts.Synchronous {
		return nil, eris.New("enrich: external resolution is not synchronous")
	}
	if deps.Links == nil {
		return nil, eris.New("enrich: link store is required")
	}
	if ropts.Now != nil {
		opts.Now = ropts.Now
	}
	chain, err := NewChain(deps.Client, opts)
	if err != nil {
		return nil, err
	}
	return resolve.New[model.ExternalListing](chain, deps.States, NewLinkSink(deps.Links, opts.Now), ropts)
}

var _ LinkWriter = (store.LinkStore)(nil)
