package scorer

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/store"
)

// LinkReader is the part of store.LinkStore recommendations read.
type LinkReader interface {
	GetLinks(ctx context.Context, subjectID string) ([]model.Link, error)
	GetListing(ctx context.Context, externalID string) (*model.ExternalListing, error)
}

// Recommender computes a record's recommendation from its stored links.
type Recommender struct {
	engine *Engine
	links  LinkReader
}

// NewRecommender creates a Recommender.
func NewRecommender(engine *Engine, links LinkReader) *Recommender {
	return &Recommender{engine: engine, links: links}
}

// Recommend loads rec's links and listings and scores the best one.
// Links whose listing is gone are skipped.
func (r *Recommender) Recommend(ctx context.Context, rec *model.CanonicalRecord) (*model.Recommendation, error) {
	links, err := r.links.GetLinks(ctx, rec.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: load links for %s", rec.ID)
	}
	listings := make(map[string]model.ExternalListing, len(links))
	for _, l := range links {
		listing, err := r.links.GetListing(ctx, l.ExternalID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "scorer: load listing %s", l.ExternalID)
		}
		listings[l.ExternalID] = *listing
	}
	return r.engine.Recommend(rec.ID, links, listings, rec.Cost)
}
