// Package enrich discovers marketplace listings for canonical records. It
// supplies the external strategy chain and the link sink that the generic
// resolver runs.
package enrich

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/config"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resolve"
	"github.com/sells-group/catalog-cli/pkg/marketplace"
)

// Match is a discovered listing.
type Match = resolve.Match[model.ExternalListing]

// Options configures the external strategies.
type Options struct {
	UPCConfidence       float64
	MfgNumberConfidence float64
	KeywordConfidence   float64
	// KeywordResultCap bounds keyword search results.
	KeywordResultCap int
	Now              func() time.Time
}

// DefaultOptions returns the built-in confidences and cap.
func DefaultOptions() Options {
	return Options{
		UPCConfidence:       0.95,
		MfgNumberConfidence: 0.8,
		KeywordConfidence:   0.6,
		KeywordResultCap:    20,
		Now:                 time.Now,
	}
}

// OptionsFromConfig maps the resolve config section, keeping defaults for
// unset values.
func OptionsFromConfig(c config.ResolveConfig) Options {
	o := DefaultOptions()
	if c.UPCConfidence > 0 {
		o.UPCConfidence = c.UPCConfidence
	}
	if c.MfgNumberConfidence > 0 {
		o.MfgNumberConfidence = c.MfgNumberConfidence
	}
	if c.KeywordConfidence > 0 {
		o.KeywordConfidence = c.KeywordConfidence
	}
	if c.KeywordResultCap > 0 {
		o.KeywordResultCap = c.KeywordResultCap
	}
	return o
}

// NewChain builds the external chain in priority order: upc, mfg_number,
// keyword.
func NewChain(client marketplace.Client, opts Options) (*resolve.Chain[model.ExternalListing], error) {
	if client == nil {
		return nil, eris.New("enrich: marketplace client is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return resolve.NewChain[model.ExternalListing](
		&upcStrategy{client: client, opts: opts},
		&mfgNumberStrategy{client: client, opts: opts},
		&keywordStrategy{client: client, opts: opts},
	)
}

type upcStrategy struct {
	client marketplace.Client
	opts   Options
}

func (s *upcStrategy) Name() model.Method { return model.MethodUPC }

func (s *upcStrategy) Eligible(rec *model.CanonicalRecord) bool {
	return strings.TrimSpace(rec.PrimaryCode) != ""
}

func (s *upcStrategy) Run(ctx context.Context, rec *model.CanonicalRecord, _ *model.LookupState) (resolve.Result[model.ExternalListing], error) {
	listings, err := s.client.SearchByPrimaryKey(ctx, strings.TrimSpace(rec.PrimaryCode))
	if err != nil {
		return resolve.NotFound[model.ExternalListing](), err
	}
	// A single hit on a UPC is the same product.
	direct := len(listings) == 1
	return found(listings, s.opts.UPCConfidence, direct, s.opts.Now()), nil
}

type mfgNumberStrategy struct {
	client marketplace.Client
	opts   Options
}

func (s *mfgNumberStrategy) Name() model.Method { return model.MethodMfgNumber }

func (s *mfgNumberStrategy) Eligible(rec *model.CanonicalRecord) bool {
	return strings.TrimSpace(rec.ManufacturerCode) != ""
}

func (s *mfgNumberStrategy) Run(ctx context.Context, rec *model.CanonicalRecord, _ *model.LookupState) (resolve.Result[model.ExternalListing], error) {
	listings, err := s.client.SearchBySecondaryKey(ctx, strings.TrimSpace(rec.ManufacturerCode), strings.TrimSpace(rec.Name))
	if err != nil {
		return resolve.NotFound[model.ExternalListing](), err
	}
	return found(listings, s.opts.MfgNumberConfidence, false, s.opts.Now()), nil
}

type keywordStrategy struct {
	client marketplace.Client
	opts   Options
}

func (s *keywordStrategy) Name() model.Method { return model.MethodKeyword }

func (s *keywordStrategy) Eligible(rec *model.CanonicalRecord) bool {
	return strings.TrimSpace(rec.Name) != ""
}

func (s *keywordStrategy) Run(ctx context.Context, rec *model.CanonicalRecord, _ *model.LookupState) (resolve.Result[model.ExternalListing], error) {
	text := strings.TrimSpace(strings.TrimSpace(rec.Brand) + " " + strings.TrimSpace(rec.Name))
	listings, err := s.client.SearchByKeywords(ctx, text, s.opts.KeywordResultCap)
	if err != nil {
		return resolve.NotFound[model.ExternalListing](), err
	}
	listings = filterBrand(listings, rec.Brand)
	if limit := s.opts.KeywordResultCap; limit > 0 && len(listings) > limit {
		listings = listings[:limit]
	}
	return found(listings, s.opts.KeywordConfidence, false, s.opts.Now()), nil
}

// filterBrand drops listings carrying a different brand. Listings without
// a brand are kept.
func filterBrand(listings []marketplace.Listing, brand string) []marketplace.Listing {
	want := resolve.NormalizeName(brand)
	if want == "" {
		return listings
	}
	out := listings[:0:0]
	for _, l := range listings {
		got := resolve.NormalizeName(l.Brand)
		if got == "" || got == want {
			out = append(out, l)
		}
	}
	return out
}

func found(listings []marketplace.Listing, confidence float64, direct bool, now time.Time) resolve.Result[model.ExternalListing] {
	matches := make([]Match, 0, len(listings))
	for _, l := range listings {
		matches = append(matches, Match{
			ID:               l.ExternalID,
			Target:           ToExternalListing(l, now),
			Confidence:       confidence,
			DirectEquivalent: direct,
		})
	}
	return resolve.Found(matches...)
}

// ToExternalListing converts an API listing into the stored form, stamping
// the metrics snapshot with now.
func ToExternalListing(l marketplace.Listing, now time.Time) model.ExternalListing {
	now = now.UTC()
	return model.ExternalListing{
		ExternalID: l.ExternalID,
		Title:      l.Title,
		Brand:      l.Brand,
		Category:   l.Category,
		Images:     l.Images,
		Metrics: model.MetricsSnapshot{
			Price:            l.Price,
			SalesRank:        l.SalesRank,
			Rating:           l.Rating,
			ReviewCount:      l.ReviewCount,
			OfferCount:       l.OfferCount,
			InStock:          l.InStock,
			Fulfilled:        l.Fulfilled,
			BrandRestricted:  l.BrandRestricted,
			Gated:            l.Gated,
			ApprovalRequired: l.ApprovalRequired,
			CapturedAt:       now,
		},
		UpdatedAt: now,
	}
}
