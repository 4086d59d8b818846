// Package dedup resolves incoming catalog records against existing
// canonical records before they enter the enrichment pipeline.
package dedup

import (
	"context"
	"sort"
	"strings"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resolve"
)

// Candidates is the part of store.CatalogStore the strategies query.
type Candidates interface {
	FindRecordsByPrimaryCode(ctx context.Context, code string) ([]model.CanonicalRecord, error)
	FindRecordsBySKU(ctx context.Context, scope, sku string) ([]model.CanonicalRecord, error)
	FindRecordsByBrandMPN(ctx context.Context, brand, mpn string) ([]model.CanonicalRecord, error)
	FindNameCandidates(ctx context.Context, scope, name, afterID string, limit int) ([]model.CanonicalRecord, error)
}

// Match is an existing record an incoming one resolved to.
type Match = resolve.Match[model.CanonicalRecord]

type result = resolve.Result[model.CanonicalRecord]

const (
	exactConfidence     = 1.0
	compositeConfidence = 0.95
)

// exactIdentifier matches on primary code, then on scope + supplier SKU.
type exactIdentifier struct {
	store Candidates
}

func (s *exactIdentifier) Name() model.Method { return model.MethodExactIdentifier }

func (s *exactIdentifier) Eligible(rec *model.CanonicalRecord) bool {
	return strings.TrimSpace(rec.PrimaryCode) != "" || strings.TrimSpace(rec.SupplierSKU) != ""
}

func (s *exactIdentifier) Run(ctx context.Context, rec *model.CanonicalRecord, _ *model.LookupState) (result, error) {
	if code := strings.TrimSpace(rec.PrimaryCode); code != "" {
		found, err := s.store.FindRecordsByPrimaryCode(ctx, code)
		if err != nil {
			return resolve.NotFound[model.CanonicalRecord](), err
		}
		if ms := toMatches(rec.ID, found, exactConfidence); len(ms) > 0 {
			return resolve.Found(ms...), nil
		}
	}
	if sku := strings.TrimSpace(rec.SupplierSKU); sku != "" {
		found, err := s.store.FindRecordsBySKU(ctx, rec.Scope, sku)
		if err != nil {
			return resolve.NotFound[model.CanonicalRecord](), err
		}
		return resolve.Found(toMatches(rec.ID, found, exactConfidence)...), nil
	}
	return resolve.NotFound[model.CanonicalRecord](), nil
}

// compositeKey matches on brand + manufacturer code.
type compositeKey struct {
	store Candidates
}

func (s *compositeKey) Name() model.Method { return model.MethodCompositeKey }

func (s *compositeKey) Eligible(rec *model.CanonicalRecord) bool {
	return strings.TrimSpace(rec.Brand) != "" && strings.TrimSpace(rec.ManufacturerCode) != ""
}

func (s *compositeKey) Run(ctx context.Context, rec *model.CanonicalRecord, _ *model.LookupState) (result, error) {
	found, err := s.store.FindRecordsByBrandMPN(ctx, strings.TrimSpace(rec.Brand), strings.TrimSpace(rec.ManufacturerCode))
	if err != nil {
		return resolve.NotFound[model.CanonicalRecord](), err
	}
	return resolve.Found(toMatches(rec.ID, found, compositeConfidence)...), nil
}

// fuzzyName compares normalized names within the subject's scope, paging
// through every candidate the store returns. The threshold is a hard gate:
// anything below it is not a match.
type fuzzyName struct {
	store     Candidates
	threshold float64
	pageSize  int
}

func (s *fuzzyName) Name() model.Method { return model.MethodFuzzyName }

func (s *fuzzyName) Eligible(rec *model.CanonicalRecord) bool {
	return resolve.NormalizeName(rec.Name) != ""
}

func (s *fuzzyName) Run(ctx context.Context, rec *model.CanonicalRecord, _ *model.LookupState) (result, error) {
	var matches []Match
	after := ""
	for {
		page, err := s.store.FindNameCandidates(ctx, rec.Scope, rec.Name, after, s.pageSize)
		if err != nil {
			return resolve.NotFound[model.CanonicalRecord](), err
		}
		for _, c := range page {
			if c.ID == rec.ID || c.Scope != rec.Scope {
				continue
			}
			sim := resolve.Similarity(rec.Name, c.Name)
			if sim < s.threshold {
				continue
			}
			matches = append(matches, Match{ID: c.ID, Target: c, Confidence: sim})
		}
		if len(page) < s.pageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	return resolve.Found(matches...), nil
}

func toMatches(selfID string, recs []model.CanonicalRecord, confidence float64) []Match {
	out := make([]Match, 0, len(recs))
	for _, r := range recs {
		if r.ID == selfID {
			continue
		}
		out = append(out, Match{ID: r.ID, Target: r, Confidence: confidence, DirectEquivalent: true})
	}
	return out
}

// best picks the most confident match, lowest id on ties.
func best(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	top := matches[0]
	for _, m := range matches[1:] {
		if m.Confidence > top.Confidence || (m.Confidence == top.Confidence && m.ID < top.ID) {
			top = m
		}
	}
	return top, true
}
