package scorer

import (
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/config"
	"github.com/sells-group/catalog-cli/internal/model"
)

// ErrNoScorableLink is returned by Recommend when no link has a stored
// listing to score.
var ErrNoScorableLink = eris.New("scorer: no scorable link")

const (
	baseline = 50.0

	// Hard financial floor: below this margin the action is always avoid.
	floorMargin = 0.05
)

// Input is everything one score is computed from.
type Input struct {
	Metrics model.MetricsSnapshot
	// Cost is the internal unit cost, nil when unknown.
	Cost *float64
	// Candidates is the number of listings discovered for the subject. It
	// stands in for competition when the listing carries no offer count.
	Candidates int
	// LinkConfidence scales the recommendation confidence.
	LinkConfidence float64
}

// Engine scores listings.
type Engine struct {
	cfg config.ScoringConfig
}

// NewEngine validates cfg and creates an engine.
func NewEngine(cfg config.ScoringConfig) (*Engine, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Score computes a recommendation. Every applied delta is named in Reasons.
func (e *Engine) Score(in Input) model.Recommendation {
	score := baseline
	var reasons []string
	apply := func(delta float64, format string, args ...any) {
		score += delta
		reasons = append(reasons, fmt.Sprintf("%s: %+.0f", fmt.Sprintf(format, args...), delta))
	}

	m := in.Metrics
	hasPrice := m.Price != nil && *m.Price > 0
	margin, hasMargin := e.margin(m.Price, in.Cost)

	if hasMargin {
		switch {
		case margin > 0.30:
			apply(20, "margin %.1f%% above 30%%", margin*100)
		case margin > 0.15:
			apply(10, "margin %.1f%% above 15%%", margin*100)
		case margin < floorMargin:
			apply(-20, "margin %.1f%% below 5%%", margin*100)
		}
	}

	if m.SalesRank != nil && *m.SalesRank > 0 {
		switch rank := *m.SalesRank; {
		case rank <= 5_000:
			apply(15, "sales rank %d within top 5,000", rank)
		case rank <= 50_000:
			apply(10, "sales rank %d within top 50,000", rank)
		}
	}

	competitors := m.OfferCount
	if competitors <= 0 {
		competitors = in.Candidates
	}
	if competitors > 0 {
		switch {
		case competitors <= 2:
			apply(15, "low competition (%d offers)", competitors)
		case competitors >= 10:
			apply(-10, "high competition (%d offers)", competitors)
		}
	}

	if m.BrandRestricted {
		apply(-30, "brand restricted")
	}
	if m.Gated {
		apply(-20, "category gated")
	}
	if m.ApprovalRequired {
		apply(-15, "approval required")
	}

	score = math.Max(0, math.Min(100, score))

	rec := model.Recommendation{
		Score:      score,
		Confidence: clamp01(in.LinkConfidence) * completeness(hasPrice, in.Cost != nil, m.SalesRank != nil),
		Reasons:    reasons,
	}
	if hasMargin {
		mm := margin
		rec.Margin = &mm
	}

	switch {
	case !hasPrice:
		rec.Action = model.ActionAvoid
		rec.Reasons = append(rec.Reasons, "no marketplace price: financial floor not met")
	case hasMargin && margin < floorMargin:
		rec.Action = model.ActionAvoid
	case score > 70 && hasMargin && margin >= e.cfg.BuyMinMargin &&
		m.SalesRank != nil && *m.SalesRank <= e.cfg.BuyMaxRank:
		rec.Action = model.ActionBuy
	case score >= 50:
		rec.Action = model.ActionInvestigate
	default:
		rec.Action = model.ActionMonitor
	}
	if rec.Reasons == nil {
		rec.Reasons = []string{}
	}
	return rec
}

// margin is (price - referral fee - fulfillment fee - cost) / price.
func (e *Engine) margin(price, cost *float64) (float64, bool) {
	if price == nil || *price <= 0 || cost == nil {
		return 0, false
	}
	p := *price
	net := p - p*e.cfg.ReferralFeePct - e.cfg.FulfillmentFee - *cost
	return net / p, true
}

// Recommend scores every link whose listing is known and returns the best
// one: highest score, then highest confidence, then lowest external id.
func (e *Engine) Recommend(subjectID string, links []model.Link, listings map[string]model.ExternalListing, cost *float64) (*model.Recommendation, error) {
	var recs []model.Recommendation
	for _, l := range links {
		listing, ok := listings[l.ExternalID]
		if !ok {
			continue
		}
		rec := e.Score(Input{
			Metrics:        listing.Metrics,
			Cost:           cost,
			Candidates:     len(links),
			LinkConfidence: linkConfidence(l),
		})
		rec.SubjectID = subjectID
		rec.ExternalID = l.ExternalID
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil, eris.Wrapf(ErrNoScorableLink, "subject %s", subjectID)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		if recs[i].Confidence != recs[j].Confidence {
			return recs[i].Confidence > recs[j].Confidence
		}
		return recs[i].ExternalID < recs[j].ExternalID
	})
	return &recs[0], nil
}

// linkConfidence treats a human-verified link as certain.
func linkConfidence(l model.Link) float64 {
	if l.Verified {
		return 1
	}
	return l.Confidence
}

// completeness is the share of scoring inputs that were present.
func completeness(present ...bool) float64 {
	n := 0
	for _, p := range present {
		if p {
			n++
		}
	}
	return float64(n) / float64(len(present))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
