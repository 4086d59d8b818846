// Package scorer turns enriched marketplace metrics into a bounded
// purchasing recommendation.
package scorer

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/config"
)

// DefaultScorerConfig returns the built-in fee assumptions and buy floors.
func DefaultScorerConfig() config.ScoringConfig {
	return config.ScoringConfig{
		ReferralFeePct: 0.15,
		FulfillmentFee: 3.50,
		BuyMinMargin:   0.20,
		BuyMaxRank:     50_000,
	}
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	if c.ReferralFeePct < 0 || c.ReferralFeePct >= 1 {
		errs = append(errs, fmt.Sprintf("referral_fee_pct must be in [0, 1), got %v", c.ReferralFeePct))
	}
	if c.FulfillmentFee < 0 {
		errs = append(errs, "fulfillment_fee must be >= 0")
	}
	if c.BuyMinMargin < 0 || c.BuyMinMargin >= 1 {
		errs = append(errs, fmt.Sprintf("buy_min_margin must be in [0, 1), got %v", c.BuyMinMargin))
	}
	if c.BuyMaxRank <= 0 {
		errs = append(errs, "buy_max_rank must be > 0")
	}

	if len(errs) > 0 {
		return eris.New("scorer config: " + strings.Join(errs, "; "))
	}
	return nil
}
