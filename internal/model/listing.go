package model

import "time"

// MetricsSnapshot holds the mutable marketplace metrics of a listing.
type MetricsSnapshot struct {
	Price            *float64  `json:"price,omitempty"`
	SalesRank        *int      `json:"sales_rank,omitempty"`
	Rating           *float64  `json:"rating,omitempty"`
	ReviewCount      int       `json:"review_count"`
	OfferCount       int       `json:"offer_count"`
	InStock          bool      `json:"in_stock"`
	Fulfilled        bool      `json:"fulfilled"`
	BrandRestricted  bool      `json:"brand_restricted"`
	Gated            bool      `json:"gated"`
	ApprovalRequired bool      `json:"approval_required"`
	CapturedAt       time.Time `json:"captured_at"`
}

// ExternalListing is a marketplace entity discovered by resolution.
type ExternalListing struct {
	ExternalID string          `json:"external_id"`
	Title      string          `json:"title"`
	Brand      string          `json:"brand,omitempty"`
	Category   string          `json:"category,omitempty"`
	Images     []string        `json:"images,omitempty"`
	Metrics    MetricsSnapshot `json:"metrics"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Link is the edge between a canonical record and an external listing.
// There is at most one link per (SubjectID, ExternalID).
type Link struct {
	SubjectID        string    `json:"subject_id"`
	ExternalID       string    `json:"external_id"`
	Method           Method    `json:"method"`
	Confidence       float64   `json:"confidence"`
	Verified         bool      `json:"verified"`
	DirectEquivalent bool      `json:"direct_equivalent"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Action is a purchasing recommendation.
type Action string

const (
	ActionBuy         Action = "buy"
	ActionInvestigate Action = "investigate"
	ActionMonitor     Action = "monitor"
	ActionAvoid       Action = "avoid"
)

// Recommendation is derived from a record's links and listing metrics.
// It is computed on demand and never stored.
type Recommendation struct {
	SubjectID  string   `json:"subject_id"`
	ExternalID string   `json:"external_id,omitempty"`
	Score      float64  `json:"score"`
	Action     Action   `json:"action"`
	Confidence float64  `json:"confidence"`
	Margin     *float64 `json:"margin,omitempty"`
	Reasons    []string `json:"reasons"`
}
