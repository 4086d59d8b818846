package marketplace

// Listing is one catalog item returned by the marketplace search API.
type Listing struct {
	ExternalID       string   `json:"id"`
	Title            string   `json:"title"`
	Brand            string   `json:"brand,omitempty"`
	Category         string   `json:"category,omitempty"`
	Images           []string `json:"images,omitempty"`
	Price            *float64 `json:"price,omitempty"`
	SalesRank        *int     `json:"salesRank,omitempty"`
	Rating           *float64 `json:"rating,omitempty"`
	ReviewCount      int      `json:"reviewCount"`
	OfferCount       int      `json:"offerCount"`
	InStock          bool     `json:"inStock"`
	Fulfilled        bool     `json:"fulfilled"`
	BrandRestricted  bool     `json:"brandRestricted"`
	Gated            bool     `json:"gated"`
	ApprovalRequired bool     `json:"approvalRequired"`
}

type searchResponse struct {
	Items []Listing `json:"items"`
}

// identifierType values accepted by the search endpoint.
const (
	identifierUPC = "UPC"
	identifierMPN = "MPN"
)
