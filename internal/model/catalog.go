// Package model defines the catalog, lookup, and enrichment types shared
// across the resolution pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// CanonicalRecord is the authoritative internal representation of a
// catalog product. Scope is the owning supplier.
type CanonicalRecord struct {
	ID               string    `json:"id"`
	Scope            string    `json:"scope"`
	SupplierSKU      string    `json:"supplier_sku,omitempty"`
	PrimaryCode      string    `json:"primary_code,omitempty"`      // UPC/EAN
	ManufacturerCode string    `json:"manufacturer_code,omitempty"` // MPN
	Brand            string    `json:"brand,omitempty"`
	Name             string    `json:"name"`
	Cost             *float64  `json:"cost,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Fingerprint hashes the fields that drive resolution. A changed
// fingerprint re-opens an exhausted lookup.
func (r *CanonicalRecord) Fingerprint() string {
	h := sha256.New()
	for _, f := range []string{r.PrimaryCode, r.ManufacturerCode, r.Brand, r.Name} {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Merge copies non-empty identifying fields from incoming into r. Existing
// values are only replaced when the incoming value is non-empty.
func (r *CanonicalRecord) Merge(incoming CanonicalRecord) {
	if incoming.SupplierSKU != "" {
		r.SupplierSKU = incoming.SupplierSKU
	}
	if incoming.PrimaryCode != "" {
		r.PrimaryCode = incoming.PrimaryCode
	}
	if incoming.ManufacturerCode != "" {
		r.ManufacturerCode = incoming.ManufacturerCode
	}
	if incoming.Brand != "" {
		r.Brand = incoming.Brand
	}
	if incoming.Name != "" {
		r.Name = incoming.Name
	}
	if incoming.Cost != nil {
		c := *incoming.Cost
		r.Cost = &c
	}
}
