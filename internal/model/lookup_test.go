package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLookupState_Validate(t *testing.T) {
	now := time.Now()

	st := NewLookupState("rec-1", "fp")
	assert.NoError(t, st.Validate())

	st.Status = LookupExhausted
	st.NextMethod = MethodPtr(MethodKeyword)
	assert.Error(t, st.Validate())

	st.NextMethod = nil
	st.RetryNotBefore = &now
	assert.Error(t, st.Validate())

	st.Status = LookupNotFound
	st.NextMethod = MethodPtr(MethodMfgNumber)
	assert.NoError(t, st.Validate())

	st.Status = "processing"
	assert.Error(t, st.Validate())

	assert.Error(t, (&LookupState{Status: LookupPending}).Validate())
}

func TestLookupState_Due(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewLookupState("rec-1", "")
	assert.True(t, st.Due(now))

	later := now.Add(time.Hour)
	st.RetryNotBefore = &later
	assert.False(t, st.Due(now))
	assert.True(t, st.Due(later))
}

func TestCanonicalRecord_Fingerprint(t *testing.T) {
	a := CanonicalRecord{ID: "1", PrimaryCode: "012345", Name: "Widget"}
	b := CanonicalRecord{ID: "2", PrimaryCode: " 012345 ", Name: "WIDGET", SupplierSKU: "X"}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.ManufacturerCode = "MPN-9"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestCanonicalRecord_Merge(t *testing.T) {
	cost := 4.5
	r := CanonicalRecord{ID: "1", Name: "Old", Brand: "Acme", PrimaryCode: "111"}
	r.Merge(CanonicalRecord{Name: "New", ManufacturerCode: "M-1", Cost: &cost})

	assert.Equal(t, "New", r.Name)
	assert.Equal(t, "Acme", r.Brand)
	assert.Equal(t, "111", r.PrimaryCode)
	assert.Equal(t, "M-1", r.ManufacturerCode)
	assert.InDelta(t, 4.5, *r.Cost, 0.0001)
}
