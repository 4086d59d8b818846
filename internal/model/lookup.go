package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Method names a resolution strategy.
type Method string

// External marketplace methods.
const (
	MethodUPC       Method = "upc"
	MethodMfgNumber Method = "mfg_number"
	MethodKeyword   Method = "keyword"
)

// Internal dedup methods.
const (
	MethodExactIdentifier Method = "exact_identifier"
	MethodCompositeKey    Method = "composite_key"
	MethodFuzzyName       Method = "fuzzy_name"
)

// LookupStatus is the resolution status of a subject.
type LookupStatus string

const (
	LookupPending   LookupStatus = "pending"
	LookupFound     LookupStatus = "found"
	LookupNotFound  LookupStatus = "not_found"
	LookupExhausted LookupStatus = "exhausted"
)

// Valid reports whether s is a known status.
func (s LookupStatus) Valid() bool {
	switch s {
	case LookupPending, LookupFound, LookupNotFound, LookupExhausted:
		return true
	}
	return false
}

// LookupState tracks external resolution progress for one subject.
// It is created on the first attempt and only ever transitioned.
type LookupState struct {
	SubjectID      string       `json:"subject_id"`
	Method         Method       `json:"method,omitempty"`
	Status         LookupStatus `json:"status"`
	MatchCount     int          `json:"match_count"`
	NextMethod     *Method      `json:"next_method,omitempty"`
	LastAttemptAt  *time.Time   `json:"last_attempt_at,omitempty"`
	RetryNotBefore *time.Time   `json:"retry_not_before,omitempty"`
	Fingerprint    string       `json:"fingerprint,omitempty"`
}

// NewLookupState returns a pending state for subjectID.
func NewLookupState(subjectID, fingerprint string) *LookupState {
	return &LookupState{
		SubjectID:   subjectID,
		Status:      LookupPending,
		Fingerprint: fingerprint,
	}
}

// Validate checks the state invariants.
func (s *LookupState) Validate() error {
	if s.SubjectID == "" {
		return eris.New("lookup state: subject id is required")
	}
	if !s.Status.Valid() {
		return eris.Errorf("lookup state: invalid status %q", s.Status)
	}
	if s.Status == LookupExhausted && s.NextMethod != nil {
		return eris.New("lookup state: exhausted state must not carry a next method")
	}
	if s.RetryNotBefore != nil && s.NextMethod == nil {
		return eris.New("lookup state: retry_not_before requires a next method")
	}
	return nil
}

// Due reports whether the next method may run at now.
func (s *LookupState) Due(now time.Time) bool {
	return s.RetryNotBefore == nil || !now.Before(*s.RetryNotBefore)
}

// MethodPtr returns a pointer to m.
func MethodPtr(m Method) *Method {
	return &m
}
