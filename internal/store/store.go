package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
)

// ErrNotFound is returned by single-row getters when the row is absent.
var ErrNotFound = eris.New("store: not found")

// CatalogStore persists canonical records.
type CatalogStore interface {
	GetCanonicalRecord(ctx context.Context, id string) (*model.CanonicalRecord, error)
	UpsertCanonicalRecord(ctx context.Context, rec *model.CanonicalRecord) error
	// FindCanonicalRecordsNeedingResolution pages by id (id > sel.AfterID)
	// in ascending order.
	FindCanonicalRecordsNeedingResolution(ctx context.Context, sel model.Selector) ([]model.CanonicalRecord, error)

	// Dedup candidate lookups.
	FindRecordsByPrimaryCode(ctx context.Context, code string) ([]model.CanonicalRecord, error)
	FindRecordsBySKU(ctx context.Context, scope, sku string) ([]model.CanonicalRecord, error)
	FindRecordsByBrandMPN(ctx context.Context, brand, mpn string) ([]model.CanonicalRecord, error)
	// FindNameCandidates pages same-scope records by id (id > afterID) for
	// fuzzy name comparison. Backends with a name index narrow the page to
	// records resembling name; callers still score every candidate.
	FindNameCandidates(ctx context.Context, scope, name, afterID string, limit int) ([]model.CanonicalRecord, error)
}

// LookupStore persists external resolution progress.
type LookupStore interface {
	// GetLookupState returns nil, nil when the subject was never attempted.
	GetLookupState(ctx context.Context, subjectID string) (*model.LookupState, error)
	UpsertLookupState(ctx context.Context, st *model.LookupState) error
}

// LinkStore persists external listings and their links to records.
type LinkStore interface {
	// UpsertListing is last-write-wins by UpdatedAt.
	UpsertListing(ctx context.Context, l *model.ExternalListing) error
	GetListing(ctx context.Context, externalID string) (*model.ExternalListing, error)
	// UpsertLink never lowers confidence and never clears Verified.
	UpsertLink(ctx context.Context, l *model.Link) error
	GetLinks(ctx context.Context, subjectID string) ([]model.Link, error)
	VerifyLink(ctx context.Context, subjectID, externalID string) error
}

// JobStore persists scheduled batch jobs.
type JobStore interface {
	// UpsertJob writes the job definition, keeping its run history.
	UpsertJob(ctx context.Context, job *model.Job) error
	ListJobs(ctx context.Context) ([]model.Job, error)
	DueJobs(ctx context.Context, now time.Time) ([]model.Job, error)
	UpdateJobRun(ctx context.Context, name, cursor string, lastRun, nextRun time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	CatalogStore
	LookupStore
	LinkStore
	JobStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultPageSize = 100

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return limit
}

var recordColumns = []string{
	"id", "scope", "supplier_sku", "primary_code", "manufacturer_code",
	"brand", "name", "cost", "fingerprint", "created_at", "updated_at",
}

var lookupColumns = []string{
	"subject_id", "method", "status", "match_count", "next_method",
	"last_attempt_at", "retry_not_before", "fingerprint",
}

var listingColumns = []string{
	"external_id", "title", "brand", "category", "images", "metrics", "updated_at",
}

var linkColumns = []string{
	"subject_id", "external_id", "method", "confidence", "verified",
	"direct_equivalent", "created_at", "updated_at",
}

var jobColumns = []string{
	"name", "frequency", "interval_secs", "hour", "selector", "max_items",
	"enabled", "cursor", "last_run_at", "next_run_at",
}

func nullMethod(m *model.Method) *string {
	if m == nil {
		return nil
	}
	s := string(*m)
	return &s
}

func methodPtr(s *string) *model.Method {
	if s == nil || *s == "" {
		return nil
	}
	return model.MethodPtr(model.Method(*s))
}

// selectorQuery builds the keyset-paged selection of records needing
// resolution. timeArg converts the selector clock to the dialect's
// timestamp representation.
func selectorQuery(sel model.Selector, ph func(int) string, timeArg func(time.Time) any) (string, []any, error) {
	if sel.Mode == "" {
		sel.Mode = model.SelectAllDue
	}
	if !sel.Mode.Valid() {
		return "", nil, eris.Errorf("store: invalid selector mode %q", sel.Mode)
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	unresolved := "ls.subject_id IS NULL"
	retryDue := func() string {
		return "(ls.subject_id IS NOT NULL AND ((ls.next_method IS NOT NULL AND (ls.retry_not_before IS NULL OR ls.retry_not_before <= " +
			next(timeArg(sel.Now)) + ")) OR ls.fingerprint <> cr.fingerprint))"
	}

	var cond string
	switch sel.Mode {
	case model.SelectUnresolved:
		cond = unresolved
	case model.SelectRetryDue:
		cond = retryDue()
	case model.SelectAllDue:
		cond = "(" + unresolved + " OR " + retryDue() + ")"
	}

	q := "SELECT " + prefixed("cr", recordColumns) +
		" FROM canonical_record cr LEFT JOIN lookup_state ls ON ls.subject_id = cr.id WHERE " + cond
	q += " AND cr.id > " + next(sel.AfterID)
	if sel.Scope != "" {
		q += " AND cr.scope = " + next(sel.Scope)
	}
	q += " ORDER BY cr.id LIMIT " + next(pageSize(sel.Limit))
	return q, args, nil
}

func prefixed(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}
