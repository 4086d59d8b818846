package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRecord(t *testing.T, st Store, id, scope string) *model.CanonicalRecord {
	t.Helper()
	rec := &model.CanonicalRecord{
		ID:               id,
		Scope:            scope,
		SupplierSKU:      "SKU-" + id,
		PrimaryCode:      "0001" + id,
		ManufacturerCode: "MPN-" + id,
		Brand:            "Acme",
		Name:             "Widget " + id,
	}
	require.NoError(t, st.UpsertCanonicalRecord(context.Background(), rec))
	return rec
}

func ptrTime(t time.Time) *time.Time { return &t }

var _ Store = (*SQLiteStore)(nil)

// --- Catalog ---

func TestSQLite_CanonicalRecord_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cost := 4.25
	rec := &model.CanonicalRecord{ID: "r1", Scope: "sup-a", PrimaryCode: "012345678905", Name: "Blue Mug", Cost: &cost}
	require.NoError(t, st.UpsertCanonicalRecord(ctx, rec))

	got, err := st.GetCanonicalRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "sup-a", got.Scope)
	assert.Equal(t, "012345678905", got.PrimaryCode)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 4.25, *got.Cost, 1e-9)
	assert.False(t, got.CreatedAt.IsZero())

	rec.Name = "Blue Mug XL"
	require.NoError(t, st.UpsertCanonicalRecord(ctx, rec))
	got, err = st.GetCanonicalRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Blue Mug XL", got.Name)
}

func TestSQLite_GetCanonicalRecord_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetCanonicalRecord(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_DedupCandidateLookups(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedRecord(t, st, "a1", "sup-a")
	seedRecord(t, st, "b1", "sup-b")

	byCode, err := st.FindRecordsByPrimaryCode(ctx, "0001a1")
	require.NoError(t, err)
	require.Len(t, byCode, 1)
	assert.Equal(t, "a1", byCode[0].ID)

	bySKU, err := st.FindRecordsBySKU(ctx, "sup-b", "SKU-a1")
	require.NoError(t, err)
	assert.Empty(t, bySKU)

	byMPN, err := st.FindRecordsByBrandMPN(ctx, "ACME", "mpn-b1")
	require.NoError(t, err)
	require.Len(t, byMPN, 1)
	assert.Equal(t, "b1", byMPN[0].ID)

	inScope, err := st.FindNameCandidates(ctx, "sup-a", "widget", "", 10)
	require.NoError(t, err)
	require.Len(t, inScope, 1)
	assert.Equal(t, "a1", inScope[0].ID)

	next, err := st.FindNameCandidates(ctx, "sup-a", "widget", "a1", 10)
	require.NoError(t, err)
	assert.Empty(t, next)

	empty, err := st.FindRecordsByPrimaryCode(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLite_FindNeedingResolution_Modes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		seedRecord(t, st, id, "sup-a")
	}
	fp := func(id string) string {
		rec, err := st.GetCanonicalRecord(ctx, id)
		require.NoError(t, err)
		return rec.Fingerprint()
	}

	// r2: not found, retry elapsed.
	require.NoError(t, st.UpsertLookupState(ctx, &model.LookupState{
		SubjectID: "r2", Method: model.MethodUPC, Status: model.LookupNotFound,
		NextMethod: model.MethodPtr(model.MethodMfgNumber), RetryNotBefore: ptrTime(now.Add(-time.Hour)), Fingerprint: fp("r2"),
	}))
	// r3: not found, retry in the future.
	require.NoError(t, st.UpsertLookupState(ctx, &model.LookupState{
		SubjectID: "r3", Method: model.MethodUPC, Status: model.LookupNotFound,
		NextMethod: model.MethodPtr(model.MethodMfgNumber), RetryNotBefore: ptrTime(now.Add(time.Hour)), Fingerprint: fp("r3"),
	}))
	// r4: exhausted with a stale fingerprint.
	require.NoError(t, st.UpsertLookupState(ctx, &model.LookupState{
		SubjectID: "r4", Method: model.MethodKeyword, Status: model.LookupExhausted, Fingerprint: "stale",
	}))
	// r5: found.
	require.NoError(t, st.UpsertLookupState(ctx, &model.LookupState{
		SubjectID: "r5", Method: model.MethodUPC, Status: model.LookupFound, MatchCount: 1, Fingerprint: fp("r5"),
	}))

	ids := func(mode model.SelectorMode) []string {
		recs, err := st.FindCanonicalRecordsNeedingResolution(ctx, model.Selector{Mode: mode, Now: now, Limit: 10})
		require.NoError(t, err)
		var out []string
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"r1"}, ids(model.SelectUnresolved))
	assert.Equal(t, []string{"r2", "r4"}, ids(model.SelectRetryDue))
	assert.Equal(t, []string{"r1", "r2", "r4"}, ids(model.SelectAllDue))
}

func TestSQLite_FindNeedingResolution_KeysetPaging(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seedRecord(t, st, id, "sup-a")
	}
	seedRecord(t, st, "f", "sup-b")

	sel := model.Selector{Mode: model.SelectUnresolved, Scope: "sup-a", Limit: 2}
	var seen []string
	for {
		page, err := st.FindCanonicalRecordsNeedingResolution(ctx, sel)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			seen = append(seen, r.ID)
		}
		sel.AfterID = page[len(page)-1].ID
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestSQLite_FindNeedingResolution_InvalidMode(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.FindCanonicalRecordsNeedingResolution(context.Background(), model.Selector{Mode: "bogus"})
	require.Error(t, err)
}

// --- Lookup state ---

func TestSQLite_LookupState_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedRecord(t, st, "r1", "sup-a")

	got, err := st.GetLookupState(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)

	attempt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	retry := attempt.Add(24 * time.Hour)
	state := &model.LookupState{
		SubjectID: "r1", Method: model.MethodUPC, Status: model.LookupNotFound,
		NextMethod: model.MethodPtr(model.MethodMfgNumber), LastAttemptAt: &attempt, RetryNotBefore: &retry, Fingerprint: "fp",
	}
	require.NoError(t, st.UpsertLookupState(ctx, state))

	got, err = st.GetLookupState(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.LookupNotFound, got.Status)
	require.NotNil(t, got.NextMethod)
	assert.Equal(t, model.MethodMfgNumber, *got.NextMethod)
	assert.True(t, retry.Equal(*got.RetryNotBefore))
	assert.True(t, attempt.Equal(*got.LastAttemptAt))
}

func TestSQLite_LookupState_RejectsInvalid(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedRecord(t, st, "r1", "sup-a")
	err := st.UpsertLookupState(context.Background(), &model.LookupState{
		SubjectID: "r1", Status: model.LookupExhausted, NextMethod: model.MethodPtr(model.MethodKeyword),
	})
	require.Error(t, err)
}

// --- Listings and links ---

func TestSQLite_Listing_LastWriteWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	price := 19.99

	require.NoError(t, st.UpsertListing(ctx, &model.ExternalListing{
		ExternalID: "X1", Title: "new", Images: []string{"a.jpg"},
		Metrics: model.MetricsSnapshot{Price: &price, OfferCount: 3}, UpdatedAt: t0.Add(time.Hour),
	}))
	// Older write is ignored.
	require.NoError(t, st.UpsertListing(ctx, &model.ExternalListing{ExternalID: "X1", Title: "old", UpdatedAt: t0}))

	got, err := st.GetListing(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, []string{"a.jpg"}, got.Images)
	require.NotNil(t, got.Metrics.Price)
	assert.InDelta(t, 19.99, *got.Metrics.Price, 1e-9)
	assert.Equal(t, 3, got.Metrics.OfferCount)

	_, err = st.GetListing(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Link_IdempotentAndMonotone(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedRecord(t, st, "r1", "sup-a")
	require.NoError(t, st.UpsertListing(ctx, &model.ExternalListing{ExternalID: "X1", UpdatedAt: time.Now()}))

	require.NoError(t, st.UpsertLink(ctx, &model.Link{SubjectID: "r1", ExternalID: "X1", Method: model.MethodKeyword, Confidence: 0.6}))
	require.NoError(t, st.VerifyLink(ctx, "r1", "X1"))
	require.NoError(t, st.UpsertLink(ctx, &model.Link{SubjectID: "r1", ExternalID: "X1", Method: model.MethodUPC, Confidence: 0.95, DirectEquivalent: true}))
	// Lower-confidence rediscovery does not downgrade.
	require.NoError(t, st.UpsertLink(ctx, &model.Link{SubjectID: "r1", ExternalID: "X1", Method: model.MethodKeyword, Confidence: 0.6}))

	links, err := st.GetLinks(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.MethodUPC, links[0].Method)
	assert.InDelta(t, 0.95, links[0].Confidence, 1e-9)
	assert.True(t, links[0].Verified)
	assert.True(t, links[0].DirectEquivalent)
}

func TestSQLite_Link_Validation(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.UpsertLink(context.Background(), &model.Link{SubjectID: "r1", ExternalID: "X1", Confidence: 1.5})
	require.Error(t, err)

	err = st.VerifyLink(context.Background(), "r1", "X1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Jobs ---

func TestSQLite_Jobs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.UpsertJob(ctx, &model.Job{
		Name: "hourly-retry", Frequency: model.FrequencyHourly, Selector: model.SelectRetryDue, Limit: 100, Enabled: true,
	}))
	require.NoError(t, st.UpsertJob(ctx, &model.Job{
		Name: "every-15m", Frequency: model.FrequencyInterval, Interval: 15 * time.Minute, Selector: model.SelectAllDue, Enabled: false,
	}))

	due, err := st.DueJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "hourly-retry", due[0].Name)

	require.NoError(t, st.UpdateJobRun(ctx, "hourly-retry", "r42", now, now.Add(time.Hour)))
	due, err = st.DueJobs(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	// Re-seeding the definition keeps run history.
	require.NoError(t, st.UpsertJob(ctx, &model.Job{
		Name: "hourly-retry", Frequency: model.FrequencyHourly, Selector: model.SelectRetryDue, Limit: 200, Enabled: true,
	}))
	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "every-15m", jobs[0].Name)
	assert.Equal(t, 15*time.Minute, jobs[0].Interval)
	assert.Equal(t, 200, jobs[1].Limit)
	assert.Equal(t, "r42", jobs[1].Cursor)
	require.NotNil(t, jobs[1].NextRunAt)
	assert.True(t, now.Add(time.Hour).Equal(*jobs[1].NextRunAt))

	assert.ErrorIs(t, st.UpdateJobRun(ctx, "missing", "", now, now), ErrNotFound)
}
