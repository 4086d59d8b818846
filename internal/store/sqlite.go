package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-cli/internal/db"
	"github.com/sells-group/catalog-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; the pragmas below are per connection.
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

// Timestamps are stored as unix nanoseconds so range predicates compare
// numerically.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS canonical_record (
	id                TEXT PRIMARY KEY,
	scope             TEXT NOT NULL,
	supplier_sku      TEXT NOT NULL DEFAULT '',
	primary_code      TEXT NOT NULL DEFAULT '',
	manufacturer_code TEXT NOT NULL DEFAULT '',
	brand             TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL DEFAULT '',
	cost              REAL,
	fingerprint       TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_canonical_record_primary_code ON canonical_record(primary_code);
CREATE INDEX IF NOT EXISTS idx_canonical_record_scope_sku ON canonical_record(scope, supplier_sku);
CREATE INDEX IF NOT EXISTS idx_canonical_record_brand_mpn ON canonical_record(brand COLLATE NOCASE, manufacturer_code COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS lookup_state (
	subject_id       TEXT PRIMARY KEY REFERENCES canonical_record(id),
	method           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	match_count      INTEGER NOT NULL DEFAULT 0,
	next_method      TEXT,
	last_attempt_at  INTEGER,
	retry_not_before INTEGER,
	fingerprint      TEXT NOT NULL DEFAULT '',
	CHECK (status <> 'exhausted' OR next_method IS NULL),
	CHECK (retry_not_before IS NULL OR next_method IS NOT NULL)
);

CREATE TABLE IF NOT EXISTS external_listing (
	external_id TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	brand       TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	images      TEXT NOT NULL DEFAULT '[]',
	metrics     TEXT NOT NULL DEFAULT '{}',
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS link (
	subject_id        TEXT NOT NULL REFERENCES canonical_record(id),
	external_id       TEXT NOT NULL REFERENCES external_listing(external_id),
	method            TEXT NOT NULL,
	confidence        REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	verified          INTEGER NOT NULL DEFAULT 0,
	direct_equivalent INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	PRIMARY KEY (subject_id, external_id)
);

CREATE TABLE IF NOT EXISTS batch_job (
	name          TEXT PRIMARY KEY,
	frequency     TEXT NOT NULL,
	interval_secs INTEGER NOT NULL DEFAULT 0,
	hour          INTEGER NOT NULL DEFAULT 0,
	selector      TEXT NOT NULL DEFAULT 'all_due',
	max_items     INTEGER NOT NULL DEFAULT 0,
	enabled       INTEGER NOT NULL DEFAULT 1,
	cursor        TEXT NOT NULL DEFAULT '',
	last_run_at   INTEGER,
	next_run_at   INTEGER
);
`

var (
	liteUpsertRecord = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "canonical_record",
		Columns:      recordColumns,
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"scope", "supplier_sku", "primary_code", "manufacturer_code", "brand", "name", "cost", "fingerprint", "updated_at"},
		Placeholder:  db.Question,
	})
	liteUpsertLookup = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "lookup_state",
		Columns:      lookupColumns,
		ConflictKeys: []string{"subject_id"},
		Placeholder:  db.Question,
	})
	liteUpsertListing = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "external_listing",
		Columns:      listingColumns,
		ConflictKeys: []string{"external_id"},
		Where:        `"external_listing"."updated_at" <= excluded."updated_at"`,
		Placeholder:  db.Question,
	})
	liteUpsertLink = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "link",
		Columns:      linkColumns,
		ConflictKeys: []string{"subject_id", "external_id"},
		UpdateCols:   []string{"method", "confidence", "direct_equivalent", "updated_at"},
		Assign: map[string]string{
			"method":            `CASE WHEN excluded."confidence" > "link"."confidence" THEN excluded."method" ELSE "link"."method" END`,
			"confidence":        `max("link"."confidence", excluded."confidence")`,
			"direct_equivalent": `max("link"."direct_equivalent", excluded."direct_equivalent")`,
		},
		Placeholder: db.Question,
	})
	liteUpsertJob = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "batch_job",
		Columns:      jobColumns,
		ConflictKeys: []string{"name"},
		UpdateCols:   []string{"frequency", "interval_secs", "hour", "selector", "max_items", "enabled"},
		Placeholder:  db.Question,
	})
)

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// unixTime maps an optional timestamp to an INTEGER column.
type unixTime struct {
	t **time.Time
}

func (u unixTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*u.t = nil
	case int64:
		t := time.Unix(0, v).UTC()
		*u.t = &t
	default:
		return eris.Errorf("sqlite: cannot scan %T as timestamp", src)
	}
	return nil
}

// requiredTime scans a NOT NULL INTEGER timestamp.
type requiredTime struct {
	t *time.Time
}

func (r requiredTime) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return eris.Errorf("sqlite: cannot scan %T as timestamp", src)
	}
	*r.t = time.Unix(0, v).UTC()
	return nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func nullNanos(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// --- Catalog ---

func (s *SQLiteStore) GetCanonicalRecord(ctx context.Context, id string) (*model.CanonicalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE id = ?`, id)
	rec, err := scanLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: canonical record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get canonical record %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) UpsertCanonicalRecord(ctx context.Context, rec *model.CanonicalRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, liteUpsertRecord,
		rec.ID, rec.Scope, rec.SupplierSKU, rec.PrimaryCode, rec.ManufacturerCode,
		rec.Brand, rec.Name, rec.Cost, rec.Fingerprint(), nanos(rec.CreatedAt), nanos(rec.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert canonical record %s", rec.ID)
}

func (s *SQLiteStore) FindCanonicalRecordsNeedingResolution(ctx context.Context, sel model.Selector) ([]model.CanonicalRecord, error) {
	q, args, err := selectorQuery(sel, db.Question, func(t time.Time) any { return nanos(t) })
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, "find records needing resolution", q, args...)
}

func (s *SQLiteStore) FindRecordsByPrimaryCode(ctx context.Context, code string) ([]model.CanonicalRecord, error) {
	return s.queryRecords(ctx, "find by primary code",
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE primary_code = ? AND primary_code <> '' ORDER BY created_at, id`,
		code)
}

func (s *SQLiteStore) FindRecordsBySKU(ctx context.Context, scope, sku string) ([]model.CanonicalRecord, error) {
	return s.queryRecords(ctx, "find by sku",
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE scope = ? AND supplier_sku = ? AND supplier_sku <> '' ORDER BY created_at, id`,
		scope, sku)
}

func (s *SQLiteStore) FindRecordsByBrandMPN(ctx context.Context, brand, mpn string) ([]model.CanonicalRecord, error) {
	return s.queryRecords(ctx, "find by brand and mpn",
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE brand = ? COLLATE NOCASE AND manufacturer_code = ? COLLATE NOCASE AND manufacturer_code <> '' ORDER BY created_at, id`,
		brand, mpn)
}

// FindNameCandidates has no name index to use, so it pages the whole scope.
func (s *SQLiteStore) FindNameCandidates(ctx context.Context, scope, _, afterID string, limit int) ([]model.CanonicalRecord, error) {
	return s.queryRecords(ctx, "find name candidates",
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE scope = ? AND id > ? ORDER BY id LIMIT ?`,
		scope, afterID, pageSize(limit))
}

func (s *SQLiteStore) queryRecords(ctx context.Context, op, q string, args ...any) ([]model.CanonicalRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CanonicalRecord
	for rows.Next() {
		rec, err := scanLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s: scan", op)
		}
		out = append(out, *rec)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s: rows", op)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLiteRecord(row scannable) (*model.CanonicalRecord, error) {
	var r model.CanonicalRecord
	var cost sql.NullFloat64
	var fingerprint string
	err := row.Scan(&r.ID, &r.Scope, &r.SupplierSKU, &r.PrimaryCode, &r.ManufacturerCode,
		&r.Brand, &r.Name, &cost, &fingerprint, requiredTime{&r.CreatedAt}, requiredTime{&r.UpdatedAt})
	if err != nil {
		return nil, err
	}
	if cost.Valid {
		r.Cost = &cost.Float64
	}
	return &r, nil
}

// --- Lookup state ---

func (s *SQLiteStore) GetLookupState(ctx context.Context, subjectID string) (*model.LookupState, error) {
	var st model.LookupState
	var method string
	var next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(lookupColumns, ", ")+` FROM lookup_state WHERE subject_id = ?`, subjectID,
	).Scan(&st.SubjectID, &method, &st.Status, &st.MatchCount, &next,
		unixTime{&st.LastAttemptAt}, unixTime{&st.RetryNotBefore}, &st.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lookup state %s", subjectID)
	}
	st.Method = model.Method(method)
	if next.Valid {
		st.NextMethod = methodPtr(&next.String)
	}
	return &st, nil
}

func (s *SQLiteStore) UpsertLookupState(ctx context.Context, st *model.LookupState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, liteUpsertLookup,
		st.SubjectID, string(st.Method), string(st.Status), st.MatchCount, nullMethod(st.NextMethod),
		nullNanos(st.LastAttemptAt), nullNanos(st.RetryNotBefore), st.Fingerprint,
	)
	return eris.Wrapf(err, "sqlite: upsert lookup state %s", st.SubjectID)
}

// --- Listings and links ---

func (s *SQLiteStore) UpsertListing(ctx context.Context, l *model.ExternalListing) error {
	images, metrics, err := encodeListing(l)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, liteUpsertListing,
		l.ExternalID, l.Title, l.Brand, l.Category, string(images), string(metrics), nanos(l.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert listing %s", l.ExternalID)
}

func (s *SQLiteStore) GetListing(ctx context.Context, externalID string) (*model.ExternalListing, error) {
	var l model.ExternalListing
	var images, metrics string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(listingColumns, ", ")+` FROM external_listing WHERE external_id = ?`, externalID,
	).Scan(&l.ExternalID, &l.Title, &l.Brand, &l.Category, &images, &metrics, requiredTime{&l.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: listing %s", externalID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get listing %s", externalID)
	}
	if err := decodeListing(&l, []byte(images), []byte(metrics)); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLiteStore) UpsertLink(ctx context.Context, l *model.Link) error {
	if l.Confidence < 0 || l.Confidence > 1 {
		return eris.Errorf("sqlite: link confidence %.3f out of range", l.Confidence)
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, liteUpsertLink,
		l.SubjectID, l.ExternalID, string(l.Method), l.Confidence, l.Verified,
		l.DirectEquivalent, nanos(l.CreatedAt), nanos(l.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert link %s/%s", l.SubjectID, l.ExternalID)
}

func (s *SQLiteStore) GetLinks(ctx context.Context, subjectID string) ([]model.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(linkColumns, ", ")+` FROM link WHERE subject_id = ? ORDER BY confidence DESC, external_id`, subjectID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get links %s", subjectID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Link
	for rows.Next() {
		var l model.Link
		var method string
		if err := rows.Scan(&l.SubjectID, &l.ExternalID, &method, &l.Confidence, &l.Verified,
			&l.DirectEquivalent, requiredTime{&l.CreatedAt}, requiredTime{&l.UpdatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link")
		}
		l.Method = model.Method(method)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get links rows")
}

func (s *SQLiteStore) VerifyLink(ctx context.Context, subjectID, externalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE link SET verified = 1, updated_at = ? WHERE subject_id = ? AND external_id = ?`,
		nanos(time.Now().UTC()), subjectID, externalID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: verify link %s/%s", subjectID, externalID)
	}
	return checkRowsAffected(res, "link", subjectID+"/"+externalID)
}

// --- Jobs ---

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx, liteUpsertJob,
		job.Name, string(job.Frequency), int64(job.Interval/time.Second), job.Hour, string(job.Selector),
		job.Limit, job.Enabled, job.Cursor, nullNanos(job.LastRunAt), nullNanos(job.NextRunAt),
	)
	return eris.Wrapf(err, "sqlite: upsert job %s", job.Name)
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx, "list jobs",
		`SELECT `+strings.Join(jobColumns, ", ")+` FROM batch_job ORDER BY name`)
}

func (s *SQLiteStore) DueJobs(ctx context.Context, now time.Time) ([]model.Job, error) {
	return s.queryJobs(ctx, "due jobs",
		`SELECT `+strings.Join(jobColumns, ", ")+` FROM batch_job WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?) ORDER BY name`,
		nanos(now))
}

func (s *SQLiteStore) UpdateJobRun(ctx context.Context, name, cursor string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_job SET cursor = ?, last_run_at = ?, next_run_at = ? WHERE name = ?`,
		cursor, nanos(lastRun), nanos(nextRun), name)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job run %s", name)
	}
	return checkRowsAffected(res, "job", name)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, op, q string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Job
	for rows.Next() {
		var j model.Job
		var freq, selector string
		var intervalSecs int64
		if err := rows.Scan(&j.Name, &freq, &intervalSecs, &j.Hour, &selector, &j.Limit,
			&j.Enabled, &j.Cursor, unixTime{&j.LastRunAt}, unixTime{&j.NextRunAt}); err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s: scan", op)
		}
		j.Frequency = model.Frequency(freq)
		j.Selector = model.SelectorMode(selector)
		j.Interval = time.Duration(intervalSecs) * time.Second
		out = append(out, j)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s: rows", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}
