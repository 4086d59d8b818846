package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/db"
	"github.com/sells-group/catalog-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; the caller owns its lifecycle.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS canonical_record (
	id                TEXT PRIMARY KEY,
	scope             TEXT NOT NULL,
	supplier_sku      TEXT NOT NULL DEFAULT '',
	primary_code      TEXT NOT NULL DEFAULT '',
	manufacturer_code TEXT NOT NULL DEFAULT '',
	brand             TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL DEFAULT '',
	cost              DOUBLE PRECISION,
	fingerprint       TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_canonical_record_primary_code ON canonical_record(primary_code) WHERE primary_code <> '';
CREATE INDEX IF NOT EXISTS idx_canonical_record_scope_sku ON canonical_record(scope, supplier_sku);
CREATE INDEX IF NOT EXISTS idx_canonical_record_brand_mpn ON canonical_record(lower(brand), lower(manufacturer_code));
CREATE INDEX IF NOT EXISTS idx_canonical_record_name_trgm ON canonical_record USING gin (name gin_trgm_ops);

CREATE TABLE IF NOT EXISTS lookup_state (
	subject_id       TEXT PRIMARY KEY REFERENCES canonical_record(id),
	method           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	match_count      INTEGER NOT NULL DEFAULT 0,
	next_method      TEXT,
	last_attempt_at  TIMESTAMPTZ,
	retry_not_before TIMESTAMPTZ,
	fingerprint      TEXT NOT NULL DEFAULT '',
	CHECK (status <> 'exhausted' OR next_method IS NULL),
	CHECK (retry_not_before IS NULL OR next_method IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_lookup_state_retry ON lookup_state(retry_not_before) WHERE next_method IS NOT NULL;

CREATE TABLE IF NOT EXISTS external_listing (
	external_id TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	brand       TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	images      JSONB NOT NULL DEFAULT '[]',
	metrics     JSONB NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS link (
	subject_id        TEXT NOT NULL REFERENCES canonical_record(id),
	external_id       TEXT NOT NULL REFERENCES external_listing(external_id),
	method            TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	verified          BOOLEAN NOT NULL DEFAULT false,
	direct_equivalent BOOLEAN NOT NULL DEFAULT false,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (subject_id, external_id)
);

CREATE TABLE IF NOT EXISTS batch_job (
	name          TEXT PRIMARY KEY,
	frequency     TEXT NOT NULL,
	interval_secs BIGINT NOT NULL DEFAULT 0,
	hour          INTEGER NOT NULL DEFAULT 0,
	selector      TEXT NOT NULL DEFAULT 'all_due',
	max_items     INTEGER NOT NULL DEFAULT 0,
	enabled       BOOLEAN NOT NULL DEFAULT true,
	cursor        TEXT NOT NULL DEFAULT '',
	last_run_at   TIMESTAMPTZ,
	next_run_at   TIMESTAMPTZ
);
`

var (
	pgUpsertRecord = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "canonical_record",
		Columns:      recordColumns,
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"scope", "supplier_sku", "primary_code", "manufacturer_code", "brand", "name", "cost", "fingerprint", "updated_at"},
	})
	pgUpsertLookup = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "lookup_state",
		Columns:      lookupColumns,
		ConflictKeys: []string{"subject_id"},
	})
	pgUpsertListing = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "external_listing",
		Columns:      listingColumns,
		ConflictKeys: []string{"external_id"},
		Where:        `"external_listing"."updated_at" <= EXCLUDED."updated_at"`,
	})
	pgUpsertLink = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "link",
		Columns:      linkColumns,
		ConflictKeys: []string{"subject_id", "external_id"},
		UpdateCols:   []string{"method", "confidence", "direct_equivalent", "updated_at"},
		Assign: map[string]string{
			"method":            `CASE WHEN EXCLUDED."confidence" > "link"."confidence" THEN EXCLUDED."method" ELSE "link"."method" END`,
			"confidence":        `GREATEST("link"."confidence", EXCLUDED."confidence")`,
			"direct_equivalent": `"link"."direct_equivalent" OR EXCLUDED."direct_equivalent"`,
		},
	})
	pgUpsertJob = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "batch_job",
		Columns:      jobColumns,
		ConflictKeys: []string{"name"},
		UpdateCols:   []string{"frequency", "interval_secs", "hour", "selector", "max_items", "enabled"},
	})
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Catalog ---

func (s *PostgresStore) GetCanonicalRecord(ctx context.Context, id string) (*model.CanonicalRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE id = $1`, id)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: canonical record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get canonical record %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) UpsertCanonicalRecord(ctx context.Context, rec *model.CanonicalRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.pool.Exec(ctx, pgUpsertRecord,
		rec.ID, rec.Scope, rec.SupplierSKU, rec.PrimaryCode, rec.ManufacturerCode,
		rec.Brand, rec.Name, rec.Cost, rec.Fingerprint(), rec.CreatedAt, rec.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert canonical record %s", rec.ID)
}

func (s *PostgresStore) FindCanonicalRecordsNeedingResolution(ctx context.Context, sel model.Selector) ([]model.CanonicalRecord, error) {
	q, args, err := selectorQuery(sel, db.Dollar, func(t time.Time) any { return t })
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, "find records needing resolution", q, args...)
}

func (s *PostgresStore) FindRecordsByPrimaryCode(ctx context.Context, code string) ([]model.CanonicalRecord, error) {
	return s.queryRecords(ctx, "find by primary code",
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE primary_code = $1 AND primary_code <> '' ORDER BY created_at, id`,
		code)
}

func (s *PostgresStore) FindRecordsBySKU(ctx context.Context, scope, sku string) ([]model.CanonicalRecord, error) {
	return s.queryRecords(ctx, "find by sku",
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE scope = $1 AND supplier_sku = $2 AND supplier_sku <> '' ORDER BY created_at, id`,
		scope, sku)
}

func (s *PostgresStore) FindRecordsByBrandMPN(ctx context.Context, brand, mpn string) ([]model.CanonicalRecord, error) {
	return s.queryRecords(ctx, "find by brand and mpn",
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE lower(brand) = lower($1) AND lower(manufacturer_code) = lower($2) AND manufacturer_code <> '' ORDER BY created_at, id`,
		brand, mpn)
}

// FindNameCandidates prefilters with the pg_trgm % operator, which uses
// the trigram index on name.
func (s *PostgresStore) FindNameCandidates(ctx context.Context, scope, name, afterID string, limit int) ([]model.CanonicalRecord, error) {
	return s.queryRecords(ctx, "find name candidates",
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM canonical_record WHERE scope = $1 AND name % $2 AND id > $3 ORDER BY id LIMIT $4`,
		scope, name, afterID, pageSize(limit))
}

func (s *PostgresStore) queryRecords(ctx context.Context, op, q string, args ...any) ([]model.CanonicalRecord, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.CanonicalRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s: scan", op)
		}
		out = append(out, *rec)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s: rows", op)
}

func scanPgRecord(row pgx.Row) (*model.CanonicalRecord, error) {
	var r model.CanonicalRecord
	var fingerprint string
	err := row.Scan(&r.ID, &r.Scope, &r.SupplierSKU, &r.PrimaryCode, &r.ManufacturerCode,
		&r.Brand, &r.Name, &r.Cost, &fingerprint, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Lookup state ---

func (s *PostgresStore) GetLookupState(ctx context.Context, subjectID string) (*model.LookupState, error) {
	var st model.LookupState
	var method string
	var next *string
	err := s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(lookupColumns, ", ")+` FROM lookup_state WHERE subject_id = $1`, subjectID,
	).Scan(&st.SubjectID, &method, &st.Status, &st.MatchCount, &next, &st.LastAttemptAt, &st.RetryNotBefore, &st.Fingerprint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lookup state %s", subjectID)
	}
	st.Method = model.Method(method)
	st.NextMethod = methodPtr(next)
	return &st, nil
}

func (s *PostgresStore) UpsertLookupState(ctx context.Context, st *model.LookupState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, pgUpsertLookup,
		st.SubjectID, string(st.Method), string(st.Status), st.MatchCount, nullMethod(st.NextMethod),
		st.LastAttemptAt, st.RetryNotBefore, st.Fingerprint,
	)
	return eris.Wrapf(err, "postgres: upsert lookup state %s", st.SubjectID)
}

// --- Listings and links ---

func (s *PostgresStore) UpsertListing(ctx context.Context, l *model.ExternalListing) error {
	images, metrics, err := encodeListing(l)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgUpsertListing,
		l.ExternalID, l.Title, l.Brand, l.Category, images, metrics, l.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert listing %s", l.ExternalID)
}

func (s *PostgresStore) GetListing(ctx context.Context, externalID string) (*model.ExternalListing, error) {
	var l model.ExternalListing
	var images, metrics []byte
	err := s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(listingColumns, ", ")+` FROM external_listing WHERE external_id = $1`, externalID,
	).Scan(&l.ExternalID, &l.Title, &l.Brand, &l.Category, &images, &metrics, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: listing %s", externalID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get listing %s", externalID)
	}
	if err := decodeListing(&l, images, metrics); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) UpsertLink(ctx context.Context, l *model.Link) error {
	if l.Confidence < 0 || l.Confidence > 1 {
		return eris.Errorf("postgres: link confidence %.3f out of range", l.Confidence)
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	_, err := s.pool.Exec(ctx, pgUpsertLink,
		l.SubjectID, l.ExternalID, string(l.Method), l.Confidence, l.Verified,
		l.DirectEquivalent, l.CreatedAt, l.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert link %s/%s", l.SubjectID, l.ExternalID)
}

func (s *PostgresStore) GetLinks(ctx context.Context, subjectID string) ([]model.Link, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strings.Join(linkColumns, ", ")+` FROM link WHERE subject_id = $1 ORDER BY confidence DESC, external_id`, subjectID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get links %s", subjectID)
	}
	defer rows.Close()

	var out []model.Link
	for rows.Next() {
		var l model.Link
		var method string
		if err := rows.Scan(&l.SubjectID, &l.ExternalID, &method, &l.Confidence, &l.Verified,
			&l.DirectEquivalent, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan link")
		}
		l.Method = model.Method(method)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get links rows")
}

func (s *PostgresStore) VerifyLink(ctx context.Context, subjectID, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE link SET verified = true, updated_at = $1 WHERE subject_id = $2 AND external_id = $3`,
		time.Now().UTC(), subjectID, externalID)
	if err != nil {
		return eris.Wrapf(err, "postgres: verify link %s/%s", subjectID, externalID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: link %s/%s", subjectID, externalID)
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) UpsertJob(ctx context.Context, job *model.Job) error {
	_, err := s.pool.Exec(ctx, pgUpsertJob,
		job.Name, string(job.Frequency), int64(job.Interval/time.Second), job.Hour, string(job.Selector),
		job.Limit, job.Enabled, job.Cursor, job.LastRunAt, job.NextRunAt,
	)
	return eris.Wrapf(err, "postgres: upsert job %s", job.Name)
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx, "list jobs",
		`SELECT `+strings.Join(jobColumns, ", ")+` FROM batch_job ORDER BY name`)
}

func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time) ([]model.Job, error) {
	return s.queryJobs(ctx, "due jobs",
		`SELECT `+strings.Join(jobColumns, ", ")+` FROM batch_job WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1) ORDER BY name`,
		now)
}

func (s *PostgresStore) UpdateJobRun(ctx context.Context, name, cursor string, lastRun, nextRun time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_job SET cursor = $1, last_run_at = $2, next_run_at = $3 WHERE name = $4`,
		cursor, lastRun, nextRun, name)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job run %s", name)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", name)
	}
	return nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, q string, args ...any) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var j model.Job
		var freq, selector string
		var intervalSecs int64
		if err := rows.Scan(&j.Name, &freq, &intervalSecs, &j.Hour, &selector, &j.Limit,
			&j.Enabled, &j.Cursor, &j.LastRunAt, &j.NextRunAt); err != nil {
			return nil, eris.Wrapf(err, "postgres: %s: scan", op)
		}
		j.Frequency = model.Frequency(freq)
		j.Selector = model.SelectorMode(selector)
		j.Interval = time.Duration(intervalSecs) * time.Second
		out = append(out, j)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s: rows", op)
}

func encodeListing(l *model.ExternalListing) ([]byte, []byte, error) {
	images := l.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal images")
	}
	metricsJSON, err := json.Marshal(l.Metrics)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal metrics")
	}
	return imagesJSON, metricsJSON, nil
}

func decodeListing(l *model.ExternalListing, images, metrics []byte) error {
	if len(images) > 0 {
		if err := json.Unmarshal(images, &l.Images); err != nil {
			return eris.Wrap(err, "store: unmarshal images")
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &l.Metrics); err != nil {
			return eris.Wrap(err, "store: unmarshal metrics")
		}
	}
	return nil
}
