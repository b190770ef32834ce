package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/facility-locator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id          TEXT PRIMARY KEY,
	total       INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	created_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS location_queries (
	id         TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	name       TEXT NOT NULL,
	country    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS geocoding_results (
	id         TEXT PRIMARY KEY,
	query_id   TEXT NOT NULL REFERENCES location_queries(id),
	batch_id   TEXT NOT NULL,
	cycle      INTEGER NOT NULL,
	outcomes   TEXT NOT NULL,
	analysis   TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (query_id, cycle)
);

CREATE TABLE IF NOT EXISTS validation_results (
	id                 TEXT PRIMARY KEY,
	geocoding_id       TEXT NOT NULL REFERENCES geocoding_results(id),
	query_id           TEXT NOT NULL REFERENCES location_queries(id),
	cycle              INTEGER NOT NULL,
	status             TEXT NOT NULL,
	confidence_score   REAL NOT NULL DEFAULT 0,
	recommended_source TEXT NOT NULL DEFAULT '',
	final_lat          REAL,
	final_lng          REAL,
	data               TEXT NOT NULL,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	archived_at        DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_validation_current ON validation_results(query_id) WHERE archived_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_validation_geocoding ON validation_results(geocoding_id);
CREATE INDEX IF NOT EXISTS idx_geocoding_batch ON geocoding_results(batch_id);
CREATE INDEX IF NOT EXISTS idx_queries_batch ON location_queries(batch_id);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id  TEXT NOT NULL,
	batch_id  TEXT NOT NULL,
	name      TEXT NOT NULL,
	error     TEXT NOT NULL,
	attempts  INTEGER NOT NULL,
	failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failed_jobs_batch ON failed_jobs(batch_id);

CREATE TABLE IF NOT EXISTS facilities (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	name_key TEXT NOT NULL,
	country  TEXT NOT NULL DEFAULT '',
	district TEXT NOT NULL DEFAULT '',
	type     TEXT NOT NULL DEFAULT '',
	lat      REAL NOT NULL,
	lng      REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facilities_name_key ON facilities(name_key);

CREATE TABLE IF NOT EXISTS validated_locations (
	name_key     TEXT NOT NULL,
	country      TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	lat          REAL NOT NULL,
	lng          REAL NOT NULL,
	source       TEXT NOT NULL,
	validated_by TEXT NOT NULL DEFAULT '',
	validated_at DATETIME NOT NULL,
	PRIMARY KEY (name_key, country)
);
`

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

func (s *SQLiteStore) CreateBatch(ctx context.Context, b model.Batch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, total, status, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Total, string(b.Status), b.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert batch %s", b.ID)
}

func (s *SQLiteStore) FinishBatch(ctx context.Context, batchID string, status model.BatchStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), at.UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish batch %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	var (
		b        model.Batch
		status   string
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, total, status, created_at, finished_at FROM batches WHERE id = ?`, batchID,
	).Scan(&b.ID, &b.Total, &status, &b.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}
	b.Status = model.BatchStatus(status)
	if finished.Valid {
		t := finished.Time.UTC()
		b.FinishedAt = &t
	}
	return &b, nil
}

func (s *SQLiteStore) SaveQueries(ctx context.Context, queries []model.LocationQuery) error {
	if len(queries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save queries")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO location_queries (id, batch_id, name, country, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert query")
	}
	defer stmt.Close() //nolint:errcheck

	for _, q := range queries {
		if _, err := stmt.ExecContext(ctx, q.ID, q.BatchID, q.Name, q.Country, q.CreatedAt.UTC()); err != nil {
			return eris.Wrapf(err, "sqlite: insert query %s", q.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save queries")
}

func (s *SQLiteStore) GetQuery(ctx context.Context, queryID string) (*model.LocationQuery, error) {
	var q model.LocationQuery
	err := s.db.QueryRowContext(ctx,
		`SELECT id, batch_id, name, country, created_at FROM location_queries WHERE id = ?`, queryID,
	).Scan(&q.ID, &q.BatchID, &q.Name, &q.Country, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "query %s", queryID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get query %s", queryID)
	}
	q.CreatedAt = q.CreatedAt.UTC()
	return &q, nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, g *model.GeocodingResult, v *model.ValidationResult) error {
	outcomes, err := json.Marshal(g.Outcomes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outcomes")
	}
	analysis, err := json.Marshal(g.Analysis)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal analysis")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save result")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO geocoding_results (id, query_id, batch_id, cycle, outcomes, analysis, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.QueryID, g.BatchID, g.Cycle, string(outcomes), string(analysis), g.CreatedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert geocoding result %s", g.ID)
	}

	finalLat, finalLng := finalColumns(v)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO validation_results (id, geocoding_id, query_id, cycle, status, confidence_score,
		   recommended_source, final_lat, final_lng, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.GeocodingID, v.QueryID, v.Cycle, string(v.Status), v.ConfidenceScore,
		string(v.RecommendedSource), finalLat, finalLng, string(data), v.CreatedAt.UTC(), v.UpdatedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert validation result %s", v.ID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save result")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, queryID string) (*model.Record, error) {
	q, err := s.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	rec := &model.Record{Query: *q}

	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM validation_results WHERE query_id = ? AND archived_at IS NULL`, queryID)
	v, err := scanValidation(row)
	switch {
	case errors.Is(err, ErrNotFound):
		return rec, nil
	case err != nil:
		return nil, eris.Wrapf(err, "sqlite: get validation for %s", queryID)
	}
	rec.Validation = v

	row = s.db.QueryRowContext(ctx,
		`SELECT id, query_id, batch_id, cycle, outcomes, analysis, created_at FROM geocoding_results WHERE id = ?`,
		v.GeocodingID)
	g, err := scanGeocoding(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get geocoding result %s", v.GeocodingID)
	}
	rec.Geocoding = g
	return rec, nil
}

func (s *SQLiteStore) UpdateValidation(ctx context.Context, v *model.ValidationResult, expected model.Status) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation")
	}
	finalLat, finalLng := finalColumns(v)
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_results SET status = ?, final_lat = ?, final_lng = ?, data = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND archived_at IS NULL`,
		string(v.Status), finalLat, finalLng, string(data), v.UpdatedAt.UTC(), v.ID, string(expected),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update validation %s", v.ID)
	}
	return checkGuard(res, v.ID, expected)
}

func (s *SQLiteStore) ArchiveValidation(ctx context.Context, v *model.ValidationResult) error {
	if v.ArchivedAt == nil {
		return eris.Errorf("sqlite: archive validation %s: archived_at not set", v.ID)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_results SET archived_at = ?, data = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND archived_at IS NULL`,
		v.ArchivedAt.UTC(), string(data), v.UpdatedAt.UTC(), v.ID, string(v.Status),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: archive validation %s", v.ID)
	}
	return checkGuard(res, v.ID, v.Status)
}

func (s *SQLiteStore) ListHistory(ctx context.Context, queryID string) ([]model.ValidationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM validation_results WHERE query_id = ? ORDER BY cycle, created_at`, queryID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list history %s", queryID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ValidationResult
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list history iterate")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, batchID string) (map[model.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.status, COUNT(*) FROM validation_results v
		 JOIN geocoding_results g ON g.id = v.geocoding_id
		 WHERE g.batch_id = ? GROUP BY v.status`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count statuses for %s", batchID)
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count statuses iterate")
}

func (s *SQLiteStore) ListBatchResults(ctx context.Context, batchID string) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.id, q.batch_id, q.name, q.country, q.created_at, v.data
		 FROM validation_results v
		 JOIN geocoding_results g ON g.id = v.geocoding_id
		 JOIN location_queries q ON q.id = v.query_id
		 WHERE g.batch_id = ? AND v.archived_at IS NULL
		 ORDER BY q.created_at, q.id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list batch results %s", batchID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		var (
			rec  model.Record
			data string
		)
		if err := rows.Scan(&rec.Query.ID, &rec.Query.BatchID, &rec.Query.Name, &rec.Query.Country, &rec.Query.CreatedAt, &data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch result")
		}
		var v model.ValidationResult
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal validation")
		}
		rec.Validation = &v
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batch results iterate")
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, f model.FailedJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_jobs (query_id, batch_id, name, error, attempts, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.QueryID, f.BatchID, f.Name, f.Error, f.Attempts, f.FailedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record failure for %s", f.QueryID)
}

func (s *SQLiteStore) ListFailures(ctx context.Context, batchID string) ([]model.FailedJob, error) {
	query := `SELECT query_id, batch_id, name, error, attempts, failed_at FROM failed_jobs`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY failed_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FailedJob
	for rows.Next() {
		var f model.FailedJob
		if err := rows.Scan(&f.QueryID, &f.BatchID, &f.Name, &f.Error, &f.Attempts, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		f.FailedAt = f.FailedAt.UTC()
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) UpsertFacilities(ctx context.Context, facilities []model.Facility) (int64, error) {
	if len(facilities) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert facilities")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO facilities (id, name, name_key, country, district, type, lat, lng)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, name_key = excluded.name_key, country = excluded.country,
		   district = excluded.district, type = excluded.type, lat = excluded.lat, lng = excluded.lng`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare facility upsert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, f := range facilities {
		f = prepareFacility(f)
		if _, err := stmt.ExecContext(ctx, f.ID, f.Name, f.NameKey, f.Country, f.District, f.Type, f.Lat, f.Lng); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert facility %s", f.ID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert facilities")
	}
	return n, nil
}

func (s *SQLiteStore) ListFacilities(ctx context.Context) ([]model.Facility, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, name_key, country, district, type, lat, lng FROM facilities ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list facilities")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Facility
	for rows.Next() {
		var f model.Facility
		if err := rows.Scan(&f.ID, &f.Name, &f.NameKey, &f.Country, &f.District, &f.Type, &f.Lat, &f.Lng); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan facility")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list facilities iterate")
}

func (s *SQLiteStore) SaveValidatedLocation(ctx context.Context, loc model.ValidatedLocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validated_locations (name_key, country, name, lat, lng, source, validated_by, validated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name_key, country) DO UPDATE SET
		   name = excluded.name, lat = excluded.lat, lng = excluded.lng, source = excluded.source,
		   validated_by = excluded.validated_by, validated_at = excluded.validated_at`,
		loc.NameKey, loc.Country, loc.Name, loc.Lat, loc.Lng, string(loc.Source), loc.ValidatedBy, loc.ValidatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save validated location %s", loc.NameKey)
}

func (s *SQLiteStore) FindValidatedLocation(ctx context.Context, nameKey, country string) (*model.ValidatedLocation, error) {
	query := `SELECT name_key, country, name, lat, lng, source, validated_by, validated_at
		FROM validated_locations WHERE name_key = ?`
	args := []any{nameKey}
	if country != "" {
		query += ` AND country = ?`
		args = append(args, country)
	}
	query += ` ORDER BY validated_at DESC LIMIT 1`

	var (
		loc    model.ValidatedLocation
		source string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&loc.NameKey, &loc.Country, &loc.Name, &loc.Lat, &loc.Lng, &source, &loc.ValidatedBy, &loc.ValidatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find validated location %s", nameKey)
	}
	loc.Source = model.Source(source)
	loc.ValidatedAt = loc.ValidatedAt.UTC()
	return &loc, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// checkGuard reports ErrConflict when an update guarded by the expected
// status matched no row.
func checkGuard(res sql.Result, id string, expected model.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrConflict, "validation %s is no longer current %s", id, expected)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanValidation(row scannable) (*model.ValidationResult, error) {
	var data []byte
	err := row.Scan(&data)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan validation")
	}
	var v model.ValidationResult
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, eris.Wrap(err, "unmarshal validation")
	}
	return &v, nil
}

func scanGeocoding(row scannable) (*model.GeocodingResult, error) {
	var (
		g                  model.GeocodingResult
		outcomes, analysis []byte
	)
	err := row.Scan(&g.ID, &g.QueryID, &g.BatchID, &g.Cycle, &outcomes, &analysis, &g.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan geocoding result")
	}
	if err := json.Unmarshal(outcomes, &g.Outcomes); err != nil {
		return nil, eris.Wrap(err, "unmarshal outcomes")
	}
	if err := json.Unmarshal(analysis, &g.Analysis); err != nil {
		return nil, eris.Wrap(err, "unmarshal analysis")
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return &g, nil
}

func finalColumns(v *model.ValidationResult) (lat, lng *float64) {
	if v.Final == nil {
		return nil, nil
	}
	la, ln := v.Final.Lat, v.Final.Lng
	return &la, &ln
}
