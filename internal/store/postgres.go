package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/db"
	"github.com/sells-group/facility-locator/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-job store operations.
var preparedStatements = map[string]string{
	"insert_geocoding":  sqlInsertGeocoding,
	"insert_validation": sqlInsertValidation,
	"update_validation": sqlUpdateValidation,
	"current_record":    sqlCurrentValidation,
	"find_validated":    sqlFindValidated,
}

const (
	sqlInsertGeocoding = `INSERT INTO geocoding_results (id, query_id, batch_id, cycle, outcomes, analysis, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	sqlInsertValidation = `INSERT INTO validation_results (id, geocoding_id, query_id, cycle, status, confidence_score,
		recommended_source, final_lat, final_lng, final_geom, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	sqlUpdateValidation = `UPDATE validation_results SET status = $1, final_lat = $2, final_lng = $3, final_geom = $4,
		data = $5, updated_at = $6 WHERE id = $7 AND status = $8 AND archived_at IS NULL`
	sqlCurrentValidation = `SELECT data FROM validation_results WHERE query_id = $1 AND archived_at IS NULL`
	sqlFindValidated     = `SELECT name_key, country, name, lat, lng, source, validated_by, validated_at
		FROM validated_locations WHERE name_key = $1 AND ($2 = '' OR country = $2)
		ORDER BY validated_at DESC LIMIT 1`
)

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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			// Tables may not exist before the first migrate.
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				zap.L().Debug("postgres: skip prepare", zap.String("statement", name), zap.Error(err))
			}
		}
		return nil
	}

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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id          TEXT PRIMARY KEY,
	total       INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS location_queries (
	id         TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	name       TEXT NOT NULL,
	country    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS geocoding_results (
	id         TEXT PRIMARY KEY,
	query_id   TEXT NOT NULL REFERENCES location_queries(id),
	batch_id   TEXT NOT NULL,
	cycle      INTEGER NOT NULL,
	outcomes   JSONB NOT NULL,
	analysis   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (query_id, cycle)
);

CREATE TABLE IF NOT EXISTS validation_results (
	id                 TEXT PRIMARY KEY,
	geocoding_id       TEXT NOT NULL REFERENCES geocoding_results(id),
	query_id           TEXT NOT NULL REFERENCES location_queries(id),
	cycle              INTEGER NOT NULL,
	status             TEXT NOT NULL,
	confidence_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	recommended_source TEXT NOT NULL DEFAULT '',
	final_lat          DOUBLE PRECISION,
	final_lng          DOUBLE PRECISION,
	final_geom         BYTEA,
	data               JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	archived_at        TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_validation_current ON validation_results(query_id) WHERE archived_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_validation_geocoding ON validation_results(geocoding_id);
CREATE INDEX IF NOT EXISTS idx_validation_status ON validation_results(status);
CREATE INDEX IF NOT EXISTS idx_geocoding_batch ON geocoding_results(batch_id);
CREATE INDEX IF NOT EXISTS idx_queries_batch ON location_queries(batch_id);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id        BIGSERIAL PRIMARY KEY,
	query_id  TEXT NOT NULL,
	batch_id  TEXT NOT NULL,
	name      TEXT NOT NULL,
	error     TEXT NOT NULL,
	attempts  INTEGER NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_failed_jobs_batch ON failed_jobs(batch_id);

CREATE TABLE IF NOT EXISTS facilities (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	name_key TEXT NOT NULL,
	country  TEXT NOT NULL DEFAULT '',
	district TEXT NOT NULL DEFAULT '',
	type     TEXT NOT NULL DEFAULT '',
	lat      DOUBLE PRECISION NOT NULL,
	lng      DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facilities_name_key ON facilities(name_key);

CREATE TABLE IF NOT EXISTS validated_locations (
	name_key     TEXT NOT NULL,
	country      TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	lat          DOUBLE PRECISION NOT NULL,
	lng          DOUBLE PRECISION NOT NULL,
	source       TEXT NOT NULL,
	validated_by TEXT NOT NULL DEFAULT '',
	validated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (name_key, country)
);
`

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

func (s *PostgresStore) CreateBatch(ctx context.Context, b model.Batch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, total, status, created_at) VALUES ($1, $2, $3, $4)`,
		b.ID, b.Total, string(b.Status), b.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert batch %s", b.ID)
}

func (s *PostgresStore) FinishBatch(ctx context.Context, batchID string, status model.BatchStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, finished_at = $2 WHERE id = $3`,
		string(status), at.UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish batch %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	var (
		b      model.Batch
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, total, status, created_at, finished_at FROM batches WHERE id = $1`, batchID,
	).Scan(&b.ID, &b.Total, &status, &b.CreatedAt, &b.FinishedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", batchID)
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

// SaveQueries loads a batch's queries with COPY.
func (s *PostgresStore) SaveQueries(ctx context.Context, queries []model.LocationQuery) error {
	rows := make([][]any, 0, len(queries))
	for _, q := range queries {
		rows = append(rows, []any{q.ID, q.BatchID, q.Name, q.Country, q.CreatedAt.UTC()})
	}
	_, err := db.CopyFrom(ctx, s.pool, "location_queries",
		[]string{"id", "batch_id", "name", "country", "created_at"}, rows)
	return eris.Wrap(err, "postgres: save queries")
}

func (s *PostgresStore) GetQuery(ctx context.Context, queryID string) (*model.LocationQuery, error) {
	var q model.LocationQuery
	err := s.pool.QueryRow(ctx,
		`SELECT id, batch_id, name, country, created_at FROM location_queries WHERE id = $1`, queryID,
	).Scan(&q.ID, &q.BatchID, &q.Name, &q.Country, &q.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "query %s", queryID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get query %s", queryID)
	}
	return &q, nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, g *model.GeocodingResult, v *model.ValidationResult) error {
	outcomes, err := json.Marshal(g.Outcomes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outcomes")
	}
	analysis, err := json.Marshal(g.Analysis)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal analysis")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation")
	}
	geomBytes, err := encodePoint(v.Final)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save result")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, sqlInsertGeocoding,
		g.ID, g.QueryID, g.BatchID, g.Cycle, outcomes, analysis, g.CreatedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "postgres: insert geocoding result %s", g.ID)
	}

	finalLat, finalLng := finalColumns(v)
	if _, err := tx.Exec(ctx, sqlInsertValidation,
		v.ID, v.GeocodingID, v.QueryID, v.Cycle, string(v.Status), v.ConfidenceScore,
		string(v.RecommendedSource), finalLat, finalLng, geomBytes, data, v.CreatedAt.UTC(), v.UpdatedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "postgres: insert validation result %s", v.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save result")
}

func (s *PostgresStore) GetRecord(ctx context.Context, queryID string) (*model.Record, error) {
	q, err := s.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	rec := &model.Record{Query: *q}

	v, err := scanValidation(s.pool.QueryRow(ctx, sqlCurrentValidation, queryID))
	switch {
	case eris.Is(err, ErrNotFound):
		return rec, nil
	case err != nil:
		return nil, eris.Wrapf(err, "postgres: get validation for %s", queryID)
	}
	rec.Validation = v

	g, err := scanGeocoding(s.pool.QueryRow(ctx,
		`SELECT id, query_id, batch_id, cycle, outcomes, analysis, created_at FROM geocoding_results WHERE id = $1`,
		v.GeocodingID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get geocoding result %s", v.GeocodingID)
	}
	rec.Geocoding = g
	return rec, nil
}

func (s *PostgresStore) UpdateValidation(ctx context.Context, v *model.ValidationResult, expected model.Status) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation")
	}
	geomBytes, err := encodePoint(v.Final)
	if err != nil {
		return err
	}
	finalLat, finalLng := finalColumns(v)
	tag, err := s.pool.Exec(ctx, sqlUpdateValidation,
		string(v.Status), finalLat, finalLng, geomBytes, data, v.UpdatedAt.UTC(), v.ID, string(expected),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update validation %s", v.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "validation %s is no longer current %s", v.ID, expected)
	}
	return nil
}

func (s *PostgresStore) ArchiveValidation(ctx context.Context, v *model.ValidationResult) error {
	if v.ArchivedAt == nil {
		return eris.Errorf("postgres: archive validation %s: archived_at not set", v.ID)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_results SET archived_at = $1, data = $2, updated_at = $3
		 WHERE id = $4 AND status = $5 AND archived_at IS NULL`,
		v.ArchivedAt.UTC(), data, v.UpdatedAt.UTC(), v.ID, string(v.Status),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: archive validation %s", v.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "validation %s is no longer current %s", v.ID, v.Status)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, queryID string) ([]model.ValidationResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM validation_results WHERE query_id = $1 ORDER BY cycle, created_at`, queryID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list history %s", queryID)
	}
	defer rows.Close()

	var out []model.ValidationResult
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list history iterate")
}

func (s *PostgresStore) CountByStatus(ctx context.Context, batchID string) (map[model.Status]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT v.status, COUNT(*) FROM validation_results v
		 JOIN geocoding_results g ON g.id = v.geocoding_id
		 WHERE g.batch_id = $1 GROUP BY v.status`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count statuses for %s", batchID)
	}
	defer rows.Close()

	counts := make(map[model.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count statuses iterate")
}

func (s *PostgresStore) ListBatchResults(ctx context.Context, batchID string) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT q.id, q.batch_id, q.name, q.country, q.created_at, v.data
		 FROM validation_results v
		 JOIN geocoding_results g ON g.id = v.geocoding_id
		 JOIN location_queries q ON q.id = v.query_id
		 WHERE g.batch_id = $1 AND v.archived_at IS NULL
		 ORDER BY q.created_at, q.id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list batch results %s", batchID)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var (
			rec  model.Record
			data []byte
		)
		if err := rows.Scan(&rec.Query.ID, &rec.Query.BatchID, &rec.Query.Name, &rec.Query.Country, &rec.Query.CreatedAt, &data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch result")
		}
		var v model.ValidationResult
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal validation")
		}
		rec.Validation = &v
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batch results iterate")
}

func (s *PostgresStore) RecordFailure(ctx context.Context, f model.FailedJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_jobs (query_id, batch_id, name, error, attempts, failed_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		f.QueryID, f.BatchID, f.Name, f.Error, f.Attempts, f.FailedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: record failure for %s", f.QueryID)
}

func (s *PostgresStore) ListFailures(ctx context.Context, batchID string) ([]model.FailedJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT query_id, batch_id, name, error, attempts, failed_at FROM failed_jobs
		 WHERE $1 = '' OR batch_id = $1 ORDER BY failed_at, id`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []model.FailedJob
	for rows.Next() {
		var f model.FailedJob
		if err := rows.Scan(&f.QueryID, &f.BatchID, &f.Name, &f.Error, &f.Attempts, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

var facilityColumns = []string{"id", "name", "name_key", "country", "district", "type", "lat", "lng"}

// UpsertFacilities merges the gazetteer through a temp table and COPY.
func (s *PostgresStore) UpsertFacilities(ctx context.Context, facilities []model.Facility) (int64, error) {
	seen := make(map[string]int, len(facilities))
	rows := make([][]any, 0, len(facilities))
	for _, f := range facilities {
		f = prepareFacility(f)
		row := []any{f.ID, f.Name, f.NameKey, f.Country, f.District, f.Type, f.Lat, f.Lng}
		// ON CONFLICT cannot touch the same row twice in one statement.
		if i, dup := seen[f.ID]; dup {
			rows[i] = row
			continue
		}
		seen[f.ID] = len(rows)
		rows = append(rows, row)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "facilities",
		Columns:      facilityColumns,
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert facilities")
}

func (s *PostgresStore) ListFacilities(ctx context.Context) ([]model.Facility, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, name_key, country, district, type, lat, lng FROM facilities ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list facilities")
	}
	defer rows.Close()

	var out []model.Facility
	for rows.Next() {
		var f model.Facility
		if err := rows.Scan(&f.ID, &f.Name, &f.NameKey, &f.Country, &f.District, &f.Type, &f.Lat, &f.Lng); err != nil {
			return nil, eris.Wrap(err, "postgres: scan facility")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list facilities iterate")
}

func (s *PostgresStore) SaveValidatedLocation(ctx context.Context, loc model.ValidatedLocation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO validated_locations (name_key, country, name, lat, lng, source, validated_by, validated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name_key, country) DO UPDATE SET
		   name = EXCLUDED.name, lat = EXCLUDED.lat, lng = EXCLUDED.lng, source = EXCLUDED.source,
		   validated_by = EXCLUDED.validated_by, validated_at = EXCLUDED.validated_at`,
		loc.NameKey, loc.Country, loc.Name, loc.Lat, loc.Lng, string(loc.Source), loc.ValidatedBy, loc.ValidatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save validated location %s", loc.NameKey)
}

func (s *PostgresStore) FindValidatedLocation(ctx context.Context, nameKey, country string) (*model.ValidatedLocation, error) {
	var (
		loc    model.ValidatedLocation
		source string
	)
	err := s.pool.QueryRow(ctx, sqlFindValidated, nameKey, country).Scan(
		&loc.NameKey, &loc.Country, &loc.Name, &loc.Lat, &loc.Lng, &source, &loc.ValidatedBy, &loc.ValidatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find validated location %s", nameKey)
	}
	loc.Source = model.Source(source)
	return &loc, nil
}

// encodePoint renders the final coordinate as an EWKB point with SRID 4326.
// A nil coordinate encodes as NULL.
func encodePoint(c *model.Coordinate) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	p := geom.NewPointFlat(geom.XY, []float64{c.Lng, c.Lat}).SetSRID(4326)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode final geometry")
	}
	return data, nil
}
