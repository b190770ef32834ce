// Package store persists queries, geocoding cycles, validation results and
// their audit history, plus the reference gazetteer and validated locations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/textsim"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when an update lost an optimistic status guard.
	ErrConflict = eris.New("store: concurrent update")
)

// Store defines the persistence interface for the geocoding engine.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, b model.Batch) error
	FinishBatch(ctx context.Context, batchID string, status model.BatchStatus, at time.Time) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)

	// Queries
	SaveQueries(ctx context.Context, queries []model.LocationQuery) error
	GetQuery(ctx context.Context, queryID string) (*model.LocationQuery, error)

	// Results. SaveResult writes a geocoding cycle and its validation result
	// atomically; no partial cycle is ever visible.
	SaveResult(ctx context.Context, g *model.GeocodingResult, v *model.ValidationResult) error
	GetRecord(ctx context.Context, queryID string) (*model.Record, error)
	UpdateValidation(ctx context.Context, v *model.ValidationResult, expected model.Status) error
	ArchiveValidation(ctx context.Context, v *model.ValidationResult) error
	ListHistory(ctx context.Context, queryID string) ([]model.ValidationResult, error)
	CountByStatus(ctx context.Context, batchID string) (map[model.Status]int64, error)
	ListBatchResults(ctx context.Context, batchID string) ([]model.Record, error)

	// Failed jobs
	RecordFailure(ctx context.Context, f model.FailedJob) error
	ListFailures(ctx context.Context, batchID string) ([]model.FailedJob, error)

	// Gazetteer
	UpsertFacilities(ctx context.Context, facilities []model.Facility) (int64, error)
	ListFacilities(ctx context.Context) ([]model.Facility, error)

	// Validated locations
	SaveValidatedLocation(ctx context.Context, loc model.ValidatedLocation) error
	FindValidatedLocation(ctx context.Context, nameKey, country string) (*model.ValidatedLocation, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// prepareFacility fills the derived name key and a stable id.
func prepareFacility(f model.Facility) model.Facility {
	if f.NameKey == "" {
		f.NameKey = textsim.Normalize(f.Name)
	}
	if f.ID == "" {
		f.ID = FacilityID(f.Country, f.NameKey)
	}
	return f
}

// FacilityID derives the id of a facility without one: the country and
// normalised name, so re-importing the same list updates in place.
func FacilityID(country, nameKey string) string {
	if country == "" {
		return nameKey
	}
	return country + ":" + nameKey
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}
