package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var facilityUpsert = UpsertConfig{
	Table:        "facilities",
	Columns:      []string{"id", "name", "name_key", "country", "lat", "lng"},
	ConflictKeys: []string{"id"},
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, facilityUpsert, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "facilities",
		ConflictKeys: []string{"id"},
	}, [][]any{{"f1", "Clinic"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "facilities",
		Columns: []string{"id", "name"},
	}, [][]any{{"f1", "Clinic"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_facilities" \(LIKE "facilities" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_facilities"}, facilityUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "facilities" .* ON CONFLICT \("id"\) DO UPDATE SET "name" = EXCLUDED."name"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{
		{"f1", "Parirenyatwa Hospital", "parirenyatwa hospital", "ZW", -17.8216, 31.0469},
		{"f2", "Mpilo Central Hospital", "mpilo central hospital", "ZW", -20.1325, 28.5637},
	}
	n, err := BulkUpsert(context.Background(), mock, facilityUpsert, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_facilities"}, facilityUpsert.Columns).
		WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, facilityUpsert, [][]any{{"f1", "Clinic", "clinic", "ZW", 1.0, 2.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for facilities")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"facilities", `"facilities"`},
		{"locator.facilities", `"locator"."facilities"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "lat"})
	assert.Equal(t, `"id", "name", "lat"`, result)
}

func TestUpsertConfig_Statements(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "locator.facilities",
		Columns:      []string{"id", "name", "lat"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"lat"},
	}
	create, merge := cfg.statements()
	assert.Equal(t, `CREATE TEMP TABLE "_tmp_upsert_locator_facilities" (LIKE "locator"."facilities" INCLUDING DEFAULTS) ON COMMIT DROP`, create)
	assert.Equal(t, `INSERT INTO "locator"."facilities" ("id", "name", "lat") SELECT "id", "name", "lat" FROM "_tmp_upsert_locator_facilities" ON CONFLICT ("id") DO UPDATE SET "lat" = EXCLUDED."lat"`, merge)

	assert.Equal(t, []string{"name", "lat"}, facilityUpsert.updateColumns()[:2])
}
