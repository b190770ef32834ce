package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facility-locator/internal/config"
	"github.com/sells-group/facility-locator/internal/engine"
	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/observability"
)

// testConfig loads defaults from an empty directory and points the store at
// a temp SQLite file. Only the offline providers are enabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.DatabaseURL = filepath.Join(dir, "locator.db")
	c.Providers.Enabled = []string{"validated", "gazetteer"}
	c.Reverse.Enabled = false
	c.Providers.Nominatim.CountryBounds = false
	c.Batch.PersistBackoffMs = 1
	return c
}

func TestEnabledSources_Defaults(t *testing.T) {
	c := testConfig(t)
	c.Providers.Enabled = nil

	got, err := enabledSources(c)
	require.NoError(t, err)
	assert.Equal(t, []model.Source{model.SourceValidated, model.SourceGazetteer, model.SourceArcGIS, model.SourceNominatim}, got)

	c.Providers.Google.Key = "g-key"
	got, err = enabledSources(c)
	require.NoError(t, err)
	assert.Contains(t, got, model.SourceGoogle)
}

func TestEnabledSources_Explicit(t *testing.T) {
	c := testConfig(t)
	c.Providers.Enabled = []string{"nominatim", "gazetteer", "nominatim"}

	got, err := enabledSources(c)
	require.NoError(t, err)
	assert.Equal(t, []model.Source{model.SourceNominatim, model.SourceGazetteer}, got)

	c.Providers.Enabled = []string{"google"}
	_, err = enabledSources(c)
	assert.ErrorContains(t, err, "providers.google.key")

	c.Providers.Enabled = []string{"bing"}
	_, err = enabledSources(c)
	assert.Error(t, err)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	c := testConfig(t)
	c.Store.Driver = "mysql"
	_, err := initStore(context.Background(), c)
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestInitOracle(t *testing.T) {
	o, err := initOracle(context.Background(), config.OracleConfig{})
	require.NoError(t, err)
	assert.Nil(t, o)

	o, err = initOracle(context.Background(), config.OracleConfig{Backend: "anthropic", AnthropicKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.NotNil(t, o)

	_, err = initOracle(context.Background(), config.OracleConfig{Backend: "gemini"})
	assert.Error(t, err)

	_, err = initOracle(context.Background(), config.OracleConfig{Backend: "openai"})
	assert.ErrorContains(t, err, "unknown oracle backend")
}

func TestInitPublisher_NopWithoutBrokers(t *testing.T) {
	c := testConfig(t)
	pub, err := initPublisher(c)
	require.NoError(t, err)
	assert.NoError(t, pub.Close())
}

func TestBuildPipeline_Reversers(t *testing.T) {
	c := testConfig(t)
	c.Reverse.Enabled = true
	c.Reverse.Sources = []string{"arcgis", "nominatim"}

	p := &providerSet{}
	rev := p.reversers(c)
	require.Len(t, rev, 2)
	assert.Equal(t, model.SourceArcGIS, rev[0].Source())
	assert.Equal(t, model.SourceNominatim, rev[1].Source())
	assert.NotNil(t, p.nominatim, "nominatim client is shared with bounds lookup")

	c.Reverse.Sources = []string{"google"}
	assert.Empty(t, (&providerSet{}).reversers(c), "google reverser needs a key")
}

func TestInitApp_RejectsInvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Scoring.Weights.APIAgreement = 0.9
	_, err := initApp(context.Background(), c, nil)
	assert.ErrorContains(t, err, "must sum to 1")
}

func TestInitApp_OfflineBatch(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	st, err := initStore(ctx, c)
	require.NoError(t, err)
	_, err = st.UpsertFacilities(ctx, []model.Facility{
		{Name: "Mpilo Central Hospital", Country: "ZW", District: "Bulawayo", Lat: -20.1325, Lng: 28.5637},
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	env, err := initApp(ctx, c, observability.NewMetricsForTesting())
	require.NoError(t, err)
	t.Cleanup(func() { env.Close(context.Background()) })

	assert.Equal(t, []model.Source{model.SourceValidated, model.SourceGazetteer}, env.Engine.Pipeline().Sources())

	progress, err := env.Engine.RunBatch(ctx, []engine.QueryInput{{Name: "Mpilo Central Hospital", Country: "zw"}})
	require.NoError(t, err)
	assert.True(t, progress.Done)
	assert.Equal(t, int64(1), progress.Succeeded)
	assert.Equal(t, int64(1), progress.PerStatus[model.StatusNeedsReview], "one source is never enough for auto approval")

	records, err := env.Engine.BatchResults(ctx, progress.BatchID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Validation)
	assert.Equal(t, model.SourceGazetteer, records[0].Validation.RecommendedSource)
	assert.Equal(t, "ZW", records[0].Query.Country)
}
