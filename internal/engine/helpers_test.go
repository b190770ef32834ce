package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facility-locator/internal/cluster"
	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/observability"
	"github.com/sells-group/facility-locator/internal/resolve"
	"github.com/sells-group/facility-locator/internal/scoring"
	"github.com/sells-group/facility-locator/internal/store"
	"github.com/sells-group/facility-locator/internal/validation"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubFetcher answers every query with the same outcome.
type stubFetcher struct {
	src     model.Source
	coord   *model.Coordinate
	address string
	kind    model.ErrorKind

	mu    sync.Mutex
	calls int
}

func succeed(src model.Source, lat, lng float64, address string) *stubFetcher {
	return &stubFetcher{src: src, coord: &model.Coordinate{Lat: lat, Lng: lng}, address: address}
}

func fail(src model.Source, kind model.ErrorKind) *stubFetcher {
	return &stubFetcher{src: src, kind: kind}
}

func (f *stubFetcher) Source() model.Source { return f.src }

func (f *stubFetcher) Fetch(_ context.Context, _ model.LocationQuery, _ time.Duration) model.ProviderOutcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.coord == nil {
		return model.FailedOutcome(f.src, f.kind, "geocode: "+string(f.kind))
	}
	out := model.SuccessOutcome(f.src, *f.coord, f.address)
	out.Attempts = 1
	return out
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingFetcher holds every call until release is closed and signals
// started on the first call.
type blockingFetcher struct {
	*stubFetcher
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingFetcher(inner *stubFetcher) *blockingFetcher {
	return &blockingFetcher{stubFetcher: inner, started: make(chan struct{}), release: make(chan struct{})}
}

func (f *blockingFetcher) Fetch(ctx context.Context, q model.LocationQuery, timeout time.Duration) model.ProviderOutcome {
	f.once.Do(func() { close(f.started) })
	<-f.release
	return f.stubFetcher.Fetch(ctx, q, timeout)
}

// stubOracle returns a canned verdict.
type stubOracle struct {
	raw []byte
	err error
}

func (o *stubOracle) Consult(context.Context, resolve.OracleRequest) ([]byte, error) {
	return o.raw, o.err
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.DecisionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.DecisionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Events() []model.DecisionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.DecisionEvent(nil), p.events...)
}

type harness struct {
	engine    *Engine
	pipeline  *Pipeline
	store     store.Store
	clock     *clockwork.FakeClock
	metrics   *observability.Metrics
	publisher *recordingPublisher
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	oracle resolve.Oracle
	store  func(store.Store) store.Store
	engine Config
}

func withOracle(o resolve.Oracle) harnessOption {
	return func(c *harnessConfig) { c.oracle = o }
}

func withStore(wrap func(store.Store) store.Store) harnessOption {
	return func(c *harnessConfig) { c.store = wrap }
}

func withWorkers(n int) harnessOption {
	return func(c *harnessConfig) { c.engine.Workers = n }
}

func newTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newPipeline(t *testing.T, clock clockwork.Clock, metrics *observability.Metrics, oracle resolve.Oracle, fetchers ...Fetcher) *Pipeline {
	t.Helper()
	scorer, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)
	machine, err := validation.NewMachine(validation.DefaultThresholds(), clock)
	require.NoError(t, err)
	return NewPipeline(PipelineDeps{
		Fetchers: fetchers,
		Timeout:  time.Second,
		Analyzer: cluster.NewAnalyzer(cluster.DefaultConfig()),
		Resolver: resolve.New(scorer, oracle, time.Second),
		Scorer:   scorer,
		Machine:  machine,
		Clock:    clock,
		Metrics:  metrics,
	})
}

func process(t *testing.T, p *Pipeline, q model.LocationQuery) (*model.GeocodingResult, *model.ValidationResult) {
	t.Helper()
	g, v, err := p.Process(context.Background(), q, 1)
	require.NoError(t, err)
	return g, v
}

func newHarness(t *testing.T, fetchers []Fetcher, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{engine: Config{Workers: 2, PersistAttempts: 3, PersistBackoff: time.Millisecond}}
	for _, o := range opts {
		o(&cfg)
	}

	var st store.Store = newTestSQLiteStore(t)
	if cfg.store != nil {
		st = cfg.store(st)
	}
	clock := clockwork.NewFakeClockAt(epoch)
	metrics := observability.NewMetricsForTesting()
	pub := &recordingPublisher{}
	p := newPipeline(t, clock, metrics, cfg.oracle, fetchers...)
	e := New(cfg.engine, Deps{Store: st, Pipeline: p, Publisher: pub, Metrics: metrics, Clock: clock})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &harness{engine: e, pipeline: p, store: st, clock: clock, metrics: metrics, publisher: pub}
}

// runOne runs a single query to completion and returns its record.
func (h *harness) runOne(t *testing.T, name, country string) *model.Record {
	t.Helper()
	ctx := context.Background()
	prog, err := h.engine.RunBatch(ctx, []QueryInput{{Name: name, Country: country}})
	require.NoError(t, err)
	require.True(t, prog.Done)

	recs, err := h.engine.BatchResults(ctx, prog.BatchID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec, err := h.engine.Result(ctx, recs[0].Query.ID)
	require.NoError(t, err)
	return rec
}

// Coordinates around Parirenyatwa Hospital, Harare.
const (
	hospitalName    = "Parirenyatwa Hospital"
	hospitalAddress = "Parirenyatwa Hospital, Mazowe Street, Harare, Zimbabwe"
)

// fourAgreeing returns four providers within 50 m of each other.
func fourAgreeing() []Fetcher {
	return []Fetcher{
		succeed(model.SourceNominatim, -17.82170, 31.04700, "Parirenyatwa Hospital, Avondale, Harare"),
		succeed(model.SourceGoogle, -17.82160, 31.04690, "Mazowe St, Harare, Zimbabwe"),
		succeed(model.SourceGazetteer, -17.82150, 31.04680, hospitalAddress),
		succeed(model.SourceArcGIS, -17.82140, 31.04695, "Harare"),
	}
}
