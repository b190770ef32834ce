package main

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/cluster"
	"github.com/sells-group/facility-locator/internal/config"
	"github.com/sells-group/facility-locator/internal/engine"
	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/observability"
	"github.com/sells-group/facility-locator/internal/oracle"
	"github.com/sells-group/facility-locator/internal/publish"
	"github.com/sells-group/facility-locator/internal/resilience"
	"github.com/sells-group/facility-locator/internal/resolve"
	"github.com/sells-group/facility-locator/internal/scoring"
	"github.com/sells-group/facility-locator/internal/store"
	"github.com/sells-group/facility-locator/internal/validation"
	anthropicpkg "github.com/sells-group/facility-locator/pkg/anthropic"
	"github.com/sells-group/facility-locator/pkg/geocode"
)

// appEnv holds everything the geocode, serve and review commands need.
type appEnv struct {
	Store     store.Store
	Engine    *engine.Engine
	Metrics   *observability.Metrics
	Publisher publish.Publisher
}

// Close stops in-flight batches and releases the store and publisher.
func (a *appEnv) Close(ctx context.Context) {
	if a.Engine != nil {
		if err := a.Engine.Shutdown(ctx); err != nil {
			zap.L().Warn("engine shutdown incomplete", zap.Error(err))
		}
	}
	if a.Publisher != nil {
		_ = a.Publisher.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// initStore opens the configured store and migrates it.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initApp validates the config, opens the store and builds the engine.
// Callers should defer env.Close().
func initApp(ctx context.Context, c *config.Config, metrics *observability.Metrics) (*appEnv, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}

	pipe, err := buildPipeline(ctx, c, st, metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pub, err := initPublisher(c)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	eng := engine.New(engine.Config{
		Workers:         c.Batch.Workers,
		PersistAttempts: c.Batch.PersistAttempts,
		PersistBackoff:  time.Duration(c.Batch.PersistBackoffMs) * time.Millisecond,
	}, engine.Deps{
		Store:     st,
		Pipeline:  pipe,
		Publisher: pub,
		Metrics:   metrics,
	})

	zap.L().Info("engine ready",
		zap.String("store", c.Store.Driver),
		zap.Strings("sources", sourceNames(pipe.Sources())),
		zap.Int("workers", c.Batch.Workers),
		zap.String("oracle", c.Oracle.Backend),
	)

	return &appEnv{Store: st, Engine: eng, Metrics: metrics, Publisher: pub}, nil
}

// providerSet is the concrete clients built from config. Any field may be
// nil when the provider is disabled.
type providerSet struct {
	validated *geocode.Validated
	gazetteer *geocode.Gazetteer
	google    *geocode.Google
	arcgis    *geocode.ArcGIS
	nominatim *geocode.Nominatim
}

// enabledSources resolves providers.enabled. An empty list enables every
// provider whose credentials are present.
func enabledSources(c *config.Config) ([]model.Source, error) {
	if len(c.Providers.Enabled) == 0 {
		out := []model.Source{model.SourceValidated, model.SourceGazetteer}
		if c.Providers.Google.Key != "" {
			out = append(out, model.SourceGoogle)
		}
		return append(out, model.SourceArcGIS, model.SourceNominatim), nil
	}

	var out []model.Source
	for _, name := range c.Providers.Enabled {
		src, err := model.ParseSource(name)
		if err != nil {
			return nil, err
		}
		if src == model.SourceGoogle && c.Providers.Google.Key == "" {
			return nil, eris.New("google enabled but providers.google.key is empty (LOCATOR_PROVIDERS_GOOGLE_KEY)")
		}
		if !slices.Contains(out, src) {
			out = append(out, src)
		}
	}
	return out, nil
}

func buildProviders(ctx context.Context, c *config.Config, st store.Store, enabled []model.Source) (*providerSet, error) {
	p := &providerSet{}
	ua := geocode.WithUserAgent(c.Providers.UserAgent)

	for _, src := range enabled {
		switch src {
		case model.SourceValidated:
			p.validated = geocode.NewValidated(st)
		case model.SourceGazetteer:
			facs, err := st.ListFacilities(ctx)
			if err != nil {
				return nil, eris.Wrap(err, "load gazetteer")
			}
			p.gazetteer = geocode.NewGazetteer(facs)
			zap.L().Info("gazetteer loaded", zap.Int("facilities", p.gazetteer.Len()))
		case model.SourceGoogle:
			p.google = geocode.NewGoogle(c.Providers.Google.Key, ua, geocode.WithRateLimit(c.Providers.Google.RateLimit))
		case model.SourceArcGIS:
			p.arcgis = geocode.NewArcGIS(c.Providers.ArcGIS.Token, ua, geocode.WithRateLimit(c.Providers.ArcGIS.RateLimit))
		case model.SourceNominatim:
			p.nominatim = newNominatim(c)
		}
	}
	return p, nil
}

func newNominatim(c *config.Config) *geocode.Nominatim {
	return geocode.NewNominatim(c.Providers.Nominatim.LocalURL, c.Providers.Nominatim.PublicURL,
		geocode.WithUserAgent(c.Providers.UserAgent),
		geocode.WithRateLimit(c.Providers.Nominatim.RateLimit),
	)
}

// fetchers wraps every enabled provider in an adapter with its own breaker.
func (p *providerSet) fetchers(breakers *resilience.Breakers, retry resilience.RetryConfig) []engine.Fetcher {
	var providers []geocode.Provider
	if p.validated != nil {
		providers = append(providers, p.validated)
	}
	if p.gazetteer != nil {
		providers = append(providers, p.gazetteer)
	}
	if p.google != nil {
		providers = append(providers, p.google)
	}
	if p.arcgis != nil {
		providers = append(providers, p.arcgis)
	}
	if p.nominatim != nil {
		providers = append(providers, p.nominatim)
	}

	out := make([]engine.Fetcher, 0, len(providers))
	for _, pr := range providers {
		out = append(out, geocode.NewAdapter(pr, breakers.Get(string(pr.Source())), retry))
	}
	return out
}

// reversers returns the configured reverse geocoders in config order. A
// reverser is built even when its forward provider is disabled.
func (p *providerSet) reversers(c *config.Config) []geocode.Reverser {
	var out []geocode.Reverser
	for _, name := range c.Reverse.Sources {
		switch model.Source(name) {
		case model.SourceGoogle:
			if p.google != nil {
				out = append(out, p.google)
			} else if c.Providers.Google.Key != "" {
				out = append(out, geocode.NewGoogle(c.Providers.Google.Key, geocode.WithUserAgent(c.Providers.UserAgent)))
			}
		case model.SourceArcGIS:
			if p.arcgis != nil {
				out = append(out, p.arcgis)
			} else {
				out = append(out, geocode.NewArcGIS(c.Providers.ArcGIS.Token, geocode.WithUserAgent(c.Providers.UserAgent)))
			}
		case model.SourceNominatim:
			if p.nominatim == nil {
				p.nominatim = newNominatim(c)
			}
			out = append(out, p.nominatim)
		}
	}
	return out
}

// buildPipeline assembles the per-query pipeline from config.
func buildPipeline(ctx context.Context, c *config.Config, st store.Store, metrics *observability.Metrics) (*engine.Pipeline, error) {
	enabled, err := enabledSources(c)
	if err != nil {
		return nil, err
	}
	providers, err := buildProviders(ctx, c, st, enabled)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakers(resilience.BreakerConfig{
		FailureThreshold: c.Providers.Circuit.FailureThreshold,
		ResetTimeout:     time.Duration(c.Providers.Circuit.ResetTimeoutSecs) * time.Second,
		OnStateChange:    metrics.CircuitChanged,
	}, nil)
	r := c.Providers.Retry
	retry := resilience.NewRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction)

	reliability := scoring.DefaultReliability()
	if c.Scoring.ReliabilityFile != "" {
		reliability, err = scoring.LoadReliability(c.Scoring.ReliabilityFile)
		if err != nil {
			return nil, err
		}
	}
	scorer, err := scoring.New(scoring.Config{
		Weights:               c.Scoring.Weights,
		VarianceNormalizerKm:  c.Scoring.VarianceNormalizerKm,
		SingleSourceAgreement: c.Scoring.SingleSourceAgreement,
		Reliability:           reliability,
	})
	if err != nil {
		return nil, err
	}

	machine, err := validation.NewMachine(c.Validation, nil)
	if err != nil {
		return nil, err
	}

	orc, err := initOracle(ctx, c.Oracle)
	if err != nil {
		return nil, err
	}

	deps := engine.PipelineDeps{
		Fetchers: providers.fetchers(breakers, retry),
		Timeout:  c.Providers.ProviderTimeout(),
		Analyzer: cluster.NewAnalyzer(cluster.Config{
			ConflictThresholdKm: c.Analysis.ConflictThresholdKm,
			MediumMultiplier:    c.Analysis.MediumMultiplier,
			OutlierCentroidKm:   c.Analysis.OutlierCentroidKm,
			OutlierSigma:        c.Analysis.OutlierSigma,
		}),
		Resolver: resolve.New(scorer, orc, time.Duration(c.Oracle.TimeoutSecs)*time.Second),
		Scorer:   scorer,
		Machine:  machine,
		Metrics:  metrics,
	}
	if len(deps.Fetchers) == 0 {
		return nil, eris.New("no geocoding providers enabled")
	}

	if c.Reverse.Enabled {
		if rev := providers.reversers(c); len(rev) > 0 {
			deps.Reverse = geocode.NewMultiReverser(rev, time.Duration(c.Reverse.TimeoutSecs)*time.Second, c.Reverse.CacheSize)
		}
	}
	if c.Providers.Nominatim.CountryBounds {
		if providers.nominatim == nil {
			providers.nominatim = newNominatim(c)
		}
		deps.Bounds = providers.nominatim
	}

	return engine.NewPipeline(deps), nil
}

// initOracle returns nil when no backend is configured. A nil resolve.Oracle
// must be returned untyped so the resolver sees no oracle.
func initOracle(ctx context.Context, c config.OracleConfig) (resolve.Oracle, error) {
	switch c.Backend {
	case "":
		return nil, nil
	case "anthropic":
		client := anthropicpkg.NewClient(c.AnthropicKey, c.AnthropicURL)
		return oracle.NewClaude(client, c.Model, c.MaxTokens), nil
	case "gemini":
		g, err := oracle.NewGemini(ctx, c.GeminiKey, c.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, eris.Errorf("unknown oracle backend: %s", c.Backend)
	}
}

func initPublisher(c *config.Config) (publish.Publisher, error) {
	if len(c.Kafka.Brokers) == 0 {
		return publish.Nop{}, nil
	}
	k, err := publish.NewKafka(c.Kafka.Brokers, c.Kafka.Topic)
	if err != nil {
		return nil, err
	}
	zap.L().Info("publishing decisions to kafka",
		zap.Strings("brokers", c.Kafka.Brokers),
		zap.String("topic", c.Kafka.Topic),
	)
	return k, nil
}

func sourceNames(srcs []model.Source) []string {
	out := make([]string, len(srcs))
	for i, s := range srcs {
		out[i] = string(s)
	}
	return out
}
