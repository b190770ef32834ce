package config

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/scoring"
	"github.com/sells-group/facility-locator/internal/validation"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Reverse    ReverseConfig    `yaml:"reverse" mapstructure:"reverse"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Oracle     OracleConfig     `yaml:"oracle" mapstructure:"oracle"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
}

// StoreConfig configures the database backend. For sqlite the database URL
// is a file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	MaxBatchSize       int      `yaml:"max_batch_size" mapstructure:"max_batch_size"`
}

// BatchConfig controls the worker pool and job-level persistence retry.
type BatchConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	PersistAttempts  int `yaml:"persist_attempts" mapstructure:"persist_attempts"`
	PersistBackoffMs int `yaml:"persist_backoff_ms" mapstructure:"persist_backoff_ms"`
}

// ProvidersConfig configures the geocoding providers and the resilience
// wrapped around each of them.
type ProvidersConfig struct {
	// Enabled lists the providers to query. Empty means every provider
	// whose credentials are present.
	Enabled     []string        `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs int             `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string             `yaml:"user_agent" mapstructure:"user_agent"`
	Retry       RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Google      GoogleConfig       `yaml:"google" mapstructure:"google"`
	ArcGIS      ArcGISConfig       `yaml:"arcgis" mapstructure:"arcgis"`
	Nominatim   NominatimConfig    `yaml:"nominatim" mapstructure:"nominatim"`
}

// RetryConfig is the adapter-level retry for transient provider errors.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// GoogleConfig holds Google Geocoding API settings.
type GoogleConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ArcGISConfig holds ArcGIS World Geocoding settings. The token is optional.
type ArcGISConfig struct {
	Token     string  `yaml:"token" mapstructure:"token"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// NominatimConfig points at a local Nominatim instance with the public one
// as fallback.
type NominatimConfig struct {
	LocalURL  string  `yaml:"local_url" mapstructure:"local_url"`
	PublicURL string  `yaml:"public_url" mapstructure:"public_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	// CountryBounds enables the out-of-country check.
	CountryBounds bool `yaml:"country_bounds" mapstructure:"country_bounds"`
}

// ReverseConfig configures reverse geocoding of the chosen coordinate.
type ReverseConfig struct {
	Enabled     bool     `yaml:"enabled" mapstructure:"enabled"`
	Sources     []string `yaml:"sources" mapstructure:"sources"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CacheSize   int      `yaml:"cache_size" mapstructure:"cache_size"`
}

// AnalysisConfig holds the distance thresholds.
type AnalysisConfig struct {
	ConflictThresholdKm float64 `yaml:"conflict_threshold_km" mapstructure:"conflict_threshold_km"`
	MediumMultiplier    float64 `yaml:"medium_multiplier" mapstructure:"medium_multiplier"`
	OutlierCentroidKm   float64 `yaml:"outlier_centroid_km" mapstructure:"outlier_centroid_km"`
	OutlierSigma        float64 `yaml:"outlier_sigma" mapstructure:"outlier_sigma"`
}

// ScoringConfig tunes the confidence scorer.
type ScoringConfig struct {
	Weights               scoring.Weights `yaml:"weights" mapstructure:"weights"`
	VarianceNormalizerKm  float64         `yaml:"variance_normalizer_km" mapstructure:"variance_normalizer_km"`
	SingleSourceAgreement float64         `yaml:"single_source_agreement" mapstructure:"single_source_agreement"`
	ReliabilityFile       string          `yaml:"reliability_file" mapstructure:"reliability_file"`
}

// ValidationConfig holds the automatic decision thresholds.
type ValidationConfig = validation.Thresholds

// OracleConfig configures the optional advisory oracle. An empty backend
// disables it.
type OracleConfig struct {
	Backend      string `yaml:"backend" mapstructure:"backend"`
	AnthropicKey string `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	AnthropicURL string `yaml:"anthropic_base_url" mapstructure:"anthropic_base_url"`
	GeminiKey    string `yaml:"gemini_key" mapstructure:"gemini_key"`
	Model        string `yaml:"model" mapstructure:"model"`
	MaxTokens    int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// KafkaConfig configures decision event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// ProviderTimeout returns the per-provider call bound.
func (c ProvidersConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Load reads configuration from a .env file, config.yaml and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	envFile := os.Getenv("LOCATOR_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "config: load env file %s", envFile)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LOCATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "facility-locator.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("server.max_batch_size", 5000)
	v.SetDefault("batch.workers", 5)
	v.SetDefault("batch.persist_attempts", 3)
	v.SetDefault("batch.persist_backoff_ms", 200)

	v.SetDefault("providers.enabled", []string{})
	v.SetDefault("providers.timeout_secs", 15)
	v.SetDefault("providers.user_agent", "facility-locator/1.0")
	v.SetDefault("providers.retry.max_attempts", 3)
	v.SetDefault("providers.retry.initial_backoff_ms", 500)
	v.SetDefault("providers.retry.max_backoff_ms", 5000)
	v.SetDefault("providers.retry.multiplier", 2.0)
	v.SetDefault("providers.retry.jitter_fraction", 0.25)
	v.SetDefault("providers.circuit.failure_threshold", 5)
	v.SetDefault("providers.circuit.reset_timeout_secs", 30)
	v.SetDefault("providers.google.key", "")
	v.SetDefault("providers.google.rate_limit", 25.0)
	v.SetDefault("providers.arcgis.token", "")
	v.SetDefault("providers.arcgis.rate_limit", 10.0)
	v.SetDefault("providers.nominatim.local_url", "")
	v.SetDefault("providers.nominatim.public_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("providers.nominatim.rate_limit", 1.0)
	v.SetDefault("providers.nominatim.country_bounds", true)

	v.SetDefault("reverse.enabled", true)
	v.SetDefault("reverse.sources", []string{"google", "arcgis", "nominatim"})
	v.SetDefault("reverse.timeout_secs", 10)
	v.SetDefault("reverse.cache_size", 10000)

	v.SetDefault("analysis.conflict_threshold_km", 5.0)
	v.SetDefault("analysis.medium_multiplier", 3.0)
	v.SetDefault("analysis.outlier_centroid_km", 50.0)
	v.SetDefault("analysis.outlier_sigma", 3.0)

	w := scoring.DefaultWeights()
	v.SetDefault("scoring.weights.api_agreement", w.APIAgreement)
	v.SetDefault("scoring.weights.reverse_geocoding", w.ReverseGeocoding)
	v.SetDefault("scoring.weights.distance_confidence", w.DistanceConfidence)
	v.SetDefault("scoring.weights.source_reliability", w.SourceReliability)
	v.SetDefault("scoring.variance_normalizer_km", 20.0)
	v.SetDefault("scoring.single_source_agreement", 0.25)
	v.SetDefault("scoring.reliability_file", "")

	th := validation.DefaultThresholds()
	v.SetDefault("validation.high_threshold", th.High)
	v.SetDefault("validation.medium_threshold", th.Medium)
	v.SetDefault("validation.min_sources_for_auto", th.MinSourcesForAuto)

	v.SetDefault("oracle.backend", "")
	v.SetDefault("oracle.anthropic_key", "")
	v.SetDefault("oracle.anthropic_base_url", "")
	v.SetDefault("oracle.gemini_key", "")
	v.SetDefault("oracle.model", "")
	v.SetDefault("oracle.max_tokens", 1024)
	v.SetDefault("oracle.timeout_secs", 20)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "facility-locator.decisions")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}

	for _, name := range c.Providers.Enabled {
		if _, err := model.ParseSource(name); err != nil {
			return eris.Wrap(err, "config: providers.enabled")
		}
	}
	for _, name := range c.Reverse.Sources {
		src, err := model.ParseSource(name)
		if err != nil {
			return eris.Wrap(err, "config: reverse.sources")
		}
		if !slices.Contains([]model.Source{model.SourceGoogle, model.SourceArcGIS, model.SourceNominatim}, src) {
			return eris.Errorf("config: %s cannot reverse geocode", src)
		}
	}
	if c.Providers.TimeoutSecs <= 0 {
		return eris.Errorf("config: providers.timeout_secs must be positive, got %d", c.Providers.TimeoutSecs)
	}

	a := c.Analysis
	if a.ConflictThresholdKm <= 0 || a.OutlierCentroidKm <= 0 || a.OutlierSigma <= 0 {
		return eris.New("config: analysis distances must be positive")
	}
	if a.MediumMultiplier < 1 {
		return eris.Errorf("config: analysis.medium_multiplier must be >= 1, got %v", a.MediumMultiplier)
	}
	if c.Scoring.VarianceNormalizerKm <= 0 {
		return eris.New("config: scoring.variance_normalizer_km must be positive")
	}
	if err := c.Scoring.Weights.Validate(); err != nil {
		return eris.Wrap(err, "config: scoring.weights")
	}
	if err := c.Validation.Validate(); err != nil {
		return eris.Wrap(err, "config: validation")
	}

	switch c.Oracle.Backend {
	case "":
	case "anthropic":
		if c.Oracle.AnthropicKey == "" {
			return eris.New("config: oracle.anthropic_key is required for the anthropic backend")
		}
	case "gemini":
		if c.Oracle.GeminiKey == "" {
			return eris.New("config: oracle.gemini_key is required for the gemini backend")
		}
	default:
		return eris.Errorf("config: unknown oracle backend %q", c.Oracle.Backend)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return eris.New("config: kafka.topic is required when brokers are set")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
