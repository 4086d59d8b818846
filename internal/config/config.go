package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Marketplace MarketplaceConfig `yaml:"marketplace" mapstructure:"marketplace"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" mapstructure:"rate_limit"`
	Resolve     ResolveConfig     `yaml:"resolve" mapstructure:"resolve"`
	Dedup       DedupConfig       `yaml:"dedup" mapstructure:"dedup"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Scoring     ScoringConfig     `yaml:"scoring" mapstructure:"scoring"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Schedule    ScheduleConfig    `yaml:"schedule" mapstructure:"schedule"`
	Suppliers   SuppliersConfig   `yaml:"suppliers" mapstructure:"suppliers"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AuthKind selects the marketplace credential flow.
type AuthKind string

const (
	AuthOAuthRefresh AuthKind = "oauth_refresh"
	AuthAPIKey       AuthKind = "api_key"
	AuthNone         AuthKind = "none"
)

// AuthConfig is a union keyed by Kind. Only the fields of the selected
// kind are read.
type AuthConfig struct {
	Kind AuthKind `yaml:"kind" mapstructure:"kind"`

	// oauth_refresh
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	RefreshToken string `yaml:"refresh_token" mapstructure:"refresh_token"`
	TokenURL     string `yaml:"token_url" mapstructure:"token_url"`

	// api_key
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	APIKeyHeader string `yaml:"api_key_header" mapstructure:"api_key_header"`
}

// MarketplaceConfig configures the external catalog API.
type MarketplaceConfig struct {
	BaseURL       string     `yaml:"base_url" mapstructure:"base_url"`
	MarketplaceID string     `yaml:"marketplace_id" mapstructure:"marketplace_id"`
	TimeoutSecs   int        `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Auth          AuthConfig `yaml:"auth" mapstructure:"auth"`
}

// RateLimitConfig is the external call budget: Rate tokens per second
// with bucket capacity Burst.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate" mapstructure:"rate"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// ResolveConfig configures the external resolution chain.
type ResolveConfig struct {
	RetryAfterHours      int     `yaml:"retry_after_hours" mapstructure:"retry_after_hours"`
	TransientBackoffSecs int     `yaml:"transient_backoff_secs" mapstructure:"transient_backoff_secs"`
	KeywordResultCap     int     `yaml:"keyword_result_cap" mapstructure:"keyword_result_cap"`
	UPCConfidence        float64 `yaml:"upc_confidence" mapstructure:"upc_confidence"`
	MfgNumberConfidence  float64 `yaml:"mfg_number_confidence" mapstructure:"mfg_number_confidence"`
	KeywordConfidence    float64 `yaml:"keyword_confidence" mapstructure:"keyword_confidence"`
}

// RetryAfter returns the not-found retry interval.
func (c ResolveConfig) RetryAfter() time.Duration {
	return time.Duration(c.RetryAfterHours) * time.Hour
}

// TransientBackoff returns the deferral after retries are exhausted.
func (c ResolveConfig) TransientBackoff() time.Duration {
	return time.Duration(c.TransientBackoffSecs) * time.Second
}

// DedupConfig configures internal duplicate resolution.
type DedupConfig struct {
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	CandidatePageSize int     `yaml:"candidate_page_size" mapstructure:"candidate_page_size"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	ChunkSize   int  `yaml:"chunk_size" mapstructure:"chunk_size"`
	Concurrency int  `yaml:"concurrency" mapstructure:"concurrency"`
	PacingMs    int  `yaml:"pacing_ms" mapstructure:"pacing_ms"`
	Score       bool `yaml:"score" mapstructure:"score"`
}

// ScoringConfig holds marketplace fee assumptions and buy floors.
type ScoringConfig struct {
	ReferralFeePct float64 `yaml:"referral_fee_pct" mapstructure:"referral_fee_pct"`
	FulfillmentFee float64 `yaml:"fulfillment_fee" mapstructure:"fulfillment_fee"`
	BuyMinMargin   float64 `yaml:"buy_min_margin" mapstructure:"buy_min_margin"`
	BuyMaxRank     int     `yaml:"buy_max_rank" mapstructure:"buy_max_rank"`
}

// RetryConfig configures transient-error retry of a single strategy.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// CircuitConfig configures the marketplace circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// JobConfig declares a scheduled batch run seeded into the job table.
type JobConfig struct {
	Name         string `yaml:"name" mapstructure:"name"`
	Frequency    string `yaml:"frequency" mapstructure:"frequency"`
	IntervalMins int    `yaml:"interval_mins" mapstructure:"interval_mins"`
	Hour         int    `yaml:"hour" mapstructure:"hour"`
	Selector     string `yaml:"selector" mapstructure:"selector"`
	Limit        int    `yaml:"limit" mapstructure:"limit"`
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
}

// ScheduleConfig configures the job poller.
type ScheduleConfig struct {
	PollSecs int         `yaml:"poll_secs" mapstructure:"poll_secs"`
	Jobs     []JobConfig `yaml:"jobs" mapstructure:"jobs"`
}

// SuppliersConfig points at the supplier registry file.
type SuppliersConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("marketplace.timeout_secs", 15)
	v.SetDefault("marketplace.auth.kind", string(AuthNone))
	v.SetDefault("marketplace.auth.api_key_header", "X-API-Key")
	v.SetDefault("rate_limit.rate", 20.0)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("resolve.retry_after_hours", 24)
	v.SetDefault("resolve.transient_backoff_secs", 300)
	v.SetDefault("resolve.keyword_result_cap", 20)
	v.SetDefault("resolve.upc_confidence", 0.95)
	v.SetDefault("resolve.mfg_number_confidence", 0.8)
	v.SetDefault("resolve.keyword_confidence", 0.6)
	v.SetDefault("dedup.fuzzy_threshold", 0.8)
	v.SetDefault("dedup.candidate_page_size", 500)
	v.SetDefault("batch.chunk_size", 50)
	v.SetDefault("batch.concurrency", 8)
	v.SetDefault("batch.pacing_ms", 250)
	v.SetDefault("batch.score", true)
	v.SetDefault("scoring.referral_fee_pct", 0.15)
	v.SetDefault("scoring.fulfillment_fee", 3.50)
	v.SetDefault("scoring.buy_min_margin", 0.20)
	v.SetDefault("scoring.buy_max_rank", 50000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("schedule.poll_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
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

// Validate checks the settings required by mode: "store" (migrate, ingest,
// recommend), "resolve" (resolve, run-batch), "serve" and "schedule".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "store":
		problems = append(problems, c.validateStore()...)
	case "resolve", "schedule":
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validateResolve()...)
	case "serve":
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validateResolve()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode == "schedule" && c.Schedule.PollSecs <= 0 {
		problems = append(problems, "schedule.poll_secs must be > 0")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var problems []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Dedup.FuzzyThreshold <= 0 || c.Dedup.FuzzyThreshold > 1 {
		problems = append(problems, "dedup.fuzzy_threshold must be in (0, 1]")
	}
	return problems
}

func (c *Config) validateResolve() []string {
	var problems []string
	if c.Marketplace.BaseURL == "" {
		problems = append(problems, "marketplace.base_url is required")
	}
	problems = append(problems, c.Marketplace.Auth.validate()...)

	if c.RateLimit.Rate <= 0 {
		problems = append(problems, "rate_limit.rate must be > 0")
	}
	if float64(c.RateLimit.Burst) < c.RateLimit.Rate {
		problems = append(problems, "rate_limit.burst must be >= rate_limit.rate")
	}
	if c.Batch.Concurrency < 1 || c.Batch.Concurrency >= c.RateLimit.Burst {
		problems = append(problems, "batch.concurrency must be >= 1 and below rate_limit.burst")
	}
	if c.Batch.ChunkSize < 1 {
		problems = append(problems, "batch.chunk_size must be > 0")
	}
	if c.Resolve.RetryAfterHours <= 0 {
		problems = append(problems, "resolve.retry_after_hours must be > 0")
	}
	if c.Resolve.KeywordResultCap <= 0 {
		problems = append(problems, "resolve.keyword_result_cap must be > 0")
	}
	for name, v := range map[string]float64{
		"resolve.upc_confidence":        c.Resolve.UPCConfidence,
		"resolve.mfg_number_confidence": c.Resolve.MfgNumberConfidence,
		"resolve.keyword_confidence":    c.Resolve.KeywordConfidence,
	} {
		if v <= 0 || v > 1 {
			problems = append(problems, name+" must be in (0, 1]")
		}
	}
	return problems
}

func (a AuthConfig) validate() []string {
	var problems []string
	switch a.Kind {
	case AuthOAuthRefresh:
		if a.ClientID == "" {
			problems = append(problems, "marketplace.auth.client_id is required")
		}
		if a.RefreshToken == "" {
			problems = append(problems, "marketplace.auth.refresh_token is required")
		}
		if a.TokenURL == "" {
			problems = append(problems, "marketplace.auth.token_url is required")
		}
	case AuthAPIKey:
		if a.APIKey == "" {
			problems = append(problems, "marketplace.auth.api_key is required")
		}
	case AuthNone, "":
	default:
		problems = append(problems, "marketplace.auth.kind must be oauth_refresh, api_key or none")
	}
	return problems
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
