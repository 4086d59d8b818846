package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/batch"
	"github.com/sells-group/catalog-cli/internal/config"
	"github.com/sells-group/catalog-cli/internal/enrich"
	"github.com/sells-group/catalog-cli/internal/metrics"
	"github.com/sells-group/catalog-cli/internal/ratelimit"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/resolve"
	"github.com/sells-group/catalog-cli/internal/scorer"
	"github.com/sells-group/catalog-cli/internal/store"
	"github.com/sells-group/catalog-cli/pkg/marketplace"
)

// catalogEnv holds the store and the resolution stack shared by the
// resolve, run-batch, serve and schedule commands.
type catalogEnv struct {
	Store        store.Store
	Metrics      *metrics.Metrics
	Resolver     *enrich.Resolver
	Recommender  *scorer.Recommender
	Orchestrator *batch.Orchestrator
}

// Close releases resources held by the environment.
func (e *catalogEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initCatalog validates cfg for mode and builds the store, limiter,
// marketplace client, external resolver, recommender and orchestrator.
// Callers should defer env.Close().
func initCatalog(ctx context.Context, mode string) (*catalogEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &catalogEnv{Store: st, Metrics: metrics.New()}

	if err := env.build(); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (e *catalogEnv) build() error {
	limiter, err := ratelimit.New(ratelimit.Config{
		Rate:  cfg.RateLimit.Rate,
		Burst: cfg.RateLimit.Burst,
	}, ratelimit.WithObserver(e.Metrics))
	if err != nil {
		return err
	}

	auth, err := newAuthenticator(cfg.Marketplace.Auth)
	if err != nil {
		return err
	}

	breaker := resilience.CircuitSettings(cfg.Circuit).Breaker(func(from, to resilience.CircuitState) {
		e.Metrics.ObserveCircuit(from, to)
		zap.L().Warn("marketplace circuit changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	})

	opts := []marketplace.Option{
		marketplace.WithAuth(auth),
		marketplace.WithMarketplaceID(cfg.Marketplace.MarketplaceID),
		marketplace.WithBreaker(breaker),
		marketplace.WithObserver(e.Metrics),
	}
	if cfg.Marketplace.TimeoutSecs > 0 {
		opts = append(opts, marketplace.WithTimeout(time.Duration(cfg.Marketplace.TimeoutSecs)*time.Second))
	}
	client, err := marketplace.NewClient(cfg.Marketplace.BaseURL, limiter, opts...)
	if err != nil {
		return err
	}

	e.Resolver, err = enrich.NewResolver(
		enrich.Deps{Client: client, States: e.Store, Links: e.Store},
		enrich.OptionsFromConfig(cfg.Resolve),
		resolve.Options{
			RetryAfter:       cfg.Resolve.RetryAfter(),
			TransientBackoff: cfg.Resolve.TransientBackoff(),
			Retry:            resilience.RetrySettings(cfg.Retry).Retry(),
			Observer:         e.Metrics.Resolver("external"),
		},
	)
	if err != nil {
		return err
	}

	engine, err := scorer.NewEngine(cfg.Scoring)
	if err != nil {
		return err
	}
	e.Recommender = scorer.NewRecommender(engine, e.Store)

	batchOpts := []batch.Option{batch.WithObserver(e.Metrics)}
	if cfg.Batch.Score {
		batchOpts = append(batchOpts, batch.WithRecommender(e.Recommender))
	}
	e.Orchestrator, err = batch.New(e.Store, e.Resolver, batch.Config{
		ChunkSize:    cfg.Batch.ChunkSize,
		Concurrency:  cfg.Batch.Concurrency,
		LimiterBurst: cfg.RateLimit.Burst,
		Pacing:       time.Duration(cfg.Batch.PacingMs) * time.Millisecond,
	}, batchOpts...)
	return err
}

// newAuthenticator builds the marketplace credential flow from the auth
// union.
func newAuthenticator(a config.AuthConfig) (marketplace.Authenticator, error) {
	switch a.Kind {
	case config.AuthOAuthRefresh:
		return marketplace.NewOAuthRefresh(marketplace.OAuthRefreshConfig{
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			RefreshToken: a.RefreshToken,
			TokenURL:     a.TokenURL,
		})
	case config.AuthAPIKey:
		return marketplace.APIKeyAuth{Header: a.APIKeyHeader, Key: a.APIKey}, nil
	case config.AuthNone, "":
		return marketplace.NoAuth{}, nil
	}
	return nil, eris.Errorf("unsupported marketplace auth kind: %s", a.Kind)
}
