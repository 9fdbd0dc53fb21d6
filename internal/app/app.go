package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"TechThermometer/internal/config"
	"TechThermometer/internal/domain"
	"TechThermometer/internal/extract"
	"TechThermometer/internal/infrastructure/llm"
	"TechThermometer/internal/infrastructure/lock"
	"TechThermometer/internal/infrastructure/metrics"
	"TechThermometer/internal/infrastructure/ml"
	"TechThermometer/internal/infrastructure/parser"
	"TechThermometer/internal/infrastructure/ratelimit"
	"TechThermometer/internal/infrastructure/scheduler"
	"TechThermometer/internal/infrastructure/storage/memory"
	"TechThermometer/internal/infrastructure/storage/postgres"
	"TechThermometer/internal/infrastructure/telegram"
	"TechThermometer/internal/infrastructure/transport"
	"TechThermometer/internal/logging"
	"TechThermometer/internal/ports"
	"TechThermometer/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	store   ports.Store
	redis   *redis.Client
	metrics *metrics.Prometheus

	registry  *usecase.SiteRegistry
	pipeline  *usecase.Pipeline
	stats     *usecase.StatsAggregator
	scheduler *usecase.Scheduler
}

// New builds every adapter named by cfg and the use cases on top of them.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := scheduler.Validate(cfg.Scheduler.CronExpression); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{cfg: cfg, logger: baseLogger, metrics: metrics.NewPrometheus()}

	store, err := openStore(ctx, cfg, baseLogger)
	if err != nil {
		return nil, err
	}
	a.store = store

	locker, err := a.buildLocker(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.registry = usecase.NewSiteRegistry(store, baseLogger)
	collector := usecase.NewCollector(usecase.CollectorDeps{
		Registry:  a.registry,
		Snapshots: store,
		Transport: transport.NewHTTPTransport(&http.Client{}, cfg.Collection.MaxBodyBytes),
		Metrics:   a.metrics,
		Logger:    baseLogger,
		Config: usecase.CollectorConfig{
			MaxRetryDelay: cfg.Collection.MaxRetryDelay,
			UserAgent:     cfg.Collection.UserAgent,
		},
	})
	resolver := usecase.NewArticleResolver(usecase.ResolverDeps{
		Sites:      store,
		Snapshots:  store,
		Articles:   store,
		Extractors: extract.NewRegistry(parser.NewJSONExtractor(), parser.NewRSSExtractor()),
		Tracker: usecase.NewChangeTracker(usecase.ChangeTrackerConfig{
			IgnoreCaseAndSpace:   cfg.Changes.IgnoreCaseAndSpace,
			MinTextChangeRatio:   cfg.Changes.MinTextChangeRatio,
			FuzzyMatchConfidence: cfg.Changes.FuzzyMatchConfidence,
		}),
		Locker:     locker,
		Classifier: buildClassifier(cfg),
		Metrics:    a.metrics,
		Logger:     baseLogger,
		Config:     usecase.ResolverConfig{ClassifierMinConfidence: cfg.Classifier.MinConfidence},
	})
	a.stats = usecase.NewStatsAggregator(usecase.StatsDeps{
		Snapshots: store,
		Articles:  store,
		Stats:     store,
		Metrics:   a.metrics,
		Logger:    baseLogger,
		Config: usecase.StatsConfig{
			DecayConstant: cfg.Stats.DecayConstant,
			Lookback:      cfg.Stats.Lookback,
			RecentWindow:  cfg.Stats.RecentWindow,
		},
	})

	pipelineDeps := usecase.PipelineDeps{
		Registry:   a.registry,
		Collector:  collector,
		Resolver:   resolver,
		Aggregator: a.stats,
		Snapshots:  store,
		Limiter:    ratelimit.NewSiteLimiter(baseLogger),
		Logger:     baseLogger,
		Config: usecase.PipelineConfig{
			Workers:        cfg.Collection.Workers,
			AlertThreshold: cfg.Alerts.ErrorThreshold,
			PeriodTypes:    cfg.PeriodTypes(),
		},
	}
	if tg := cfg.Notifications.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		pipelineDeps.Notifier = telegram.NewNotifier(tg.APIURL, tg.BotToken, tg.ChatID)
	}
	a.pipeline = usecase.NewPipeline(pipelineDeps)

	cron := scheduler.NewCronScheduler(cfg.Scheduler.CronExpression, cfg.Scheduler.Location(), cfg.Scheduler.RunOnStart, baseLogger)
	a.scheduler = usecase.NewScheduler(cron, a.pipeline, baseLogger)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.Store, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("using in-memory storage; data is lost on exit")
		return memory.NewStore(), nil
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(cfg.Database.DSN, logger); err != nil {
			return nil, err
		}
	}
	store, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildLocker prefers Redis so several processes can share a database.
func (a *Application) buildLocker(ctx context.Context) (ports.KeyLocker, error) {
	if a.cfg.Redis.Address == "" {
		return lock.NewKeyedMutex(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Address,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", a.cfg.Redis.Address, err)
	}
	return lock.NewRedisLocker(a.redis, lock.RedisConfig{TTL: a.cfg.Redis.LockTTL}, a.logger), nil
}

func buildClassifier(cfg config.Config) ports.Classifier {
	switch cfg.Classifier.Provider {
	case config.ClassifierML:
		return ml.NewClient(cfg.ML.InferenceURL, cfg.ML.APIKey, cfg.ML.Timeout)
	case config.ClassifierChatGPT:
		return llm.NewChatGPTClient(cfg.ChatGPT)
	default:
		return nil
	}
}

// SyncSites stores the configured sites.
func (a *Application) SyncSites(ctx context.Context) ([]domain.Site, error) {
	sites, err := a.registry.Sync(ctx, a.cfg.DomainSites())
	if err != nil {
		a.logger.Warn("some sites were skipped", "error", err)
	}
	if len(sites) == 0 && len(a.cfg.Sites) > 0 {
		return nil, fmt.Errorf("no valid sites: %w", err)
	}
	return sites, nil
}

// Run serves metrics and triggers collection rounds until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if _, err := a.SyncSites(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		go func() { errCh <- metrics.Serve(ctx, addr, a.metrics.Handler(), a.logger) }()
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return errors.Join(runErr, a.scheduler.Stop(stopCtx))
}

// Collect runs one cycle for siteKey, or for every active site when siteKey is empty.
func (a *Application) Collect(ctx context.Context, siteKey string) ([]usecase.CycleReport, error) {
	if _, err := a.SyncSites(ctx); err != nil {
		return nil, err
	}
	if siteKey == "" {
		return nil, a.pipeline.RunAll(ctx)
	}
	site, err := a.registry.Get(ctx, siteKey)
	if err != nil {
		return nil, err
	}
	report, err := a.pipeline.RunCycle(ctx, site)
	return []usecase.CycleReport{report}, err
}

// Replay resolves the unprocessed snapshots of siteKey.
func (a *Application) Replay(ctx context.Context, siteKey string) ([]domain.ResolutionResult, error) {
	site, err := a.registry.Get(ctx, siteKey)
	if err != nil {
		return nil, err
	}
	return a.pipeline.Replay(ctx, site)
}

// Aggregate recomputes the stats of the period of typ containing at.
func (a *Application) Aggregate(ctx context.Context, siteKey string, typ domain.PeriodType, at time.Time) (domain.CollectionStats, error) {
	site, err := a.registry.Get(ctx, siteKey)
	if err != nil {
		return domain.CollectionStats{}, err
	}
	period, err := domain.PeriodFor(at, typ)
	if err != nil {
		return domain.CollectionStats{}, err
	}
	return a.stats.Aggregate(ctx, site, period)
}

// Close releases storage and Redis connections.
func (a *Application) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
