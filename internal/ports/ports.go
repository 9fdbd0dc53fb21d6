package ports

import (
	"context"
	"time"

	"TechThermometer/internal/domain"
)

// Transport performs one raw request for the collector.
type Transport interface {
	Fetch(ctx context.Context, req domain.FetchRequest) (domain.FetchResponse, error)
}

// Classifier assigns a category to article text.
type Classifier interface {
	Classify(ctx context.Context, text string) (domain.Classification, error)
}

// Extractor turns an opaque snapshot payload into loosely typed records.
// Per-item problems are returned alongside the records instead of failing the batch.
type Extractor interface {
	Format() domain.PayloadFormat
	Extract(payload []byte, baseURL string) ([]domain.Record, []error)
}

// SiteRepository persists site configuration and health counters.
type SiteRepository interface {
	UpsertSite(ctx context.Context, site domain.Site) (domain.Site, error)
	GetSite(ctx context.Context, id int64) (domain.Site, error)
	GetSiteByKey(ctx context.Context, key string) (domain.Site, error)
	ListActiveSites(ctx context.Context) ([]domain.Site, error)
	RecordCollectionSuccess(ctx context.Context, id int64, at time.Time) error
	RecordCollectionFailure(ctx context.Context, id int64) (int, error)
	SoftDeleteSite(ctx context.Context, id int64, at time.Time) error
}

// SnapshotRepository is the append-only store of raw captures.
type SnapshotRepository interface {
	CreateSnapshot(ctx context.Context, snapshot domain.Snapshot) (domain.Snapshot, error)
	GetSnapshot(ctx context.Context, id int64) (domain.Snapshot, error)
	MarkSnapshotProcessed(ctx context.Context, id int64, outcome domain.ProcessingOutcome) error
	ListSnapshots(ctx context.Context, siteID int64, from, to time.Time) ([]domain.Snapshot, error)
	ListUnprocessedSnapshots(ctx context.Context, siteID int64) ([]domain.Snapshot, error)
}

// ArticleTx is the transactional view used by the resolver for one record.
// Find methods return a nil article and a nil error when nothing matches.
type ArticleTx interface {
	FindArticleByExternalID(ctx context.Context, siteID int64, externalID string) (*domain.Article, error)
	FindCanonicalByURL(ctx context.Context, siteID int64, canonicalURL string) (*domain.Article, error)
	GetArticle(ctx context.Context, id int64) (*domain.Article, error)
	InsertArticle(ctx context.Context, article domain.Article) (domain.Article, error)
	UpdateArticle(ctx context.Context, article domain.Article, expectedLastSeen time.Time) error
	InsertHistory(ctx context.Context, entries []domain.History) error
	GetOrCreateAuthor(ctx context.Context, siteID int64, name string) (int64, error)
	GetOrCreateCategory(ctx context.Context, siteID int64, name string) (int64, error)
}

// ArticleRepository persists the article catalog and its history.
type ArticleRepository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx ArticleTx) error) error
	GetArticleByExternalID(ctx context.Context, siteID int64, externalID string) (domain.Article, error)
	ListArticlesSeenBetween(ctx context.Context, siteID int64, from, to time.Time) ([]domain.Article, error)
	// ListArticlesActiveBetween returns articles created or changed in [from, to).
	ListArticlesActiveBetween(ctx context.Context, siteID int64, from, to time.Time) ([]domain.Article, error)
	ListHistory(ctx context.Context, articleID int64) ([]domain.History, error)
	ListHistoryBetween(ctx context.Context, siteID int64, from, to time.Time) ([]domain.History, error)
}

// StatsRepository persists derived metrics owned by the stats aggregator.
type StatsRepository interface {
	UpsertCollectionStats(ctx context.Context, stats domain.CollectionStats) (domain.CollectionStats, error)
	GetCollectionStats(ctx context.Context, siteID int64, period domain.Period) (domain.CollectionStats, error)
	RefreshReferenceCounters(ctx context.Context, siteID int64, recentSince time.Time) error
	ListCategories(ctx context.Context, siteID int64) ([]domain.Category, error)
	ListAuthors(ctx context.Context, siteID int64) ([]domain.Author, error)
	// Trending updates replace every score of the site; ids missing from scores drop to zero.
	UpdateCategoryTrending(ctx context.Context, siteID int64, scores []domain.TrendingScore) error
	UpdateArticleTrending(ctx context.Context, siteID int64, scores []domain.TrendingScore) error
}

// Store bundles every repository served by one storage backend.
type Store interface {
	SiteRepository
	SnapshotRepository
	ArticleRepository
	StatsRepository
	Close() error
}

// KeyLocker serializes work on a logical key across goroutines or processes.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RateLimiter throttles cycle starts per site.
type RateLimiter interface {
	Wait(ctx context.Context, site domain.Site) error
}

// Metrics records pipeline observations.
type Metrics interface {
	ObserveCollection(site string, success bool, attempts int, elapsed time.Duration)
	ObserveResolution(site string, result domain.ResolutionResult)
	ObserveHistory(site string, changeType domain.ChangeType)
	ObserveAggregation(site string, period domain.PeriodType, elapsed time.Duration)
}

// Notifier streams operational alerts to Telegram or other channels.
type Notifier interface {
	PublishAlert(ctx context.Context, message string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
