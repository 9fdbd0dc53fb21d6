package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

const freshnessPenaltyPerDay = 2.0

// StatsConfig tunes the trending computation.
type StatsConfig struct {
	// DecayConstant is the e-folding time of an event's trending weight.
	DecayConstant time.Duration
	// Lookback bounds which events contribute to trending scores.
	Lookback time.Duration
	// RecentWindow defines a category's recent_articles_count.
	RecentWindow time.Duration
}

// DefaultStatsConfig mirrors the defaults of the configuration file.
func DefaultStatsConfig() StatsConfig {
	return StatsConfig{
		DecayConstant: 72 * time.Hour,
		Lookback:      30 * 24 * time.Hour,
		RecentWindow:  7 * 24 * time.Hour,
	}
}

// StatsDeps wires the aggregator to storage.
type StatsDeps struct {
	Snapshots ports.SnapshotRepository
	Articles  ports.ArticleRepository
	Stats     ports.StatsRepository
	Metrics   ports.Metrics
	Logger    *slog.Logger
	Config    StatsConfig
	Now       func() time.Time
}

// StatsAggregator recomputes per-period rollups, reference counters and trending scores.
type StatsAggregator struct {
	snapshots ports.SnapshotRepository
	articles  ports.ArticleRepository
	stats     ports.StatsRepository
	metrics   ports.Metrics
	logger    *slog.Logger
	cfg       StatsConfig
	now       func() time.Time
}

// NewStatsAggregator constructs the aggregator.
func NewStatsAggregator(deps StatsDeps) *StatsAggregator {
	a := &StatsAggregator{
		snapshots: deps.Snapshots,
		articles:  deps.Articles,
		stats:     deps.Stats,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       deps.Config,
		now:       deps.Now,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "stats")
	if a.cfg.DecayConstant <= 0 {
		a.cfg.DecayConstant = DefaultStatsConfig().DecayConstant
	}
	if a.cfg.Lookback <= 0 {
		a.cfg.Lookback = DefaultStatsConfig().Lookback
	}
	if a.cfg.RecentWindow <= 0 {
		a.cfg.RecentWindow = DefaultStatsConfig().RecentWindow
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a
}

// Aggregate recomputes the stats row of period and replaces the stored one,
// then refreshes the derived counters and trending scores as of period end.
func (a *StatsAggregator) Aggregate(ctx context.Context, site domain.Site, period domain.Period) (domain.CollectionStats, error) {
	started := a.now()

	stats, err := a.Compute(ctx, site.ID, period)
	if err != nil {
		return domain.CollectionStats{}, err
	}
	saved, err := a.stats.UpsertCollectionStats(ctx, stats)
	if err != nil {
		return domain.CollectionStats{}, fmt.Errorf("upsert stats for %s: %w", site.Key, err)
	}

	if err := a.stats.RefreshReferenceCounters(ctx, site.ID, period.End.Add(-a.cfg.RecentWindow)); err != nil {
		return saved, fmt.Errorf("refresh counters for %s: %w", site.Key, err)
	}
	if err := a.RefreshTrending(ctx, site, period.End); err != nil {
		return saved, err
	}

	if a.metrics != nil {
		a.metrics.ObserveAggregation(site.Key, period.Type, a.now().Sub(started))
	}
	a.logger.Info("stats aggregated",
		"site", site.Key,
		"period_type", period.Type,
		"period_start", period.Start,
		"requests", saved.TotalRequests,
		"error_rate", saved.ErrorRate)
	return saved, nil
}

// Compute derives the stats of one period without persisting them.
func (a *StatsAggregator) Compute(ctx context.Context, siteID int64, period domain.Period) (domain.CollectionStats, error) {
	stats := domain.CollectionStats{
		SiteID:      siteID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		PeriodType:  period.Type,
		ErrorTypes:  map[string]int{},
	}

	snapshots, err := a.snapshots.ListSnapshots(ctx, siteID, period.Start, period.End)
	if err != nil {
		return stats, fmt.Errorf("list snapshots: %w", err)
	}
	applyRequestCounters(&stats, snapshots)

	// Content counters only see articles with an event inside the period, so a
	// closed period does not pick up articles re-seen later.
	articles, err := a.articles.ListArticlesActiveBetween(ctx, siteID, period.Start, period.End)
	if err != nil {
		return stats, fmt.Errorf("list articles: %w", err)
	}
	history, err := a.articles.ListHistoryBetween(ctx, siteID, period.Start, period.End)
	if err != nil {
		return stats, fmt.Errorf("list history: %w", err)
	}
	applyContentCounters(&stats, period, articles, history)
	return stats, nil
}

func applyRequestCounters(stats *domain.CollectionStats, snapshots []domain.Snapshot) {
	var (
		totalTime    int64
		totalQuality float64
	)
	for _, s := range snapshots {
		stats.TotalRequests++
		if s.IsSuccessful() {
			stats.SuccessfulRequests++
		} else {
			stats.FailedRequests++
			stats.ErrorTypes[failureType(s)]++
		}
		if s.IsRetry {
			stats.RetryCount++
		}
		stats.TotalResponseSizeBytes += s.ResponseSizeBytes

		rt := s.ResponseTimeMs
		totalTime += rt
		if stats.MinResponseTimeMs == nil || rt < *stats.MinResponseTimeMs {
			stats.MinResponseTimeMs = &rt
		}
		if stats.MaxResponseTimeMs == nil || rt > *stats.MaxResponseTimeMs {
			v := rt
			stats.MaxResponseTimeMs = &v
		}

		if s.IsProcessed() {
			stats.TotalArticlesFound += s.ProcessedCount + s.ErrorCount
			stats.ProcessingErrors += s.ErrorCount
		}
		totalQuality += SnapshotQuality(s, s.ErrorCount)
	}

	if stats.TotalRequests == 0 {
		stats.ErrorRate = 0
		return
	}
	n := float64(stats.TotalRequests)
	avg := float64(totalTime) / n
	stats.AvgResponseTimeMs = &avg
	quality := totalQuality / n
	stats.DataQualityScore = &quality
	stats.ErrorRate = float64(stats.FailedRequests) / n
}

func applyContentCounters(stats *domain.CollectionStats, period domain.Period, articles []domain.Article, history []domain.History) {
	authors := map[int64]struct{}{}
	categories := map[int64]struct{}{}
	var (
		qualitySum  float64
		counted     int
		ageDaysSum  float64
		withPublish int
	)

	for _, art := range articles {
		if art.IsDuplicate {
			if period.Contains(art.FirstSeen) {
				stats.DuplicateArticlesFound++
			}
			continue
		}
		if period.Contains(art.FirstSeen) {
			stats.NewArticlesCreated++
		}
		if art.AuthorID != nil {
			authors[*art.AuthorID] = struct{}{}
		}
		if art.CategoryID != nil {
			categories[*art.CategoryID] = struct{}{}
		}
		stats.TotalWordCount += art.WordCount
		qualitySum += art.QualityScore
		counted++

		if art.PublishedAt != nil && !art.PublishedAt.After(period.End) {
			ageDaysSum += period.End.Sub(*art.PublishedAt).Hours() / 24
			withPublish++
		}
	}

	updated := map[int64]struct{}{}
	for _, h := range history {
		updated[h.ArticleID] = struct{}{}
	}
	stats.ArticlesUpdated = len(updated)
	stats.UniqueAuthorsFound = len(authors)
	stats.UniqueCategoriesFound = len(categories)

	if counted > 0 {
		avg := qualitySum / float64(counted)
		stats.AvgArticleQuality = &avg
	}
	if withPublish > 0 {
		freshness := math.Max(0, 100-freshnessPenaltyPerDay*ageDaysSum/float64(withPublish))
		stats.ContentFreshnessScore = &freshness
	}
}

// RefreshTrending recomputes category and article trending scores as of asOf.
// An event at t weighs exp(-(asOf-t)/DecayConstant); events older than the
// lookback window or after asOf are ignored.
func (a *StatsAggregator) RefreshTrending(ctx context.Context, site domain.Site, asOf time.Time) error {
	from := asOf.Add(-a.cfg.Lookback)

	articles, err := a.articles.ListArticlesSeenBetween(ctx, site.ID, from, asOf)
	if err != nil {
		return fmt.Errorf("list trending articles: %w", err)
	}
	history, err := a.articles.ListHistoryBetween(ctx, site.ID, from, asOf)
	if err != nil {
		return fmt.Errorf("list trending history: %w", err)
	}

	inWindow := func(t time.Time) bool { return !t.Before(from) && t.Before(asOf) }
	weight := func(t time.Time) float64 {
		return math.Exp(-float64(asOf.Sub(t)) / float64(a.cfg.DecayConstant))
	}

	categoryScores := map[int64]*domain.TrendingScore{}
	articleScores := map[int64]*domain.TrendingScore{}
	add := func(scores map[int64]*domain.TrendingScore, id int64, t time.Time) {
		s, ok := scores[id]
		if !ok {
			s = &domain.TrendingScore{ID: id}
			scores[id] = s
		}
		s.Score += weight(t)
		s.Events++
	}

	for _, art := range articles {
		if art.IsDuplicate {
			continue
		}
		event := art.FirstSeen
		if art.PublishedAt != nil {
			event = *art.PublishedAt
		}
		if !inWindow(event) {
			continue
		}
		add(articleScores, art.ID, event)
		if art.CategoryID != nil {
			add(categoryScores, *art.CategoryID, event)
		}
	}
	for _, h := range history {
		if h.IsSignificant && inWindow(h.ChangedAt) {
			add(articleScores, h.ArticleID, h.ChangedAt)
		}
	}

	categories := RankTrending(categoryScores)
	if err := a.stats.UpdateCategoryTrending(ctx, site.ID, categories); err != nil {
		return fmt.Errorf("update category trending: %w", err)
	}
	if err := a.stats.UpdateArticleTrending(ctx, site.ID, RankTrending(articleScores)); err != nil {
		return fmt.Errorf("update article trending: %w", err)
	}
	if len(categories) > 0 {
		a.logger.Debug("trending refreshed", "site", site.Key, "top_category", categories[0].ID, "score", categories[0].Score)
	}
	return nil
}

// RankTrending orders scores by score, then by raw event count, then by id.
func RankTrending(scores map[int64]*domain.TrendingScore) []domain.TrendingScore {
	ranked := make([]domain.TrendingScore, 0, len(scores))
	for _, s := range scores {
		s.Score = math.Round(s.Score*1e6) / 1e6
		ranked = append(ranked, *s)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Events != ranked[j].Events {
			return ranked[i].Events > ranked[j].Events
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}
