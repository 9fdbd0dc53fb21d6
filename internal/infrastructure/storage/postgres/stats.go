package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"TechThermometer/internal/domain"
)

// Counters derive from non-duplicate articles dated by published_at, falling
// back to first_seen.
const (
	refreshAuthorsSQL = `
UPDATE authors au SET
    total_articles = COALESCE(agg.total, 0),
    first_article_date = agg.first_date,
    last_article_date = agg.last_date,
    updated_at = NOW()
FROM authors base
LEFT JOIN (
    SELECT author_id,
           COUNT(*) AS total,
           MIN(COALESCE(published_at, first_seen)) AS first_date,
           MAX(COALESCE(published_at, first_seen)) AS last_date
    FROM articles
    WHERE site_id = $1 AND NOT is_duplicate AND author_id IS NOT NULL
    GROUP BY author_id
) agg ON agg.author_id = base.id
WHERE au.id = base.id AND base.site_id = $1`

	refreshCategoriesSQL = `
UPDATE categories ca SET
    total_articles = COALESCE(agg.total, 0),
    recent_articles_count = COALESCE(agg.recent, 0),
    first_article_date = agg.first_date,
    last_article_date = agg.last_date,
    updated_at = NOW()
FROM categories base
LEFT JOIN (
    SELECT category_id,
           COUNT(*) AS total,
           COUNT(*) FILTER (WHERE COALESCE(published_at, first_seen) >= $2) AS recent,
           MIN(COALESCE(published_at, first_seen)) AS first_date,
           MAX(COALESCE(published_at, first_seen)) AS last_date
    FROM articles
    WHERE site_id = $1 AND NOT is_duplicate AND category_id IS NOT NULL
    GROUP BY category_id
) agg ON agg.category_id = base.id
WHERE ca.id = base.id AND base.site_id = $1`

	// %s is the categories or articles table.
	updateTrendingSQL = `
UPDATE %s t SET trending_score = COALESCE(s.score, 0)
FROM %s base
LEFT JOIN unnest($2::bigint[], $3::double precision[]) AS s(id, score) ON s.id = base.id
WHERE t.id = base.id AND base.site_id = $1
  AND t.trending_score IS DISTINCT FROM COALESCE(s.score, 0)`
)

var statsUpdateColumns = []string{
	"total_requests", "successful_requests", "failed_requests", "avg_response_time_ms",
	"min_response_time_ms", "max_response_time_ms", "total_response_size_bytes", "retry_count",
	"error_types", "total_articles_found", "new_articles_created", "articles_updated",
	"duplicate_articles_found", "processing_errors", "unique_authors_found",
	"unique_categories_found", "total_word_count", "avg_article_quality", "error_rate",
	"data_quality_score", "content_freshness_score",
}

// UpsertCollectionStats replaces the row of the period.
func (s *Store) UpsertCollectionStats(ctx context.Context, stats domain.CollectionStats) (domain.CollectionStats, error) {
	sets := make([]string, 0, len(statsUpdateColumns)+1)
	for _, c := range statsUpdateColumns {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	sets = append(sets, "updated_at = NOW()")

	q := s.sb.Insert("collection_stats").
		Columns(append([]string{"site_id", "period_start", "period_end", "period_type"}, statsUpdateColumns...)...).
		Values(stats.SiteID, stats.PeriodStart.UTC(), stats.PeriodEnd.UTC(), string(stats.PeriodType),
			stats.TotalRequests, stats.SuccessfulRequests, stats.FailedRequests, stats.AvgResponseTimeMs,
			stats.MinResponseTimeMs, stats.MaxResponseTimeMs, stats.TotalResponseSizeBytes, stats.RetryCount,
			jsonCounts(stats.ErrorTypes), stats.TotalArticlesFound, stats.NewArticlesCreated,
			stats.ArticlesUpdated, stats.DuplicateArticlesFound, stats.ProcessingErrors,
			stats.UniqueAuthorsFound, stats.UniqueCategoriesFound, stats.TotalWordCount,
			stats.AvgArticleQuality, stats.ErrorRate, stats.DataQualityScore, stats.ContentFreshnessScore).
		Suffix("ON CONFLICT (site_id, period_start, period_end, period_type) DO UPDATE SET " +
			strings.Join(sets, ", ") + " RETURNING id")

	var id int64
	if err := get(ctx, s.db, &id, q); err != nil {
		return domain.CollectionStats{}, fmt.Errorf("upsert stats: %w", err)
	}
	stats.ID = id
	return stats, nil
}

// GetCollectionStats loads the row of a period.
func (s *Store) GetCollectionStats(ctx context.Context, siteID int64, period domain.Period) (domain.CollectionStats, error) {
	q := s.sb.Select(statsColumns...).From("collection_stats").Where(sq.Eq{
		"site_id":      siteID,
		"period_start": period.Start.UTC(),
		"period_end":   period.End.UTC(),
		"period_type":  string(period.Type),
	})
	var row statsRow
	if err := get(ctx, s.db, &row, q); err != nil {
		return domain.CollectionStats{}, fmt.Errorf("get stats: %w", err)
	}
	return row.toDomain(), nil
}

// RefreshReferenceCounters recomputes author and category counters in one transaction.
func (s *Store) RefreshReferenceCounters(ctx context.Context, siteID int64, recentSince time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, refreshAuthorsSQL, siteID); err != nil {
		return fmt.Errorf("refresh author counters: %w", mapError(err))
	}
	if _, err := tx.ExecContext(ctx, refreshCategoriesSQL, siteID, recentSince); err != nil {
		return fmt.Errorf("refresh category counters: %w", mapError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit counters: %w", err)
	}
	return nil
}

// ListCategories returns the site's categories ordered by name.
func (s *Store) ListCategories(ctx context.Context, siteID int64) ([]domain.Category, error) {
	q := s.sb.Select("id", "site_id", "name", "total_articles", "recent_articles_count",
		"first_article_date", "last_article_date", "trending_score").
		From("categories").
		Where(sq.Eq{"site_id": siteID, "is_deleted": false}).
		OrderBy("name")
	var rows []categoryRow
	if err := selectAll(ctx, s.db, &rows, q); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	out := make([]domain.Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Category{
			ID:                  r.ID,
			SiteID:              r.SiteID,
			Name:                r.Name,
			TotalArticles:       r.TotalArticles,
			RecentArticlesCount: r.RecentArticlesCount,
			FirstArticleDate:    utcPtr(r.FirstArticleDate),
			LastArticleDate:     utcPtr(r.LastArticleDate),
			TrendingScore:       r.TrendingScore,
		})
	}
	return out, nil
}

// ListAuthors returns the site's authors ordered by name.
func (s *Store) ListAuthors(ctx context.Context, siteID int64) ([]domain.Author, error) {
	q := s.sb.Select("id", "site_id", "name", "total_articles", "first_article_date", "last_article_date").
		From("authors").
		Where(sq.Eq{"site_id": siteID, "is_deleted": false}).
		OrderBy("name")
	var rows []authorRow
	if err := selectAll(ctx, s.db, &rows, q); err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	out := make([]domain.Author, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Author{
			ID:               r.ID,
			SiteID:           r.SiteID,
			Name:             r.Name,
			TotalArticles:    r.TotalArticles,
			FirstArticleDate: utcPtr(r.FirstArticleDate),
			LastArticleDate:  utcPtr(r.LastArticleDate),
		})
	}
	return out, nil
}

// UpdateCategoryTrending replaces the trending scores of the site's categories.
func (s *Store) UpdateCategoryTrending(ctx context.Context, siteID int64, scores []domain.TrendingScore) error {
	return s.updateTrending(ctx, "categories", siteID, scores)
}

// UpdateArticleTrending replaces the trending scores of the site's articles.
func (s *Store) UpdateArticleTrending(ctx context.Context, siteID int64, scores []domain.TrendingScore) error {
	return s.updateTrending(ctx, "articles", siteID, scores)
}

func (s *Store) updateTrending(ctx context.Context, table string, siteID int64, scores []domain.TrendingScore) error {
	ids := make(pq.Int64Array, 0, len(scores))
	values := make(pq.Float64Array, 0, len(scores))
	for _, sc := range scores {
		ids = append(ids, sc.ID)
		values = append(values, sc.Score)
	}
	query := fmt.Sprintf(updateTrendingSQL, table, table)
	if _, err := s.db.ExecContext(ctx, query, siteID, ids, values); err != nil {
		return fmt.Errorf("update %s trending: %w", table, mapError(err))
	}
	return nil
}
