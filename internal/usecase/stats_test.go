package usecase

import (
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TechThermometer/internal/domain"
)

func hourOf(t *testing.T, at time.Time) domain.Period {
	t.Helper()
	period, err := domain.PeriodFor(at, domain.PeriodHour)
	require.NoError(t, err)
	return period
}

func TestAggregateIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.transport.results = []fetchResult{
		status(http.StatusServiceUnavailable),
		okJSON(`[{"id":"A1","title":"One","url":"http://s/1"},{"id":"A2","title":"Two","url":"http://s/2"}]`),
	}

	snapshot, err := env.collector.Collect(env.ctx, env.site)
	require.NoError(t, err)
	_, err = env.resolver.Resolve(env.ctx, snapshot)
	require.NoError(t, err)

	period := hourOf(t, baseTime)
	first, err := env.stats.Aggregate(env.ctx, env.site, period)
	require.NoError(t, err)

	assert.Equal(t, 2, first.TotalRequests)
	assert.Equal(t, 1, first.SuccessfulRequests)
	assert.Equal(t, 1, first.FailedRequests)
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, map[string]int{"http_503": 1}, first.ErrorTypes)
	assert.InDelta(t, 0.5, first.ErrorRate, 1e-9)
	require.NotNil(t, first.AvgResponseTimeMs)
	assert.InDelta(t, 100.0, *first.AvgResponseTimeMs, 1e-9)
	assert.EqualValues(t, 80, *first.MinResponseTimeMs)
	assert.EqualValues(t, 120, *first.MaxResponseTimeMs)
	assert.Equal(t, 2, first.TotalArticlesFound)
	assert.Equal(t, 2, first.NewArticlesCreated)
	assert.Equal(t, 0, first.ProcessingErrors)

	second, err := env.stats.Aggregate(env.ctx, env.site, period)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := env.store.GetCollectionStats(env.ctx, env.site.ID, period)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, first.TotalRequests, stored.TotalRequests)
}

func TestAggregateClosedPeriodIgnoresLaterActivity(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	payload := `[{"id":"A1","title":"Launch day notes","url":"http://s/1","author":"Bob","content":"Notes from launch day"}]`

	env.resolve(t, baseTime.Add(5*time.Minute), payload)

	created := hourOf(t, baseTime)
	quiet := hourOf(t, baseTime.Add(time.Hour))
	createdFirst, err := env.stats.Aggregate(env.ctx, env.site, created)
	require.NoError(t, err)
	quietFirst, err := env.stats.Aggregate(env.ctx, env.site, quiet)
	require.NoError(t, err)

	assert.Equal(t, 1, createdFirst.NewArticlesCreated)
	assert.Equal(t, 1, createdFirst.UniqueAuthorsFound)
	assert.Equal(t, 4, createdFirst.TotalWordCount)
	assert.Equal(t, 0, quietFirst.UniqueAuthorsFound)
	assert.Equal(t, 0, quietFirst.TotalWordCount)
	assert.Nil(t, quietFirst.AvgArticleQuality)

	env.resolve(t, baseTime.Add(150*time.Minute), payload)
	assert.True(t, env.article(t, "A1").LastSeen.Equal(baseTime.Add(150*time.Minute)))

	createdSecond, err := env.stats.Aggregate(env.ctx, env.site, created)
	require.NoError(t, err)
	quietSecond, err := env.stats.Aggregate(env.ctx, env.site, quiet)
	require.NoError(t, err)
	assert.Equal(t, createdFirst, createdSecond)
	assert.Equal(t, quietFirst, quietSecond)
}

func TestComputeCountsArticlesChangedInPeriod(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.resolve(t, baseTime.Add(5*time.Minute), `[{"id":"A1","title":"Launch day notes","url":"http://s/1","author":"Bob","content":"Notes from launch day"}]`)
	env.resolve(t, baseTime.Add(70*time.Minute), `[{"id":"A1","title":"Launch day notes and benchmarks","url":"http://s/1","author":"Bob","content":"Notes from launch day"}]`)

	stats, err := env.stats.Compute(env.ctx, env.site.ID, hourOf(t, baseTime.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NewArticlesCreated)
	assert.Equal(t, 1, stats.ArticlesUpdated)
	assert.Equal(t, 1, stats.UniqueAuthorsFound)
	require.NotNil(t, stats.AvgArticleQuality)
}

func TestAggregateEmptyPeriod(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	stats, err := env.stats.Aggregate(env.ctx, env.site, hourOf(t, baseTime.Add(-48*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalRequests)
	assert.Zero(t, stats.ErrorRate)
	assert.Nil(t, stats.AvgResponseTimeMs)
	assert.Nil(t, stats.AvgArticleQuality)
	assert.Empty(t, stats.ErrorTypes)
}

func TestComputeContentCounters(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.resolve(t, baseTime, `[
		{"id":"A1","title":"Fresh","url":"http://s/1","date":"2025-03-06T00:00:00Z","author":"Ann","category":"AI"},
		{"id":"A2","title":"Other","url":"http://s/1?utm_source=x","author":"Bob"}
	]`)
	env.resolve(t, baseTime.Add(time.Hour), `[{"id":"A1","title":"Fresh take","url":"http://s/1"}]`)
	env.resolve(t, baseTime.Add(2*time.Hour), `[{"id":"A1","title":"Fresh take, updated","url":"http://s/1"}]`)

	day, err := domain.PeriodFor(baseTime, domain.PeriodDay)
	require.NoError(t, err)
	stats, err := env.stats.Compute(env.ctx, env.site.ID, day)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.NewArticlesCreated)
	assert.Equal(t, 1, stats.DuplicateArticlesFound)
	assert.Equal(t, 1, stats.ArticlesUpdated)
	assert.Equal(t, 1, stats.UniqueAuthorsFound)
	assert.Equal(t, 1, stats.UniqueCategoriesFound)
	require.NotNil(t, stats.ContentFreshnessScore)
	assert.InDelta(t, 90.0, *stats.ContentFreshnessScore, 1e-9)
	require.NotNil(t, stats.AvgArticleQuality)
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 4, stats.TotalArticlesFound)
}

func TestRefreshTrendingDecaysAndHonorsLookback(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	asOf := baseTime.Add(time.Hour)

	env.resolve(t, baseTime, `[
		{"id":"A1","title":"Recent","url":"http://s/1","date":"2025-03-07T13:00:00Z","category":"AI"},
		{"id":"A2","title":"Ancient","url":"http://s/2","date":"2025-01-20T13:00:00Z","category":"Old"}
	]`)
	require.NoError(t, env.stats.RefreshTrending(env.ctx, env.site, asOf))

	categories, err := env.store.ListCategories(env.ctx, env.site.ID)
	require.NoError(t, err)
	require.Len(t, categories, 2)
	assert.Equal(t, "AI", categories[0].Name)
	assert.InDelta(t, math.Exp(-1), categories[0].TrendingScore, 1e-6)
	assert.Equal(t, "Old", categories[1].Name)
	assert.Zero(t, categories[1].TrendingScore)

	assert.InDelta(t, 0.367879, env.article(t, "A1").TrendingScore, 1e-9)
	assert.Zero(t, env.article(t, "A2").TrendingScore)
}

func TestRankTrendingTieBreak(t *testing.T) {
	t.Parallel()

	ranked := RankTrending(map[int64]*domain.TrendingScore{
		1: {ID: 1, Score: 1.0000001, Events: 1},
		2: {ID: 2, Score: 1.0, Events: 3},
		3: {ID: 3, Score: 1.0, Events: 3},
		4: {ID: 4, Score: 2.0, Events: 1},
	})

	ids := make([]int64, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{4, 2, 3, 1}, ids)
	assert.Equal(t, 1.0, ranked[3].Score)
}

func TestAggregateRefreshesReferenceCounters(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.resolve(t, baseTime, `[
		{"id":"A1","title":"First","url":"http://s/1","author":"Ann","category":"AI","date":"2025-02-01T00:00:00Z"},
		{"id":"A2","title":"Second","url":"http://s/2","author":"Ann","category":"AI"},
		{"id":"A3","title":"Copy","url":"http://s/2?utm_medium=rss","author":"Ann","category":"AI"}
	]`)

	day, err := domain.PeriodFor(baseTime, domain.PeriodDay)
	require.NoError(t, err)
	_, err = env.stats.Aggregate(env.ctx, env.site, day)
	require.NoError(t, err)

	authors, err := env.store.ListAuthors(env.ctx, env.site.ID)
	require.NoError(t, err)
	require.Len(t, authors, 1)
	assert.Equal(t, 2, authors[0].TotalArticles)
	require.NotNil(t, authors[0].FirstArticleDate)
	assert.True(t, authors[0].FirstArticleDate.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, authors[0].LastArticleDate)
	assert.True(t, authors[0].LastArticleDate.Equal(baseTime))

	categories, err := env.store.ListCategories(env.ctx, env.site.ID)
	require.NoError(t, err)
	require.Len(t, categories, 1)
	assert.Equal(t, 2, categories[0].TotalArticles)
	assert.Equal(t, 1, categories[0].RecentArticlesCount)
}
