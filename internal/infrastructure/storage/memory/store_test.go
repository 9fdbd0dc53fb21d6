package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func seedSite(t *testing.T, s *Store) domain.Site {
	t.Helper()
	site, err := s.UpsertSite(context.Background(), domain.Site{Key: "blog", Name: "Blog", BaseURL: "http://b", IsActive: true})
	require.NoError(t, err)
	return site
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	site := seedSite(t, s)

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx ports.ArticleTx) error {
		if _, err := tx.InsertArticle(ctx, domain.Article{SiteID: site.ID, ExternalID: "A1", Title: "T"}); err != nil {
			return err
		}
		if _, err := tx.GetOrCreateAuthor(ctx, site.ID, "Ann"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetArticleByExternalID(ctx, site.ID, "A1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	authors, err := s.ListAuthors(ctx, site.ID)
	require.NoError(t, err)
	assert.Empty(t, authors)
}

func TestInsertArticleConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	site := seedSite(t, s)

	insert := func() error {
		return s.WithinTx(ctx, func(ctx context.Context, tx ports.ArticleTx) error {
			_, err := tx.InsertArticle(ctx, domain.Article{SiteID: site.ID, ExternalID: "A1", Title: "T", FirstSeen: t0, LastSeen: t0})
			return err
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), domain.ErrConflict)
}

func TestUpdateArticleCompareAndSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	site := seedSite(t, s)

	var stored domain.Article
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx ports.ArticleTx) error {
		var err error
		stored, err = tx.InsertArticle(ctx, domain.Article{SiteID: site.ID, ExternalID: "A1", Title: "T", FirstSeen: t0, LastSeen: t0})
		return err
	}))

	update := func(expected time.Time, title string) error {
		return s.WithinTx(ctx, func(ctx context.Context, tx ports.ArticleTx) error {
			next := stored
			next.Title = title
			next.LastSeen = t0.Add(time.Hour)
			next.FirstSeen = t0.Add(time.Hour)
			return tx.UpdateArticle(ctx, next, expected)
		})
	}
	require.NoError(t, update(t0, "Fresh"))
	assert.ErrorIs(t, update(t0, "Lost"), domain.ErrStaleUpdate)

	got, err := s.GetArticleByExternalID(ctx, site.ID, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", got.Title)
	assert.True(t, got.FirstSeen.Equal(t0), "first_seen is immutable")
	assert.True(t, got.LastSeen.Equal(t0.Add(time.Hour)))
}

func TestFindCanonicalPrefersOldestOriginal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	site := seedSite(t, s)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx ports.ArticleTx) error {
		rows := []domain.Article{
			{ExternalID: "dup", FirstSeen: t0.Add(-2 * time.Hour), IsDuplicate: true},
			{ExternalID: "late", FirstSeen: t0},
			{ExternalID: "early", FirstSeen: t0.Add(-time.Hour)},
		}
		for _, a := range rows {
			a.SiteID = site.ID
			a.Title = a.ExternalID
			a.CanonicalURL = "http://b/post"
			a.LastSeen = a.FirstSeen
			if _, err := tx.InsertArticle(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx ports.ArticleTx) error {
		found, err := tx.FindCanonicalByURL(ctx, site.ID, "http://b/post")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "early", found.ExternalID)

		missing, err := tx.FindCanonicalByURL(ctx, site.ID, "http://b/other")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	}))
}

func TestMarkSnapshotProcessedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	site := seedSite(t, s)

	snapshot, err := s.CreateSnapshot(ctx, domain.Snapshot{SiteID: site.ID, CapturedAt: t0, ResponseStatus: 200})
	require.NoError(t, err)

	require.NoError(t, s.MarkSnapshotProcessed(ctx, snapshot.ID, domain.ProcessingOutcome{ProcessedCount: 3, ProcessedAt: t0}))
	require.NoError(t, s.MarkSnapshotProcessed(ctx, snapshot.ID, domain.ProcessingOutcome{ProcessedCount: 9, ErrorCount: 1, ProcessedAt: t0.Add(time.Hour)}))

	got, err := s.GetSnapshot(ctx, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ProcessedCount)
	assert.Equal(t, 0, got.ErrorCount)
	assert.True(t, got.ProcessedAt.Equal(t0))

	assert.ErrorIs(t, s.MarkSnapshotProcessed(ctx, 999, domain.ProcessingOutcome{}), domain.ErrNotFound)
}

func TestListUnprocessedSnapshotsSkipsFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	site := seedSite(t, s)

	for _, snap := range []domain.Snapshot{
		{CapturedAt: t0.Add(time.Minute), ResponseStatus: 200},
		{CapturedAt: t0, ResponseStatus: 200},
		{CapturedAt: t0, ResponseStatus: 503},
	} {
		snap.SiteID = site.ID
		_, err := s.CreateSnapshot(ctx, snap)
		require.NoError(t, err)
	}

	pending, err := s.ListUnprocessedSnapshots(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.True(t, pending[0].CapturedAt.Equal(t0))
	assert.True(t, pending[1].CapturedAt.Equal(t0.Add(time.Minute)))
}

func TestSiteHealthCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	site := seedSite(t, s)

	count, err := s.RecordCollectionFailure(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = s.RecordCollectionFailure(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.RecordCollectionSuccess(ctx, site.ID, t0))
	got, err := s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CollectionErrorCount)
	require.NotNil(t, got.LastSuccessfulCollection)
	assert.True(t, got.LastSuccessfulCollection.Equal(t0))

	_, err = s.UpsertSite(ctx, domain.Site{Key: "blog", Name: "Renamed", BaseURL: "http://b", IsActive: true})
	require.NoError(t, err)
	got, err = s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	require.NotNil(t, got.LastSuccessfulCollection)

	require.NoError(t, s.SoftDeleteSite(ctx, site.ID, t0))
	active, err := s.ListActiveSites(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
