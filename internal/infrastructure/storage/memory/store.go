// Package memory is a process-local store used by tests and by the
// "memory" storage driver. Transactions stage writes on a copy of the state
// and swap it in on success.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

type extKey struct {
	siteID     int64
	externalID string
}

type nameKey struct {
	siteID int64
	name   string
}

type statsKey struct {
	siteID int64
	start  time.Time
	end    time.Time
	typ    domain.PeriodType
}

type state struct {
	seq        int64
	sites      map[int64]domain.Site
	snapshots  map[int64]domain.Snapshot
	articles   map[int64]domain.Article
	byExternal map[extKey]int64
	authors    map[int64]domain.Author
	authorIDs  map[nameKey]int64
	categories map[int64]domain.Category
	categoryID map[nameKey]int64
	history    []domain.History
	stats      map[statsKey]domain.CollectionStats
}

func newState() *state {
	return &state{
		sites:      map[int64]domain.Site{},
		snapshots:  map[int64]domain.Snapshot{},
		articles:   map[int64]domain.Article{},
		byExternal: map[extKey]int64{},
		authors:    map[int64]domain.Author{},
		authorIDs:  map[nameKey]int64{},
		categories: map[int64]domain.Category{},
		categoryID: map[nameKey]int64{},
		stats:      map[statsKey]domain.CollectionStats{},
	}
}

// clone copies the indexes. Stored values are replaced, never mutated in
// place, so sharing them between copies is safe.
func (s *state) clone() *state {
	c := &state{
		seq:        s.seq,
		sites:      make(map[int64]domain.Site, len(s.sites)),
		snapshots:  make(map[int64]domain.Snapshot, len(s.snapshots)),
		articles:   make(map[int64]domain.Article, len(s.articles)),
		byExternal: make(map[extKey]int64, len(s.byExternal)),
		authors:    make(map[int64]domain.Author, len(s.authors)),
		authorIDs:  make(map[nameKey]int64, len(s.authorIDs)),
		categories: make(map[int64]domain.Category, len(s.categories)),
		categoryID: make(map[nameKey]int64, len(s.categoryID)),
		history:    s.history[:len(s.history):len(s.history)],
		stats:      make(map[statsKey]domain.CollectionStats, len(s.stats)),
	}
	for k, v := range s.sites {
		c.sites[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range s.articles {
		c.articles[k] = v
	}
	for k, v := range s.byExternal {
		c.byExternal[k] = v
	}
	for k, v := range s.authors {
		c.authors[k] = v
	}
	for k, v := range s.authorIDs {
		c.authorIDs[k] = v
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	for k, v := range s.categoryID {
		c.categoryID[k] = v
	}
	for k, v := range s.stats {
		c.stats[k] = v
	}
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store keeps every repository in memory behind one mutex.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

var _ ports.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{st: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// UpsertSite inserts or updates a site by key, preserving its health counters.
func (s *Store) UpsertSite(_ context.Context, site domain.Site) (domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, existing := range s.st.sites {
		if existing.Key != site.Key {
			continue
		}
		site.ID = id
		site.CollectionErrorCount = existing.CollectionErrorCount
		site.LastSuccessfulCollection = existing.LastSuccessfulCollection
		site.IsDeleted = existing.IsDeleted
		site.DeletedAt = existing.DeletedAt
		site.CreatedAt = existing.CreatedAt
		site.UpdatedAt = now
		s.st.sites[id] = site
		return site, nil
	}

	site.ID = s.st.nextID()
	site.CreatedAt = now
	site.UpdatedAt = now
	s.st.sites[site.ID] = site
	return site, nil
}

// GetSite loads a site by id.
func (s *Store) GetSite(_ context.Context, id int64) (domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.st.sites[id]
	if !ok {
		return domain.Site{}, domain.ErrNotFound
	}
	return site, nil
}

// GetSiteByKey loads a site by key.
func (s *Store) GetSiteByKey(_ context.Context, key string) (domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, site := range s.st.sites {
		if site.Key == key {
			return site, nil
		}
	}
	return domain.Site{}, domain.ErrNotFound
}

// ListActiveSites returns active, non-deleted sites ordered by key.
func (s *Store) ListActiveSites(_ context.Context) ([]domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Site
	for _, site := range s.st.sites {
		if site.IsActive && !site.IsDeleted {
			out = append(out, site)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// RecordCollectionSuccess resets the error counter.
func (s *Store) RecordCollectionSuccess(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.st.sites[id]
	if !ok {
		return domain.ErrNotFound
	}
	site.CollectionErrorCount = 0
	site.LastSuccessfulCollection = &at
	site.UpdatedAt = s.now()
	s.st.sites[id] = site
	return nil
}

// RecordCollectionFailure increments the error counter.
func (s *Store) RecordCollectionFailure(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.st.sites[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	site.CollectionErrorCount++
	site.UpdatedAt = s.now()
	s.st.sites[id] = site
	return site.CollectionErrorCount, nil
}

// SoftDeleteSite flags a site deleted and inactive.
func (s *Store) SoftDeleteSite(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.st.sites[id]
	if !ok {
		return domain.ErrNotFound
	}
	site.IsDeleted = true
	site.IsActive = false
	site.DeletedAt = &at
	site.UpdatedAt = s.now()
	s.st.sites[id] = site
	return nil
}

// CreateSnapshot appends a snapshot.
func (s *Store) CreateSnapshot(_ context.Context, snapshot domain.Snapshot) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.sites[snapshot.SiteID]; !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	snapshot.ID = s.st.nextID()
	snapshot.CreatedAt = s.now()
	snapshot.Payload = append([]byte(nil), snapshot.Payload...)
	s.st.snapshots[snapshot.ID] = snapshot
	return snapshot, nil
}

// GetSnapshot loads a snapshot by id.
func (s *Store) GetSnapshot(_ context.Context, id int64) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.st.snapshots[id]
	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return snapshot, nil
}

// MarkSnapshotProcessed writes the completion fields once; later calls are ignored.
func (s *Store) MarkSnapshotProcessed(_ context.Context, id int64, outcome domain.ProcessingOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.st.snapshots[id]
	if !ok {
		return domain.ErrNotFound
	}
	if snapshot.ProcessedAt != nil {
		return nil
	}
	at := outcome.ProcessedAt
	snapshot.ProcessedCount = outcome.ProcessedCount
	snapshot.ErrorCount = outcome.ErrorCount
	snapshot.ErrorMessage = outcome.ErrorMessage
	snapshot.ProcessedAt = &at
	s.st.snapshots[id] = snapshot
	return nil
}

// ListSnapshots returns the site's snapshots captured in [from, to) in capture order.
func (s *Store) ListSnapshots(_ context.Context, siteID int64, from, to time.Time) ([]domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Snapshot
	for _, snapshot := range s.st.snapshots {
		if snapshot.SiteID == siteID && !snapshot.CapturedAt.Before(from) && snapshot.CapturedAt.Before(to) {
			out = append(out, snapshot)
		}
	}
	sortSnapshots(out)
	return out, nil
}

// ListUnprocessedSnapshots returns successful snapshots not yet resolved, in capture order.
func (s *Store) ListUnprocessedSnapshots(_ context.Context, siteID int64) ([]domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Snapshot
	for _, snapshot := range s.st.snapshots {
		if snapshot.SiteID == siteID && snapshot.ProcessedAt == nil && snapshot.IsSuccessful() {
			out = append(out, snapshot)
		}
	}
	sortSnapshots(out)
	return out, nil
}

func sortSnapshots(list []domain.Snapshot) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CapturedAt.Equal(list[j].CapturedAt) {
			return list[i].CapturedAt.Before(list[j].CapturedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// WithinTx runs fn against a staged copy of the state. The copy replaces the
// live state only when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.ArticleTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.st.clone()
	if err := fn(ctx, &tx{st: staged, now: s.now}); err != nil {
		return err
	}
	s.st = staged
	return nil
}

// GetArticleByExternalID loads an article by its identity.
func (s *Store) GetArticleByExternalID(_ context.Context, siteID int64, externalID string) (domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.st.byExternal[extKey{siteID, externalID}]
	if !ok {
		return domain.Article{}, domain.ErrNotFound
	}
	return copyArticle(s.st.articles[id]), nil
}

// ListArticlesSeenBetween returns articles first seen before to and last seen at or after from.
func (s *Store) ListArticlesSeenBetween(_ context.Context, siteID int64, from, to time.Time) ([]domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Article
	for _, a := range s.st.articles {
		if a.SiteID == siteID && a.FirstSeen.Before(to) && !a.LastSeen.Before(from) {
			out = append(out, copyArticle(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListArticlesActiveBetween returns articles first seen in [from, to) or with a
// history row changed in that window.
func (s *Store) ListArticlesActiveBetween(_ context.Context, siteID int64, from, to time.Time) ([]domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inWindow := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }

	ids := map[int64]struct{}{}
	for id, a := range s.st.articles {
		if a.SiteID == siteID && inWindow(a.FirstSeen) {
			ids[id] = struct{}{}
		}
	}
	for _, h := range s.st.history {
		if a, ok := s.st.articles[h.ArticleID]; ok && a.SiteID == siteID && inWindow(h.ChangedAt) {
			ids[h.ArticleID] = struct{}{}
		}
	}

	out := make([]domain.Article, 0, len(ids))
	for id := range ids {
		out = append(out, copyArticle(s.st.articles[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListHistory returns the article's history in insertion order.
func (s *Store) ListHistory(_ context.Context, articleID int64) ([]domain.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.History
	for _, h := range s.st.history {
		if h.ArticleID == articleID {
			out = append(out, h)
		}
	}
	return out, nil
}

// ListHistoryBetween returns the site's history rows changed in [from, to).
func (s *Store) ListHistoryBetween(_ context.Context, siteID int64, from, to time.Time) ([]domain.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.History
	for _, h := range s.st.history {
		a, ok := s.st.articles[h.ArticleID]
		if !ok || a.SiteID != siteID {
			continue
		}
		if !h.ChangedAt.Before(from) && h.ChangedAt.Before(to) {
			out = append(out, h)
		}
	}
	return out, nil
}

// UpsertCollectionStats replaces the row of the period.
func (s *Store) UpsertCollectionStats(_ context.Context, stats domain.CollectionStats) (domain.CollectionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey{stats.SiteID, stats.PeriodStart.UTC(), stats.PeriodEnd.UTC(), stats.PeriodType}
	if existing, ok := s.st.stats[key]; ok {
		stats.ID = existing.ID
	} else {
		stats.ID = s.st.nextID()
	}
	stats.ErrorTypes = copyCounts(stats.ErrorTypes)
	s.st.stats[key] = stats
	return stats, nil
}

// GetCollectionStats loads the row of a period.
func (s *Store) GetCollectionStats(_ context.Context, siteID int64, period domain.Period) (domain.CollectionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.st.stats[statsKey{siteID, period.Start.UTC(), period.End.UTC(), period.Type}]
	if !ok {
		return domain.CollectionStats{}, domain.ErrNotFound
	}
	stats.ErrorTypes = copyCounts(stats.ErrorTypes)
	return stats, nil
}

// RefreshReferenceCounters recomputes author and category counters from the
// site's non-duplicate articles.
func (s *Store) RefreshReferenceCounters(_ context.Context, siteID int64, recentSince time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type agg struct {
		total  int
		recent int
		first  *time.Time
		last   *time.Time
	}
	touch := func(m map[int64]*agg, id int64, at time.Time) {
		a, ok := m[id]
		if !ok {
			a = &agg{}
			m[id] = a
		}
		a.total++
		if !at.Before(recentSince) {
			a.recent++
		}
		if a.first == nil || at.Before(*a.first) {
			t := at
			a.first = &t
		}
		if a.last == nil || at.After(*a.last) {
			t := at
			a.last = &t
		}
	}

	authors := map[int64]*agg{}
	categories := map[int64]*agg{}
	for _, art := range s.st.articles {
		if art.SiteID != siteID || art.IsDuplicate {
			continue
		}
		at := art.FirstSeen
		if art.PublishedAt != nil {
			at = *art.PublishedAt
		}
		if art.AuthorID != nil {
			touch(authors, *art.AuthorID, at)
		}
		if art.CategoryID != nil {
			touch(categories, *art.CategoryID, at)
		}
	}

	for id, author := range s.st.authors {
		if author.SiteID != siteID {
			continue
		}
		a := authors[id]
		if a == nil {
			a = &agg{}
		}
		author.TotalArticles, author.FirstArticleDate, author.LastArticleDate = a.total, a.first, a.last
		s.st.authors[id] = author
	}
	for id, category := range s.st.categories {
		if category.SiteID != siteID {
			continue
		}
		a := categories[id]
		if a == nil {
			a = &agg{}
		}
		category.TotalArticles, category.RecentArticlesCount = a.total, a.recent
		category.FirstArticleDate, category.LastArticleDate = a.first, a.last
		s.st.categories[id] = category
	}
	return nil
}

// ListCategories returns the site's categories ordered by name.
func (s *Store) ListCategories(_ context.Context, siteID int64) ([]domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Category
	for _, c := range s.st.categories {
		if c.SiteID == siteID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListAuthors returns the site's authors ordered by name.
func (s *Store) ListAuthors(_ context.Context, siteID int64) ([]domain.Author, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Author
	for _, a := range s.st.authors {
		if a.SiteID == siteID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateCategoryTrending replaces the trending scores of the site's categories.
func (s *Store) UpdateCategoryTrending(_ context.Context, siteID int64, scores []domain.TrendingScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := scoreIndex(scores)
	for id, c := range s.st.categories {
		if c.SiteID == siteID {
			c.TrendingScore = byID[id]
			s.st.categories[id] = c
		}
	}
	return nil
}

// UpdateArticleTrending replaces the trending scores of the site's articles.
func (s *Store) UpdateArticleTrending(_ context.Context, siteID int64, scores []domain.TrendingScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := scoreIndex(scores)
	for id, a := range s.st.articles {
		if a.SiteID == siteID && a.TrendingScore != byID[id] {
			a.TrendingScore = byID[id]
			s.st.articles[id] = a
		}
	}
	return nil
}

func scoreIndex(scores []domain.TrendingScore) map[int64]float64 {
	byID := make(map[int64]float64, len(scores))
	for _, sc := range scores {
		byID[sc.ID] = sc.Score
	}
	return byID
}

func copyArticle(a domain.Article) domain.Article {
	a.Tags = append([]string(nil), a.Tags...)
	return a
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
