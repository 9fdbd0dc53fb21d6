package memory

import (
	"context"
	"time"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

type tx struct {
	st  *state
	now func() time.Time
}

var _ ports.ArticleTx = (*tx)(nil)

func (t *tx) FindArticleByExternalID(_ context.Context, siteID int64, externalID string) (*domain.Article, error) {
	id, ok := t.st.byExternal[extKey{siteID, externalID}]
	if !ok {
		return nil, nil
	}
	a := copyArticle(t.st.articles[id])
	return &a, nil
}

func (t *tx) FindCanonicalByURL(_ context.Context, siteID int64, canonicalURL string) (*domain.Article, error) {
	var best *domain.Article
	for _, a := range t.st.articles {
		if a.SiteID != siteID || a.CanonicalURL != canonicalURL {
			continue
		}
		if best == nil || preferOriginal(a, *best) {
			candidate := copyArticle(a)
			best = &candidate
		}
	}
	return best, nil
}

// preferOriginal orders non-duplicates first, then by first_seen, then by id.
func preferOriginal(a, b domain.Article) bool {
	if a.IsDuplicate != b.IsDuplicate {
		return !a.IsDuplicate
	}
	if !a.FirstSeen.Equal(b.FirstSeen) {
		return a.FirstSeen.Before(b.FirstSeen)
	}
	return a.ID < b.ID
}

func (t *tx) GetArticle(_ context.Context, id int64) (*domain.Article, error) {
	a, ok := t.st.articles[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	a = copyArticle(a)
	return &a, nil
}

func (t *tx) InsertArticle(_ context.Context, article domain.Article) (domain.Article, error) {
	key := extKey{article.SiteID, article.ExternalID}
	if _, exists := t.st.byExternal[key]; exists {
		return domain.Article{}, domain.ErrConflict
	}
	now := t.now()
	article.ID = t.st.nextID()
	article.CreatedAt = now
	article.UpdatedAt = now
	article = copyArticle(article)
	t.st.articles[article.ID] = article
	t.st.byExternal[key] = article.ID
	return article, nil
}

func (t *tx) UpdateArticle(_ context.Context, article domain.Article, expectedLastSeen time.Time) error {
	current, ok := t.st.articles[article.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !current.LastSeen.Equal(expectedLastSeen) {
		return domain.ErrStaleUpdate
	}
	article.ExternalID = current.ExternalID
	article.SiteID = current.SiteID
	article.FirstSeen = current.FirstSeen
	article.CreatedAt = current.CreatedAt
	article.TrendingScore = current.TrendingScore
	article.UpdatedAt = t.now()
	t.st.articles[article.ID] = copyArticle(article)
	return nil
}

func (t *tx) InsertHistory(_ context.Context, entries []domain.History) error {
	for _, h := range entries {
		if _, ok := t.st.articles[h.ArticleID]; !ok {
			return domain.ErrNotFound
		}
		h.ID = t.st.nextID()
		t.st.history = append(t.st.history, h)
	}
	return nil
}

func (t *tx) GetOrCreateAuthor(_ context.Context, siteID int64, name string) (int64, error) {
	key := nameKey{siteID, name}
	if id, ok := t.st.authorIDs[key]; ok {
		return id, nil
	}
	id := t.st.nextID()
	t.st.authors[id] = domain.Author{ID: id, SiteID: siteID, Name: name}
	t.st.authorIDs[key] = id
	return id, nil
}

func (t *tx) GetOrCreateCategory(_ context.Context, siteID int64, name string) (int64, error) {
	key := nameKey{siteID, name}
	if id, ok := t.st.categoryID[key]; ok {
		return id, nil
	}
	id := t.st.nextID()
	t.st.categories[id] = domain.Category{ID: id, SiteID: siteID, Name: name}
	t.st.categoryID[key] = id
	return id, nil
}
