package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

// WithinTx runs fn inside a database transaction, rolling back on error or panic.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.ArticleTx) error) error {
	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = dbTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &articleTx{q: dbTx, sb: s.sb}); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapError(err))
	}
	return nil
}

type articleTx struct {
	q  *sqlx.Tx
	sb sq.StatementBuilderType
}

var _ ports.ArticleTx = (*articleTx)(nil)

func (t *articleTx) findOne(ctx context.Context, q sq.SelectBuilder) (*domain.Article, error) {
	var row articleRow
	if err := get(ctx, t.q, &row, q.Limit(1)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	a := row.toDomain()
	return &a, nil
}

func (t *articleTx) FindArticleByExternalID(ctx context.Context, siteID int64, externalID string) (*domain.Article, error) {
	a, err := t.findOne(ctx, t.sb.Select(articleColumns...).From("articles").
		Where(sq.Eq{"site_id": siteID, "external_id": externalID}))
	if err != nil {
		return nil, fmt.Errorf("find article %s: %w", externalID, err)
	}
	return a, nil
}

// FindCanonicalByURL prefers non-duplicates, then the earliest first_seen.
func (t *articleTx) FindCanonicalByURL(ctx context.Context, siteID int64, canonicalURL string) (*domain.Article, error) {
	a, err := t.findOne(ctx, t.sb.Select(articleColumns...).From("articles").
		Where(sq.Eq{"site_id": siteID, "canonical_url": canonicalURL}).
		OrderBy("is_duplicate", "first_seen", "id"))
	if err != nil {
		return nil, fmt.Errorf("find article by url: %w", err)
	}
	return a, nil
}

func (t *articleTx) GetArticle(ctx context.Context, id int64) (*domain.Article, error) {
	var row articleRow
	q := t.sb.Select(articleColumns...).From("articles").Where(sq.Eq{"id": id})
	if err := get(ctx, t.q, &row, q); err != nil {
		return nil, fmt.Errorf("get article %d: %w", id, err)
	}
	a := row.toDomain()
	return &a, nil
}

func (t *articleTx) InsertArticle(ctx context.Context, article domain.Article) (domain.Article, error) {
	values := articleValues(article)
	values["external_id"] = article.ExternalID
	values["site_id"] = article.SiteID
	values["first_seen"] = article.FirstSeen

	q := t.sb.Insert("articles").SetMap(values).Suffix(returning(articleColumns))
	var row articleRow
	if err := get(ctx, t.q, &row, q); err != nil {
		return domain.Article{}, fmt.Errorf("insert article %s: %w", article.ExternalID, err)
	}
	return row.toDomain(), nil
}

// UpdateArticle writes the mutable columns only while last_seen still holds
// expectedLastSeen.
func (t *articleTx) UpdateArticle(ctx context.Context, article domain.Article, expectedLastSeen time.Time) error {
	q := t.sb.Update("articles").
		SetMap(articleValues(article)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": article.ID, "last_seen": expectedLastSeen})
	n, err := exec(ctx, t.q, q)
	if err != nil {
		return fmt.Errorf("update article %d: %w", article.ID, err)
	}
	if n > 0 {
		return nil
	}
	found, err := exists(ctx, t.q, "articles", article.ID)
	if err != nil {
		return fmt.Errorf("update article %d: %w", article.ID, err)
	}
	if !found {
		return domain.ErrNotFound
	}
	return domain.ErrStaleUpdate
}

func (t *articleTx) InsertHistory(ctx context.Context, entries []domain.History) error {
	if len(entries) == 0 {
		return nil
	}
	q := t.sb.Insert("article_history").
		Columns("article_id", "snapshot_id", "change_type", "field_name", "old_value", "new_value",
			"change_source", "changed_at", "is_significant", "confidence_score")
	for _, h := range entries {
		q = q.Values(h.ArticleID, h.SnapshotID, string(h.ChangeType), h.FieldName, h.OldValue,
			h.NewValue, h.ChangeSource, h.ChangedAt, h.IsSignificant, h.ConfidenceScore)
	}
	if _, err := exec(ctx, t.q, q); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (t *articleTx) GetOrCreateAuthor(ctx context.Context, siteID int64, name string) (int64, error) {
	return t.getOrCreate(ctx, "authors", siteID, name)
}

func (t *articleTx) GetOrCreateCategory(ctx context.Context, siteID int64, name string) (int64, error) {
	return t.getOrCreate(ctx, "categories", siteID, name)
}

func (t *articleTx) getOrCreate(ctx context.Context, table string, siteID int64, name string) (int64, error) {
	q := t.sb.Insert(table).
		Columns("site_id", "name").
		Values(siteID, name).
		Suffix("ON CONFLICT (site_id, name) DO UPDATE SET name = EXCLUDED.name RETURNING id")
	var id int64
	if err := get(ctx, t.q, &id, q); err != nil {
		return 0, fmt.Errorf("get or create %s %q: %w", table, name, err)
	}
	return id, nil
}

// GetArticleByExternalID loads an article by its identity.
func (s *Store) GetArticleByExternalID(ctx context.Context, siteID int64, externalID string) (domain.Article, error) {
	var row articleRow
	q := s.sb.Select(articleColumns...).From("articles").
		Where(sq.Eq{"site_id": siteID, "external_id": externalID})
	if err := get(ctx, s.db, &row, q); err != nil {
		return domain.Article{}, fmt.Errorf("get article %s: %w", externalID, err)
	}
	return row.toDomain(), nil
}

// ListArticlesSeenBetween returns articles first seen before to and last seen at or after from.
func (s *Store) ListArticlesSeenBetween(ctx context.Context, siteID int64, from, to time.Time) ([]domain.Article, error) {
	q := s.sb.Select(articleColumns...).From("articles").
		Where(sq.Eq{"site_id": siteID}).
		Where(sq.Lt{"first_seen": to}).
		Where(sq.GtOrEq{"last_seen": from}).
		OrderBy("id")
	var rows []articleRow
	if err := selectAll(ctx, s.db, &rows, q); err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	out := make([]domain.Article, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// ListArticlesActiveBetween returns articles first seen in [from, to) or with a
// history row changed in that window.
func (s *Store) ListArticlesActiveBetween(ctx context.Context, siteID int64, from, to time.Time) ([]domain.Article, error) {
	q := s.sb.Select(articleColumns...).From("articles").
		Where(sq.Eq{"site_id": siteID}).
		Where(sq.Or{
			sq.And{sq.GtOrEq{"first_seen": from}, sq.Lt{"first_seen": to}},
			sq.Expr("id IN (SELECT article_id FROM article_history WHERE changed_at >= ? AND changed_at < ?)", from, to),
		}).
		OrderBy("id")
	var rows []articleRow
	if err := selectAll(ctx, s.db, &rows, q); err != nil {
		return nil, fmt.Errorf("list active articles: %w", err)
	}
	out := make([]domain.Article, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// ListHistory returns the article's history in insertion order.
func (s *Store) ListHistory(ctx context.Context, articleID int64) ([]domain.History, error) {
	q := s.sb.Select(historyColumns...).From("article_history").
		Where(sq.Eq{"article_id": articleID}).
		OrderBy("id")
	return s.listHistory(ctx, q)
}

// ListHistoryBetween returns the site's history rows changed in [from, to).
func (s *Store) ListHistoryBetween(ctx context.Context, siteID int64, from, to time.Time) ([]domain.History, error) {
	columns := make([]string, len(historyColumns))
	for i, c := range historyColumns {
		columns[i] = "h." + c
	}
	q := s.sb.Select(columns...).From("article_history h").
		Join("articles a ON a.id = h.article_id").
		Where(sq.Eq{"a.site_id": siteID}).
		Where(sq.GtOrEq{"h.changed_at": from}).
		Where(sq.Lt{"h.changed_at": to}).
		OrderBy("h.id")
	return s.listHistory(ctx, q)
}

func (s *Store) listHistory(ctx context.Context, q sq.SelectBuilder) ([]domain.History, error) {
	var rows []historyRow
	if err := selectAll(ctx, s.db, &rows, q); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]domain.History, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
