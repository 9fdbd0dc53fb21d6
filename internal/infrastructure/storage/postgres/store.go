// Package postgres implements the storage ports on PostgreSQL with sqlx and
// squirrel. Schema changes ship as embedded golang-migrate migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	pingTimeout         = 5 * time.Second
)

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store persists sites, snapshots, articles and stats in Postgres.
type Store struct {
	db     *sqlx.DB
	sb     sq.StatementBuilderType
	logger *slog.Logger
}

var _ ports.Store = (*Store)(nil)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(db, logger), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger.With("component", "postgres"),
	}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

func get(ctx context.Context, q queryer, dest any, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return mapError(sqlx.GetContext(ctx, q, dest, query, args...))
}

func selectAll(ctx context.Context, q queryer, dest any, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return mapError(sqlx.SelectContext(ctx, q, dest, query, args...))
}

func exec(ctx context.Context, q queryer, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func exists(ctx context.Context, q queryer, table string, id int64) (bool, error) {
	var found bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table)
	if err := sqlx.GetContext(ctx, q, &found, query, id); err != nil {
		return false, mapError(err)
	}
	return found, nil
}

// mapError translates driver errors into domain sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrConflict, pqErr.Constraint)
		case foreignKeyViolation:
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pqErr.Constraint)
		}
	}
	return err
}

func returning(columns []string) string {
	return "RETURNING " + strings.Join(columns, ", ")
}

// UpsertSite inserts or updates a site by key. Health counters are left untouched.
func (s *Store) UpsertSite(ctx context.Context, site domain.Site) (domain.Site, error) {
	q := s.sb.Insert("sites").
		Columns("site_key", "name", "base_url", "endpoints", "params", "format", "language",
			"rate_limit_per_hour", "request_timeout_ms", "retry_count", "retry_delay_ms",
			"requires_auth", "auth_header", "auth_scheme", "auth_token", "is_active").
		Values(site.Key, site.Name, site.BaseURL, jsonMap(site.Endpoints), jsonMap(site.Params),
			string(site.Format), site.Language, site.RateLimitPerHour, site.RequestTimeout.Milliseconds(),
			site.RetryCount, site.RetryDelay.Milliseconds(), site.RequiresAuth, site.Auth.Header,
			site.Auth.Scheme, site.Auth.Token, site.IsActive).
		Suffix(`ON CONFLICT (site_key) DO UPDATE SET
			name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			endpoints = EXCLUDED.endpoints,
			params = EXCLUDED.params,
			format = EXCLUDED.format,
			language = EXCLUDED.language,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			request_timeout_ms = EXCLUDED.request_timeout_ms,
			retry_count = EXCLUDED.retry_count,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			requires_auth = EXCLUDED.requires_auth,
			auth_header = EXCLUDED.auth_header,
			auth_scheme = EXCLUDED.auth_scheme,
			auth_token = EXCLUDED.auth_token,
			is_active = EXCLUDED.is_active AND NOT sites.is_deleted,
			updated_at = NOW() ` + returning(siteColumns))

	var row siteRow
	if err := get(ctx, s.db, &row, q); err != nil {
		return domain.Site{}, fmt.Errorf("upsert site %s: %w", site.Key, err)
	}
	return row.toDomain(), nil
}

// GetSite loads a site by id.
func (s *Store) GetSite(ctx context.Context, id int64) (domain.Site, error) {
	var row siteRow
	q := s.sb.Select(siteColumns...).From("sites").Where(sq.Eq{"id": id})
	if err := get(ctx, s.db, &row, q); err != nil {
		return domain.Site{}, fmt.Errorf("get site %d: %w", id, err)
	}
	return row.toDomain(), nil
}

// GetSiteByKey loads a site by key.
func (s *Store) GetSiteByKey(ctx context.Context, key string) (domain.Site, error) {
	var row siteRow
	q := s.sb.Select(siteColumns...).From("sites").Where(sq.Eq{"site_key": key})
	if err := get(ctx, s.db, &row, q); err != nil {
		return domain.Site{}, fmt.Errorf("get site %s: %w", key, err)
	}
	return row.toDomain(), nil
}

// ListActiveSites returns active, non-deleted sites ordered by key.
func (s *Store) ListActiveSites(ctx context.Context) ([]domain.Site, error) {
	var rows []siteRow
	q := s.sb.Select(siteColumns...).From("sites").
		Where(sq.Eq{"is_active": true, "is_deleted": false}).
		OrderBy("site_key")
	if err := selectAll(ctx, s.db, &rows, q); err != nil {
		return nil, fmt.Errorf("list active sites: %w", err)
	}
	out := make([]domain.Site, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// RecordCollectionSuccess resets the error counter.
func (s *Store) RecordCollectionSuccess(ctx context.Context, id int64, at time.Time) error {
	q := s.sb.Update("sites").
		Set("collection_error_count", 0).
		Set("last_successful_collection", at).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})
	n, err := exec(ctx, s.db, q)
	if err != nil {
		return fmt.Errorf("record success for site %d: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordCollectionFailure increments the error counter and returns the new value.
func (s *Store) RecordCollectionFailure(ctx context.Context, id int64) (int, error) {
	q := s.sb.Update("sites").
		Set("collection_error_count", sq.Expr("collection_error_count + 1")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING collection_error_count")
	var count int
	if err := get(ctx, s.db, &count, q); err != nil {
		return 0, fmt.Errorf("record failure for site %d: %w", id, err)
	}
	return count, nil
}

// SoftDeleteSite flags a site deleted and inactive.
func (s *Store) SoftDeleteSite(ctx context.Context, id int64, at time.Time) error {
	q := s.sb.Update("sites").
		Set("is_deleted", true).
		Set("is_active", false).
		Set("deleted_at", at).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})
	n, err := exec(ctx, s.db, q)
	if err != nil {
		return fmt.Errorf("soft delete site %d: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreateSnapshot appends a snapshot.
func (s *Store) CreateSnapshot(ctx context.Context, snapshot domain.Snapshot) (domain.Snapshot, error) {
	q := s.sb.Insert("snapshots").
		Columns("site_id", "endpoint", "method", "request_params", "captured_at", "response_status",
			"response_headers", "response_time_ms", "response_size_bytes", "content_type", "payload",
			"data_quality_score", "batch_id", "attempt", "is_retry", "parent_snapshot_id",
			"processed_count", "error_count", "error_message", "error_type").
		Values(snapshot.SiteID, snapshot.Endpoint, snapshot.Method, jsonMap(snapshot.RequestParams),
			snapshot.CapturedAt, snapshot.ResponseStatus, jsonMap(snapshot.ResponseHeaders),
			snapshot.ResponseTimeMs, snapshot.ResponseSizeBytes, snapshot.ContentType, snapshot.Payload,
			snapshot.DataQualityScore, snapshot.BatchID, snapshot.Attempt, snapshot.IsRetry,
			snapshot.ParentSnapshotID, snapshot.ProcessedCount, snapshot.ErrorCount, snapshot.ErrorMessage,
			snapshot.ErrorType).
		Suffix(returning(snapshotColumns))

	var row snapshotRow
	if err := get(ctx, s.db, &row, q); err != nil {
		return domain.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}
	return row.toDomain(), nil
}

// GetSnapshot loads a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id int64) (domain.Snapshot, error) {
	var row snapshotRow
	q := s.sb.Select(snapshotColumns...).From("snapshots").Where(sq.Eq{"id": id})
	if err := get(ctx, s.db, &row, q); err != nil {
		return domain.Snapshot{}, fmt.Errorf("get snapshot %d: %w", id, err)
	}
	return row.toDomain(), nil
}

// MarkSnapshotProcessed writes the completion fields once; later calls are ignored.
func (s *Store) MarkSnapshotProcessed(ctx context.Context, id int64, outcome domain.ProcessingOutcome) error {
	q := s.sb.Update("snapshots").
		Set("processed_count", outcome.ProcessedCount).
		Set("error_count", outcome.ErrorCount).
		Set("error_message", outcome.ErrorMessage).
		Set("processed_at", outcome.ProcessedAt).
		Where(sq.Eq{"id": id, "processed_at": nil})
	n, err := exec(ctx, s.db, q)
	if err != nil {
		return fmt.Errorf("mark snapshot %d processed: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	found, err := exists(ctx, s.db, "snapshots", id)
	if err != nil {
		return fmt.Errorf("mark snapshot %d processed: %w", id, err)
	}
	if !found {
		return domain.ErrNotFound
	}
	return nil
}

// ListSnapshots returns the site's snapshots captured in [from, to) in capture order.
func (s *Store) ListSnapshots(ctx context.Context, siteID int64, from, to time.Time) ([]domain.Snapshot, error) {
	q := s.sb.Select(snapshotColumns...).From("snapshots").
		Where(sq.Eq{"site_id": siteID}).
		Where(sq.GtOrEq{"captured_at": from}).
		Where(sq.Lt{"captured_at": to}).
		OrderBy("captured_at", "id")
	return s.listSnapshots(ctx, q)
}

// ListUnprocessedSnapshots returns successful snapshots not yet resolved, in capture order.
func (s *Store) ListUnprocessedSnapshots(ctx context.Context, siteID int64) ([]domain.Snapshot, error) {
	q := s.sb.Select(snapshotColumns...).From("snapshots").
		Where(sq.Eq{"site_id": siteID, "processed_at": nil}).
		Where("response_status BETWEEN 200 AND 299").
		Where(sq.Eq{"error_type": ""}).
		OrderBy("captured_at", "id")
	return s.listSnapshots(ctx, q)
}

func (s *Store) listSnapshots(ctx context.Context, q sq.SelectBuilder) ([]domain.Snapshot, error) {
	var rows []snapshotRow
	if err := selectAll(ctx, s.db, &rows, q); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]domain.Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
