package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"TechThermometer/internal/domain"
)

// jsonMap stores string maps in JSONB columns. Values are sent as text
// since lib/pq encodes []byte parameters as bytea.
type jsonMap map[string]string

func (m jsonMap) Value() (driver.Value, error) {
	return jsonText(map[string]string(m))
}

func (m *jsonMap) Scan(src any) error {
	return scanJSON(src, (*map[string]string)(m))
}

// jsonCounts stores counters in JSONB columns.
type jsonCounts map[string]int

func (m jsonCounts) Value() (driver.Value, error) {
	return jsonText(map[string]int(m))
}

func jsonText[M ~map[string]V, V any](m M) (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *jsonCounts) Scan(src any) error {
	return scanJSON(src, (*map[string]int)(m))
}

func scanJSON(src any, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

var siteColumns = []string{
	"id", "site_key", "name", "base_url", "endpoints", "params", "format", "language",
	"rate_limit_per_hour", "request_timeout_ms", "retry_count", "retry_delay_ms",
	"requires_auth", "auth_header", "auth_scheme", "auth_token", "is_active",
	"collection_error_count", "last_successful_collection", "is_deleted", "deleted_at",
	"created_at", "updated_at",
}

type siteRow struct {
	ID                       int64      `db:"id"`
	Key                      string     `db:"site_key"`
	Name                     string     `db:"name"`
	BaseURL                  string     `db:"base_url"`
	Endpoints                jsonMap    `db:"endpoints"`
	Params                   jsonMap    `db:"params"`
	Format                   string     `db:"format"`
	Language                 string     `db:"language"`
	RateLimitPerHour         int        `db:"rate_limit_per_hour"`
	RequestTimeoutMs         int64      `db:"request_timeout_ms"`
	RetryCount               int        `db:"retry_count"`
	RetryDelayMs             int64      `db:"retry_delay_ms"`
	RequiresAuth             bool       `db:"requires_auth"`
	AuthHeader               string     `db:"auth_header"`
	AuthScheme               string     `db:"auth_scheme"`
	AuthToken                string     `db:"auth_token"`
	IsActive                 bool       `db:"is_active"`
	CollectionErrorCount     int        `db:"collection_error_count"`
	LastSuccessfulCollection *time.Time `db:"last_successful_collection"`
	IsDeleted                bool       `db:"is_deleted"`
	DeletedAt                *time.Time `db:"deleted_at"`
	CreatedAt                time.Time  `db:"created_at"`
	UpdatedAt                time.Time  `db:"updated_at"`
}

func (r siteRow) toDomain() domain.Site {
	return domain.Site{
		ID:                       r.ID,
		Key:                      r.Key,
		Name:                     r.Name,
		BaseURL:                  r.BaseURL,
		Endpoints:                r.Endpoints,
		Params:                   r.Params,
		Format:                   domain.PayloadFormat(r.Format),
		Language:                 r.Language,
		RateLimitPerHour:         r.RateLimitPerHour,
		RequestTimeout:           time.Duration(r.RequestTimeoutMs) * time.Millisecond,
		RetryCount:               r.RetryCount,
		RetryDelay:               time.Duration(r.RetryDelayMs) * time.Millisecond,
		RequiresAuth:             r.RequiresAuth,
		Auth:                     domain.AuthConfig{Header: r.AuthHeader, Scheme: r.AuthScheme, Token: r.AuthToken},
		IsActive:                 r.IsActive,
		CollectionErrorCount:     r.CollectionErrorCount,
		LastSuccessfulCollection: utcPtr(r.LastSuccessfulCollection),
		IsDeleted:                r.IsDeleted,
		DeletedAt:                utcPtr(r.DeletedAt),
		CreatedAt:                r.CreatedAt.UTC(),
		UpdatedAt:                r.UpdatedAt.UTC(),
	}
}

var snapshotColumns = []string{
	"id", "site_id", "endpoint", "method", "request_params", "captured_at", "response_status",
	"response_headers", "response_time_ms", "response_size_bytes", "content_type", "payload",
	"data_quality_score", "batch_id", "attempt", "is_retry", "parent_snapshot_id",
	"processed_count", "error_count", "error_message", "error_type", "processed_at", "created_at",
}

type snapshotRow struct {
	ID                int64      `db:"id"`
	SiteID            int64      `db:"site_id"`
	Endpoint          string     `db:"endpoint"`
	Method            string     `db:"method"`
	RequestParams     jsonMap    `db:"request_params"`
	CapturedAt        time.Time  `db:"captured_at"`
	ResponseStatus    int        `db:"response_status"`
	ResponseHeaders   jsonMap    `db:"response_headers"`
	ResponseTimeMs    int64      `db:"response_time_ms"`
	ResponseSizeBytes int64      `db:"response_size_bytes"`
	ContentType       string     `db:"content_type"`
	Payload           []byte     `db:"payload"`
	DataQualityScore  float64    `db:"data_quality_score"`
	BatchID           string     `db:"batch_id"`
	Attempt           int        `db:"attempt"`
	IsRetry           bool       `db:"is_retry"`
	ParentSnapshotID  *int64     `db:"parent_snapshot_id"`
	ProcessedCount    int        `db:"processed_count"`
	ErrorCount        int        `db:"error_count"`
	ErrorMessage      string     `db:"error_message"`
	ErrorType         string     `db:"error_type"`
	ProcessedAt       *time.Time `db:"processed_at"`
	CreatedAt         time.Time  `db:"created_at"`
}

func (r snapshotRow) toDomain() domain.Snapshot {
	return domain.Snapshot{
		ID:                r.ID,
		SiteID:            r.SiteID,
		Endpoint:          r.Endpoint,
		Method:            r.Method,
		RequestParams:     r.RequestParams,
		CapturedAt:        r.CapturedAt.UTC(),
		ResponseStatus:    r.ResponseStatus,
		ResponseHeaders:   r.ResponseHeaders,
		ResponseTimeMs:    r.ResponseTimeMs,
		ResponseSizeBytes: r.ResponseSizeBytes,
		ContentType:       r.ContentType,
		Payload:           r.Payload,
		DataQualityScore:  r.DataQualityScore,
		BatchID:           r.BatchID,
		Attempt:           r.Attempt,
		IsRetry:           r.IsRetry,
		ParentSnapshotID:  r.ParentSnapshotID,
		ProcessedCount:    r.ProcessedCount,
		ErrorCount:        r.ErrorCount,
		ErrorMessage:      r.ErrorMessage,
		ErrorType:         r.ErrorType,
		ProcessedAt:       utcPtr(r.ProcessedAt),
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

var articleColumns = []string{
	"id", "external_id", "site_id", "author_id", "category_id", "title", "slug", "url",
	"canonical_url", "content_hash", "summary", "content_excerpt", "image_url", "tags",
	"published_at", "word_count", "reading_time_minutes", "language", "first_seen", "last_seen",
	"last_updated", "is_active", "is_duplicate", "duplicate_of_id", "quality_score",
	"trending_score", "created_at", "updated_at",
}

type articleRow struct {
	ID                 int64          `db:"id"`
	ExternalID         string         `db:"external_id"`
	SiteID             int64          `db:"site_id"`
	AuthorID           *int64         `db:"author_id"`
	CategoryID         *int64         `db:"category_id"`
	Title              string         `db:"title"`
	Slug               string         `db:"slug"`
	URL                string         `db:"url"`
	CanonicalURL       string         `db:"canonical_url"`
	ContentHash        string         `db:"content_hash"`
	Summary            string         `db:"summary"`
	ContentExcerpt     string         `db:"content_excerpt"`
	ImageURL           string         `db:"image_url"`
	Tags               pq.StringArray `db:"tags"`
	PublishedAt        *time.Time     `db:"published_at"`
	WordCount          int            `db:"word_count"`
	ReadingTimeMinutes int            `db:"reading_time_minutes"`
	Language           string         `db:"language"`
	FirstSeen          time.Time      `db:"first_seen"`
	LastSeen           time.Time      `db:"last_seen"`
	LastUpdated        *time.Time     `db:"last_updated"`
	IsActive           bool           `db:"is_active"`
	IsDuplicate        bool           `db:"is_duplicate"`
	DuplicateOfID      *int64         `db:"duplicate_of_id"`
	QualityScore       float64        `db:"quality_score"`
	TrendingScore      float64        `db:"trending_score"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r articleRow) toDomain() domain.Article {
	var tags []string
	if len(r.Tags) > 0 {
		tags = []string(r.Tags)
	}
	return domain.Article{
		ID:                 r.ID,
		ExternalID:         r.ExternalID,
		SiteID:             r.SiteID,
		AuthorID:           r.AuthorID,
		CategoryID:         r.CategoryID,
		Title:              r.Title,
		Slug:               r.Slug,
		URL:                r.URL,
		CanonicalURL:       r.CanonicalURL,
		ContentHash:        r.ContentHash,
		Summary:            r.Summary,
		ContentExcerpt:     r.ContentExcerpt,
		ImageURL:           r.ImageURL,
		Tags:               tags,
		PublishedAt:        utcPtr(r.PublishedAt),
		WordCount:          r.WordCount,
		ReadingTimeMinutes: r.ReadingTimeMinutes,
		Language:           r.Language,
		FirstSeen:          r.FirstSeen.UTC(),
		LastSeen:           r.LastSeen.UTC(),
		LastUpdated:        utcPtr(r.LastUpdated),
		IsActive:           r.IsActive,
		IsDuplicate:        r.IsDuplicate,
		DuplicateOfID:      r.DuplicateOfID,
		QualityScore:       r.QualityScore,
		TrendingScore:      r.TrendingScore,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

// articleValues lists the writable columns shared by insert and update.
func articleValues(a domain.Article) map[string]any {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"author_id":            a.AuthorID,
		"category_id":          a.CategoryID,
		"title":                a.Title,
		"slug":                 a.Slug,
		"url":                  a.URL,
		"canonical_url":        a.CanonicalURL,
		"content_hash":         a.ContentHash,
		"summary":              a.Summary,
		"content_excerpt":      a.ContentExcerpt,
		"image_url":            a.ImageURL,
		"tags":                 pq.StringArray(tags),
		"published_at":         a.PublishedAt,
		"word_count":           a.WordCount,
		"reading_time_minutes": a.ReadingTimeMinutes,
		"language":             a.Language,
		"last_seen":            a.LastSeen,
		"last_updated":         a.LastUpdated,
		"is_active":            a.IsActive,
		"is_duplicate":         a.IsDuplicate,
		"duplicate_of_id":      a.DuplicateOfID,
		"quality_score":        a.QualityScore,
	}
}

var historyColumns = []string{
	"id", "article_id", "snapshot_id", "change_type", "field_name", "old_value", "new_value",
	"change_source", "changed_at", "is_significant", "confidence_score",
}

type historyRow struct {
	ID              int64     `db:"id"`
	ArticleID       int64     `db:"article_id"`
	SnapshotID      *int64    `db:"snapshot_id"`
	ChangeType      string    `db:"change_type"`
	FieldName       string    `db:"field_name"`
	OldValue        *string   `db:"old_value"`
	NewValue        *string   `db:"new_value"`
	ChangeSource    string    `db:"change_source"`
	ChangedAt       time.Time `db:"changed_at"`
	IsSignificant   bool      `db:"is_significant"`
	ConfidenceScore float64   `db:"confidence_score"`
}

func (r historyRow) toDomain() domain.History {
	return domain.History{
		ID:              r.ID,
		ArticleID:       r.ArticleID,
		SnapshotID:      r.SnapshotID,
		ChangeType:      domain.ChangeType(r.ChangeType),
		FieldName:       r.FieldName,
		OldValue:        r.OldValue,
		NewValue:        r.NewValue,
		ChangeSource:    r.ChangeSource,
		ChangedAt:       r.ChangedAt.UTC(),
		IsSignificant:   r.IsSignificant,
		ConfidenceScore: r.ConfidenceScore,
	}
}

var statsColumns = []string{
	"id", "site_id", "period_start", "period_end", "period_type", "total_requests",
	"successful_requests", "failed_requests", "avg_response_time_ms", "min_response_time_ms",
	"max_response_time_ms", "total_response_size_bytes", "retry_count", "error_types",
	"total_articles_found", "new_articles_created", "articles_updated", "duplicate_articles_found",
	"processing_errors", "unique_authors_found", "unique_categories_found", "total_word_count",
	"avg_article_quality", "error_rate", "data_quality_score", "content_freshness_score",
}

type statsRow struct {
	ID                     int64      `db:"id"`
	SiteID                 int64      `db:"site_id"`
	PeriodStart            time.Time  `db:"period_start"`
	PeriodEnd              time.Time  `db:"period_end"`
	PeriodType             string     `db:"period_type"`
	TotalRequests          int        `db:"total_requests"`
	SuccessfulRequests     int        `db:"successful_requests"`
	FailedRequests         int        `db:"failed_requests"`
	AvgResponseTimeMs      *float64   `db:"avg_response_time_ms"`
	MinResponseTimeMs      *int64     `db:"min_response_time_ms"`
	MaxResponseTimeMs      *int64     `db:"max_response_time_ms"`
	TotalResponseSizeBytes int64      `db:"total_response_size_bytes"`
	RetryCount             int        `db:"retry_count"`
	ErrorTypes             jsonCounts `db:"error_types"`
	TotalArticlesFound     int        `db:"total_articles_found"`
	NewArticlesCreated     int        `db:"new_articles_created"`
	ArticlesUpdated        int        `db:"articles_updated"`
	DuplicateArticlesFound int        `db:"duplicate_articles_found"`
	ProcessingErrors       int        `db:"processing_errors"`
	UniqueAuthorsFound     int        `db:"unique_authors_found"`
	UniqueCategoriesFound  int        `db:"unique_categories_found"`
	TotalWordCount         int        `db:"total_word_count"`
	AvgArticleQuality      *float64   `db:"avg_article_quality"`
	ErrorRate              float64    `db:"error_rate"`
	DataQualityScore       *float64   `db:"data_quality_score"`
	ContentFreshnessScore  *float64   `db:"content_freshness_score"`
}

func (r statsRow) toDomain() domain.CollectionStats {
	counts := map[string]int(r.ErrorTypes)
	if counts == nil {
		counts = map[string]int{}
	}
	return domain.CollectionStats{
		ID:                     r.ID,
		SiteID:                 r.SiteID,
		PeriodStart:            r.PeriodStart.UTC(),
		PeriodEnd:              r.PeriodEnd.UTC(),
		PeriodType:             domain.PeriodType(r.PeriodType),
		TotalRequests:          r.TotalRequests,
		SuccessfulRequests:     r.SuccessfulRequests,
		FailedRequests:         r.FailedRequests,
		AvgResponseTimeMs:      r.AvgResponseTimeMs,
		MinResponseTimeMs:      r.MinResponseTimeMs,
		MaxResponseTimeMs:      r.MaxResponseTimeMs,
		TotalResponseSizeBytes: r.TotalResponseSizeBytes,
		RetryCount:             r.RetryCount,
		ErrorTypes:             counts,
		TotalArticlesFound:     r.TotalArticlesFound,
		NewArticlesCreated:     r.NewArticlesCreated,
		ArticlesUpdated:        r.ArticlesUpdated,
		DuplicateArticlesFound: r.DuplicateArticlesFound,
		ProcessingErrors:       r.ProcessingErrors,
		UniqueAuthorsFound:     r.UniqueAuthorsFound,
		UniqueCategoriesFound:  r.UniqueCategoriesFound,
		TotalWordCount:         r.TotalWordCount,
		AvgArticleQuality:      r.AvgArticleQuality,
		ErrorRate:              r.ErrorRate,
		DataQualityScore:       r.DataQualityScore,
		ContentFreshnessScore:  r.ContentFreshnessScore,
	}
}

type authorRow struct {
	ID               int64      `db:"id"`
	SiteID           int64      `db:"site_id"`
	Name             string     `db:"name"`
	TotalArticles    int        `db:"total_articles"`
	FirstArticleDate *time.Time `db:"first_article_date"`
	LastArticleDate  *time.Time `db:"last_article_date"`
}

type categoryRow struct {
	ID                  int64      `db:"id"`
	SiteID              int64      `db:"site_id"`
	Name                string     `db:"name"`
	TotalArticles       int        `db:"total_articles"`
	RecentArticlesCount int        `db:"recent_articles_count"`
	FirstArticleDate    *time.Time `db:"first_article_date"`
	LastArticleDate     *time.Time `db:"last_article_date"`
	TrendingScore       float64    `db:"trending_score"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
