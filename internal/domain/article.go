package domain

import "time"

// Article is the canonical, deduplicated record of a piece of content seen on a site.
// Identity is (ExternalID, SiteID).
type Article struct {
	ID                 int64
	ExternalID         string
	SiteID             int64
	AuthorID           *int64
	CategoryID         *int64
	Title              string
	Slug               string
	URL                string
	CanonicalURL       string
	ContentHash        string
	Summary            string
	ContentExcerpt     string
	ImageURL           string
	Tags               []string
	PublishedAt        *time.Time
	WordCount          int
	ReadingTimeMinutes int
	Language           string
	FirstSeen          time.Time
	LastSeen           time.Time
	LastUpdated        *time.Time
	IsActive           bool
	IsDuplicate        bool
	DuplicateOfID      *int64
	QualityScore       float64
	TrendingScore      float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Author is a per-site byline. Counters are derived by the stats aggregator.
type Author struct {
	ID               int64
	SiteID           int64
	Name             string
	TotalArticles    int
	FirstArticleDate *time.Time
	LastArticleDate  *time.Time
}

// Category is a per-site section, unique on (Name, SiteID).
type Category struct {
	ID                  int64
	SiteID              int64
	Name                string
	TotalArticles       int
	RecentArticlesCount int
	FirstArticleDate    *time.Time
	LastArticleDate     *time.Time
	TrendingScore       float64
}

// Record is a loosely typed item extracted from a snapshot payload before resolution.
type Record struct {
	ExternalID  string
	Title       string
	URL         string
	Summary     string
	Content     string
	ImageURL    string
	Author      string
	Category    string
	Tags        []string
	PublishedAt *time.Time
	WordCount   int
}

// MatchKind describes how an incoming record was matched to a stored article.
type MatchKind string

const (
	MatchNone         MatchKind = "none"
	MatchExternalID   MatchKind = "external_id"
	MatchCanonicalURL MatchKind = "canonical_url"
)

// Classification is the answer of an optional category classifier.
type Classification struct {
	Category   string
	Confidence float64
}

// ResolutionResult summarizes one resolver pass over a snapshot.
type ResolutionResult struct {
	SnapshotID int64
	Found      int
	Created    int
	Updated    int
	Unchanged  int
	Duplicates int
	Stale      int
	Errors     int
	Changes    int
}

// Processed is the number of records that made it into the catalog in any form.
func (r ResolutionResult) Processed() int {
	return r.Created + r.Updated + r.Unchanged + r.Duplicates + r.Stale
}
