package domain

import (
	"fmt"
	"time"
)

// PeriodType is the granularity of a statistics window.
type PeriodType string

const (
	PeriodHour  PeriodType = "hour"
	PeriodDay   PeriodType = "day"
	PeriodWeek  PeriodType = "week"
	PeriodMonth PeriodType = "month"
)

// Period is a half-open window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
	Type  PeriodType
}

// Contains reports whether t falls within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodFor returns the UTC window of the given type that contains t.
func PeriodFor(t time.Time, typ PeriodType) (Period, error) {
	t = t.UTC()
	var start, end time.Time
	switch typ {
	case PeriodHour:
		start = t.Truncate(time.Hour)
		end = start.Add(time.Hour)
	case PeriodDay:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case PeriodWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		end = start.AddDate(0, 0, 7)
	case PeriodMonth:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		return Period{}, fmt.Errorf("unknown period type %q", typ)
	}
	return Period{Start: start, End: end, Type: typ}, nil
}

// CollectionStats is the per-site rollup of one period. Recomputed, never incremented.
type CollectionStats struct {
	ID                     int64
	SiteID                 int64
	PeriodStart            time.Time
	PeriodEnd              time.Time
	PeriodType             PeriodType
	TotalRequests          int
	SuccessfulRequests     int
	FailedRequests         int
	AvgResponseTimeMs      *float64
	MinResponseTimeMs      *int64
	MaxResponseTimeMs      *int64
	TotalResponseSizeBytes int64
	RetryCount             int
	ErrorTypes             map[string]int
	TotalArticlesFound     int
	NewArticlesCreated     int
	ArticlesUpdated        int
	DuplicateArticlesFound int
	ProcessingErrors       int
	UniqueAuthorsFound     int
	UniqueCategoriesFound  int
	TotalWordCount         int
	AvgArticleQuality      *float64
	ErrorRate              float64
	DataQualityScore       *float64
	ContentFreshnessScore  *float64
}

// TrendingScore is a time-decayed activity score for a category or an article.
type TrendingScore struct {
	ID     int64
	Score  float64
	Events int
}
