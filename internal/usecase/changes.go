package usecase

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"TechThermometer/internal/domain"
)

// ChangeTrackerConfig tunes how differences are classified.
type ChangeTrackerConfig struct {
	// IgnoreCaseAndSpace marks whitespace or casing-only text edits insignificant.
	IgnoreCaseAndSpace bool
	// MinTextChangeRatio is the share of changed words below which an edit is insignificant.
	MinTextChangeRatio float64
	// FuzzyMatchConfidence is reported for articles matched by canonical URL only.
	FuzzyMatchConfidence float64
}

// DefaultChangeTrackerConfig mirrors the defaults of the configuration file.
func DefaultChangeTrackerConfig() ChangeTrackerConfig {
	return ChangeTrackerConfig{IgnoreCaseAndSpace: true, FuzzyMatchConfidence: 0.7}
}

// ChangeTracker diffs the tracked fields of two versions of an article.
type ChangeTracker struct {
	cfg ChangeTrackerConfig
}

// NewChangeTracker builds a tracker with the given thresholds.
func NewChangeTracker(cfg ChangeTrackerConfig) *ChangeTracker {
	return &ChangeTracker{cfg: cfg}
}

type trackedField struct {
	name       string
	changeType domain.ChangeType
	text       bool
	value      func(a domain.Article) *string
}

var trackedFields = []trackedField{
	{name: "title", changeType: domain.ChangeContent, text: true, value: func(a domain.Article) *string { return optional(a.Title) }},
	{name: "summary", changeType: domain.ChangeContent, text: true, value: func(a domain.Article) *string { return optional(a.Summary) }},
	{name: "category_id", changeType: domain.ChangeReference, value: func(a domain.Article) *string { return optionalID(a.CategoryID) }},
	{name: "author_id", changeType: domain.ChangeReference, value: func(a domain.Article) *string { return optionalID(a.AuthorID) }},
	{name: "image_url", changeType: domain.ChangeMedia, value: func(a domain.Article) *string { return optional(a.ImageURL) }},
	{name: "tags", changeType: domain.ChangeAnalysis, text: true, value: func(a domain.Article) *string { return optional(joinTags(a.Tags)) }},
}

// Diff emits one history row per tracked field that differs between old and
// updated. Rows are stamped with the snapshot and its capture time.
func (t *ChangeTracker) Diff(old, updated domain.Article, snapshotID int64, match domain.MatchKind, at time.Time) []domain.History {
	confidence := 1.0
	if match == domain.MatchCanonicalURL {
		confidence = t.cfg.FuzzyMatchConfidence
	}

	var sid *int64
	if snapshotID != 0 {
		sid = &snapshotID
	}

	var entries []domain.History
	for _, field := range trackedFields {
		before, after := field.value(old), field.value(updated)
		if equalOptional(before, after) {
			continue
		}
		significant := true
		if field.text {
			significant = t.significant(deref(before), deref(after))
		}
		entries = append(entries, domain.History{
			ArticleID:       old.ID,
			SnapshotID:      sid,
			ChangeType:      field.changeType,
			FieldName:       field.name,
			OldValue:        before,
			NewValue:        after,
			ChangeSource:    domain.ChangeSourceCollection,
			ChangedAt:       at,
			IsSignificant:   significant,
			ConfidenceScore: confidence,
		})
	}
	return entries
}

func (t *ChangeTracker) significant(before, after string) bool {
	if t.cfg.IgnoreCaseAndSpace && normalizeText(before) == normalizeText(after) {
		return false
	}
	if t.cfg.MinTextChangeRatio > 0 && wordChangeRatio(before, after) < t.cfg.MinTextChangeRatio {
		return false
	}
	return true
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// wordChangeRatio is the share of words added or removed relative to the longer text.
func wordChangeRatio(before, after string) float64 {
	a, b := strings.Fields(strings.ToLower(before)), strings.Fields(strings.ToLower(after))
	longest := max(len(a), len(b))
	if longest == 0 {
		return 0
	}
	counts := make(map[string]int, len(a))
	for _, w := range a {
		counts[w]++
	}
	changed := 0
	for _, w := range b {
		if counts[w] > 0 {
			counts[w]--
			continue
		}
		changed++
	}
	for _, left := range counts {
		changed += left
	}
	ratio := float64(changed) / float64(2*longest)
	return min(ratio, 1)
}

// joinTags renders tags order-insensitively so reordering alone is not a change.
func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalID(id *int64) *string {
	if id == nil {
		return nil
	}
	s := strconv.FormatInt(*id, 10)
	return &s
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
