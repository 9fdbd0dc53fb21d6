package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TechThermometer/internal/domain"
)

func TestDiffTracksFieldsByChangeType(t *testing.T) {
	t.Parallel()
	tracker := NewChangeTracker(DefaultChangeTrackerConfig())

	oldCat, newCat := int64(3), int64(4)
	old := domain.Article{ID: 9, Title: "Same", CategoryID: &oldCat, ImageURL: "http://s/a.png", Tags: []string{"go"}}
	updated := old
	updated.CategoryID = &newCat
	updated.ImageURL = "http://s/b.png"
	updated.Tags = []string{"go", "sql"}

	entries := tracker.Diff(old, updated, 17, domain.MatchExternalID, baseTime)
	require.Len(t, entries, 3)

	byField := map[string]domain.History{}
	for _, e := range entries {
		byField[e.FieldName] = e
		assert.Equal(t, int64(9), e.ArticleID)
		require.NotNil(t, e.SnapshotID)
		assert.Equal(t, int64(17), *e.SnapshotID)
		assert.True(t, e.ChangedAt.Equal(baseTime))
		assert.True(t, e.IsSignificant)
	}
	assert.Equal(t, domain.ChangeReference, byField["category_id"].ChangeType)
	assert.Equal(t, "3", *byField["category_id"].OldValue)
	assert.Equal(t, "4", *byField["category_id"].NewValue)
	assert.Equal(t, domain.ChangeMedia, byField["image_url"].ChangeType)
	assert.Equal(t, domain.ChangeAnalysis, byField["tags"].ChangeType)
	assert.Equal(t, "go,sql", *byField["tags"].NewValue)
}

func TestDiffIgnoresTagOrder(t *testing.T) {
	t.Parallel()
	tracker := NewChangeTracker(DefaultChangeTrackerConfig())

	old := domain.Article{Title: "T", Tags: []string{"b", "a"}}
	updated := domain.Article{Title: "T", Tags: []string{"a", "b"}}
	assert.Empty(t, tracker.Diff(old, updated, 1, domain.MatchExternalID, baseTime))
}

func TestDiffClearedFieldHasNilNewValue(t *testing.T) {
	t.Parallel()
	tracker := NewChangeTracker(DefaultChangeTrackerConfig())

	entries := tracker.Diff(domain.Article{Title: "T", Summary: "gone"}, domain.Article{Title: "T"}, 0, domain.MatchExternalID, baseTime)
	require.Len(t, entries, 1)
	assert.Equal(t, "summary", entries[0].FieldName)
	assert.Nil(t, entries[0].NewValue)
	assert.Nil(t, entries[0].SnapshotID)
}

func TestDiffSignificance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		cfg    ChangeTrackerConfig
		before string
		after  string
		want   bool
	}{
		{"case only", DefaultChangeTrackerConfig(), "Hello World", "hello   world", false},
		{"case only, strict", ChangeTrackerConfig{}, "Hello World", "hello world", true},
		{"small edit under ratio", ChangeTrackerConfig{MinTextChangeRatio: 0.2}, "one two three four five six seven eight nine ten", "one two three four five six seven eight nine eleven", false},
		{"large edit over ratio", ChangeTrackerConfig{MinTextChangeRatio: 0.2}, "one two three four", "five six seven eight", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := NewChangeTracker(tc.cfg)
			entries := tracker.Diff(domain.Article{Title: tc.before}, domain.Article{Title: tc.after}, 1, domain.MatchExternalID, baseTime)
			require.Len(t, entries, 1)
			assert.Equal(t, tc.want, entries[0].IsSignificant)
		})
	}
}

func TestDiffFuzzyMatchConfidence(t *testing.T) {
	t.Parallel()
	tracker := NewChangeTracker(ChangeTrackerConfig{FuzzyMatchConfidence: 0.65})

	entries := tracker.Diff(domain.Article{Title: "A"}, domain.Article{Title: "B"}, 1, domain.MatchCanonicalURL, baseTime)
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.65, entries[0].ConfidenceScore, 1e-9)

	entries = tracker.Diff(domain.Article{Title: "A"}, domain.Article{Title: "B"}, 1, domain.MatchExternalID, baseTime)
	require.Len(t, entries, 1)
	assert.InDelta(t, 1.0, entries[0].ConfidenceScore, 1e-9)
}

func TestWordChangeRatio(t *testing.T) {
	t.Parallel()

	assert.Zero(t, wordChangeRatio("", ""))
	assert.Zero(t, wordChangeRatio("a b c", "c b a"))
	assert.InDelta(t, 1.0, wordChangeRatio("a b", "c d"), 1e-9)
	assert.InDelta(t, 0.5, wordChangeRatio("a b", "a c"), 1e-9)
	assert.InDelta(t, 0.1, wordChangeRatio("a b c d e", "a b c d f"), 1e-9)
}
