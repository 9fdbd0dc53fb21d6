package domain

import "time"

// ChangeType groups tracked fields for history queries.
type ChangeType string

const (
	ChangeContent   ChangeType = "content"
	ChangeMetadata  ChangeType = "metadata"
	ChangeMedia     ChangeType = "media"
	ChangeAnalysis  ChangeType = "analysis"
	ChangeReference ChangeType = "reference"
)

// ChangeSourceCollection marks history rows produced by automatic collection.
const ChangeSourceCollection = "collection"

// History is one append-only field change on an article.
type History struct {
	ID              int64
	ArticleID       int64
	SnapshotID      *int64
	ChangeType      ChangeType
	FieldName       string
	OldValue        *string
	NewValue        *string
	ChangeSource    string
	ChangedAt       time.Time
	IsSignificant   bool
	ConfidenceScore float64
}
