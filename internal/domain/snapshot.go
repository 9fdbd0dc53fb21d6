package domain

import "time"

// Snapshot is an immutable raw capture of one request attempt. ErrorType is
// the collector's failure bucket and is empty for a successful attempt.
// Only the resolver's completion fields (ProcessedCount, ErrorCount, ErrorMessage,
// ProcessedAt) are written after creation, and only once.
type Snapshot struct {
	ID                int64
	SiteID            int64
	Endpoint          string
	Method            string
	RequestParams     map[string]string
	CapturedAt        time.Time
	ResponseStatus    int
	ResponseHeaders   map[string]string
	ResponseTimeMs    int64
	ResponseSizeBytes int64
	ContentType       string
	Payload           []byte
	DataQualityScore  float64
	BatchID           string
	Attempt           int
	IsRetry           bool
	ParentSnapshotID  *int64
	ProcessedCount    int
	ErrorCount        int
	ErrorMessage      string
	ErrorType         string
	ProcessedAt       *time.Time
	CreatedAt         time.Time
}

// IsSuccessful reports a 2xx response with no transport error. A body that
// failed to read after a 2xx status is a failure.
func (s Snapshot) IsSuccessful() bool {
	return s.ErrorType == "" && s.ResponseStatus >= 200 && s.ResponseStatus < 300
}

// IsProcessed reports whether the resolver already consumed the snapshot.
func (s Snapshot) IsProcessed() bool {
	return s.ProcessedAt != nil
}

// ProcessingOutcome is the one-time completion write made by the resolver.
type ProcessingOutcome struct {
	ProcessedCount int
	ErrorCount     int
	ErrorMessage   string
	ProcessedAt    time.Time
}

// FetchRequest is what the collector hands to the transport.
type FetchRequest struct {
	Method  string
	URL     string
	Params  map[string]string
	Headers map[string]string
}

// FetchResponse is the transport's raw answer.
type FetchResponse struct {
	Status    int
	Headers   map[string]string
	Body      []byte
	Elapsed   time.Duration
	SizeBytes int64
}
