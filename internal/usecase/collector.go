package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

const slowResponseThreshold = 10 * time.Second

// CollectorConfig carries the collection settings shared by every site.
type CollectorConfig struct {
	MaxRetryDelay time.Duration
	UserAgent     string
}

// CollectorDeps wires the collector to its adapters.
type CollectorDeps struct {
	Registry  *SiteRegistry
	Snapshots ports.SnapshotRepository
	Transport ports.Transport
	Metrics   ports.Metrics
	Logger    *slog.Logger
	Config    CollectorConfig

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Collector runs one collection cycle per call: request, snapshot, retries.
type Collector struct {
	registry  *SiteRegistry
	snapshots ports.SnapshotRepository
	transport ports.Transport
	metrics   ports.Metrics
	logger    *slog.Logger
	cfg       CollectorConfig
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewCollector constructs the collector.
func NewCollector(deps CollectorDeps) *Collector {
	c := &Collector{
		registry:  deps.Registry,
		snapshots: deps.Snapshots,
		transport: deps.Transport,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       deps.Config,
		now:       deps.Now,
		sleep:     deps.Sleep,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "collector")
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// Collect fetches the site's primary endpoint. Every attempt is stored as a
// snapshot; retries link to the previous attempt. On final failure the last
// snapshot is returned together with a *domain.CollectionError.
func (c *Collector) Collect(ctx context.Context, site domain.Site) (domain.Snapshot, error) {
	if err := ValidateSite(site); err != nil {
		return domain.Snapshot{}, err
	}
	endpoint, template := site.PrimaryEndpoint()
	req, err := BuildRequest(site, template, c.cfg.UserAgent)
	if err != nil {
		return domain.Snapshot{}, err
	}

	logger := c.logger.With("site", site.Key, "endpoint", endpoint)
	batchID := uuid.NewString()
	maxAttempts := site.RetryCount + 1
	started := c.now()

	var (
		last     domain.Snapshot
		parentID *int64
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(site.RetryDelay, attempt-1)
			if err := c.sleep(ctx, delay); err != nil {
				logger.Warn("retry interrupted", "attempt", attempt, "error", err)
				break
			}
		}
		attempts++

		snapshot, fetchErr := c.attempt(ctx, site, endpoint, req)
		snapshot.BatchID = batchID
		snapshot.Attempt = attempt
		snapshot.IsRetry = attempt > 0
		snapshot.ParentSnapshotID = parentID

		// The record of the attempt must survive a cancelled cycle.
		saved, err := c.snapshots.CreateSnapshot(context.WithoutCancel(ctx), snapshot)
		if err != nil {
			return last, fmt.Errorf("store snapshot for %s: %w", site.Key, err)
		}
		last = saved
		id := saved.ID
		parentID = &id

		if fetchErr == nil {
			if err := c.registry.RecordSuccess(context.WithoutCancel(ctx), site, saved.CapturedAt); err != nil {
				return saved, err
			}
			c.observe(site, true, attempts, started)
			logger.Info("collection succeeded",
				"snapshot_id", saved.ID,
				"attempt", attempt,
				"status", saved.ResponseStatus,
				"bytes", saved.ResponseSizeBytes)
			return saved, nil
		}

		lastErr = fetchErr
		logger.Warn("collection attempt failed",
			"snapshot_id", saved.ID,
			"attempt", attempt,
			"status", saved.ResponseStatus,
			"error", fetchErr)
		if ctx.Err() != nil {
			break
		}
	}

	count, err := c.registry.RecordFailure(context.WithoutCancel(ctx), site)
	if err != nil {
		return last, err
	}
	c.observe(site, false, attempts, started)
	logger.Error("collection failed", "attempts", attempts, "error_count", count, "error", lastErr)
	return last, &domain.CollectionError{Site: site.Key, Attempts: attempts, Err: lastErr}
}

func (c *Collector) attempt(ctx context.Context, site domain.Site, endpoint string, req domain.FetchRequest) (domain.Snapshot, error) {
	captured := c.now()
	snapshot := domain.Snapshot{
		SiteID:        site.ID,
		Endpoint:      endpoint,
		Method:        req.Method,
		RequestParams: site.Params,
		CapturedAt:    captured,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, site.RequestTimeout)
	defer cancel()

	resp, err := c.transport.Fetch(attemptCtx, req)
	elapsed := resp.Elapsed
	if elapsed == 0 {
		elapsed = c.now().Sub(captured)
	}

	snapshot.ResponseStatus = resp.Status
	snapshot.ResponseHeaders = resp.Headers
	snapshot.ResponseTimeMs = elapsed.Milliseconds()
	snapshot.ResponseSizeBytes = resp.SizeBytes
	if snapshot.ResponseSizeBytes == 0 {
		snapshot.ResponseSizeBytes = int64(len(resp.Body))
	}
	snapshot.ContentType = resp.Headers["Content-Type"]
	snapshot.Payload = resp.Body

	if err == nil && (resp.Status < 200 || resp.Status >= 300) {
		err = &domain.TransientTransportError{Status: resp.Status}
	} else if err != nil {
		var transient *domain.TransientTransportError
		if !errors.As(err, &transient) {
			err = &domain.TransientTransportError{Status: resp.Status, Err: err}
		}
	}
	if err != nil {
		snapshot.ErrorMessage = err.Error()
		snapshot.ErrorType = ErrorType(snapshot)
	}
	snapshot.DataQualityScore = SnapshotQuality(snapshot, 0)
	return snapshot, err
}

// backoff returns retryDelay * 2^n capped by the configured maximum.
func (c *Collector) backoff(retryDelay time.Duration, n int) time.Duration {
	delay := time.Duration(float64(retryDelay) * math.Pow(2, float64(n)))
	if c.cfg.MaxRetryDelay > 0 && (delay > c.cfg.MaxRetryDelay || delay < 0) {
		return c.cfg.MaxRetryDelay
	}
	return delay
}

func (c *Collector) observe(site domain.Site, success bool, attempts int, started time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveCollection(site.Key, success, attempts, c.now().Sub(started))
}

// SnapshotQuality scores a capture from 0 to 100: non-2xx costs 50, an empty
// payload 30, each validation error 2 (at most 20) and a slow response 10.
func SnapshotQuality(s domain.Snapshot, validationErrors int) float64 {
	score := 100.0
	if !s.IsSuccessful() {
		score -= 50
	}
	if len(s.Payload) == 0 {
		score -= 30
	}
	score -= math.Min(float64(validationErrors)*2, 20)
	if time.Duration(s.ResponseTimeMs)*time.Millisecond > slowResponseThreshold {
		score -= 10
	}
	return math.Max(score, 0)
}

// ErrorType buckets a failed attempt for the stats error breakdown. A 2xx
// status whose body could not be read is classified by the transport error.
func ErrorType(s domain.Snapshot) string {
	switch {
	case s.ResponseStatus >= 500:
		return fmt.Sprintf("http_%d", s.ResponseStatus)
	case s.ResponseStatus == http.StatusTooManyRequests:
		return "rate_limited"
	case s.ResponseStatus >= 400:
		return fmt.Sprintf("http_%d", s.ResponseStatus)
	case s.ResponseStatus > 0 && (s.ResponseStatus < 200 || s.ResponseStatus >= 300):
		return "unexpected_status"
	case containsAny(s.ErrorMessage, "deadline exceeded", "timeout"):
		return "timeout"
	case containsAny(s.ErrorMessage, "canceled"):
		return "canceled"
	case containsAny(s.ErrorMessage, "exceeds size limit"):
		return "body_too_large"
	case s.ResponseStatus > 0:
		return "body_read"
	default:
		return "network"
	}
}

// failureType prefers the bucket stored at capture time.
func failureType(s domain.Snapshot) string {
	if s.ErrorType != "" {
		return s.ErrorType
	}
	return ErrorType(s)
}

func containsAny(s string, needles ...string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
