// Package ratelimit throttles collection cycles with one token bucket per site.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

// SiteLimiter keeps a token bucket per site sized from rate_limit_per_hour.
// A site with no limit is never throttled.
type SiteLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*entry
	logger   *slog.Logger
}

type entry struct {
	perHour int
	limiter *rate.Limiter
}

var _ ports.RateLimiter = (*SiteLimiter)(nil)

// NewSiteLimiter creates an empty limiter set.
func NewSiteLimiter(logger *slog.Logger) *SiteLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SiteLimiter{limiters: map[int64]*entry{}, logger: logger.With("component", "ratelimit")}
}

// Wait blocks until the site may start another cycle.
func (s *SiteLimiter) Wait(ctx context.Context, site domain.Site) error {
	limiter := s.limiterFor(site)
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		s.logger.Warn("rate limit wait failed", "site", site.Key, "error", err)
		return err
	}
	return nil
}

// Allow reports whether a cycle may start now without waiting.
func (s *SiteLimiter) Allow(site domain.Site) bool {
	limiter := s.limiterFor(site)
	return limiter == nil || limiter.Allow()
}

func (s *SiteLimiter) limiterFor(site domain.Site) *rate.Limiter {
	if site.RateLimitPerHour <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.limiters[site.ID]
	if !ok {
		e = &entry{perHour: site.RateLimitPerHour, limiter: rate.NewLimiter(perHour(site.RateLimitPerHour), 1)}
		s.limiters[site.ID] = e
		return e.limiter
	}
	if e.perHour != site.RateLimitPerHour {
		e.perHour = site.RateLimitPerHour
		e.limiter.SetLimit(perHour(site.RateLimitPerHour))
		s.logger.Info("rate limit updated", "site", site.Key, "per_hour", site.RateLimitPerHour)
	}
	return e.limiter
}

func perHour(n int) rate.Limit {
	return rate.Limit(float64(n) / 3600)
}
