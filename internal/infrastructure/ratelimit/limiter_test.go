package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TechThermometer/internal/domain"
)

func TestSiteLimiterBurstOfOne(t *testing.T) {
	t.Parallel()

	limiter := NewSiteLimiter(nil)
	site := domain.Site{ID: 1, Key: "tecmundo", RateLimitPerHour: 60}

	assert.True(t, limiter.Allow(site))
	assert.False(t, limiter.Allow(site), "second cycle within a minute must be throttled")

	other := domain.Site{ID: 2, Key: "olhardigital", RateLimitPerHour: 60}
	assert.True(t, limiter.Allow(other), "sites are throttled independently")
}

func TestSiteLimiterUnlimited(t *testing.T) {
	t.Parallel()

	limiter := NewSiteLimiter(nil)
	site := domain.Site{ID: 1, Key: "free"}
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Wait(context.Background(), site))
	}
}

func TestSiteLimiterWaitRespectsContext(t *testing.T) {
	t.Parallel()

	limiter := NewSiteLimiter(nil)
	site := domain.Site{ID: 1, Key: "slow", RateLimitPerHour: 1}
	require.NoError(t, limiter.Wait(context.Background(), site))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, limiter.Wait(ctx, site))
}
