package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TechThermometer/internal/domain"
)

func TestPrometheusCounters(t *testing.T) {
	t.Parallel()

	m := NewPrometheus()
	m.ObserveCollection("tecmundo", true, 1, 200*time.Millisecond)
	m.ObserveCollection("tecmundo", false, 4, time.Second)
	m.ObserveResolution("tecmundo", domain.ResolutionResult{Created: 3, Duplicates: 1})
	m.ObserveHistory("tecmundo", domain.ChangeContent)
	m.ObserveHistory("tecmundo", domain.ChangeContent)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.collections.WithLabelValues("tecmundo", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.collections.WithLabelValues("tecmundo", "false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.recordsResolved.WithLabelValues("tecmundo", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsResolved.WithLabelValues("tecmundo", "duplicate")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.historyRows.WithLabelValues("tecmundo", "content")))
}

func TestHandlerExposesSeries(t *testing.T) {
	t.Parallel()

	m := NewPrometheus()
	m.ObserveAggregation("tecmundo", domain.PeriodDay, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "techthermometer_stats_aggregation_duration_seconds"))
}
