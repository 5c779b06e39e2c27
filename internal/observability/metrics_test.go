package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSync(t *testing.T) {
	before := testutil.ToFloat64(activitiesReconciled.WithLabelValues("strava-test", "added"))

	RecordSync("strava-test", "partial", 2*time.Second, 3, 1, 1, false)

	assert.Equal(t, before+3, testutil.ToFloat64(activitiesReconciled.WithLabelValues("strava-test", "added")))
	assert.Equal(t, float64(1), testutil.ToFloat64(syncRuns.WithLabelValues("strava-test", "partial")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordProviderRequest("nike", "200")
	RecordRateLimitWait("nike", 1500*time.Millisecond)
	RecordPageRetry("nike")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	for _, name := range []string{
		"fitsync_provider_requests_total",
		"fitsync_provider_rate_limit_wait_seconds_total",
		"fitsync_provider_page_retries_total",
	} {
		assert.True(t, strings.Contains(out, name), "missing %s", name)
	}
}
