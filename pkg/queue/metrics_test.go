package queue

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsFollowClient(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()
	metrics := NewMetrics("")

	a := newTestClient(store, "a", WithMetrics(metrics))
	b := newTestClient(store, "b", WithMetrics(metrics))

	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	_, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	_, err = b.TryAcquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues("processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues("waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WaitingEntries))

	require.NoError(t, a.Release(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReleasesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PromotionsTotal))

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "speechq_releases_total")
}

func TestNilMetricsAreIgnored(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.admission("processing")
		m.observeSnapshot(Snapshot{})
		m.swept(SweepReport{Deleted: 1})
		m.storeError("list")
	})
}
