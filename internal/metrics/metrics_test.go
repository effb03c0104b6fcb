package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/pkg/catalogservice"
)

var _ catalogservice.Recorder = (*Metrics)(nil)

func TestObserveCountsByStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Observe("catalog_ingest", "a", time.Millisecond, nil)
	m.Observe("catalog_ingest", "a", time.Millisecond, nil)
	m.Observe("catalog_ingest", "a", time.Millisecond, errors.New("boom"))
	m.Observe("query", "", time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("catalog_ingest", "a", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("catalog_ingest", "a", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("query", "", "success")))
}

func TestSetCatalogs(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetCatalogs(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CatalogsTotal))
}

func TestRecordGrpcRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordGrpcRequest("/grpc.health.v1.Health/Check", "OK", 2*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues("/grpc.health.v1.Health/Check", "OK")))
	n, err := testutil.GatherAndCount(reg, "catalogd_grpc_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFreshRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestUptimeStops(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.StartUptime(time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ServerUptimeSeconds) > 0
	}, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}
