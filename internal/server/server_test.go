// Integration tests for the catalog daemon servers
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/catalogfed/internal/logger"
	"github.com/nainya/catalogfed/internal/metrics"
	"github.com/nainya/catalogfed/pkg/catalog"
	"github.com/nainya/catalogfed/pkg/catalogservice"
	"github.com/nainya/catalogfed/pkg/index/memory"
	"github.com/nainya/catalogfed/pkg/metadata"
	"github.com/nainya/catalogfed/pkg/transaction"
)

const bufSize = 1024 * 1024

func quiet() *logger.Logger {
	return logger.NewLogger(logger.Config{Output: io.Discard})
}

func newService(t *testing.T, rec catalogservice.Recorder, ids ...string) *catalogservice.Service {
	t.Helper()
	var cs []*catalog.Catalog
	for _, id := range ids {
		c, err := catalog.New(id, memory.New(transaction.NewLongFactory(1), zerolog.Nop()))
		require.NoError(t, err)
		cs = append(cs, c)
	}
	opts := []catalogservice.Option{catalogservice.WithCatalogs(cs...)}
	if rec != nil {
		opts = append(opts, catalogservice.WithRecorder(rec))
	}
	return catalogservice.New(catalogservice.Config{}, opts...)
}

func setupTestServer(t *testing.T, reg Registry, m *metrics.Metrics) (*Server, healthpb.HealthClient) {
	t.Helper()
	srv := NewServer(reg, m, quiet())
	lis := bufconn.Listen(bufSize)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		lis.Close()
	})
	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthReportsCatalogs(t *testing.T) {
	svc := newService(t, nil, "a", "b")
	_, client := setupTestServer(t, svc, nil)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, CatalogHealthName("a")))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, CatalogHealthName("b")))

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: CatalogHealthName("zzz")})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSyncHealthFollowsRegistry(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil, "a", "b")
	srv, client := setupTestServer(t, svc, nil)

	require.NoError(t, svc.ModifyIngestPermission("b", true))
	require.NoError(t, svc.ModifyQueryPermission("b", true))
	_, err := svc.RemoveCatalog(ctx, "a")
	require.NoError(t, err)
	srv.SyncHealth()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, CatalogHealthName("a")))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, CatalogHealthName("b")))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))

	_, err = svc.RemoveCatalog(ctx, "b")
	require.NoError(t, err)
	srv.SyncHealth()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName))
}

func TestInterceptorRecordsRequests(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	svc := newService(t, nil, "a")
	_, client := setupTestServer(t, svc, m)

	check(t, client, "")
	check(t, client, ServiceName)
	_, _ = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "missing"})

	method := healthpb.Health_Check_FullMethodName
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues(method, "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues(method, "NotFound")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.GrpcRequestsInFlight))
}

func TestInterceptorLogsPerMethod(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLogger(logger.Config{Level: "info", Output: &buf})
	m := metrics.NewMetrics(prometheus.NewRegistry())
	intercept := GrpcMetricsInterceptor(m, log)

	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/catalogd.Test/Do"},
		func(context.Context, any) (any, error) {
			return nil, status.Error(codes.Unavailable, "down")
		})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "grpc", entry["component"])
	assert.Equal(t, "/catalogd.Test/Do", entry["method"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues("/catalogd.Test/Do", "Unavailable")))
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec, rec.Body.Bytes()
}

func TestObservabilityEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	svc := newService(t, NewOperationRecorder(m, quiet()), "a", "b")
	require.NoError(t, svc.ModifyQueryPermission("b", true))
	h := NewObservabilityServer(0, svc, reg, quiet()).Handler()

	rec, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"catalogd"}`, string(body))

	rec, body = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","catalogs":2}`, string(body))

	rec, body = get(t, h, "/catalogs")
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []catalogView
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.True(t, list[0].Queryable)
	assert.Equal(t, "b", list[1].ID)
	assert.False(t, list[1].Queryable)

	rec, body = get(t, h, "/catalogs/a")
	assert.Equal(t, http.StatusOK, rec.Code)
	var one catalogView
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, "memory", one.Properties["type"])
	assert.Equal(t, "a", one.Properties["catalog_id"])

	rec, _ = get(t, h, "/catalogs/zzz")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = get(t, h, "/properties")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), `"catalogs":"2"`)

	rec, body = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "catalogd_catalogs_registered 2")
}

func TestReadyWithoutCatalogs(t *testing.T) {
	svc := newService(t, nil)
	h := NewObservabilityServer(0, svc, prometheus.NewRegistry(), quiet()).Handler()
	rec, _ := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOperationRecorderFeedsMetrics(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	svc := newService(t, NewOperationRecorder(m, quiet()), "a")

	_, err := svc.Ingest(context.Background(), metadata.New().Add("Name", "x"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("ingest", "", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("catalog_ingest", "a", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CatalogsTotal))
}
