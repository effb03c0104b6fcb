// Observability middleware and HTTP server for metrics, profiling and catalog introspection
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/nainya/catalogfed/internal/logger"
	"github.com/nainya/catalogfed/internal/metrics"
	"github.com/nainya/catalogfed/pkg/catalog"
)

// Registry is the read side of the catalog service the servers report on
type Registry interface {
	CatalogIDs() []string
	Catalog(id string) (*catalog.Catalog, bool)
	Properties() map[string]string
}

// GrpcMetricsInterceptor creates a unary interceptor for metrics and logging
func GrpcMetricsInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		m.GrpcRequestsInFlight.Inc()
		defer m.GrpcRequestsInFlight.Dec()

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		m.RecordGrpcRequest(info.FullMethod, status.Code(err).String(), duration)
		log.GrpcLogger(info.FullMethod).LogGrpcRequest(duration, err)
		return resp, err
	}
}

// GrpcStreamMetricsInterceptor is the streaming counterpart of
// GrpcMetricsInterceptor. Duration covers the whole stream.
func GrpcStreamMetricsInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		m.GrpcRequestsInFlight.Inc()
		defer m.GrpcRequestsInFlight.Dec()

		err := handler(srv, ss)

		duration := time.Since(start)
		m.RecordGrpcRequest(info.FullMethod, status.Code(err).String(), duration)
		log.GrpcLogger(info.FullMethod).LogGrpcRequest(duration, err)
		return err
	}
}

type catalogView struct {
	ID         string            `json:"id"`
	Queryable  bool              `json:"queryable"`
	Ingestable bool              `json:"ingestable"`
	Properties map[string]string `json:"properties,omitempty"`
}

func viewOf(c *catalog.Catalog, withProperties bool) catalogView {
	v := catalogView{
		ID:         c.ID(),
		Queryable:  c.IsQueryable(),
		Ingestable: c.IsIngestable(),
	}
	if withProperties {
		v.Properties = c.Properties()
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ObservabilityServer provides HTTP endpoints for metrics, health,
// profiling and read-only catalog introspection
type ObservabilityServer struct {
	server *http.Server
	log    *logger.Logger
}

// NewObservabilityServer creates the HTTP server. A nil gatherer serves the
// default Prometheus registry.
func NewObservabilityServer(port int, reg Registry, gatherer prometheus.Gatherer, log *logger.Logger) *ObservabilityServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &ObservabilityServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      newObservabilityMux(reg, gatherer),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

func newObservabilityMux(reg Registry, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "catalogd"})
	})

	// ready once at least one catalog is registered
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		n := len(reg.CatalogIDs())
		if n == 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "catalogs": 0})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "catalogs": n})
	})

	mux.HandleFunc("GET /catalogs", func(w http.ResponseWriter, r *http.Request) {
		views := []catalogView{}
		for _, id := range reg.CatalogIDs() {
			if c, ok := reg.Catalog(id); ok {
				views = append(views, viewOf(c, false))
			}
		}
		writeJSON(w, http.StatusOK, views)
	})

	mux.HandleFunc("GET /catalogs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		c, ok := reg.Catalog(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "catalog not found", "catalog": id})
			return
		}
		writeJSON(w, http.StatusOK, viewOf(c, true))
	})

	mux.HandleFunc("GET /properties", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.Properties())
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// Handler exposes the endpoint mux
func (o *ObservabilityServer) Handler() http.Handler {
	return o.server.Handler
}

// Serve serves HTTP on lis until Shutdown
func (o *ObservabilityServer) Serve(lis net.Listener) error {
	l := o.log.Zerolog()
	l.Info().
		Str("addr", lis.Addr().String()).
		Str("metrics", "/metrics").
		Str("catalogs", "/catalogs").
		Str("pprof", "/debug/pprof/").
		Msg("observability endpoints available")

	if err := o.server.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("observability server failed: %w", err)
	}
	return nil
}

// Start listens on the configured port and serves
func (o *ObservabilityServer) Start() error {
	lis, err := net.Listen("tcp", o.server.Addr)
	if err != nil {
		return fmt.Errorf("observability listen %s: %w", o.server.Addr, err)
	}
	return o.Serve(lis)
}

// Shutdown gracefully shuts down the observability server
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	l := o.log.Zerolog()
	l.Info().Msg("shutting down observability server")
	return o.server.Shutdown(ctx)
}
