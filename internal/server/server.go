// ABOUTME: gRPC server exposing health status of the catalog service and each catalog
// ABOUTME: Wires reflection and the metrics interceptors into one grpc.Server

package server

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/catalogfed/internal/logger"
	"github.com/nainya/catalogfed/internal/metrics"
)

// ServiceName is the health service name of the federation as a whole
const ServiceName = "catalogd.CatalogService"

// CatalogHealthName is the health service name of one catalog
func CatalogHealthName(id string) string {
	return "catalogd.catalog/" + id
}

// Server is the daemon's gRPC endpoint
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	reg    Registry
	log    *logger.Logger

	mu    sync.Mutex
	known map[string]bool
}

// NewServer builds a gRPC server reporting on reg. m may be nil to skip
// request metrics.
func NewServer(reg Registry, m *metrics.Metrics, log *logger.Logger) *Server {
	var opts []grpc.ServerOption
	if m != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(GrpcMetricsInterceptor(m, log)),
			grpc.ChainStreamInterceptor(GrpcStreamMetricsInterceptor(m, log)),
		)
	}
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		reg:    reg,
		log:    log,
		known:  make(map[string]bool),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.SyncHealth()
	return s
}

// GRPC returns the underlying server so callers can register more services
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// SyncHealth publishes the current registry. A catalog that is neither
// queryable nor ingestable, or that was removed, is NOT_SERVING. The
// federation is SERVING while at least one catalog is registered.
func (s *Server) SyncHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]bool)
	for _, id := range s.reg.CatalogIDs() {
		c, ok := s.reg.Catalog(id)
		if !ok {
			continue
		}
		present[id] = true
		st := healthpb.HealthCheckResponse_SERVING
		if !c.IsQueryable() && !c.IsIngestable() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(CatalogHealthName(id), st)
	}
	for id := range s.known {
		if !present[id] {
			s.health.SetServingStatus(CatalogHealthName(id), healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
	s.known = present

	overall := healthpb.HealthCheckResponse_SERVING
	if len(present) == 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ServiceName, overall)
}

// Serve accepts connections on lis until Stop or GracefulStop
func (s *Server) Serve(lis net.Listener) error {
	l := s.log.Zerolog()
	l.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// GracefulStop marks every service NOT_SERVING and drains in-flight calls
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop closes all connections immediately
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}
