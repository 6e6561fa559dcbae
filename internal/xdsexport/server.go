package xdsexport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"

	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	endpointservice "github.com/envoyproxy/go-control-plane/envoy/service/endpoint/v3"

	"google.golang.org/grpc"
	"google.golang.org/grpc/stats"

	"github.com/zoolink/zoolink/internal/entity"
)

// Snapshotter is the read side of subscriber.Subscriber that Server needs:
// every currently subscribed service, and a hook fired after each one's
// reconcile commits. Narrowed to an interface so tests can drive Server
// without a real Subscriber.
type Snapshotter interface {
	Services() []*entity.Service
	OnServiceUpdate(fn func(dept, srv string, svc *entity.Service))
}

// Server is the xDS export side of the daemon: it watches a Subscriber's
// snapshot and republishes it as CDS/EDS resources for every configured
// Envoy node ID, using go-control-plane's snapshot cache and ADS server.
type Server struct {
	cache   cachev3.SnapshotCache
	builder *SnapshotBuilder
	sub     Snapshotter
	nodeIDs []string
	log     *slog.Logger

	version atomic.Uint64
}

// NewServer wires Server to sub: every OnServiceUpdate callback triggers a
// snapshot rebuild pushed to each of nodeIDs.
func NewServer(sub Snapshotter, nodeIDs []string, log *slog.Logger) *Server {
	s := &Server{
		cache:   cachev3.NewSnapshotCache(true, cachev3.IDHash{}, nil),
		builder: NewSnapshotBuilder(),
		sub:     sub,
		nodeIDs: nodeIDs,
		log:     log,
	}

	sub.OnServiceUpdate(func(dept, srv string, svc *entity.Service) {
		if err := s.rebuild(); err != nil {
			log.Error("xdsexport: failed to rebuild snapshots", "dept", dept, "srv", srv, "error", err)
		}
	})

	return s
}

func (s *Server) rebuild() error {
	services := s.sub.Services()
	version := s.version.Add(1)

	for _, nodeID := range s.nodeIDs {
		snap, err := s.builder.Build(services, version)
		if err != nil {
			return fmt.Errorf("building snapshot v%d for node %q: %w", version, nodeID, err)
		}
		if err := s.cache.SetSnapshot(context.Background(), nodeID, snap); err != nil {
			return fmt.Errorf("setting snapshot v%d for node %q: %w", version, nodeID, err)
		}
	}

	s.log.Info("xdsexport: pushed snapshot", "version", version, "services", len(services), "nodes", len(s.nodeIDs))
	return nil
}

// Seed pushes an initial snapshot built from whatever Subscriber already
// holds, so an Envoy that connects before the first reconcile still gets a
// (possibly empty) well-formed response instead of hanging.
func (s *Server) Seed() error {
	return s.rebuild()
}

// Serve starts the ADS gRPC server on addr and blocks until ctx is
// cancelled. statsHandler, when non-nil, instruments every RPC the same
// way otelgrpc's client/server interceptors do — the introspection HTTP
// API gets the equivalent treatment from otelhttp.
func (s *Server) Serve(ctx context.Context, addr string, statsHandler stats.Handler) error {
	xdsServer := serverv3.NewServer(ctx, s.cache, nil)

	var opts []grpc.ServerOption
	if statsHandler != nil {
		opts = append(opts, grpc.StatsHandler(statsHandler))
	}
	grpcServer := grpc.NewServer(opts...)
	registerXDSServices(grpcServer, xdsServer)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.log.Info("xdsexport: xDS server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		s.log.Info("xdsexport: shutting down xDS server")
		grpcServer.GracefulStop()
	}()

	return grpcServer.Serve(lis)
}

func registerXDSServices(grpcServer *grpc.Server, xdsServer serverv3.Server) {
	discoverygrpc.RegisterAggregatedDiscoveryServiceServer(grpcServer, xdsServer)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, xdsServer)
	endpointservice.RegisterEndpointDiscoveryServiceServer(grpcServer, xdsServer)
}
