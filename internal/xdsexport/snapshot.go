// Package xdsexport turns a Subscriber's live snapshot of subscribed
// services into Envoy CDS/EDS resources, so a sidecar that speaks xDS can
// treat zoolink as its service-discovery backend without any code change
// on the Envoy side.
//
// Only two of Envoy's resource layers are produced here. Listener and
// route configuration describe how traffic enters a proxy and are a
// deployment concern outside this library's scope; cluster and endpoint
// discovery are exactly the two layers that correspond to "what services
// exist" and "what are their live members", which is what Subscriber
// already tracks.
//
//	Cluster (CDS)   — one per subscribed department/service
//	Endpoint (EDS)  — that cluster's available() instances, by host:port
package xdsexport

import (
	"fmt"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	"github.com/envoyproxy/go-control-plane/pkg/cache/types"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zoolink/zoolink/internal/entity"
)

// clusterName derives a stable Envoy cluster name from a department/service
// pair; ':' and '/' are not valid path separators within zoolink's own
// namespace so '.' is an unambiguous join.
func clusterName(dept, srv string) string {
	return fmt.Sprintf("zoolink.%s.%s", dept, srv)
}

// SnapshotBuilder translates subscribed Service snapshots into a versioned
// Envoy xDS Snapshot. It holds no state of its own — every Build call is a
// pure function of the services handed to it — which keeps it safe to
// share across goroutines without a lock.
type SnapshotBuilder struct{}

// NewSnapshotBuilder returns a stateless SnapshotBuilder.
func NewSnapshotBuilder() *SnapshotBuilder {
	return &SnapshotBuilder{}
}

// Build creates a CDS+EDS snapshot from the given subscribed services.
// version must increase on every content change; callers typically derive
// it from a monotonic counter bumped on each Subscriber.OnServiceUpdate
// callback.
func (b *SnapshotBuilder) Build(services []*entity.Service, version uint64) (*cachev3.Snapshot, error) {
	var (
		clusters  []types.Resource
		endpoints []types.Resource
	)

	for _, svc := range services {
		name := clusterName(svc.Department, svc.Service)
		clusters = append(clusters, makeCluster(name))
		endpoints = append(endpoints, makeEndpoints(name, svc))
	}

	versionStr := fmt.Sprintf("v%d", version)
	snap, err := cachev3.NewSnapshot(
		versionStr,
		map[resource.Type][]types.Resource{
			resource.ClusterType:  clusters,
			resource.EndpointType: endpoints,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("xdsexport: creating snapshot: %w", err)
	}

	if err := snap.Consistent(); err != nil {
		return nil, fmt.Errorf("xdsexport: snapshot consistency check failed: %w", err)
	}
	return snap, nil
}

// makeCluster builds an EDS-discovered cluster: Envoy asks zoolink (via
// this package's gRPC server) for the live member list rather than
// resolving DNS itself, which is the correct shape for a service-registry
// backend as opposed to a static upstream.
func makeCluster(name string) *cluster.Cluster {
	return &cluster.Cluster{
		Name: name,
		ClusterDiscoveryType: &cluster.Cluster_Type{
			Type: cluster.Cluster_EDS,
		},
		EdsClusterConfig: &cluster.Cluster_EdsClusterConfig{
			EdsConfig: &core.ConfigSource{
				ConfigSourceSpecifier: &core.ConfigSource_Ads{
					Ads: &core.AggregatedConfigSource{},
				},
				ResourceApiVersion: core.ApiVersion_V3,
			},
		},
		ConnectTimeout: durationpb.New(5 * time.Second),
		LbPolicy:       lbPolicyFor(),
	}
}

// lbPolicyFor always returns round robin: zoolink's own Selector already
// implements priority-weighted and IDC-aware picking for in-process
// callers, so the exported cluster keeps Envoy's own load balancing
// simple and leaves precedence to whichever side actually picks.
func lbPolicyFor() cluster.Cluster_LbPolicy {
	return cluster.Cluster_ROUND_ROBIN
}

// makeEndpoints builds the EDS ClusterLoadAssignment for svc: one
// LbEndpoint per available() instance, healthy instances only — Envoy
// never sees an instance this library wouldn't hand back from Pick.
func makeEndpoints(name string, svc *entity.Service) *endpoint.ClusterLoadAssignment {
	var lbEndpoints []*endpoint.LbEndpoint
	for _, inst := range svc.Instances {
		if !inst.Available() {
			continue
		}
		lbEndpoints = append(lbEndpoints, &endpoint.LbEndpoint{
			HostIdentifier: &endpoint.LbEndpoint_Endpoint{
				Endpoint: &endpoint.Endpoint{
					Address: makeAddress(inst.Host, uint32(inst.Port)),
				},
			},
			LoadBalancingWeight: weightOf(inst),
		})
	}

	return &endpoint.ClusterLoadAssignment{
		ClusterName: name,
		Endpoints: []*endpoint.LocalityLbEndpoints{{
			LbEndpoints: lbEndpoints,
		}},
	}
}

func weightOf(inst *entity.Instance) *wrapperspb.UInt32Value {
	return wrapperspb.UInt32(uint32(inst.Weight))
}

func makeAddress(host string, port uint32) *core.Address {
	return &core.Address{
		Address: &core.Address_SocketAddress{
			SocketAddress: &core.SocketAddress{
				Protocol: core.SocketAddress_TCP,
				Address:  host,
				PortSpecifier: &core.SocketAddress_PortValue{
					PortValue: port,
				},
			},
		},
	}
}
