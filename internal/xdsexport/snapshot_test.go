package xdsexport_test

import (
	"testing"

	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"gotest.tools/v3/assert"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/xdsexport"
)

func available(dept, srv, node string, idc string) *entity.Instance {
	inst, err := entity.NewInstance(dept, srv, node, nil)
	if err != nil {
		panic(err)
	}
	inst.Active = true
	inst.Enabled = true
	inst.IDC = idc
	return inst
}

func TestBuildProducesOneClusterPerService(t *testing.T) {
	svc := entity.NewService("a", "b", entity.StrategyDefault, true)
	svc.Instances["10.0.0.1:7"] = available("a", "b", "10.0.0.1:7", "x")

	snap, err := xdsexport.NewSnapshotBuilder().Build([]*entity.Service{svc}, 1)
	assert.NilError(t, err)
	assert.NilError(t, snap.Consistent())
	assert.Equal(t, len(snap.GetResources(resource.ClusterType)), 1)
}

func TestBuildOmitsUnavailableInstances(t *testing.T) {
	svc := entity.NewService("a", "b", entity.StrategyDefault, true)
	down, err := entity.NewInstance("a", "b", "10.0.0.2:8", nil)
	assert.NilError(t, err)
	down.Active = false
	svc.Instances[down.Node] = down

	snap, err := xdsexport.NewSnapshotBuilder().Build([]*entity.Service{svc}, 1)
	assert.NilError(t, err)
	assert.NilError(t, snap.Consistent())

	cla, ok := snap.GetResources(resource.EndpointType)["zoolink.a.b"].(*endpoint.ClusterLoadAssignment)
	assert.Assert(t, ok)
	assert.Equal(t, len(cla.Endpoints[0].LbEndpoints), 0)
}

func TestBuildEmptyServiceListIsConsistent(t *testing.T) {
	snap, err := xdsexport.NewSnapshotBuilder().Build(nil, 1)
	assert.NilError(t, err)
	assert.NilError(t, snap.Consistent())
}
