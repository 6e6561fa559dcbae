package entity_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/zoolink/zoolink/internal/entity"
)

func TestNewInstanceDefaults(t *testing.T) {
	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", map[string]string{"x": "y"})
	assert.NilError(t, err)
	assert.Equal(t, inst.Host, "10.0.0.1")
	assert.Equal(t, inst.Port, uint16(7))
	assert.Equal(t, inst.Priority, entity.PriorityDefault)
	assert.Equal(t, inst.Weight, entity.PriorityDefault)
	assert.Equal(t, inst.Enabled, true)
	assert.Equal(t, inst.Available(), false) // Active defaults false
}

func TestNewInstanceRejectsBadNode(t *testing.T) {
	_, err := entity.NewInstance("a", "b", "not-a-node", nil)
	assert.ErrorContains(t, err, "invalid host:port")
}

func TestToPathPairsScenario1(t *testing.T) {
	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", map[string]string{"x": "y"})
	assert.NilError(t, err)

	pairs := inst.ToPathPairs()
	byPath := map[string]string{}
	for _, p := range pairs {
		byPath[p.Path] = p.Value
	}

	assert.Equal(t, byPath["/a"], "1")
	assert.Equal(t, byPath["/a/b"], "1")
	assert.Equal(t, byPath["/a/b/10.0.0.1:7"], "1")
	assert.Equal(t, byPath["/a/b/10.0.0.1:7/x"], "y")
	assert.Equal(t, byPath["/a/b/10.0.0.1:7/weight"], "50")
	assert.Equal(t, byPath["/a/b/10.0.0.1:7/priority"], "50")

	_, hasActive := byPath["/a/b/10.0.0.1:7/active"]
	assert.Assert(t, !hasActive)
}

func TestApplyReservedPropertyUpdatesTypedFieldAndMap(t *testing.T) {
	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", nil)
	assert.NilError(t, err)

	inst.ApplyReservedProperty(entity.PropActive, "1")
	assert.Equal(t, inst.Active, true)
	assert.Equal(t, inst.Properties[entity.PropActive], "1")
	assert.Equal(t, inst.Available(), true)

	inst.ApplyReservedProperty(entity.PropWeight, "150") // out of range -> default
	assert.Equal(t, inst.Weight, entity.PriorityDefault)

	inst.ApplyReservedProperty(entity.PropPriority, "10")
	assert.Equal(t, inst.Priority, 10)

	inst.ApplyReservedProperty(entity.PropIdc, "idc1")
	assert.Equal(t, inst.IDC, "idc1")
}

func TestParseInstancePath(t *testing.T) {
	dept, srv, node, err := entity.ParseInstancePath("/a/b/10.0.0.1:7")
	assert.NilError(t, err)
	assert.Equal(t, dept, "a")
	assert.Equal(t, srv, "b")
	assert.Equal(t, node, "10.0.0.1:7")

	_, _, _, err = entity.ParseInstancePath("/a/b")
	assert.ErrorContains(t, err, "not an Instance path")
}

func TestParseInstancePropertyPath(t *testing.T) {
	dept, srv, node, prop, err := entity.ParseInstancePropertyPath("/a/b/10.0.0.1:7/active")
	assert.NilError(t, err)
	assert.Equal(t, dept, "a")
	assert.Equal(t, srv, "b")
	assert.Equal(t, node, "10.0.0.1:7")
	assert.Equal(t, prop, "active")
}
