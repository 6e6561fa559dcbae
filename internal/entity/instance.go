// Package entity holds the value types shared by every component above the
// store boundary: Instance and Service, their path (de)serialization, and
// the interpretation of reserved property keys.
package entity

import (
	"fmt"
	"strconv"

	"github.com/zoolink/zoolink/internal/zkpath"
)

const (
	// PriorityDefault is applied, as both the default priority and the
	// default weight, when a reserved property is absent, fails to parse or
	// is out of range. Selector's weighted strategy
	// treats higher priority as better (see selector.Pick): it sorts
	// descending and draws from the top-priority prefix.
	PriorityDefault = 50
	WeightMin       = 1
	WeightMax       = 100
	PriorityMin     = 1
	PriorityMax     = 100
)

// Reserved instance property names. These are promoted into typed fields on
// read but remain present, verbatim, in Properties so callbacks always see
// one authoritative mapping.
const (
	PropActive   = "active"
	PropIdc      = "idc"
	PropWeight   = "weight"
	PropPriority = "priority"
	PropPid      = "pid"
)

// Instance is one service replica, identified by its "host:port" node.
type Instance struct {
	Department string
	Service    string
	Node       string // host:port, as registered
	Host       string
	Port       uint16

	IDC      string
	Priority int // 1..100, default 50, higher wins in Selector's weighted strategy
	Weight   int // 1..100, default 50

	Active  bool // remote liveness, from the ephemeral "active" child
	Enabled bool // local administrative bit

	Properties map[string]string
}

// NewInstance builds an Instance for node "host:port" under dept/srv, with
// defaulted priority/weight/idc and Enabled=true, Active=false until a
// reconcile observes the liveness marker. props is copied.
func NewInstance(dept, srv, node string, props map[string]string) (*Instance, error) {
	host, port, ok := zkpath.ParseHostPort(node)
	if !ok {
		return nil, fmt.Errorf("invalid host:port %q", node)
	}

	inst := &Instance{
		Department: dept,
		Service:    srv,
		Node:       node,
		Host:       host,
		Port:       port,
		Priority:   PriorityDefault,
		Weight:     PriorityDefault,
		Enabled:    true,
		Properties: make(map[string]string, len(props)),
	}
	for k, v := range props {
		inst.Properties[k] = v
	}
	return inst, nil
}

// Available reports whether this instance may be returned by a pick: it
// must be both remotely alive and not locally disabled.
func (i *Instance) Available() bool {
	return i.Active && i.Enabled
}

// Path returns the instance's full path, "/dept/srv/host:port".
func (i *Instance) Path() string {
	return zkpath.MakeInstancePath(i.Department, i.Service, i.Node)
}

// ToPathPairs emits the ordered (path, value) pairs needed to materialize
// this instance in the store: the Department and Service parents, the
// Instance node itself, one child per user property, and one each for idc,
// weight and priority derived from the typed fields. The reserved "active"
// and "pid" ephemeral children, and any "lock_*" key, never appear here —
// Registrar creates those separately.
func (i *Instance) ToPathPairs() []PathPair {
	deptPath := "/" + i.Department
	srvPath := zkpath.MakeServicePath(i.Department, i.Service)
	instPath := i.Path()

	pairs := []PathPair{
		{Path: deptPath, Value: "1"},
		{Path: srvPath, Value: "1"},
		{Path: instPath, Value: "1"},
	}

	for k, v := range i.Properties {
		if isReservedInstanceKey(k) {
			continue
		}
		pairs = append(pairs, PathPair{Path: zkpath.ExtendProperty(instPath, k), Value: v})
	}

	pairs = append(pairs,
		PathPair{Path: zkpath.ExtendProperty(instPath, PropIdc), Value: i.IDC},
		PathPair{Path: zkpath.ExtendProperty(instPath, PropWeight), Value: strconv.Itoa(clamp(i.Weight, WeightMin, WeightMax, PriorityDefault))},
		PathPair{Path: zkpath.ExtendProperty(instPath, PropPriority), Value: strconv.Itoa(clamp(i.Priority, PriorityMin, PriorityMax, PriorityDefault))},
	)

	return pairs
}

// PathPair is one (path, value) to be created in the store.
type PathPair struct {
	Path  string
	Value string
}

func isReservedInstanceKey(k string) bool {
	switch k {
	case PropActive, PropIdc, PropWeight, PropPriority, PropPid:
		return true
	default:
		return false
	}
}

// ApplyReservedProperty promotes a reserved property read from the store
// into its typed field, and always also stores it verbatim in Properties
// so the two never disagree. Unknown keys are only stored in Properties.
func (i *Instance) ApplyReservedProperty(key, value string) {
	if i.Properties == nil {
		i.Properties = make(map[string]string)
	}
	i.Properties[key] = value

	switch key {
	case PropActive:
		i.Active = value == "1"
	case PropIdc:
		if value != "" {
			i.IDC = value
		}
	case PropWeight:
		i.Weight = clampFromString(value, WeightMin, WeightMax, PriorityDefault)
	case PropPriority:
		i.Priority = clampFromString(value, PriorityMin, PriorityMax, PriorityDefault)
	}
}

func clampFromString(s string, min, max, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return clamp(n, min, max, def)
}

func clamp(n, min, max, def int) int {
	if n < min || n > max {
		return def
	}
	return n
}

// ParseInstancePath recovers (dept, srv, node) from a path classified as
// Instance. It returns an error if the path doesn't classify that way.
func ParseInstancePath(path string) (dept, srv, node string, err error) {
	if zkpath.Classify(path) != zkpath.Instance {
		return "", "", "", fmt.Errorf("path %q is not an Instance path", path)
	}
	items := zkpath.Segments(path)
	return items[0], items[1], items[2], nil
}

// ParseInstancePropertyPath recovers (dept, srv, node, prop) from a path
// classified as InstanceProperty.
func ParseInstancePropertyPath(path string) (dept, srv, node, prop string, err error) {
	if zkpath.Classify(path) != zkpath.InstanceProperty {
		return "", "", "", "", fmt.Errorf("path %q is not an InstanceProperty path", path)
	}
	items := zkpath.Segments(path)
	return items[0], items[1], items[2], items[3], nil
}
