package entity

import (
	"fmt"
	"strings"

	"github.com/zoolink/zoolink/internal/zkpath"
)

// Strategy is a bitmask over the instance-selection flags a Service is
// subscribed with. StrategyDefault is Idc|Weighted; the zero value has no
// flag set.
type Strategy uint32

const (
	StrategyIdc        Strategy = 1 << 0
	StrategyRandom     Strategy = 1 << 2
	StrategyRoundRobin Strategy = 1 << 3
	StrategyWeighted   Strategy = 1 << 4
	StrategyMaster     Strategy = 1 << 5

	StrategyDefault = StrategyIdc | StrategyWeighted
)

func (s Strategy) Has(flag Strategy) bool { return s&flag != 0 }

// Reserved service property keys/prefixes.
const (
	PropEnable   = "enable"
	LockPrefix   = "lock_"
	lockMasterNm = "master"
)

// LockPropertyName returns the reserved property key for a named lock.
func LockPropertyName(name string) string { return LockPrefix + name }

// IsLockProperty reports whether key names a lock, and if so which.
func IsLockProperty(key string) (name string, ok bool) {
	if !strings.HasPrefix(key, LockPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, LockPrefix), true
}

// Service is the local mirror of one subscribed department/service node:
// its own enable flag, its properties (reserved "enable" and "lock_*" keys
// included), and (when subscribed
// with_instances) its member instances.
type Service struct {
	Department    string
	Service       string
	Enabled       bool
	PickStrategy  Strategy
	WithInstances bool

	Instances map[string]*Instance // keyed by host:port
	Properties map[string]string
}

// NewService builds an empty, enabled Service snapshot.
func NewService(dept, srv string, strategy Strategy, withInstances bool) *Service {
	return &Service{
		Department:    dept,
		Service:       srv,
		Enabled:       true,
		PickStrategy:  strategy,
		WithInstances: withInstances,
		Instances:     make(map[string]*Instance),
		Properties:    make(map[string]string),
	}
}

// Path returns "/dept/srv".
func (s *Service) Path() string {
	return zkpath.MakeServicePath(s.Department, s.Service)
}

// Available mirrors the original's service-level liveness check: a
// disabled service should not be picked from, independent of its
// instances' own availability.
func (s *Service) Available() bool {
	return s.Enabled
}

// SetProperty applies a read property to the Service, promoting the
// reserved "enable" key into the typed Enabled field and leaving
// "lock_*" keys in Properties for Selector's Master strategy and Recipe's
// lock-wait notifications to read.
func (s *Service) SetProperty(key, value string) {
	if s.Properties == nil {
		s.Properties = make(map[string]string)
	}
	s.Properties[key] = value
	if key == PropEnable {
		s.Enabled = value != "0"
	}
}

// LockHolder parses a "lock_<name>" property's value as "<ip>-<pid>".
func LockHolder(value string) (ip, pid string, ok bool) {
	idx := strings.LastIndexByte(value, '-')
	if idx <= 0 || idx == len(value)-1 {
		return "", "", false
	}
	return value[:idx], value[idx+1:], true
}

// HolderTag formats a lock holder tag from an ip and pid.
func HolderTag(ip string, pid int) string {
	return fmt.Sprintf("%s-%d", ip, pid)
}

// ParseServicePath recovers (dept, srv) from a path classified as Service.
func ParseServicePath(path string) (dept, srv string, err error) {
	if zkpath.Classify(path) != zkpath.Service {
		return "", "", fmt.Errorf("path %q is not a Service path", path)
	}
	items := zkpath.Segments(path)
	return items[0], items[1], nil
}

// ParseServicePropertyPath recovers (dept, srv, prop) from a path
// classified as ServiceProperty.
func ParseServicePropertyPath(path string) (dept, srv, prop string, err error) {
	if zkpath.Classify(path) != zkpath.ServiceProperty {
		return "", "", "", fmt.Errorf("path %q is not a ServiceProperty path", path)
	}
	items := zkpath.Segments(path)
	return items[0], items[1], items[2], nil
}
