// Package subscriber implements the Subscriber component (spec §4.4): it
// mirrors remote services into a local snapshot, installs and reinstalls
// the one-shot watches the store delivers, and reconciles that snapshot on
// every watch event the Frame's router hands it.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/zkclient"
	"github.com/zoolink/zoolink/internal/zkpath"
)

// subscription records the strategy and with-instances flag a service was
// subscribed with, so periodic_care and re-subscribe-on-event can restore
// them exactly.
type subscription struct {
	strategy      entity.Strategy
	withInstances bool
}

// Subscriber mirrors subscribed services. The snapshot lock (mu) guards
// services; per-service mutexes in serviceLocks serialize reconciliation
// of a single service so a burst of events never runs two concurrent
// reconciles for the same path (spec §9, "watch storms").
type Subscriber struct {
	store zkclient.StoreClient
	log   *slog.Logger

	mu            sync.RWMutex
	services      map[string]*entity.Service   // key: "/dept/srv"
	subscriptions map[string]subscription      // key: "/dept/srv"
	lockMu        sync.Mutex
	serviceLocks  map[string]*sync.Mutex

	// onServiceUpdate hooks are invoked, in registration order, after
	// every successful service-level reconcile (subscribe or in-place
	// property update), outside any lock. Frame uses one to wake lock
	// waiters and the xDS exporter uses another to rebuild its snapshot;
	// Recipe's own dedup decides whether a user callback actually fires.
	onServiceUpdate []func(dept, srv string, svc *entity.Service)
}

// New builds a Subscriber over store.
func New(store zkclient.StoreClient, log *slog.Logger) *Subscriber {
	return &Subscriber{
		store:         store,
		log:           log,
		services:      make(map[string]*entity.Service),
		subscriptions: make(map[string]subscription),
		serviceLocks:  make(map[string]*sync.Mutex),
	}
}

// OnServiceUpdate adds a hook fired after each committed service
// reconcile. Every registered hook fires; a later registration does not
// replace an earlier one.
func (s *Subscriber) OnServiceUpdate(fn func(dept, srv string, svc *entity.Service)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onServiceUpdate = append(s.onServiceUpdate, fn)
}

func (s *Subscriber) lockFor(svcPath string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.serviceLocks[svcPath]
	if !ok {
		l = &sync.Mutex{}
		s.serviceLocks[svcPath] = l
	}
	return l
}

// Service returns a copy-free pointer to the current snapshot for
// "/dept/srv", or (nil, false) if not subscribed. Callers must treat the
// returned Service as read-only. A committed snapshot is replaced, never
// mutated in place, so Selector can take its own copy of Instances from it
// after this call has released the snapshot lock.
func (s *Subscriber) Service(dept, srv string) (*entity.Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[zkpath.MakeServicePath(dept, srv)]
	return svc, ok
}

// Services returns every currently subscribed service, for periodic_care
// and the xDS exporter.
func (s *Subscriber) Services() []*entity.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entity.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	return out
}

func (s *Subscriber) commit(svc *entity.Service) {
	path := svc.Path()
	s.mu.Lock()
	s.services[path] = svc
	s.subscriptions[path] = subscription{strategy: svc.PickStrategy, withInstances: svc.WithInstances}
	hooks := s.onServiceUpdate
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(svc.Department, svc.Service, svc)
	}
}

func (s *Subscriber) drop(dept, srv string) {
	path := zkpath.MakeServicePath(dept, srv)
	s.mu.Lock()
	delete(s.services, path)
	s.mu.Unlock()
}

// SubscribeService reads the service node, its property children and
// (when withInstances) its instance children, installing a watch on each,
// and atomically replaces any prior snapshot for dept/srv.
func (s *Subscriber) SubscribeService(ctx context.Context, dept, srv string, strategy entity.Strategy, withInstances bool) (*entity.Service, error) {
	svcPath := zkpath.MakeServicePath(dept, srv)
	lock := s.lockFor(svcPath)
	lock.Lock()
	defer lock.Unlock()

	value, err := s.store.Get(ctx, svcPath, true)
	if err != nil {
		return nil, fmt.Errorf("reading service %s: %w", svcPath, err)
	}

	svc := entity.NewService(dept, srv, strategy, withInstances)
	svc.SetProperty(entity.PropEnable, value)

	children, err := s.store.GetChildren(ctx, svcPath, true)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", svcPath, err)
	}

	var childErrs error
	for _, child := range children {
		childPath := zkpath.ExtendProperty(svcPath, child)
		switch zkpath.Classify(childPath) {
		case zkpath.ServiceProperty:
			v, err := s.store.Get(ctx, childPath, true)
			if err != nil {
				childErrs = multierror.Append(childErrs, fmt.Errorf("reading property %s: %w", childPath, err))
				continue
			}
			svc.SetProperty(child, v)
		case zkpath.Instance:
			if !withInstances {
				continue
			}
			inst, err := s.subscribeInstanceLocked(ctx, childPath)
			if err != nil {
				childErrs = multierror.Append(childErrs, err)
				continue
			}
			svc.Instances[inst.Node] = inst
		}
	}

	s.commit(svc)
	return svc, childErrs
}

// SubscribeInstance reads an instance node and its property children,
// installing a watch on each.
func (s *Subscriber) SubscribeInstance(ctx context.Context, instancePath string) (*entity.Instance, error) {
	dept, srv, _, err := entity.ParseInstancePath(instancePath)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(zkpath.MakeServicePath(dept, srv))
	lock.Lock()
	defer lock.Unlock()
	return s.subscribeInstanceLocked(ctx, instancePath)
}

// subscribeInstanceLocked is the body of SubscribeInstance; callers must
// already hold the owning service's per-service lock.
func (s *Subscriber) subscribeInstanceLocked(ctx context.Context, instancePath string) (*entity.Instance, error) {
	dept, srv, node, err := entity.ParseInstancePath(instancePath)
	if err != nil {
		return nil, err
	}

	value, err := s.store.Get(ctx, instancePath, true)
	if err != nil {
		return nil, fmt.Errorf("reading instance %s: %w", instancePath, err)
	}

	inst, err := entity.NewInstance(dept, srv, node, nil)
	if err != nil {
		return nil, err
	}
	inst.Enabled = value != "0"

	children, err := s.store.GetChildren(ctx, instancePath, true)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", instancePath, err)
	}

	var result error
	for _, child := range children {
		childPath := zkpath.ExtendProperty(instancePath, child)
		if zkpath.Classify(childPath) != zkpath.InstanceProperty {
			continue
		}
		v, err := s.store.Get(ctx, childPath, true)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("reading property %s: %w", childPath, err))
			continue
		}
		inst.ApplyReservedProperty(child, v)
	}

	return inst, result
}

// mergeInstance installs inst into the service snapshot at dept/srv,
// replacing any prior entry for the same node, and recommits the service
// so readers observe the update atomically.
func (s *Subscriber) mergeInstance(dept, srv string, inst *entity.Instance) {
	s.mu.Lock()
	svc, ok := s.services[zkpath.MakeServicePath(dept, srv)]
	if !ok {
		s.mu.Unlock()
		return
	}
	cp := *svc
	cp.Instances = make(map[string]*entity.Instance, len(svc.Instances))
	for k, v := range svc.Instances {
		cp.Instances[k] = v
	}
	cp.Instances[inst.Node] = inst
	s.mu.Unlock()
	s.commit(&cp)
}

// PeriodicCare re-subscribes every currently subscribed service with its
// original strategy and with_instances flag, healing any watch dropped by
// the store without an explicit WatchRemoved notification.
func (s *Subscriber) PeriodicCare(ctx context.Context) error {
	s.mu.RLock()
	subs := make(map[string]subscription, len(s.subscriptions))
	for k, v := range s.subscriptions {
		subs[k] = v
	}
	s.mu.RUnlock()

	var result error
	for path, sub := range subs {
		dept, srv, err := entity.ParseServicePath(path)
		if err != nil {
			continue
		}
		if _, err := s.SubscribeService(ctx, dept, srv, sub.strategy, sub.withInstances); err != nil {
			s.log.Warn("periodic care: re-subscribe failed", "path", path, "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result
}
