package subscriber

import (
	"context"
	"fmt"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/zkclient"
	"github.com/zoolink/zoolink/internal/zkpath"
)

// CallbackTarget tells the Frame's router which Recipe hook, if any, to
// invoke after a Reconcile call returns.
type CallbackTarget int

const (
	NoCallback CallbackTarget = iota
	ServiceCallbackTarget
	InstanceCallbackTarget
)

// Outcome carries everything the Frame's router needs to dispatch the
// post-reconcile property callback: which target to notify, and the
// current (post-update) property mapping for that target.
type Outcome struct {
	Target             CallbackTarget
	Dept, Srv, Node    string
	ServiceProperties  map[string]string
	InstanceProperties map[string]string
}

func (s *Subscriber) subscriptionFor(svcPath string) (subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[svcPath]
	return sub, ok
}

// Reconcile implements the event reconciliation state machine of spec
// §4.4's table, dispatched by the PathKind of the notified path. It is
// the single entry point the Frame's router calls for every non-session
// event the store delivers.
func (s *Subscriber) Reconcile(ctx context.Context, ev zkclient.Event) (*Outcome, error) {
	switch zkpath.Classify(ev.Path) {
	case zkpath.Service:
		return s.reconcileService(ctx, ev)
	case zkpath.ServiceProperty:
		return s.reconcileServiceProperty(ctx, ev)
	case zkpath.Instance:
		return s.reconcileInstance(ctx, ev)
	case zkpath.InstanceProperty:
		return s.reconcileInstanceProperty(ctx, ev)
	default:
		return nil, fmt.Errorf("reconcile: path %q does not classify to a tracked kind", ev.Path)
	}
}

func (s *Subscriber) reconcileService(ctx context.Context, ev zkclient.Event) (*Outcome, error) {
	dept, srv, err := entity.ParseServicePath(ev.Path)
	if err != nil {
		return nil, err
	}
	svcPath := ev.Path
	sub, known := s.subscriptionFor(svcPath)
	if !known {
		sub = subscription{strategy: entity.StrategyDefault, withInstances: false}
	}

	switch ev.Kind {
	case zkclient.EventDeleted:
		s.drop(dept, srv)
		// Install an existence watch and wait for Created; until then the
		// service has no properties to deliver.
		if _, err := s.store.Exists(ctx, svcPath, true); err != nil {
			s.log.Warn("reconcile: installing existence watch failed", "path", svcPath, "error", err)
		}
		return &Outcome{Target: ServiceCallbackTarget, Dept: dept, Srv: srv, ServiceProperties: map[string]string{}}, nil

	case zkclient.EventCreated, zkclient.EventChildChanged, zkclient.EventWatchRemoved:
		svc, err := s.SubscribeService(ctx, dept, srv, sub.strategy, sub.withInstances)
		if err != nil {
			return nil, fmt.Errorf("reconcile service %s: %w", svcPath, err)
		}
		return &Outcome{Target: ServiceCallbackTarget, Dept: dept, Srv: srv, ServiceProperties: copyProps(svc.Properties)}, nil

	case zkclient.EventChanged:
		value, err := s.store.Get(ctx, svcPath, true)
		if err != nil {
			return nil, fmt.Errorf("reading service %s: %w", svcPath, err)
		}
		s.mu.Lock()
		svc, ok := s.services[svcPath]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("reconcile: service %s changed but is not tracked", svcPath)
		}
		cp := *svc
		cp.Properties = copyProps(svc.Properties)
		cp.SetProperty(entity.PropEnable, value)
		s.mu.Unlock()
		s.commit(&cp)
		return &Outcome{Target: ServiceCallbackTarget, Dept: dept, Srv: srv, ServiceProperties: copyProps(cp.Properties)}, nil

	default:
		return nil, fmt.Errorf("reconcile: unexpected event kind %v for service path", ev.Kind)
	}
}

func (s *Subscriber) reconcileServiceProperty(ctx context.Context, ev zkclient.Event) (*Outcome, error) {
	dept, srv, prop, err := entity.ParseServicePropertyPath(ev.Path)
	if err != nil {
		return nil, err
	}
	svcPath := zkpath.MakeServicePath(dept, srv)

	switch ev.Kind {
	case zkclient.EventCreated:
		return nil, fmt.Errorf("reconcile: unexpected Created event on ServiceProperty %s", ev.Path)
	case zkclient.EventChildChanged:
		return nil, fmt.Errorf("reconcile: unexpected ChildChanged event on ServiceProperty %s (properties have no children)", ev.Path)
	case zkclient.EventDeleted:
		// The parent Service receives its own ChildChanged for this.
		return &Outcome{Target: NoCallback}, nil

	case zkclient.EventChanged:
		value, err := s.store.Get(ctx, ev.Path, true)
		if err != nil {
			return nil, fmt.Errorf("reading property %s: %w", ev.Path, err)
		}
		s.mu.Lock()
		svc, ok := s.services[svcPath]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("reconcile: service %s changed but is not tracked", svcPath)
		}
		cp := *svc
		cp.Properties = copyProps(svc.Properties)
		cp.SetProperty(prop, value)
		s.mu.Unlock()
		s.commit(&cp)
		return &Outcome{Target: ServiceCallbackTarget, Dept: dept, Srv: srv, ServiceProperties: copyProps(cp.Properties)}, nil

	case zkclient.EventWatchRemoved:
		sub, known := s.subscriptionFor(svcPath)
		if !known {
			sub = subscription{strategy: entity.StrategyDefault, withInstances: false}
		}
		svc, err := s.SubscribeService(ctx, dept, srv, sub.strategy, sub.withInstances)
		if err != nil {
			return nil, fmt.Errorf("reconcile: re-subscribe parent of %s: %w", ev.Path, err)
		}
		return &Outcome{Target: ServiceCallbackTarget, Dept: dept, Srv: srv, ServiceProperties: copyProps(svc.Properties)}, nil

	default:
		return nil, fmt.Errorf("reconcile: unexpected event kind %v for service property path", ev.Kind)
	}
}

func (s *Subscriber) reconcileInstance(ctx context.Context, ev zkclient.Event) (*Outcome, error) {
	dept, srv, node, err := entity.ParseInstancePath(ev.Path)
	if err != nil {
		return nil, err
	}

	switch ev.Kind {
	case zkclient.EventCreated:
		return nil, fmt.Errorf("reconcile: unexpected Created event on Instance %s", ev.Path)
	case zkclient.EventDeleted:
		// The parent Service receives its own ChildChanged for this.
		return &Outcome{Target: NoCallback}, nil

	case zkclient.EventChildChanged, zkclient.EventWatchRemoved:
		inst, err := s.SubscribeInstance(ctx, ev.Path)
		if err != nil {
			return nil, fmt.Errorf("reconcile instance %s: %w", ev.Path, err)
		}
		s.mergeInstance(dept, srv, inst)
		return &Outcome{Target: InstanceCallbackTarget, Dept: dept, Srv: srv, Node: node, InstanceProperties: copyProps(inst.Properties)}, nil

	case zkclient.EventChanged:
		value, err := s.store.Get(ctx, ev.Path, true)
		if err != nil {
			return nil, fmt.Errorf("reading instance %s: %w", ev.Path, err)
		}
		inst, updated := s.updateInstanceLocked(dept, srv, node, func(i *entity.Instance) {
			i.Enabled = value != "0"
		})
		if !updated {
			return nil, fmt.Errorf("reconcile: instance %s changed but is not tracked", ev.Path)
		}
		return &Outcome{Target: InstanceCallbackTarget, Dept: dept, Srv: srv, Node: node, InstanceProperties: copyProps(inst.Properties)}, nil

	default:
		return nil, fmt.Errorf("reconcile: unexpected event kind %v for instance path", ev.Kind)
	}
}

func (s *Subscriber) reconcileInstanceProperty(ctx context.Context, ev zkclient.Event) (*Outcome, error) {
	dept, srv, node, prop, err := entity.ParseInstancePropertyPath(ev.Path)
	if err != nil {
		return nil, err
	}

	switch ev.Kind {
	case zkclient.EventCreated:
		return nil, fmt.Errorf("reconcile: unexpected Created event on InstanceProperty %s", ev.Path)
	case zkclient.EventChildChanged:
		return nil, fmt.Errorf("reconcile: unexpected ChildChanged event on InstanceProperty %s (properties have no children)", ev.Path)
	case zkclient.EventDeleted:
		return &Outcome{Target: NoCallback}, nil

	case zkclient.EventChanged:
		value, err := s.store.Get(ctx, ev.Path, true)
		if err != nil {
			return nil, fmt.Errorf("reading property %s: %w", ev.Path, err)
		}
		inst, updated := s.updateInstanceLocked(dept, srv, node, func(i *entity.Instance) {
			i.ApplyReservedProperty(prop, value)
		})
		if !updated {
			return nil, fmt.Errorf("reconcile: instance %s property changed but is not tracked", ev.Path)
		}
		return &Outcome{Target: InstanceCallbackTarget, Dept: dept, Srv: srv, Node: node, InstanceProperties: copyProps(inst.Properties)}, nil

	case zkclient.EventWatchRemoved:
		instPath := zkpath.MakeInstancePath(dept, srv, node)
		inst, err := s.SubscribeInstance(ctx, instPath)
		if err != nil {
			return nil, fmt.Errorf("reconcile: re-subscribe instance of %s: %w", ev.Path, err)
		}
		s.mergeInstance(dept, srv, inst)
		return &Outcome{Target: InstanceCallbackTarget, Dept: dept, Srv: srv, Node: node, InstanceProperties: copyProps(inst.Properties)}, nil

	default:
		return nil, fmt.Errorf("reconcile: unexpected event kind %v for instance property path", ev.Kind)
	}
}

// updateInstanceLocked applies mutate to the tracked instance dept/srv/node
// under the snapshot lock, recommits the owning service, and returns a copy
// of the updated instance.
func (s *Subscriber) updateInstanceLocked(dept, srv, node string, mutate func(*entity.Instance)) (*entity.Instance, bool) {
	svcPath := zkpath.MakeServicePath(dept, srv)

	s.mu.Lock()
	svc, ok := s.services[svcPath]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	existing, ok := svc.Instances[node]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	updated := *existing
	updated.Properties = copyProps(existing.Properties)
	mutate(&updated)

	cp := *svc
	cp.Instances = make(map[string]*entity.Instance, len(svc.Instances))
	for k, v := range svc.Instances {
		cp.Instances[k] = v
	}
	cp.Instances[node] = &updated
	s.mu.Unlock()

	s.commit(&cp)
	return &updated, true
}

func copyProps(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
