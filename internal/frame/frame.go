// Package frame implements the Frame facade (spec §4.8): it owns the
// StoreClient, Registrar, Subscriber, Selector and Recipe, and routes the
// store's event stream into Subscriber.Reconcile and Recipe's callback
// dispatch.
package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/recipe"
	"github.com/zoolink/zoolink/internal/registrar"
	"github.com/zoolink/zoolink/internal/selector"
	"github.com/zoolink/zoolink/internal/subscriber"
	"github.com/zoolink/zoolink/internal/zkclient"
	"github.com/zoolink/zoolink/internal/zkpath"
)

// ErrNoLocalAddress is returned by New when no non-loopback IPv4 address
// can be found on construction; the original implementation's
// ConstructException for the same condition.
var ErrNoLocalAddress = errors.New("frame: no local non-loopback IPv4 address found")

// Frame is the facade applications embed. Its public methods forward to
// Registrar/Subscriber/Selector/Recipe with argument validation, and its
// background router drains the StoreClient's event sink for the lifetime
// of the process.
type Frame struct {
	store zkclient.StoreClient
	log   *slog.Logger

	Registrar  *registrar.Registrar
	Subscriber *subscriber.Subscriber
	Selector   *selector.Selector
	Recipe     *recipe.Recipe

	localIP   string
	holderTag string

	terminating atomic.Bool
	routerDone  chan struct{}
}

// New constructs a Frame over store. It enumerates local IPv4 addresses
// eagerly; failure to find a non-loopback address fails construction
// (ErrNoLocalAddress), since the primary address and pid together form
// the process's default lock holder tag. localIDC feeds Selector's Idc
// preference filter.
func New(store zkclient.StoreClient, localIDC string, log *slog.Logger) (*Frame, error) {
	ip, err := zkpath.PrimaryIPv4()
	if err != nil || ip == "" {
		return nil, ErrNoLocalAddress
	}

	sub := subscriber.New(store, log)
	reg := registrar.New(store, log)
	tag := entity.HolderTag(ip, os.Getpid())
	rcp := recipe.New(store, sub, tag, log)
	sel := selector.New(sub, localIDC, log)

	f := &Frame{
		store:      store,
		log:        log,
		Registrar:  reg,
		Subscriber: sub,
		Selector:   sel,
		Recipe:     rcp,
		localIP:    ip,
		holderTag:  tag,
		routerDone: make(chan struct{}),
	}

	sub.OnServiceUpdate(func(dept, srv string, svc *entity.Service) {
		rcp.DispatchServiceUpdate(dept, srv, svc.Properties)
		for node, inst := range svc.Instances {
			rcp.DispatchInstanceUpdate(dept, srv, node, inst.Properties)
		}
	})

	go f.route()
	return f, nil
}

// HolderTag returns this process's default lock holder tag, "<ip>-<pid>".
func (f *Frame) HolderTag() string { return f.holderTag }

// route is the Frame's router: it drains the StoreClient's single event
// sink for the process lifetime, dispatching every non-session event
// through Subscriber.Reconcile and the resulting callback target into
// Recipe, and handling session events internally per spec §4.4 ("the
// Subscriber must not observe session events").
func (f *Frame) route() {
	defer close(f.routerDone)
	ctx := context.Background()

	for ev := range f.store.Events() {
		if f.terminating.Load() {
			continue
		}

		if ev.Kind == zkclient.EventSession {
			f.handleSession(ctx, ev)
			continue
		}

		outcome, err := f.Subscriber.Reconcile(ctx, ev)
		if err != nil {
			f.log.Warn("router: reconcile failed", "path", ev.Path, "kind", ev.Kind, "error", err)
			continue
		}
		if outcome == nil {
			continue
		}

		switch outcome.Target {
		case subscriber.ServiceCallbackTarget:
			f.Recipe.DispatchServiceUpdate(outcome.Dept, outcome.Srv, outcome.ServiceProperties)
		case subscriber.InstanceCallbackTarget:
			f.Recipe.DispatchInstanceUpdate(outcome.Dept, outcome.Srv, outcome.Node, outcome.InstanceProperties)
		}
	}
}

func (f *Frame) handleSession(ctx context.Context, ev zkclient.Event) {
	f.log.Info("router: session state changed", "state", ev.State)
	if ev.State == zkclient.SessionExpired {
		if err := f.Registrar.Reregister(ctx); err != nil {
			f.log.Error("router: reregister after session loss failed", "error", err)
		}
	}
}

// Register validates and forwards to Registrar.Register.
func (f *Frame) Register(ctx context.Context, inst *entity.Instance, overwrite bool) error {
	if inst == nil {
		return fmt.Errorf("frame: register: instance must not be nil")
	}
	if inst.Department == "" || inst.Service == "" {
		return fmt.Errorf("frame: register: department and service must not be empty")
	}
	return f.Registrar.Register(ctx, inst, overwrite)
}

// Revoke validates instancePath is an Instance path, then forwards.
func (f *Frame) Revoke(ctx context.Context, instancePath string) error {
	if zkpath.Classify(instancePath) != zkpath.Instance {
		return fmt.Errorf("frame: revoke: %q is not an Instance path", instancePath)
	}
	return f.Registrar.Revoke(ctx, instancePath)
}

// SubscribeService validates dept/srv are non-empty and forwards.
func (f *Frame) SubscribeService(ctx context.Context, dept, srv string, strategy entity.Strategy, withInstances bool) (*entity.Service, error) {
	if dept == "" || srv == "" {
		return nil, fmt.Errorf("frame: subscribe_service: department and service must not be empty")
	}
	return f.Subscriber.SubscribeService(ctx, dept, srv, strategy, withInstances)
}

// Pick forwards to Selector, defaulting to the service's subscribed
// strategy when strategy is zero.
func (f *Frame) Pick(dept, srv string, strategy entity.Strategy) (*entity.Instance, error) {
	if dept == "" || srv == "" {
		return nil, fmt.Errorf("frame: pick: department and service must not be empty")
	}
	if strategy == 0 {
		if svc, ok := f.Subscriber.Service(dept, srv); ok {
			strategy = svc.PickStrategy
		} else {
			strategy = entity.StrategyDefault
		}
	}
	return f.Selector.Pick(dept, srv, strategy)
}

// AttachServicePropertyCallback implicitly subscribes dept/srv with
// with_instances=false (if not already subscribed) before registering fn.
func (f *Frame) AttachServicePropertyCallback(ctx context.Context, dept, srv string, fn recipe.ServicePropertyFunc) error {
	if fn == nil {
		return fmt.Errorf("frame: attach_service_property_cb: fn must not be nil")
	}
	if _, ok := f.Subscriber.Service(dept, srv); !ok {
		if _, err := f.Subscriber.SubscribeService(ctx, dept, srv, entity.StrategyDefault, false); err != nil {
			return err
		}
	}
	f.Recipe.AttachServicePropertyCallback(dept, srv, fn)
	return nil
}

// AttachInstancePropertyCallback implicitly subscribes the owning service
// with with_instances=true before registering fn.
func (f *Frame) AttachInstancePropertyCallback(ctx context.Context, dept, srv, node string, fn recipe.InstancePropertyFunc) error {
	if fn == nil {
		return fmt.Errorf("frame: attach_instance_property_cb: fn must not be nil")
	}
	if _, ok := f.Subscriber.Service(dept, srv); !ok {
		if _, err := f.Subscriber.SubscribeService(ctx, dept, srv, entity.StrategyDefault, true); err != nil {
			return err
		}
	}
	f.Recipe.AttachInstancePropertyCallback(dept, srv, node, fn)
	return nil
}

// Lock, TryLock, Unlock and Owner forward to Recipe using this Frame's
// default holder tag.
func (f *Frame) Lock(ctx context.Context, dept, srv, name string) error {
	return f.Recipe.Lock(ctx, dept, srv, name)
}

func (f *Frame) TryLock(ctx context.Context, dept, srv, name string, seconds int) (bool, error) {
	return f.Recipe.TryLock(ctx, dept, srv, name, seconds)
}

func (f *Frame) Unlock(ctx context.Context, dept, srv, name string) (bool, error) {
	return f.Recipe.Unlock(ctx, dept, srv, name)
}

func (f *Frame) Owner(ctx context.Context, dept, srv, name string) (bool, error) {
	return f.Recipe.Owner(ctx, dept, srv, name)
}

// Close sets the terminating flag so the router drops further events into
// application state, revokes all locks and published instances this
// process still holds (best-effort), then closes the StoreClient.
func (f *Frame) Close(ctx context.Context) error {
	f.terminating.Store(true)

	if err := f.Recipe.RevokeAllLocks(ctx); err != nil {
		f.log.Warn("close: revoke_all_locks failed", "error", err)
	}
	if err := f.Registrar.RevokeAll(ctx); err != nil {
		f.log.Warn("close: revoke_all instances failed", "error", err)
	}
	return f.store.Close()
}
