// Package recipe implements the Recipe component (spec §§4.6-4.7):
// property-change callback dispatch, deduplicated against the previously
// delivered mapping, and service-scoped named distributed locks built on
// ephemeral "lock_<name>" nodes.
package recipe

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/subscriber"
	"github.com/zoolink/zoolink/internal/zkclient"
	"github.com/zoolink/zoolink/internal/zkpath"
)

// ServicePropertyFunc is invoked with the post-reconcile property mapping
// of a subscribed service.
type ServicePropertyFunc func(dept, srv string, properties map[string]string)

// InstancePropertyFunc is invoked with the post-reconcile property mapping
// of a subscribed instance.
type InstancePropertyFunc func(dept, srv, node string, properties map[string]string)

// Recipe owns the callback registries and the lock-wait condition
// variable. mu (spec's "callbacks lock") guards the callback registries and
// dedup caches; lockMu (spec's "lock lock") guards heldLocks and backs the
// condition variable. Neither is held while the other is taken.
type Recipe struct {
	store zkclient.StoreClient
	sub   *subscriber.Subscriber
	log   *slog.Logger

	holderTag string // "<ip>-<pid>" for locks acquired through this Recipe

	mu                sync.Mutex
	serviceCallbacks  map[string]ServicePropertyFunc
	instanceCallbacks map[string]InstancePropertyFunc
	lastService       map[string]map[string]string // dedup cache, key svcPath
	lastInstance      map[string]map[string]string // dedup cache, key instPath

	lockMu    sync.Mutex
	lockCond  *sync.Cond
	heldLocks map[string]string // lock path -> tag, for revoke_all_locks
}

// New builds a Recipe over store/sub, using holderTag ("<ip>-<pid>") as the
// default tag for lock operations.
func New(store zkclient.StoreClient, sub *subscriber.Subscriber, holderTag string, log *slog.Logger) *Recipe {
	r := &Recipe{
		store:             store,
		sub:               sub,
		log:               log,
		holderTag:         holderTag,
		serviceCallbacks:  make(map[string]ServicePropertyFunc),
		instanceCallbacks: make(map[string]InstancePropertyFunc),
		lastService:       make(map[string]map[string]string),
		lastInstance:      make(map[string]map[string]string),
		heldLocks:         make(map[string]string),
	}
	r.lockCond = sync.NewCond(&r.lockMu)
	return r
}

// AttachServicePropertyCallback registers fn for dept/srv. Only one
// callback may be attached per service; re-attaching replaces it.
func (r *Recipe) AttachServicePropertyCallback(dept, srv string, fn ServicePropertyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serviceCallbacks[zkpath.MakeServicePath(dept, srv)] = fn
}

// AttachInstancePropertyCallback registers fn for the instance at
// dept/srv/node.
func (r *Recipe) AttachInstancePropertyCallback(dept, srv, node string, fn InstancePropertyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instanceCallbacks[zkpath.MakeInstancePath(dept, srv, node)] = fn
}

// DispatchServiceUpdate fires the registered service callback for dept/srv
// iff properties differs from the previously delivered mapping, then wakes
// any lock waiters blocked on this service (spec §4.7: the router broadcasts
// after reconciling a service whose path is a prefix of any pending lock).
func (r *Recipe) DispatchServiceUpdate(dept, srv string, properties map[string]string) {
	svcPath := zkpath.MakeServicePath(dept, srv)

	r.mu.Lock()
	changed := !maps.Equal(r.lastService[svcPath], properties)
	if changed {
		r.lastService[svcPath] = maps.Clone(properties)
	}
	fn := r.serviceCallbacks[svcPath]
	r.mu.Unlock()

	if changed && fn != nil {
		fn(dept, srv, properties)
	}

	r.lockMu.Lock()
	r.lockCond.Broadcast()
	r.lockMu.Unlock()
}

// DispatchInstanceUpdate fires the registered instance callback iff
// properties differs from the previously delivered mapping.
func (r *Recipe) DispatchInstanceUpdate(dept, srv, node string, properties map[string]string) {
	instPath := zkpath.MakeInstancePath(dept, srv, node)

	r.mu.Lock()
	changed := !maps.Equal(r.lastInstance[instPath], properties)
	if changed {
		r.lastInstance[instPath] = maps.Clone(properties)
	}
	fn := r.instanceCallbacks[instPath]
	r.mu.Unlock()

	if changed && fn != nil {
		fn(dept, srv, node, properties)
	}
}

// tryAcquire is spec §4.7's acquire primitive: create-if-absent, then a
// watched read-back to confirm this call actually won the race.
func (r *Recipe) tryAcquire(ctx context.Context, path, tag string) (bool, error) {
	if err := r.store.CreateIfAbsent(ctx, path, tag, zkclient.FlagEphemeral); err != nil {
		return false, fmt.Errorf("recipe: acquiring %s: %w", path, err)
	}
	value, err := r.store.Get(ctx, path, true)
	if err != nil {
		return false, fmt.Errorf("recipe: reading back %s: %w", path, err)
	}
	return value == tag, nil
}

func lockPath(dept, srv, name string) string {
	return zkpath.ExtendProperty(zkpath.MakeServicePath(dept, srv), entity.LockPropertyName(name))
}

// TryAcquire is try_acquire: a single non-blocking attempt, using the
// Recipe's default holder tag.
func (r *Recipe) TryAcquire(ctx context.Context, dept, srv, name string) (bool, error) {
	path := lockPath(dept, srv, name)
	ok, err := r.tryAcquire(ctx, path, r.holderTag)
	if err != nil {
		return false, err
	}
	if ok {
		r.lockMu.Lock()
		r.heldLocks[path] = r.holderTag
		r.lockMu.Unlock()
	}
	return ok, nil
}

// Lock is the blocking lock(dept, srv, name, tag): it ensures the service
// is subscribed (so ChildChanged fires when the incumbent's ephemeral
// disappears), then loops try_acquire, waiting on the lock condition
// variable between attempts. ctx cancellation unblocks the wait.
func (r *Recipe) Lock(ctx context.Context, dept, srv, name string) error {
	if _, ok := r.sub.Service(dept, srv); !ok {
		if _, err := r.sub.SubscribeService(ctx, dept, srv, entity.StrategyDefault, false); err != nil {
			return fmt.Errorf("recipe: subscribing %s/%s for lock: %w", dept, srv, err)
		}
	}

	path := lockPath(dept, srv, name)
	for {
		ok, err := r.tryAcquire(ctx, path, r.holderTag)
		if err != nil {
			return err
		}
		if ok {
			r.lockMu.Lock()
			r.heldLocks[path] = r.holderTag
			r.lockMu.Unlock()
			return nil
		}
		if err := r.waitOrCancel(ctx); err != nil {
			return err
		}
	}
}

// TryLock is try_lock(dept, srv, name, tag, seconds): seconds == 0 is a
// single non-blocking attempt; otherwise bounded by an absolute deadline.
func (r *Recipe) TryLock(ctx context.Context, dept, srv, name string, seconds int) (bool, error) {
	if seconds <= 0 {
		return r.TryAcquire(ctx, dept, srv, name)
	}

	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	path := lockPath(dept, srv, name)
	for {
		ok, err := r.tryAcquire(ctx, path, r.holderTag)
		if err != nil {
			return false, err
		}
		if ok {
			r.lockMu.Lock()
			r.heldLocks[path] = r.holderTag
			r.lockMu.Unlock()
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if !r.waitWithTimeout(ctx, remaining) {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
}

// Unlock is unlock(dept, srv, name, tag): only the current holder may
// release; a non-holder call is a non-fatal false return.
func (r *Recipe) Unlock(ctx context.Context, dept, srv, name string) (bool, error) {
	path := lockPath(dept, srv, name)
	value, err := r.store.Get(ctx, path, false)
	if err != nil {
		if err == zkclient.ErrNoNode {
			r.forget(path)
			return false, nil
		}
		return false, fmt.Errorf("recipe: reading %s: %w", path, err)
	}
	if value != r.holderTag {
		return false, nil
	}
	if err := r.store.Delete(ctx, path, -1); err != nil && err != zkclient.ErrNoNode {
		return false, fmt.Errorf("recipe: deleting %s: %w", path, err)
	}
	r.forget(path)
	return true, nil
}

// Owner is owner(dept, srv, name, tag): true iff the path's current value
// equals the Recipe's holder tag.
func (r *Recipe) Owner(ctx context.Context, dept, srv, name string) (bool, error) {
	path := lockPath(dept, srv, name)
	value, err := r.store.Get(ctx, path, false)
	if err != nil {
		if err == zkclient.ErrNoNode {
			return false, nil
		}
		return false, fmt.Errorf("recipe: reading %s: %w", path, err)
	}
	return value == r.holderTag, nil
}

// RevokeAllLocks is revoke_all_locks: for each locally remembered lock
// still showing this Recipe's tag as holder, delete it. Called during
// facade teardown to minimize other contenders' wait on ephemeral expiry.
func (r *Recipe) RevokeAllLocks(ctx context.Context) error {
	r.lockMu.Lock()
	paths := make([]string, 0, len(r.heldLocks))
	for p, tag := range r.heldLocks {
		if tag == r.holderTag {
			paths = append(paths, p)
		}
	}
	r.lockMu.Unlock()

	for _, path := range paths {
		value, err := r.store.Get(ctx, path, false)
		if err != nil {
			continue
		}
		if value == r.holderTag {
			if err := r.store.Delete(ctx, path, -1); err != nil && err != zkclient.ErrNoNode {
				r.log.Warn("revoke_all_locks: delete failed", "path", path, "error", err)
			}
		}
		r.forget(path)
	}
	return nil
}

func (r *Recipe) forget(path string) {
	r.lockMu.Lock()
	delete(r.heldLocks, path)
	r.lockMu.Unlock()
}

// waitOrCancel blocks on the lock condition variable until Broadcast or
// ctx's deadline, whichever comes first.
func (r *Recipe) waitOrCancel(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.lockMu.Lock()
		r.lockCond.Wait()
		r.lockMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.lockMu.Lock()
		r.lockCond.Broadcast() // release the helper goroutine above
		r.lockMu.Unlock()
		<-done
		return ctx.Err()
	}
}

// waitWithTimeout blocks on the condition variable for at most d, returning
// false on timeout.
func (r *Recipe) waitWithTimeout(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.lockMu.Lock()
		r.lockCond.Wait()
		r.lockMu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		r.lockMu.Lock()
		r.lockCond.Broadcast()
		r.lockMu.Unlock()
		<-done
		return false
	case <-ctx.Done():
		r.lockMu.Lock()
		r.lockCond.Broadcast()
		r.lockMu.Unlock()
		<-done
		return false
	}
}
