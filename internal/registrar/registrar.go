// Package registrar implements the Registrar component (spec §4.3): it
// publishes local Instances under their department/service hierarchy,
// carries their liveness via an ephemeral "active" marker, and revokes
// them on demand or at teardown.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/zkclient"
	"github.com/zoolink/zoolink/internal/zkpath"
)

// Registrar owns the set of instances this process has published. It
// never blocks on a call already in flight to the same instance path, but
// does not serialize calls for different paths — the store itself is the
// source of truth for concurrent registration attempts.
type Registrar struct {
	store zkclient.StoreClient
	log   *slog.Logger

	mu        sync.Mutex // guards published — the snapshot lock for this component
	published map[string]*entity.Instance
}

// New builds a Registrar over store.
func New(store zkclient.StoreClient, log *slog.Logger) *Registrar {
	return &Registrar{
		store:     store,
		log:       log,
		published: make(map[string]*entity.Instance),
	}
}

// Register expands a "0.0.0.0:<port>" node into one instance per local
// non-loopback IPv4 address, then installs each expanded (or the original,
// single) instance: persistent Department/Service/Instance nodes, its
// property children, and the ephemeral "active"/"pid" liveness markers.
// Individual instance failures are logged; Register only returns an error
// when every expansion failed to install.
func (r *Registrar) Register(ctx context.Context, inst *entity.Instance, overwrite bool) error {
	instances, err := r.expand(inst)
	if err != nil {
		return err
	}

	var (
		result   error
		attempts int
		failures int
	)
	for _, one := range instances {
		attempts++
		if err := r.registerOne(ctx, one, overwrite); err != nil {
			failures++
			r.log.Error("register instance failed", "path", one.Path(), "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", one.Path(), err))
			continue
		}
		r.mu.Lock()
		r.published[one.Path()] = one
		r.mu.Unlock()
	}

	if attempts > 0 && failures == attempts {
		return fmt.Errorf("register: all %d instance(s) failed: %w", attempts, result)
	}
	return nil
}

// expand materializes the 0.0.0.0 registration-boundary sentinel into one
// instance per local primary address; any other node is returned as-is.
func (r *Registrar) expand(inst *entity.Instance) ([]*entity.Instance, error) {
	if !zkpath.IsZeroHost(inst.Node) {
		return []*entity.Instance{inst}, nil
	}

	_, port, ok := zkpath.ParseHostPort(inst.Node)
	if !ok {
		return nil, fmt.Errorf("invalid node %q", inst.Node)
	}

	ips, err := zkpath.LocalIPv4s()
	if err != nil {
		return nil, fmt.Errorf("expanding 0.0.0.0: %w", err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("expanding 0.0.0.0: no local IPv4 address found")
	}

	out := make([]*entity.Instance, 0, len(ips))
	for _, ip := range ips {
		cp := *inst
		cp.Node = fmt.Sprintf("%s:%d", ip, port)
		cp.Host = ip
		cp.Port = port
		cp.Properties = make(map[string]string, len(inst.Properties))
		for k, v := range inst.Properties {
			cp.Properties[k] = v
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (r *Registrar) registerOne(ctx context.Context, inst *entity.Instance, overwrite bool) error {
	pairs := inst.ToPathPairs()
	if len(pairs) < 3 {
		return fmt.Errorf("instance produced no path pairs")
	}

	// Department, Service and the Instance node itself are always
	// create-if-absent, regardless of overwrite.
	for _, p := range pairs[:3] {
		if err := zkclient.CreateIfAbsentCompose(ctx, r.store, p.Path, p.Value, zkclient.FlagPersistent); err != nil {
			return fmt.Errorf("installing %s: %w", p.Path, err)
		}
	}

	for _, p := range pairs[3:] {
		var err error
		if overwrite {
			err = zkclient.CreateOrSetCompose(ctx, r.store, p.Path, p.Value, zkclient.FlagPersistent)
		} else {
			err = zkclient.CreateIfAbsentCompose(ctx, r.store, p.Path, p.Value, zkclient.FlagPersistent)
		}
		if err != nil {
			return fmt.Errorf("installing property %s: %w", p.Path, err)
		}
	}

	activePath := zkpath.ExtendProperty(inst.Path(), entity.PropActive)
	if err := zkclient.CreateOrSetCompose(ctx, r.store, activePath, "1", zkclient.FlagEphemeral); err != nil {
		return fmt.Errorf("installing liveness marker %s: %w", activePath, err)
	}

	pidPath := zkpath.ExtendProperty(inst.Path(), entity.PropPid)
	if err := zkclient.CreateOrSetCompose(ctx, r.store, pidPath, fmt.Sprintf("%d", os.Getpid()), zkclient.FlagEphemeral); err != nil {
		// Non-fatal: the liveness marker already exists, which is all the
		// Subscriber actually needs.
		r.log.Warn("installing pid marker failed, continuing", "path", pidPath, "error", err)
	}

	return nil
}

// Revoke removes instancePath from the published set and deletes its
// ephemeral "active" child. The persistent instance node is intentionally
// left behind — liveness is carried solely by "active".
func (r *Registrar) Revoke(ctx context.Context, instancePath string) error {
	if zkpath.Classify(instancePath) != zkpath.Instance {
		return fmt.Errorf("%s is not an Instance path", instancePath)
	}

	r.mu.Lock()
	delete(r.published, instancePath)
	r.mu.Unlock()

	activePath := zkpath.ExtendProperty(instancePath, entity.PropActive)
	if err := r.store.Delete(ctx, activePath, -1); err != nil && err != zkclient.ErrNoNode {
		return fmt.Errorf("revoking %s: %w", instancePath, err)
	}
	return nil
}

// RevokeAll revokes every currently published instance, aggregating
// per-instance failures.
func (r *Registrar) RevokeAll(ctx context.Context) error {
	r.mu.Lock()
	paths := make([]string, 0, len(r.published))
	for p := range r.published {
		paths = append(paths, p)
	}
	r.mu.Unlock()

	var result error
	for _, p := range paths {
		if err := r.Revoke(ctx, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// Reregister re-installs every currently published instance. It is the
// concrete form of spec §5's "publishers should therefore call register
// on reconnect": the Frame wires this to the StoreClient's session
// callback so ephemerals lost during an outage are re-created as soon as
// the expiry is observed. Subscriber.PeriodicCare only re-subscribes and
// does not re-create them.
func (r *Registrar) Reregister(ctx context.Context) error {
	r.mu.Lock()
	instances := make([]*entity.Instance, 0, len(r.published))
	for _, inst := range r.published {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	var result error
	for _, inst := range instances {
		if err := r.registerOne(ctx, inst, true); err != nil {
			result = multierror.Append(result, fmt.Errorf("reregistering %s: %w", inst.Path(), err))
		}
	}
	return result
}

// Published returns a snapshot of the currently published instance paths.
func (r *Registrar) Published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.published))
	for p := range r.published {
		out = append(out, p)
	}
	return out
}
