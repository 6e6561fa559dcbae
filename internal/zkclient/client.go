// Package zkclient defines the StoreClient boundary described by spec §6:
// a synchronous create/get/set/delete/exists/get_children/multi surface over
// a hierarchical, watchable key-value store, plus a single channel carrying
// every watch and session event. Everything above this package — Registrar,
// Subscriber, Selector, Recipe — depends only on the StoreClient interface,
// never on the concrete ZooKeeper client, which is what lets tests run
// against the in-memory FakeStore instead of a live ensemble.
package zkclient

import (
	"context"
	"errors"
	"fmt"
)

// EventKind is the watch/session event kind delivered on the sink channel.
type EventKind int

const (
	EventCreated EventKind = iota
	EventDeleted
	EventChanged
	EventChildChanged
	EventSession
	EventWatchRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "Created"
	case EventDeleted:
		return "Deleted"
	case EventChanged:
		return "Changed"
	case EventChildChanged:
		return "ChildChanged"
	case EventSession:
		return "Session"
	case EventWatchRemoved:
		return "WatchRemoved"
	default:
		return "Unknown"
	}
}

// SessionState mirrors the ZooKeeper session lifecycle. It rides along on
// every Event but is only meaningful when Kind == EventSession. Session
// events never reach the Subscriber (spec §4.4: "the Subscriber must not
// observe [session events]"): the Frame's router intercepts them, logs each
// transition, and re-registers published instances on SessionExpired.
type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionConnecting
	SessionConnected
	SessionExpired
)

// Event is the one shape delivered on the StoreClient's event sink.
type Event struct {
	Kind  EventKind
	State SessionState
	Path  string
}

// Flag selects create-time node semantics.
type Flag int

const (
	FlagPersistent Flag = 0
	FlagEphemeral  Flag = 1
)

// Errors a StoreClient implementation reports. ErrNodeExists is benign
// under CreateIfAbsent/CreateOrSet; every other error is a StoreError per
// spec §7.
var (
	ErrNodeExists = errors.New("zkclient: node exists")
	ErrNoNode     = errors.New("zkclient: no such node")
	ErrNotEmpty   = errors.New("zkclient: node has children")
	ErrClosed     = errors.New("zkclient: client closed")
	ErrBadVersion = errors.New("zkclient: version conflict")
)

// Op is one operation in a Multi batch.
type Op struct {
	Kind    OpKind
	Path    string
	Value   string
	Flag    Flag
	Version int32
}

// OpKind is the kind of a batched Op.
type OpKind int

const (
	OpCreate OpKind = iota
	OpSet
	OpDelete
)

// OpResult is the per-operation outcome of a Multi call.
type OpResult struct {
	Err error
}

// StoreClient is the external coordination-store boundary. Every method is
// synchronous; Get/Exists/GetChildren accept a watch flag that installs a
// one-shot watch whose firing is delivered on Events().
type StoreClient interface {
	Create(ctx context.Context, path, value string, flag Flag) error
	CreateIfAbsent(ctx context.Context, path, value string, flag Flag) error
	CreateOrSet(ctx context.Context, path, value string, flag Flag) error

	Get(ctx context.Context, path string, watch bool) (value string, err error)
	Set(ctx context.Context, path, value string, version int32) error
	Delete(ctx context.Context, path string, version int32) error
	Exists(ctx context.Context, path string, watch bool) (bool, error)
	GetChildren(ctx context.Context, path string, watch bool) ([]string, error)
	Multi(ctx context.Context, ops ...Op) ([]OpResult, error)

	// Events returns the single sink every watch and session event is
	// delivered on, for the lifetime of the client.
	Events() <-chan Event

	Close() error
}

// CreateIfAbsentCompose implements the "create-if-absent" composition
// described in spec §6 above a bare Create: the benign ErrNodeExists is
// swallowed so callers get idempotent creation.
func CreateIfAbsentCompose(ctx context.Context, c StoreClient, path, value string, flag Flag) error {
	err := c.Create(ctx, path, value, flag)
	if err == nil || errors.Is(err, ErrNodeExists) {
		return nil
	}
	return fmt.Errorf("create-if-absent %s: %w", path, err)
}

// CreateOrSetCompose implements "create-or-set": create, and on a benign
// NodeExists fall back to an unconditional Set.
func CreateOrSetCompose(ctx context.Context, c StoreClient, path, value string, flag Flag) error {
	err := c.Create(ctx, path, value, flag)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNodeExists) {
		return fmt.Errorf("create-or-set %s: create: %w", path, err)
	}
	if err := c.Set(ctx, path, value, -1); err != nil {
		return fmt.Errorf("create-or-set %s: set: %w", path, err)
	}
	return nil
}
