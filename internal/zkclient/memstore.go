package zkclient

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// node is one entry in the FakeStore tree.
type node struct {
	value     string
	ephemeral bool
	version   int32
}

// FakeStore is an in-memory StoreClient used by tests. It
// reproduces the one-shot watch semantics and the ephemeral-node /
// session-expiry behavior the Subscriber and Recipe depend on, so the
// same reconciliation code exercised against it is exercised against
// ZKClient.
type FakeStore struct {
	mu    sync.Mutex
	nodes map[string]*node

	watchValue    map[string]bool // paths with a pending data/exists watch
	watchChildren map[string]bool // paths with a pending children watch

	events chan Event
	closed bool
}

// NewFakeStore returns an empty store rooted at "/".
func NewFakeStore() *FakeStore {
	return &FakeStore{
		nodes:         map[string]*node{"/": {value: ""}},
		watchValue:    map[string]bool{},
		watchChildren: map[string]bool{},
		events:        make(chan Event, 1024),
	}
}

func (f *FakeStore) Events() <-chan Event { return f.events }

func (f *FakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return nil
}

func parentOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func (f *FakeStore) emit(kind EventKind, path string) {
	select {
	case f.events <- Event{Kind: kind, State: SessionConnected, Path: path}:
	default:
	}
}

func (f *FakeStore) Create(ctx context.Context, path, value string, flag Flag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, exists := f.nodes[path]; exists {
		return ErrNodeExists
	}
	parent := parentOf(path)
	if parent != "/" {
		if _, ok := f.nodes[parent]; !ok {
			return ErrNoNode
		}
	}
	f.nodes[path] = &node{value: value, ephemeral: flag == FlagEphemeral}
	f.fireLocked(EventCreated, path)
	f.fireLocked(EventChildChanged, parent)
	return nil
}

func (f *FakeStore) CreateIfAbsent(ctx context.Context, path, value string, flag Flag) error {
	return CreateIfAbsentCompose(ctx, f, path, value, flag)
}

func (f *FakeStore) CreateOrSet(ctx context.Context, path, value string, flag Flag) error {
	return CreateOrSetCompose(ctx, f, path, value, flag)
}

func (f *FakeStore) Get(ctx context.Context, path string, watch bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return "", ErrNoNode
	}
	if watch {
		f.watchValue[path] = true
	}
	return n.value, nil
}

func (f *FakeStore) Set(ctx context.Context, path, value string, version int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return ErrNoNode
	}
	if version >= 0 && n.version != version {
		return ErrBadVersion
	}
	n.value = value
	n.version++
	f.fireLocked(EventChanged, path)
	return nil
}

func (f *FakeStore) Delete(ctx context.Context, path string, version int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return ErrNoNode
	}
	if version >= 0 && n.version != version {
		return ErrBadVersion
	}
	for p := range f.nodes {
		if p != path && strings.HasPrefix(p, path+"/") {
			return ErrNotEmpty
		}
	}
	delete(f.nodes, path)
	f.fireLocked(EventDeleted, path)
	f.fireLocked(EventChildChanged, parentOf(path))
	return nil
}

func (f *FakeStore) Exists(ctx context.Context, path string, watch bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[path]
	if watch {
		f.watchValue[path] = true
	}
	return ok, nil
}

func (f *FakeStore) GetChildren(ctx context.Context, path string, watch bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[path]; !ok {
		return nil, ErrNoNode
	}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	var children []string
	for p := range f.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	if watch {
		f.watchChildren[path] = true
	}
	return children, nil
}

func (f *FakeStore) Multi(ctx context.Context, ops ...Op) ([]OpResult, error) {
	results := make([]OpResult, len(ops))
	for i, op := range ops {
		var err error
		switch op.Kind {
		case OpCreate:
			err = f.Create(ctx, op.Path, op.Value, op.Flag)
		case OpSet:
			err = f.Set(ctx, op.Path, op.Value, op.Version)
		case OpDelete:
			err = f.Delete(ctx, op.Path, op.Version)
		}
		results[i] = OpResult{Err: err}
	}
	return results, nil
}

// fireLocked fires any installed watch of the matching kind on path
// (consuming it, one-shot). It does not touch the parent's child watch;
// Create, Delete and ExpireSession fire that separately with
// EventChildChanged. Must be called with mu held.
func (f *FakeStore) fireLocked(kind EventKind, path string) {
	switch kind {
	case EventChanged, EventCreated, EventDeleted:
		if f.watchValue[path] {
			delete(f.watchValue, path)
			f.emit(kind, path)
		}
	case EventChildChanged:
		if f.watchChildren[path] {
			delete(f.watchChildren, path)
			f.emit(kind, path)
		}
	}
}

// ExpireSession simulates a ZooKeeper session loss: every ephemeral node
// is removed as if its owning session had ended, firing the same Deleted
// / ChildChanged events a real watch would see.
func (f *FakeStore) ExpireSession() {
	f.mu.Lock()
	var ephemeralPaths []string
	for p, n := range f.nodes {
		if n.ephemeral {
			ephemeralPaths = append(ephemeralPaths, p)
		}
	}
	for _, p := range ephemeralPaths {
		delete(f.nodes, p)
	}
	f.mu.Unlock()

	for _, p := range ephemeralPaths {
		f.mu.Lock()
		f.fireLocked(EventDeleted, p)
		f.fireLocked(EventChildChanged, parentOf(p))
		f.mu.Unlock()
	}
	select {
	case f.events <- Event{Kind: EventSession, State: SessionExpired}:
	default:
	}
}
