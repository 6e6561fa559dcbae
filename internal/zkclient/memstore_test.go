package zkclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/zoolink/zoolink/internal/zkclient"
)

func TestFakeStoreCreateIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := zkclient.NewFakeStore()

	assert.NilError(t, s.CreateIfAbsent(ctx, "/a", "1", zkclient.FlagPersistent))
	assert.NilError(t, s.CreateIfAbsent(ctx, "/a", "2", zkclient.FlagPersistent))

	v, err := s.Get(ctx, "/a", false)
	assert.NilError(t, err)
	assert.Equal(t, v, "1") // second create-if-absent is a no-op
}

func TestFakeStoreCreateOrSetOverwrites(t *testing.T) {
	ctx := context.Background()
	s := zkclient.NewFakeStore()

	assert.NilError(t, s.CreateOrSet(ctx, "/a", "1", zkclient.FlagPersistent))
	assert.NilError(t, s.CreateOrSet(ctx, "/a", "2", zkclient.FlagPersistent))

	v, err := s.Get(ctx, "/a", false)
	assert.NilError(t, err)
	assert.Equal(t, v, "2")
}

func TestFakeStoreWatchFiresOnce(t *testing.T) {
	ctx := context.Background()
	s := zkclient.NewFakeStore()
	assert.NilError(t, s.Create(ctx, "/a", "1", zkclient.FlagPersistent))

	_, err := s.Get(ctx, "/a", true)
	assert.NilError(t, err)

	assert.NilError(t, s.Set(ctx, "/a", "2", -1))
	assert.NilError(t, s.Set(ctx, "/a", "3", -1)) // no watch installed this time

	select {
	case ev := <-s.Events():
		assert.Equal(t, ev.Kind, zkclient.EventChanged)
		assert.Equal(t, ev.Path, "/a")
	case <-time.After(time.Second):
		t.Fatal("expected one Changed event")
	}

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected second event %+v, watch should have been one-shot", ev)
	default:
	}
}

func TestFakeStoreChildWatchFiresOnCreate(t *testing.T) {
	ctx := context.Background()
	s := zkclient.NewFakeStore()
	assert.NilError(t, s.Create(ctx, "/a", "1", zkclient.FlagPersistent))

	_, err := s.GetChildren(ctx, "/a", true)
	assert.NilError(t, err)

	assert.NilError(t, s.Create(ctx, "/a/b", "1", zkclient.FlagPersistent))

	select {
	case ev := <-s.Events():
		assert.Equal(t, ev.Kind, zkclient.EventChildChanged)
		assert.Equal(t, ev.Path, "/a")
	case <-time.After(time.Second):
		t.Fatal("expected a ChildChanged event")
	}
}

func TestFakeStoreDeleteRequiresEmpty(t *testing.T) {
	ctx := context.Background()
	s := zkclient.NewFakeStore()
	assert.NilError(t, s.Create(ctx, "/a", "1", zkclient.FlagPersistent))
	assert.NilError(t, s.Create(ctx, "/a/b", "1", zkclient.FlagPersistent))

	err := s.Delete(ctx, "/a", -1)
	assert.Assert(t, errors.Is(err, zkclient.ErrNotEmpty))
}

func TestFakeStoreExpireSessionDropsEphemerals(t *testing.T) {
	ctx := context.Background()
	s := zkclient.NewFakeStore()
	assert.NilError(t, s.Create(ctx, "/a", "1", zkclient.FlagPersistent))
	assert.NilError(t, s.Create(ctx, "/a/active", "1", zkclient.FlagEphemeral))

	s.ExpireSession()

	ok, err := s.Exists(ctx, "/a/active", false)
	assert.NilError(t, err)
	assert.Equal(t, ok, false)

	ok, err = s.Exists(ctx, "/a", false)
	assert.NilError(t, err)
	assert.Equal(t, ok, true)
}

func TestFakeStoreMultiAppliesEachOp(t *testing.T) {
	ctx := context.Background()
	s := zkclient.NewFakeStore()
	assert.NilError(t, s.Create(ctx, "/a", "1", zkclient.FlagPersistent))

	results, err := s.Multi(ctx,
		zkclient.Op{Kind: zkclient.OpCreate, Path: "/a/b", Value: "1"},
		zkclient.Op{Kind: zkclient.OpSet, Path: "/a", Value: "2", Version: -1},
	)
	assert.NilError(t, err)
	assert.Equal(t, len(results), 2)
	for _, r := range results {
		assert.NilError(t, r.Err)
	}

	v, err := s.Get(ctx, "/a", false)
	assert.NilError(t, err)
	assert.Equal(t, v, "2")
}
