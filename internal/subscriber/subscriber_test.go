package subscriber_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/subscriber"
	"github.com/zoolink/zoolink/internal/zkclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedService(t *testing.T, store *zkclient.FakeStore) {
	t.Helper()
	ctx := context.Background()
	assert.NilError(t, store.Create(ctx, "/a", "1", zkclient.FlagPersistent))
	assert.NilError(t, store.Create(ctx, "/a/b", "1", zkclient.FlagPersistent))
}

// TestSubscribeServiceScenario2 is spec.md's "register, subscribe_service,
// pick returns the right instance" scenario, the Subscriber half of it.
func TestSubscribeServiceScenario2(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)
	assert.NilError(t, store.Create(ctx, "/a/b/10.0.0.1:7", "1", zkclient.FlagPersistent))
	assert.NilError(t, store.Create(ctx, "/a/b/10.0.0.1:7/active", "1", zkclient.FlagEphemeral))

	sub := subscriber.New(store, testLogger())
	svc, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, true)
	assert.NilError(t, err)
	assert.Equal(t, svc.Available(), true)
	assert.Equal(t, len(svc.Instances), 1)
	inst, ok := svc.Instances["10.0.0.1:7"]
	assert.Assert(t, ok)
	assert.Equal(t, inst.Host, "10.0.0.1")
	assert.Equal(t, inst.Port, uint16(7))
}

func TestSubscribeServiceWithoutInstancesSkipsThem(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)
	assert.NilError(t, store.Create(ctx, "/a/b/10.0.0.1:7", "1", zkclient.FlagPersistent))

	sub := subscriber.New(store, testLogger())
	svc, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, false)
	assert.NilError(t, err)
	assert.Equal(t, len(svc.Instances), 0)
}

func TestReconcileServiceDeletedDropsSnapshotAndWaitsForCreate(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)

	sub := subscriber.New(store, testLogger())
	_, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, false)
	assert.NilError(t, err)

	out, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventDeleted, Path: "/a/b"})
	assert.NilError(t, err)
	assert.Equal(t, out.Target, subscriber.ServiceCallbackTarget)

	_, ok := sub.Service("a", "b")
	assert.Equal(t, ok, false)
}

func TestReconcileServiceChangedUpdatesEnable(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)

	sub := subscriber.New(store, testLogger())
	_, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, false)
	assert.NilError(t, err)

	assert.NilError(t, store.Set(ctx, "/a/b", "0", -1))
	out, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventChanged, Path: "/a/b"})
	assert.NilError(t, err)
	assert.Equal(t, out.Target, subscriber.ServiceCallbackTarget)

	svc, ok := sub.Service("a", "b")
	assert.Assert(t, ok)
	assert.Equal(t, svc.Available(), false)
}

func TestReconcileServiceChildChangedResubscribesInstances(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)

	sub := subscriber.New(store, testLogger())
	_, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, true)
	assert.NilError(t, err)

	assert.NilError(t, store.Create(ctx, "/a/b/10.0.0.1:7", "1", zkclient.FlagPersistent))
	out, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventChildChanged, Path: "/a/b"})
	assert.NilError(t, err)
	assert.Equal(t, out.Target, subscriber.ServiceCallbackTarget)

	svc, ok := sub.Service("a", "b")
	assert.Assert(t, ok)
	assert.Equal(t, len(svc.Instances), 1)
}

func TestReconcileServicePropertyChangedUpdatesSingleProperty(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)
	assert.NilError(t, store.Create(ctx, "/a/b/idc", "bja", zkclient.FlagPersistent))

	sub := subscriber.New(store, testLogger())
	_, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, false)
	assert.NilError(t, err)

	assert.NilError(t, store.Set(ctx, "/a/b/idc", "shz", -1))
	out, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventChanged, Path: "/a/b/idc"})
	assert.NilError(t, err)
	assert.Equal(t, out.ServiceProperties["idc"], "shz")

	svc, ok := sub.Service("a", "b")
	assert.Assert(t, ok)
	assert.Equal(t, svc.Properties["idc"], "shz")
}

func TestReconcileServicePropertyCreatedIsUnexpectedError(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)
	sub := subscriber.New(store, testLogger())

	_, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventCreated, Path: "/a/b/idc"})
	assert.ErrorContains(t, err, "unexpected")
}

func TestReconcileServicePropertyDeletedIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)
	sub := subscriber.New(store, testLogger())

	out, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventDeleted, Path: "/a/b/idc"})
	assert.NilError(t, err)
	assert.Equal(t, out.Target, subscriber.NoCallback)
}

func TestReconcileInstanceChangedUpdatesEnable(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)
	assert.NilError(t, store.Create(ctx, "/a/b/10.0.0.1:7", "1", zkclient.FlagPersistent))

	sub := subscriber.New(store, testLogger())
	_, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, true)
	assert.NilError(t, err)

	assert.NilError(t, store.Set(ctx, "/a/b/10.0.0.1:7", "0", -1))
	out, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventChanged, Path: "/a/b/10.0.0.1:7"})
	assert.NilError(t, err)
	assert.Equal(t, out.Target, subscriber.InstanceCallbackTarget)

	svc, ok := sub.Service("a", "b")
	assert.Assert(t, ok)
	assert.Equal(t, svc.Instances["10.0.0.1:7"].Enabled, false)
}

func TestReconcileInstancePropertyChangedUpdatesWeight(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)
	assert.NilError(t, store.Create(ctx, "/a/b/10.0.0.1:7", "1", zkclient.FlagPersistent))
	assert.NilError(t, store.Create(ctx, "/a/b/10.0.0.1:7/weight", "50", zkclient.FlagPersistent))

	sub := subscriber.New(store, testLogger())
	_, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, true)
	assert.NilError(t, err)

	assert.NilError(t, store.Set(ctx, "/a/b/10.0.0.1:7/weight", "90", -1))
	out, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventChanged, Path: "/a/b/10.0.0.1:7/weight"})
	assert.NilError(t, err)
	assert.Equal(t, out.InstanceProperties["weight"], "90")

	svc, ok := sub.Service("a", "b")
	assert.Assert(t, ok)
	assert.Equal(t, svc.Instances["10.0.0.1:7"].Weight, 90)
}

func TestReconcileInstanceCreatedIsUnexpectedError(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	sub := subscriber.New(store, testLogger())

	_, err := sub.Reconcile(ctx, zkclient.Event{Kind: zkclient.EventCreated, Path: "/a/b/10.0.0.1:7"})
	assert.ErrorContains(t, err, "unexpected")
}

func TestPeriodicCareHealsLostWatches(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)

	sub := subscriber.New(store, testLogger())
	_, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, false)
	assert.NilError(t, err)

	assert.NilError(t, sub.PeriodicCare(ctx))
	svc, ok := sub.Service("a", "b")
	assert.Assert(t, ok)
	assert.Equal(t, svc.Available(), true)
}

func TestOnServiceUpdateFiresAfterCommit(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	seedService(t, store)

	sub := subscriber.New(store, testLogger())
	var seen []string
	sub.OnServiceUpdate(func(dept, srv string, svc *entity.Service) {
		seen = append(seen, dept+"/"+srv)
	})

	_, err := sub.SubscribeService(ctx, "a", "b", entity.StrategyDefault, false)
	assert.NilError(t, err)
	assert.DeepEqual(t, seen, []string{"a/b"})
}
