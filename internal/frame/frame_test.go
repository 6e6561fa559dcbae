package frame_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/frame"
	"github.com/zoolink/zoolink/internal/zkclient"
	"github.com/zoolink/zoolink/internal/zkpath"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFrame(t *testing.T) (*frame.Frame, *zkclient.FakeStore) {
	t.Helper()
	if _, err := zkpath.PrimaryIPv4(); err != nil {
		t.Skip("no non-loopback IPv4 address available in this sandbox")
	}
	store := zkclient.NewFakeStore()
	f, err := frame.New(store, "", testLogger())
	assert.NilError(t, err)
	return f, store
}

// TestRegisterSubscribePickScenario2 is spec.md's "register,
// subscribe_service, pick returns the right instance" scenario, exercised
// end-to-end through the facade.
func TestRegisterSubscribePickScenario2(t *testing.T) {
	f, _ := newFrame(t)
	ctx := context.Background()

	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", nil)
	assert.NilError(t, err)
	assert.NilError(t, f.Register(ctx, inst, false))

	_, err = f.SubscribeService(ctx, "a", "b", entity.StrategyDefault, true)
	assert.NilError(t, err)

	picked, err := f.Pick("a", "b", entity.StrategyDefault)
	assert.NilError(t, err)
	assert.Equal(t, picked.Node, "10.0.0.1:7")
}

func TestPickRejectsEmptyServiceName(t *testing.T) {
	f, _ := newFrame(t)
	_, err := f.Pick("a", "", entity.StrategyDefault)
	assert.ErrorContains(t, err, "must not be empty")
}

func TestAttachInstanceCallbackImplicitlySubscribesWithInstances(t *testing.T) {
	f, _ := newFrame(t)
	ctx := context.Background()

	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", nil)
	assert.NilError(t, err)
	assert.NilError(t, f.Register(ctx, inst, false))

	err = f.AttachInstancePropertyCallback(ctx, "a", "b", "10.0.0.1:7", func(dept, srv, node string, props map[string]string) {})
	assert.NilError(t, err)

	svc, ok := f.Subscriber.Service("a", "b")
	assert.Assert(t, ok)
	assert.Equal(t, svc.WithInstances, true)
}

func TestSessionExpiryTriggersReregister(t *testing.T) {
	f, store := newFrame(t)
	ctx := context.Background()

	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", nil)
	assert.NilError(t, err)
	assert.NilError(t, f.Register(ctx, inst, false))

	store.ExpireSession()

	assert.Assert(t, pollUntil(t, func() bool {
		ok, _ := store.Exists(ctx, "/a/b/10.0.0.1:7/active", false)
		return ok
	}))
}

func pollUntil(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestCloseRevokesPublishedInstances(t *testing.T) {
	f, store := newFrame(t)
	ctx := context.Background()

	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", nil)
	assert.NilError(t, err)
	assert.NilError(t, f.Register(ctx, inst, false))

	assert.NilError(t, f.Close(ctx))

	ok, err := store.Exists(ctx, "/a/b/10.0.0.1:7/active", false)
	assert.NilError(t, err)
	assert.Equal(t, ok, false)
}
