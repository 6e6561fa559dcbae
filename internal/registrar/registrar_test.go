package registrar_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/registrar"
	"github.com/zoolink/zoolink/internal/zkclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestRegisterScenario1 is spec.md's "concrete end-to-end scenario #1".
func TestRegisterScenario1(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	reg := registrar.New(store, testLogger())

	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", map[string]string{"x": "y"})
	assert.NilError(t, err)

	assert.NilError(t, reg.Register(ctx, inst, false))

	wantPairs := map[string]string{
		"/a":                       "1",
		"/a/b":                     "1",
		"/a/b/10.0.0.1:7":          "1",
		"/a/b/10.0.0.1:7/active":   "1",
		"/a/b/10.0.0.1:7/x":        "y",
		"/a/b/10.0.0.1:7/weight":   "50",
		"/a/b/10.0.0.1:7/priority": "50",
	}
	for path, want := range wantPairs {
		got, err := store.Get(ctx, path, false)
		assert.NilError(t, err, path)
		assert.Equal(t, got, want, path)
	}
}

func TestRegisterIdempotentWithoutOverwrite(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	reg := registrar.New(store, testLogger())

	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", map[string]string{"x": "y"})
	assert.NilError(t, err)

	assert.NilError(t, reg.Register(ctx, inst, false))
	assert.NilError(t, reg.Register(ctx, inst, false))

	assert.Equal(t, len(reg.Published()), 1)

	// Exactly one ephemeral "active" child: re-registering without
	// overwrite must not error even though the node already exists.
	v, err := store.Get(ctx, "/a/b/10.0.0.1:7/active", false)
	assert.NilError(t, err)
	assert.Equal(t, v, "1")
}

func TestRegisterExpandsZeroHost(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	reg := registrar.New(store, testLogger())

	inst, err := entity.NewInstance("a", "b", "0.0.0.0:9", nil)
	assert.NilError(t, err)

	err = reg.Register(ctx, inst, false)
	// Expansion may legitimately fail in a sandboxed test environment with
	// no non-loopback IPv4 address; either outcome is acceptable here, we
	// only assert that a successful expansion never leaves a "0.0.0.0"
	// node behind.
	if err == nil {
		for _, p := range reg.Published() {
			assert.Assert(t, p != "/a/b/0.0.0.0:9")
		}
	}
}

func TestRevokeRemovesActiveButKeepsInstanceNode(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	reg := registrar.New(store, testLogger())

	inst, err := entity.NewInstance("a", "b", "10.0.0.1:7", nil)
	assert.NilError(t, err)
	assert.NilError(t, reg.Register(ctx, inst, false))

	assert.NilError(t, reg.Revoke(ctx, "/a/b/10.0.0.1:7"))

	ok, err := store.Exists(ctx, "/a/b/10.0.0.1:7/active", false)
	assert.NilError(t, err)
	assert.Equal(t, ok, false)

	ok, err = store.Exists(ctx, "/a/b/10.0.0.1:7", false)
	assert.NilError(t, err)
	assert.Equal(t, ok, true)

	assert.Equal(t, len(reg.Published()), 0)
}

func TestRevokeRejectsNonInstancePath(t *testing.T) {
	ctx := context.Background()
	reg := registrar.New(zkclient.NewFakeStore(), testLogger())
	err := reg.Revoke(ctx, "/a/b")
	assert.ErrorContains(t, err, "not an Instance path")
}

func TestRevokeAllClearsEverything(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	reg := registrar.New(store, testLogger())

	i1, _ := entity.NewInstance("a", "b", "10.0.0.1:7", nil)
	i2, _ := entity.NewInstance("a", "b", "10.0.0.2:7", nil)
	assert.NilError(t, reg.Register(ctx, i1, false))
	assert.NilError(t, reg.Register(ctx, i2, false))

	assert.NilError(t, reg.RevokeAll(ctx))
	assert.Equal(t, len(reg.Published()), 0)
}

func TestReregisterRecreatesEphemeralsAfterSessionLoss(t *testing.T) {
	ctx := context.Background()
	store := zkclient.NewFakeStore()
	reg := registrar.New(store, testLogger())

	inst, _ := entity.NewInstance("a", "b", "10.0.0.1:7", nil)
	assert.NilError(t, reg.Register(ctx, inst, false))

	store.ExpireSession()
	ok, err := store.Exists(ctx, "/a/b/10.0.0.1:7/active", false)
	assert.NilError(t, err)
	assert.Equal(t, ok, false)

	assert.NilError(t, reg.Reregister(ctx))

	ok, err = store.Exists(ctx, "/a/b/10.0.0.1:7/active", false)
	assert.NilError(t, err)
	assert.Equal(t, ok, true)
}
