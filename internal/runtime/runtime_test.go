// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package runtime_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetlabs/facet/internal/bus"
	"github.com/facetlabs/facet/internal/registry"
	"github.com/facetlabs/facet/internal/resource"
	"github.com/facetlabs/facet/internal/runtime"
	"github.com/facetlabs/facet/internal/security"
	"github.com/facetlabs/facet/internal/service"
	"github.com/facetlabs/facet/internal/store"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// fakePlugin is a controllable plugin instance with call counters.
type fakePlugin struct {
	name        string
	initCount   atomic.Int32
	activateErr error
	execCount   atomic.Int32
	execute     func(ctx context.Context, op string, params map[string]any) (any, error)
	pctx        *plugin.Context
}

func (p *fakePlugin) Name() string                      { return p.name }
func (p *fakePlugin) Version() string                   { return "1.0.0" }
func (p *fakePlugin) Description() string               { return "test plugin" }
func (p *fakePlugin) Author() string                    { return "tests" }
func (p *fakePlugin) Dependencies() []plugin.Dependency { return nil }

func (p *fakePlugin) Initialize(_ context.Context, pctx *plugin.Context) error {
	p.initCount.Add(1)
	p.pctx = pctx
	return nil
}

func (p *fakePlugin) Activate(context.Context) error   { return p.activateErr }
func (p *fakePlugin) Deactivate(context.Context) error { return nil }
func (p *fakePlugin) Cleanup(context.Context) error    { return nil }

func (p *fakePlugin) Execute(ctx context.Context, op string, params map[string]any) (any, error) {
	p.execCount.Add(1)
	if p.execute != nil {
		return p.execute(ctx, op, params)
	}
	return "result:" + op, nil
}

type fixture struct {
	manager   *runtime.Manager
	loader    *runtime.BuiltinLoader
	resources *resource.Manager
	bus       *bus.Bus
}

func newFixture(t *testing.T, opts ...runtime.Option) *fixture {
	t.Helper()

	audit := store.NewMemoryAuditStore(0)
	t.Cleanup(func() { _ = audit.Close() })

	reg := registry.New("")
	sec := security.NewManager(audit)
	res := resource.NewManager()
	eventBus := bus.New()
	services := service.NewRegistry()
	loader := runtime.NewBuiltinLoader()

	opts = append([]runtime.Option{runtime.WithLoader(loader)}, opts...)
	m := runtime.NewManager(reg, sec, res, eventBus, services, "1.0.0", opts...)
	return &fixture{manager: m, loader: loader, resources: res, bus: eventBus}
}

func (f *fixture) install(t *testing.T, p *fakePlugin, perms ...plugin.Permission) {
	t.Helper()

	f.loader.Register(p.name, func() plugin.Plugin { return p })
	manifest := &plugin.Manifest{
		Name:        p.name,
		Version:     "1.0.0",
		Category:    plugin.CategoryUtility,
		EntryPoint:  "builtin:" + p.name,
		Permissions: perms,
	}
	require.NoError(t, f.manager.Register(context.Background(), manifest))
}

func dataRead() plugin.Permission {
	return plugin.Permission{Resource: plugin.ResourceData, Access: plugin.AccessRead}
}

func TestLoadIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "p"}
	f.install(t, p)

	ctx := context.Background()
	require.NoError(t, f.manager.Load(ctx, "p"))
	require.NoError(t, f.manager.Load(ctx, "p"))

	assert.Equal(t, int32(1), p.initCount.Load(), "initialize runs exactly once")

	rec, err := f.manager.Status("p")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusLoaded, rec.Status)
}

func TestLoadAppliesDefaultQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "p"}
	f.install(t, p)

	require.NoError(t, f.manager.Load(context.Background(), "p"))

	// A plugin configured without a quota still runs under the host
	// defaults, in the context handed to it and in its sandbox.
	require.NotNil(t, p.pctx)
	assert.Equal(t, int64(resource.DefaultMemoryLimitBytes), p.pctx.Quota.MemoryLimitBytes)
	assert.Equal(t, resource.DefaultExecutionTimeout, p.pctx.Quota.Timeout)
}

func TestActivateEnsuresLoaded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "p"}
	f.install(t, p)

	require.NoError(t, f.manager.Activate(context.Background(), "p"))

	rec, err := f.manager.Status("p")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusActive, rec.Status)
	assert.Equal(t, int32(1), p.initCount.Load())
}

func TestActivateHookFailureReleasesQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "flaky", activateErr: errors.New("cannot start")}
	f.install(t, p)

	err := f.manager.Activate(context.Background(), "flaky")
	require.Error(t, err)
	assert.ErrorContains(t, err, "cannot start")

	rec, statusErr := f.manager.Status("flaky")
	require.NoError(t, statusErr)
	assert.Equal(t, runtime.StatusError, rec.Status)

	// No leaked quota.
	_, err = f.resources.Quota("flaky")
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeResourceNotAllocated, faceterr.CodeOf(err))
}

func TestErrorStatusRetriedViaUnloadLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "flaky", activateErr: errors.New("boom")}
	f.install(t, p)

	require.Error(t, f.manager.Activate(context.Background(), "flaky"))

	// Error plugins cannot be resumed in place.
	err := f.manager.Load(context.Background(), "flaky")
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRuntimeStatusInvalid, faceterr.CodeOf(err))

	// Unload then load is the retry path.
	p.activateErr = nil
	require.NoError(t, f.manager.Unload(context.Background(), "flaky"))
	require.NoError(t, f.manager.Activate(context.Background(), "flaky"))

	rec, err := f.manager.Status("flaky")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusActive, rec.Status)
}

func TestExecutePermissionDeniedNeverInvokesPlugin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "a"}
	f.install(t, p, dataRead())
	require.NoError(t, f.manager.Activate(context.Background(), "a"))

	_, err := f.manager.Execute(context.Background(), "a", "data.write", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSecurityPermissionDenied, faceterr.CodeOf(err))
	assert.Equal(t, int32(0), p.execCount.Load(), "denied call must not reach the plugin")

	result, err := f.manager.Execute(context.Background(), "a", "data.read", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "result:data.read", result)
	assert.Equal(t, int32(1), p.execCount.Load())
}

func TestExecuteRejectsReservedOperations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "p"}
	f.install(t, p, plugin.Permission{Resource: plugin.ResourceCore, Access: plugin.AccessExecute})
	require.NoError(t, f.manager.Activate(context.Background(), "p"))

	// Lifecycle hooks belong to the host; even a core:execute grant must
	// not expose them as dispatchable operations.
	for _, op := range []string{"host:activate", "host:deactivate", "host:anything"} {
		_, err := f.manager.Execute(context.Background(), "p", op, nil)
		require.Error(t, err, op)
		assert.Equal(t, faceterr.CodeSecurityPermissionDenied, faceterr.CodeOf(err), op)
	}
	assert.Equal(t, int32(0), p.execCount.Load())

	rec, err := f.manager.Status("p")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusActive, rec.Status)
}

func TestExecuteRequiresActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "p"}
	f.install(t, p, dataRead())
	require.NoError(t, f.manager.Load(context.Background(), "p"))

	_, err := f.manager.Execute(context.Background(), "p", "data.read", nil)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRuntimeStatusInvalid, faceterr.CodeOf(err))
}

func TestExecutePropagatesPluginErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wantErr := errors.New("domain failure")
	p := &fakePlugin{name: "p", execute: func(context.Context, string, map[string]any) (any, error) {
		return nil, wantErr
	}}
	f.install(t, p, dataRead())
	require.NoError(t, f.manager.Activate(context.Background(), "p"))

	_, err := f.manager.Execute(context.Background(), "p", "data.read", nil)
	require.ErrorContains(t, err, "domain failure")

	// A plugin error is not a timeout; the plugin stays active.
	rec, statusErr := f.manager.Status("p")
	require.NoError(t, statusErr)
	assert.Equal(t, runtime.StatusActive, rec.Status)
}

func TestExecuteTracksUsage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "p"}
	f.install(t, p, dataRead())
	require.NoError(t, f.manager.Activate(context.Background(), "p"))

	_, err := f.manager.Execute(context.Background(), "p", "data.read", nil)
	require.NoError(t, err)

	usage, err := f.resources.Usage("p")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Executions)
}

func TestRepeatedTimeoutsQuarantine(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	p := &fakePlugin{name: "hang", execute: func(context.Context, string, map[string]any) (any, error) {
		<-block
		return nil, nil
	}}

	f := newFixture(t,
		runtime.WithQuota("hang", plugin.ResourceQuota{Timeout: 20 * time.Millisecond}),
		runtime.WithMaxConsecutiveTimeouts(2))
	f.install(t, p, dataRead())
	require.NoError(t, f.manager.Activate(context.Background(), "hang"))

	var quarantined atomic.Int32
	_, err := f.bus.Subscribe(runtime.EventQuarantined, func(context.Context, bus.Event) error {
		quarantined.Add(1)
		return nil
	})
	require.NoError(t, err)

	_, err = f.manager.Execute(context.Background(), "hang", "data.read", nil)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSandboxExecTimeout, faceterr.CodeOf(err))

	rec, statusErr := f.manager.Status("hang")
	require.NoError(t, statusErr)
	assert.Equal(t, runtime.StatusActive, rec.Status, "one timeout is tolerated")

	_, err = f.manager.Execute(context.Background(), "hang", "data.read", nil)
	require.Error(t, err)

	rec, statusErr = f.manager.Status("hang")
	require.NoError(t, statusErr)
	assert.Equal(t, runtime.StatusError, rec.Status, "second consecutive timeout quarantines")
	assert.Equal(t, int32(1), quarantined.Load())
}

func TestDeactivateAndReactivate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "p"}
	f.install(t, p, dataRead())
	ctx := context.Background()

	require.NoError(t, f.manager.Activate(ctx, "p"))
	require.NoError(t, f.manager.Deactivate(ctx, "p"))

	rec, err := f.manager.Status("p")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusInactive, rec.Status)

	// Deactivation released the quota and destroyed the sandbox.
	_, err = f.resources.Quota("p")
	require.Error(t, err)

	_, err = f.manager.Execute(ctx, "p", "data.read", nil)
	require.Error(t, err)

	// Reactivation builds a fresh sandbox and re-initializes.
	require.NoError(t, f.manager.Activate(ctx, "p"))
	assert.Equal(t, int32(2), p.initCount.Load())

	result, err := f.manager.Execute(ctx, "p", "data.read", nil)
	require.NoError(t, err)
	assert.Equal(t, "result:data.read", result)
}

func TestUnregisterRequiresUnloaded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := &fakePlugin{name: "p"}
	f.install(t, p)
	ctx := context.Background()

	require.NoError(t, f.manager.Load(ctx, "p"))
	err := f.manager.Unregister(ctx, "p")
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRuntimeStatusInvalid, faceterr.CodeOf(err))

	require.NoError(t, f.manager.Unload(ctx, "p"))
	require.NoError(t, f.manager.Unregister(ctx, "p"))

	_, err = f.manager.Status("p")
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRuntimePluginNotFound, faceterr.CodeOf(err))
}

func TestRegisterDependencyMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	manifest := &plugin.Manifest{
		Name:       "child",
		Version:    "1.0.0",
		Category:   plugin.CategoryUtility,
		EntryPoint: "builtin:child",
		Dependencies: []plugin.Dependency{
			{Name: "parent", Version: "1.0.0"},
		},
	}

	err := f.manager.Register(context.Background(), manifest)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryDependencyMissing, faceterr.CodeOf(err))
}

func TestRegisterSecurityRejectionLeavesNoTrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	manifest := &plugin.Manifest{
		Name:        "evil",
		Version:     "1.0.0",
		Category:    plugin.CategoryUtility,
		EntryPoint:  "builtin:evil",
		Description: "<script>alert(1)</script>",
	}

	err := f.manager.Register(context.Background(), manifest)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSecurityValidationFailed, faceterr.CodeOf(err))

	_, err = f.manager.Status("evil")
	require.Error(t, err)
}

func TestActivateAllFollowsLoadOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base := &fakePlugin{name: "base"}
	widget := &fakePlugin{name: "widget"}

	f.install(t, base)
	f.loader.Register("widget", func() plugin.Plugin { return widget })
	require.NoError(t, f.manager.Register(context.Background(), &plugin.Manifest{
		Name:       "widget",
		Version:    "1.0.0",
		Category:   plugin.CategoryVisualization,
		EntryPoint: "builtin:widget",
		Dependencies: []plugin.Dependency{
			{Name: "base", Version: "^1.0.0"},
		},
	}))

	require.NoError(t, f.manager.ActivateAll(context.Background()))

	for _, name := range []string{"base", "widget"} {
		rec, err := f.manager.Status(name)
		require.NoError(t, err)
		assert.Equal(t, runtime.StatusActive, rec.Status, name)
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := `{"name":"found","version":"1.0.0","category":"utility","entryPoint":"builtin:found"}`
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "found"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "found", "plugin.json"), []byte(good), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte("{not json"), 0o644))

	f := newFixture(t)
	n := f.manager.Discover(context.Background(), []string{dir, filepath.Join(dir, "missing")})
	assert.Equal(t, 1, n, "one valid manifest registered, bad ones skipped")

	rec, err := f.manager.Status("found")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusRegistered, rec.Status)
}
