// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package sandbox_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetlabs/facet/internal/sandbox"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// fakeProgram is a controllable sandbox program.
type fakeProgram struct {
	initErr   error
	initDelay time.Duration
	invoke    func(ctx context.Context, op string, params map[string]any) (any, error)
	initCount atomic.Int32
	closed    atomic.Bool
}

func (p *fakeProgram) Init(context.Context) error {
	p.initCount.Add(1)
	if p.initDelay > 0 {
		time.Sleep(p.initDelay)
	}
	return p.initErr
}

func (p *fakeProgram) Invoke(ctx context.Context, op string, params map[string]any) (any, error) {
	if p.invoke != nil {
		return p.invoke(ctx, op, params)
	}
	return "ok:" + op, nil
}

func (p *fakeProgram) Close(context.Context) error {
	p.closed.Store(true)
	return nil
}

func newReady(t *testing.T, prog *fakeProgram, quota plugin.ResourceQuota) *sandbox.Sandbox {
	t.Helper()
	sb := sandbox.New("test-plugin", quota, prog)
	require.NoError(t, sb.Initialize(context.Background()))
	t.Cleanup(func() { sb.Destroy(context.Background()) })
	return sb
}

func TestInitializeHandshake(t *testing.T) {
	t.Parallel()

	prog := &fakeProgram{}
	sb := sandbox.New("p", plugin.ResourceQuota{}, prog)
	assert.Equal(t, sandbox.StateUninitialized, sb.State())

	require.NoError(t, sb.Initialize(context.Background()))
	assert.Equal(t, sandbox.StateReady, sb.State())
	assert.Equal(t, int32(1), prog.initCount.Load())

	// A second initialize is a state violation.
	err := sb.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSandboxStateInvalid, faceterr.CodeOf(err))

	sb.Destroy(context.Background())
}

func TestInitializeTimeout(t *testing.T) {
	t.Parallel()

	prog := &fakeProgram{initDelay: 200 * time.Millisecond}
	sb := sandbox.New("slow", plugin.ResourceQuota{}, prog,
		sandbox.WithInitTimeout(20*time.Millisecond))

	err := sb.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSandboxInitTimeout, faceterr.CodeOf(err))
	assert.Equal(t, sandbox.StateDestroyed, sb.State())
}

func TestInitializeFailure(t *testing.T) {
	t.Parallel()

	prog := &fakeProgram{initErr: errors.New("bad wasm")}
	sb := sandbox.New("broken", plugin.ResourceQuota{}, prog)

	err := sb.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSandboxLoadFailure, faceterr.CodeOf(err))
	assert.Equal(t, sandbox.StateDestroyed, sb.State())
}

func TestExecute(t *testing.T) {
	t.Parallel()

	sb := newReady(t, &fakeProgram{}, plugin.ResourceQuota{})

	result, err := sb.Execute(context.Background(), "data.read", map[string]any{"table": "t"})
	require.NoError(t, err)
	assert.Equal(t, "ok:data.read", result)
	assert.Equal(t, sandbox.StateReady, sb.State())
}

func TestExecutePropagatesPluginError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("plugin said no")
	prog := &fakeProgram{invoke: func(context.Context, string, map[string]any) (any, error) {
		return nil, wantErr
	}}
	sb := newReady(t, prog, plugin.ResourceQuota{})

	_, err := sb.Execute(context.Background(), "op", nil)
	require.ErrorContains(t, err, "plugin said no")
}

func TestExecuteTimeoutLeavesSandboxReady(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	calls := atomic.Int32{}
	prog := &fakeProgram{invoke: func(_ context.Context, op string, _ map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			<-block // first call hangs past the timeout
		}
		return "done:" + op, nil
	}}
	sb := newReady(t, prog, plugin.ResourceQuota{Timeout: 30 * time.Millisecond})

	_, err := sb.Execute(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSandboxExecTimeout, faceterr.CodeOf(err))
	assert.Equal(t, sandbox.StateReady, sb.State())

	// Release the abandoned call; its stale response must not be matched
	// to the next call.
	close(block)
	result, err := sb.Execute(context.Background(), "fast", nil)
	require.NoError(t, err)
	assert.Equal(t, "done:fast", result)
}

func TestExecutePanicIsolated(t *testing.T) {
	t.Parallel()

	prog := &fakeProgram{invoke: func(context.Context, string, map[string]any) (any, error) {
		panic("plugin bug")
	}}
	sb := newReady(t, prog, plugin.ResourceQuota{})

	_, err := sb.Execute(context.Background(), "op", nil)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSandboxCallFailure, faceterr.CodeOf(err))
	assert.Equal(t, sandbox.StateReady, sb.State())
}

func TestDestroyIsIdempotent(t *testing.T) {
	t.Parallel()

	prog := &fakeProgram{}
	sb := sandbox.New("p", plugin.ResourceQuota{}, prog)
	require.NoError(t, sb.Initialize(context.Background()))

	sb.Destroy(context.Background())
	sb.Destroy(context.Background())
	assert.Equal(t, sandbox.StateDestroyed, sb.State())
	assert.True(t, prog.closed.Load())

	_, err := sb.Execute(context.Background(), "op", nil)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSandboxDestroyed, faceterr.CodeOf(err))
}

func TestExecuteBeforeInitialize(t *testing.T) {
	t.Parallel()

	sb := sandbox.New("p", plugin.ResourceQuota{}, &fakeProgram{})
	_, err := sb.Execute(context.Background(), "op", nil)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeSandboxStateInvalid, faceterr.CodeOf(err))
}
