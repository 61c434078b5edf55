// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package sandbox runs plugin code in an isolated goroutine behind a
// message-passing protocol. The orchestrator never touches sandbox state
// directly; every interaction is a correlated request/response over
// channels, with an initialization handshake and a per-call timeout.
//
// A timed-out call is abandoned, not interrupted: the worker may still be
// running it, and its late response is discarded by correlation ID when it
// eventually arrives. The sandbox returns to ready so subsequent calls can
// proceed.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// State is the sandbox lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateExecuting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultInitTimeout bounds the initialization handshake.
const DefaultInitTimeout = 5 * time.Second

// responseBuffer sizes the response channel so the worker can finish an
// abandoned call without blocking on a reader that gave up.
const responseBuffer = 16

// Program is the code the sandbox isolates. Init runs once during the
// handshake; Invoke runs once per execute call. Close runs on destroy.
type Program interface {
	Init(ctx context.Context) error
	Invoke(ctx context.Context, operation string, params map[string]any) (any, error)
	Close(ctx context.Context) error
}

type requestKind int

const (
	kindInit requestKind = iota
	kindExecute
)

type request struct {
	id        string
	kind      requestKind
	operation string
	params    map[string]any
}

type response struct {
	id     string
	result any
	err    error
}

// Sandbox is one isolated execution context for one plugin instance.
type Sandbox struct {
	name    string
	quota   plugin.ResourceQuota
	program Program
	logger  *slog.Logger

	state       atomic.Int32
	initTimeout time.Duration

	reqCh  chan request
	respCh chan response

	execMu      sync.Mutex // one in-flight execute at a time
	destroyOnce sync.Once
}

// Option customises sandbox construction.
type Option func(*Sandbox)

// WithInitTimeout overrides the initialization handshake timeout.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithLogger sets the sandbox logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a sandbox for a plugin program. The sandbox starts
// uninitialized; call Initialize to run the handshake.
func New(name string, quota plugin.ResourceQuota, program Program, opts ...Option) *Sandbox {
	s := &Sandbox{
		name:        name,
		quota:       quota,
		program:     program,
		logger:      slog.Default(),
		initTimeout: DefaultInitTimeout,
		reqCh:       make(chan request),
		respCh:      make(chan response, responseBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the owning plugin's name.
func (s *Sandbox) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Sandbox) State() State { return State(s.state.Load()) }

// Initialize starts the worker and runs the handshake. The sandbox becomes
// ready only after the program confirms initialization within the timeout.
func (s *Sandbox) Initialize(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return faceterr.Errorf(faceterr.CodeSandboxStateInvalid,
			"sandbox for %q cannot initialize from state %s", s.name, s.State())
	}

	go s.run()

	id := uuid.NewString()
	timer := time.NewTimer(s.initTimeout)
	defer timer.Stop()

	select {
	case s.reqCh <- request{id: id, kind: kindInit}:
	case <-timer.C:
		s.Destroy(context.Background())
		return faceterr.Errorf(faceterr.CodeSandboxInitTimeout,
			"sandbox for %q did not accept init within %s", s.name, s.initTimeout)
	case <-ctx.Done():
		s.Destroy(context.Background())
		return faceterr.Wrapf(ctx.Err(), faceterr.CodeSandboxInitTimeout,
			"sandbox init for %q cancelled", s.name)
	}

	for {
		select {
		case resp := <-s.respCh:
			if resp.id != id {
				continue // stale response from a previous incarnation
			}
			if resp.err != nil {
				s.Destroy(context.Background())
				return faceterr.Wrapf(resp.err, faceterr.CodeSandboxLoadFailure,
					"initializing plugin %q", s.name)
			}
			s.state.Store(int32(StateReady))
			return nil
		case <-timer.C:
			s.Destroy(context.Background())
			return faceterr.Errorf(faceterr.CodeSandboxInitTimeout,
				"sandbox for %q did not confirm readiness within %s", s.name, s.initTimeout)
		case <-ctx.Done():
			s.Destroy(context.Background())
			return faceterr.Wrapf(ctx.Err(), faceterr.CodeSandboxInitTimeout,
				"sandbox init for %q cancelled", s.name)
		}
	}
}

// Execute dispatches one operation to the program and waits for the
// correlated response. On timeout the call is abandoned and the sandbox
// returns to ready.
func (s *Sandbox) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateReady), int32(StateExecuting)) {
		if s.State() == StateDestroyed {
			return nil, faceterr.Errorf(faceterr.CodeSandboxDestroyed,
				"sandbox for %q is destroyed", s.name)
		}
		return nil, faceterr.Errorf(faceterr.CodeSandboxStateInvalid,
			"sandbox for %q cannot execute from state %s", s.name, s.State())
	}
	defer s.state.CompareAndSwap(int32(StateExecuting), int32(StateReady))

	timeout := s.quota.Timeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	id := uuid.NewString()
	select {
	case s.reqCh <- request{id: id, kind: kindExecute, operation: operation, params: params}:
	case <-timer.C:
		return nil, s.timeoutErr(operation, timeout)
	case <-ctx.Done():
		return nil, faceterr.Wrapf(ctx.Err(), faceterr.CodeSandboxCallFailure,
			"execute %q on plugin %q cancelled", operation, s.name)
	}

	for {
		select {
		case resp := <-s.respCh:
			if resp.id != id {
				// Late or duplicate response from an abandoned call.
				s.logger.Debug("discarding uncorrelated sandbox response",
					slog.String("plugin", s.name),
					slog.String("response_id", resp.id))
				continue
			}
			return resp.result, resp.err
		case <-timer.C:
			return nil, s.timeoutErr(operation, timeout)
		case <-ctx.Done():
			return nil, faceterr.Wrapf(ctx.Err(), faceterr.CodeSandboxCallFailure,
				"execute %q on plugin %q cancelled", operation, s.name)
		}
	}
}

func (s *Sandbox) timeoutErr(operation string, timeout time.Duration) error {
	s.logger.Warn("sandbox call abandoned on timeout",
		slog.String("plugin", s.name),
		slog.String("operation", operation),
		slog.Duration("timeout", timeout))
	return faceterr.Errorf(faceterr.CodeSandboxExecTimeout,
		"operation %q on plugin %q exceeded %s", operation, s.name, timeout)
}

// Destroy tears down the sandbox. Safe to call more than once; a destroyed
// sandbox rejects all further calls.
func (s *Sandbox) Destroy(ctx context.Context) {
	s.destroyOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateDestroyed)))
		if prev == StateDestroyed || prev == StateUninitialized {
			return
		}

		// Wait out any in-flight execute before closing its channel.
		s.execMu.Lock()
		close(s.reqCh)
		s.execMu.Unlock()

		if err := s.program.Close(ctx); err != nil {
			s.logger.Warn("sandbox program close failed",
				slog.String("plugin", s.name),
				slog.String("error", err.Error()))
		}
	})
}

// run is the worker loop. It executes program calls one at a time and
// publishes correlated responses, dropping them if the response buffer is
// full (the caller has long since abandoned the call).
func (s *Sandbox) run() {
	for req := range s.reqCh {
		resp := response{id: req.id}
		func() {
			defer func() {
				if r := recover(); r != nil {
					resp.err = faceterr.Errorf(faceterr.CodeSandboxCallFailure,
						"plugin %q panicked: %v", s.name, r)
				}
			}()

			ctx := context.Background()
			switch req.kind {
			case kindInit:
				resp.err = s.program.Init(ctx)
			case kindExecute:
				resp.result, resp.err = s.program.Invoke(ctx, req.operation, req.params)
			}
		}()

		select {
		case s.respCh <- resp:
		default:
			s.logger.Debug("dropping sandbox response, buffer full",
				slog.String("plugin", s.name))
		}
	}
}
