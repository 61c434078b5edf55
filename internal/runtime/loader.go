// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package runtime

import (
	"context"
	"strings"
	"sync"

	"github.com/facetlabs/facet/internal/bus"
	"github.com/facetlabs/facet/internal/sandbox"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// Reserved sandbox operations the manager uses for lifecycle hooks. They
// never pass through permission checks and are not visible to callers.
const (
	hookPrefix     = "host:"
	hookActivate   = hookPrefix + "activate"
	hookDeactivate = hookPrefix + "deactivate"
)

// Loader materializes a plugin program from a manifest entry point.
type Loader interface {
	// Supports reports whether this loader handles the entry point.
	Supports(entryPoint string) bool
	// Load builds the program that will run inside the plugin's sandbox.
	// The context bundle is handed to the program for its Init hook.
	Load(ctx context.Context, m *plugin.Manifest, pctx *plugin.Context) (sandbox.Program, error)
}

// BuiltinLoader serves "builtin:<name>" entry points from a factory table.
// System plugins compiled into the host register themselves here.
type BuiltinLoader struct {
	mu        sync.RWMutex
	factories map[string]func() plugin.Plugin
}

// NewBuiltinLoader creates an empty builtin loader.
func NewBuiltinLoader() *BuiltinLoader {
	return &BuiltinLoader{factories: make(map[string]func() plugin.Plugin)}
}

// Register installs a factory under "builtin:<name>".
func (l *BuiltinLoader) Register(name string, factory func() plugin.Plugin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

func (l *BuiltinLoader) Supports(entryPoint string) bool {
	return strings.HasPrefix(entryPoint, "builtin:")
}

func (l *BuiltinLoader) Load(_ context.Context, m *plugin.Manifest, pctx *plugin.Context) (sandbox.Program, error) {
	name := strings.TrimPrefix(m.EntryPoint, "builtin:")

	l.mu.RLock()
	factory, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, faceterr.Errorf(faceterr.CodeSandboxLoadFailure,
			"no builtin plugin %q", name)
	}
	return NewPluginProgram(factory(), pctx), nil
}

// pluginProgram adapts a plugin.Plugin instance to the sandbox protocol.
// Lifecycle hooks arrive as reserved operations.
type pluginProgram struct {
	plugin plugin.Plugin
	pctx   *plugin.Context
}

// NewPluginProgram wraps a plugin instance for sandboxed execution.
func NewPluginProgram(p plugin.Plugin, pctx *plugin.Context) sandbox.Program {
	return &pluginProgram{plugin: p, pctx: pctx}
}

func (p *pluginProgram) Init(ctx context.Context) error {
	return p.plugin.Initialize(ctx, p.pctx)
}

func (p *pluginProgram) Invoke(ctx context.Context, operation string, params map[string]any) (any, error) {
	switch operation {
	case hookActivate:
		return nil, p.plugin.Activate(ctx)
	case hookDeactivate:
		return nil, p.plugin.Deactivate(ctx)
	default:
		return p.plugin.Execute(ctx, operation, params)
	}
}

func (p *pluginProgram) Close(ctx context.Context) error {
	return p.plugin.Cleanup(ctx)
}

// busPublisher is the plugin-facing slice of the event bus. Events carry the
// plugin's name as their source.
type busPublisher struct {
	bus    *bus.Bus
	plugin string
}

func (p *busPublisher) Publish(event string, data any) {
	p.bus.PublishFrom(context.Background(), p.plugin, event, data)
}

func (p *busPublisher) Subscribe(event string, handler func(event string, data any)) func() {
	sub, err := p.bus.Subscribe(event, func(_ context.Context, evt bus.Event) error {
		handler(evt.Name, evt.Data)
		return nil
	})
	if err != nil {
		return func() {}
	}
	return sub.Unsubscribe
}

var _ plugin.Publisher = (*busPublisher)(nil)
