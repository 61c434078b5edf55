// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package wasm runs WASM plugin modules as sandbox programs. The guest ABI
// is small: the module exports alloc/initialize/execute, and requests and
// responses cross the boundary as JSON in linear memory. The module's
// memory is capped from the plugin's resource quota.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/facetlabs/facet/internal/sandbox"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

const wasmPageSize = 65536

// Guest exports every Facet WASM plugin must provide.
const (
	exportAlloc      = "facet_alloc"
	exportInitialize = "facet_initialize"
	exportExecute    = "facet_execute"
)

type invokeRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

type invokeResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Program executes one WASM module behind the sandbox protocol.
type Program struct {
	name      string
	wasmBytes []byte
	quota     plugin.ResourceQuota

	runtime  wazero.Runtime
	instance api.Module
}

// NewProgram creates a program from raw module bytes. Compilation and
// instantiation happen in Init, inside the sandbox's handshake window.
func NewProgram(name string, wasmBytes []byte, quota plugin.ResourceQuota) *Program {
	return &Program{name: name, wasmBytes: wasmBytes, quota: quota}
}

// Init compiles and instantiates the module with its memory capped at the
// quota, then runs the guest's initialize export.
func (p *Program) Init(ctx context.Context) error {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if p.quota.MemoryLimitBytes > 0 {
		pages := uint32(p.quota.MemoryLimitBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	p.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)

	wasi_snapshot_preview1.MustInstantiate(ctx, p.runtime)

	compiled, err := p.runtime.CompileModule(ctx, p.wasmBytes)
	if err != nil {
		return faceterr.Wrapf(err, faceterr.CodeSandboxLoadFailure,
			"compiling wasm module %s", p.name)
	}

	p.instance, err = p.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(p.name))
	if err != nil {
		return faceterr.Wrapf(err, faceterr.CodeSandboxLoadFailure,
			"instantiating wasm module %s", p.name)
	}

	if fn := p.instance.ExportedFunction(exportInitialize); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return faceterr.Wrapf(err, faceterr.CodeSandboxLoadFailure,
				"initializing wasm module %s", p.name)
		}
	}
	return nil
}

// Invoke marshals the call as JSON, hands it to the guest's execute export,
// and unmarshals the guest's packed response.
func (p *Program) Invoke(ctx context.Context, operation string, params map[string]any) (any, error) {
	if p.instance == nil {
		return nil, faceterr.Errorf(faceterr.CodeSandboxCallFailure,
			"wasm module %s is not instantiated", p.name)
	}

	payload, err := json.Marshal(invokeRequest{Operation: operation, Params: params})
	if err != nil {
		return nil, faceterr.Wrapf(err, faceterr.CodeSandboxCallFailure,
			"encoding call for wasm module %s", p.name)
	}

	ptr, err := p.writeGuest(ctx, payload)
	if err != nil {
		return nil, err
	}

	execute := p.instance.ExportedFunction(exportExecute)
	if execute == nil {
		return nil, faceterr.Errorf(faceterr.CodeSandboxCallFailure,
			"wasm module %s does not export %s", p.name, exportExecute)
	}

	results, err := execute.Call(ctx, ptr, uint64(len(payload)))
	if err != nil {
		return nil, faceterr.Wrapf(err, faceterr.CodeSandboxCallFailure,
			"calling %s in wasm module %s", exportExecute, p.name)
	}
	if len(results) != 1 {
		return nil, faceterr.Errorf(faceterr.CodeSandboxCallFailure,
			"wasm module %s returned %d values, want 1", p.name, len(results))
	}

	// The guest packs the response location as ptr<<32 | len.
	respPtr := uint32(results[0] >> 32)
	respLen := uint32(results[0])
	data, ok := p.instance.Memory().Read(respPtr, respLen)
	if !ok {
		return nil, faceterr.Errorf(faceterr.CodeSandboxCallFailure,
			"wasm module %s returned out-of-range response", p.name)
	}

	var resp invokeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, faceterr.Wrapf(err, faceterr.CodeSandboxCallFailure,
			"decoding response from wasm module %s", p.name)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}

// writeGuest allocates guest memory via the module's alloc export and
// copies the payload in.
func (p *Program) writeGuest(ctx context.Context, payload []byte) (uint64, error) {
	alloc := p.instance.ExportedFunction(exportAlloc)
	if alloc == nil {
		return 0, faceterr.Errorf(faceterr.CodeSandboxCallFailure,
			"wasm module %s does not export %s", p.name, exportAlloc)
	}

	results, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil || len(results) != 1 {
		return 0, faceterr.Wrapf(err, faceterr.CodeSandboxCallFailure,
			"allocating guest memory in wasm module %s", p.name)
	}

	ptr := results[0]
	if !p.instance.Memory().Write(uint32(ptr), payload) {
		return 0, faceterr.Errorf(faceterr.CodeSandboxCallFailure,
			"writing payload into wasm module %s", p.name)
	}
	return ptr, nil
}

// Close tears down the module instance and its runtime.
func (p *Program) Close(ctx context.Context) error {
	if p.runtime == nil {
		return nil
	}
	return p.runtime.Close(ctx)
}

var _ sandbox.Program = (*Program)(nil)

// Loader serves ".wasm" entry points from a base directory.
type Loader struct {
	baseDir string
}

// NewLoader creates a loader resolving module paths under baseDir. An empty
// baseDir resolves entry points as given.
func NewLoader(baseDir string) *Loader {
	return &Loader{baseDir: baseDir}
}

func (l *Loader) Supports(entryPoint string) bool {
	return strings.HasSuffix(entryPoint, ".wasm")
}

func (l *Loader) Load(_ context.Context, m *plugin.Manifest, pctx *plugin.Context) (sandbox.Program, error) {
	path := m.EntryPoint
	if l.baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.baseDir, path)
	}

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, faceterr.Wrapf(err, faceterr.CodeSandboxLoadFailure,
			"reading wasm module for plugin %s", m.Name)
	}
	return NewProgram(m.Name, wasmBytes, pctx.Quota), nil
}
