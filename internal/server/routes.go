// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/facetlabs/facet/internal/bus"
	"github.com/facetlabs/facet/internal/host"
	"github.com/facetlabs/facet/internal/runtime"
	"github.com/facetlabs/facet/internal/store"
	"github.com/facetlabs/facet/pkg/plugin"
)

func (s *Server) registerRoutes() {
	// Plugin endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "list-plugins",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins",
		Summary:     "List registered plugins",
		Tags:        []string{"plugins"},
	}, s.handleListPlugins)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-plugin",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins/{name}",
		Summary:     "Get plugin details",
		Tags:        []string{"plugins"},
	}, s.handleGetPlugin)

	// Lifecycle endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "load-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{name}/load",
		Summary:     "Load a plugin",
		Tags:        []string{"lifecycle"},
	}, s.handleLoadPlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "activate-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{name}/activate",
		Summary:     "Activate a plugin",
		Tags:        []string{"lifecycle"},
	}, s.handleActivatePlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "deactivate-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{name}/deactivate",
		Summary:     "Deactivate a plugin",
		Tags:        []string{"lifecycle"},
	}, s.handleDeactivatePlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "unload-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{name}/unload",
		Summary:     "Unload a plugin",
		Tags:        []string{"lifecycle"},
	}, s.handleUnloadPlugin)

	// Execution endpoint
	huma.Register(s.api, huma.Operation{
		OperationID: "execute-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{name}/execute",
		Summary:     "Execute a plugin operation",
		Tags:        []string{"execution"},
	}, s.handleExecutePlugin)

	// Audit endpoint
	huma.Register(s.api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/api/v1/audit",
		Summary:     "Query the security audit log",
		Tags:        []string{"audit"},
	}, s.handleQueryAudit)

	// Event history endpoint
	huma.Register(s.api, huma.Operation{
		OperationID: "event-history",
		Method:      http.MethodGet,
		Path:        "/api/v1/events",
		Summary:     "Recent event bus history",
		Tags:        []string{"events"},
	}, s.handleEventHistory)

	// Resource endpoint
	huma.Register(s.api, huma.Operation{
		OperationID: "resource-usage",
		Method:      http.MethodGet,
		Path:        "/api/v1/resources",
		Summary:     "Per-plugin resource usage",
		Tags:        []string{"resources"},
	}, s.handleResourceUsage)

	// Status endpoint
	huma.Register(s.api, huma.Operation{
		OperationID: "runtime-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Runtime status",
		Tags:        []string{"system"},
	}, s.handleStatus)
}

// --- Request/Response types for huma ---

// PluginSummary is the list view of a registered plugin.
type PluginSummary struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Category string `json:"category"`
	Status   string `json:"status"`
}

// PluginDetail is the full view of a registered plugin.
type PluginDetail struct {
	Name                string              `json:"name"`
	Version             string              `json:"version"`
	Description         string              `json:"description,omitempty"`
	Author              string              `json:"author,omitempty"`
	Category            string              `json:"category"`
	EntryPoint          string              `json:"entryPoint"`
	Status              string              `json:"status"`
	ConsecutiveTimeouts int                 `json:"consecutiveTimeouts,omitempty"`
	LastError           string              `json:"lastError,omitempty"`
	Dependencies        []plugin.Dependency `json:"dependencies,omitempty"`
	Permissions         []plugin.Permission `json:"permissions,omitempty"`
	Usage               *usageView          `json:"usage,omitempty"`
}

type usageView struct {
	MemoryBytes int64     `json:"memoryBytes"`
	CPUTimeMs   int64     `json:"cpuTimeMs"`
	Executions  int64     `json:"executions"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type listPluginsOutput struct {
	Body struct {
		Plugins []PluginSummary `json:"plugins"`
	}
}

type pluginNameInput struct {
	Name string `path:"name"`
}
type getPluginOutput struct {
	Body PluginDetail
}

type lifecycleOutput struct {
	Body struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
}

type executeInput struct {
	Name string `path:"name"`
	Body struct {
		Operation string         `json:"operation" minLength:"1" doc:"Operation name, e.g. data.query"`
		Params    map[string]any `json:"params,omitempty" doc:"Operation parameters"`
	}
}
type executeOutput struct {
	Body struct {
		Result any `json:"result"`
	}
}

type queryAuditInput struct {
	Plugin string `query:"plugin"`
	Action string `query:"action"`
	Result string `query:"result"`
	Limit  int    `query:"limit" minimum:"0"`
	Offset int    `query:"offset" minimum:"0"`
}

// AuditEntryView is one audit log entry.
type AuditEntryView struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Plugin    string         `json:"plugin"`
	Action    string         `json:"action"`
	Operation string         `json:"operation,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
}

type queryAuditOutput struct {
	Body struct {
		Entries []AuditEntryView `json:"entries"`
	}
}

type eventHistoryInput struct {
	Name  string `query:"name"`
	Limit int    `query:"limit" minimum:"0"`
}

// EventView is one bus event from the history ring.
type EventView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"source,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type eventHistoryOutput struct {
	Body struct {
		Events []EventView `json:"events"`
	}
}

type resourceUsageOutput struct {
	Body struct {
		Usage map[string]usageView `json:"usage"`
	}
}

type statusOutput struct {
	Body struct {
		Status   string    `json:"status" example:"ok"`
		Version  string    `json:"version"`
		UptimeMs int64     `json:"uptimeMs"`
		Plugins  int       `json:"plugins"`
		Active   int       `json:"active"`
		Events   bus.Stats `json:"events"`
	}
}

// --- Handlers ---

func (s *Server) handleListPlugins(_ context.Context, _ *struct{}) (*listPluginsOutput, error) {
	out := &listPluginsOutput{}
	out.Body.Plugins = []PluginSummary{}
	for _, m := range s.core.Registry().List() {
		summary := PluginSummary{
			Name:     m.Name,
			Version:  m.Version,
			Category: string(m.Category),
		}
		if rec, err := s.core.Manager().Status(m.Name); err == nil {
			summary.Status = string(rec.Status)
		}
		out.Body.Plugins = append(out.Body.Plugins, summary)
	}
	return out, nil
}

func (s *Server) handleGetPlugin(_ context.Context, input *pluginNameInput) (*getPluginOutput, error) {
	m, err := s.core.Registry().Get(input.Name)
	if err != nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("plugin %q not found", input.Name))
	}

	detail := PluginDetail{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Author:       m.Author,
		Category:     string(m.Category),
		EntryPoint:   m.EntryPoint,
		Dependencies: m.Dependencies,
		Permissions:  m.Permissions,
	}
	if rec, err := s.core.Manager().Status(m.Name); err == nil {
		detail.Status = string(rec.Status)
		detail.ConsecutiveTimeouts = rec.ConsecutiveTimeouts
		detail.LastError = rec.LastError
	}
	if usage, err := s.core.Resources().Usage(m.Name); err == nil {
		detail.Usage = &usageView{
			MemoryBytes: usage.MemoryBytes,
			CPUTimeMs:   usage.CPUTime.Milliseconds(),
			Executions:  usage.Executions,
			LastUpdated: usage.LastUpdated,
		}
	}
	return &getPluginOutput{Body: detail}, nil
}

func (s *Server) lifecycle(ctx context.Context, name, verb string, op func(context.Context, string) error) (*lifecycleOutput, error) {
	if err := op(ctx, name); err != nil {
		return nil, apiError(err, fmt.Sprintf("%s plugin %q", verb, name))
	}
	rec, err := s.core.Manager().Status(name)
	out := &lifecycleOutput{}
	out.Body.Name = name
	if err == nil {
		out.Body.Status = string(rec.Status)
	} else {
		out.Body.Status = "unloaded"
	}
	return out, nil
}

func (s *Server) handleLoadPlugin(ctx context.Context, input *pluginNameInput) (*lifecycleOutput, error) {
	return s.lifecycle(ctx, input.Name, "loading", s.core.Manager().Load)
}

func (s *Server) handleActivatePlugin(ctx context.Context, input *pluginNameInput) (*lifecycleOutput, error) {
	return s.lifecycle(ctx, input.Name, "activating", s.core.Manager().Activate)
}

func (s *Server) handleDeactivatePlugin(ctx context.Context, input *pluginNameInput) (*lifecycleOutput, error) {
	return s.lifecycle(ctx, input.Name, "deactivating", s.core.Manager().Deactivate)
}

func (s *Server) handleUnloadPlugin(ctx context.Context, input *pluginNameInput) (*lifecycleOutput, error) {
	return s.lifecycle(ctx, input.Name, "unloading", s.core.Manager().Unload)
}

func (s *Server) handleExecutePlugin(ctx context.Context, input *executeInput) (*executeOutput, error) {
	result, err := s.core.Manager().Execute(ctx, input.Name, input.Body.Operation, input.Body.Params)
	if err != nil {
		return nil, apiError(err, fmt.Sprintf("executing %s on plugin %q", input.Body.Operation, input.Name))
	}
	out := &executeOutput{}
	out.Body.Result = result
	return out, nil
}

func (s *Server) handleQueryAudit(ctx context.Context, input *queryAuditInput) (*queryAuditOutput, error) {
	entries, err := s.core.Security().AuditLog(ctx, store.AuditFilter{
		Plugin: input.Plugin,
		Action: input.Action,
		Result: input.Result,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("querying audit log", err)
	}
	out := &queryAuditOutput{}
	out.Body.Entries = make([]AuditEntryView, 0, len(entries))
	for _, e := range entries {
		out.Body.Entries = append(out.Body.Entries, AuditEntryView{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Plugin:    e.Plugin,
			Action:    e.Action,
			Operation: e.Operation,
			Result:    e.Result,
			Details:   e.Details,
		})
	}
	return out, nil
}

func (s *Server) handleEventHistory(_ context.Context, input *eventHistoryInput) (*eventHistoryOutput, error) {
	events := s.core.Bus().History(input.Name, input.Limit)
	out := &eventHistoryOutput{}
	out.Body.Events = make([]EventView, 0, len(events))
	for _, e := range events {
		out.Body.Events = append(out.Body.Events, EventView{
			ID:        e.ID,
			Name:      e.Name,
			Source:    e.Source,
			Data:      e.Data,
			Timestamp: e.Timestamp,
		})
	}
	return out, nil
}

func (s *Server) handleResourceUsage(_ context.Context, _ *struct{}) (*resourceUsageOutput, error) {
	out := &resourceUsageOutput{}
	out.Body.Usage = make(map[string]usageView)
	for name, usage := range s.core.Resources().Snapshot() {
		out.Body.Usage[name] = usageView{
			MemoryBytes: usage.MemoryBytes,
			CPUTimeMs:   usage.CPUTime.Milliseconds(),
			Executions:  usage.Executions,
			LastUpdated: usage.LastUpdated,
		}
	}
	return out, nil
}

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*statusOutput, error) {
	records := s.core.Manager().Records()
	active := 0
	for _, rec := range records {
		if rec.Status == runtime.StatusActive {
			active++
		}
	}

	out := &statusOutput{}
	out.Body.Status = "ok"
	out.Body.Version = host.Version
	out.Body.UptimeMs = s.core.Uptime().Milliseconds()
	out.Body.Plugins = len(records)
	out.Body.Active = active
	out.Body.Events = s.core.Bus().Stats()
	return out, nil
}
