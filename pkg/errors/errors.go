// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeRegistryManifestInvalid   Code = "plugin.registry.manifest.invalid"
	CodeRegistryDependencyMissing Code = "plugin.registry.dependency.missing"
	CodeRegistryVersionConflict   Code = "plugin.registry.version.conflict"
	CodeRegistryDependencyCycle   Code = "plugin.registry.dependency.cycle"
	CodeRegistryDependentsExist   Code = "plugin.registry.unregister.dependents_exist"
	CodeRegistryPluginNotFound    Code = "plugin.registry.plugin.not_found"
	CodeRegistryHostIncompatible  Code = "plugin.registry.compatibility.host_incompatible"

	CodeSecurityValidationFailed Code = "plugin.security.validation.failed"
	CodeSecurityPermissionDenied Code = "plugin.security.permission.denied"
	CodeSecurityGrantNotFound    Code = "plugin.security.grant.not_found"
	CodeSecurityAuditFailure     Code = "plugin.security.audit.failure"

	CodeSandboxInitTimeout  Code = "plugin.sandbox.init.timeout"
	CodeSandboxExecTimeout  Code = "plugin.sandbox.exec.timeout"
	CodeSandboxStateInvalid Code = "plugin.sandbox.state.invalid"
	CodeSandboxDestroyed    Code = "plugin.sandbox.destroyed"
	CodeSandboxLoadFailure  Code = "plugin.sandbox.load.failure"
	CodeSandboxCallFailure  Code = "plugin.sandbox.call.failure"

	CodeResourceExhausted    Code = "plugin.resource.allocate.exhausted"
	CodeResourceNotAllocated Code = "plugin.resource.quota.not_found"

	CodeRuntimeStatusInvalid     Code = "plugin.runtime.status.invalid"
	CodeRuntimeLifecycleConflict Code = "plugin.runtime.lifecycle.conflict"
	CodeRuntimeHookFailure       Code = "plugin.runtime.hook.failure"
	CodeRuntimeDiscoveryFailure  Code = "plugin.runtime.discovery.failure"
	CodeRuntimePluginNotFound    Code = "plugin.runtime.plugin.not_found"

	CodeServiceNotFound       Code = "service.proxy.service.not_found"
	CodeServiceMethodNotFound Code = "service.proxy.method.not_found"
	CodeServiceCallFailure    Code = "service.proxy.call.failure"

	CodeBusSubscriptionInvalid Code = "eventbus.subscription.invalid"

	CodeEngineQueryFailure Code = "engine.query.failure"
	CodeEngineOpenFailure  Code = "engine.open.failure"

	CodeStoreDatabaseFailure    Code = "store.database.failure"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"
	CodeStoreInvalidInput       Code = "store.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"

	CodeCLIInputInvalid  Code = "cli.input.invalid"
	CodeCLISetupFailure  Code = "cli.setup.failure"
	CodeHostInitFailure  Code = "host.init.failure"
	CodeHostCloseFailure Code = "host.close.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPlugin(value string) Attr {
	return Field("plugin", value)
}

func FieldOperation(value string) Attr {
	return Field("operation", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	r := reason(CodeOf(err))
	return r == "conflict" || r == "dependents_exist"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "failed"
}

func IsDenied(err error) bool {
	return reason(CodeOf(err)) == "denied"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsExhausted(err error) bool {
	return reason(CodeOf(err)) == "exhausted"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsDenied(err):
		return http.StatusForbidden
	case IsExhausted(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
