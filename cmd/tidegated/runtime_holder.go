package main

import (
	"encoding/json"

	"tidegate/pkg/capability"
	"tidegate/pkg/plugin"
	"tidegate/pkg/wasmrt"
)

// moduleRuntimeHolder breaks the registry/bridge/wasmrt construction
// cycle: the bridge needs the registry, the registry needs a
// registry.ModuleRuntime, and the runtime needs the bridge. The holder
// satisfies registry.ModuleRuntime immediately and forwards every call
// to the real *wasmrt.Runtime once it is built, a few lines later in
// main.
type moduleRuntimeHolder struct {
	rt *wasmrt.Runtime
}

func (h *moduleRuntimeHolder) Load(identity plugin.Identity, manifest plugin.Manifest, modulePath string, paths plugin.StoragePaths, grant capability.Table) (*wasmrt.Instance, error) {
	return h.rt.Load(identity, manifest, modulePath, paths, grant)
}

func (h *moduleRuntimeHolder) Unload(pluginID string) error {
	return h.rt.Unload(pluginID)
}

func (h *moduleRuntimeHolder) Start(pluginID string, configuration json.RawMessage) error {
	return h.rt.Start(pluginID, configuration)
}

func (h *moduleRuntimeHolder) Stop(pluginID string) error {
	return h.rt.Stop(pluginID)
}

func (h *moduleRuntimeHolder) Identify(pluginID string) (plugin.Identity, error) {
	return h.rt.Identify(pluginID)
}

func (h *moduleRuntimeHolder) DispatchDelta(pluginID string, delta plugin.Delta) error {
	return h.rt.DispatchDelta(pluginID, delta)
}

func (h *moduleRuntimeHolder) HTTPEndpoints(pluginID string) ([]wasmrt.RouteDecl, error) {
	return h.rt.HTTPEndpoints(pluginID)
}

func (h *moduleRuntimeHolder) DispatchHTTPRequest(pluginID, method, path string, req plugin.HTTPRequest) (plugin.HTTPResponse, error) {
	return h.rt.DispatchHTTPRequest(pluginID, method, path, req)
}
