package wasmrt

import (
	"context"
	"encoding/json"
	"fmt"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/plugin"
)

type startRequest struct {
	Configuration json.RawMessage `json:"configuration"`
}

type startResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type stopResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type deltaPayload struct {
	Context string          `json:"context"`
	Source  string          `json:"source,omitempty"`
	Updates []plugin.Update `json:"updates"`
}

type idResponse struct {
	ID string `json:"id"`
}

type nameResponse struct {
	Name string `json:"name"`
}

// Identify calls a loaded instance's id, name, and schema exports to
// resolve its registry identity. Used once, right after a transient
// Load, before the plugin's real storage root can be allocated.
func (rt *Runtime) Identify(pluginID string) (plugin.Identity, error) {
	inst, ok := rt.Get(pluginID)
	if !ok {
		return plugin.Identity{}, apierrors.New(apierrors.KindLoad, pluginID, "instance not loaded", nil)
	}

	var id idResponse
	if err := callJSON(rt.ctx, inst.module, inst.exports["id"], struct{}{}, &id); err != nil {
		return plugin.Identity{}, apierrors.New(apierrors.KindLoad, pluginID, "id export failed", err)
	}
	var name nameResponse
	if err := callJSON(rt.ctx, inst.module, inst.exports["name"], struct{}{}, &name); err != nil {
		return plugin.Identity{}, apierrors.New(apierrors.KindLoad, pluginID, "name export failed", err)
	}
	var schema json.RawMessage
	if err := callJSON(rt.ctx, inst.module, inst.exports["schema"], struct{}{}, &schema); err != nil {
		return plugin.Identity{}, apierrors.New(apierrors.KindLoad, pluginID, "schema export failed", err)
	}
	if id.ID == "" {
		return plugin.Identity{}, apierrors.New(apierrors.KindManifest, pluginID, "id export returned empty id", nil)
	}

	return plugin.Identity{PluginID: id.ID, Name: name.Name, Schema: schema}, nil
}

// Start calls the guest's start export, bounded by cfg.StartTimeout.
func (rt *Runtime) Start(pluginID string, configuration json.RawMessage) error {
	inst, ok := rt.Get(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindStart, pluginID, "instance not loaded", nil)
	}

	ctx, cancel := context.WithTimeout(rt.ctx, rt.cfg.StartTimeout)
	defer cancel()

	var resp startResponse
	err := callJSON(ctx, inst.module, inst.exports["start"], startRequest{Configuration: configuration}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return apierrors.New(apierrors.KindTimeout, pluginID, "start timed out", ctx.Err())
		}
		return apierrors.New(apierrors.KindStart, pluginID, "start call failed", err)
	}
	if !resp.OK {
		return apierrors.New(apierrors.KindStart, pluginID, resp.Message, nil)
	}
	return nil
}

// Stop calls the guest's stop export, bounded by cfg.StopTimeout. Unlike
// Start, a failure here is logged by the caller and does not block
// unload.
func (rt *Runtime) Stop(pluginID string) error {
	inst, ok := rt.Get(pluginID)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(rt.ctx, rt.cfg.StopTimeout)
	defer cancel()

	var resp stopResponse
	err := callJSON(ctx, inst.module, inst.exports["stop"], struct{}{}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return apierrors.New(apierrors.KindTimeout, pluginID, "stop timed out", ctx.Err())
		}
		return apierrors.New(apierrors.KindRuntimeCrash, pluginID, "stop call failed", err)
	}
	if !resp.OK {
		return apierrors.New(apierrors.KindRuntimeCrash, pluginID, resp.Message, nil)
	}
	return nil
}

// DispatchDelta implements subscription.Dispatcher. It calls the
// guest's optional on_delta export; plugins that never subscribe to
// anything need not export it.
func (rt *Runtime) DispatchDelta(pluginID string, delta plugin.Delta) error {
	inst, ok := rt.Get(pluginID)
	if !ok {
		return fmt.Errorf("wasmrt: instance %s not loaded", pluginID)
	}
	fn, ok := inst.exports["on_delta"]
	if !ok {
		return nil
	}

	payload := deltaPayload{Context: delta.Context, Source: delta.Source, Updates: delta.Updates}
	return callJSON(rt.ctx, inst.module, fn, payload, nil)
}

// RouteDecl is one HTTP route a guest declares through its http_endpoints
// export.
type RouteDecl struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

type httpEndpointsResponse struct {
	Routes []RouteDecl `json:"routes"`
}

// HTTPEndpoints calls the guest's optional http_endpoints export to
// discover which routes it wants mounted under /plugins/<id>/<route>.
// A plugin that never exports it simply declares no routes.
func (rt *Runtime) HTTPEndpoints(pluginID string) ([]RouteDecl, error) {
	inst, ok := rt.Get(pluginID)
	if !ok {
		return nil, apierrors.New(apierrors.KindLoad, pluginID, "instance not loaded", nil)
	}
	fn, ok := inst.exports["http_endpoints"]
	if !ok {
		return nil, nil
	}

	var resp httpEndpointsResponse
	if err := callJSON(rt.ctx, inst.module, fn, struct{}{}, &resp); err != nil {
		return nil, apierrors.New(apierrors.KindStart, pluginID, "http_endpoints export failed", err)
	}
	return resp.Routes, nil
}

type httpDispatchRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// DispatchHTTPRequest calls the guest's handle_http_request export for a
// route previously declared via http_endpoints.
func (rt *Runtime) DispatchHTTPRequest(pluginID, method, path string, req plugin.HTTPRequest) (plugin.HTTPResponse, error) {
	inst, ok := rt.Get(pluginID)
	if !ok {
		return plugin.HTTPResponse{}, apierrors.New(apierrors.KindNotFound, pluginID, "instance not loaded", nil)
	}
	fn, ok := inst.exports["handle_http_request"]
	if !ok {
		return plugin.HTTPResponse{}, apierrors.New(apierrors.KindManifest, pluginID, "plugin declared http_endpoints but exports no handle_http_request", nil)
	}

	payload := httpDispatchRequest{Method: method, Path: path, URL: req.URL, Headers: req.Headers, Body: req.Body}
	var resp plugin.HTTPResponse
	if err := callJSON(rt.ctx, inst.module, fn, payload, &resp); err != nil {
		return plugin.HTTPResponse{}, apierrors.New(apierrors.KindRuntimeCrash, pluginID, "handle_http_request call failed", err)
	}
	return resp, nil
}
