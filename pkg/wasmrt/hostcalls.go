package wasmrt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/bridge"
	"tidegate/pkg/capability"
	"tidegate/pkg/plugin"
)

// registerHostFunctions builds the single shared "env" import module.
// wazero's module namespace is flat, so unlike Load (called once per
// plugin) this runs once per Runtime; every capability-gated host
// function identifies its caller from the api.Module wazero passes in
// and looks up that plugin's own capability grant before doing
// anything. A gated call from an instance this Runtime doesn't know
// about (already unloaded, or calling in before Load finished
// registering it) is denied. log, get_time, read_config, write_config
// and set_status carry no capability check; of these, only log and
// get_time are served for an unknown caller, the other three are
// refused by the bridge.
func (rt *Runtime) registerHostFunctions(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, offset, size uint32) {
			data, err := readBytes(m, offset, size)
			if err != nil {
				rt.logger.WithError(err).WithField("plugin", m.Name()).Error("wasmrt: log read failed")
				return
			}
			var req bridge.LogRequest
			if err := json.Unmarshal(data, &req); err != nil {
				req = bridge.LogRequest{Level: "info", Message: string(data)}
			}
			rt.bridge.Log(m.Name(), req)
		}).
		Export("log").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) int64 {
			return time.Now().Unix()
		}).
		Export("get_time").
		NewFunctionBuilder().
		WithFunc(rt.gatedCall(capability.CallSubscribe, func(pluginID string, data []byte) interface{} {
			var req bridge.SubscribeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return bridge.SubscribeResponse{Code: apierrors.GuestInvalidArgument}
			}
			return rt.bridge.Subscribe(pluginID, req)
		})).
		Export("subscribe").
		NewFunctionBuilder().
		WithFunc(rt.gatedCall(capability.CallUnsubscribe, func(pluginID string, data []byte) interface{} {
			var req bridge.UnsubscribeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return bridge.UnsubscribeResponse{Code: apierrors.GuestInvalidArgument}
			}
			return rt.bridge.Unsubscribe(pluginID, req)
		})).
		Export("unsubscribe").
		NewFunctionBuilder().
		WithFunc(rt.gatedCall(capability.CallPublishDelta, func(pluginID string, data []byte) interface{} {
			var req bridge.PublishDeltaRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return bridge.PublishDeltaResponse{Code: apierrors.GuestInvalidArgument}
			}
			return rt.bridge.PublishDelta(pluginID, req)
		})).
		Export("publish_delta").
		NewFunctionBuilder().
		WithFunc(rt.gatedCall(capability.CallHTTPFetch, func(pluginID string, data []byte) interface{} {
			var req plugin.HTTPRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return bridge.HTTPFetchResponse{Code: apierrors.GuestInvalidArgument}
			}
			return rt.bridge.HTTPFetch(pluginID, req)
		})).
		Export("http_fetch").
		NewFunctionBuilder().
		WithFunc(rt.gatedCall(capability.CallRegisterPutHandler, func(pluginID string, data []byte) interface{} {
			var req bridge.RegisterPutHandlerRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return bridge.RegisterPutHandlerResponse{Code: apierrors.GuestInvalidArgument}
			}
			return rt.bridge.RegisterPutHandler(pluginID, req)
		})).
		Export("register_put_handler").
		NewFunctionBuilder().
		WithFunc(rt.gatedCall(capability.CallRegisterResourceProvider, func(pluginID string, data []byte) interface{} {
			var req bridge.RegisterResourceProviderRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return bridge.RegisterResourceProviderResponse{Code: apierrors.GuestInvalidArgument}
			}
			return rt.bridge.RegisterResourceProvider(pluginID, req)
		})).
		Export("register_resource_provider").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, offset, size uint32) (uint32, uint32) {
			resp := rt.bridge.ReadConfig(m.Name())
			return rt.respond(m, resp)
		}).
		Export("read_config").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, offset, size uint32) (uint32, uint32) {
			data, err := readBytes(m, offset, size)
			if err != nil {
				return rt.respond(m, bridge.WriteConfigResponse{Code: apierrors.GuestInternal})
			}
			var req bridge.WriteConfigRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return rt.respond(m, bridge.WriteConfigResponse{Code: apierrors.GuestInvalidArgument})
			}
			return rt.respond(m, rt.bridge.WriteConfig(m.Name(), req))
		}).
		Export("write_config").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, offset, size uint32) (uint32, uint32) {
			data, err := readBytes(m, offset, size)
			if err != nil {
				return rt.respond(m, bridge.SetStatusResponse{Code: apierrors.GuestInternal})
			}
			var req bridge.SetStatusRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return rt.respond(m, bridge.SetStatusResponse{Code: apierrors.GuestInvalidArgument})
			}
			return rt.respond(m, rt.bridge.SetStatus(m.Name(), req))
		}).
		Export("set_status")
}

// gatedCall wraps handler with the capability check shared by every
// gated host call: look up the calling instance's grant by module name,
// and — only if granted — read the request off guest memory, run
// handler, and write its JSON response back.
func (rt *Runtime) gatedCall(call capability.Call, handler func(pluginID string, data []byte) interface{}) func(ctx context.Context, m api.Module, offset, size uint32) (uint32, uint32) {
	return func(ctx context.Context, m api.Module, offset, size uint32) (uint32, uint32) {
		pluginID := m.Name()
		inst, ok := rt.Get(pluginID)
		if !ok || !inst.CapGrant.Allowed(call) {
			rt.denials.LogOnce(rt.logger, pluginID, string(call))
			return rt.respond(m, deniedResponse(call))
		}
		data, err := readBytes(m, offset, size)
		if err != nil {
			rt.logger.WithError(err).WithField("plugin", pluginID).Error("wasmrt: host call read failed")
			return 0, 0
		}
		return rt.respond(m, handler(pluginID, data))
	}
}

func (rt *Runtime) respond(m api.Module, v interface{}) (uint32, uint32) {
	ptr, size, err := writeJSON(m, v)
	if err != nil {
		rt.logger.WithError(err).Error("wasmrt: host call response write failed")
		return 0, 0
	}
	return ptr, size
}

// deniedResponse builds the permission-denied shaped response for call,
// since each host call's response struct has its own Code field type
// but they all share apierrors.GuestCode's meaning.
func deniedResponse(call capability.Call) interface{} {
	switch call {
	case capability.CallSubscribe:
		return bridge.SubscribeResponse{Code: apierrors.GuestPermissionDenied}
	case capability.CallUnsubscribe:
		return bridge.UnsubscribeResponse{Code: apierrors.GuestPermissionDenied}
	case capability.CallPublishDelta:
		return bridge.PublishDeltaResponse{Code: apierrors.GuestPermissionDenied}
	case capability.CallHTTPFetch:
		return bridge.HTTPFetchResponse{Code: apierrors.GuestPermissionDenied}
	case capability.CallRegisterPutHandler:
		return bridge.RegisterPutHandlerResponse{Code: apierrors.GuestPermissionDenied}
	case capability.CallRegisterResourceProvider:
		return bridge.RegisterResourceProviderResponse{Code: apierrors.GuestPermissionDenied}
	default:
		return map[string]apierrors.GuestCode{"code": apierrors.GuestPermissionDenied}
	}
}
