package bridge

import (
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/plugin"
)

// Bridge is the ServerAPI Bridge: the host-side business
// logic behind every capability-gated host call. The Module Runtime
// decodes a guest's request off guest memory and calls the matching
// method here; Bridge never touches wazero types, which keeps it
// testable without a compiled module.
type Bridge interface {
	PublishDelta(pluginID string, req PublishDeltaRequest) PublishDeltaResponse
	Subscribe(pluginID string, req SubscribeRequest) SubscribeResponse
	Unsubscribe(pluginID string, req UnsubscribeRequest) UnsubscribeResponse
	ReadConfig(pluginID string) ReadConfigResponse
	WriteConfig(pluginID string, req WriteConfigRequest) WriteConfigResponse
	Log(pluginID string, req LogRequest) LogResponse
	SetStatus(pluginID string, req SetStatusRequest) SetStatusResponse
	HTTPFetch(pluginID string, req plugin.HTTPRequest) HTTPFetchResponse
	RegisterPutHandler(pluginID string, req RegisterPutHandlerRequest) RegisterPutHandlerResponse
	RegisterResourceProvider(pluginID string, req RegisterResourceProviderRequest) RegisterResourceProviderResponse
}

// Registry is the minimal surface the bridge needs back into the
// registry (status updates, config persistence, subscription wiring,
// put-handler bookkeeping). Kept small and local to avoid an import
// cycle between pkg/registry and pkg/bridge.
type Registry interface {
	Status(pluginID string) (plugin.Status, bool)
	SetStatusMessage(pluginID, message string)
	PersistConfiguration(pluginID string, configuration json.RawMessage) error
	CurrentConfiguration(pluginID string) (json.RawMessage, bool)
	PublishDelta(pluginID string, delta plugin.Delta)
	Subscribe(pluginID, pattern string) string
	Unsubscribe(subscriptionID string)
	RegisterPutHandler(pluginID, path, source string) error
	RegisterResourceProvider(pluginID, resourceType string) error
}

type serverBridge struct {
	logger   *logrus.Logger
	registry Registry
	host     plugin.HostServices
}

// New builds the bridge used by the Module Runtime's host functions.
// Capability gating itself happens in the Module Runtime, one level up
// — by the time a call reaches the bridge it has already been granted.
func New(logger *logrus.Logger, registry Registry, host plugin.HostServices) Bridge {
	return &serverBridge{logger: logger, registry: registry, host: host}
}

// DenialLog dedups "capability denied" log lines per plugin/call pair so
// a guest hammering a denied host call doesn't flood the log. Lives next
// to the bridge since it is gating's own concern, even though the
// Module Runtime (where gating actually happens) is the caller.
type DenialLog struct {
	seen *cache.Cache
}

// NewDenialLog builds a DenialLog whose entries expire after ttl,
// allowing a repeat denial to log again after the guest has been quiet
// for a while.
func NewDenialLog(ttl time.Duration) *DenialLog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DenialLog{seen: cache.New(ttl, ttl/2)}
}

// LogOnce logs the denial via logger unless the same pluginID/call pair
// already logged within the TTL window.
func (d *DenialLog) LogOnce(logger *logrus.Logger, pluginID, call string) {
	key := pluginID + "|" + call
	if _, found := d.seen.Get(key); found {
		return
	}
	d.seen.Set(key, struct{}{}, cache.DefaultExpiration)
	logger.WithFields(logrus.Fields{"plugin": pluginID, "call": call}).Warn("bridge: capability denied")
}

// blocked reports whether pluginID's instance is mid-teardown or dead —
// Stopping because its own stop() call may still be in flight, Crashed
// because nothing is running to attribute the call's effects to. A
// guest calling back in during either window is refused rather than
// allowed to act after the fact.
func (b *serverBridge) blocked(pluginID string) bool {
	status, ok := b.registry.Status(pluginID)
	if !ok {
		return true
	}
	return status == plugin.StatusStopping || status == plugin.StatusCrashed
}

func (b *serverBridge) PublishDelta(pluginID string, req PublishDeltaRequest) PublishDeltaResponse {
	if b.blocked(pluginID) {
		return PublishDeltaResponse{Code: apierrors.GuestDisabled}
	}
	b.registry.PublishDelta(pluginID, plugin.Delta{Context: req.Context, Source: pluginID, Updates: req.Updates})
	return PublishDeltaResponse{Code: apierrors.GuestOK}
}

func (b *serverBridge) Subscribe(pluginID string, req SubscribeRequest) SubscribeResponse {
	if b.blocked(pluginID) {
		return SubscribeResponse{Code: apierrors.GuestDisabled}
	}
	if req.PathPattern == "" {
		return SubscribeResponse{Code: apierrors.GuestInvalidArgument}
	}
	id := b.registry.Subscribe(pluginID, req.PathPattern)
	return SubscribeResponse{Code: apierrors.GuestOK, SubscriptionID: id}
}

func (b *serverBridge) Unsubscribe(pluginID string, req UnsubscribeRequest) UnsubscribeResponse {
	if b.blocked(pluginID) {
		return UnsubscribeResponse{Code: apierrors.GuestDisabled}
	}
	b.registry.Unsubscribe(req.SubscriptionID)
	return UnsubscribeResponse{Code: apierrors.GuestOK}
}

func (b *serverBridge) ReadConfig(pluginID string) ReadConfigResponse {
	if b.blocked(pluginID) {
		return ReadConfigResponse{Code: apierrors.GuestDisabled}
	}
	cfg, ok := b.registry.CurrentConfiguration(pluginID)
	if !ok {
		return ReadConfigResponse{Code: apierrors.GuestInternal}
	}
	return ReadConfigResponse{Code: apierrors.GuestOK, Configuration: cfg}
}

func (b *serverBridge) WriteConfig(pluginID string, req WriteConfigRequest) WriteConfigResponse {
	if b.blocked(pluginID) {
		return WriteConfigResponse{Code: apierrors.GuestDisabled}
	}
	if err := b.registry.PersistConfiguration(pluginID, req.Configuration); err != nil {
		b.logger.WithError(err).WithField("plugin", pluginID).Error("bridge: write_config failed")
		return WriteConfigResponse{Code: apierrors.GuestInternal}
	}
	return WriteConfigResponse{Code: apierrors.GuestOK}
}

func (b *serverBridge) Log(pluginID string, req LogRequest) LogResponse {
	msg := req.Message
	if len(msg) > maxLogMessage {
		msg = msg[:maxLogMessage]
	}
	b.host.Log(req.Level, pluginID, msg)
	return LogResponse{Code: apierrors.GuestOK}
}

func (b *serverBridge) SetStatus(pluginID string, req SetStatusRequest) SetStatusResponse {
	if b.blocked(pluginID) {
		return SetStatusResponse{Code: apierrors.GuestDisabled}
	}
	b.registry.SetStatusMessage(pluginID, req.Message)
	return SetStatusResponse{Code: apierrors.GuestOK}
}

func (b *serverBridge) HTTPFetch(pluginID string, req plugin.HTTPRequest) HTTPFetchResponse {
	resp, err := b.host.HTTPOutbound(req)
	if err != nil {
		b.logger.WithError(err).WithField("plugin", pluginID).Warn("bridge: http_fetch failed")
		return HTTPFetchResponse{Code: apierrors.GuestFetchError}
	}
	return HTTPFetchResponse{Code: apierrors.GuestOK, Response: &resp}
}

func (b *serverBridge) RegisterPutHandler(pluginID string, req RegisterPutHandlerRequest) RegisterPutHandlerResponse {
	if b.blocked(pluginID) {
		return RegisterPutHandlerResponse{Code: apierrors.GuestDisabled}
	}
	if err := b.registry.RegisterPutHandler(pluginID, req.Path, req.Source); err != nil {
		return RegisterPutHandlerResponse{Code: apierrors.GuestInvalidArgument}
	}
	return RegisterPutHandlerResponse{Code: apierrors.GuestOK}
}

func (b *serverBridge) RegisterResourceProvider(pluginID string, req RegisterResourceProviderRequest) RegisterResourceProviderResponse {
	if b.blocked(pluginID) {
		return RegisterResourceProviderResponse{Code: apierrors.GuestDisabled}
	}
	if err := b.registry.RegisterResourceProvider(pluginID, req.ResourceType); err != nil {
		return RegisterResourceProviderResponse{Code: apierrors.GuestInvalidArgument}
	}
	return RegisterResourceProviderResponse{Code: apierrors.GuestOK}
}
