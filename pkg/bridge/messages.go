// Package bridge is the host-side implementation of the host calls a
// capability grant exposes to a guest. The request and
// response shapes in this file are exchanged as JSON across the guest
// boundary by the Module Runtime; Bridge itself never touches wazero
// memory directly, which keeps business logic testable without an
// actual compiled WASM module.
package bridge

import (
	"encoding/json"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/plugin"
)

// PublishDeltaRequest/Response

type PublishDeltaRequest struct {
	Context string          `json:"context"`
	Updates []plugin.Update `json:"updates"`
}

type PublishDeltaResponse struct {
	Code apierrors.GuestCode `json:"code"`
}

// SubscribeRequest/Response

type SubscribeRequest struct {
	PathPattern string `json:"pathPattern"`
}

type SubscribeResponse struct {
	Code           apierrors.GuestCode `json:"code"`
	SubscriptionID string              `json:"subscriptionId,omitempty"`
}

// UnsubscribeRequest/Response

type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type UnsubscribeResponse struct {
	Code apierrors.GuestCode `json:"code"`
}

// ReadConfigResponse

type ReadConfigResponse struct {
	Code          apierrors.GuestCode `json:"code"`
	Configuration json.RawMessage     `json:"configuration,omitempty"`
}

// WriteConfigRequest/Response

type WriteConfigRequest struct {
	Configuration json.RawMessage `json:"configuration"`
}

type WriteConfigResponse struct {
	Code apierrors.GuestCode `json:"code"`
}

// LogRequest/Response

type LogRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type LogResponse struct {
	Code apierrors.GuestCode `json:"code"`
}

// SetStatusRequest/Response

type SetStatusRequest struct {
	Message string `json:"message"`
}

type SetStatusResponse struct {
	Code apierrors.GuestCode `json:"code"`
}

// HTTPFetchResponse wraps plugin.HTTPResponse with a guest error code;
// the request itself is plugin.HTTPRequest, reused verbatim.

type HTTPFetchResponse struct {
	Code     apierrors.GuestCode `json:"code"`
	Response *plugin.HTTPResponse `json:"response,omitempty"`
}

// RegisterPutHandlerRequest/Response

type RegisterPutHandlerRequest struct {
	Path   string `json:"path"`
	Source string `json:"source"`
}

type RegisterPutHandlerResponse struct {
	Code apierrors.GuestCode `json:"code"`
}

// RegisterResourceProviderRequest/Response

type RegisterResourceProviderRequest struct {
	ResourceType string `json:"resourceType"`
}

type RegisterResourceProviderResponse struct {
	Code apierrors.GuestCode `json:"code"`
}

// maxLogMessage bounds the length of a log call's message so a guest
// cannot flood the host log with an unbounded write.
const maxLogMessage = 4096
