package bridge

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/plugin"
)

type fakeRegistry struct {
	configuration    json.RawMessage
	configured       bool
	persistErr       error
	lastPersisted    json.RawMessage
	lastStatusMsg    string
	lastDelta        plugin.Delta
	subscribed       []string
	unsubscribed     []string
	putHandlerErr    error
	resourceErr      error
	lastPutHandler   string
	lastResourceType string
	status           plugin.Status
	statusKnown      bool
}

func (f *fakeRegistry) Status(pluginID string) (plugin.Status, bool) {
	if !f.statusKnown {
		return plugin.StatusRunning, true
	}
	return f.status, true
}

func (f *fakeRegistry) SetStatusMessage(pluginID, message string) { f.lastStatusMsg = message }

func (f *fakeRegistry) PersistConfiguration(pluginID string, configuration json.RawMessage) error {
	f.lastPersisted = configuration
	return f.persistErr
}

func (f *fakeRegistry) CurrentConfiguration(pluginID string) (json.RawMessage, bool) {
	return f.configuration, f.configured
}

func (f *fakeRegistry) PublishDelta(pluginID string, delta plugin.Delta) { f.lastDelta = delta }

func (f *fakeRegistry) Subscribe(pluginID, pattern string) string {
	id := "sub-" + pattern
	f.subscribed = append(f.subscribed, id)
	return id
}

func (f *fakeRegistry) Unsubscribe(subscriptionID string) {
	f.unsubscribed = append(f.unsubscribed, subscriptionID)
}

func (f *fakeRegistry) RegisterPutHandler(pluginID, path, source string) error {
	f.lastPutHandler = path
	return f.putHandlerErr
}

func (f *fakeRegistry) RegisterResourceProvider(pluginID, resourceType string) error {
	f.lastResourceType = resourceType
	return f.resourceErr
}

type fakeHostServices struct {
	logs        []string
	httpResp    plugin.HTTPResponse
	httpErr     error
	lastRequest plugin.HTTPRequest
}

func (f *fakeHostServices) PublishDelta(delta plugin.Delta) {}
func (f *fakeHostServices) SubscribeBus(filter func(plugin.Delta) bool, cb func(plugin.Delta)) func() {
	return func() {}
}
func (f *fakeHostServices) ConfigRootPath() string { return "" }
func (f *fakeHostServices) Log(level, pluginID, message string) {
	f.logs = append(f.logs, level+":"+message)
}
func (f *fakeHostServices) HTTPOutbound(req plugin.HTTPRequest) (plugin.HTTPResponse, error) {
	f.lastRequest = req
	return f.httpResp, f.httpErr
}
func (f *fakeHostServices) RegisterHTTPRoute(pluginID, method, path string, handler plugin.HTTPRouteHandler) {
}
func (f *fakeHostServices) UnregisterHTTPRoutes(pluginID string) {}

func newTestBridge() (Bridge, *fakeRegistry, *fakeHostServices) {
	reg := &fakeRegistry{}
	host := &fakeHostServices{}
	return New(logrus.New(), reg, host), reg, host
}

func TestPublishDeltaForwardsToRegistryWithSource(t *testing.T) {
	b, reg, _ := newTestBridge()
	resp := b.PublishDelta("plugin-a", PublishDeltaRequest{Context: "ctx", Updates: []plugin.Update{{Path: "a.b", Value: 1}}})

	assert.Equal(t, apierrors.GuestOK, resp.Code)
	assert.Equal(t, "plugin-a", reg.lastDelta.Source)
	assert.Equal(t, "ctx", reg.lastDelta.Context)
}

func TestSubscribeRejectsEmptyPattern(t *testing.T) {
	b, _, _ := newTestBridge()
	resp := b.Subscribe("plugin-a", SubscribeRequest{})
	assert.Equal(t, apierrors.GuestInvalidArgument, resp.Code)
}

func TestSubscribeReturnsSubscriptionID(t *testing.T) {
	b, reg, _ := newTestBridge()
	resp := b.Subscribe("plugin-a", SubscribeRequest{PathPattern: "nav.**"})
	require.Equal(t, apierrors.GuestOK, resp.Code)
	assert.NotEmpty(t, resp.SubscriptionID)
	assert.Contains(t, reg.subscribed, resp.SubscriptionID)
}

func TestReadConfigReturnsInternalWhenUnknown(t *testing.T) {
	b, _, _ := newTestBridge()
	resp := b.ReadConfig("plugin-a")
	assert.Equal(t, apierrors.GuestInternal, resp.Code)
}

func TestWriteConfigPersistsAndReportsFailure(t *testing.T) {
	b, reg, _ := newTestBridge()

	ok := b.WriteConfig("plugin-a", WriteConfigRequest{Configuration: json.RawMessage(`{"x":1}`)})
	assert.Equal(t, apierrors.GuestOK, ok.Code)
	assert.JSONEq(t, `{"x":1}`, string(reg.lastPersisted))

	reg.persistErr = errors.New("disk full")
	fail := b.WriteConfig("plugin-a", WriteConfigRequest{Configuration: json.RawMessage(`{}`)})
	assert.Equal(t, apierrors.GuestInternal, fail.Code)
}

func TestLogTruncatesOverlongMessages(t *testing.T) {
	b, _, host := newTestBridge()
	long := make([]byte, maxLogMessage+100)
	for i := range long {
		long[i] = 'x'
	}

	b.Log("plugin-a", LogRequest{Level: "info", Message: string(long)})
	require.Len(t, host.logs, 1)
	assert.LessOrEqual(t, len(host.logs[0]), maxLogMessage+len("info:"))
}

func TestHTTPFetchMapsTransportErrorToFetchError(t *testing.T) {
	b, _, host := newTestBridge()
	host.httpErr = errors.New("connection refused")

	resp := b.HTTPFetch("plugin-a", plugin.HTTPRequest{Method: "GET", URL: "http://example.invalid"})
	assert.Equal(t, apierrors.GuestFetchError, resp.Code)
}

func TestHTTPFetchReturnsResponseOnSuccess(t *testing.T) {
	b, _, host := newTestBridge()
	host.httpResp = plugin.HTTPResponse{StatusCode: 200, Body: []byte("ok")}

	resp := b.HTTPFetch("plugin-a", plugin.HTTPRequest{Method: "GET", URL: "http://example.invalid"})
	require.Equal(t, apierrors.GuestOK, resp.Code)
	require.NotNil(t, resp.Response)
	assert.Equal(t, 200, resp.Response.StatusCode)
}

func TestEffectfulCallsRefusedWhileStopping(t *testing.T) {
	b, reg, _ := newTestBridge()
	reg.statusKnown = true
	reg.status = plugin.StatusStopping

	resp := b.PublishDelta("plugin-a", PublishDeltaRequest{Context: "ctx"})
	assert.Equal(t, apierrors.GuestDisabled, resp.Code)
	assert.Empty(t, reg.lastDelta.Context)

	writeResp := b.WriteConfig("plugin-a", WriteConfigRequest{Configuration: json.RawMessage(`{}`)})
	assert.Equal(t, apierrors.GuestDisabled, writeResp.Code)
}

func TestEffectfulCallsRefusedWhenCrashed(t *testing.T) {
	b, reg, _ := newTestBridge()
	reg.statusKnown = true
	reg.status = plugin.StatusCrashed

	resp := b.Subscribe("plugin-a", SubscribeRequest{PathPattern: "nav.**"})
	assert.Equal(t, apierrors.GuestDisabled, resp.Code)
}

func TestDenialLogDedupsWithinTTL(t *testing.T) {
	logger := logrus.New()
	d := NewDenialLog(0)

	d.LogOnce(logger, "plugin-a", "http_fetch")
	d.LogOnce(logger, "plugin-a", "http_fetch")

	_, found := d.seen.Get("plugin-a|http_fetch")
	assert.True(t, found)
}
