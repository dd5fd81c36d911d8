package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/plugin"
)

type fakeRegistry struct {
	records  map[string]plugin.Record
	setErr   error
	cfgErr   error
	unregErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[string]plugin.Record)}
}

func (f *fakeRegistry) List() []plugin.Record {
	out := make([]plugin.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out
}

func (f *fakeRegistry) Snapshot(pluginID string) (plugin.Record, bool) {
	rec, ok := f.records[pluginID]
	return rec, ok
}

func (f *fakeRegistry) SetEnabled(pluginID string, enabled bool) error {
	if f.setErr != nil {
		return f.setErr
	}
	rec := f.records[pluginID]
	rec.Enabled = enabled
	f.records[pluginID] = rec
	return nil
}

func (f *fakeRegistry) UpdateConfiguration(pluginID string, configuration json.RawMessage) error {
	if f.cfgErr != nil {
		return f.cfgErr
	}
	rec := f.records[pluginID]
	rec.Configuration = configuration
	f.records[pluginID] = rec
	return nil
}

func (f *fakeRegistry) Unregister(pluginID string) error {
	if f.unregErr != nil {
		return f.unregErr
	}
	delete(f.records, pluginID)
	return nil
}

type fakeRoutes struct {
	handlers map[string]plugin.HTTPRouteHandler
}

func (f *fakeRoutes) Route(pluginID, method, path string) (plugin.HTTPRouteHandler, bool) {
	h, ok := f.handlers[pluginID+" "+method+" "+path]
	return h, ok
}

func testRecord(id string) plugin.Record {
	return plugin.Record{
		Identity: plugin.Identity{PluginID: id, Name: "Bilge Alarm"},
		Manifest: plugin.Manifest{PluginVersion: "1.0.0"},
		Enabled:  true,
		Status:   plugin.StatusRunning,
	}
}

func newTestEcho(h *Handler) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = apierrors.ErrorHandler(logrus.New())
	h.Register(e, nil)
	return e
}

func TestListPluginsReturnsSummaries(t *testing.T) {
	reg := newFakeRegistry()
	reg.records["bilge-alarm"] = testRecord("bilge-alarm")
	h := New(reg, &fakeRoutes{}, logrus.New())
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []pluginSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "bilge-alarm", summaries[0].ID)
	assert.False(t, summaries[0].EnabledByDefault)
}

func TestGetPluginNotFoundReturns404(t *testing.T) {
	reg := newFakeRegistry()
	h := New(reg, &fakeRoutes{}, logrus.New())
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/plugins/missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetConfigReturnsEnabledAndConfiguration(t *testing.T) {
	reg := newFakeRegistry()
	rec := testRecord("bilge-alarm")
	rec.Configuration = json.RawMessage(`{"threshold":5}`)
	reg.records["bilge-alarm"] = rec
	h := New(reg, &fakeRoutes{}, logrus.New())
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/plugins/bilge-alarm/config", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body configView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Enabled)
	assert.JSONEq(t, `{"threshold":5}`, string(body.Configuration))
}

func TestPostConfigAppliesConfigurationAndEnabled(t *testing.T) {
	reg := newFakeRegistry()
	reg.records["bilge-alarm"] = testRecord("bilge-alarm")
	h := New(reg, &fakeRoutes{}, logrus.New())
	e := newTestEcho(h)

	body := strings.NewReader(`{"enabled":false,"configuration":{"threshold":9}}`)
	req := httptest.NewRequest(http.MethodPost, "/plugins/bilge-alarm/config", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	rec, ok := reg.Snapshot("bilge-alarm")
	require.True(t, ok)
	assert.False(t, rec.Enabled)
	assert.JSONEq(t, `{"threshold":9}`, string(rec.Configuration))
}

func TestPostConfigUnknownPluginReturns404(t *testing.T) {
	reg := newFakeRegistry()
	h := New(reg, &fakeRoutes{}, logrus.New())
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodPost, "/plugins/missing/config", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnregisterPluginReturnsNoContent(t *testing.T) {
	reg := newFakeRegistry()
	reg.records["bilge-alarm"] = testRecord("bilge-alarm")
	h := New(reg, &fakeRoutes{}, logrus.New())
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodDelete, "/plugins/bilge-alarm", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok := reg.Snapshot("bilge-alarm")
	assert.False(t, ok)
}

func TestGuestRouteDispatchesToRegisteredHandler(t *testing.T) {
	reg := newFakeRegistry()
	reg.records["bilge-alarm"] = testRecord("bilge-alarm")
	routes := &fakeRoutes{handlers: map[string]plugin.HTTPRouteHandler{
		"bilge-alarm GET /status": func(req plugin.HTTPRequest) (plugin.HTTPResponse, error) {
			return plugin.HTTPResponse{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
		},
	}}
	h := New(reg, routes, logrus.New())
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/plugins/bilge-alarm/status", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestGuestRouteUnknownReturns404(t *testing.T) {
	reg := newFakeRegistry()
	reg.records["bilge-alarm"] = testRecord("bilge-alarm")
	h := New(reg, &fakeRoutes{}, logrus.New())
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/plugins/bilge-alarm/nope", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDualRegistrationUnderNamespacedPrefix(t *testing.T) {
	reg := newFakeRegistry()
	reg.records["bilge-alarm"] = testRecord("bilge-alarm")
	h := New(reg, &fakeRoutes{}, logrus.New())
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plugins/bilge-alarm", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
