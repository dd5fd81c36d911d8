// Package httpapi is the HTTP Façade: per-plugin status
// and configuration endpoints, the aggregate plugin list, and the
// mount point for guest-declared HTTP routes. Registered under both a
// legacy and a namespaced prefix so existing callers of either survive
// a migration between them.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/plugin"
)

// Registry is the slice of *registry.Registry the façade drives. A
// local interface, not the concrete type, so handlers are testable
// against a fake.
type Registry interface {
	List() []plugin.Record
	Snapshot(pluginID string) (plugin.Record, bool)
	SetEnabled(pluginID string, enabled bool) error
	UpdateConfiguration(pluginID string, configuration json.RawMessage) error
	Unregister(pluginID string) error
}

// RouteTable resolves a guest-declared HTTP route, registered by the
// registry through HostServices.RegisterHTTPRoute from the routes the
// guest's http_endpoints export declares. *hostbus.Bus satisfies this.
type RouteTable interface {
	Route(pluginID, method, path string) (plugin.HTTPRouteHandler, bool)
}

// Handler implements the HTTP Façade.
type Handler struct {
	registry Registry
	routes   RouteTable
	logger   *logrus.Logger
}

// New builds a Handler.
func New(registry Registry, routes RouteTable, logger *logrus.Logger) *Handler {
	return &Handler{registry: registry, routes: routes, logger: logger}
}

// Register mounts the façade under both the legacy "/plugins" prefix
// and the namespaced "/api/v1/plugins" prefix. The write routes are
// always mounted; they are admin-authenticated only when authMiddleware
// is non-nil.
func (h *Handler) Register(e *echo.Echo, authMiddleware echo.MiddlewareFunc) {
	for _, prefix := range []string{"/plugins", "/api/v1/plugins"} {
		g := e.Group(prefix)
		g.GET("", h.listPlugins)
		g.GET("/:id", h.getPlugin)
		g.GET("/:id/config", h.getConfig)

		writeGroup := g.Group("")
		if authMiddleware != nil {
			writeGroup.Use(authMiddleware)
		}
		writeGroup.POST("/:id/config", h.postConfig)
		writeGroup.DELETE("/:id", h.unregisterPlugin)

		// Guest-declared routes last: static routes above win over this
		// wildcard in Echo's router regardless of registration order, but
		// registering it last keeps the intent readable.
		g.Any("/:id/*", h.guestRoute)
	}
}

type pluginSummary struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Version          string `json:"version"`
	Enabled          bool   `json:"enabled"`
	EnabledByDefault bool   `json:"enabledByDefault"`
}

func toSummary(rec plugin.Record) pluginSummary {
	return pluginSummary{
		ID:               rec.Identity.PluginID,
		Name:             rec.Identity.Name,
		Version:          rec.Manifest.PluginVersion,
		Enabled:          rec.Enabled,
		EnabledByDefault: false,
	}
}

// listPlugins serves the aggregate plugin list. Only WASM plugins owned
// by this registry are reported here: host-native/webapp entries are
// supplied by the surrounding server, which is an external collaborator
// outside this runtime's scope.
func (h *Handler) listPlugins(c echo.Context) error {
	records := h.registry.List()
	out := make([]pluginSummary, len(records))
	for i, rec := range records {
		out[i] = toSummary(rec)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) getPlugin(c echo.Context) error {
	id := c.Param("id")
	rec, ok := h.registry.Snapshot(id)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, id, "plugin not registered", nil)
	}
	return c.JSON(http.StatusOK, toSummary(rec))
}

type configView struct {
	Enabled       bool            `json:"enabled"`
	Configuration json.RawMessage `json:"configuration"`
}

func (h *Handler) getConfig(c echo.Context) error {
	id := c.Param("id")
	rec, ok := h.registry.Snapshot(id)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, id, "plugin not registered", nil)
	}
	return c.JSON(http.StatusOK, configView{Enabled: rec.Enabled, Configuration: rec.Configuration})
}

type configUpdate struct {
	Enabled       *bool           `json:"enabled"`
	Configuration json.RawMessage `json:"configuration"`
}

// postConfig applies update_configuration and then setEnabled (in that
// order, so a combined body lands on disk before the plugin is started)
// and returns the persisted record. The two steps are persisted
// separately: if setEnabled fails, the configuration already written is
// kept.
func (h *Handler) postConfig(c echo.Context) error {
	id := c.Param("id")
	if _, ok := h.registry.Snapshot(id); !ok {
		return apierrors.New(apierrors.KindNotFound, id, "plugin not registered", nil)
	}

	var body configUpdate
	if err := c.Bind(&body); err != nil {
		return apierrors.New(apierrors.KindConfig, id, "malformed request body", err)
	}

	if body.Configuration != nil {
		if err := h.registry.UpdateConfiguration(id, body.Configuration); err != nil {
			return err
		}
	}
	if body.Enabled != nil {
		if err := h.registry.SetEnabled(id, *body.Enabled); err != nil {
			return err
		}
	}

	rec, ok := h.registry.Snapshot(id)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, id, "plugin not registered", nil)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) unregisterPlugin(c echo.Context) error {
	id := c.Param("id")
	if err := h.registry.Unregister(id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// guestRoute resolves "/plugins/<id>/<route>" against a guest's
// declared routes and bridges it through the HTTPRouteHandler. Returns
// 404 once the owning plugin is unloaded, since UnregisterHTTPRoutes
// drops the entry at that point.
func (h *Handler) guestRoute(c echo.Context) error {
	id := c.Param("id")
	path := c.Param("*")

	handler, ok := h.routes.Route(id, c.Request().Method, "/"+path)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, id, "no such guest route", nil)
	}

	body, err := readBody(c)
	if err != nil {
		return apierrors.New(apierrors.KindConfig, id, "read request body failed", err)
	}

	resp, err := handler(plugin.HTTPRequest{
		Method:  c.Request().Method,
		URL:     c.Request().URL.String(),
		Headers: c.Request().Header,
		Body:    body,
	})
	if err != nil {
		return apierrors.New(apierrors.KindRuntimeCrash, id, "guest route handler failed", err)
	}

	for k, values := range resp.Headers {
		for _, v := range values {
			c.Response().Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return c.Blob(status, c.Response().Header().Get(echo.HeaderContentType), resp.Body)
}

func readBody(c echo.Context) ([]byte, error) {
	if c.Request().Body == nil {
		return nil, nil
	}
	defer c.Request().Body.Close()
	return io.ReadAll(c.Request().Body)
}
