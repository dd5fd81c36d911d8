// Package registry is the process-wide plugin registry:
// a map keyed by plugin_id holding each plugin's lifecycle record, the
// state machine that drives it, and the crash-supervision loop.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/audit"
	"tidegate/pkg/bridge"
	"tidegate/pkg/capability"
	"tidegate/pkg/plugin"
	"tidegate/pkg/pluginmetrics"
	"tidegate/pkg/pluginpkg"
	"tidegate/pkg/subscription"
	"tidegate/pkg/tracing"
	"tidegate/pkg/vfs"
	"tidegate/pkg/wasmrt"
)

// Registry satisfies both the bridge's Registry collaborator interface
// and the subscription manager's Dispatcher interface.
var (
	_ bridge.Registry         = (*Registry)(nil)
	_ subscription.Dispatcher = (*Registry)(nil)
)

// ModuleRuntime is the slice of *wasmrt.Runtime the registry drives. It
// is a local interface, not *wasmrt.Runtime directly, so the state
// machine can be tested without compiling a real guest module.
type ModuleRuntime interface {
	Load(identity plugin.Identity, manifest plugin.Manifest, modulePath string, paths plugin.StoragePaths, grant capability.Table) (*wasmrt.Instance, error)
	Unload(pluginID string) error
	Start(pluginID string, configuration json.RawMessage) error
	Stop(pluginID string) error
	Identify(pluginID string) (plugin.Identity, error)
	DispatchDelta(pluginID string, delta plugin.Delta) error
	HTTPEndpoints(pluginID string) ([]wasmrt.RouteDecl, error)
	DispatchHTTPRequest(pluginID, method, path string, req plugin.HTTPRequest) (plugin.HTTPResponse, error)
}

// record is the registry's private wrapper around plugin.Record: the
// exported type is a value snapshot, this is the live, lockable entry.
type record struct {
	mu                sync.Mutex
	data              plugin.Record
	paths             plugin.StoragePaths
	capGrant          capability.Table
	restartTimer      *time.Timer
	graceTimer        *time.Timer
	putHandlers       map[string]string
	resourceProviders []string
}

// Registry owns every registered plugin's lifecycle.
type Registry struct {
	logger *logrus.Logger
	vfs    *vfs.Manager
	rt     ModuleRuntime
	subs   *subscription.Manager
	host   plugin.HostServices

	mu      sync.RWMutex
	records map[string]*record

	audit  audit.Recorder
	tracer *tracing.Manager
}

// New builds a Registry. subs.SetDispatcher(registry) still needs to be
// called by the owner once this returns, since the registry is the
// dispatcher that adds crash detection around delta dispatch.
func New(logger *logrus.Logger, vfsManager *vfs.Manager, rt ModuleRuntime, subs *subscription.Manager, host plugin.HostServices) *Registry {
	return &Registry{
		logger:  logger,
		vfs:     vfsManager,
		rt:      rt,
		subs:    subs,
		host:    host,
		records: make(map[string]*record),
	}
}

// SetAuditRecorder attaches an audit trail. Until called, lifecycle
// events are simply not recorded: the registry works fine without one.
func (r *Registry) SetAuditRecorder(rec audit.Recorder) {
	r.audit = rec
}

// SetTracer attaches a span tracer. Until called, doStart/doStop run
// untraced.
func (r *Registry) SetTracer(tracer *tracing.Manager) {
	r.tracer = tracer
}

// lifecycleSpan starts a span for operation if a tracer is attached,
// otherwise returns a no-op finish function.
func (r *Registry) lifecycleSpan(pluginID, operation string) func(err error) {
	if r.tracer == nil {
		return func(error) {}
	}
	_, span := r.tracer.StartLifecycleSpan(context.Background(), pluginID, operation)
	return func(err error) { r.tracer.FinishSpan(span, err) }
}

func (r *Registry) recordAudit(pluginID string, action audit.Action, detail string) {
	if r.audit == nil {
		return
	}
	r.audit.Record(context.Background(), audit.Event{PluginID: pluginID, Action: action, Detail: detail})
}

func (r *Registry) lookup(pluginID string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pluginID]
	return rec, ok
}

// Register loads a package transiently to resolve its identity,
// allocates its storage root, reads any persisted configuration, and
// enqueues a start if the plugin was previously enabled.
func (r *Registry) Register(manifest plugin.Manifest) (plugin.Record, error) {
	configRoot := r.host.ConfigRootPath()

	stagingID := "staging-" + uuid.NewString()
	stagingPaths := r.vfs.Resolve(stagingID, configRoot)
	if err := r.vfs.Initialize(stagingPaths); err != nil {
		return plugin.Record{}, apierrors.New(apierrors.KindLoad, "", "allocate staging storage failed", err)
	}
	defer r.vfs.Destroy(stagingPaths)

	if _, err := r.rt.Load(plugin.Identity{PluginID: stagingID}, manifest, manifest.ModulePath, stagingPaths, capability.Table{}); err != nil {
		return plugin.Record{}, apierrors.New(apierrors.KindLoad, "", "transient load for identity resolution failed", err)
	}

	identity, err := r.rt.Identify(stagingID)
	_ = r.rt.Unload(stagingID)
	if err != nil {
		return plugin.Record{}, err
	}
	pluginID := identity.PluginID

	r.mu.Lock()
	if _, exists := r.records[pluginID]; exists {
		r.mu.Unlock()
		return plugin.Record{}, apierrors.New(apierrors.KindManifest, pluginID, "plugin already registered", nil)
	}
	r.mu.Unlock()

	paths := r.vfs.Resolve(pluginID, configRoot)
	if err := r.vfs.Initialize(paths); err != nil {
		return plugin.Record{}, apierrors.New(apierrors.KindLoad, pluginID, "allocate storage failed", err)
	}

	persisted := r.vfs.ReadConfig(paths)
	rec := &record{
		data: plugin.Record{
			Identity:      identity,
			Manifest:      manifest,
			Enabled:       persisted.Enabled,
			Configuration: persisted.Configuration,
			Status:        plugin.StatusStopped,
		},
		paths:    paths,
		capGrant: capability.Gate(manifest.Capabilities),
	}

	r.mu.Lock()
	r.records[pluginID] = rec
	r.mu.Unlock()
	pluginmetrics.RecordStatus(pluginID, plugin.StatusStopped)
	r.recordAudit(pluginID, audit.ActionRegistered, manifest.PackageName)

	if persisted.Enabled {
		go func() {
			if err := r.doStart(pluginID); err != nil {
				r.logger.WithError(err).WithField("plugin", pluginID).Warn("registry: initial start failed")
			}
		}()
	}

	return rec.data.Snapshot(), nil
}

// DiscoverAndRegisterAll scans packageRoot for plugin packages and
// registers each one, logging and skipping any that fail.
func (r *Registry) DiscoverAndRegisterAll(packageRoot string) {
	manifests := pluginpkg.Discover(packageRoot, func(dir string, err error) {
		r.logger.WithError(err).WithField("dir", dir).Warn("registry: skipping package during discovery")
	})
	for _, m := range manifests {
		if _, err := r.Register(m); err != nil {
			r.logger.WithError(err).WithField("package", m.PackageName).Warn("registry: failed to register plugin")
		}
	}
}

// Unregister stops a plugin if running, releases its storage, and
// removes it from the registry. Used by uninstall flows.
func (r *Registry) Unregister(pluginID string) error {
	if err := r.doStop(pluginID); err != nil {
		r.logger.WithError(err).WithField("plugin", pluginID).Warn("registry: stop during unregister failed")
	}
	r.subs.CleanupPlugin(pluginID)

	r.mu.Lock()
	rec, ok := r.records[pluginID]
	delete(r.records, pluginID)
	r.mu.Unlock()
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}
	pluginmetrics.Forget(pluginID)
	r.recordAudit(pluginID, audit.ActionUnregistered, "")
	return r.vfs.Destroy(rec.paths)
}

// Snapshot returns a value copy of one plugin's current record.
func (r *Registry) Snapshot(pluginID string) (plugin.Record, bool) {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return plugin.Record{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.data.Snapshot(), true
}

// List returns every registered plugin's record, sorted by plugin_id for
// stable HTTP façade output.
func (r *Registry) List() []plugin.Record {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]plugin.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := r.lookup(id)
		if !ok {
			continue
		}
		rec.mu.Lock()
		out = append(out, rec.data.Snapshot())
		rec.mu.Unlock()
	}
	return out
}

// Shutdown stops every registered plugin in parallel (serialized per
// record) and waits for all of them to finish before returning.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(pluginID string) {
			defer wg.Done()
			if err := r.doStop(pluginID); err != nil {
				r.logger.WithError(err).WithField("plugin", pluginID).Warn("registry: shutdown stop failed")
			}
		}(id)
	}
	wg.Wait()
}

// --- bridge.Registry implementation: guest-initiated calls ---

// Status reports a plugin's current lifecycle status. The bridge calls
// this to refuse guest calls from an instance that is stopping or
// crashed, so a call already in flight when stop() starts cannot take
// effect after the fact.
func (r *Registry) Status(pluginID string) (plugin.Status, bool) {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.data.Status, true
}

func (r *Registry) SetStatusMessage(pluginID, message string) {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.data.StatusMessage = message
	rec.mu.Unlock()
}

func (r *Registry) PersistConfiguration(pluginID string, configuration json.RawMessage) error {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}
	rec.mu.Lock()
	enabled := rec.data.Enabled
	paths := rec.paths
	rec.mu.Unlock()

	if err := r.vfs.WriteConfig(paths, plugin.PersistedConfig{Enabled: enabled, Configuration: configuration}); err != nil {
		return apierrors.New(apierrors.KindConfigWrite, pluginID, "persist configuration failed", err)
	}

	rec.mu.Lock()
	rec.data.Configuration = configuration
	rec.mu.Unlock()
	return nil
}

func (r *Registry) CurrentConfiguration(pluginID string) (json.RawMessage, bool) {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.data.Configuration, true
}

// DispatchDelta implements subscription.Dispatcher, wrapping the module
// runtime's dispatch with crash detection: a guest trap or host-call
// fault observed here drives the record into the Crashed state.
func (r *Registry) DispatchDelta(pluginID string, delta plugin.Delta) error {
	err := r.rt.DispatchDelta(pluginID, delta)
	if err != nil {
		r.crash(pluginID, err)
	}
	return err
}

func (r *Registry) PublishDelta(pluginID string, delta plugin.Delta) {
	delta.Source = pluginID
	r.subs.Publish(delta)
	r.host.PublishDelta(delta)
}

func (r *Registry) Subscribe(pluginID, pattern string) string {
	return r.subs.Subscribe(pluginID, pattern)
}

func (r *Registry) Unsubscribe(subscriptionID string) {
	r.subs.Unsubscribe(subscriptionID)
}

func (r *Registry) RegisterPutHandler(pluginID, path, source string) error {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.putHandlers == nil {
		rec.putHandlers = make(map[string]string)
	}
	rec.putHandlers[path] = source
	return nil
}

func (r *Registry) RegisterResourceProvider(pluginID, resourceType string) error {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.resourceProviders = append(rec.resourceProviders, resourceType)
	return nil
}

// registerGuestRoutes discovers a just-started plugin's declared HTTP
// routes and mounts each one through host.RegisterHTTPRoute. A broken
// http_endpoints export is logged, not fatal: the plugin keeps running,
// it just serves no guest routes.
func (r *Registry) registerGuestRoutes(pluginID string) {
	routes, err := r.rt.HTTPEndpoints(pluginID)
	if err != nil {
		r.logger.WithError(err).WithField("plugin", pluginID).Warn("registry: http_endpoints failed")
		return
	}
	for _, route := range routes {
		method, path := route.Method, route.Path
		r.host.RegisterHTTPRoute(pluginID, method, path, func(req plugin.HTTPRequest) (plugin.HTTPResponse, error) {
			return r.rt.DispatchHTTPRequest(pluginID, method, path, req)
		})
	}
}
