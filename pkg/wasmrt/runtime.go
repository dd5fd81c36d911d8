// Package wasmrt is the Module Runtime: it compiles and
// instantiates guest WebAssembly modules, exposes the capability-gated
// host-call surface to them, and owns the memory marshalling needed to
// cross the guest boundary.
package wasmrt

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/bridge"
	"tidegate/pkg/capability"
	"tidegate/pkg/plugin"
)

// requiredExports must all be present for a module to load.
var requiredExports = []string{"id", "name", "schema", "start", "stop"}

// Runtime owns the shared wazero.Runtime and every live Instance.
type Runtime struct {
	cfg     Config
	logger  *logrus.Logger
	bridge  bridge.Bridge
	denials *bridge.DenialLog
	wz      wazero.Runtime
	cache   wazero.CompilationCache
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.RWMutex
	instances map[string]*Instance             // keyed by plugin_id
	compiled  map[string]wazero.CompiledModule // keyed by module path, when caching
}

// NewRuntime builds the shared wazero runtime and instantiates WASI.
func NewRuntime(cfg Config, logger *logrus.Logger, br bridge.Bridge) (*Runtime, error) {
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(cfg.MaxMemoryPages)).
		WithCloseOnContextDone(true)

	var cache wazero.CompilationCache
	if cfg.CacheEnabled {
		cache = wazero.NewCompilationCache()
		rc = rc.WithCompilationCache(cache)
	}

	wz := wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, wz); err != nil {
		cancel()
		return nil, fmt.Errorf("wasmrt: instantiate WASI: %w", err)
	}

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		bridge:    br,
		denials:   bridge.NewDenialLog(0),
		wz:        wz,
		cache:     cache,
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*Instance),
		compiled:  make(map[string]wazero.CompiledModule),
	}

	// The "env" host module is shared by every instance — wazero's module
	// namespace is flat, so it is built once here rather than per Load.
	// Each host function identifies its caller via the api.Module wazero
	// passes it and looks up that instance's own capability grant.
	envBuilder := wz.NewHostModuleBuilder("env")
	rt.registerHostFunctions(envBuilder)
	if _, err := envBuilder.Instantiate(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("wasmrt: instantiate host module: %w", err)
	}

	return rt, nil
}

// Close tears down every instance and the shared wazero runtime.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	ids := make([]string, 0, len(rt.instances))
	for id := range rt.instances {
		ids = append(ids, id)
	}
	rt.mu.Unlock()

	for _, id := range ids {
		if err := rt.Unload(id); err != nil {
			rt.logger.WithError(err).WithField("plugin", id).Warn("wasmrt: unload during close failed")
		}
	}

	rt.cancel()
	return rt.wz.Close(rt.ctx)
}

// compileFor compiles (or fetches a cached compiled module for)
// modulePath.
func (rt *Runtime) compileFor(modulePath string) (wazero.CompiledModule, error) {
	if rt.cfg.CacheEnabled {
		rt.mu.RLock()
		cached, ok := rt.compiled[modulePath]
		rt.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("wasmrt: read module: %w", err)
	}

	compiled, err := rt.wz.CompileModule(rt.ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasmrt: compile module: %w", err)
	}

	if rt.cfg.CacheEnabled {
		rt.mu.Lock()
		rt.compiled[modulePath] = compiled
		rt.mu.Unlock()
	}
	return compiled, nil
}

// Load compiles, instantiates, and registers a guest module as a live
// Instance. The capability grant determines which host calls the
// instance's "env" import module will honor at call time.
func (rt *Runtime) Load(identity plugin.Identity, manifest plugin.Manifest, modulePath string, paths plugin.StoragePaths, grant capability.Table) (*Instance, error) {
	compiled, err := rt.compileFor(modulePath)
	if err != nil {
		return nil, apierrors.New(apierrors.KindLoad, identity.PluginID, "compile module failed", err)
	}

	modCfg := wazero.NewModuleConfig().WithName(identity.PluginID)
	if manifest.Capabilities.Storage == plugin.StorageVFSOnly {
		modCfg = modCfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(paths.VFSRoot, "/"))
	}

	module, err := rt.wz.InstantiateModule(rt.ctx, compiled, modCfg)
	if err != nil {
		return nil, apierrors.New(apierrors.KindLoad, identity.PluginID, "instantiate module failed", err)
	}

	exports := make(map[string]api.Function)
	for _, name := range append(append([]string{}, requiredExports...), "http_endpoints", "handle_http_request", "on_delta") {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}
	for _, name := range requiredExports {
		if _, ok := exports[name]; !ok {
			module.Close(rt.ctx)
			return nil, apierrors.New(apierrors.KindLoad, identity.PluginID, fmt.Sprintf("missing required export %q", name), nil)
		}
	}

	inst := &Instance{
		Identity: identity,
		Manifest: manifest,
		Paths:    paths,
		CapGrant: grant,
		compiled: compiled,
		module:   module,
		exports:  exports,
	}

	rt.mu.Lock()
	rt.instances[identity.PluginID] = inst
	rt.mu.Unlock()
	return inst, nil
}

// Unload closes a live instance's module. It does not attempt to call
// the guest's stop export — callers run Stop first and tolerate its
// failure; unload proceeds even if stop() errors.
func (rt *Runtime) Unload(pluginID string) error {
	rt.mu.Lock()
	inst, ok := rt.instances[pluginID]
	if ok {
		delete(rt.instances, pluginID)
	}
	rt.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.module.Close(rt.ctx)
}

// Reload unloads and reloads a plugin in place, keeping identity,
// manifest, module path, and capability grant.
func (rt *Runtime) Reload(identity plugin.Identity, manifest plugin.Manifest, modulePath string, paths plugin.StoragePaths, grant capability.Table) (*Instance, error) {
	_ = rt.Unload(identity.PluginID)
	return rt.Load(identity, manifest, modulePath, paths, grant)
}

// Get returns the live instance for pluginID, if any.
func (rt *Runtime) Get(pluginID string) (*Instance, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	inst, ok := rt.instances[pluginID]
	return inst, ok
}
