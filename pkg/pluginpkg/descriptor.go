// Package pluginpkg reads the package descriptor that accompanies a
// plugin's compiled WASM binary and turns it into a
// plugin.Manifest.
package pluginpkg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/plugin"
)

// marker must appear in a descriptor's keywords for the registry's
// directory scan to consider it a plugin package at all.
const marker = "tidegate-wasm-plugin"

// descriptorFile is the filename the registry scan looks for inside
// each package directory.
const descriptorFile = "package.json"

// rawDescriptor mirrors the on-disk JSON shape; field names follow the
// npm-style package descriptor convention verbatim.
type rawDescriptor struct {
	Name             string           `json:"name"`
	Version          string           `json:"version"`
	Keywords         []string         `json:"keywords"`
	WasmManifest     string           `json:"wasmManifest"`
	WasmManifestVer  string           `json:"manifestVersion"`
	WasmCapabilities *rawCapabilities `json:"wasmCapabilities"`
	WasmFormat       string           `json:"wasmFormat"`
}

type rawCapabilities struct {
	DataRead         bool   `json:"dataRead"`
	DataWrite        bool   `json:"dataWrite"`
	Storage          string `json:"storage"`
	Network          bool   `json:"network"`
	SerialPorts      bool   `json:"serialPorts"`
	PutHandlers      bool   `json:"putHandlers"`
	HTTPEndpoints    bool   `json:"httpEndpoints"`
	ResourceProvider bool   `json:"resourceProvider"`
}

// HasMarker reports whether keywords mark this package as a plugin the
// registry should consider, without requiring a full parse.
func HasMarker(keywords []string) bool {
	for _, k := range keywords {
		if k == marker {
			return true
		}
	}
	return false
}

// Read loads and validates the descriptor at packageDir/package.json,
// resolving wasmManifest to an absolute module path.
func Read(packageDir string) (plugin.Manifest, error) {
	descPath := filepath.Join(packageDir, descriptorFile)
	data, err := os.ReadFile(descPath)
	if err != nil {
		return plugin.Manifest{}, apierrors.New(apierrors.KindManifest, "", fmt.Sprintf("read %s", descPath), err)
	}

	var raw rawDescriptor
	if err := json.Unmarshal(data, &raw); err != nil {
		return plugin.Manifest{}, apierrors.New(apierrors.KindManifest, "", "malformed package descriptor", err)
	}

	if !HasMarker(raw.Keywords) {
		return plugin.Manifest{}, apierrors.New(apierrors.KindManifest, raw.Name, fmt.Sprintf("missing %q keyword", marker), nil)
	}
	if raw.WasmManifest == "" {
		return plugin.Manifest{}, apierrors.New(apierrors.KindManifest, raw.Name, "wasmManifest is required", nil)
	}

	format := plugin.FormatWASIP1
	switch raw.WasmFormat {
	case "", string(plugin.FormatWASIP1):
		format = plugin.FormatWASIP1
	default:
		return plugin.Manifest{}, apierrors.New(apierrors.KindManifest, raw.Name, fmt.Sprintf("unsupported wasmFormat %q", raw.WasmFormat), nil)
	}

	caps := plugin.DefaultCapabilities()
	if raw.WasmCapabilities != nil {
		caps = plugin.Capabilities{
			DataRead:         raw.WasmCapabilities.DataRead,
			DataWrite:        raw.WasmCapabilities.DataWrite,
			Storage:          plugin.Storage(raw.WasmCapabilities.Storage),
			Network:          raw.WasmCapabilities.Network,
			SerialPorts:      raw.WasmCapabilities.SerialPorts,
			PutHandlers:      raw.WasmCapabilities.PutHandlers,
			HTTPEndpoints:    raw.WasmCapabilities.HTTPEndpoints,
			ResourceProvider: raw.WasmCapabilities.ResourceProvider,
		}
		if caps.Storage == "" {
			caps.Storage = plugin.StorageVFSOnly
		}
	}

	return plugin.Manifest{
		PackageName:     raw.Name,
		ManifestVersion: raw.WasmManifestVer,
		PluginVersion:   raw.Version,
		ModulePath:      filepath.Join(packageDir, raw.WasmManifest),
		Format:          format,
		Capabilities:    caps,
		Keywords:        raw.Keywords,
	}, nil
}

// Discover scans rootDir for immediate subdirectories that carry a
// plugin package descriptor with the required marker, returning the
// resolved manifests. Entries that fail to parse are skipped with the
// error reported via onError rather than aborting the whole scan.
func Discover(rootDir string, onError func(dir string, err error)) []plugin.Manifest {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		if onError != nil {
			onError(rootDir, err)
		}
		return nil
	}

	var manifests []plugin.Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(rootDir, entry.Name())
		manifest, err := Read(dir)
		if err != nil {
			if onError != nil {
				onError(dir, err)
			}
			continue
		}
		manifests = append(manifests, manifest)
	}
	return manifests
}
