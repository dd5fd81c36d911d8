// Package plugin holds the domain types shared across the runtime's
// otherwise-cyclic components (registry, bridge, subscription manager,
// module runtime). Keeping them here instead of in any one component lets
// those components depend on each other through interfaces defined
// against these types rather than on one another's packages directly.
package plugin

import (
	"encoding/json"
	"time"
)

// Status is a PluginRecord's position in the lifecycle state machine.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusCrashed  Status = "crashed"
	StatusError    Status = "error"
)

// Storage is the declared storage mode for a plugin's capability grant.
type Storage string

const (
	StorageVFSOnly Storage = "vfs_only"
	StorageNone    Storage = "none"
)

// Format is the accepted guest binary format. Only wasi-p1 is supported;
// component-model descriptors are rejected at registration rather than
// guessed at.
type Format string

const (
	FormatWASIP1         Format = "wasi-p1"
	FormatComponentModel Format = "component-model"
)

// Capabilities is the declared-capability shape: a fixed set of booleans
// plus one enum, modeled as named fields so grants are exhaustively
// matched at call sites instead of checked against an arbitrary string
// set.
type Capabilities struct {
	DataRead         bool    `yaml:"dataRead" json:"dataRead"`
	DataWrite        bool    `yaml:"dataWrite" json:"dataWrite"`
	Storage          Storage `yaml:"storage" json:"storage"`
	Network          bool    `yaml:"network" json:"network"`
	SerialPorts      bool    `yaml:"serialPorts" json:"serialPorts"`
	PutHandlers      bool    `yaml:"putHandlers" json:"putHandlers"`
	HTTPEndpoints    bool    `yaml:"httpEndpoints" json:"httpEndpoints"`
	ResourceProvider bool    `yaml:"resourceProvider" json:"resourceProvider"`
}

// DefaultCapabilities is granted when a package descriptor omits
// wasmCapabilities entirely.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		DataRead:  true,
		DataWrite: true,
		Storage:   StorageVFSOnly,
	}
}

// Manifest is the immutable descriptor read from the plugin package.
type Manifest struct {
	PackageName     string       `json:"packageName"`
	ManifestVersion string       `json:"manifestVersion"`
	PluginVersion   string       `json:"pluginVersion"`
	ModulePath      string       `json:"modulePath"`
	Format          Format       `json:"format"`
	Capabilities    Capabilities `json:"capabilities"`
	Keywords        []string     `json:"keywords"`
}

// Identity is resolved from the loaded module's id/name/schema exports.
// PluginID is the stable key used everywhere after registration.
type Identity struct {
	PluginID string          `json:"pluginId"`
	Name     string          `json:"name"`
	Schema   json.RawMessage `json:"schema"`
}

// StoragePaths is the resolved on-disk layout for one plugin.
type StoragePaths struct {
	Root       string // <config_root>/plugin-config-data/<plugin_id>
	ConfigFile string // <root>/<plugin_id>.json
	VFSRoot    string // <root>/vfs
	DataDir    string // <root>/vfs/data
	ConfigDir  string // <root>/vfs/config
	TmpDir     string // <root>/vfs/tmp
}

// PersistedConfig is the on-disk shape of <plugin_id>.json.
type PersistedConfig struct {
	Enabled       bool            `json:"enabled"`
	Configuration json.RawMessage `json:"configuration"`
}

// Record is the registry entry that outlives any one running instance.
type Record struct {
	Identity           Identity        `json:"identity"`
	Manifest           Manifest        `json:"manifest"`
	Enabled            bool            `json:"enabled"`
	Configuration      json.RawMessage `json:"configuration"`
	Status             Status          `json:"status"`
	StatusMessage      string          `json:"statusMessage,omitempty"`
	ErrorMessage       string          `json:"errorMessage,omitempty"`
	CrashCount         int             `json:"crashCount"`
	LastCrashAt        time.Time       `json:"lastCrashAt,omitempty"`
	RestartBackoffMS   int             `json:"restartBackoffMs"`
	RunningSince       time.Time       `json:"-"`
}

// Snapshot returns a value copy safe to hand to callers outside the
// registry's lock.
func (r *Record) Snapshot() Record {
	cp := *r
	return cp
}
