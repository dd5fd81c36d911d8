package wasmrt

import (
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"tidegate/pkg/capability"
	"tidegate/pkg/plugin"
)

// Config controls the wazero runtime shared across every plugin instance.
type Config struct {
	MaxMemoryPages int           `yaml:"maxMemoryPages" json:"maxMemoryPages"`
	CacheEnabled   bool          `yaml:"cacheEnabled" json:"cacheEnabled"`
	StartTimeout   time.Duration `yaml:"startTimeout" json:"startTimeout"`
	StopTimeout    time.Duration `yaml:"stopTimeout" json:"stopTimeout"`
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.MaxMemoryPages == 0 {
		c.MaxMemoryPages = 256 // 16MB
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 5 * time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 5 * time.Second
	}
}

// Instance is a live PluginInstance. It is owned by exactly
// one registry Record.
type Instance struct {
	Identity     plugin.Identity
	Manifest     plugin.Manifest
	Paths        plugin.StoragePaths
	CapGrant     capability.Table
	compiled     wazero.CompiledModule
	module       api.Module
	exports      map[string]api.Function
}

// hasExport reports whether the instance exposes a given export name.
func (inst *Instance) hasExport(name string) bool {
	_, ok := inst.exports[name]
	return ok
}
