// Package config loads tidegated's YAML configuration file, following
// the upstream gateway's own pkg/config.Load shape: read the file,
// unmarshal, apply defaults, validate, return.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Auth       AuthConfig       `yaml:"auth"`
	Plugins    PluginsConfig    `yaml:"plugins"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Tracing    TracingConfig    `yaml:"tracing"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
	Redis      RedisConfig      `yaml:"redis"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig guards the admin façade's config-edit/enable/disable
// routes.
type AuthConfig struct {
	JWTSecret      string        `yaml:"jwtSecret"`
	AccessTokenTTL time.Duration `yaml:"accessTokenTTL"`
}

// PluginsConfig is the WASM runtime's own configuration: where packages
// live on disk, where their storage roots are allocated, and the
// per-instance memory ceiling wazero enforces.
type PluginsConfig struct {
	PackageRoot    string `yaml:"packageRoot"`
	ConfigRoot     string `yaml:"configRoot"`
	MaxMemoryPages int    `yaml:"maxMemoryPages"`
}

type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"serviceName"`
	ServiceVersion string  `yaml:"serviceVersion"`
	Environment    string  `yaml:"environment"`
	Endpoint       string  `yaml:"endpoint"`
	SampleRate     float64 `yaml:"sampleRate"`
	Insecure       bool    `yaml:"insecure"`
}

// MongoDBConfig backs pkg/audit's optional lifecycle event trail.
type MongoDBConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	Retention      time.Duration `yaml:"retention"`
}

// RedisConfig backs pkg/hostbus's optional cross-instance delta relay.
type RedisConfig struct {
	Strategy string `yaml:"strategy"` // "local" or "redis"
	URL      string `yaml:"url"`
	Channel  string `yaml:"channel"`
}

func Load(configPath string, logger *logrus.Logger) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"port":        cfg.Server.Port,
		"packageRoot": cfg.Plugins.PackageRoot,
	}).Info("config: loaded")

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.GracefulTimeout == 0 {
		cfg.Server.GracefulTimeout = 15 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Plugins.PackageRoot == "" {
		cfg.Plugins.PackageRoot = "./plugins"
	}
	if cfg.Plugins.ConfigRoot == "" {
		cfg.Plugins.ConfigRoot = "./plugin-config-data"
	}
	if cfg.Plugins.MaxMemoryPages == 0 {
		cfg.Plugins.MaxMemoryPages = 256 // 16MB at 64KB/page
	}

	if cfg.Monitoring.Path == "" {
		cfg.Monitoring.Path = "/metrics"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "tidegated"
	}
	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = "1.0.0"
	}
	if cfg.Tracing.Environment == "" {
		cfg.Tracing.Environment = "development"
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "http://localhost:4318/v1/traces"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}

	if cfg.Auth.AccessTokenTTL == 0 {
		cfg.Auth.AccessTokenTTL = time.Hour
	}

	if cfg.Redis.Strategy == "" {
		cfg.Redis.Strategy = "local"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "tidegate:plugin-deltas"
	}

	if cfg.MongoDB.ConnectTimeout == 0 {
		cfg.MongoDB.ConnectTimeout = 10 * time.Second
	}
	if cfg.MongoDB.Retention == 0 {
		cfg.MongoDB.Retention = 90 * 24 * time.Hour
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Plugins.PackageRoot == "" {
		return fmt.Errorf("plugins.packageRoot cannot be empty")
	}
	if cfg.Redis.Strategy != "local" && cfg.Redis.Strategy != "redis" {
		return fmt.Errorf("redis.strategy must be \"local\" or \"redis\", got %q", cfg.Redis.Strategy)
	}
	return nil
}
