// Package poolcfg loads dbpool's YAML configuration: one file describing
// the server (listen address, instance identity, optional distributed
// coordination) and one describing the pools themselves, mirroring the
// two-file split the original proxy config used for its own server/bucket
// split.
package poolcfg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds process-wide settings: ports, instance identity, and
// the optional Redis-backed distributed coordination layer.
type ServerConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	HealthCheckPort int           `yaml:"health_check_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ScanInterval    time.Duration `yaml:"scan_interval"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional distributed mirror/heartbeat layer
// (internal/distributed). Addr empty means the layer is disabled and every
// pool runs purely single-instance.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// MSSQLSpec configures a driver/mssql.Factory.
type MSSQLSpec struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Database          string        `yaml:"database"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// WatcherSpec configures a pool's background timeout enforcement.
type WatcherSpec struct {
	MaxLease                               time.Duration `yaml:"max_lease"`
	MaxIdle                                time.Duration `yaml:"max_idle"`
	ScanInterval                           time.Duration `yaml:"scan_interval"`
	EvictThreshold                         int           `yaml:"evict_threshold"`
	Interrupt                              bool          `yaml:"interrupt"`
	CloseEvicted                           bool          `yaml:"close_evicted"`
	CloseEvictedOnlyWhenBorrowerTerminated bool          `yaml:"close_evicted_only_when_borrower_terminated"`
}

// PoolSpec is one pool's full configuration: sizing, acquire defaults, its
// concrete driver, and the watcher policy governing it.
type PoolSpec struct {
	Name           string        `yaml:"name"`
	MinSize        int           `yaml:"min_size"`
	MaxSize        int           `yaml:"max_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	BurstProbe     time.Duration `yaml:"burst_probe"`

	MSSQL   MSSQLSpec   `yaml:"mssql"`
	Watcher WatcherSpec `yaml:"watcher"`

	// Distributed opts a pool into the shared cross-instance accounting
	// hook (§4.5.1); it requires Redis to be configured at the server
	// level.
	Distributed bool `yaml:"distributed"`
}

// Config is the fully parsed, defaulted root configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Pools  []PoolSpec   `yaml:"pools"`
}

type serverFileConfig struct {
	Server ServerConfig `yaml:"server"`
}

type poolsFileConfig struct {
	Pools []PoolSpec `yaml:"pools"`
}

// Load reads and validates the server and pools configuration files.
func Load(serverConfigPath, poolsConfigPath string) (*Config, error) {
	serverData, err := os.ReadFile(serverConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading server config %s: %w", serverConfigPath, err)
	}
	var serverFile serverFileConfig
	if err := yaml.Unmarshal(serverData, &serverFile); err != nil {
		return nil, fmt.Errorf("parsing server config %s: %w", serverConfigPath, err)
	}

	poolsData, err := os.ReadFile(poolsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading pools config %s: %w", poolsConfigPath, err)
	}
	var poolsFile poolsFileConfig
	if err := yaml.Unmarshal(poolsData, &poolsFile); err != nil {
		return nil, fmt.Errorf("parsing pools config %s: %w", poolsConfigPath, err)
	}

	cfg := &Config{
		Server: serverFile.Server,
		Pools:  poolsFile.Pools,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	seen := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pools[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pools[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if p.MaxSize <= 0 {
			return fmt.Errorf("pools[%d] (%s): max_size is required", i, p.Name)
		}
		if p.MSSQL.Host == "" {
			return fmt.Errorf("pools[%d] (%s): mssql.host is required", i, p.Name)
		}
		if p.Distributed && c.Server.Redis.Addr == "" {
			return fmt.Errorf("pools[%d] (%s): distributed=true requires server.redis.addr", i, p.Name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ScanInterval == 0 {
		c.Server.ScanInterval = time.Second
	}
	if c.Server.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Server.InstanceID = hostname
	}
	if c.Server.Redis.Addr != "" {
		if c.Server.Redis.DialTimeout == 0 {
			c.Server.Redis.DialTimeout = 5 * time.Second
		}
		if c.Server.Redis.HeartbeatInterval == 0 {
			c.Server.Redis.HeartbeatInterval = 10 * time.Second
		}
		if c.Server.Redis.HeartbeatTTL == 0 {
			c.Server.Redis.HeartbeatTTL = 30 * time.Second
		}
	}

	for i := range c.Pools {
		p := &c.Pools[i]
		if p.AcquireTimeout == 0 {
			p.AcquireTimeout = 30 * time.Second
		}
		if p.BurstProbe == 0 {
			p.BurstProbe = time.Millisecond
		}
		if p.MSSQL.ConnectionTimeout == 0 {
			p.MSSQL.ConnectionTimeout = 30 * time.Second
		}
		if p.Watcher.MaxLease == 0 {
			p.Watcher.MaxLease = 120 * time.Second
		}
		if p.Watcher.MaxIdle == 0 {
			p.Watcher.MaxIdle = 60 * time.Second
		}
		if p.Watcher.ScanInterval == 0 {
			p.Watcher.ScanInterval = c.Server.ScanInterval
		}
		if p.Watcher.EvictThreshold == 0 {
			p.Watcher.EvictThreshold = 3
		}
	}
}

// PoolByName returns the spec for a given pool name.
func (c *Config) PoolByName(name string) (*PoolSpec, bool) {
	for i := range c.Pools {
		if c.Pools[i].Name == name {
			return &c.Pools[i], true
		}
	}
	return nil, false
}
