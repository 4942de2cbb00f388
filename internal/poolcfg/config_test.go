package poolcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// TestLoadAppliesDefaults verifies a minimal configuration is filled out
// with the documented defaults (§1.1 ambient stack, config.applyDefaults).
func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	serverPath := writeTempFile(t, dir, "server.yaml", `
server:
  instance_id: ""
`)
	poolsPath := writeTempFile(t, dir, "pools.yaml", `
pools:
  - name: primary
    max_size: 10
    mssql:
      host: db.internal
`)

	cfg, err := Load(serverPath, poolsPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HealthCheckPort != 8080 {
		t.Errorf("HealthCheckPort = %d, want 8080", cfg.Server.HealthCheckPort)
	}
	if cfg.Server.MetricsPort != 9090 {
		t.Errorf("MetricsPort = %d, want 9090", cfg.Server.MetricsPort)
	}
	if cfg.Server.ScanInterval != time.Second {
		t.Errorf("ScanInterval = %v, want 1s", cfg.Server.ScanInterval)
	}
	if cfg.Server.InstanceID == "" {
		t.Errorf("InstanceID should default to the hostname, got empty string")
	}

	if len(cfg.Pools) != 1 {
		t.Fatalf("len(Pools) = %d, want 1", len(cfg.Pools))
	}
	p := cfg.Pools[0]
	if p.AcquireTimeout != 30*time.Second {
		t.Errorf("AcquireTimeout = %v, want 30s", p.AcquireTimeout)
	}
	if p.BurstProbe != time.Millisecond {
		t.Errorf("BurstProbe = %v, want 1ms", p.BurstProbe)
	}
	if p.MSSQL.ConnectionTimeout != 30*time.Second {
		t.Errorf("MSSQL.ConnectionTimeout = %v, want 30s", p.MSSQL.ConnectionTimeout)
	}
	if p.Watcher.MaxLease != 120*time.Second {
		t.Errorf("Watcher.MaxLease = %v, want 120s", p.Watcher.MaxLease)
	}
	if p.Watcher.MaxIdle != 60*time.Second {
		t.Errorf("Watcher.MaxIdle = %v, want 60s", p.Watcher.MaxIdle)
	}
	if p.Watcher.ScanInterval != cfg.Server.ScanInterval {
		t.Errorf("Watcher.ScanInterval = %v, want it to inherit Server.ScanInterval %v", p.Watcher.ScanInterval, cfg.Server.ScanInterval)
	}
	if p.Watcher.EvictThreshold != 3 {
		t.Errorf("Watcher.EvictThreshold = %d, want 3", p.Watcher.EvictThreshold)
	}

	// Redis sub-defaults must NOT be applied when no addr is configured.
	if cfg.Server.Redis.DialTimeout != 0 {
		t.Errorf("Redis.DialTimeout = %v, want 0 (redis disabled)", cfg.Server.Redis.DialTimeout)
	}
}

// TestLoadRejectsMissingPools verifies validate() requires at least one
// configured pool.
func TestLoadRejectsMissingPools(t *testing.T) {
	dir := t.TempDir()
	serverPath := writeTempFile(t, dir, "server.yaml", "server:\n")
	poolsPath := writeTempFile(t, dir, "pools.yaml", "pools: []\n")

	if _, err := Load(serverPath, poolsPath); err == nil {
		t.Fatal("Load() error = nil, want an error for zero configured pools")
	}
}

// TestLoadRejectsDuplicatePoolNames verifies validate() catches two pools
// sharing the same name.
func TestLoadRejectsDuplicatePoolNames(t *testing.T) {
	dir := t.TempDir()
	serverPath := writeTempFile(t, dir, "server.yaml", "server:\n")
	poolsPath := writeTempFile(t, dir, "pools.yaml", `
pools:
  - name: dup
    max_size: 5
    mssql:
      host: a
  - name: dup
    max_size: 5
    mssql:
      host: b
`)

	if _, err := Load(serverPath, poolsPath); err == nil {
		t.Fatal("Load() error = nil, want an error for duplicate pool names")
	}
}

// TestLoadRejectsDistributedWithoutRedis verifies a pool opting into the
// distributed accounting hook requires server.redis.addr (§4.5.1).
func TestLoadRejectsDistributedWithoutRedis(t *testing.T) {
	dir := t.TempDir()
	serverPath := writeTempFile(t, dir, "server.yaml", "server:\n")
	poolsPath := writeTempFile(t, dir, "pools.yaml", `
pools:
  - name: primary
    max_size: 5
    distributed: true
    mssql:
      host: db.internal
`)

	if _, err := Load(serverPath, poolsPath); err == nil {
		t.Fatal("Load() error = nil, want an error for distributed=true with no redis.addr")
	}
}

// TestPoolByName verifies lookup by name succeeds and reports misses.
func TestPoolByName(t *testing.T) {
	dir := t.TempDir()
	serverPath := writeTempFile(t, dir, "server.yaml", "server:\n")
	poolsPath := writeTempFile(t, dir, "pools.yaml", `
pools:
  - name: primary
    max_size: 5
    mssql:
      host: db.internal
`)

	cfg, err := Load(serverPath, poolsPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, ok := cfg.PoolByName("primary"); !ok {
		t.Error("PoolByName(\"primary\") ok = false, want true")
	}
	if _, ok := cfg.PoolByName("missing"); ok {
		t.Error("PoolByName(\"missing\") ok = true, want false")
	}
}
