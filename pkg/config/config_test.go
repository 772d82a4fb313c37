package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talus.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadControllerParsesYAML(t *testing.T) {
	path := writeConfigFile(t, `
data_dir: /var/lib/talus/controller
bus_url: nats://bus.internal:4222
cluster_id: prod-1
metrics_addr: 0.0.0.0:9090
db_host: db.internal
image_url: http://images.internal
`)

	cfg, err := LoadController(path)
	if err != nil {
		t.Fatalf("LoadController() error = %v", err)
	}
	if cfg.DataDir != "/var/lib/talus/controller" || cfg.BusURL != "nats://bus.internal:4222" {
		t.Errorf("cfg = %+v, unexpected DataDir/BusURL", cfg)
	}
	if cfg.ClusterID != "prod-1" || cfg.DBHost != "db.internal" || cfg.ImageURL != "http://images.internal" {
		t.Errorf("cfg = %+v, unexpected ClusterID/DBHost/ImageURL", cfg)
	}
}

func TestLoadControllerMissingFile(t *testing.T) {
	if _, err := LoadController(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error reading a missing config file")
	}
}

func TestLoadWorkerParsesYAML(t *testing.T) {
	path := writeConfigFile(t, `
bus_url: nats://bus.internal:4222
max_vms: 8
scratch_dir: /var/lib/talus/scratch
image_store_dir: /var/lib/talus/images
network: talus-net
bridge_ip: 192.168.122.1
code_cache_host: code-cache.talus.internal
`)

	cfg, err := LoadWorker(path)
	if err != nil {
		t.Fatalf("LoadWorker() error = %v", err)
	}
	if cfg.MaxVMs != 8 || cfg.Network != "talus-net" {
		t.Errorf("cfg = %+v, unexpected MaxVMs/Network", cfg)
	}
	if cfg.BridgeIP != "192.168.122.1" || cfg.CodeCacheHost != "code-cache.talus.internal" {
		t.Errorf("cfg = %+v, unexpected BridgeIP/CodeCacheHost", cfg)
	}
}

func TestLoadWorkerRejectsMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "max_vms: [this, is, not, an, int]")

	if _, err := LoadWorker(path); err == nil {
		t.Fatal("expected an error parsing malformed YAML")
	}
}
