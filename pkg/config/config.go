// Package config loads the static YAML operator settings a controller or
// worker process reads at startup, underneath its CLI flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Controller holds a controller replica's static operator settings.
// A zero value for any field means "not set in the file"; the CLI flag
// default (or an explicitly passed flag) wins instead.
type Controller struct {
	DataDir     string `yaml:"data_dir"`
	BusURL      string `yaml:"bus_url"`
	ClusterID   string `yaml:"cluster_id"`
	MetricsAddr string `yaml:"metrics_addr"`
	DBHost      string `yaml:"db_host"`
	ImageURL    string `yaml:"image_url"`
}

// Worker holds a worker process's static operator settings.
type Worker struct {
	BusURL        string `yaml:"bus_url"`
	MaxVMs        int    `yaml:"max_vms"`
	ScratchDir    string `yaml:"scratch_dir"`
	ImageStoreDir string `yaml:"image_store_dir"`
	RuntimeDir    string `yaml:"runtime_dir"`
	Network       string `yaml:"network"`
	BridgeIP      string `yaml:"bridge_ip"`
	CodeCacheHost string `yaml:"code_cache_host"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// LoadController reads and parses a controller config file at path.
func LoadController(path string) (*Controller, error) {
	var cfg Controller
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorker reads and parses a worker config file at path.
func LoadWorker(path string) (*Worker, error) {
	var cfg Worker
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
