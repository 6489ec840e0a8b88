// Package snapconf models the configuration documents embedded in a service
// snapshot as plain values: load, transform, persist. Nothing in this package
// mutates files it did not explicitly save, which keeps preparation steps
// from leaking state into each other.
package snapconf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// RootConfig is the service-level configuration document found at the root of
// the service-state subtree. It binds the default tenant, the branch-name to
// timeline mappings, and the endpoints of every component.
type RootConfig struct {
	DefaultTenantID    string                `toml:"default_tenant_id"`
	ServiceDistribDir  string                `toml:"service_distrib_dir,omitempty"`
	PostgresDistribDir string                `toml:"postgres_distrib_dir,omitempty"`
	Broker             Broker                `toml:"broker"`
	StorageNode        StorageNode           `toml:"storage_node"`
	LogKeepers         []LogKeeper           `toml:"log_keepers"`
	BranchNameMappings map[string][][]string `toml:"branch_name_mappings"`
}

// Broker holds the shared message-broker endpoints.
type Broker struct {
	Endpoints []string `toml:"endpoints"`
}

// StorageNode holds the control-plane and data-plane addresses of the node
// that materializes timelines from the durable log.
type StorageNode struct {
	ListenHTTPAddr string `toml:"listen_http_addr"`
	ListenPGAddr   string `toml:"listen_pg_addr"`
	AuthToken      string `toml:"auth_token,omitempty"`
}

// LogKeeper holds the ports of one durable-log keeper.
type LogKeeper struct {
	ID       int `toml:"id"`
	HTTPPort int `toml:"http_port"`
	PGPort   int `toml:"pg_port"`
}

// NodeConfig is the per-component configuration document of the storage node.
type NodeConfig struct {
	ListenHTTPAddr     string        `toml:"listen_http_addr"`
	ListenPGAddr       string        `toml:"listen_pg_addr"`
	BrokerEndpoints    []string      `toml:"broker_endpoints"`
	PostgresDistribDir string        `toml:"postgres_distrib_dir,omitempty"`
	RemoteStorage      RemoteStorage `toml:"remote_storage"`
}

// RemoteStorage points the storage node at its durable object mirror. For
// snapshot-embedded mirrors this is a local path under the state subtree.
type RemoteStorage struct {
	LocalPath string `toml:"local_path,omitempty"`
	Bucket    string `toml:"bucket,omitempty"`
	Region    string `toml:"region,omitempty"`
	Endpoint  string `toml:"endpoint,omitempty"`
}

// CaptureMeta records what a snapshot captured: the tenant and timeline it
// holds and the log watermark that was durably persisted before freezing.
type CaptureMeta struct {
	TenantID       string    `toml:"tenant_id"`
	TimelineID     string    `toml:"timeline_id"`
	Watermark      string    `toml:"watermark"`
	ServiceVersion string    `toml:"service_version,omitempty"`
	CapturedAt     time.Time `toml:"captured_at"`
}

// TimelineFor resolves the timeline mapped to branch under the default
// tenant. The mapping is stored as [tenant, timeline] pairs per branch.
func (c RootConfig) TimelineFor(branch string) (tenantID, timelineID string, err error) {
	pairs, ok := c.BranchNameMappings[branch]
	if !ok {
		return "", "", fmt.Errorf("branch %q has no timeline mapping", branch)
	}
	for _, pair := range pairs {
		if len(pair) == 2 && pair[0] == c.DefaultTenantID {
			return pair[0], pair[1], nil
		}
	}
	return "", "", fmt.Errorf("branch %q has no timeline for tenant %s", branch, c.DefaultTenantID)
}

// LoadRoot reads a root configuration document.
func LoadRoot(path string) (RootConfig, error) {
	var cfg RootConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return RootConfig{}, fmt.Errorf("decode root config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveRoot persists a root configuration document, replacing the file.
func SaveRoot(path string, cfg RootConfig) error {
	return saveTOML(path, cfg)
}

// LoadNode reads the storage node's configuration document.
func LoadNode(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("decode node config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveNode persists the storage node's configuration document.
func SaveNode(path string, cfg NodeConfig) error {
	return saveTOML(path, cfg)
}

// LoadCaptureMeta reads snapshot capture metadata.
func LoadCaptureMeta(path string) (CaptureMeta, error) {
	var meta CaptureMeta
	if _, err := toml.DecodeFile(path, &meta); err != nil {
		return CaptureMeta{}, fmt.Errorf("decode capture metadata %s: %w", path, err)
	}
	return meta, nil
}

// SaveCaptureMeta persists snapshot capture metadata.
func SaveCaptureMeta(path string, meta CaptureMeta) error {
	return saveTOML(path, meta)
}

func saveTOML(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".conf-*")
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := toml.NewEncoder(tmp).Encode(v); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
