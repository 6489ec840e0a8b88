// Package snapshot models point-in-time captures of the storage service and
// prepares them for verification in a new environment. A Snapshot is
// immutable and consumed only by copying; a WorkingCopy is the per-run,
// environment-rebound clone every other pipeline stage operates on.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"compatcheck/internal/snapconf"
)

// Fixed relative layout of a snapshot directory.
const (
	// RepoDirName is the service-state subtree.
	RepoDirName = "repo"
	// DumpFileName is the baseline logical dump captured at snapshot time.
	DumpFileName = "dump.sql"
	// RootConfigName is the service-level configuration document.
	RootConfigName = "config"
	// NodeConfigName is the storage node's configuration document.
	NodeConfigName = "storage_node.toml"
	// CaptureMetaName records tenant, timeline and watermark of the capture.
	CaptureMetaName = "capture.toml"
	// MirrorDirName is the locally persisted remote-storage mirror.
	MirrorDirName = "local_fs_remote_storage"
	// ComputeDataDirName holds per-tenant compute data directories.
	ComputeDataDirName = "pgdatadirs"
	// TenantsDirName holds per-tenant materialized state.
	TenantsDirName = "tenants"
	// RedoScratchName is the write-ahead-log redo scratch directory
	// regenerated on every start.
	RedoScratchName = "wal-redo-datadir.___temp"
)

// ErrPrecondition reports a malformed or incomplete snapshot input.
var ErrPrecondition = errors.New("snapshot precondition failed")

// Snapshot is an immutable capture directory: a service-state subtree plus a
// baseline dump.
type Snapshot struct {
	root string
}

// Open validates the fixed layout at root. A missing state subtree or dump
// is a fatal precondition failure, never a comparison failure.
func Open(root string) (*Snapshot, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot path %s: %w", root, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s does not exist", ErrPrecondition, abs)
	}
	if _, err := os.Stat(filepath.Join(abs, RepoDirName)); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s does not contain a %s directory", ErrPrecondition, abs, RepoDirName)
	}
	if _, err := os.Stat(filepath.Join(abs, DumpFileName)); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s does not contain a %s", ErrPrecondition, abs, DumpFileName)
	}
	return &Snapshot{root: abs}, nil
}

// Root returns the snapshot's root directory.
func (s *Snapshot) Root() string { return s.root }

// RepoDir returns the service-state subtree.
func (s *Snapshot) RepoDir() string { return filepath.Join(s.root, RepoDirName) }

// DumpPath returns the baseline dump artifact.
func (s *Snapshot) DumpPath() string { return filepath.Join(s.root, DumpFileName) }

// CaptureMeta reads the snapshot's capture metadata, when present.
func (s *Snapshot) CaptureMeta() (snapconf.CaptureMeta, error) {
	return snapconf.LoadCaptureMeta(filepath.Join(s.root, CaptureMetaName))
}

// WorkingCopy is a mutable, environment-bound clone of a snapshot, owned
// exclusively by one verification run.
type WorkingCopy struct {
	root string
}

// Root returns the working copy's root directory.
func (w *WorkingCopy) Root() string { return w.root }

// RepoDir returns the rewritten service-state subtree.
func (w *WorkingCopy) RepoDir() string { return filepath.Join(w.root, RepoDirName) }

// BaselineDumpPath returns the dump captured at snapshot-creation time.
func (w *WorkingCopy) BaselineDumpPath() string { return filepath.Join(w.root, DumpFileName) }

// RootConfigPath returns the service-level configuration document.
func (w *WorkingCopy) RootConfigPath() string {
	return filepath.Join(w.root, RepoDirName, RootConfigName)
}

// NodeConfigPath returns the storage node's configuration document.
func (w *WorkingCopy) NodeConfigPath() string {
	return filepath.Join(w.root, RepoDirName, NodeConfigName)
}

// MirrorDir returns the local remote-storage mirror directory.
func (w *WorkingCopy) MirrorDir() string {
	return filepath.Join(w.root, RepoDirName, MirrorDirName)
}

// RootConfig loads the working copy's service-level configuration.
func (w *WorkingCopy) RootConfig() (snapconf.RootConfig, error) {
	return snapconf.LoadRoot(w.RootConfigPath())
}

// NodeConfig loads the working copy's storage node configuration.
func (w *WorkingCopy) NodeConfig() (snapconf.NodeConfig, error) {
	return snapconf.LoadNode(w.NodeConfigPath())
}
