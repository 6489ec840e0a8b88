// Package cluster starts and stops the target storage service around a
// working copy and exposes the collaborator surfaces the verification
// pipeline consumes: a control plane for timeline lifecycle and durability
// queries, and a supervisor for spawning the external processes. Both are
// interfaces with thin default implementations, replaced by fakes in tests.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"compatcheck/internal/eventlog"
)

// ControlPlane is the slice of the service's control API the pipeline uses.
type ControlPlane interface {
	// TimelineCreate registers a timeline, triggering reconstruction from
	// the durable log when no materialized state exists.
	TimelineCreate(ctx context.Context, tenantID, timelineID string) error
	// TimelineDelete drops a timeline's materialized state.
	TimelineDelete(ctx context.Context, tenantID, timelineID string) error
	// Checkpoint forces a flush of in-memory timeline state.
	Checkpoint(ctx context.Context, tenantID, timelineID string) error
	// LastRecordLSN reports how far the node has ingested the log.
	LastRecordLSN(ctx context.Context, tenantID, timelineID string) (LSN, error)
	// RemoteConsistentLSN reports how far the remote mirror is caught up.
	RemoteConsistentLSN(ctx context.Context, tenantID, timelineID string) (LSN, error)
}

// Supervisor spawns and terminates the service and its compute endpoints.
type Supervisor interface {
	// InitService creates a fresh service state directory.
	InitService(ctx context.Context, repoDir string) error
	StartService(ctx context.Context, repoDir string) error
	StopService(ctx context.Context, repoDir string) error
	// StartCompute brings up a compute endpoint for branch on port and
	// returns its connection string.
	StartCompute(ctx context.Context, repoDir, branch string, port int) (string, error)
	StopCompute(ctx context.Context, repoDir, branch string) error
}

// ComputeInfo describes a running compute endpoint.
type ComputeInfo struct {
	Branch  string
	Port    int
	ConnStr string
}

// ErrAlreadyRunning reports a second Start without an intervening Stop.
var ErrAlreadyRunning = errors.New("cluster already running for this working copy")

// Driver owns the lifecycle of at most one live service instance per working
// copy. Every acquisition is pushed on a teardown stack, so a failure
// mid-protocol still releases processes in reverse order.
type Driver struct {
	sup     Supervisor
	log     eventlog.Logger
	repoDir string

	mu       sync.Mutex
	running  bool
	computes map[string]ComputeInfo
	teardown *TeardownStack
}

// NewDriver returns a driver for the service state rooted at repoDir.
func NewDriver(repoDir string, sup Supervisor, log eventlog.Logger) *Driver {
	if log == nil {
		log = eventlog.Nop{}
	}
	return &Driver{
		sup:      sup,
		log:      log,
		repoDir:  repoDir,
		computes: make(map[string]ComputeInfo),
		teardown: NewTeardownStack(),
	}
}

// RepoDir returns the service state directory the driver operates on.
func (d *Driver) RepoDir() string { return d.repoDir }

// Init creates a fresh service state directory before the first Start.
func (d *Driver) Init(ctx context.Context) error {
	d.log.Eventf("initializing service state at %s", d.repoDir)
	if err := d.sup.InitService(ctx, d.repoDir); err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	return nil
}

// Start brings the service up. Starting twice without stopping is a usage
// error.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	d.log.Eventf("starting service at %s", d.repoDir)
	if err := d.sup.StartService(ctx, d.repoDir); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	d.running = true
	d.teardown.Push("stop service", func(ctx context.Context) error {
		return d.Stop(ctx)
	})
	return nil
}

// Stop brings the service down. Stopping an already stopped service is a
// no-op, which keeps teardown idempotent.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.log.Eventf("stopping service at %s", d.repoDir)
	if err := d.sup.StopService(ctx, d.repoDir); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	d.running = false
	return nil
}

// StartCompute brings up a compute endpoint for branch on the given port.
func (d *Driver) StartCompute(ctx context.Context, branch string, port int) (ComputeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.computes[branch]; ok {
		return ComputeInfo{}, fmt.Errorf("compute for branch %q already running", branch)
	}
	d.log.Eventf("starting compute for branch %q on port %d", branch, port)
	connstr, err := d.sup.StartCompute(ctx, d.repoDir, branch, port)
	if err != nil {
		return ComputeInfo{}, fmt.Errorf("start compute %q: %w", branch, err)
	}
	info := ComputeInfo{Branch: branch, Port: port, ConnStr: connstr}
	d.computes[branch] = info
	d.teardown.Push("stop compute "+branch, func(ctx context.Context) error {
		return d.StopCompute(ctx, branch)
	})
	return info, nil
}

// StopCompute terminates the compute endpoint for branch. Unknown branches
// are a no-op for the same idempotency reason as Stop.
func (d *Driver) StopCompute(ctx context.Context, branch string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.computes[branch]; !ok {
		return nil
	}
	d.log.Eventf("stopping compute for branch %q", branch)
	if err := d.sup.StopCompute(ctx, d.repoDir, branch); err != nil {
		return fmt.Errorf("stop compute %q: %w", branch, err)
	}
	delete(d.computes, branch)
	return nil
}

// Close releases everything acquired through the driver, in reverse order.
func (d *Driver) Close(ctx context.Context) error {
	return d.teardown.Close(ctx)
}
