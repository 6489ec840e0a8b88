// Package capture freezes new baseline snapshots: it drives a workload
// against a fresh cluster, exports the baseline dump, waits until the
// reached log position is durably mirrored, and only then freezes the
// directory tree. Capturing before durability completes would produce a
// snapshot that cannot reliably recover, so the durability wait is load
// bearing, not cosmetic.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"compatcheck/internal/cluster"
	"compatcheck/internal/eventlog"
	"compatcheck/internal/metrics"
	"compatcheck/internal/portmap"
	"compatcheck/internal/snapconf"
	"compatcheck/internal/snapshot"
	"compatcheck/internal/workload"
)

// Capturer drives one snapshot capture run.
type Capturer struct {
	Driver       *cluster.Driver
	ControlPlane cluster.ControlPlane
	Dumper       workload.Dumper
	Ports        portmap.Allocator
	Log          eventlog.Logger
	Metrics      *metrics.Recorder

	// WorkDir is the run's mutable working directory, holding the
	// service-state subtree. It is frozen into the snapshot at the end.
	WorkDir string
	// ServiceVersion is recorded in the capture metadata.
	ServiceVersion string
	// DurabilityTimeout bounds the wait for the mirror to catch up.
	DurabilityTimeout time.Duration

	// OpenRunner is a seam for tests without a real compute endpoint.
	OpenRunner func(ctx context.Context, connstr string) (Runner, error)
}

// Runner is the slice of the workload runner the capturer drives.
type Runner interface {
	Initialize(ctx context.Context, spec workload.Spec) error
	Run(ctx context.Context, spec workload.Spec, d time.Duration) error
	FlushLSN(ctx context.Context) (string, error)
	Close() error
}

func (c *Capturer) log() eventlog.Logger {
	if c.Log == nil {
		return eventlog.Nop{}
	}
	return c.Log
}

func (c *Capturer) durabilityTimeout() time.Duration {
	if c.DurabilityTimeout == 0 {
		return 5 * time.Minute
	}
	return c.DurabilityTimeout
}

func (c *Capturer) openRunner(ctx context.Context, connstr string) (Runner, error) {
	if c.OpenRunner != nil {
		return c.OpenRunner(ctx, connstr)
	}
	return workload.Open(ctx, connstr)
}

// Capture runs the workload, waits for durability, stops everything and
// freezes WorkDir into an immutable snapshot at dest.
func (c *Capturer) Capture(ctx context.Context, spec workload.Spec, dest string) (*snapshot.Snapshot, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("snapshot destination %s already exists", dest)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := c.Driver.Init(ctx); err != nil {
		return nil, err
	}
	if err := c.Driver.Start(ctx); err != nil {
		return nil, err
	}

	port, err := c.Ports.AllocatePort()
	if err != nil {
		return nil, err
	}
	compute, err := c.Driver.StartCompute(ctx, "main", port)
	if err != nil {
		return nil, err
	}

	watermark, err := c.runWorkload(ctx, compute, spec)
	if err != nil {
		return nil, err
	}

	dumpPath := filepath.Join(c.WorkDir, snapshot.DumpFileName)
	err = c.Metrics.TimeStep("dump_baseline", func() error {
		return c.Dumper.Dump(ctx, compute.ConnStr, dumpPath)
	})
	if err != nil {
		return nil, fmt.Errorf("export baseline dump: %w", err)
	}

	cfg, err := snapconf.LoadRoot(filepath.Join(c.WorkDir, snapshot.RepoDirName, snapshot.RootConfigName))
	if err != nil {
		return nil, err
	}
	tenantID, timelineID, err := cfg.TimelineFor("main")
	if err != nil {
		return nil, err
	}

	if err := c.awaitDurable(ctx, tenantID, timelineID, watermark); err != nil {
		return nil, err
	}

	// Stop computes before the service so no writes race the freeze.
	if err := c.Driver.StopCompute(ctx, compute.Branch); err != nil {
		return nil, err
	}
	if err := c.Driver.Stop(ctx); err != nil {
		return nil, err
	}

	meta := snapconf.CaptureMeta{
		TenantID:       tenantID,
		TimelineID:     timelineID,
		Watermark:      watermark.String(),
		ServiceVersion: c.ServiceVersion,
		CapturedAt:     time.Now().UTC(),
	}
	if err := snapconf.SaveCaptureMeta(filepath.Join(c.WorkDir, snapshot.CaptureMetaName), meta); err != nil {
		return nil, err
	}

	c.log().Eventf("freezing snapshot at %s (watermark %s)", dest, meta.Watermark)
	if err := snapshot.CopyTree(c.WorkDir, dest); err != nil {
		return nil, fmt.Errorf("freeze snapshot: %w", err)
	}
	return snapshot.Open(dest)
}

// runWorkload seeds and exercises the dataset, then reports the flush LSN
// the log reached.
func (c *Capturer) runWorkload(ctx context.Context, compute cluster.ComputeInfo, spec workload.Spec) (cluster.LSN, error) {
	runner, err := c.openRunner(ctx, compute.ConnStr)
	if err != nil {
		return 0, err
	}
	defer func() { _ = runner.Close() }()

	err = c.Metrics.TimeStep("workload_init", func() error {
		return runner.Initialize(ctx, spec)
	})
	if err != nil {
		return 0, err
	}
	err = c.Metrics.TimeStep("workload_run", func() error {
		return runner.Run(ctx, spec, spec.RunDuration())
	})
	if err != nil {
		return 0, err
	}

	raw, err := runner.FlushLSN(ctx)
	if err != nil {
		return 0, err
	}
	lsn, err := cluster.ParseLSN(raw)
	if err != nil {
		return 0, err
	}
	c.log().Eventf("workload complete, flush lsn %s", lsn)
	return lsn, nil
}

// awaitDurable waits for ingest to reach the watermark, forces a
// checkpoint, then waits for the remote mirror to catch up. Ordering
// matters: durability must be confirmed before the tree is frozen.
func (c *Capturer) awaitDurable(ctx context.Context, tenantID, timelineID string, watermark cluster.LSN) error {
	timeout := c.durabilityTimeout()
	err := c.Metrics.TimeStep("await_ingest", func() error {
		return cluster.WaitLSN(ctx, watermark, timeout, func(ctx context.Context) (cluster.LSN, error) {
			return c.ControlPlane.LastRecordLSN(ctx, tenantID, timelineID)
		})
	})
	if err != nil {
		return fmt.Errorf("wait for ingest: %w", err)
	}
	if err := c.ControlPlane.Checkpoint(ctx, tenantID, timelineID); err != nil {
		return fmt.Errorf("force checkpoint: %w", err)
	}
	err = c.Metrics.TimeStep("await_upload", func() error {
		return cluster.WaitLSN(ctx, watermark, timeout, func(ctx context.Context) (cluster.LSN, error) {
			return c.ControlPlane.RemoteConsistentLSN(ctx, tenantID, timelineID)
		})
	})
	if err != nil {
		return fmt.Errorf("wait for upload: %w", err)
	}
	return nil
}
