// Package recovery exercises the forced-recovery protocol against a
// prepared working copy: dump the live state, destroy every cached artifact
// the service could reuse, force reconstruction from the durable log alone,
// dump again and compare. The first comparison (against the snapshot's
// baseline dump) catches cross-version logical incompatibility; the second
// (live dump against post-recovery dump) isolates replay correctness.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"compatcheck/internal/cluster"
	"compatcheck/internal/dumpdiff"
	"compatcheck/internal/eventlog"
	"compatcheck/internal/gate"
	"compatcheck/internal/metrics"
	"compatcheck/internal/portmap"
	"compatcheck/internal/remotestore"
	"compatcheck/internal/snapconf"
	"compatcheck/internal/snapshot"
	"compatcheck/internal/workload"
)

// MainBranch is the branch every snapshot captures.
const MainBranch = "main"

// Validator runs the forced-recovery protocol. All collaborators are
// injected; tests substitute fakes for every external surface.
type Validator struct {
	Driver       *cluster.Driver
	ControlPlane cluster.ControlPlane
	Mirror       remotestore.Mirror
	Dumper       workload.Dumper
	Ports        portmap.Allocator
	Log          eventlog.Logger
	Metrics      *metrics.Recorder

	// OutputDir receives the dump and diff artifacts of the run.
	OutputDir string
	// ServiceBinDir and DistribDir are injected into the working copy's
	// root configuration before start.
	ServiceBinDir string
	DistribDir    string
	// Watermark is the capture-time log position; replay is considered
	// complete once the recreated timeline has ingested up to it. Zero
	// means any successful ingest probe completes the wait.
	Watermark cluster.LSN
	// ReplayTimeout bounds the wait for log replay on timeline recreation.
	ReplayTimeout time.Duration
	// PostRecoveryWorkload bounds the read/write check after recovery.
	PostRecoveryWorkload time.Duration

	// OpenRunner is a seam for tests that have no real compute endpoint.
	OpenRunner func(ctx context.Context, connstr string) (RunnerProbe, error)
}

// RunnerProbe is the slice of the workload runner the validator uses around
// recovery.
type RunnerProbe interface {
	Run(ctx context.Context, spec workload.Spec, d time.Duration) error
	RowCount(ctx context.Context, table string) (int64, error)
	SumKeyAbove(ctx context.Context, table string, threshold int64) (int64, error)
	Close() error
}

// Result carries both diff verdicts and their artifacts. It is populated
// even when Validate returns an error, so artifacts are never lost.
type Result struct {
	InitialDiffers   bool
	RecoveryDiffers  bool
	InitialDiffPath  string
	RecoveryDiffPath string
}

// ErrDumpDiffers reports a logical-compatibility failure.
var ErrDumpDiffers = errors.New("logical dump differs")

func (v *Validator) log() eventlog.Logger {
	if v.Log == nil {
		return eventlog.Nop{}
	}
	return v.Log
}

func (v *Validator) replayTimeout() time.Duration {
	if v.ReplayTimeout == 0 {
		return 2 * time.Minute
	}
	return v.ReplayTimeout
}

func (v *Validator) openRunner(ctx context.Context, connstr string) (RunnerProbe, error) {
	if v.OpenRunner != nil {
		return v.OpenRunner(ctx, connstr)
	}
	return workload.Open(ctx, connstr)
}

// Validate runs the full protocol against a prepared working copy. Errors
// from cross-version incompatibility, replay failure or a broken
// post-recovery write path are marked as waivable breakage; everything else
// propagates as a fatal lifecycle failure.
func (v *Validator) Validate(ctx context.Context, wc *snapshot.WorkingCopy, spec workload.Spec) (Result, error) {
	var res Result

	if err := v.injectDistribPaths(wc); err != nil {
		return res, err
	}

	if err := v.Driver.Start(ctx); err != nil {
		return res, err
	}

	port, err := v.Ports.AllocatePort()
	if err != nil {
		return res, err
	}
	compute, err := v.Driver.StartCompute(ctx, MainBranch, port)
	if err != nil {
		return res, err
	}

	liveDump := filepath.Join(v.OutputDir, "dump.sql")
	err = v.Metrics.TimeStep("dump_live", func() error {
		return v.Dumper.Dump(ctx, compute.ConnStr, liveDump)
	})
	if err != nil {
		return res, fmt.Errorf("export live dump: %w", err)
	}

	res.InitialDiffPath = filepath.Join(v.OutputDir, "dump.filediff")
	res.InitialDiffers, err = dumpdiff.Differs(wc.BaselineDumpPath(), liveDump, res.InitialDiffPath)
	if err != nil {
		return res, err
	}
	v.log().Eventf("initial dump comparison: differs=%v", res.InitialDiffers)

	preRecovery, err := v.probeChecks(ctx, compute, spec)
	if err != nil {
		return res, fmt.Errorf("pre-recovery probe: %w", err)
	}

	recoveredDump, err := v.forceRecovery(ctx, wc, compute)
	if err != nil {
		return res, gate.MarkBreakage(err)
	}

	res.RecoveryDiffPath = filepath.Join(v.OutputDir, "dump-from-wal.filediff")
	res.RecoveryDiffers, err = dumpdiff.Differs(liveDump, recoveredDump, res.RecoveryDiffPath)
	if err != nil {
		return res, err
	}
	v.log().Eventf("post-recovery dump comparison: differs=%v", res.RecoveryDiffers)

	// A recovered-but-read-only endpoint is a defect even when dumps match.
	if err := v.checkRecovered(ctx, compute, spec, preRecovery); err != nil {
		return res, gate.MarkBreakage(fmt.Errorf("post-recovery check: %w", err))
	}

	// Diff verdicts are asserted last so the interaction checks above run
	// even when the data already changed; the artifacts name the evidence.
	var failures []error
	if res.RecoveryDiffers {
		failures = append(failures, fmt.Errorf("%w after log-only recovery (see %s)", ErrDumpDiffers, res.RecoveryDiffPath))
	}
	if res.InitialDiffers {
		failures = append(failures, fmt.Errorf("%w against snapshot baseline (see %s)", ErrDumpDiffers, res.InitialDiffPath))
	}
	if len(failures) > 0 {
		return res, gate.MarkBreakage(errors.Join(failures...))
	}
	return res, nil
}

// injectDistribPaths points the working copy's root configuration at the
// binaries and distribution of the version under test.
func (v *Validator) injectDistribPaths(wc *snapshot.WorkingCopy) error {
	cfg, err := wc.RootConfig()
	if err != nil {
		return err
	}
	cfg.ServiceDistribDir = v.ServiceBinDir
	cfg.PostgresDistribDir = v.DistribDir
	return snapconf.SaveRoot(wc.RootConfigPath(), cfg)
}

// checkValues holds the aggregates probed before recovery, keyed by table.
type checkValues struct {
	sums map[string]int64
}

// probeChecks records the aggregates the spec wants preserved, while the
// pre-recovery state is still live.
func (v *Validator) probeChecks(ctx context.Context, compute cluster.ComputeInfo, spec workload.Spec) (checkValues, error) {
	pre := checkValues{sums: make(map[string]int64)}
	needsProbe := false
	for _, c := range spec.Checks {
		if c.SumKeyAbove != nil {
			needsProbe = true
		}
	}
	if !needsProbe {
		return pre, nil
	}
	runner, err := v.openRunner(ctx, compute.ConnStr)
	if err != nil {
		return pre, err
	}
	defer func() { _ = runner.Close() }()
	for _, c := range spec.Checks {
		if c.SumKeyAbove == nil {
			continue
		}
		sum, err := runner.SumKeyAbove(ctx, c.Table, *c.SumKeyAbove)
		if err != nil {
			return pre, err
		}
		pre.sums[c.Table] = sum
	}
	return pre, nil
}

// forceRecovery removes every persistent artifact the service could reuse
// and recreates the timeline, leaving the durable log as the only source.
// The mirror wipe is verified complete before recreation is requested;
// otherwise recovery could spuriously succeed by reading the mirror.
func (v *Validator) forceRecovery(ctx context.Context, wc *snapshot.WorkingCopy, compute cluster.ComputeInfo) (string, error) {
	cfg, err := wc.RootConfig()
	if err != nil {
		return "", err
	}
	tenantID, timelineID, err := cfg.TimelineFor(MainBranch)
	if err != nil {
		return "", err
	}

	err = v.Metrics.TimeStep("wipe_mirror", func() error {
		n, err := v.Mirror.WipePrefix(ctx, "")
		if err != nil {
			return fmt.Errorf("wipe remote-storage mirror: %w", err)
		}
		v.log().Eventf("wiped %d mirror objects", n)
		remaining, err := v.Mirror.List(ctx, "")
		if err != nil {
			return fmt.Errorf("verify mirror wipe: %w", err)
		}
		if len(remaining) > 0 {
			return fmt.Errorf("mirror wipe incomplete: %d objects remain", len(remaining))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := v.ControlPlane.TimelineDelete(ctx, tenantID, timelineID); err != nil {
		return "", fmt.Errorf("delete timeline: %w", err)
	}
	err = v.Metrics.TimeStep("replay", func() error {
		if err := v.ControlPlane.TimelineCreate(ctx, tenantID, timelineID); err != nil {
			return fmt.Errorf("recreate timeline: %w", err)
		}
		return cluster.WaitLSN(ctx, v.Watermark, v.replayTimeout(), func(ctx context.Context) (cluster.LSN, error) {
			return v.ControlPlane.LastRecordLSN(ctx, tenantID, timelineID)
		})
	})
	if err != nil {
		return "", err
	}

	recoveredDump := filepath.Join(v.OutputDir, "dump-from-wal.sql")
	err = v.Metrics.TimeStep("dump_recovered", func() error {
		return v.Dumper.Dump(ctx, compute.ConnStr, recoveredDump)
	})
	if err != nil {
		return "", fmt.Errorf("export post-recovery dump: %w", err)
	}
	return recoveredDump, nil
}

// checkRecovered verifies the spec's data checks against the recovered
// endpoint and runs a short read/write workload to confirm the write path.
func (v *Validator) checkRecovered(ctx context.Context, compute cluster.ComputeInfo, spec workload.Spec, pre checkValues) error {
	runner, err := v.openRunner(ctx, compute.ConnStr)
	if err != nil {
		return err
	}
	defer func() { _ = runner.Close() }()

	for _, check := range spec.Checks {
		if check.Rows > 0 {
			n, err := runner.RowCount(ctx, check.Table)
			if err != nil {
				return err
			}
			if n != check.Rows {
				return fmt.Errorf("table %s has %d rows after recovery, want %d", check.Table, n, check.Rows)
			}
		}
		if check.SumKeyAbove != nil {
			threshold := *check.SumKeyAbove
			sum, err := runner.SumKeyAbove(ctx, check.Table, threshold)
			if err != nil {
				return err
			}
			if want, ok := pre.sums[check.Table]; ok && sum != want {
				return fmt.Errorf("table %s sum(key>%d) is %d after recovery, want %d", check.Table, threshold, sum, want)
			}
		}
	}
	return v.Metrics.TimeStep("post_recovery_workload", func() error {
		return runner.Run(ctx, spec, v.PostRecoveryWorkload)
	})
}
