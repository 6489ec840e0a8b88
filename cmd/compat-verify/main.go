// Command compat-verify checks that one build of the storage service can
// operate on a snapshot captured by another build: resume from it, rebuild
// identical logical content from the durable log alone, and keep accepting
// writes afterward.
//
// The backward direction runs the current binaries against a snapshot from
// a previous release (COMPATIBILITY_SNAPSHOT_DIR); the forward direction
// runs previous binaries (COMPATIBILITY_SERVICE_BIN,
// COMPATIBILITY_POSTGRES_DISTRIB_DIR) against a freshly captured snapshot.
// Intentional breakage is accepted only when the matching
// ALLOW_*_COMPATIBILITY_BREAKAGE variable is set, and a set-but-unused
// waiver fails the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"compatcheck/internal/cluster"
	"compatcheck/internal/eventlog"
	"compatcheck/internal/gate"
	"compatcheck/internal/ledger"
	"compatcheck/internal/metrics"
	"compatcheck/internal/portmap"
	"compatcheck/internal/recovery"
	"compatcheck/internal/remotestore"
	"compatcheck/internal/snapshot"
	"compatcheck/internal/workload"

	"github.com/prometheus/client_golang/prometheus"
)

var exitFunc = os.Exit

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "compat-verify:", err)
		exitFunc(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("compat-verify", flag.ContinueOnError)
	var (
		direction   = fs.String("direction", string(gate.Backward), "compatibility direction: backward or forward")
		snapshotDir = fs.String("snapshot", os.Getenv("COMPATIBILITY_SNAPSHOT_DIR"), "path to the captured snapshot directory")
		outputDir   = fs.String("output", "compat-output", "directory for working copy and diff artifacts")
		serviceBin  = fs.String("service-bin", "", "directory holding the service binaries to verify")
		distribDir  = fs.String("distrib-dir", "", "runtime distribution directory for computes")
		ledgerPath  = fs.String("ledger", "compatcheck.db", "path to the run-ledger database")
		specPath    = fs.String("workload", "", "optional workload spec (YAML); defaults to the built-in workload")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := gate.Direction(*direction)
	switch dir {
	case gate.Backward, gate.Forward:
	default:
		return fmt.Errorf("unknown direction %q", *direction)
	}
	if dir == gate.Forward {
		if *serviceBin == "" {
			*serviceBin = os.Getenv("COMPATIBILITY_SERVICE_BIN")
		}
		if *distribDir == "" {
			*distribDir = os.Getenv("COMPATIBILITY_POSTGRES_DISTRIB_DIR")
		}
	}
	if *snapshotDir == "" {
		return fmt.Errorf("snapshot directory not set (flag -snapshot or COMPATIBILITY_SNAPSHOT_DIR)")
	}
	if *serviceBin == "" || *distribDir == "" {
		return fmt.Errorf("service binaries and distribution directory required (flags -service-bin/-distrib-dir%s)",
			forwardEnvHint(dir))
	}

	spec := workload.DefaultSpec()
	if *specPath != "" {
		var err error
		if spec, err = workload.LoadSpec(*specPath); err != nil {
			return err
		}
	}

	ctx := context.Background()
	log := eventlog.Stderr{}
	rec := metrics.NewRecorder(prometheus.DefaultRegisterer)

	led, err := ledger.Open(*ledgerPath)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	waiver := gate.WaiverFromEnv(dir)
	runID, err := led.Begin(ctx, string(dir), waiver.Allowed)
	if err != nil {
		return err
	}

	verdict, res, err := verify(ctx, dir, *snapshotDir, *outputDir, *serviceBin, *distribDir, spec, waiver, log, rec)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if ferr := led.Finish(ctx, runID, string(verdict), errMsg, res.InitialDiffPath, res.RecoveryDiffPath); ferr != nil {
		log.Eventf("ledger: %v", ferr)
	}
	rec.RecordVerdict(string(dir), string(verdict))
	log.Eventf("%s compatibility: %s", dir, verdict)
	return err
}

func forwardEnvHint(dir gate.Direction) string {
	if dir == gate.Forward {
		return " or COMPATIBILITY_SERVICE_BIN/COMPATIBILITY_POSTGRES_DISTRIB_DIR"
	}
	return ""
}

func verify(ctx context.Context, dir gate.Direction, snapshotDir, outputDir, serviceBin, distribDir string,
	spec workload.Spec, waiver gate.Waiver, log eventlog.Logger, rec *metrics.Recorder) (gate.Verdict, recovery.Result, error) {

	var res recovery.Result

	snap, err := snapshot.Open(snapshotDir)
	if err != nil {
		return gate.VerdictFail, res, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return gate.VerdictFail, res, err
	}

	alloc := portmap.NewListenAllocator()
	wc, err := snapshot.Prepare(snap, filepath.Join(outputDir, "compatibility_snapshot"), alloc, snapshot.PrepareOptions{
		DistribDirOverride: distribOverride(dir, distribDir),
	})
	if err != nil {
		return gate.VerdictFail, res, err
	}

	rootCfg, err := wc.RootConfig()
	if err != nil {
		return gate.VerdictFail, res, err
	}
	nodeCfg, err := wc.NodeConfig()
	if err != nil {
		return gate.VerdictFail, res, err
	}
	mirror, err := remotestore.Open(ctx, nodeCfg.RemoteStorage)
	if err != nil {
		return gate.VerdictFail, res, err
	}

	var watermark cluster.LSN
	if meta, err := snap.CaptureMeta(); err == nil {
		if w, err := cluster.ParseLSN(meta.Watermark); err == nil {
			watermark = w
		}
	}

	driver := cluster.NewDriver(wc.RepoDir(), &cluster.ExecSupervisor{BinDir: serviceBin, DistribDir: distribDir}, log)
	validator := &recovery.Validator{
		Driver:               driver,
		ControlPlane:         cluster.NewHTTPControlPlane(rootCfg.StorageNode.ListenHTTPAddr, rootCfg.StorageNode.AuthToken),
		Mirror:               mirror,
		Dumper:               &workload.ExecDumper{DistribDir: distribDir},
		Ports:                alloc,
		Log:                  log,
		Metrics:              rec,
		OutputDir:            outputDir,
		ServiceBinDir:        serviceBin,
		DistribDir:           distribDir,
		Watermark:            watermark,
		PostRecoveryWorkload: 10 * time.Second,
	}

	verdict, gateErr := gate.Run(waiver, func() error {
		var verr error
		res, verr = validator.Validate(ctx, wc, spec)
		if cerr := driver.Close(ctx); cerr != nil && verr == nil {
			verr = cerr
		}
		return verr
	})
	return verdict, res, gateErr
}

func distribOverride(dir gate.Direction, distribDir string) string {
	if dir == gate.Forward {
		return distribDir
	}
	return ""
}
