// Command compat-capture drives a workload against a fresh cluster, waits
// for durability, and freezes the resulting state plus a baseline logical
// dump as an immutable snapshot for later compatibility verification.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"compatcheck/internal/capture"
	"compatcheck/internal/cluster"
	"compatcheck/internal/eventlog"
	"compatcheck/internal/metrics"
	"compatcheck/internal/portmap"
	"compatcheck/internal/snapshot"
	"compatcheck/internal/workload"

	"github.com/prometheus/client_golang/prometheus"
)

var exitFunc = os.Exit

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "compat-capture:", err)
		exitFunc(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("compat-capture", flag.ContinueOnError)
	var (
		workDir    = fs.String("workdir", "capture-work", "mutable working directory for the capture run")
		dest       = fs.String("dest", "compatibility_snapshot", "destination directory for the frozen snapshot")
		serviceBin = fs.String("service-bin", "", "directory holding the service binaries")
		distribDir = fs.String("distrib-dir", "", "runtime distribution directory for computes")
		version    = fs.String("service-version", "", "service version recorded in the capture metadata")
		specPath   = fs.String("workload", "", "optional workload spec (YAML); defaults to the built-in workload")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serviceBin == "" || *distribDir == "" {
		return fmt.Errorf("flags -service-bin and -distrib-dir are required")
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
	if err := os.MkdirAll(*workDir, 0o755); err != nil {
		return err
	}

	repoDir := *workDir + "/" + snapshot.RepoDirName
	driver := cluster.NewDriver(repoDir, &cluster.ExecSupervisor{BinDir: *serviceBin, DistribDir: *distribDir}, log)
	defer func() { _ = driver.Close(ctx) }()

	// The control plane address is only known after init writes the root
	// config, so the capturer resolves it lazily through this indirection.
	capturer := &capture.Capturer{
		Driver:         driver,
		ControlPlane:   lazyControlPlane{repoDir: repoDir},
		Dumper:         &workload.ExecDumper{DistribDir: *distribDir},
		Ports:          portmap.NewListenAllocator(),
		Log:            log,
		Metrics:        metrics.NewRecorder(prometheus.DefaultRegisterer),
		WorkDir:        *workDir,
		ServiceVersion: *version,
	}

	snap, err := capturer.Capture(ctx, spec, *dest)
	if err != nil {
		return err
	}
	log.Eventf("snapshot frozen at %s", snap.Root())
	return nil
}
