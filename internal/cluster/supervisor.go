package cluster

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
)

// ExecSupervisor drives the service's own CLI binary for process lifecycle.
// The CLI owns daemonization and pid files; this wrapper only composes
// arguments and surfaces combined output on failure.
type ExecSupervisor struct {
	// BinDir holds the service binaries for the version under test.
	BinDir string
	// DistribDir holds the runtime distribution the computes run from.
	DistribDir string
}

var _ Supervisor = (*ExecSupervisor)(nil)

const cliName = "storagectl"

func (s *ExecSupervisor) run(ctx context.Context, repoDir string, args ...string) error {
	cmd := exec.CommandContext(ctx, filepath.Join(s.BinDir, cliName), args...)
	cmd.Env = append(cmd.Environ(),
		"STORAGE_REPO_DIR="+repoDir,
		"STORAGE_DISTRIB_DIR="+s.DistribDir,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %v: %w\n%s", cliName, args, err, out)
	}
	return nil
}

func (s *ExecSupervisor) InitService(ctx context.Context, repoDir string) error {
	return s.run(ctx, repoDir, "init")
}

func (s *ExecSupervisor) StartService(ctx context.Context, repoDir string) error {
	return s.run(ctx, repoDir, "start")
}

func (s *ExecSupervisor) StopService(ctx context.Context, repoDir string) error {
	return s.run(ctx, repoDir, "stop")
}

func (s *ExecSupervisor) StartCompute(ctx context.Context, repoDir, branch string, port int) (string, error) {
	if err := s.run(ctx, repoDir, "compute", "start", branch, "--port", strconv.Itoa(port)); err != nil {
		return "", err
	}
	connstr := fmt.Sprintf("host=127.0.0.1 port=%d user=cloud_admin dbname=postgres", port)
	return connstr, nil
}

func (s *ExecSupervisor) StopCompute(ctx context.Context, repoDir, branch string) error {
	return s.run(ctx, repoDir, "compute", "stop", branch)
}
