package workload

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Dumper exports a logical dump (schema + data) from a live endpoint to a
// file. It is the collaborator surface the comparator consumes; tests
// substitute fakes that write canned content.
type Dumper interface {
	Dump(ctx context.Context, connstr, outPath string) error
}

// ExecDumper shells out to the distribution's pg_dumpall binary, which is
// what production verification runs use.
type ExecDumper struct {
	// DistribDir is the runtime distribution holding bin/pg_dumpall.
	DistribDir string
}

var _ Dumper = (*ExecDumper)(nil)

func (d *ExecDumper) Dump(ctx context.Context, connstr, outPath string) error {
	bin := filepath.Join(d.DistribDir, "bin", "pg_dumpall")
	cmd := exec.CommandContext(ctx, bin,
		"--dbname="+connstr,
		"--file="+outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pg_dumpall: %w\n%s", err, out)
	}
	return nil
}

// FileDumper copies a fixed file into place. Tests use it to model an
// endpoint whose logical contents are known in advance.
type FileDumper struct {
	// Contents maps a connection string to the dump it should produce.
	// When a connstr is absent, Fallback is used.
	Contents map[string]string
	Fallback string
}

var _ Dumper = (*FileDumper)(nil)

func (d *FileDumper) Dump(ctx context.Context, connstr, outPath string) error {
	content, ok := d.Contents[connstr]
	if !ok {
		content = d.Fallback
	}
	if content == "" {
		return fmt.Errorf("no dump content configured for %q", connstr)
	}
	return os.WriteFile(outPath, []byte(content), 0o644)
}
