package workload

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSpecValid(t *testing.T) {
	spec := DefaultSpec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("default spec invalid: %v", err)
	}
	if spec.Init.Scale*RowsPerScale != 10000 {
		t.Fatalf("default seed size: %d", spec.Init.Scale*RowsPerScale)
	}
	if spec.RunDuration() != 60*time.Second {
		t.Fatalf("default run duration: %v", spec.RunDuration())
	}
}

func TestLoadSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workload.yaml")
	doc := `init:
  table: ledger
  scale: 2
run:
  seconds: 5
checks:
  - table: ledger
    rows: 2000
  - table: ledger
    sum_key_above: 1500
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	spec, err := LoadSpec(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if spec.Init.Table != "ledger" || spec.Init.Scale != 2 {
		t.Fatalf("init: %+v", spec.Init)
	}
	if len(spec.Checks) != 2 {
		t.Fatalf("checks: %+v", spec.Checks)
	}
	if spec.Checks[0].Rows != 2000 {
		t.Fatalf("row check: %+v", spec.Checks[0])
	}
	if spec.Checks[1].SumKeyAbove == nil || *spec.Checks[1].SumKeyAbove != 1500 {
		t.Fatalf("aggregate check: %+v", spec.Checks[1])
	}
}

func TestLoadSpecRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing table":  "init:\n  scale: 1\n",
		"zero scale":     "init:\n  table: t\n  scale: 0\n",
		"negative run":   "init:\n  table: t\n  scale: 1\nrun:\n  seconds: -1\n",
		"unnamed check":  "init:\n  table: t\n  scale: 1\nchecks:\n  - rows: 10\n",
		"malformed yaml": "init: [\n",
	}
	dir := t.TempDir()
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "spec.yaml")
			if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadSpec(path); err == nil {
				t.Fatalf("spec accepted: %q", doc)
			}
		})
	}
}

func TestLoadSpecMissingFile(t *testing.T) {
	if _, err := LoadSpec(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing spec file")
	}
}
