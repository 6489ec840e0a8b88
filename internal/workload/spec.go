// Package workload generates and checks data on a live compute endpoint. It
// covers the three moments the pipeline needs a database in the loop:
// seeding a baseline before capture, probing the recovered state, and
// confirming the write path still works after forced recovery.
package workload

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec is the declarative description of a capture workload.
type Spec struct {
	Init   InitSpec `yaml:"init"`
	Run    RunSpec  `yaml:"run"`
	Checks []Check  `yaml:"checks"`
}

// InitSpec sizes the seeded dataset. Scale 1 seeds 1000 rows.
type InitSpec struct {
	Table string `yaml:"table"`
	Scale int    `yaml:"scale"`
}

// RunSpec bounds the read/write phase.
type RunSpec struct {
	Seconds int `yaml:"seconds"`
}

// Check asserts a property of the dataset after recovery.
type Check struct {
	Table string `yaml:"table"`
	// Rows, when non-zero, is the exact expected row count.
	Rows int64 `yaml:"rows,omitempty"`
	// SumKeyAbove, when non-nil, checks sum(key) over rows with key above
	// the threshold against the value probed before recovery.
	SumKeyAbove *int64 `yaml:"sum_key_above,omitempty"`
}

// RowsPerScale is how many rows one unit of init scale seeds.
const RowsPerScale = 1000

// DefaultSpec is the workload used when no spec file is supplied.
func DefaultSpec() Spec {
	return Spec{
		Init: InitSpec{Table: "accounts", Scale: 10},
		Run:  RunSpec{Seconds: 60},
		Checks: []Check{
			{Table: "accounts", Rows: 10 * RowsPerScale},
		},
	}
}

// RunDuration returns the bounded duration of the read/write phase.
func (s Spec) RunDuration() time.Duration {
	return time.Duration(s.Run.Seconds) * time.Second
}

// Validate rejects specs the runner cannot execute.
func (s Spec) Validate() error {
	if s.Init.Table == "" {
		return fmt.Errorf("workload init.table required")
	}
	if s.Init.Scale <= 0 {
		return fmt.Errorf("workload init.scale must be positive, got %d", s.Init.Scale)
	}
	if s.Run.Seconds < 0 {
		return fmt.Errorf("workload run.seconds must not be negative, got %d", s.Run.Seconds)
	}
	for _, c := range s.Checks {
		if c.Table == "" {
			return fmt.Errorf("workload check without a table")
		}
	}
	return nil
}

// LoadSpec reads a workload spec from a YAML file.
func LoadSpec(path string) (Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read workload spec %s: %w", path, err)
	}
	var s Spec
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Spec{}, fmt.Errorf("parse workload spec %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}
