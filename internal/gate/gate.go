// Package gate renders the final verdict of a verification run, applying
// the escape-hatch policy for intentionally accepted compatibility breaks.
// The policy is a four-cell decision table over (waiver, outcome); the one
// hard rule is that a waiver which turns out unnecessary fails the run, so
// stale ALLOW_*_BREAKAGE settings cannot silently widen over time.
package gate

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Direction names which compatibility direction a run verifies.
type Direction string

const (
	// Backward verifies that the current version can operate on a snapshot
	// captured by a previous version.
	Backward Direction = "backward"
	// Forward verifies that a previous version can operate on a snapshot
	// captured by the current version.
	Forward Direction = "forward"
)

// Environment variables enabling the per-direction escape hatches.
const (
	EnvAllowBackwardBreakage = "ALLOW_BACKWARD_COMPATIBILITY_BREAKAGE"
	EnvAllowForwardBreakage  = "ALLOW_FORWARD_COMPATIBILITY_BREAKAGE"
)

// Waiver is the per-direction escape hatch read from the environment.
type Waiver struct {
	Direction Direction
	Allowed   bool
}

// WaiverFromEnv reads the escape hatch for a direction. Only the exact
// case-insensitive string "true" activates it.
func WaiverFromEnv(dir Direction) Waiver {
	v := os.Getenv(envFor(dir))
	return Waiver{Direction: dir, Allowed: strings.EqualFold(v, "true")}
}

func envFor(dir Direction) string {
	if dir == Forward {
		return EnvAllowForwardBreakage
	}
	return EnvAllowBackwardBreakage
}

// Verdict is the outcome of a gated run.
type Verdict string

const (
	// VerdictPass means validation succeeded with no waiver set.
	VerdictPass Verdict = "pass"
	// VerdictFail means validation failed with no applicable waiver.
	VerdictFail Verdict = "fail"
	// VerdictExpectedFailure means a breakage occurred and the waiver
	// accepted it.
	VerdictExpectedFailure Verdict = "expected-failure"
	// VerdictWaiverUnused means the waiver was set but no breakage
	// occurred; this always fails the run.
	VerdictWaiverUnused Verdict = "waiver-unused"
)

// ErrWaiverUnused reports a set-but-unused breakage waiver.
var ErrWaiverUnused = errors.New("breakage waiver set but no breakage occurred")

// errBreakage marks errors the waiver policy may accept. Lifecycle and
// precondition failures are never marked and therefore never waived.
var errBreakage = errors.New("compatibility breakage")

// MarkBreakage wraps err as a waivable compatibility breakage.
func MarkBreakage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errBreakage, err)
}

// IsBreakage reports whether err was marked by MarkBreakage.
func IsBreakage(err error) bool {
	return errors.Is(err, errBreakage)
}

// Run executes validate and renders the decision table:
//
//	waiver unset, validate passes -> VerdictPass
//	waiver unset, validate fails  -> VerdictFail, error propagated
//	waiver set, breakage occurs   -> VerdictExpectedFailure, error consumed
//	waiver set, validate passes   -> VerdictWaiverUnused, ErrWaiverUnused
//
// Errors not marked as breakage bypass the waiver entirely.
func Run(waiver Waiver, validate func() error) (Verdict, error) {
	err := validate()
	if err != nil {
		if !IsBreakage(err) {
			return VerdictFail, err
		}
		if waiver.Allowed {
			return VerdictExpectedFailure, nil
		}
		return VerdictFail, err
	}
	if waiver.Allowed {
		return VerdictWaiverUnused, fmt.Errorf("%s is set, but the run passed without any breakage: %w",
			envFor(waiver.Direction), ErrWaiverUnused)
	}
	return VerdictPass, nil
}
