// Package eventlog provides the narrow progress-reporting interface threaded
// through the verification pipeline. Durable audit lives in the run ledger;
// this is for humans watching a run.
package eventlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger records freeform pipeline events.
type Logger interface {
	Eventf(format string, args ...any)
}

// Stderr writes timestamped events to standard error.
type Stderr struct{}

func (Stderr) Eventf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// Nop discards all events.
type Nop struct{}

func (Nop) Eventf(string, ...any) {}

// Recorder captures events in memory for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) Eventf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}
