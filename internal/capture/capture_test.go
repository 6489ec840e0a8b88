package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"compatcheck/internal/cluster"
	"compatcheck/internal/eventlog"
	"compatcheck/internal/snapconf"
	"compatcheck/internal/snapshot"
	"compatcheck/internal/workload"
)

const (
	testTenant   = "de200bd42b49cc1814412c7e592dd6e9"
	testTimeline = "4fd3a4e5cfe25a4ed410b4a8a9f0a0d4"
)

type seqAllocator struct {
	next int
}

func (a *seqAllocator) AllocatePort() (int, error) {
	a.next++
	return 45000 + a.next - 1, nil
}

// captureSupervisor models service init by writing the root configuration
// the way a real init does, and records the lifecycle call order.
type captureSupervisor struct {
	calls []string
}

func (s *captureSupervisor) InitService(ctx context.Context, repoDir string) error {
	s.calls = append(s.calls, "init")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return err
	}
	cfg := snapconf.RootConfig{
		DefaultTenantID: testTenant,
		Broker:          snapconf.Broker{Endpoints: []string{"http://127.0.0.1:50051"}},
		StorageNode: snapconf.StorageNode{
			ListenHTTPAddr: "127.0.0.1:9898",
			ListenPGAddr:   "127.0.0.1:64000",
		},
		BranchNameMappings: map[string][][]string{
			"main": {{testTenant, testTimeline}},
		},
	}
	return snapconf.SaveRoot(filepath.Join(repoDir, snapshot.RootConfigName), cfg)
}

func (s *captureSupervisor) StartService(ctx context.Context, repoDir string) error {
	s.calls = append(s.calls, "start")
	return nil
}

func (s *captureSupervisor) StopService(ctx context.Context, repoDir string) error {
	s.calls = append(s.calls, "stop")
	return nil
}

func (s *captureSupervisor) StartCompute(ctx context.Context, repoDir, branch string, port int) (string, error) {
	s.calls = append(s.calls, "start-compute")
	return fmt.Sprintf("host=127.0.0.1 port=%d", port), nil
}

func (s *captureSupervisor) StopCompute(ctx context.Context, repoDir, branch string) error {
	s.calls = append(s.calls, "stop-compute")
	return nil
}

type fakeControlPlane struct {
	lastRecord      cluster.LSN
	remoteConsist   cluster.LSN
	checkpoints     int
	remoteAfterCkpt bool
}

func (f *fakeControlPlane) TimelineCreate(ctx context.Context, tenantID, timelineID string) error {
	return nil
}

func (f *fakeControlPlane) TimelineDelete(ctx context.Context, tenantID, timelineID string) error {
	return nil
}

func (f *fakeControlPlane) Checkpoint(ctx context.Context, tenantID, timelineID string) error {
	f.checkpoints++
	if f.remoteAfterCkpt {
		f.remoteConsist = f.lastRecord
	}
	return nil
}

func (f *fakeControlPlane) LastRecordLSN(ctx context.Context, tenantID, timelineID string) (cluster.LSN, error) {
	return f.lastRecord, nil
}

func (f *fakeControlPlane) RemoteConsistentLSN(ctx context.Context, tenantID, timelineID string) (cluster.LSN, error) {
	return f.remoteConsist, nil
}

type fakeRunner struct {
	initialized bool
	ran         bool
	flushLSN    string
}

func (r *fakeRunner) Initialize(ctx context.Context, spec workload.Spec) error {
	r.initialized = true
	return nil
}

func (r *fakeRunner) Run(ctx context.Context, spec workload.Spec, d time.Duration) error {
	r.ran = true
	return nil
}

func (r *fakeRunner) FlushLSN(ctx context.Context) (string, error) {
	return r.flushLSN, nil
}

func (r *fakeRunner) Close() error { return nil }

func newCapturer(t *testing.T, sup *captureSupervisor, cp *fakeControlPlane, runner *fakeRunner) *Capturer {
	t.Helper()
	workDir := t.TempDir()
	return &Capturer{
		Driver:            cluster.NewDriver(filepath.Join(workDir, snapshot.RepoDirName), sup, eventlog.Nop{}),
		ControlPlane:      cp,
		Dumper:            &workload.FileDumper{Fallback: "CREATE TABLE accounts (key bigint);\n"},
		Ports:             &seqAllocator{},
		Log:               eventlog.Nop{},
		WorkDir:           workDir,
		ServiceVersion:    "v4.2.1",
		DurabilityTimeout: time.Second,
		OpenRunner: func(ctx context.Context, connstr string) (Runner, error) {
			return runner, nil
		},
	}
}

func TestCaptureFreezesDurableSnapshot(t *testing.T) {
	watermark, err := cluster.ParseLSN("0/16B5A50")
	if err != nil {
		t.Fatalf("parse watermark: %v", err)
	}
	sup := &captureSupervisor{}
	cp := &fakeControlPlane{lastRecord: watermark, remoteAfterCkpt: true}
	runner := &fakeRunner{flushLSN: "0/16B5A50"}
	c := newCapturer(t, sup, cp, runner)
	dest := filepath.Join(t.TempDir(), "compatibility_snapshot")

	spec := workload.Spec{Init: workload.InitSpec{Table: "accounts", Scale: 1}}
	snap, err := c.Capture(context.Background(), spec, dest)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	if !runner.initialized || !runner.ran {
		t.Fatal("workload phases skipped")
	}
	if cp.checkpoints != 1 {
		t.Fatalf("checkpoints: %d", cp.checkpoints)
	}

	want := []string{"init", "start", "start-compute", "stop-compute", "stop"}
	if len(sup.calls) != len(want) {
		t.Fatalf("lifecycle calls %v, want %v", sup.calls, want)
	}
	for i := range want {
		if sup.calls[i] != want[i] {
			t.Fatalf("lifecycle call %d: got %q want %q", i, sup.calls[i], want[i])
		}
	}

	meta, err := snap.CaptureMeta()
	if err != nil {
		t.Fatalf("capture meta: %v", err)
	}
	if meta.TenantID != testTenant || meta.TimelineID != testTimeline {
		t.Fatalf("meta identity: %+v", meta)
	}
	if meta.Watermark != watermark.String() {
		t.Fatalf("meta watermark: got %q want %q", meta.Watermark, watermark)
	}
	if meta.ServiceVersion != "v4.2.1" {
		t.Fatalf("meta version: %q", meta.ServiceVersion)
	}

	b, err := os.ReadFile(snap.DumpPath())
	if err != nil {
		t.Fatalf("frozen dump: %v", err)
	}
	if !strings.Contains(string(b), "CREATE TABLE accounts") {
		t.Fatalf("frozen dump content: %q", b)
	}

	// The frozen tree must itself be openable as a snapshot input.
	if _, err := snapshot.Open(dest); err != nil {
		t.Fatalf("frozen snapshot does not validate: %v", err)
	}
}

func TestCaptureRefusesExistingDestination(t *testing.T) {
	sup := &captureSupervisor{}
	cp := &fakeControlPlane{}
	c := newCapturer(t, sup, cp, &fakeRunner{flushLSN: "0/1"})
	dest := t.TempDir()

	spec := workload.Spec{Init: workload.InitSpec{Table: "accounts", Scale: 1}}
	if _, err := c.Capture(context.Background(), spec, dest); err == nil {
		t.Fatal("existing destination accepted")
	}
	if len(sup.calls) != 0 {
		t.Fatalf("service touched despite refused capture: %v", sup.calls)
	}
}

func TestCaptureRejectsInvalidSpec(t *testing.T) {
	c := newCapturer(t, &captureSupervisor{}, &fakeControlPlane{}, &fakeRunner{flushLSN: "0/1"})
	if _, err := c.Capture(context.Background(), workload.Spec{}, filepath.Join(t.TempDir(), "dest")); err == nil {
		t.Fatal("invalid spec accepted")
	}
}

func TestCaptureFailsWhenMirrorNeverCatchesUp(t *testing.T) {
	watermark, err := cluster.ParseLSN("0/16B5A50")
	if err != nil {
		t.Fatalf("parse watermark: %v", err)
	}
	// Ingest reaches the watermark but the mirror stays behind.
	cp := &fakeControlPlane{lastRecord: watermark, remoteConsist: 0}
	c := newCapturer(t, &captureSupervisor{}, cp, &fakeRunner{flushLSN: "0/16B5A50"})
	c.DurabilityTimeout = 50 * time.Millisecond
	dest := filepath.Join(t.TempDir(), "dest")

	spec := workload.Spec{Init: workload.InitSpec{Table: "accounts", Scale: 1}}
	_, err = c.Capture(context.Background(), spec, dest)
	if err == nil {
		t.Fatal("expected durability wait failure")
	}
	if !strings.Contains(err.Error(), "wait for upload") {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, serr := os.Stat(dest); !os.IsNotExist(serr) {
		t.Fatal("snapshot frozen despite failed durability wait")
	}
}

func TestCaptureRejectsMalformedFlushLSN(t *testing.T) {
	c := newCapturer(t, &captureSupervisor{}, &fakeControlPlane{}, &fakeRunner{flushLSN: "not-an-lsn"})
	spec := workload.Spec{Init: workload.InitSpec{Table: "accounts", Scale: 1}}
	if _, err := c.Capture(context.Background(), spec, filepath.Join(t.TempDir(), "dest")); err == nil {
		t.Fatal("malformed flush lsn accepted")
	}
}
