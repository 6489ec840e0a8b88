package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestTimeStepRecordsDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	err := r.TimeStep("dump_live", func() error {
		time.Sleep(time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("time step: %v", err)
	}

	fam, ok := gather(t, reg)["compatcheck_step_duration_seconds"]
	if !ok {
		t.Fatal("step duration family missing")
	}
	if len(fam.Metric) != 1 {
		t.Fatalf("metric count: %d", len(fam.Metric))
	}
	if fam.Metric[0].Histogram.GetSampleCount() != 1 {
		t.Fatalf("sample count: %d", fam.Metric[0].Histogram.GetSampleCount())
	}
}

func TestTimeStepPropagatesError(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	wantErr := fmt.Errorf("step failed")
	if err := r.TimeStep("replay", func() error { return wantErr }); err != wantErr {
		t.Fatalf("error not propagated: %v", err)
	}
	// The failed step is still timed.
	fam := gather(t, reg)["compatcheck_step_duration_seconds"]
	if fam == nil || fam.Metric[0].Histogram.GetSampleCount() != 1 {
		t.Fatal("failed step not recorded")
	}
}

func TestRecordVerdict(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RecordVerdict("backward", "pass")
	r.RecordVerdict("backward", "pass")
	r.RecordVerdict("forward", "fail")

	fam, ok := gather(t, reg)["compatcheck_run_verdicts_total"]
	if !ok {
		t.Fatal("verdict family missing")
	}
	if len(fam.Metric) != 2 {
		t.Fatalf("label combinations: %d", len(fam.Metric))
	}
	var total float64
	for _, m := range fam.Metric {
		total += m.Counter.GetValue()
	}
	if total != 3 {
		t.Fatalf("total verdicts: %v", total)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveStep("anything", time.Second)
	r.RecordVerdict("backward", "pass")
	if err := r.TimeStep("step", func() error { return nil }); err != nil {
		t.Fatalf("nil recorder time step: %v", err)
	}
}
