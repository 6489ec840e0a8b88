package cluster

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestControlPlane(t *testing.T, handler http.Handler) *HTTPControlPlane {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")
	return NewHTTPControlPlane(addr, "test-token")
}

func TestHTTPControlPlaneTimelineDetail(t *testing.T) {
	var gotAuth string
	cp := newTestControlPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method == http.MethodGet && r.URL.Path == "/v1/tenant/t/timeline/tl" {
			fmt.Fprint(w, `{"last_record_lsn":"0/16B5A50","remote_consistent_lsn":"0/1000000"}`)
			return
		}
		http.NotFound(w, r)
	}))

	ctx := context.Background()
	last, err := cp.LastRecordLSN(ctx, "t", "tl")
	if err != nil {
		t.Fatalf("last record lsn: %v", err)
	}
	if last != 0x16B5A50 {
		t.Fatalf("last record lsn: got %s", last)
	}
	remote, err := cp.RemoteConsistentLSN(ctx, "t", "tl")
	if err != nil {
		t.Fatalf("remote consistent lsn: %v", err)
	}
	if remote != 0x1000000 {
		t.Fatalf("remote consistent lsn: got %s", remote)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("authorization header: %q", gotAuth)
	}
}

func TestHTTPControlPlaneTimelineLifecycle(t *testing.T) {
	var methods []string
	cp := newTestControlPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
	}))

	ctx := context.Background()
	if err := cp.TimelineCreate(ctx, "t", "tl"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cp.TimelineDelete(ctx, "t", "tl"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := cp.Checkpoint(ctx, "t", "tl"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	want := []string{
		"POST /v1/tenant/t/timeline/tl",
		"DELETE /v1/tenant/t/timeline/tl",
		"PUT /v1/tenant/t/timeline/tl/checkpoint",
	}
	for i := range want {
		if i >= len(methods) || methods[i] != want[i] {
			t.Fatalf("requests %v, want %v", methods, want)
		}
	}
}

func TestHTTPControlPlaneErrorStatus(t *testing.T) {
	cp := newTestControlPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tenant not found", http.StatusNotFound)
	}))
	if err := cp.Checkpoint(context.Background(), "t", "tl"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestWaitLSNAdvances(t *testing.T) {
	var calls int
	err := WaitLSN(context.Background(), 100, 5*time.Second, func(context.Context) (LSN, error) {
		calls++
		return LSN(calls * 40), nil
	})
	if err != nil {
		t.Fatalf("wait lsn: %v", err)
	}
	if calls < 3 {
		t.Fatalf("fetch called %d times, want at least 3", calls)
	}
}

func TestWaitLSNTimesOut(t *testing.T) {
	err := WaitLSN(context.Background(), 100, 50*time.Millisecond, func(context.Context) (LSN, error) {
		return 1, nil
	})
	if err == nil {
		t.Fatal("expected timeout waiting for lsn")
	}
}

func TestWaitLSNCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitLSN(ctx, 100, time.Minute, func(context.Context) (LSN, error) {
		return 1, nil
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
