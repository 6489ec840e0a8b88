package remotestore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func mirrors(t *testing.T) map[string]Mirror {
	t.Helper()
	fsm, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem mirror: %v", err)
	}
	return map[string]Mirror{
		"filesystem": fsm,
		"memory":     NewMemory(),
	}
}

func put(t *testing.T, m Mirror, key, content string) {
	t.Helper()
	if err := m.Put(context.Background(), key, strings.NewReader(content)); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func TestMirrorPutGet(t *testing.T) {
	for name, m := range mirrors(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			put(t, m, "tenant/timeline/segment-0", "alpha")
			put(t, m, "tenant/timeline/segment-0", "beta")

			rc, err := m.Get(ctx, "tenant/timeline/segment-0")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			b, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(b) != "beta" {
				t.Fatalf("put did not replace: got %q", b)
			}

			if _, err := m.Get(ctx, "tenant/timeline/absent"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMirrorListSortedWithPrefix(t *testing.T) {
	for name, m := range mirrors(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			put(t, m, "t1/tl1/b", "x")
			put(t, m, "t1/tl1/a", "x")
			put(t, m, "t2/tl9/c", "x")

			keys, err := m.List(ctx, "t1/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(keys) != 2 || keys[0] != "t1/tl1/a" || keys[1] != "t1/tl1/b" {
				t.Fatalf("unexpected keys %v", keys)
			}

			all, err := m.List(ctx, "")
			if err != nil {
				t.Fatalf("list all: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("unexpected full listing %v", all)
			}
		})
	}
}

func TestMirrorDelete(t *testing.T) {
	for name, m := range mirrors(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			put(t, m, "k", "x")
			existed, err := m.Delete(ctx, "k")
			if err != nil || !existed {
				t.Fatalf("delete existing: existed=%v err=%v", existed, err)
			}
			existed, err = m.Delete(ctx, "k")
			if err != nil || existed {
				t.Fatalf("delete absent: existed=%v err=%v", existed, err)
			}
		})
	}
}

func TestMirrorWipePrefix(t *testing.T) {
	for name, m := range mirrors(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			put(t, m, "t1/a", "x")
			put(t, m, "t1/b", "x")
			put(t, m, "t2/c", "x")

			n, err := m.WipePrefix(ctx, "t1/")
			if err != nil {
				t.Fatalf("wipe: %v", err)
			}
			if n != 2 {
				t.Fatalf("wiped %d objects, want 2", n)
			}
			keys, err := m.List(ctx, "")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(keys) != 1 || keys[0] != "t2/c" {
				t.Fatalf("unexpected survivors %v", keys)
			}

			n, err = m.WipePrefix(ctx, "")
			if err != nil {
				t.Fatalf("wipe all: %v", err)
			}
			if n != 1 {
				t.Fatalf("wiped %d objects, want 1", n)
			}
			keys, err = m.List(ctx, "")
			if err != nil {
				t.Fatalf("list after full wipe: %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("mirror not empty after full wipe: %v", keys)
			}
		})
	}
}

func TestMirrorRejectsBadKeys(t *testing.T) {
	for name, m := range mirrors(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"", "  ", "/abs", "../escape", "a/../../b"} {
				if err := m.Put(ctx, key, strings.NewReader("x")); err == nil {
					t.Fatalf("key %q accepted", key)
				}
			}
		})
	}
}
