package dumpdiff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func writeDump(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDiffersEqualDumps(t *testing.T) {
	dir := t.TempDir()
	a := writeDump(t, dir, "a.sql", "CREATE TABLE t (k int);\nINSERT INTO t VALUES (1);\n")
	b := writeDump(t, dir, "b.sql", "CREATE TABLE t (k int);\nINSERT INTO t VALUES (1);\n")
	out := filepath.Join(dir, "out.filediff")

	differs, err := Differs(a, b, out)
	if err != nil {
		t.Fatalf("differs: %v", err)
	}
	if differs {
		t.Fatal("identical dumps reported as differing")
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty artifact for equal dumps, got %q", data)
	}
}

func TestDiffersIgnoresCommentsAndBlanks(t *testing.T) {
	dir := t.TempDir()
	a := writeDump(t, dir, "a.sql", "-- dumped 2024-01-01\n\nCREATE TABLE t (k int);\n")
	b := writeDump(t, dir, "b.sql", "-- dumped 2024-06-30\nCREATE TABLE t (k int);\n\n\n")
	out := filepath.Join(dir, "out.filediff")

	differs, err := Differs(a, b, out)
	if err != nil {
		t.Fatalf("differs: %v", err)
	}
	if differs {
		t.Fatal("comment-only changes reported as differing")
	}
}

func TestDiffersContentChange(t *testing.T) {
	dir := t.TempDir()
	a := writeDump(t, dir, "a.sql", "CREATE TABLE t (k int);\nINSERT INTO t VALUES (1);\n")
	b := writeDump(t, dir, "b.sql", "CREATE TABLE t (k int);\nINSERT INTO t VALUES (2);\n")
	out := filepath.Join(dir, "out.filediff")

	differs, err := Differs(a, b, out)
	if err != nil {
		t.Fatalf("differs: %v", err)
	}
	if !differs {
		t.Fatal("content change not detected")
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "-INSERT INTO t VALUES (1);") || !strings.Contains(text, "+INSERT INTO t VALUES (2);") {
		t.Fatalf("diff artifact lacks change lines:\n%s", text)
	}
	if !strings.Contains(text, "@@") {
		t.Fatalf("diff artifact lacks hunk header:\n%s", text)
	}
}

func TestDiffersMissingInput(t *testing.T) {
	dir := t.TempDir()
	a := writeDump(t, dir, "a.sql", "x\n")
	if _, err := Differs(a, filepath.Join(dir, "absent.sql"), filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected error for missing dump")
	}
}

func TestUnifiedEmptyForEqualSequences(t *testing.T) {
	if d := Unified("a", "b", []string{"x", "y"}, []string{"x", "y"}); d != "" {
		t.Fatalf("expected empty diff, got %q", d)
	}
	if d := Unified("a", "b", nil, nil); d != "" {
		t.Fatalf("expected empty diff for empty inputs, got %q", d)
	}
}

func TestUnifiedDetectsInsertAndDelete(t *testing.T) {
	a := []string{"one", "two", "three"}
	b := []string{"one", "three", "four"}
	d := Unified("a", "b", a, b)
	if !strings.Contains(d, "-two") || !strings.Contains(d, "+four") {
		t.Fatalf("unexpected diff:\n%s", d)
	}
}

func TestUnifiedZeroLengthRanges(t *testing.T) {
	// Appending to an empty side reports the empty range at the line before
	// the gap, matching diff --unified.
	d := Unified("a", "b", nil, []string{"one", "two"})
	if !strings.Contains(d, "@@ -0,0 +1,2 @@") {
		t.Fatalf("insert-only hunk header wrong:\n%s", d)
	}
	d = Unified("a", "b", []string{"one"}, nil)
	if !strings.Contains(d, "@@ -1,1 +0,0 @@") {
		t.Fatalf("delete-only hunk header wrong:\n%s", d)
	}
}

func genDumpLines() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf(
		"CREATE TABLE accounts (k bigint, v bigint);",
		"INSERT INTO accounts VALUES (1, 10);",
		"INSERT INTO accounts VALUES (2, 20);",
		"-- comment line",
		"",
		"ALTER TABLE accounts OWNER TO cloud_admin;",
	))
}

func TestDifferProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	properties := gopter.NewProperties(params)

	properties.Property("a dump never differs from itself", prop.ForAll(
		func(lines []string) bool {
			dir, err := os.MkdirTemp("", "dumpdiff")
			if err != nil {
				return false
			}
			defer func() { _ = os.RemoveAll(dir) }()
			content := strings.Join(lines, "\n")
			a := filepath.Join(dir, "a.sql")
			b := filepath.Join(dir, "b.sql")
			if os.WriteFile(a, []byte(content), 0o644) != nil {
				return false
			}
			if os.WriteFile(b, []byte(content), 0o644) != nil {
				return false
			}
			differs, err := Differs(a, b, filepath.Join(dir, "out"))
			return err == nil && !differs
		},
		genDumpLines(),
	))

	properties.Property("injected comments and blanks never flip the verdict", prop.ForAll(
		func(lines []string) bool {
			dir, err := os.MkdirTemp("", "dumpdiff")
			if err != nil {
				return false
			}
			defer func() { _ = os.RemoveAll(dir) }()
			var noisy []string
			for _, l := range lines {
				noisy = append(noisy, "-- injected", "", l)
			}
			a := filepath.Join(dir, "a.sql")
			b := filepath.Join(dir, "b.sql")
			if os.WriteFile(a, []byte(strings.Join(lines, "\n")), 0o644) != nil {
				return false
			}
			if os.WriteFile(b, []byte(strings.Join(noisy, "\n")), 0o644) != nil {
				return false
			}
			differs, err := Differs(a, b, filepath.Join(dir, "out"))
			return err == nil && !differs
		},
		genDumpLines(),
	))

	properties.TestingRun(t)
}
