// Package dumpdiff compares two logical dump artifacts for semantic
// equality. Comment lines and blank lines are insignificant: two dumps that
// differ only in a generation-timestamp comment compare equal. A unified
// diff artifact is always written, verdict notwithstanding, so a clean run
// stays inspectable.
package dumpdiff

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const commentPrefix = "--"

// Differs compares the dumps at aPath and bPath, writes a unified diff of
// their normalized contents to outPath, and reports whether they differ.
func Differs(aPath, bPath, outPath string) (bool, error) {
	a, err := normalizedLines(aPath)
	if err != nil {
		return false, err
	}
	b, err := normalizedLines(bPath)
	if err != nil {
		return false, err
	}
	diff := Unified(aPath, bPath, a, b)
	if err := os.WriteFile(outPath, []byte(diff), 0o644); err != nil {
		return false, fmt.Errorf("write diff artifact %s: %w", outPath, err)
	}
	return diff != "", nil
}

// normalizedLines reads a dump and drops every line that carries no logical
// content: blank lines and lines starting with the dump comment prefix.
func normalizedLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, commentPrefix) {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dump %s: %w", path, err)
	}
	return lines, nil
}

// Unified renders a unified diff of two line sequences. It returns the empty
// string when the sequences are equal.
func Unified(aName, bName string, a, b []string) string {
	ops := diffOps(a, b)
	changed := false
	for _, op := range ops {
		if op.kind != opEqual {
			changed = true
			break
		}
	}
	if !changed {
		return ""
	}

	const context = 3
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", aName, bName)

	for i := 0; i < len(ops); {
		if ops[i].kind == opEqual {
			i++
			continue
		}
		// Expand a hunk around this change, folding in nearby changes that
		// fall within twice the context window.
		start := i
		end := i
		for j := i + 1; j < len(ops); j++ {
			if ops[j].kind != opEqual {
				end = j
				continue
			}
			if gap := equalRunLength(ops, j); gap > 2*context {
				break
			}
		}
		hunkStart := start
		for hunkStart > 0 && ops[hunkStart-1].kind == opEqual && start-hunkStart < context {
			hunkStart--
		}
		hunkEnd := end
		for hunkEnd < len(ops)-1 && ops[hunkEnd+1].kind == opEqual && hunkEnd-end < context {
			hunkEnd++
		}
		writeHunk(&sb, a, b, ops[hunkStart:hunkEnd+1])
		i = hunkEnd + 1
	}
	return sb.String()
}

type opKind int

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type diffOp struct {
	kind opKind
	ai   int // index into a for equal/delete
	bi   int // index into b for equal/insert
}

func equalRunLength(ops []diffOp, from int) int {
	n := 0
	for i := from; i < len(ops) && ops[i].kind == opEqual; i++ {
		n++
	}
	return n
}

func writeHunk(sb *strings.Builder, a, b []string, ops []diffOp) {
	aStart, bStart := -1, -1
	var aCount, bCount int
	for _, op := range ops {
		switch op.kind {
		case opEqual:
			if aStart < 0 {
				aStart, bStart = op.ai, op.bi
			}
			aCount++
			bCount++
		case opDelete:
			if aStart < 0 {
				aStart, bStart = op.ai, op.bi
			}
			aCount++
		case opInsert:
			if aStart < 0 {
				aStart, bStart = op.ai, op.bi
			}
			bCount++
		}
	}
	fmt.Fprintf(sb, "@@ -%d,%d +%d,%d @@\n",
		hunkStartLine(aStart, aCount), aCount, hunkStartLine(bStart, bCount), bCount)
	for _, op := range ops {
		switch op.kind {
		case opEqual:
			sb.WriteString(" " + a[op.ai] + "\n")
		case opDelete:
			sb.WriteString("-" + a[op.ai] + "\n")
		case opInsert:
			sb.WriteString("+" + b[op.bi] + "\n")
		}
	}
}

// hunkStartLine converts a zero-based index to the 1-based line number a
// unified hunk header reports. An empty range reports the line before the
// gap, which is the index itself.
func hunkStartLine(start, count int) int {
	if count == 0 {
		return start
	}
	return start + 1
}

// diffOps computes an edit script between a and b using a longest common
// subsequence table. Dump artifacts are line-oriented and modest in size, so
// the quadratic table is acceptable here.
func diffOps(a, b []string) []diffOp {
	n, m := len(a), len(b)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}
	var ops []diffOp
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, diffOp{kind: opEqual, ai: i, bi: j})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, diffOp{kind: opDelete, ai: i, bi: j})
			i++
		default:
			ops = append(ops, diffOp{kind: opInsert, ai: i, bi: j})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, diffOp{kind: opDelete, ai: i, bi: j})
	}
	for ; j < m; j++ {
		ops = append(ops, diffOp{kind: opInsert, ai: i, bi: j})
	}
	return ops
}
