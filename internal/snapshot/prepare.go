package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"compatcheck/internal/portmap"
	"compatcheck/internal/snapconf"
)

// ErrResidualPaths reports configuration or state files still referencing
// the snapshot's capture-time path after sanitization. A missed rewrite
// would make the run silently operate on the wrong directory or leak
// cross-run state, so this is fatal.
var ErrResidualPaths = errors.New("residual capture-time path references")

// PrepareOptions tunes a preparation pass.
type PrepareOptions struct {
	// DistribDirOverride, when set, replaces the runtime distribution path
	// embedded in the snapshot's configuration. Forward-compatibility runs
	// use it to point the snapshot at the alternate distribution.
	DistribDirOverride string
}

// Prepare clones src into dst and rebinds it to the current environment:
// stale run artifacts are purged, every embedded endpoint is moved to a
// freshly allocated port, embedded paths are rewritten, and the whole tree
// is scanned for leftover references to the capture-time path.
func Prepare(src *Snapshot, dst string, alloc portmap.Allocator, opts PrepareOptions) (*WorkingCopy, error) {
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return nil, fmt.Errorf("resolve destination %s: %w", dst, err)
	}
	if err := CopyTree(src.Root(), dstAbs); err != nil {
		return nil, fmt.Errorf("copy snapshot: %w", err)
	}
	wc := &WorkingCopy{root: dstAbs}
	repoDir := wc.RepoDir()

	if err := purgeLogs(repoDir); err != nil {
		return nil, err
	}
	if err := purgeComputeData(repoDir); err != nil {
		return nil, err
	}
	if err := purgeRedoScratch(repoDir); err != nil {
		return nil, err
	}

	remap := portmap.NewRemapper(alloc)
	originPaths, err := rewriteNodeConfig(wc, remap, opts)
	if err != nil {
		return nil, err
	}
	if err := rewriteRootConfig(wc, remap, opts); err != nil {
		return nil, err
	}

	originPaths = append(originPaths, filepath.Join(src.Root(), RepoDirName))
	if err := assertNoResidualPaths(repoDir, originPaths); err != nil {
		return nil, err
	}
	return wc, nil
}

// purgeLogs deletes every log file beneath the state subtree so stale logs
// never leak into fresh test output.
func purgeLogs(repoDir string) error {
	return filepath.WalkDir(repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".log") {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("purge log %s: %w", path, err)
			}
		}
		return nil
	})
}

// purgeComputeData deletes per-tenant compute data directories; they are
// regenerated by compute start, not restored.
func purgeComputeData(repoDir string) error {
	tenantsDir := filepath.Join(repoDir, ComputeDataDirName, TenantsDirName)
	entries, err := os.ReadDir(tenantsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list compute data dirs: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tenantsDir, e.Name())); err != nil {
			return fmt.Errorf("purge compute data for %s: %w", e.Name(), err)
		}
	}
	return nil
}

// purgeRedoScratch deletes per-tenant redo scratch directories.
func purgeRedoScratch(repoDir string) error {
	tenantsDir := filepath.Join(repoDir, TenantsDirName)
	entries, err := os.ReadDir(tenantsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list tenant dirs: %w", err)
	}
	for _, e := range entries {
		scratch := filepath.Join(tenantsDir, e.Name(), RedoScratchName)
		if err := os.RemoveAll(scratch); err != nil {
			return fmt.Errorf("purge redo scratch for %s: %w", e.Name(), err)
		}
	}
	return nil
}

// rewriteNodeConfig rebinds the storage node document and returns the
// capture-time paths it replaced, for the residual scan.
func rewriteNodeConfig(wc *WorkingCopy, remap *portmap.Remapper, opts PrepareOptions) ([]string, error) {
	cfg, err := wc.NodeConfig()
	if err != nil {
		return nil, err
	}
	var origins []string
	if cfg.RemoteStorage.LocalPath != "" {
		// The old mirror path is the one absolute capture-time path the
		// snapshot is guaranteed to embed; its parent is the origin repo.
		origins = append(origins, filepath.Dir(cfg.RemoteStorage.LocalPath))
		cfg.RemoteStorage.LocalPath = wc.MirrorDir()
	}
	if cfg.ListenHTTPAddr, err = remap.Remap(cfg.ListenHTTPAddr); err != nil {
		return nil, fmt.Errorf("rewrite node http addr: %w", err)
	}
	if cfg.ListenPGAddr, err = remap.Remap(cfg.ListenPGAddr); err != nil {
		return nil, fmt.Errorf("rewrite node pg addr: %w", err)
	}
	if cfg.BrokerEndpoints, err = remap.RemapAll(cfg.BrokerEndpoints); err != nil {
		return nil, fmt.Errorf("rewrite node broker endpoints: %w", err)
	}
	if opts.DistribDirOverride != "" {
		cfg.PostgresDistribDir = opts.DistribDirOverride
	}
	if err := snapconf.SaveNode(wc.NodeConfigPath(), cfg); err != nil {
		return nil, err
	}
	return origins, nil
}

func rewriteRootConfig(wc *WorkingCopy, remap *portmap.Remapper, opts PrepareOptions) error {
	cfg, err := wc.RootConfig()
	if err != nil {
		return err
	}
	if cfg.Broker.Endpoints, err = remap.RemapAll(cfg.Broker.Endpoints); err != nil {
		return fmt.Errorf("rewrite broker endpoints: %w", err)
	}
	if cfg.StorageNode.ListenHTTPAddr, err = remap.Remap(cfg.StorageNode.ListenHTTPAddr); err != nil {
		return fmt.Errorf("rewrite storage node http addr: %w", err)
	}
	if cfg.StorageNode.ListenPGAddr, err = remap.Remap(cfg.StorageNode.ListenPGAddr); err != nil {
		return fmt.Errorf("rewrite storage node pg addr: %w", err)
	}
	for i := range cfg.LogKeepers {
		if cfg.LogKeepers[i].HTTPPort, err = remap.RemapPort(cfg.LogKeepers[i].HTTPPort); err != nil {
			return fmt.Errorf("rewrite log keeper %d http port: %w", cfg.LogKeepers[i].ID, err)
		}
		if cfg.LogKeepers[i].PGPort, err = remap.RemapPort(cfg.LogKeepers[i].PGPort); err != nil {
			return fmt.Errorf("rewrite log keeper %d pg port: %w", cfg.LogKeepers[i].ID, err)
		}
	}
	if opts.DistribDirOverride != "" {
		cfg.PostgresDistribDir = opts.DistribDirOverride
	}
	return snapconf.SaveRoot(wc.RootConfigPath(), cfg)
}

// assertNoResidualPaths scans every text file beneath repoDir for the
// literal capture-time paths and fails with the offending files listed.
func assertNoResidualPaths(repoDir string, origins []string) error {
	needles := make([][]byte, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "" || o == "." || o == string(filepath.Separator) {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		needles = append(needles, []byte(o))
	}
	if len(needles) == 0 {
		return nil
	}
	var offenders []string
	err := filepath.WalkDir(repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.IndexByte(b, 0) >= 0 {
			// binary file
			return nil
		}
		for _, needle := range needles {
			if bytes.Contains(b, needle) {
				offenders = append(offenders, path)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan for residual paths: %w", err)
	}
	if len(offenders) > 0 {
		sort.Strings(offenders)
		return fmt.Errorf("%w: %s", ErrResidualPaths, strings.Join(offenders, ", "))
	}
	return nil
}

// CopyTree recursively copies a directory, preserving file modes and
// following the source's symlinks as regular files.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
