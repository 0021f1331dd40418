// Package derive builds a new run directory out of an existing one, reusing
// the expensive upstream artifacts (acquired media, extracted frames,
// converted images) so only description and reporting need to run again.
package derive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"describify/internal/steps"
	"describify/internal/workspace"
)

// Method selects how reused files land in the target directory.
type Method string

const (
	// MethodAuto hardlinks and falls back to copy when linking is not
	// possible (cross-device targets, unsupported filesystems).
	MethodAuto     Method = "auto"
	MethodHardlink Method = "hardlink"
	MethodSymlink  Method = "symlink"
	MethodCopy     Method = "copy"
)

// ErrValidation means the source run cannot be derived from: no manifest, no
// completed upstream step, or a target that already holds data.
var ErrValidation = errors.New("derive: source run not reusable")

// reusableSteps are the upstream steps whose artifacts carry over. Describe
// and render-report always re-run in the derived workspace.
var reusableSteps = []steps.StepID{steps.StepAcquire, steps.StepExtract, steps.StepConvert}

// Options configures one derivation.
type Options struct {
	SourceDir string
	TargetDir string
	Method    Method // zero value behaves as MethodAuto
}

// Result reports what a derivation reused.
type Result struct {
	ReusedSteps []steps.StepID
	Method      Method
	Items       int
}

// Run derives Options.TargetDir from Options.SourceDir. On any failure the
// target directory is removed, so a derivation either fully exists or not at
// all.
func Run(opts Options, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	method := opts.Method
	if method == "" {
		method = MethodAuto
	}

	srcMan, err := steps.LoadManifest(opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no readable manifest", ErrValidation, opts.SourceDir)
	}

	completed := steps.InferCompleted(opts.SourceDir)
	var reused []steps.StepID
	for _, s := range reusableSteps {
		if completed[s] {
			reused = append(reused, s)
		}
	}
	if len(reused) == 0 {
		return nil, fmt.Errorf("%w: no completed upstream step in %s", ErrValidation, opts.SourceDir)
	}

	if err := ensureEmptyTarget(opts.TargetDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.TargetDir, 0o755); err != nil {
		return nil, err
	}

	res, err := populate(opts.SourceDir, opts.TargetDir, reused, method, srcMan, logger)
	if err != nil {
		if rmErr := os.RemoveAll(opts.TargetDir); rmErr != nil {
			logger.Error("derive cleanup failed", "dir", opts.TargetDir, "err", rmErr)
		}
		return nil, err
	}
	return res, nil
}

func ensureEmptyTarget(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case len(entries) > 0:
		return fmt.Errorf("%w: target %s is not empty", ErrValidation, dir)
	}
	return nil
}

func populate(srcDir, dstDir string, reused []steps.StepID, method Method, srcMan *steps.Manifest, logger *slog.Logger) (*Result, error) {
	effective := method
	for _, s := range reused {
		m, err := mirrorTree(steps.OutputDir(srcDir, s), steps.OutputDir(dstDir, s), effective)
		if err != nil {
			return nil, fmt.Errorf("derive: reusing %s: %w", s, err)
		}
		// once one file fell back to copy, keep copying for consistency
		if effective == MethodAuto && m == MethodCopy {
			effective = MethodCopy
		}
	}
	if effective == MethodAuto {
		effective = MethodHardlink
	}

	items, err := rebuildWorkspace(srcDir, dstDir)
	if err != nil {
		return nil, err
	}

	man := &steps.Manifest{
		AI:          srcMan.AI,
		SourceInput: srcMan.SourceInput,
		StartedAt:   time.Now().UTC(),
		Completed:   reused,
		Derived: &steps.DeriveRecord{
			SourceDir:   srcDir,
			ReusedSteps: reused,
			LinkMethod:  string(effective),
			SourceAI:    srcMan.AI,
		},
	}
	if err := steps.SaveManifest(dstDir, man); err != nil {
		return nil, err
	}

	logger.Info("derived run",
		"source", srcDir, "target", dstDir,
		"reused", len(reused), "method", effective, "items", items)
	return &Result{ReusedSteps: reused, Method: effective, Items: items}, nil
}

// mirrorTree recreates src under dst, placing every regular file with the
// requested method. It returns the method actually used.
func mirrorTree(src, dst string, method Method) (Method, error) {
	used := method
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		m, err := placeFile(path, target, method)
		if err != nil {
			return err
		}
		if m == MethodCopy {
			used = MethodCopy
		}
		return nil
	})
	if err != nil {
		return used, err
	}
	if used == MethodAuto {
		used = MethodHardlink
	}
	return used, nil
}

func placeFile(src, dst string, method Method) (Method, error) {
	switch method {
	case MethodSymlink:
		return MethodSymlink, os.Symlink(src, dst)
	case MethodCopy:
		return MethodCopy, copyFile(src, dst)
	case MethodHardlink:
		return MethodHardlink, os.Link(src, dst)
	default: // MethodAuto
		if err := os.Link(src, dst); err == nil {
			return MethodHardlink, nil
		}
		if err := checkFreeSpace(src, filepath.Dir(dst)); err != nil {
			return MethodCopy, err
		}
		return MethodCopy, copyFile(src, dst)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// checkFreeSpace refuses a copy fallback that would not fit on the target
// filesystem.
func checkFreeSpace(src, dstDir string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(dstDir, &st); err != nil {
		// filesystem does not answer; let the copy itself fail if it must
		return nil
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	if info.Size() > free {
		return fmt.Errorf("derive: %d bytes needed for %s but only %d free", info.Size(), src, free)
	}
	return nil
}

// rebuildWorkspace creates the derived run's snapshot: the source's items with
// paths remapped into the target, every one reset to none with no
// descriptions, linked back to the source via provenance.
func rebuildWorkspace(srcDir, dstDir string) (int, error) {
	ws := workspace.New(srcDir)
	ws.Provenance.DerivedFrom = srcDir

	srcWS, err := workspace.NewStore(filepath.Join(srcDir, steps.SnapshotFile)).Load()
	switch {
	case err == nil:
		for path, it := range srcWS.Items {
			ws.AddItem(remapPath(path, srcDir, dstDir), it.Kind)
		}
	case errors.Is(err, workspace.ErrNotFound):
		// no snapshot in the source run; index the reused media directly
		if err := scanItems(ws, dstDir); err != nil {
			return 0, err
		}
	default:
		return 0, err
	}

	store := workspace.NewStore(filepath.Join(dstDir, steps.SnapshotFile))
	if err := store.Save(ws); err != nil {
		return 0, err
	}
	return len(ws.Items), nil
}

func remapPath(path, srcDir, dstDir string) string {
	if rel, err := filepath.Rel(srcDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.Join(dstDir, rel)
	}
	return path
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true, ".gif": true,
}

func scanItems(ws *workspace.Workspace, dstDir string) error {
	for _, s := range reusableSteps {
		dir := steps.OutputDir(dstDir, s)
		kind := workspace.KindSourceImage
		if s == steps.StepExtract {
			kind = workspace.KindExtractedFrame
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !imageExts[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			ws.AddItem(path, kind)
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
