package steps

import (
	"fmt"
	"os"
	"path/filepath"

	"describify/internal/workspace"
)

// StepID names one pipeline step. The order below is fixed; a run never
// executes a later step before an earlier one it depends on.
type StepID string

const (
	StepAcquire  StepID = "acquire"
	StepExtract  StepID = "extract-frames"
	StepConvert  StepID = "convert"
	StepDescribe StepID = "describe"
	StepReport   StepID = "render-report"
)

// Order is the canonical pipeline order, leaves first.
var Order = []StepID{StepAcquire, StepExtract, StepConvert, StepDescribe, StepReport}

var outputDirs = map[StepID]string{
	StepAcquire:  "acquire",
	StepExtract:  "frames",
	StepConvert:  "convert",
	StepDescribe: "describe",
	StepReport:   "report",
}

// SnapshotFile is the workspace snapshot within a run directory.
const SnapshotFile = "workspace.json"

// OutputDir returns the step's well-known output subdirectory under the run
// directory. Collaborators write here with an atomic move on completion.
func OutputDir(runDir string, step StepID) string {
	return filepath.Join(runDir, outputDirs[step])
}

func rank(step StepID) int {
	for i, s := range Order {
		if s == step {
			return i
		}
	}
	return -1
}

// Valid reports whether the step id is known.
func Valid(step StepID) bool { return rank(step) >= 0 }

// InferCompleted inspects the run directory and reports which steps already
// produced valid output. An output directory that exists counts as complete
// even when empty: the step ran and found nothing to do, which is distinct
// from never having run. Describe is additionally complete when every item in
// the run's workspace snapshot carries at least one description.
func InferCompleted(runDir string) map[StepID]bool {
	done := make(map[StepID]bool)

	man, err := LoadManifest(runDir)
	if err == nil {
		for _, s := range man.Completed {
			done[s] = true
		}
	}

	for _, s := range Order {
		if done[s] {
			continue
		}
		if info, err := os.Stat(OutputDir(runDir, s)); err == nil && info.IsDir() {
			done[s] = true
		}
	}

	if !done[StepDescribe] {
		if ws, err := workspace.NewStore(filepath.Join(runDir, SnapshotFile)).Load(); err == nil {
			done[StepDescribe] = allDescribed(ws)
		}
	}
	return done
}

func allDescribed(ws *workspace.Workspace) bool {
	if len(ws.Items) == 0 {
		return false
	}
	for _, it := range ws.Items {
		if len(it.Descriptions) == 0 {
			return false
		}
	}
	return true
}

// Plan expands the requested steps into the ordered list to execute.
// Explicitly requested steps always run; prerequisites are pulled in
// implicitly unless the run directory shows they already completed. An empty
// request plans the whole pipeline, skipping completed steps.
func Plan(runDir string, requested []StepID) ([]StepID, error) {
	defaulted := len(requested) == 0
	if defaulted {
		requested = Order
	}
	for _, s := range requested {
		if !Valid(s) {
			return nil, fmt.Errorf("steps: unknown step %q", s)
		}
	}

	completed := InferCompleted(runDir)
	explicit := make(map[StepID]bool, len(requested))
	maxRank := -1
	for _, s := range requested {
		if !defaulted {
			explicit[s] = true
		}
		if r := rank(s); r > maxRank {
			maxRank = r
		}
	}

	var out []StepID
	for i, s := range Order {
		if i > maxRank {
			break
		}
		switch {
		case explicit[s]:
			out = append(out, s)
		case !completed[s]:
			// implicit prerequisite of a later requested step
			out = append(out, s)
		}
	}
	return out, nil
}
