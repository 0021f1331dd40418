package steps

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"describify/internal/safeio"
)

// ManifestFile is the per-run metadata record kept next to the step output
// directories. It makes completion inference testable without depending on
// filesystem timing alone.
const ManifestFile = "manifest.json"

// AIRecord is the AI configuration a run was declared with, kept for lineage
// display when a later run derives from this one.
type AIRecord struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	PromptStyle  string `json:"prompt_style"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

// DeriveRecord is the provenance written into a derived run's manifest.
type DeriveRecord struct {
	SourceDir   string   `json:"source_dir"`
	ReusedSteps []StepID `json:"reused_steps"`
	LinkMethod  string   `json:"link_method"`
	SourceAI    AIRecord `json:"source_ai"`
}

// Manifest is the directory-scoped record of one run.
type Manifest struct {
	AI          AIRecord      `json:"ai"`
	SourceInput string        `json:"source_input"`
	StartedAt   time.Time     `json:"started_at"`
	Completed   []StepID      `json:"completed,omitempty"`
	Derived     *DeriveRecord `json:"derived,omitempty"`
}

func manifestPath(runDir string) string {
	return filepath.Join(runDir, ManifestFile)
}

// LoadManifest reads the run's manifest.
func LoadManifest(runDir string) (*Manifest, error) {
	b, err := os.ReadFile(manifestPath(runDir))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveManifest writes the manifest atomically.
func SaveManifest(runDir string, m *Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return safeio.WriteFileAtomic(manifestPath(runDir), b, 0o644)
}

// MarkCompleted records a step as completed in the manifest. Recording the
// same step twice is a no-op.
func MarkCompleted(runDir string, step StepID) error {
	m, err := LoadManifest(runDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		m = &Manifest{StartedAt: time.Now().UTC()}
	}
	for _, s := range m.Completed {
		if s == step {
			return nil
		}
	}
	m.Completed = append(m.Completed, step)
	return SaveManifest(runDir, m)
}
