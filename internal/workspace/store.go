package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"describify/internal/safeio"
)

// ErrCorrupt marks a snapshot that exists but cannot be parsed. The file is
// left untouched for inspection.
var ErrCorrupt = errors.New("workspace: snapshot corrupt")

// ErrNotFound marks a missing snapshot file.
var ErrNotFound = errors.New("workspace: snapshot not found")

// Store persists one workspace to one snapshot file. The owning process is
// the single writer; saves are write-temp-then-rename.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load reads and parses the snapshot. Items left in processing by a crash are
// recovered to pending here, so callers always see a resumable queue.
func (s *Store) Load() (*Workspace, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, err
	}
	var ws Workspace
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if ws.Items == nil {
		ws.Items = make(map[string]*Item)
	}
	ws.RecoverInFlight()
	return &ws, nil
}

// Save writes the snapshot atomically.
func (s *Store) Save(ws *Workspace) error {
	ws.Provenance.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return err
	}
	return safeio.WriteFileAtomic(s.path, b, 0o644)
}
