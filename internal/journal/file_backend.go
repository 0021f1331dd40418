package journal

import (
	"encoding/json"
	"os"

	"describify/internal/safeio"
)

type journalFile struct {
	NextID  int64   `json:"next_id"`
	Entries []Entry `json:"entries"`
}

func (s *Store) ensureLoadedFile() {
	s.loadOnce.Do(func() {
		b, err := os.ReadFile(s.path)
		if err != nil {
			return
		}
		var f journalFile
		if err := json.Unmarshal(b, &f); err != nil {
			return
		}
		s.entries = f.Entries
		if f.NextID > 0 {
			s.nextID = f.NextID
		}
	})
}

func (s *Store) appendFile(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedFile()

	e.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, e)

	b, err := json.MarshalIndent(journalFile{NextID: s.nextID, Entries: s.entries}, "", "  ")
	if err != nil {
		return err
	}
	return safeio.WriteFileAtomic(s.path, b, 0o644)
}

func (s *Store) listFile(runDir string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedFile()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].RunDir != runDir {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
