package journal

func (s *Store) ensureSchema() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.Exec(`
CREATE TABLE IF NOT EXISTS journal_entries (
  id BIGSERIAL PRIMARY KEY,
  run_dir TEXT NOT NULL,
  type TEXT NOT NULL,
  item_path TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT '',
  at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_journal_entries_run_dir ON journal_entries (run_dir, id DESC);
`)
	})
	return s.schemaErr
}

func (s *Store) appendDB(e Entry) error {
	if err := s.ensureSchema(); err != nil {
		return err
	}
	_, err := s.db.Exec(`
INSERT INTO journal_entries (run_dir, type, item_path, detail, at)
VALUES ($1,$2,$3,$4,$5)`,
		e.RunDir, e.Type, e.ItemPath, e.Detail, e.At)
	return err
}

func (s *Store) listDB(runDir string, limit int) ([]Entry, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	q := `SELECT id, run_dir, type, item_path, detail, at
FROM journal_entries WHERE run_dir = $1 ORDER BY id DESC`
	args := []any{runDir}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RunDir, &e.Type, &e.ItemPath, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
