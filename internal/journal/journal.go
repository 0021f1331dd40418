// Package journal keeps an append-only history of batch activity per run:
// batch lifecycle transitions, item outcomes and step completions. It backs
// the status view and survives independently of the workspace snapshot.
package journal

import (
	"database/sql"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Entry is one journal record.
type Entry struct {
	ID       int64     `json:"id"`
	RunDir   string    `json:"run_dir"`
	Type     string    `json:"type"`
	ItemPath string    `json:"item_path,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Store records entries to a JSON file, or to Postgres when constructed with
// a DSN. Listings on the database path go through a small LRU that Append
// invalidates.
type Store struct {
	path string
	db   *sql.DB

	loadOnce sync.Once
	mu       sync.Mutex
	entries  []Entry
	nextID   int64

	schemaOnce sync.Once
	schemaErr  error

	listCache *lru.Cache[string, []Entry]
}

// New opens a file-backed journal at path.
func New(path string) *Store {
	return &Store{path: path, nextID: 1}
}

// NewPostgres opens a database-backed journal.
func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	cache, err := lru.New[string, []Entry](128)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, listCache: cache}, nil
}

// NewFromEnv uses Postgres when JOURNAL_PG_DSN is set and reachable, and
// falls back to the file backend otherwise.
func NewFromEnv(path string) *Store {
	dsn := strings.TrimSpace(os.Getenv("JOURNAL_PG_DSN"))
	if dsn == "" {
		return New(path)
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		return New(path)
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one entry. The journal is advisory: a failed append is
// returned to the caller for logging but never interrupts a batch.
func (s *Store) Append(e Entry) error {
	if s == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if s.db != nil {
		err := s.appendDB(e)
		if err == nil && s.listCache != nil {
			s.listCache.Remove(e.RunDir)
		}
		return err
	}
	return s.appendFile(e)
}

// List returns the newest entries for a run, most recent first, at most
// limit of them. A non-positive limit means all.
func (s *Store) List(runDir string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if s.db != nil {
		if limit <= 0 && s.listCache != nil {
			if cached, ok := s.listCache.Get(runDir); ok {
				return cached, nil
			}
		}
		entries, err := s.listDB(runDir, limit)
		if err != nil {
			return nil, err
		}
		if limit <= 0 && s.listCache != nil {
			s.listCache.Add(runDir, entries)
		}
		return entries, nil
	}
	return s.listFile(runDir, limit)
}
