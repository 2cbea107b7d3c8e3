// Package storage is the local durable store: thoughts and lexemes keyed by
// id, one JSON record per row, in a SQLite file.
//
// A store directory holds the database and a control file. Only one process
// may open the store for writing; readers can watch Generation to notice
// writes made by the writer.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/thoughtspace/internal/control"
	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/graph"
)

const (
	dbName      = "thoughtspace.db"
	controlName = "thoughtspace.ctl"
)

var ErrReadOnly = errors.New("store is read-only")

const schema = `
CREATE TABLE IF NOT EXISTS thoughts (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	record JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thoughts_parent ON thoughts(parent_id);

CREATE TABLE IF NOT EXISTS lexemes (
	key TEXT PRIMARY KEY,
	record JSON NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	batch JSON NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
) WITHOUT ROWID;
`

type Store struct {
	dir      string
	db       *sql.DB
	ctl      *control.Controller
	readOnly bool
}

// Open opens the store in dir for writing, creating it if needed. It fails
// with control.ErrLocked while another process has it open for writing.
func Open(dir string) (*Store, error) {
	return open(dir, false)
}

// OpenReadOnly opens an existing store without taking the writer lock.
func OpenReadOnly(dir string) (*Store, error) {
	if _, err := os.Stat(filepath.Join(dir, dbName)); err != nil {
		return nil, fmt.Errorf("open store %s: %w", dir, err)
	}
	return open(dir, true)
}

func open(dir string, readOnly bool) (*Store, error) {
	ctl, err := control.OpenOrCreate(filepath.Join(dir, controlName))
	if err != nil {
		return nil, err
	}
	if !readOnly {
		if err := ctl.Lock(); err != nil {
			_ = ctl.Close()
			return nil, err
		}
	}

	dbPath := filepath.Join(dir, dbName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if readOnly {
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = ctl.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if !readOnly {
		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			_ = ctl.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{dir: dir, db: db, ctl: ctl, readOnly: readOnly}, nil
}

func (s *Store) Dir() string { return s.dir }

// Generation changes after every committed WriteBatch, in any process.
func (s *Store) Generation() uint64 { return s.ctl.Generation() }

// Load reads every record into fresh indices.
func (s *Store) Load(ctx context.Context) (graph.Indices, error) {
	ix := graph.NewIndices()

	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM thoughts`)
	if err != nil {
		return ix, fmt.Errorf("load thoughts: %w", err)
	}
	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			rows.Close()
			return ix, err
		}
		t := &graph.Thought{}
		if err := json.Unmarshal(record, t); err != nil {
			rows.Close()
			return ix, fmt.Errorf("decode thought %s: %w", id, err)
		}
		if t.ChildrenMap == nil {
			t.ChildrenMap = map[string]string{}
		}
		ix.Thoughts[id] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ix, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT key, record FROM lexemes`)
	if err != nil {
		return ix, fmt.Errorf("load lexemes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var record []byte
		if err := rows.Scan(&key, &record); err != nil {
			return ix, err
		}
		l := &graph.Lexeme{}
		if err := json.Unmarshal(record, l); err != nil {
			return ix, fmt.Errorf("decode lexeme %s: %w", key, err)
		}
		ix.Lexemes[key] = l
	}
	if err := rows.Err(); err != nil {
		return ix, err
	}
	glog.V(1).Infof("[storage]loaded %d thoughts, %d lexemes from %s", len(ix.Thoughts), len(ix.Lexemes), s.dir)
	return ix, nil
}

// WriteBatch writes both patches in one transaction. Nil values delete.
func (s *Store) WriteBatch(ctx context.Context, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) error {
	if s.readOnly {
		return ErrReadOnly
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for id, t := range thoughts {
		if t == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM thoughts WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete thought %s: %w", id, err)
			}
			continue
		}
		record, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode thought %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO thoughts (id, parent_id, record) VALUES (?, ?, ?)`,
			id, t.ParentID, record); err != nil {
			return fmt.Errorf("write thought %s: %w", id, err)
		}
	}
	for key, l := range lexemes {
		if l == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lexemes WHERE key = ?`, key); err != nil {
				return fmt.Errorf("delete lexeme %s: %w", key, err)
			}
			continue
		}
		record, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode lexeme %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO lexemes (key, record) VALUES (?, ?)`, key, record); err != nil {
			return fmt.Errorf("write lexeme %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	gen := s.ctl.Bump()
	glog.V(2).Infof("[storage]wrote %d thoughts, %d lexemes (generation %d)", len(thoughts), len(lexemes), gen)
	return nil
}

// HasContent reports whether the home root has at least one child.
func (s *Store) HasContent(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM thoughts WHERE parent_id = ?`, graph.HomeToken).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count home children: %w", err)
	}
	return n > 0, nil
}

// Outbox returns the batches saved by ReplaceOutbox, oldest first.
func (s *Store) Outbox(ctx context.Context) ([]engine.SyncBatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, batch FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	defer rows.Close()
	var out []engine.SyncBatch
	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return nil, err
		}
		var b engine.SyncBatch
		if err := json.Unmarshal(record, &b); err != nil {
			return nil, fmt.Errorf("decode batch %s: %w", id, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ReplaceOutbox stores batches that still have to be pushed, replacing
// whatever was saved before.
func (s *Store) ReplaceOutbox(ctx context.Context, batches []engine.SyncBatch) error {
	if s.readOnly {
		return ErrReadOnly
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	for _, b := range batches {
		record, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode batch %s: %w", b.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (id, batch) VALUES (?, ?)`, b.ID, record); err != nil {
			return fmt.Errorf("write batch %s: %w", b.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if len(batches) > 0 {
		glog.V(1).Infof("[storage]%d batches waiting to be pushed", len(batches))
	}
	return nil
}

// Meta returns a stored setting, or "" when unset.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	dbErr := s.db.Close()
	ctlErr := s.ctl.Close()
	return errors.Join(dbErr, ctlErr)
}
