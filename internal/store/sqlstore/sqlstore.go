// Package sqlstore implements the checkpoint-substrate Backend on top of
// an embedded SQLite database, for agents that need their checkpoint
// history to survive a process restart without running a separate
// database server.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/store"
	"github.com/joss/ckpt/internal/value"
)

// Store is a sqlite-backed dag.Backend. Writes go through a single
// transactional connection; go-sqlite3 serializes access internally so no
// extra locking is needed above the database/sql layer.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (and migrates) a checkpoint database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("sqlstore: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "checkpoints.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		branch TEXT NOT NULL,
		parent_id TEXT,
		agent TEXT,
		description TEXT NOT NULL DEFAULT '',
		logic_step INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		state_json TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_branch ON checkpoints(branch);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at DESC);

	CREATE TABLE IF NOT EXISTS branches (
		name TEXT PRIMARY KEY,
		head_id TEXT NOT NULL DEFAULT '',
		created_from TEXT NOT NULL DEFAULT '',
		is_current INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Put(ctx context.Context, cp *dag.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal state: %w", err)
	}
	metaJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, branch, parent_id, agent, description, logic_step, status, fingerprint, state_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			branch = excluded.branch,
			parent_id = excluded.parent_id,
			description = excluded.description,
			logic_step = excluded.logic_step,
			status = excluded.status,
			fingerprint = excluded.fingerprint,
			state_json = excluded.state_json,
			metadata_json = excluded.metadata_json
	`, cp.ID, cp.Branch, cp.ParentID, cp.Agent, cp.Description, cp.LogicStep, string(cp.Status), cp.Fingerprint, string(stateJSON), string(metaJSON), cp.Timestamp)
	if err != nil {
		return fmt.Errorf("sqlstore: insert checkpoint: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*dag.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, branch, parent_id, agent, description, logic_step, status, fingerprint, state_json, metadata_json, created_at
		FROM checkpoints WHERE id = ?
	`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, store.NewNotFoundError("checkpoint", id)
	}
	return cp, err
}

func (s *Store) List(ctx context.Context, filter store.Filter) ([]*dag.Checkpoint, error) {
	query := `SELECT id, branch, parent_id, agent, description, logic_step, status, fingerprint, state_json, metadata_json, created_at FROM checkpoints`

	var conditions []string
	var args []any
	for _, col := range []string{"branch", "status", "agent"} {
		if v, ok := filter.Where[col]; ok {
			conditions = append(conditions, col+" = ?")
			args = append(args, v)
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	order := "created_at"
	if filter.OrderBy != "" {
		order = filter.OrderBy
	}
	query += " ORDER BY " + order
	if filter.OrderDesc {
		query += " DESC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	defer rows.Close()

	var out []*dag.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*dag.Checkpoint, error) {
	var cp dag.Checkpoint
	var status, stateJSON, metaJSON string
	var parentID, agent sql.NullString

	if err := row.Scan(&cp.ID, &cp.Branch, &parentID, &agent, &cp.Description, &cp.LogicStep, &status, &cp.Fingerprint, &stateJSON, &metaJSON, &cp.Timestamp); err != nil {
		return nil, err
	}
	cp.Status = dag.Status(status)
	cp.ParentID = parentID.String
	cp.Agent = agent.String

	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	var meta map[string]value.Value
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	cp.Metadata = meta
	return &cp, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status dag.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("sqlstore: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NewNotFoundError("checkpoint", id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NewNotFoundError("checkpoint", id)
	}
	return nil
}

func (s *Store) PutBranch(ctx context.Context, b *dag.Branch) error {
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (name, head_id, created_from, is_current, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET head_id = excluded.head_id, is_current = excluded.is_current
	`, b.Name, b.HeadID, b.CreatedFrom, b.IsCurrent, createdAt)
	return err
}

func (s *Store) GetBranch(ctx context.Context, name string) (*dag.Branch, error) {
	var b dag.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT name, head_id, created_from, is_current, created_at FROM branches WHERE name = ?
	`, name).Scan(&b.Name, &b.HeadID, &b.CreatedFrom, &b.IsCurrent, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.NewNotFoundError("branch", name)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]*dag.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, head_id, created_from, is_current, created_at FROM branches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*dag.Branch
	for rows.Next() {
		var b dag.Branch
		if err := rows.Scan(&b.Name, &b.HeadID, &b.CreatedFrom, &b.IsCurrent, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBranch(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM branches WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NewNotFoundError("branch", name)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM branches`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
