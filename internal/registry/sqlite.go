// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

const schemaVersion = 1

// SqliteStore persists the camera inventory in SQLite.
type SqliteStore struct {
	db *sql.DB
}

// OpenSqlite opens (creating if necessary) the registry database at path and
// applies pending migrations.
func OpenSqlite(path string) (*SqliteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		// #nosec G301 -- registry db lives under the agent data dir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// A single writer with WAL keeps the admin API responsive while the
	// engine reads.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure registry db: %w", err)
	}

	s := &SqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	schema := `
	CREATE TABLE IF NOT EXISTS cameras (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		source_url TEXT NOT NULL,
		position   TEXT NOT NULL DEFAULT 'other',
		autostart  INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns the camera with the given id, or ErrNotFound.
func (s *SqliteStore) Get(ctx context.Context, id string) (Camera, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, source_url, position, autostart, created_at FROM cameras WHERE id = ?`, id)
	cam, err := scanCamera(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Camera{}, ErrNotFound
	}
	return cam, err
}

// List returns all cameras ordered by creation time.
func (s *SqliteStore) List(ctx context.Context) ([]Camera, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, source_url, position, autostart, created_at FROM cameras ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var cams []Camera
	for rows.Next() {
		cam, err := scanCamera(rows.Scan)
		if err != nil {
			return nil, err
		}
		cams = append(cams, cam)
	}
	return cams, rows.Err()
}

// Put inserts or updates a camera.
func (s *SqliteStore) Put(ctx context.Context, cam Camera) error {
	if cam.CreatedAt.IsZero() {
		cam.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO cameras (id, name, source_url, position, autostart, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name       = excluded.name,
		source_url = excluded.source_url,
		position   = excluded.position,
		autostart  = excluded.autostart
	`, cam.ID, cam.Name, cam.SourceURL, string(cam.Position), boolInt(cam.Autostart),
		cam.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// Delete removes a camera. Deleting an unknown id returns ErrNotFound.
func (s *SqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func scanCamera(scan func(dest ...any) error) (Camera, error) {
	var cam Camera
	var position, createdAt string
	var autostart int
	if err := scan(&cam.ID, &cam.Name, &cam.SourceURL, &position, &autostart, &createdAt); err != nil {
		return Camera{}, err
	}
	cam.Position = Position(position)
	cam.Autostart = autostart != 0
	cam.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return cam, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Reader = (*SqliteStore)(nil)
