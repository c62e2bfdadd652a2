// Package store persists project metadata and chat logs in SQLite. It
// implements the Project State Store and the Chat Log Store from the
// orchestration design: one metadata record per project, mutated as a
// whole ("read current, compute next, write whole new value"), plus an
// append-only per-project turn log with a retention cap enforced on write.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"appforge/internal/model"
)

// ErrNotFound is returned when a project id has no record.
var ErrNotFound = errors.New("project not found")

// Store manages project and chat persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id                      TEXT PRIMARY KEY,
			title                   TEXT NOT NULL,
			build_info              TEXT NOT NULL DEFAULT '',
			pending_platform_prompt TEXT NOT NULL DEFAULT '',
			memory                  TEXT NOT NULL DEFAULT '',
			built                   INTEGER NOT NULL DEFAULT 0,
			version                 INTEGER NOT NULL DEFAULT 0,
			entry                   TEXT NOT NULL DEFAULT '',
			files                   TEXT NOT NULL DEFAULT '[]',
			images                  TEXT NOT NULL DEFAULT '[]',
			updated_at              DATETIME NOT NULL DEFAULT (datetime('now')),
			last_build_at           DATETIME
		);

		CREATE TABLE IF NOT EXISTS chat_turns (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id     TEXT NOT NULL,
			role           TEXT NOT NULL,
			content        TEXT NOT NULL,
			image_url      TEXT NOT NULL DEFAULT '',
			image_data_url TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (project_id) REFERENCES projects(id)
		);

		CREATE INDEX IF NOT EXISTS idx_chat_turns_project_id
			ON chat_turns(project_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateProject inserts a new project record.
func (s *Store) CreateProject(meta *model.ProjectMeta) error {
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	buildInfo, files, images, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO projects (id, title, build_info, pending_platform_prompt, memory,
		        built, version, entry, files, images, updated_at, last_build_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Title, buildInfo, meta.PendingPlatformPrompt, meta.Memory,
		boolToInt(meta.Built), meta.Version, meta.Entry, files, images,
		meta.UpdatedAt, meta.LastBuildAt,
	)
	if err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	return nil
}

// GetMeta retrieves a project's metadata record by id.
func (s *Store) GetMeta(id string) (*model.ProjectMeta, error) {
	row := s.db.QueryRow(
		`SELECT id, title, build_info, pending_platform_prompt, memory,
		        built, version, entry, files, images, updated_at, last_build_at
		 FROM projects WHERE id = ?`, id,
	)
	return scanMeta(row)
}

// PutMeta writes a project's full metadata record, replacing every mutable
// field. UpdatedAt is bumped here so callers never race on it.
func (s *Store) PutMeta(meta *model.ProjectMeta) error {
	meta.UpdatedAt = time.Now().UTC()
	buildInfo, files, images, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE projects SET
			title = ?, build_info = ?, pending_platform_prompt = ?, memory = ?,
			built = ?, version = ?, entry = ?, files = ?, images = ?,
			updated_at = ?, last_build_at = ?
		 WHERE id = ?`,
		meta.Title, buildInfo, meta.PendingPlatformPrompt, meta.Memory,
		boolToInt(meta.Built), meta.Version, meta.Entry, files, images,
		meta.UpdatedAt, meta.LastBuildAt, meta.ID,
	)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProjects returns all projects ordered by last update (newest first).
func (s *Store) ListProjects() ([]*model.ProjectMeta, error) {
	rows, err := s.db.Query(
		`SELECT id, title, build_info, pending_platform_prompt, memory,
		        built, version, entry, files, images, updated_at, last_build_at
		 FROM projects ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.ProjectMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, meta)
	}
	return projects, rows.Err()
}

// RenameProject updates a project's display title.
func (s *Store) RenameProject(id, title string) error {
	res, err := s.db.Exec(
		`UPDATE projects SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes a project's metadata and chat log in one
// transaction. The caller removes the sandbox file tree.
func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM chat_turns WHERE project_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Chat log ---

// AppendTurn appends a turn to a project's chat log and applies the
// global retention cap. Turns are never mutated or deleted individually.
func (s *Store) AppendTurn(turn *model.ChatTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO chat_turns (project_id, role, content, image_url, image_data_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ProjectID, turn.Role, turn.Content, turn.ImageURL, turn.ImageDataURL, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	turn.ID = id

	_, err = s.db.Exec(
		`DELETE FROM chat_turns
		 WHERE project_id = ? AND id NOT IN (
			SELECT id FROM chat_turns WHERE project_id = ? ORDER BY id DESC LIMIT ?
		 )`,
		turn.ProjectID, turn.ProjectID, model.ChatRetention,
	)
	if err != nil {
		return fmt.Errorf("trimming chat log: %w", err)
	}
	return nil
}

// Turns returns the last limit turns for a project in chronological
// order. limit <= 0 means the full retained log.
func (s *Store) Turns(projectID string, limit int) ([]model.ChatTurn, error) {
	if limit <= 0 || limit > model.ChatRetention {
		limit = model.ChatRetention
	}
	rows, err := s.db.Query(
		`SELECT id, project_id, role, content, image_url, image_data_url, created_at
		 FROM chat_turns
		 WHERE project_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []model.ChatTurn
	for rows.Next() {
		var t model.ChatTurn
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Role, &t.Content, &t.ImageURL, &t.ImageDataURL, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanMeta(row scannable) (*model.ProjectMeta, error) {
	meta := &model.ProjectMeta{}
	var (
		buildInfo   string
		built       int
		files       string
		images      string
		lastBuildAt sql.NullTime
	)
	err := row.Scan(
		&meta.ID, &meta.Title, &buildInfo, &meta.PendingPlatformPrompt, &meta.Memory,
		&built, &meta.Version, &meta.Entry, &files, &images,
		&meta.UpdatedAt, &lastBuildAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	meta.Built = built != 0
	if lastBuildAt.Valid {
		t := lastBuildAt.Time
		meta.LastBuildAt = &t
	}
	if buildInfo != "" {
		bi := &model.BuildInfo{}
		if err := json.Unmarshal([]byte(buildInfo), bi); err != nil {
			return nil, fmt.Errorf("decoding build info: %w", err)
		}
		meta.BuildInfo = bi
	}
	if err := json.Unmarshal([]byte(files), &meta.Files); err != nil {
		return nil, fmt.Errorf("decoding file list: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &meta.Images); err != nil {
		return nil, fmt.Errorf("decoding image gallery: %w", err)
	}
	if len(meta.Images) > 0 {
		meta.LastImage = &meta.Images[0]
	}
	return meta, nil
}

func encodeMeta(meta *model.ProjectMeta) (buildInfo, files, images string, err error) {
	if meta.BuildInfo != nil {
		b, err := json.Marshal(meta.BuildInfo)
		if err != nil {
			return "", "", "", fmt.Errorf("encoding build info: %w", err)
		}
		buildInfo = string(b)
	}

	if meta.Files == nil {
		files = "[]"
	} else {
		b, err := json.Marshal(meta.Files)
		if err != nil {
			return "", "", "", fmt.Errorf("encoding file list: %w", err)
		}
		files = string(b)
	}

	if meta.Images == nil {
		images = "[]"
	} else {
		b, err := json.Marshal(meta.Images)
		if err != nil {
			return "", "", "", fmt.Errorf("encoding image gallery: %w", err)
		}
		images = string(b)
	}
	return buildInfo, files, images, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
