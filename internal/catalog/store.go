package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
)

// Store caches project snapshots in SQLite
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces everything stored for the snapshot's project
func (s *Store) SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	if snap.Project.ID == "" {
		return errors.New("snapshot has no project id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pid := snap.Project.ID
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, generated_at, total_count, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			generated_at = excluded.generated_at,
			total_count = excluded.total_count,
			synced_at = excluded.synced_at
	`, pid, snap.Project.Name, snap.GeneratedAt, snap.TotalCount, time.Now())
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}

	for _, table := range []string{"tests", "folders", "memberships"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE project_id = ?`, pid); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i, t := range snap.Tests {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tests (project_id, id, position, title, automation) VALUES (?, ?, ?, ?, ?)`,
			pid, string(t.ID), i, t.Title, t.Automation); err != nil {
			return fmt.Errorf("insert test %s: %w", t.ID, err)
		}
	}
	for i, f := range snap.Folders {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO folders (project_id, id, position, name, parent_id) VALUES (?, ?, ?, ?, ?)`,
			pid, string(f.ID), i, f.Name, string(f.ParentID)); err != nil {
			return fmt.Errorf("insert folder %s: %w", f.ID, err)
		}
	}
	for i, m := range snap.Memberships {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memberships (project_id, position, test_id, folder_id) VALUES (?, ?, ?, ?)`,
			pid, i, string(m.TestID), string(m.FolderID)); err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
	}

	return tx.Commit()
}

// SaveProjects upserts project names without touching their snapshots
func (s *Store) SaveProjects(ctx context.Context, projects []domain.Project) error {
	for _, p := range projects {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name
		`, p.ID, p.Name)
		if err != nil {
			return err
		}
	}
	return nil
}

// Projects returns all cached projects ordered by name
func (s *Store) Projects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM projects ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Snapshot loads a project's snapshot in its original order
func (s *Store) Snapshot(ctx context.Context, projectID string) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}
	var generatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, generated_at, total_count FROM projects WHERE id = ?`, projectID).
		Scan(&snap.Project.ID, &snap.Project.Name, &generatedAt, &snap.TotalCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if err != nil {
		return nil, err
	}
	if generatedAt.Valid {
		snap.GeneratedAt = generatedAt.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, automation FROM tests WHERE project_id = ? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t domain.Test
		var automation sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &automation); err != nil {
			rows.Close()
			return nil, err
		}
		t.Automation = automation.String
		snap.Tests = append(snap.Tests, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, name, parent_id FROM folders WHERE project_id = ? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var f domain.Folder
		var parent sql.NullString
		if err := rows.Scan(&f.ID, &f.Name, &parent); err != nil {
			rows.Close()
			return nil, err
		}
		f.ParentID = domain.FolderID(parent.String)
		snap.Folders = append(snap.Folders, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT test_id, folder_id FROM memberships WHERE project_id = ? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m domain.FolderMembership
		if err := rows.Scan(&m.TestID, &m.FolderID); err != nil {
			return nil, err
		}
		snap.Memberships = append(snap.Memberships, m)
	}
	return snap, rows.Err()
}
