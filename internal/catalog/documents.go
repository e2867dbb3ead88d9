package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
)

// ProjectsFile is the name of the project list document
const ProjectsFile = "projects.json"

// ErrProjectNotFound is returned when a source has no snapshot for a project
var ErrProjectNotFound = errors.New("project not found")

// Source provides project snapshots
type Source interface {
	Projects(ctx context.Context) ([]domain.Project, error)
	Snapshot(ctx context.Context, projectID string) (*domain.Snapshot, error)
}

// TestsFile returns the document name for a project's tests
func TestsFile(projectID string) string {
	return fmt.Sprintf("tests-%s.json", projectID)
}

// Dir reads and writes snapshot documents in a directory
type Dir struct {
	Path string
}

// NewDir returns a document directory source
func NewDir(path string) *Dir {
	return &Dir{Path: path}
}

// Projects reads projects.json
func (d *Dir) Projects(ctx context.Context) ([]domain.Project, error) {
	var doc ProjectsDocument
	if err := readJSON(filepath.Join(d.Path, ProjectsFile), &doc); err != nil {
		return nil, err
	}
	return NormalizeProjects(doc.Data), nil
}

// Snapshot reads tests-<id>.json and normalizes it
func (d *Dir) Snapshot(ctx context.Context, projectID string) (*domain.Snapshot, error) {
	var doc TestsDocument
	err := readJSON(filepath.Join(d.Path, TestsFile(projectID)), &doc)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if err != nil {
		return nil, err
	}
	snap := Normalize(&doc)
	if snap.Project.ID == "" {
		snap.Project.ID = projectID
	}
	return snap, nil
}

// WriteProjects atomically replaces projects.json
func (d *Dir) WriteProjects(doc *ProjectsDocument) error {
	return writeJSON(filepath.Join(d.Path, ProjectsFile), doc)
}

// WriteTests atomically replaces the project's tests document
func (d *Dir) WriteTests(projectID string, doc *TestsDocument) error {
	return writeJSON(filepath.Join(d.Path, TestsFile(projectID)), doc)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
