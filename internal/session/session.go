// Package session holds the loaded project: its snapshot, the folder
// forest, the selection and the launcher that runs tests from it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"github.com/hochfrequenz/testrun-launcher/internal/catalog"
	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/launcher"
	"github.com/hochfrequenz/testrun-launcher/internal/selection"
	"github.com/hochfrequenz/testrun-launcher/internal/tree"
)

// ErrNoProject is returned before a project has been loaded
var ErrNoProject = errors.New("no project loaded")

// Meta is the header line of the test list
type Meta struct {
	Shown     int `json:"shown"`
	Automated int `json:"automated"`
	Total     int `json:"total"`
}

func (m Meta) String() string {
	return fmt.Sprintf("shown %d • automated %d/%d", m.Shown, m.Automated, m.Total)
}

// View is what the operator sees: the filtered forest and its counts
type View struct {
	Project domain.Project
	Query   string
	Forest  *tree.Forest
	Meta    Meta
}

// Session is safe for concurrent use
type Session struct {
	source   catalog.Source
	launcher *launcher.Launcher
	log      pslog.Logger

	mu       sync.RWMutex
	snapshot *domain.Snapshot
	forest   *tree.Forest
	query    string
	sel      *selection.Registry
}

// New creates a session reading snapshots from source
func New(source catalog.Source, l *launcher.Launcher, logger pslog.Logger) *Session {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Session{
		source:   source,
		launcher: l,
		log:      logger.With("component", "session"),
		sel:      selection.New(nil, nil),
	}
}

// Projects lists the available projects
func (s *Session) Projects(ctx context.Context) ([]domain.Project, error) {
	return s.source.Projects(ctx)
}

// Load reads a project snapshot and makes it current. Replacing an already
// loaded snapshot stops all run tracking first and prunes the selection.
func (s *Session) Load(ctx context.Context, projectID string) error {
	snap, err := s.source.Snapshot(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}
	forest := tree.Build(snap.Tests, snap.Folders, snap.Memberships)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot == nil {
		s.launcher.SetTests(snap.Tests)
	} else {
		s.launcher.Reload(snap.Tests)
	}
	pruned := s.sel.Reconcile(snap.Tests, forest)
	s.snapshot = snap
	s.forest = forest

	s.log.Info("project loaded",
		"project", snap.Project.ID,
		"tests", len(snap.Tests),
		"folders", len(snap.Folders),
		"selection_pruned", pruned,
	)
	return nil
}

// Reload re-reads the current project
func (s *Session) Reload(ctx context.Context) error {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	if snap == nil {
		return ErrNoProject
	}
	return s.Load(ctx, snap.Project.ID)
}

// SetFilter narrows the view to tests whose title contains query
func (s *Session) SetFilter(query string) {
	s.mu.Lock()
	s.query = query
	s.mu.Unlock()
}

// View builds the current view. The forest is rebuilt from the filtered
// tests on every call.
func (s *Session) View() (*View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, ErrNoProject
	}

	snap := s.snapshot
	forest := s.forest
	shown := len(snap.Tests)
	if s.query != "" {
		visible := tree.Filter(snap.Tests, s.query)
		forest = tree.Build(visible, snap.Folders, snap.Memberships)
		shown = len(visible)
	}
	total := snap.TotalCount
	if total == 0 {
		total = len(snap.Tests)
	}
	return &View{
		Project: snap.Project,
		Query:   s.query,
		Forest:  forest,
		Meta:    Meta{Shown: shown, Automated: snap.AutomatedCount(), Total: total},
	}, nil
}

// Project returns the loaded project
func (s *Session) Project() (domain.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return domain.Project{}, false
	}
	return s.snapshot.Project, true
}

// Test looks up a loaded test
func (s *Session) Test(id domain.TestID) (domain.Test, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return domain.Test{}, false
	}
	return s.snapshot.TestByID(id)
}

// Selection returns the selection registry
func (s *Session) Selection() *selection.Registry {
	return s.sel
}

// Launcher returns the launcher
func (s *Session) Launcher() *launcher.Launcher {
	return s.launcher
}

// Summary aggregates the selection over the latest runs
func (s *Session) Summary() selection.Summary {
	return s.launcher.Summary(s.sel)
}

// RunSelected starts one bulk run for the current selection
func (s *Session) RunSelected(ctx context.Context) (*launcher.Result, error) {
	return s.launcher.StartBulkRun(ctx, s.sel.Selected())
}
