package testiny

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/hochfrequenz/testrun-launcher/internal/catalog"
)

// SyncerOptions configures a Syncer
type SyncerOptions struct {
	// Concurrency bounds the number of projects fetched at once
	Concurrency int
	// PageLimit is the test case page size
	PageLimit int
	// Store, when set, receives every normalized snapshot
	Store  *catalog.Store
	Logger pslog.Logger
	Now    func() time.Time
}

// Syncer mirrors Testiny projects into snapshot documents
type Syncer struct {
	client *Client
	dir    *catalog.Dir
	opts   SyncerOptions
	log    pslog.Logger
}

// SyncResult summarizes a sync
type SyncResult struct {
	Projects int
	Tests    int
	Duration time.Duration
}

// NewSyncer creates a syncer writing to dir
func NewSyncer(client *Client, dir *catalog.Dir, opts SyncerOptions) *Syncer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = TestPageLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Syncer{client: client, dir: dir, opts: opts, log: logger.With("component", "testiny-sync")}
}

// Sync fetches all projects and writes projects.json plus one tests
// document per project. The first failure cancels the remaining fetches.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	start := s.opts.Now()
	s.log.Info("syncing projects")

	records, total, err := s.client.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch projects: %w", err)
	}
	if err := s.dir.WriteProjects(&catalog.ProjectsDocument{
		GeneratedAt: s.opts.Now().UTC(),
		TotalCount:  total,
		Data:        records,
	}); err != nil {
		return nil, fmt.Errorf("write projects: %w", err)
	}
	projects := catalog.NormalizeProjects(records)
	if s.opts.Store != nil {
		if err := s.opts.Store.SaveProjects(ctx, projects); err != nil {
			return nil, fmt.Errorf("cache projects: %w", err)
		}
	}
	s.log.Info("saved projects", "count", total)

	var tests, done int64
	p := pool.New().
		WithErrors().
		WithFirstError().
		WithMaxGoroutines(s.opts.Concurrency).
		WithContext(ctx).
		WithCancelOnError()
	for _, project := range projects {
		p.Go(func(ctx context.Context) error {
			n, err := s.SyncProject(ctx, project.ID, project.Name)
			if err != nil {
				return fmt.Errorf("project %s: %w", project.ID, err)
			}
			atomic.AddInt64(&tests, int64(n))
			s.log.Info("synced project",
				"project", project.ID,
				"name", project.Name,
				"tests", n,
				"completed", atomic.AddInt64(&done, 1),
				"total", len(projects),
			)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return &SyncResult{
		Projects: len(projects),
		Tests:    int(tests),
		Duration: s.opts.Now().Sub(start),
	}, nil
}

// SyncProject fetches tests, folders and mappings of one project
// concurrently and writes its tests document. It returns the test count.
func (s *Syncer) SyncProject(ctx context.Context, projectID, projectName string) (int, error) {
	var (
		tests, folders, mappings []catalog.Record
		total                    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tests, total, err = s.client.Tests(gctx, projectID, s.opts.PageLimit)
		return err
	})
	g.Go(func() error {
		var err error
		folders, err = s.client.Folders(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		mappings, err = s.client.FolderMappings(gctx, projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	doc := &catalog.TestsDocument{
		ProjectID:      projectID,
		ProjectName:    projectName,
		GeneratedAt:    s.opts.Now().UTC(),
		TotalCount:     total,
		Data:           tests,
		Folders:        folders,
		FolderMappings: mappings,
	}
	if err := s.dir.WriteTests(projectID, doc); err != nil {
		return 0, fmt.Errorf("write tests: %w", err)
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.SaveSnapshot(ctx, catalog.Normalize(doc)); err != nil {
			return 0, fmt.Errorf("cache snapshot: %w", err)
		}
	}
	return total, nil
}
