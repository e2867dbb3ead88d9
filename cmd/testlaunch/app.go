package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"pkt.systems/pslog"

	"github.com/hochfrequenz/testrun-launcher/internal/catalog"
	"github.com/hochfrequenz/testrun-launcher/internal/config"
	"github.com/hochfrequenz/testrun-launcher/internal/ghactions"
	"github.com/hochfrequenz/testrun-launcher/internal/launcher"
	"github.com/hochfrequenz/testrun-launcher/internal/notify"
	"github.com/hochfrequenz/testrun-launcher/internal/session"
	"github.com/hochfrequenz/testrun-launcher/internal/testiny"
)

// app is the wired object graph shared by the commands
type app struct {
	cfg      *config.Config
	log      pslog.Logger
	dir      *catalog.Dir
	store    *catalog.Store
	launcher *launcher.Launcher
	session  *session.Session
	registry *prometheus.Registry
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// newApp wires configuration, the snapshot cache and the launcher. The
// session has no project loaded yet.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := pslog.Ctx(ctx)

	for _, dir := range []string{cfg.General.SnapshotDir, filepath.Dir(cfg.General.DatabasePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	store, err := catalog.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gh := ghactions.NewClient(ghactions.Config{
		APIURL: cfg.GitHub.APIURL,
		Repo:   cfg.GitHub.Repo,
		Token:  cfg.GitHub.Token,
	})

	l := launcher.New(gh, launcher.Options{
		Repo:                cfg.GitHub.Repo,
		Token:               cfg.GitHub.Token,
		Workflow:            cfg.GitHub.WorkflowFor(false),
		BulkWorkflow:        cfg.GitHub.WorkflowFor(true),
		Branch:              cfg.GitHub.Branch,
		Environment:         cfg.GitHub.Environment,
		CorrelationInterval: cfg.Tracking.CorrelationInterval.Duration,
		ClockSkew:           cfg.Tracking.ClockSkew.Duration,
		ForegroundAttempts:  cfg.Tracking.ForegroundAttempts,
		BackgroundInterval:  cfg.Tracking.BackgroundInterval.Duration,
		BackgroundAttempts:  cfg.Tracking.BackgroundAttempts,
		PollInterval:        cfg.Tracking.PollInterval.Duration,
		Notifier:            newNotifier(cfg, logger),
		Metrics:             launcher.NewMetrics(registry),
		Logger:              logger,
	})

	dir := catalog.NewDir(cfg.General.SnapshotDir)
	return &app{
		cfg:      cfg,
		log:      logger,
		dir:      dir,
		store:    store,
		launcher: l,
		session:  session.New(dir, l, logger),
		registry: registry,
	}, nil
}

func newNotifier(cfg *config.Config, logger pslog.Logger) notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	return notify.NewMultiNotifier(notifiers...)
}

// newSyncer builds the Testiny syncer writing into the app's cache
func (a *app) newSyncer() (*testiny.Syncer, error) {
	if a.cfg.Testiny.APIKey == "" {
		return nil, fmt.Errorf("testiny api key not configured (set TESTINY_API_KEY or testiny.api_key)")
	}
	client := testiny.NewClient(a.cfg.Testiny.APIURL, a.cfg.Testiny.APIKey, nil)
	return testiny.NewSyncer(client, a.dir, testiny.SyncerOptions{
		Concurrency: a.cfg.Sync.Concurrency,
		PageLimit:   a.cfg.Testiny.PageLimit,
		Store:       a.store,
		Logger:      a.log,
	}), nil
}

// resolveProject picks the --project flag, the configured project, or
// the only project in the cache.
func (a *app) resolveProject(ctx context.Context) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	if a.cfg.General.ProjectID != "" {
		return a.cfg.General.ProjectID, nil
	}
	projects, err := a.dir.Projects(ctx)
	if err != nil {
		return "", fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 1 {
		return projects[0].ID, nil
	}
	return "", fmt.Errorf("%d projects cached, choose one with --project", len(projects))
}

// loadProject resolves and loads the project into the session
func (a *app) loadProject(ctx context.Context) error {
	id, err := a.resolveProject(ctx)
	if err != nil {
		return err
	}
	return a.session.Load(ctx, id)
}

func (a *app) Close() {
	a.launcher.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close catalog", "err", err)
	}
}
