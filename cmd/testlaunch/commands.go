package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/testrun-launcher/internal/catalog"
	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/launcher"
	"github.com/hochfrequenz/testrun-launcher/internal/schedule"
	"github.com/hochfrequenz/testrun-launcher/internal/watch"
	"github.com/hochfrequenz/testrun-launcher/tui"
	"github.com/hochfrequenz/testrun-launcher/web/api"
)

var (
	projectsOutput string
	projectsCache  bool
	treeOutput     string
	treeFilter     string
	runWait        bool
	bulkFolders    []string
	servePort      int
	serveNoSync    bool
)

func init() {
	// sync command
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror Testiny projects into the local snapshot cache",
		RunE:  runSync,
	}
	rootCmd.AddCommand(syncCmd)

	// projects command
	projectsCmd := &cobra.Command{
		Use:   "projects",
		Short: "List cached projects",
		RunE:  runProjects,
	}
	projectsCmd.Flags().StringVarP(&projectsOutput, "output", "o", outputText, "output format: text, json or yaml")
	projectsCmd.Flags().BoolVar(&projectsCache, "db", false, "read from the catalog database instead of the snapshot documents")
	rootCmd.AddCommand(projectsCmd)

	// tree command
	treeCmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the folder tree of a project",
		RunE:  runTree,
	}
	treeCmd.Flags().StringVarP(&treeOutput, "output", "o", outputText, "output format: text, json or yaml")
	treeCmd.Flags().StringVar(&treeFilter, "filter", "", "only show tests whose title contains this text")
	rootCmd.AddCommand(treeCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run TEST",
		Short: "Dispatch a workflow run for one test",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runWait, "wait", true, "wait until the run concludes")
	rootCmd.AddCommand(runCmd)

	// bulk command
	bulkCmd := &cobra.Command{
		Use:   "bulk [TEST...]",
		Short: "Dispatch one workflow run for several tests",
		RunE:  runBulk,
	}
	bulkCmd.Flags().StringSliceVar(&bulkFolders, "folder", nil, "select every automated test in this folder (repeatable)")
	bulkCmd.Flags().BoolVar(&runWait, "wait", true, "wait until the run concludes")
	rootCmd.AddCommand(bulkCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive launcher",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (defaults to web.port)")
	serveCmd.Flags().BoolVar(&serveNoSync, "no-sync", false, "disable the scheduled Testiny sync")
	rootCmd.AddCommand(serveCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	syncer, err := a.newSyncer()
	if err != nil {
		return err
	}
	res, err := syncer.Sync(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Synced %d projects, %s tests in %s\n",
		res.Projects, humanize.Comma(int64(res.Tests)), res.Duration.Round(time.Millisecond))
	return nil
}

func runProjects(cmd *cobra.Command, args []string) error {
	if err := checkOutput(projectsOutput); err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var projects []domain.Project
	if projectsCache {
		projects, err = a.store.Projects(cmd.Context())
	} else {
		projects, err = a.dir.Projects(cmd.Context())
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no snapshot found in %s, run `testlaunch sync` first", a.cfg.General.SnapshotDir)
	}
	if err != nil {
		return err
	}

	if projectsOutput != outputText {
		return encode(os.Stdout, projectsOutput, projects)
	}
	writeProjects(os.Stdout, projects)
	return nil
}

func runTree(cmd *cobra.Command, args []string) error {
	if err := checkOutput(treeOutput); err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadProject(cmd.Context()); err != nil {
		return err
	}
	a.session.SetFilter(treeFilter)
	v, err := a.session.View()
	if err != nil {
		return err
	}

	if treeOutput != outputText {
		return encode(os.Stdout, treeOutput, newTreeDoc(v))
	}
	writeTree(os.Stdout, v)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadProject(cmd.Context()); err != nil {
		return err
	}
	return dispatchAndWait(cmd.Context(), a, func(ctx context.Context) (*launcher.Result, error) {
		return a.launcher.StartRun(ctx, domain.TestID(args[0]))
	})
}

func runBulk(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadProject(cmd.Context()); err != nil {
		return err
	}
	sel := a.session.Selection()
	for _, id := range args {
		if !sel.Set(domain.TestID(id), true) && !sel.IsSelected(domain.TestID(id)) {
			fmt.Fprintf(os.Stderr, "skipping %s: unknown or not automated\n", id)
		}
	}
	for _, f := range bulkFolders {
		if n := sel.ToggleFolder(domain.FolderID(f), true); n == 0 {
			fmt.Fprintf(os.Stderr, "folder %s has no automated tests\n", f)
		}
	}
	if sel.Len() == 0 {
		return errors.New("nothing selected")
	}
	fmt.Printf("Dispatching bulk run for %d tests\n", sel.Len())

	return dispatchAndWait(cmd.Context(), a, a.session.RunSelected)
}

// dispatchAndWait starts a dispatch and, with --wait, follows the
// launcher events until the run concludes or the search gives up.
func dispatchAndWait(ctx context.Context, a *app, start func(context.Context) (*launcher.Result, error)) error {
	events, unsubscribe := a.launcher.Subscribe(128)
	defer unsubscribe()

	res, err := start(ctx)
	if err != nil {
		return err
	}
	if res.Run != nil {
		fmt.Printf("Tracking run #%d %s\n", res.Run.ExecutionID, res.Run.URL)
	} else {
		fmt.Println("Dispatched, still looking for the workflow run")
	}
	if !runWait {
		return nil
	}

	var runID int64
	if res.Run != nil {
		runID = res.Run.ExecutionID
		if rec := a.launcher.Run(runID); rec != nil && rec.Terminal() {
			return finish(rec)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			switch {
			case ev.Type == launcher.EventTracked && ev.Key == res.Key && ev.Run != nil:
				if runID != ev.Run.ExecutionID {
					runID = ev.Run.ExecutionID
					fmt.Printf("Tracking run #%d %s\n", runID, ev.Run.URL)
				}
			case ev.Type == launcher.EventStatus && ev.Run != nil && ev.Run.ExecutionID == runID:
				fmt.Printf("Run #%d: %s\n", runID, ev.Message)
			case ev.Type == launcher.EventCompleted && ev.Run != nil && ev.Run.ExecutionID == runID:
				return finish(ev.Run)
			case ev.Key == res.Key && slices.Contains([]launcher.EventType{launcher.EventNotFound, launcher.EventFailed, launcher.EventStopped}, ev.Type):
				return fmt.Errorf("%s: %s", ev.Type, ev.Message)
			case ev.Type == launcher.EventCleared:
				return errors.New("tracking was cleared")
			}
		}
	}
}

func finish(rec *domain.RunRecord) error {
	writeRun(os.Stdout, rec)
	if rec.Conclusion != domain.ConclusionSuccess {
		return fmt.Errorf("run #%d concluded %s", rec.ExecutionID, rec.Label())
	}
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadProject(cmd.Context()); err != nil {
		return err
	}

	model := tui.NewModel(tui.ModelConfig{Context: cmd.Context(), Session: a.session})
	defer model.Close()
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadProject(ctx); err != nil {
		a.log.Warn("no project loaded, pick one in the UI", "err", err)
	}

	addr := a.cfg.Web.Addr()
	if servePort != 0 {
		addr = fmt.Sprintf("%s:%d", a.cfg.Web.Host, servePort)
	}
	server := api.NewServer(a.session, addr, a.registry, a.log)

	w, err := watch.New(a.cfg.General.SnapshotDir, func(files []string) {
		p, ok := a.session.Project()
		if !ok || !slices.Contains(files, catalog.TestsFile(p.ID)) {
			return
		}
		if err := a.session.Reload(ctx); err != nil {
			a.log.Warn("snapshot reload failed", "err", err)
			return
		}
		a.log.Info("snapshot reloaded", "project", p.ID, "files", files)
	}, a.log)
	if err != nil {
		return fmt.Errorf("watch snapshots: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Start(ctx)
		<-ctx.Done()
		w.Stop()
		return nil
	})

	if a.cfg.Sync.Schedule != "" && !serveNoSync {
		syncer, err := a.newSyncer()
		if err != nil {
			return err
		}
		sched, err := schedule.New(a.cfg.Sync.Schedule, a.log)
		if err != nil {
			return err
		}
		a.log.Info("scheduled sync enabled", "schedule", a.cfg.Sync.Schedule, "next", sched.NextRun())
		g.Go(func() error {
			sched.Start(ctx, func(ctx context.Context) error {
				_, err := syncer.Sync(ctx)
				return err
			})
			return nil
		})
	}

	g.Go(func() error {
		return server.Start(ctx)
	})

	fmt.Printf("Web UI: http://%s\n", addr)
	return g.Wait()
}
