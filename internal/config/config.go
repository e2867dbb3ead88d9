package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	GitHub        GitHubConfig        `toml:"github"`
	Testiny       TestinyConfig       `toml:"testiny"`
	Tracking      TrackingConfig      `toml:"tracking"`
	Sync          SyncConfig          `toml:"sync"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	SnapshotDir  string `toml:"snapshot_dir"`
	ProjectID    string `toml:"project_id"`
}

// GitHubConfig describes the workflow that runs the tests
type GitHubConfig struct {
	APIURL       string `toml:"api_url"`
	Token        string `toml:"token"`
	Repo         string `toml:"repo"`
	Workflow     string `toml:"workflow"`
	BulkWorkflow string `toml:"bulk_workflow"`
	Branch       string `toml:"branch"`
	Environment  string `toml:"environment"`
}

// TestinyConfig holds test-management API settings
type TestinyConfig struct {
	APIURL    string `toml:"api_url"`
	APIKey    string `toml:"api_key"`
	PageLimit int    `toml:"page_limit"`
}

// TrackingConfig holds correlation and polling budgets
type TrackingConfig struct {
	CorrelationInterval Duration `toml:"correlation_interval"`
	ClockSkew           Duration `toml:"clock_skew"`
	ForegroundAttempts  int      `toml:"foreground_attempts"`
	BackgroundInterval  Duration `toml:"background_interval"`
	BackgroundAttempts  int      `toml:"background_attempts"`
	PollInterval        Duration `toml:"poll_interval"`
}

// SyncConfig holds snapshot sync settings
type SyncConfig struct {
	Schedule    string `toml:"schedule"`
	Concurrency int    `toml:"concurrency"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Addr returns host:port
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Duration is a time.Duration written as "2s" or "5m" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".testrun-launcher", "catalog.db"),
			SnapshotDir:  filepath.Join(home, ".testrun-launcher", "data"),
		},
		GitHub: GitHubConfig{
			APIURL:      "https://api.github.com",
			Workflow:    "testiny-run.yml",
			Branch:      "main",
			Environment: "staging",
		},
		Testiny: TestinyConfig{
			APIURL:    "https://app.testiny.io/api/v1",
			PageLimit: 500,
		},
		Tracking: TrackingConfig{
			CorrelationInterval: Duration{2 * time.Second},
			ClockSkew:           Duration{2 * time.Minute},
			ForegroundAttempts:  10,
			BackgroundInterval:  Duration{10 * time.Second},
			BackgroundAttempts:  60,
			PollInterval:        Duration{5 * time.Second},
		},
		Sync: SyncConfig{
			Concurrency: 4,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// GITHUB_TOKEN and TESTINY_API_KEY override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("TESTINY_API_KEY"); v != "" {
		cfg.Testiny.APIKey = v
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.SnapshotDir = ExpandPath(cfg.General.SnapshotDir)

	return cfg, cfg.Validate()
}

// Validate checks values that would only fail later at run time. Missing
// credentials are not an error here; dispatch reports them.
func (c *Config) Validate() error {
	var errs []error
	if c.GitHub.Repo != "" && strings.Count(c.GitHub.Repo, "/") != 1 {
		errs = append(errs, fmt.Errorf("github.repo %q: want owner/repo", c.GitHub.Repo))
	}
	if c.Tracking.ForegroundAttempts < 1 {
		errs = append(errs, errors.New("tracking.foreground_attempts must be at least 1"))
	}
	if c.Tracking.BackgroundAttempts < 0 {
		errs = append(errs, errors.New("tracking.background_attempts must not be negative"))
	}
	for name, d := range map[string]Duration{
		"correlation_interval": c.Tracking.CorrelationInterval,
		"background_interval":  c.Tracking.BackgroundInterval,
		"poll_interval":        c.Tracking.PollInterval,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("tracking.%s must be positive", name))
		}
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sync.schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// WorkflowFor returns the workflow file for single or bulk runs
func (g GitHubConfig) WorkflowFor(bulk bool) string {
	if bulk && g.BulkWorkflow != "" {
		return g.BulkWorkflow
	}
	return g.Workflow
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "testrun-launcher", "config.toml")
}
