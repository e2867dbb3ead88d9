//go:build integration

package integration

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../testlaunch",
		"./testlaunch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "testlaunch"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../testlaunch", "../cmd/testlaunch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../testlaunch")
	return abs
}

// runCLI runs the binary with the given config and returns its output
func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append(args, "--config", configPath)...)
	cmd.Env = append(os.Environ(), "TESTINY_API_KEY=testiny-key", "GITHUB_TOKEN=gh-test-token")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func syncedConfig(t *testing.T) (string, *FakeGitHub) {
	t.Helper()
	api := NewFakeTestiny(t, "testiny-key")
	gh := NewFakeGitHub(t, "acme/shop")
	configPath := WriteConfig(t, api.URL, gh.URL, "acme/shop")

	out, err := runCLI(t, configPath, "sync")
	if err != nil {
		t.Fatalf("sync command failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Synced 1 projects, 3 tests") {
		t.Fatalf("Expected sync summary in output, got: %s", out)
	}
	return configPath, gh
}

// TestCLI_SyncAndProjects tests the sync and projects commands
func TestCLI_SyncAndProjects(t *testing.T) {
	configPath, _ := syncedConfig(t)

	out, err := runCLI(t, configPath, "projects")
	if err != nil {
		t.Fatalf("projects command failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Web Shop") || !strings.Contains(out, "1 projects") {
		t.Errorf("Expected project table in output, got: %s", out)
	}

	out, err = runCLI(t, configPath, "projects", "--db", "-o", "json")
	if err != nil {
		t.Fatalf("projects --db failed: %v\n%s", err, out)
	}
	var projects []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(out), &projects); err != nil {
		t.Fatalf("projects -o json is not JSON: %v\n%s", err, out)
	}
	if len(projects) != 1 || projects[0].ID != "1" {
		t.Errorf("projects = %+v, want project 1", projects)
	}
}

// TestCLI_Tree tests the tree command in text and yaml form
func TestCLI_Tree(t *testing.T) {
	configPath, _ := syncedConfig(t)

	out, err := runCLI(t, configPath, "tree")
	if err != nil {
		t.Fatalf("tree command failed: %v\n%s", err, out)
	}
	for _, want := range []string{"Web Shop", "shown 3 • automated 2/3", "Payments", "Cards", "Checkout with card"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in tree output, got: %s", want, out)
		}
	}

	out, err = runCLI(t, configPath, "tree", "--filter", "search", "-o", "yaml")
	if err != nil {
		t.Fatalf("tree -o yaml failed: %v\n%s", err, out)
	}
	var doc struct {
		Project string           `yaml:"project"`
		Folders []map[string]any `yaml:"folders"`
		Unfiled []map[string]any `yaml:"unfiled"`
	}
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("tree -o yaml is not YAML: %v\n%s", err, out)
	}
	if len(doc.Folders) != 0 || len(doc.Unfiled) != 1 {
		t.Errorf("filtered tree = %+v, want one unfiled test", doc)
	}
}

// TestCLI_RunWait tests a single run followed to its conclusion
func TestCLI_RunWait(t *testing.T) {
	configPath, gh := syncedConfig(t)

	out, err := runCLI(t, configPath, "run", "10")
	if err != nil {
		t.Fatalf("run command failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Tracking run #") || !strings.Contains(out, "success") {
		t.Errorf("Expected tracked successful run in output, got: %s", out)
	}
	if n := len(gh.Dispatches()); n != 1 {
		t.Errorf("Dispatch count = %d, want 1", n)
	}
}

// TestCLI_RunFailureExitCode tests that a failed run fails the command
func TestCLI_RunFailureExitCode(t *testing.T) {
	configPath, gh := syncedConfig(t)
	gh.SetConclusion("failure")

	out, err := runCLI(t, configPath, "bulk", "--folder", "100", "12")
	if err == nil {
		t.Fatalf("bulk command should fail for a failed run, got: %s", out)
	}
	if !strings.Contains(out, "Dispatching bulk run for 2 tests") {
		t.Errorf("Expected bulk summary in output, got: %s", out)
	}
}

// TestCLI_RunManualTest tests that manual tests are rejected
func TestCLI_RunManualTest(t *testing.T) {
	configPath, gh := syncedConfig(t)

	out, err := runCLI(t, configPath, "run", "11")
	if err == nil {
		t.Fatalf("run should reject a manual test, got: %s", out)
	}
	if !strings.Contains(out, "not automated") {
		t.Errorf("Expected validation message, got: %s", out)
	}
	if n := len(gh.Dispatches()); n != 0 {
		t.Errorf("Dispatch count = %d, want 0", n)
	}
}
