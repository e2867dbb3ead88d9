package domain

import (
	"strings"
	"time"
)

// TestID identifies a test case in the test-management system
type TestID string

// FolderID identifies a folder in the test-management system
type FolderID string

// Project is a test-management project
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Test is an immutable test case snapshot
type Test struct {
	ID         TestID `json:"id"`
	Title      string `json:"title"`
	Automation string `json:"automation,omitempty"`
}

// Automatable reports whether a CI run can be dispatched for the test.
// Negated values such as NOT_AUTOMATED are not automatable.
func (t Test) Automatable() bool {
	v := strings.ToLower(strings.TrimSpace(t.Automation))
	if strings.HasPrefix(v, "not") || strings.HasPrefix(v, "non") {
		return false
	}
	return strings.Contains(v, "automated") || v == "auto"
}

// Folder is a node of the project folder forest. An empty ParentID, or one
// that does not resolve, makes the folder a root.
type Folder struct {
	ID       FolderID `json:"id"`
	Name     string   `json:"name"`
	ParentID FolderID `json:"parent_id,omitempty"`
}

// FolderMembership places a test in a folder
type FolderMembership struct {
	TestID   TestID   `json:"test_id"`
	FolderID FolderID `json:"folder_id"`
}

// Snapshot is the canonical, read-only view of one project
type Snapshot struct {
	Project     Project
	GeneratedAt time.Time
	TotalCount  int
	Tests       []Test
	Folders     []Folder
	Memberships []FolderMembership
}

// AutomatedCount returns the number of automatable tests in the snapshot
func (s *Snapshot) AutomatedCount() int {
	n := 0
	for _, t := range s.Tests {
		if t.Automatable() {
			n++
		}
	}
	return n
}

// TestByID returns the test with the given id
func (s *Snapshot) TestByID(id TestID) (Test, bool) {
	for _, t := range s.Tests {
		if t.ID == id {
			return t, true
		}
	}
	return Test{}, false
}
