package catalog

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
)

// Record is one raw object from the test-management API. Field names vary
// between API versions and exports, so records stay untyped until Normalize.
type Record map[string]any

// Field lookups, first match wins. Dotted names descend into nested objects.
var (
	nameFields       = []string{"name", "title"}
	titleFields      = []string{"title", "name"}
	automationFields = []string{"automation", "automation_status", "automationStatus", "automated"}
	parentFields     = []string{"parent_id", "parentId", "parent_folder_id", "parentFolderId", "parent.id"}
	testRefFields    = []string{"testcase_id", "testcaseId", "test_id", "testId", "testcase.id"}
	folderRefFields  = []string{"testcase_folder_id", "testcaseFolderId", "folder_id", "folderId", "testcase_folder.id", "folder.id"}
)

// String returns the first non-empty value among names, rendered as a string.
// Numeric ids become their decimal form.
func (r Record) String(names ...string) string {
	for _, name := range names {
		if s := stringify(r.lookup(name)); s != "" {
			return s
		}
	}
	return ""
}

func (r Record) lookup(name string) any {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if rec, isRec := cur.(Record); isRec {
				m = rec
			} else {
				return nil
			}
		}
		cur = m[part]
	}
	return cur
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if x {
			return "automated"
		}
		return ""
	default:
		return ""
	}
}

// TestsDocument is the per-project export: the test list plus the folder
// forest and the folder/test mapping.
type TestsDocument struct {
	ProjectID      any       `json:"projectId"`
	ProjectName    string    `json:"projectName"`
	GeneratedAt    time.Time `json:"generatedAt"`
	TotalCount     int       `json:"totalCount"`
	Data           []Record  `json:"data"`
	Folders        []Record  `json:"folders"`
	FolderMappings []Record  `json:"folderMappings"`
}

// ProjectsDocument lists the available projects
type ProjectsDocument struct {
	GeneratedAt time.Time `json:"generatedAt"`
	TotalCount  int       `json:"totalCount"`
	Data        []Record  `json:"data"`
}

// NormalizeProjects maps raw project records onto domain projects, skipping
// records without an id.
func NormalizeProjects(records []Record) []domain.Project {
	out := make([]domain.Project, 0, len(records))
	for _, r := range records {
		id := r.String("id")
		if id == "" {
			continue
		}
		out = append(out, domain.Project{ID: id, Name: r.String(nameFields...)})
	}
	return out
}

// Normalize converts a tests document into the canonical snapshot. Records
// without an id are dropped; duplicate ids keep their first occurrence.
func Normalize(doc *TestsDocument) *domain.Snapshot {
	snap := &domain.Snapshot{
		Project: domain.Project{
			ID:   stringify(doc.ProjectID),
			Name: doc.ProjectName,
		},
		GeneratedAt: doc.GeneratedAt,
		TotalCount:  doc.TotalCount,
	}

	seenTests := make(map[domain.TestID]bool, len(doc.Data))
	for _, r := range doc.Data {
		id := domain.TestID(r.String("id"))
		if id == "" || seenTests[id] {
			continue
		}
		seenTests[id] = true
		snap.Tests = append(snap.Tests, domain.Test{
			ID:         id,
			Title:      r.String(titleFields...),
			Automation: r.String(automationFields...),
		})
	}

	seenFolders := make(map[domain.FolderID]bool, len(doc.Folders))
	for _, r := range doc.Folders {
		id := domain.FolderID(r.String("id"))
		if id == "" || seenFolders[id] {
			continue
		}
		seenFolders[id] = true
		snap.Folders = append(snap.Folders, domain.Folder{
			ID:       id,
			Name:     r.String(nameFields...),
			ParentID: domain.FolderID(r.String(parentFields...)),
		})
	}

	for _, r := range doc.FolderMappings {
		tid := domain.TestID(r.String(testRefFields...))
		fid := domain.FolderID(r.String(folderRefFields...))
		if tid == "" || fid == "" {
			continue
		}
		snap.Memberships = append(snap.Memberships, domain.FolderMembership{TestID: tid, FolderID: fid})
	}

	if snap.TotalCount == 0 {
		snap.TotalCount = len(snap.Tests)
	}
	return snap
}
