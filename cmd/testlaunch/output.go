package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/session"
	"github.com/hochfrequenz/testrun-launcher/internal/tree"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func checkOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

// encode writes v as JSON or YAML
func encode(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("cannot encode %s", format)
}

func writeProjects(w io.Writer, projects []domain.Project) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "Name"})
	for _, p := range projects {
		t.AppendRow(table.Row{p.ID, p.Name})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d projects", len(projects))})
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.Render()
}

// folderDoc is the serialized form of a folder node
type folderDoc struct {
	ID      string        `json:"id" yaml:"id"`
	Name    string        `json:"name" yaml:"name"`
	Tests   []domain.Test `json:"tests,omitempty" yaml:"tests,omitempty"`
	Folders []folderDoc   `json:"folders,omitempty" yaml:"folders,omitempty"`
}

// treeDoc is the serialized form of a session view
type treeDoc struct {
	Project string        `json:"project" yaml:"project"`
	Query   string        `json:"query,omitempty" yaml:"query,omitempty"`
	Meta    session.Meta  `json:"meta" yaml:"meta"`
	Folders []folderDoc   `json:"folders" yaml:"folders"`
	Unfiled []domain.Test `json:"unfiled,omitempty" yaml:"unfiled,omitempty"`
}

func newTreeDoc(v *session.View) treeDoc {
	var convert func(n *tree.Node) folderDoc
	convert = func(n *tree.Node) folderDoc {
		doc := folderDoc{ID: string(n.Folder.ID), Name: n.Folder.Name, Tests: n.Tests}
		for _, c := range n.Children {
			doc.Folders = append(doc.Folders, convert(c))
		}
		return doc
	}

	doc := treeDoc{
		Project: v.Project.Name,
		Query:   v.Query,
		Meta:    v.Meta,
		Folders: []folderDoc{},
		Unfiled: v.Forest.Unfiled,
	}
	for _, r := range v.Forest.Roots {
		doc.Folders = append(doc.Folders, convert(r))
	}
	return doc
}

// writeTree renders the forest as an indented list. Automatable tests are
// marked with their id so they can be passed to run and bulk.
func writeTree(w io.Writer, v *session.View) {
	l := list.NewWriter()
	l.SetStyle(list.StyleConnectedRounded)

	var add func(n *tree.Node)
	add = func(n *tree.Node) {
		l.AppendItem(text.Bold.Sprint(n.Folder.Name))
		l.Indent()
		for _, c := range n.Children {
			add(c)
		}
		for _, t := range n.Tests {
			l.AppendItem(testItem(t))
		}
		l.UnIndent()
	}
	for _, r := range v.Forest.Roots {
		add(r)
	}
	for _, t := range v.Forest.Unfiled {
		l.AppendItem(testItem(t))
	}

	fmt.Fprintf(w, "%s (%s)\n", v.Project.Name, v.Meta)
	if l.Length() > 0 {
		fmt.Fprintln(w, l.Render())
	}
}

func testItem(t domain.Test) string {
	if t.Automatable() {
		return fmt.Sprintf("%s %s", t.Title, text.FgCyan.Sprintf("[%s]", t.ID))
	}
	return text.Faint.Sprint(t.Title)
}

func writeRun(w io.Writer, rec *domain.RunRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Run", "Title", "Status", "Started", "URL"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Title", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})
	started := ""
	if !rec.CreatedAt.IsZero() {
		started = humanize.Time(rec.CreatedAt)
	}
	t.AppendRow(table.Row{rec.ExecutionID, rec.Title, rec.Label(), started, rec.URL})
	switch rec.Class() {
	case "success":
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case "failure":
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	}
	t.Render()
}
