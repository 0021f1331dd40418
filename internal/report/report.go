// Package report renders a run's descriptions into human- and
// machine-readable summaries under the run's report directory.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"describify/internal/safeio"
	"describify/internal/steps"
	"describify/internal/workspace"
)

const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatBoth     = "both"
)

// ItemEntry is one item in the JSON report.
type ItemEntry struct {
	Path        string                `json:"path"`
	Kind        workspace.ItemKind    `json:"kind"`
	State       workspace.ItemState   `json:"state"`
	Description string                `json:"description,omitempty"`
	Model       string                `json:"model,omitempty"`
	Usage       *workspace.TokenUsage `json:"usage,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
}

// Totals summarizes a report.
type Totals struct {
	Items       int `json:"items"`
	Described   int `json:"described"`
	Failed      int `json:"failed"`
	TotalTokens int `json:"total_tokens"`
}

// Document is the JSON report root.
type Document struct {
	GeneratedAt time.Time   `json:"generated_at"`
	SourceInput string      `json:"source_input,omitempty"`
	DerivedFrom string      `json:"derived_from,omitempty"`
	Totals      Totals      `json:"totals"`
	Items       []ItemEntry `json:"items"`
}

// Render writes the report files for the run in the requested format, one of
// markdown, json or both. Files land atomically under the report directory.
func Render(runDir string, ws *workspace.Workspace, format string) ([]string, error) {
	switch format {
	case FormatMarkdown, FormatJSON, FormatBoth:
	case "":
		format = FormatMarkdown
	default:
		return nil, fmt.Errorf("report: unknown format %q", format)
	}

	outDir := steps.OutputDir(runDir, steps.StepReport)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	doc := build(runDir, ws)
	var written []string

	if format == FormatJSON || format == FormatBoth {
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		p := filepath.Join(outDir, "report.json")
		if err := safeio.WriteFileAtomic(p, b, 0o644); err != nil {
			return nil, err
		}
		written = append(written, p)
	}
	if format == FormatMarkdown || format == FormatBoth {
		p := filepath.Join(outDir, "report.md")
		if err := safeio.WriteFileAtomic(p, []byte(markdown(doc)), 0o644); err != nil {
			return nil, err
		}
		written = append(written, p)
	}
	return written, nil
}

func build(runDir string, ws *workspace.Workspace) *Document {
	doc := &Document{
		GeneratedAt: time.Now().UTC(),
		DerivedFrom: ws.Provenance.DerivedFrom,
	}
	if man, err := steps.LoadManifest(runDir); err == nil {
		doc.SourceInput = man.SourceInput
	}

	paths := make([]string, 0, len(ws.Items))
	for p := range ws.Items {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		it := ws.Items[p]
		entry := ItemEntry{Path: p, Kind: it.Kind, State: it.State, LastError: it.LastError}
		if d := it.Latest(); d != nil {
			entry.Description = d.Text
			entry.Model = d.Model
			entry.Usage = d.Usage
			doc.Totals.Described++
			if d.Usage != nil {
				doc.Totals.TotalTokens += d.Usage.Total
			}
		}
		if it.State == workspace.StateFailed {
			doc.Totals.Failed++
		}
		doc.Totals.Items++
		doc.Items = append(doc.Items, entry)
	}
	return doc
}

func markdown(doc *Document) string {
	var b strings.Builder
	b.WriteString("# Media Description Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", doc.GeneratedAt.Format(time.RFC3339))
	if doc.SourceInput != "" {
		fmt.Fprintf(&b, "Source: `%s`\n\n", doc.SourceInput)
	}
	if doc.DerivedFrom != "" {
		fmt.Fprintf(&b, "Derived from: `%s`\n\n", doc.DerivedFrom)
	}
	fmt.Fprintf(&b, "| Items | Described | Failed | Tokens |\n|---|---|---|---|\n| %d | %d | %d | %d |\n\n",
		doc.Totals.Items, doc.Totals.Described, doc.Totals.Failed, doc.Totals.TotalTokens)

	for _, it := range doc.Items {
		fmt.Fprintf(&b, "## %s\n\n", filepath.Base(it.Path))
		fmt.Fprintf(&b, "`%s` (%s)\n\n", it.Path, it.Kind)
		switch {
		case it.Description != "":
			b.WriteString(it.Description)
			b.WriteString("\n\n")
			if it.Model != "" {
				fmt.Fprintf(&b, "*Model: %s*", it.Model)
				if it.Usage != nil {
					fmt.Fprintf(&b, " *· %d tokens*", it.Usage.Total)
				}
				b.WriteString("\n\n")
			}
		case it.LastError != "":
			fmt.Fprintf(&b, "**Failed:** %s\n\n", it.LastError)
		default:
			b.WriteString("*Not described.*\n\n")
		}
	}
	return b.String()
}
