package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"describify/internal/workspace"
)

func sampleWorkspace() *workspace.Workspace {
	ws := workspace.New("/media/in")
	ok := ws.AddItem("/run/acquire/beach.jpg", workspace.KindSourceImage)
	ok.State = workspace.StateCompleted
	ok.Descriptions = []workspace.Description{{
		Text:  "A sandy beach at sunset.",
		Model: "llava",
		Usage: &workspace.TokenUsage{Prompt: 80, Completion: 40, Total: 120},
	}}
	bad := ws.AddItem("/run/acquire/blurry.jpg", workspace.KindSourceImage)
	bad.State = workspace.StateFailed
	bad.LastError = "image rejected by provider"
	return ws
}

func TestRenderJSONTotalsAndOrdering(t *testing.T) {
	runDir := t.TempDir()
	written, err := Render(runDir, sampleWorkspace(), FormatJSON)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(written) != 1 || filepath.Base(written[0]) != "report.json" {
		t.Fatalf("written: %v", written)
	}

	b, err := os.ReadFile(written[0])
	if err != nil {
		t.Fatal(err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if doc.Totals.Items != 2 || doc.Totals.Described != 1 || doc.Totals.Failed != 1 || doc.Totals.TotalTokens != 120 {
		t.Fatalf("totals: %+v", doc.Totals)
	}
	// items sort by path for stable output
	if doc.Items[0].Path != "/run/acquire/beach.jpg" {
		t.Fatalf("ordering: %v", doc.Items)
	}
	if doc.Items[1].LastError == "" {
		t.Fatalf("failed item must carry its error")
	}
}

func TestRenderMarkdownIncludesDescriptionsAndFailures(t *testing.T) {
	runDir := t.TempDir()
	written, err := Render(runDir, sampleWorkspace(), FormatMarkdown)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, err := os.ReadFile(written[0])
	if err != nil {
		t.Fatal(err)
	}
	md := string(b)
	for _, want := range []string{
		"# Media Description Report",
		"A sandy beach at sunset.",
		"*Model: llava*",
		"**Failed:** image rejected by provider",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestRenderBothWritesTwoFiles(t *testing.T) {
	runDir := t.TempDir()
	written, err := Render(runDir, sampleWorkspace(), FormatBoth)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("written: %v", written)
	}
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	if _, err := Render(t.TempDir(), sampleWorkspace(), "pdf"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
