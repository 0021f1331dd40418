package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"describify/internal/config"
	"describify/internal/steps"
)

func TestAcquireLocalCopiesOnlyMediaFiles(t *testing.T) {
	src := t.TempDir()
	runDir := t.TempDir()
	files := map[string]string{
		"a.jpg":      "jpeg bytes",
		"clip.mp4":   "video bytes",
		"scan.heic":  "heic bytes",
		"notes.txt":  "not media",
		"readme.mdx": "not media",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := AcquireLocal(context.Background(), src, runDir, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("acquired %d files: %v", len(got), got)
	}
	for _, p := range got {
		b, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if string(b) != files[filepath.Base(p)] {
			t.Fatalf("content mismatch for %s", p)
		}
	}

	// no temp residue in the acquire directory
	entries, err := os.ReadDir(steps.OutputDir(runDir, steps.StepAcquire))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".acquire-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestAcquireLocalIsIdempotent(t *testing.T) {
	src := t.TempDir()
	runDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.png"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := AcquireLocal(context.Background(), src, runDir, nil); err != nil {
		t.Fatal(err)
	}
	// re-acquiring replaces in place without error
	if err := os.WriteFile(filepath.Join(src, "a.png"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := AcquireLocal(context.Background(), src, runDir, nil)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	b, _ := os.ReadFile(got[0])
	if string(b) != "v2" {
		t.Fatalf("expected replacement, got %q", b)
	}
}

func TestMediaFileClassification(t *testing.T) {
	cases := map[string]bool{
		"photo.JPG":  true,
		"frame.webp": true,
		"clip.MOV":   true,
		"scan.tiff":  true,
		"doc.pdf":    false,
		"noext":      false,
	}
	for name, want := range cases {
		if got := mediaFile(name); got != want {
			t.Fatalf("mediaFile(%q) = %v, want %v", name, got, want)
		}
	}
}

// fakeFFmpeg writes a small script that logs its argv and fabricates output
// frames, standing in for the real binary.
func fakeFFmpeg(t *testing.T) (argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args.txt")
	script := filepath.Join(dir, "ffmpeg-fake")
	body := `#!/bin/sh
printf '%s\n' "$@" > ` + argsFile + `
# last argument is the output pattern or file
out=""
for a in "$@"; do out="$a"; done
case "$out" in
*%05d*)
  printf fake > "$(printf "$out" 1)"
  printf fake > "$(printf "$out" 2)"
  ;;
*)
  printf fake > "$out"
  ;;
esac
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FFMPEG_BIN", script)
	return argsFile
}

func TestExtractFramesInvokesSamplerAndRenamesIntoPlace(t *testing.T) {
	argsFile := fakeFFmpeg(t)
	runDir := t.TempDir()
	video := filepath.Join(t.TempDir(), "holiday.mp4")
	if err := os.WriteFile(video, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Extract{FrameIntervalSec: 10, ImageFormat: "jpg", MaxDimension: 1024}
	frames, err := NewFFmpeg(nil).ExtractFrames(context.Background(), video, runDir, cfg)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames: %v", frames)
	}
	wantDir := filepath.Join(steps.OutputDir(runDir, steps.StepExtract), "holiday")
	if filepath.Dir(frames[0]) != wantDir {
		t.Fatalf("frames in %s, want %s", filepath.Dir(frames[0]), wantDir)
	}

	argv, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	got := string(argv)
	if !strings.Contains(got, "fps=1/10") {
		t.Fatalf("interval missing from argv: %s", got)
	}
	if !strings.Contains(got, "min(iw,1024)") {
		t.Fatalf("scale cap missing from argv: %s", got)
	}

	// no scratch directory left behind
	entries, _ := os.ReadDir(steps.OutputDir(runDir, steps.StepExtract))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".extract-") {
			t.Fatalf("scratch dir left behind: %s", e.Name())
		}
	}
}

func TestConvertProducesConfiguredFormat(t *testing.T) {
	fakeFFmpeg(t)
	runDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "scan.heic")
	if err := os.WriteFile(src, []byte("heic"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := NewFFmpeg(nil).Convert(context.Background(), src, runDir, config.Extract{ImageFormat: "png"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if filepath.Base(out) != "scan.png" {
		t.Fatalf("output: %s", out)
	}
	if filepath.Dir(out) != steps.OutputDir(runDir, steps.StepConvert) {
		t.Fatalf("output dir: %s", out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}
