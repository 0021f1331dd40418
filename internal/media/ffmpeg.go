package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"describify/internal/config"
	"describify/internal/steps"
)

// FFmpeg shells out to the ffmpeg binary for frame extraction and image
// conversion. The binary is resolved from FFMPEG_BIN, falling back to PATH.
type FFmpeg struct {
	bin    string
	logger *slog.Logger
}

func NewFFmpeg(logger *slog.Logger) *FFmpeg {
	bin := strings.TrimSpace(os.Getenv("FFMPEG_BIN"))
	if bin == "" {
		bin = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{bin: bin, logger: logger}
}

func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.bin)
	return err == nil
}

func (f *FFmpeg) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, f.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 2048 {
			msg = msg[:2048]
		}
		return fmt.Errorf("media: %s: %w: %s", f.bin, err, msg)
	}
	return nil
}

// scaleFilter caps the longer edge at max while keeping aspect ratio. ffmpeg
// requires even dimensions for most encoders, hence force_divisible_by.
func scaleFilter(max int) string {
	return fmt.Sprintf("scale='min(iw,%d)':'min(ih,%d)':force_original_aspect_ratio=decrease:force_divisible_by=2", max, max)
}

// ExtractFrames samples one frame every cfg.FrameIntervalSec seconds of the
// video into frames/<video-name>/. Extraction happens in a scratch directory
// that is renamed into place only on success, so a killed run never leaves a
// partial frame set behind.
func (f *FFmpeg) ExtractFrames(ctx context.Context, video, runDir string, cfg config.Extract) ([]string, error) {
	base := strings.TrimSuffix(filepath.Base(video), filepath.Ext(video))
	finalDir := filepath.Join(steps.OutputDir(runDir, steps.StepExtract), base)
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(filepath.Dir(finalDir), ".extract-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	interval := cfg.FrameIntervalSec
	if interval <= 0 {
		interval = 5
	}
	format := cfg.ImageFormat
	if format == "" {
		format = "jpg"
	}

	vf := fmt.Sprintf("fps=1/%d", interval)
	if cfg.MaxDimension > 0 {
		vf += "," + scaleFilter(cfg.MaxDimension)
	}
	pattern := filepath.Join(scratch, "frame-%05d."+format)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", video,
		"-vf", vf,
		"-q:v", "2",
		pattern,
	}
	if err := f.run(ctx, args...); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(finalDir); err != nil {
		return nil, err
	}
	if err := os.Rename(scratch, finalDir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(finalDir)
	if err != nil {
		return nil, err
	}
	var frames []string
	for _, e := range entries {
		if !e.IsDir() {
			frames = append(frames, filepath.Join(finalDir, e.Name()))
		}
	}
	sort.Strings(frames)
	f.logger.Info("extracted frames", "video", video, "frames", len(frames), "interval_sec", interval)
	return frames, nil
}

// Convert transcodes one image into the run's convert directory in the
// configured format, via temp-then-rename.
func (f *FFmpeg) Convert(ctx context.Context, src, runDir string, cfg config.Extract) (string, error) {
	format := cfg.ImageFormat
	if format == "" {
		format = "jpg"
	}
	outDir := steps.OutputDir(runDir, steps.StepConvert)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(outDir, base+"."+format)
	tmp := filepath.Join(outDir, ".convert-"+base+"."+format)
	defer os.Remove(tmp)

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y", "-i", src}
	if cfg.MaxDimension > 0 {
		args = append(args, "-vf", scaleFilter(cfg.MaxDimension))
	}
	args = append(args, "-f", "image2", tmp)
	if err := f.run(ctx, args...); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	return dst, nil
}
