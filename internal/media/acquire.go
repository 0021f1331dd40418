// Package media brings source files into a run directory and drives the
// ffmpeg steps that turn videos and odd formats into describable images.
package media

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"describify/internal/steps"
)

// ImageExts are the formats describable without conversion.
var ImageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true, ".gif": true,
}

// VideoExts are the formats routed through frame extraction.
var VideoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true, ".m4v": true,
}

// ConvertExts are image formats providers reject; they go through convert.
var ConvertExts = map[string]bool{
	".heic": true, ".heif": true, ".tiff": true, ".tif": true, ".avif": true,
}

func mediaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ImageExts[ext] || VideoExts[ext] || ConvertExts[ext]
}

// AcquireLocal copies every media file under srcDir into the run's acquire
// directory. Each file lands via write-temp-then-rename, so a crash never
// leaves a half-written media file in place.
func AcquireLocal(ctx context.Context, srcDir, runDir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	outDir := steps.OutputDir(runDir, steps.StepAcquire)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	var acquired []string
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !mediaFile(d.Name()) {
			return nil
		}
		dst := filepath.Join(outDir, d.Name())
		if err := copyAtomic(path, dst); err != nil {
			return fmt.Errorf("media: acquire %s: %w", path, err)
		}
		acquired = append(acquired, dst)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(acquired)
	logger.Info("acquired local media", "source", srcDir, "files", len(acquired))
	return acquired, nil
}

func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".acquire-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// S3Config locates a bucket of source media.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3ConfigFromEnv reads the MEDIA_S3_* variables. A missing endpoint means
// S3 acquisition is not configured, which is not an error.
func S3ConfigFromEnv() (S3Config, bool) {
	cfg := S3Config{
		Endpoint:  strings.TrimSpace(os.Getenv("MEDIA_S3_ENDPOINT")),
		Region:    strings.TrimSpace(os.Getenv("MEDIA_S3_REGION")),
		AccessKey: strings.TrimSpace(os.Getenv("MEDIA_S3_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("MEDIA_S3_SECRET_KEY")),
		Bucket:    strings.TrimSpace(os.Getenv("MEDIA_S3_BUCKET")),
		Prefix:    strings.TrimSpace(os.Getenv("MEDIA_S3_PREFIX")),
		UseSSL:    os.Getenv("MEDIA_S3_USE_SSL") == "true",
	}
	return cfg, cfg.Endpoint != ""
}

// S3Source pulls source media out of an object store bucket.
type S3Source struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

func NewS3Source(cfg S3Config, logger *slog.Logger) (*S3Source, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("media: s3 endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("media: s3 access key and secret key are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("media: s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("media: init s3 client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Source{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// Acquire downloads every media object under the configured prefix into the
// run's acquire directory. Downloads go through minio's own temp-then-rename,
// so the directory only ever holds complete files.
func (s *S3Source) Acquire(ctx context.Context, runDir string) ([]string, error) {
	outDir := steps.OutputDir(runDir, steps.StepAcquire)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	prefix := s.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var acquired []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := filepath.Base(obj.Key)
		if !mediaFile(name) {
			continue
		}
		dst := filepath.Join(outDir, name)
		if err := s.client.FGetObject(ctx, s.bucket, obj.Key, dst, minio.GetObjectOptions{}); err != nil {
			return nil, fmt.Errorf("media: fetch %s: %w", obj.Key, err)
		}
		acquired = append(acquired, dst)
	}
	sort.Strings(acquired)
	s.logger.Info("acquired bucket media", "bucket", s.bucket, "prefix", s.prefix, "files", len(acquired))
	return acquired, nil
}
