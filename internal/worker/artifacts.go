package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"background-jobs/internal/config"
)

// Uploader stores a generated artifact and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Artifacts routes uploads to the local output directory or S3.
type Artifacts struct {
	Local Uploader
	S3    Uploader
}

// NewArtifacts always provides local storage and adds S3 when a bucket is
// configured.
func NewArtifacts(ctx context.Context, cfg config.Config) (*Artifacts, error) {
	baseDir := cfg.OutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	a := &Artifacts{Local: &LocalUploader{BaseDir: baseDir}}
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.S3 = &S3Uploader{Client: client, Bucket: cfg.S3Bucket}
	}
	return a, nil
}

// Pick returns the uploader for destination ("local", "s3" or empty for the
// preferred one).
func (a *Artifacts) Pick(destination string) (Uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if a.S3 == nil {
			return nil, Permanent(errors.New("destination s3 requested but S3_BUCKET is not configured"))
		}
		return a.S3, nil
	case "local":
		if a.Local == nil {
			return nil, Permanent(errors.New("local output is not configured"))
		}
		return a.Local, nil
	case "":
		if a.S3 != nil {
			return a.S3, nil
		}
		if a.Local != nil {
			return a.Local, nil
		}
		return nil, errors.New("no uploader configured")
	default:
		return nil, Permanent(fmt.Errorf("unknown destination %q", destination))
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// sanitizeKey keeps artifact keys relative so uploads cannot escape the
// output directory.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// LocalUploader writes artifacts below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts artifacts into a bucket.
type S3Uploader struct {
	Client *s3.Client
	Bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}
