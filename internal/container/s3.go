package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"pkgvault/internal/pv"
)

// S3Uploader is an interface for uploading objects to S3.
// This allows for easy mocking in tests.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Downloader is an interface for downloading objects from S3.
type S3Downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error)
}

// S3Config contains configuration for the S3 container.
type S3Config struct {
	Bucket          string
	Key             string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool

	SpoolFs  afero.Fs
	SpoolDir string
	Timeout  time.Duration
}

// S3Container stores the archive as one S3 object. The engine needs random
// access, so both directions go through a local spool file: writes are
// uploaded on Close, reads download the whole object first.
type S3Container struct {
	bucket     string
	key        string
	uploader   S3Uploader
	downloader S3Downloader
	spoolFs    afero.Fs
	spoolDir   string
	timeout    time.Duration
}

// NewS3Container creates a new S3 container with the given configuration.
func NewS3Container(ctx context.Context, cfg S3Config) (*S3Container, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	// Custom endpoint for S3-compatible services (R2, MinIO, etc.)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return NewS3ContainerWithClients(cfg, manager.NewUploader(client), manager.NewDownloader(client)), nil
}

// NewS3ContainerWithClients creates an S3 container with custom transfer
// clients. This is useful for testing.
func NewS3ContainerWithClients(cfg S3Config, uploader S3Uploader, downloader S3Downloader) *S3Container {
	spoolFs := cfg.SpoolFs
	if spoolFs == nil {
		spoolFs = afero.NewOsFs()
	}
	spoolDir := cfg.SpoolDir
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &S3Container{
		bucket:     cfg.Bucket,
		key:        cfg.Key,
		uploader:   uploader,
		downloader: downloader,
		spoolFs:    spoolFs,
		spoolDir:   spoolDir,
		timeout:    timeout,
	}
}

// Create returns a spool-backed writer that uploads the archive on Close.
func (c *S3Container) Create() (io.WriteCloser, error) {
	if err := c.spoolFs.MkdirAll(c.spoolDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	f, err := afero.TempFile(c.spoolFs, c.spoolDir, "pkgvault-s3-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return &s3Writer{File: f, c: c}, nil
}

// Open downloads the archive into a spool file and returns a handle on it.
// The spool file is removed when the handle is closed.
func (c *S3Container) Open() (pv.ReadHandle, error) {
	if err := c.spoolFs.MkdirAll(c.spoolDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	f, err := afero.TempFile(c.spoolFs, c.spoolDir, "pkgvault-s3-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := c.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		f.Close()
		c.spoolFs.Remove(f.Name())
		return nil, fmt.Errorf("failed to download %s: %w", c.String(), err)
	}
	return &spoolHandle{File: f, fs: c.spoolFs, size: n}, nil
}

func (c *S3Container) String() string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, c.key)
}

type s3Writer struct {
	afero.File
	c      *S3Container
	closed bool
}

func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	name := w.Name()
	defer w.c.spoolFs.Remove(name)
	defer w.File.Close()

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.c.timeout)
	defer cancel()

	_, err := w.c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.c.bucket),
		Key:         aws.String(w.c.key),
		Body:        w.File,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to %s: %w", w.c.String(), err)
	}
	return nil
}

type spoolHandle struct {
	afero.File
	fs   afero.Fs
	size int64
}

func (h *spoolHandle) Size() int64 { return h.size }

func (h *spoolHandle) Close() error {
	err := h.File.Close()
	h.fs.Remove(h.Name())
	return err
}

// Compile-time check that S3Container implements pv.Container interface
var _ pv.Container = (*S3Container)(nil)
