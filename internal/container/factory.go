package container

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"pkgvault/internal/config"
	"pkgvault/internal/pv"
)

// NewContainerFromConfig creates a Container implementation based on the container config type.
func NewContainerFromConfig(ctx context.Context, cfg config.ContainerConfig, spoolDir string) (pv.Container, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryContainer(cfg.Name), nil
	case "s3":
		if cfg.S3Bucket == "" || cfg.S3Key == "" {
			return nil, fmt.Errorf("s3 container requires s3_bucket and s3_key to be set")
		}
		return NewS3Container(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Key:             cfg.S3Key,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
			SpoolFs:         afero.NewOsFs(),
			SpoolDir:        spoolDir,
		})
	case "filesystem":
		if cfg.Path == "" {
			return nil, fmt.Errorf("filesystem container requires path to be set")
		}
		return NewFileSystemContainer(afero.NewOsFs(), cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown container type: %s", cfg.Type)
	}
}
