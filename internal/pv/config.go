package pv

import (
	"math"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// UnlimitedQuota is the default quota when none is configured.
const UnlimitedQuota int64 = math.MaxInt64

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// Prefixes are the entry names used inside the archive.
type Prefixes struct {
	Full     string `validate:"required"`
	KeyValue string `validate:"required,nefield=Full"`
	Salt     string `validate:"required"`
}

// DefaultPrefixes returns the standard entry names.
func DefaultPrefixes() Prefixes {
	return Prefixes{Full: "full/", KeyValue: "incr/", Salt: "salt"}
}

// BackupConfiguration is the immutable input of one backup session.
type BackupConfiguration struct {
	Container Container `validate:"required"`
	// Packages is the set of packages the host will send. The archive is
	// finalized after this many packages have been ended.
	Packages     []string `validate:"required,min=1,unique,dive,required,excludesall=/"`
	Password     string
	Quota        int64 `validate:"gt=0"`
	Prefixes     Prefixes
	Capabilities Capabilities
	// SpoolFs and SpoolDir hold the unfinalized full-blob entry. A nil
	// SpoolFs means the OS filesystem.
	SpoolFs  afero.Fs
	SpoolDir string
}

// BackupOption customizes a BackupConfiguration.
type BackupOption func(*BackupConfiguration)

func WithPassword(password string) BackupOption {
	return func(c *BackupConfiguration) { c.Password = password }
}

func WithQuota(quota int64) BackupOption {
	return func(c *BackupConfiguration) { c.Quota = quota }
}

func WithPrefixes(p Prefixes) BackupOption {
	return func(c *BackupConfiguration) { c.Prefixes = p }
}

func WithCapabilities(caps Capabilities) BackupOption {
	return func(c *BackupConfiguration) { c.Capabilities = caps }
}

func WithSpool(fs afero.Fs, dir string) BackupOption {
	return func(c *BackupConfiguration) {
		c.SpoolFs = fs
		c.SpoolDir = dir
	}
}

// NewBackupConfiguration builds and validates a configuration. Duplicate
// package names are collapsed, keeping the first occurrence.
func NewBackupConfiguration(c Container, packages []string, opts ...BackupOption) (BackupConfiguration, error) {
	cfg := BackupConfiguration{
		Container: c,
		Packages:  lo.Uniq(packages),
		Quota:     UnlimitedQuota,
		Prefixes:  DefaultPrefixes(),
		SpoolFs:   afero.NewOsFs(),
		SpoolDir:  os.TempDir(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return BackupConfiguration{}, err
	}
	return cfg, nil
}

// Validate checks the configuration without touching the container.
func (c BackupConfiguration) Validate() error {
	if err := defaultValidator.Struct(c); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

// RestoreConfiguration is the input of one restore session.
type RestoreConfiguration struct {
	Source   Container `validate:"required"`
	Password string
	Prefixes Prefixes
}

// NewRestoreConfiguration builds and validates a restore configuration.
func NewRestoreConfiguration(source Container, password string) (RestoreConfiguration, error) {
	cfg := RestoreConfiguration{
		Source:   source,
		Password: password,
		Prefixes: DefaultPrefixes(),
	}
	if err := cfg.Validate(); err != nil {
		return RestoreConfiguration{}, err
	}
	return cfg, nil
}

func (c RestoreConfiguration) Validate() error {
	if err := defaultValidator.Struct(c); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}
