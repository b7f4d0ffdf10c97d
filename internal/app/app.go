package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"pkgvault/internal/config"
	"pkgvault/internal/container"
	"pkgvault/internal/database"
	"pkgvault/internal/fs"
	"pkgvault/internal/host"
	"pkgvault/internal/metrics"
	"pkgvault/internal/model"
	"pkgvault/internal/pv"
)

// App is the application layer between the CLI and the archive engine.
// It constructs all dependencies from config, exposes high-level operations,
// and releases resources on Close.
type App struct {
	cfg        *config.Config
	fs         afero.Fs
	db         *database.SQLiteDatabase
	container  pv.Container
	transport  *pv.Transport
	controller *host.Controller
	metrics    *metrics.Registry
	history    *HistoryObserver
	logger     pv.Logger
	logFile    *os.File
}

// Options adjusts how an App is built.
type Options struct {
	// LogLevel is the minimum level echoed to stderr. The log file gets everything.
	LogLevel slog.Level
	// Incremental marks key/value packages as deltas.
	Incremental bool
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run and tags every log line.
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	c, err := container.NewContainerFromConfig(ctx, cfg.Container, cfg.Backup.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	opID := operation + "-" + time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, opts.LogLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	reg := metrics.NewRegistry()
	history := NewHistoryObserver(db, logger)
	transport := pv.NewTransport(logger, pv.MultiObserver{history, reg}, pv.RealClock{}, pv.UUIDGenerator{})

	return &App{
		cfg:        cfg,
		fs:         afero.NewOsFs(),
		db:         db,
		container:  c,
		transport:  transport,
		controller: host.NewController(transport, logger, host.WithChunkSize(cfg.Backup.ChunkSize), host.WithIncremental(opts.Incremental)),
		metrics:    reg,
		history:    history,
		logger:     logger,
		logFile:    logFile,
	}, nil
}

// Container returns the configured archive destination.
func (a *App) Container() pv.Container {
	return a.container
}

func (a *App) sourceTree(root string) (*fs.Tree, error) {
	if root == "" {
		root = a.cfg.Source.Root
	}
	if root == "" {
		return nil, fmt.Errorf("no source root configured")
	}
	return fs.NewTree(a.fs, root, a.cfg.Source.Ignore)
}

// Backup archives packages from the source tree at root (the configured
// root when empty). An empty package list backs up every package in the tree.
func (a *App) Backup(ctx context.Context, root string, packages []string, password string, quota int64) (*host.Report, error) {
	tree, err := a.sourceTree(root)
	if err != nil {
		return nil, err
	}

	if len(packages) == 0 {
		found, err := tree.Packages()
		if err != nil {
			return nil, fmt.Errorf("listing packages: %w", err)
		}
		packages = lo.Map(found, func(p fs.Package, _ int) string { return p.Name })
	}
	if len(packages) == 0 {
		return nil, fmt.Errorf("no packages found under %s", tree.Root())
	}

	if quota <= 0 {
		quota = a.cfg.Backup.Quota
	}
	opts := []pv.BackupOption{
		pv.WithPassword(password),
		pv.WithSpool(a.fs, a.cfg.Backup.SpoolDir),
		pv.WithCapabilities(pv.Capabilities{ReportsIncrementalFlags: a.cfg.Backup.ReportsIncrementalFlags}),
	}
	if quota > 0 {
		opts = append(opts, pv.WithQuota(quota))
	}

	cfg, err := pv.NewBackupConfiguration(a.container, packages, opts...)
	if err != nil {
		return nil, err
	}

	a.logger.Info("backup starting", "destination", a.container.String(), "packages", len(cfg.Packages))
	report, err := a.controller.Backup(ctx, tree, cfg)
	if err != nil {
		return report, err
	}
	return report, a.history.Err()
}

// Restore writes packages from the archive into outDir. An empty package
// list restores everything in the archive.
func (a *App) Restore(ctx context.Context, outDir string, packages []string, password string) (*host.Report, error) {
	if outDir == "" {
		return nil, fmt.Errorf("no output directory given")
	}
	dst, err := fs.NewTree(a.fs, outDir, nil)
	if err != nil {
		return nil, err
	}

	cfg, err := pv.NewRestoreConfiguration(a.container, password)
	if err != nil {
		return nil, err
	}

	a.logger.Info("restore starting", "source", a.container.String(), "out", outDir)
	report, err := a.controller.Restore(ctx, dst, cfg, packages)
	if err != nil {
		return report, err
	}
	return report, a.history.Err()
}

// List returns the packages stored in the archive.
func (a *App) List() ([]pv.RestoreDescription, error) {
	return pv.ListPackages(a.container, pv.DefaultPrefixes())
}

// History returns the most recent sessions, newest first.
func (a *App) History(limit int) ([]*model.Session, error) {
	return a.db.ListSessions(limit)
}

// PackageResults returns the per-package outcomes of a recorded session.
func (a *App) PackageResults(sessionID string) ([]*model.PackageResult, error) {
	return a.db.PackageResults(sessionID)
}

// Close writes the metrics textfile when configured and releases the
// database and log file.
func (a *App) Close() error {
	var errs []error

	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
