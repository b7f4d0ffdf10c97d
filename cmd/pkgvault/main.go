package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkgvault/internal/app"
	"pkgvault/internal/config"
	"pkgvault/internal/host"
	"pkgvault/internal/pv"
)

func main() {
	os.Exit(run())
}

// run executes the CLI. An interrupt cancels the running session.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if f := cmd.Flags().Lookup("chunk"); f != nil && f.Changed {
		cfg.Backup.ChunkSize, _ = cmd.Flags().GetInt("chunk")
	}
	if f := cmd.Flags().Lookup("metrics-textfile"); f != nil && f.Changed {
		cfg.Metrics.TextfilePath, _ = cmd.Flags().GetString("metrics-textfile")
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run.
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	opts := app.Options{LogLevel: slog.LevelWarn}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		opts.LogLevel = slog.LevelDebug
	}
	if f := cmd.Flags().Lookup("incremental"); f != nil {
		opts.Incremental, _ = cmd.Flags().GetBool("incremental")
	}

	a, err := app.NewApp(cmd.Context(), cfg, operation, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// password returns the archive password from PKGVAULT_PASSWORD, or prompts
// for it when --password-prompt is set. No password means a plaintext archive.
func password(cmd *cobra.Command, confirm bool) (string, error) {
	prompt, _ := cmd.Flags().GetBool("password-prompt")
	if !prompt {
		pw, _ := app.PasswordFromEnv()
		return pw, nil
	}

	pw := readPassword("Password: ")
	if pw == "" {
		return "", fmt.Errorf("empty password")
	}
	if confirm && readPassword("Confirm password: ") != pw {
		return "", fmt.Errorf("passwords do not match")
	}
	return pw, nil
}

func readPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err == nil {
			return string(pw)
		}
	}
	input, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(input)
}

func printReport(verb string, report *host.Report) {
	for _, o := range report.Outcomes {
		line := fmt.Sprintf("%-14s %-8s %-30s %d bytes", o.Status, o.Type, o.Package, o.Bytes)
		if o.Err != nil && o.Status != pv.StatusOK {
			line += "  (" + o.Err.Error() + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("%s %d package(s), %d bytes; %d over quota, %d failed\n",
		verb,
		report.Count(pv.StatusOK),
		report.Bytes(),
		report.Count(pv.StatusQuotaExceeded),
		report.Count(pv.StatusError),
	)
}

var rootCmd = &cobra.Command{
	Use:          "pkgvault",
	Short:        "Encrypted package archive backup and restore",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])
		cfg.Backup.SpoolDir = defaults["spool_dir"]
		cfg.Source.Root = defaults["source_root"]

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID:     %s\n", hostID)
		fmt.Printf("Base Dir:    %s\n", defaults["base_dir"])
		fmt.Printf("Source Root: %s\n", cfg.Source.Root)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		quota := "unlimited"
		if cfg.Backup.Quota > 0 {
			quota = fmt.Sprintf("%d bytes", cfg.Backup.Quota)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:     %s\n", cfg.HostID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Container:   %s (%s)\n", cfg.Container.Name, cfg.Container.Type)
		fmt.Printf("Database:    %s\n", cfg.Database.Type)
		fmt.Printf("Source Root: %s\n", cfg.Source.Root)
		fmt.Printf("Quota:       %s\n", quota)
		fmt.Printf("Chunk Size:  %d\n", cfg.Backup.ChunkSize)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup [PACKAGE...]",
	Short: "Back up packages into the archive",
	Long:  "Back up the named packages, or every package under the source root, into a new archive.",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		quota, _ := cmd.Flags().GetInt64("quota")

		pw, err := password(cmd, true)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "backup")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Backup(cmd.Context(), source, args, pw, quota)
		if report != nil {
			printReport("Backed up", report)
		}
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		return report.Failed()
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore [PACKAGE...]",
	Short: "Restore packages from the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		pw, err := password(cmd, false)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "restore")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Restore(cmd.Context(), out, args, pw)
		if report != nil {
			printReport("Restored", report)
		}
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		return report.Failed()
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List packages stored in the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "list")
		if err != nil {
			return err
		}
		defer a.Close()

		descs, err := a.List()
		if err != nil {
			return err
		}
		if len(descs) == 0 {
			fmt.Printf("No packages in %s.\n", a.Container())
			return nil
		}
		for _, d := range descs {
			fmt.Printf("%-8s %s\n", d.Type, d.Name)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [SESSION]",
	Short: "View session history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "history")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			results, err := a.PackageResults(args[0])
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No packages recorded for this session.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%-14s %-30s %d bytes\n", r.Result, r.Package, r.Bytes)
			}
			return nil
		}

		sessions, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}
		for _, s := range sessions {
			duration := s.FinishedAt.Sub(s.StartedAt).Truncate(time.Millisecond)
			fmt.Printf("%s  %-7s  %s  %-10s  %3d pkg  %s  %s\n",
				s.ID,
				s.Kind,
				s.StartedAt.Local().Format("2006-01-02 15:04:05"),
				s.Result,
				s.Packages,
				duration,
				s.Destination,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Echo debug logging to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	backupCmd.Flags().String("source", "", "Package tree to back up (default: configured source root)")
	backupCmd.Flags().Int64("quota", 0, "Per-package byte quota (default: configured quota)")
	backupCmd.Flags().Int("chunk", pv.ChunkSize, "Bytes sent per pull")
	backupCmd.Flags().Bool("incremental", false, "Send key/value packages as deltas")
	backupCmd.Flags().Bool("password-prompt", false, "Prompt for the archive password instead of reading PKGVAULT_PASSWORD")
	backupCmd.Flags().String("metrics-textfile", "", "Write Prometheus metrics to this file")

	restoreCmd.Flags().StringP("out", "o", "", "Directory to restore packages into")
	restoreCmd.Flags().Bool("password-prompt", false, "Prompt for the archive password instead of reading PKGVAULT_PASSWORD")
	restoreCmd.Flags().String("metrics-textfile", "", "Write Prometheus metrics to this file")
	_ = restoreCmd.MarkFlagRequired("out")

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of sessions to show")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
}
