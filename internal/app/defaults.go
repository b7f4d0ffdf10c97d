package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables read by pkgvault.
const (
	envConfigPath = "PKGVAULT_CONFIG_PATH"
	envHome       = "PKGVAULT_HOME"
	envPassword   = "PKGVAULT_PASSWORD"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - PKGVAULT_CONFIG_PATH: config file location (default: ~/.config/pkgvault.toml)
//   - PKGVAULT_HOME: base directory for pkgvault data (default: ~/.local/share/pkgvault)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"spool_dir":   filepath.Join(baseDir, "spool"),
		"source_root": filepath.Join(baseDir, "packages"),
	}, nil
}

// getConfigPath returns the config file path, checking PKGVAULT_CONFIG_PATH first,
// then falling back to the default ~/.config/pkgvault.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv(envConfigPath); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "pkgvault.toml"), nil
}

// getBaseDir returns the base directory for pkgvault data, checking PKGVAULT_HOME env var first,
// then falling back to the XDG default ~/.local/share/pkgvault.
func getBaseDir() (string, error) {
	if path := os.Getenv(envHome); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "pkgvault"), nil
}

// PasswordFromEnv returns the archive password from PKGVAULT_PASSWORD.
// An unset variable and an empty one both mean no password.
func PasswordFromEnv() (string, bool) {
	pw := os.Getenv(envPassword)
	return pw, pw != ""
}
