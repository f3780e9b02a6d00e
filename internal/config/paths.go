package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// AppDirName is the per-user directory holding data and logs
const AppDirName = "entitlementd"

// DefaultBaseDir returns the per-user configuration directory for the app
func DefaultBaseDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(dir, AppDirName), nil
}

// EnsureDirectories creates the data and logs directories
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogsDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogPathResolution logs resolved paths for debugging
func (c *Config) LogPathResolution(logger *slog.Logger) {
	logger.Info("Resolved application paths",
		slog.String("base_dir", c.Paths.BaseDir),
		slog.String("data_dir", c.Paths.DataDir),
		slog.String("logs_dir", c.Paths.LogsDir),
		slog.String("store_path", c.StorePath()),
		slog.String("storage_driver", c.Storage.Driver),
	)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
