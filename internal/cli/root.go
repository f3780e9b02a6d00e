// Package cli implements entitlementctl, a command-line front end that
// drives the session manager in-process against the same local store as
// the daemon.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"entitlementd/internal/app"
	"entitlementd/internal/config"
	"entitlementd/internal/infrastructure"
	"entitlementd/pkg/contracts"
)

// ErrAccessDenied is returned by the gate command when the tier is insufficient
var ErrAccessDenied = errors.New("access denied")

// settings carries the global flags and the collaborators commands share
type settings struct {
	configFile string
	logLevel   string
	jsonOut    bool
	opts       app.Options
}

// NewRootCommand builds the entitlementctl command tree. opts overrides
// collaborators; the zero value uses the real store and verifier.
func NewRootCommand(opts app.Options) *cobra.Command {
	rt := &settings{opts: opts}

	root := &cobra.Command{
		Use:           "entitlementctl",
		Short:         "Inspect and manage the local entitlement session",
		Long:          `entitlementctl reads and changes the session stored by entitlementd: activate a license, complete a login, refresh, log out or release this device.`,
		Version:       contracts.GetFullVersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&rt.configFile, "config", "", "path to entitlement.yaml (default: discovered)")
	root.PersistentFlags().StringVar(&rt.logLevel, "log-level", "warn", "log level written to stderr")
	root.PersistentFlags().BoolVar(&rt.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newStatusCommand(rt),
		newActivateCommand(rt),
		newLoginCommand(rt),
		newRefreshCommand(rt),
		newLogoutCommand(rt),
		newDeactivateCommand(rt),
		newGateCommand(rt),
		newExportCommand(rt),
	)
	return root
}

// Execute runs entitlementctl and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(app.Options{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAccessDenied):
		return 2
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

// withCore loads configuration, builds the session core and runs fn
func (rt *settings) withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.Core, logger *slog.Logger) error) error {
	cfg, err := rt.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	logger := infrastructure.NewLoggerWithWriter(cmd.ErrOrStderr(), rt.logLevel)
	ctx := infrastructure.WithTraceID(cmd.Context(), infrastructure.GenerateTraceID())

	core, err := app.NewCore(ctx, cfg, logger, nil, rt.opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.WarnContext(ctx, "Failed to close store", slog.String("error", err.Error()))
		}
	}()

	return fn(ctx, core, logger)
}

func (rt *settings) loadConfig() (*config.Config, error) {
	if rt.configFile != "" {
		if !config.FileExists(rt.configFile) {
			return nil, fmt.Errorf("config file %s: %w", rt.configFile, os.ErrNotExist)
		}
		return config.LoadFrom(rt.configFile)
	}
	return config.Load()
}

func (rt *settings) printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
