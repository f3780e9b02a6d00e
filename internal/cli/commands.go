package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"entitlementd/internal/app"
	"entitlementd/internal/exporter"
	"entitlementd/internal/license"
	"entitlementd/internal/session"
	api "entitlementd/pkg/contracts/api/v1"
	"entitlementd/pkg/contracts/domain"
)

func newStatusCommand(rt *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Resolve and show the current session",
		Long:  `Initializes the session the same way the daemon does at startup (cached state first, then the license server) and prints the result.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withCore(cmd, func(ctx context.Context, core *app.Core, logger *slog.Logger) error {
				core.Manager.Init(ctx)
				return rt.printState(ctx, cmd.OutOrStdout(), core.Manager, core.Manager.Snapshot())
			})
		},
	}
}

func newActivateCommand(rt *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "activate LICENSE-KEY",
		Short: "Activate a license key on this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withCore(cmd, func(ctx context.Context, core *app.Core, logger *slog.Logger) error {
				snap, err := core.Manager.ActivateLicense(ctx, args[0])
				if err != nil {
					return fmt.Errorf("activate %s: %w", license.MaskKey(args[0]), err)
				}
				return rt.printState(ctx, cmd.OutOrStdout(), core.Manager, snap)
			})
		},
	}
}

func newLoginCommand(rt *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "login [TOKEN]",
		Short: "Start a browser login, or complete one with the issued token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withCore(cmd, func(ctx context.Context, core *app.Core, logger *slog.Logger) error {
				if len(args) == 0 {
					url, err := core.Manager.StartLogin(ctx)
					if err != nil {
						return err
					}
					if rt.jsonOut {
						return rt.printJSON(cmd.OutOrStdout(), api.LoginStartResponse{URL: url})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to sign in:\n  %s\n", url)
					return nil
				}

				snap, err := core.Manager.CompleteLogin(ctx, args[0])
				if err != nil {
					return fmt.Errorf("complete login: %w", err)
				}
				return rt.printState(ctx, cmd.OutOrStdout(), core.Manager, snap)
			})
		},
	}
}

func newRefreshCommand(rt *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-verify the stored credential with the license server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withCore(cmd, func(ctx context.Context, core *app.Core, logger *slog.Logger) error {
				core.Manager.Init(ctx)
				res := core.Manager.Refresh(ctx)
				if res.Err != nil {
					return res.Err
				}

				outcome := "unchanged"
				if res.Verification.Valid || res.Verification.Error != license.ErrorNone {
					outcome = res.Verification.Outcome()
				}
				if rt.jsonOut {
					return rt.printJSON(cmd.OutOrStdout(), api.RefreshResponse{
						Updated: res.Updated,
						Outcome: outcome,
						State:   rt.statusResponse(ctx, core.Manager, res.Snapshot),
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Refresh: %s (updated: %t)\n", outcome, res.Updated)
				return rt.printState(ctx, cmd.OutOrStdout(), core.Manager, res.Snapshot)
			})
		},
	}
}

func newLogoutCommand(rt *settings) *cobra.Command {
	var keepLocal bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the session and erase the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withCore(cmd, func(ctx context.Context, core *app.Core, logger *slog.Logger) error {
				core.Manager.Logout(ctx, keepLocal)
				return rt.printState(ctx, cmd.OutOrStdout(), core.Manager, core.Manager.Snapshot())
			})
		},
	}
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep the stored credential and cached verification")
	return cmd
}

func newDeactivateCommand(rt *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Release this device's license seat and erase local data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withCore(cmd, func(ctx context.Context, core *app.Core, logger *slog.Logger) error {
				core.Manager.DeactivateDevice(ctx)
				return rt.printState(ctx, cmd.OutOrStdout(), core.Manager, core.Manager.Snapshot())
			})
		},
	}
}

func newGateCommand(rt *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "gate TIER FEATURE",
		Short: "Check whether the session grants TIER; exits 2 when it does not",
		Example: `  entitlementctl gate pro export
  entitlementctl gate lifetime priority-support`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			minimum, feature := domain.ParseTier(args[0]), args[1]
			if string(minimum) != args[0] {
				return fmt.Errorf("unknown tier %q (free, pro, lifetime)", args[0])
			}

			return rt.withCore(cmd, func(ctx context.Context, core *app.Core, logger *slog.Logger) error {
				core.Manager.Init(ctx)

				out := cmd.OutOrStdout()
				upsell := session.UpsellFunc(func(ctx context.Context, req session.UpsellRequest) {
					if rt.jsonOut {
						_ = rt.printJSON(out, req)
						return
					}
					fmt.Fprintf(out, "%s requires the %s tier (current: %s)\n", req.Feature, req.Required, req.Current)
				})

				gate := session.NewTierGate(core.Manager, upsell, logger, nil)
				if !gate.RequireTier(ctx, minimum, feature) {
					return ErrAccessDenied
				}
				if rt.jsonOut {
					return rt.printJSON(out, api.FeatureResponse{Feature: feature, Allowed: true, Tier: core.Manager.Snapshot().Tier()})
				}
				fmt.Fprintf(out, "%s: allowed\n", feature)
				return nil
			})
		},
	}
}

func newExportCommand(rt *settings) *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the entitlement report as CSV or XLSX (pro)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := exporter.ParseFormat(format)
			if err != nil {
				return err
			}

			return rt.withCore(cmd, func(ctx context.Context, core *app.Core, logger *slog.Logger) error {
				core.Manager.Init(ctx)

				gate := session.NewTierGate(core.Manager, nil, logger, nil)
				if !gate.RequireTier(ctx, domain.TierPro, "export") {
					fmt.Fprintf(cmd.ErrOrStderr(), "export requires the %s tier (current: %s)\n", domain.TierPro, core.Manager.Snapshot().Tier())
					return ErrAccessDenied
				}

				rec, err := core.Manager.LicenseRecord(ctx)
				if err != nil {
					return fmt.Errorf("read license record: %w", err)
				}
				report := exporter.NewReport(core.Manager.Snapshot(), rec, time.Now())

				if out == "" {
					return exporter.Write(cmd.OutOrStdout(), f, report)
				}
				file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
				if err != nil {
					return fmt.Errorf("failed to open file: %w", err)
				}
				if err := exporter.Write(file, f, report); err != nil {
					file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return err
				}
				logger.InfoContext(ctx, "Report exported", slog.String("path", out), slog.String("format", string(f)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(exporter.FormatCSV), "csv or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func (rt *settings) statusResponse(ctx context.Context, m *session.Manager, snap session.Snapshot) api.StatusResponse {
	resp := api.StatusResponse{
		Status:       string(snap.Status),
		User:         snap.User,
		IsLoggedIn:   snap.IsLoggedIn,
		IsPro:        snap.IsPro,
		Tier:         snap.Tier(),
		Optimistic:   snap.Optimistic,
		RefreshArmed: m.RefreshArmed(),
		UpdatedAt:    snap.UpdatedAt,
	}
	if snap.Rejection != nil {
		resp.Rejection = string(snap.Rejection.Kind)
		resp.MaxDevices = snap.Rejection.MaxDevices
	}
	if rec, err := m.LicenseRecord(ctx); err == nil && rec != nil && rec.LicenseKey != "" {
		resp.License = &api.LicenseInfo{
			MaskedKey:   license.MaskKey(rec.LicenseKey),
			Type:        rec.Type,
			ExpiresAt:   rec.ExpiresAt,
			DaysLeft:    rec.DaysLeft(time.Now()),
			MaxDevices:  rec.MaxDevices,
			DeviceCount: rec.DeviceCount,
		}
	}
	return resp
}

func (rt *settings) printState(ctx context.Context, w io.Writer, m *session.Manager, snap session.Snapshot) error {
	resp := rt.statusResponse(ctx, m, snap)
	if rt.jsonOut {
		return rt.printJSON(w, resp)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Status:\t%s\n", resp.Status)
	if resp.User != nil && resp.User.Email != "" {
		fmt.Fprintf(tw, "User:\t%s\n", resp.User.Email)
	}
	fmt.Fprintf(tw, "Tier:\t%s\n", resp.Tier)
	if resp.Optimistic {
		fmt.Fprintf(tw, "Offline:\tshowing cached verification\n")
	}
	if resp.Rejection != "" {
		fmt.Fprintf(tw, "Rejected:\t%s\n", resp.Rejection)
	}
	if lic := resp.License; lic != nil {
		expiry := "never expires"
		if lic.DaysLeft >= 0 {
			expiry = fmt.Sprintf("%d days left", lic.DaysLeft)
		}
		fmt.Fprintf(tw, "License:\t%s (%s, %s)\n", lic.MaskedKey, lic.Type, expiry)
	}
	return tw.Flush()
}
