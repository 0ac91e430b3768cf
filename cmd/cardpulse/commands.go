// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/cardpulse/internal/aggregate"
	"github.com/tomtom215/cardpulse/internal/api"
	"github.com/tomtom215/cardpulse/internal/atomicfile"
	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/pipeline"
	"github.com/tomtom215/cardpulse/internal/reconcile"
	"github.com/tomtom215/cardpulse/internal/refresh"
	"github.com/tomtom215/cardpulse/internal/snapshot"
)

// withRuntime opens the runtime for the duration of fn.
func (a *app) withRuntime(fn func(rt *runtime) error) error {
	rt, err := openRuntime(a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing runtime")
		}
	}()
	return fn(rt)
}

// dateArgs validates positional dates before anything is opened, so a typo
// fails fast with a non-zero exit.
func dateArgs(args []string) (models.DateRange, error) {
	return models.ParseDateArgs(args, models.Today(time.Now()))
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func refreshCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh [start] [end]",
		Short: "Run one refresh in the foreground, printing its events as NDJSON",
		Long: `Fetch, fold and roll up a date range exactly as POST /api/v1/refresh
does. With no dates the rolling refresh window ending today is used.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req refresh.Request
			if len(args) > 0 {
				r, err := dateArgs(args)
				if err != nil {
					return err
				}
				req = refresh.Request{Start: r.Start, End: r.End}
			}
			req.Force = force
			return a.withRuntime(func(rt *runtime) error {
				return runRefresh(cmd.Context(), rt, req, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "refetch days that already have snapshots")
	return cmd
}

func runRefresh(ctx context.Context, rt *runtime, req refresh.Request, out io.Writer) error {
	orch := refresh.New(rt.pipeline, refresh.Options{
		WindowDays:       rt.cfg.Refresh.WindowDays,
		SubscriberBuffer: rt.cfg.Refresh.SubscriberBuffer,
		State:            rt.refreshState(),
	})
	defer orch.Close()

	ctx = logging.ContextWithNewCorrelationID(ctx)
	sub, _, err := orch.Start(ctx, req)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					return errors.New("refresh event stream fell behind")
				}
				return nil
			}
			if err := writeJSONLine(out, ev); err != nil {
				return err
			}
			if ev.Type == refresh.EventError {
				if data, ok := ev.Data.(refresh.ErrorData); ok {
					return fmt.Errorf("refresh failed: %s", data.Message)
				}
				return errors.New("refresh failed")
			}
		case <-ctx.Done():
			// Close lets the running day finish before returning.
			orch.Close()
			return ctx.Err()
		}
	}
}

func fetchRawCmd(a *app) *cobra.Command {
	var (
		force bool
		types []string
	)
	cmd := &cobra.Command{
		Use:   "fetch-raw [start] [end]",
		Short: "Fetch raw snapshots without building rollups",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := dateArgs(args)
			if err != nil {
				return err
			}
			selected, err := parseTypes(types)
			if err != nil {
				return err
			}
			return a.withRuntime(func(rt *runtime) error {
				ctx := logging.ContextWithNewCorrelationID(cmd.Context())
				var failed int
				for _, day := range r.Days() {
					results, err := rt.pipeline.FetchDay(ctx, day, selected, force)
					for _, fr := range results {
						if fr.Error != "" {
							failed++
						}
						if werr := writeJSONLine(cmd.OutOrStdout(), fr); werr != nil {
							return werr
						}
					}
					if err != nil {
						return err
					}
				}
				if failed > 0 {
					logging.Warn().Int("failed", failed).Str("range", r.String()).Msg("Some snapshots were stored as error markers")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "refetch even when a snapshot exists")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "snapshot types to fetch (analytics, sessions, placements)")
	return cmd
}

func parseTypes(names []string) ([]snapshot.Type, error) {
	if len(names) == 0 {
		return snapshot.AllTypes, nil
	}
	types := make([]snapshot.Type, 0, len(names))
	for _, n := range names {
		t, err := snapshot.ParseType(n)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func buildRollupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build-rollups [start] [end]",
		Short: "Rebuild daily rollup documents from stored snapshots",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := dateArgs(args)
			if err != nil {
				return err
			}
			return a.withRuntime(func(rt *runtime) error {
				docs, err := rt.pipeline.BuildRange(cmd.Context(), r)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Built %d daily documents for %s in %s\n", len(docs), r, rt.daily.Dir())
				return err
			})
		},
	}
}

func exportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <start> [end]",
		Short: "Write the placements/sessions aggregate export from raw snapshots",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := dateArgs(args)
			if err != nil {
				return err
			}
			return a.withRuntime(func(rt *runtime) error {
				reg, err := rt.registry.Load(rt.rules)
				if err != nil {
					return err
				}
				export, err := aggregate.Build(cmd.Context(), rt.snapshots, r, reg)
				if err != nil {
					return err
				}
				dir := filepath.Dir(rt.cfg.Storage.AggregateFile)
				if err := export.Write(dir); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Exported %d FIs for %s to %s\n", len(export.Placements), r, dir)
				return err
			})
		},
	}
}

func auditCmd(a *app) *cobra.Command {
	var (
		csvPath        string
		failOnMismatch bool
	)
	cmd := &cobra.Command{
		Use:   "audit <fi_lookup_key|ALL> <start> [end]",
		Short: "Compare placement counts across raw snapshots, rollups and the aggregate export",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := dateArgs(args[1:])
			if err != nil {
				return err
			}
			return a.withRuntime(func(rt *runtime) error {
				auditor := reconcile.NewAuditor(rt.snapshots, rt.daily, rt.cfg.Storage.AggregateFile)
				return runAudit(cmd.Context(), auditor, args[0], r, cmd.OutOrStdout(), csvPath, failOnMismatch)
			})
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "also save the CSV comparison to this file")
	cmd.Flags().BoolVar(&failOnMismatch, "fail-on-mismatch", false, "exit non-zero when any FI disagrees")
	return cmd
}

// runAudit prints the CSV comparison (header, one row per FI, TOTAL) followed
// by the summary table to out. csvPath, when set, receives the same CSV.
func runAudit(ctx context.Context, auditor *reconcile.Auditor, fi string, r models.DateRange, out io.Writer, csvPath string, failOnMismatch bool) error {
	report, err := auditor.Audit(ctx, fi, r)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := report.WriteCSV(&buf); err != nil {
		return err
	}
	if _, err := out.Write(buf.Bytes()); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out); err != nil {
		return err
	}
	if err := report.WriteTable(out); err != nil {
		return err
	}
	if csvPath != "" {
		if err := atomicfile.WriteFile(csvPath, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", csvPath, err)
		}
	}
	if n := len(report.Mismatches()); n > 0 && failOnMismatch {
		return fmt.Errorf("%d FIs disagree across sources", n)
	}
	return nil
}

func registryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Maintain the FI registry",
	}

	var dryRun bool
	migrate := &cobra.Command{
		Use:   "migrate <legacy.json>",
		Short: "Convert a legacy single-instance registry file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var raw map[string]json.RawMessage
			if err := json.Unmarshal(data, &raw); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			return a.withRuntime(func(rt *runtime) error {
				reg, err := identity.Migrate(raw, rt.rules)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d FIs into %d entries\n", len(raw), reg.Len())
				if dryRun {
					return nil
				}
				return rt.registry.Save(reg)
			})
		},
	}
	migrate.Flags().BoolVar(&dryRun, "dry-run", false, "report without writing the registry")

	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Add registry entries for (fi, instance) pairs seen only in daily documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(func(rt *runtime) error {
				added, err := rt.pipeline.Backfill(cmd.Context())
				if err != nil {
					return err
				}
				for _, k := range added {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %d entries\n", len(added))
				return nil
			})
		},
	}

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the registry from every stored session and placement snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(func(rt *runtime) error {
				reg, err := rt.pipeline.RebuildRegistry(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Registry rebuilt with %d entries\n", reg.Len())
				return err
			})
		},
	}

	cmd.AddCommand(migrate, backfill, rebuild)
	return cmd
}

func tokenCmd(a *app) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for POST /api/v1/refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.cfg.Security.RefreshTokenSecret
			if secret == "" {
				return errors.New("security.refresh_token_secret is not set")
			}
			token, err := api.IssueRefreshToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// Compile-time check that the pipeline drives the orchestrator.
var _ refresh.Runner = (*pipeline.Pipeline)(nil)
