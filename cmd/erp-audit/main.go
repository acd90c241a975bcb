package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/erezept/erp/internal/config"
	"github.com/erezept/erp/internal/domain/auditevent"
	"github.com/erezept/erp/internal/platform/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "erp-audit",
		Short:        "E-prescription audit log service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(syncCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the audit log API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Callers' bearer tokens are forwarded to the FHIR service.
	tokens := auditevent.ForwardedToken(auditevent.StaticToken(cfg.FHIRToken))
	a, err := newApp(ctx, cfg, logger, tokens)
	if err != nil {
		return err
	}
	defer a.Close()

	api := a.newServer()
	metrics := a.newMetricsServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(logger, "api", api, ":"+cfg.Port) })
	g.Go(func() error { return listen(logger, "metrics", metrics, ":"+cfg.MetricsPort) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(api.Shutdown(shutdownCtx), metrics.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(ctx context.Context, m *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.HasStore() {
		return fmt.Errorf("DATABASE_URL is required")
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, db.MigrationFS, "migrations"))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read and manage a profile's audit log",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print a profile's audit log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			profileID, _ := cmd.Flags().GetString("profile")
			loads, _ := cmd.Flags().GetInt("loads")
			asJSON, _ := cmd.Flags().GetBool("json")
			if profileID == "" {
				return fmt.Errorf("--profile is required")
			}
			if loads < 0 {
				return fmt.Errorf("--loads must not be negative")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger, auditevent.StaticToken(cfg.FHIRToken))
			if err != nil {
				return err
			}
			defer a.Close()

			uc := auditevent.NewUseCase(a.repo, logger)
			return printEvents(ctx, cmd.OutOrStdout(), uc, profileID, loads, asJSON)
		},
	}
	listCmd.Flags().String("profile", "", "Profile whose audit log is read")
	listCmd.Flags().Int("loads", 1, "Number of page loads (0 reads everything)")
	listCmd.Flags().Bool("json", false, "Print one JSON record per line")
	cmd.AddCommand(listCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete a profile's locally stored audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			profileID, _ := cmd.Flags().GetString("profile")
			if profileID == "" {
				return fmt.Errorf("--profile is required")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.HasStore() {
				return fmt.Errorf("DATABASE_URL is required")
			}
			a, err := newApp(ctx, cfg, logger, auditevent.StaticToken(cfg.FHIRToken))
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.store.DeleteByProfile(ctx, profileID)
			if err != nil {
				return err
			}
			if a.cached != nil {
				if err := a.cached.Invalidate(ctx, profileID); err != nil {
					logger.Warn().Err(err).Str("profile_id", profileID).Msg("audit page cache invalidation failed")
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit event(s) of profile %s.\n", deleted, profileID)
			return nil
		},
	}
	purgeCmd.Flags().String("profile", "", "Profile whose stored audit log is deleted")
	cmd.AddCommand(purgeCmd)

	return cmd
}

func printEvents(ctx context.Context, w io.Writer, uc *auditevent.UseCase, profileID string, loads int, asJSON bool) error {
	enc := json.NewEncoder(w)
	if !asJSON {
		fmt.Fprintf(w, "%-20s %-36s %-28s %s\n", "TIMESTAMP", "AUDIT ID", "TASK", "DESCRIPTION")
	}
	return uc.Walk(ctx, profileID, loads, func(records []auditevent.Record) error {
		for _, r := range records {
			if asJSON {
				if err := enc.Encode(r); err != nil {
					return err
				}
				continue
			}
			task := "-"
			if r.TaskID != nil {
				task = *r.TaskID
			}
			fmt.Fprintf(w, "%-20s %-36s %-28s %s\n", r.Timestamp.UTC().Format("2006-01-02 15:04:05"), r.AuditID, task, r.Description)
		}
		return nil
	})
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download the audit logs of profiles into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, _ := cmd.Flags().GetStringSlice("profile")
			loads, _ := cmd.Flags().GetInt("loads")
			if len(profiles) == 0 {
				return fmt.Errorf("at least one --profile is required")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.HasStore() {
				return fmt.Errorf("DATABASE_URL is required")
			}
			// Sync always asks the FHIR service; the page cache is bypassed.
			cfg.AuditCacheTTL = 0
			cfg.LocalFallback = false
			a, err := newApp(ctx, cfg, logger, auditevent.StaticToken(cfg.FHIRToken))
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := syncProfiles(ctx, auditevent.NewUseCase(a.repo, logger), a.store, profiles, loads, cfg.SyncConcurrency)
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s downloaded %5d  stored %5d\n", r.ProfileID, r.Downloaded, r.Stored)
			}
			return err
		},
	}
	cmd.Flags().StringSlice("profile", nil, "Profile to synchronize (repeatable)")
	cmd.Flags().Int("loads", 0, "Page loads per profile (0 reads everything)")
	return cmd
}

// profileCounter reports how many events of a profile are stored.
type profileCounter interface {
	CountByProfile(ctx context.Context, profileID string) (int, error)
}

type syncResult struct {
	ProfileID  string
	Downloaded int
	Stored     int
}

// syncProfiles walks the audit log of every profile, at most concurrency
// at a time. Results keep the order of profiles; the first failure cancels
// the remaining work.
func syncProfiles(ctx context.Context, uc *auditevent.UseCase, store profileCounter, profiles []string, loads, concurrency int) ([]syncResult, error) {
	results := make([]syncResult, len(profiles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, profileID := range profiles {
		g.Go(func() error {
			records, err := uc.Collect(gctx, profileID, loads)
			if err != nil {
				return fmt.Errorf("sync profile %s: %w", profileID, err)
			}
			stored, err := store.CountByProfile(gctx, profileID)
			if err != nil {
				return fmt.Errorf("count profile %s: %w", profileID, err)
			}
			results[i] = syncResult{ProfileID: profileID, Downloaded: len(records), Stored: stored}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
