package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/factory"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(seedPlansCmd)
	rootCmd.AddCommand(purgeGuestsCmd)

	serveCmd.Flags().Bool("scenarios", false, "Mount the demo scenario loaders")
	seedPlansCmd.Flags().StringP("file", "f", "", "Plan catalog file (default: plans_file from config)")
}

// =============================================================================
// SERVE
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.PlansFile != "" {
		if err := seedPlans(ctx, a, a.cfg.PlansFile); err != nil {
			return err
		}
	}

	scenarios, _ := cmd.Flags().GetBool("scenarios")
	router := api.NewRouter(api.NewHandler(a.service, a.log), api.RouterOptions{
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Health:      a.health,
		Scenarios:   scenarios,
	})

	var scheduler *api.SweepScheduler
	if a.cfg.Sweep.SchedulerEnabled {
		scheduler = api.NewSweepScheduler(a.service, a.cfg.Sweep.Interval, a.log)
		scheduler.Start(ctx)
	}

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Credit engine listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	a.log.Info("Shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("Server stopped")
	return nil
}

// =============================================================================
// SWEEP
// =============================================================================

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one monthly allocation sweep",
	Long: `Grant the monthly allowance to every eligible user and print the
result as JSON. Safe to run repeatedly: principals already allocated this
calendar month are skipped.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.service.RunMonthlyAllocationSweep(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d of %d principals failed", res.Failed, res.Eligible)
		}
		return nil
	},
}

// =============================================================================
// SEED-PLANS
// =============================================================================

var seedPlansCmd = &cobra.Command{
	Use:   "seed-plans",
	Short: "Upsert the plan catalog from a file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			path = a.cfg.PlansFile
		}
		if path == "" {
			return errors.New("no plan file: pass --file or set plans_file")
		}
		return seedPlans(cmd.Context(), a, path)
	},
}

func seedPlans(ctx context.Context, a *app, path string) error {
	plans, err := factory.LoadFile(path, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, p := range plans {
		if err := a.service.SavePlan(ctx, p); err != nil {
			return fmt.Errorf("save plan %s: %w", p.ID, err)
		}
	}
	a.log.Info("Plan catalog seeded", zap.String("file", path), zap.Int("plans", len(plans)))
	return nil
}

// =============================================================================
// PURGE-GUESTS
// =============================================================================

var purgeGuestsCmd = &cobra.Command{
	Use:   "purge-guests",
	Short: "Delete expired durable guest balances",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.service.PurgeExpiredGuests(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired guest balances\n", n)
		return nil
	},
}
