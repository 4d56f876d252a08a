package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/floorops/floorops/internal/analytics"
	"github.com/floorops/floorops/internal/cache"
	"github.com/floorops/floorops/internal/config"
	"github.com/floorops/floorops/internal/httpapi"
	"github.com/floorops/floorops/internal/logging"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/routing"
	"github.com/floorops/floorops/internal/schedule"
	"github.com/floorops/floorops/internal/store"
	"github.com/floorops/floorops/internal/store/memstore"
	"github.com/floorops/floorops/internal/store/postgres"
	"github.com/floorops/floorops/internal/vision/camera"
	"github.com/floorops/floorops/internal/vision/dispatch"
)

const (
	appName = "floorops"
	version = "v1.0.0"
)

var (
	configPath string
	useMemory  bool
)

func main() {
	// A missing .env is fine; explicit env always wins.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Restaurant floor operations: vision pipeline, routing, scheduling, analytics",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML")
	rootCmd.PersistentFlags().BoolVar(&useMemory, "memstore", false, "run against the in-process store (demo mode)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(rollupCmd())
	rootCmd.AddCommand(tiersCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime is the wired process: store, cache, and registries shared by
// every subcommand.
type runtime struct {
	cfg   config.Config
	store store.Store
	cache cache.Cache
	reg   *metrics.Registry
	prom  *prometheus.Registry
	close func()
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log)

	prom := prometheus.NewRegistry()
	reg := metrics.New(prom)

	rt := &runtime{cfg: cfg, reg: reg, prom: prom, close: func() {}}

	if useMemory || cfg.Database.DSN == "" {
		log.Warn().Msg("No database configured; using the in-process store")
		rt.store = memstore.New()
	} else {
		pg, err := postgres.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		rt.store = pg
		rt.close = func() { pg.Close() }
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.cache = cache.NewRedis(client)
		prev := rt.close
		rt.close = func() {
			_ = client.Close()
			prev()
		}
	} else {
		rt.cache = cache.NewMemory()
	}
	return rt, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the camera capture pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(cmd.Context(), rt)
		},
	}
}

func serve(parent context.Context, rt *runtime) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	disp := dispatch.New(rt.cfg.Classifier, rt.cfg.Pipeline.MaxInFlightPerCam, rt.store, rt.cache, rt.reg)
	supervisor := camera.NewSupervisor(rt.store, disp, rt.cfg.Pipeline, rt.reg)

	api := &httpapi.Server{
		Store:   rt.store,
		Cache:   rt.cache,
		Router:  routing.New(rt.store, rt.cache, rt.reg),
		Engine:  schedule.New(rt.store, rt.reg),
		Rollups: analytics.New(rt.store, rt.reg),
		Capture: supervisor,
		Prom:    rt.prom,
	}
	srv := &http.Server{
		Addr:         rt.cfg.HTTP.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  rt.cfg.HTTP.ReadTimeout,
		WriteTimeout: rt.cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown did not complete cleanly")
		}
		// Let queued classifier dispatches drain before exit.
		disp.Wait()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("Shutdown complete")
	return err
}

func scheduleCmd() *cobra.Command {
	var restaurantID, weekStart string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Generate a draft schedule for one week",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			rid, err := uuid.Parse(restaurantID)
			if err != nil {
				return fmt.Errorf("invalid --restaurant: %w", err)
			}
			ws, err := time.Parse("2006-01-02", weekStart)
			if err != nil {
				return fmt.Errorf("invalid --week: %w", err)
			}

			run, err := schedule.New(rt.store, rt.reg).Run(cmd.Context(), rid, ws)
			if err != nil {
				return err
			}
			log.Info().Str("status", run.Status).Int("items", run.ItemsCreated).
				Float64("coverage_pct", run.CoveragePct).Float64("gini", run.FairnessGini).
				Msg("Schedule run finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&restaurantID, "restaurant", "", "restaurant id")
	cmd.Flags().StringVar(&weekStart, "week", "", "week start date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("restaurant")
	_ = cmd.MarkFlagRequired("week")
	return cmd
}

func rollupCmd() *cobra.Command {
	var restaurantID, period, start string
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Compute analytics rollups for a period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			rid, err := uuid.Parse(restaurantID)
			if err != nil {
				return fmt.Errorf("invalid --restaurant: %w", err)
			}
			at, err := time.Parse("2006-01-02", start)
			if err != nil {
				// Hourly windows carry a time of day.
				at, err = time.Parse(time.RFC3339, start)
			}
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}

			r := analytics.New(rt.store, rt.reg)
			err = r.Run(cmd.Context(), rid, period, at)
			if err == nil && period == "weekly" {
				// Weekly close also refreshes performance tiers.
				err = r.RecalculateTiers(cmd.Context(), rid, at.AddDate(0, 0, -21))
			}
			if err != nil {
				return err
			}
			log.Info().Str("period", period).Str("start", start).Msg("Rollup complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&restaurantID, "restaurant", "", "restaurant id")
	cmd.Flags().StringVar(&period, "period", "daily", "rollup period (hourly|daily|weekly|monthly)")
	cmd.Flags().StringVar(&start, "start", "", "period start (YYYY-MM-DD or RFC3339)")
	_ = cmd.MarkFlagRequired("restaurant")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func tiersCmd() *cobra.Command {
	var restaurantID string
	var windowDays int
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Recalculate waiter performance tiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			rid, err := uuid.Parse(restaurantID)
			if err != nil {
				return fmt.Errorf("invalid --restaurant: %w", err)
			}
			since := time.Now().UTC().AddDate(0, 0, -windowDays)
			if err := analytics.New(rt.store, rt.reg).RecalculateTiers(cmd.Context(), rid, since); err != nil {
				return err
			}
			log.Info().Int("window_days", windowDays).Msg("Tier recalculation complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&restaurantID, "restaurant", "", "restaurant id")
	cmd.Flags().IntVar(&windowDays, "window-days", 28, "lookback window in days")
	_ = cmd.MarkFlagRequired("restaurant")
	return cmd
}
