package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebill/carebill/internal/config"
	"github.com/carebill/carebill/internal/domain/budget"
	"github.com/carebill/carebill/internal/domain/payment"
	"github.com/carebill/carebill/internal/domain/plan"
	"github.com/carebill/carebill/internal/platform/audit"
	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/internal/platform/db"
	"github.com/carebill/carebill/internal/platform/dedup"
	"github.com/carebill/carebill/internal/platform/middleware"
	"github.com/carebill/carebill/internal/platform/notify"
	"github.com/carebill/carebill/internal/platform/processor"
	"github.com/carebill/carebill/internal/platform/render"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carebill-server",
		Short: "Treatment plan billing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// sweepCmd runs one budget-expiry pass and exits. The serve command also
// sweeps on a ticker; this entry point exists for cron-driven deployments.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue budgets once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := budget.NewService(
				budget.NewRepoPG(pool),
				budget.NewAcceptanceRepoPG(pool),
				plan.NewRepoPG(pool),
				plan.NewItemRepoPG(pool),
				pool,
				nil,
				audit.NewPGSink(pool, logger),
				nil,
				logger,
				cfg.DefaultBudgetValidityDays,
			)
			expired, err := svc.ExpireDue(ctx, cfg.SweepBatchSize)
			if err != nil {
				return err
			}
			logger.Info().Int("expired", expired).Msg("budget sweep complete")
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func distributionStrategy(name string) payment.Strategy {
	if name == "sequential" {
		return payment.Sequential{}
	}
	return payment.Proportional{}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Duplicate-payment guard. Redis keeps the window shared across
	// instances; a single node falls back to in-process state.
	var guard dedup.Guard
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		guard = dedup.NewRedisGuard(client)
		logger.Info().Msg("duplicate-payment guard backed by redis")
	} else {
		guard = dedup.NewMemoryGuard()
		logger.Warn().Msg("REDIS_URL not set; duplicate-payment guard is in-memory only")
	}

	// Payment processor client. Without credentials the stub approves
	// everything, which is only acceptable in development.
	var gateway processor.Gateway
	if cfg.ProcessorBaseURL != "" {
		gateway = processor.NewClient(cfg.ProcessorBaseURL, cfg.ProcessorAPIKey, cfg.ProcessorTimeout)
	} else {
		gateway = processor.NewStub()
		logger.Warn().Msg("PROCESSOR_BASE_URL not set; using stub processor")
	}

	renderer, err := render.NewLocalRenderer(cfg.ArtifactDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare artifact directory")
	}

	audits := audit.NewPGSink(pool, logger)

	notifyStore := notify.NewMemoryStore()
	events := notify.NewDispatcher(notifyStore, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	// Readiness gates on the database being reachable.
	e.GET("/ready", db.HealthHandler(pool))

	// Services
	planSvc := plan.NewService(
		plan.NewRepoPG(pool),
		plan.NewItemRepoPG(pool),
		pool,
		audits,
		events,
		logger,
	)
	budgetSvc := budget.NewService(
		budget.NewRepoPG(pool),
		budget.NewAcceptanceRepoPG(pool),
		plan.NewRepoPG(pool),
		plan.NewItemRepoPG(pool),
		pool,
		renderer,
		audits,
		events,
		logger,
		cfg.DefaultBudgetValidityDays,
	)
	paymentSvc := payment.NewService(
		payment.NewRepoPG(pool),
		payment.NewReceiptRepoPG(pool),
		plan.NewRepoPG(pool),
		plan.NewItemRepoPG(pool),
		pool,
		gateway,
		guard,
		renderer,
		audits,
		events,
		logger,
		payment.Config{
			WebhookSecret: cfg.ProcessorWebhookSecret,
			DedupWindow:   cfg.DuplicatePaymentWindow,
			Strategy:      distributionStrategy(cfg.DistributionStrategy),
		},
	)

	paymentHandler := payment.NewHandler(paymentSvc)

	// Processor webhook and receipt verification stay outside auth: the
	// webhook authenticates by signature and verification codes are public.
	paymentHandler.RegisterPublicRoutes(e)

	// Authenticated API
	apiV1 := e.Group("/api/v1")

	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware([]byte(cfg.JWTSigningKey)))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	policy := auth.NewPolicy()
	plan.NewHandler(planSvc).RegisterRoutes(apiV1, policy)
	budget.NewHandler(budgetSvc).RegisterRoutes(apiV1, policy)
	paymentHandler.RegisterRoutes(apiV1, policy)

	notifyGroup := apiV1.Group("/notify/endpoints", auth.RequireRole("admin"))
	notify.NewHandler(events, notifyStore).RegisterRoutes(notifyGroup)

	// Background budget-expiry sweeper
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go runSweeper(sweepCtx, budgetSvc, cfg.SweepInterval, cfg.SweepBatchSize, logger)

	// Start server
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server listening")
		errCh <- e.Start(":" + cfg.Port)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	sweepCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Let events emitted by the last requests finish delivering.
	events.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

// runSweeper expires overdue budgets on a fixed interval until ctx ends.
func runSweeper(ctx context.Context, svc *budget.Service, interval time.Duration, batchSize int, logger zerolog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := svc.ExpireDue(ctx, batchSize)
			if err != nil {
				logger.Error().Err(err).Msg("budget sweep failed")
				continue
			}
			if expired > 0 {
				logger.Info().Int("expired", expired).Msg("budgets expired by sweep")
			}
		}
	}
}
