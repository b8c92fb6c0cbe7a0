package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/claimsgate/claimsgate/internal/config"
	"github.com/claimsgate/claimsgate/internal/domain/auditlog"
	"github.com/claimsgate/claimsgate/internal/domain/claimjob"
	"github.com/claimsgate/claimsgate/internal/domain/ethicallock"
	"github.com/claimsgate/claimsgate/internal/domain/provider"
	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/db"
	"github.com/claimsgate/claimsgate/internal/platform/gateway"
	"github.com/claimsgate/claimsgate/internal/platform/lease"
	"github.com/claimsgate/claimsgate/internal/platform/metrics"
	"github.com/claimsgate/claimsgate/internal/platform/middleware"
	"github.com/claimsgate/claimsgate/internal/platform/vault"
	"github.com/claimsgate/claimsgate/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claims-server",
		Short: "Insurance claim submission service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the claims API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			withWorker, _ := cmd.Flags().GetBool("with-worker")
			return runServer(withWorker)
		},
	}
	cmd.Flags().Bool("with-worker", false, "Also run the scheduler, health monitor and retention loops in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the submission scheduler, provider health monitor and log retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
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
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns, AppName: "claims-migrate"})
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
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
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns, AppName: "claims-migrate"})
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
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
					if s.Drifted {
						status = "drifted"
					}
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

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds everything both the API server and the worker are built from.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	locker  lease.Locker
	redis   *lease.RedisLocker
	metrics *metrics.Metrics

	audit     *auditlog.Service
	providers *provider.Registry
	locks     *ethicallock.Service
	jobs      *claimjob.Service
	processor *worker.Processor
}

func newApp(ctx context.Context, logger zerolog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	masterKey, generated, err := resolveMasterKey(cfg.CredentialMasterKey)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Warn().Msg("CREDENTIAL_MASTER_KEY not set: using an ephemeral key, stored provider credentials will not survive a restart")
	}
	v, err := vault.New(masterKey)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		BackgroundConns: cfg.WorkerCount + cfg.HealthConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	a := &app{cfg: cfg, logger: logger, pool: pool, metrics: metrics.New()}

	if cfg.RedisURL != "" {
		rl, err := lease.NewRedisLocker(ctx, cfg.RedisURL, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis, a.locker = rl, rl
		logger.Info().Msg("using redis sweep leases")
	} else {
		a.locker = lease.NewLocalLocker()
		logger.Info().Msg("REDIS_URL not set: using in-process sweep leases")
	}

	transmitter := gateway.NewTransmitter(gateway.WithSender(cfg.SenderCode, cfg.SenderName))

	a.audit = auditlog.NewService(auditlog.NewRepoPG(pool), logger)
	a.providers = provider.NewRegistry(provider.NewRepoPG(pool), v, transmitter, a.audit, logger)
	a.locks = ethicallock.NewService(ethicallock.NewRepoPG(pool), a.audit, logger)
	a.jobs = claimjob.NewService(claimjob.NewRepoPG(pool), a.providers, a.locks, a.audit, logger)
	a.jobs.SetObserver(a.metrics)
	a.providers.SetJobCounter(a.jobs)

	checker := ethicallock.Checker{Window: cfg.LockWindow, Location: time.Local}
	a.processor = worker.NewProcessor(a.jobs, a.providers, a.locks, db.NewPoolTx(pool), checker, transmitter, logger)
	a.processor.SetObserver(a.metrics)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	a.pool.Close()
}

// background runs the scheduler, health monitor and retention loops until
// ctx is cancelled.
func (a *app) background(ctx context.Context) error {
	sched := worker.NewScheduler(worker.SchedulerConfig{
		Interval:   a.cfg.SweepInterval,
		BatchSize:  a.cfg.SweepBatchSize,
		Workers:    a.cfg.WorkerCount,
		StaleAfter: a.cfg.StaleProcessingAfter,
	}, a.jobs, a.processor, a.locker, a.logger)
	sched.SetObserver(a.metrics)

	health := worker.NewHealthMonitor(a.providers, a.locker, a.cfg.HealthInterval, a.cfg.HealthConcurrency, a.logger)
	health.SetObserver(a.metrics)

	retention := worker.NewRetention(a.audit, a.locker, a.cfg.LogRetentionDays, a.cfg.RetentionInterval, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error { return retention.Run(gctx) })
	return g.Wait()
}

func (a *app) healthHandler() echo.HandlerFunc {
	var deps []db.DependencyCheck
	if a.redis != nil {
		deps = append(deps, db.DependencyCheck{Name: "redis", Check: a.redis.Ping})
	}
	return db.HealthHandler(a.pool, deps...)
}

func (a *app) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Actor-ID"},
	}))

	// Unauthenticated probes
	e.GET("/health", a.healthHandler())
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	if a.cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(db.TenantMiddleware(a.cfg.DefaultTenant))

	provider.NewHandler(a.providers).RegisterRoutes(apiV1)
	claimjob.NewHandler(a.jobs).RegisterRoutes(apiV1)
	ethicallock.NewHandler(a.locks).RegisterRoutes(apiV1)
	auditlog.NewHandler(a.audit).RegisterRoutes(apiV1)

	return e
}

func runServer(withWorker bool) error {
	logger := newLogger(os.Getenv("ENV"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	e := a.newEcho()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if withWorker {
		g.Go(func() error { return a.background(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	logger := newLogger(os.Getenv("ENV"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	logger.Info().Msg("worker started")
	if err := a.background(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}

// resolveMasterKey decodes the hex CREDENTIAL_MASTER_KEY or, when it is
// empty, generates a random 32-byte key. The second return value is true
// when a random key was generated; Config.Validate refuses that outside
// development.
func resolveMasterKey(envValue string) ([]byte, bool, error) {
	if envValue != "" {
		decoded, err := hex.DecodeString(envValue)
		if err != nil {
			return nil, false, fmt.Errorf("invalid CREDENTIAL_MASTER_KEY hex value: %w", err)
		}
		return decoded, false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random credential key: %w", err)
	}
	return key, true, nil
}
