package main

import (
	"context"
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

	"github.com/opdflow/opdflow/internal/config"
	"github.com/opdflow/opdflow/internal/domain/clinic"
	"github.com/opdflow/opdflow/internal/domain/flow"
	"github.com/opdflow/opdflow/internal/domain/patient"
	"github.com/opdflow/opdflow/internal/platform/auth"
	"github.com/opdflow/opdflow/internal/platform/db"
	"github.com/opdflow/opdflow/internal/platform/logging"
	"github.com/opdflow/opdflow/internal/platform/metrics"
	"github.com/opdflow/opdflow/internal/platform/middleware"
	"github.com/opdflow/opdflow/internal/platform/pubsub"
	"github.com/opdflow/opdflow/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "opdflow-server",
		Short: "OPD patient flow API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(repairCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the OPD flow API server",
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

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
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

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatuses(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// repairCmd fixes clinics left with more than one patient in the
// examination slot. Without --opd every active clinic is checked.
func repairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair-occupancy",
		Short: "Send back extra in-clinic patients so each clinic has one occupant",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("opd")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := newApp(pool, cfg, logger)
			if err != nil {
				return err
			}

			codes := []string{code}
			if code == "" {
				active, err := a.clinics.ListActive(ctx)
				if err != nil {
					return err
				}
				codes = codes[:0]
				for _, c := range active {
					codes = append(codes, c.Code)
				}
			}

			for _, c := range codes {
				fixed, err := a.engine.RepairOccupancy(ctx, c)
				if err != nil {
					return fmt.Errorf("repair %s: %w", c, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s fixed %d\n", c, fixed)
			}
			return nil
		},
	}
	cmd.Flags().String("opd", "", "Clinic code to repair (default: all active clinics)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Options{
		Level:          cfg.LogLevel,
		Development:    cfg.IsDev(),
		FilePath:       cfg.LogFilePath,
		FileMaxSizeMB:  cfg.LogFileMaxSizeMB,
		FileMaxBackups: cfg.LogFileMaxBackups,
		FileMaxAgeDays: cfg.LogFileMaxAgeDays,
	})
}

// app holds the domain services and their HTTP handlers.
type app struct {
	clinics  *clinic.Service
	patients *patient.Service
	engine   *flow.Engine
}

func newApp(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tx := db.NewTransactor(pool)

	clinicSvc := clinic.NewService(clinic.NewRepo(pool))

	patientRepo := patient.NewRepo(pool, cfg.TokenStart)
	audit := flow.NewAuditRepo(pool)

	patientSvc := patient.NewService(patientRepo)
	patientSvc.SetTransactor(tx)
	patientSvc.SetJournal(flow.NewRegistrationJournal(audit))
	patientSvc.SetPhoneRegion(cfg.PhoneRegion)
	patientSvc.SetLocation(loc)

	engine := flow.NewEngine(patientRepo, flow.NewQueueRepo(pool), audit, clinicSvc, tx)
	engine.SetLogger(logger)
	engine.SetLocation(loc)
	engine.SetDilationMinWait(cfg.DilationMinWait)

	return &app{clinics: clinicSvc, patients: patientSvc, engine: engine}, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(pool, cfg, logger)
	if err != nil {
		return err
	}

	// Events: local hub, optionally relayed through Redis so every
	// instance's subscribers see every change.
	hub := websocket.NewHub(logger)
	var publisher websocket.EventPublisher = hub
	var checks []db.Check
	if cfg.RedisURL != "" {
		rdb, err := pubsub.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()

		publisher = pubsub.NewPublisher(rdb, pubsub.DefaultChannel)
		relay := pubsub.NewRelay(rdb, pubsub.DefaultChannel, hub, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
		checks = append(checks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info().Str("channel", pubsub.DefaultChannel).Msg("relaying events through redis")
	}
	a.engine.SetNotifier(flow.NewEventNotifier(publisher))

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(hub.ClientCount)
		a.engine.SetMetrics(m)
	}

	e := newServer(cfg, logger, a, hub, m, db.HealthHandler(pool, checks...))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the router. dbHealth and m may be nil.
func newServer(cfg *config.Config, logger zerolog.Logger, a *app, hub *websocket.Hub, m *metrics.Metrics, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}
	if m != nil {
		m.RegisterRoutes(e)
	}
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	clinicHandler := clinic.NewHandler(a.clinics)
	patientHandler := patient.NewHandler(a.patients)
	flowHandler := flow.NewHandler(a.engine)

	// Waiting-room boards and kiosks read without a token.
	public := e.Group("/api/v1")
	clinicHandler.RegisterPublicRoutes(public)
	flowHandler.RegisterPublicRoutes(public)

	api := e.Group("/api/v1",
		authMiddleware(cfg),
		middleware.RateLimit(rateLimitConfig(cfg)),
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout),
		middleware.Audit(logger),
	)
	clinicHandler.RegisterRoutes(api)
	patientHandler.RegisterRoutes(api)
	flowHandler.RegisterRoutes(api)

	return e
}

// authMiddleware validates bearer tokens. In development a request without
// a token passes as admin; one with a token is still validated when a key
// source is configured.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	var jwtMW echo.MiddlewareFunc
	if cfg.AuthIssuer != "" || cfg.AuthJWKSURL != "" || cfg.AuthSigningKey != "" {
		jwtMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtMW)
	}
	return jwtMW
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}
