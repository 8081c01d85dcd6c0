package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medcare/medcare/internal/config"
	"github.com/medcare/medcare/internal/domain/portal"
	"github.com/medcare/medcare/internal/domain/session"
	"github.com/medcare/medcare/internal/platform/auth"
	"github.com/medcare/medcare/internal/platform/db"
	"github.com/medcare/medcare/internal/platform/hospital"
	"github.com/medcare/medcare/internal/platform/middleware"
	"github.com/medcare/medcare/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medcare-gateway",
		Short: "Session gateway for the MedCare hospital portal",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(routesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run grace store migrations (postgres backend)",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			pool, err := migrationPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s).\n", count)
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

			pool, err := migrationPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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

func migrationPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required to run migrations")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the gateway's route table",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The route table is static; build the gateway against a
			// placeholder upstream and the in-memory grace store so no
			// environment or backing service is needed.
			cfg := &config.Config{
				Port:               "8090",
				Env:                "development",
				UpstreamBaseURL:    "http://localhost:8000",
				UpstreamTimeout:    15 * time.Second,
				SessionCookieName:  "medcare_session",
				GraceStore:         config.GraceStoreMemory,
				GraceWindow:        5 * time.Minute,
				IdleTimeout:        30 * time.Minute,
				IdleWarningWindow:  5 * time.Minute,
				IdlePollInterval:   5 * time.Second,
				LoginMaxAttempts:   5,
				LoginLockoutWindow: 15 * time.Minute,
			}

			gw, err := buildGateway(cmd.Context(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer gw.close(zerolog.Nop())

			routes := gw.e.Routes()
			sort.Slice(routes, func(i, j int) bool {
				if routes[i].Path != routes[j].Path {
					return routes[i].Path < routes[j].Path
				}
				return routes[i].Method < routes[j].Method
			})
			for _, r := range routes {
				fmt.Printf("%-7s %s\n", r.Method, r.Path)
			}
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// gateway bundles everything runServer starts and tears down.
type gateway struct {
	e        *echo.Echo
	svc      *session.Service
	monitor  *session.Monitor
	provider *telemetry.Provider
	grace    session.GraceStore
	pool     *pgxpool.Pool // nil unless the grace store is postgres
}

// close releases background work and storage. The HTTP server must be
// drained first so no request observes a closed store.
func (g *gateway) close(logger zerolog.Logger) {
	g.monitor.Close()
	if err := g.grace.Close(); err != nil {
		logger.Warn().Err(err).Msg("grace store close failed")
	}
	if g.pool != nil {
		g.pool.Close()
	}
}

func buildGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*gateway, error) {
	key, randomKey, err := resolveSigningKey(cfg.SessionSigningKey)
	if err != nil {
		return nil, err
	}
	if randomKey {
		logger.Warn().Msg("SESSION_SIGNING_KEY not set; using a random key (session cookies will not survive restart)")
	}

	grace, pool, err := buildGraceStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	upstream := hospital.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout, logger)
	store := session.NewStore()
	lockout := session.NewLockout(cfg.LoginMaxAttempts, cfg.LoginLockoutWindow)
	svc := session.NewService(store, grace, upstream, lockout, session.Policy{
		GraceWindow:   cfg.GraceWindow,
		IdleTimeout:   cfg.IdleTimeout,
		WarningWindow: cfg.IdleWarningWindow,
	}, logger)

	codec := auth.NewCookieCodec(cfg.SessionCookieName, key, cfg.IsProduction())
	guard := auth.NewGuard(codec, svc, logger)

	provider := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "medcare-gateway",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	provider.SetActiveSessionsFunc(func() int64 { return int64(svc.Active()) })

	monitor := session.NewMonitor(svc, cfg.IdlePollInterval, session.Hooks{
		OnWarning: func(rec session.Record, minutesLeft int) {
			provider.SessionWarning()
			logger.Info().
				Str("session_id", rec.ID).
				Str("username", rec.User.Username).
				Int("minutes_left", minutesLeft).
				Msg("session idle warning")
		},
		OnExpired: func(rec session.Record) {
			provider.Logout("inactivity")
			logger.Info().
				Str("session_id", rec.ID).
				Str("username", rec.User.Username).
				Msg("session expired for inactivity")
		},
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("64K", "10M"))
	// The request deadline sits above the upstream client timeout so slow
	// upstream calls surface as 502s from the proxy, not blanket 504s.
	e.Use(middleware.RequestTimeout(cfg.UpstreamTimeout + 5*time.Second))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	e.Use(limitAuthRoutes(middleware.RateLimit(middleware.AuthRateLimitConfig())))
	e.Use(provider.Middleware())
	e.Use(middleware.Audit(logger))

	sessionHandler := session.NewHandler(svc, codec, upstream)
	sessionHandler.RegisterRoutes(e, guard.Require)

	pages := portal.NewHandler(svc, codec, upstream, logger)
	pages.RegisterRoutes(e, guard.Require)

	proxy, err := portal.NewProxy(svc, codec, cfg.UpstreamBaseURL, cfg.UpstreamTimeout, logger)
	if err != nil {
		if cerr := grace.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("grace store close failed")
		}
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	proxy.Register(e)

	e.GET("/health", healthHandler(provider))
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", provider.PrometheusHandler())

	return &gateway{
		e:        e,
		svc:      svc,
		monitor:  monitor,
		provider: provider,
		grace:    grace,
		pool:     pool,
	}, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	gw, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	// Accept connections before restoring so early requests get the
	// restoring response instead of a connection refused.
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("upstream", cfg.UpstreamBaseURL).Msg("starting gateway")
		if err := gw.e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	if err := gw.svc.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("grace restore incomplete; continuing with live sessions only")
	}
	gw.provider.SessionsRestored(gw.svc.Active())
	gw.monitor.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	gw.close(logger)
	logger.Info().Msg("gateway stopped")
	return nil
}

func buildGraceStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.GraceStore, *pgxpool.Pool, error) {
	switch cfg.GraceStore {
	case config.GraceStorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("grace store: %w", err)
		}
		logger.Info().Str("backend", "postgres").Msg("grace store ready")
		return session.NewPGGraceStore(pool), pool, nil

	case config.GraceStoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info().Str("backend", "redis").Msg("grace store ready")
		return session.NewRedisGraceStore(rdb, cfg.GraceWindow), nil, nil

	default:
		logger.Info().Str("backend", "memory").Msg("grace store ready (snapshots will not survive restart)")
		return session.NewMemoryGraceStore(), nil, nil
	}
}

// resolveSigningKey returns the cookie signing key from configuration or
// generates a random 32-byte key. The second return value is true when a
// random key was generated.
func resolveSigningKey(configured string) ([]byte, bool, error) {
	if configured != "" {
		return []byte(configured), false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random signing key: %w", err)
	}
	return key, true, nil
}

// Credential endpoints carry a tighter per-IP limit than the general surface;
// the per-username lockout already counters targeted guessing.
var authLimitedPaths = map[string]bool{
	"/login":            true,
	"/register":         true,
	"/patient-register": true,
	"/forgot-password":  true,
	"/verify-otp":       true,
	"/reset-password":   true,
}

func limitAuthRoutes(limit echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		limited := limit(next)
		return func(c echo.Context) error {
			if authLimitedPaths[c.Path()] {
				return limited(c)
			}
			return next(c)
		}
	}
}

func healthHandler(provider *telemetry.Provider) echo.HandlerFunc {
	res := provider.Resource()
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": res["service.name"],
			"version": res["service.version"],
		})
	}
}
