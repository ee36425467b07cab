package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vitaltags/vitaltags/internal/config"
	"github.com/vitaltags/vitaltags/internal/domain/account"
	"github.com/vitaltags/vitaltags/internal/domain/emergency"
	"github.com/vitaltags/vitaltags/internal/platform/anonymize"
	"github.com/vitaltags/vitaltags/internal/platform/auth"
	"github.com/vitaltags/vitaltags/internal/platform/db"
	"github.com/vitaltags/vitaltags/internal/platform/kv"
	"github.com/vitaltags/vitaltags/internal/platform/middleware"
	"github.com/vitaltags/vitaltags/internal/platform/ratelimit"
	"github.com/vitaltags/vitaltags/internal/platform/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vitaltags-server",
		Short: "VitalTags emergency information API",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(accountCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("version", version).Logger()
}

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "vitaltags",
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
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

			ctx := context.Background()
			_, pool, err := connect(ctx)
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

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
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

func tagServices(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (emergency.TagRepository, *emergency.TagService) {
	tags := emergency.NewTagRepoPG(pool)
	svc := emergency.NewTagService(tags, emergency.NewProfileRepoPG(pool), emergency.TagServiceConfig{
		MaxActiveTags:   cfg.MaxActiveTags,
		BaseURL:         cfg.BaseURL,
		AssetPublicBase: cfg.AssetPublicBase,
	}, logger)
	return tags, svc
}

func tagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage emergency tags",
	}

	mintCmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a new active tag for a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, _ := cmd.Flags().GetString("profile")
			tagType, _ := cmd.Flags().GetString("type")
			profileID, err := uuid.Parse(profile)
			if err != nil {
				return fmt.Errorf("--profile must be a uuid: %w", err)
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, svc := tagServices(cfg, pool, newLogger(cfg))
			t, err := svc.Mint(ctx, profileID, emergency.MintRequest{TagType: emergency.TagType(tagType)})
			if err != nil {
				return err
			}
			fmt.Printf("Minted %s tag %s: %s\n", t.TagType, t.ShortID, svc.View(t).EmergencyURL)
			return nil
		},
	}
	mintCmd.Flags().String("profile", "", "Profile id (uuid)")
	mintCmd.Flags().String("type", string(emergency.TagTypeQR), "Tag type: qr, nfc or card")
	cmd.AddCommand(mintCmd)

	for _, action := range []struct {
		use, short string
		apply      func(*emergency.TagService, context.Context, *emergency.Tag) (*emergency.Tag, error)
	}{
		{"revoke", "Revoke an active tag", func(s *emergency.TagService, ctx context.Context, t *emergency.Tag) (*emergency.Tag, error) {
			return s.Revoke(ctx, t.ProfileID, t.ID)
		}},
		{"reactivate", "Reactivate a revoked tag", func(s *emergency.TagService, ctx context.Context, t *emergency.Tag) (*emergency.Tag, error) {
			return s.Reactivate(ctx, t.ProfileID, t.ID)
		}},
	} {
		action := action
		sub := &cobra.Command{
			Use:   action.use,
			Short: action.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				shortID, _ := cmd.Flags().GetString("short-id")
				if !emergency.ValidShortID(shortID) {
					return fmt.Errorf("--short-id is required and must be alphanumeric")
				}

				ctx := context.Background()
				cfg, pool, err := connect(ctx)
				if err != nil {
					return err
				}
				defer pool.Close()

				tags, svc := tagServices(cfg, pool, newLogger(cfg))
				t, err := tags.GetByShortID(ctx, shortID)
				if err != nil {
					return fmt.Errorf("lookup %s: %w", shortID, err)
				}
				t, err = action.apply(svc, ctx, t)
				if err != nil {
					return err
				}
				fmt.Printf("Tag %s is now %s.\n", t.ShortID, t.Status)
				return nil
			},
		}
		sub.Flags().String("short-id", "", "Public short id of the tag")
		cmd.AddCommand(sub)
	}

	return cmd
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Account administration",
	}

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Permanently erase an account and all data it owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			idFlag, _ := cmd.Flags().GetString("id")
			id, err := uuid.Parse(idFlag)
			if err != nil {
				return fmt.Errorf("--id must be a uuid: %w", err)
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			report, err := account.NewService(account.NewRepoPG(pool), newLogger(cfg)).Erase(ctx, id)
			if err != nil {
				return err
			}
			for _, s := range report.Steps {
				fmt.Printf("%-20s %d\n", s.Step, s.Rows)
			}
			return nil
		},
	}
	eraseCmd.Flags().String("id", "", "Account id (uuid)")
	cmd.AddCommand(eraseCmd)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			idFlag, _ := cmd.Flags().GetString("id")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if _, err := uuid.Parse(idFlag); err != nil {
				return fmt.Errorf("--id must be a uuid: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), idFlag, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().String("id", "", "Account id (uuid)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.AddCommand(tokenCmd)

	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSecret),
	}
}

// rateLimitPolicies applies the configured emergency threshold on top of the
// defaults.
func rateLimitPolicies(cfg *config.Config) map[string]ratelimit.Policy {
	p := ratelimit.DefaultPolicies()
	p[ratelimit.ClassEmergencyAccess] = ratelimit.Policy{
		Limit:  cfg.EmergencyRateLimit,
		Window: cfg.EmergencyRateWindow,
	}
	return p
}

// ipExtractor reads the client from X-Forwarded-For, walking back through
// loopback, private-range and TRUSTED_PROXIES hops. Anything else is the
// client, so a forged header from a direct caller is ignored.
func ipExtractor(cfg *config.Config) (echo.IPExtractor, error) {
	nets, err := cfg.TrustedProxyNets()
	if err != nil {
		return nil, err
	}
	opts := make([]echo.TrustOption, 0, len(nets))
	for _, n := range nets {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...), nil
}

// scanWait maps SCAN_LOG_WAIT to the resolver setting; 0 means respond
// without waiting for the scan write.
func scanWait(cfg *config.Config) time.Duration {
	if cfg.ScanLogWait == 0 {
		return emergency.NoScanWait
	}
	return cfg.ScanLogWait
}

// newCounterStore returns the shared Redis store, or a process-local one when
// REDIS_URL is empty. An unreachable Redis still yields the Redis store; the
// limiter's fail-open setting decides what happens to requests.
func newCounterStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ratelimit.Store, *redis.Client) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set; rate limit counters are per process")
		return ratelimit.NewMemoryStore(), nil
	}
	client, err := kv.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		if client == nil {
			logger.Error().Err(err).Msg("invalid REDIS_URL; rate limit counters are per process")
			return ratelimit.NewMemoryStore(), nil
		}
		logger.Warn().Err(err).Msg("redis unreachable at startup")
	}
	return ratelimit.NewRedisStore(client), client
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	flush, err := telemetry.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		logger.Warn().Err(err).Msg("error reporting disabled")
	}
	defer flush()

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "vitaltags",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Rate limiting
	store, redisClient := newCounterStore(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	hasher := anonymize.NewHasher(cfg.HashKey)
	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		Policies: rateLimitPolicies(cfg),
		FailOpen: cfg.RateLimitFailOpen,
		Hasher:   hasher,
	}, logger)

	metrics := telemetry.NewMetrics()
	metrics.RegisterGauge("db_pool_acquired_connections", "Database connections in use.", func() float64 {
		return float64(db.GetPoolStats(pool).AcquiredConns)
	})
	metrics.RegisterGauge("db_pool_idle_connections", "Idle database connections.", func() float64 {
		return float64(db.GetPoolStats(pool).IdleConns)
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	extractor, err := ipExtractor(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid trusted proxies")
	}
	e.IPExtractor = extractor
	if cfg.IsProduction() && len(cfg.TrustedProxies) == 0 {
		logger.Warn().Msg("TRUSTED_PROXIES not set; clients behind a public edge proxy share its rate limit bucket")
	}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, hasher))
	e.Use(middleware.SecureHeaders(middleware.DefaultHeaderPolicy(cfg.IsProduction())))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("64K"))
	e.Use(middleware.Deadline(middleware.DeadlineConfig{
		Timeout: cfg.RequestTimeout,
		Skip:    func(path string) bool { return path == "/metrics" },
	}))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() db.PoolStats { return db.GetPoolStats(pool) }))
	if redisClient != nil {
		e.GET("/health/redis", kv.HealthHandler(redisClient))
	}
	e.GET("/metrics", metrics.Handler())

	// Emergency lookup
	tags, tagSvc := tagServices(cfg, pool, logger)
	recorder := emergency.NewScanRecorder(emergency.NewScanRepoPG(pool), hasher, cfg.ScanWriteTimeout, logger)
	resolver := emergency.NewResolver(tags, emergency.NewProfileRepoPG(pool), emergency.NewMedicalRepoPG(pool), recorder,
		emergency.ResolverConfig{ScanWait: scanWait(cfg), AllowNoLog: cfg.AllowNoLog()}, logger)
	emergency.NewHandler(resolver, tagSvc, limiter, emergency.HandlerConfig{
		CountryHeader: cfg.CountryHeader,
		Metrics:       metrics,
	}, logger).RegisterRoutes(e.Group(""))

	// Owner API
	if cfg.AuthSecret != "" {
		apiV1 := e.Group("/api/v1", auth.JWTMiddleware(jwtConfig(cfg)))
		emergency.NewOwnerHandler(tagSvc, limiter, logger).RegisterRoutes(apiV1)
		account.NewHandler(account.NewService(account.NewRepoPG(pool), logger), logger).RegisterRoutes(apiV1)
	} else {
		logger.Warn().Msg("AUTH_SECRET not set; owner API disabled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("no_log_allowed", cfg.AllowNoLog()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
