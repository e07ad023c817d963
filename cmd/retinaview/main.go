package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/retinaview/retinaview/internal/config"
	"github.com/retinaview/retinaview/internal/domain/records"
	"github.com/retinaview/retinaview/internal/platform/analytics"
	"github.com/retinaview/retinaview/internal/platform/auth"
	"github.com/retinaview/retinaview/internal/platform/blobstore"
	"github.com/retinaview/retinaview/internal/platform/middleware"
	"github.com/retinaview/retinaview/internal/platform/websocket"
	"github.com/retinaview/retinaview/internal/shell"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "retinaview",
		Short: "Retinal scan record server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(hashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run the interactive terminal console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for use in SEED_USERS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// loadCredentials seeds the credential store from SEED_USERS, falling back
// to the bootstrap doctor account outside production.
func loadCredentials(cfg *config.Config, logger zerolog.Logger) (*auth.CredentialStore, error) {
	if strings.TrimSpace(cfg.SeedUsers) != "" {
		seeds, err := auth.ParseSeedList(cfg.SeedUsers)
		if err != nil {
			return nil, fmt.Errorf("SEED_USERS: %w", err)
		}
		return auth.NewCredentialStore(seeds...), nil
	}
	logger.Warn().Str("username", auth.DefaultUsername).Msg("SEED_USERS not set, using default credentials")
	return auth.DefaultCredentials()
}

// newRecordStore opens the configured attachment backend. events may be nil.
func newRecordStore(cfg *config.Config, logger zerolog.Logger, events websocket.EventPublisher) (*records.Store, blobstore.Store, error) {
	blobs, err := blobstore.New(blobstore.Config{
		Backend:     cfg.AttachmentBackend,
		UploadDir:   cfg.UploadDir,
		LevelDBPath: cfg.LevelDBPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening attachment store: %w", err)
	}
	store := records.NewStore(blobs, records.Options{
		MaxFilesPerUpload:     cfg.MaxFilesPerUpload,
		NotificationRetention: cfg.NotificationRetention,
		Logger:                logger,
		Events:                events,
	})
	return store, blobs, nil
}

// newServer assembles the HTTP stack. The returned revocation store must be
// closed by the caller.
func newServer(cfg *config.Config, logger zerolog.Logger, store *records.Store, hub *websocket.Hub, creds auth.Verifier) (*echo.Echo, *auth.TokenRevocationStore, error) {
	revoked := auth.NewTokenRevocationStore()
	sessions, err := auth.NewSessionManager(creds, revoked, auth.SessionConfig{
		Secret: []byte(cfg.SessionSecret),
		TTL:    cfg.SessionTTL,
	})
	if err != nil {
		revoked.Close()
		return nil, nil, fmt.Errorf("session manager: %w", err)
	}
	if cfg.SessionSecret == "" {
		logger.Warn().Msg("SESSION_SECRET not set, tokens will not survive a restart")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit(cfg.MaxUploadSize))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	e.Use(auth.RequireSession(sessions, auth.AuthSkipper))

	// Audit and usage middleware
	e.Use(middleware.Audit(logger, nil))
	usage := analytics.NewUsageTracker(10000)
	e.Use(analytics.UsageMiddleware(usage))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	auth.NewHandler(sessions, logger).RegisterRoutes(e)

	apiV1 := e.Group("/api/v1")
	records.NewHandler(store).RegisterRoutes(apiV1)
	analytics.NewUsageHandler(usage).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins, func(c echo.Context) string {
		return auth.UserIDFromContext(c.Request().Context())
	}, logger).RegisterRoutes(apiV1)

	return e, revoked, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	creds, err := loadCredentials(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load credentials")
	}
	logger.Info().Strs("users", creds.Usernames()).Msg("credentials loaded")

	hub := websocket.NewHub(logger)
	store, blobs, err := newRecordStore(cfg, logger, hub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open record store")
	}
	defer blobs.Close()
	logger.Info().Str("backend", cfg.AttachmentBackend).Msg("attachment store ready")

	e, revoked, err := newServer(cfg, logger, store, hub, creds)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	defer revoked.Close()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runShell(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// The console owns the terminal, so only warnings go to stderr.
	logger := newLogger(cfg.Env, os.Stderr).Level(zerolog.WarnLevel)

	creds, err := loadCredentials(cfg, logger)
	if err != nil {
		return err
	}
	store, blobs, err := newRecordStore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer blobs.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return shell.Run(ctx, shell.NewConsole(store, creds), out)
}
