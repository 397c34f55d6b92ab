package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"tasknest/internal/assistant"
	"tasknest/internal/auth"
	"tasknest/internal/fslock"
	"tasknest/internal/oauth"
	"tasknest/internal/oauth/store"
	"tasknest/internal/security"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant and its authorization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), serveConfigPath)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "tasknest.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	if cfg.MetricsEnabled {
		shutdown, err := setupMetrics()
		if err != nil {
			return fmt.Errorf("failed to set up metrics: %w", err)
		}
		defer shutdown()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	vault, err := newVault(cfg, logger)
	if err != nil {
		return err
	}
	locks := fslock.NewManager(logger)

	clients := store.NewClientStore(cfg.StorePath("clients.enc"), vault, locks, store.ClientStoreConfig{
		OfficialCallbacks:      cfg.OfficialCallbacks,
		AllowedRedirectOrigins: cfg.AllowedRedirectOrigins,
	}, logger)
	sessions := store.NewSessionStore(cfg.StorePath("sessions.enc"), vault, locks, cfg.SessionTTL, logger)
	refreshTokens := store.NewRefreshTokenStore(cfg.StorePath("tokens.enc"), vault, locks, cfg.RefreshTokenTTL, 0, logger)

	if err := clients.Load(ctx); err != nil {
		return fmt.Errorf("failed to load client store: %w", err)
	}
	if err := sessions.Load(ctx); err != nil {
		return fmt.Errorf("failed to load session store: %w", err)
	}
	if err := refreshTokens.Load(ctx); err != nil {
		return fmt.Errorf("failed to load refresh token store: %w", err)
	}

	authenticator, err := auth.NewFileAuthenticator(cfg.CredentialsFile, logger)
	if err != nil {
		return err
	}

	srv, err := oauth.New(clients, sessions, refreshTokens, authenticator, &oauth.Config{
		Issuer:                cfg.Issuer,
		Resource:              cfg.Resource,
		SupportedScopes:       cfg.Scopes,
		AccessTokenSigningKey: []byte(cfg.AccessTokenSigningKey),
		AccessTokenTTL:        cfg.AccessTokenTTL,
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))
	defer srv.Stop()

	handler := oauth.NewHandler(srv, logger)
	defer handler.Close()

	tasks := assistant.New(logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/mcp", handler.ValidateToken(tasks.Handler()))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Periodic sweep of rotated and expired refresh tokens.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if removed := refreshTokens.Cleanup(); removed > 0 {
					logger.Info("Swept refresh tokens", "removed", removed)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-sigCtx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	// Flush persisted state, then wait for in-flight file operations.
	if err := clients.Flush(shutdownCtx); err != nil {
		logger.Error("Failed to flush client store", "error", err)
	}
	if err := sessions.Flush(shutdownCtx); err != nil {
		logger.Error("Failed to flush session store", "error", err)
	}
	if err := refreshTokens.Flush(shutdownCtx); err != nil {
		logger.Error("Failed to flush refresh token store", "error", err)
	}
	if err := locks.WaitForPending(shutdownCtx); err != nil {
		logger.Warn("Pending file operations did not drain", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

func newVault(cfg *AppConfig, logger *slog.Logger) (*security.FileVault, error) {
	if cfg.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption_key: %w", err)
		}
		return security.NewFileVault(key, logger)
	}
	return security.NewFileVaultFromPassphrase(cfg.EncryptionPassphrase, logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// setupMetrics wires the global meter provider to a periodic stdout
// exporter. Returns a shutdown func.
func setupMetrics() (func(), error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(time.Minute))),
	)
	otel.SetMeterProvider(provider)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}, nil
}
