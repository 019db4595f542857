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

	"migration-flows/backend/internal/api"
	"migration-flows/backend/internal/auth"
	"migration-flows/backend/internal/config"
	"migration-flows/backend/internal/devcert"
	"migration-flows/backend/internal/logging"
	"migration-flows/backend/internal/mcp"
	"migration-flows/backend/internal/repository"
	"migration-flows/backend/internal/services"
	"migration-flows/backend/internal/telemetry"

	"github.com/fsnotify/fsnotify"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API and the MCP endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply the schema on startup")
}

func serve(ctx context.Context) error {
	cfg, v, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"issuer", cfg.Auth.Issuer,
		"dev_bypass", cfg.Auth.DevBypass,
		"config_file", v.ConfigFileUsed(),
	)

	pool, err := repository.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns, func(err error, next time.Duration) {
		logger.Warn("Database not ready, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("Database connected")

	if !skipMigrate {
		if err := repository.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	store := telemetry.WrapFlowStore(repository.NewPostgresFlowStore(pool))
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	flags := config.NewFlags(v)
	if v.ConfigFileUsed() != "" {
		flags.Watch(func(e fsnotify.Event) {
			logger.Info("Configuration reloaded", "file", e.Name, "enrichment_enabled", flags.EnrichmentEnabled(ctx))
		})
	}

	coordinator := services.NewFlowCoordinator(store, flags, logger.With("component", "coordinator"), metrics, services.Options{
		ExtraPerformanceKeys: cfg.Flows.PerformanceMetricKeys,
		MaxPayloadBytes:      cfg.Flows.MaxPayloadBytes,
	})
	logger.Info("Service layer initialized", "performance_metric_keys", coordinator.AllowedPerformanceKeys())

	authz, err := auth.New(ctx, cfg, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(cfg.Telemetry.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, rv middleware.RequestLoggerValues) error {
			logger.Debug("Request handled",
				"method", rv.Method, "uri", rv.URI, "status", rv.Status, "latency", rv.Latency, "error", rv.Error)
			return nil
		},
	}))

	health := api.NewHandler(store, version)
	e.GET("/healthz", health.HandleHealth)
	e.GET("/readyz", health.HandleReady)

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(coordinator))
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(coordinator, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(mcpHandlers)
	requireAuth := echo.WrapMiddleware(authz.RequireAuth)
	e.Any("/mcp", mcpHandler, requireAuth)
	e.Any("/mcp/*", mcpHandler, requireAuth)
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	tlsCfg := cfg.Server.TLS
	if tlsCfg.Enable {
		generated, err := devcert.Ensure(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.Hostnames)
		if err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		if generated {
			logger.Warn("Generated self-signed certificate", "cert_file", tlsCfg.CertFile, "hostnames", tlsCfg.Hostnames)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", tlsCfg.Enable)
		if tlsCfg.Enable {
			serverErrors <- server.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}
