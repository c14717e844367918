package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/pocket-pal/internal/config"
	"github.com/nathanyu/pocket-pal/internal/handler"
	"github.com/nathanyu/pocket-pal/internal/middleware"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds graceful shutdown of both servers.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}
}

func newRouter(a *app) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDs())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	handler.SetupRoutes(router, handler.NewHandler(a.service, a.auth, a.settings.Transfer.Timeout))
	return router
}

func serve(ctx context.Context, c config.Config) error {
	telemetry.InitLogger(os.Stdout, telemetry.LogConfig{
		Service: serviceName,
		Level:   c.Log.Level,
		Format:  c.Log.Format,
	})

	if c.Tracing.Enabled {
		shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
			Service:     serviceName,
			Version:     version,
			Environment: c.Tracing.Environment,
			Endpoint:    c.Tracing.Endpoint,
			SampleRatio: c.Tracing.SampleRatio,
		})
		if err != nil {
			telemetry.Logger.Warn("failed to initialize tracer", slog.String("error", err.Error()))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdownTracer(ctx); err != nil {
					telemetry.Logger.Error("shutting down tracer provider", slog.String("error", err.Error()))
				}
			}()
		}
	}

	gin.SetMode(c.HTTP.GinMode)

	a, err := buildApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", c.HTTP.Port),
		Handler:      newRouter(a),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Separate port for Prometheus scraping
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.HTTP.MetricsPort),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		telemetry.Logger.Info("HTTP server listening", slog.Int("port", c.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	go func() {
		telemetry.Logger.Info("metrics server listening", slog.Int("port", c.HTTP.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	telemetry.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("HTTP server forced to shutdown", slog.String("error", err.Error()))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("metrics server forced to shutdown", slog.String("error", err.Error()))
	}

	telemetry.Logger.Info("service stopped")
	return runErr
}
