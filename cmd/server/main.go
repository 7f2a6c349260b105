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

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-quant/internal/api"
	"github.com/irfndi/celebrum-quant/internal/api/handlers"
	"github.com/irfndi/celebrum-quant/internal/app"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/ingest"
	"github.com/irfndi/celebrum-quant/internal/middleware"
	"github.com/irfndi/celebrum-quant/internal/services"
	"github.com/irfndi/celebrum-quant/internal/telemetry"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "server")
	if err != nil {
		return err
	}
	defer a.Close()

	monitor, err := a.Governance()
	if err != nil {
		return err
	}

	router := newRouter(a.Logrus, api.Dependencies{
		DB:         a.DB,
		Redis:      a.Redis,
		Resources:  a.Resources,
		Metrics:    a.Metrics.Handler(),
		Governance: handlers.NewGovernanceHandler(monitor, a.Logrus),
		Models:     handlers.NewModelHandler(a.Outcomes, a.Logrus),
		Version:    cfg.Telemetry.ServiceVersion,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		a.Logrus.WithField("port", cfg.Server.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	if len(cfg.Scan.Universe) > 0 {
		warmer := services.NewCacheWarmingService(a.Source, cfg.Scan.Universe, cfg.MarketData.LookbackDays, a.Logger.WithComponent("cache_warming"))
		go func() {
			// Don't fail startup if cache warming fails
			if _, err := warmer.WarmCache(ctx); err != nil {
				a.Logrus.WithError(err).Warn("Cache warming failed")
			}
		}()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		readers, err := ingest.NewReaders(cfg.Kafka)
		if err != nil {
			return err
		}
		consumer := ingest.NewConsumer(readers, a.Outcomes, a.Logrus,
			ingest.WithRewards(a.BanditStore()),
			ingest.WithRetrier(services.NewRetrier(services.DefaultRetryPolicy(), a.Logrus)),
			ingest.WithRecorder(a.Metrics),
		)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				errc <- fmt.Errorf("outcome consumer: %w", err)
			}
		}()
	} else {
		a.Logrus.Info("No Kafka brokers configured, outcome ingest disabled")
	}

	reason := "signal received"
	select {
	case <-ctx.Done():
	case err = <-errc:
		reason = err.Error()
	}
	a.Logger.LogShutdown("server", reason)

	// Give outstanding requests a deadline for completion
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.Logrus.WithError(serr).Error("Server forced to shutdown")
	}

	a.Logrus.Info("Server exited gracefully")
	return err
}

func newRouter(logger *logrus.Logger, deps api.Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Tracing(telemetry.ServiceName, nil))
	router.Use(middleware.RequestLogger(logger))
	api.SetupRoutes(router, deps)
	return router
}
