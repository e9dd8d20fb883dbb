package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MachineJALS/MagisOperativos/internal/config"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Run starts a worker node: its HTTP endpoint, registration with the
// balancer and the periodic self-report loop.
func Run(ctx context.Context, cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	advertise := cfg.Worker.AdvertiseURL
	if advertise == "" {
		advertise = fmt.Sprintf("http://localhost:%d", cfg.Worker.Port)
	}

	w := New(Settings{
		ID:              cfg.Worker.ID,
		Type:            cfg.Worker.Type,
		Capabilities:    cfg.Worker.Capabilities,
		Address:         advertise,
		MaxTasks:        cfg.Worker.MaxTasks,
		BalancerURL:     cfg.Worker.BalancerURL,
		Secret:          cfg.Comm.Secret,
		ReportInterval:  config.Duration(cfg.Worker.ReportInterval, 10*time.Second),
		RegisterRetry:   config.Duration(cfg.Worker.RegisterRetry, 30*time.Second),
		MinTaskDuration: config.Duration(cfg.Worker.MinTaskDuration, 10*time.Second),
		MaxTaskDuration: config.Duration(cfg.Worker.MaxTaskDuration, 30*time.Second),
		TaskRetention:   config.Duration(cfg.Worker.TaskRetention, 5*time.Minute),
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	NewServer(w).RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Worker.Host, cfg.Worker.Port)
		log.Info().Str("addr", addr).Str("node_id", cfg.Worker.ID).Msg("worker listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("worker HTTP server failed")
		}
	}()

	reporter := NewReporter(w)
	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reporter.Run(reporterCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down worker...")
	stopReporter()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reporter.Deregister(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("deregistration failed; balancer will notice via heartbeat")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker shutdown error")
	}
	return nil
}
