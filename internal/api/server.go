package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MachineJALS/MagisOperativos/internal/balancer"
	"github.com/MachineJALS/MagisOperativos/internal/comm"
	"github.com/MachineJALS/MagisOperativos/internal/config"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Run wires the balancer, the communicator and the HTTP surface together and
// serves until interrupted. The registry lives and dies with the process;
// there is deliberately no persistence behind it.
func Run(ctx context.Context, cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	lb := balancer.New(balancer.Config{
		StaleAfter:      config.Duration(cfg.Balancer.StaleAfter, 30*time.Second),
		CPUHigh:         cfg.Balancer.CPUHigh,
		MemoryHigh:      cfg.Balancer.MemoryHigh,
		DefaultMaxTasks: cfg.Balancer.DefaultMaxTasks,
	})

	communicator := comm.New(lb, comm.Options{
		Secret:            cfg.Comm.Secret,
		HeartbeatInterval: config.Duration(cfg.Comm.HeartbeatInterval, 15*time.Second),
		PollInterval:      config.Duration(cfg.Comm.PollInterval, 10*time.Second),
		SubmitTimeout:     config.Duration(cfg.Comm.SubmitTimeout, 30*time.Second),
		HealthTimeout:     config.Duration(cfg.Comm.HealthTimeout, 5*time.Second),
		CancelTimeout:     config.Duration(cfg.Comm.CancelTimeout, 5*time.Second),
		MaxRetries:        cfg.Comm.MaxRetries,
		RetryBackoff:      config.Duration(cfg.Comm.RetryBackoff, 2*time.Second),
	})

	// Every assignment, direct or drained from the queue, goes over the wire
	// through the communicator.
	lb.SetAssignSink(communicator.Dispatch)

	e := echo.New()
	e.HideBanner = true

	SetupRouter(e, RouterConfig{LB: lb, Comm: communicator})

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Info().Str("addr", addr).Msg("balancer listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ref := range lb.NodeRefs() {
		communicator.CleanupNodeResources(ref.ID)
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}
