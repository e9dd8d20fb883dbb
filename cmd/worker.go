package cmd

import (
	"context"
	"fmt"

	"github.com/MachineJALS/MagisOperativos/internal/config"
	"github.com/MachineJALS/MagisOperativos/internal/worker"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func workerCmd() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run a conversion worker node (registers with the balancer)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "id",
				Usage:   "Node id (defaults to hostname)",
				Sources: cli.EnvVars("MO_WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "balancer-url",
				Usage:   "Balancer endpoint, e.g. http://localhost:3000",
				Sources: cli.EnvVars("MO_WORKER_BALANCER_URL"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Worker HTTP listen port",
				Sources: cli.EnvVars("MO_WORKER_PORT"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if v := cmd.String("id"); v != "" {
				cfg.Worker.ID = v
			}
			if v := cmd.String("balancer-url"); v != "" {
				cfg.Worker.BalancerURL = v
			}
			if v := cmd.Int("port"); v != 0 {
				cfg.Worker.Port = int(v)
			}
			if v := cmd.String("log-level"); v != "" {
				cfg.Logging.Level = v
			}

			if cfg.Worker.BalancerURL == "" {
				return fmt.Errorf("balancer URL is required (set MO_WORKER_BALANCER_URL or worker.balancer_url in config)")
			}

			log.Info().Str("balancer", cfg.Worker.BalancerURL).Str("node_id", cfg.Worker.ID).Msg("starting worker")

			return worker.Run(ctx, cfg)
		},
	}
}
