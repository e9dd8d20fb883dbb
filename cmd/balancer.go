package cmd

import (
	"context"
	"fmt"

	"github.com/MachineJALS/MagisOperativos/internal/api"
	"github.com/MachineJALS/MagisOperativos/internal/config"
	"github.com/urfave/cli/v3"
)

func balancerCmd() *cli.Command {
	return &cli.Command{
		Name:  "balancer",
		Usage: "Run the load balancer (node registry + task distribution)",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP listen port",
				Sources: cli.EnvVars("MO_SERVER_PORT"),
			},
			&cli.StringFlag{
				Name:    "node-secret",
				Usage:   "Shared secret for worker communication",
				Sources: cli.EnvVars("MO_COMM_SECRET"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if v := cmd.Int("port"); v != 0 {
				cfg.Server.Port = int(v)
			}
			if v := cmd.String("node-secret"); v != "" {
				cfg.Comm.Secret = v
			}
			if v := cmd.String("log-level"); v != "" {
				cfg.Logging.Level = v
			}

			return api.Run(ctx, cfg)
		},
	}
}
