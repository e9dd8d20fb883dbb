package cmd

import (
	"github.com/urfave/cli/v3"
)

var version = "dev"

func App() *cli.Command {
	return &cli.Command{
		Name:    "magisoperativos",
		Version: version,
		Usage:   "Distributed media conversion — a balancer that farms conversion tasks out to worker nodes.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("MO_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("MO_LOGGING_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			balancerCmd(),
			workerCmd(),
		},
	}
}
