package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-proxcox/internal/logger"
	"github.com/23skdu/longbow-proxcox/internal/monitoring"
)

func newApp() *cli.Command {
	var logLevel, logFormat string
	return &cli.Command{
		Name:    "coxfit",
		Usage:   "Penalized Cox proportional hazards fitting with accelerated proximal gradient",
		Version: monitoring.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (console, json)",
				Value:       "console",
				Destination: &logFormat,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger.Setup(logLevel, logFormat)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			fitCmd(),
			simulateCmd(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
