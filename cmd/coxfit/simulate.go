package main

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-proxcox/internal/logger"
	"github.com/23skdu/longbow-proxcox/internal/survdata"
)

func simulateCmd() *cli.Command {
	var (
		n, p, k    int
		censorRate float64
		resolution float64
		seed       uint64
		outPath    string
		betaPath   string
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "Write a synthetic proportional-hazards dataset as an Arrow IPC stream",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Usage: "rows", Value: 1000, Destination: &n},
			&cli.IntFlag{Name: "p", Usage: "covariates", Value: 10, Destination: &p},
			&cli.IntFlag{Name: "k", Usage: "responses", Value: 1, Destination: &k},
			&cli.Float64Flag{Name: "censor-rate", Usage: "rate of exponential censoring, 0 for none", Value: 0.5, Destination: &censorRate},
			&cli.Float64Flag{Name: "resolution", Usage: "round times up to this multiple to create ties", Destination: &resolution},
			&cli.Uint64Flag{Name: "seed", Value: 1, Destination: &seed},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .arrow file",
				Destination: &outPath,
				Required:    true,
			},
			&cli.StringFlag{Name: "beta-out", Usage: "write the true coefficients as JSON", Destination: &betaPath},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			d, beta, err := survdata.Simulate(survdata.SimConfig{
				N: n, P: p, K: k,
				CensorRate: censorRate,
				Resolution: resolution,
				Seed:       seed,
			})
			if err != nil {
				return err
			}

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outPath, err)
			}
			if err := survdata.WriteArrow(f, d, memory.DefaultAllocator); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			if betaPath != "" {
				data, err := json.MarshalIndent(map[string]interface{}{
					"covariates": d.Covariates,
					"p":          p,
					"k":          k,
					"beta":       beta,
				}, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(betaPath, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", betaPath, err)
				}
			}
			logger.Log.Info("simulated dataset", "out", outPath, "n", n, "p", p, "k", k, "seed", seed)
			return nil
		},
	}
}
