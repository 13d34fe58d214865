package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-proxcox/internal/config"
	"github.com/23skdu/longbow-proxcox/internal/cox"
	"github.com/23skdu/longbow-proxcox/internal/device"
	"github.com/23skdu/longbow-proxcox/internal/flightclient"
	"github.com/23skdu/longbow-proxcox/internal/logger"
	"github.com/23skdu/longbow-proxcox/internal/monitoring"
	"github.com/23skdu/longbow-proxcox/internal/survdata"
)

// newDatasetClient is swapped out in tests.
var newDatasetClient = func(host string, port int, timeout time.Duration) flightclient.DatasetClient {
	c := flightclient.NewClient(host, port)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return c
}

type fitOptions struct {
	configPath    string
	dataPath      string
	flightAddr    string
	flightPath    string
	flightTimeout time.Duration
	putPath       string
	outPath       string
	format        string

	lambda1Ratio float64
	lambda2Ratio float64
	pf           []float64

	metricsAddr string
	monitorAddr string
}

func fitCmd() *cli.Command {
	var (
		opts       fitOptions
		lambda1    float64
		lambda2    float64
		ties       string
		lineSearch string
		streams    int
		maxIter    int
		tolerance  float64
		stepSize   float64
		memLimit   int64
	)

	return &cli.Command{
		Name:  "fit",
		Usage: "Fit a penalized Cox model to an Arrow dataset",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML solver configuration", Destination: &opts.configPath, TakesFile: true},
			&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "Arrow IPC dataset file", Destination: &opts.dataPath, TakesFile: true},
			&cli.StringFlag{Name: "flight", Usage: "Flight service host:port to fetch the dataset from", Destination: &opts.flightAddr},
			&cli.StringFlag{Name: "flight-path", Usage: "dataset path on the Flight service", Destination: &opts.flightPath},
			&cli.DurationFlag{Name: "flight-timeout", Usage: "bound on each Flight fetch or put, 30s when unset", Destination: &opts.flightTimeout},
			&cli.StringFlag{Name: "put", Usage: "publish coefficients to this Flight path", Destination: &opts.putPath},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "result file, stdout when empty", Destination: &opts.outPath},
			&cli.StringFlag{Name: "format", Usage: "result format (json, arrow)", Value: "json", Destination: &opts.format},

			&cli.Float64Flag{Name: "lambda1", Usage: "L1 penalty", Destination: &lambda1},
			&cli.Float64Flag{Name: "lambda2", Usage: "group penalty", Destination: &lambda2},
			&cli.Float64Flag{Name: "lambda1-ratio", Usage: "L1 penalty as a fraction of its smallest all-zero value", Destination: &opts.lambda1Ratio},
			&cli.Float64Flag{Name: "lambda2-ratio", Usage: "group penalty as a fraction of its smallest all-zero value", Destination: &opts.lambda2Ratio},
			&cli.Float64SliceFlag{Name: "penalty-factor", Usage: "per-covariate penalty weights", Destination: &opts.pf},
			&cli.StringFlag{Name: "ties", Usage: "tie handling (breslow, efron)", Destination: &ties},
			&cli.StringFlag{Name: "line-search", Usage: "stopping criterion (auto, value, gradient)", Destination: &lineSearch},
			&cli.IntFlag{Name: "streams", Usage: "streams to spread strata over", Destination: &streams},
			&cli.IntFlag{Name: "max-iter", Destination: &maxIter},
			&cli.Float64Flag{Name: "tol", Usage: "stop when the largest coefficient change is below this", Destination: &tolerance},
			&cli.Float64Flag{Name: "step-size", Usage: "initial step size", Destination: &stepSize},
			&cli.Int64Flag{Name: "memory-limit", Usage: "device memory cap in bytes", Destination: &memLimit},

			&cli.StringFlag{Name: "metrics", Usage: "address to serve Prometheus metrics", Destination: &opts.metricsAddr},
			&cli.StringFlag{Name: "monitor", Usage: "address to serve /health and /status", Destination: &opts.monitorAddr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.Default()
			if opts.configPath != "" {
				var err error
				if cfg, err = config.Load(opts.configPath); err != nil {
					return err
				}
			}
			if cmd.IsSet("lambda1") {
				cfg.Lambda1 = lambda1
			}
			if cmd.IsSet("lambda2") {
				cfg.Lambda2 = lambda2
			}
			if cmd.IsSet("ties") {
				cfg.Ties = config.TieMethod(strings.ToLower(ties))
			}
			if cmd.IsSet("line-search") {
				cfg.LineSearch = config.LineSearchPolicy(strings.ToLower(lineSearch))
			}
			if cmd.IsSet("streams") {
				cfg.Streams = streams
			}
			if cmd.IsSet("max-iter") {
				cfg.MaxIter = maxIter
			}
			if cmd.IsSet("tol") {
				cfg.Tolerance = tolerance
			}
			if cmd.IsSet("step-size") {
				cfg.StepSize = stepSize
			}
			if cmd.IsSet("memory-limit") {
				cfg.MemoryLimit = memLimit
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := checkFormat(opts.format); err != nil {
				return err
			}
			if opts.configPath != "" {
				setupLogging(cmd.Root(), cfg)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.Root().Writer
			if out == nil {
				out = os.Stdout
			}
			if opts.outPath != "" {
				f, err := os.Create(opts.outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", opts.outPath, err)
				}
				defer f.Close()
				out = f
			}
			_, err := runFit(ctx, opts, cfg, out)
			return err
		},
	}
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("flight address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("flight port %q: %w", portStr, err)
	}
	return host, port, nil
}

// runFit loads the dataset, fits it and writes the result to out. A canceled
// fit still writes its partial result before returning the error.
func runFit(ctx context.Context, opts fitOptions, cfg config.Config, out io.Writer) (*cox.Result, error) {
	var client flightclient.DatasetClient
	if opts.flightAddr != "" && opts.dataPath == "" && opts.flightPath == "" {
		return nil, errors.New("--flight needs --flight-path")
	}
	if opts.flightAddr != "" {
		host, port, err := splitAddr(opts.flightAddr)
		if err != nil {
			return nil, err
		}
		client = newDatasetClient(host, port, opts.flightTimeout)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		defer client.Close()
	}
	if opts.putPath != "" && client == nil {
		return nil, errors.New("--put needs --flight")
	}

	d, err := loadDataset(ctx, opts, client)
	if err != nil {
		return nil, err
	}
	prep, err := d.Prepare()
	if err != nil {
		return nil, err
	}

	fm := monitoring.NewFitMonitor()
	fm.DeviceMemoryWarning = cfg.MemoryLimit * 9 / 10
	if opts.monitorAddr != "" {
		go func() {
			if err := fm.Start(opts.monitorAddr); err != nil {
				logger.Log.Error("monitor server error", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			fm.Stop(sctx)
		}()
	}
	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr)
	}

	dev, err := device.NewContext()
	if err != nil {
		return nil, err
	}
	defer dev.Free()
	dev.SetMemoryLimit(cfg.MemoryLimit)

	res, err := fitPrepared(ctx, dev, prep, opts, cfg, fm)
	fm.RecordDeviceMemory(device.AllocatedBytes())
	if res == nil {
		return nil, err
	}
	fm.Finished(res)

	if werr := writeResult(out, res, opts.format); werr != nil {
		return res, werr
	}
	if err != nil {
		return res, err
	}
	if opts.putPath != "" {
		if err := client.PutCoefficients(ctx, opts.putPath, res.Covariates, res.Strata, res.B); err != nil {
			return res, err
		}
	}
	return res, nil
}

func loadDataset(ctx context.Context, opts fitOptions, client flightclient.DatasetClient) (*survdata.Dataset, error) {
	switch {
	case opts.dataPath != "":
		f, err := os.Open(opts.dataPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return survdata.ReadArrow(f, memory.DefaultAllocator)
	case client != nil:
		return client.FetchDataset(ctx, opts.flightPath)
	}
	return nil, errors.New("one of --data or --flight is required")
}

func fitPrepared(ctx context.Context, dev *device.Context, prep *survdata.Prepared, opts fitOptions, cfg config.Config, obs cox.Observer) (*cox.Result, error) {
	stream, err := dev.NewStream()
	if err != nil {
		return nil, err
	}
	defer stream.Destroy()
	handle, err := dev.NewHandle(stream)
	if err != nil {
		return nil, err
	}
	defer handle.Destroy()

	s, err := cox.NewSession(dev, stream, handle,
		cox.Dims{Total: prep.Total, P: prep.P, K: prep.K},
		cox.Options{Ties: cfg.GetTies(), Streams: cfg.Streams})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var pf []float64
	if len(opts.pf) > 0 {
		pf = opts.pf
	}
	if err := s.Load(prep, pf); err != nil {
		return nil, err
	}

	if opts.lambda1Ratio > 0 || opts.lambda2Ratio > 0 {
		lasso, group, err := s.LambdaMax()
		if err != nil {
			return nil, err
		}
		if opts.lambda1Ratio > 0 {
			cfg.Lambda1 = opts.lambda1Ratio * lasso
		}
		if opts.lambda2Ratio > 0 {
			cfg.Lambda2 = opts.lambda2Ratio * group
		}
		logger.Log.Info("penalty from lambda max",
			"lambda1_max", lasso, "lambda2_max", group,
			"lambda_1", cfg.Lambda1, "lambda_2", cfg.Lambda2)
	}
	return s.Fit(ctx, cfg, obs)
}

// setupLogging applies the config file's log settings unless the root flags
// were given explicitly.
func setupLogging(root *cli.Command, cfg config.Config) {
	level, format := cfg.LogLevel, cfg.LogFormat
	if root.IsSet("log-level") {
		level = root.String("log-level")
	}
	if root.IsSet("log-format") {
		format = root.String("log-format")
	}
	logger.Setup(level, format)
}

func checkFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "json", "arrow":
		return nil
	}
	return fmt.Errorf("unknown format %q (want json or arrow)", format)
}

func writeResult(w io.Writer, res *cox.Result, format string) error {
	switch strings.ToLower(format) {
	case "", "json":
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "arrow":
		return survdata.WriteCoefficients(w, memory.DefaultAllocator, res.Covariates, res.Strata, res.B)
	}
	return fmt.Errorf("unknown format %q (want json or arrow)", format)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Log.Info("metrics serving", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log.Error("metrics server error", "error", err)
	}
}
