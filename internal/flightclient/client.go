// Package flightclient moves survival datasets and fitted coefficients over
// Arrow Flight.
package flightclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-proxcox/internal/logger"
	"github.com/23skdu/longbow-proxcox/internal/survdata"
)

// PortData is the default Flight port.
const PortData = 3000

var ErrNotConnected = errors.New("flightclient: not connected, call Connect first")

// DatasetClient is what the fit driver needs from a data service.
type DatasetClient interface {
	Connect(ctx context.Context) error
	FetchDataset(ctx context.Context, path string) (*survdata.Dataset, error)
	PutCoefficients(ctx context.Context, path string, covariates, strata []string, b []float64) error
	Close() error
}

// Client wraps an Arrow Flight client.
type Client struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	mem     memory.Allocator
}

func NewClient(host string, port int) *Client {
	if port <= 0 {
		port = PortData
	}
	return &Client{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
	}
}

// SetTimeout bounds each Fetch or Put call; 0 disables the bound.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) Addr() string { return c.addr }

func (c *Client) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("flightclient: connect %s: %w", c.addr, err)
	}
	c.client = client
	logger.Log.Debug("flight client created", "addr", c.addr)
	return nil
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func descriptor(path string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{path}}
}

// FetchDataset resolves path with GetFlightInfo and reads every endpoint's
// stream into one dataset. Endpoints must share a schema.
func (c *Client) FetchDataset(ctx context.Context, path string) (*survdata.Dataset, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := c.client.GetFlightInfo(ctx, descriptor(path))
	if err != nil {
		return nil, fmt.Errorf("flightclient: get flight info %q: %w", path, err)
	}
	if len(info.Endpoint) == 0 {
		return nil, fmt.Errorf("flightclient: %q has no endpoints", path)
	}

	var (
		schema *arrow.Schema
		recs   []arrow.Record
	)
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for _, ep := range info.Endpoint {
		got, err := c.readEndpoint(ctx, ep.Ticket)
		if err != nil {
			return nil, err
		}
		for _, r := range got {
			recs = append(recs, r)
			if schema == nil {
				schema = r.Schema()
			} else if !schema.Equal(r.Schema()) {
				return nil, fmt.Errorf("flightclient: %q endpoints disagree on schema", path)
			}
		}
	}
	if schema == nil {
		return nil, fmt.Errorf("flightclient: %q returned no records", path)
	}

	rr, err := array.NewRecordReader(schema, recs)
	if err != nil {
		return nil, fmt.Errorf("flightclient: %w", err)
	}
	defer rr.Release()
	d, err := survdata.FromRecords(rr)
	if err != nil {
		return nil, err
	}
	n, p := d.Dims()
	logger.Log.Info("fetched dataset", "path", path, "rows", n, "covariates", p, "responses", len(d.Responses), "endpoints", len(info.Endpoint))
	return d, nil
}

func (c *Client) readEndpoint(ctx context.Context, ticket *flight.Ticket) ([]arrow.Record, error) {
	stream, err := c.client.DoGet(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("flightclient: do get: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("flightclient: open stream: %w", err)
	}
	defer rdr.Release()

	var out []arrow.Record
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, r := range out {
			r.Release()
		}
		return nil, fmt.Errorf("flightclient: read stream: %w", err)
	}
	return out, nil
}

// PutCoefficients uploads B as one record under path.
func (c *Client) PutCoefficients(ctx context.Context, path string, covariates, strata []string, b []float64) error {
	if c.client == nil {
		return ErrNotConnected
	}
	rec, err := survdata.CoefficientRecord(c.mem, covariates, strata, b)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flightclient: do put: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(descriptor(path))
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("flightclient: write coefficients: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flightclient: close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flightclient: close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("flightclient: put result: %w", err)
		}
	}
	logger.Log.Info("published coefficients", "path", path, "covariates", len(covariates), "strata", len(strata))
	return nil
}
