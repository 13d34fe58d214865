package cox

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-proxcox/internal/config"
	"github.com/23skdu/longbow-proxcox/internal/device"
	"github.com/23skdu/longbow-proxcox/internal/survdata"
)

// data1 has two tie groups: two events at time 1 and an event tied with a
// censored row at time 3.
func data1(t *testing.T) *survdata.Prepared {
	t.Helper()
	d := &survdata.Dataset{
		Covariates: []string{"X"},
		X:          mat.NewDense(6, 1, []float64{4, 2, 5, 6, 6, 5}),
		Responses: []survdata.Response{{
			Time:   []float64{1, 1, 2, 3, 3, 4},
			Status: []float64{1, 1, 0, 0, 1, 0},
		}},
	}
	p, err := d.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return p
}

func simulated(t *testing.T, cfg survdata.SimConfig) *survdata.Prepared {
	t.Helper()
	d, _, err := survdata.Simulate(cfg)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	p, err := d.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return p
}

type fixture struct {
	dev    *device.Context
	stream *device.Stream
	handle *device.Handle
	s      *Session
}

func newFixture(t *testing.T, p *survdata.Prepared, opts Options, pf []float64) *fixture {
	t.Helper()
	dev, err := device.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(dev.Free)
	stream, err := dev.NewStream()
	if err != nil {
		t.Fatal(err)
	}
	handle, err := dev.NewHandle(stream)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSession(dev, stream, handle, Dims{Total: p.Total, P: p.P, K: p.K}, opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Load(p, pf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return &fixture{dev: dev, stream: stream, handle: handle, s: s}
}

func (f *fixture) upload(t *testing.T, b *device.Buffer, vals []float64) {
	t.Helper()
	if err := b.Upload(f.stream, vals); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) download(t *testing.T, b *device.Buffer) []float64 {
	t.Helper()
	out := make([]float64, b.Len())
	if err := b.Download(f.stream, out); err != nil {
		t.Fatal(err)
	}
	return out
}

// objective evaluates at b and returns the value and gradient.
func (f *fixture) objective(t *testing.T, b []float64) (float64, []float64) {
	t.Helper()
	pr := f.s.Param()
	f.upload(t, pr.V, b)
	v, err := f.s.Evaluate(pr.V, pr.Grad)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return v, f.download(t, pr.Grad)
}

// referenceBreslow is the per-stratum averaged Breslow negative log partial
// likelihood computed directly from the risk-set definition.
func referenceBreslow(p *survdata.Prepared, b []float64) float64 {
	var total float64
	for k := 0; k < p.K; k++ {
		lo, hi := p.Rows(k)
		n := hi - lo
		if n == 0 {
			continue
		}
		eta := make([]float64, n)
		for i := 0; i < n; i++ {
			for j := 0; j < p.P; j++ {
				eta[i] += p.X[(lo+i)*p.P+j] * b[k*p.P+j]
			}
		}
		var nll float64
		for i := 0; i < n; i++ {
			if p.Censor[lo+i] == 0 {
				continue
			}
			var risk float64
			for j := 0; j < n; j++ {
				if p.Time[lo+j] >= p.Time[lo+i] {
					risk += math.Exp(eta[j])
				}
			}
			nll += math.Log(risk) - eta[i]
		}
		total += nll / float64(n)
	}
	return total
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxIter = 20000
	cfg.Tolerance = 1e-10
	return cfg
}
