package survdata

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimConfig describes a synthetic proportional-hazards dataset.
type SimConfig struct {
	N, P, K int

	// Beta is the p×K column-major true coefficient matrix. When nil the
	// first min(3, p) covariates get effects 1, -0.5, 0.25 in every response.
	Beta []float64

	// CensorRate is the rate of the exponential censoring time; 0 disables
	// censoring.
	CensorRate float64

	// Resolution rounds times up to a multiple of itself, creating ties.
	Resolution float64

	Seed uint64
}

// Simulate draws covariates from a standard normal and, for each response,
// event times from an exponential with rate exp(x·beta_k). It returns the
// dataset and the coefficients used.
func Simulate(cfg SimConfig) (*Dataset, []float64, error) {
	if cfg.N < 1 || cfg.P < 1 || cfg.K < 1 {
		return nil, nil, fmt.Errorf("%w: simulate needs n, p, K >= 1 (got %d, %d, %d)", ErrInvalid, cfg.N, cfg.P, cfg.K)
	}
	beta := cfg.Beta
	if beta == nil {
		beta = make([]float64, cfg.P*cfg.K)
		effects := []float64{1, -0.5, 0.25}
		for k := 0; k < cfg.K; k++ {
			for j := 0; j < cfg.P && j < len(effects); j++ {
				beta[k*cfg.P+j] = effects[j]
			}
		}
	}
	if len(beta) != cfg.P*cfg.K {
		return nil, nil, fmt.Errorf("%w: beta has %d values, want %d×%d", ErrInvalid, len(beta), cfg.P, cfg.K)
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	x := mat.NewDense(cfg.N, cfg.P, nil)
	for i := 0; i < cfg.N; i++ {
		for j := 0; j < cfg.P; j++ {
			x.Set(i, j, norm.Rand())
		}
	}

	d := &Dataset{X: x, Covariates: make([]string, cfg.P)}
	for j := range d.Covariates {
		d.Covariates[j] = fmt.Sprintf("x%d", j)
	}

	eta := make([]float64, cfg.N)
	for k := 0; k < cfg.K; k++ {
		bk := mat.NewVecDense(cfg.P, beta[k*cfg.P:(k+1)*cfg.P])
		mat.NewVecDense(cfg.N, eta).MulVec(x, bk)

		r := Response{Name: fmt.Sprintf("y%d", k), Time: make([]float64, cfg.N), Status: make([]float64, cfg.N)}
		for i := 0; i < cfg.N; i++ {
			event := distuv.Exponential{Rate: math.Exp(eta[i]), Src: src}.Rand()
			t, status := event, 1.0
			if cfg.CensorRate > 0 {
				if c := (distuv.Exponential{Rate: cfg.CensorRate, Src: src}).Rand(); c < event {
					t, status = c, 0
				}
			}
			if cfg.Resolution > 0 {
				t = math.Ceil(t/cfg.Resolution) * cfg.Resolution
			}
			r.Time[i], r.Status[i] = t, status
		}
		d.Responses = append(d.Responses, r)
	}
	if cfg.K == 1 {
		d.Responses[0].Name = ""
	}
	return d, beta, nil
}
