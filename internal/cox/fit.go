package cox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-proxcox/internal/config"
	"github.com/23skdu/longbow-proxcox/internal/device"
	"github.com/23skdu/longbow-proxcox/internal/metrics"
	"github.com/23skdu/longbow-proxcox/internal/survdata"
)

// Iteration describes one accepted outer iteration.
type Iteration struct {
	Iter      int       `json:"iteration"`
	Objective float64   `json:"objective"`
	Step      float64   `json:"step_size"`
	MaxDiff   float64   `json:"max_diff"`
	Retries   int       `json:"line_search_retries"`
	Criterion Criterion `json:"-"`
}

// Observer is told about every accepted iteration and about a failed fit.
type Observer interface {
	Observe(sessionID string, it Iteration)
	Failed(sessionID string, err error)
}

// Result is the outcome of a fit. B is P×K column-major.
type Result struct {
	SessionID  string        `json:"session_id"`
	Covariates []string      `json:"covariates,omitempty"`
	Strata     []string      `json:"strata,omitempty"`
	P          int           `json:"p"`
	K          int           `json:"k"`
	B          []float64     `json:"coefficients"`
	CoxVal     []float64     `json:"cox_val"`
	Objective  float64       `json:"objective"`
	Penalized  float64       `json:"penalized_objective"`
	Iterations int           `json:"iterations"`
	Converged  bool          `json:"converged"`
	MaxDiff    float64       `json:"max_diff"`
	StepSize   float64       `json:"step_size"`
	NonZero    int           `json:"nonzero"`
	Duration   time.Duration `json:"duration_ns"`
}

// Coef returns the coefficient of covariate j in stratum k.
func (r *Result) Coef(j, k int) float64 {
	return r.B[k*r.P+j]
}

// Fit runs accelerated proximal gradient from the current B until the
// largest coefficient change drops below cfg.Tolerance or cfg.MaxIter
// iterations pass. Reaching MaxIter is not an error; Result.Converged tells
// the two apart. Cancellation of ctx is noticed between iterations and
// returns the partial result with ctx's error.
func (s *Session) Fit(ctx context.Context, cfg config.Config, obs Observer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !s.loaded {
		return nil, fmt.Errorf("cox: fit before Load")
	}

	start := time.Now()
	outcome := "failed"
	res := &Result{
		SessionID:  s.ID,
		Covariates: s.covariates,
		Strata:     s.strata,
		P:          s.dims.P,
		K:          s.dims.K,
	}
	defer func() {
		res.Duration = time.Since(start)
		metrics.RecordFit(outcome, res.Duration, res.NonZero)
	}()
	fail := func(err error) (*Result, error) {
		s.log.Error("fit failed", "iteration", res.Iterations, "error", err)
		if obs != nil {
			obs.Failed(s.ID, err)
		}
		return nil, err
	}

	s.log.Info("fit started",
		"total", s.dims.Total, "p", s.dims.P, "k", s.dims.K,
		"lambda_1", cfg.Lambda1, "lambda_2", cfg.Lambda2, "penalized", cfg.Penalized(),
		"ties", string(s.ties), "line_search", string(cfg.LineSearch), "lanes", len(s.lanes))

	l := s.lanes[0]
	pr := &s.st.param

	s.Snapshot()
	l.handle.Copy(pr.B, pr.V)
	fv, err := s.Evaluate(pr.V, pr.Grad)
	if err != nil {
		return fail(err)
	}

	step := cfg.StepSize
	t := 1.0
	for iter := 1; iter <= cfg.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			outcome = "canceled"
			s.log.Warn("fit canceled", "iteration", res.Iterations)
			if ferr := s.finish(res, cfg, step); ferr != nil {
				return nil, ferr
			}
			return res, err
		}

		if iter > 1 {
			// let the step recover from earlier backtracking
			step = math.Min(step/cfg.Backtrack, cfg.StepSize)
		}

		s.Snapshot()
		var (
			fB      float64
			crit    Criterion
			retries int
		)
		for {
			s.UpdateParameters(step, cfg.Lambda1, cfg.Lambda2)
			var ok bool
			fB, err = s.Evaluate(pr.B, pr.GradLs)
			switch {
			case errors.Is(err, ErrNonFinite):
				// overshoot; treat as a rejected step
			case err != nil:
				return fail(err)
			default:
				if ok, crit, err = s.accept(cfg.LineSearch, step, fB, fv); err != nil {
					return fail(err)
				}
			}
			if ok {
				break
			}
			retries++
			step *= cfg.Backtrack
			if retries >= cfg.MaxLineSearch || step < cfg.MinStepSize {
				metrics.RecordLineSearchFailure()
				return fail(fmt.Errorf("%w: iteration %d, %d retries, step %g", ErrLineSearch, iter, retries, step))
			}
		}
		metrics.RecordLineSearchAccept(crit.String())

		md, err := s.MaxDiff()
		if err != nil {
			return fail(err)
		}
		tNew := nextWeight(t)
		s.NesterovUpdate(t, tNew)
		t = tNew

		res.Iterations = iter
		res.MaxDiff = md
		it := Iteration{Iter: iter, Objective: fB, Step: step, MaxDiff: md, Retries: retries, Criterion: crit}
		metrics.RecordIteration(fB, step, md, retries)
		s.log.Debug("iteration",
			"iteration", iter, "objective", fB, "step", step,
			"max_diff", md, "retries", retries, "criterion", crit.String())
		if obs != nil {
			obs.Observe(s.ID, it)
		}

		if converged(md, step, cfg) {
			res.Converged = true
			break
		}
		if iter == cfg.MaxIter {
			break
		}
		if fv, err = s.Evaluate(pr.V, pr.Grad); err != nil {
			return fail(err)
		}
	}

	if err := s.finish(res, cfg, step); err != nil {
		return fail(err)
	}
	outcome = "max_iter"
	if res.Converged {
		outcome = "converged"
	}
	s.log.Info("fit finished",
		"iterations", res.Iterations, "converged", res.Converged,
		"objective", res.Objective, "penalized", res.Penalized,
		"nonzero", res.NonZero, "elapsed", time.Since(start).String())
	return res, nil
}

// converged compares the coefficient change with the tolerance after
// rescaling it to the configured step, so a step shrunk by backtracking
// cannot stop the fit early.
func converged(maxDiff, step float64, cfg config.Config) bool {
	return maxDiff*(cfg.StepSize/step) < cfg.Tolerance
}

// finish evaluates at the final B and fills the reported values.
func (s *Session) finish(res *Result, cfg config.Config, step float64) error {
	pr := &s.st.param
	f, err := s.Evaluate(pr.B, pr.GradLs)
	if err != nil {
		return err
	}
	if res.CoxVal, err = s.CoxValues(); err != nil {
		return err
	}
	if res.B, err = s.Coefficients(); err != nil {
		return err
	}
	res.Objective = f
	res.Penalized = f
	if cfg.Penalized() {
		res.Penalized += Penalty(res.B, s.pf, s.dims.P, s.dims.K, cfg.Lambda1, cfg.Lambda2)
	}
	res.StepSize = step
	res.NonZero = 0
	for _, v := range res.B {
		if v != 0 {
			res.NonZero++
		}
	}
	return nil
}

// LambdaMax returns the smallest lambda_1 (with lambda_2 = 0) and the
// smallest lambda_2 (with lambda_1 = 0) at which B = 0 is optimal. Covariates
// with a zero penalty factor are skipped. It overwrites V and Grad.
func (s *Session) LambdaMax() (lasso, group float64, err error) {
	if !s.loaded {
		return 0, 0, fmt.Errorf("cox: lambda max before Load")
	}
	l := s.lanes[0]
	pr := &s.st.param
	p, k := s.dims.P, s.dims.K

	device.Fill(l.stream, pr.V, 0)
	if _, err := s.Evaluate(pr.V, pr.Grad); err != nil {
		return 0, 0, err
	}
	g := make([]float64, p*k)
	if err := pr.Grad.Download(l.stream, g); err != nil {
		return 0, 0, err
	}
	for j := 0; j < p; j++ {
		if s.pf[j] == 0 {
			continue
		}
		var ss float64
		for c := 0; c < k; c++ {
			v := g[c*p+j]
			lasso = math.Max(lasso, math.Abs(v)/s.pf[j])
			ss += v * v
		}
		group = math.Max(group, math.Sqrt(ss)/s.pf[j])
	}
	return lasso, group, nil
}

// Problem is everything a one-shot fit needs besides the configuration.
type Problem struct {
	Data *survdata.Prepared
	// PenaltyFactor has one weight per covariate; nil means all ones.
	PenaltyFactor []float64
	// Init is a P×K column-major starting point; nil means zeros.
	Init []float64
}

// Fit creates a stream, a handle and a session on dev, fits prob and
// releases everything.
func Fit(ctx context.Context, dev *device.Context, prob Problem, cfg config.Config, obs Observer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
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

	d := prob.Data
	s, err := NewSession(dev, stream, handle, Dims{Total: d.Total, P: d.P, K: d.K},
		Options{Ties: cfg.GetTies(), Streams: cfg.Streams})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Load(d, prob.PenaltyFactor); err != nil {
		return nil, err
	}
	if prob.Init != nil {
		if err := s.SetCoefficients(prob.Init); err != nil {
			return nil, err
		}
	}
	return s.Fit(ctx, cfg, obs)
}
