package cox

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-proxcox/internal/config"
	"github.com/23skdu/longbow-proxcox/internal/device"
)

// Criterion selects the line-search acceptance test. A trial step is
// accepted when its criterion value is at most zero.
type Criterion int

const (
	// CriterionValue compares the objective at the trial point with the
	// quadratic model around the extrapolation point.
	CriterionValue Criterion = iota
	// CriterionGradient uses gradients only, so it stays reliable when the
	// objective difference is lost to rounding.
	CriterionGradient
)

func (c Criterion) String() string {
	switch c {
	case CriterionValue:
		return "value"
	case CriterionGradient:
		return "gradient"
	}
	return fmt.Sprintf("Criterion(%d)", int(c))
}

// cancellationTol is the relative objective change below which the value
// criterion is not trusted.
const cancellationTol = 1e-10

// LineSearchStop evaluates a criterion at the trial B against the
// extrapolation point V. fTrial and fBase are the objective at B and V;
// Grad must hold the gradient at V and, for CriterionGradient, GradLs the
// gradient at B. It leaves Δ = B − V in LsResult.
func (s *Session) LineSearchStop(c Criterion, step, fTrial, fBase float64) (float64, error) {
	l := s.lanes[0]
	pr := &s.st.param

	device.Sub(l.stream, pr.B, pr.V, pr.LsResult)
	dd, err := l.handle.Dot(pr.LsResult, pr.LsResult)
	if err != nil {
		return 0, err
	}

	switch c {
	case CriterionValue:
		gd, err := l.handle.Dot(pr.Grad, pr.LsResult)
		if err != nil {
			return 0, err
		}
		return fTrial - fBase - gd - dd/(2*step), nil
	case CriterionGradient:
		// Change is scratch until MaxDiff
		device.Sub(l.stream, pr.GradLs, pr.Grad, pr.Change)
		gd, err := l.handle.Dot(pr.Change, pr.LsResult)
		if err != nil {
			return 0, err
		}
		return gd - dd/step, nil
	}
	return 0, fmt.Errorf("cox: unknown line-search criterion %v", c)
}

// accept applies the configured policy and reports the criterion that
// decided.
func (s *Session) accept(policy config.LineSearchPolicy, step, fTrial, fBase float64) (bool, Criterion, error) {
	switch policy {
	case config.LineSearchValue:
		v, err := s.LineSearchStop(CriterionValue, step, fTrial, fBase)
		if err != nil || v <= 0 || !cancelled(fTrial, fBase) {
			return v <= 0, CriterionValue, err
		}
		// rejected on a difference lost to rounding
		v, err = s.LineSearchStop(CriterionGradient, step, fTrial, fBase)
		return v <= 0, CriterionGradient, err
	case config.LineSearchGradient:
		v, err := s.LineSearchStop(CriterionGradient, step, fTrial, fBase)
		return v <= 0, CriterionGradient, err
	}

	if !cancelled(fTrial, fBase) {
		v, err := s.LineSearchStop(CriterionValue, step, fTrial, fBase)
		return v <= 0, CriterionValue, err
	}
	v, err := s.LineSearchStop(CriterionGradient, step, fTrial, fBase)
	return v <= 0, CriterionGradient, err
}

// cancelled reports whether fTrial − fBase is too small to be trusted.
func cancelled(fTrial, fBase float64) bool {
	return math.Abs(fTrial-fBase) <= cancellationTol*math.Max(1, math.Abs(fBase))
}
