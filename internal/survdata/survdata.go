// Package survdata prepares right-censored survival data for the Cox solver:
// it sorts each stratum by time, records tie bounds and stratum offsets, and
// reads and writes datasets as Arrow IPC streams.
package survdata

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalid is returned for datasets whose shapes or values cannot be fit.
var ErrInvalid = errors.New("survdata: invalid dataset")

// Response is one set of survival outcomes over the rows of a dataset.
// Status is 1 for an observed event and 0 for a censored row.
type Response struct {
	Name   string
	Time   []float64
	Status []float64
}

// Dataset holds covariates and outcomes in source row order.
//
// With several responses every response becomes its own stratum over all
// rows. With a single response, Strata (when set) assigns each row to a
// stratum instead.
type Dataset struct {
	Covariates []string
	X          *mat.Dense
	Responses  []Response
	Strata     []int
}

func (d *Dataset) Dims() (n, p int) {
	if d.X == nil {
		return 0, 0
	}
	return d.X.Dims()
}

func (d *Dataset) Validate() error {
	if d.X == nil {
		return fmt.Errorf("%w: no covariates", ErrInvalid)
	}
	n, p := d.X.Dims()
	if len(d.Covariates) != 0 && len(d.Covariates) != p {
		return fmt.Errorf("%w: %d covariate names for %d columns", ErrInvalid, len(d.Covariates), p)
	}
	if len(d.Responses) == 0 {
		return fmt.Errorf("%w: no response", ErrInvalid)
	}
	for _, r := range d.Responses {
		if len(r.Time) != n || len(r.Status) != n {
			return fmt.Errorf("%w: response %q has %d times and %d statuses for %d rows",
				ErrInvalid, r.Name, len(r.Time), len(r.Status), n)
		}
		for i := range r.Time {
			if math.IsNaN(r.Time[i]) || math.IsInf(r.Time[i], 0) {
				return fmt.Errorf("%w: response %q row %d has time %v", ErrInvalid, r.Name, i, r.Time[i])
			}
			if s := r.Status[i]; s != 0 && s != 1 {
				return fmt.Errorf("%w: response %q row %d has status %v", ErrInvalid, r.Name, i, s)
			}
		}
	}
	if len(d.Strata) > 0 {
		if len(d.Responses) != 1 {
			return fmt.Errorf("%w: strata need exactly one response, have %d", ErrInvalid, len(d.Responses))
		}
		if len(d.Strata) != n {
			return fmt.Errorf("%w: %d stratum labels for %d rows", ErrInvalid, len(d.Strata), n)
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			if v := d.X.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: covariate %d row %d is %v", ErrInvalid, j, i, v)
			}
		}
	}
	return nil
}

// Prepared is the solver-ready layout: rows grouped by stratum, each stratum
// sorted by ascending time, X stored row-major.
type Prepared struct {
	P, K, Total int

	Covariates []string
	Strata     []string

	X       []float64
	Time    []float64
	Censor  []float64
	RankMin []int32
	RankMax []int32

	// NcaseCumu has K+1 entries; stratum k owns rows [NcaseCumu[k], NcaseCumu[k+1]).
	NcaseCumu []int

	// Order maps each prepared row to its source row.
	Order []int
}

// Rows returns the row range of stratum k.
func (p *Prepared) Rows(k int) (lo, hi int) {
	return p.NcaseCumu[k], p.NcaseCumu[k+1]
}

// Events counts the observed events in stratum k.
func (p *Prepared) Events(k int) int {
	lo, hi := p.Rows(k)
	var d int
	for _, c := range p.Censor[lo:hi] {
		if c != 0 {
			d++
		}
	}
	return d
}

// Validate checks every invariant the device pipeline relies on.
func (p *Prepared) Validate() error {
	if p.P < 0 || p.K < 1 || p.Total < 0 {
		return fmt.Errorf("%w: dimensions p=%d K=%d total=%d", ErrInvalid, p.P, p.K, p.Total)
	}
	if len(p.X) != p.Total*p.P {
		return fmt.Errorf("%w: X has %d values, want %d×%d", ErrInvalid, len(p.X), p.Total, p.P)
	}
	if len(p.Censor) != p.Total || len(p.RankMin) != p.Total || len(p.RankMax) != p.Total {
		return fmt.Errorf("%w: per-row arrays do not have %d entries", ErrInvalid, p.Total)
	}
	if len(p.NcaseCumu) != p.K+1 || p.NcaseCumu[0] != 0 || p.NcaseCumu[p.K] != p.Total {
		return fmt.Errorf("%w: ncase_cumu %v does not span %d rows in %d strata", ErrInvalid, p.NcaseCumu, p.Total, p.K)
	}
	for k := 0; k < p.K; k++ {
		lo, hi := p.Rows(k)
		if hi < lo {
			return fmt.Errorf("%w: ncase_cumu decreases at stratum %d", ErrInvalid, k)
		}
		for i := lo; i < hi; i++ {
			rmin, rmax := int(p.RankMin[i]), int(p.RankMax[i])
			local := i - lo
			if rmin < 0 || rmin > local || rmax < local || rmax >= hi-lo {
				return fmt.Errorf("%w: row %d has tie bounds [%d,%d] outside stratum %d", ErrInvalid, i, rmin, rmax, k)
			}
		}
	}
	for i, c := range p.Censor {
		if c != 0 && c != 1 {
			return fmt.Errorf("%w: censor[%d] = %v", ErrInvalid, i, c)
		}
	}
	return nil
}

// Prepare validates the dataset and builds its solver layout.
func (d *Dataset) Prepare() (*Prepared, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	n, p := d.X.Dims()

	covariates := d.Covariates
	if len(covariates) == 0 {
		covariates = make([]string, p)
		for j := range covariates {
			covariates[j] = fmt.Sprintf("x%d", j)
		}
	}

	type group struct {
		name string
		resp *Response
		rows []int
	}
	var groups []group
	if len(d.Strata) > 0 {
		byLabel := make(map[int][]int)
		for i, s := range d.Strata {
			byLabel[s] = append(byLabel[s], i)
		}
		labels := make([]int, 0, len(byLabel))
		for s := range byLabel {
			labels = append(labels, s)
		}
		sort.Ints(labels)
		for _, s := range labels {
			groups = append(groups, group{name: fmt.Sprintf("stratum=%d", s), resp: &d.Responses[0], rows: byLabel[s]})
		}
	} else {
		for k := range d.Responses {
			rows := make([]int, n)
			for i := range rows {
				rows[i] = i
			}
			name := d.Responses[k].Name
			if name == "" {
				name = fmt.Sprintf("y%d", k)
			}
			groups = append(groups, group{name: name, resp: &d.Responses[k], rows: rows})
		}
	}

	total := 0
	for _, g := range groups {
		total += len(g.rows)
	}
	out := &Prepared{
		P:          p,
		K:          len(groups),
		Total:      total,
		Covariates: covariates,
		Strata:     make([]string, len(groups)),
		X:          make([]float64, 0, total*p),
		Time:       make([]float64, 0, total),
		Censor:     make([]float64, 0, total),
		RankMin:    make([]int32, 0, total),
		RankMax:    make([]int32, 0, total),
		NcaseCumu:  make([]int, 1, len(groups)+1),
		Order:      make([]int, 0, total),
	}

	for k, g := range groups {
		out.Strata[k] = g.name
		time := g.resp.Time
		rows := g.rows
		sort.SliceStable(rows, func(a, b int) bool { return time[rows[a]] < time[rows[b]] })

		for _, i := range rows {
			out.X = append(out.X, d.X.RawRowView(i)...)
			out.Time = append(out.Time, time[i])
			out.Censor = append(out.Censor, g.resp.Status[i])
			out.Order = append(out.Order, i)
		}
		rmin, rmax := tieBounds(out.Time[len(out.Time)-len(rows):])
		out.RankMin = append(out.RankMin, rmin...)
		out.RankMax = append(out.RankMax, rmax...)
		out.NcaseCumu = append(out.NcaseCumu, len(out.Time))
	}
	return out, nil
}

// tieBounds returns, for each position of the sorted times, the first and
// last position holding the same time.
func tieBounds(sorted []float64) (rankmin, rankmax []int32) {
	n := len(sorted)
	rankmin = make([]int32, n)
	rankmax = make([]int32, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && sorted[j+1] == sorted[i] {
			j++
		}
		for l := i; l <= j; l++ {
			rankmin[l] = int32(i)
			rankmax[l] = int32(j)
		}
		i = j + 1
	}
	return rankmin, rankmax
}
