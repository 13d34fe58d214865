package survdata

import (
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

// Column names used in Arrow datasets. A single response is stored as
// "time" and "status"; several responses as "time:<name>" and
// "status:<name>". An optional int64 "stratum" column assigns rows to strata.
// Every other numeric column is a covariate.
const (
	ColTime    = "time"
	ColStatus  = "status"
	ColStratum = "stratum"

	ColCovariate = "covariate"
)

// Schema returns the Arrow schema WriteArrow uses for the dataset.
func (d *Dataset) Schema() *arrow.Schema {
	_, p := d.Dims()
	fields := make([]arrow.Field, 0, p+2*len(d.Responses)+1)
	for j := 0; j < p; j++ {
		fields = append(fields, arrow.Field{Name: d.covariateName(j), Type: arrow.PrimitiveTypes.Float64})
	}
	for k := range d.Responses {
		t, s := d.responseColumns(k)
		fields = append(fields,
			arrow.Field{Name: t, Type: arrow.PrimitiveTypes.Float64},
			arrow.Field{Name: s, Type: arrow.PrimitiveTypes.Float64})
	}
	if len(d.Strata) > 0 {
		fields = append(fields, arrow.Field{Name: ColStratum, Type: arrow.PrimitiveTypes.Int64})
	}
	return arrow.NewSchema(fields, nil)
}

func (d *Dataset) covariateName(j int) string {
	if j < len(d.Covariates) {
		return d.Covariates[j]
	}
	return fmt.Sprintf("x%d", j)
}

func (d *Dataset) responseColumns(k int) (timeCol, statusCol string) {
	name := d.Responses[k].Name
	if name == "" && len(d.Responses) == 1 {
		return ColTime, ColStatus
	}
	if name == "" {
		name = fmt.Sprintf("y%d", k)
	}
	return ColTime + ":" + name, ColStatus + ":" + name
}

// Record builds one Arrow record holding the whole dataset.
func (d *Dataset) Record(mem memory.Allocator) (arrow.Record, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	n, p := d.X.Dims()
	b := array.NewRecordBuilder(mem, d.Schema())
	defer b.Release()

	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, d.X)
		b.Field(j).(*array.Float64Builder).AppendValues(col, nil)
	}
	f := p
	for _, r := range d.Responses {
		b.Field(f).(*array.Float64Builder).AppendValues(r.Time, nil)
		b.Field(f+1).(*array.Float64Builder).AppendValues(r.Status, nil)
		f += 2
	}
	if len(d.Strata) > 0 {
		sb := b.Field(f).(*array.Int64Builder)
		for _, s := range d.Strata {
			sb.Append(int64(s))
		}
	}
	return b.NewRecord(), nil
}

// WriteArrow writes the dataset as an Arrow IPC stream.
func WriteArrow(w io.Writer, d *Dataset, mem memory.Allocator) error {
	rec, err := d.Record(mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("survdata: write record: %w", err)
	}
	return wr.Close()
}

// ReadArrow reads an Arrow IPC stream written by WriteArrow, or any stream
// following the same column naming. Records are concatenated.
func ReadArrow(r io.Reader, mem memory.Allocator) (*Dataset, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("survdata: open ipc stream: %w", err)
	}
	defer rdr.Release()

	acc := newAccumulator(rdr.Schema())
	for rdr.Next() {
		if err := acc.add(rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("survdata: read ipc stream: %w", err)
	}
	return acc.dataset()
}

// RecordReader is the part of an Arrow record stream FromRecords consumes.
type RecordReader interface {
	Schema() *arrow.Schema
	Next() bool
	Record() arrow.Record
	Err() error
}

// FromRecords builds a dataset from a record stream, such as a Flight
// DoGet reader.
func FromRecords(rr RecordReader) (*Dataset, error) {
	acc := newAccumulator(rr.Schema())
	for rr.Next() {
		if err := acc.add(rr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("survdata: read records: %w", err)
	}
	return acc.dataset()
}

type accumulator struct {
	covariates []int
	names      []string
	responses  []string
	timeCols   map[string]int
	statusCols map[string]int
	stratum    int

	cols   [][]float64
	strata []int
	nrows  int
}

func newAccumulator(schema *arrow.Schema) *accumulator {
	a := &accumulator{
		timeCols:   make(map[string]int),
		statusCols: make(map[string]int),
		stratum:    -1,
		cols:       make([][]float64, schema.NumFields()),
	}
	for i, f := range schema.Fields() {
		switch {
		case f.Name == ColTime:
			a.timeCols[""] = i
			a.responses = append(a.responses, "")
		case f.Name == ColStatus:
			a.statusCols[""] = i
		case strings.HasPrefix(f.Name, ColTime+":"):
			name := strings.TrimPrefix(f.Name, ColTime+":")
			a.timeCols[name] = i
			a.responses = append(a.responses, name)
		case strings.HasPrefix(f.Name, ColStatus+":"):
			a.statusCols[strings.TrimPrefix(f.Name, ColStatus+":")] = i
		case f.Name == ColStratum:
			a.stratum = i
		case numeric(f.Type.ID()):
			a.covariates = append(a.covariates, i)
			a.names = append(a.names, f.Name)
		}
	}
	return a
}

func (a *accumulator) add(rec arrow.Record) error {
	for i := 0; i < int(rec.NumCols()); i++ {
		if i == a.stratum {
			vals, err := numericColumn(rec.ColumnName(i), rec.Column(i))
			if err != nil {
				return err
			}
			for _, v := range vals {
				a.strata = append(a.strata, int(v))
			}
			continue
		}
		if !a.wanted(i) {
			continue
		}
		vals, err := numericColumn(rec.ColumnName(i), rec.Column(i))
		if err != nil {
			return err
		}
		a.cols[i] = append(a.cols[i], vals...)
	}
	a.nrows += int(rec.NumRows())
	return nil
}

func (a *accumulator) wanted(i int) bool {
	for _, c := range a.covariates {
		if c == i {
			return true
		}
	}
	for _, c := range a.timeCols {
		if c == i {
			return true
		}
	}
	for _, c := range a.statusCols {
		if c == i {
			return true
		}
	}
	return false
}

func (a *accumulator) dataset() (*Dataset, error) {
	if len(a.timeCols) == 0 {
		return nil, fmt.Errorf("%w: no time column", ErrInvalid)
	}
	if len(a.covariates) == 0 || a.nrows == 0 {
		return nil, fmt.Errorf("%w: no covariates or no rows", ErrInvalid)
	}

	d := &Dataset{Covariates: a.names}
	for _, name := range a.responses {
		if _, ok := a.statusCols[name]; !ok {
			return nil, fmt.Errorf("%w: time column for %q has no status column", ErrInvalid, name)
		}
		d.Responses = append(d.Responses, Response{
			Name:   name,
			Time:   a.cols[a.timeCols[name]],
			Status: a.cols[a.statusCols[name]],
		})
	}

	x := mat.NewDense(a.nrows, len(a.covariates), nil)
	for j, c := range a.covariates {
		x.SetCol(j, a.cols[c])
	}
	d.X = x
	if a.stratum >= 0 {
		d.Strata = a.strata
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func numeric(id arrow.Type) bool {
	switch id {
	case arrow.FLOAT64, arrow.FLOAT32, arrow.INT64, arrow.INT32:
		return true
	}
	return false
}

func numericColumn(name string, arr arrow.Array) ([]float64, error) {
	if arr.NullN() > 0 {
		return nil, fmt.Errorf("%w: column %q has %d nulls", ErrInvalid, name, arr.NullN())
	}
	out := make([]float64, arr.Len())
	switch c := arr.(type) {
	case *array.Float64:
		copy(out, c.Float64Values())
	case *array.Float32:
		for i, v := range c.Float32Values() {
			out[i] = float64(v)
		}
	case *array.Int64:
		for i, v := range c.Int64Values() {
			out[i] = float64(v)
		}
	case *array.Int32:
		for i, v := range c.Int32Values() {
			out[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("%w: column %q has unsupported type %s", ErrInvalid, name, arr.DataType())
	}
	return out, nil
}

// CoefficientSchema is the schema of a coefficient table: one row per
// covariate, one float64 column per stratum.
func CoefficientSchema(strata []string) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(strata)+1)
	fields = append(fields, arrow.Field{Name: ColCovariate, Type: arrow.BinaryTypes.String})
	for _, s := range strata {
		fields = append(fields, arrow.Field{Name: s, Type: arrow.PrimitiveTypes.Float64})
	}
	return arrow.NewSchema(fields, nil)
}

// CoefficientRecord turns the p×K column-major coefficient matrix into an
// Arrow record.
func CoefficientRecord(mem memory.Allocator, covariates, strata []string, b []float64) (arrow.Record, error) {
	p, k := len(covariates), len(strata)
	if len(b) != p*k {
		return nil, fmt.Errorf("%w: %d coefficients for %d covariates × %d strata", ErrInvalid, len(b), p, k)
	}
	rb := array.NewRecordBuilder(mem, CoefficientSchema(strata))
	defer rb.Release()

	rb.Field(0).(*array.StringBuilder).AppendValues(covariates, nil)
	for c := 0; c < k; c++ {
		rb.Field(c+1).(*array.Float64Builder).AppendValues(b[c*p:(c+1)*p], nil)
	}
	return rb.NewRecord(), nil
}

// WriteCoefficients writes fitted coefficients as an Arrow IPC stream.
func WriteCoefficients(w io.Writer, mem memory.Allocator, covariates, strata []string, b []float64) error {
	rec, err := CoefficientRecord(mem, covariates, strata, b)
	if err != nil {
		return err
	}
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("survdata: write coefficients: %w", err)
	}
	return wr.Close()
}

// ReadCoefficients reads a table written by WriteCoefficients back into
// covariate names, stratum names and the p×K column-major matrix.
func ReadCoefficients(r io.Reader, mem memory.Allocator) (covariates, strata []string, b []float64, err error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("survdata: open ipc stream: %w", err)
	}
	defer rdr.Release()
	return CoefficientsFromRecords(rdr)
}

// CoefficientsFromRecords decodes a coefficient table from a record stream.
func CoefficientsFromRecords(rr RecordReader) (covariates, strata []string, b []float64, err error) {
	fields := rr.Schema().Fields()
	if len(fields) == 0 || fields[0].Name != ColCovariate {
		return nil, nil, nil, fmt.Errorf("%w: not a coefficient table", ErrInvalid)
	}
	for _, f := range fields[1:] {
		strata = append(strata, f.Name)
	}
	cols := make([][]float64, len(strata))
	for rr.Next() {
		rec := rr.Record()
		names, ok := rec.Column(0).(*array.String)
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: covariate column is %s", ErrInvalid, rec.Column(0).DataType())
		}
		for i := 0; i < names.Len(); i++ {
			covariates = append(covariates, names.Value(i))
		}
		for c := range strata {
			vals, err := numericColumn(strata[c], rec.Column(c+1))
			if err != nil {
				return nil, nil, nil, err
			}
			cols[c] = append(cols[c], vals...)
		}
	}
	if err := rr.Err(); err != nil && err != io.EOF {
		return nil, nil, nil, fmt.Errorf("survdata: read coefficients: %w", err)
	}
	for _, col := range cols {
		b = append(b, col...)
	}
	return covariates, strata, b, nil
}
