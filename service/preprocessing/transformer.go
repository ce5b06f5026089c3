/*
 * @module service/preprocessing/transformer
 * @description Column-wise feature transforms: standard scaling for numeric columns and one-hot encoding for categorical columns
 * @architecture Transformer layer - fit on one table, transform any table with the same columns
 * @stateFlow Fit (learn statistics / categories) -> Transform (table -> dense matrix)
 * @rules
 *   - scaling uses the population standard deviation; zero variance columns are left unscaled
 *   - categories are sorted; unseen categories encode as all zeros
 * @dependencies gonum.org/v1/gonum/mat, gonum.org/v1/gonum/stat
 * @refs pipeline.go
 */

package preprocessing

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"regression-trainer/service/dataset"
	"regression-trainer/service/trainerr"
)

// Transformer learns from a table and maps tables onto a dense matrix.
// Transform returns a nil matrix when the transform produces no columns.
type Transformer interface {
	Fit(t *dataset.Table) error
	Transform(t *dataset.Table) (*mat.Dense, error)
	OutputNames() []string
}

// FitTransform fits tr on t and transforms t.
func FitTransform(tr Transformer, t *dataset.Table) (*mat.Dense, error) {
	if err := tr.Fit(t); err != nil {
		return nil, err
	}
	return tr.Transform(t)
}

// StandardScaler centres numeric columns and scales them to unit variance
type StandardScaler struct {
	Names []string
	Mean  []float64
	Scale []float64
}

// NewStandardScaler returns an unfitted scaler.
func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

func (s *StandardScaler) Fit(t *dataset.Table) error {
	s.Names = t.Names()
	s.Mean = make([]float64, t.NumColumns())
	s.Scale = make([]float64, t.NumColumns())
	for j, col := range t.Columns() {
		if col.Kind != dataset.Numeric {
			return trainerr.Newf(trainerr.KindParse, "standard scaler",
				"could not convert column %q to float: column is %s", col.Name, col.Kind)
		}
		if col.HasMissing() {
			return trainerr.Newf(trainerr.KindParse, "standard scaler", "column %q contains missing values", col.Name)
		}
		mean, std := stat.PopMeanStdDev(col.Floats, nil)
		if std == 0 {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}
	return nil
}

func (s *StandardScaler) Transform(t *dataset.Table) (*mat.Dense, error) {
	if s.Names == nil {
		return nil, trainerr.Newf(trainerr.KindShape, "standard scaler", "scaler is not fitted yet")
	}
	if err := sameColumns("standard scaler", s.Names, t.Names()); err != nil {
		return nil, err
	}
	if err := checkRows("standard scaler", t); err != nil {
		return nil, err
	}
	if len(s.Names) == 0 {
		return nil, nil
	}
	out := mat.NewDense(t.Rows(), len(s.Names), nil)
	for j, col := range t.Columns() {
		if col.Kind != dataset.Numeric {
			return nil, trainerr.Newf(trainerr.KindParse, "standard scaler",
				"could not convert column %q to float: column is %s", col.Name, col.Kind)
		}
		for i, v := range col.Floats {
			out.Set(i, j, (v-s.Mean[j])/s.Scale[j])
		}
	}
	return out, nil
}

func (s *StandardScaler) OutputNames() []string {
	return s.Names
}

// OneHotEncoder expands each categorical column into one indicator column per category
type OneHotEncoder struct {
	Names      []string
	Categories [][]string
}

// NewOneHotEncoder returns an unfitted encoder.
func NewOneHotEncoder() *OneHotEncoder {
	return &OneHotEncoder{}
}

func (e *OneHotEncoder) Fit(t *dataset.Table) error {
	e.Names = t.Names()
	e.Categories = make([][]string, t.NumColumns())
	for j, col := range t.Columns() {
		values := cellStrings(col)
		seen := make(map[string]bool)
		var cats []string
		for _, v := range values {
			if !seen[v] {
				seen[v] = true
				cats = append(cats, v)
			}
		}
		sort.Strings(cats)
		e.Categories[j] = cats
	}
	return nil
}

func (e *OneHotEncoder) Transform(t *dataset.Table) (*mat.Dense, error) {
	if e.Names == nil {
		return nil, trainerr.Newf(trainerr.KindShape, "one-hot encoder", "encoder is not fitted yet")
	}
	if err := sameColumns("one-hot encoder", e.Names, t.Names()); err != nil {
		return nil, err
	}
	width := 0
	offsets := make([]int, len(e.Categories))
	for j, cats := range e.Categories {
		offsets[j] = width
		width += len(cats)
	}
	if err := checkRows("one-hot encoder", t); err != nil {
		return nil, err
	}
	if width == 0 {
		return nil, nil
	}
	out := mat.NewDense(t.Rows(), width, nil)
	for j, col := range t.Columns() {
		index := make(map[string]int, len(e.Categories[j]))
		for k, c := range e.Categories[j] {
			index[c] = k
		}
		for i, v := range cellStrings(col) {
			if k, ok := index[v]; ok {
				out.Set(i, offsets[j]+k, 1)
			}
		}
	}
	return out, nil
}

func (e *OneHotEncoder) OutputNames() []string {
	var names []string
	for j, name := range e.Names {
		for _, c := range e.Categories[j] {
			names = append(names, name+"_"+c)
		}
	}
	return names
}

func cellStrings(col *dataset.Column) []string {
	if col.Kind == dataset.Categorical {
		return col.Texts
	}
	out := make([]string, len(col.Floats))
	for i, v := range col.Floats {
		out[i] = fmt.Sprintf("%g", v)
	}
	return out
}

func checkRows(op string, t *dataset.Table) error {
	if t.Rows() == 0 {
		return trainerr.Newf(trainerr.KindShape, op, "found array with 0 sample(s) while a minimum of 1 is required")
	}
	return nil
}

func sameColumns(op string, fitted, got []string) error {
	if len(fitted) != len(got) {
		return trainerr.Newf(trainerr.KindShape, op, "expected columns %v, got %v", fitted, got)
	}
	for i := range fitted {
		if fitted[i] != got[i] {
			return trainerr.Newf(trainerr.KindShape, op, "expected columns %v, got %v", fitted, got)
		}
	}
	return nil
}
