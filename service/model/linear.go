/*
 * @module service/model/linear
 * @description Ordinary least squares linear regression with intercept
 * @architecture Model layer - fit on a feature Table and a one-column target Table, predict on a Table with the same features
 * @stateFlow centre X and y -> SVD least squares -> coefficients + intercept
 * @rules
 *   - no regularisation and no hyperparameters
 *   - rank-deficient inputs get the minimum-norm solution
 *   - prediction requires the fitted feature names in the fitted order
 * @dependencies gonum.org/v1/gonum/mat, gonum.org/v1/gonum/floats
 * @refs service/dataset, service/training
 */

package model

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"regression-trainer/service/dataset"
	"regression-trainer/service/trainerr"
)

// LinearRegression is an ordinary least squares model
type LinearRegression struct {
	FeatureNames []string  `json:"feature_names"`
	Coef         []float64 `json:"coef"`
	Intercept    float64   `json:"intercept"`
	TargetName   string    `json:"target_name"`
	Rank         int       `json:"rank"`
	fitted       bool
}

// NewLinearRegression returns an unfitted model.
func NewLinearRegression() *LinearRegression {
	return &LinearRegression{}
}

// Fitted reports whether Fit has completed.
func (m *LinearRegression) Fitted() bool {
	return m.fitted
}

// Fit estimates coefficients minimising the squared error between X·w + b and y.
func (m *LinearRegression) Fit(x, y *dataset.Table) error {
	if y.NumColumns() != 1 {
		return trainerr.Newf(trainerr.KindShape, "fit", "target must have exactly one column, got %d", y.NumColumns())
	}
	if x.Rows() != y.Rows() {
		return trainerr.Newf(trainerr.KindShape, "fit",
			"found input variables with inconsistent numbers of samples: [%d, %d]", x.Rows(), y.Rows())
	}
	if x.Rows() == 0 {
		return trainerr.Newf(trainerr.KindShape, "fit", "found array with 0 sample(s) while a minimum of 1 is required")
	}

	targetName := y.Names()[0]
	targets, err := y.Float64s(targetName)
	if err != nil {
		return err
	}
	if hasNaN(targets) {
		return trainerr.Newf(trainerr.KindParse, "fit", "target %q contains missing values", targetName)
	}

	design, err := designMatrix("fit", x)
	if err != nil {
		return err
	}
	rows, cols := x.Rows(), x.NumColumns()

	yMean := floats.Sum(targets) / float64(rows)
	coef := make([]float64, cols)
	rank := 0
	if cols > 0 {
		xMean := make([]float64, cols)
		for j := 0; j < cols; j++ {
			xMean[j] = mat.Sum(design.ColView(j)) / float64(rows)
		}
		centred := mat.NewDense(rows, cols, nil)
		centred.Apply(func(i, j int, v float64) float64 { return v - xMean[j] }, design)
		yc := mat.NewVecDense(rows, nil)
		for i, v := range targets {
			yc.SetVec(i, v-yMean)
		}

		var svd mat.SVD
		if ok := svd.Factorize(centred, mat.SVDThin); !ok {
			return trainerr.Newf(trainerr.KindShape, "fit", "singular value decomposition did not converge")
		}
		rcond := math.Nextafter(1, 2) - 1
		rank = svd.Rank(rcond * float64(max(rows, cols)))
		if rank > 0 {
			var w mat.Dense
			svd.SolveTo(&w, yc, rank)
			for j := 0; j < cols; j++ {
				coef[j] = w.At(j, 0)
			}
		}
		yMean -= floats.Dot(xMean, coef)
	}

	m.FeatureNames = x.Names()
	m.Coef = coef
	m.Intercept = yMean
	m.TargetName = targetName
	m.Rank = rank
	m.fitted = true
	return nil
}

// Predict returns X·w + b for each row of x.
func (m *LinearRegression) Predict(x *dataset.Table) ([]float64, error) {
	if !m.fitted {
		return nil, trainerr.Newf(trainerr.KindShape, "predict", "model is not fitted yet")
	}
	if names := x.Names(); !slices.Equal(names, m.FeatureNames) {
		return nil, trainerr.Newf(trainerr.KindShape, "predict",
			"feature names %v do not match those seen at fit time %v", names, m.FeatureNames)
	}
	if x.Rows() == 0 {
		return nil, trainerr.Newf(trainerr.KindShape, "predict",
			"found array with 0 sample(s) (shape=(0, %d)) while a minimum of 1 is required", x.NumColumns())
	}

	out := make([]float64, x.Rows())
	if len(m.Coef) == 0 {
		for i := range out {
			out[i] = m.Intercept
		}
		return out, nil
	}

	design, err := designMatrix("predict", x)
	if err != nil {
		return nil, err
	}
	pred := mat.NewVecDense(x.Rows(), out)
	pred.MulVec(design, mat.NewVecDense(len(m.Coef), m.Coef))
	for i := range out {
		out[i] += m.Intercept
	}
	return out, nil
}

// Score returns the coefficient of determination of the predictions for x against y.
func (m *LinearRegression) Score(x, y *dataset.Table) (float64, error) {
	pred, err := m.Predict(x)
	if err != nil {
		return 0, err
	}
	if y.NumColumns() != 1 {
		return 0, trainerr.Newf(trainerr.KindShape, "score", "target must have exactly one column, got %d", y.NumColumns())
	}
	targets, err := y.Float64s(y.Names()[0])
	if err != nil {
		return 0, err
	}
	if len(targets) != len(pred) {
		return 0, trainerr.Newf(trainerr.KindShape, "score", "got %d targets for %d rows", len(targets), len(pred))
	}
	mean := floats.Sum(targets) / float64(len(targets))
	ssTot, ssRes := 0.0, 0.0
	for i, v := range targets {
		ssTot += (v - mean) * (v - mean)
		ssRes += (v - pred[i]) * (v - pred[i])
	}
	if ssTot == 0 {
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

// designMatrix copies the numeric columns of x into a row-major matrix.
func designMatrix(op string, x *dataset.Table) (*mat.Dense, error) {
	rows, cols := x.Rows(), x.NumColumns()
	if cols == 0 {
		return nil, nil
	}
	if rows == 0 {
		return nil, trainerr.Newf(trainerr.KindShape, op, "found array with 0 sample(s) while a minimum of 1 is required")
	}
	data := make([]float64, rows*cols)
	for j, col := range x.Columns() {
		if col.Kind != dataset.Numeric {
			return nil, trainerr.Newf(trainerr.KindParse, op,
				"could not convert column %q to float: column is %s", col.Name, col.Kind)
		}
		if col.HasMissing() {
			return nil, trainerr.Newf(trainerr.KindParse, op, "column %q contains missing values", col.Name)
		}
		for i, v := range col.Floats {
			data[i*cols+j] = v
		}
	}
	return mat.NewDense(rows, cols, data), nil
}

func hasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

func (m *LinearRegression) String() string {
	return fmt.Sprintf("LinearRegression(features=%d, intercept=%g)", len(m.FeatureNames), m.Intercept)
}
