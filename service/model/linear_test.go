/*
 * @module service/model/linear_test
 * @description Unit tests for the OLS model and its artifact encoding
 * @architecture Test layer - in-memory tables
 * @dependencies testing, testify
 * @refs linear.go, artifact.go
 */

package model

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regression-trainer/service/dataset"
	"regression-trainer/service/trainerr"
)

func mustTable(t *testing.T, cols ...*dataset.Column) *dataset.Table {
	t.Helper()
	table, err := dataset.NewTable(cols...)
	require.NoError(t, err)
	return table
}

func TestFitSimpleLine(t *testing.T) {
	x := mustTable(t, dataset.NumericColumn("x", []float64{1, 2, 3}))
	y := mustTable(t, dataset.NumericColumn("y", []float64{2, 4, 6}))

	m := NewLinearRegression()
	require.NoError(t, m.Fit(x, y))
	require.True(t, m.Fitted())
	assert.InDelta(t, 2.0, m.Coef[0], 1e-12)
	assert.InDelta(t, 0.0, m.Intercept, 1e-12)
	assert.Equal(t, 1, m.Rank)

	pred, err := m.Predict(mustTable(t, dataset.NumericColumn("x", []float64{4})))
	require.NoError(t, err)
	assert.InDelta(t, 8.0, pred[0], 1e-12)
}

func TestFitRecoversCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	n := 200
	x1 := make([]float64, n)
	x2 := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x1[i] = rng.Float64() * 10
		x2[i] = rng.Float64()*5 - 2
		y[i] = 3*x1[i] - 1.5*x2[i] + 7
	}

	m := NewLinearRegression()
	require.NoError(t, m.Fit(
		mustTable(t, dataset.NumericColumn("x1", x1), dataset.NumericColumn("x2", x2)),
		mustTable(t, dataset.NumericColumn("y", y)),
	))
	assert.InDelta(t, 3.0, m.Coef[0], 1e-9)
	assert.InDelta(t, -1.5, m.Coef[1], 1e-9)
	assert.InDelta(t, 7.0, m.Intercept, 1e-9)
	assert.Equal(t, []string{"x1", "x2"}, m.FeatureNames)
	assert.Equal(t, "y", m.TargetName)
}

func TestFitRankDeficient(t *testing.T) {
	// x2 duplicates x1: the minimum norm solution splits the weight evenly
	x := mustTable(t,
		dataset.NumericColumn("x1", []float64{1, 2, 3, 4}),
		dataset.NumericColumn("x2", []float64{1, 2, 3, 4}),
	)
	y := mustTable(t, dataset.NumericColumn("y", []float64{2, 4, 6, 8}))

	m := NewLinearRegression()
	require.NoError(t, m.Fit(x, y))
	assert.Equal(t, 1, m.Rank)
	assert.InDelta(t, 1.0, m.Coef[0], 1e-9)
	assert.InDelta(t, 1.0, m.Coef[1], 1e-9)
	assert.InDelta(t, 0.0, m.Intercept, 1e-9)
}

func TestFitConstantAndEmptyFeatures(t *testing.T) {
	m := NewLinearRegression()
	require.NoError(t, m.Fit(
		mustTable(t, dataset.NumericColumn("x", []float64{5, 5, 5})),
		mustTable(t, dataset.NumericColumn("y", []float64{1, 2, 3})),
	))
	assert.Equal(t, 0, m.Rank)
	assert.InDelta(t, 2.0, m.Intercept, 1e-12)

	noFeatures, err := mustTable(t, dataset.NumericColumn("y", []float64{1, 2, 3})).Drop("y")
	require.NoError(t, err)
	m = NewLinearRegression()
	require.NoError(t, m.Fit(noFeatures, mustTable(t, dataset.NumericColumn("y", []float64{1, 2, 3}))))
	pred, err := m.Predict(noFeatures)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2}, pred)
}

func TestFitErrors(t *testing.T) {
	numeric := mustTable(t, dataset.NumericColumn("x", []float64{1, 2}))
	target := mustTable(t, dataset.NumericColumn("y", []float64{1, 2}))

	testCases := []struct {
		name string
		x    *dataset.Table
		y    *dataset.Table
		kind trainerr.Kind
	}{
		{
			name: "categorical feature",
			x:    mustTable(t, dataset.CategoricalColumn("season", []string{"a", "b"})),
			y:    target,
			kind: trainerr.KindParse,
		},
		{
			name: "missing feature value",
			x:    mustTable(t, dataset.NumericColumn("x", []float64{1, math.NaN()})),
			y:    target,
			kind: trainerr.KindParse,
		},
		{
			name: "missing target value",
			x:    numeric,
			y:    mustTable(t, dataset.NumericColumn("y", []float64{1, math.NaN()})),
			kind: trainerr.KindParse,
		},
		{
			name: "row mismatch",
			x:    numeric,
			y:    mustTable(t, dataset.NumericColumn("y", []float64{1, 2, 3})),
			kind: trainerr.KindShape,
		},
		{
			name: "two target columns",
			x:    numeric,
			y:    mustTable(t, dataset.NumericColumn("y", []float64{1, 2}), dataset.NumericColumn("z", []float64{1, 2})),
			kind: trainerr.KindShape,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewLinearRegression().Fit(tc.x, tc.y)
			require.Error(t, err)
			assert.Equal(t, tc.kind, trainerr.KindOf(err))
		})
	}
}

func TestPredictFeatureMismatch(t *testing.T) {
	m := NewLinearRegression()
	require.NoError(t, m.Fit(
		mustTable(t, dataset.NumericColumn("a", []float64{1, 2, 3}), dataset.NumericColumn("b", []float64{0, 1, 0})),
		mustTable(t, dataset.NumericColumn("y", []float64{1, 2, 3})),
	))

	testCases := []struct {
		name string
		x    *dataset.Table
	}{
		{name: "missing column", x: mustTable(t, dataset.NumericColumn("a", []float64{1}))},
		{name: "extra column", x: mustTable(t,
			dataset.NumericColumn("a", []float64{1}),
			dataset.NumericColumn("b", []float64{1}),
			dataset.NumericColumn("c", []float64{1}))},
		{name: "renamed column", x: mustTable(t,
			dataset.NumericColumn("a", []float64{1}),
			dataset.NumericColumn("z", []float64{1}))},
		{name: "reordered columns", x: mustTable(t,
			dataset.NumericColumn("b", []float64{1}),
			dataset.NumericColumn("a", []float64{1}))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Predict(tc.x)
			assert.True(t, trainerr.Is(err, trainerr.KindShape))
		})
	}

	_, err := NewLinearRegression().Predict(mustTable(t, dataset.NumericColumn("a", []float64{1})))
	assert.True(t, trainerr.Is(err, trainerr.KindShape), "unfitted model")
}

func TestPredictZeroRows(t *testing.T) {
	m := NewLinearRegression()
	require.NoError(t, m.Fit(
		mustTable(t, dataset.NumericColumn("x", []float64{1, 2, 3})),
		mustTable(t, dataset.NumericColumn("y", []float64{2, 4, 6})),
	))

	pred, err := m.Predict(mustTable(t, dataset.NumericColumn("x", []float64{})))
	assert.Nil(t, pred)
	require.Error(t, err)
	assert.True(t, trainerr.Is(err, trainerr.KindShape))
	assert.Contains(t, err.Error(), "0 sample(s)")
}

func TestScore(t *testing.T) {
	x := mustTable(t, dataset.NumericColumn("x", []float64{1, 2, 3}))
	y := mustTable(t, dataset.NumericColumn("y", []float64{2, 4, 6}))
	m := NewLinearRegression()
	require.NoError(t, m.Fit(x, y))

	score, err := m.Score(x, y)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-12)
}

func TestModelFilesRoundTrip(t *testing.T) {
	m := NewLinearRegression()
	require.NoError(t, m.Fit(
		mustTable(t, dataset.NumericColumn("x", []float64{1, 2, 3})),
		mustTable(t, dataset.NumericColumn("y", []float64{3, 5, 7})),
	))

	created := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	files, err := m.ModelFiles("abc123", "model", created)
	require.NoError(t, err)
	require.Contains(t, files, DescriptorFile)
	require.Contains(t, files, DataFile)

	desc, err := DecodeDescriptor(files[DescriptorFile])
	require.NoError(t, err)
	assert.Equal(t, "abc123", desc.RunID)
	assert.Equal(t, "model", desc.ArtifactPath)
	assert.Equal(t, DataFile, desc.Flavors[FlavorName]["data"])
	assert.Equal(t, "2026-10-18 12:00:00.000000", desc.UTCTimeCreated)
	assert.Len(t, desc.ModelUUID, 32)

	restored, err := DecodeLinearRegression(files[DataFile])
	require.NoError(t, err)
	pred, err := restored.Predict(mustTable(t, dataset.NumericColumn("x", []float64{10})))
	require.NoError(t, err)
	assert.InDelta(t, 21.0, pred[0], 1e-9)

	_, err = NewLinearRegression().ModelFiles("r", "model", created)
	assert.True(t, trainerr.Is(err, trainerr.KindShape))

	_, err = DecodeLinearRegression([]byte(`{"feature_names":["a"],"coef":[]}`))
	assert.True(t, trainerr.Is(err, trainerr.KindParse))
}
