/*
 * @module service/metrics/regression
 * @description Regression error measures: RMSE (the job's evaluation metric), MSE, MAE and R2
 * @architecture Pure numeric functions
 * @rules Inputs must be non-empty and of equal length, otherwise a shape error is returned
 * @dependencies gonum.org/v1/gonum/floats
 * @refs service/training
 */

package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"regression-trainer/service/trainerr"
)

func checkAligned(op string, yTrue, yPred []float64) error {
	if len(yTrue) != len(yPred) {
		return trainerr.Newf(trainerr.KindShape, op,
			"found input variables with inconsistent numbers of samples: [%d, %d]", len(yTrue), len(yPred))
	}
	if len(yTrue) == 0 {
		return trainerr.Newf(trainerr.KindShape, op, "at least one sample is required")
	}
	return nil
}

// AccuracyMeasures returns the root mean squared error between yTrue and yPred.
func AccuracyMeasures(yTrue, yPred []float64) (float64, error) {
	if err := checkAligned("rmse", yTrue, yPred); err != nil {
		return 0, err
	}
	return floats.Distance(yTrue, yPred, 2) / math.Sqrt(float64(len(yTrue))), nil
}

// RMSE is an alias of AccuracyMeasures.
func RMSE(yTrue, yPred []float64) (float64, error) {
	return AccuracyMeasures(yTrue, yPred)
}

// MSE returns the mean squared error.
func MSE(yTrue, yPred []float64) (float64, error) {
	if err := checkAligned("mse", yTrue, yPred); err != nil {
		return 0, err
	}
	s := 0.0
	for i := range yTrue {
		d := yPred[i] - yTrue[i]
		s += d * d
	}
	return s / float64(len(yTrue)), nil
}

// MAE returns the mean absolute error.
func MAE(yTrue, yPred []float64) (float64, error) {
	if err := checkAligned("mae", yTrue, yPred); err != nil {
		return 0, err
	}
	return floats.Distance(yTrue, yPred, 1) / float64(len(yTrue)), nil
}

// R2 returns the coefficient of determination. A constant yTrue yields 1 for a
// perfect fit and 0 otherwise.
func R2(yTrue, yPred []float64) (float64, error) {
	if err := checkAligned("r2", yTrue, yPred); err != nil {
		return 0, err
	}
	mean := floats.Sum(yTrue) / float64(len(yTrue))
	ssTot, ssRes := 0.0, 0.0
	for i := range yTrue {
		d := yTrue[i] - mean
		ssTot += d * d
		r := yTrue[i] - yPred[i]
		ssRes += r * r
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}
