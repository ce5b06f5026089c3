/*
 * @module service/training/model_branch
 * @description What the job records about the fitted model, chosen by the scheme of the run's artifact URI
 * @architecture Run body helpers - all calls go through the open run
 * @rules
 *   - the RMSE is recorded as a run parameter named "RMSE", not as a metric
 *   - any scheme other than file logs and registers the model
 *   - the file scheme loads <artifact_uri>/model instead and fails when nothing is there
 * @dependencies regression-trainer/tracking_client, regression-trainer/service/model
 * @refs trainer.go
 */

package training

import (
	"context"
	"math"
	"strconv"
	"strings"

	"regression-trainer/service/config"
	"regression-trainer/service/model"
	"regression-trainer/tracking_client"
)

const (
	// RMSEParam is the run parameter holding the test set RMSE
	RMSEParam = "RMSE"
	// ModelArtifactPath is the directory below the run's artifact URI holding the model
	ModelArtifactPath = "model"
)

// LogRMSEAsParam records rmse on the run as the parameter RMSEParam.
func LogRMSEAsParam(ctx context.Context, run *tracking_client.Run, rmse float64) error {
	return run.LogParam(ctx, RMSEParam, formatParamFloat(rmse))
}

// RegisterModel uploads the model under ModelArtifactPath and registers a new
// version under mlflow_config.registered_model_name.
func RegisterModel(ctx context.Context, run *tracking_client.Run, lr *model.LinearRegression, params *config.Params) (*tracking_client.ModelVersion, error) {
	name, err := params.GetString("mlflow_config.registered_model_name")
	if err != nil {
		return nil, err
	}
	return run.LogModel(ctx, lr, ModelArtifactPath, name)
}

// LoadModelFromArtifacts reads the model stored under the run's artifact URI.
func LoadModelFromArtifacts(ctx context.Context, run *tracking_client.Run) (*model.LinearRegression, error) {
	data, err := run.LoadModel(ctx, run.ArtifactURI()+"/"+ModelArtifactPath, model.DataFile)
	if err != nil {
		return nil, err
	}
	return model.DecodeLinearRegression(data)
}

// formatParamFloat renders v the way Python's repr does, so values logged
// here compare equal to those logged by Python clients.
func formatParamFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case v == 0:
		if math.Signbit(v) {
			return "-0.0"
		}
		return "0.0"
	}

	sci := strconv.FormatFloat(v, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return sci
	}
	fixed := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(fixed, ".") {
		fixed += ".0"
	}
	return fixed
}
