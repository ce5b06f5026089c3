/*
 * @module service/training/settings
 * @description Typed views over params.yaml, read in the order the job needs them
 * @architecture Configuration adapter - each stage reads its own keys so a missing key fails at first use
 * @rules
 *   - data keys are read before any file is opened
 *   - random_forest keys are required but have no effect on the linear model
 *   - tracking keys are read only after both CSVs loaded
 * @dependencies regression-trainer/service/config
 * @refs trainer.go
 */

package training

import (
	"regression-trainer/service/config"
	"regression-trainer/tracking_client"
)

// DataSettings locate the data sets and the prediction target
type DataSettings struct {
	TrainDataCSV string
	TestDataCSV  string
	Target       string
	Encoding     string
	MaxDepth     int
	NEstimators  int
}

func readDataSettings(params *config.Params) (*DataSettings, error) {
	var (
		s   DataSettings
		err error
	)
	if s.TrainDataCSV, err = params.GetString("processed_data_config.train_data_csv"); err != nil {
		return nil, err
	}
	if s.TestDataCSV, err = params.GetString("processed_data_config.test_data_csv"); err != nil {
		return nil, err
	}
	if s.Target, err = params.GetString("raw_data_config.target"); err != nil {
		return nil, err
	}
	if s.MaxDepth, err = params.GetInt("random_forest.max_depth"); err != nil {
		return nil, err
	}
	if s.NEstimators, err = params.GetInt("random_forest.n_estimators"); err != nil {
		return nil, err
	}
	if s.Encoding, err = params.GetStringOr("processed_data_config.encoding", ""); err != nil {
		return nil, err
	}
	return &s, nil
}

// TrackingSettings select the tracking backend and name the run
type TrackingSettings struct {
	TrackingURI    string
	ExperimentName string
	ArtifactRoot   string
}

func readTrackingSettings(params *config.Params) (*TrackingSettings, error) {
	var (
		s   TrackingSettings
		err error
	)
	if s.TrackingURI, err = params.GetString("mlflow_config.remote_server_uri"); err != nil {
		return nil, err
	}
	if s.ExperimentName, err = params.GetString("mlflow_config.experiment_name"); err != nil {
		return nil, err
	}
	if s.ArtifactRoot, err = params.GetStringOr("mlflow_config.artifact_root", tracking_client.DefaultArtifactRoot); err != nil {
		return nil, err
	}
	return &s, nil
}
