/*
 * @module service/training/trainer
 * @description Training job: load data, fit the linear model, score it on the test set and record the run
 * @architecture Orchestration layer - composes config, dataset, model, metrics, tracking_client, monitoring and connectors
 * @stateFlow data settings -> CSVs -> split -> tracking client -> run scope (fit -> predict -> RMSE -> log -> model branch) -> metrics push -> notifications
 * @rules
 *   - the run is ended on every exit path once it has been opened
 *   - a failure before the run opens touches no tracking state
 *   - metrics push and notifications happen after the run closed and never fail the job
 * @dependencies log/slog, github.com/google/uuid
 * @refs run_scope.go, settings.go, model_branch.go
 */

package training

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"regression-trainer/client/connectors"
	"regression-trainer/service/config"
	"regression-trainer/service/dataset"
	"regression-trainer/service/metrics"
	"regression-trainer/service/model"
	"regression-trainer/service/monitoring"
	"regression-trainer/tracking_client"
)

// InvocationTag carries the id of the process invocation that produced a run
const InvocationTag = "trainer.invocation_id"

// Options tune a training job
type Options struct {
	// HTTPClient is used for the tracking server; nil selects the default client
	HTTPClient *http.Client
	// InvocationID overrides the generated invocation id
	InvocationID string
}

// Result describes a completed run
type Result struct {
	InvocationID   string
	RunID          string
	ExperimentID   string
	RMSE           float64
	ArtifactURI    string
	ArtifactScheme string
	// ModelVersion is empty when the model was not registered
	ModelVersion string
	TrainRows    int
	TestRows     int
}

type splitData struct {
	trainX, trainY *dataset.Table
	testX, testY   *dataset.Table
}

// TrainAndEvaluate runs one training job described by params.
func TrainAndEvaluate(ctx context.Context, params *config.Params, opts Options) (*Result, error) {
	started := time.Now()
	invocationID := opts.InvocationID
	if invocationID == "" {
		invocationID = uuid.NewString()
	}
	logger := slog.With("component", "training", "invocation_id", invocationID)

	dataCfg, err := readDataSettings(params)
	if err != nil {
		return nil, err
	}
	logger.Debug("random forest settings are read but not applied to the linear model",
		"max_depth", dataCfg.MaxDepth, "n_estimators", dataCfg.NEstimators)

	data, err := loadData(dataCfg, logger)
	if err != nil {
		return nil, err
	}

	trackingCfg, err := readTrackingSettings(params)
	if err != nil {
		return nil, err
	}
	metricsCfg, err := monitoring.MetricsConfigFromParams(params)
	if err != nil {
		return nil, err
	}
	publishers, err := connectors.NewPublishers(params)
	if err != nil {
		return nil, err
	}
	notifier := monitoring.NewNotifier(publishers...)
	defer notifier.Close()

	client, err := tracking_client.NewClient(ctx, tracking_client.Config{
		TrackingURI:    trackingCfg.TrackingURI,
		ExperimentName: trackingCfg.ExperimentName,
		ArtifactRoot:   trackingCfg.ArtifactRoot,
		HTTPClient:     opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	experiment, err := client.SetExperiment(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("experiment set", "experiment", experiment.Name, "experiment_id", experiment.ExperimentID)

	result, err := runScope(ctx, client, params, invocationID, logger, func(ctx context.Context, run *tracking_client.Run) (*Result, error) {
		return trainInRun(ctx, run, params, data, dataCfg.Target, logger)
	})
	if err != nil {
		return nil, err
	}
	result.InvocationID = invocationID
	result.TrainRows = data.trainX.Rows()
	result.TestRows = data.testX.Rows()
	finished := time.Now()
	logger.Info("training finished", "run_id", result.RunID, "rmse", result.RMSE, "duration", finished.Sub(started))

	if metricsCfg.Enabled() {
		jobMetrics := monitoring.NewJobMetrics()
		jobMetrics.Observe(monitoring.RunSummary{
			RMSE:       result.RMSE,
			TrainRows:  result.TrainRows,
			TestRows:   result.TestRows,
			Duration:   finished.Sub(started),
			FinishedAt: finished,
		})
		if err := jobMetrics.Push(ctx, metricsCfg.PushgatewayURL, metricsCfg.JobName, experiment.Name); err != nil {
			logger.Error("metrics push failed", "error", err)
		} else {
			logger.Info("metrics pushed", "gateway", metricsCfg.PushgatewayURL, "job", metricsCfg.JobName)
		}
	}

	if len(publishers) > 0 {
		runName, _ := params.GetStringOr("mlflow_config.run_name", "")
		modelName, _ := params.GetStringOr("mlflow_config.registered_model_name", "")
		if result.ModelVersion == "" {
			modelName = ""
		}
		event := &connectors.RunEvent{
			InvocationID:   invocationID,
			RunID:          result.RunID,
			ExperimentID:   result.ExperimentID,
			ExperimentName: experiment.Name,
			RunName:        runName,
			Status:         string(tracking_client.RunStatusFinished),
			RMSE:           result.RMSE,
			ArtifactURI:    result.ArtifactURI,
			ModelName:      modelName,
			ModelVersion:   result.ModelVersion,
			StartedAt:      started.UTC(),
			FinishedAt:     finished.UTC(),
		}
		if err := notifier.Notify(ctx, event); err != nil {
			logger.Error("run notification incomplete", "channels", notifier.Channels(), "error", err)
		}
	}

	return result, nil
}

func loadData(cfg *DataSettings, logger *slog.Logger) (*splitData, error) {
	train, err := dataset.ReadCSV(cfg.TrainDataCSV, dataset.WithEncoding(cfg.Encoding))
	if err != nil {
		return nil, err
	}
	test, err := dataset.ReadCSV(cfg.TestDataCSV, dataset.WithEncoding(cfg.Encoding))
	if err != nil {
		return nil, err
	}

	var d splitData
	if d.trainX, d.trainY, err = dataset.FeatAndTarget(train, cfg.Target); err != nil {
		return nil, err
	}
	if d.testX, d.testY, err = dataset.FeatAndTarget(test, cfg.Target); err != nil {
		return nil, err
	}
	logger.Debug("datasets loaded",
		"train_rows", train.Rows(), "train_columns", train.NumColumns(),
		"test_rows", test.Rows(), "test_columns", test.NumColumns(),
		"features", d.trainX.Names(), "target", cfg.Target)
	return &d, nil
}

func trainInRun(ctx context.Context, run *tracking_client.Run, params *config.Params, data *splitData, target string, logger *slog.Logger) (*Result, error) {
	lr := model.NewLinearRegression()
	if err := lr.Fit(data.trainX, data.trainY); err != nil {
		return nil, err
	}
	logger.Debug("model fitted", "model", lr.String(), "rank", lr.Rank)

	predictions, err := lr.Predict(data.testX)
	if err != nil {
		return nil, err
	}
	actual, err := data.testY.Float64s(target)
	if err != nil {
		return nil, err
	}
	rmse, err := metrics.AccuracyMeasures(actual, predictions)
	if err != nil {
		return nil, err
	}

	if err := LogRMSEAsParam(ctx, run, rmse); err != nil {
		return nil, err
	}

	result := &Result{
		RunID:          run.ID(),
		ExperimentID:   run.ExperimentID(),
		RMSE:           rmse,
		ArtifactURI:    run.ArtifactURI(),
		ArtifactScheme: tracking_client.ArtifactScheme(run.ArtifactURI()),
	}

	if result.ArtifactScheme != "file" {
		version, err := RegisterModel(ctx, run, lr, params)
		if err != nil {
			return nil, err
		}
		if version != nil {
			result.ModelVersion = version.Version
		}
		return result, nil
	}

	if _, err := LoadModelFromArtifacts(ctx, run); err != nil {
		return nil, err
	}
	logger.Warn("artifact store is a file URI: the existing model was loaded and the new model was not logged",
		"artifact_uri", run.ArtifactURI())
	return result, nil
}
