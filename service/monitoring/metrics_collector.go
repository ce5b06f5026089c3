/*
 * @module service/monitoring/metrics_collector
 * @description Job metrics for a training run, pushed to a Prometheus Pushgateway once the run is closed
 * @architecture Business service layer - private registry per job, no scrape endpoint
 * @stateFlow metric definition -> Observe(run summary) -> Push(grouped by experiment)
 * @rules
 *   - pushing is skipped when no gateway URL is configured
 *   - a push failure is a connectivity error
 * @dependencies github.com/prometheus/client_golang/prometheus, github.com/prometheus/client_golang/prometheus/push
 * @refs service/training
 */

package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"regression-trainer/service/config"
	"regression-trainer/service/trainerr"
)

// DefaultJobName is the Pushgateway job label used when none is configured
const DefaultJobName = "regression_trainer"

// MetricsConfig holds the optional metrics_config section
type MetricsConfig struct {
	PushgatewayURL string
	JobName        string
}

// Enabled reports whether a push should happen.
func (c MetricsConfig) Enabled() bool {
	return c.PushgatewayURL != ""
}

// MetricsConfigFromParams reads metrics_config, applying defaults for absent keys.
func MetricsConfigFromParams(params *config.Params) (MetricsConfig, error) {
	url, err := params.GetStringOr("metrics_config.pushgateway_url", "")
	if err != nil {
		return MetricsConfig{}, err
	}
	job, err := params.GetStringOr("metrics_config.job_name", DefaultJobName)
	if err != nil {
		return MetricsConfig{}, err
	}
	if job == "" {
		job = DefaultJobName
	}
	return MetricsConfig{PushgatewayURL: url, JobName: job}, nil
}

// RunSummary is what the job reports about a finished run
type RunSummary struct {
	RMSE       float64
	TrainRows  int
	TestRows   int
	Duration   time.Duration
	FinishedAt time.Time
}

// JobMetrics owns the gauges of one training job
type JobMetrics struct {
	registry    *prometheus.Registry
	rmse        prometheus.Gauge
	trainRows   prometheus.Gauge
	testRows    prometheus.Gauge
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewJobMetrics registers the job gauges on a fresh registry.
func NewJobMetrics() *JobMetrics {
	m := &JobMetrics{
		registry: prometheus.NewRegistry(),
		rmse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regression_trainer_rmse",
			Help: "Root mean squared error of the last run on the test set.",
		}),
		trainRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regression_trainer_train_rows",
			Help: "Rows in the training set of the last run.",
		}),
		testRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regression_trainer_test_rows",
			Help: "Rows in the test set of the last run.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regression_trainer_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regression_trainer_last_success_timestamp_seconds",
			Help: "Unix time the last successful run finished.",
		}),
	}
	m.registry.MustRegister(m.rmse, m.trainRows, m.testRows, m.duration, m.lastSuccess)
	return m
}

// Registry exposes the registry, e.g. for tests.
func (m *JobMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records a successful run.
func (m *JobMetrics) Observe(s RunSummary) {
	m.rmse.Set(s.RMSE)
	m.trainRows.Set(float64(s.TrainRows))
	m.testRows.Set(float64(s.TestRows))
	m.duration.Set(s.Duration.Seconds())
	m.lastSuccess.Set(float64(s.FinishedAt.Unix()))
}

// Push replaces the job's metric group on the gateway.
func (m *JobMetrics) Push(ctx context.Context, url, job, experiment string) error {
	pusher := push.New(url, job).Gatherer(m.registry)
	if experiment != "" {
		pusher = pusher.Grouping("experiment", experiment)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return trainerr.Connectivity("push metrics to "+url, err)
	}
	return nil
}
