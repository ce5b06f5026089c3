/*
 * @module testutil/test_helper
 * @description Test fixtures: params.yaml files and CSV data sets written to temp directories
 * @architecture Test infrastructure - option functions over a fixture struct, as a data factory
 * @stateFlow defaults -> options -> YAML/CSV on disk -> path handed to the code under test
 * @rules Fixtures live in t.TempDir() so nothing outlives the test
 * @dependencies gopkg.in/yaml.v3, testify
 * @refs tracking_server.go, service/training
 */

package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// LinearTrainCSV is y = 2x over x = 1..3
const LinearTrainCSV = "x,y\n1,2\n2,4\n3,6\n"

// LinearTestCSV holds the single point x = 4, y = 8
const LinearTestCSV = "x,y\n4,8\n"

// ParamsFixture holds the values rendered into params.yaml
type ParamsFixture struct {
	TrainCSV            string
	TestCSV             string
	Target              string
	MaxDepth            int
	NEstimators         int
	TrackingURI         string
	ExperimentName      string
	RunName             string
	RegisteredModelName string
	// Extra sections are merged into the document as top-level keys
	Extra map[string]interface{}
	// Omit drops top-level sections by name
	Omit []string
}

// ParamsOption customises a params fixture
type ParamsOption func(*ParamsFixture)

func WithTrackingURI(uri string) ParamsOption {
	return func(p *ParamsFixture) { p.TrackingURI = uri }
}

func WithTarget(target string) ParamsOption {
	return func(p *ParamsFixture) { p.Target = target }
}

func WithData(trainCSV, testCSV string) ParamsOption {
	return func(p *ParamsFixture) {
		p.TrainCSV = trainCSV
		p.TestCSV = testCSV
	}
}

func WithExperiment(experiment, run, registeredModel string) ParamsOption {
	return func(p *ParamsFixture) {
		p.ExperimentName = experiment
		p.RunName = run
		p.RegisteredModelName = registeredModel
	}
}

func WithSection(name string, value interface{}) ParamsOption {
	return func(p *ParamsFixture) {
		if p.Extra == nil {
			p.Extra = map[string]interface{}{}
		}
		p.Extra[name] = value
	}
}

func WithoutSection(name string) ParamsOption {
	return func(p *ParamsFixture) { p.Omit = append(p.Omit, name) }
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// WriteDataset writes train.csv and test.csv to dir.
func WriteDataset(t testing.TB, dir, trainCSV, testCSV string) (trainPath, testPath string) {
	t.Helper()
	return WriteFile(t, dir, "train.csv", trainCSV), WriteFile(t, dir, "test.csv", testCSV)
}

// WriteParams renders params.yaml into dir. Without WithData the linear data set is written next to it.
func WriteParams(t testing.TB, dir string, opts ...ParamsOption) string {
	t.Helper()
	p := &ParamsFixture{
		Target:              "y",
		MaxDepth:            5,
		NEstimators:         100,
		TrackingURI:         "http://127.0.0.1:5000",
		ExperimentName:      "bike_sharing",
		RunName:             "linear_regression",
		RegisteredModelName: "bike_sharing_model",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.TrainCSV == "" && p.TestCSV == "" {
		p.TrainCSV, p.TestCSV = WriteDataset(t, dir, LinearTrainCSV, LinearTestCSV)
	}

	doc := map[string]interface{}{
		"raw_data_config": map[string]interface{}{
			"target": p.Target,
		},
		"processed_data_config": map[string]interface{}{
			"train_data_csv": p.TrainCSV,
			"test_data_csv":  p.TestCSV,
		},
		"random_forest": map[string]interface{}{
			"max_depth":    p.MaxDepth,
			"n_estimators": p.NEstimators,
		},
		"mlflow_config": map[string]interface{}{
			"remote_server_uri":     p.TrackingURI,
			"experiment_name":       p.ExperimentName,
			"run_name":              p.RunName,
			"registered_model_name": p.RegisteredModelName,
		},
	}
	for k, v := range p.Extra {
		doc[k] = v
	}
	for _, k := range p.Omit {
		delete(doc, k)
	}

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	return WriteFile(t, dir, "params.yaml", string(out))
}
