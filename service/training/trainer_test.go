package training

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regression-trainer/service/config"
	"regression-trainer/service/dataset"
	"regression-trainer/service/model"
	"regression-trainer/service/trainerr"
	"regression-trainer/testutil"
	"regression-trainer/tracking_client"
)

func readParams(t *testing.T, path string) *config.Params {
	t.Helper()
	params, err := config.ReadParams(path)
	require.NoError(t, err)
	return params
}

func TestTrainAndEvaluateLinearData(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	dir := t.TempDir()
	params := readParams(t, testutil.WriteParams(t, dir, testutil.WithTrackingURI(srv.URL)))

	result, err := TrainAndEvaluate(context.Background(), params, Options{InvocationID: "inv-1"})
	require.NoError(t, err)

	assert.InDelta(t, 0, result.RMSE, 1e-9)
	assert.Equal(t, "inv-1", result.InvocationID)
	assert.Equal(t, 3, result.TrainRows)
	assert.Equal(t, 1, result.TestRows)
	assert.Equal(t, "mlflow-artifacts", result.ArtifactScheme)
	assert.Equal(t, "1", result.ModelVersion)

	runs := srv.Runs()
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, result.RunID, run.RunID)
	assert.Equal(t, "linear_regression", run.RunName)
	assert.Equal(t, string(tracking_client.RunStatusFinished), run.Status)
	assert.Equal(t, "inv-1", run.Tags[InvocationTag])
	assert.Equal(t, map[string]string{RMSEParam: "0.0"}, run.Params)
	assert.Len(t, srv.CallsTo("runs/log-parameter"), 1)

	versions := srv.ModelVersions("bike_sharing_model")
	require.Len(t, versions, 1)
	assert.Equal(t, run.ArtifactURI+"/"+ModelArtifactPath, versions[0].Source)

	data, ok := srv.Artifact("1/" + run.RunID + "/artifacts/model/" + model.DataFile)
	require.True(t, ok, "uploaded: %v", srv.ArtifactPaths())
	stored, err := model.DecodeLinearRegression(data)
	require.NoError(t, err)
	assert.InDelta(t, 2, stored.Coef[0], 1e-9)
	assert.InDelta(t, 0, stored.Intercept, 1e-9)
}

func TestTrainAndEvaluateRowOrderInvariant(t *testing.T) {
	train := "x,y\n1,3\n2,5\n3,7\n4,9.5\n5,11\n"
	permutedTrain := "x,y\n4,9.5\n1,3\n5,11\n3,7\n2,5\n"
	test := "x,y\n6,13\n7,15.2\n8,16.4\n"
	permutedTest := "x,y\n8,16.4\n6,13\n7,15.2\n"

	rmseFor := func(trainCSV, testCSV string) float64 {
		srv := testutil.NewTrackingServer(t)
		dir := t.TempDir()
		trainPath, testPath := testutil.WriteDataset(t, dir, trainCSV, testCSV)
		params := readParams(t, testutil.WriteParams(t, dir,
			testutil.WithTrackingURI(srv.URL), testutil.WithData(trainPath, testPath)))
		result, err := TrainAndEvaluate(context.Background(), params, Options{})
		require.NoError(t, err)
		return result.RMSE
	}

	baseline := rmseFor(train, test)
	assert.Greater(t, baseline, 0.0)
	assert.InDelta(t, baseline, rmseFor(train, permutedTest), 1e-9, "test rows shuffled")
	assert.InDelta(t, baseline, rmseFor(permutedTrain, test), 1e-9, "train rows shuffled")
	assert.InDelta(t, baseline, rmseFor(permutedTrain, permutedTest), 1e-9, "both shuffled")
}

func TestTrainAndEvaluateFailuresBeforeRun(t *testing.T) {
	tests := []struct {
		name string
		opts func(dir string) []testutil.ParamsOption
		kind trainerr.Kind
	}{
		{
			name: "missing target column",
			opts: func(dir string) []testutil.ParamsOption {
				return []testutil.ParamsOption{testutil.WithTarget("cnt")}
			},
			kind: trainerr.KindLookup,
		},
		{
			name: "missing train file",
			opts: func(dir string) []testutil.ParamsOption {
				return []testutil.ParamsOption{testutil.WithData(filepath.Join(dir, "nope.csv"), filepath.Join(dir, "nope.csv"))}
			},
			kind: trainerr.KindFile,
		},
		{
			name: "missing random forest section",
			opts: func(dir string) []testutil.ParamsOption {
				return []testutil.ParamsOption{testutil.WithoutSection("random_forest")}
			},
			kind: trainerr.KindLookup,
		},
		{
			name: "missing tracking section",
			opts: func(dir string) []testutil.ParamsOption {
				return []testutil.ParamsOption{testutil.WithoutSection("mlflow_config")}
			},
			kind: trainerr.KindLookup,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewTrackingServer(t)
			dir := t.TempDir()
			opts := append([]testutil.ParamsOption{testutil.WithTrackingURI(srv.URL)}, tt.opts(dir)...)
			params := readParams(t, testutil.WriteParams(t, dir, opts...))

			_, err := TrainAndEvaluate(context.Background(), params, Options{})
			require.Error(t, err)
			assert.Equal(t, tt.kind, trainerr.KindOf(err), err.Error())
			assert.Empty(t, srv.Calls())
		})
	}
}

func TestMalformedParamsTouchNothing(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	path := testutil.WriteFile(t, t.TempDir(), "params.yaml", "mlflow_config: [unclosed\n")

	_, err := config.ReadParams(path)
	assert.True(t, trainerr.Is(err, trainerr.KindParse))
	assert.Empty(t, srv.Calls())
}

func TestTrainAndEvaluateFeatureMismatch(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	dir := t.TempDir()
	trainPath, testPath := testutil.WriteDataset(t, dir, testutil.LinearTrainCSV, "x,w,y\n4,1,8\n")
	params := readParams(t, testutil.WriteParams(t, dir,
		testutil.WithTrackingURI(srv.URL), testutil.WithData(trainPath, testPath)))

	_, err := TrainAndEvaluate(context.Background(), params, Options{})
	assert.True(t, trainerr.Is(err, trainerr.KindShape), "got %v", err)

	runs := srv.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, string(tracking_client.RunStatusFailed), runs[0].Status)
	assert.Empty(t, runs[0].Params)
}

func TestTrainAndEvaluateEmptyTestSet(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	dir := t.TempDir()
	trainPath, testPath := testutil.WriteDataset(t, dir, testutil.LinearTrainCSV, "x,y\n")
	params := readParams(t, testutil.WriteParams(t, dir,
		testutil.WithTrackingURI(srv.URL), testutil.WithData(trainPath, testPath)))

	var err error
	require.NotPanics(t, func() {
		_, err = TrainAndEvaluate(context.Background(), params, Options{})
	})
	assert.True(t, trainerr.Is(err, trainerr.KindShape), "got %v", err)

	runs := srv.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, string(tracking_client.RunStatusFailed), runs[0].Status)
	assert.Empty(t, runs[0].Params)
}

func TestTrainAndEvaluateLogParamFailure(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	srv.FailOn("runs/log-parameter", http.StatusInternalServerError)
	params := readParams(t, testutil.WriteParams(t, t.TempDir(), testutil.WithTrackingURI(srv.URL)))

	_, err := TrainAndEvaluate(context.Background(), params, Options{})
	assert.True(t, trainerr.Is(err, trainerr.KindConnectivity), "got %v", err)

	updates := srv.CallsTo("runs/update")
	require.Len(t, updates, 1)
	assert.Equal(t, string(tracking_client.RunStatusFailed), updates[0].JSON()["status"])
	assert.Empty(t, srv.CallsTo("model-versions/create"))
}

func TestTrainAndEvaluateUnreachableServer(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()
	params := readParams(t, testutil.WriteParams(t, t.TempDir(), testutil.WithTrackingURI(url)))

	_, err := TrainAndEvaluate(context.Background(), params, Options{})
	assert.True(t, trainerr.Is(err, trainerr.KindConnectivity), "got %v", err)
}

func TestTrainAndEvaluateFileArtifactStore(t *testing.T) {
	artifacts := t.TempDir()
	srv := testutil.NewTrackingServer(t, testutil.WithArtifactRoot("file://"+artifacts))
	params := readParams(t, testutil.WriteParams(t, t.TempDir(), testutil.WithTrackingURI(srv.URL)))

	_, err := TrainAndEvaluate(context.Background(), params, Options{})
	assert.True(t, trainerr.Is(err, trainerr.KindFile), "got %v", err)

	runs := srv.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, string(tracking_client.RunStatusFailed), runs[0].Status)
	assert.Equal(t, "0.0", runs[0].Params[RMSEParam])
	assert.Empty(t, srv.CallsTo("registered-models/create"))
	assert.Empty(t, srv.CallsTo(testutil.ArtifactsEndpoint))
}

func TestTrainAndEvaluateSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mlflow.db")
	artifactRoot := filepath.Join(dir, "mlruns")
	params := readParams(t, testutil.WriteParams(t, dir,
		testutil.WithTrackingURI("sqlite:///"+dbPath),
		testutil.WithSection("mlflow_config", map[string]interface{}{
			"remote_server_uri":     "sqlite:///" + dbPath,
			"experiment_name":       "bike_sharing",
			"run_name":              "linear_regression",
			"registered_model_name": "bike_sharing_model",
			"artifact_root":         artifactRoot,
		})))

	result, err := TrainAndEvaluate(context.Background(), params, Options{})
	require.NoError(t, err)
	assert.Equal(t, "", result.ArtifactScheme)
	assert.Equal(t, "1", result.ModelVersion)

	data, err := os.ReadFile(filepath.Join(result.ArtifactURI, ModelArtifactPath, model.DataFile))
	require.NoError(t, err)
	stored, err := model.DecodeLinearRegression(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, stored.FeatureNames)

	// a second job reuses the experiment and adds a model version
	again, err := TrainAndEvaluate(context.Background(), params, Options{})
	require.NoError(t, err)
	assert.Equal(t, result.ExperimentID, again.ExperimentID)
	assert.NotEqual(t, result.RunID, again.RunID)
	assert.Equal(t, "2", again.ModelVersion)
}

func TestTrainAndEvaluatePushesMetrics(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	srv := testutil.NewTrackingServer(t)
	params := readParams(t, testutil.WriteParams(t, t.TempDir(),
		testutil.WithTrackingURI(srv.URL),
		testutil.WithSection("metrics_config", map[string]interface{}{"pushgateway_url": gateway.URL})))

	_, err := TrainAndEvaluate(context.Background(), params, Options{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/metrics/job/regression_trainer/experiment/bike_sharing"}, paths)
}

func TestTrainAndEvaluateIgnoresPushFailure(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer gateway.Close()

	srv := testutil.NewTrackingServer(t)
	params := readParams(t, testutil.WriteParams(t, t.TempDir(),
		testutil.WithTrackingURI(srv.URL),
		testutil.WithSection("metrics_config", map[string]interface{}{"pushgateway_url": gateway.URL})))

	_, err := TrainAndEvaluate(context.Background(), params, Options{})
	require.NoError(t, err)
	assert.Equal(t, string(tracking_client.RunStatusFinished), srv.Runs()[0].Status)
}

func newRestClient(t *testing.T, srv *testutil.TrackingServer) *tracking_client.Client {
	t.Helper()
	client, err := tracking_client.NewClient(context.Background(), tracking_client.Config{
		TrackingURI:    srv.URL,
		ExperimentName: "scoped",
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func scopeParams() *config.Params {
	return config.NewParams(map[string]interface{}{
		"mlflow_config": map[string]interface{}{"run_name": "scoped_run"},
	})
}

func TestRunScopeStatuses(t *testing.T) {
	tests := []struct {
		name   string
		cancel bool
		err    error
		status tracking_client.RunStatus
	}{
		{name: "success", status: tracking_client.RunStatusFinished},
		{name: "failure", err: errors.New("boom"), status: tracking_client.RunStatusFailed},
		{name: "cancelled", cancel: true, err: context.Canceled, status: tracking_client.RunStatusKilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewTrackingServer(t)
			client := newRestClient(t, srv)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			_, err := runScope(ctx, client, scopeParams(), "inv", slog.Default(),
				func(ctx context.Context, run *tracking_client.Run) (*Result, error) {
					if tt.cancel {
						cancel()
					}
					return &Result{RunID: run.ID()}, tt.err
				})
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}

			runs := srv.Runs()
			require.Len(t, runs, 1)
			assert.Equal(t, "scoped_run", runs[0].RunName)
			assert.Equal(t, string(tt.status), runs[0].Status)
			assert.Len(t, srv.CallsTo("runs/update"), 1)
		})
	}
}

func TestRunScopePanicEndsRunFailed(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	client := newRestClient(t, srv)

	assert.PanicsWithValue(t, "exploded", func() {
		_, _ = runScope(context.Background(), client, scopeParams(), "inv", slog.Default(),
			func(ctx context.Context, run *tracking_client.Run) (*Result, error) {
				panic("exploded")
			})
	})

	runs := srv.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, string(tracking_client.RunStatusFailed), runs[0].Status)
}

func TestRunScopeEndFailure(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	srv.FailOn("runs/update", http.StatusServiceUnavailable)
	client := newRestClient(t, srv)

	result, err := runScope(context.Background(), client, scopeParams(), "inv", slog.Default(),
		func(ctx context.Context, run *tracking_client.Run) (*Result, error) {
			return &Result{RunID: run.ID()}, nil
		})
	assert.Nil(t, result)
	assert.True(t, trainerr.Is(err, trainerr.KindConnectivity), "got %v", err)

	// the body error wins over the end error
	bodyErr := trainerr.Shape("fit", errors.New("mismatch"))
	_, err = runScope(context.Background(), client, scopeParams(), "inv", slog.Default(),
		func(ctx context.Context, run *tracking_client.Run) (*Result, error) {
			return nil, bodyErr
		})
	assert.Equal(t, bodyErr, err)
}

func TestRunScopeMissingRunName(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	client := newRestClient(t, srv)

	_, err := runScope(context.Background(), client, config.NewParams(map[string]interface{}{"x": 1}), "inv", slog.Default(),
		func(ctx context.Context, run *tracking_client.Run) (*Result, error) {
			t.Fatal("body must not run")
			return nil, nil
		})
	assert.True(t, trainerr.Is(err, trainerr.KindLookup))
	assert.Empty(t, srv.CallsTo("runs/create"))
}

func TestLoadModelFromArtifacts(t *testing.T) {
	dir := t.TempDir()
	client, err := tracking_client.NewClient(context.Background(), tracking_client.Config{
		TrackingURI:    "sqlite:///" + filepath.Join(dir, "mlflow.db"),
		ExperimentName: "file_store",
		ArtifactRoot:   "file://" + filepath.Join(dir, "mlruns"),
	})
	require.NoError(t, err)
	defer client.Close()

	run, err := client.StartRun(context.Background(), "seeded", nil)
	require.NoError(t, err)
	defer run.End(context.Background(), tracking_client.RunStatusFinished)
	assert.Equal(t, "file", tracking_client.ArtifactScheme(run.ArtifactURI()))

	_, err = LoadModelFromArtifacts(context.Background(), run)
	assert.True(t, trainerr.Is(err, trainerr.KindFile), "got %v", err)

	train, err := dataset.ParseCSV(strings.NewReader(testutil.LinearTrainCSV))
	require.NoError(t, err)
	x, y, err := dataset.FeatAndTarget(train, "y")
	require.NoError(t, err)
	lr := model.NewLinearRegression()
	require.NoError(t, lr.Fit(x, y))
	_, err = run.LogModel(context.Background(), lr, ModelArtifactPath, "")
	require.NoError(t, err)

	loaded, err := LoadModelFromArtifacts(context.Background(), run)
	require.NoError(t, err)
	assert.InDelta(t, 2, loaded.Coef[0], 1e-9)
}

func TestFormatParamFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{math.Copysign(0, -1), "-0.0"},
		{1, "1.0"},
		{2.5, "2.5"},
		{0.1, "0.1"},
		{1.0 / 3, "0.3333333333333333"},
		{0.0001, "0.0001"},
		{0.00001, "1e-05"},
		{1234567890123456, "1234567890123456.0"},
		{1e16, "1e+16"},
		{-42.125, "-42.125"},
		{math.NaN(), "nan"},
		{math.Inf(1), "inf"},
		{math.Inf(-1), "-inf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatParamFloat(tt.in), "%v", tt.in)
	}
}
