/*
 * @module tracking_client/rest_store_test
 * @description Tests for the REST store, artifact proxy and run lifecycle against the fake tracking server
 * @architecture Test layer - testutil.TrackingServer over httptest
 * @dependencies testing, testify, regression-trainer/testutil
 * @refs rest_store.go, client.go, run.go, artifacts.go
 */

package tracking_client

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regression-trainer/service/trainerr"
	"regression-trainer/testutil"
)

type fakeModel struct {
	files map[string][]byte
}

func (f fakeModel) ModelFiles(runID, artifactPath string, created time.Time) (map[string][]byte, error) {
	return f.files, nil
}

func newRESTClient(t *testing.T, srv *testutil.TrackingServer, experiment string) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), Config{TrackingURI: srv.URL, ExperimentName: experiment})
	require.NoError(t, err)
	return client
}

func TestRESTRunLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewTrackingServer(t)
	client := newRESTClient(t, srv, "bike_sharing")

	exp, err := client.SetExperiment(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", exp.ExperimentID)
	assert.Equal(t, "mlflow-artifacts:/1", exp.ArtifactLocation)

	run, err := client.StartRun(ctx, "linear", map[string]string{"team": "ml"})
	require.NoError(t, err)
	assert.Len(t, run.ID(), 32)
	assert.Equal(t, "mlflow-artifacts:/1/"+run.ID()+"/artifacts", run.ArtifactURI())
	assert.Equal(t, "mlflow-artifacts", ArtifactScheme(run.ArtifactURI()))

	require.NoError(t, run.LogParam(ctx, "alpha", "0.5"))
	require.NoError(t, run.SetTag(ctx, "stage", "dev"))

	version, err := run.LogModel(ctx, fakeModel{files: map[string][]byte{
		"MLmodel":    []byte("flavors: {}\n"),
		"model.json": []byte(`{"coef":[2]}`),
	}}, "model", "bike_model")
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, "1", version.Version)
	assert.Equal(t, run.ArtifactURI()+"/model", version.Source)

	data, ok := srv.Artifact("1/" + run.ID() + "/artifacts/model/model.json")
	require.True(t, ok, "uploaded paths: %v", srv.ArtifactPaths())
	assert.JSONEq(t, `{"coef":[2]}`, string(data))

	loaded, err := run.LoadModel(ctx, run.ArtifactURI()+"/model", "model.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"coef":[2]}`, string(loaded))

	require.NoError(t, run.End(ctx, RunStatusFinished))
	require.NoError(t, run.End(ctx, RunStatusFailed))
	assert.True(t, run.Ended())
	assert.Len(t, srv.CallsTo("runs/update"), 1)

	record, ok := srv.Run(run.ID())
	require.True(t, ok)
	assert.Equal(t, "FINISHED", record.Status)
	assert.NotZero(t, record.EndTime)
	assert.Equal(t, map[string]string{"alpha": "0.5"}, record.Params)
	assert.Equal(t, "ml", record.Tags["team"])
	assert.Equal(t, "dev", record.Tags["stage"])
	assert.Equal(t, "linear", record.Tags["mlflow.runName"])
	assert.Equal(t, "LOCAL", record.Tags["mlflow.source.type"])
}

func TestSetExperimentReusesExisting(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewTrackingServer(t)

	for i := 0; i < 2; i++ {
		exp, err := newRESTClient(t, srv, "shared").SetExperiment(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1", exp.ExperimentID)
	}
	assert.Len(t, srv.CallsTo("experiments/create"), 1)

	exp, err := newRESTClient(t, srv, "Default").SetExperiment(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", exp.ExperimentID)
}

func TestSetExperimentDeleted(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	client := newRESTClient(t, srv, "gone")
	_, err := client.SetExperiment(context.Background())
	require.NoError(t, err)

	srv.DeleteExperiment("gone")
	_, err = client.SetExperiment(context.Background())
	assert.True(t, trainerr.Is(err, trainerr.KindConnectivity))
}

func TestStartRunSetsExperimentImplicitly(t *testing.T) {
	srv := testutil.NewTrackingServer(t)
	client := newRESTClient(t, srv, "implicit")

	run, err := client.StartRun(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", run.ExperimentID())
	require.NotNil(t, client.Experiment())
	assert.Equal(t, "implicit", client.Experiment().Name)
}

func TestRegisteredModelAlreadyExists(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewTrackingServer(t)
	client := newRESTClient(t, srv, "exp")
	model := fakeModel{files: map[string][]byte{"model.json": []byte("{}")}}

	for want := 1; want <= 2; want++ {
		run, err := client.StartRun(ctx, "r", nil)
		require.NoError(t, err)
		version, err := run.LogModel(ctx, model, "model", "bike_model")
		require.NoError(t, err)
		assert.Equal(t, want, len(srv.ModelVersions("bike_model")))
		assert.NotEmpty(t, version.Version)
	}

	run, err := client.StartRun(ctx, "unregistered", nil)
	require.NoError(t, err)
	version, err := run.LogModel(ctx, model, "model", "")
	require.NoError(t, err)
	assert.Nil(t, version)
}

func TestRESTAuthentication(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "bearer token",
			env:  map[string]string{"MLFLOW_TRACKING_TOKEN": "secret"},
			want: "Bearer secret",
		},
		{
			name: "basic auth",
			env:  map[string]string{"MLFLOW_TRACKING_USERNAME": "alice", "MLFLOW_TRACKING_PASSWORD": "pw"},
			want: "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:pw")),
		},
		{
			name: "token wins",
			env: map[string]string{
				"MLFLOW_TRACKING_TOKEN":    "secret",
				"MLFLOW_TRACKING_USERNAME": "alice",
			},
			want: "Bearer secret",
		},
		{
			name: "anonymous",
			env:  map[string]string{},
			want: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range []string{"MLFLOW_TRACKING_TOKEN", "MLFLOW_TRACKING_USERNAME", "MLFLOW_TRACKING_PASSWORD"} {
				t.Setenv(k, tc.env[k])
			}
			srv := testutil.NewTrackingServer(t)
			_, err := newRESTClient(t, srv, "auth").SetExperiment(context.Background())
			require.NoError(t, err)

			calls := srv.Calls()
			require.NotEmpty(t, calls)
			for _, c := range calls {
				assert.Equal(t, tc.want, c.Header.Get("Authorization"), c.Endpoint)
			}
		})
	}
}

func TestRESTFailuresAreConnectivityErrors(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewTrackingServer(t)
	client := newRESTClient(t, srv, "exp")
	run, err := client.StartRun(ctx, "r", nil)
	require.NoError(t, err)

	srv.FailOn("runs/log-parameter", http.StatusInternalServerError)
	err = run.LogParam(ctx, "RMSE", "0.0")
	require.Error(t, err)
	assert.Equal(t, trainerr.KindConnectivity, trainerr.KindOf(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "INTERNAL_ERROR", apiErr.ErrorCode)

	srv.FailOn(testutil.ArtifactsEndpoint, http.StatusServiceUnavailable)
	_, err = run.LogModel(ctx, fakeModel{files: map[string][]byte{"model.json": []byte("{}")}}, "model", "m")
	assert.True(t, trainerr.Is(err, trainerr.KindConnectivity))
	assert.Empty(t, srv.CallsTo("registered-models/create"))
}

func TestParamValueCannotChange(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewTrackingServer(t)
	run, err := newRESTClient(t, srv, "exp").StartRun(ctx, "r", nil)
	require.NoError(t, err)

	require.NoError(t, run.LogParam(ctx, "RMSE", "1.0"))
	require.NoError(t, run.LogParam(ctx, "RMSE", "1.0"))
	err = run.LogParam(ctx, "RMSE", "2.0")
	assert.True(t, trainerr.Is(err, trainerr.KindConnectivity))
	assert.True(t, strings.Contains(err.Error(), "Changing param values is not allowed"))
}

func TestUnreachableServer(t *testing.T) {
	client, err := NewClient(context.Background(), Config{
		TrackingURI:    "http://127.0.0.1:1",
		ExperimentName: "exp",
		HTTPClient:     &http.Client{Timeout: 2 * time.Second},
	})
	require.NoError(t, err)
	_, err = client.SetExperiment(context.Background())
	assert.True(t, trainerr.Is(err, trainerr.KindConnectivity))
}

func TestUnsupportedTrackingURI(t *testing.T) {
	for _, uri := range []string{"ftp://host/x", "databricks://profile", "./mlruns", ""} {
		_, err := NewClient(context.Background(), Config{TrackingURI: uri, ExperimentName: "exp"})
		assert.True(t, trainerr.Is(err, trainerr.KindConnectivity), uri)
	}
}

func TestLoadModelMissingOverProxy(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewTrackingServer(t)
	run, err := newRESTClient(t, srv, "exp").StartRun(ctx, "r", nil)
	require.NoError(t, err)

	_, err = run.LoadModel(ctx, run.ArtifactURI()+"/model", "model.json")
	assert.True(t, trainerr.Is(err, trainerr.KindFile))
}
