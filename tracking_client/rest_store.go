/*
 * @module tracking_client/rest_store
 * @description MLflow REST API (v2.0) store for experiments, runs and the model registry
 * @architecture HTTP client layer - one JSON request per store call
 * @stateFlow build request -> authorize -> send -> decode response or API error
 * @rules
 *   - MLFLOW_TRACKING_TOKEN takes precedence over MLFLOW_TRACKING_USERNAME / MLFLOW_TRACKING_PASSWORD
 *   - every transport or API failure surfaces as a connectivity error
 * @dependencies net/http, encoding/json, github.com/spf13/cast
 * @refs types.go, artifacts.go
 */

package tracking_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"

	"regression-trainer/service/trainerr"
)

const (
	apiPrefix          = "/api/2.0/mlflow/"
	artifactsAPIPrefix = "/api/2.0/mlflow-artifacts/artifacts"

	errResourceDoesNotExist = "RESOURCE_DOES_NOT_EXIST"
	errResourceExists       = "RESOURCE_ALREADY_EXISTS"
)

var defaultRequestTimeout = 120 * time.Second

// APIError is an error document returned by the tracking server
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("tracking server returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tracking server returned HTTP %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

func hasErrorCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == code
}

// RestStore talks to a tracking server over HTTP
type RestStore struct {
	baseURL  string
	client   *http.Client
	token    string
	username string
	password string
}

// NewRestStore creates a store for an http(s) tracking URI. Credentials are read from the environment.
func NewRestStore(trackingURI string, client *http.Client) *RestStore {
	if client == nil {
		timeout := defaultRequestTimeout
		if v := os.Getenv("MLFLOW_HTTP_REQUEST_TIMEOUT"); v != "" {
			if secs, err := cast.ToIntE(v); err == nil && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RestStore{
		baseURL:  strings.TrimRight(trackingURI, "/"),
		client:   client,
		token:    os.Getenv("MLFLOW_TRACKING_TOKEN"),
		username: os.Getenv("MLFLOW_TRACKING_USERNAME"),
		password: os.Getenv("MLFLOW_TRACKING_PASSWORD"),
	}
}

// BaseURL returns the tracking server root without a trailing slash.
func (s *RestStore) BaseURL() string {
	return s.baseURL
}

func (s *RestStore) authorize(req *http.Request) {
	switch {
	case s.token != "":
		req.Header.Set("Authorization", "Bearer "+s.token)
	case s.username != "" || s.password != "":
		req.SetBasicAuth(s.username, s.password)
	}
}

// do sends req and turns non-2xx responses into *APIError.
func (s *RestStore) do(req *http.Request) (*http.Response, error) {
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(body, apiErr) != nil || (apiErr.ErrorCode == "" && apiErr.Message == "") {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return nil, apiErr
}

func (s *RestStore) call(ctx context.Context, method, endpoint string, query url.Values, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+apiPrefix+endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}

	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (s *RestStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var resp struct {
		Experiment Experiment `json:"experiment"`
	}
	err := s.call(ctx, http.MethodGet, "experiments/get-by-name", url.Values{"experiment_name": {name}}, nil, &resp)
	if hasErrorCode(err, errResourceDoesNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, trainerr.Connectivity("get experiment", err)
	}
	return &resp.Experiment, nil
}

func (s *RestStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := s.call(ctx, http.MethodPost, "experiments/create", nil, map[string]string{"name": name}, &resp); err != nil {
		return "", trainerr.Connectivity("create experiment", err)
	}
	return resp.ExperimentID, nil
}

func (s *RestStore) CreateRun(ctx context.Context, experimentID, runName string, startTime int64, tags []RunTag) (*RunInfo, error) {
	req := map[string]interface{}{
		"experiment_id": experimentID,
		"start_time":    startTime,
		"tags":          tags,
	}
	if runName != "" {
		req["run_name"] = runName
	}
	var resp struct {
		Run struct {
			Info RunInfo `json:"info"`
		} `json:"run"`
	}
	if err := s.call(ctx, http.MethodPost, "runs/create", nil, req, &resp); err != nil {
		return nil, trainerr.Connectivity("create run", err)
	}
	if resp.Run.Info.RunID == "" {
		return nil, trainerr.Newf(trainerr.KindConnectivity, "create run", "tracking server returned no run id")
	}
	return &resp.Run.Info, nil
}

func (s *RestStore) LogParam(ctx context.Context, runID, key, value string) error {
	req := map[string]string{"run_id": runID, "key": key, "value": value}
	if err := s.call(ctx, http.MethodPost, "runs/log-parameter", nil, req, nil); err != nil {
		return trainerr.Connectivity("log param "+key, err)
	}
	return nil
}

func (s *RestStore) SetTag(ctx context.Context, runID, key, value string) error {
	req := map[string]string{"run_id": runID, "key": key, "value": value}
	if err := s.call(ctx, http.MethodPost, "runs/set-tag", nil, req, nil); err != nil {
		return trainerr.Connectivity("set tag "+key, err)
	}
	return nil
}

func (s *RestStore) UpdateRun(ctx context.Context, runID string, status RunStatus, endTime int64) error {
	req := map[string]interface{}{"run_id": runID, "status": status, "end_time": endTime}
	if err := s.call(ctx, http.MethodPost, "runs/update", nil, req, nil); err != nil {
		return trainerr.Connectivity("update run", err)
	}
	return nil
}

func (s *RestStore) CreateRegisteredModel(ctx context.Context, name string) error {
	err := s.call(ctx, http.MethodPost, "registered-models/create", nil, map[string]string{"name": name}, nil)
	if err != nil && !hasErrorCode(err, errResourceExists) {
		return trainerr.Connectivity("create registered model", err)
	}
	return nil
}

func (s *RestStore) CreateModelVersion(ctx context.Context, name, source, runID string) (*ModelVersion, error) {
	req := map[string]string{"name": name, "source": source, "run_id": runID}
	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	if err := s.call(ctx, http.MethodPost, "model-versions/create", nil, req, &resp); err != nil {
		return nil, trainerr.Connectivity("create model version", err)
	}
	return &resp.ModelVersion, nil
}

func (s *RestStore) Close() error {
	return nil
}
