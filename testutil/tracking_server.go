/*
 * @module testutil/tracking_server
 * @description In-process fake of the tracking server REST API and artifact proxy used by tests
 * @architecture Test infrastructure - chi router over in-memory state, served by httptest
 * @stateFlow request -> record call -> injected failure or handler -> JSON response
 * @rules
 *   - every request is recorded before it is handled
 *   - endpoints are named by their path below /api/2.0/mlflow/, artifacts by "mlflow-artifacts/artifacts"
 *   - an experiment named "Default" with id "0" exists from the start
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render, net/http/httptest
 * @refs tracking_client/rest_store.go
 */

package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

// ArtifactsEndpoint names artifact proxy requests in Calls and FailOn
const ArtifactsEndpoint = "mlflow-artifacts/artifacts"

// Call is one request received by the fake server
type Call struct {
	Method   string
	Endpoint string
	Query    url.Values
	Header   http.Header
	Body     []byte
}

// JSON decodes the request body as a JSON object.
func (c Call) JSON() map[string]interface{} {
	out := map[string]interface{}{}
	_ = json.Unmarshal(c.Body, &out)
	return out
}

// RunRecord is the server side state of a run
type RunRecord struct {
	RunID        string
	RunName      string
	ExperimentID string
	Status       string
	StartTime    int64
	EndTime      int64
	ArtifactURI  string
	Params       map[string]string
	Tags         map[string]string
}

// VersionRecord is a registered model version
type VersionRecord struct {
	Name    string
	Version int
	Source  string
	RunID   string
}

type experimentRecord struct {
	id               string
	name             string
	artifactLocation string
	lifecycleStage   string
}

// TrackingServer is a fake tracking server
type TrackingServer struct {
	*httptest.Server

	mu           sync.Mutex
	artifactRoot string
	calls        []Call
	failures     map[string]int
	experiments  map[string]*experimentRecord
	nextExpID    int
	runs         map[string]*RunRecord
	runOrder     []string
	registered   map[string]bool
	versions     map[string][]VersionRecord
	artifacts    map[string][]byte
}

// TrackingServerOption customises a fake server
type TrackingServerOption func(*TrackingServer)

// WithArtifactRoot sets the root below which run artifact URIs are minted.
// The default is "mlflow-artifacts:", which routes uploads through the fake proxy.
func WithArtifactRoot(root string) TrackingServerOption {
	return func(s *TrackingServer) {
		s.artifactRoot = strings.TrimRight(root, "/")
	}
}

// NewTrackingServer starts a fake server that is closed when the test ends.
func NewTrackingServer(t testing.TB, opts ...TrackingServerOption) *TrackingServer {
	t.Helper()
	s := &TrackingServer{
		artifactRoot: "mlflow-artifacts:",
		failures:     map[string]int{},
		experiments:  map[string]*experimentRecord{},
		nextExpID:    1,
		runs:         map[string]*RunRecord{},
		registered:   map[string]bool{},
		versions:     map[string][]VersionRecord{},
		artifacts:    map[string][]byte{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.experiments["Default"] = &experimentRecord{
		id: "0", name: "Default", artifactLocation: s.artifactRoot + "/0", lifecycleStage: "active",
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *TrackingServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)

	r.Route("/api/2.0/mlflow", func(r chi.Router) {
		r.Get("/experiments/get-by-name", s.getExperimentByName)
		r.Post("/experiments/create", s.createExperiment)
		r.Post("/runs/create", s.createRun)
		r.Post("/runs/log-parameter", s.logParam)
		r.Post("/runs/set-tag", s.setTag)
		r.Post("/runs/update", s.updateRun)
		r.Post("/registered-models/create", s.createRegisteredModel)
		r.Post("/model-versions/create", s.createModelVersion)
	})
	r.Put("/api/2.0/mlflow-artifacts/artifacts/*", s.putArtifact)
	r.Get("/api/2.0/mlflow-artifacts/artifacts/*", s.getArtifact)
	return r
}

func endpointOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/2.0/mlflow/"):
		return strings.TrimPrefix(path, "/api/2.0/mlflow/")
	case strings.HasPrefix(path, "/api/2.0/mlflow-artifacts/artifacts"):
		return ArtifactsEndpoint
	default:
		return path
	}
}

func (s *TrackingServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		endpoint := endpointOf(r.URL.Path)
		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method:   r.Method,
			Endpoint: endpoint,
			Query:    r.URL.Query(),
			Header:   r.Header.Clone(),
			Body:     body,
		})
		status, fail := s.failures[endpoint]
		s.mu.Unlock()

		if fail {
			writeError(w, r, status, "INTERNAL_ERROR", "injected failure for "+endpoint)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FailOn makes every later request to endpoint answer with status.
func (s *TrackingServer) FailOn(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = status
}

// Calls returns the recorded requests in arrival order.
func (s *TrackingServer) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded requests for one endpoint.
func (s *TrackingServer) CallsTo(endpoint string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

// Runs returns copies of all runs in creation order.
func (s *TrackingServer) Runs() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, copyRun(s.runs[id]))
	}
	return out
}

// Run returns a copy of one run.
func (s *TrackingServer) Run(runID string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return copyRun(run), true
}

// Artifact returns an uploaded artifact by its path below the proxy root.
func (s *TrackingServer) Artifact(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.artifacts[strings.TrimPrefix(path, "/")]
	return data, ok
}

// ArtifactPaths lists uploaded artifact paths in sorted order.
func (s *TrackingServer) ArtifactPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.artifacts))
	for p := range s.artifacts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ModelVersions returns the versions registered under name.
func (s *TrackingServer) ModelVersions(name string) []VersionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VersionRecord(nil), s.versions[name]...)
}

// DeleteExperiment marks an experiment deleted.
func (s *TrackingServer) DeleteExperiment(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.experiments[name]; ok {
		exp.lifecycleStage = "deleted"
	}
}

func copyRun(r *RunRecord) RunRecord {
	out := *r
	out.Params = make(map[string]string, len(r.Params))
	for k, v := range r.Params {
		out.Params[k] = v
	}
	out.Tags = make(map[string]string, len(r.Tags))
	for k, v := range r.Tags {
		out.Tags[k] = v
	}
	return out
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error_code": code, "message": message})
}

func (s *TrackingServer) getExperimentByName(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("experiment_name")
	s.mu.Lock()
	exp, ok := s.experiments[name]
	s.mu.Unlock()
	if !ok {
		writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST",
			fmt.Sprintf("Could not find experiment with name '%s'", name))
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"experiment": map[string]string{
			"experiment_id":     exp.id,
			"name":              exp.name,
			"artifact_location": exp.artifactLocation,
			"lifecycle_stage":   exp.lifecycleStage,
		},
	})
}

func (s *TrackingServer) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "missing experiment name")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[req.Name]; ok {
		writeError(w, r, http.StatusBadRequest, "RESOURCE_ALREADY_EXISTS",
			fmt.Sprintf("Experiment '%s' already exists", req.Name))
		return
	}
	id := strconv.Itoa(s.nextExpID)
	s.nextExpID++
	s.experiments[req.Name] = &experimentRecord{
		id: id, name: req.Name, artifactLocation: s.artifactRoot + "/" + id, lifecycleStage: "active",
	}
	render.JSON(w, r, map[string]string{"experiment_id": id})
}

func (s *TrackingServer) createRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string `json:"experiment_id"`
		RunName      string `json:"run_name"`
		StartTime    int64  `json:"start_time"`
		Tags         []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"tags"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var exp *experimentRecord
	for _, e := range s.experiments {
		if e.id == req.ExperimentID {
			exp = e
		}
	}
	if exp == nil {
		writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST",
			fmt.Sprintf("No Experiment with id=%s exists", req.ExperimentID))
		return
	}

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	run := &RunRecord{
		RunID:        runID,
		RunName:      req.RunName,
		ExperimentID: exp.id,
		Status:       "RUNNING",
		StartTime:    req.StartTime,
		ArtifactURI:  exp.artifactLocation + "/" + runID + "/artifacts",
		Params:       map[string]string{},
		Tags:         map[string]string{},
	}
	for _, tag := range req.Tags {
		run.Tags[tag.Key] = tag.Value
	}
	s.runs[runID] = run
	s.runOrder = append(s.runOrder, runID)

	render.JSON(w, r, map[string]interface{}{
		"run": map[string]interface{}{
			"info": map[string]interface{}{
				"run_id":          run.RunID,
				"run_uuid":        run.RunID,
				"run_name":        run.RunName,
				"experiment_id":   run.ExperimentID,
				"status":          run.Status,
				"start_time":      run.StartTime,
				"artifact_uri":    run.ArtifactURI,
				"lifecycle_stage": "active",
			},
		},
	})
}

type keyValueRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *TrackingServer) logParam(w http.ResponseWriter, r *http.Request) {
	var req keyValueRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[req.RunID]
	if !ok {
		writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Run '"+req.RunID+"' not found")
		return
	}
	if old, exists := run.Params[req.Key]; exists && old != req.Value {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE",
			fmt.Sprintf("Changing param values is not allowed. Param with key='%s' was already logged with value='%s'", req.Key, old))
		return
	}
	run.Params[req.Key] = req.Value
	render.JSON(w, r, map[string]interface{}{})
}

func (s *TrackingServer) setTag(w http.ResponseWriter, r *http.Request) {
	var req keyValueRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[req.RunID]
	if !ok {
		writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Run '"+req.RunID+"' not found")
		return
	}
	run.Tags[req.Key] = req.Value
	render.JSON(w, r, map[string]interface{}{})
}

func (s *TrackingServer) updateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		EndTime int64  `json:"end_time"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[req.RunID]
	if !ok {
		writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Run '"+req.RunID+"' not found")
		return
	}
	run.Status = req.Status
	run.EndTime = req.EndTime
	render.JSON(w, r, map[string]interface{}{
		"run_info": map[string]interface{}{"run_id": run.RunID, "status": run.Status, "end_time": run.EndTime},
	})
}

func (s *TrackingServer) createRegisteredModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "missing model name")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered[req.Name] {
		writeError(w, r, http.StatusBadRequest, "RESOURCE_ALREADY_EXISTS",
			fmt.Sprintf("Registered Model (name=%s) already exists.", req.Name))
		return
	}
	s.registered[req.Name] = true
	now := time.Now().UnixMilli()
	render.JSON(w, r, map[string]interface{}{
		"registered_model": map[string]interface{}{"name": req.Name, "creation_timestamp": now},
	})
}

func (s *TrackingServer) createModelVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Source string `json:"source"`
		RunID  string `json:"run_id"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered[req.Name] {
		writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST",
			fmt.Sprintf("Registered Model with name=%s not found", req.Name))
		return
	}
	version := VersionRecord{Name: req.Name, Version: len(s.versions[req.Name]) + 1, Source: req.Source, RunID: req.RunID}
	s.versions[req.Name] = append(s.versions[req.Name], version)
	render.JSON(w, r, map[string]interface{}{
		"model_version": map[string]string{
			"name":    version.Name,
			"version": strconv.Itoa(version.Version),
			"source":  version.Source,
			"run_id":  version.RunID,
			"status":  "READY",
		},
	})
}

func (s *TrackingServer) putArtifact(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}
	s.mu.Lock()
	s.artifacts[path] = data
	s.mu.Unlock()
	render.JSON(w, r, map[string]interface{}{})
}

func (s *TrackingServer) getArtifact(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	s.mu.Lock()
	data, ok := s.artifacts[path]
	s.mu.Unlock()
	if !ok {
		writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "artifact "+path+" not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
