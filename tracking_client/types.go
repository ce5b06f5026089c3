/*
 * @module tracking_client/types
 * @description Tracking entities and the Store contract shared by the REST and SQL backends
 * @architecture Domain model layer - plain structs with MLflow REST JSON names
 * @rules
 *   - GetExperimentByName returns nil, nil when the experiment does not exist
 *   - timestamps are Unix milliseconds
 * @dependencies context, time
 * @refs rest_store.go, sql_store.go, client.go
 */

package tracking_client

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// Experiment groups runs under a name
type Experiment struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location"`
	LifecycleStage   string `json:"lifecycle_stage"`
}

// RunInfo describes a run record on the tracking server
type RunInfo struct {
	RunID          string    `json:"run_id"`
	RunName        string    `json:"run_name"`
	ExperimentID   string    `json:"experiment_id"`
	Status         RunStatus `json:"status"`
	StartTime      int64     `json:"start_time"`
	EndTime        int64     `json:"end_time,omitempty"`
	ArtifactURI    string    `json:"artifact_uri"`
	LifecycleStage string    `json:"lifecycle_stage"`
}

// RunTag is a key/value tag attached to a run
type RunTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ModelVersion is one registered version of a model
type ModelVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source"`
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
}

// Store is the backend holding experiments, runs and the model registry
type Store interface {
	// GetExperimentByName returns nil, nil when no experiment has that name.
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)
	CreateExperiment(ctx context.Context, name string) (string, error)
	CreateRun(ctx context.Context, experimentID, runName string, startTime int64, tags []RunTag) (*RunInfo, error)
	LogParam(ctx context.Context, runID, key, value string) error
	SetTag(ctx context.Context, runID, key, value string) error
	UpdateRun(ctx context.Context, runID string, status RunStatus, endTime int64) error
	// CreateRegisteredModel succeeds when the model already exists.
	CreateRegisteredModel(ctx context.Context, name string) error
	CreateModelVersion(ctx context.Context, name, source, runID string) (*ModelVersion, error)
	Close() error
}

// LoggableModel renders the files of a model directory
type LoggableModel interface {
	ModelFiles(runID, artifactPath string, created time.Time) (map[string][]byte, error)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
