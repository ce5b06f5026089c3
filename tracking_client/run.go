/*
 * @module tracking_client/run
 * @description Handle on an open run: params, tags, model artifacts and finalisation
 * @architecture Run scope - opened by Client.StartRun, closed exactly once by End
 * @rules
 *   - End is idempotent; only the first status reaches the store
 *   - model files are uploaded below <artifact_uri>/<artifact_path>
 * @dependencies log/slog (via Client)
 * @refs client.go, artifacts.go
 */

package tracking_client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Run is an open run on the tracking backend
type Run struct {
	client *Client
	info   RunInfo

	mu    sync.Mutex
	ended bool
}

func (r *Run) ID() string {
	return r.info.RunID
}

func (r *Run) ExperimentID() string {
	return r.info.ExperimentID
}

// Info returns a copy of the run record as last seen by the client.
func (r *Run) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

func (r *Run) ArtifactURI() string {
	return r.info.ArtifactURI
}

func (r *Run) LogParam(ctx context.Context, key, value string) error {
	return r.client.store.LogParam(ctx, r.info.RunID, key, value)
}

func (r *Run) SetTag(ctx context.Context, key, value string) error {
	return r.client.store.SetTag(ctx, r.info.RunID, key, value)
}

// End records the terminal status of the run. Later calls are no-ops.
func (r *Run) End(ctx context.Context, status RunStatus) error {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return nil
	}
	r.ended = true
	r.mu.Unlock()

	end := nowMillis()
	if err := r.client.store.UpdateRun(ctx, r.info.RunID, status, end); err != nil {
		return err
	}

	r.mu.Lock()
	r.info.Status = status
	r.info.EndTime = end
	r.mu.Unlock()
	r.client.logger.Info("ended run", "run_id", r.info.RunID, "status", status)
	return nil
}

// Ended reports whether End has been called.
func (r *Run) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// LogModel uploads the model under artifactPath and, when registeredName is set,
// registers a new version of it. The returned version is nil without registration.
func (r *Run) LogModel(ctx context.Context, m LoggableModel, artifactPath, registeredName string) (*ModelVersion, error) {
	files, err := m.ModelFiles(r.info.RunID, artifactPath, time.Now())
	if err != nil {
		return nil, err
	}
	repo, err := r.client.ArtifactRepository(r.info.ArtifactURI)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := repo.LogArtifact(ctx, artifactPath+"/"+name, files[name]); err != nil {
			return nil, err
		}
	}
	r.client.logger.Info("logged model", "run_id", r.info.RunID, "artifact_path", artifactPath, "files", names)

	if registeredName == "" {
		return nil, nil
	}
	if err := r.client.store.CreateRegisteredModel(ctx, registeredName); err != nil {
		return nil, err
	}
	version, err := r.client.store.CreateModelVersion(ctx, registeredName, r.info.ArtifactURI+"/"+artifactPath, r.info.RunID)
	if err != nil {
		return nil, err
	}
	r.client.logger.Info("registered model version", "model", registeredName, "version", version.Version)
	return version, nil
}

// LoadModel reads dataFile from the model directory at modelURI.
func (r *Run) LoadModel(ctx context.Context, modelURI, dataFile string) ([]byte, error) {
	repo, err := r.client.ArtifactRepository(modelURI)
	if err != nil {
		return nil, err
	}
	data, err := repo.ReadArtifact(ctx, dataFile)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelURI, err)
	}
	return data, nil
}
