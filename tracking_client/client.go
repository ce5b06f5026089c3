/*
 * @module tracking_client/client
 * @description Experiment tracking client: store selection, experiment activation and run creation
 * @architecture Client facade over a Store and the artifact repositories
 * @stateFlow NewClient -> SetExperiment -> StartRun -> Run.End
 * @rules
 *   - http/https tracking URIs use the REST store
 *   - sqlite and postgres(ql) tracking URIs use the SQL store
 *   - an experiment that does not exist yet is created
 * @dependencies log/slog, regression-trainer/service/trainerr
 * @refs rest_store.go, sql_store.go, run.go
 */

package tracking_client

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"regression-trainer/service/trainerr"
)

// Config selects the tracking backend and the experiment runs are grouped under
type Config struct {
	TrackingURI    string
	ExperimentName string
	// ArtifactRoot is used by the SQL store for new experiments
	ArtifactRoot string
	HTTPClient   *http.Client
}

// Client opens runs against one tracking backend
type Client struct {
	cfg        Config
	store      Store
	rest       *RestStore
	experiment *Experiment
	logger     *slog.Logger
}

// NewClient connects to the backend named by cfg.TrackingURI. No experiment or run is touched.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	scheme, _, _ := strings.Cut(cfg.TrackingURI, "://")
	switch {
	case scheme == "http" || scheme == "https":
		return NewClientWithStore(cfg, NewRestStore(cfg.TrackingURI, cfg.HTTPClient)), nil
	case scheme == "sqlite" || scheme == "postgres" || scheme == "postgresql" || strings.HasPrefix(scheme, "postgresql+"):
		store, err := NewSQLStore(cfg.TrackingURI, cfg.ArtifactRoot)
		if err != nil {
			return nil, err
		}
		sqlDB, err := store.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			store.Close()
			return nil, trainerr.Connectivity("connect tracking database", err)
		}
		return NewClientWithStore(cfg, store), nil
	default:
		return nil, trainerr.Newf(trainerr.KindConnectivity, "tracking client",
			"unsupported tracking URI %q", cfg.TrackingURI)
	}
}

// NewClientWithStore builds a client over an existing store.
func NewClientWithStore(cfg Config, store Store) *Client {
	c := &Client{
		cfg:    cfg,
		store:  store,
		logger: slog.With("component", "tracking_client"),
	}
	if rest, ok := store.(*RestStore); ok {
		c.rest = rest
	}
	return c
}

func (c *Client) TrackingURI() string {
	return c.cfg.TrackingURI
}

func (c *Client) Store() Store {
	return c.store
}

// Experiment returns the active experiment, nil before SetExperiment.
func (c *Client) Experiment() *Experiment {
	return c.experiment
}

// SetExperiment activates the configured experiment, creating it when missing.
func (c *Client) SetExperiment(ctx context.Context) (*Experiment, error) {
	name := c.cfg.ExperimentName
	exp, err := c.store.GetExperimentByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		id, err := c.store.CreateExperiment(ctx, name)
		if err != nil {
			return nil, err
		}
		c.logger.Info("created experiment", "experiment", name, "experiment_id", id)
		if exp, err = c.store.GetExperimentByName(ctx, name); err != nil {
			return nil, err
		}
		if exp == nil {
			exp = &Experiment{ExperimentID: id, Name: name, LifecycleStage: "active"}
		}
	}
	if exp.LifecycleStage == "deleted" {
		return nil, trainerr.Newf(trainerr.KindConnectivity, "set experiment",
			"cannot set a deleted experiment %q as the active experiment", name)
	}
	c.experiment = exp
	return exp, nil
}

// StartRun opens a run in the active experiment. tags override the default source tags.
func (c *Client) StartRun(ctx context.Context, runName string, tags map[string]string) (*Run, error) {
	if c.experiment == nil {
		if _, err := c.SetExperiment(ctx); err != nil {
			return nil, err
		}
	}

	all := defaultRunTags()
	for k, v := range tags {
		all[k] = v
	}
	if runName != "" {
		all["mlflow.runName"] = runName
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	runTags := make([]RunTag, 0, len(keys))
	for _, k := range keys {
		runTags = append(runTags, RunTag{Key: k, Value: all[k]})
	}

	info, err := c.store.CreateRun(ctx, c.experiment.ExperimentID, runName, nowMillis(), runTags)
	if err != nil {
		return nil, err
	}
	c.logger.Info("started run", "run_id", info.RunID, "run_name", runName,
		"experiment_id", info.ExperimentID, "artifact_uri", info.ArtifactURI)
	return &Run{client: c, info: *info}, nil
}

// ArtifactRepository resolves the repository for an artifact URI.
func (c *Client) ArtifactRepository(uri string) (ArtifactRepository, error) {
	return NewArtifactRepository(uri, c.rest)
}

func (c *Client) Close() error {
	return c.store.Close()
}

func defaultRunTags() map[string]string {
	tags := map[string]string{
		"mlflow.source.type": "LOCAL",
		"mlflow.source.name": filepath.Base(os.Args[0]),
	}
	if user := os.Getenv("USER"); user != "" {
		tags["mlflow.user"] = user
	}
	return tags
}
