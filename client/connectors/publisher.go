/*
 * @module client/connectors/publisher
 * @description Run event publishers: the common interface, the event payload and construction from params.yaml
 * @architecture Adapter pattern - one connector per messaging system behind Publisher
 * @stateFlow notification_config sections -> connectors -> Publish(run event) -> Close
 * @rules
 *   - a connector is built only for sections present under notification_config
 *   - building a connector never dials; the first Publish does
 *   - every delivery failure is a connectivity error
 * @dependencies regression-trainer/service/config, encoding/json
 * @refs kafka_connector.go, mqtt_connector.go, redis_connector.go, dapr_connector.go
 */

package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"regression-trainer/service/config"
)

// Publisher delivers run events to one messaging system
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event *RunEvent) error
	Close() error
}

// RunEvent is published once a training run has been closed
type RunEvent struct {
	InvocationID   string    `json:"invocation_id"`
	RunID          string    `json:"run_id"`
	ExperimentID   string    `json:"experiment_id"`
	ExperimentName string    `json:"experiment_name"`
	RunName        string    `json:"run_name"`
	Status         string    `json:"status"`
	RMSE           float64   `json:"rmse"`
	ArtifactURI    string    `json:"artifact_uri"`
	ModelName      string    `json:"model_name,omitempty"`
	ModelVersion   string    `json:"model_version,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Marshal encodes the event as JSON.
func (e *RunEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode run event: %w", err)
	}
	return data, nil
}

const sectionPrefix = "notification_config."

// NewPublishers builds a publisher for each section configured under notification_config.
func NewPublishers(params *config.Params) ([]Publisher, error) {
	builders := []struct {
		section string
		build   func(*config.Params, string) (Publisher, error)
	}{
		{section: "kafka", build: kafkaFromParams},
		{section: "mqtt", build: mqttFromParams},
		{section: "redis", build: redisFromParams},
		{section: "dapr", build: daprFromParams},
	}

	var publishers []Publisher
	for _, b := range builders {
		prefix := sectionPrefix + b.section
		if !params.Has(prefix) {
			continue
		}
		p, err := b.build(params, prefix+".")
		if err != nil {
			for _, built := range publishers {
				built.Close()
			}
			return nil, err
		}
		publishers = append(publishers, p)
	}
	return publishers, nil
}
