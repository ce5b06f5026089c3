/*
 * @module DaprConnector
 * @description Dapr connector: publishes run events through a Dapr pub/sub component
 * @architecture Adapter pattern - wraps the Dapr SDK client behind Publisher
 * @stateFlow dial sidecar on first publish -> PublishEvent -> close
 * @rules Without an explicit address the SDK resolves the sidecar from DAPR_GRPC_PORT
 * @dependencies github.com/dapr/go-sdk/client
 * @refs publisher.go
 */
package connectors

import (
	"context"
	"log/slog"
	"sync"

	dapr "github.com/dapr/go-sdk/client"

	"regression-trainer/service/config"
	"regression-trainer/service/trainerr"
)

// DaprConfig configures the Dapr connector
type DaprConfig struct {
	Address    string `json:"address"`
	PubsubName string `json:"pubsub_name"`
	Topic      string `json:"topic"`
}

type daprPublisher interface {
	PublishEvent(ctx context.Context, pubsubName, topicName string, data interface{}, opts ...dapr.PublishEventOption) error
	Close()
}

// DaprConnector publishes run events to a Dapr pub/sub component
type DaprConnector struct {
	config *DaprConfig
	dial   func(address string) (daprPublisher, error)
	client daprPublisher
	mutex  sync.Mutex
	logger *slog.Logger
}

// NewDaprConnector creates a connector; the sidecar is dialled on the first Publish.
func NewDaprConnector(cfg *DaprConfig) *DaprConnector {
	return &DaprConnector{
		config: cfg,
		dial:   dialDapr,
		logger: slog.With("component", "dapr_connector", "pubsub", cfg.PubsubName, "topic", cfg.Topic),
	}
}

func dialDapr(address string) (daprPublisher, error) {
	if address == "" {
		return dapr.NewClient()
	}
	return dapr.NewClientWithAddress(address)
}

func daprFromParams(params *config.Params, prefix string) (Publisher, error) {
	address, err := params.GetStringOr(prefix+"address", "")
	if err != nil {
		return nil, err
	}
	pubsub, err := params.GetString(prefix + "pubsub_name")
	if err != nil {
		return nil, err
	}
	topic, err := params.GetString(prefix + "topic")
	if err != nil {
		return nil, err
	}
	return NewDaprConnector(&DaprConfig{Address: address, PubsubName: pubsub, Topic: topic}), nil
}

func (dc *DaprConnector) Name() string {
	return "dapr"
}

func (dc *DaprConnector) Publish(ctx context.Context, event *RunEvent) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}

	dc.mutex.Lock()
	defer dc.mutex.Unlock()
	if dc.client == nil {
		client, err := dc.dial(dc.config.Address)
		if err != nil {
			return trainerr.Connectivity("dapr connect", err)
		}
		dc.client = client
	}

	err = dc.client.PublishEvent(ctx, dc.config.PubsubName, dc.config.Topic, payload,
		dapr.PublishEventWithContentType("application/json"))
	if err != nil {
		return trainerr.Connectivity("dapr publish to "+dc.config.Topic, err)
	}
	dc.logger.Info("published run event", "run_id", event.RunID)
	return nil
}

func (dc *DaprConnector) Close() error {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()
	if dc.client != nil {
		dc.client.Close()
		dc.client = nil
	}
	return nil
}
