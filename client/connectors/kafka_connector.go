/*
 * @module KafkaConnector
 * @description Kafka connector: publishes run events to a topic through a kafka-go writer
 * @architecture Adapter pattern - wraps the third-party Kafka client behind Publisher
 * @stateFlow writer created -> messages written -> writer closed
 * @rules Messages are keyed by run id and carry a JSON content-type header
 * @dependencies github.com/segmentio/kafka-go, encoding/json
 * @refs publisher.go
 */
package connectors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"regression-trainer/service/config"
	"regression-trainer/service/trainerr"
)

// KafkaConfig configures the Kafka connector
type KafkaConfig struct {
	Brokers      []string      `json:"brokers"`
	Topic        string        `json:"topic"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConnector publishes run events to Kafka
type KafkaConnector struct {
	config *KafkaConfig
	writer messageWriter
	mutex  sync.Mutex
	logger *slog.Logger
	closed bool
}

// NewKafkaConnector creates a connector; no connection is opened until the first Publish.
func NewKafkaConnector(cfg *KafkaConfig) *KafkaConnector {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.WriteTimeout,
	}
	return &KafkaConnector{
		config: cfg,
		writer: writer,
		logger: slog.With("component", "kafka_connector", "topic", cfg.Topic),
	}
}

func kafkaFromParams(params *config.Params, prefix string) (Publisher, error) {
	brokers, err := params.GetStringSlice(prefix + "brokers")
	if err != nil {
		return nil, err
	}
	var cleaned []string
	for _, b := range brokers {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cleaned = append(cleaned, part)
			}
		}
	}
	if len(cleaned) == 0 {
		return nil, trainerr.Newf(trainerr.KindParse, "kafka connector", "%sbrokers lists no broker", prefix)
	}
	topic, err := params.GetString(prefix + "topic")
	if err != nil {
		return nil, err
	}
	return NewKafkaConnector(&KafkaConfig{Brokers: cleaned, Topic: topic}), nil
}

func (kc *KafkaConnector) Name() string {
	return "kafka"
}

// Publish writes one message holding the JSON encoded event.
func (kc *KafkaConnector) Publish(ctx context.Context, event *RunEvent) error {
	value, err := event.Marshal()
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.RunID),
		Value: value,
		Time:  event.FinishedAt,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "invocation-id", Value: []byte(event.InvocationID)},
		},
	}

	kc.mutex.Lock()
	defer kc.mutex.Unlock()
	if kc.closed {
		return trainerr.Newf(trainerr.KindConnectivity, "kafka publish", "connector is closed")
	}
	if err := kc.writer.WriteMessages(ctx, msg); err != nil {
		return trainerr.Connectivity("kafka publish to "+kc.config.Topic, err)
	}
	kc.logger.Info("published run event", "run_id", event.RunID)
	return nil
}

func (kc *KafkaConnector) Close() error {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()
	if kc.closed {
		return nil
	}
	kc.closed = true
	return kc.writer.Close()
}
