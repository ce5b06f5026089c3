/*
 * @module MQTTConnector
 * @description MQTT connector: publishes run events to a topic with a configurable QoS
 * @architecture Adapter pattern - wraps the paho client behind Publisher
 * @stateFlow client options -> connect on first publish -> publish -> disconnect
 * @rules QoS must be 0, 1 or 2; messages are not retained
 * @dependencies github.com/eclipse/paho.mqtt.golang, encoding/json
 * @refs publisher.go
 */
package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"regression-trainer/service/config"
	"regression-trainer/service/trainerr"
)

// MQTTConfig configures the MQTT connector
type MQTTConfig struct {
	Broker         string        `json:"broker"`
	Topic          string        `json:"topic"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	QoS            byte          `json:"qos"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// mqttClient is the part of mqtt.Client the connector uses
type mqttClient interface {
	IsConnected() bool
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTConnector publishes run events to an MQTT broker
type MQTTConnector struct {
	config *MQTTConfig
	client mqttClient
	logger *slog.Logger
	mutex  sync.Mutex
}

// NewMQTTConnector configures a client; the broker is contacted on the first Publish.
func NewMQTTConnector(cfg *MQTTConfig) *MQTTConnector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	connector := &MQTTConnector{
		config: cfg,
		logger: slog.With("component", "mqtt_connector", "topic", cfg.Topic),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		connector.logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	connector.client = mqtt.NewClient(opts)
	return connector
}

func mqttFromParams(params *config.Params, prefix string) (Publisher, error) {
	broker, err := params.GetString(prefix + "broker")
	if err != nil {
		return nil, err
	}
	topic, err := params.GetString(prefix + "topic")
	if err != nil {
		return nil, err
	}
	clientID, err := params.GetStringOr(prefix+"client_id", "regression-trainer")
	if err != nil {
		return nil, err
	}
	qos, err := params.GetIntOr(prefix+"qos", 1)
	if err != nil {
		return nil, err
	}
	if qos < 0 || qos > 2 {
		return nil, trainerr.Newf(trainerr.KindParse, "mqtt connector", "%sqos must be 0, 1 or 2, got %d", prefix, qos)
	}
	username, err := params.GetStringOr(prefix+"username", "")
	if err != nil {
		return nil, err
	}
	password, err := params.GetStringOr(prefix+"password", "")
	if err != nil {
		return nil, err
	}
	return NewMQTTConnector(&MQTTConfig{
		Broker:   broker,
		Topic:    topic,
		ClientID: clientID,
		Username: username,
		Password: password,
		QoS:      byte(qos),
	}), nil
}

func (mc *MQTTConnector) Name() string {
	return "mqtt"
}

// Publish connects if needed and publishes the JSON encoded event.
func (mc *MQTTConnector) Publish(ctx context.Context, event *RunEvent) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}

	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if !mc.client.IsConnected() {
		if err := waitToken(ctx, mc.client.Connect(), mc.config.ConnectTimeout); err != nil {
			return trainerr.Connectivity("mqtt connect to "+mc.config.Broker, err)
		}
		mc.logger.Info("connected to mqtt broker", "broker", mc.config.Broker)
	}

	token := mc.client.Publish(mc.config.Topic, mc.config.QoS, false, payload)
	if err := waitToken(ctx, token, mc.config.ConnectTimeout); err != nil {
		return trainerr.Connectivity("mqtt publish to "+mc.config.Topic, err)
	}
	mc.logger.Info("published run event", "run_id", event.RunID, "qos", mc.config.QoS)
	return nil
}

func (mc *MQTTConnector) Close() error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if mc.client.IsConnected() {
		mc.client.Disconnect(250)
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
