/*
 * @module RedisConnector
 * @description Redis connector: publishes run events on a pub/sub channel
 * @architecture Adapter pattern - wraps the go-redis client behind Publisher
 * @stateFlow client created -> PUBLISH -> client closed
 * @rules A publish reaching no subscriber still counts as delivered
 * @dependencies github.com/go-redis/redis/v8, encoding/json
 * @refs publisher.go
 */
package connectors

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"regression-trainer/service/config"
	"regression-trainer/service/trainerr"
)

// RedisConfig configures the Redis connector
type RedisConfig struct {
	Address     string        `json:"address"`
	Password    string        `json:"password"`
	Database    int           `json:"database"`
	Channel     string        `json:"channel"`
	DialTimeout time.Duration `json:"dial_timeout"`
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisConnector publishes run events to a Redis channel
type RedisConnector struct {
	config *RedisConfig
	client redisPublisher
	logger *slog.Logger
}

// NewRedisConnector creates a connector; connections are opened lazily by the client pool.
func NewRedisConnector(cfg *RedisConfig) *RedisConnector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &RedisConnector{
		config: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Address,
			Password:    cfg.Password,
			DB:          cfg.Database,
			DialTimeout: cfg.DialTimeout,
			MaxRetries:  1,
		}),
		logger: slog.With("component", "redis_connector", "channel", cfg.Channel),
	}
}

func redisFromParams(params *config.Params, prefix string) (Publisher, error) {
	addr, err := params.GetString(prefix + "addr")
	if err != nil {
		return nil, err
	}
	channel, err := params.GetString(prefix + "channel")
	if err != nil {
		return nil, err
	}
	password, err := params.GetStringOr(prefix+"password", "")
	if err != nil {
		return nil, err
	}
	db, err := params.GetIntOr(prefix+"db", 0)
	if err != nil {
		return nil, err
	}
	return NewRedisConnector(&RedisConfig{Address: addr, Password: password, Database: db, Channel: channel}), nil
}

func (rc *RedisConnector) Name() string {
	return "redis"
}

func (rc *RedisConnector) Publish(ctx context.Context, event *RunEvent) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	receivers, err := rc.client.Publish(ctx, rc.config.Channel, payload).Result()
	if err != nil {
		return trainerr.Connectivity("redis publish to "+rc.config.Channel, err)
	}
	rc.logger.Info("published run event", "run_id", event.RunID, "receivers", receivers)
	return nil
}

func (rc *RedisConnector) Close() error {
	return rc.client.Close()
}
