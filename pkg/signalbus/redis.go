// Package signalbus publishes controller signals and state transitions to
// Redis pub/sub for out-of-process consumers.
package signalbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "microflow"

type Config struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	MaxRetries int    `mapstructure:"max_retries"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	Kind        string          `json:"kind"`
	Symbol      string          `json:"symbol"`
	PublishedAt time.Time       `json:"published_at"`
	Data        json.RawMessage `json:"data"`
}

type RedisPublisher struct {
	rdb *redis.Client
	now func() time.Time
}

// New connects and pings Redis.
func New(ctx context.Context, cfg Config) (*RedisPublisher, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("signalbus: ping: %w", err)
	}
	return &RedisPublisher{rdb: rdb, now: time.Now}, nil
}

// Channel is the pub/sub channel for one symbol and message kind.
func Channel(symbol, kind string) string {
	return channelPrefix + ":" + symbol + ":" + kind
}

func encode(symbol, kind string, payload interface{}, at time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signalbus: marshal %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Symbol: symbol, PublishedAt: at, Data: data})
}

func (p *RedisPublisher) Publish(ctx context.Context, symbol, kind string, payload interface{}) error {
	body, err := encode(symbol, kind, payload, p.now())
	if err != nil {
		return err
	}
	ch := Channel(symbol, kind)
	if err := p.rdb.Publish(ctx, ch, body).Err(); err != nil {
		return fmt.Errorf("signalbus: publish %s: %w", ch, err)
	}
	return nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
