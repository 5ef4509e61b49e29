package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/microflow/pkg/retry"
	"github.com/sirupsen/logrus"
)

type StreamConfig struct {
	URL           string        `mapstructure:"url"`
	DepthLevels   int           `mapstructure:"depth_levels"`
	DepthSpeed    time.Duration `mapstructure:"depth_speed"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:           "wss://fstream.binance.com",
		DepthLevels:   20,
		DepthSpeed:    100 * time.Millisecond,
		PingInterval:  30 * time.Second,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
	}
}

// MessageHandler receives each raw text frame.
type MessageHandler func(message []byte) error

// wsClient owns one websocket connection and keeps it alive: it re-dials
// under exponential backoff whenever the read loop fails.
type wsClient struct {
	name      string
	dialURL   func(ctx context.Context) (string, error)
	onConnect func() error
	handler   MessageHandler
	cfg       StreamConfig
	logger    *logrus.Logger
	backoff   *retry.Budget

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func newWSClient(name string, cfg StreamConfig, dialURL func(context.Context) (string, error), handler MessageHandler, logger *logrus.Logger) *wsClient {
	return &wsClient{
		name:    name,
		dialURL: dialURL,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		backoff: retry.NewBudget(retry.Config{
			Base:       cfg.ReconnectBase,
			Multiplier: 2,
			Ceiling:    cfg.ReconnectMax,
		}),
	}
}

func (ws *wsClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.connected {
		ws.mu.Unlock()
		return nil
	}
	ws.mu.Unlock()

	url, err := ws.dialURL(ctx)
	if err != nil {
		return fmt.Errorf("%s: resolve url: %w", ws.name, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s websocket: %w", ws.name, err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.connected = true
	ws.mu.Unlock()

	if ws.onConnect != nil {
		if err := ws.onConnect(); err != nil {
			ws.handleDisconnect()
			return fmt.Errorf("%s: on connect: %w", ws.name, err)
		}
	}
	ws.logger.WithField("stream", ws.name).Info("Websocket connected")
	return nil
}

// Run reads until ctx is cancelled, reconnecting after every failure.
func (ws *wsClient) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			ws.handleDisconnect()
			return err
		}
		if !ws.isConnected() {
			if err := ws.Connect(ctx); err != nil {
				delay := ws.backoff.RecordFailure(ws.name)
				ws.logger.WithError(err).WithFields(logrus.Fields{
					"stream": ws.name,
					"delay":  delay.String(),
				}).Warn("Websocket reconnect failed")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
				continue
			}
			ws.backoff.RecordSuccess(ws.name)
		}
		ws.readLoop(ctx)
	}
}

func (ws *wsClient) readLoop(ctx context.Context) {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return
	}

	pingCtx, stop := context.WithCancel(ctx)
	defer stop()
	go ws.keepAlive(pingCtx)

	// unblock ReadMessage on shutdown
	go func() {
		<-pingCtx.Done()
		if ctx.Err() != nil {
			ws.handleDisconnect()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				ws.logger.WithError(err).WithField("stream", ws.name).Error("Failed to read websocket message")
			}
			ws.handleDisconnect()
			return
		}
		if err := ws.handler(msg); err != nil {
			ws.logger.WithError(err).WithField("stream", ws.name).Warn("Handler error")
		}
	}
}

func (ws *wsClient) keepAlive(ctx context.Context) {
	interval := ws.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			var err error
			if ws.connected {
				err = ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			ws.mu.Unlock()
			if err != nil {
				ws.logger.WithError(err).WithField("stream", ws.name).Error("Failed to send ping")
				ws.handleDisconnect()
				return
			}
		}
	}
}

func (ws *wsClient) WriteJSON(v interface{}) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.connected {
		return ErrNotConnected
	}
	return ws.conn.WriteJSON(v)
}

func (ws *wsClient) isConnected() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.connected
}

func (ws *wsClient) handleDisconnect() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.connected = false
	if ws.conn != nil {
		ws.conn.Close()
		ws.conn = nil
	}
}
