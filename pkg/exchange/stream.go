package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/microflow/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// MarketStream streams partial depth snapshots and aggregated trades for one
// symbol at a time. Subscribe switches symbols on a live connection.
type MarketStream struct {
	cfg    StreamConfig
	ws     *wsClient
	logger *logrus.Logger

	mu     sync.Mutex
	symbol string
	reqID  atomic.Int64

	books  chan models.OrderBook
	trades chan models.Trade
}

func NewMarketStream(cfg StreamConfig, logger *logrus.Logger) *MarketStream {
	m := &MarketStream{
		cfg:    cfg,
		logger: logger,
		books:  make(chan models.OrderBook, 16),
		trades: make(chan models.Trade, 1024),
	}
	url := strings.TrimRight(cfg.URL, "/") + "/ws"
	m.ws = newWSClient("market", cfg, func(context.Context) (string, error) { return url, nil }, m.handle, logger)
	m.ws.onConnect = m.resubscribe
	return m
}

func (m *MarketStream) Books() <-chan models.OrderBook { return m.books }
func (m *MarketStream) Trades() <-chan models.Trade    { return m.trades }

func (m *MarketStream) Connect(ctx context.Context) error { return m.ws.Connect(ctx) }
func (m *MarketStream) Run(ctx context.Context) error     { return m.ws.Run(ctx) }

func (m *MarketStream) streamNames(symbol string) []string {
	s := strings.ToLower(symbol)
	depth := fmt.Sprintf("%s@depth%d", s, m.cfg.DepthLevels)
	if m.cfg.DepthSpeed > 0 {
		depth += fmt.Sprintf("@%dms", m.cfg.DepthSpeed.Milliseconds())
	}
	return []string{depth, s + "@aggTrade"}
}

// Subscribe moves the stream to symbol. Before the connection is up it only
// records the symbol; the subscription is sent on connect.
func (m *MarketStream) Subscribe(ctx context.Context, symbol string) error {
	m.mu.Lock()
	prev := m.symbol
	m.symbol = symbol
	m.mu.Unlock()

	if prev == symbol || !m.ws.isConnected() {
		return nil
	}
	if prev != "" {
		if err := m.ws.WriteJSON(subscribeMessage{Method: "UNSUBSCRIBE", Params: m.streamNames(prev), ID: m.reqID.Add(1)}); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", prev, err)
		}
	}
	return m.resubscribe()
}

func (m *MarketStream) resubscribe() error {
	m.mu.Lock()
	symbol := m.symbol
	m.mu.Unlock()
	if symbol == "" {
		return nil
	}
	m.logger.WithField("symbol", symbol).Info("Subscribing to market data")
	return m.ws.WriteJSON(subscribeMessage{Method: "SUBSCRIBE", Params: m.streamNames(symbol), ID: m.reqID.Add(1)})
}

type eventEnvelope struct {
	Event string `json:"e"`
}

func (m *MarketStream) handle(msg []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	m.mu.Lock()
	symbol := m.symbol
	m.mu.Unlock()

	switch env.Event {
	case "depthUpdate":
		book, err := parseDepth(msg)
		if err != nil {
			return err
		}
		if book.Symbol != symbol {
			return nil
		}
		select {
		case m.books <- *book:
		default:
			m.logger.WithField("symbol", symbol).Debug("Book channel full, dropping snapshot")
		}
	case "aggTrade":
		tr, err := parseAggTrade(msg)
		if err != nil {
			return err
		}
		if tr.Symbol != symbol {
			return nil
		}
		select {
		case m.trades <- *tr:
		default:
			m.logger.WithField("symbol", symbol).Warn("Trade channel full, dropping trade")
		}
	}
	return nil
}

type depthEvent struct {
	Event     string               `json:"e"`
	EventTime int64                `json:"E"`
	TxTime    int64                `json:"T"`
	Symbol    string               `json:"s"`
	Bids      [][2]decimal.Decimal `json:"b"`
	Asks      [][2]decimal.Decimal `json:"a"`
}

func parseDepth(msg []byte) (*models.OrderBook, error) {
	var ev depthEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	levels := func(rows [][2]decimal.Decimal) []models.OrderBookLevel {
		out := make([]models.OrderBookLevel, 0, len(rows))
		for _, r := range rows {
			if r[1].IsZero() {
				continue
			}
			out = append(out, models.OrderBookLevel{Price: r[0].InexactFloat64(), Size: r[1].InexactFloat64()})
		}
		return out
	}
	ts := ev.TxTime
	if ts == 0 {
		ts = ev.EventTime
	}
	return &models.OrderBook{
		Symbol:    ev.Symbol,
		Bids:      levels(ev.Bids),
		Asks:      levels(ev.Asks),
		Timestamp: time.UnixMilli(ts),
	}, nil
}

type aggTradeEvent struct {
	Event        string          `json:"e"`
	EventTime    int64           `json:"E"`
	Symbol       string          `json:"s"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	TradeTime    int64           `json:"T"`
	BuyerIsMaker bool            `json:"m"`
}

func parseAggTrade(msg []byte) (*models.Trade, error) {
	var ev aggTradeEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, fmt.Errorf("decode aggTrade: %w", err)
	}
	// a resting buyer means the seller crossed the spread
	side := models.TradeSideBuy
	if ev.BuyerIsMaker {
		side = models.TradeSideSell
	}
	return &models.Trade{
		Symbol:    ev.Symbol,
		Price:     ev.Price.InexactFloat64(),
		Quantity:  ev.Quantity.InexactFloat64(),
		Side:      side,
		Timestamp: time.UnixMilli(ev.TradeTime),
	}, nil
}

// ListenKeySource issues and refreshes user-data stream keys.
type ListenKeySource interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepAliveUserStream(ctx context.Context) error
}

// UserStream delivers order and account updates. Updates are authoritative
// and never dropped: sends block until the consumer reads or ctx ends.
type UserStream struct {
	cfg        StreamConfig
	keys       ListenKeySource
	quoteAsset string
	ws         *wsClient
	logger     *logrus.Logger

	ctx      context.Context
	orders   chan models.OrderUpdate
	accounts chan models.AccountUpdate
}

func NewUserStream(cfg StreamConfig, keys ListenKeySource, quoteAsset string, logger *logrus.Logger) *UserStream {
	u := &UserStream{
		cfg:        cfg,
		keys:       keys,
		quoteAsset: quoteAsset,
		logger:     logger,
		ctx:        context.Background(),
		orders:     make(chan models.OrderUpdate, 64),
		accounts:   make(chan models.AccountUpdate, 16),
	}
	base := strings.TrimRight(cfg.URL, "/")
	u.ws = newWSClient("user", cfg, func(ctx context.Context) (string, error) {
		key, err := keys.StartUserStream(ctx)
		if err != nil {
			return "", err
		}
		return base + "/ws/" + key, nil
	}, u.handle, logger)
	return u
}

func (u *UserStream) Orders() <-chan models.OrderUpdate     { return u.orders }
func (u *UserStream) Accounts() <-chan models.AccountUpdate { return u.accounts }

func (u *UserStream) Connect(ctx context.Context) error { return u.ws.Connect(ctx) }

// Run reads events and refreshes the listen key every 30 minutes.
func (u *UserStream) Run(ctx context.Context) error {
	u.ctx = ctx
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := u.keys.KeepAliveUserStream(ctx); err != nil {
					u.logger.WithError(err).Warn("Listen key keepalive failed")
				}
			}
		}
	}()
	return u.ws.Run(ctx)
}

func (u *UserStream) handle(msg []byte) error {
	ev, err := parseUserEvent(msg, u.quoteAsset)
	if err != nil {
		return err
	}
	switch {
	case ev.expired:
		u.logger.Warn("Listen key expired, reconnecting")
		u.ws.handleDisconnect()
	case ev.order != nil:
		select {
		case u.orders <- *ev.order:
		case <-u.ctx.Done():
		}
	case ev.account != nil:
		select {
		case u.accounts <- *ev.account:
		case <-u.ctx.Done():
		}
	}
	return nil
}

type orderTradeUpdate struct {
	Symbol        string          `json:"s"`
	ClientOrderID string          `json:"c"`
	Side          string          `json:"S"`
	Type          string          `json:"o"`
	TimeInForce   string          `json:"f"`
	Quantity      decimal.Decimal `json:"q"`
	Price         decimal.Decimal `json:"p"`
	AvgPrice      decimal.Decimal `json:"ap"`
	Activation    json.RawMessage `json:"AP"`
	StopPrice     decimal.Decimal `json:"sp"`
	ExecType      string          `json:"x"`
	Status        string          `json:"X"`
	OrderID       int64           `json:"i"`
	CumFilled     decimal.Decimal `json:"z"`
	TradeTime     int64           `json:"T"`
	TradeID       int64           `json:"t"`
	ReduceOnly    bool            `json:"R"`
}

type accountUpdateData struct {
	Balances []struct {
		Asset         string          `json:"a"`
		WalletBalance decimal.Decimal `json:"wb"`
	} `json:"B"`
	Positions []struct {
		Symbol        string          `json:"s"`
		Amount        decimal.Decimal `json:"pa"`
		EntryPrice    decimal.Decimal `json:"ep"`
		UnrealizedPnL decimal.Decimal `json:"up"`
	} `json:"P"`
}

type userEvent struct {
	Event     string             `json:"e"`
	EventTime int64              `json:"E"`
	TxTime    int64              `json:"T"`
	Order     *orderTradeUpdate  `json:"o"`
	Account   *accountUpdateData `json:"a"`
}

type parsedUserEvent struct {
	order   *models.OrderUpdate
	account *models.AccountUpdate
	expired bool
}

func parseUserEvent(msg []byte, quoteAsset string) (parsedUserEvent, error) {
	var ev userEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return parsedUserEvent{}, fmt.Errorf("decode user event: %w", err)
	}
	at := time.UnixMilli(ev.EventTime)

	switch ev.Event {
	case "ORDER_TRADE_UPDATE":
		if ev.Order == nil {
			return parsedUserEvent{}, fmt.Errorf("order update without order body")
		}
		o := ev.Order
		return parsedUserEvent{order: &models.OrderUpdate{
			Symbol:        o.Symbol,
			OrderID:       fmt.Sprintf("%d", o.OrderID),
			ClientOrderID: o.ClientOrderID,
			Side:          models.OrderSide(o.Side),
			Type:          models.OrderType(o.Type),
			Status:        models.OrderStatus(o.Status),
			Price:         o.Price.InexactFloat64(),
			StopPrice:     o.StopPrice.InexactFloat64(),
			Size:          o.Quantity.InexactFloat64(),
			FilledSize:    o.CumFilled.InexactFloat64(),
			AvgFillPrice:  o.AvgPrice.InexactFloat64(),
			ReduceOnly:    o.ReduceOnly,
			EventTime:     at,
		}}, nil
	case "ACCOUNT_UPDATE":
		if ev.Account == nil {
			return parsedUserEvent{}, fmt.Errorf("account update without account body")
		}
		upd := &models.AccountUpdate{EventTime: at}
		for _, b := range ev.Account.Balances {
			if b.Asset == quoteAsset {
				upd.Balance = b.WalletBalance.InexactFloat64()
				upd.HasBalance = true
			}
		}
		for _, p := range ev.Account.Positions {
			upd.Positions = append(upd.Positions, models.ExchangePosition{
				Symbol:        p.Symbol,
				Amount:        p.Amount.InexactFloat64(),
				EntryPrice:    p.EntryPrice.InexactFloat64(),
				UnrealizedPnL: p.UnrealizedPnL.InexactFloat64(),
			})
		}
		return parsedUserEvent{account: upd}, nil
	case "listenKeyExpired":
		return parsedUserEvent{expired: true}, nil
	}
	return parsedUserEvent{}, nil
}
