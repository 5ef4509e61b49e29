// Package trader runs the order lifecycle for one traded market: it turns
// analytics signals into resting orders, protects fills with take-profit and
// stop-loss orders, and keeps its view of orders and positions converged on
// what the exchange reports.
package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gregtusar/microflow/pkg/dynamics"
	"github.com/gregtusar/microflow/pkg/exchange"
	"github.com/gregtusar/microflow/pkg/imbalance"
	"github.com/gregtusar/microflow/pkg/models"
	"github.com/gregtusar/microflow/pkg/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrNoMarket   = errors.New("trader: no market meets the selection criteria")
	ErrNotStarted = errors.New("trader: controller not started")
)

type State int

const (
	StateSearchingMarket State = iota
	StateEntryHunting
	StateOrderPlaced
	StatePositionActive
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateSearchingMarket:
		return "SEARCHING_MARKET"
	case StateEntryHunting:
		return "ENTRY_HUNTING"
	case StateOrderPlaced:
		return "ORDER_PLACED"
	case StatePositionActive:
		return "POSITION_ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// MarketFeed is the market-data subscription the controller steers when it
// changes markets.
type MarketFeed interface {
	Subscribe(ctx context.Context, symbol string) error
}

// Publisher receives signals and state transitions for out-of-process
// consumers. Publish errors are logged and otherwise ignored.
type Publisher interface {
	Publish(ctx context.Context, symbol, kind string, payload interface{}) error
}

type Option func(*Controller)

func WithFeed(f MarketFeed) Option { return func(c *Controller) { c.feed = f } }

func WithPublisher(p Publisher) Option { return func(c *Controller) { c.pub = p } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// Streams are the event sources Run multiplexes.
type Streams struct {
	Books    <-chan models.OrderBook
	Trades   <-chan models.Trade
	Orders   <-chan models.OrderUpdate
	Accounts <-chan models.AccountUpdate
}

type outMsg struct {
	symbol  string
	kind    string
	payload interface{}
}

type StateChange struct {
	Symbol string    `json:"symbol"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Controller is the trading state machine. Every exported handler may be
// called from any goroutine; state is guarded by mu and gateway calls are
// made with mu released.
type Controller struct {
	cfg    Config
	gw     exchange.Gateway
	feed   MarketFeed
	pub    Publisher
	logger *logrus.Logger
	now    func() time.Time

	retry     *retry.Budget
	gate      *rate.Limiter
	dynamics  *dynamics.Engine
	imbalance *imbalance.Engine

	mu       sync.Mutex
	started  bool
	state    State
	symbol   string
	market   *models.MarketParameters
	balance  float64
	book     *models.OrderBook
	trades   []models.Trade
	position *models.Position
	resting  *models.RestingOrder
	// retired holds recently cancelled entry quotes whose late fill reports
	// must still open a position.
	retired     []models.Quote
	exitOrderID string
	lastSetup   time.Time
	lastErr     string

	pendingSignal   *models.TradingSignal
	pendingSignalAt time.Time
	pendingFlow     *models.FlowSignal
	pendingFlowAt   time.Time
	lastSignal      *models.TradingSignal
	lastFlow        *models.FlowSignal

	// seq advances on every user-data event and every local order change;
	// a poll that started at an older seq is stale.
	seq      uint64
	inflight map[string]bool
	lastRun  map[string]time.Time
	outbox   []outMsg
}

func New(cfg Config, gw exchange.Gateway, logger *logrus.Logger, opts ...Option) *Controller {
	if cfg.Mode == ModeMarketMaking {
		cfg.Imbalance.Mode = imbalance.ModeMarketMaking
	} else {
		cfg.Mode = ModeDirectional
		cfg.Imbalance.Mode = imbalance.ModeDirectional
	}
	c := &Controller{
		cfg:       cfg,
		gw:        gw,
		logger:    logger,
		now:       time.Now,
		dynamics:  dynamics.NewEngine(cfg.Symbol, cfg.Dynamics),
		imbalance: imbalance.NewEngine(cfg.Imbalance),
		state:     StateSearchingMarket,
		inflight:  make(map[string]bool),
		lastRun:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry = retry.NewBudget(cfg.Retry).WithClock(c.now)
	interval := cfg.AnalyticsInterval
	if interval <= 0 {
		interval = time.Second
	}
	c.gate = rate.NewLimiter(rate.Every(interval), 1)
	return c
}

// Start reads the account, resumes any open position and otherwise selects a
// market. Only a failure to reach the exchange is returned; the controller is
// then in ERROR.
func (c *Controller) Start(ctx context.Context) error {
	cctx, cancel := c.callCtx(ctx)
	balance, err := c.gw.GetBalance(cctx)
	cancel()
	if err != nil {
		c.fail(err)
		return err
	}

	cctx, cancel = c.callCtx(ctx)
	positions, err := c.gw.GetPositions(cctx, c.cfg.Symbol)
	cancel()
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.balance = balance
	c.started = true
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"balance": balance,
		"mode":    string(c.cfg.Mode),
	}).Info("Starting trading controller")

	resume := ""
	for _, p := range positions {
		if p.IsFlat() || (c.cfg.Symbol != "" && p.Symbol != c.cfg.Symbol) {
			continue
		}
		resume = p.Symbol
		break
	}

	if resume != "" {
		mp, err := c.loadMarket(ctx, resume)
		if err != nil {
			c.fail(err)
			return err
		}
		c.mu.Lock()
		c.installMarketLocked(mp)
		f := c.applyPositionsLocked(positions, "startup")
		c.mu.Unlock()
		c.subscribe(ctx, resume)
		c.follow(ctx, f)
	} else if err := c.searchMarket(ctx); err != nil {
		c.logger.WithError(err).Warn("No market selected at startup, will retry")
	}

	c.flush(ctx)
	return nil
}

// Run drives the controller from the streams and an internal 250ms ticker
// until ctx is done. User-data events are always drained before anything
// else so polls never overtake them.
func (c *Controller) Run(ctx context.Context, s Streams) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case u := <-s.Orders:
			c.OnOrderUpdate(ctx, u)
			continue
		case a := <-s.Accounts:
			c.OnAccountUpdate(ctx, a)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-s.Orders:
			c.OnOrderUpdate(ctx, u)
		case a := <-s.Accounts:
			c.OnAccountUpdate(ctx, a)
		case b := <-s.Books:
			c.OnMarketData(ctx, b)
		case t := <-s.Trades:
			c.OnTrade(t)
		case <-ticker.C:
			c.Tick(ctx, c.now())
		}
	}
}

func (c *Controller) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Symbol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbol
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.setStateLocked(StateError, err.Error())
	c.mu.Unlock()
	c.logger.WithError(err).Error("Trading controller failed to start")
}

func (c *Controller) setStateLocked(s State, reason string) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.logger.WithFields(logrus.Fields{
		"symbol": c.symbol,
		"from":   from.String(),
		"to":     s.String(),
		"reason": reason,
	}).Info("State transition")
	c.emitLocked("state", StateChange{Symbol: c.symbol, From: from.String(), To: s.String(), Reason: reason, At: c.now()})
}

// idleStateLocked is where the controller rests with no position.
func (c *Controller) idleStateLocked() State {
	if c.symbol == "" {
		return StateSearchingMarket
	}
	if c.resting != nil && c.cfg.Mode == ModeMarketMaking {
		return StateOrderPlaced
	}
	return StateEntryHunting
}

// beginLocked claims an operation key: it fails while the same key is in
// flight or backing off.
func (c *Controller) beginLocked(key string) bool {
	if c.inflight[key] || !c.retry.CanAttempt(key) {
		return false
	}
	c.inflight[key] = true
	return true
}

func (c *Controller) markLocked(key string) bool {
	if c.inflight[key] {
		return false
	}
	c.inflight[key] = true
	return true
}

func (c *Controller) endLocked(key string) {
	delete(c.inflight, key)
}

func (c *Controller) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Controller) emitLocked(kind string, payload interface{}) {
	if c.pub == nil {
		return
	}
	c.outbox = append(c.outbox, outMsg{symbol: c.symbol, kind: kind, payload: payload})
}

func (c *Controller) flush(ctx context.Context) {
	if c.pub == nil {
		return
	}
	c.mu.Lock()
	out := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, m := range out {
		if err := c.pub.Publish(ctx, m.symbol, m.kind, m.payload); err != nil {
			c.logger.WithError(err).WithField("kind", m.kind).Debug("Failed to publish")
		}
	}
}

func (c *Controller) subscribe(ctx context.Context, symbol string) {
	if c.feed == nil {
		return
	}
	if err := c.feed.Subscribe(ctx, symbol); err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Error("Failed to subscribe to market data")
	}
}

type Status struct {
	State         string                   `json:"state"`
	Mode          string                   `json:"mode"`
	Symbol        string                   `json:"symbol"`
	Market        *models.MarketParameters `json:"market,omitempty"`
	Balance       float64                  `json:"balance"`
	Position      *models.Position         `json:"position,omitempty"`
	Resting       *models.RestingOrder     `json:"resting_order,omitempty"`
	ExitOrderID   string                   `json:"exit_order_id,omitempty"`
	RetryFailures map[string]int           `json:"retry_failures"`
	LastError     string                   `json:"last_error,omitempty"`
	At            time.Time                `json:"at"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:         c.state.String(),
		Mode:          string(c.cfg.Mode),
		Symbol:        c.symbol,
		Balance:       c.balance,
		ExitOrderID:   c.exitOrderID,
		RetryFailures: c.retry.Snapshot(),
		LastError:     c.lastErr,
		At:            c.now(),
	}
	if c.market != nil {
		m := *c.market
		st.Market = &m
	}
	if c.position != nil {
		p := *c.position
		st.Position = &p
	}
	if c.resting != nil {
		r := *c.resting
		r.Quotes = append([]models.Quote(nil), c.resting.Quotes...)
		st.Resting = &r
	}
	return st
}

type Analytics struct {
	Symbol         string                     `json:"symbol"`
	Derivatives    models.Derivatives         `json:"derivatives"`
	Patterns       []models.Pattern           `json:"patterns"`
	PatternCounts  map[models.PatternType]int `json:"pattern_counts"`
	AverageSpread  float64                    `json:"average_spread"`
	Imbalance      models.ImbalanceMetrics    `json:"imbalance"`
	ImbalanceFresh bool                       `json:"imbalance_fresh"`
	LastSignal     *models.TradingSignal      `json:"last_signal,omitempty"`
	LastFlow       *models.FlowSignal         `json:"last_flow,omitempty"`
}

func (c *Controller) Analytics() Analytics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, fresh := c.imbalance.Metrics()
	a := Analytics{
		Symbol:         c.symbol,
		Derivatives:    c.dynamics.Derivatives(),
		Patterns:       c.dynamics.Patterns(),
		PatternCounts:  c.dynamics.PatternCounts(),
		AverageSpread:  c.dynamics.AverageSpread(),
		Imbalance:      m,
		ImbalanceFresh: fresh,
	}
	if c.lastSignal != nil {
		s := *c.lastSignal
		a.LastSignal = &s
	}
	if c.lastFlow != nil {
		f := *c.lastFlow
		a.LastFlow = &f
	}
	return a
}
