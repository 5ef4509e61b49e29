package trader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/microflow/pkg/exchange"
	"github.com/gregtusar/microflow/pkg/models"
	"github.com/sirupsen/logrus"
)

const testSymbol = "BTCUSDT"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeGateway is an in-memory venue. Market orders fill immediately; limit
// and stop orders rest until cancelled.
type fakeGateway struct {
	mu        sync.Mutex
	nextID    int
	balance   float64
	positions []models.ExchangePosition
	orders    map[string]*models.Order
	ids       []string
	placed    []models.OrderRequest
	cancelled []string
	mp        models.MarketParameters
	markets   []models.MarketCandidate
	candles   map[string][]models.Candle

	placeErr       func(req *models.OrderRequest) error
	onGetPositions func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balance: 1000,
		orders:  make(map[string]*models.Order),
		mp: models.MarketParameters{
			TickSize:     0.1,
			StepSize:     0.01,
			MinOrderSize: 0.01,
			MinNotional:  5,
		},
		candles: map[string][]models.Candle{testSymbol: flatCandles(16, 100, 2)},
	}
}

// flatCandles closes every candle at price with a high-low range of rng, so
// the ATR is rng.
func flatCandles(n int, price, rng float64) []models.Candle {
	out := make([]models.Candle, n)
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = models.Candle{
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     price,
			High:     price + rng/2,
			Low:      price - rng/2,
			Close:    price,
			Volume:   10,
		}
	}
	return out
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req *models.OrderRequest) (*models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, *req)
	if g.placeErr != nil {
		if err := g.placeErr(req); err != nil {
			return nil, err
		}
	}
	g.nextID++
	o := &models.Order{
		OrderID:       fmt.Sprintf("%d", g.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Size:          req.Size,
		Status:        models.OrderStatusNew,
		TimeInForce:   req.TimeInForce,
		PostOnly:      req.PostOnly,
		ReduceOnly:    req.ReduceOnly,
	}
	if req.Type == models.OrderTypeMarket {
		o.Status = models.OrderStatusFilled
		o.FilledSize = req.Size
		g.positions = nil
	}
	g.orders[o.OrderID] = o
	g.ids = append(g.ids, o.OrderID)
	cp := *o
	return &cp, nil
}

// addOrder rests an order that the controller did not place.
func (g *fakeGateway) addOrder(o models.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o.Status = models.OrderStatusNew
	g.orders[o.OrderID] = &o
	g.ids = append(g.ids, o.OrderID)
}

func (g *fakeGateway) fillOrder(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o := g.orders[id]
	o.Status = models.OrderStatusFilled
	o.FilledSize = o.Size
}

func (g *fakeGateway) CancelOrder(_ context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok || !o.Status.Live() {
		return &exchange.Error{Kind: exchange.KindOrderNotFound, Op: "cancel order", Code: -2011, Message: "Unknown order sent."}
	}
	o.Status = models.OrderStatusCancelled
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *fakeGateway) GetOrder(_ context.Context, symbol, orderID string) (*models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, &exchange.Error{Kind: exchange.KindOrderNotFound, Op: "get order", Code: -2013, Message: "Order does not exist."}
	}
	cp := *o
	return &cp, nil
}

func (g *fakeGateway) GetOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.Order
	for _, id := range g.ids {
		if o := g.orders[id]; o.Symbol == symbol && o.Status.Live() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (g *fakeGateway) GetPositions(_ context.Context, symbol string) ([]models.ExchangePosition, error) {
	g.mu.Lock()
	hook := g.onGetPositions
	out := append([]models.ExchangePosition(nil), g.positions...)
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (g *fakeGateway) GetBalance(context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

func (g *fakeGateway) GetMarketParameters(_ context.Context, symbol string) (*models.MarketParameters, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mp := g.mp
	mp.Symbol = symbol
	return &mp, nil
}

func (g *fakeGateway) ListMarkets(_ context.Context, limit int) ([]models.MarketCandidate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.markets) > limit {
		return g.markets[:limit], nil
	}
	return g.markets, nil
}

func (g *fakeGateway) GetCandles(_ context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.candles[symbol]
	if !ok {
		return nil, &exchange.Error{Op: "candles", Code: -1121, Message: "Invalid symbol."}
	}
	return c, nil
}

func (g *fakeGateway) setPositions(ps ...models.ExchangePosition) {
	g.mu.Lock()
	g.positions = ps
	g.mu.Unlock()
}

func (g *fakeGateway) placedOf(typ models.OrderType) []models.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.OrderRequest
	for _, r := range g.placed {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func (g *fakeGateway) openCount() int {
	open, _ := g.GetOpenOrders(context.Background(), testSymbol)
	return len(open)
}

type recordPublisher struct {
	mu    sync.Mutex
	kinds []string
}

func (p *recordPublisher) Publish(_ context.Context, symbol, kind string, _ interface{}) error {
	p.mu.Lock()
	p.kinds = append(p.kinds, kind)
	p.mu.Unlock()
	return nil
}

func (p *recordPublisher) saw(kind string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func testBook(clock *fakeClock, bid, ask float64) models.OrderBook {
	return sizedBook(clock, bid, ask, 10, 10)
}

// sizedBook is five levels a side, every bid level bidSize and every ask
// level askSize.
func sizedBook(clock *fakeClock, bid, ask, bidSize, askSize float64) models.OrderBook {
	b := models.OrderBook{Symbol: testSymbol, Timestamp: clock.now()}
	for i := 0; i < 5; i++ {
		b.Bids = append(b.Bids, models.OrderBookLevel{Price: bid - float64(i)*0.1, Size: bidSize})
		b.Asks = append(b.Asks, models.OrderBookLevel{Price: ask + float64(i)*0.1, Size: askSize})
	}
	return b
}

func startController(t *testing.T, mode Mode, gw *fakeGateway, opts ...Option) (*Controller, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.Symbol = testSymbol
	opts = append([]Option{WithClock(clock.now)}, opts...)
	c := New(cfg, gw, quietLogger(), opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c, clock
}

// fillEntry reports a fully filled entry order the controller knows only by
// its client id.
func fillEntry(c *Controller, side models.OrderSide, price, size float64) {
	c.OnOrderUpdate(context.Background(), models.OrderUpdate{
		Symbol:        testSymbol,
		OrderID:       "900",
		ClientOrderID: newClientOrderID(purposeEntry),
		Side:          side,
		Type:          models.OrderTypeLimit,
		Status:        models.OrderStatusFilled,
		Price:         price,
		Size:          size,
		FilledSize:    size,
		AvgFillPrice:  price,
	})
}
