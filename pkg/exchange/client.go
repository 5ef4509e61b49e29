package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/microflow/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	MainnetURL = "https://fapi.binance.com"
	TestnetURL = "https://testnet.binancefuture.com"
)

type ClientConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	AuthType          AuthType      `mapstructure:"auth_type"`
	APIKeyName        string        `mapstructure:"api_key_name"`
	PrivateKeyPEM     string        `mapstructure:"private_key_pem"`
	Testnet           bool          `mapstructure:"testnet"`
	RecvWindow        time.Duration `mapstructure:"recv_window"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	QuoteAsset        string        `mapstructure:"quote_asset"`
	MakerFeeRate      float64       `mapstructure:"maker_fee_rate"`
	TakerFeeRate      float64       `mapstructure:"taker_fee_rate"`
}

// RESTClient talks to a Binance USD-M futures compatible REST API.
type RESTClient struct {
	cfg        ClientConfig
	baseURL    string
	auth       Authenticator
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewRESTClient(cfg ClientConfig, logger *logrus.Logger) (*RESTClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = MainnetURL
		if cfg.Testnet {
			baseURL = TestnetURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}

	var auth Authenticator
	switch cfg.AuthType {
	case AuthTypeJWT:
		a, err := NewJWTAuthenticator(cfg.APIKeyName, cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("jwt authenticator: %w", err)
		}
		auth = a
	case AuthTypeHMAC, "":
		auth = NewHMACAuthenticator(cfg.APIKey, cfg.APISecret, cfg.RecvWindow)
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.AuthType)
	}

	return &RESTClient{
		cfg:        cfg,
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// do sends one request and decodes a successful body into out. Signed
// requests carry all parameters in the query string.
func (c *RESTClient) do(ctx context.Context, op, method, path string, params url.Values, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", op, err)
	}
	if params == nil {
		params = url.Values{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if signed {
		if err := c.auth.Authenticate(req, params); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	} else {
		req.URL.RawQuery = params.Encode()
		if c.cfg.APIKey != "" {
			req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}

	if resp.StatusCode >= 300 {
		var ae apiError
		if jerr := json.Unmarshal(body, &ae); jerr != nil || ae.Msg == "" {
			ae.Msg = strings.TrimSpace(string(body))
		}
		xe := &Error{
			Kind:       Classify(ae.Code, ae.Msg),
			Op:         op,
			Code:       ae.Code,
			Message:    ae.Msg,
			HTTPStatus: resp.StatusCode,
		}
		c.logger.WithFields(logrus.Fields{
			"op":     op,
			"status": resp.StatusCode,
			"code":   ae.Code,
			"kind":   xe.Kind.String(),
		}).Debug("Exchange rejected request")
		return xe
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	TimeInForce   string          `json:"timeInForce"`
	ReduceOnly    bool            `json:"reduceOnly"`
	Time          int64           `json:"time"`
	UpdateTime    int64           `json:"updateTime"`
}

func (o *orderResponse) toModel() *models.Order {
	tif := models.TimeInForce(o.TimeInForce)
	return &models.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.OrderSide(o.Side),
		Type:          models.OrderType(o.Type),
		Price:         o.Price.InexactFloat64(),
		StopPrice:     o.StopPrice.InexactFloat64(),
		Size:          o.OrigQty.InexactFloat64(),
		FilledSize:    o.ExecutedQty.InexactFloat64(),
		AvgFillPrice:  o.AvgPrice.InexactFloat64(),
		Status:        models.OrderStatus(o.Status),
		TimeInForce:   tif,
		PostOnly:      tif == models.TimeInForceGTX,
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     msTime(o.Time),
		UpdatedAt:     msTime(o.UpdateTime),
	}
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatFloat(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func (c *RESTClient) PlaceOrder(ctx context.Context, r *models.OrderRequest) (*models.Order, error) {
	p := url.Values{}
	p.Set("symbol", r.Symbol)
	p.Set("side", string(r.Side))
	p.Set("type", string(r.Type))
	p.Set("quantity", formatFloat(r.Size))
	if r.ClientOrderID != "" {
		p.Set("newClientOrderId", r.ClientOrderID)
	}
	switch r.Type {
	case models.OrderTypeLimit:
		p.Set("price", formatFloat(r.Price))
		tif := r.TimeInForce
		if r.PostOnly {
			tif = models.TimeInForceGTX
		} else if tif == "" {
			tif = models.TimeInForceGTC
		}
		p.Set("timeInForce", string(tif))
	case models.OrderTypeStopMarket:
		p.Set("stopPrice", formatFloat(r.StopPrice))
		p.Set("workingType", "MARK_PRICE")
	}
	if r.ReduceOnly {
		p.Set("reduceOnly", "true")
	}

	var resp orderResponse
	if err := c.do(ctx, "place_order", http.MethodPost, "/fapi/v1/order", p, true, &resp); err != nil {
		return nil, err
	}
	order := resp.toModel()
	// GTX orders that would cross come back EXPIRED rather than as an error.
	if r.PostOnly && order.Status == models.OrderStatusExpired {
		return nil, &Error{Kind: KindWouldCross, Op: "place_order", Code: codePostOnlyRejection, Message: "post only order expired"}
	}
	return order, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("orderId", orderID)
	return c.do(ctx, "cancel_order", http.MethodDelete, "/fapi/v1/order", p, true, nil)
}

func (c *RESTClient) GetOrder(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("orderId", orderID)
	var resp orderResponse
	if err := c.do(ctx, "get_order", http.MethodGet, "/fapi/v1/order", p, true, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	var resp []orderResponse
	if err := c.do(ctx, "get_open_orders", http.MethodGet, "/fapi/v1/openOrders", p, true, &resp); err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(resp))
	for i := range resp {
		orders = append(orders, *resp[i].toModel())
	}
	return orders, nil
}

type positionResponse struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnRealizedProfit decimal.Decimal `json:"unRealizedProfit"`
}

func (c *RESTClient) GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error) {
	p := url.Values{}
	if symbol != "" {
		p.Set("symbol", symbol)
	}
	var resp []positionResponse
	if err := c.do(ctx, "get_positions", http.MethodGet, "/fapi/v2/positionRisk", p, true, &resp); err != nil {
		return nil, err
	}
	out := make([]models.ExchangePosition, 0, len(resp))
	for _, r := range resp {
		if r.PositionAmt.IsZero() {
			continue
		}
		out = append(out, models.ExchangePosition{
			Symbol:        r.Symbol,
			Amount:        r.PositionAmt.InexactFloat64(),
			EntryPrice:    r.EntryPrice.InexactFloat64(),
			MarkPrice:     r.MarkPrice.InexactFloat64(),
			UnrealizedPnL: r.UnRealizedProfit.InexactFloat64(),
		})
	}
	return out, nil
}

type balanceResponse struct {
	Asset            string          `json:"asset"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// GetBalance returns the available balance of the configured quote asset.
func (c *RESTClient) GetBalance(ctx context.Context) (float64, error) {
	var resp []balanceResponse
	if err := c.do(ctx, "get_balance", http.MethodGet, "/fapi/v2/balance", nil, true, &resp); err != nil {
		return 0, err
	}
	for _, b := range resp {
		if b.Asset == c.cfg.QuoteAsset {
			return b.AvailableBalance.InexactFloat64(), nil
		}
	}
	return 0, fmt.Errorf("get_balance: no %s balance reported", c.cfg.QuoteAsset)
}

type symbolFilter struct {
	FilterType string          `json:"filterType"`
	TickSize   decimal.Decimal `json:"tickSize"`
	StepSize   decimal.Decimal `json:"stepSize"`
	MinQty     decimal.Decimal `json:"minQty"`
	Notional   decimal.Decimal `json:"notional"`
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string         `json:"symbol"`
		Status  string         `json:"status"`
		Filters []symbolFilter `json:"filters"`
	} `json:"symbols"`
}

func (c *RESTClient) GetMarketParameters(ctx context.Context, symbol string) (*models.MarketParameters, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	var resp exchangeInfoResponse
	if err := c.do(ctx, "exchange_info", http.MethodGet, "/fapi/v1/exchangeInfo", p, false, &resp); err != nil {
		return nil, err
	}
	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		mp := &models.MarketParameters{
			Symbol:       symbol,
			MakerFeeRate: c.cfg.MakerFeeRate,
			TakerFeeRate: c.cfg.TakerFeeRate,
			UpdatedAt:    time.Now(),
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				mp.TickSize = f.TickSize.InexactFloat64()
			case "LOT_SIZE":
				mp.StepSize = f.StepSize.InexactFloat64()
				mp.MinOrderSize = f.MinQty.InexactFloat64()
			case "MIN_NOTIONAL":
				mp.MinNotional = f.Notional.InexactFloat64()
			}
		}
		if mp.TickSize <= 0 || mp.StepSize <= 0 {
			return nil, fmt.Errorf("exchange_info: %s has no tick/step filters", symbol)
		}
		return mp, nil
	}
	return nil, fmt.Errorf("exchange_info: unknown symbol %s", symbol)
}

type tickerResponse struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
}

func (c *RESTClient) ListMarkets(ctx context.Context, limit int) ([]models.MarketCandidate, error) {
	var resp []tickerResponse
	if err := c.do(ctx, "list_markets", http.MethodGet, "/fapi/v1/ticker/24hr", nil, false, &resp); err != nil {
		return nil, err
	}
	out := make([]models.MarketCandidate, 0, len(resp))
	for _, t := range resp {
		if !strings.HasSuffix(t.Symbol, c.cfg.QuoteAsset) {
			continue
		}
		out = append(out, models.MarketCandidate{
			Symbol:         t.Symbol,
			LastPrice:      t.LastPrice.InexactFloat64(),
			QuoteVolume24h: t.QuoteVolume.InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuoteVolume24h > out[j].QuoteVolume24h })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *RESTClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("interval", interval)
	p.Set("limit", strconv.Itoa(limit))
	var resp [][]json.RawMessage
	if err := c.do(ctx, "get_candles", http.MethodGet, "/fapi/v1/klines", p, false, &resp); err != nil {
		return nil, err
	}
	return parseKlines(resp)
}

// parseKlines decodes [openTime, open, high, low, close, volume, ...] rows.
func parseKlines(rows [][]json.RawMessage) ([]models.Candle, error) {
	out := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline %d: %d fields", i, len(row))
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("kline %d open time: %w", i, err)
		}
		var vals [5]decimal.Decimal
		for j := range vals {
			if err := json.Unmarshal(row[j+1], &vals[j]); err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
		}
		out = append(out, models.Candle{
			OpenTime: time.UnixMilli(openTime),
			Open:     vals[0].InexactFloat64(),
			High:     vals[1].InexactFloat64(),
			Low:      vals[2].InexactFloat64(),
			Close:    vals[3].InexactFloat64(),
			Volume:   vals[4].InexactFloat64(),
		})
	}
	return out, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// StartUserStream creates a user-data listen key.
func (c *RESTClient) StartUserStream(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := c.do(ctx, "start_user_stream", http.MethodPost, "/fapi/v1/listenKey", nil, false, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// KeepAliveUserStream extends the listen key's validity; the venue expires
// idle keys after 60 minutes.
func (c *RESTClient) KeepAliveUserStream(ctx context.Context) error {
	return c.do(ctx, "keepalive_user_stream", http.MethodPut, "/fapi/v1/listenKey", nil, false, nil)
}
