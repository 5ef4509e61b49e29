package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gregtusar/microflow/pkg/models"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, h http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewRESTClient(ClientConfig{
		BaseURL:           srv.URL,
		APIKey:            "key",
		APISecret:         "secret",
		RequestsPerSecond: 1000,
		Burst:             10,
	}, quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestHMACSignatureVector(t *testing.T) {
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got := computeHMAC(query, secret); got != want {
		t.Fatalf("signature got %s want %s", got, want)
	}
}

func TestPlaceOrderSignedPostOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		q := r.URL.Query()
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			t.Errorf("request not signed: %s", r.URL.RawQuery)
		}
		if q.Get("timeInForce") != "GTX" || q.Get("price") != "100.5" || q.Get("quantity") != "0.02" {
			t.Errorf("unexpected params: %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"orderId":42,"clientOrderId":"cid","symbol":"BTCUSDT","side":"BUY","type":"LIMIT",
			"status":"NEW","price":"100.5","stopPrice":"0","origQty":"0.02","executedQty":"0","avgPrice":"0",
			"timeInForce":"GTX","reduceOnly":false,"updateTime":1700000000000}`)
	})

	o, err := c.PlaceOrder(context.Background(), &models.OrderRequest{
		Symbol: "BTCUSDT", ClientOrderID: "cid", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: 100.5, Size: 0.02, PostOnly: true,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.OrderID != "42" || o.Status != models.OrderStatusNew || !o.PostOnly || o.Price != 100.5 {
		t.Fatalf("order %+v", o)
	}
}

func TestRejectionIsClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-5022,"msg":"Due to the order could not be executed as maker, the Post Only order will be rejected."}`)
	})
	_, err := c.PlaceOrder(context.Background(), &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: 1, Size: 1, PostOnly: true,
	})
	if KindOf(err) != KindWouldCross {
		t.Fatalf("kind got %s (%v)", KindOf(err), err)
	}
}

func TestExpiredGTXIsWouldCross(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"orderId":7,"symbol":"BTCUSDT","side":"SELL","type":"LIMIT","status":"EXPIRED",
			"price":"1","origQty":"1","executedQty":"0","avgPrice":"0","stopPrice":"0","timeInForce":"GTX"}`)
	})
	_, err := c.PlaceOrder(context.Background(), &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.OrderSideSell, Type: models.OrderTypeLimit, Price: 1, Size: 1, PostOnly: true,
	})
	if KindOf(err) != KindWouldCross {
		t.Fatalf("kind got %s", KindOf(err))
	}
}

func TestStopMarketParams(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		io.WriteString(w, `{"orderId":9,"symbol":"BTCUSDT","side":"SELL","type":"STOP_MARKET","status":"NEW",
			"price":"0","stopPrice":"98","origQty":"1","executedQty":"0","avgPrice":"0","timeInForce":"GTC","reduceOnly":true}`)
	})
	o, err := c.PlaceOrder(context.Background(), &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.OrderSideSell, Type: models.OrderTypeStopMarket, StopPrice: 98, Size: 1, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if got.Get("stopPrice") != "98" || got.Get("reduceOnly") != "true" || got.Get("price") != "" {
		t.Fatalf("params %v", got)
	}
	if o.StopPrice != 98 || !o.ReduceOnly {
		t.Fatalf("order %+v", o)
	}
}

func TestMarketParametersFromFilters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"symbols":[{"symbol":"ETHUSDT","status":"TRADING","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"20"}]}]}`)
	})
	mp, err := c.GetMarketParameters(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if mp.TickSize != 0.01 || mp.StepSize != 0.001 || mp.MinOrderSize != 0.001 || mp.MinNotional != 20 {
		t.Fatalf("params %+v", mp)
	}
	if _, err := c.GetMarketParameters(context.Background(), "XRPUSDT"); err == nil {
		t.Fatal("unknown symbol must error")
	}
}

func TestListMarketsSortedAndFiltered(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"symbol":"ETHUSDT","lastPrice":"2000","quoteVolume":"500"},
			{"symbol":"BTCUSDT","lastPrice":"40000","quoteVolume":"900"},
			{"symbol":"ETHBTC","lastPrice":"0.05","quoteVolume":"9999"},
			{"symbol":"SOLUSDT","lastPrice":"50","quoteVolume":"100"}]`)
	})
	ms, err := c.ListMarkets(context.Background(), 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ms) != 2 || ms[0].Symbol != "BTCUSDT" || ms[1].Symbol != "ETHUSDT" {
		t.Fatalf("markets %+v", ms)
	}
}

func TestGetCandles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "5m" {
			t.Errorf("interval %s", r.URL.Query().Get("interval"))
		}
		io.WriteString(w, `[[1700000000000,"100","102","99","101","12.5",1700000299999,"0",1,"0","0","0"],
			[1700000300000,"101","103","100","102","3",1700000599999,"0",1,"0","0","0"]]`)
	})
	cs, err := c.GetCandles(context.Background(), "BTCUSDT", "5m", 2)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	if len(cs) != 2 || cs[0].High != 102 || cs[1].Close != 102 || cs[0].Volume != 12.5 {
		t.Fatalf("candles %+v", cs)
	}
}

func TestPositionsSkipFlat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"symbol":"BTCUSDT","positionAmt":"-0.5","entryPrice":"100","markPrice":"99","unRealizedProfit":"0.5"},
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"99","unRealizedProfit":"0"}]`)
	})
	ps, err := c.GetPositions(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(ps) != 1 || ps[0].Side() != models.PositionShort || ps[0].Amount != -0.5 {
		t.Fatalf("positions %+v", ps)
	}
}
