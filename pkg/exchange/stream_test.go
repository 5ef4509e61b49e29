package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/gregtusar/microflow/pkg/models"
)

func TestParseDepth(t *testing.T) {
	msg := []byte(`{"e":"depthUpdate","E":1700000000123,"T":1700000000120,"s":"BTCUSDT","U":1,"u":2,"pu":0,
		"b":[["100.0","2.5"],["99.9","0"],["99.8","1"]],
		"a":[["100.1","3"],["100.2","4"]]}`)
	b, err := parseDepth(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.Symbol != "BTCUSDT" || len(b.Bids) != 2 || len(b.Asks) != 2 {
		t.Fatalf("book %+v", b)
	}
	if b.BestBid() != 100 || b.BestAsk() != 100.1 || b.Bids[1].Price != 99.8 {
		t.Fatalf("levels %+v", b)
	}
	if !b.Timestamp.Equal(time.UnixMilli(1700000000120)) {
		t.Fatalf("timestamp %v", b.Timestamp)
	}
}

func TestParseAggTradeAggressor(t *testing.T) {
	sell, err := parseAggTrade([]byte(`{"e":"aggTrade","E":1,"s":"BTCUSDT","a":5,"p":"100","q":"0.3","f":1,"l":2,"T":1700000000000,"m":true}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sell.Side != models.TradeSideSell || sell.Quantity != 0.3 {
		t.Fatalf("trade %+v", sell)
	}
	buy, _ := parseAggTrade([]byte(`{"e":"aggTrade","s":"BTCUSDT","p":"100","q":"1","T":1,"m":false}`))
	if buy.Side != models.TradeSideBuy {
		t.Fatalf("taker buy got %s", buy.Side)
	}
}

func TestParseOrderTradeUpdate(t *testing.T) {
	msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000500,"T":1700000000499,"o":{
		"s":"BTCUSDT","c":"mf-entry-1","S":"BUY","o":"LIMIT","f":"GTX","q":"2","p":"100","ap":"100","sp":"0",
		"x":"TRADE","X":"PARTIALLY_FILLED","i":8886774,"l":"0.5","z":"0.5","L":"100","N":"USDT","n":"0.01",
		"T":1700000000499,"t":99,"b":"0","a":"0","m":true,"R":false,"wt":"CONTRACT_PRICE","ot":"LIMIT",
		"ps":"BOTH","cp":false,"AP":"0","cr":"0","rp":"0"}}`)
	ev, err := parseUserEvent(msg, "USDT")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	o := ev.order
	if o == nil {
		t.Fatal("expected order update")
	}
	if o.OrderID != "8886774" || o.Status != models.OrderStatusPartiallyFilled || o.FilledSize != 0.5 ||
		o.Side != models.OrderSideBuy || o.Size != 2 || o.ClientOrderID != "mf-entry-1" || o.AvgFillPrice != 100 {
		t.Fatalf("order %+v", o)
	}
}

func TestParseAccountUpdate(t *testing.T) {
	msg := []byte(`{"e":"ACCOUNT_UPDATE","E":1700000000000,"T":1700000000000,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"1000.5","cw":"1000.5","bc":"0"},{"a":"BNB","wb":"1","cw":"1","bc":"0"}],
		"P":[{"s":"BTCUSDT","pa":"0","ep":"0","cr":"0","up":"0","mt":"cross","iw":"0","ps":"BOTH"}]}}`)
	ev, err := parseUserEvent(msg, "USDT")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a := ev.account
	if a == nil || !a.HasBalance || a.Balance != 1000.5 {
		t.Fatalf("account %+v", a)
	}
	if len(a.Positions) != 1 || !a.Positions[0].IsFlat() {
		t.Fatalf("positions %+v", a.Positions)
	}
}

func TestParseListenKeyExpired(t *testing.T) {
	ev, err := parseUserEvent([]byte(`{"e":"listenKeyExpired","E":1,"listenKey":"abc"}`), "USDT")
	if err != nil || !ev.expired {
		t.Fatalf("expected expiry, got %+v %v", ev, err)
	}
}

func TestMarketStreamFiltersSymbol(t *testing.T) {
	m := NewMarketStream(DefaultStreamConfig(), quietLogger())
	if err := m.Subscribe(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("subscribe offline: %v", err)
	}
	m.handle([]byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","b":[["1","1"]],"a":[["2","1"]]}`))
	m.handle([]byte(`{"e":"depthUpdate","E":2,"s":"ETHUSDT","b":[["1","1"]],"a":[["2","1"]]}`))
	select {
	case b := <-m.Books():
		if b.Symbol != "ETHUSDT" {
			t.Fatalf("got book for %s", b.Symbol)
		}
	default:
		t.Fatal("expected a book")
	}
	select {
	case b := <-m.Books():
		t.Fatalf("unexpected second book %+v", b)
	default:
	}
	names := m.streamNames("ETHUSDT")
	if names[0] != "ethusdt@depth20@100ms" || names[1] != "ethusdt@aggTrade" {
		t.Fatalf("stream names %v", names)
	}
}
