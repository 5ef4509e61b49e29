package signalbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gregtusar/microflow/pkg/models"
)

func TestChannel(t *testing.T) {
	if got := Channel("ETHUSDT", "signal"); got != "microflow:ETHUSDT:signal" {
		t.Fatalf("channel %q", got)
	}
}

func TestEncodeEnvelope(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := models.TradingSignal{Symbol: "ETHUSDT", Direction: models.DirectionLong, Strength: 72.5}

	body, err := encode("ETHUSDT", "signal", sig, at)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != "signal" || env.Symbol != "ETHUSDT" || !env.PublishedAt.Equal(at) {
		t.Fatalf("envelope %+v", env)
	}
	var got models.TradingSignal
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if got.Direction != models.DirectionLong || got.Strength != 72.5 {
		t.Fatalf("data %+v", got)
	}
}

func TestEncodeRejectsUnmarshalable(t *testing.T) {
	if _, err := encode("ETHUSDT", "bad", make(chan int), time.Now()); err == nil {
		t.Fatalf("expected marshal error")
	}
}
