package trader

import (
	"testing"

	"github.com/gregtusar/microflow/pkg/models"
)

func testParams() *models.MarketParameters {
	return &models.MarketParameters{Symbol: testSymbol, TickSize: 0.1, StepSize: 0.01, MinOrderSize: 0.01, MinNotional: 5}
}

func TestPositionSizeLeverageClamp(t *testing.T) {
	mp := testParams()
	// 30% of 1000 over a 5 stop is 60 lots, 6000 notional; 2x leverage caps it at 20
	if got := PositionSize(1000, 100, 5, 0.30, 2, mp); got != 20 {
		t.Fatalf("clamped size %v, want 20", got)
	}
	if got := PositionSize(1000, 100, 5, 0.30, 0, mp); got != 60 {
		t.Fatalf("unclamped size %v, want 60", got)
	}
}

func TestPositionSizeRoundsDownToStep(t *testing.T) {
	mp := testParams()
	if got := PositionSize(1000, 100, 7, 0.30, 10, mp); got != 42.85 {
		t.Fatalf("size %v, want 42.85", got)
	}
}

func TestPositionSizeMinimums(t *testing.T) {
	mp := testParams()
	mp.MinNotional = 100

	// a balance below the minimum notional trades nothing, whatever the leverage
	if got := PositionSize(60, 100, 5, 0.30, 2, mp); got != 0 {
		t.Fatalf("sub-notional balance size %v, want 0", got)
	}
	// the 1-lot minimum would risk 500 against a 300 cap
	if got := PositionSize(1000, 100, 500, 0.30, 2, mp); got != 0 {
		t.Fatalf("over-risk minimum size %v, want 0", got)
	}
	// exactly the minimum fits inside the cap
	if got := PositionSize(1000, 100, 300, 0.30, 2, mp); got != 1 {
		t.Fatalf("minimum size %v, want 1", got)
	}
	// 10 balance at 2x cannot carry 100 notional
	if got := PositionSize(10, 100, 5, 0.30, 2, mp); got != 0 {
		t.Fatalf("unaffordable size %v, want 0", got)
	}
	if got := PositionSize(0, 100, 5, 0.30, 2, mp); got != 0 {
		t.Fatalf("zero balance size %v", got)
	}
	if got := PositionSize(1000, 100, 0, 0.30, 2, mp); got != 0 {
		t.Fatalf("zero stop size %v", got)
	}
}

func TestTakeProfitJoinsQueue(t *testing.T) {
	mp := testParams()
	tests := []struct {
		name     string
		side     models.PositionSide
		bid, ask float64
		want     float64
	}{
		{"long target beyond ask", models.PositionLong, 100.4, 100.5, 101},
		{"long ask beyond target", models.PositionLong, 101.4, 101.5, 101.5},
		{"short target below bid", models.PositionShort, 99.5, 99.6, 99},
		{"short bid below target", models.PositionShort, 98.7, 98.8, 98.7},
		{"long without book", models.PositionLong, 0, 0, 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TakeProfitPrice(tt.side, 100, 2, 0.5, 2, tt.bid, tt.ask, mp); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTakeProfitMinimumTicks(t *testing.T) {
	mp := testParams()
	// a tiny ATR still leaves two ticks of profit
	if got := TakeProfitPrice(models.PositionLong, 100, 0.01, 0.5, 2, 0, 0, mp); got != 100.2 {
		t.Fatalf("long floor %v", got)
	}
	if got := TakeProfitPrice(models.PositionShort, 100, 0.01, 0.5, 2, 0, 0, mp); got != 99.8 {
		t.Fatalf("short floor %v", got)
	}
}

func TestStopLossPrice(t *testing.T) {
	mp := testParams()
	if got := StopLossPrice(models.PositionLong, 100, 2, 1, mp); got != 98 {
		t.Fatalf("long stop %v", got)
	}
	if got := StopLossPrice(models.PositionShort, 100, 2, 1, mp); got != 102 {
		t.Fatalf("short stop %v", got)
	}
	if got := StopLossPrice(models.PositionLong, 100.05, 0.33, 1, mp); got != 99.7 {
		t.Fatalf("long stop rounds away from entry: %v", got)
	}
}
