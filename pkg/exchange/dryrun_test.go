package exchange

import (
	"context"
	"strings"
	"testing"

	"github.com/gregtusar/microflow/pkg/models"
)

type balanceOnly struct{ Gateway }

func (balanceOnly) GetBalance(context.Context) (float64, error) { return 1234, nil }

func (balanceOnly) GetPositions(_ context.Context, symbol string) ([]models.ExchangePosition, error) {
	return []models.ExchangePosition{{Symbol: symbol, Amount: -2, EntryPrice: 100}}, nil
}

func TestDryRunKeepsOrdersLocal(t *testing.T) {
	ctx := context.Background()
	d := NewDryRunGateway(balanceOnly{}, quietLogger())

	o, err := d.PlaceOrder(ctx, &models.OrderRequest{Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: 100, Size: 1})
	if err != nil || !strings.HasPrefix(o.OrderID, "dry-") {
		t.Fatalf("place: %+v %v", o, err)
	}
	open, _ := d.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 1 {
		t.Fatalf("open orders %d", len(open))
	}
	if got, err := d.GetOrder(ctx, "BTCUSDT", o.OrderID); err != nil || got.Status != models.OrderStatusNew {
		t.Fatalf("get: %+v %v", got, err)
	}
	if err := d.CancelOrder(ctx, "BTCUSDT", o.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := d.CancelOrder(ctx, "BTCUSDT", o.OrderID); KindOf(err) != KindOrderNotFound {
		t.Fatalf("second cancel kind %s", KindOf(err))
	}
	if bal, _ := d.GetBalance(ctx); bal != 1234 {
		t.Fatalf("reads must pass through, got %v", bal)
	}
	positions, err := d.GetPositions(ctx, "BTCUSDT")
	if err != nil || len(positions) != 1 || positions[0].Amount != -2 {
		t.Fatalf("positions must pass through, got %+v %v", positions, err)
	}
}
