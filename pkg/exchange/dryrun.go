package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/microflow/pkg/models"
	"github.com/sirupsen/logrus"
)

// DryRunGateway forwards account and market reads, positions included, to the
// wrapped gateway but keeps order entry local: placed orders rest forever in
// memory and never fill.
type DryRunGateway struct {
	Gateway
	logger *logrus.Logger

	mu     sync.Mutex
	orders map[string]*models.Order
}

func NewDryRunGateway(inner Gateway, logger *logrus.Logger) *DryRunGateway {
	return &DryRunGateway{
		Gateway: inner,
		logger:  logger,
		orders:  make(map[string]*models.Order),
	}
}

func (d *DryRunGateway) PlaceOrder(_ context.Context, r *models.OrderRequest) (*models.Order, error) {
	now := time.Now()
	o := &models.Order{
		OrderID:       "dry-" + uuid.NewString(),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          r.Side,
		Type:          r.Type,
		Price:         r.Price,
		StopPrice:     r.StopPrice,
		Size:          r.Size,
		Status:        models.OrderStatusNew,
		TimeInForce:   r.TimeInForce,
		PostOnly:      r.PostOnly,
		ReduceOnly:    r.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	d.mu.Lock()
	d.orders[o.OrderID] = o
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"symbol":      r.Symbol,
		"side":        r.Side,
		"type":        r.Type,
		"price":       r.Price,
		"stop_price":  r.StopPrice,
		"size":        r.Size,
		"post_only":   r.PostOnly,
		"reduce_only": r.ReduceOnly,
		"order_id":    o.OrderID,
	}).Info("Dry run: order not sent")
	return o, nil
}

func (d *DryRunGateway) CancelOrder(_ context.Context, symbol, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[orderID]
	if !ok || o.Symbol != symbol {
		return &Error{Kind: KindOrderNotFound, Op: "cancel_order", Code: codeUnknownOrder, Message: "Unknown order sent."}
	}
	delete(d.orders, orderID)
	return nil
}

func (d *DryRunGateway) GetOrder(_ context.Context, symbol, orderID string) (*models.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, &Error{Kind: KindOrderNotFound, Op: "get_order", Code: codeNoSuchOrder, Message: "Order does not exist."}
	}
	cp := *o
	return &cp, nil
}

func (d *DryRunGateway) GetOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Order
	for _, o := range d.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}
