// Package exchange is the execution gateway: order entry, account queries,
// instrument filters and the streaming market/user data feeds.
package exchange

import (
	"context"

	"github.com/gregtusar/microflow/pkg/models"
)

// Gateway is everything the trading loop needs from a venue. Errors for
// rejected requests are *Error values; use KindOf to branch on them.
type Gateway interface {
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*models.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error)
	GetBalance(ctx context.Context) (float64, error)
	GetMarketParameters(ctx context.Context, symbol string) (*models.MarketParameters, error)
	// ListMarkets returns up to limit tradable symbols, most liquid first.
	ListMarkets(ctx context.Context, limit int) ([]models.MarketCandidate, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}
