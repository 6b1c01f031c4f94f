// Package broker isolates the broker order API behind the three operations the
// executor needs, and wraps them with rate limiting, retries and token refresh.
package broker

import (
	"context"

	"github.com/sayujks0071/antidhan-sub001/internal/models"
)

// Client is a raw broker connection. Implementations classify failures with
// the sentinel errors of this package.
type Client interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ListOrders(ctx context.Context) ([]models.BrokerOrder, error)
}

// Limiter hands out one token per outbound call.
type Limiter interface {
	Acquire(ctx context.Context, class string) bool
}

// RefreshFunc obtains a new session token after an authentication failure.
type RefreshFunc func(ctx context.Context) error
