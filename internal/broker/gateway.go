package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/backoff"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

const maxBackoff = 30 * time.Second

type GatewayConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Gateway is the only path from the executor to the broker. Every attempt,
// retries included, takes a rate limiter token first.
type Gateway struct {
	client     Client
	limiter    Limiter
	refresh    RefreshFunc
	maxRetries int
	retryDelay time.Duration
	log        *logger.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewGateway wraps client. refresh may be nil, in which case authentication
// failures surface as ErrTokenExpired straight away.
func NewGateway(client Client, limiter Limiter, refresh RefreshFunc, cfg GatewayConfig, log *logger.Logger) *Gateway {
	delay := cfg.RetryBackoff
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Gateway{
		client:     client,
		limiter:    limiter,
		refresh:    refresh,
		maxRetries: retries,
		retryDelay: delay,
		log:        log,
		sleep:      backoff.Sleep,
	}
}

// PlaceOrder submits req and returns the broker order id. Before any retry it
// checks whether an earlier attempt already reached the broker under the same
// client order id.
func (g *Gateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return "", fmt.Errorf("place order: empty client order id")
	}
	entry := g.logEntry().WithFields(logrus.Fields{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"type":            req.Type,
		"qty":             req.Quantity,
		"price":           req.Price.String(),
		"trigger_price":   req.TriggerPrice.String(),
	})

	var brokerID string
	err := g.call(ctx, ratelimit.ClassOrders, "place", entry, func(attempt int) error {
		if attempt > 0 {
			if existing, ok := g.findByClientID(ctx, req.ClientOrderID); ok {
				entry.WithField("broker_order_id", existing).Info("order already at broker, not placing again")
				brokerID = existing
				return nil
			}
		}
		id, err := g.client.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		brokerID = id
		return nil
	})
	if errors.Is(err, ErrDuplicate) {
		if existing, ok := g.findByClientID(ctx, req.ClientOrderID); ok {
			entry.WithField("broker_order_id", existing).Info("duplicate client order id, reusing broker order")
			return existing, nil
		}
	}
	if err != nil {
		return "", err
	}
	entry.WithField("broker_order_id", brokerID).Info("order placed")
	return brokerID, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if brokerOrderID == "" {
		return fmt.Errorf("cancel order: empty broker order id")
	}
	entry := g.logEntry().WithField("broker_order_id", brokerOrderID)
	err := g.call(ctx, ratelimit.ClassOrders, "cancel", entry, func(int) error {
		return g.client.CancelOrder(ctx, brokerOrderID)
	})
	if err != nil {
		return err
	}
	entry.Info("cancel requested")
	return nil
}

func (g *Gateway) ListOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	var orders []models.BrokerOrder
	err := g.call(ctx, ratelimit.ClassQueries, "list", g.logEntry(), func(int) error {
		list, err := g.client.ListOrders(ctx)
		if err != nil {
			return err
		}
		orders = list
		return nil
	})
	return orders, err
}

// call runs fn under the retry policy: transient errors back off and retry up
// to maxRetries, an auth error refreshes the token and retries exactly once,
// everything else is returned as is.
func (g *Gateway) call(ctx context.Context, class, op string, entry *logrus.Entry, fn func(attempt int) error) error {
	delay := g.retryDelay
	retries := 0
	refreshed := false

	for attempt := 0; ; attempt++ {
		if !g.limiter.Acquire(ctx, class) {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry.WithField("op", op).Warn("rate limiter saturated")
			if attempt == 0 {
				return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, ErrNotSent)
			}
			return fmt.Errorf("%s: %w", op, ErrRateLimited)
		}

		err := fn(attempt)
		switch {
		case err == nil:
			return nil

		case errors.Is(err, ErrAuth):
			if refreshed || g.refresh == nil {
				entry.WithError(err).WithField("op", op).Error("broker session rejected, operator action required")
				return fmt.Errorf("%s: %w: %w", op, ErrTokenExpired, err)
			}
			refreshed = true
			if rerr := g.refresh(ctx); rerr != nil {
				entry.WithError(rerr).WithField("op", op).Error("token refresh failed, operator action required")
				return fmt.Errorf("%s: token refresh: %v: %w", op, rerr, ErrTokenExpired)
			}
			entry.WithField("op", op).Info("token refreshed, retrying once")

		case errors.Is(err, ErrTransient):
			if retries >= g.maxRetries {
				entry.WithError(err).WithFields(logrus.Fields{"op": op, "attempts": attempt + 1}).Error("broker call failed after retries")
				return fmt.Errorf("%s: %w", op, err)
			}
			retries++
			wait := delay
			if isThrottled(err) {
				wait = delay * 4
			}
			if wait > maxBackoff {
				wait = maxBackoff
			}
			entry.WithError(err).WithFields(logrus.Fields{"op": op, "retry": retries, "wait": wait}).Warn("transient broker error, retrying")
			if serr := g.sleep(ctx, wait); serr != nil {
				return serr
			}
			delay = backoff.Next(delay, maxBackoff)

		case errors.Is(err, ErrRejected):
			entry.WithField("op", op).WithField("reason", Reason(err)).Warn("broker rejected request")
			return fmt.Errorf("%s: %w", op, err)

		case errors.Is(err, ErrDuplicate), errors.Is(err, ErrNotFound):
			entry.WithError(err).WithField("op", op).Debug("broker call not applicable")
			return fmt.Errorf("%s: %w", op, err)

		default:
			entry.WithError(err).WithField("op", op).Error("broker call failed")
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

// findByClientID looks for an order the broker already holds under the client
// order id. Lookup failures count as "not found".
func (g *Gateway) findByClientID(ctx context.Context, clientOrderID string) (string, bool) {
	if !g.limiter.Acquire(ctx, ratelimit.ClassQueries) {
		return "", false
	}
	orders, err := g.client.ListOrders(ctx)
	if err != nil {
		g.log.WithOrderID("gateway", clientOrderID).WithError(err).Debug("lookup by client order id failed")
		return "", false
	}
	for _, o := range orders {
		if o.ClientOrderID == clientOrderID && o.BrokerOrderID != "" {
			return o.BrokerOrderID, true
		}
	}
	return "", false
}

func (g *Gateway) logEntry() *logrus.Entry {
	return g.log.WithComponent("gateway")
}
