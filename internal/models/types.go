package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderType string
type OrderTag string
type OrderResult string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"
	OrderTypeStopLossM OrderType = "SL-M"

	OrderTagEntry OrderTag = "ENTRY"
	OrderTagStop  OrderTag = "STOP"
	OrderTagTP1   OrderTag = "TP1"
	OrderTagTP2   OrderTag = "TP2"

	OrderResultSuccess  OrderResult = "SUCCESS"
	OrderResultPartial  OrderResult = "PARTIAL"
	OrderResultTimeout  OrderResult = "TIMEOUT"
	OrderResultRejected OrderResult = "REJECTED"
)

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(s) {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeStopLossM:
		return OrderType(s), nil
	default:
		return "", fmt.Errorf("unknown order type %q", s)
	}
}

// ClientOrderID is the idempotency key of one leg of a decision. It is derived,
// never generated, so resubmitting a decision maps onto the same broker slot.
func ClientOrderID(decisionID string, tag OrderTag) string {
	return fmt.Sprintf("%s_%s", decisionID, tag)
}

type Order struct {
	ClientOrderID  string          `json:"client_order_id"`
	BrokerOrderID  string          `json:"broker_order_id"`
	GroupID        string          `json:"group_id"`
	Symbol         string          `json:"symbol"`
	Exchange       string          `json:"exchange"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	Tag            OrderTag        `json:"tag"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	TriggerPrice   decimal.Decimal `json:"trigger_price"`
	Status         OrderStatus     `json:"status"`
	FilledQuantity int64           `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	StatusMessage  string          `json:"status_message"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (o Order) IsExit() bool {
	return o.Tag != OrderTagEntry
}

func (o Order) RemainingQuantity() int64 {
	if rem := o.Quantity - o.FilledQuantity; rem > 0 {
		return rem
	}
	return 0
}

func (o Order) Request() OrderRequest {
	return OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Exchange:      o.Exchange,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Quantity,
		Price:         o.Price,
		TriggerPrice:  o.TriggerPrice,
	}
}

// OrderRequest is the broker-facing shape of a new order.
type OrderRequest struct {
	ClientOrderID string          `json:"tag"`
	Symbol        string          `json:"tradingsymbol"`
	Exchange      string          `json:"exchange"`
	Side          OrderSide       `json:"transaction_type"`
	Type          OrderType       `json:"order_type"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
}

// BrokerOrder is one row of the broker's order book.
type BrokerOrder struct {
	BrokerOrderID  string
	ClientOrderID  string
	Status         OrderStatus
	Quantity       int64
	FilledQuantity int64
	AveragePrice   decimal.Decimal
	StatusMessage  string
}

// Signal is an approved trade decision handed over by the orchestrator.
type Signal struct {
	DecisionID string            `json:"decision_id"`
	Symbol     string            `json:"symbol"`
	Exchange   string            `json:"exchange"`
	Side       OrderSide         `json:"side"`
	EntryPrice decimal.Decimal   `json:"entry_price"`
	StopLoss   decimal.Decimal   `json:"stop_loss"`
	Targets    []decimal.Decimal `json:"targets"`
}

func (s Signal) Validate() error {
	if s.DecisionID == "" {
		return fmt.Errorf("signal without decision id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal %s without symbol", s.DecisionID)
	}
	switch s.Side {
	case OrderSideBuy, OrderSideSell:
	default:
		return fmt.Errorf("signal %s has invalid side %q", s.DecisionID, s.Side)
	}
	return nil
}
