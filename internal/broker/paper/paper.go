// Package paper is an in-memory broker used for paper trading and tests.
package paper

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/sayujks0071/antidhan-sub001/internal/broker"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	OpPlace  = "place"
	OpCancel = "cancel"
	OpList   = "list"
)

type Option func(*Broker)

// WithAutoFill makes MARKET orders fill in full as soon as they are placed.
func WithAutoFill(on bool) Option {
	return func(b *Broker) { b.autoFill = on }
}

// WithNotify registers a callback run after every order change, the way a
// broker postback would arrive.
func WithNotify(fn func()) Option {
	return func(b *Broker) { b.notify = fn }
}

// Broker implements broker.Client against a simulated order book.
type Broker struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]*models.BrokerOrder
	byClient map[string]string
	sequence []string
	prices   map[string]decimal.Decimal
	failures map[string][]error
	placed   int
	autoFill bool
	notify   func()
	log      *logger.Logger
}

func New(log *logger.Logger, opts ...Option) *Broker {
	b := &Broker{
		orders:   make(map[string]*models.BrokerOrder),
		byClient: make(map[string]string),
		prices:   make(map[string]decimal.Decimal),
		failures: make(map[string][]error),
		autoFill: true,
		log:      log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// UpdatePrice sets the price MARKET orders fill at.
func (b *Broker) UpdatePrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	b.prices[symbol] = price
	b.mu.Unlock()
}

// Fail queues errors returned by the next calls of op, one per call.
func (b *Broker) Fail(op string, errs ...error) {
	b.mu.Lock()
	b.failures[op] = append(b.failures[op], errs...)
	b.mu.Unlock()
}

func (b *Broker) nextFailure(op string) error {
	queue := b.failures[op]
	if len(queue) == 0 {
		return nil
	}
	b.failures[op] = queue[1:]
	return queue[0]
}

func (b *Broker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	b.mu.Lock()
	if err := b.nextFailure(OpPlace); err != nil {
		b.mu.Unlock()
		return "", err
	}
	if _, ok := b.byClient[req.ClientOrderID]; ok {
		b.mu.Unlock()
		return "", &broker.APIError{Kind: broker.ErrDuplicate, StatusCode: http.StatusConflict, Message: "duplicate tag " + req.ClientOrderID}
	}
	if req.Quantity <= 0 {
		b.mu.Unlock()
		return "", &broker.APIError{Kind: broker.ErrRejected, StatusCode: http.StatusBadRequest, ErrorType: "InputException", Message: "quantity must be positive"}
	}

	b.seq++
	id := fmt.Sprintf("PAPER-%06d", b.seq)
	o := &models.BrokerOrder{
		BrokerOrderID: id,
		ClientOrderID: req.ClientOrderID,
		Status:        models.OrderStatusOpen,
		Quantity:      req.Quantity,
	}
	b.orders[id] = o
	b.byClient[req.ClientOrderID] = id
	b.sequence = append(b.sequence, id)
	b.placed++

	if b.autoFill && req.Type == models.OrderTypeMarket {
		price, ok := b.prices[req.Symbol]
		if !ok {
			price = req.Price
		}
		o.FilledQuantity = o.Quantity
		o.AveragePrice = price
		o.Status = models.OrderStatusComplete
	}
	status := o.Status
	b.mu.Unlock()

	b.logEntry().WithFields(logrus.Fields{
		"broker_order_id": id,
		"client_order_id": req.ClientOrderID,
		"type":            req.Type,
		"qty":             req.Quantity,
		"status":          status,
	}).Info("paper order accepted")
	b.changed()
	return id, nil
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	if err := b.nextFailure(OpCancel); err != nil {
		b.mu.Unlock()
		return err
	}
	o, ok := b.orders[brokerOrderID]
	if !ok {
		b.mu.Unlock()
		return &broker.APIError{Kind: broker.ErrNotFound, StatusCode: http.StatusNotFound, Message: "no order " + brokerOrderID}
	}
	if o.Status.IsTerminal() {
		status := o.Status
		b.mu.Unlock()
		return &broker.APIError{Kind: broker.ErrRejected, StatusCode: http.StatusBadRequest, ErrorType: "OrderException", Message: fmt.Sprintf("order is already %s", status)}
	}
	o.Status = models.OrderStatusCancelled
	b.mu.Unlock()

	b.logEntry().WithField("broker_order_id", brokerOrderID).Info("paper order cancelled")
	b.changed()
	return nil
}

func (b *Broker) ListOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.nextFailure(OpList); err != nil {
		return nil, err
	}
	out := make([]models.BrokerOrder, 0, len(b.sequence))
	for _, id := range b.sequence {
		out = append(out, *b.orders[id])
	}
	return out, nil
}

// Fill executes qty more of the order with the given client order id.
func (b *Broker) Fill(clientOrderID string, qty int64, price decimal.Decimal) error {
	b.mu.Lock()
	o, err := b.lookup(clientOrderID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if o.Status.IsTerminal() {
		b.mu.Unlock()
		return fmt.Errorf("fill %s: order is %s", clientOrderID, o.Status)
	}
	if qty <= 0 || o.FilledQuantity+qty > o.Quantity {
		b.mu.Unlock()
		return fmt.Errorf("fill %s: qty %d exceeds remaining %d", clientOrderID, qty, o.Quantity-o.FilledQuantity)
	}
	total := o.AveragePrice.Mul(decimal.NewFromInt(o.FilledQuantity)).Add(price.Mul(decimal.NewFromInt(qty)))
	o.FilledQuantity += qty
	o.AveragePrice = total.Div(decimal.NewFromInt(o.FilledQuantity))
	if o.FilledQuantity == o.Quantity {
		o.Status = models.OrderStatusComplete
	} else {
		o.Status = models.OrderStatusPartial
	}
	b.mu.Unlock()

	b.changed()
	return nil
}

// Reject marks an open order rejected with the given reason.
func (b *Broker) Reject(clientOrderID, reason string) error {
	b.mu.Lock()
	o, err := b.lookup(clientOrderID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if o.Status.IsTerminal() {
		b.mu.Unlock()
		return fmt.Errorf("reject %s: order is %s", clientOrderID, o.Status)
	}
	o.Status = models.OrderStatusRejected
	o.StatusMessage = reason
	b.mu.Unlock()

	b.changed()
	return nil
}

// Order returns the broker view of an order by client order id.
func (b *Broker) Order(clientOrderID string) (models.BrokerOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, err := b.lookup(clientOrderID)
	if err != nil {
		return models.BrokerOrder{}, false
	}
	return *o, true
}

// Placed counts orders the broker accepted.
func (b *Broker) Placed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed
}

func (b *Broker) lookup(clientOrderID string) (*models.BrokerOrder, error) {
	id, ok := b.byClient[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("paper: unknown client order id %s", clientOrderID)
	}
	return b.orders[id], nil
}

func (b *Broker) changed() {
	if b.notify != nil {
		b.notify()
	}
}

func (b *Broker) logEntry() *logrus.Entry {
	return b.log.WithComponent("paper")
}
