// Package watcher reconciles the local order book with the broker's order
// list and drives the OCO hooks from observed fills.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/metrics"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/oco"
	"github.com/sayujks0071/antidhan-sub001/internal/orderstore"
	"github.com/sayujks0071/antidhan-sub001/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var errStale = errors.New("broker snapshot older than local record")

type Gateway interface {
	ListOrders(ctx context.Context) ([]models.BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

type Coordinator interface {
	Sweep(ctx context.Context) error
	ProtectEntry(ctx context.Context, entryID string) (string, error)
	OnEntryFilled(ctx context.Context, groupID string, filledQty int64) error
	OnExitFilled(ctx context.Context, groupID, filledOrderID string) error
	OnExitClosed(ctx context.Context, groupID, closedOrderID string) error
}

type Leadership interface {
	IsHeld() bool
}

type Store interface {
	SaveOrder(ctx context.Context, o models.Order) error
	LoadOrder(ctx context.Context, clientOrderID string) (*models.Order, error)
	OpenOrders(ctx context.Context) ([]models.Order, error)
	OrdersByGroup(ctx context.Context, groupID string) ([]models.Order, error)
	LoadGroup(ctx context.Context, groupID string) (*storage.GroupRecord, error)
	LiveGroups(ctx context.Context) ([]storage.GroupRecord, error)
	Plans(ctx context.Context) ([]models.ExitPlan, error)
	DeletePlan(ctx context.Context, groupID string) error
}

type Watcher struct {
	book     *orderstore.Book
	gateway  Gateway
	coord    Coordinator
	lease    Leadership
	store    Store
	interval time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
	poke     chan struct{}
	unknown  rate.Sometimes
	restored atomic.Bool
}

func New(book *orderstore.Book, gw Gateway, coord Coordinator, lease Leadership, store Store, interval time.Duration, log *logger.Logger, m *metrics.Metrics) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		book:     book,
		gateway:  gw,
		coord:    coord,
		lease:    lease,
		store:    store,
		interval: interval,
		log:      log,
		metrics:  m,
		poke:     make(chan struct{}, 1),
		unknown:  rate.Sometimes{First: 3, Interval: time.Minute},
	}
}

// Run polls until ctx ends. A Poke runs a cycle ahead of the ticker.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.poke:
		}
		w.cycle(ctx)
	}
}

func (w *Watcher) cycle(ctx context.Context) {
	if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
		w.logEntry().WithError(err).Warn("reconcile cycle failed")
	}
}

// Poke asks for an immediate reconcile. It never blocks.
func (w *Watcher) Poke() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

// Poll runs one reconcile cycle. Only the lease holder reconciles, since the
// hooks it fires place and cancel orders. The first cycle after the lease is
// acquired restores the live state from storage.
func (w *Watcher) Poll(ctx context.Context) error {
	if !w.lease.IsHeld() {
		w.restored.Store(false)
		w.logEntry().Debug("not leader, skipping reconcile")
		return nil
	}
	if !w.restored.Load() {
		if err := w.Restore(ctx); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		w.restored.Store(true)
	}
	if err := w.coord.Sweep(ctx); err != nil {
		w.logEntry().WithError(err).Warn("group sweep incomplete")
	}

	orders, err := w.gateway.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("list broker orders: %w", err)
	}
	for _, bo := range orders {
		if !w.lease.IsHeld() {
			return fmt.Errorf("reconcile aborted: %w", oco.ErrNotLeader)
		}
		id, ok := w.match(bo)
		if !ok {
			w.unknown.Do(func() {
				w.logEntry().WithFields(logrus.Fields{
					"broker_order_id": bo.BrokerOrderID,
					"tag":             bo.ClientOrderID,
					"status":          bo.Status,
				}).Info("broker order has no local record, skipping")
			})
			continue
		}
		w.reconcile(ctx, id, bo)
	}
	return nil
}

// ReconcileOrder brings a single order up to date with the broker and returns
// the resulting local record. An order the broker does not list yet is
// returned unchanged.
func (w *Watcher) ReconcileOrder(ctx context.Context, clientOrderID string) (models.Order, error) {
	local, ok := w.book.Get(clientOrderID)
	if !ok {
		return models.Order{}, fmt.Errorf("reconcile %s: %w", clientOrderID, orderstore.ErrNotFound)
	}
	orders, err := w.gateway.ListOrders(ctx)
	if err != nil {
		return local, fmt.Errorf("reconcile %s: %w", clientOrderID, err)
	}
	for _, bo := range orders {
		if (local.BrokerOrderID != "" && bo.BrokerOrderID == local.BrokerOrderID) || bo.ClientOrderID == clientOrderID {
			w.reconcile(ctx, clientOrderID, bo)
			break
		}
	}
	current, _ := w.book.Get(clientOrderID)
	return current, nil
}

func (w *Watcher) match(bo models.BrokerOrder) (string, bool) {
	if bo.BrokerOrderID != "" {
		if id, ok := w.book.LookupBroker(bo.BrokerOrderID); ok {
			return id, true
		}
	}
	if bo.ClientOrderID != "" {
		if _, ok := w.book.Get(bo.ClientOrderID); ok {
			return bo.ClientOrderID, true
		}
	}
	return "", false
}

func (w *Watcher) reconcile(ctx context.Context, id string, bo models.BrokerOrder) {
	local, _ := w.book.Get(id)
	if local.Status.IsTerminal() {
		if local.Status == models.OrderStatusCancelled && local.BrokerOrderID == "" && !bo.Status.IsTerminal() {
			w.cancelStray(ctx, local, bo)
		}
		return
	}

	change, err := w.book.Apply(id, func(o *models.Order) error {
		if bo.FilledQuantity < o.FilledQuantity || !models.CanTransition(o.Status, bo.Status) {
			return errStale
		}
		if o.BrokerOrderID == "" {
			o.BrokerOrderID = bo.BrokerOrderID
		}
		o.Status = bo.Status
		o.FilledQuantity = bo.FilledQuantity
		if !bo.AveragePrice.IsZero() {
			o.AveragePrice = bo.AveragePrice
		}
		if bo.StatusMessage != "" {
			o.StatusMessage = bo.StatusMessage
		}
		return nil
	})
	if err != nil {
		w.logEntry().WithError(err).WithFields(logrus.Fields{
			"client_order_id": id,
			"local_status":    local.Status,
			"broker_status":   bo.Status,
		}).Debug("broker update ignored")
		return
	}
	if !change.Changed() {
		return
	}

	o := change.After
	if err := w.store.SaveOrder(ctx, o); err != nil {
		w.orderEntry(id).WithError(err).Warn("order update not persisted")
	}
	w.logEntry().WithFields(logrus.Fields{
		"client_order_id": id,
		"from":            change.Before.Status,
		"to":              o.Status,
		"filled":          o.FilledQuantity,
		"avg_price":       o.AveragePrice.String(),
	}).Info("order updated from broker")

	if change.BecameFilled() {
		w.metrics.OrderFilled(string(o.Tag))
	}
	if change.BecameTerminal() && o.Status == models.OrderStatusRejected {
		w.metrics.OrderRejected(string(o.Tag))
		w.orderEntry(id).WithField("reason", o.StatusMessage).Warn("order rejected by broker")
	}
	w.fireHooks(ctx, change)
}

func (w *Watcher) fireHooks(ctx context.Context, change orderstore.Change) {
	o := change.After
	if o.GroupID == "" {
		return
	}

	var err error
	switch o.Tag {
	case models.OrderTagEntry:
		if !change.BecameFilled() && !(change.BecameTerminal() && o.FilledQuantity > 0) {
			return
		}
		g, ok := w.book.Group(o.GroupID)
		switch {
		case !ok:
			_, err = w.coord.ProtectEntry(ctx, o.ClientOrderID)
			if errors.Is(err, oco.ErrNoPlan) {
				w.orderEntry(o.ClientOrderID).WithField("filled", o.FilledQuantity).Error("filled entry has no exit plan, position unprotected")
				return
			}
		case g.State == models.GroupStateAwaitingEntry:
			err = w.coord.OnEntryFilled(ctx, o.GroupID, o.FilledQuantity)
		default:
			return
		}
	case models.OrderTagStop, models.OrderTagTP1, models.OrderTagTP2:
		switch {
		case change.BecameFilled():
			err = w.coord.OnExitFilled(ctx, o.GroupID, o.ClientOrderID)
		case change.BecameTerminal():
			err = w.coord.OnExitClosed(ctx, o.GroupID, o.ClientOrderID)
		default:
			return
		}
	default:
		return
	}

	if errors.Is(err, oco.ErrUnknownGroup) {
		return
	}
	if err != nil {
		w.logEntry().WithError(err).WithFields(logrus.Fields{
			"group_id":        o.GroupID,
			"client_order_id": o.ClientOrderID,
		}).Warn("OCO hook failed")
	}
}

// cancelStray cancels a broker order for a leg that was closed locally before
// the broker ever acknowledged it.
func (w *Watcher) cancelStray(ctx context.Context, local models.Order, bo models.BrokerOrder) {
	entry := w.logEntry().WithFields(logrus.Fields{
		"client_order_id": local.ClientOrderID,
		"broker_order_id": bo.BrokerOrderID,
	})
	entry.Error("live broker order for a locally closed leg, cancelling")
	if err := w.gateway.CancelOrder(ctx, bo.BrokerOrderID); err != nil {
		entry.WithError(err).Error("stray order cancel failed")
	}
}

func (w *Watcher) orderEntry(clientOrderID string) *logrus.Entry {
	return w.log.WithOrderID("watcher", clientOrderID)
}

func (w *Watcher) groupEntry(groupID string) *logrus.Entry {
	return w.log.WithGroupID("watcher", groupID)
}

func (w *Watcher) logEntry() *logrus.Entry {
	return w.log.WithComponent("watcher")
}
