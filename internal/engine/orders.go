package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sayujks0071/antidhan-sub001/internal/broker"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/orderstore"
	"github.com/sayujks0071/antidhan-sub001/internal/storage"
	"github.com/shopspring/decimal"
)

func (e *Engine) entryOrder(sig models.Signal, qty int64) models.Order {
	o := models.Order{
		ClientOrderID: models.ClientOrderID(sig.DecisionID, models.OrderTagEntry),
		GroupID:       sig.DecisionID,
		Symbol:        sig.Symbol,
		Exchange:      sig.Exchange,
		Side:          sig.Side,
		Type:          e.cfg.EntryOrderType,
		Tag:           models.OrderTagEntry,
		Quantity:      qty,
		Status:        models.OrderStatusPending,
	}
	if o.Type == models.OrderTypeLimit {
		o.Price = sig.EntryPrice
	}
	return o
}

// exitLegs builds the protective exits of a decision: a SL-M stop at the stop
// loss and a LIMIT take profit per target. Quantities are filled in when the
// coordinator places them.
func exitLegs(sig models.Signal) []models.Order {
	side := sig.Side.Opposite()
	leg := func(tag models.OrderTag, typ models.OrderType) models.Order {
		return models.Order{
			ClientOrderID: models.ClientOrderID(sig.DecisionID, tag),
			GroupID:       sig.DecisionID,
			Symbol:        sig.Symbol,
			Exchange:      sig.Exchange,
			Side:          side,
			Type:          typ,
			Tag:           tag,
		}
	}

	var legs []models.Order
	if sig.StopLoss.IsPositive() {
		stop := leg(models.OrderTagStop, models.OrderTypeStopLossM)
		stop.TriggerPrice = sig.StopLoss
		legs = append(legs, stop)
	}
	for i, tag := range []models.OrderTag{models.OrderTagTP1, models.OrderTagTP2} {
		if i >= len(sig.Targets) || !sig.Targets[i].GreaterThan(decimal.Zero) {
			continue
		}
		tp := leg(tag, models.OrderTypeLimit)
		tp.Price = sig.Targets[i]
		legs = append(legs, tp)
	}
	return legs
}

// reserveEntry claims the decision's entry slot: first against storage, then
// in the book, then through the storage unique index.
func (e *Engine) reserveEntry(ctx context.Context, sig models.Signal, qty int64) (models.Order, error) {
	entry := e.entryOrder(sig, qty)
	log := e.orderEntry(entry.ClientOrderID)

	exists, err := e.store.OrderExists(ctx, entry.ClientOrderID)
	if err != nil {
		return entry, fmt.Errorf("check %s: %w", entry.ClientOrderID, err)
	}
	if exists {
		log.Warn("decision already submitted, skipping")
		return entry, fmt.Errorf("%s: %w", sig.DecisionID, ErrDuplicateDecision)
	}

	if err := e.book.Insert(entry); err != nil {
		if errors.Is(err, orderstore.ErrExists) {
			log.Warn("decision already in flight, skipping")
			return entry, fmt.Errorf("%s: %w", sig.DecisionID, ErrDuplicateDecision)
		}
		return entry, err
	}
	if err := e.store.InsertOrder(ctx, entry); err != nil {
		e.book.Discard(entry.ClientOrderID)
		if errors.Is(err, storage.ErrDuplicateOrder) {
			log.Warn("decision already stored, skipping")
			return entry, fmt.Errorf("%s: %w", sig.DecisionID, ErrDuplicateDecision)
		}
		return entry, fmt.Errorf("store %s: %w", entry.ClientOrderID, err)
	}
	stored, _ := e.book.Get(entry.ClientOrderID)
	return stored, nil
}

// release undoes reserveEntry for an entry that never reached the broker.
// Storage goes first so a concurrent restore cannot bring the entry back.
func (e *Engine) release(ctx context.Context, entry models.Order) {
	ctx = context.WithoutCancel(ctx)
	e.coord.DropPlan(ctx, entry.GroupID)
	if err := e.store.DeleteOrder(ctx, entry.ClientOrderID); err != nil {
		e.logEntry(entry.GroupID).WithError(err).Warn("entry kept in storage")
	}
	if err := e.book.Discard(entry.ClientOrderID); err != nil {
		e.logEntry(entry.GroupID).WithError(err).Warn("entry kept in book")
	}
}

// placeEntry sends the reserved entry. On any failure the local record ends
// terminal: refusals before sending release the slot, broker rejections are
// REJECTED with the reason, and transport failures are CANCELLED without a
// broker id so a late broker order is cancelled by the watcher.
func (e *Engine) placeEntry(ctx context.Context, entry models.Order) (models.Order, error) {
	log := e.orderEntry(entry.ClientOrderID)

	if !e.lease.IsHeld() {
		log.Error("leadership lost before the entry was sent")
		e.release(ctx, entry)
		return entry, ErrLeadershipLost
	}

	brokerID, err := e.gateway.PlaceOrder(ctx, entry.Request())
	if err != nil {
		if errors.Is(err, broker.ErrNotSent) {
			log.WithError(err).Warn("entry not sent")
			e.release(ctx, entry)
			if errors.Is(err, broker.ErrRateLimited) {
				return entry, fmt.Errorf("%s: %w", entry.ClientOrderID, ErrRateLimited)
			}
			return entry, err
		}

		status := models.OrderStatusCancelled
		if errors.Is(err, broker.ErrRejected) || errors.Is(err, broker.ErrTokenExpired) {
			status = models.OrderStatusRejected
		}
		e.metrics.OrderRejected(string(models.OrderTagEntry))
		final := e.update(ctx, entry.ClientOrderID, func(o *models.Order) error {
			o.Status = status
			o.StatusMessage = broker.Reason(err)
			return nil
		})
		log.WithError(err).WithField("status", status).Warn("entry placement failed")
		return final, err
	}

	e.metrics.OrderPlaced(string(models.OrderTagEntry))
	placed := e.update(ctx, entry.ClientOrderID, func(o *models.Order) error {
		o.BrokerOrderID = brokerID
		if o.Status == models.OrderStatusPending {
			o.Status = models.OrderStatusOpen
		}
		return nil
	})
	e.recon.Poke()
	return placed, nil
}

// update applies fn to the shared record, persists the result and returns the
// current snapshot.
func (e *Engine) update(ctx context.Context, id string, fn func(o *models.Order) error) models.Order {
	change, err := e.book.Apply(id, fn)
	if err != nil {
		e.orderEntry(id).WithError(err).Debug("order update skipped")
	} else if change.Changed() {
		if serr := e.store.SaveOrder(context.WithoutCancel(ctx), change.After); serr != nil {
			e.logEntry(change.After.GroupID).WithError(serr).Warn("order update not persisted")
		}
	}
	current, _ := e.book.Get(id)
	return current
}
