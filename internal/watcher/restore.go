package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/orderstore"
	"github.com/sirupsen/logrus"
)

// Restore loads what a previous leader left in storage into the book: exit
// plans, orders that are not terminal and groups that are not retired. Poll
// runs it once each time the lease is acquired, before the first sweep, so
// fills that happened during the handover reach the OCO hooks.
//
// Records already in the book are only moved forward.
func (w *Watcher) Restore(ctx context.Context) error {
	plans, err := w.store.Plans(ctx)
	if err != nil {
		return fmt.Errorf("load exit plans: %w", err)
	}
	groups, err := w.store.LiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	orders, err := w.store.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}

	live := make(map[string]bool, len(groups))
	for _, rec := range groups {
		live[rec.GroupID] = true
	}

	var restoredOrders int
	for _, o := range orders {
		if w.restoreOrder(o) {
			restoredOrders++
		}
	}

	planned := make(map[string]models.ExitPlan, len(plans))
	for _, p := range plans {
		if !live[p.GroupID] {
			done, err := w.store.LoadGroup(ctx, p.GroupID)
			if err != nil {
				return fmt.Errorf("load group %s: %w", p.GroupID, err)
			}
			if done != nil {
				if err := w.store.DeletePlan(ctx, p.GroupID); err != nil {
					w.groupEntry(p.GroupID).WithError(err).Warn("stale exit plan not deleted")
				}
				continue
			}
		}
		if err := w.book.PutPlan(p); err != nil {
			w.groupEntry(p.GroupID).WithError(err).Warn("exit plan not restored")
			continue
		}
		planned[p.GroupID] = p
		entry, err := w.store.LoadOrder(ctx, p.EntryID)
		if err != nil {
			return fmt.Errorf("load entry %s: %w", p.EntryID, err)
		}
		if entry != nil && w.restoreOrder(*entry) {
			restoredOrders++
		}
	}

	for _, rec := range groups {
		legs, err := w.store.OrdersByGroup(ctx, rec.GroupID)
		if err != nil {
			return fmt.Errorf("load legs of %s: %w", rec.GroupID, err)
		}
		for _, o := range legs {
			if w.restoreOrder(o) {
				restoredOrders++
			}
		}

		g := rec.ToGroup()
		if p, ok := planned[g.GroupID]; ok {
			g.Exits = p.Exits
		}
		if g.State == models.GroupStateResolved {
			for _, id := range g.ExitIDs {
				if id == g.WinnerID {
					continue
				}
				if o, ok := w.book.Get(id); ok && !o.Status.IsTerminal() {
					g.PendingCancels = append(g.PendingCancels, id)
				}
			}
		}
		w.restoreGroup(g)
	}

	w.logEntry().WithFields(logrus.Fields{
		"orders": restoredOrders,
		"groups": len(groups),
		"plans":  len(planned),
	}).Info("live state restored from storage")
	return nil
}

// restoreOrder adds a stored order to the book, or moves the book's record
// forward to the stored state. It reports whether the book changed.
func (w *Watcher) restoreOrder(o models.Order) bool {
	err := w.book.Insert(o)
	if err == nil {
		return true
	}
	if !errors.Is(err, orderstore.ErrExists) {
		w.orderEntry(o.ClientOrderID).WithError(err).Warn("order not restored")
		return false
	}

	change, err := w.book.Apply(o.ClientOrderID, func(cur *models.Order) error {
		if o.FilledQuantity < cur.FilledQuantity || !models.CanTransition(cur.Status, o.Status) {
			return errStale
		}
		if cur.BrokerOrderID == "" {
			cur.BrokerOrderID = o.BrokerOrderID
		}
		cur.Status = o.Status
		cur.FilledQuantity = o.FilledQuantity
		if !o.AveragePrice.IsZero() {
			cur.AveragePrice = o.AveragePrice
		}
		return nil
	})
	return err == nil && change.Changed()
}

// restoreGroup adds a stored group to the book. A group the book already
// holds takes the stored state only when it is further along.
func (w *Watcher) restoreGroup(g models.OCOGroup) {
	err := w.book.PutGroup(g)
	if err == nil || !errors.Is(err, orderstore.ErrExists) {
		if err != nil {
			w.groupEntry(g.GroupID).WithError(err).Warn("group not restored")
		}
		return
	}

	w.book.WithGroup(g.GroupID, func(cur *models.OCOGroup) error {
		for _, id := range g.ExitIDs {
			if !cur.HasExit(id) {
				cur.ExitIDs = append(cur.ExitIDs, id)
			}
		}
		if len(cur.Exits) == 0 {
			cur.Exits = g.Exits
		}
		if g.State.Rank() > cur.State.Rank() {
			cur.State = g.State
			cur.WinnerID = g.WinnerID
			cur.CloseReason = g.CloseReason
			cur.ResolvedAt = g.ResolvedAt
			cur.PendingCancels = g.PendingCancels
			cur.Persisted = true
		}
		return nil
	})
}
