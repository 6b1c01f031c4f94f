// Package oco manages one-cancels-other groups: a filled entry and the exit
// legs protecting it. At most one exit of a group may fill. The first fill
// resolves the group and cancels every other leg in the same locked step.
package oco

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/broker"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/metrics"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/orderstore"
	"github.com/sirupsen/logrus"
)

var (
	ErrEntryNotFilled = errors.New("entry order has no observed fill")
	ErrNotLeader      = errors.New("lease not held")
	ErrUnknownGroup   = errors.New("unknown OCO group")
	ErrNotSibling     = errors.New("order is not an exit of the group")
	ErrNoPlan         = errors.New("no exit plan for entry")
)

type Gateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

type Leadership interface {
	IsHeld() bool
}

type Store interface {
	InsertOrder(ctx context.Context, o models.Order) error
	SaveOrder(ctx context.Context, o models.Order) error
	SaveGroup(ctx context.Context, g models.OCOGroup) error
	SavePlan(ctx context.Context, p models.ExitPlan) error
	DeletePlan(ctx context.Context, groupID string) error
}

type Coordinator struct {
	book    *orderstore.Book
	gateway Gateway
	lease   Leadership
	store   Store
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(book *orderstore.Book, gw Gateway, lease Leadership, store Store, log *logger.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		book:    book,
		gateway: gw,
		lease:   lease,
		store:   store,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// RegisterGroup creates an AWAITING_ENTRY group for a filled entry. exits are
// templates; their quantity is set when the legs are placed. Registering an
// existing group id is a no-op.
func (c *Coordinator) RegisterGroup(ctx context.Context, entry models.Order, exits []models.Order) (string, error) {
	current, ok := c.book.Get(entry.ClientOrderID)
	if !ok {
		return "", fmt.Errorf("register group for %s: %w", entry.ClientOrderID, orderstore.ErrNotFound)
	}
	if current.FilledQuantity <= 0 {
		return "", fmt.Errorf("register group for %s: %w", entry.ClientOrderID, ErrEntryNotFilled)
	}
	if len(exits) == 0 {
		return "", fmt.Errorf("register group for %s: no exit legs", entry.ClientOrderID)
	}

	groupID := groupOf(current)
	templates, err := exitTemplates(groupID, exits)
	if err != nil {
		return "", fmt.Errorf("register group %s: %w", groupID, err)
	}

	err = c.book.PutGroup(models.OCOGroup{
		GroupID: groupID,
		EntryID: current.ClientOrderID,
		Exits:   templates,
		State:   models.GroupStateAwaitingEntry,
	})
	if errors.Is(err, orderstore.ErrExists) {
		c.logEntry(groupID).Debug("group already registered")
		return groupID, nil
	}
	if err != nil {
		return "", err
	}
	c.logEntry(groupID).WithFields(logrus.Fields{
		"entry_id": current.ClientOrderID,
		"legs":     len(templates),
		"filled":   current.FilledQuantity,
	}).Info("OCO group registered")
	return groupID, nil
}

func groupOf(entry models.Order) string {
	if entry.GroupID != "" {
		return entry.GroupID
	}
	return entry.ClientOrderID
}

func exitTemplates(groupID string, exits []models.Order) ([]models.Order, error) {
	templates := make([]models.Order, 0, len(exits))
	for _, leg := range exits {
		if leg.ClientOrderID == "" || !leg.IsExit() {
			return nil, fmt.Errorf("invalid exit leg %q (%s)", leg.ClientOrderID, leg.Tag)
		}
		leg.GroupID = groupID
		leg.Status = models.OrderStatusPending
		leg.BrokerOrderID = ""
		leg.FilledQuantity = 0
		templates = append(templates, leg)
	}
	return templates, nil
}

// PlanExits records the exit templates of an entry that has been reserved but
// not filled. The plan outlives the submitting call, so a fill observed later
// by the watcher, or by another instance after a restore, still gets its
// exits. The plan is kept until its group is retired.
func (c *Coordinator) PlanExits(ctx context.Context, entry models.Order, exits []models.Order) error {
	groupID := groupOf(entry)
	if len(exits) == 0 {
		return fmt.Errorf("plan exits for %s: no exit legs", entry.ClientOrderID)
	}
	templates, err := exitTemplates(groupID, exits)
	if err != nil {
		return fmt.Errorf("plan exits for %s: %w", entry.ClientOrderID, err)
	}
	plan := models.ExitPlan{GroupID: groupID, EntryID: entry.ClientOrderID, Exits: templates}
	if err := c.book.PutPlan(plan); err != nil {
		return err
	}
	if err := c.store.SavePlan(ctx, plan); err != nil {
		c.logEntry(groupID).WithError(err).Warn("exit plan not persisted")
	}
	return nil
}

// ProtectEntry registers the group of a filled entry from its plan and places
// the exits. It is safe to call from every path that sees the fill.
func (c *Coordinator) ProtectEntry(ctx context.Context, entryID string) (string, error) {
	entry, ok := c.book.Get(entryID)
	if !ok {
		return "", fmt.Errorf("protect %s: %w", entryID, orderstore.ErrNotFound)
	}
	groupID := groupOf(entry)
	plan, ok := c.book.Plan(groupID)
	if !ok || plan.EntryID != entryID {
		return groupID, fmt.Errorf("protect %s: %w", entryID, ErrNoPlan)
	}
	if _, err := c.RegisterGroup(ctx, entry, plan.Exits); err != nil {
		return groupID, err
	}
	return groupID, c.OnEntryFilled(ctx, groupID, entry.FilledQuantity)
}

// DropPlan forgets the exit plan of groupID.
func (c *Coordinator) DropPlan(ctx context.Context, groupID string) {
	c.book.DeletePlan(groupID)
	if err := c.store.DeletePlan(ctx, groupID); err != nil {
		c.logEntry(groupID).WithError(err).Warn("exit plan not deleted from storage")
	}
}

// OnEntryFilled places every exit leg sized to filledQty and activates the
// group. It does nothing once the group is ACTIVE or RESOLVED. Legs that could
// not be placed leave the group AWAITING_ENTRY so a later call retries them.
func (c *Coordinator) OnEntryFilled(ctx context.Context, groupID string, filledQty int64) error {
	if filledQty <= 0 {
		return fmt.Errorf("group %s: exit size %d: %w", groupID, filledQty, ErrEntryNotFilled)
	}
	return c.withGroup(groupID, func(g *models.OCOGroup) error {
		switch g.State {
		case models.GroupStateActive, models.GroupStateResolved:
			return nil
		case models.GroupStateAwaitingEntry:
		}
		return c.placeExits(ctx, g, filledQty)
	})
}

func (c *Coordinator) placeExits(ctx context.Context, g *models.OCOGroup, qty int64) error {
	var errs []error
	for _, tmpl := range g.Exits {
		if !c.lease.IsHeld() {
			errs = append(errs, fmt.Errorf("place %s: %w", tmpl.ClientOrderID, ErrNotLeader))
			break
		}
		if err := c.placeExit(ctx, g, tmpl, qty); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logEntry(g.GroupID).WithError(err).Error("exit placement incomplete, position not fully protected")
		return err
	}

	g.State = models.GroupStateActive
	c.persistGroup(ctx, g)
	c.logEntry(g.GroupID).WithFields(logrus.Fields{"exits": g.ExitIDs, "qty": qty}).Info("OCO group active")

	if c.allExitsTerminal(g) {
		c.resolve(ctx, g, "", "no exit leg accepted by broker")
		c.logEntry(g.GroupID).Error("every exit leg was rejected, position unprotected")
	}
	return nil
}

func (c *Coordinator) placeExit(ctx context.Context, g *models.OCOGroup, tmpl models.Order, qty int64) error {
	id := tmpl.ClientOrderID
	leg := tmpl
	leg.Quantity = qty

	if err := c.book.Insert(leg); err != nil {
		if !errors.Is(err, orderstore.ErrExists) {
			return err
		}
		existing, _ := c.book.Get(id)
		if existing.BrokerOrderID != "" || existing.Status.IsTerminal() {
			c.trackExit(g, id)
			return nil
		}
		leg = existing
	} else if err := c.store.InsertOrder(ctx, leg); err != nil {
		c.orderEntry(id).WithError(err).Warn("exit leg not persisted")
	}
	c.trackExit(g, id)

	brokerID, err := c.gateway.PlaceOrder(ctx, leg.Request())
	if err != nil {
		if errors.Is(err, broker.ErrRejected) {
			c.metrics.OrderRejected(string(leg.Tag))
			c.applyAndSave(ctx, id, func(o *models.Order) error {
				o.Status = models.OrderStatusRejected
				o.StatusMessage = broker.Reason(err)
				return nil
			})
			return nil
		}
		return fmt.Errorf("place %s: %w", id, err)
	}

	c.metrics.OrderPlaced(string(leg.Tag))
	c.metrics.OCOChildCreated()
	c.applyAndSave(ctx, id, func(o *models.Order) error {
		if o.BrokerOrderID == "" {
			o.BrokerOrderID = brokerID
		}
		if o.Status == models.OrderStatusPending {
			o.Status = models.OrderStatusOpen
		}
		return nil
	})
	return nil
}

func (c *Coordinator) trackExit(g *models.OCOGroup, id string) {
	if !g.HasExit(id) {
		g.ExitIDs = append(g.ExitIDs, id)
	}
}

// OnExitFilled resolves the group with filledOrderID as the winner and
// cancels every other live leg. Repeating the call for the same fill is a
// no-op; a fill of a different leg after resolution is an OCO breach.
func (c *Coordinator) OnExitFilled(ctx context.Context, groupID, filledOrderID string) error {
	return c.withGroup(groupID, func(g *models.OCOGroup) error {
		if !g.HasExit(filledOrderID) {
			return fmt.Errorf("group %s, order %s: %w", groupID, filledOrderID, ErrNotSibling)
		}
		switch g.State {
		case models.GroupStateResolved:
			if g.WinnerID == filledOrderID {
				return nil
			}
			if g.WinnerID == "" {
				c.orderEntry(filledOrderID).Warn("exit filled after the group was closed")
				return nil
			}
			c.metrics.OCOBreach()
			c.logEntry(groupID).WithFields(logrus.Fields{
				"winner":      g.WinnerID,
				"second_fill": filledOrderID,
			}).Error("OCO breach: second exit filled")
			return nil
		case models.GroupStateAwaitingEntry, models.GroupStateActive:
		}

		if !c.lease.IsHeld() {
			return fmt.Errorf("resolve group %s: %w", groupID, ErrNotLeader)
		}
		c.resolve(ctx, g, filledOrderID, "exit filled")
		return nil
	})
}

// OnExitClosed handles an exit that reached CANCELLED or REJECTED without a
// fill. An exit cancelled by someone else is a manual close of the group. A
// rejected exit only resolves the group once no exit is left working.
func (c *Coordinator) OnExitClosed(ctx context.Context, groupID, closedOrderID string) error {
	return c.withGroup(groupID, func(g *models.OCOGroup) error {
		if !g.HasExit(closedOrderID) {
			return fmt.Errorf("group %s, order %s: %w", groupID, closedOrderID, ErrNotSibling)
		}
		switch g.State {
		case models.GroupStateResolved, models.GroupStateAwaitingEntry:
			return nil
		case models.GroupStateActive:
		}

		closed, _ := c.book.Get(closedOrderID)
		manual := closed.Status == models.OrderStatusCancelled
		if !manual && !c.allExitsTerminal(g) {
			c.logEntry(groupID).WithFields(logrus.Fields{
				"client_order_id": closedOrderID,
				"reason":          closed.StatusMessage,
			}).Warn("exit leg closed, group still protected by its siblings")
			return nil
		}
		if !c.lease.IsHeld() {
			return fmt.Errorf("close group %s: %w", groupID, ErrNotLeader)
		}
		reason := "all exits closed"
		if manual {
			reason = fmt.Sprintf("exit %s cancelled", closedOrderID)
		}
		c.resolve(ctx, g, "", reason)
		return nil
	})
}

// Close resolves a group on operator request and cancels its live exits.
func (c *Coordinator) Close(ctx context.Context, groupID, reason string) error {
	return c.withGroup(groupID, func(g *models.OCOGroup) error {
		switch g.State {
		case models.GroupStateResolved:
			return nil
		case models.GroupStateAwaitingEntry, models.GroupStateActive:
		}
		if !c.lease.IsHeld() {
			return fmt.Errorf("close group %s: %w", groupID, ErrNotLeader)
		}
		if reason == "" {
			reason = "closed by operator"
		}
		c.resolve(ctx, g, "", reason)
		return nil
	})
}

// resolve marks the group RESOLVED and issues cancels for every other live
// leg. Cancels that fail are kept in PendingCancels for Sweep.
func (c *Coordinator) resolve(ctx context.Context, g *models.OCOGroup, winner, reason string) {
	g.State = models.GroupStateResolved
	g.WinnerID = winner
	g.CloseReason = reason
	g.ResolvedAt = c.now()

	g.PendingCancels = c.cancelLegs(ctx, g.GroupID, g.ExitIDs, winner)
	c.persistGroup(ctx, g)

	c.logEntry(g.GroupID).WithFields(logrus.Fields{
		"winner":          winner,
		"reason":          reason,
		"pending_cancels": len(g.PendingCancels),
	}).Info("OCO group resolved")
}

// cancelLegs cancels the live legs in ids other than except and returns the
// ones whose cancel must be retried.
func (c *Coordinator) cancelLegs(ctx context.Context, groupID string, ids []string, except string) []string {
	var pending []string
	for _, id := range ids {
		if id == except {
			continue
		}
		o, ok := c.book.Get(id)
		if !ok || o.Status.IsTerminal() {
			continue
		}
		if o.BrokerOrderID == "" {
			c.applyAndSave(ctx, id, func(o *models.Order) error {
				o.Status = models.OrderStatusCancelled
				o.StatusMessage = "never acknowledged by broker"
				return nil
			})
			continue
		}
		if !c.lease.IsHeld() {
			pending = append(pending, id)
			continue
		}

		err := c.gateway.CancelOrder(ctx, o.BrokerOrderID)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrNotFound), errors.Is(err, broker.ErrRejected):
			c.orderEntry(id).WithError(err).Warn("sibling cancel refused, broker state will decide")
		default:
			c.orderEntry(id).WithError(err).Warn("sibling cancel failed, will retry")
			pending = append(pending, id)
		}
	}
	return pending
}

// Sweep runs once per reconcile cycle. It retries pending cancels, resolves
// active groups whose fill was missed, places exits for filled entries whose
// placement failed earlier, and retires groups that are resolved, persisted
// and fully terminal.
func (c *Coordinator) Sweep(ctx context.Context) error {
	errs := c.sweepPlans(ctx)
	for _, groupID := range c.book.GroupIDs() {
		var retire []string
		err := c.withGroup(groupID, func(g *models.OCOGroup) error {
			switch g.State {
			case models.GroupStateAwaitingEntry:
				return c.sweepAwaiting(ctx, g)
			case models.GroupStateActive:
				c.sweepActive(ctx, g)
				return nil
			case models.GroupStateResolved:
			}

			if len(g.PendingCancels) > 0 && c.lease.IsHeld() {
				g.PendingCancels = c.cancelLegs(ctx, g.GroupID, g.PendingCancels, "")
				g.Persisted = false
			}
			if len(g.PendingCancels) > 0 || !c.allExitsTerminal(g) {
				return nil
			}
			if entry, ok := c.book.Get(g.EntryID); ok && !entry.Status.IsTerminal() {
				return nil
			}
			if !g.Persisted {
				c.persistGroup(ctx, g)
			}
			if g.Persisted {
				retire = append([]string{g.EntryID}, g.ExitIDs...)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if retire != nil {
			c.book.DeleteGroup(groupID)
			c.DropPlan(ctx, groupID)
			for _, id := range retire {
				if err := c.book.Remove(id); err != nil {
					c.logEntry(groupID).WithError(err).Warn("order kept in book")
				}
			}
			c.logEntry(groupID).Debug("OCO group retired")
		}
	}
	return errors.Join(errs...)
}

// sweepPlans protects filled entries that have a plan but no group yet and
// drops the plans of entries that ended without a fill.
func (c *Coordinator) sweepPlans(ctx context.Context) []error {
	var errs []error
	for _, groupID := range c.book.PlanIDs() {
		if _, ok := c.book.Group(groupID); ok {
			continue
		}
		plan, ok := c.book.Plan(groupID)
		if !ok {
			continue
		}
		entry, ok := c.book.Get(plan.EntryID)
		if !ok {
			continue
		}
		switch {
		case entry.Status.IsTerminal() && entry.FilledQuantity <= 0:
			c.DropPlan(ctx, groupID)
			c.logEntry(groupID).Debug("entry ended without a fill, exit plan dropped")
		case entry.Status == models.OrderStatusComplete || (entry.Status.IsTerminal() && entry.FilledQuantity > 0):
			if !c.lease.IsHeld() {
				continue
			}
			c.logEntry(groupID).WithField("filled", entry.FilledQuantity).Warn("filled entry has no group, protecting from plan")
			if _, err := c.ProtectEntry(ctx, plan.EntryID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

func (c *Coordinator) sweepAwaiting(ctx context.Context, g *models.OCOGroup) error {
	entry, ok := c.book.Get(g.EntryID)
	if !ok || !entry.Status.IsTerminal() || entry.FilledQuantity <= 0 || !c.lease.IsHeld() {
		return nil
	}
	return c.placeExits(ctx, g, entry.FilledQuantity)
}

func (c *Coordinator) sweepActive(ctx context.Context, g *models.OCOGroup) {
	if !c.lease.IsHeld() {
		return
	}
	for _, id := range g.ExitIDs {
		if o, ok := c.book.Get(id); ok && o.Status == models.OrderStatusComplete {
			c.resolve(ctx, g, id, "exit filled")
			return
		}
	}
	if c.allExitsTerminal(g) {
		c.resolve(ctx, g, "", "all exits closed")
	}
}

func (c *Coordinator) allExitsTerminal(g *models.OCOGroup) bool {
	for _, id := range g.ExitIDs {
		if o, ok := c.book.Get(id); ok && !o.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (c *Coordinator) persistGroup(ctx context.Context, g *models.OCOGroup) {
	if err := c.store.SaveGroup(ctx, *g); err != nil {
		g.Persisted = false
		c.logEntry(g.GroupID).WithError(err).Warn("group not persisted, will retry")
		return
	}
	g.Persisted = true
}

func (c *Coordinator) applyAndSave(ctx context.Context, id string, fn func(o *models.Order) error) {
	change, err := c.book.Apply(id, fn)
	if err != nil {
		c.orderEntry(id).WithError(err).Warn("order update refused")
		return
	}
	if !change.Changed() {
		return
	}
	if err := c.store.SaveOrder(ctx, change.After); err != nil {
		c.orderEntry(id).WithError(err).Warn("order not persisted")
	}
}

func (c *Coordinator) withGroup(groupID string, fn func(g *models.OCOGroup) error) error {
	err := c.book.WithGroup(groupID, fn)
	if errors.Is(err, orderstore.ErrNotFound) {
		return fmt.Errorf("group %s: %w", groupID, ErrUnknownGroup)
	}
	return err
}

// Groups returns snapshots of the live groups.
func (c *Coordinator) Groups() []models.OCOGroup {
	ids := c.book.GroupIDs()
	out := make([]models.OCOGroup, 0, len(ids))
	for _, id := range ids {
		if g, ok := c.book.Group(id); ok {
			out = append(out, g)
		}
	}
	return out
}

func (c *Coordinator) logEntry(groupID string) *logrus.Entry {
	return c.log.WithGroupID("oco", groupID)
}

func (c *Coordinator) orderEntry(clientOrderID string) *logrus.Entry {
	return c.log.WithOrderID("oco", clientOrderID)
}
