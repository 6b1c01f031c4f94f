// Package orderstore holds the live order and OCO group records shared by the
// engine, the coordinator and the watcher.
//
// Every order has exactly one record. Mutations go through Apply, which runs
// under that record's lock, rejects backwards status moves and wakes anyone
// waiting on the record. Readers only ever receive copies. Groups follow the
// same rule through WithGroup. When both locks are needed the group lock is
// taken first.
package orderstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/models"
)

var (
	ErrExists            = errors.New("record already exists")
	ErrNotFound          = errors.New("record not found")
	ErrIllegalTransition = errors.New("illegal order status transition")
)

type orderRecord struct {
	mu      sync.Mutex
	order   models.Order
	changed chan struct{}
}

type groupRecord struct {
	mu    sync.Mutex
	group models.OCOGroup
}

type Book struct {
	mu       sync.RWMutex
	orders   map[string]*orderRecord
	byBroker map[string]string
	groups   map[string]*groupRecord
	plans    map[string]models.ExitPlan
	now      func() time.Time
}

func NewBook() *Book {
	return &Book{
		orders:   make(map[string]*orderRecord),
		byBroker: make(map[string]string),
		groups:   make(map[string]*groupRecord),
		plans:    make(map[string]models.ExitPlan),
		now:      time.Now,
	}
}

// Insert adds a new order record. A second insert for the same client order id
// fails with ErrExists, which makes the book the first duplicate guard.
func (b *Book) Insert(order models.Order) error {
	if order.ClientOrderID == "" {
		return fmt.Errorf("insert order: empty client order id")
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	now := b.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[order.ClientOrderID]; ok {
		return fmt.Errorf("insert order %s: %w", order.ClientOrderID, ErrExists)
	}
	b.orders[order.ClientOrderID] = &orderRecord{order: order, changed: make(chan struct{})}
	if order.BrokerOrderID != "" {
		b.byBroker[order.BrokerOrderID] = order.ClientOrderID
	}
	return nil
}

func (b *Book) record(clientOrderID string) (*orderRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.orders[clientOrderID]
	return rec, ok
}

func (b *Book) Get(clientOrderID string) (models.Order, bool) {
	rec, ok := b.record(clientOrderID)
	if !ok {
		return models.Order{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.order, true
}

// Change is the result of Apply: the record before and after the mutation.
type Change struct {
	Before models.Order
	After  models.Order
}

func (c Change) Changed() bool {
	return c.Before.Status != c.After.Status ||
		c.Before.FilledQuantity != c.After.FilledQuantity ||
		!c.Before.AveragePrice.Equal(c.After.AveragePrice) ||
		c.Before.BrokerOrderID != c.After.BrokerOrderID ||
		c.Before.StatusMessage != c.After.StatusMessage
}

// BecameFilled reports the transition into COMPLETE.
func (c Change) BecameFilled() bool {
	return c.After.Status == models.OrderStatusComplete && c.Before.Status != models.OrderStatusComplete
}

// BecameTerminal reports any transition into a terminal status.
func (c Change) BecameTerminal() bool {
	return c.After.Status.IsTerminal() && !c.Before.Status.IsTerminal()
}

// Apply is the single mutation entry point for an order. fn edits a copy; the
// copy is committed only if fn succeeds and the status move is legal.
func (b *Book) Apply(clientOrderID string, fn func(o *models.Order) error) (Change, error) {
	rec, ok := b.record(clientOrderID)
	if !ok {
		return Change{}, fmt.Errorf("apply %s: %w", clientOrderID, ErrNotFound)
	}

	rec.mu.Lock()
	before := rec.order
	after := before
	if err := fn(&after); err != nil {
		rec.mu.Unlock()
		return Change{Before: before, After: before}, err
	}
	if !models.CanTransition(before.Status, after.Status) {
		rec.mu.Unlock()
		return Change{Before: before, After: before}, fmt.Errorf("%s %s -> %s: %w", clientOrderID, before.Status, after.Status, ErrIllegalTransition)
	}
	after.ClientOrderID = before.ClientOrderID

	change := Change{Before: before, After: after}
	if !change.Changed() {
		rec.mu.Unlock()
		return change, nil
	}
	if before.Status.IsTerminal() {
		rec.mu.Unlock()
		return Change{Before: before, After: before}, fmt.Errorf("%s is terminal (%s): %w", clientOrderID, before.Status, ErrIllegalTransition)
	}
	after.UpdatedAt = b.now()
	change.After = after
	rec.order = after
	close(rec.changed)
	rec.changed = make(chan struct{})
	rec.mu.Unlock()

	if after.BrokerOrderID != "" && after.BrokerOrderID != before.BrokerOrderID {
		b.mu.Lock()
		b.byBroker[after.BrokerOrderID] = clientOrderID
		b.mu.Unlock()
	}
	return change, nil
}

// Changed returns a channel that is closed on the next committed mutation of
// the order. Callers re-read the record after it fires.
func (b *Book) Changed(clientOrderID string) (<-chan struct{}, bool) {
	rec, ok := b.record(clientOrderID)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.changed, true
}

func (b *Book) LookupBroker(brokerOrderID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byBroker[brokerOrderID]
	return id, ok
}

// Open returns snapshots of every non-terminal order, oldest first.
func (b *Book) Open() []models.Order {
	b.mu.RLock()
	recs := make([]*orderRecord, 0, len(b.orders))
	for _, rec := range b.orders {
		recs = append(recs, rec)
	}
	b.mu.RUnlock()

	var out []models.Order
	for _, rec := range recs {
		rec.mu.Lock()
		o := rec.order
		rec.mu.Unlock()
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

// Remove drops an order record. Only terminal orders may be removed.
func (b *Book) Remove(clientOrderID string) error {
	rec, ok := b.record(clientOrderID)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	o := rec.order
	rec.mu.Unlock()
	if !o.Status.IsTerminal() {
		return fmt.Errorf("remove %s in status %s: %w", clientOrderID, o.Status, ErrIllegalTransition)
	}

	b.mu.Lock()
	delete(b.orders, clientOrderID)
	if o.BrokerOrderID != "" {
		delete(b.byBroker, o.BrokerOrderID)
	}
	b.mu.Unlock()
	return nil
}

// Discard drops a PENDING order that was never sent to the broker, so its
// client order id can be used again.
func (b *Book) Discard(clientOrderID string) error {
	rec, ok := b.record(clientOrderID)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	o := rec.order
	rec.mu.Unlock()
	if o.Status != models.OrderStatusPending || o.BrokerOrderID != "" {
		return fmt.Errorf("discard %s in status %s: %w", clientOrderID, o.Status, ErrIllegalTransition)
	}

	b.mu.Lock()
	delete(b.orders, clientOrderID)
	b.mu.Unlock()
	return nil
}

func (b *Book) PutGroup(g models.OCOGroup) error {
	if g.GroupID == "" {
		return fmt.Errorf("put group: empty group id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.groups[g.GroupID]; ok {
		return fmt.Errorf("put group %s: %w", g.GroupID, ErrExists)
	}
	b.groups[g.GroupID] = &groupRecord{group: g.Clone()}
	return nil
}

func (b *Book) groupRecord(groupID string) (*groupRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.groups[groupID]
	return rec, ok
}

func (b *Book) Group(groupID string) (models.OCOGroup, bool) {
	rec, ok := b.groupRecord(groupID)
	if !ok {
		return models.OCOGroup{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.group.Clone(), true
}

// WithGroup runs fn with the group's lock held. fn works on the live record,
// so every state change of a group is strictly ordered.
func (b *Book) WithGroup(groupID string, fn func(g *models.OCOGroup) error) error {
	rec, ok := b.groupRecord(groupID)
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return fn(&rec.group)
}

func (b *Book) DeleteGroup(groupID string) {
	b.mu.Lock()
	delete(b.groups, groupID)
	b.mu.Unlock()
}

func (b *Book) GroupIDs() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.groups))
	for id := range b.groups {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// PutPlan stores the exit plan of a group, replacing any earlier one.
func (b *Book) PutPlan(p models.ExitPlan) error {
	if p.GroupID == "" || p.EntryID == "" {
		return fmt.Errorf("put plan: empty group or entry id")
	}
	b.mu.Lock()
	b.plans[p.GroupID] = p.Clone()
	b.mu.Unlock()
	return nil
}

func (b *Book) Plan(groupID string) (models.ExitPlan, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.plans[groupID]
	if !ok {
		return models.ExitPlan{}, false
	}
	return p.Clone(), true
}

func (b *Book) DeletePlan(groupID string) {
	b.mu.Lock()
	delete(b.plans, groupID)
	b.mu.Unlock()
}

func (b *Book) PlanIDs() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.plans))
	for id := range b.plans {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
