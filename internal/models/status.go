package models

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusComplete  OrderStatus = "COMPLETE"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusOpen,
	OrderStatusPartial,
	OrderStatusComplete,
	OrderStatusCancelled,
	OrderStatusRejected,
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusComplete, OrderStatusCancelled, OrderStatusRejected:
		return true
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartial:
		return false
	default:
		return false
	}
}

func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusOpen:
		return 1
	case OrderStatusPartial:
		return 2
	case OrderStatusComplete, OrderStatusCancelled, OrderStatusRejected:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether an order may move from one status to another.
// Statuses only move forward and nothing leaves a terminal state.
func CanTransition(from, to OrderStatus) bool {
	if from.rank() < 0 || to.rank() < 0 {
		return false
	}
	if from.IsTerminal() {
		return from == to
	}
	return to.rank() >= from.rank()
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, st := range AllOrderStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

type GroupState string

const (
	GroupStateAwaitingEntry GroupState = "AWAITING_ENTRY"
	GroupStateActive        GroupState = "ACTIVE"
	GroupStateResolved      GroupState = "RESOLVED"
)

// OCOGroup links one filled entry with its protective exits. Orders are
// referenced by client order id; the records themselves live in the order book.
type OCOGroup struct {
	GroupID        string     `json:"group_id"`
	EntryID        string     `json:"entry_id"`
	Exits          []Order    `json:"exits"`
	ExitIDs        []string   `json:"exit_ids"`
	State          GroupState `json:"state"`
	WinnerID       string     `json:"winner_id"`
	CloseReason    string     `json:"close_reason"`
	PendingCancels []string   `json:"pending_cancels"`
	ResolvedAt     time.Time  `json:"resolved_at"`
	Persisted      bool       `json:"persisted"`
}

// Rank orders group states along their only legal direction.
func (s GroupState) Rank() int {
	switch s {
	case GroupStateAwaitingEntry:
		return 0
	case GroupStateActive:
		return 1
	case GroupStateResolved:
		return 2
	}
	return -1
}

// ExitPlan holds the exit templates of a decision from the moment its entry is
// sent until the group it becomes is retired. It lets whoever sees the entry
// fill build the group, even after the submitting call has returned.
type ExitPlan struct {
	GroupID string  `json:"group_id"`
	EntryID string  `json:"entry_id"`
	Exits   []Order `json:"exits"`
}

func (p ExitPlan) Clone() ExitPlan {
	c := p
	c.Exits = append([]Order(nil), p.Exits...)
	return c
}

func (g OCOGroup) Clone() OCOGroup {
	c := g
	c.Exits = append([]Order(nil), g.Exits...)
	c.ExitIDs = append([]string(nil), g.ExitIDs...)
	c.PendingCancels = append([]string(nil), g.PendingCancels...)
	return c
}

func (g OCOGroup) HasExit(clientOrderID string) bool {
	for _, id := range g.ExitIDs {
		if id == clientOrderID {
			return true
		}
	}
	return false
}
