// Package engine turns an approved trade decision into an entry order, waits
// for it to fill and hands the filled quantity to the OCO coordinator.
package engine

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
	"github.com/sayujks0071/antidhan-sub001/internal/storage"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotLeader         = errors.New("not the leader, signal refused")
	ErrNoSession         = errors.New("live trading without a broker session")
	ErrDuplicateDecision = errors.New("decision already submitted")
	ErrRateLimited       = errors.New("order rate limit saturated, try later")
	ErrLeadershipLost    = errors.New("leadership lost during execution")
	ErrEntryStillWorking = errors.New("entry still working at broker after cancel")
)

type Gateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

type Coordinator interface {
	PlanExits(ctx context.Context, entry models.Order, exits []models.Order) error
	ProtectEntry(ctx context.Context, entryID string) (string, error)
	DropPlan(ctx context.Context, groupID string)
}

type Reconciler interface {
	ReconcileOrder(ctx context.Context, clientOrderID string) (models.Order, error)
	Poke()
}

type Leadership interface {
	IsHeld() bool
}

type Session interface {
	HasToken() bool
}

type Store interface {
	OrderExists(ctx context.Context, clientOrderID string, statuses ...models.OrderStatus) (bool, error)
	InsertOrder(ctx context.Context, o models.Order) error
	SaveOrder(ctx context.Context, o models.Order) error
	DeleteOrder(ctx context.Context, clientOrderID string) error
	RecordOutcome(ctx context.Context, out storage.Outcome) error
}

type Config struct {
	Live           bool
	EntryOrderType models.OrderType
	FillTimeout    time.Duration
}

// Deps are the collaborators an Engine drives. Session may be nil in paper
// mode.
type Deps struct {
	Book        *orderstore.Book
	Gateway     Gateway
	Coordinator Coordinator
	Reconciler  Reconciler
	Lease       Leadership
	Session     Session
	Store       Store
}

type Engine struct {
	cfg     Config
	book    *orderstore.Book
	gateway Gateway
	coord   Coordinator
	recon   Reconciler
	lease   Leadership
	session Session
	store   Store
	log     *logger.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, deps Deps, log *logger.Logger, m *metrics.Metrics) *Engine {
	if cfg.EntryOrderType == "" {
		cfg.EntryOrderType = models.OrderTypeMarket
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		book:    deps.Book,
		gateway: deps.Gateway,
		coord:   deps.Coordinator,
		recon:   deps.Reconciler,
		lease:   deps.Lease,
		session: deps.Session,
		store:   deps.Store,
		log:     log,
		metrics: m,
	}
}

// ExecuteSignal places the entry for sig, waits up to the fill timeout and
// reports how it ended. Refusals come back as REJECTED with one of the
// package errors; a broker rejection is REJECTED with a nil error and the
// broker's reason in the order's StatusMessage. An entry the broker still
// works after the cancel comes back with ErrEntryStillWorking; its exits are
// placed by whoever observes the fill.
func (e *Engine) ExecuteSignal(ctx context.Context, sig models.Signal, qty int64) (models.OrderResult, models.Order, error) {
	if !e.lease.IsHeld() {
		e.logEntry(sig.DecisionID).Warn("signal refused, not leader")
		return models.OrderResultRejected, models.Order{}, ErrNotLeader
	}
	if err := sig.Validate(); err != nil {
		return models.OrderResultRejected, models.Order{}, err
	}
	if qty <= 0 {
		return models.OrderResultRejected, models.Order{}, fmt.Errorf("signal %s: quantity %d must be positive", sig.DecisionID, qty)
	}
	if e.cfg.Live && (e.session == nil || !e.session.HasToken()) {
		e.logEntry(sig.DecisionID).Error("live trading without a broker session, signal refused")
		return models.OrderResultRejected, models.Order{}, ErrNoSession
	}

	entry, err := e.reserveEntry(ctx, sig, qty)
	if err != nil {
		return models.OrderResultRejected, entry, err
	}
	if exits := exitLegs(sig); len(exits) > 0 {
		if err := e.coord.PlanExits(ctx, entry, exits); err != nil {
			e.logEntry(sig.DecisionID).WithError(err).Error("exit plan not recorded, a late fill will be unprotected")
		}
	}

	placed, err := e.placeEntry(ctx, entry)
	if err != nil {
		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrLeadershipLost) {
			return models.OrderResultRejected, placed, err
		}
		return e.finish(ctx, models.OrderResultRejected, placed, "", nil)
	}

	final, filled := e.waitEntryFill(ctx, placed.ClientOrderID)
	if filled {
		return e.finish(ctx, models.OrderResultSuccess, final, "", e.protect(ctx, sig, final))
	}
	var note string
	if err := ctx.Err(); err != nil {
		note = fmt.Sprintf("fill wait interrupted: %v", err)
		e.orderEntry(placed.ClientOrderID).WithError(err).Warn("fill wait interrupted, settling entry")
	}
	return e.afterTimeout(ctx, sig, final, note)
}

// afterTimeout cancels what is left of the entry, reconciles it once more and
// settles on TIMEOUT, PARTIAL or SUCCESS from the reconciled fill. note, when
// set, is recorded as the outcome's reason.
func (e *Engine) afterTimeout(ctx context.Context, sig models.Signal, entry models.Order, note string) (models.OrderResult, models.Order, error) {
	ctx = context.WithoutCancel(ctx)
	log := e.orderEntry(entry.ClientOrderID)

	if entry.Status == models.OrderStatusRejected {
		return e.finish(ctx, models.OrderResultRejected, entry, note, nil)
	}
	if !entry.Status.IsTerminal() {
		if !e.lease.IsHeld() {
			log.Error("leadership lost before the entry could be cancelled")
			return e.finish(ctx, models.OrderResultTimeout, entry, note, ErrLeadershipLost)
		}
		log.WithField("filled", entry.FilledQuantity).Info("entry not filled in time, cancelling remainder")
		if err := e.gateway.CancelOrder(ctx, entry.BrokerOrderID); err != nil &&
			!errors.Is(err, broker.ErrNotFound) && !errors.Is(err, broker.ErrRejected) {
			log.WithError(err).Warn("entry cancel failed")
		}
		reconciled, err := e.recon.ReconcileOrder(ctx, entry.ClientOrderID)
		if err != nil {
			log.WithError(err).Warn("entry reconcile after cancel failed")
		} else {
			entry = reconciled
		}
	}

	switch {
	case entry.Status == models.OrderStatusComplete:
		return e.finish(ctx, models.OrderResultSuccess, entry, note, e.protect(ctx, sig, entry))
	case entry.Status == models.OrderStatusRejected:
		return e.finish(ctx, models.OrderResultRejected, entry, note, nil)
	case !entry.Status.IsTerminal():
		log.WithFields(logrus.Fields{
			"status": entry.Status,
			"filled": entry.FilledQuantity,
		}).Error("entry still working at broker after cancel, exits will follow its fill")
		if note == "" {
			note = ErrEntryStillWorking.Error()
		}
		result := models.OrderResultTimeout
		if entry.FilledQuantity > 0 {
			result = models.OrderResultPartial
		}
		return e.finish(ctx, result, entry, note, ErrEntryStillWorking)
	case entry.FilledQuantity > 0:
		return e.finish(ctx, models.OrderResultPartial, entry, note, e.protect(ctx, sig, entry))
	default:
		return e.finish(ctx, models.OrderResultTimeout, entry, note, nil)
	}
}

// protect builds the OCO group of a filled entry from its exit plan and places
// the exits. Placement failures are left to the coordinator's sweep.
func (e *Engine) protect(ctx context.Context, sig models.Signal, entry models.Order) error {
	log := e.logEntry(sig.DecisionID)
	if len(exitLegs(sig)) == 0 {
		log.Warn("signal has no stop or targets, position left unprotected")
		return nil
	}
	if _, err := e.coord.ProtectEntry(ctx, entry.ClientOrderID); err != nil {
		log.WithError(err).Error("exit placement incomplete, sweep will retry")
		if !e.lease.IsHeld() {
			return ErrLeadershipLost
		}
	}
	return nil
}

// finish logs and persists a terminal outcome. note takes precedence over the
// broker's message as the recorded reason.
func (e *Engine) finish(ctx context.Context, result models.OrderResult, entry models.Order, note string, err error) (models.OrderResult, models.Order, error) {
	ctx = context.WithoutCancel(ctx)
	out := storage.Outcome{
		DecisionID:     entry.GroupID,
		ClientOrderID:  entry.ClientOrderID,
		BrokerOrderID:  entry.BrokerOrderID,
		Result:         string(result),
		Quantity:       entry.Quantity,
		FilledQuantity: entry.FilledQuantity,
		AveragePrice:   entry.AveragePrice,
		Reason:         note,
	}
	if out.Reason == "" {
		out.Reason = entry.StatusMessage
	}
	if err != nil && out.Reason == "" {
		out.Reason = err.Error()
	}
	if serr := e.store.RecordOutcome(ctx, out); serr != nil {
		e.logEntry(entry.GroupID).WithError(serr).Error("outcome not persisted")
	}
	e.metrics.Outcome(string(result))

	fields := logrus.Fields{
		"result":          result,
		"client_order_id": entry.ClientOrderID,
		"broker_order_id": entry.BrokerOrderID,
		"qty":             entry.Quantity,
		"filled":          entry.FilledQuantity,
		"avg_price":       entry.AveragePrice.String(),
	}
	if out.Reason != "" {
		fields["reason"] = out.Reason
	}
	e.logEntry(entry.GroupID).WithFields(fields).Info("signal executed")
	return result, entry, err
}
