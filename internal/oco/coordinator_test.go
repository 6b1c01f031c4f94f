package oco

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sayujks0071/antidhan-sub001/internal/broker"
	"github.com/sayujks0071/antidhan-sub001/internal/broker/paper"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/metrics"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/orderstore"
	"github.com/sayujks0071/antidhan-sub001/internal/storage"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

type fakeLease struct{ held atomic.Bool }

func (l *fakeLease) IsHeld() bool { return l.held.Load() }

type harness struct {
	ctx     context.Context
	book    *orderstore.Book
	broker  *paper.Broker
	lease   *fakeLease
	db      *storage.Database
	metrics *metrics.Metrics
	coord   *Coordinator
}

func newHarness(t testing.TB) *harness {
	db, err := storage.Open(filepath.Join(t.TempDir(), "oco.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		ctx:     context.Background(),
		book:    orderstore.NewBook(),
		broker:  paper.New(logger.Discard()),
		lease:   &fakeLease{},
		db:      db,
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.lease.held.Store(true)
	h.coord = New(h.book, h.broker, h.lease, db, logger.Discard(), h.metrics)
	return h
}

// filledEntry puts a P1 entry of qty into the book with filled executed.
func (h *harness) filledEntry(t fataler, qty, filled int64) models.Order {
	t.Helper()
	entry := models.Order{
		ClientOrderID: models.ClientOrderID("P1", models.OrderTagEntry),
		GroupID:       "P1",
		Symbol:        "INFY",
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
		Tag:           models.OrderTagEntry,
		Quantity:      qty,
	}
	if err := h.book.Insert(entry); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	status := models.OrderStatusComplete
	if filled < qty {
		status = models.OrderStatusCancelled
	}
	if filled > 0 {
		h.book.Apply(entry.ClientOrderID, func(o *models.Order) error {
			o.Status = status
			o.FilledQuantity = filled
			o.BrokerOrderID = "B-ENTRY"
			return nil
		})
	}
	got, _ := h.book.Get(entry.ClientOrderID)
	return got
}

func exitLegs() []models.Order {
	return []models.Order{
		{
			ClientOrderID: models.ClientOrderID("P1", models.OrderTagStop),
			Symbol:        "INFY",
			Side:          models.OrderSideSell,
			Type:          models.OrderTypeStopLossM,
			Tag:           models.OrderTagStop,
			TriggerPrice:  decimal.NewFromInt(1480),
		},
		{
			ClientOrderID: models.ClientOrderID("P1", models.OrderTagTP1),
			Symbol:        "INFY",
			Side:          models.OrderSideSell,
			Type:          models.OrderTypeLimit,
			Tag:           models.OrderTagTP1,
			Price:         decimal.NewFromInt(1560),
		},
	}
}

// activeGroup registers P1 with a filled entry and places its exits.
func (h *harness) activeGroup(t fataler, filled int64) {
	t.Helper()
	entry := h.filledEntry(t, filled, filled)
	if _, err := h.coord.RegisterGroup(h.ctx, entry, exitLegs()); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
	if err := h.coord.OnEntryFilled(h.ctx, "P1", filled); err != nil {
		t.Fatalf("OnEntryFilled: %v", err)
	}
}

// observe copies the paper broker's view of an order into the book, as the
// watcher would.
func (h *harness) observe(t fataler, id string) {
	t.Helper()
	bo, ok := h.broker.Order(id)
	if !ok {
		t.Fatalf("broker has no order %s", id)
	}
	h.book.Apply(id, func(o *models.Order) error {
		o.Status = bo.Status
		o.FilledQuantity = bo.FilledQuantity
		o.AveragePrice = bo.AveragePrice
		return nil
	})
}

func TestRegisterGroupRequiresObservedFill(t *testing.T) {
	h := newHarness(t)
	entry := h.filledEntry(t, 50, 0)

	_, err := h.coord.RegisterGroup(h.ctx, entry, exitLegs())
	if !errors.Is(err, ErrEntryNotFilled) {
		t.Fatalf("err = %v, want ErrEntryNotFilled", err)
	}
	if len(h.book.GroupIDs()) != 0 {
		t.Fatal("group created before the entry filled")
	}
}

func TestRegisterGroupIsIdempotent(t *testing.T) {
	h := newHarness(t)
	entry := h.filledEntry(t, 50, 50)

	for i := 0; i < 2; i++ {
		id, err := h.coord.RegisterGroup(h.ctx, entry, exitLegs())
		if err != nil || id != "P1" {
			t.Fatalf("RegisterGroup #%d = %q, %v", i, id, err)
		}
	}
	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateAwaitingEntry || len(g.Exits) != 2 || len(g.ExitIDs) != 0 {
		t.Fatalf("group = %+v", g)
	}
}

func TestOnEntryFilledSizesExitsToFill(t *testing.T) {
	h := newHarness(t)
	entry := h.filledEntry(t, 100, 40)
	h.coord.RegisterGroup(h.ctx, entry, exitLegs())

	if err := h.coord.OnEntryFilled(h.ctx, "P1", 40); err != nil {
		t.Fatalf("OnEntryFilled: %v", err)
	}
	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateActive || len(g.ExitIDs) != 2 {
		t.Fatalf("group = %+v", g)
	}
	for _, id := range g.ExitIDs {
		o, _ := h.book.Get(id)
		if o.Quantity != 40 || o.Status != models.OrderStatusOpen || o.BrokerOrderID == "" || o.GroupID != "P1" {
			t.Fatalf("exit %s = %+v", id, o)
		}
		bo, _ := h.broker.Order(id)
		if bo.Quantity != 40 {
			t.Fatalf("broker exit %s qty = %d, want 40", id, bo.Quantity)
		}
		stored, _ := h.db.LoadOrder(h.ctx, id)
		if stored == nil || stored.BrokerOrderID != o.BrokerOrderID {
			t.Fatalf("stored exit %s = %+v", id, stored)
		}
	}
	if got := testutil.ToFloat64(h.metrics.OCOChildren); got != 2 {
		t.Fatalf("oco children = %v, want 2", got)
	}

	if err := h.coord.OnEntryFilled(h.ctx, "P1", 40); err != nil {
		t.Fatalf("second OnEntryFilled: %v", err)
	}
	if h.broker.Placed() != 2 {
		t.Fatalf("placed = %d after repeated call, want 2", h.broker.Placed())
	}
}

func TestExitFillResolvesGroupAndCancelsSiblings(t *testing.T) {
	h := newHarness(t)
	h.activeGroup(t, 50)

	h.broker.Fill("P1_STOP", 50, decimal.NewFromInt(1479))
	h.observe(t, "P1_STOP")

	if err := h.coord.OnExitFilled(h.ctx, "P1", "P1_STOP"); err != nil {
		t.Fatalf("OnExitFilled: %v", err)
	}
	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateResolved || g.WinnerID != "P1_STOP" || len(g.PendingCancels) != 0 {
		t.Fatalf("group = %+v", g)
	}
	if tp, _ := h.broker.Order("P1_TP1"); tp.Status != models.OrderStatusCancelled {
		t.Fatalf("TP1 at broker = %s, want CANCELLED", tp.Status)
	}

	if err := h.coord.OnExitFilled(h.ctx, "P1", "P1_STOP"); err != nil {
		t.Fatalf("repeated OnExitFilled: %v", err)
	}
	again, _ := h.book.Group("P1")
	if again.WinnerID != "P1_STOP" || !again.ResolvedAt.Equal(g.ResolvedAt) {
		t.Fatalf("repeated call changed the group: %+v", again)
	}
	if got := testutil.ToFloat64(h.metrics.OCOBreaches); got != 0 {
		t.Fatalf("breaches = %v", got)
	}
}

func TestSecondFillIsReportedAsBreach(t *testing.T) {
	h := newHarness(t)
	h.activeGroup(t, 50)
	h.coord.OnExitFilled(h.ctx, "P1", "P1_STOP")

	if err := h.coord.OnExitFilled(h.ctx, "P1", "P1_TP1"); err != nil {
		t.Fatalf("OnExitFilled: %v", err)
	}
	g, _ := h.book.Group("P1")
	if g.WinnerID != "P1_STOP" {
		t.Fatalf("winner changed to %s", g.WinnerID)
	}
	if got := testutil.ToFloat64(h.metrics.OCOBreaches); got != 1 {
		t.Fatalf("breaches = %v, want 1", got)
	}
}

func TestConcurrentExitFillsPickOneWinner(t *testing.T) {
	h := newHarness(t)
	h.activeGroup(t, 50)

	var wg sync.WaitGroup
	for _, id := range []string{"P1_STOP", "P1_TP1"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.coord.OnExitFilled(h.ctx, "P1", id)
		}(id)
	}
	wg.Wait()

	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateResolved || (g.WinnerID != "P1_STOP" && g.WinnerID != "P1_TP1") {
		t.Fatalf("group = %+v", g)
	}
	if got := testutil.ToFloat64(h.metrics.OCOBreaches); got != 1 {
		t.Fatalf("breaches = %v, want 1", got)
	}
}

func TestNotLeaderLeavesGroupUntouched(t *testing.T) {
	h := newHarness(t)
	entry := h.filledEntry(t, 50, 50)
	h.coord.RegisterGroup(h.ctx, entry, exitLegs())

	h.lease.held.Store(false)
	if err := h.coord.OnEntryFilled(h.ctx, "P1", 50); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("OnEntryFilled err = %v, want ErrNotLeader", err)
	}
	if h.broker.Placed() != 0 {
		t.Fatal("exits placed without the lease")
	}

	h.lease.held.Store(true)
	h.coord.OnEntryFilled(h.ctx, "P1", 50)
	h.lease.held.Store(false)

	if err := h.coord.OnExitFilled(h.ctx, "P1", "P1_STOP"); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("OnExitFilled err = %v, want ErrNotLeader", err)
	}
	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateActive {
		t.Fatalf("state = %s, want ACTIVE", g.State)
	}
	if tp, _ := h.broker.Order("P1_TP1"); tp.Status != models.OrderStatusOpen {
		t.Fatalf("TP1 touched without the lease: %s", tp.Status)
	}
}

func TestSweepResolvesFillMissedWhileNotLeader(t *testing.T) {
	h := newHarness(t)
	h.activeGroup(t, 50)
	h.broker.Fill("P1_STOP", 50, decimal.NewFromInt(1479))
	h.observe(t, "P1_STOP")

	h.lease.held.Store(false)
	h.coord.OnExitFilled(h.ctx, "P1", "P1_STOP")
	h.lease.held.Store(true)

	if err := h.coord.Sweep(h.ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateResolved || g.WinnerID != "P1_STOP" {
		t.Fatalf("group = %+v", g)
	}
}

func TestFailedCancelIsRetriedAndGroupRetired(t *testing.T) {
	h := newHarness(t)
	h.activeGroup(t, 50)
	h.broker.Fail(paper.OpCancel, &broker.APIError{Kind: broker.ErrTransient, StatusCode: http.StatusBadGateway, Message: "upstream down"})

	h.broker.Fill("P1_STOP", 50, decimal.NewFromInt(1479))
	h.observe(t, "P1_STOP")
	h.coord.OnExitFilled(h.ctx, "P1", "P1_STOP")

	g, _ := h.book.Group("P1")
	if len(g.PendingCancels) != 1 || g.PendingCancels[0] != "P1_TP1" {
		t.Fatalf("pending cancels = %v", g.PendingCancels)
	}

	if err := h.coord.Sweep(h.ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	g, _ = h.book.Group("P1")
	if len(g.PendingCancels) != 0 {
		t.Fatalf("pending cancels after sweep = %v", g.PendingCancels)
	}
	if tp, _ := h.broker.Order("P1_TP1"); tp.Status != models.OrderStatusCancelled {
		t.Fatalf("TP1 at broker = %s", tp.Status)
	}

	h.observe(t, "P1_TP1")
	h.coord.Sweep(h.ctx)
	if _, ok := h.book.Group("P1"); ok {
		t.Fatal("resolved group still in the live index")
	}
	if h.book.Len() != 0 {
		t.Fatalf("book still holds %d orders", h.book.Len())
	}
	rec, _ := h.db.LoadGroup(h.ctx, "P1")
	if rec == nil || rec.State != string(models.GroupStateResolved) || rec.WinnerID != "P1_STOP" {
		t.Fatalf("persisted group = %+v", rec)
	}
}

func TestRejectedExitLegIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.broker.Fail(paper.OpPlace, &broker.APIError{Kind: broker.ErrRejected, StatusCode: http.StatusBadRequest, Message: "trigger price out of range"})
	h.activeGroup(t, 50)

	stop, _ := h.book.Get("P1_STOP")
	if stop.Status != models.OrderStatusRejected || stop.StatusMessage != "trigger price out of range" {
		t.Fatalf("stop = %+v", stop)
	}
	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateActive {
		t.Fatalf("state = %s, want ACTIVE with TP1 working", g.State)
	}
}

func TestTransientPlacementFailureIsRetriedBySweep(t *testing.T) {
	h := newHarness(t)
	h.broker.Fail(paper.OpPlace, &broker.APIError{Kind: broker.ErrTransient, Message: "gateway timeout"})
	entry := h.filledEntry(t, 50, 50)
	h.coord.RegisterGroup(h.ctx, entry, exitLegs())

	if err := h.coord.OnEntryFilled(h.ctx, "P1", 50); !errors.Is(err, broker.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateAwaitingEntry {
		t.Fatalf("state = %s, want AWAITING_ENTRY", g.State)
	}

	if err := h.coord.Sweep(h.ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	g, _ = h.book.Group("P1")
	if g.State != models.GroupStateActive || h.broker.Placed() != 2 {
		t.Fatalf("after sweep: state=%s placed=%d", g.State, h.broker.Placed())
	}
}

func TestExternallyCancelledExitClosesGroup(t *testing.T) {
	h := newHarness(t)
	h.activeGroup(t, 50)

	tp, _ := h.broker.Order("P1_TP1")
	h.broker.CancelOrder(h.ctx, tp.BrokerOrderID)
	h.observe(t, "P1_TP1")

	if err := h.coord.OnExitClosed(h.ctx, "P1", "P1_TP1"); err != nil {
		t.Fatalf("OnExitClosed: %v", err)
	}
	g, _ := h.book.Group("P1")
	if g.State != models.GroupStateResolved || g.WinnerID != "" {
		t.Fatalf("group = %+v", g)
	}
	if stop, _ := h.broker.Order("P1_STOP"); stop.Status != models.OrderStatusCancelled {
		t.Fatalf("stop at broker = %s", stop.Status)
	}
}

func TestOperatorClose(t *testing.T) {
	h := newHarness(t)
	h.activeGroup(t, 50)

	if err := h.coord.Close(h.ctx, "P1", ""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, id := range []string{"P1_STOP", "P1_TP1"} {
		if o, _ := h.broker.Order(id); o.Status != models.OrderStatusCancelled {
			t.Fatalf("%s at broker = %s", id, o.Status)
		}
	}
	if err := h.coord.Close(h.ctx, "nope", ""); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("unknown group err = %v", err)
	}
}

func TestLateEntryFillIsProtectedFromPlan(t *testing.T) {
	h := newHarness(t)
	entry := h.filledEntry(t, 50, 0)
	if err := h.coord.PlanExits(h.ctx, entry, exitLegs()); err != nil {
		t.Fatalf("PlanExits: %v", err)
	}
	if plans, _ := h.db.Plans(h.ctx); len(plans) != 1 || plans[0].EntryID != "P1_ENTRY" {
		t.Fatalf("stored plans = %+v", plans)
	}

	if err := h.coord.Sweep(h.ctx); err != nil {
		t.Fatalf("Sweep before fill: %v", err)
	}
	if _, ok := h.book.Group("P1"); ok {
		t.Fatal("group created before the entry filled")
	}

	h.book.Apply("P1_ENTRY", func(o *models.Order) error {
		o.Status = models.OrderStatusComplete
		o.FilledQuantity = 50
		o.BrokerOrderID = "B-ENTRY"
		return nil
	})
	if err := h.coord.Sweep(h.ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	g, ok := h.book.Group("P1")
	if !ok || g.State != models.GroupStateActive {
		t.Fatalf("group = %+v", g)
	}
	if stop, ok := h.broker.Order("P1_STOP"); !ok || stop.Quantity != 50 {
		t.Fatalf("stop = %+v", stop)
	}

	groupID, err := h.coord.ProtectEntry(h.ctx, "P1_ENTRY")
	if err != nil || groupID != "P1" || h.broker.Placed() != 2 {
		t.Fatalf("second ProtectEntry = %q, %v, placed %d", groupID, err, h.broker.Placed())
	}

	h.broker.Fill("P1_STOP", 50, decimal.NewFromInt(1479))
	h.observe(t, "P1_STOP")
	h.coord.OnExitFilled(h.ctx, "P1", "P1_STOP")
	h.observe(t, "P1_TP1")
	h.coord.Sweep(h.ctx)
	if _, ok := h.book.Plan("P1"); ok {
		t.Fatal("plan kept after the group retired")
	}
	if plans, _ := h.db.Plans(h.ctx); len(plans) != 0 {
		t.Fatalf("stored plans after retire = %+v", plans)
	}
}

func TestProtectEntryWithoutPlan(t *testing.T) {
	h := newHarness(t)
	h.filledEntry(t, 50, 50)

	if _, err := h.coord.ProtectEntry(h.ctx, "P1_ENTRY"); !errors.Is(err, ErrNoPlan) {
		t.Fatalf("err = %v, want ErrNoPlan", err)
	}
	if h.broker.Placed() != 0 {
		t.Fatal("exits placed without a plan")
	}
}

func TestSweepDropsPlanOfUnfilledEntry(t *testing.T) {
	h := newHarness(t)
	entry := h.filledEntry(t, 50, 0)
	h.coord.PlanExits(h.ctx, entry, exitLegs())
	h.book.Apply("P1_ENTRY", func(o *models.Order) error {
		o.Status = models.OrderStatusCancelled
		return nil
	})

	if err := h.coord.Sweep(h.ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, ok := h.book.Plan("P1"); ok {
		t.Fatal("plan kept for an entry that never filled")
	}
	if plans, _ := h.db.Plans(h.ctx); len(plans) != 0 {
		t.Fatalf("stored plans = %+v", plans)
	}
	if _, ok := h.book.Group("P1"); ok || h.broker.Placed() != 0 {
		t.Fatal("exits placed for an unfilled entry")
	}
}

func TestPlanExitsRejectsEntryLeg(t *testing.T) {
	h := newHarness(t)
	entry := h.filledEntry(t, 50, 0)
	legs := append(exitLegs(), entry)
	if err := h.coord.PlanExits(h.ctx, entry, legs); err == nil {
		t.Fatal("entry accepted as an exit leg")
	}
	if _, ok := h.book.Plan("P1"); ok {
		t.Fatal("invalid plan stored")
	}
}

func TestExclusivityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t)
		h.activeGroup(rt, 50)
		legs := []string{"P1_STOP", "P1_TP1"}

		calls := rapid.SliceOfN(rapid.SampledFrom(legs), 1, 6).Draw(rt, "fills")
		for _, id := range calls {
			if err := h.coord.OnExitFilled(h.ctx, "P1", id); err != nil {
				rt.Fatalf("OnExitFilled(%s): %v", id, err)
			}
		}

		g, _ := h.book.Group("P1")
		if g.WinnerID != calls[0] {
			rt.Fatalf("winner = %s, want first fill %s", g.WinnerID, calls[0])
		}
		live := 0
		for _, id := range legs {
			o, _ := h.broker.Order(id)
			if o.Status != models.OrderStatusCancelled {
				live++
			}
		}
		if live != 1 {
			rt.Fatalf("%d legs not cancelled at broker, want 1", live)
		}
		breaches := 0
		for _, id := range calls {
			if id != calls[0] {
				breaches++
			}
		}
		if got := testutil.ToFloat64(h.metrics.OCOBreaches); int(got) != breaches {
			rt.Fatalf("breaches = %v, want %d", got, breaches)
		}
	})
}
