package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/sayujks0071/antidhan-sub001/internal/broker"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/shopspring/decimal"
)

func TestMarketOrdersAutoFill(t *testing.T) {
	notified := 0
	b := New(logger.Discard(), WithNotify(func() { notified++ }))
	b.UpdatePrice("INFY", decimal.NewFromInt(1500))

	id, err := b.PlaceOrder(context.Background(), models.OrderRequest{ClientOrderID: "P1_ENTRY", Symbol: "INFY", Type: models.OrderTypeMarket, Quantity: 50})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	o, ok := b.Order("P1_ENTRY")
	if !ok || o.BrokerOrderID != id || o.Status != models.OrderStatusComplete || o.FilledQuantity != 50 {
		t.Fatalf("order = %+v", o)
	}
	if !o.AveragePrice.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("average price = %s", o.AveragePrice)
	}
	if notified != 1 {
		t.Fatalf("notified %d times", notified)
	}
}

func TestDuplicateClientOrderID(t *testing.T) {
	b := New(logger.Discard())
	req := models.OrderRequest{ClientOrderID: "P1_ENTRY", Type: models.OrderTypeLimit, Quantity: 10}
	b.PlaceOrder(context.Background(), req)
	_, err := b.PlaceOrder(context.Background(), req)
	if !errors.Is(err, broker.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if b.Placed() != 1 {
		t.Fatalf("placed = %d", b.Placed())
	}
}

func TestPartialFillThenCancel(t *testing.T) {
	b := New(logger.Discard())
	ctx := context.Background()
	id, _ := b.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "P1_ENTRY", Type: models.OrderTypeLimit, Quantity: 100})

	if err := b.Fill("P1_ENTRY", 40, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if o, _ := b.Order("P1_ENTRY"); o.Status != models.OrderStatusPartial || o.FilledQuantity != 40 {
		t.Fatalf("after partial fill = %+v", o)
	}
	if err := b.CancelOrder(ctx, id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	o, _ := b.Order("P1_ENTRY")
	if o.Status != models.OrderStatusCancelled || o.FilledQuantity != 40 {
		t.Fatalf("after cancel = %+v", o)
	}
	if err := b.CancelOrder(ctx, id); !errors.Is(err, broker.ErrRejected) {
		t.Fatalf("second cancel err = %v, want ErrRejected", err)
	}
	if err := b.CancelOrder(ctx, "nope"); !errors.Is(err, broker.ErrNotFound) {
		t.Fatalf("unknown cancel err = %v, want ErrNotFound", err)
	}
}

func TestFillAveragesPrice(t *testing.T) {
	b := New(logger.Discard())
	b.PlaceOrder(context.Background(), models.OrderRequest{ClientOrderID: "X", Type: models.OrderTypeLimit, Quantity: 4})
	b.Fill("X", 2, decimal.NewFromInt(10))
	b.Fill("X", 2, decimal.NewFromInt(20))
	o, _ := b.Order("X")
	if o.Status != models.OrderStatusComplete || !o.AveragePrice.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("order = %+v", o)
	}
	if err := b.Fill("X", 1, decimal.NewFromInt(10)); err == nil {
		t.Fatal("filled a complete order")
	}
}

func TestInjectedFailures(t *testing.T) {
	b := New(logger.Discard())
	boom := &broker.APIError{Kind: broker.ErrTransient, Message: "boom"}
	b.Fail(OpList, boom)

	if _, err := b.ListOrders(context.Background()); !errors.Is(err, broker.ErrTransient) {
		t.Fatalf("err = %v", err)
	}
	if _, err := b.ListOrders(context.Background()); err != nil {
		t.Fatalf("second list err = %v", err)
	}
}

func TestReject(t *testing.T) {
	b := New(logger.Discard())
	b.PlaceOrder(context.Background(), models.OrderRequest{ClientOrderID: "X", Type: models.OrderTypeLimit, Quantity: 1})
	if err := b.Reject("X", "margin exceeds"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	o, _ := b.Order("X")
	if o.Status != models.OrderStatusRejected || o.StatusMessage != "margin exceeds" {
		t.Fatalf("order = %+v", o)
	}
}
