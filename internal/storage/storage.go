// Package storage persists orders, OCO groups and signal outcomes.
//
// The unique index on orders.client_order_id is the storage-level duplicate
// guard behind the in-memory book.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var ErrDuplicateOrder = errors.New("order with this client order id already stored")

type OrderRecord struct {
	ID             uint            `gorm:"primaryKey"`
	ClientOrderID  string          `gorm:"uniqueIndex;size:128;not null"`
	BrokerOrderID  string          `gorm:"index;size:64"`
	GroupID        string          `gorm:"index;size:128"`
	Symbol         string          `gorm:"size:64"`
	Exchange       string          `gorm:"size:16"`
	Side           string          `gorm:"size:8"`
	Type           string          `gorm:"size:8"`
	Tag            string          `gorm:"size:8"`
	Quantity       int64
	Price          decimal.Decimal `gorm:"type:decimal(20,8)"`
	TriggerPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status         string          `gorm:"index;size:16"`
	FilledQuantity int64
	AveragePrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	StatusMessage  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (OrderRecord) TableName() string { return "orders" }

type GroupRecord struct {
	ID          uint   `gorm:"primaryKey"`
	GroupID     string `gorm:"uniqueIndex;size:128;not null"`
	EntryID     string `gorm:"size:128"`
	ExitIDs     string
	State       string `gorm:"index;size:16"`
	WinnerID    string `gorm:"size:128"`
	CloseReason string
	ResolvedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (GroupRecord) TableName() string { return "order_groups" }

// PlanRecord keeps the exit templates of a decision whose group is not yet
// retired. Legs is the JSON encoding of the templates.
type PlanRecord struct {
	ID        uint   `gorm:"primaryKey"`
	GroupID   string `gorm:"uniqueIndex;size:128;not null"`
	EntryID   string `gorm:"size:128"`
	Legs      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PlanRecord) TableName() string { return "exit_plans" }

// Outcome is the terminal result of one ExecuteSignal call.
type Outcome struct {
	ID             uint   `gorm:"primaryKey"`
	DecisionID     string `gorm:"index;size:128"`
	ClientOrderID  string `gorm:"size:128"`
	BrokerOrderID  string `gorm:"size:64"`
	Result         string `gorm:"size:16"`
	Quantity       int64
	FilledQuantity int64
	AveragePrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Reason         string
	CreatedAt      time.Time
}

type Database struct {
	db *gorm.DB
}

// Open connects to the sqlite database at dsn and migrates the schema.
func Open(dsn string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage handle: %w", err)
	}
	// sqlite allows one writer; serialise through a single connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&OrderRecord{}, &GroupRecord{}, &PlanRecord{}, &Outcome{}); err != nil {
		return nil, fmt.Errorf("migrate storage: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertOrder stores a new order. A second insert for the same client order id
// returns ErrDuplicateOrder.
func (d *Database) InsertOrder(ctx context.Context, o models.Order) error {
	rec := fromOrder(o)
	if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("insert %s: %w", o.ClientOrderID, ErrDuplicateOrder)
		}
		return fmt.Errorf("insert %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// SaveOrder writes the current state of an order, inserting it if missing.
func (d *Database) SaveOrder(ctx context.Context, o models.Order) error {
	rec := fromOrder(o)
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"broker_order_id", "status", "filled_quantity", "average_price",
			"status_message", "quantity", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// DeleteOrder drops a PENDING order, releasing its client order id. Orders
// that reached any other status are kept.
func (d *Database) DeleteOrder(ctx context.Context, clientOrderID string) error {
	err := d.db.WithContext(ctx).
		Where("client_order_id = ? AND status = ?", clientOrderID, string(models.OrderStatusPending)).
		Delete(&OrderRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete %s: %w", clientOrderID, err)
	}
	return nil
}

// LoadOrder returns nil without error when the order is not stored.
func (d *Database) LoadOrder(ctx context.Context, clientOrderID string) (*models.Order, error) {
	var rec OrderRecord
	if err := d.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	o := rec.toOrder()
	return &o, nil
}

// OrderExists reports whether an order with the client id is stored. With
// statuses given, only orders in one of those statuses count.
func (d *Database) OrderExists(ctx context.Context, clientOrderID string, statuses ...models.OrderStatus) (bool, error) {
	q := d.db.WithContext(ctx).Model(&OrderRecord{}).Where("client_order_id = ?", clientOrderID)
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		q = q.Where("status IN ?", names)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// OrdersByGroup returns every stored leg of a group, oldest first.
func (d *Database) OrdersByGroup(ctx context.Context, groupID string) ([]models.Order, error) {
	var recs []OrderRecord
	if err := d.db.WithContext(ctx).Where("group_id = ?", groupID).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.Order, len(recs))
	for i, r := range recs {
		out[i] = r.toOrder()
	}
	return out, nil
}

// OpenOrders returns every stored order that has not reached a terminal
// status, oldest first.
func (d *Database) OpenOrders(ctx context.Context) ([]models.Order, error) {
	var recs []OrderRecord
	if err := d.db.WithContext(ctx).Where("status NOT IN ?", terminalStatuses()).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.Order, len(recs))
	for i, r := range recs {
		out[i] = r.toOrder()
	}
	return out, nil
}

func (d *Database) SaveGroup(ctx context.Context, g models.OCOGroup) error {
	rec := GroupRecord{
		GroupID:     g.GroupID,
		EntryID:     g.EntryID,
		ExitIDs:     strings.Join(g.ExitIDs, ","),
		State:       string(g.State),
		WinnerID:    g.WinnerID,
		CloseReason: g.CloseReason,
	}
	if !g.ResolvedAt.IsZero() {
		at := g.ResolvedAt
		rec.ResolvedAt = &at
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"exit_ids", "state", "winner_id", "close_reason", "resolved_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save group %s: %w", g.GroupID, err)
	}
	return nil
}

// LoadGroup returns nil without error when the group is not stored.
func (d *Database) LoadGroup(ctx context.Context, groupID string) (*GroupRecord, error) {
	var rec GroupRecord
	if err := d.db.WithContext(ctx).Where("group_id = ?", groupID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// LiveGroups returns the groups a leader still has to look after: every group
// not yet RESOLVED, and resolved groups with an exit leg still open.
func (d *Database) LiveGroups(ctx context.Context) ([]GroupRecord, error) {
	openExits := d.db.Model(&OrderRecord{}).
		Select("group_id").
		Where("status NOT IN ? AND tag <> ?", terminalStatuses(), string(models.OrderTagEntry))
	var recs []GroupRecord
	err := d.db.WithContext(ctx).
		Where("state <> ?", string(models.GroupStateResolved)).
		Or("group_id IN (?)", openExits).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ToGroup rebuilds the live group shape. Exit templates and pending cancels
// are not stored and come back empty.
func (r GroupRecord) ToGroup() models.OCOGroup {
	g := models.OCOGroup{
		GroupID:     r.GroupID,
		EntryID:     r.EntryID,
		State:       models.GroupState(r.State),
		WinnerID:    r.WinnerID,
		CloseReason: r.CloseReason,
		Persisted:   true,
	}
	if r.ExitIDs != "" {
		g.ExitIDs = strings.Split(r.ExitIDs, ",")
	}
	if r.ResolvedAt != nil {
		g.ResolvedAt = *r.ResolvedAt
	}
	return g
}

func (d *Database) SavePlan(ctx context.Context, p models.ExitPlan) error {
	legs, err := json.Marshal(p.Exits)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.GroupID, err)
	}
	rec := PlanRecord{GroupID: p.GroupID, EntryID: p.EntryID, Legs: string(legs)}
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_id", "legs", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save plan %s: %w", p.GroupID, err)
	}
	return nil
}

func (d *Database) DeletePlan(ctx context.Context, groupID string) error {
	if err := d.db.WithContext(ctx).Where("group_id = ?", groupID).Delete(&PlanRecord{}).Error; err != nil {
		return fmt.Errorf("delete plan %s: %w", groupID, err)
	}
	return nil
}

// Plans returns every stored exit plan.
func (d *Database) Plans(ctx context.Context) ([]models.ExitPlan, error) {
	var recs []PlanRecord
	if err := d.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.ExitPlan, 0, len(recs))
	for _, r := range recs {
		p := models.ExitPlan{GroupID: r.GroupID, EntryID: r.EntryID}
		if err := json.Unmarshal([]byte(r.Legs), &p.Exits); err != nil {
			return nil, fmt.Errorf("decode plan %s: %w", r.GroupID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *Database) RecordOutcome(ctx context.Context, out Outcome) error {
	if err := d.db.WithContext(ctx).Create(&out).Error; err != nil {
		return fmt.Errorf("record outcome %s: %w", out.DecisionID, err)
	}
	return nil
}

func (d *Database) Outcomes(ctx context.Context, decisionID string) ([]Outcome, error) {
	var outs []Outcome
	if err := d.db.WithContext(ctx).Where("decision_id = ?", decisionID).Order("id").Find(&outs).Error; err != nil {
		return nil, err
	}
	return outs, nil
}

func terminalStatuses() []string {
	return []string{
		string(models.OrderStatusComplete),
		string(models.OrderStatusCancelled),
		string(models.OrderStatusRejected),
	}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func fromOrder(o models.Order) OrderRecord {
	return OrderRecord{
		ClientOrderID:  o.ClientOrderID,
		BrokerOrderID:  o.BrokerOrderID,
		GroupID:        o.GroupID,
		Symbol:         o.Symbol,
		Exchange:       o.Exchange,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Tag:            string(o.Tag),
		Quantity:       o.Quantity,
		Price:          o.Price,
		TriggerPrice:   o.TriggerPrice,
		Status:         string(o.Status),
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.AveragePrice,
		StatusMessage:  o.StatusMessage,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func (r OrderRecord) toOrder() models.Order {
	return models.Order{
		ClientOrderID:  r.ClientOrderID,
		BrokerOrderID:  r.BrokerOrderID,
		GroupID:        r.GroupID,
		Symbol:         r.Symbol,
		Exchange:       r.Exchange,
		Side:           models.OrderSide(r.Side),
		Type:           models.OrderType(r.Type),
		Tag:            models.OrderTag(r.Tag),
		Quantity:       r.Quantity,
		Price:          r.Price,
		TriggerPrice:   r.TriggerPrice,
		Status:         models.OrderStatus(r.Status),
		FilledQuantity: r.FilledQuantity,
		AveragePrice:   r.AveragePrice,
		StatusMessage:  r.StatusMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
