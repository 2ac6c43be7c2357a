package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	BranchID string `json:"branch_id"`
	ActorID  string `json:"actor_id"`
}

func (a Actor) Valid() bool {
	return a.BranchID != "" && a.ActorID != ""
}

type Unit struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsBase    bool      `json:"is_base"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UnitConversion maps one unit onto another. BaseUnitID may point at a
// non-base unit; resolution follows the chain until a base unit is reached.
type UnitConversion struct {
	ID         string          `json:"id"`
	UnitID     string          `json:"unit_id"`
	UnitName   string          `json:"unit_name"`
	BaseUnitID string          `json:"base_unit_id"`
	Factor     decimal.Decimal `json:"factor"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ProductType string

const (
	ProductTypeGoods   ProductType = "goods"
	ProductTypeService ProductType = "service"
)

type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Type          ProductType     `json:"type"`
	DefaultUnitID string          `json:"default_unit_id"`
	PurchaseRate  decimal.Decimal `json:"purchase_rate"`
	SellingRate   decimal.Decimal `json:"selling_rate"`
	WholesaleRate decimal.Decimal `json:"wholesale_rate"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Tracked reports whether the product keeps a stock balance.
func (p Product) Tracked() bool {
	return p.Type != ProductTypeService
}

type ProductCreateRequest struct {
	Name          string          `json:"name" validate:"required"`
	Category      string          `json:"category" validate:"required"`
	Type          ProductType     `json:"type" validate:"omitempty,oneof=goods service"`
	DefaultUnitID string          `json:"default_unit_id" validate:"required"`
	PurchaseRate  decimal.Decimal `json:"purchase_rate"`
	SellingRate   decimal.Decimal `json:"selling_rate"`
	WholesaleRate decimal.Decimal `json:"wholesale_rate"`
}

// Stock is always expressed in the product's base unit.
type Stock struct {
	ProductID       string          `json:"product_id"`
	BranchID        string          `json:"branch_id"`
	QuantityOnHand  decimal.Decimal `json:"quantity_on_hand"`
	LastInboundRate decimal.Decimal `json:"last_inbound_rate"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type StockMovement struct {
	ID           string           `json:"id"`
	ProductID    string           `json:"product_id"`
	BranchID     string           `json:"branch_id"`
	Delta        decimal.Decimal  `json:"delta"`
	Rate         *decimal.Decimal `json:"rate,omitempty"`
	// PriorRate is the row's last inbound rate before this movement replaced it.
	PriorRate    *decimal.Decimal `json:"prior_rate,omitempty"`
	DocumentID   string           `json:"document_id"`
	DocumentKind DocumentKind     `json:"document_kind"`
	LineID       string           `json:"line_id"`
	ReversesID   string           `json:"reverses_id,omitempty"`
	ReversedByID string           `json:"reversed_by_id,omitempty"`
	CreatedBy    string           `json:"created_by"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (m StockMovement) Reversed() bool {
	return m.ReversedByID != ""
}

type BookingLine struct {
	ID           string          `json:"id"`
	BookingID    string          `json:"booking_id"`
	ProductID    string          `json:"product_id"`
	UnitID       string          `json:"unit_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"`
	BaseQuantity decimal.Decimal `json:"base_quantity"`
	BaseRate     decimal.Decimal `json:"base_rate"`
	Cancelled    bool            `json:"cancelled"`
	CreatedAt    time.Time       `json:"created_at"`
}

type DeliveryLine struct {
	ID              string          `json:"id"`
	DeliveryID      string          `json:"delivery_id"`
	BookingLineID   string          `json:"booking_line_id"`
	UnitID          string          `json:"unit_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	BaseQuantity    decimal.Decimal `json:"base_quantity"`
	ChargeAmount    decimal.Decimal `json:"charge_amount"`
	AdjustmentValue decimal.Decimal `json:"adjustment_value"`
	Reversed        bool            `json:"reversed"`
	ReversedAt      *time.Time      `json:"reversed_at,omitempty"`
	ReversedBy      string          `json:"reversed_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Amount is what the delivery line contributes to its document total.
func (l DeliveryLine) Amount() decimal.Decimal {
	return l.ChargeAmount.Add(l.AdjustmentValue)
}

const (
	DocumentStatusPosted    = "posted"
	DocumentStatusReversed  = "reversed"
	DocumentStatusCancelled = "cancelled"
)

type Document struct {
	ID          string          `json:"id"`
	Code        string          `json:"code"`
	Kind        DocumentKind    `json:"kind"`
	BranchID    string          `json:"branch_id"`
	Status      string          `json:"status"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Discount    decimal.Decimal `json:"discount"`
	OtherCost   decimal.Decimal `json:"other_cost"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	Lines       []DocumentLine  `json:"lines,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type DocumentLine struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"document_id"`
	ProductID    string          `json:"product_id"`
	UnitID       string          `json:"unit_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"`
	BaseQuantity decimal.Decimal `json:"base_quantity"`
	BaseRate     decimal.Decimal `json:"base_rate"`
	Amount       decimal.Decimal `json:"amount"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	BranchID   string    `json:"branch_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
