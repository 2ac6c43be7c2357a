package domain

import "github.com/shopspring/decimal"

type LineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	UnitID    string          `json:"unit_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	Rate      decimal.Decimal `json:"rate"`
}

// DocumentRequest is the input shared by bookings and every stock-moving
// document.
type DocumentRequest struct {
	Lines      []LineRequest   `json:"lines" validate:"required,min=1,dive"`
	Tax        decimal.Decimal `json:"tax"`
	Discount   decimal.Decimal `json:"discount"`
	OtherCost  decimal.Decimal `json:"other_cost"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
}

type DeliveryRequest struct {
	BookingLineID   string          `json:"booking_line_id" validate:"required"`
	UnitID          string          `json:"unit_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	ChargeAmount    decimal.Decimal `json:"charge_amount"`
	AdjustmentValue decimal.Decimal `json:"adjustment_value"`
}

type DeliveryDocumentRequest struct {
	Lines      []DeliveryRequest `json:"lines" validate:"required,min=1,dive"`
	Tax        decimal.Decimal   `json:"tax"`
	Discount   decimal.Decimal   `json:"discount"`
	OtherCost  decimal.Decimal   `json:"other_cost"`
	PaidAmount decimal.Decimal   `json:"paid_amount"`
}

type DeliveryResponse struct {
	Document Document                    `json:"document"`
	Lines    []DeliveryLine              `json:"lines"`
	States   map[string]FulfillmentState `json:"states"`
}

type BookingResponse struct {
	Document Document      `json:"document"`
	Lines    []BookingLine `json:"lines"`
}

type PaymentRequest struct {
	DocumentID string          `json:"document_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

type FulfillmentState string

const (
	FulfillmentOpen      FulfillmentState = "OPEN"
	FulfillmentFulfilled FulfillmentState = "FULFILLED"
)

type RemainingResponse struct {
	BookingLineID string           `json:"booking_line_id"`
	UnitID        string           `json:"unit_id"`
	Booked        decimal.Decimal  `json:"booked"`
	Delivered     decimal.Decimal  `json:"delivered"`
	Remaining     decimal.Decimal  `json:"remaining"`
	RemainingIn   decimal.Decimal  `json:"remaining_in_unit"`
	Value         decimal.Decimal  `json:"value"`
	State         FulfillmentState `json:"state"`
}

type StockView struct {
	ProductID       string          `json:"product_id"`
	BranchID        string          `json:"branch_id"`
	UnitID          string          `json:"unit_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	LastInboundRate decimal.Decimal `json:"last_inbound_rate"`
}
