package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/store"
	"branchledger/backend/internal/units"
	"branchledger/backend/internal/xid"
)

// Ledger enforces that the deliveries recorded against a booking line never
// add up to more than the line's booked base quantity.
type Ledger struct {
	normalizer units.Normalizer
	log        logrus.FieldLogger
}

type Input struct {
	DeliveryID      string
	BookingLineID   string
	UnitID          string
	Quantity        decimal.Decimal
	ChargeAmount    decimal.Decimal
	AdjustmentValue decimal.Decimal
}

func New(normalizer units.Normalizer, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{normalizer: normalizer, log: log.WithField("module", "fulfillment")}
}

// StateOf maps a remaining base quantity onto the line state. Negative
// remaining is never persisted, so it is not a state of its own.
func StateOf(remaining decimal.Decimal) domain.FulfillmentState {
	if remaining.IsPositive() {
		return domain.FulfillmentOpen
	}
	return domain.FulfillmentFulfilled
}

// RecordDelivery appends a delivery line inside tx. The booking line is locked
// first so concurrent deliveries against it observe each other's writes.
func (l *Ledger) RecordDelivery(ctx context.Context, tx store.Tx, in Input) (domain.DeliveryLine, domain.FulfillmentState, error) {
	if in.DeliveryID == "" || in.BookingLineID == "" {
		return domain.DeliveryLine{}, "", fmt.Errorf("%w: delivery id and booking line id are required", domain.ErrValidation)
	}
	if in.ChargeAmount.IsNegative() {
		return domain.DeliveryLine{}, "", fmt.Errorf("%w: charge amount must not be negative", domain.ErrValidation)
	}

	line, err := tx.LockBookingLine(ctx, in.BookingLineID)
	if err != nil {
		return domain.DeliveryLine{}, "", err
	}
	if line.Cancelled {
		return domain.DeliveryLine{}, "", fmt.Errorf("%w: booking line %s is cancelled", domain.ErrValidation, line.ID)
	}

	normalizer := l.normalizer.With(units.NewResolver(tx))
	bookedBase, err := units.NewResolver(tx).ResolveBaseUnit(ctx, line.UnitID)
	if err != nil {
		return domain.DeliveryLine{}, "", err
	}
	if err := normalizer.Compatible(ctx, in.UnitID, bookedBase.ID); err != nil {
		return domain.DeliveryLine{}, "", err
	}
	normalized, err := normalizer.NormalizeQuantity(ctx, in.Quantity, in.UnitID)
	if err != nil {
		return domain.DeliveryLine{}, "", err
	}

	delivered, err := tx.SumDeliveredBaseQuantity(ctx, line.ID)
	if err != nil {
		return domain.DeliveryLine{}, "", err
	}
	remaining := line.BaseQuantity.Sub(delivered)
	requested := normalized.BaseQuantity
	epsilon := normalizer.Precision().Epsilon()

	if requested.GreaterThan(remaining.Add(epsilon)) {
		return domain.DeliveryLine{}, "", fmt.Errorf("%w: requested %s exceeds remaining %s on booking line %s",
			domain.ErrOverDelivery, requested.String(), remaining.String(), line.ID)
	}
	// Within epsilon of the remainder: book exactly the remainder so the sum
	// of deliveries never exceeds the booked quantity.
	if requested.GreaterThan(remaining) {
		requested = remaining
	}
	if !requested.IsPositive() {
		return domain.DeliveryLine{}, "", fmt.Errorf("%w: booking line %s has nothing left to deliver", domain.ErrOverDelivery, line.ID)
	}

	delivery := domain.DeliveryLine{
		ID:              xid.New("dln"),
		DeliveryID:      in.DeliveryID,
		BookingLineID:   line.ID,
		UnitID:          in.UnitID,
		Quantity:        in.Quantity,
		BaseQuantity:    requested,
		ChargeAmount:    in.ChargeAmount,
		AdjustmentValue: in.AdjustmentValue,
		CreatedAt:       time.Now().UTC(),
	}
	if err := tx.CreateDeliveryLine(ctx, delivery); err != nil {
		return domain.DeliveryLine{}, "", err
	}

	state := StateOf(remaining.Sub(requested))
	l.log.WithFields(logrus.Fields{
		"booking_line_id":  line.ID,
		"delivery_line_id": delivery.ID,
		"base_quantity":    requested.String(),
		"state":            state,
	}).Debug("delivery recorded")
	return delivery, state, nil
}

// RemoveDelivery soft-reverses a delivery line once. Its base quantity stops
// counting against the booking line immediately.
func (l *Ledger) RemoveDelivery(ctx context.Context, tx store.Tx, deliveryLineID string, actorID string) (domain.DeliveryLine, error) {
	current, err := tx.GetDeliveryLine(ctx, deliveryLineID)
	if err != nil {
		return domain.DeliveryLine{}, err
	}
	// Same lock order as RecordDelivery: booking line, then delivery line.
	if _, err := tx.LockBookingLine(ctx, current.BookingLineID); err != nil {
		return domain.DeliveryLine{}, err
	}
	line, err := tx.LockDeliveryLine(ctx, deliveryLineID)
	if err != nil {
		return domain.DeliveryLine{}, err
	}
	if line.Reversed {
		return domain.DeliveryLine{}, fmt.Errorf("%w: delivery line %s already reversed", domain.ErrConflict, line.ID)
	}

	now := time.Now().UTC()
	if err := tx.ReverseDeliveryLine(ctx, line.ID, actorID, now); err != nil {
		return domain.DeliveryLine{}, err
	}
	line.Reversed = true
	line.ReversedAt = &now
	line.ReversedBy = actorID

	l.log.WithFields(logrus.Fields{
		"booking_line_id":  line.BookingLineID,
		"delivery_line_id": line.ID,
	}).Debug("delivery reversed")
	return *line, nil
}

// Remaining reports what is left on a booking line. unitID selects the
// display unit for RemainingIn and defaults to the booked unit.
func (l *Ledger) Remaining(ctx context.Context, r store.Reader, bookingLineID string, unitID string) (domain.RemainingResponse, error) {
	line, err := r.GetBookingLine(ctx, bookingLineID)
	if err != nil {
		return domain.RemainingResponse{}, err
	}
	delivered, err := r.SumDeliveredBaseQuantity(ctx, line.ID)
	if err != nil {
		return domain.RemainingResponse{}, err
	}
	if unitID == "" {
		unitID = line.UnitID
	}

	normalizer := l.normalizer.With(units.NewResolver(r))
	bookedBase, err := units.NewResolver(r).ResolveBaseUnit(ctx, line.UnitID)
	if err != nil {
		return domain.RemainingResponse{}, err
	}
	if err := normalizer.Compatible(ctx, unitID, bookedBase.ID); err != nil {
		return domain.RemainingResponse{}, err
	}

	remaining := line.BaseQuantity.Sub(delivered)
	remainingIn, err := normalizer.Denormalize(ctx, remaining, unitID)
	if err != nil {
		return domain.RemainingResponse{}, err
	}

	return domain.RemainingResponse{
		BookingLineID: line.ID,
		UnitID:        unitID,
		Booked:        line.BaseQuantity,
		Delivered:     delivered,
		Remaining:     remaining,
		RemainingIn:   remainingIn,
		Value:         normalizer.Precision().RoundMoney(remaining.Mul(line.BaseRate)),
		State:         StateOf(remaining),
	}, nil
}
