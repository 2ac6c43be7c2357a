package units

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"branchledger/backend/internal/domain"
)

type Precision struct {
	Quantity int32
	Rate     int32
	Currency int32
}

func DefaultPrecision() Precision {
	return Precision{Quantity: 6, Rate: 6, Currency: 2}
}

// Increment is the smallest representable currency amount.
func (p Precision) Increment() decimal.Decimal {
	return decimal.New(1, -p.Currency)
}

// Epsilon is the quantity tolerance used when comparing derived quantities.
func (p Precision) Epsilon() decimal.Decimal {
	return decimal.New(1, -p.Quantity)
}

// RoundMoney rounds half away from zero, which is half-up for the
// non-negative amounts the ledger produces.
func (p Precision) RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(p.Currency)
}

type FactorResolver interface {
	Resolve(ctx context.Context, unitID string) (Resolution, error)
}

type Normalized struct {
	Quantity     decimal.Decimal
	Rate         decimal.Decimal
	BaseQuantity decimal.Decimal
	BaseRate     decimal.Decimal
	Factor       decimal.Decimal
	UnitID       string
	BaseUnitID   string
}

// Value is the line amount in transaction units, rounded to currency.
func (n Normalized) Value(p Precision) decimal.Decimal {
	return p.RoundMoney(n.Quantity.Mul(n.Rate))
}

type Normalizer struct {
	resolver  FactorResolver
	precision Precision
}

func NewNormalizer(resolver FactorResolver, precision Precision) Normalizer {
	return Normalizer{resolver: resolver, precision: precision}
}

// With returns a copy of the normalizer resolving through another source,
// typically a store transaction.
func (n Normalizer) With(resolver FactorResolver) Normalizer {
	n.resolver = resolver
	return n
}

func (n Normalizer) Precision() Precision {
	return n.precision
}

// Normalize converts a transaction-unit quantity and rate into base units.
// Each output is rounded exactly once from the raw inputs.
func (n Normalizer) Normalize(ctx context.Context, quantity decimal.Decimal, rate decimal.Decimal, unitID string) (Normalized, error) {
	if !quantity.IsPositive() {
		return Normalized{}, fmt.Errorf("%w: quantity must be greater than zero, got %s", domain.ErrValidation, quantity.String())
	}
	if rate.IsNegative() {
		return Normalized{}, fmt.Errorf("%w: rate must not be negative, got %s", domain.ErrValidation, rate.String())
	}

	resolution, err := n.resolver.Resolve(ctx, unitID)
	if err != nil {
		return Normalized{}, err
	}
	factor := resolution.Factor
	if !factor.IsPositive() {
		return Normalized{}, fmt.Errorf("%w: unit %s resolves to non-positive factor %s", domain.ErrValidation, unitID, factor.String())
	}

	out := Normalized{
		Quantity:     quantity,
		Rate:         rate,
		BaseQuantity: quantity.Mul(factor).Round(n.precision.Quantity),
		BaseRate:     rate.DivRound(factor, n.precision.Rate),
		Factor:       factor,
		UnitID:       resolution.Unit.ID,
		BaseUnitID:   resolution.Base.ID,
	}
	if !out.BaseQuantity.IsPositive() {
		return Normalized{}, fmt.Errorf("%w: quantity %s %s rounds to zero base units", domain.ErrValidation, quantity.String(), resolution.Unit.Name)
	}

	drift := out.BaseQuantity.Mul(out.BaseRate).Sub(quantity.Mul(rate)).Abs()
	if drift.GreaterThan(n.precision.Increment()) {
		return Normalized{}, fmt.Errorf("%w: normalizing %s x %s in %s drifts by %s", domain.ErrValidation, quantity.String(), rate.String(), resolution.Unit.Name, drift.String())
	}
	return out, nil
}

// NormalizeQuantity is Normalize for lines that carry no rate.
func (n Normalizer) NormalizeQuantity(ctx context.Context, quantity decimal.Decimal, unitID string) (Normalized, error) {
	return n.Normalize(ctx, quantity, decimal.Zero, unitID)
}

// Denormalize expresses a base quantity in unitID.
func (n Normalizer) Denormalize(ctx context.Context, baseQuantity decimal.Decimal, unitID string) (decimal.Decimal, error) {
	resolution, err := n.resolver.Resolve(ctx, unitID)
	if err != nil {
		return decimal.Zero, err
	}
	return baseQuantity.DivRound(resolution.Factor, n.precision.Quantity), nil
}

// Compatible fails unless unitID resolves to baseUnitID.
func (n Normalizer) Compatible(ctx context.Context, unitID string, baseUnitID string) error {
	resolution, err := n.resolver.Resolve(ctx, unitID)
	if err != nil {
		return err
	}
	if resolution.Base.ID != baseUnitID {
		return fmt.Errorf("%w: unit %s measures %s, expected %s", domain.ErrValidation, resolution.Unit.Name, resolution.Base.Name, baseUnitID)
	}
	return nil
}
