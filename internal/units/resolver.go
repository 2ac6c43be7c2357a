package units

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/store"
)

// maxChainDepth bounds conversion chains so a corrupted registry cannot loop.
const maxChainDepth = 16

// Resolver walks conversion chains on top of a store.Reader. Inside a
// transaction pass the store.Tx so resolution sees the transaction's view.
type Resolver struct {
	r store.Reader
}

func NewResolver(r store.Reader) Resolver {
	return Resolver{r: r}
}

// Resolution is the outcome of following a unit to its base unit.
type Resolution struct {
	Unit   domain.Unit
	Base   domain.Unit
	Factor decimal.Decimal
}

func (res Resolver) Resolve(ctx context.Context, unitID string) (Resolution, error) {
	unit, err := res.r.GetUnit(ctx, unitID)
	if err != nil {
		return Resolution{}, err
	}

	factor := decimal.NewFromInt(1)
	current := *unit
	seen := map[string]struct{}{current.ID: {}}
	for depth := 0; !current.IsBase; depth++ {
		if depth >= maxChainDepth {
			return Resolution{}, fmt.Errorf("%w: conversion chain for unit %s is too deep", domain.ErrValidation, unitID)
		}
		conversion, err := res.r.GetActiveConversion(ctx, current.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return Resolution{}, fmt.Errorf("%w: unit %s has no active conversion", domain.ErrNotFound, current.ID)
			}
			return Resolution{}, err
		}
		factor = factor.Mul(conversion.Factor)
		next, err := res.r.GetUnit(ctx, conversion.BaseUnitID)
		if err != nil {
			return Resolution{}, err
		}
		if _, loop := seen[next.ID]; loop {
			return Resolution{}, fmt.Errorf("%w: conversion cycle through unit %s", domain.ErrValidation, next.ID)
		}
		seen[next.ID] = struct{}{}
		current = *next
	}

	return Resolution{Unit: *unit, Base: current, Factor: factor}, nil
}

func (res Resolver) ResolveFactor(ctx context.Context, unitID string) (decimal.Decimal, error) {
	resolution, err := res.Resolve(ctx, unitID)
	if err != nil {
		return decimal.Zero, err
	}
	return resolution.Factor, nil
}

func (res Resolver) ResolveBaseUnit(ctx context.Context, unitID string) (domain.Unit, error) {
	resolution, err := res.Resolve(ctx, unitID)
	if err != nil {
		return domain.Unit{}, err
	}
	return resolution.Base, nil
}

// dependents returns unitID plus every unit whose chain passes through it.
func (res Resolver) dependents(ctx context.Context, unitID string) ([]string, error) {
	out := []string{unitID}
	seen := map[string]struct{}{unitID: {}}
	queue := []string{unitID}
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		conversions, err := res.r.ListConversionsTargeting(ctx, head)
		if err != nil {
			return nil, err
		}
		for _, conversion := range conversions {
			if _, ok := seen[conversion.UnitID]; ok {
				continue
			}
			seen[conversion.UnitID] = struct{}{}
			out = append(out, conversion.UnitID)
			queue = append(queue, conversion.UnitID)
		}
	}
	return out, nil
}
