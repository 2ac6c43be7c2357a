package units

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/store"
	"branchledger/backend/internal/xid"
)

// Registry owns units and their conversion factors. Factors are rejected at
// registration when they cannot be held at the configured quantity precision.
type Registry struct {
	repo              store.Repository
	quantityPrecision int32
	log               logrus.FieldLogger
}

func NewRegistry(repo store.Repository, quantityPrecision int32, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		repo:              repo,
		quantityPrecision: quantityPrecision,
		log:               log.WithField("module", "units"),
	}
}

func (r *Registry) RegisterBaseUnit(ctx context.Context, name string) (domain.Unit, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Unit{}, fmt.Errorf("%w: unit name is required", domain.ErrValidation)
	}

	unit := domain.Unit{
		ID:        xid.New("unit"),
		Name:      name,
		IsBase:    true,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	err := r.repo.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateUnit(ctx, unit)
	})
	if err != nil {
		return domain.Unit{}, err
	}

	r.log.WithFields(logrus.Fields{"unit_id": unit.ID, "name": unit.Name}).Info("base unit registered")
	return unit, nil
}

// RegisterConversion creates the named unit when it does not exist yet and
// points it at baseUnitID with the given factor. Re-registering a unit whose
// quantities are already persisted fails with ErrConflict.
func (r *Registry) RegisterConversion(ctx context.Context, name string, baseUnitID string, factor decimal.Decimal) (domain.UnitConversion, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(baseUnitID) == "" {
		return domain.UnitConversion{}, fmt.Errorf("%w: unit name and base unit are required", domain.ErrValidation)
	}
	if err := r.checkFactor(factor); err != nil {
		return domain.UnitConversion{}, err
	}

	var saved domain.UnitConversion
	err := r.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUnit(ctx, baseUnitID); err != nil {
			return err
		}

		unit, err := tx.FindUnitByName(ctx, name)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			created := domain.Unit{
				ID:        xid.New("unit"),
				Name:      name,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.CreateUnit(ctx, created); err != nil {
				return err
			}
			unit = &created
		case err != nil:
			return err
		default:
			if unit.IsBase {
				return fmt.Errorf("%w: %s is a base unit", domain.ErrValidation, unit.Name)
			}
			if err := r.ensureUnused(ctx, tx, unit.ID); err != nil {
				return err
			}
		}

		saved = domain.UnitConversion{
			ID:         xid.New("conv"),
			UnitID:     unit.ID,
			UnitName:   unit.Name,
			BaseUnitID: baseUnitID,
			Factor:     factor,
			Active:     true,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.SaveConversion(ctx, saved); err != nil {
			return err
		}

		// Resolving after the write rejects cycles and dangling chains.
		_, err = NewResolver(tx).Resolve(ctx, unit.ID)
		return err
	})
	if err != nil {
		return domain.UnitConversion{}, err
	}

	r.log.WithFields(logrus.Fields{
		"unit_id":      saved.UnitID,
		"base_unit_id": saved.BaseUnitID,
		"factor":       saved.Factor.String(),
	}).Info("unit conversion registered")
	return saved, nil
}

// DeleteConversion retires the conversion of unitID. It fails when any
// persisted quantity or other conversion still depends on the unit.
func (r *Registry) DeleteConversion(ctx context.Context, unitID string) error {
	err := r.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetActiveConversion(ctx, unitID); err != nil {
			return err
		}
		dependents, err := NewResolver(tx).dependents(ctx, unitID)
		if err != nil {
			return err
		}
		if len(dependents) > 1 {
			return fmt.Errorf("%w: unit %s has %d dependent conversions", domain.ErrConflict, unitID, len(dependents)-1)
		}
		if err := r.ensureUnused(ctx, tx, unitID); err != nil {
			return err
		}
		return tx.DeactivateConversion(ctx, unitID)
	})
	if err != nil {
		return err
	}

	r.log.WithField("unit_id", unitID).Info("unit conversion deleted")
	return nil
}

func (r *Registry) ResolveFactor(ctx context.Context, unitID string) (decimal.Decimal, error) {
	return NewResolver(r.repo).ResolveFactor(ctx, unitID)
}

func (r *Registry) ResolveBaseUnit(ctx context.Context, unitID string) (domain.Unit, error) {
	return NewResolver(r.repo).ResolveBaseUnit(ctx, unitID)
}

func (r *Registry) checkFactor(factor decimal.Decimal) error {
	if !factor.IsPositive() {
		return fmt.Errorf("%w: conversion factor must be greater than zero, got %s", domain.ErrValidation, factor.String())
	}
	if !factor.Equal(factor.Round(r.quantityPrecision)) {
		return fmt.Errorf("%w: conversion factor %s exceeds %d decimal places", domain.ErrValidation, factor.String(), r.quantityPrecision)
	}
	return nil
}

func (r *Registry) ensureUnused(ctx context.Context, tx store.Tx, unitID string) error {
	ids, err := NewResolver(tx).dependents(ctx, unitID)
	if err != nil {
		return err
	}
	refs, err := tx.CountUnitReferences(ctx, ids)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("%w: unit in use (%d references)", domain.ErrConflict, refs)
	}
	return nil
}
