package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"branchledger/backend/internal/domain"
)

type state struct {
	units                   map[string]domain.Unit
	unitsByName             map[string]string
	conversions             map[string]domain.UnitConversion
	retired                 []domain.UnitConversion
	products                map[string]domain.Product
	stocks                  map[string]domain.Stock
	movements               map[string]domain.StockMovement
	movementOrder           []string
	bookingLines            map[string]domain.BookingLine
	bookingLinesByBooking   map[string][]string
	deliveryLines           map[string]domain.DeliveryLine
	deliveriesByBookingLine map[string][]string
	documents               map[string]domain.Document
	documentOrder           []string
}

func newState() *state {
	return &state{
		units:                   make(map[string]domain.Unit),
		unitsByName:             make(map[string]string),
		conversions:             make(map[string]domain.UnitConversion),
		products:                make(map[string]domain.Product),
		stocks:                  make(map[string]domain.Stock),
		movements:               make(map[string]domain.StockMovement),
		bookingLines:            make(map[string]domain.BookingLine),
		bookingLinesByBooking:   make(map[string][]string),
		deliveryLines:           make(map[string]domain.DeliveryLine),
		deliveriesByBookingLine: make(map[string][]string),
		documents:               make(map[string]domain.Document),
	}
}

func (st *state) clone() *state {
	next := &state{
		units:                   maps.Clone(st.units),
		unitsByName:             maps.Clone(st.unitsByName),
		conversions:             maps.Clone(st.conversions),
		retired:                 slices.Clone(st.retired),
		products:                maps.Clone(st.products),
		stocks:                  maps.Clone(st.stocks),
		movements:               maps.Clone(st.movements),
		movementOrder:           slices.Clone(st.movementOrder),
		bookingLines:            maps.Clone(st.bookingLines),
		bookingLinesByBooking:   make(map[string][]string, len(st.bookingLinesByBooking)),
		deliveryLines:           maps.Clone(st.deliveryLines),
		deliveriesByBookingLine: make(map[string][]string, len(st.deliveriesByBookingLine)),
		documents:               make(map[string]domain.Document, len(st.documents)),
		documentOrder:           slices.Clone(st.documentOrder),
	}
	for k, ids := range st.bookingLinesByBooking {
		next.bookingLinesByBooking[k] = slices.Clone(ids)
	}
	for k, ids := range st.deliveriesByBookingLine {
		next.deliveriesByBookingLine[k] = slices.Clone(ids)
	}
	for k, doc := range st.documents {
		next.documents[k] = cloneDocument(doc)
	}
	return next
}

func (st *state) GetUnit(_ context.Context, id string) (*domain.Unit, error) {
	unit, exists := st.units[id]
	if !exists {
		return nil, fmt.Errorf("%w: unit %s", domain.ErrNotFound, id)
	}
	return &unit, nil
}

func (st *state) FindUnitByName(_ context.Context, name string) (*domain.Unit, error) {
	id, exists := st.unitsByName[nameKey(name)]
	if !exists {
		return nil, fmt.Errorf("%w: unit %q", domain.ErrNotFound, name)
	}
	unit := st.units[id]
	return &unit, nil
}

func (st *state) ListUnits(_ context.Context) ([]domain.Unit, error) {
	units := make([]domain.Unit, 0, len(st.units))
	for _, unit := range st.units {
		units = append(units, unit)
	}
	slices.SortFunc(units, func(a, b domain.Unit) int {
		return cmpString(a.Name, b.Name)
	})
	return units, nil
}

func (st *state) GetActiveConversion(_ context.Context, unitID string) (*domain.UnitConversion, error) {
	conversion, exists := st.conversions[unitID]
	if !exists {
		return nil, fmt.Errorf("%w: conversion for unit %s", domain.ErrNotFound, unitID)
	}
	return &conversion, nil
}

func (st *state) ListConversionsTargeting(_ context.Context, baseUnitID string) ([]domain.UnitConversion, error) {
	out := make([]domain.UnitConversion, 0, 4)
	for _, conversion := range st.conversions {
		if conversion.BaseUnitID == baseUnitID {
			out = append(out, conversion)
		}
	}
	slices.SortFunc(out, func(a, b domain.UnitConversion) int {
		return cmpString(a.UnitID, b.UnitID)
	})
	return out, nil
}

func (st *state) CountUnitReferences(_ context.Context, unitIDs []string) (int, error) {
	set := make(map[string]struct{}, len(unitIDs))
	for _, id := range unitIDs {
		set[id] = struct{}{}
	}
	count := 0
	for _, line := range st.bookingLines {
		if _, ok := set[line.UnitID]; ok && !line.Cancelled {
			count++
		}
	}
	for _, line := range st.deliveryLines {
		if _, ok := set[line.UnitID]; ok {
			count++
		}
	}
	for _, doc := range st.documents {
		for _, line := range doc.Lines {
			if _, ok := set[line.UnitID]; ok {
				count++
			}
		}
	}
	for _, product := range st.products {
		if _, ok := set[product.DefaultUnitID]; ok {
			count++
		}
	}
	return count, nil
}

func (st *state) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	product, exists := st.products[id]
	if !exists {
		return nil, fmt.Errorf("%w: product %s", domain.ErrNotFound, id)
	}
	return &product, nil
}

func (st *state) GetStock(_ context.Context, productID string, branchID string) (*domain.Stock, error) {
	row, exists := st.stocks[stockMapKey(productID, branchID)]
	if !exists {
		return nil, fmt.Errorf("%w: stock for product %s at branch %s", domain.ErrNotFound, productID, branchID)
	}
	return &row, nil
}

func (st *state) ListStocks(_ context.Context, branchID string) ([]domain.Stock, error) {
	out := make([]domain.Stock, 0, len(st.stocks))
	for _, row := range st.stocks {
		if branchID != "" && row.BranchID != branchID {
			continue
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b domain.Stock) int {
		if a.BranchID == b.BranchID {
			return cmpString(a.ProductID, b.ProductID)
		}
		return cmpString(a.BranchID, b.BranchID)
	})
	return out, nil
}

func (st *state) GetStockMovement(_ context.Context, id string) (*domain.StockMovement, error) {
	movement, exists := st.movements[id]
	if !exists {
		return nil, fmt.Errorf("%w: movement %s", domain.ErrNotFound, id)
	}
	return &movement, nil
}

func (st *state) ListStockMovements(_ context.Context, productID string, branchID string) ([]domain.StockMovement, error) {
	out := make([]domain.StockMovement, 0, 16)
	for _, id := range st.movementOrder {
		movement := st.movements[id]
		if movement.ProductID == productID && movement.BranchID == branchID {
			out = append(out, movement)
		}
	}
	return out, nil
}

func (st *state) ListDocumentMovements(_ context.Context, documentID string) ([]domain.StockMovement, error) {
	out := make([]domain.StockMovement, 0, 8)
	for _, id := range st.movementOrder {
		movement := st.movements[id]
		if movement.DocumentID == documentID {
			out = append(out, movement)
		}
	}
	return out, nil
}

func (st *state) GetBookingLine(_ context.Context, id string) (*domain.BookingLine, error) {
	line, exists := st.bookingLines[id]
	if !exists {
		return nil, fmt.Errorf("%w: booking line %s", domain.ErrNotFound, id)
	}
	return &line, nil
}

func (st *state) ListBookingLines(_ context.Context, bookingID string) ([]domain.BookingLine, error) {
	ids := st.bookingLinesByBooking[bookingID]
	out := make([]domain.BookingLine, 0, len(ids))
	for _, id := range ids {
		out = append(out, st.bookingLines[id])
	}
	return out, nil
}

func (st *state) GetDeliveryLine(_ context.Context, id string) (*domain.DeliveryLine, error) {
	line, exists := st.deliveryLines[id]
	if !exists {
		return nil, fmt.Errorf("%w: delivery line %s", domain.ErrNotFound, id)
	}
	return &line, nil
}

func (st *state) ListDeliveryLines(_ context.Context, bookingLineID string) ([]domain.DeliveryLine, error) {
	ids := st.deliveriesByBookingLine[bookingLineID]
	out := make([]domain.DeliveryLine, 0, len(ids))
	for _, id := range ids {
		out = append(out, st.deliveryLines[id])
	}
	return out, nil
}

func (st *state) ListDeliveryLinesByDelivery(_ context.Context, deliveryID string) ([]domain.DeliveryLine, error) {
	out := make([]domain.DeliveryLine, 0, 4)
	for _, line := range st.deliveryLines {
		if line.DeliveryID == deliveryID {
			out = append(out, line)
		}
	}
	slices.SortFunc(out, func(a, b domain.DeliveryLine) int {
		return cmpString(a.ID, b.ID)
	})
	return out, nil
}

func (st *state) SumDeliveredBaseQuantity(_ context.Context, bookingLineID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, id := range st.deliveriesByBookingLine[bookingLineID] {
		line := st.deliveryLines[id]
		if line.Reversed {
			continue
		}
		total = total.Add(line.BaseQuantity)
	}
	return total, nil
}

func (st *state) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	doc, exists := st.documents[id]
	if !exists {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
	}
	copyDoc := cloneDocument(doc)
	return &copyDoc, nil
}

func (st *state) ListDocuments(_ context.Context, branchID string, status string) ([]domain.Document, error) {
	out := make([]domain.Document, 0, len(st.documentOrder))
	for _, id := range st.documentOrder {
		doc := st.documents[id]
		if branchID != "" && doc.BranchID != branchID {
			continue
		}
		if status != "" && doc.Status != status {
			continue
		}
		out = append(out, cloneDocument(doc))
	}
	return out, nil
}
