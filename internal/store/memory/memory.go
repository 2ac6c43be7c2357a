package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/store"
)

// Store keeps committed state behind mu. Transactions are serialized by txMu
// and run against a private clone that replaces the committed state only when
// the callback succeeds, so readers never observe a half-posted document.
type Store struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	st    *state
	audit []domain.AuditLog
}

func New() *Store {
	return &Store{
		st:    newState(),
		audit: make([]domain.AuditLog, 0, 64),
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	next := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{state: next}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = next
	s.mu.Unlock()
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" || entry.Action == "" {
		return fmt.Errorf("%w: audit entry requires id and action", domain.ErrValidation)
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, 32)
	for i := len(s.audit) - 1; i >= 0; i-- {
		entry := s.audit[i]
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetUnit(ctx context.Context, id string) (*domain.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetUnit(ctx, id)
}

func (s *Store) FindUnitByName(ctx context.Context, name string) (*domain.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.FindUnitByName(ctx, name)
}

func (s *Store) ListUnits(ctx context.Context) ([]domain.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListUnits(ctx)
}

func (s *Store) GetActiveConversion(ctx context.Context, unitID string) (*domain.UnitConversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetActiveConversion(ctx, unitID)
}

func (s *Store) ListConversionsTargeting(ctx context.Context, baseUnitID string) ([]domain.UnitConversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListConversionsTargeting(ctx, baseUnitID)
}

func (s *Store) CountUnitReferences(ctx context.Context, unitIDs []string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.CountUnitReferences(ctx, unitIDs)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetProduct(ctx, id)
}

func (s *Store) GetStock(ctx context.Context, productID string, branchID string) (*domain.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetStock(ctx, productID, branchID)
}

func (s *Store) ListStocks(ctx context.Context, branchID string) ([]domain.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListStocks(ctx, branchID)
}

func (s *Store) GetStockMovement(ctx context.Context, id string) (*domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetStockMovement(ctx, id)
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, branchID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListStockMovements(ctx, productID, branchID)
}

func (s *Store) ListDocumentMovements(ctx context.Context, documentID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListDocumentMovements(ctx, documentID)
}

func (s *Store) GetBookingLine(ctx context.Context, id string) (*domain.BookingLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetBookingLine(ctx, id)
}

func (s *Store) ListBookingLines(ctx context.Context, bookingID string) ([]domain.BookingLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListBookingLines(ctx, bookingID)
}

func (s *Store) GetDeliveryLine(ctx context.Context, id string) (*domain.DeliveryLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetDeliveryLine(ctx, id)
}

func (s *Store) ListDeliveryLines(ctx context.Context, bookingLineID string) ([]domain.DeliveryLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListDeliveryLines(ctx, bookingLineID)
}

func (s *Store) ListDeliveryLinesByDelivery(ctx context.Context, deliveryID string) ([]domain.DeliveryLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListDeliveryLinesByDelivery(ctx, deliveryID)
}

func (s *Store) SumDeliveredBaseQuantity(ctx context.Context, bookingLineID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.SumDeliveredBaseQuantity(ctx, bookingLineID)
}

func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetDocument(ctx, id)
}

func (s *Store) ListDocuments(ctx context.Context, branchID string, status string) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListDocuments(ctx, branchID, status)
}

type memTx struct {
	*state
}

func (t *memTx) CreateUnit(_ context.Context, unit domain.Unit) error {
	key := nameKey(unit.Name)
	if unit.ID == "" || key == "" {
		return fmt.Errorf("%w: unit requires id and name", domain.ErrValidation)
	}
	if _, exists := t.units[unit.ID]; exists {
		return fmt.Errorf("%w: unit %s already exists", domain.ErrConflict, unit.ID)
	}
	if _, exists := t.unitsByName[key]; exists {
		return fmt.Errorf("%w: unit name %q already registered", domain.ErrConflict, unit.Name)
	}
	t.units[unit.ID] = unit
	t.unitsByName[key] = unit.ID
	return nil
}

func (t *memTx) SaveConversion(_ context.Context, conversion domain.UnitConversion) error {
	if _, exists := t.units[conversion.UnitID]; !exists {
		return fmt.Errorf("%w: unit %s", domain.ErrNotFound, conversion.UnitID)
	}
	if prev, exists := t.conversions[conversion.UnitID]; exists {
		prev.Active = false
		t.retired = append(t.retired, prev)
	}
	conversion.Active = true
	t.conversions[conversion.UnitID] = conversion
	return nil
}

func (t *memTx) DeactivateConversion(_ context.Context, unitID string) error {
	prev, exists := t.conversions[unitID]
	if !exists {
		return fmt.Errorf("%w: conversion for unit %s", domain.ErrNotFound, unitID)
	}
	prev.Active = false
	t.retired = append(t.retired, prev)
	delete(t.conversions, unitID)
	return nil
}

func (t *memTx) CreateProduct(_ context.Context, product domain.Product) error {
	if product.ID == "" {
		return fmt.Errorf("%w: product requires id", domain.ErrValidation)
	}
	if _, exists := t.products[product.ID]; exists {
		return fmt.Errorf("%w: product %s already exists", domain.ErrConflict, product.ID)
	}
	t.products[product.ID] = product
	return nil
}

func (t *memTx) LockStock(_ context.Context, productID string, branchID string) (*domain.Stock, error) {
	if _, exists := t.products[productID]; !exists {
		return nil, fmt.Errorf("%w: product %s", domain.ErrNotFound, productID)
	}
	key := stockMapKey(productID, branchID)
	row, exists := t.stocks[key]
	if !exists {
		row = domain.Stock{
			ProductID:       productID,
			BranchID:        branchID,
			QuantityOnHand:  decimal.Zero,
			LastInboundRate: decimal.Zero,
			UpdatedAt:       time.Now().UTC(),
		}
		t.stocks[key] = row
	}
	copyRow := row
	return &copyRow, nil
}

func (t *memTx) SaveStock(_ context.Context, row domain.Stock) error {
	key := stockMapKey(row.ProductID, row.BranchID)
	current, exists := t.stocks[key]
	if !exists {
		return fmt.Errorf("%w: stock row %s", domain.ErrNotFound, key)
	}
	if current.Version != row.Version {
		return fmt.Errorf("%w: stock row %s changed (version %d, have %d)", domain.ErrConflict, key, current.Version, row.Version)
	}
	row.Version++
	t.stocks[key] = row
	return nil
}

func (t *memTx) CreateStockMovement(_ context.Context, movement domain.StockMovement) error {
	if movement.ID == "" {
		return fmt.Errorf("%w: movement requires id", domain.ErrValidation)
	}
	if _, exists := t.movements[movement.ID]; exists {
		return fmt.Errorf("%w: movement %s already exists", domain.ErrConflict, movement.ID)
	}
	t.movements[movement.ID] = movement
	t.movementOrder = append(t.movementOrder, movement.ID)
	return nil
}

func (t *memTx) MarkStockMovementReversed(_ context.Context, id string, reversedByID string) error {
	movement, exists := t.movements[id]
	if !exists {
		return fmt.Errorf("%w: movement %s", domain.ErrNotFound, id)
	}
	if movement.ReversedByID != "" {
		return fmt.Errorf("%w: movement %s already reversed", domain.ErrConflict, id)
	}
	movement.ReversedByID = reversedByID
	t.movements[id] = movement
	return nil
}

func (t *memTx) LockBookingLine(ctx context.Context, id string) (*domain.BookingLine, error) {
	return t.GetBookingLine(ctx, id)
}

func (t *memTx) CreateBookingLine(_ context.Context, line domain.BookingLine) error {
	if line.ID == "" || line.BookingID == "" {
		return fmt.Errorf("%w: booking line requires id and booking id", domain.ErrValidation)
	}
	if _, exists := t.bookingLines[line.ID]; exists {
		return fmt.Errorf("%w: booking line %s already exists", domain.ErrConflict, line.ID)
	}
	t.bookingLines[line.ID] = line
	t.bookingLinesByBooking[line.BookingID] = append(t.bookingLinesByBooking[line.BookingID], line.ID)
	return nil
}

func (t *memTx) CancelBookingLine(_ context.Context, id string) error {
	line, exists := t.bookingLines[id]
	if !exists {
		return fmt.Errorf("%w: booking line %s", domain.ErrNotFound, id)
	}
	line.Cancelled = true
	t.bookingLines[id] = line
	return nil
}

func (t *memTx) LockDeliveryLine(ctx context.Context, id string) (*domain.DeliveryLine, error) {
	return t.GetDeliveryLine(ctx, id)
}

func (t *memTx) CreateDeliveryLine(_ context.Context, line domain.DeliveryLine) error {
	if line.ID == "" || line.BookingLineID == "" {
		return fmt.Errorf("%w: delivery line requires id and booking line id", domain.ErrValidation)
	}
	if _, exists := t.bookingLines[line.BookingLineID]; !exists {
		return fmt.Errorf("%w: booking line %s", domain.ErrNotFound, line.BookingLineID)
	}
	if _, exists := t.deliveryLines[line.ID]; exists {
		return fmt.Errorf("%w: delivery line %s already exists", domain.ErrConflict, line.ID)
	}
	t.deliveryLines[line.ID] = line
	t.deliveriesByBookingLine[line.BookingLineID] = append(t.deliveriesByBookingLine[line.BookingLineID], line.ID)
	return nil
}

func (t *memTx) ReverseDeliveryLine(_ context.Context, id string, actorID string, at time.Time) error {
	line, exists := t.deliveryLines[id]
	if !exists {
		return fmt.Errorf("%w: delivery line %s", domain.ErrNotFound, id)
	}
	if line.Reversed {
		return fmt.Errorf("%w: delivery line %s already reversed", domain.ErrConflict, id)
	}
	line.Reversed = true
	line.ReversedBy = actorID
	line.ReversedAt = &at
	t.deliveryLines[id] = line
	return nil
}

func (t *memTx) LockDocument(ctx context.Context, id string) (*domain.Document, error) {
	return t.GetDocument(ctx, id)
}

func (t *memTx) CreateDocument(_ context.Context, doc domain.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document requires id", domain.ErrValidation)
	}
	if _, exists := t.documents[doc.ID]; exists {
		return fmt.Errorf("%w: document %s already exists", domain.ErrConflict, doc.ID)
	}
	t.documents[doc.ID] = cloneDocument(doc)
	t.documentOrder = append(t.documentOrder, doc.ID)
	return nil
}

func (t *memTx) UpdateDocumentHeader(_ context.Context, doc domain.Document) error {
	current, exists := t.documents[doc.ID]
	if !exists {
		return fmt.Errorf("%w: document %s", domain.ErrNotFound, doc.ID)
	}
	current.Status = doc.Status
	current.Subtotal = doc.Subtotal
	current.Tax = doc.Tax
	current.Discount = doc.Discount
	current.OtherCost = doc.OtherCost
	current.TotalAmount = doc.TotalAmount
	current.PaidAmount = doc.PaidAmount
	current.UpdatedAt = doc.UpdatedAt
	t.documents[doc.ID] = current
	return nil
}

func stockMapKey(productID string, branchID string) string {
	return productID + "|" + branchID
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func cmpString(a string, b string) int {
	return strings.Compare(a, b)
}

func cloneDocument(src domain.Document) domain.Document {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}
