package stock

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

// NegativeStockPolicy decides whether tracked stock may go below zero.
type NegativeStockPolicy string

const (
	PolicyReject NegativeStockPolicy = "reject"
	PolicyAllow  NegativeStockPolicy = "allow"
)

func ParsePolicy(raw string) (NegativeStockPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(PolicyReject):
		return PolicyReject, nil
	case string(PolicyAllow), "backorder":
		return PolicyAllow, nil
	}
	return "", fmt.Errorf("%w: unknown negative stock policy %q", domain.ErrValidation, raw)
}

type Delta struct {
	ProductID    string
	BranchID     string
	Quantity     decimal.Decimal
	InboundRate  *decimal.Decimal
	DocumentID   string
	DocumentKind domain.DocumentKind
	LineID       string
	ActorID      string
}

type Ledger struct {
	policy NegativeStockPolicy
	log    logrus.FieldLogger
}

func New(policy NegativeStockPolicy, log logrus.FieldLogger) *Ledger {
	if policy == "" {
		policy = PolicyReject
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{policy: policy, log: log.WithField("module", "stock")}
}

func (l *Ledger) Policy() NegativeStockPolicy {
	return l.policy
}

// ApplyDelta adds a signed base-unit quantity to one (product, branch) row
// and journals it as a movement.
func (l *Ledger) ApplyDelta(ctx context.Context, tx store.Tx, d Delta) (domain.Stock, domain.StockMovement, error) {
	return l.apply(ctx, tx, d, nil)
}

// Reverse applies the exact negation of a movement. A movement can be
// reversed once, and a reversal cannot itself be reversed.
func (l *Ledger) Reverse(ctx context.Context, tx store.Tx, movementID string, actorID string) (domain.Stock, domain.StockMovement, error) {
	original, err := tx.GetStockMovement(ctx, movementID)
	if err != nil {
		return domain.Stock{}, domain.StockMovement{}, err
	}
	if original.ReversesID != "" {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("%w: movement %s is a reversal", domain.ErrValidation, original.ID)
	}
	if original.Reversed() {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("%w: movement %s already reversed", domain.ErrConflict, original.ID)
	}

	row, reversal, err := l.apply(ctx, tx, Delta{
		ProductID:    original.ProductID,
		BranchID:     original.BranchID,
		Quantity:     original.Delta.Neg(),
		DocumentID:   original.DocumentID,
		DocumentKind: original.DocumentKind,
		LineID:       original.LineID,
		ActorID:      actorID,
	}, original)
	if err != nil {
		return domain.Stock{}, domain.StockMovement{}, err
	}
	if err := tx.MarkStockMovementReversed(ctx, original.ID, reversal.ID); err != nil {
		return domain.Stock{}, domain.StockMovement{}, err
	}
	return row, reversal, nil
}

// apply moves one stock row by d. When undo is set the movement reverses it,
// and the inbound rate undo installed is rolled back unless a later inbound
// movement has replaced it since.
func (l *Ledger) apply(ctx context.Context, tx store.Tx, d Delta, undo *domain.StockMovement) (domain.Stock, domain.StockMovement, error) {
	reversesID := ""
	if undo != nil {
		reversesID = undo.ID
	}
	if d.ProductID == "" || d.BranchID == "" {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("%w: product and branch are required", domain.ErrValidation)
	}
	if d.Quantity.IsZero() {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("%w: stock delta must not be zero", domain.ErrValidation)
	}
	if d.InboundRate != nil && d.InboundRate.IsNegative() {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("%w: inbound rate must not be negative", domain.ErrValidation)
	}

	product, err := tx.GetProduct(ctx, d.ProductID)
	if err != nil {
		return domain.Stock{}, domain.StockMovement{}, err
	}
	row, err := tx.LockStock(ctx, d.ProductID, d.BranchID)
	if err != nil {
		return domain.Stock{}, domain.StockMovement{}, err
	}

	next := row.QuantityOnHand.Add(d.Quantity)
	if next.IsNegative() && product.Tracked() && l.policy != PolicyAllow {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("%w: product %s at branch %s has %s, delta %s",
			domain.ErrInsufficientStock, product.ID, d.BranchID, row.QuantityOnHand.String(), d.Quantity.String())
	}

	now := time.Now().UTC()
	updated := *row
	updated.QuantityOnHand = next
	updated.UpdatedAt = now
	var priorRate *decimal.Decimal
	if d.InboundRate != nil && d.Quantity.IsPositive() {
		prior := row.LastInboundRate
		priorRate = &prior
		updated.LastInboundRate = *d.InboundRate
	}
	if undo != nil && undo.PriorRate != nil && undo.Rate != nil && row.LastInboundRate.Equal(*undo.Rate) {
		updated.LastInboundRate = *undo.PriorRate
	}
	if err := tx.SaveStock(ctx, updated); err != nil {
		return domain.Stock{}, domain.StockMovement{}, err
	}
	updated.Version++

	movement := domain.StockMovement{
		ID:           xid.New("mov"),
		ProductID:    d.ProductID,
		BranchID:     d.BranchID,
		Delta:        d.Quantity,
		Rate:         d.InboundRate,
		PriorRate:    priorRate,
		DocumentID:   d.DocumentID,
		DocumentKind: d.DocumentKind,
		LineID:       d.LineID,
		ReversesID:   reversesID,
		CreatedBy:    d.ActorID,
		CreatedAt:    now,
	}
	if err := tx.CreateStockMovement(ctx, movement); err != nil {
		return domain.Stock{}, domain.StockMovement{}, err
	}

	l.log.WithFields(logrus.Fields{
		"product_id":  d.ProductID,
		"branch_id":   d.BranchID,
		"delta":       d.Quantity.String(),
		"on_hand":     next.String(),
		"movement_id": movement.ID,
		"reverses_id": reversesID,
	}).Debug("stock delta applied")
	return updated, movement, nil
}

// Reconciliation compares a stock row with the sum of its journal.
type Reconciliation struct {
	ProductID string          `json:"product_id"`
	BranchID  string          `json:"branch_id"`
	OnHand    decimal.Decimal `json:"on_hand"`
	Journal   decimal.Decimal `json:"journal"`
	Drift     decimal.Decimal `json:"drift"`
	Movements int             `json:"movements"`
}

func (r Reconciliation) Balanced() bool {
	return r.Drift.IsZero()
}

func (l *Ledger) Reconcile(ctx context.Context, r store.Reader, productID string, branchID string) (Reconciliation, error) {
	onHand := decimal.Zero
	row, err := r.GetStock(ctx, productID, branchID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return Reconciliation{}, err
	default:
		onHand = row.QuantityOnHand
	}

	movements, err := r.ListStockMovements(ctx, productID, branchID)
	if err != nil {
		return Reconciliation{}, err
	}
	journal := decimal.Zero
	for _, movement := range movements {
		journal = journal.Add(movement.Delta)
	}

	out := Reconciliation{
		ProductID: productID,
		BranchID:  branchID,
		OnHand:    onHand,
		Journal:   journal,
		Drift:     onHand.Sub(journal),
		Movements: len(movements),
	}
	if !out.Balanced() {
		l.log.WithFields(logrus.Fields{
			"product_id": productID,
			"branch_id":  branchID,
			"drift":      out.Drift.String(),
		}).Warn("stock row disagrees with its journal")
	}
	return out, nil
}
