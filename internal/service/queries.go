package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"branchledger/backend/internal/balance"
	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/stock"
	"branchledger/backend/internal/units"
)

// GetStock returns the stock row for a (product, branch) pair. A pair that
// has never been posted reads as zero.
func (s *Service) GetStock(ctx context.Context, productID string, branchID string) (domain.Stock, error) {
	if strings.TrimSpace(productID) == "" || strings.TrimSpace(branchID) == "" {
		return domain.Stock{}, fmt.Errorf("%w: product and branch are required", domain.ErrValidation)
	}

	if cached, ok, err := s.stockCache.Get(ctx, productID, branchID); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.log.WithError(err).WithField("product_id", productID).Warn("stock cache read failed")
	}

	row, err := s.repo.GetStock(ctx, productID, branchID)
	if errors.Is(err, domain.ErrNotFound) {
		if _, perr := s.repo.GetProduct(ctx, productID); perr != nil {
			return domain.Stock{}, perr
		}
		return domain.Stock{
			ProductID:       productID,
			BranchID:        branchID,
			QuantityOnHand:  decimal.Zero,
			LastInboundRate: decimal.Zero,
		}, nil
	}
	if err != nil {
		return domain.Stock{}, err
	}

	if err := s.stockCache.Set(ctx, *row, s.stockCacheTTL); err != nil {
		s.log.WithError(err).WithField("product_id", productID).Warn("stock cache write failed")
	}
	return *row, nil
}

// GetStockIn expresses the on-hand quantity in unitID, which must measure
// the product's base unit.
func (s *Service) GetStockIn(ctx context.Context, productID string, branchID string, unitID string) (domain.StockView, error) {
	row, err := s.GetStock(ctx, productID, branchID)
	if err != nil {
		return domain.StockView{}, err
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockView{}, err
	}
	base, err := units.NewResolver(s.repo).ResolveBaseUnit(ctx, product.DefaultUnitID)
	if err != nil {
		return domain.StockView{}, err
	}
	if unitID == "" {
		unitID = base.ID
	}
	if err := s.normalizer.Compatible(ctx, unitID, base.ID); err != nil {
		return domain.StockView{}, err
	}
	quantity, err := s.normalizer.Denormalize(ctx, row.QuantityOnHand, unitID)
	if err != nil {
		return domain.StockView{}, err
	}
	return domain.StockView{
		ProductID:       row.ProductID,
		BranchID:        row.BranchID,
		UnitID:          unitID,
		Quantity:        quantity,
		LastInboundRate: row.LastInboundRate,
	}, nil
}

func (s *Service) ListStocks(ctx context.Context, branchID string) ([]domain.Stock, error) {
	return s.repo.ListStocks(ctx, branchID)
}

func (s *Service) GetRemaining(ctx context.Context, bookingLineID string, unitID string) (domain.RemainingResponse, error) {
	return s.fulfillment.Remaining(ctx, s.repo, bookingLineID, unitID)
}

func (s *Service) GetDue(ctx context.Context, documentID string) (balance.DueView, error) {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return balance.DueView{}, err
	}
	return balance.Due(*doc), nil
}

// ListOutstanding lists posted documents of a branch whose due is not zero,
// overpaid ones included.
func (s *Service) ListOutstanding(ctx context.Context, branchID string) ([]balance.DueView, error) {
	docs, err := s.repo.ListDocuments(ctx, branchID, domain.DocumentStatusPosted)
	if err != nil {
		return nil, err
	}
	out := make([]balance.DueView, 0, len(docs))
	for _, doc := range docs {
		view := balance.Due(doc)
		if view.Direction == balance.Neutral || view.Settlement == balance.SettlementSettled {
			continue
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *Service) BalanceSummary(ctx context.Context, branchID string) (map[balance.Direction]balance.Summary, error) {
	docs, err := s.repo.ListDocuments(ctx, branchID, domain.DocumentStatusPosted)
	if err != nil {
		return nil, err
	}
	return balance.Summarize(docs), nil
}

func (s *Service) AgingReport(ctx context.Context, branchID string, direction balance.Direction, asOf time.Time) ([]balance.AgingBucket, error) {
	if direction != balance.Receivable && direction != balance.Payable {
		return nil, fmt.Errorf("%w: aging direction must be receivable or payable", domain.ErrValidation)
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	docs, err := s.repo.ListDocuments(ctx, branchID, domain.DocumentStatusPosted)
	if err != nil {
		return nil, err
	}
	filtered := make([]domain.Document, 0, len(docs))
	for _, doc := range docs {
		if balance.DirectionOf(doc.Kind) == direction {
			filtered = append(filtered, doc)
		}
	}
	return balance.Age(filtered, asOf), nil
}

func (s *Service) ReconcileStock(ctx context.Context, productID string, branchID string) (stock.Reconciliation, error) {
	return s.stock.Reconcile(ctx, s.repo, productID, branchID)
}

// ReconcileBranch reconciles every stock row of a branch and returns the ones
// that disagree with their journal.
func (s *Service) ReconcileBranch(ctx context.Context, branchID string) ([]stock.Reconciliation, error) {
	rows, err := s.repo.ListStocks(ctx, branchID)
	if err != nil {
		return nil, err
	}
	drifted := make([]stock.Reconciliation, 0)
	for _, row := range rows {
		rec, err := s.stock.Reconcile(ctx, s.repo, row.ProductID, row.BranchID)
		if err != nil {
			return nil, err
		}
		if !rec.Balanced() {
			drifted = append(drifted, rec)
		}
	}
	s.log.WithFields(logrus.Fields{
		"branch_id": branchID,
		"rows":      len(rows),
		"drifted":   len(drifted),
	}).Info("branch stock reconciled")
	return drifted, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	day := time.Now().UTC()
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrValidation)
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListAuditLogs(ctx, branchID, from, from.Add(24*time.Hour), limit)
}
