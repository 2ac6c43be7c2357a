package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"branchledger/backend/internal/balance"
	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/fulfillment"
	"branchledger/backend/internal/lock"
	"branchledger/backend/internal/stock"
	"branchledger/backend/internal/store"
	"branchledger/backend/internal/units"
	"branchledger/backend/internal/xid"
)

func (s *Service) CreateBooking(ctx context.Context, actor domain.Actor, req domain.DocumentRequest) (domain.BookingResponse, error) {
	ctx, span := s.startSpan(ctx, "CreateBooking", actor)
	resp, err := s.createBooking(ctx, actor, req)
	endSpan(span, err)
	return resp, err
}

func (s *Service) createBooking(ctx context.Context, actor domain.Actor, req domain.DocumentRequest) (domain.BookingResponse, error) {
	if err := s.checkDocumentRequest(actor, req); err != nil {
		return domain.BookingResponse{}, err
	}
	code, err := s.sequencer.Next(ctx, domain.KindBooking.CodePrefix(), actor.BranchID)
	if err != nil {
		return domain.BookingResponse{}, err
	}

	var resp domain.BookingResponse
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		doc, normalized, err := s.buildDocument(ctx, tx, actor, domain.KindBooking, code, req)
		if err != nil {
			return err
		}
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return err
		}

		lines := make([]domain.BookingLine, 0, len(doc.Lines))
		for i, docLine := range doc.Lines {
			line := domain.BookingLine{
				ID:           docLine.ID,
				BookingID:    doc.ID,
				ProductID:    docLine.ProductID,
				UnitID:       docLine.UnitID,
				Quantity:     docLine.Quantity,
				Rate:         docLine.Rate,
				BaseQuantity: normalized[i].BaseQuantity,
				BaseRate:     normalized[i].BaseRate,
				CreatedAt:    doc.CreatedAt,
			}
			if err := tx.CreateBookingLine(ctx, line); err != nil {
				return err
			}
			lines = append(lines, line)
		}
		resp = domain.BookingResponse{Document: doc, Lines: lines}
		return nil
	})
	if err != nil {
		return domain.BookingResponse{}, err
	}

	s.logAudit(ctx, actor, "booking_create", "document", resp.Document.ID,
		fmt.Sprintf("code=%s,lines=%d,total=%s", resp.Document.Code, len(resp.Lines), resp.Document.TotalAmount.String()))
	return resp, nil
}

// CancelBooking cancels every line of a booking. It is refused while any
// line still has a delivery that has not been reversed.
func (s *Service) CancelBooking(ctx context.Context, actor domain.Actor, bookingID string) (domain.Document, error) {
	ctx, span := s.startSpan(ctx, "CancelBooking", actor)
	doc, err := s.cancelBooking(ctx, actor, bookingID)
	endSpan(span, err)
	return doc, err
}

func (s *Service) cancelBooking(ctx context.Context, actor domain.Actor, bookingID string) (domain.Document, error) {
	if err := requireActor(actor); err != nil {
		return domain.Document{}, err
	}
	lines, err := s.repo.ListBookingLines(ctx, bookingID)
	if err != nil {
		return domain.Document{}, err
	}
	keys := make([]string, 0, len(lines))
	for _, line := range lines {
		keys = append(keys, lock.BookingLineKey(line.ID))
	}
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return domain.Document{}, err
	}
	defer release()

	var out domain.Document
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		doc, err := tx.LockDocument(ctx, bookingID)
		if err != nil {
			return err
		}
		if doc.Kind != domain.KindBooking {
			return fmt.Errorf("%w: document %s is a %s, not a booking", domain.ErrValidation, doc.ID, doc.Kind)
		}
		if doc.Status != domain.DocumentStatusPosted {
			return fmt.Errorf("%w: booking %s is %s", domain.ErrConflict, doc.ID, doc.Status)
		}

		lines, err := tx.ListBookingLines(ctx, doc.ID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if _, err := tx.LockBookingLine(ctx, line.ID); err != nil {
				return err
			}
			delivered, err := tx.SumDeliveredBaseQuantity(ctx, line.ID)
			if err != nil {
				return err
			}
			if !delivered.IsZero() {
				return fmt.Errorf("%w: booking line %s has %s delivered", domain.ErrConflict, line.ID, delivered.String())
			}
			if err := tx.CancelBookingLine(ctx, line.ID); err != nil {
				return err
			}
		}

		doc.Status = domain.DocumentStatusCancelled
		doc.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateDocumentHeader(ctx, *doc); err != nil {
			return err
		}
		out = *doc
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}

	s.logAudit(ctx, actor, "booking_cancel", "document", out.ID, fmt.Sprintf("code=%s", out.Code))
	return out, nil
}

// RecordDelivery posts a delivery document with a single line.
func (s *Service) RecordDelivery(ctx context.Context, actor domain.Actor, req domain.DeliveryRequest) (domain.DeliveryResponse, error) {
	return s.CreateDelivery(ctx, actor, domain.DeliveryDocumentRequest{
		Lines: []domain.DeliveryRequest{req},
	})
}

func (s *Service) CreateDelivery(ctx context.Context, actor domain.Actor, req domain.DeliveryDocumentRequest) (domain.DeliveryResponse, error) {
	ctx, span := s.startSpan(ctx, "CreateDelivery", actor)
	resp, err := s.createDelivery(ctx, actor, req)
	endSpan(span, err)
	return resp, err
}

func (s *Service) createDelivery(ctx context.Context, actor domain.Actor, req domain.DeliveryDocumentRequest) (domain.DeliveryResponse, error) {
	if err := requireActor(actor); err != nil {
		return domain.DeliveryResponse{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.DeliveryResponse{}, err
	}
	if err := checkHeaderAmounts(req.Tax, req.Discount, req.OtherCost, req.PaidAmount); err != nil {
		return domain.DeliveryResponse{}, err
	}

	subtotal := decimal.Zero
	keys := make([]string, 0, 2*len(req.Lines))
	products := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		if err := nonNegative("charge amount", line.ChargeAmount); err != nil {
			return domain.DeliveryResponse{}, err
		}
		booked, err := s.repo.GetBookingLine(ctx, line.BookingLineID)
		if err != nil {
			return domain.DeliveryResponse{}, err
		}
		keys = append(keys, lock.BookingLineKey(booked.ID), lock.StockKey(booked.ProductID, actor.BranchID))
		products = append(products, booked.ProductID)
		subtotal = subtotal.Add(line.ChargeAmount.Add(line.AdjustmentValue))
	}
	total, err := documentTotal(subtotal, req.Tax, req.Discount, req.OtherCost)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}

	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}
	defer release()

	code, err := s.sequencer.Next(ctx, domain.KindDelivery.CodePrefix(), actor.BranchID)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}
	now := time.Now().UTC()
	doc := domain.Document{
		ID:          xid.New("doc"),
		Code:        code,
		Kind:        domain.KindDelivery,
		BranchID:    actor.BranchID,
		Status:      domain.DocumentStatusPosted,
		Subtotal:    subtotal,
		Tax:         req.Tax,
		Discount:    req.Discount,
		OtherCost:   req.OtherCost,
		TotalAmount: total,
		PaidAmount:  req.PaidAmount,
		CreatedBy:   actor.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	resp := domain.DeliveryResponse{
		Lines:  make([]domain.DeliveryLine, 0, len(req.Lines)),
		States: make(map[string]domain.FulfillmentState, len(req.Lines)),
	}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return err
		}
		for _, line := range req.Lines {
			delivery, state, err := s.fulfillment.RecordDelivery(ctx, tx, fulfillment.Input{
				DeliveryID:      doc.ID,
				BookingLineID:   line.BookingLineID,
				UnitID:          line.UnitID,
				Quantity:        line.Quantity,
				ChargeAmount:    line.ChargeAmount,
				AdjustmentValue: line.AdjustmentValue,
			})
			if err != nil {
				return err
			}
			if err := s.applyDeliveryStock(ctx, tx, actor, delivery); err != nil {
				return err
			}
			resp.Lines = append(resp.Lines, delivery)
			resp.States[delivery.BookingLineID] = state
		}
		return nil
	})
	if err != nil {
		return domain.DeliveryResponse{}, err
	}
	resp.Document = doc

	s.refreshStock(ctx, actor.BranchID, products)
	s.logAudit(ctx, actor, "delivery_create", "document", doc.ID,
		fmt.Sprintf("code=%s,lines=%d,total=%s", doc.Code, len(resp.Lines), doc.TotalAmount.String()))
	return resp, nil
}

func (s *Service) applyDeliveryStock(ctx context.Context, tx store.Tx, actor domain.Actor, delivery domain.DeliveryLine) error {
	booked, err := tx.GetBookingLine(ctx, delivery.BookingLineID)
	if err != nil {
		return err
	}
	product, err := tx.GetProduct(ctx, booked.ProductID)
	if err != nil {
		return err
	}
	if !product.Tracked() {
		return nil
	}
	_, _, err = s.stock.ApplyDelta(ctx, tx, stock.Delta{
		ProductID:    product.ID,
		BranchID:     actor.BranchID,
		Quantity:     signed(delivery.BaseQuantity, domain.KindDelivery.StockSign()),
		DocumentID:   delivery.DeliveryID,
		DocumentKind: domain.KindDelivery,
		LineID:       delivery.ID,
		ActorID:      actor.ActorID,
	})
	return err
}

// RemoveDelivery reverses one delivery line together with the stock it
// moved and the amount it added to its delivery document.
func (s *Service) RemoveDelivery(ctx context.Context, actor domain.Actor, deliveryLineID string) (domain.DeliveryLine, error) {
	ctx, span := s.startSpan(ctx, "RemoveDelivery", actor)
	line, err := s.removeDelivery(ctx, actor, deliveryLineID)
	endSpan(span, err)
	return line, err
}

func (s *Service) removeDelivery(ctx context.Context, actor domain.Actor, deliveryLineID string) (domain.DeliveryLine, error) {
	if err := requireActor(actor); err != nil {
		return domain.DeliveryLine{}, err
	}
	current, err := s.repo.GetDeliveryLine(ctx, deliveryLineID)
	if err != nil {
		return domain.DeliveryLine{}, err
	}
	booked, err := s.repo.GetBookingLine(ctx, current.BookingLineID)
	if err != nil {
		return domain.DeliveryLine{}, err
	}
	delivery, err := s.repo.GetDocument(ctx, current.DeliveryID)
	if err != nil {
		return domain.DeliveryLine{}, err
	}
	release, err := s.locker.Acquire(ctx, lock.BookingLineKey(booked.ID), lock.StockKey(booked.ProductID, delivery.BranchID))
	if err != nil {
		return domain.DeliveryLine{}, err
	}
	defer release()

	var out domain.DeliveryLine
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		doc, err := tx.LockDocument(ctx, current.DeliveryID)
		if err != nil {
			return err
		}
		out, err = s.reverseDeliveryLine(ctx, tx, actor, doc, deliveryLineID)
		if err != nil {
			return err
		}
		remaining, err := tx.ListDeliveryLinesByDelivery(ctx, doc.ID)
		if err != nil {
			return err
		}
		if allReversed(remaining) {
			doc.Status = domain.DocumentStatusReversed
		}
		doc.UpdatedAt = time.Now().UTC()
		return tx.UpdateDocumentHeader(ctx, *doc)
	})
	if err != nil {
		return domain.DeliveryLine{}, err
	}

	s.refreshStock(ctx, delivery.BranchID, []string{booked.ProductID})
	s.logAudit(ctx, actor, "delivery_remove", "delivery_line", out.ID,
		fmt.Sprintf("booking_line=%s,base_quantity=%s", out.BookingLineID, out.BaseQuantity.String()))
	return out, nil
}

// reverseDeliveryLine undoes one line in tx and takes its amount off doc.
// The caller persists the document header.
func (s *Service) reverseDeliveryLine(ctx context.Context, tx store.Tx, actor domain.Actor, doc *domain.Document, deliveryLineID string) (domain.DeliveryLine, error) {
	line, err := s.fulfillment.RemoveDelivery(ctx, tx, deliveryLineID, actor.ActorID)
	if err != nil {
		return domain.DeliveryLine{}, err
	}
	movements, err := tx.ListDocumentMovements(ctx, doc.ID)
	if err != nil {
		return domain.DeliveryLine{}, err
	}
	for _, movement := range movements {
		if movement.LineID != line.ID || movement.ReversesID != "" || movement.Reversed() {
			continue
		}
		if _, _, err := s.stock.Reverse(ctx, tx, movement.ID, actor.ActorID); err != nil {
			return domain.DeliveryLine{}, err
		}
	}

	subtotal := doc.Subtotal.Sub(line.Amount())
	discount := s.discountAfterRemoval(*doc, line.Amount(), subtotal)
	total, err := documentTotal(subtotal, doc.Tax, discount, doc.OtherCost)
	if err != nil {
		return domain.DeliveryLine{}, fmt.Errorf("removing delivery line %s: %w", line.ID, err)
	}
	doc.Subtotal = subtotal
	doc.Discount = discount
	doc.TotalAmount = total
	return line, nil
}

// discountAfterRemoval takes the removed line's pro-rata share off the header
// discount. Nothing is left to discount once the subtotal reaches zero.
func (s *Service) discountAfterRemoval(doc domain.Document, lineAmount decimal.Decimal, subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() {
		return decimal.Zero
	}
	if !doc.Discount.IsPositive() || !doc.Subtotal.IsPositive() {
		return doc.Discount
	}
	share := s.normalizer.Precision().RoundMoney(doc.Discount.Mul(lineAmount).Div(doc.Subtotal))
	return decimal.Max(doc.Discount.Sub(share), decimal.Zero)
}

func (s *Service) CreatePurchase(ctx context.Context, actor domain.Actor, req domain.DocumentRequest) (domain.Document, error) {
	return s.postStockDocument(ctx, actor, domain.KindPurchase, req)
}

func (s *Service) CreateSale(ctx context.Context, actor domain.Actor, req domain.DocumentRequest) (domain.Document, error) {
	return s.postStockDocument(ctx, actor, domain.KindSale, req)
}

func (s *Service) CreateReceive(ctx context.Context, actor domain.Actor, req domain.DocumentRequest) (domain.Document, error) {
	return s.postStockDocument(ctx, actor, domain.KindProductReceive, req)
}

func (s *Service) CreateDamage(ctx context.Context, actor domain.Actor, req domain.DocumentRequest) (domain.Document, error) {
	return s.postStockDocument(ctx, actor, domain.KindDamage, req)
}

// CreateReturn posts a sale return or a purchase return.
func (s *Service) CreateReturn(ctx context.Context, actor domain.Actor, kind domain.DocumentKind, req domain.DocumentRequest) (domain.Document, error) {
	switch kind {
	case domain.KindSaleReturn, domain.KindPurchaseReturn:
		return s.postStockDocument(ctx, actor, kind, req)
	case domain.KindBooking, domain.KindDelivery, domain.KindPurchase, domain.KindSale, domain.KindProductReceive, domain.KindDamage:
		return domain.Document{}, fmt.Errorf("%w: %s is not a return", domain.ErrValidation, kind)
	}
	return domain.Document{}, fmt.Errorf("%w: unknown document kind %q", domain.ErrValidation, kind)
}

// PostDocument posts any stock-moving document by kind. Bookings and
// deliveries have their own entry points.
func (s *Service) PostDocument(ctx context.Context, actor domain.Actor, kind domain.DocumentKind, req domain.DocumentRequest) (domain.Document, error) {
	switch kind {
	case domain.KindPurchase, domain.KindSale, domain.KindProductReceive, domain.KindDamage, domain.KindSaleReturn, domain.KindPurchaseReturn:
		return s.postStockDocument(ctx, actor, kind, req)
	case domain.KindBooking:
		resp, err := s.CreateBooking(ctx, actor, req)
		return resp.Document, err
	case domain.KindDelivery:
		return domain.Document{}, fmt.Errorf("%w: deliveries are posted against booking lines", domain.ErrValidation)
	}
	return domain.Document{}, fmt.Errorf("%w: unknown document kind %q", domain.ErrValidation, kind)
}

func (s *Service) postStockDocument(ctx context.Context, actor domain.Actor, kind domain.DocumentKind, req domain.DocumentRequest) (domain.Document, error) {
	ctx, span := s.startSpan(ctx, "Post."+string(kind), actor)
	doc, err := s.postStock(ctx, actor, kind, req)
	endSpan(span, err)
	return doc, err
}

func (s *Service) postStock(ctx context.Context, actor domain.Actor, kind domain.DocumentKind, req domain.DocumentRequest) (domain.Document, error) {
	if err := s.checkDocumentRequest(actor, req); err != nil {
		return domain.Document{}, err
	}

	keys := make([]string, 0, len(req.Lines))
	products := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		keys = append(keys, lock.StockKey(line.ProductID, actor.BranchID))
		products = append(products, line.ProductID)
	}
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return domain.Document{}, err
	}
	defer release()

	code, err := s.sequencer.Next(ctx, kind.CodePrefix(), actor.BranchID)
	if err != nil {
		return domain.Document{}, err
	}

	var out domain.Document
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		doc, normalized, err := s.buildDocument(ctx, tx, actor, kind, code, req)
		if err != nil {
			return err
		}
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return err
		}

		sign := kind.StockSign()
		for i, line := range doc.Lines {
			product, err := tx.GetProduct(ctx, line.ProductID)
			if err != nil {
				return err
			}
			if !product.Tracked() || sign == 0 {
				continue
			}
			var inboundRate *decimal.Decimal
			if kind.SetsInboundRate() {
				rate := normalized[i].BaseRate
				inboundRate = &rate
			}
			if _, _, err := s.stock.ApplyDelta(ctx, tx, stock.Delta{
				ProductID:    line.ProductID,
				BranchID:     actor.BranchID,
				Quantity:     signed(normalized[i].BaseQuantity, sign),
				InboundRate:  inboundRate,
				DocumentID:   doc.ID,
				DocumentKind: kind,
				LineID:       line.ID,
				ActorID:      actor.ActorID,
			}); err != nil {
				return err
			}
		}
		out = doc
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}

	s.refreshStock(ctx, actor.BranchID, products)
	s.logAudit(ctx, actor, string(kind)+"_create", "document", out.ID,
		fmt.Sprintf("code=%s,lines=%d,total=%s", out.Code, len(out.Lines), out.TotalAmount.String()))
	return out, nil
}

// ReverseDocument compensates every effect of a posted document. Stock and
// delivery effects are negated; bookings are cancelled.
func (s *Service) ReverseDocument(ctx context.Context, actor domain.Actor, documentID string) (domain.Document, error) {
	if err := requireActor(actor); err != nil {
		return domain.Document{}, err
	}
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	if doc.Kind == domain.KindBooking {
		return s.CancelBooking(ctx, actor, documentID)
	}

	ctx, span := s.startSpan(ctx, "ReverseDocument", actor)
	out, err := s.reverseDocument(ctx, actor, *doc)
	endSpan(span, err)
	return out, err
}

func (s *Service) reverseDocument(ctx context.Context, actor domain.Actor, doc domain.Document) (domain.Document, error) {
	movements, err := s.repo.ListDocumentMovements(ctx, doc.ID)
	if err != nil {
		return domain.Document{}, err
	}
	keys := make([]string, 0, len(movements)+len(doc.Lines))
	products := make([]string, 0, len(movements))
	for _, movement := range movements {
		keys = append(keys, lock.StockKey(movement.ProductID, movement.BranchID))
		products = append(products, movement.ProductID)
	}
	if doc.Kind == domain.KindDelivery {
		deliveries, err := s.repo.ListDeliveryLinesByDelivery(ctx, doc.ID)
		if err != nil {
			return domain.Document{}, err
		}
		for _, line := range deliveries {
			keys = append(keys, lock.BookingLineKey(line.BookingLineID))
		}
	}
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return domain.Document{}, err
	}
	defer release()

	var out domain.Document
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		if locked.Status != domain.DocumentStatusPosted {
			return fmt.Errorf("%w: document %s is %s", domain.ErrConflict, locked.ID, locked.Status)
		}

		switch locked.Kind {
		case domain.KindDelivery:
			deliveries, err := tx.ListDeliveryLinesByDelivery(ctx, locked.ID)
			if err != nil {
				return err
			}
			for _, line := range deliveries {
				if line.Reversed {
					continue
				}
				if _, err := s.reverseDeliveryLine(ctx, tx, actor, locked, line.ID); err != nil {
					return err
				}
			}
		case domain.KindPurchase, domain.KindSale, domain.KindProductReceive, domain.KindSaleReturn, domain.KindPurchaseReturn, domain.KindDamage:
			current, err := tx.ListDocumentMovements(ctx, locked.ID)
			if err != nil {
				return err
			}
			for _, movement := range current {
				if movement.ReversesID != "" || movement.Reversed() {
					continue
				}
				if _, _, err := s.stock.Reverse(ctx, tx, movement.ID, actor.ActorID); err != nil {
					return err
				}
			}
		case domain.KindBooking:
			return fmt.Errorf("%w: bookings are cancelled, not reversed", domain.ErrValidation)
		default:
			return fmt.Errorf("%w: unknown document kind %q", domain.ErrValidation, locked.Kind)
		}

		locked.Status = domain.DocumentStatusReversed
		locked.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateDocumentHeader(ctx, *locked); err != nil {
			return err
		}
		out = *locked
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}

	if len(products) > 0 {
		s.refreshStock(ctx, doc.BranchID, products)
	}
	s.logAudit(ctx, actor, "document_reverse", "document", out.ID, fmt.Sprintf("code=%s,kind=%s", out.Code, out.Kind))
	return out, nil
}

func (s *Service) RecordPayment(ctx context.Context, actor domain.Actor, req domain.PaymentRequest) (balance.DueView, error) {
	if err := requireActor(actor); err != nil {
		return balance.DueView{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return balance.DueView{}, err
	}
	if !req.Amount.IsPositive() {
		return balance.DueView{}, fmt.Errorf("%w: payment amount must be greater than zero", domain.ErrValidation)
	}

	var out domain.Document
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		doc, err := tx.LockDocument(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		if doc.Status != domain.DocumentStatusPosted {
			return fmt.Errorf("%w: document %s is %s", domain.ErrConflict, doc.ID, doc.Status)
		}
		doc.PaidAmount = doc.PaidAmount.Add(s.normalizer.Precision().RoundMoney(req.Amount))
		doc.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateDocumentHeader(ctx, *doc); err != nil {
			return err
		}
		out = *doc
		return nil
	})
	if err != nil {
		return balance.DueView{}, err
	}

	view := balance.Due(out)
	if view.Settlement == balance.SettlementOverpaid {
		s.log.WithFields(logrus.Fields{
			"document_id": out.ID,
			"due":         view.Due.String(),
		}).Info("document overpaid")
	}
	s.logAudit(ctx, actor, "payment_record", "document", out.ID,
		fmt.Sprintf("amount=%s,paid=%s,due=%s", req.Amount.String(), out.PaidAmount.String(), view.Due.String()))
	return view, nil
}

func (s *Service) checkDocumentRequest(actor domain.Actor, req domain.DocumentRequest) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if err := s.validateStruct(req); err != nil {
		return err
	}
	return checkHeaderAmounts(req.Tax, req.Discount, req.OtherCost, req.PaidAmount)
}

// buildDocument normalizes every line before anything is written, so a bad
// line fails the posting with no partial effects.
func (s *Service) buildDocument(ctx context.Context, tx store.Tx, actor domain.Actor, kind domain.DocumentKind, code string, req domain.DocumentRequest) (domain.Document, []units.Normalized, error) {
	normalizer := s.normalizer.With(units.NewResolver(tx))
	precision := normalizer.Precision()
	now := time.Now().UTC()
	doc := domain.Document{
		ID:         xid.New("doc"),
		Code:       code,
		Kind:       kind,
		BranchID:   actor.BranchID,
		Status:     domain.DocumentStatusPosted,
		Tax:        req.Tax,
		Discount:   req.Discount,
		OtherCost:  req.OtherCost,
		PaidAmount: req.PaidAmount,
		Lines:      make([]domain.DocumentLine, 0, len(req.Lines)),
		CreatedBy:  actor.ActorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	normalized := make([]units.Normalized, 0, len(req.Lines))
	subtotal := decimal.Zero
	for i, line := range req.Lines {
		product, err := tx.GetProduct(ctx, line.ProductID)
		if err != nil {
			return domain.Document{}, nil, err
		}
		if !product.Active {
			return domain.Document{}, nil, fmt.Errorf("%w: product %s is inactive", domain.ErrValidation, product.ID)
		}
		base, err := units.NewResolver(tx).ResolveBaseUnit(ctx, product.DefaultUnitID)
		if err != nil {
			return domain.Document{}, nil, err
		}
		if err := normalizer.Compatible(ctx, line.UnitID, base.ID); err != nil {
			return domain.Document{}, nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		n, err := normalizer.Normalize(ctx, line.Quantity, line.Rate, line.UnitID)
		if err != nil {
			return domain.Document{}, nil, fmt.Errorf("line %d: %w", i+1, err)
		}

		amount := n.Value(precision)
		subtotal = subtotal.Add(amount)
		normalized = append(normalized, n)
		doc.Lines = append(doc.Lines, domain.DocumentLine{
			ID:           xid.New("line"),
			DocumentID:   doc.ID,
			ProductID:    product.ID,
			UnitID:       line.UnitID,
			Quantity:     line.Quantity,
			Rate:         line.Rate,
			BaseQuantity: n.BaseQuantity,
			BaseRate:     n.BaseRate,
			Amount:       amount,
		})
	}

	total, err := documentTotal(subtotal, req.Tax, req.Discount, req.OtherCost)
	if err != nil {
		return domain.Document{}, nil, err
	}
	doc.Subtotal = subtotal
	doc.TotalAmount = total
	return doc, normalized, nil
}

func documentTotal(subtotal decimal.Decimal, tax decimal.Decimal, discount decimal.Decimal, otherCost decimal.Decimal) (decimal.Decimal, error) {
	total := subtotal.Add(tax).Add(otherCost).Sub(discount)
	if total.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: discount %s exceeds document amount", domain.ErrValidation, discount.String())
	}
	return total, nil
}

func checkHeaderAmounts(tax decimal.Decimal, discount decimal.Decimal, otherCost decimal.Decimal, paid decimal.Decimal) error {
	return errors.Join(
		nonNegative("tax", tax),
		nonNegative("discount", discount),
		nonNegative("other cost", otherCost),
		nonNegative("paid amount", paid),
	)
}

func signed(quantity decimal.Decimal, sign int) decimal.Decimal {
	if sign < 0 {
		return quantity.Neg()
	}
	return quantity
}

func allReversed(lines []domain.DeliveryLine) bool {
	for _, line := range lines {
		if !line.Reversed {
			return false
		}
	}
	return true
}
