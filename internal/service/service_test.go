package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"branchledger/backend/internal/balance"
	"branchledger/backend/internal/cache"
	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/lock"
	"branchledger/backend/internal/store/memory"
)

var clerk = domain.Actor{BranchID: "branch-1", ActorID: "clerk-1"}

type fixture struct {
	svc     *Service
	repo    *memory.Store
	piece   string
	box     string
	product string
	service string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	svc := New(repo, Options{})

	piece, err := svc.RegisterBaseUnit(ctx, clerk, "Piece")
	if err != nil {
		t.Fatalf("register piece: %v", err)
	}
	box, err := svc.RegisterConversion(ctx, clerk, "Box", piece.ID, decimal.NewFromInt(12))
	if err != nil {
		t.Fatalf("register box: %v", err)
	}
	product, err := svc.CreateProduct(ctx, clerk, domain.ProductCreateRequest{
		Name:          "ProductP",
		Category:      "grocery",
		DefaultUnitID: piece.ID,
		PurchaseRate:  decimal.NewFromInt(8),
		SellingRate:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	installation, err := svc.CreateProduct(ctx, clerk, domain.ProductCreateRequest{
		Name:          "Installation",
		Category:      "service",
		Type:          domain.ProductTypeService,
		DefaultUnitID: piece.ID,
	})
	if err != nil {
		t.Fatalf("create service product: %v", err)
	}

	return fixture{svc: svc, repo: repo, piece: piece.ID, box: box.UnitID, product: product.ID, service: installation.ID}
}

func (f fixture) line(unitID string, quantity int64, rate int64) domain.LineRequest {
	return domain.LineRequest{
		ProductID: f.product,
		UnitID:    unitID,
		Quantity:  decimal.NewFromInt(quantity),
		Rate:      decimal.NewFromInt(rate),
	}
}

func (f fixture) onHand(t *testing.T) decimal.Decimal {
	t.Helper()
	row, err := f.svc.GetStock(context.Background(), f.product, clerk.BranchID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	return row.QuantityOnHand
}

func TestScenarioPurchaseSaleReverse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got := f.onHand(t); !got.IsZero() {
		t.Fatalf("expected empty stock, got %s", got)
	}
	purchase, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 100, 8)}})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !purchase.TotalAmount.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("expected purchase total 800, got %s", purchase.TotalAmount)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 after purchase, got %s", got)
	}

	sale, err := f.svc.CreateSale(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 30, 10)}})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("expected 70 after sale, got %s", got)
	}

	reversed, err := f.svc.ReverseDocument(ctx, clerk, sale.ID)
	if err != nil {
		t.Fatalf("reverse sale: %v", err)
	}
	if reversed.Status != domain.DocumentStatusReversed {
		t.Fatalf("expected reversed status, got %s", reversed.Status)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected exactly 100 after reversal, got %s", got)
	}
	if _, err := f.svc.ReverseDocument(ctx, clerk, sale.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict reversing twice, got %v", err)
	}

	rec, err := f.svc.ReconcileStock(ctx, f.product, clerk.BranchID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Balanced() {
		t.Fatalf("expected balanced stock journal, got %+v", rec)
	}

	row, err := f.svc.GetStock(ctx, f.product, clerk.BranchID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if !row.LastInboundRate.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected last inbound rate 8, got %s", row.LastInboundRate)
	}
}

func TestScenarioBookingPartialDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 100, 8)}}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	booking, err := f.svc.CreateBooking(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.box, 5, 120)}})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	bookingLine := booking.Lines[0]
	if !bookingLine.BaseQuantity.Equal(decimal.NewFromInt(60)) || !bookingLine.BaseRate.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 60 pieces at 10, got %s at %s", bookingLine.BaseQuantity, bookingLine.BaseRate)
	}
	if !booking.Document.TotalAmount.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("expected booking total 600, got %s", booking.Document.TotalAmount)
	}

	delivery, err := f.svc.RecordDelivery(ctx, clerk, domain.DeliveryRequest{
		BookingLineID: bookingLine.ID,
		UnitID:        f.box,
		Quantity:      decimal.NewFromInt(3),
		ChargeAmount:  decimal.NewFromInt(360),
	})
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if delivery.States[bookingLine.ID] != domain.FulfillmentOpen {
		t.Fatalf("expected OPEN, got %s", delivery.States[bookingLine.ID])
	}
	remaining, err := f.svc.GetRemaining(ctx, bookingLine.ID, f.box)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if !remaining.Remaining.Equal(decimal.NewFromInt(24)) || !remaining.RemainingIn.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected 24 pieces / 2 boxes remaining, got %+v", remaining)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(64)) {
		t.Fatalf("expected 64 on hand after delivery, got %s", got)
	}

	docsBefore, _ := f.repo.ListDocuments(ctx, clerk.BranchID, "")
	_, err = f.svc.RecordDelivery(ctx, clerk, domain.DeliveryRequest{
		BookingLineID: bookingLine.ID,
		UnitID:        f.box,
		Quantity:      decimal.NewFromInt(3),
		ChargeAmount:  decimal.NewFromInt(360),
	})
	if !errors.Is(err, domain.ErrOverDelivery) {
		t.Fatalf("expected over delivery, got %v", err)
	}
	if domain.KindOf(err) != domain.ErrorKindOverDelivery {
		t.Fatalf("expected over_delivery kind, got %s", domain.KindOf(err))
	}
	docsAfter, _ := f.repo.ListDocuments(ctx, clerk.BranchID, "")
	if len(docsAfter) != len(docsBefore) {
		t.Fatalf("rejected delivery left a document behind")
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(64)) {
		t.Fatalf("rejected delivery moved stock to %s", got)
	}
}

func TestScenarioDueIsNotClamped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 100, 8)}}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	sale, err := f.svc.CreateSale(ctx, clerk, domain.DocumentRequest{
		Lines:      []domain.LineRequest{f.line(f.piece, 75, 10)},
		PaidAmount: decimal.NewFromInt(750),
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	due, err := f.svc.GetDue(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if !due.Due.IsZero() || due.Settlement != balance.SettlementSettled {
		t.Fatalf("expected settled zero due, got %+v", due)
	}

	due, err = f.svc.RecordPayment(ctx, clerk, domain.PaymentRequest{DocumentID: sale.ID, Amount: decimal.NewFromInt(50)})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if !due.Due.Equal(decimal.NewFromInt(-50)) || due.Settlement != balance.SettlementOverpaid {
		t.Fatalf("expected -50 overpaid, got %+v", due)
	}

	outstanding, err := f.svc.ListOutstanding(ctx, clerk.BranchID)
	if err != nil {
		t.Fatalf("list outstanding: %v", err)
	}
	found := false
	for _, view := range outstanding {
		if view.DocumentID == sale.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected overpaid sale to be listed as outstanding")
	}
}

func TestFailedLineAbortsWholeDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 10, 8)}}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	docsBefore, _ := f.repo.ListDocuments(ctx, "", "")

	_, err := f.svc.CreateSale(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{
		f.line(f.piece, 4, 10),
		f.line(f.box, 1, 120),
	}})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected first line to be rolled back, stock is %s", got)
	}
	docsAfter, _ := f.repo.ListDocuments(ctx, "", "")
	if len(docsAfter) != len(docsBefore) {
		t.Fatalf("failed posting left a document behind")
	}

	_, err = f.svc.CreateSale(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{
		f.line(f.piece, 1, 10),
		{ProductID: f.product, UnitID: "unit-missing", Quantity: decimal.NewFromInt(1), Rate: decimal.NewFromInt(1)},
	}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown unit, got %v", err)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected untouched stock, got %s", got)
	}
}

func TestRemoveDeliveryAndCancelBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 100, 8)}}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	booking, err := f.svc.CreateBooking(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.box, 2, 120)}})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	bookingLine := booking.Lines[0]
	delivery, err := f.svc.CreateDelivery(ctx, clerk, domain.DeliveryDocumentRequest{
		Lines: []domain.DeliveryRequest{
			{BookingLineID: bookingLine.ID, UnitID: f.piece, Quantity: decimal.NewFromInt(10), ChargeAmount: decimal.NewFromInt(100)},
			{BookingLineID: bookingLine.ID, UnitID: f.piece, Quantity: decimal.NewFromInt(14), ChargeAmount: decimal.NewFromInt(140), AdjustmentValue: decimal.NewFromInt(-5)},
		},
	})
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	if !delivery.Document.TotalAmount.Equal(decimal.NewFromInt(235)) {
		t.Fatalf("expected delivery total 235, got %s", delivery.Document.TotalAmount)
	}
	if delivery.States[bookingLine.ID] != domain.FulfillmentFulfilled {
		t.Fatalf("expected booking line fulfilled, got %s", delivery.States[bookingLine.ID])
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(76)) {
		t.Fatalf("expected 76 on hand, got %s", got)
	}

	if _, err := f.svc.CancelBooking(ctx, clerk, booking.Document.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict cancelling a delivered booking, got %v", err)
	}

	if _, err := f.svc.RemoveDelivery(ctx, clerk, delivery.Lines[0].ID); err != nil {
		t.Fatalf("remove delivery: %v", err)
	}
	if _, err := f.svc.RemoveDelivery(ctx, clerk, delivery.Lines[0].ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on second removal, got %v", err)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(86)) {
		t.Fatalf("expected 86 on hand after removal, got %s", got)
	}
	due, err := f.svc.GetDue(ctx, delivery.Document.ID)
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if !due.Total.Equal(decimal.NewFromInt(135)) {
		t.Fatalf("expected delivery total 135 after removal, got %s", due.Total)
	}

	if _, err := f.svc.ReverseDocument(ctx, clerk, delivery.Document.ID); err != nil {
		t.Fatalf("reverse delivery document: %v", err)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 on hand after reversing the delivery, got %s", got)
	}

	cancelled, err := f.svc.CancelBooking(ctx, clerk, booking.Document.ID)
	if err != nil {
		t.Fatalf("cancel booking: %v", err)
	}
	if cancelled.Status != domain.DocumentStatusCancelled {
		t.Fatalf("expected cancelled booking, got %s", cancelled.Status)
	}
	_, err = f.svc.RecordDelivery(ctx, clerk, domain.DeliveryRequest{BookingLineID: bookingLine.ID, UnitID: f.piece, Quantity: decimal.NewFromInt(1)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error delivering a cancelled line, got %v", err)
	}
}

func TestConcurrentDeliveriesDoNotOverDeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 500, 8)}}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	booking, err := f.svc.CreateBooking(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.box, 5, 120)}})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	bookingLine := booking.Lines[0]

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordDelivery(ctx, clerk, domain.DeliveryRequest{
				BookingLineID: bookingLine.ID,
				UnitID:        f.box,
				Quantity:      decimal.NewFromInt(1),
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrOverDelivery) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 5 {
		t.Fatalf("expected exactly 5 accepted deliveries, got %d", accepted)
	}
	remaining, err := f.svc.GetRemaining(ctx, bookingLine.ID, "")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if !remaining.Remaining.IsZero() || remaining.State != domain.FulfillmentFulfilled {
		t.Fatalf("expected fulfilled line, got %+v", remaining)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(440)) {
		t.Fatalf("expected 440 on hand, got %s", got)
	}
}

func TestCancelledContextLeavesNoEffect(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 10, 8)}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if got := f.onHand(t); !got.IsZero() {
		t.Fatalf("expected no stock after cancelled posting, got %s", got)
	}
}

func TestServiceProductsSkipStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.CreateSale(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{
		{ProductID: f.service, UnitID: f.piece, Quantity: decimal.NewFromInt(2), Rate: decimal.NewFromInt(50)},
	}})
	if err != nil {
		t.Fatalf("sale of service: %v", err)
	}
	movements, err := f.repo.ListDocumentMovements(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("expected no stock movements for a service product, got %d", len(movements))
	}
}

func TestGetStockInAlternateUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateReceive(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.box, 3, 96)}}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	view, err := f.svc.GetStockIn(ctx, f.product, clerk.BranchID, f.box)
	if err != nil {
		t.Fatalf("get stock in box: %v", err)
	}
	if !view.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected 3 boxes, got %s", view.Quantity)
	}
	if !view.LastInboundRate.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected inbound rate 8 per piece, got %s", view.LastInboundRate)
	}
}

func TestReturnsAndDamageMoveStockBySign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []struct {
		post func() error
		want int64
	}{
		{func() error {
			_, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 50, 8)}})
			return err
		}, 50},
		{func() error {
			_, err := f.svc.CreateReturn(ctx, clerk, domain.KindPurchaseReturn, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 5, 8)}})
			return err
		}, 45},
		{func() error {
			_, err := f.svc.CreateSale(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 20, 10)}})
			return err
		}, 25},
		{func() error {
			_, err := f.svc.CreateReturn(ctx, clerk, domain.KindSaleReturn, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 2, 10)}})
			return err
		}, 27},
		{func() error {
			_, err := f.svc.CreateDamage(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 7, 0)}})
			return err
		}, 20},
	}
	for i, step := range steps {
		if err := step.post(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := f.onHand(t); !got.Equal(decimal.NewFromInt(step.want)) {
			t.Fatalf("step %d: expected %d on hand, got %s", i, step.want, got)
		}
	}

	if _, err := f.svc.CreateReturn(ctx, clerk, domain.KindSale, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 1, 1)}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for non-return kind, got %v", err)
	}
}

func TestPostingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateSale(ctx, domain.Actor{}, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 1, 1)}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without actor, got %v", err)
	}
	if _, err := f.svc.CreateSale(ctx, clerk, domain.DocumentRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without lines, got %v", err)
	}
	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{
		Lines:    []domain.LineRequest{f.line(f.piece, 1, 10)},
		Discount: decimal.NewFromInt(20),
	}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for discount above total, got %v", err)
	}
	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{
		Lines: []domain.LineRequest{f.line(f.piece, 1, 10)},
		Tax:   decimal.NewFromInt(-1),
	}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for negative tax, got %v", err)
	}
	if _, err := f.svc.CreateProduct(ctx, clerk, domain.ProductCreateRequest{Name: "X", Category: "y", DefaultUnitID: "unit-missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown default unit, got %v", err)
	}
}

func TestAgingAndAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	purchase, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{
		Lines:      []domain.LineRequest{f.line(f.piece, 10, 8)},
		Tax:        decimal.NewFromInt(8),
		PaidAmount: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !purchase.TotalAmount.Equal(decimal.NewFromInt(88)) {
		t.Fatalf("expected total 88, got %s", purchase.TotalAmount)
	}

	buckets, err := f.svc.AgingReport(ctx, clerk.BranchID, balance.Payable, time.Now().UTC())
	if err != nil {
		t.Fatalf("aging: %v", err)
	}
	if buckets[0].Documents != 1 || !buckets[0].Due.Equal(decimal.NewFromInt(38)) {
		t.Fatalf("expected one payable of 38 in the first bucket, got %+v", buckets[0])
	}
	if _, err := f.svc.AgingReport(ctx, clerk.BranchID, balance.Neutral, time.Time{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for neutral aging, got %v", err)
	}

	summary, err := f.svc.BalanceSummary(ctx, clerk.BranchID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary[balance.Payable].Due.Equal(decimal.NewFromInt(38)) {
		t.Fatalf("expected payable due 38, got %+v", summary[balance.Payable])
	}

	logs, err := f.svc.ListAuditLogs(ctx, clerk.BranchID, "", 50)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	actions := make(map[string]bool, len(logs))
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	for _, want := range []string{"unit_register", "unit_conversion_register", "product_create", "purchase_create"} {
		if !actions[want] {
			t.Fatalf("expected audit action %s, got %v", want, actions)
		}
	}
}

func TestRemovingDiscountedDeliveryLinesKeepsTotalNonNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 100, 8)}}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	booking, err := f.svc.CreateBooking(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.box, 2, 120)}})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	bookingLine := booking.Lines[0]
	delivery, err := f.svc.CreateDelivery(ctx, clerk, domain.DeliveryDocumentRequest{
		Lines: []domain.DeliveryRequest{
			{BookingLineID: bookingLine.ID, UnitID: f.piece, Quantity: decimal.NewFromInt(12), ChargeAmount: decimal.NewFromInt(100)},
			{BookingLineID: bookingLine.ID, UnitID: f.piece, Quantity: decimal.NewFromInt(12), ChargeAmount: decimal.NewFromInt(100)},
		},
		Discount: decimal.NewFromInt(150),
	})
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	if !delivery.Document.TotalAmount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected delivery total 50, got %s", delivery.Document.TotalAmount)
	}

	if _, err := f.svc.RemoveDelivery(ctx, clerk, delivery.Lines[0].ID); err != nil {
		t.Fatalf("remove delivery: %v", err)
	}
	due, err := f.svc.GetDue(ctx, delivery.Document.ID)
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if !due.Total.Equal(decimal.NewFromInt(25)) || !due.Due.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected total and due 25 after removal, got %s / %s", due.Total, due.Due)
	}
	if due.Settlement != balance.SettlementOpen {
		t.Fatalf("expected open settlement, got %s", due.Settlement)
	}
	doc, err := f.repo.GetDocument(ctx, delivery.Document.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if !doc.Discount.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("expected discount 75 after removal, got %s", doc.Discount)
	}

	if _, err := f.svc.ReverseDocument(ctx, clerk, delivery.Document.ID); err != nil {
		t.Fatalf("reverse delivery document: %v", err)
	}
	doc, err = f.repo.GetDocument(ctx, delivery.Document.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if !doc.TotalAmount.IsZero() || !doc.Discount.IsZero() {
		t.Fatalf("expected zero total and discount once every line is gone, got %s / %s", doc.TotalAmount, doc.Discount)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 on hand, got %s", got)
	}
}

// versionedCache keeps the newest version per key. Once armed, the next Set
// signals entered and waits for release before writing.
type versionedCache struct {
	mu      sync.Mutex
	rows    map[string]domain.Stock
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newVersionedCache() *versionedCache {
	return &versionedCache{rows: make(map[string]domain.Stock)}
}

func (c *versionedCache) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.entered = make(chan struct{})
	c.release = make(chan struct{})
}

func (c *versionedCache) Get(_ context.Context, productID string, branchID string) (*domain.Stock, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[cache.StockKey(productID, branchID)]
	if !ok {
		return nil, false, nil
	}
	return &row, true, nil
}

func (c *versionedCache) Set(_ context.Context, row domain.Stock, _ time.Duration) error {
	c.mu.Lock()
	if c.armed {
		c.armed = false
		entered, release := c.entered, c.release
		c.mu.Unlock()
		close(entered)
		<-release
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	key := cache.StockKey(row.ProductID, row.BranchID)
	if cached, ok := c.rows[key]; ok && !cache.Supersedes(cached, row) {
		return nil
	}
	c.rows[key] = row
	return nil
}

func (c *versionedCache) Invalidate(_ context.Context, productID string, branchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, cache.StockKey(productID, branchID))
	return nil
}

func TestSlowCacheFillDoesNotHideNewerStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stockCache := newVersionedCache()
	f.svc = New(f.repo, Options{StockCache: stockCache})

	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 100, 8)}}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := stockCache.Invalidate(ctx, f.product, clerk.BranchID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	stockCache.arm()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.GetStock(ctx, f.product, clerk.BranchID)
		done <- err
	}()
	<-stockCache.entered

	if _, err := f.svc.CreateSale(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 30, 10)}}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	close(stockCache.release)
	if err := <-done; err != nil {
		t.Fatalf("get stock: %v", err)
	}

	committed, err := f.repo.GetStock(ctx, f.product, clerk.BranchID)
	if err != nil {
		t.Fatalf("committed stock: %v", err)
	}
	if got := f.onHand(t); !got.Equal(committed.QuantityOnHand) || !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("expected cached stock to match committed 70, got %s (committed %s)", got, committed.QuantityOnHand)
	}
}

// hookLocker runs hook once, just before the next acquisition.
type hookLocker struct {
	inner lock.Locker
	mu    sync.Mutex
	hook  func()
}

func (l *hookLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	l.mu.Lock()
	hook := l.hook
	l.hook = nil
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
	return l.inner.Acquire(ctx, keys...)
}

func TestReverseDocumentSkipsLinesRemovedBeforeLocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locker := &hookLocker{inner: lock.NewLocal()}
	f.svc = New(f.repo, Options{Locker: locker})

	if _, err := f.svc.CreatePurchase(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.piece, 100, 8)}}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	booking, err := f.svc.CreateBooking(ctx, clerk, domain.DocumentRequest{Lines: []domain.LineRequest{f.line(f.box, 2, 120)}})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	bookingLine := booking.Lines[0]
	delivery, err := f.svc.CreateDelivery(ctx, clerk, domain.DeliveryDocumentRequest{
		Lines: []domain.DeliveryRequest{
			{BookingLineID: bookingLine.ID, UnitID: f.piece, Quantity: decimal.NewFromInt(10), ChargeAmount: decimal.NewFromInt(100)},
			{BookingLineID: bookingLine.ID, UnitID: f.piece, Quantity: decimal.NewFromInt(14), ChargeAmount: decimal.NewFromInt(140)},
		},
	})
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}

	var removeErr error
	locker.mu.Lock()
	locker.hook = func() {
		_, removeErr = f.svc.RemoveDelivery(ctx, clerk, delivery.Lines[0].ID)
	}
	locker.mu.Unlock()

	reversed, err := f.svc.ReverseDocument(ctx, clerk, delivery.Document.ID)
	if removeErr != nil {
		t.Fatalf("concurrent removal: %v", removeErr)
	}
	if err != nil {
		t.Fatalf("reverse delivery document: %v", err)
	}
	if reversed.Status != domain.DocumentStatusReversed {
		t.Fatalf("expected reversed document, got %s", reversed.Status)
	}
	if got := f.onHand(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 on hand, got %s", got)
	}
	remaining, err := f.svc.GetRemaining(ctx, bookingLine.ID, "")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if !remaining.Remaining.Equal(decimal.NewFromInt(24)) {
		t.Fatalf("expected the full 24 pieces open again, got %s", remaining.Remaining)
	}
}
