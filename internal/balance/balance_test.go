package balance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"branchledger/backend/internal/domain"
)

func TestComputeDueScenario(t *testing.T) {
	total := decimal.NewFromInt(750)

	if due := ComputeDue(total, decimal.NewFromInt(750)); !due.IsZero() {
		t.Fatalf("expected zero due, got %s", due)
	}
	if due := ComputeDue(total, decimal.NewFromInt(800)); !due.Equal(decimal.NewFromInt(-50)) {
		t.Fatalf("expected -50 due, got %s", due)
	}
}

func TestComputeDueNeverClamps(t *testing.T) {
	cases := []struct{ total, paid string }{
		{"0", "0"},
		{"10.05", "0"},
		{"10.05", "10.06"},
		{"0", "99.99"},
		{"1234567.89", "1234567.88"},
	}
	for _, tc := range cases {
		total := decimal.RequireFromString(tc.total)
		paid := decimal.RequireFromString(tc.paid)
		if got := ComputeDue(total, paid); !got.Equal(total.Sub(paid)) {
			t.Fatalf("ComputeDue(%s, %s) = %s", tc.total, tc.paid, got)
		}
	}
}

func TestDueSettlement(t *testing.T) {
	doc := domain.Document{ID: "doc-1", Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(750), PaidAmount: decimal.NewFromInt(800)}
	view := Due(doc)
	if view.Settlement != SettlementOverpaid || view.Direction != Receivable {
		t.Fatalf("unexpected view: %+v", view)
	}

	doc.PaidAmount = decimal.NewFromInt(750)
	if Due(doc).Settlement != SettlementSettled {
		t.Fatalf("expected settled")
	}
	doc.PaidAmount = decimal.NewFromInt(700)
	if Due(doc).Settlement != SettlementOpen {
		t.Fatalf("expected open")
	}
}

func TestDirectionCoversEveryKind(t *testing.T) {
	for _, kind := range domain.DocumentKinds() {
		switch DirectionOf(kind) {
		case Receivable, Payable, Neutral:
		default:
			t.Fatalf("kind %s has no direction", kind)
		}
	}
}

func TestSummarizeGroupsByDirection(t *testing.T) {
	docs := []domain.Document{
		{Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(100), PaidAmount: decimal.NewFromInt(40)},
		{Kind: domain.KindBooking, TotalAmount: decimal.NewFromInt(50), PaidAmount: decimal.NewFromInt(60)},
		{Kind: domain.KindPurchase, TotalAmount: decimal.NewFromInt(300), PaidAmount: decimal.Zero},
		{Kind: domain.KindDamage, TotalAmount: decimal.NewFromInt(20), PaidAmount: decimal.Zero},
	}
	sum := Summarize(docs)

	receivable := sum[Receivable]
	if receivable.Documents != 2 || !receivable.Due.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected receivable summary: %+v", receivable)
	}
	payable := sum[Payable]
	if payable.Documents != 1 || !payable.Due.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("unexpected payable summary: %+v", payable)
	}
	if _, ok := sum[Neutral]; ok {
		t.Fatalf("neutral documents must not be summarized")
	}
}

func TestAgeBucketsOpenDues(t *testing.T) {
	asOf := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	docs := []domain.Document{
		{Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(10), CreatedAt: asOf.AddDate(0, 0, -5)},
		{Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(20), CreatedAt: asOf.AddDate(0, 0, -30)},
		{Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(30), CreatedAt: asOf.AddDate(0, 0, -45)},
		{Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(40), CreatedAt: asOf.AddDate(0, 0, -75)},
		{Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(50), CreatedAt: asOf.AddDate(0, 0, -200)},
		{Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(60), PaidAmount: decimal.NewFromInt(60), CreatedAt: asOf.AddDate(0, 0, -200)},
		{Kind: domain.KindSale, TotalAmount: decimal.NewFromInt(60), PaidAmount: decimal.NewFromInt(70), CreatedAt: asOf.AddDate(0, 0, -10)},
	}
	buckets := Age(docs, asOf)
	if len(buckets) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(buckets))
	}
	want := []struct {
		count int
		due   int64
	}{{2, 30}, {1, 30}, {1, 40}, {1, 50}}
	for i, w := range want {
		if buckets[i].Documents != w.count || !buckets[i].Due.Equal(decimal.NewFromInt(w.due)) {
			t.Fatalf("bucket %s: expected %d docs / %d, got %+v", buckets[i].Label, w.count, w.due, buckets[i])
		}
	}
}
