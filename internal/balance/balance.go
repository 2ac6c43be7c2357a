package balance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"branchledger/backend/internal/domain"
)

// ComputeDue is total minus paid. Overpayment yields a negative due.
func ComputeDue(total decimal.Decimal, paid decimal.Decimal) decimal.Decimal {
	return total.Sub(paid)
}

type Direction string

const (
	Receivable Direction = "receivable"
	Payable    Direction = "payable"
	Neutral    Direction = "neutral"
)

// DirectionOf reports who owes whom on a document of the given kind.
func DirectionOf(kind domain.DocumentKind) Direction {
	switch kind {
	case domain.KindBooking, domain.KindDelivery, domain.KindSale, domain.KindPurchaseReturn:
		return Receivable
	case domain.KindPurchase, domain.KindProductReceive, domain.KindSaleReturn:
		return Payable
	case domain.KindDamage:
		return Neutral
	}
	panic(fmt.Sprintf("unhandled document kind %q", string(kind)))
}

type Settlement string

const (
	SettlementOpen     Settlement = "open"
	SettlementSettled  Settlement = "settled"
	SettlementOverpaid Settlement = "overpaid"
)

func SettlementOf(due decimal.Decimal) Settlement {
	switch {
	case due.IsPositive():
		return SettlementOpen
	case due.IsNegative():
		return SettlementOverpaid
	default:
		return SettlementSettled
	}
}

type DueView struct {
	DocumentID string              `json:"document_id"`
	Code       string              `json:"code"`
	Kind       domain.DocumentKind `json:"kind"`
	BranchID   string              `json:"branch_id"`
	Direction  Direction           `json:"direction"`
	Total      decimal.Decimal     `json:"total"`
	Paid       decimal.Decimal     `json:"paid"`
	Due        decimal.Decimal     `json:"due"`
	Settlement Settlement          `json:"settlement"`
	CreatedAt  time.Time           `json:"created_at"`
}

func Due(doc domain.Document) DueView {
	due := ComputeDue(doc.TotalAmount, doc.PaidAmount)
	return DueView{
		DocumentID: doc.ID,
		Code:       doc.Code,
		Kind:       doc.Kind,
		BranchID:   doc.BranchID,
		Direction:  DirectionOf(doc.Kind),
		Total:      doc.TotalAmount,
		Paid:       doc.PaidAmount,
		Due:        due,
		Settlement: SettlementOf(due),
		CreatedAt:  doc.CreatedAt,
	}
}

type Summary struct {
	Direction Direction       `json:"direction"`
	Documents int             `json:"documents"`
	Total     decimal.Decimal `json:"total"`
	Paid      decimal.Decimal `json:"paid"`
	Due       decimal.Decimal `json:"due"`
}

// Summarize totals documents per direction. Neutral documents carry no
// counterparty and are left out.
func Summarize(docs []domain.Document) map[Direction]Summary {
	out := map[Direction]Summary{
		Receivable: {Direction: Receivable},
		Payable:    {Direction: Payable},
	}
	for _, doc := range docs {
		view := Due(doc)
		if view.Direction == Neutral {
			continue
		}
		sum := out[view.Direction]
		sum.Documents++
		sum.Total = sum.Total.Add(view.Total)
		sum.Paid = sum.Paid.Add(view.Paid)
		sum.Due = sum.Due.Add(view.Due)
		out[view.Direction] = sum
	}
	return out
}

type AgingBucket struct {
	Label     string          `json:"label"`
	FromDays  int             `json:"from_days"`
	ToDays    int             `json:"to_days"` // -1 means open-ended
	Documents int             `json:"documents"`
	Due       decimal.Decimal `json:"due"`
}

func emptyBuckets() []AgingBucket {
	return []AgingBucket{
		{Label: "0-30", FromDays: 0, ToDays: 30},
		{Label: "31-60", FromDays: 31, ToDays: 60},
		{Label: "61-90", FromDays: 61, ToDays: 90},
		{Label: "90+", FromDays: 91, ToDays: -1},
	}
}

// Age buckets positive dues by whole days elapsed since the document was
// created. Settled and overpaid documents are skipped.
func Age(docs []domain.Document, asOf time.Time) []AgingBucket {
	buckets := emptyBuckets()
	for _, doc := range docs {
		view := Due(doc)
		if view.Settlement != SettlementOpen {
			continue
		}
		days := int(asOf.Sub(doc.CreatedAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		idx := len(buckets) - 1
		for i, bucket := range buckets {
			if bucket.ToDays >= 0 && days <= bucket.ToDays {
				idx = i
				break
			}
		}
		buckets[idx].Documents++
		buckets[idx].Due = buckets[idx].Due.Add(view.Due)
	}
	return buckets
}
