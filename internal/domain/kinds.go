package domain

import (
	"fmt"
	"strings"
)

type DocumentKind string

const (
	KindBooking        DocumentKind = "booking"
	KindDelivery       DocumentKind = "delivery"
	KindPurchase       DocumentKind = "purchase"
	KindSale           DocumentKind = "sale"
	KindProductReceive DocumentKind = "product_receive"
	KindSaleReturn     DocumentKind = "sale_return"
	KindPurchaseReturn DocumentKind = "purchase_return"
	KindDamage         DocumentKind = "damage"
)

var documentKinds = []DocumentKind{
	KindBooking,
	KindDelivery,
	KindPurchase,
	KindSale,
	KindProductReceive,
	KindSaleReturn,
	KindPurchaseReturn,
	KindDamage,
}

func DocumentKinds() []DocumentKind {
	out := make([]DocumentKind, len(documentKinds))
	copy(out, documentKinds)
	return out
}

// ParseDocumentKind accepts the canonical tag plus a few legacy spellings
// ("receive", "return", "salereturn") used by older clients.
func ParseDocumentKind(raw string) (DocumentKind, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	tag = strings.ReplaceAll(tag, "-", "_")
	switch tag {
	case "booking":
		return KindBooking, nil
	case "delivery":
		return KindDelivery, nil
	case "purchase":
		return KindPurchase, nil
	case "sale":
		return KindSale, nil
	case "product_receive", "receive", "productreceive":
		return KindProductReceive, nil
	case "sale_return", "salereturn", "return":
		return KindSaleReturn, nil
	case "purchase_return", "purchasereturn":
		return KindPurchaseReturn, nil
	case "damage":
		return KindDamage, nil
	}
	return "", fmt.Errorf("%w: unknown document kind %q", ErrValidation, raw)
}

// StockSign is the direction a posted line moves stock: +1 inbound,
// -1 outbound, 0 for documents that never touch stock.
func (k DocumentKind) StockSign() int {
	switch k {
	case KindPurchase, KindProductReceive, KindSaleReturn:
		return 1
	case KindSale, KindDamage, KindPurchaseReturn, KindDelivery:
		return -1
	case KindBooking:
		return 0
	}
	panic(fmt.Sprintf("unhandled document kind %q", string(k)))
}

// SetsInboundRate reports whether inbound lines of this kind carry a cost
// that should become the stock row's last inbound rate.
func (k DocumentKind) SetsInboundRate() bool {
	switch k {
	case KindPurchase, KindProductReceive:
		return true
	case KindSaleReturn, KindSale, KindDamage, KindPurchaseReturn, KindDelivery, KindBooking:
		return false
	}
	panic(fmt.Sprintf("unhandled document kind %q", string(k)))
}

func (k DocumentKind) CodePrefix() string {
	switch k {
	case KindBooking:
		return "BK"
	case KindDelivery:
		return "DL"
	case KindPurchase:
		return "PU"
	case KindSale:
		return "SA"
	case KindProductReceive:
		return "RC"
	case KindSaleReturn:
		return "SR"
	case KindPurchaseReturn:
		return "PR"
	case KindDamage:
		return "DM"
	}
	panic(fmt.Sprintf("unhandled document kind %q", string(k)))
}
