package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"branchledger/backend/internal/domain"
)

// Aliases so callers that only import store can match on the ledger errors.
var (
	ErrNotFound          = domain.ErrNotFound
	ErrConflict          = domain.ErrConflict
	ErrInsufficientStock = domain.ErrInsufficientStock
	ErrValidation        = domain.ErrValidation
)

// Reader is the non-locking view of persisted state. Inside a transaction the
// same methods observe the transaction's own uncommitted writes.
type Reader interface {
	GetUnit(ctx context.Context, id string) (*domain.Unit, error)
	FindUnitByName(ctx context.Context, name string) (*domain.Unit, error)
	ListUnits(ctx context.Context) ([]domain.Unit, error)
	GetActiveConversion(ctx context.Context, unitID string) (*domain.UnitConversion, error)
	ListConversionsTargeting(ctx context.Context, baseUnitID string) ([]domain.UnitConversion, error)
	CountUnitReferences(ctx context.Context, unitIDs []string) (int, error)

	GetProduct(ctx context.Context, id string) (*domain.Product, error)

	GetStock(ctx context.Context, productID string, branchID string) (*domain.Stock, error)
	ListStocks(ctx context.Context, branchID string) ([]domain.Stock, error)
	GetStockMovement(ctx context.Context, id string) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, productID string, branchID string) ([]domain.StockMovement, error)
	ListDocumentMovements(ctx context.Context, documentID string) ([]domain.StockMovement, error)

	GetBookingLine(ctx context.Context, id string) (*domain.BookingLine, error)
	ListBookingLines(ctx context.Context, bookingID string) ([]domain.BookingLine, error)
	GetDeliveryLine(ctx context.Context, id string) (*domain.DeliveryLine, error)
	ListDeliveryLines(ctx context.Context, bookingLineID string) ([]domain.DeliveryLine, error)
	ListDeliveryLinesByDelivery(ctx context.Context, deliveryID string) ([]domain.DeliveryLine, error)
	SumDeliveredBaseQuantity(ctx context.Context, bookingLineID string) (decimal.Decimal, error)

	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	ListDocuments(ctx context.Context, branchID string, status string) ([]domain.Document, error)
}

// Tx is a unit of work. Lock* methods serialize concurrent writers on the
// returned row until the transaction ends.
type Tx interface {
	Reader

	CreateUnit(ctx context.Context, unit domain.Unit) error
	SaveConversion(ctx context.Context, conversion domain.UnitConversion) error
	DeactivateConversion(ctx context.Context, unitID string) error

	CreateProduct(ctx context.Context, product domain.Product) error

	// LockStock returns the stock row for update, creating a zero row on
	// first use of the (product, branch) pair.
	LockStock(ctx context.Context, productID string, branchID string) (*domain.Stock, error)
	SaveStock(ctx context.Context, stock domain.Stock) error
	CreateStockMovement(ctx context.Context, movement domain.StockMovement) error
	MarkStockMovementReversed(ctx context.Context, id string, reversedByID string) error

	LockBookingLine(ctx context.Context, id string) (*domain.BookingLine, error)
	CreateBookingLine(ctx context.Context, line domain.BookingLine) error
	CancelBookingLine(ctx context.Context, id string) error
	LockDeliveryLine(ctx context.Context, id string) (*domain.DeliveryLine, error)
	CreateDeliveryLine(ctx context.Context, line domain.DeliveryLine) error
	ReverseDeliveryLine(ctx context.Context, id string, actorID string, at time.Time) error

	LockDocument(ctx context.Context, id string) (*domain.Document, error)
	CreateDocument(ctx context.Context, doc domain.Document) error
	UpdateDocumentHeader(ctx context.Context, doc domain.Document) error
}

type Repository interface {
	Reader

	// WithinTx runs fn in one atomic unit: every write made through tx is
	// committed together when fn returns nil, otherwise none is.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
