package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrOverDelivery      = errors.New("over delivery")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("not found")
)

type ErrorKind string

const (
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindConflict          ErrorKind = "conflict"
	ErrorKindOverDelivery      ErrorKind = "over_delivery"
	ErrorKindInsufficientStock ErrorKind = "insufficient_stock"
	ErrorKindNotFound          ErrorKind = "not_found"
	ErrorKindInternal          ErrorKind = "internal"
)

// KindOf maps an error returned by the ledger onto its stable kind. The
// human-readable detail stays in err.Error().
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOverDelivery):
		return ErrorKindOverDelivery
	case errors.Is(err, ErrInsufficientStock):
		return ErrorKindInsufficientStock
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrConflict):
		return ErrorKindConflict
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	}
	return ErrorKindInternal
}
