package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
)

// Error carries a client-facing message and unwraps to one of the kinds above.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.Kind }

func validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFound(entity string) error {
	return &Error{Kind: ErrNotFound, Msg: entity + " not found"}
}

var (
	errNotEnoughStock = &Error{Kind: ErrInsufficientStock, Msg: "Not enough stock available"}
	errRetryExhausted = &Error{Kind: ErrConflict, Msg: "Product was modified concurrently, please retry"}
	errTxAborted      = &Error{Kind: ErrConflict, Msg: "Concurrent update detected, transaction aborted"}
)

// Message returns the client-facing text of err when it is one of ours.
func Message(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg, true
	}
	return "", false
}
