package repo

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDispatchLimitExceeded is returned when a reservation exceeds a dispatch limit.
	ErrDispatchLimitExceeded = errors.New("dispatch limit exceeded")

	errBucketFull = errors.New("quota bucket full")
)

// FundsError reports the amounts of a rejected debit.
type FundsError struct {
	Required  int64
	Available int64
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required=%d available=%d", e.Required, e.Available)
}

func (e *FundsError) Unwrap() error { return ErrInsufficientFunds }

// LimitError reports the state of a rejected dispatch reservation.
type LimitError struct {
	Channel   string
	Max       int
	Current   int
	Requested int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("dispatch limit exceeded on %s: max=%d current=%d requested=%d", e.Channel, e.Max, e.Current, e.Requested)
}

func (e *LimitError) Unwrap() error { return ErrDispatchLimitExceeded }

// Remaining returns the dispatches still available on the limit.
func (e *LimitError) Remaining() int {
	if rem := e.Max - e.Current; rem > 0 {
		return rem
	}
	return 0
}
