// Package rotation walks an ordered list of interchangeable strategies and
// returns the first one that succeeds.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Outcome tags the result of a single attempt.
type Outcome int

const (
	// Success ends the rotation with a value.
	Success Outcome = iota
	// Retryable moves on to the next strategy.
	Retryable
	// Fatal stops the rotation; later strategies would fail the same way.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the tagged value returned by Strategy.Attempt.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

// Succeeded wraps a successful value.
func Succeeded[T any](v T) Result[T] { return Result[T]{Outcome: Success, Value: v} }

// Retry reports a failure that the next strategy may recover from.
func Retry[T any](err error) Result[T] { return Result[T]{Outcome: Retryable, Err: err} }

// Abort reports a failure that ends the rotation.
func Abort[T any](err error) Result[T] { return Result[T]{Outcome: Fatal, Err: err} }

// Strategy is one entry of the chain.
type Strategy[T any] interface {
	Name() string
	Attempt(ctx context.Context) Result[T]
}

// Func adapts a closure to Strategy.
type Func[T any] struct {
	Label string
	Fn    func(ctx context.Context) Result[T]
}

// Name returns the label.
func (f Func[T]) Name() string { return f.Label }

// Attempt calls Fn.
func (f Func[T]) Attempt(ctx context.Context) Result[T] { return f.Fn(ctx) }

// ErrNoStrategies is returned when the chain is empty.
var ErrNoStrategies = errors.New("rotation: no strategies")

// Failure records why one strategy did not succeed.
type Failure struct {
	Strategy string
	Err      error
}

// ExhaustedError aggregates every failure of a chain in which nothing succeeded.
type ExhaustedError struct {
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return "rotation exhausted"
	}
	last := e.Failures[len(e.Failures)-1]
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Strategy)
	}
	return fmt.Sprintf("all %d strategies failed [%s], last %s: %v",
		len(e.Failures), strings.Join(names, ", "), last.Strategy, last.Err)
}

// Unwrap exposes the last failure so errors.Is/As see the final cause.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

// FatalError wraps the error of the strategy that aborted the chain.
type FatalError struct {
	Strategy string
	Err      error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Strategy, e.Err) }

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error { return e.Err }

// Report describes a successful rotation.
type Report[T any] struct {
	Value    T
	Strategy string
	Attempts int
	Failures []Failure
}

// FirstSuccess runs strategies in order. It returns on the first success,
// on the first fatal outcome, or with *ExhaustedError when every strategy
// failed. A cancelled context stops the chain before the next attempt.
func FirstSuccess[T any](ctx context.Context, strategies []Strategy[T]) (Report[T], error) {
	if len(strategies) == 0 {
		return Report[T]{}, ErrNoStrategies
	}

	var failures []Failure
	for i, s := range strategies {
		if err := ctx.Err(); err != nil {
			failures = append(failures, Failure{Strategy: s.Name(), Err: err})
			return Report[T]{Attempts: i, Failures: failures}, &ExhaustedError{Failures: failures}
		}

		res := s.Attempt(ctx)
		switch res.Outcome {
		case Success:
			return Report[T]{Value: res.Value, Strategy: s.Name(), Attempts: i + 1, Failures: failures}, nil
		case Fatal:
			failures = append(failures, Failure{Strategy: s.Name(), Err: res.Err})
			return Report[T]{Attempts: i + 1, Failures: failures}, &FatalError{Strategy: s.Name(), Err: res.Err}
		default:
			err := res.Err
			if err == nil {
				err = errors.New("failed without error detail")
			}
			failures = append(failures, Failure{Strategy: s.Name(), Err: err})
		}
	}
	return Report[T]{Attempts: len(strategies), Failures: failures}, &ExhaustedError{Failures: failures}
}
