// Package ratelimit tracks provider usage in a sliding one-minute window.
package ratelimit

import (
	"context"
	"time"
)

// Window is the trailing period a limit applies to.
const Window = time.Minute

// Limiter decides whether a provider may be used right now.
//
// IsRateLimited reports true when the provider already has limitPerMinute or
// more uses inside the trailing window. A limit <= 0 means unlimited.
// RecordUse stores one use at the current instant.
// TryAcquire does both atomically: it records a use and returns true only when
// the provider was under its limit.
type Limiter interface {
	IsRateLimited(ctx context.Context, providerID string, limitPerMinute int) (bool, error)
	RecordUse(ctx context.Context, providerID string) error
	TryAcquire(ctx context.Context, providerID string, limitPerMinute int) (bool, error)
}

// Clock abstracts time so window arithmetic can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }
