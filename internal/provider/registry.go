package provider

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"survey-dispatch/internal/ratelimit"
)

// ErrNoEligibleProvider is returned when every provider of a channel is
// missing or currently rate-limited.
var ErrNoEligibleProvider = errors.New("no eligible provider")

// Registry keeps providers per channel in ascending priority order.
// It is populated at startup and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	limiter   ratelimit.Limiter
	logger    *slog.Logger
	byChannel map[Channel][]*Provider
}

// NewRegistry returns an empty registry that consults limiter for eligibility.
func NewRegistry(limiter ratelimit.Limiter, logger *slog.Logger) *Registry {
	return &Registry{
		limiter:   limiter,
		logger:    logger.With("component", "provider_registry"),
		byChannel: make(map[Channel][]*Provider),
	}
}

// Register adds p. Providers without credentials or marked inactive are
// skipped and reported as false.
func (r *Registry) Register(p Provider) bool {
	if !p.Configured() {
		r.logger.Info("provider not configured, skipping", "provider", p.ID, "channel", p.Channel)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := append(r.byChannel[p.Channel], &p)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority < list[j].Priority
	})
	r.byChannel[p.Channel] = list
	r.logger.Info("provider registered", "provider", p.ID, "channel", p.Channel, "priority", p.Priority, "rate_limit", p.RateLimit)
	return true
}

// Providers returns the channel's providers in the order they are tried.
func (r *Registry) Providers(ch Channel) []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byChannel[ch]
	out := make([]*Provider, len(list))
	copy(out, list)
	return out
}

// Configured reports whether the channel has at least one provider.
func (r *Registry) Configured(ch Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[ch]) > 0
}

// Channels lists the channels with at least one provider.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.byChannel))
	for ch, list := range r.byChannel {
		if len(list) > 0 {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Eligible reports whether p is under its rate limit. A limiter failure is
// logged and treated as eligible; providers enforce their own limits too.
func (r *Registry) Eligible(ctx context.Context, p *Provider) bool {
	if r.limiter == nil {
		return true
	}
	limited, err := r.limiter.IsRateLimited(ctx, p.ID, p.RateLimit)
	if err != nil {
		r.logger.Warn("rate limiter unavailable, allowing provider", "provider", p.ID, "error", err)
		return true
	}
	return !limited
}

// Acquire claims one use of p if it is under its rate limit. Check and record
// happen atomically in the limiter. A limiter failure is logged and treated as
// acquired.
func (r *Registry) Acquire(ctx context.Context, p *Provider) bool {
	if r.limiter == nil {
		return true
	}
	ok, err := r.limiter.TryAcquire(ctx, p.ID, p.RateLimit)
	if err != nil {
		r.logger.Warn("rate limiter unavailable, allowing provider", "provider", p.ID, "error", err)
		return true
	}
	return ok
}

// RecordUse stores one use of p in the limiter.
func (r *Registry) RecordUse(ctx context.Context, p *Provider) {
	if r.limiter == nil {
		return
	}
	if err := r.limiter.RecordUse(ctx, p.ID); err != nil {
		r.logger.Warn("record provider use failed", "provider", p.ID, "error", err)
	}
}

// NextEligibleProvider returns the first provider of ch, in priority order,
// that is configured and not rate-limited.
func (r *Registry) NextEligibleProvider(ctx context.Context, ch Channel) (*Provider, error) {
	for _, p := range r.Providers(ch) {
		if r.Eligible(ctx, p) {
			return p, nil
		}
	}
	return nil, ErrNoEligibleProvider
}
