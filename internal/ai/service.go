// Package ai generates text through OpenAI-compatible providers, rotating
// from free-tier keys to paid fallbacks.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"survey-dispatch/internal/credit"
	"survey-dispatch/internal/metrics"
	"survey-dispatch/internal/ratelimit"
	"survey-dispatch/internal/repo"
	"survey-dispatch/internal/rotation"
	"survey-dispatch/internal/senders"
)

const (
	defaultCooldown = time.Minute
	serviceType     = "ai_generation"
)

var (
	// ErrInvalidPrompt is returned for requests without content.
	ErrInvalidPrompt = errors.New("prompt is empty")
	// ErrNotConfigured is returned when no tier has credentials.
	ErrNotConfigured = errors.New("no ai provider configured")
)

var errCoolingDown = errors.New("api key cooling down")

// Tier is one provider family. Each key becomes a separate backend.
type Tier struct {
	Name      string
	BaseURL   string
	Model     string
	Keys      []string
	RateLimit int
}

// Config lists tiers in the order they are tried.
type Config struct {
	Tiers    []Tier
	Cooldown time.Duration
	Timeout  time.Duration
	Price    int64
}

// KeyStore persists key cooldowns.
type KeyStore interface {
	SyncAPIKeys(ctx context.Context, provider string, keys []string) error
	ListActiveAPIKeys(ctx context.Context, provider string) ([]repo.APIKey, error)
	SetCooldownUntil(ctx context.Context, id string, until time.Time) error
	ClearCooldown(ctx context.Context, id string) error
}

// Wallet charges generations.
type Wallet interface {
	Balance(ctx context.Context, userID string) (*repo.CreditBalance, error)
	Debit(ctx context.Context, userID string, amount int64, serviceType, referenceID string) (*repo.CreditTransaction, error)
}

// GenerateRequest asks for one completion.
type GenerateRequest struct {
	UserID      string
	System      string
	Prompt      string
	History     []Message
	Temperature *float64
	MaxTokens   int
}

// Generation is a successful completion.
type Generation struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Attempts int    `json:"attempts"`
	Tokens   int    `json:"tokens"`
	Cost     int64  `json:"-"`
}

// ProviderInfo describes a backend for listing.
type ProviderInfo struct {
	ID        string `json:"id"`
	Tier      string `json:"tier"`
	Model     string `json:"model"`
	Priority  int    `json:"priority"`
	RateLimit int    `json:"rateLimit"`
}

type backend struct {
	id        string
	tier      string
	baseURL   string
	model     string
	apiKey    string
	priority  int
	rateLimit int
}

// Service rotates generation requests across backends.
type Service struct {
	backends []*backend
	client   *completionClient
	limiter  ratelimit.Limiter
	keys     KeyStore
	wallet   Wallet
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService builds the backend chain. Tiers without keys are skipped.
// keys, wallet and limiter may be nil.
func NewService(cfg Config, limiter ratelimit.Limiter, keys KeyStore, wallet Wallet, logger *slog.Logger, m *metrics.Metrics) *Service {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	s := &Service{
		client:  &completionClient{http: senders.NewHTTPClient(cfg.Timeout)},
		limiter: limiter,
		keys:    keys,
		wallet:  wallet,
		cfg:     cfg,
		logger:  logger.With("component", "ai"),
		metrics: m,
		now:     time.Now,
	}

	priority := 0
	for _, tier := range cfg.Tiers {
		for i, key := range tier.Keys {
			key = strings.TrimSpace(key)
			if key == "" || tier.BaseURL == "" {
				continue
			}
			id := tier.Name
			if len(tier.Keys) > 1 {
				id = fmt.Sprintf("%s-%d", tier.Name, i+1)
			}
			s.backends = append(s.backends, &backend{
				id:        id,
				tier:      tier.Name,
				baseURL:   tier.BaseURL,
				model:     tier.Model,
				apiKey:    key,
				priority:  priority,
				rateLimit: tier.RateLimit,
			})
			priority++
		}
	}
	return s
}

// Configured reports whether at least one backend exists.
func (s *Service) Configured() bool { return len(s.backends) > 0 }

// Providers lists the backends in rotation order.
func (s *Service) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, ProviderInfo{ID: b.id, Tier: b.tier, Model: b.model, Priority: b.priority, RateLimit: b.rateLimit})
	}
	return out
}

// SyncKeys stores every configured key so cooldowns can be persisted.
func (s *Service) SyncKeys(ctx context.Context) error {
	if s.keys == nil {
		return nil
	}
	for _, tier := range s.cfg.Tiers {
		if len(tier.Keys) == 0 {
			continue
		}
		if err := s.keys.SyncAPIKeys(ctx, tier.Name, tier.Keys); err != nil {
			return fmt.Errorf("sync %s keys: %w", tier.Name, err)
		}
	}
	return nil
}

// Generate returns the first successful completion. When every backend
// fails the error is a *rotation.ExhaustedError that unwraps to the last failure.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*Generation, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.History) == 0 {
		return nil, ErrInvalidPrompt
	}
	if !s.Configured() {
		return nil, ErrNotConfigured
	}

	charge := s.cfg.Price > 0 && req.UserID != "" && s.wallet != nil
	if charge {
		b, err := s.wallet.Balance(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if b.CurrentBalance < s.cfg.Price {
			return nil, &credit.InsufficientFundsError{Required: s.cfg.Price, Available: b.CurrentBalance}
		}
	}

	chat := chatRequest{Messages: buildMessages(req), Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	cooldowns := s.loadKeys(ctx)

	strategies := make([]rotation.Strategy[*Generation], 0, len(s.backends))
	for _, b := range s.backends {
		strategies = append(strategies, s.strategy(b, chat, cooldowns))
	}

	report, err := rotation.FirstSuccess(ctx, strategies)
	if err != nil {
		s.metrics.Error("ai")
		s.logger.Error("generation failed on every provider", "attempts", report.Attempts, "error", err)
		return nil, err
	}
	gen := report.Value
	gen.Attempts = report.Attempts

	if charge {
		ref := fmt.Sprintf("%s:%d", gen.Provider, s.now().UnixNano())
		if _, err := s.wallet.Debit(ctx, req.UserID, s.cfg.Price, serviceType, ref); err != nil {
			// The text is still returned.
			s.logger.Error("generation debit failed", "user_id", req.UserID, "error", err)
			s.metrics.Error("ai")
		} else {
			gen.Cost = s.cfg.Price
		}
	}
	return gen, nil
}

func (s *Service) strategy(b *backend, chat chatRequest, keys map[string]repo.APIKey) rotation.Strategy[*Generation] {
	return rotation.Func[*Generation]{
		Label: b.id,
		Fn: func(ctx context.Context) rotation.Result[*Generation] {
			key, tracked := keys[b.tier+"\x00"+b.apiKey]
			if tracked && key.CoolingDown(s.now()) {
				s.count(b, "cooldown")
				return rotation.Retry[*Generation](fmt.Errorf("%s: %w until %s", b.id, errCoolingDown, key.CooldownUntil.Format(time.RFC3339)))
			}
			if s.limiter != nil {
				ok, err := s.limiter.TryAcquire(ctx, b.id, b.rateLimit)
				if err != nil {
					s.logger.Warn("rate limiter unavailable, allowing provider", "provider", b.id, "error", err)
				} else if !ok {
					s.count(b, "rate_limited")
					return rotation.Retry[*Generation](fmt.Errorf("%s: %w", b.id, senders.ErrProviderRateLimited))
				}
			}

			req := chat
			req.Model = b.model
			start := time.Now()
			res, err := s.client.complete(ctx, b, req)
			if s.metrics != nil {
				s.metrics.AILatency.WithLabelValues(b.id).Observe(time.Since(start).Seconds())
			}
			if err != nil {
				s.count(b, "error")
				if errors.Is(err, senders.ErrProviderRateLimited) && tracked {
					s.coolDown(ctx, b, key)
				}
				s.logger.Warn("generation failed, trying next provider", "provider", b.id, "error", err)
				return rotation.Retry[*Generation](err)
			}

			s.count(b, "success")
			if tracked && key.CooldownUntil != nil {
				if err := s.keys.ClearCooldown(ctx, key.ID); err != nil {
					s.logger.Warn("clear key cooldown failed", "provider", b.id, "error", err)
				}
			}
			model := res.Model
			if model == "" {
				model = b.model
			}
			return rotation.Succeeded(&Generation{
				Text:     strings.TrimSpace(res.Choices[0].Message.Content),
				Provider: b.id,
				Model:    model,
				Tokens:   res.Usage.TotalTokens,
			})
		},
	}
}

// loadKeys indexes persisted keys by tier and value. A store failure only
// disables cooldown checks for this request.
func (s *Service) loadKeys(ctx context.Context) map[string]repo.APIKey {
	out := map[string]repo.APIKey{}
	if s.keys == nil {
		return out
	}
	for _, tier := range s.cfg.Tiers {
		if len(tier.Keys) == 0 {
			continue
		}
		keys, err := s.keys.ListActiveAPIKeys(ctx, tier.Name)
		if err != nil {
			s.logger.Warn("list api keys failed, ignoring cooldowns", "tier", tier.Name, "error", err)
			continue
		}
		for _, k := range keys {
			out[tier.Name+"\x00"+k.Value] = k
		}
	}
	return out
}

func (s *Service) coolDown(ctx context.Context, b *backend, key repo.APIKey) {
	until := s.now().Add(s.cfg.Cooldown)
	if err := s.keys.SetCooldownUntil(ctx, key.ID, until); err != nil {
		s.logger.Warn("set key cooldown failed", "provider", b.id, "error", err)
		return
	}
	s.logger.Info("api key cooling down", "provider", b.id, "until", until)
}

func (s *Service) count(b *backend, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.AIRequests.WithLabelValues(b.id, status).Inc()
}

func buildMessages(req GenerateRequest) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.History...)
	if strings.TrimSpace(req.Prompt) != "" {
		msgs = append(msgs, Message{Role: "user", Content: req.Prompt})
	}
	return msgs
}
