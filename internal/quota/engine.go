// Package quota decides whether survey responses and dispatches fit the
// targets configured for a survey.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"survey-dispatch/internal/metrics"
	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/repo"
)

// Store is the persistence the engine needs.
type Store interface {
	ListQuotas(ctx context.Context, surveyID string) ([]repo.Quota, error)
	GetQuotas(ctx context.Context, surveyID string, keys []repo.QuotaKey) ([]repo.Quota, error)
	UpsertQuota(ctx context.Context, target repo.QuotaTarget) (*repo.Quota, error)
	AdmitQuota(ctx context.Context, surveyID string, keys []repo.QuotaKey) (*repo.QuotaAdmission, error)
	ResetQuota(ctx context.Context, surveyID string, key repo.QuotaKey) error
	GetDispatchLimit(ctx context.Context, surveyID, channel string) (*repo.DispatchLimit, error)
	UpsertDispatchLimit(ctx context.Context, surveyID, channel string, max int) (*repo.DispatchLimit, error)
}

// BucketStatus describes one demographic bucket.
type BucketStatus struct {
	Category  Category `json:"category"`
	Option    string   `json:"option"`
	Full      bool     `json:"full"`
	Complete  bool     `json:"complete"`
	Current   int      `json:"current"`
	Target    int      `json:"target"`
	Remaining int      `json:"remaining"`
	Percent   float64  `json:"percent"`
	Message   string   `json:"message"`
}

// CheckResult is the admission decision for one respondent. Quotas only
// holds the categories that have a configured bucket for the profile.
type CheckResult struct {
	Allowed  bool                      `json:"allowed"`
	FailOpen bool                      `json:"failOpen,omitempty"`
	Message  string                    `json:"message,omitempty"`
	Quotas   map[Category]BucketStatus `json:"quotas"`
}

// LimitResult is the outcome of a dispatch limit check.
type LimitResult struct {
	Allowed   bool   `json:"allowed"`
	Unlimited bool   `json:"unlimited,omitempty"`
	Remaining int    `json:"remaining"`
	Message   string `json:"message,omitempty"`
}

// Engine evaluates quotas and dispatch limits.
type Engine struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine builds an Engine.
func NewEngine(store Store, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   store,
		logger:  logger.With("component", "quota"),
		metrics: m,
	}
}

// CheckQuota reports whether the profile fits every configured bucket
// without changing any counter. Store failures fail open.
func (e *Engine) CheckQuota(ctx context.Context, surveyID string, d Demographics) CheckResult {
	quotas, err := e.store.GetQuotas(ctx, surveyID, d.Buckets())
	if err != nil {
		return e.failOpen("check", surveyID, err)
	}
	res := evaluate(quotas)
	e.observe("check", res)
	return res
}

// Admit atomically checks and increments every bucket of the profile. When
// any bucket is full nothing is incremented and the response is rejected.
// Store failures fail open.
func (e *Engine) Admit(ctx context.Context, surveyID string, d Demographics) CheckResult {
	adm, err := e.store.AdmitQuota(ctx, surveyID, d.Buckets())
	if err != nil {
		return e.failOpen("admit", surveyID, err)
	}
	res := evaluate(adm.Quotas)
	res.Allowed = adm.Admitted
	if adm.Admitted {
		res.Message = ""
	} else {
		// Buckets filled by this very admission are reported as full by
		// evaluate; only the ones that blocked it matter here.
		res.Message = rejectionMessage(adm.Full)
	}
	e.observe("admit", res)
	if !res.Allowed {
		e.logger.Info("response rejected by quota", "survey_id", surveyID, "full", adm.Full)
	}
	return res
}

// IncrementQuota increments every bucket of the profile unless one of them
// is full. It reports whether the increment happened; counters never exceed
// their targets.
func (e *Engine) IncrementQuota(ctx context.Context, surveyID string, d Demographics) (bool, error) {
	adm, err := e.store.AdmitQuota(ctx, surveyID, d.Buckets())
	if err != nil {
		e.metrics.Error("quota")
		return false, fmt.Errorf("increment quota: %w", err)
	}
	decision := "allowed"
	if !adm.Admitted {
		decision = "rejected"
	}
	e.count("increment", decision)
	return adm.Admitted, nil
}

// ConfigureQuota sets the target of one bucket.
func (e *Engine) ConfigureQuota(ctx context.Context, surveyID string, category Category, option string, target int) (BucketStatus, error) {
	if surveyID == "" {
		return BucketStatus{}, errors.New("survey id is required")
	}
	if target < 0 {
		return BucketStatus{}, fmt.Errorf("%w: negative target", ErrInvalidDemographic)
	}
	opt, err := NormalizeOption(category, option)
	if err != nil {
		return BucketStatus{}, err
	}
	q, err := e.store.UpsertQuota(ctx, repo.QuotaTarget{SurveyID: surveyID, Category: string(category), Option: opt, Target: target})
	if err != nil {
		return BucketStatus{}, fmt.Errorf("configure quota: %w", err)
	}
	e.logger.Info("quota configured", "survey_id", surveyID, "category", category, "option", opt, "target", target)
	return bucketStatus(*q), nil
}

// ResetQuota zeroes a bucket. It is the only way a complete bucket reopens.
func (e *Engine) ResetQuota(ctx context.Context, surveyID string, category Category, option string) error {
	opt, err := NormalizeOption(category, option)
	if err != nil {
		return err
	}
	if err := e.store.ResetQuota(ctx, surveyID, repo.QuotaKey{Category: string(category), Option: opt}); err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	e.logger.Warn("quota reset", "survey_id", surveyID, "category", category, "option", opt)
	return nil
}

// ListQuotas returns the status of every bucket of a survey.
func (e *Engine) ListQuotas(ctx context.Context, surveyID string) ([]BucketStatus, error) {
	quotas, err := e.store.ListQuotas(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	res := make([]BucketStatus, 0, len(quotas))
	for _, q := range quotas {
		res = append(res, bucketStatus(q))
	}
	return res, nil
}

// CheckDispatchLimit reports whether count more dispatches fit the survey's
// limit on ch. A survey without a limit for ch is unlimited.
func (e *Engine) CheckDispatchLimit(ctx context.Context, surveyID string, ch provider.Channel, count int) (LimitResult, error) {
	limit, err := e.store.GetDispatchLimit(ctx, surveyID, ch.String())
	if errors.Is(err, repo.ErrNotFound) {
		e.count("dispatch_limit", "allowed")
		return LimitResult{Allowed: true, Unlimited: true, Remaining: -1}, nil
	}
	if err != nil {
		e.metrics.Error("quota")
		return LimitResult{}, fmt.Errorf("check dispatch limit: %w", err)
	}

	remaining := limit.Remaining()
	if count > remaining {
		e.count("dispatch_limit", "rejected")
		return LimitResult{
			Allowed:   false,
			Remaining: remaining,
			Message:   fmt.Sprintf("Limite de envios por %s atingido. Restam %d de %d envios.", channelLabel(ch), remaining, limit.MaxDispatches),
		}, nil
	}
	e.count("dispatch_limit", "allowed")
	return LimitResult{Allowed: true, Remaining: remaining}, nil
}

// ConfigureDispatchLimit sets the maximum dispatches of a survey on ch.
func (e *Engine) ConfigureDispatchLimit(ctx context.Context, surveyID string, ch provider.Channel, max int) (*repo.DispatchLimit, error) {
	if !ch.Dispatchable() {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownChannel, ch)
	}
	if max < 0 {
		return nil, errors.New("max dispatches must not be negative")
	}
	limit, err := e.store.UpsertDispatchLimit(ctx, surveyID, ch.String(), max)
	if err != nil {
		return nil, fmt.Errorf("configure dispatch limit: %w", err)
	}
	return limit, nil
}

func (e *Engine) failOpen(op, surveyID string, err error) CheckResult {
	e.logger.Error("quota store failed, admitting response", "operation", op, "survey_id", surveyID, "error", err)
	e.metrics.Error("quota")
	e.count(op, "fail_open")
	return CheckResult{Allowed: true, FailOpen: true, Quotas: map[Category]BucketStatus{}}
}

func (e *Engine) observe(op string, res CheckResult) {
	decision := "allowed"
	if !res.Allowed {
		decision = "rejected"
	}
	e.count(op, decision)
}

func (e *Engine) count(op, decision string) {
	if e.metrics == nil {
		return
	}
	e.metrics.QuotaDecisions.WithLabelValues(op, decision).Inc()
}

func evaluate(quotas []repo.Quota) CheckResult {
	res := CheckResult{Allowed: true, Quotas: make(map[Category]BucketStatus, len(quotas))}
	var full []repo.QuotaKey
	for _, q := range quotas {
		st := bucketStatus(q)
		res.Quotas[st.Category] = st
		if st.Full {
			res.Allowed = false
			full = append(full, q.Key())
		}
	}
	if !res.Allowed {
		res.Message = rejectionMessage(full)
	}
	return res
}

func bucketStatus(q repo.Quota) BucketStatus {
	st := BucketStatus{
		Category: Category(q.Category),
		Option:   q.Option,
		Full:     q.Full(),
		Complete: q.IsComplete,
		Current:  q.CurrentCount,
		Target:   q.TargetCount,
	}
	if rem := q.TargetCount - q.CurrentCount; rem > 0 && !q.IsComplete {
		st.Remaining = rem
	}
	st.Percent = percent(q.CurrentCount, q.TargetCount)
	if st.Full {
		st.Message = fmt.Sprintf("Cota de %s (%s) atingida.", categoryLabel(st.Category), q.Option)
	} else {
		st.Message = fmt.Sprintf("%d vagas restantes para %s (%s).", st.Remaining, categoryLabel(st.Category), q.Option)
	}
	return st
}

func percent(current, target int) float64 {
	if target <= 0 {
		return 100
	}
	p := float64(current) * 100 / float64(target)
	if p > 100 {
		p = 100
	}
	return math.Round(p*10) / 10
}

func rejectionMessage(full []repo.QuotaKey) string {
	if len(full) == 0 {
		return "Obrigado pelo interesse! A cota para o seu perfil já foi preenchida."
	}
	k := full[0]
	return fmt.Sprintf("Obrigado pelo interesse! A cota de %s (%s) já foi preenchida.", categoryLabel(Category(k.Category)), k.Option)
}

func categoryLabel(c Category) string {
	switch c {
	case CategoryGender:
		return "gênero"
	case CategoryAgeRange:
		return "faixa etária"
	case CategoryLocation:
		return "localização"
	}
	return string(c)
}

func channelLabel(ch provider.Channel) string {
	switch ch {
	case provider.ChannelEmail:
		return "e-mail"
	case provider.ChannelSMS:
		return "SMS"
	case provider.ChannelWhatsApp:
		return "WhatsApp"
	case provider.ChannelVoIP:
		return "ligação"
	}
	return ch.String()
}
