// Package dispatch sends survey invitations through the provider chain of a
// channel, charging the requester once per request.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"survey-dispatch/internal/credit"
	"survey-dispatch/internal/metrics"
	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/quota"
	"survey-dispatch/internal/repo"
	"survey-dispatch/internal/rotation"
	"survey-dispatch/internal/senders"
)

// DefaultSendInterval spaces bulk sends so one batch does not burst a provider.
const DefaultSendInterval = 300 * time.Millisecond

const (
	msgFailed         = "Não foi possível enviar a mensagem. Tente novamente mais tarde."
	msgInvalidContact = "Contato inválido para este canal."
	msgLinkFailed     = "Não foi possível gerar o link da pesquisa."
)

var errRateLimited = errors.New("provider rate limited")

// Charger debits a dispatch request.
type Charger interface {
	ChargeDispatch(ctx context.Context, c credit.DispatchCharge) (*repo.CreditTransaction, error)
}

// LimitChecker checks survey dispatch limits.
type LimitChecker interface {
	CheckDispatchLimit(ctx context.Context, surveyID string, ch provider.Channel, count int) (quota.LimitResult, error)
}

// AuditStore records every recipient attempt.
type AuditStore interface {
	InsertDispatchLog(ctx context.Context, log repo.DispatchLog) error
}

// Config holds engine settings.
type Config struct {
	SendInterval time.Duration
	Pricing      credit.Pricing
}

// Engine dispatches messages.
type Engine struct {
	registry *provider.Registry
	charger  Charger
	limits   LimitChecker
	audit    AuditStore
	links    *Linker
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewEngine builds an Engine. audit and links may be nil.
func NewEngine(registry *provider.Registry, charger Charger, limits LimitChecker, audit AuditStore, links *Linker, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.SendInterval < 0 {
		cfg.SendInterval = 0
	}
	return &Engine{
		registry: registry,
		charger:  charger,
		limits:   limits,
		audit:    audit,
		links:    links,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		metrics:  m,
	}
}

// Handle validates, checks limits, charges and sends a full request. Any
// error returned before sending means no credits were debited.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	ch := req.Channel

	if !e.registry.Configured(ch) {
		return nil, fmt.Errorf("%w: %s has no configured provider", ErrNoProviders, ch)
	}
	if _, err := e.registry.NextEligibleProvider(ctx, ch); err != nil {
		return nil, fmt.Errorf("%w: every %s provider is rate limited", ErrNoProviders, ch)
	}

	tmpl := Template{Subject: req.Subject, Body: req.Message}
	if needsLink(tmpl) && !e.links.Available(req.SurveyLink) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, ErrLinkUnavailable)
	}

	count := len(req.Recipients)
	if req.SurveyID != "" {
		res, err := e.limits.CheckDispatchLimit(ctx, req.SurveyID, ch, count)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			return nil, &DispatchLimitError{Channel: ch, Remaining: res.Remaining, Message: res.Message}
		}
	}

	campaignID := req.CampaignID
	if campaignID == "" {
		campaignID = uuid.NewString()
	}
	unitCost := e.cfg.Pricing.UnitPrice(ch)
	charge := credit.DispatchCharge{
		UserID:      req.UserID,
		SurveyID:    req.SurveyID,
		Channel:     ch,
		Recipients:  count,
		UnitCost:    unitCost,
		ReferenceID: campaignID,
	}
	if _, err := e.charger.ChargeDispatch(ctx, charge); err != nil {
		var limitErr *repo.LimitError
		if errors.As(err, &limitErr) {
			return nil, &DispatchLimitError{
				Channel:   ch,
				Remaining: limitErr.Remaining(),
				Message:   fmt.Sprintf("Limite de envios atingido. Restam %d envios.", limitErr.Remaining()),
			}
		}
		return nil, err
	}

	bulk := e.DispatchBulk(ctx, ch, req.Recipients, tmpl, Meta{
		UserID:     req.UserID,
		SurveyID:   req.SurveyID,
		CampaignID: campaignID,
		UnitCost:   unitCost,
		LinkBase:   req.SurveyLink,
	})

	e.logger.Info("dispatch finished", "campaign_id", campaignID, "channel", ch, "total", bulk.Total, "sent", bulk.Sent, "failed", bulk.Failed, "cost", charge.Total())
	return &Response{
		Success:         bulk.Sent > 0,
		Channel:         ch,
		CampaignID:      campaignID,
		TotalRecipients: bulk.Total,
		SuccessCount:    bulk.Sent,
		FailedCount:     bulk.Failed,
		CostDebited:     charge.Total(),
		Results:         bulk.Results,
	}, nil
}

// DispatchBulk sends tmpl to every recipient sequentially, spacing sends by
// the configured interval. One recipient's failure never stops the batch.
func (e *Engine) DispatchBulk(ctx context.Context, ch provider.Channel, recipients []Recipient, tmpl Template, meta Meta) BulkResult {
	limit := rate.Inf
	if e.cfg.SendInterval > 0 {
		limit = rate.Every(e.cfg.SendInterval)
	}
	throttle := rate.NewLimiter(limit, 1)

	out := BulkResult{Total: len(recipients), Results: make([]Result, 0, len(recipients))}
	for _, rcpt := range recipients {
		var res Result
		if err := throttle.Wait(ctx); err != nil {
			res = Result{Recipient: rcpt.Contact, Name: rcpt.Name, Status: StatusFailed, Error: msgFailed, err: err}
		} else {
			res = e.DispatchSingle(ctx, ch, rcpt, tmpl, meta)
		}
		if res.Status == StatusSent {
			out.Sent++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}
	return out
}

// DispatchSingle walks the channel's providers in priority order until one
// accepts the message.
func (e *Engine) DispatchSingle(ctx context.Context, ch provider.Channel, rcpt Recipient, tmpl Template, meta Meta) Result {
	res := e.dispatchSingle(ctx, ch, rcpt, tmpl, meta)
	e.countRecipient(ch, res.Status)
	e.writeAudit(ctx, ch, rcpt, meta, res)
	return res
}

func (e *Engine) dispatchSingle(ctx context.Context, ch provider.Channel, rcpt Recipient, tmpl Template, meta Meta) Result {
	res := Result{Recipient: rcpt.Contact, Name: rcpt.Name}

	contact, err := senders.NormalizeContact(ch, rcpt.Contact)
	if err != nil {
		e.logger.Info("invalid contact", "channel", ch, "contact", rcpt.Contact, "error", err)
		res.Status, res.Error, res.err = StatusError, msgInvalidContact, err
		return res
	}
	res.Recipient = contact

	var link string
	if needsLink(tmpl) {
		link, err = e.links.IssueAt(ctx, meta.LinkBase, meta.CampaignID, meta.SurveyID, contact)
		if err != nil {
			e.logger.Error("issue survey link failed", "campaign_id", meta.CampaignID, "contact", contact, "error", err)
			res.Status, res.Error, res.err = StatusError, msgLinkFailed, err
			return res
		}
	}

	msg := provider.Message{
		Channel:       ch,
		RecipientName: rcpt.Name,
		Contact:       contact,
		Subject:       Render(tmpl.Subject, rcpt.Name, link),
		Body:          Render(tmpl.Body, rcpt.Name, link),
		CampaignID:    meta.CampaignID,
	}

	providers := e.registry.Providers(ch)
	strategies := make([]rotation.Strategy[*provider.Receipt], 0, len(providers))
	for _, p := range providers {
		strategies = append(strategies, e.strategy(p, msg))
	}

	report, err := rotation.FirstSuccess(ctx, strategies)
	res.Attempts = report.Attempts
	if err == nil {
		res.Status = StatusSent
		res.Provider = report.Strategy
		if report.Value != nil {
			res.MessageID = report.Value.MessageID
		}
		return res
	}

	res.err = err
	var fatal *rotation.FatalError
	if errors.As(err, &fatal) {
		res.Status = StatusError
		res.Provider = fatal.Strategy
		res.Error = msgInvalidContact
		e.logger.Warn("recipient rejected by provider", "channel", ch, "contact", contact, "provider", fatal.Strategy, "error", fatal.Err)
		return res
	}
	res.Status = StatusFailed
	res.Error = msgFailed
	e.logger.Error("all providers failed", "channel", ch, "contact", contact, "error", err)
	return res
}

func (e *Engine) strategy(p *provider.Provider, msg provider.Message) rotation.Strategy[*provider.Receipt] {
	return rotation.Func[*provider.Receipt]{
		Label: p.ID,
		Fn: func(ctx context.Context) rotation.Result[*provider.Receipt] {
			if !e.registry.Acquire(ctx, p) {
				e.countAttempt(p, "rate_limited")
				return rotation.Retry[*provider.Receipt](fmt.Errorf("%s: %w", p.ID, errRateLimited))
			}

			start := time.Now()
			receipt, err := p.Sender.Send(ctx, msg)
			if e.metrics != nil {
				e.metrics.DispatchLatency.WithLabelValues(p.Channel.String(), p.ID).Observe(time.Since(start).Seconds())
			}
			switch {
			case err == nil:
				e.countAttempt(p, "success")
				if receipt == nil {
					receipt = &provider.Receipt{}
				}
				return rotation.Succeeded(receipt)
			case errors.Is(err, provider.ErrInvalidRecipient):
				e.countAttempt(p, "fatal")
				return rotation.Abort[*provider.Receipt](err)
			default:
				e.countAttempt(p, "error")
				e.logger.Warn("provider send failed, trying next", "provider", p.ID, "channel", p.Channel, "error", err)
				return rotation.Retry[*provider.Receipt](err)
			}
		},
	}
}

func (e *Engine) writeAudit(ctx context.Context, ch provider.Channel, rcpt Recipient, meta Meta, res Result) {
	if e.audit == nil {
		return
	}
	entry := repo.DispatchLog{
		CampaignID:    meta.CampaignID,
		SurveyID:      meta.SurveyID,
		UserID:        meta.UserID,
		Channel:       ch.String(),
		RecipientName: rcpt.Name,
		Contact:       res.Recipient,
		ProviderID:    res.Provider,
		Status:        string(res.Status),
		MessageID:     res.MessageID,
		UnitCost:      meta.UnitCost,
	}
	if res.err != nil {
		entry.Error = truncate(res.err.Error(), 1000)
	}
	// The audit row must survive a cancelled request.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.audit.InsertDispatchLog(auditCtx, entry); err != nil {
		e.logger.Error("write dispatch log failed", "campaign_id", meta.CampaignID, "error", err)
		e.metrics.Error("dispatch_audit")
	}
}

func (e *Engine) countAttempt(p *provider.Provider, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.DispatchAttempts.WithLabelValues(p.Channel.String(), p.ID, status).Inc()
}

func (e *Engine) countRecipient(ch provider.Channel, status Status) {
	if e.metrics == nil {
		return
	}
	e.metrics.DispatchRecipients.WithLabelValues(ch.String(), string(status)).Inc()
}

func validate(req Request) error {
	if !req.Channel.Dispatchable() {
		return fmt.Errorf("%w: channel %q cannot dispatch", ErrInvalidRequest, req.Channel)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if len(req.Recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
