package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"survey-dispatch/internal/ai"
	"survey-dispatch/internal/config"
	"survey-dispatch/internal/credit"
	"survey-dispatch/internal/dispatch"
	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/quota"
	"survey-dispatch/internal/repo"
	"survey-dispatch/internal/rotation"
)

const (
	msgUnavailable  = "Serviço indisponível no momento."
	msgInternal     = "Erro interno. Tente novamente mais tarde."
	msgNoProviders  = "Nenhum provedor disponível para este canal."
	msgNoFunds      = "Créditos insuficientes."
	msgGenerateFail = "Não foi possível gerar a resposta. Tente novamente."
	defaultLogLimit = 100
)

type dispatchResponse struct {
	*dispatch.Response
	CostDebited any `json:"costDebited"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	var body dispatchRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	ch, err := provider.ParseChannel(body.Channel)
	if err != nil || !ch.Dispatchable() {
		writeError(w, http.StatusBadRequest, "channel must be one of email, sms, whatsapp, voip", nil)
		return
	}

	content := body.Message.Content
	if body.Message.SurveyLink != "" && !strings.Contains(content, "{link}") {
		content = strings.TrimRight(content, " \n") + "\n\n{link}"
	}
	recipients := make([]dispatch.Recipient, 0, len(body.Recipients))
	for _, rc := range body.Recipients {
		recipients = append(recipients, dispatch.Recipient{Name: rc.Name, Contact: rc.Contact})
	}

	res, err := s.deps.Dispatcher.Handle(r.Context(), dispatch.Request{
		UserID:     body.UserID,
		SurveyID:   body.SurveyID,
		CampaignID: body.CampaignID,
		Channel:    ch,
		Recipients: recipients,
		Subject:    body.Message.Subject,
		Message:    content,
		SurveyLink: body.Message.SurveyLink,
	})
	if err != nil {
		s.writeDispatchError(w, err, body.UserID, ch)
		return
	}
	writeJSON(w, dispatchResponse{Response: res, CostDebited: money(res.CostDebited)})
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error, userID string, ch provider.Channel) {
	var funds *credit.InsufficientFundsError
	var limit *dispatch.DispatchLimitError
	switch {
	case errors.As(err, &funds):
		writeError(w, http.StatusPaymentRequired, msgNoFunds, map[string]any{
			"required":  money(funds.Required),
			"available": money(funds.Available),
		})
	case errors.As(err, &limit):
		writeError(w, http.StatusConflict, limit.Message, map[string]any{"remaining": limit.Remaining})
	case errors.Is(err, dispatch.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, dispatch.ErrNoProviders):
		s.logger.Warn("dispatch rejected", "user_id", userID, "channel", ch, "error", err)
		writeError(w, http.StatusBadRequest, msgNoProviders, nil)
	default:
		s.logger.Error("dispatch failed", "user_id", userID, "channel", ch, "error", err)
		s.metrics.Error("http")
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
	}
}

func (s *Server) handleDispatchLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	logs, err := s.deps.Logs.ListDispatchLogs(r.Context(), r.PathValue("campaignID"), queryLimit(r, defaultLogLimit))
	if err != nil {
		s.internalError(w, "list dispatch logs", err)
		return
	}
	out := make([]map[string]any, 0, len(logs))
	for _, l := range logs {
		out = append(out, map[string]any{
			"recipient": l.Contact,
			"name":      l.RecipientName,
			"channel":   l.Channel,
			"provider":  l.ProviderID,
			"status":    l.Status,
			"messageId": l.MessageID,
			"error":     l.Error,
			"unitCost":  money(l.UnitCost),
			"createdAt": l.CreatedAt,
		})
	}
	writeJSON(w, map[string]any{"campaignId": r.PathValue("campaignID"), "logs": out})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.deps.Registry != nil {
		channels := map[string][]map[string]any{}
		for _, ch := range provider.DispatchChannels {
			for _, p := range s.deps.Registry.Providers(ch) {
				channels[ch.String()] = append(channels[ch.String()], map[string]any{
					"id":        p.ID,
					"name":      p.Name,
					"priority":  p.Priority,
					"rateLimit": p.RateLimit,
					"active":    p.Active,
				})
			}
		}
		resp["dispatch"] = channels
	}
	if s.deps.Generator != nil {
		resp["ai"] = s.deps.Generator.Providers()
	}
	writeJSON(w, resp)
}

func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	s.quotaDecision(w, r, func(q Quotas, req demographicsRequest, d quota.Demographics) quota.CheckResult {
		return q.CheckQuota(r.Context(), req.SurveyID, d)
	})
}

func (s *Server) handleQuotaAdmit(w http.ResponseWriter, r *http.Request) {
	s.quotaDecision(w, r, func(q Quotas, req demographicsRequest, d quota.Demographics) quota.CheckResult {
		return q.Admit(r.Context(), req.SurveyID, d)
	})
}

func (s *Server) quotaDecision(w http.ResponseWriter, r *http.Request, decide func(Quotas, demographicsRequest, quota.Demographics) quota.CheckResult) {
	if s.deps.Quotas == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	req, d, ok := s.decodeDemographics(w, r)
	if !ok {
		return
	}
	writeJSON(w, decide(s.deps.Quotas, req, d))
}

func (s *Server) handleQuotaIncrement(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quotas == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	req, d, ok := s.decodeDemographics(w, r)
	if !ok {
		return
	}
	incremented, err := s.deps.Quotas.IncrementQuota(r.Context(), req.SurveyID, d)
	if err != nil {
		s.internalError(w, "increment quota", err)
		return
	}
	writeJSON(w, map[string]bool{"incremented": incremented})
}

func (s *Server) decodeDemographics(w http.ResponseWriter, r *http.Request) (demographicsRequest, quota.Demographics, bool) {
	var req demographicsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return req, quota.Demographics{}, false
	}
	d, err := quota.ParseDemographics(req.Gender, req.AgeRange, req.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return req, quota.Demographics{}, false
	}
	return req, d, true
}

func (s *Server) handleQuotaConfigure(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quotas == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	var req quotaConfigureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	category, err := quota.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	status, err := s.deps.Quotas.ConfigureQuota(r.Context(), r.PathValue("surveyID"), category, req.Option, req.Target)
	if err != nil {
		if errors.Is(err, quota.ErrInvalidDemographic) {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		s.internalError(w, "configure quota", err)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleQuotaList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quotas == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	quotas, err := s.deps.Quotas.ListQuotas(r.Context(), r.PathValue("surveyID"))
	if err != nil {
		s.internalError(w, "list quotas", err)
		return
	}
	writeJSON(w, map[string]any{"surveyId": r.PathValue("surveyID"), "quotas": quotas})
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quotas == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	var req quotaResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	category, err := quota.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.deps.Quotas.ResetQuota(r.Context(), r.PathValue("surveyID"), category, req.Option); err != nil {
		switch {
		case errors.Is(err, quota.ErrInvalidDemographic):
			writeError(w, http.StatusBadRequest, err.Error(), nil)
		case errors.Is(err, repo.ErrNotFound):
			writeError(w, http.StatusNotFound, "quota not found", nil)
		default:
			s.internalError(w, "reset quota", err)
		}
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleLimitCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quotas == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	var req limitCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	ch, err := provider.ParseChannel(req.Channel)
	if err != nil || !ch.Dispatchable() {
		writeError(w, http.StatusBadRequest, "channel must be one of email, sms, whatsapp, voip", nil)
		return
	}
	res, err := s.deps.Quotas.CheckDispatchLimit(r.Context(), req.SurveyID, ch, req.Count)
	if err != nil {
		s.internalError(w, "check dispatch limit", err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleLimitConfigure(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quotas == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	var req limitConfigureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	ch, err := provider.ParseChannel(req.Channel)
	if err != nil || !ch.Dispatchable() {
		writeError(w, http.StatusBadRequest, "channel must be one of email, sms, whatsapp, voip", nil)
		return
	}
	limit, err := s.deps.Quotas.ConfigureDispatchLimit(r.Context(), r.PathValue("surveyID"), ch, req.MaxDispatches)
	if err != nil {
		s.internalError(w, "configure dispatch limit", err)
		return
	}
	writeJSON(w, map[string]any{
		"surveyId":          limit.SurveyID,
		"channel":           limit.Channel,
		"maxDispatches":     limit.MaxDispatches,
		"currentDispatches": limit.CurrentDispatches,
		"remaining":         limit.Remaining(),
	})
}

func (s *Server) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	b, err := s.deps.Wallet.Balance(r.Context(), r.PathValue("userID"))
	if err != nil {
		s.internalError(w, "credit balance", err)
		return
	}
	writeJSON(w, balanceJSON(b))
}

func (s *Server) handleCreditTransactions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	txs, err := s.deps.Wallet.Transactions(r.Context(), r.PathValue("userID"), queryLimit(r, defaultLogLimit))
	if err != nil {
		s.internalError(w, "credit transactions", err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionJSON(&tx))
	}
	writeJSON(w, map[string]any{"userId": r.PathValue("userID"), "transactions": out})
}

func (s *Server) handleCreditVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	v, err := s.deps.Wallet.Verify(r.Context(), r.PathValue("userID"))
	if err != nil {
		s.internalError(w, "verify credits", err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleCreditPurchase(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	amount, err := config.ParseCents(req.Amount.String())
	if err != nil || amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal", nil)
		return
	}
	userID := r.PathValue("userID")
	tx, err := s.deps.Wallet.Purchase(r.Context(), userID, amount, req.ReferenceID)
	if err != nil {
		s.internalError(w, "purchase credits", err)
		return
	}
	s.logger.Info("credits purchased", "user_id", userID, "amount", amount)
	writeJSON(w, transactionJSON(tx))
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		return
	}
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	history := make([]ai.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, ai.Message{Role: m.Role, Content: m.Content})
	}

	gen, err := s.deps.Generator.Generate(r.Context(), ai.GenerateRequest{
		UserID:      req.UserID,
		System:      req.System,
		Prompt:      req.Prompt,
		History:     history,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		var funds *credit.InsufficientFundsError
		var exhausted *rotation.ExhaustedError
		switch {
		case errors.As(err, &funds):
			writeError(w, http.StatusPaymentRequired, msgNoFunds, map[string]any{
				"required":  money(funds.Required),
				"available": money(funds.Available),
			})
		case errors.Is(err, ai.ErrInvalidPrompt):
			writeError(w, http.StatusBadRequest, err.Error(), nil)
		case errors.Is(err, ai.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, msgUnavailable, nil)
		case errors.As(err, &exhausted):
			s.logger.Error("generation exhausted every provider", "error", err)
			writeError(w, http.StatusBadGateway, msgGenerateFail, nil)
		default:
			s.internalError(w, "generate", err)
		}
		return
	}
	writeJSON(w, map[string]any{
		"success":  true,
		"text":     gen.Text,
		"provider": gen.Provider,
		"model":    gen.Model,
		"attempts": gen.Attempts,
		"cost":     money(gen.Cost),
	})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	s.metrics.Error("http")
	writeError(w, http.StatusInternalServerError, msgInternal, nil)
}

func balanceJSON(b *repo.CreditBalance) map[string]any {
	return map[string]any{
		"userId":         b.UserID,
		"currentBalance": money(b.CurrentBalance),
		"totalPurchased": money(b.TotalPurchased),
		"totalSpent":     money(b.TotalSpent),
	}
}

func transactionJSON(tx *repo.CreditTransaction) map[string]any {
	return map[string]any{
		"id":           tx.ID,
		"type":         tx.Type,
		"amount":       money(tx.Amount),
		"balanceAfter": money(tx.BalanceAfter),
		"serviceType":  tx.ServiceType,
		"referenceId":  tx.ReferenceID,
		"description":  tx.Description,
		"createdAt":    tx.CreatedAt,
	}
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
