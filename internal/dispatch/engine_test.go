package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"survey-dispatch/internal/credit"
	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/quota"
	"survey-dispatch/internal/ratelimit"
	"survey-dispatch/internal/repo"
	"survey-dispatch/internal/senders"
	"survey-dispatch/migrations"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []provider.Message
	fail  func(provider.Message) error
}

func (f *fakeSender) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if f.fail != nil {
		if err := f.fail(msg); err != nil {
			return nil, err
		}
	}
	return &provider.Receipt{MessageID: fmt.Sprintf("m%d", len(f.calls))}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	engine   *Engine
	repo     *repo.SQLiteRepository
	ledger   *credit.Ledger
	registry *provider.Registry
}

func newHarness(t *testing.T, providers ...provider.Provider) *harness {
	t.Helper()
	return newHarnessWithBase(t, "https://pesquisa.example.com", providers...)
}

func newHarnessWithBase(t *testing.T, surveyBaseURL string, providers ...provider.Provider) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "dispatch.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	registry := provider.NewRegistry(ratelimit.NewMemory(ratelimit.SystemClock{}), logger)
	for _, p := range providers {
		registry.Register(p)
	}
	ledger := credit.NewLedger(r, logger, nil)
	quotas := quota.NewEngine(r, logger, nil)
	pricing := credit.NewPricing(map[provider.Channel]int64{
		provider.ChannelSMS:   15,
		provider.ChannelEmail: 5,
	})
	links := NewLinker(surveyBaseURL, r, nil, logger)
	engine := NewEngine(registry, ledger, quotas, r, links, Config{Pricing: pricing}, logger, nil)
	return &harness{engine: engine, repo: r, ledger: ledger, registry: registry}
}

func smsProvider(id string, priority, limit int, s provider.Sender) provider.Provider {
	return provider.Provider{ID: id, Name: id, Channel: provider.ChannelSMS, Priority: priority, RateLimit: limit, Active: true, Sender: s}
}

func fund(t *testing.T, h *harness, amount int64) {
	t.Helper()
	if _, err := h.ledger.Purchase(context.Background(), "u1", amount, ""); err != nil {
		t.Fatalf("purchase: %v", err)
	}
}

func recipients(contacts ...string) []Recipient {
	out := make([]Recipient, 0, len(contacts))
	for i, c := range contacts {
		out = append(out, Recipient{Name: fmt.Sprintf("R%d", i), Contact: c})
	}
	return out
}

func TestInsufficientFundsContactsNoProvider(t *testing.T) {
	s := &fakeSender{}
	h := newHarness(t, smsProvider("sms-gw", 1, 0, s))
	fund(t, h, 10)

	_, err := h.engine.Handle(context.Background(), Request{
		UserID: "u1", CampaignID: "c1", Channel: provider.ChannelSMS,
		Recipients: recipients("11999990000"), Message: "Oi {name}",
	})
	var funds *credit.InsufficientFundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if funds.Required != 15 || funds.Available != 10 {
		t.Fatalf("unexpected amounts %+v", funds)
	}
	if s.count() != 0 {
		t.Fatalf("provider contacted %d times", s.count())
	}
	logs, _ := h.repo.ListDispatchLogs(context.Background(), "c1", 10)
	if len(logs) != 0 {
		t.Fatalf("unexpected audit rows %d", len(logs))
	}
}

func TestHandleDebitsOnceAndIsolatesRecipients(t *testing.T) {
	s := &fakeSender{}
	h := newHarness(t, smsProvider("sms-gw", 1, 0, s))
	fund(t, h, 100)

	resp, err := h.engine.Handle(context.Background(), Request{
		UserID: "u1", CampaignID: "c1", Channel: provider.ChannelSMS,
		Recipients: recipients("(11) 99999-0001", "123", "11999990003"), Message: "Oi {name}",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.TotalRecipients != 3 || resp.SuccessCount != 2 || resp.FailedCount != 1 {
		t.Fatalf("unexpected counts %+v", resp)
	}
	if resp.SuccessCount+resp.FailedCount != resp.TotalRecipients {
		t.Fatal("sent + failed must equal total")
	}
	if resp.Results[1].Status != StatusError {
		t.Fatalf("invalid contact status = %s", resp.Results[1].Status)
	}
	if resp.CostDebited != 45 {
		t.Fatalf("cost = %d", resp.CostDebited)
	}
	if s.calls[0].Body != "Oi R0" || s.calls[0].Contact != "5511999990001" {
		t.Fatalf("unexpected message %+v", s.calls[0])
	}

	b, _ := h.ledger.Balance(context.Background(), "u1")
	if b.CurrentBalance != 55 {
		t.Fatalf("balance = %d", b.CurrentBalance)
	}
	txs, _ := h.ledger.Transactions(context.Background(), "u1", 0)
	if len(txs) != 2 {
		t.Fatalf("expected purchase + one deduction, got %d entries", len(txs))
	}
	logs, _ := h.repo.ListDispatchLogs(context.Background(), "c1", 10)
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(logs))
	}
}

func TestFallbackToNextProvider(t *testing.T) {
	broken := &fakeSender{fail: func(provider.Message) error { return errors.New("503 upstream") }}
	backup := &fakeSender{}
	h := newHarness(t, smsProvider("primary", 1, 0, broken), smsProvider("backup", 2, 0, backup))

	res := h.engine.DispatchSingle(context.Background(), provider.ChannelSMS, Recipient{Contact: "11999990000"}, Template{Body: "x"}, Meta{CampaignID: "c1"})
	if res.Status != StatusSent || res.Provider != "backup" || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if broken.count() != 1 || backup.count() != 1 {
		t.Fatalf("calls primary=%d backup=%d", broken.count(), backup.count())
	}
}

func TestExhaustedProvidersFail(t *testing.T) {
	a := &fakeSender{fail: func(provider.Message) error { return errors.New("timeout") }}
	b := &fakeSender{fail: func(provider.Message) error { return errors.New("quota exceeded upstream") }}
	h := newHarness(t, smsProvider("a", 1, 0, a), smsProvider("b", 2, 0, b))

	res := h.engine.DispatchSingle(context.Background(), provider.ChannelSMS, Recipient{Contact: "11999990000"}, Template{Body: "x"}, Meta{})
	if res.Status != StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Err() == nil || !strings.Contains(res.Err().Error(), "quota exceeded upstream") {
		t.Fatalf("error should reference the last failure: %v", res.Err())
	}
}

func TestInvalidRecipientStopsChain(t *testing.T) {
	a := &fakeSender{fail: func(provider.Message) error {
		return fmt.Errorf("%w: not on whatsapp", provider.ErrInvalidRecipient)
	}}
	b := &fakeSender{}
	h := newHarness(t, smsProvider("a", 1, 0, a), smsProvider("b", 2, 0, b))

	res := h.engine.DispatchSingle(context.Background(), provider.ChannelSMS, Recipient{Contact: "11999990000"}, Template{Body: "x"}, Meta{})
	if res.Status != StatusError {
		t.Fatalf("status = %s", res.Status)
	}
	if b.count() != 0 {
		t.Fatal("fatal failure must not try the next provider")
	}
}

func TestWebhookFailureFallsThroughToDirectProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid number in workflow"}`))
	}))
	defer srv.Close()

	direct := &fakeSender{}
	h := newHarness(t,
		smsProvider("n8n-sms", 0, 0, senders.NewWebhook(srv.URL, srv.Client())),
		smsProvider("sms-gw", 10, 0, direct),
	)

	res := h.engine.DispatchSingle(context.Background(), provider.ChannelSMS, Recipient{Contact: "11999990000"}, Template{Body: "x"}, Meta{CampaignID: "c1"})
	if res.Status != StatusSent || res.Provider != "sms-gw" || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if direct.count() != 1 {
		t.Fatalf("direct provider called %d times", direct.count())
	}
}

func TestRateLimitedProviderIsSkipped(t *testing.T) {
	primary := &fakeSender{}
	backup := &fakeSender{}
	h := newHarness(t, smsProvider("primary", 1, 1, primary), smsProvider("backup", 2, 0, backup))

	bulk := h.engine.DispatchBulk(context.Background(), provider.ChannelSMS, recipients("11999990001", "11999990002"), Template{Body: "x"}, Meta{})
	if bulk.Sent != 2 {
		t.Fatalf("sent = %d", bulk.Sent)
	}
	if bulk.Results[0].Provider != "primary" || bulk.Results[1].Provider != "backup" {
		t.Fatalf("unexpected providers %s, %s", bulk.Results[0].Provider, bulk.Results[1].Provider)
	}
	if primary.count() != 1 {
		t.Fatalf("rate limited provider called %d times", primary.count())
	}
}

func TestDispatchLimitCostsNothing(t *testing.T) {
	s := &fakeSender{}
	h := newHarness(t, smsProvider("sms-gw", 1, 0, s))
	fund(t, h, 1000)
	if _, err := h.repo.UpsertDispatchLimit(context.Background(), "s1", "sms", 2); err != nil {
		t.Fatalf("limit: %v", err)
	}

	_, err := h.engine.Handle(context.Background(), Request{
		UserID: "u1", SurveyID: "s1", Channel: provider.ChannelSMS,
		Recipients: recipients("11999990001", "11999990002", "11999990003"), Message: "x",
	})
	var limitErr *DispatchLimitError
	if !errors.As(err, &limitErr) || limitErr.Remaining != 2 {
		t.Fatalf("expected dispatch limit error, got %v", err)
	}
	if !errors.Is(err, repo.ErrDispatchLimitExceeded) {
		t.Fatal("dispatch limit error should match the sentinel")
	}
	b, _ := h.ledger.Balance(context.Background(), "u1")
	if b.CurrentBalance != 1000 || s.count() != 0 {
		t.Fatalf("rejected request had side effects: balance=%d calls=%d", b.CurrentBalance, s.count())
	}

	resp, err := h.engine.Handle(context.Background(), Request{
		UserID: "u1", SurveyID: "s1", Channel: provider.ChannelSMS,
		Recipients: recipients("11999990001", "11999990002"), Message: "x",
	})
	if err != nil || resp.SuccessCount != 2 {
		t.Fatalf("within limit: %+v %v", resp, err)
	}
	limit, _ := h.repo.GetDispatchLimit(context.Background(), "s1", "sms")
	if limit.CurrentDispatches != 2 {
		t.Fatalf("current dispatches = %d", limit.CurrentDispatches)
	}
}

func TestNoProvidersIsRejectedBeforeCharge(t *testing.T) {
	h := newHarness(t)
	fund(t, h, 100)
	_, err := h.engine.Handle(context.Background(), Request{
		UserID: "u1", Channel: provider.ChannelVoIP, Recipients: recipients("11999990001"), Message: "x",
	})
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
	b, _ := h.ledger.Balance(context.Background(), "u1")
	if b.CurrentBalance != 100 {
		t.Fatalf("balance = %d", b.CurrentBalance)
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t)
	cases := []Request{
		{UserID: "u1", Channel: provider.ChannelAI, Recipients: recipients("x"), Message: "x"},
		{UserID: "u1", Channel: provider.ChannelSMS, Message: "x"},
		{UserID: "u1", Channel: provider.ChannelSMS, Recipients: recipients("11999990001")},
		{Channel: provider.ChannelSMS, Recipients: recipients("11999990001"), Message: "x"},
	}
	for i, req := range cases {
		if _, err := h.engine.Handle(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}

func TestLinkIsReusedPerCampaignContact(t *testing.T) {
	s := &fakeSender{}
	h := newHarness(t, provider.Provider{ID: "brevo", Channel: provider.ChannelEmail, Priority: 1, Active: true, Sender: s})
	tmpl := Template{Subject: "Pesquisa", Body: "Responda: {link}"}
	meta := Meta{CampaignID: "c1", SurveyID: "s1"}
	rcpt := Recipient{Name: "Ana", Contact: "ana@example.com"}

	h.engine.DispatchSingle(context.Background(), provider.ChannelEmail, rcpt, tmpl, meta)
	h.engine.DispatchSingle(context.Background(), provider.ChannelEmail, rcpt, tmpl, meta)
	if s.count() != 2 {
		t.Fatalf("calls = %d", s.count())
	}
	if s.calls[0].Body != s.calls[1].Body {
		t.Fatalf("link changed between dispatches: %q vs %q", s.calls[0].Body, s.calls[1].Body)
	}
	if !strings.HasPrefix(s.calls[0].Body, "Responda: https://pesquisa.example.com/s/s1?t=") {
		t.Fatalf("unexpected body %q", s.calls[0].Body)
	}

	other := h.engine.DispatchSingle(context.Background(), provider.ChannelEmail, Recipient{Contact: "bia@example.com"}, tmpl, meta)
	if other.Status != StatusSent || s.calls[2].Body == s.calls[0].Body {
		t.Fatal("each contact needs its own link")
	}
}

func TestUnusableLinkIsRejectedBeforeCharge(t *testing.T) {
	s := &fakeSender{}
	h := newHarnessWithBase(t, "", smsProvider("sms-gw", 1, 0, s))
	fund(t, h, 100)

	reqs := []Request{
		{UserID: "u1", CampaignID: "c1", Channel: provider.ChannelSMS,
			Recipients: recipients("11999990001", "11999990002", "11999990003"), Message: "Responda {link}"},
		{UserID: "u1", CampaignID: "c1", Channel: provider.ChannelSMS,
			Recipients: recipients("11999990001"), Message: "Responda {link}", SurveyLink: "pesquisa sem url"},
	}
	for i, req := range reqs {
		_, err := h.engine.Handle(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) || !errors.Is(err, ErrLinkUnavailable) {
			t.Fatalf("case %d: expected unavailable link error, got %v", i, err)
		}
	}
	b, _ := h.ledger.Balance(context.Background(), "u1")
	if b.CurrentBalance != 100 || s.count() != 0 {
		t.Fatalf("rejected request had side effects: balance=%d calls=%d", b.CurrentBalance, s.count())
	}
	logs, _ := h.repo.ListDispatchLogs(context.Background(), "c1", 10)
	if len(logs) != 0 {
		t.Fatalf("unexpected audit rows %d", len(logs))
	}
}

func TestSurveyLinkGetsPersonalToken(t *testing.T) {
	s := &fakeSender{}
	h := newHarnessWithBase(t, "", smsProvider("sms-gw", 1, 0, s))
	fund(t, h, 100)

	resp, err := h.engine.Handle(context.Background(), Request{
		UserID: "u1", CampaignID: "c1", Channel: provider.ChannelSMS,
		Recipients: recipients("11999990001", "11999990002"),
		Message:    "Responda {link}", SurveyLink: "https://forms.example.com/p/1?src=sms",
	})
	if err != nil || resp.SuccessCount != 2 {
		t.Fatalf("handle: %+v %v", resp, err)
	}
	for _, c := range s.calls {
		if !strings.HasPrefix(c.Body, "Responda https://forms.example.com/p/1?src=sms&t=") {
			t.Fatalf("unexpected body %q", c.Body)
		}
	}
	if s.calls[0].Body == s.calls[1].Body {
		t.Fatal("each recipient needs its own link")
	}
}

func TestCancelledContextKeepsCountsConsistent(t *testing.T) {
	s := &fakeSender{}
	h := newHarness(t, smsProvider("sms-gw", 1, 0, s))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bulk := h.engine.DispatchBulk(ctx, provider.ChannelSMS, recipients("11999990001", "11999990002"), Template{Body: "x"}, Meta{})
	if bulk.Sent+bulk.Failed != bulk.Total || bulk.Sent != 0 {
		t.Fatalf("unexpected bulk %+v", bulk)
	}
}

func TestRender(t *testing.T) {
	if got := Render("Olá {name}, {link}", "", "https://x"); got != "Olá participante, https://x" {
		t.Fatalf("render = %q", got)
	}
}
