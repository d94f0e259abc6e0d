package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"survey-dispatch/internal/credit"
	"survey-dispatch/internal/ratelimit"
	"survey-dispatch/internal/repo"
	"survey-dispatch/internal/rotation"
	"survey-dispatch/internal/senders"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeKeys struct {
	mu   sync.Mutex
	keys map[string][]repo.APIKey
}

func newFakeKeys() *fakeKeys { return &fakeKeys{keys: map[string][]repo.APIKey{}} }

func (f *fakeKeys) SyncAPIKeys(_ context.Context, provider string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := map[string]bool{}
	for _, k := range f.keys[provider] {
		existing[k.Value] = true
	}
	for i, v := range keys {
		if existing[v] {
			continue
		}
		f.keys[provider] = append(f.keys[provider], repo.APIKey{ID: provider + "-" + v, Provider: provider, Value: v, Priority: i})
	}
	return nil
}

func (f *fakeKeys) ListActiveAPIKeys(_ context.Context, provider string) ([]repo.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repo.APIKey(nil), f.keys[provider]...), nil
}

func (f *fakeKeys) SetCooldownUntil(_ context.Context, id string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, list := range f.keys {
		for i := range list {
			if list[i].ID == id {
				u := until
				f.keys[p][i].CooldownUntil = &u
				return nil
			}
		}
	}
	return errors.New("unknown key")
}

func (f *fakeKeys) ClearCooldown(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, list := range f.keys {
		for i := range list {
			if list[i].ID == id {
				f.keys[p][i].CooldownUntil = nil
				return nil
			}
		}
	}
	return errors.New("unknown key")
}

func (f *fakeKeys) cooldown(provider, value string) *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys[provider] {
		if k.Value == value {
			return k.CooldownUntil
		}
	}
	return nil
}

type fakeWallet struct {
	balance int64
	debits  []int64
}

func (w *fakeWallet) Balance(context.Context, string) (*repo.CreditBalance, error) {
	return &repo.CreditBalance{CurrentBalance: w.balance}, nil
}

func (w *fakeWallet) Debit(_ context.Context, _ string, amount int64, serviceType, _ string) (*repo.CreditTransaction, error) {
	if serviceType != "ai_generation" {
		return nil, errors.New("unexpected service type " + serviceType)
	}
	w.balance -= amount
	w.debits = append(w.debits, amount)
	return &repo.CreditTransaction{Amount: -amount}, nil
}

// completionServer answers with status for every request and counts calls per bearer key.
func completionServer(t *testing.T, status int, text string, calls *sync.Map) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if calls != nil {
			v, _ := calls.LoadOrStore(key, new(int32))
			atomic.AddInt32(v.(*int32), 1)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": text}},
			},
			"usage": map[string]int{"total_tokens": 42},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func calledTimes(calls *sync.Map, key string) int32 {
	v, ok := calls.Load(key)
	if !ok {
		return 0
	}
	return atomic.LoadInt32(v.(*int32))
}

func TestGenerateFallsBackToPaidTier(t *testing.T) {
	calls := &sync.Map{}
	free := completionServer(t, http.StatusServiceUnavailable, "", calls)
	paid := completionServer(t, http.StatusOK, "Olá! Como posso ajudar?", calls)

	svc := NewService(Config{Tiers: []Tier{
		{Name: "groq", BaseURL: free.URL, Model: "llama", Keys: []string{"g1", "g2", "g3", "g4", "g5", "g6"}},
		{Name: "openai", BaseURL: paid.URL, Model: "gpt", Keys: []string{"paid"}},
	}}, nil, nil, nil, testLogger(), nil)

	gen, err := svc.Generate(context.Background(), GenerateRequest{System: "seja breve", Prompt: "oi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.Provider != "openai" || gen.Model != "gpt" {
		t.Fatalf("expected paid provider, got %+v", gen)
	}
	if gen.Attempts != 7 {
		t.Fatalf("expected 7 attempts, got %d", gen.Attempts)
	}
	if gen.Text != "Olá! Como posso ajudar?" || gen.Tokens != 42 {
		t.Fatalf("unexpected generation %+v", gen)
	}
	for _, k := range []string{"g1", "g2", "g3", "g4", "g5", "g6", "paid"} {
		if n := calledTimes(calls, k); n != 1 {
			t.Fatalf("key %s called %d times", k, n)
		}
	}
}

func TestGenerateExhaustedReportsLastFailure(t *testing.T) {
	free := completionServer(t, http.StatusServiceUnavailable, "", nil)
	paid := completionServer(t, http.StatusUnauthorized, "", nil)

	svc := NewService(Config{Tiers: []Tier{
		{Name: "groq", BaseURL: free.URL, Model: "llama", Keys: []string{"g1", "g2"}},
		{Name: "openai", BaseURL: paid.URL, Model: "gpt", Keys: []string{"paid"}},
	}}, nil, nil, nil, testLogger(), nil)

	_, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "oi"})
	var exhausted *rotation.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if len(exhausted.Failures) != 3 {
		t.Fatalf("expected 3 failures, got %d", len(exhausted.Failures))
	}
	if !errors.Is(err, senders.ErrInvalidCredential) {
		t.Fatalf("expected last failure to be the credential error, got %v", err)
	}
	if !strings.Contains(err.Error(), "openai") {
		t.Fatalf("error should name the last provider: %v", err)
	}
}

func TestGenerateCoolsDownRateLimitedKey(t *testing.T) {
	calls := &sync.Map{}
	limited := completionServer(t, http.StatusTooManyRequests, "", calls)
	paid := completionServer(t, http.StatusOK, "ok", calls)

	keys := newFakeKeys()
	svc := NewService(Config{
		Cooldown: time.Minute,
		Tiers: []Tier{
			{Name: "groq", BaseURL: limited.URL, Model: "llama", Keys: []string{"g1"}},
			{Name: "openai", BaseURL: paid.URL, Model: "gpt", Keys: []string{"paid"}},
		},
	}, nil, keys, nil, testLogger(), nil)
	if err := svc.SyncKeys(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "oi"}); err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
	}
	if n := calledTimes(calls, "g1"); n != 1 {
		t.Fatalf("cooling key should be skipped on the second request, called %d times", n)
	}
	if keys.cooldown("groq", "g1") == nil {
		t.Fatalf("rate limited key should have a cooldown")
	}
	if n := calledTimes(calls, "paid"); n != 2 {
		t.Fatalf("expected paid key twice, got %d", n)
	}

	// Once the cooldown passes the key is tried again.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "oi"}); err != nil {
		t.Fatalf("generate after cooldown: %v", err)
	}
	if n := calledTimes(calls, "g1"); n != 2 {
		t.Fatalf("expected key retried after cooldown, called %d times", n)
	}
}

func TestGenerateSkipsRateLimitedBackend(t *testing.T) {
	calls := &sync.Map{}
	srv := completionServer(t, http.StatusOK, "ok", calls)

	limiter := ratelimit.NewMemory(ratelimit.SystemClock{})
	svc := NewService(Config{Tiers: []Tier{
		{Name: "groq", BaseURL: srv.URL, Model: "llama", Keys: []string{"g1", "g2"}, RateLimit: 1},
	}}, limiter, nil, nil, testLogger(), nil)

	for i := 0; i < 2; i++ {
		if _, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "oi"}); err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
	}
	if calledTimes(calls, "g1") != 1 || calledTimes(calls, "g2") != 1 {
		t.Fatalf("expected one call per key, got g1=%d g2=%d", calledTimes(calls, "g1"), calledTimes(calls, "g2"))
	}
}

func TestGenerateChargesCredits(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "ok", nil)
	wallet := &fakeWallet{balance: 10}
	svc := NewService(Config{Price: 4, Tiers: []Tier{
		{Name: "groq", BaseURL: srv.URL, Model: "llama", Keys: []string{"g1"}},
	}}, nil, nil, wallet, testLogger(), nil)

	gen, err := svc.Generate(context.Background(), GenerateRequest{UserID: "u1", Prompt: "oi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.Cost != 4 || wallet.balance != 6 {
		t.Fatalf("expected cost 4 and balance 6, got cost %d balance %d", gen.Cost, wallet.balance)
	}

	wallet.balance = 3
	_, err = svc.Generate(context.Background(), GenerateRequest{UserID: "u1", Prompt: "oi"})
	var funds *credit.InsufficientFundsError
	if !errors.As(err, &funds) || funds.Required != 4 || funds.Available != 3 {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if len(wallet.debits) != 1 {
		t.Fatalf("expected a single debit, got %v", wallet.debits)
	}
}

func TestGenerateValidation(t *testing.T) {
	svc := NewService(Config{}, nil, nil, nil, testLogger(), nil)
	if _, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "  "}); !errors.Is(err, ErrInvalidPrompt) {
		t.Fatalf("expected invalid prompt, got %v", err)
	}
	if _, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "oi"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestProvidersOrder(t *testing.T) {
	svc := NewService(Config{Tiers: []Tier{
		{Name: "groq", BaseURL: "http://groq", Keys: []string{"a", "", "b"}},
		{Name: "openai", BaseURL: "http://openai", Keys: []string{"c"}},
		{Name: "openrouter", BaseURL: "http://router"},
	}}, nil, nil, nil, testLogger(), nil)

	got := svc.Providers()
	want := []string{"groq-1", "groq-3", "openai"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %+v", want, got)
	}
	for i, p := range got {
		if p.ID != want[i] || p.Priority != i {
			t.Fatalf("provider %d: got %+v", i, p)
		}
	}
}
