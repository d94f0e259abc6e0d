package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"survey-dispatch/internal/metrics"
	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/repo"
)

type fakeStore struct {
	quotas map[repo.QuotaKey]*repo.Quota
	limits map[string]*repo.DispatchLimit
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{quotas: map[repo.QuotaKey]*repo.Quota{}, limits: map[string]*repo.DispatchLimit{}}
}

func (f *fakeStore) ListQuotas(ctx context.Context, surveyID string) ([]repo.Quota, error) {
	if f.err != nil {
		return nil, f.err
	}
	var res []repo.Quota
	for _, q := range f.quotas {
		res = append(res, *q)
	}
	return res, nil
}

func (f *fakeStore) GetQuotas(ctx context.Context, surveyID string, keys []repo.QuotaKey) ([]repo.Quota, error) {
	if f.err != nil {
		return nil, f.err
	}
	var res []repo.Quota
	for _, k := range keys {
		if q, ok := f.quotas[k]; ok {
			res = append(res, *q)
		}
	}
	return res, nil
}

func (f *fakeStore) UpsertQuota(ctx context.Context, t repo.QuotaTarget) (*repo.Quota, error) {
	k := repo.QuotaKey{Category: t.Category, Option: t.Option}
	q, ok := f.quotas[k]
	if !ok {
		q = &repo.Quota{SurveyID: t.SurveyID, Category: t.Category, Option: t.Option}
		f.quotas[k] = q
	}
	q.TargetCount = t.Target
	return q, nil
}

func (f *fakeStore) AdmitQuota(ctx context.Context, surveyID string, keys []repo.QuotaKey) (*repo.QuotaAdmission, error) {
	if f.err != nil {
		return nil, f.err
	}
	adm := &repo.QuotaAdmission{Admitted: true}
	for _, k := range keys {
		if q, ok := f.quotas[k]; ok && q.Full() {
			adm.Admitted = false
			adm.Full = append(adm.Full, k)
		}
	}
	for _, k := range keys {
		q, ok := f.quotas[k]
		if !ok {
			continue
		}
		if adm.Admitted {
			q.CurrentCount++
			q.IsComplete = q.IsComplete || q.CurrentCount >= q.TargetCount
		}
		adm.Quotas = append(adm.Quotas, *q)
	}
	return adm, nil
}

func (f *fakeStore) ResetQuota(ctx context.Context, surveyID string, key repo.QuotaKey) error {
	q, ok := f.quotas[key]
	if !ok {
		return repo.ErrNotFound
	}
	q.CurrentCount = 0
	q.IsComplete = false
	return nil
}

func (f *fakeStore) GetDispatchLimit(ctx context.Context, surveyID, channel string) (*repo.DispatchLimit, error) {
	if f.err != nil {
		return nil, f.err
	}
	l, ok := f.limits[channel]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return l, nil
}

func (f *fakeStore) UpsertDispatchLimit(ctx context.Context, surveyID, channel string, max int) (*repo.DispatchLimit, error) {
	l := &repo.DispatchLimit{SurveyID: surveyID, Channel: channel, MaxDispatches: max}
	f.limits[channel] = l
	return l, nil
}

func newTestEngine(store Store) (*Engine, *metrics.Metrics) {
	m := metrics.NewUnregistered("test")
	return NewEngine(store, slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

func TestParseDemographics(t *testing.T) {
	d, err := ParseDemographics("feminino", "25-34", "  Recife ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Gender != "Feminino" || d.Location != "Recife" {
		t.Fatalf("unexpected demographics %+v", d)
	}
	if len(d.Buckets()) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(d.Buckets()))
	}

	if _, err := ParseDemographics("alien", "", ""); !errors.Is(err, ErrInvalidDemographic) {
		t.Fatalf("expected invalid gender, got %v", err)
	}
	if _, err := ParseDemographics("", "17-20", ""); !errors.Is(err, ErrInvalidDemographic) {
		t.Fatalf("expected invalid age range, got %v", err)
	}

	empty, _ := ParseDemographics("", "", "")
	if len(empty.Buckets()) != 0 {
		t.Fatal("empty profile must not produce buckets")
	}
}

func TestCheckQuotaANDSemantics(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store)
	ctx := context.Background()
	mustConfigure(t, e, CategoryGender, "Feminino", 10)
	mustConfigure(t, e, CategoryAgeRange, "25-34", 2)
	store.quotas[repo.QuotaKey{Category: "age_range", Option: "25-34"}].CurrentCount = 2

	d, _ := ParseDemographics("Feminino", "25-34", "Recife")
	res := e.CheckQuota(ctx, "s1", d)
	if res.Allowed {
		t.Fatal("full age bucket must reject")
	}
	if !res.Quotas[CategoryAgeRange].Full || res.Quotas[CategoryGender].Full {
		t.Fatalf("unexpected bucket states %+v", res.Quotas)
	}
	if _, ok := res.Quotas[CategoryLocation]; ok {
		t.Fatal("unconfigured location must not be reported")
	}
	if res.Message == "" {
		t.Fatal("rejection needs a message")
	}
	if got := res.Quotas[CategoryGender]; got.Remaining != 10 || got.Percent != 0 {
		t.Fatalf("gender bucket %+v", got)
	}
}

func TestCheckQuotaZeroTargetIsFull(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store)
	mustConfigure(t, e, CategoryGender, "Outro", 0)

	d, _ := ParseDemographics("Outro", "", "")
	res := e.CheckQuota(context.Background(), "s1", d)
	if res.Allowed {
		t.Fatal("zero target must reject")
	}
	if res.Quotas[CategoryGender].Percent != 100 {
		t.Fatalf("percent = %v", res.Quotas[CategoryGender].Percent)
	}
}

func TestAdmitLastSlotThenReject(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store)
	ctx := context.Background()
	mustConfigure(t, e, CategoryGender, "Masculino", 1)

	d, _ := ParseDemographics("Masculino", "", "")
	first := e.Admit(ctx, "s1", d)
	if !first.Allowed {
		t.Fatalf("first admission rejected: %+v", first)
	}
	if !first.Quotas[CategoryGender].Complete {
		t.Fatal("bucket should be complete after its last slot")
	}
	second := e.Admit(ctx, "s1", d)
	if second.Allowed {
		t.Fatal("second admission must be rejected")
	}
}

func TestStoreFailureFailsOpen(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	e, _ := newTestEngine(store)
	d, _ := ParseDemographics("Feminino", "", "")

	res := e.Admit(context.Background(), "s1", d)
	if !res.Allowed || !res.FailOpen {
		t.Fatalf("expected fail-open admission, got %+v", res)
	}
	res = e.CheckQuota(context.Background(), "s1", d)
	if !res.Allowed || !res.FailOpen {
		t.Fatalf("expected fail-open check, got %+v", res)
	}
	if _, err := e.IncrementQuota(context.Background(), "s1", d); err == nil {
		t.Fatal("increment must surface store errors")
	}
}

func TestIncrementQuotaNeverOvershoots(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store)
	mustConfigure(t, e, CategoryAgeRange, "65+", 1)
	d, _ := ParseDemographics("", "65+", "")

	ok, err := e.IncrementQuota(context.Background(), "s1", d)
	if err != nil || !ok {
		t.Fatalf("first increment: %v %v", ok, err)
	}
	ok, err = e.IncrementQuota(context.Background(), "s1", d)
	if err != nil || ok {
		t.Fatalf("second increment: %v %v", ok, err)
	}
	if c := store.quotas[repo.QuotaKey{Category: "age_range", Option: "65+"}].CurrentCount; c != 1 {
		t.Fatalf("count = %d", c)
	}
}

func TestResetQuotaReopensBucket(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store)
	ctx := context.Background()
	mustConfigure(t, e, CategoryLocation, "Recife", 1)
	d, _ := ParseDemographics("", "", "Recife")
	e.Admit(ctx, "s1", d)

	if err := e.ResetQuota(ctx, "s1", CategoryLocation, "Recife"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res := e.Admit(ctx, "s1", d); !res.Allowed {
		t.Fatal("reset bucket should admit again")
	}
}

func TestRaisedTargetKeepsCompleteBucketClosed(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store)
	ctx := context.Background()
	mustConfigure(t, e, CategoryGender, "Feminino", 1)
	d, _ := ParseDemographics("Feminino", "", "")
	if res := e.Admit(ctx, "s1", d); !res.Allowed {
		t.Fatalf("first admission rejected: %+v", res)
	}

	mustConfigure(t, e, CategoryGender, "Feminino", 3)
	res := e.CheckQuota(ctx, "s1", d)
	st := res.Quotas[CategoryGender]
	if res.Allowed || !st.Full || !st.Complete || st.Remaining != 0 {
		t.Fatalf("complete bucket reported open after target change: %+v", st)
	}
	if res := e.Admit(ctx, "s1", d); res.Allowed {
		t.Fatal("complete bucket admitted after target change")
	}
}

func TestConfigureQuotaValidates(t *testing.T) {
	e, _ := newTestEngine(newFakeStore())
	if _, err := e.ConfigureQuota(context.Background(), "s1", CategoryGender, "Desconhecido", 5); !errors.Is(err, ErrInvalidDemographic) {
		t.Fatalf("expected invalid option, got %v", err)
	}
	if _, err := e.ConfigureQuota(context.Background(), "s1", CategoryGender, "Outro", -1); err == nil {
		t.Fatal("negative target accepted")
	}
}

func TestCheckDispatchLimit(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store)
	ctx := context.Background()

	res, err := e.CheckDispatchLimit(ctx, "s1", provider.ChannelSMS, 1000)
	if err != nil || !res.Allowed || !res.Unlimited {
		t.Fatalf("missing limit should be unlimited: %+v %v", res, err)
	}

	if _, err := e.ConfigureDispatchLimit(ctx, "s1", provider.ChannelSMS, 10); err != nil {
		t.Fatalf("configure: %v", err)
	}
	store.limits["sms"].CurrentDispatches = 8

	res, err = e.CheckDispatchLimit(ctx, "s1", provider.ChannelSMS, 3)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed || res.Remaining != 2 || res.Message == "" {
		t.Fatalf("expected rejection with 2 remaining, got %+v", res)
	}
	res, _ = e.CheckDispatchLimit(ctx, "s1", provider.ChannelSMS, 2)
	if !res.Allowed {
		t.Fatalf("exact fit should be allowed: %+v", res)
	}

	if _, err := e.ConfigureDispatchLimit(ctx, "s1", provider.ChannelAI, 5); err == nil {
		t.Fatal("ai channel has no dispatch limit")
	}
}

func mustConfigure(t *testing.T, e *Engine, c Category, option string, target int) {
	t.Helper()
	if _, err := e.ConfigureQuota(context.Background(), "s1", c, option, target); err != nil {
		t.Fatalf("configure %s/%s: %v", c, option, err)
	}
}
