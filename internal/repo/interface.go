package repo

import (
	"context"
	"io/fs"
	"sort"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Quotas
	ListQuotas(ctx context.Context, surveyID string) ([]Quota, error)
	GetQuotas(ctx context.Context, surveyID string, keys []QuotaKey) ([]Quota, error)
	UpsertQuota(ctx context.Context, target QuotaTarget) (*Quota, error)
	AdmitQuota(ctx context.Context, surveyID string, keys []QuotaKey) (*QuotaAdmission, error)
	ResetQuota(ctx context.Context, surveyID string, key QuotaKey) error

	// Dispatch limits
	GetDispatchLimit(ctx context.Context, surveyID, channel string) (*DispatchLimit, error)
	UpsertDispatchLimit(ctx context.Context, surveyID, channel string, max int) (*DispatchLimit, error)

	// Credits
	GetCreditBalance(ctx context.Context, userID string) (*CreditBalance, error)
	DebitCredits(ctx context.Context, debit Debit) (*CreditTransaction, error)
	AddCredits(ctx context.Context, grant CreditGrant) (*CreditTransaction, error)
	ChargeDispatch(ctx context.Context, charge DispatchCharge) (*CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)

	// Dispatch audit and links
	InsertDispatchLog(ctx context.Context, log DispatchLog) error
	ListDispatchLogs(ctx context.Context, campaignID string, limit int) ([]DispatchLog, error)
	GetOrCreateSurveyLink(ctx context.Context, link SurveyLink) (*SurveyLink, bool, error)

	// API keys
	SyncAPIKeys(ctx context.Context, provider string, keys []string) error
	ListActiveAPIKeys(ctx context.Context, provider string) ([]APIKey, error)
	ClearCooldown(ctx context.Context, id string) error
	SetCooldownUntil(ctx context.Context, id string, until time.Time) error
}

// sortedKeys returns a deduplicated copy of keys in a fixed order so
// concurrent admissions lock rows in the same sequence.
func sortedKeys(keys []QuotaKey) []QuotaKey {
	seen := make(map[QuotaKey]struct{}, len(keys))
	out := make([]QuotaKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Option < out[j].Option
	})
	return out
}

func admissionFrom(admitted bool, keys []QuotaKey, quotas []Quota) *QuotaAdmission {
	res := &QuotaAdmission{Admitted: admitted, Quotas: quotas}
	if admitted {
		return res
	}
	// Report buckets that were full before this attempt.
	byKey := make(map[QuotaKey]Quota, len(quotas))
	for _, q := range quotas {
		byKey[q.Key()] = q
	}
	for _, k := range keys {
		if q, ok := byKey[k]; ok && q.Full() {
			res.Full = append(res.Full, k)
		}
	}
	return res
}
