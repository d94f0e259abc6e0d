package repo

import "time"

// Credit transaction types.
const (
	TxPurchase  = "purchase"
	TxDeduction = "deduction"
	TxBonus     = "bonus"
)

// QuotaKey identifies one demographic bucket of a survey.
type QuotaKey struct {
	Category string
	Option   string
}

// Quota is the target and progress of one demographic bucket.
type Quota struct {
	ID           string
	SurveyID     string
	Category     string
	Option       string
	TargetCount  int
	CurrentCount int
	IsComplete   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the bucket key of q.
func (q Quota) Key() QuotaKey {
	return QuotaKey{Category: q.Category, Option: q.Option}
}

// Full reports whether the bucket accepts no more responses. A completed
// bucket stays full after its target is raised until it is reset.
func (q Quota) Full() bool {
	return q.IsComplete || q.CurrentCount >= q.TargetCount
}

// QuotaTarget configures a bucket.
type QuotaTarget struct {
	SurveyID string
	Category string
	Option   string
	Target   int
}

// QuotaAdmission is the result of an atomic admission attempt. Quotas holds
// the state of every configured bucket that was requested, read after the
// attempt; keys without a configured bucket are absent.
type QuotaAdmission struct {
	Admitted bool
	Full     []QuotaKey
	Quotas   []Quota
}

// DispatchLimit caps the messages a survey may send on one channel.
type DispatchLimit struct {
	ID                string
	SurveyID          string
	Channel           string
	MaxDispatches     int
	CurrentDispatches int
	UpdatedAt         time.Time
}

// Remaining returns how many dispatches are still allowed.
func (l DispatchLimit) Remaining() int {
	if rem := l.MaxDispatches - l.CurrentDispatches; rem > 0 {
		return rem
	}
	return 0
}

// CreditBalance is a user's credit account. Amounts are in centavos.
type CreditBalance struct {
	UserID         string
	CurrentBalance int64
	TotalPurchased int64
	TotalSpent     int64
	UpdatedAt      time.Time
}

// CreditTransaction is one append-only ledger entry. Amount is signed:
// negative for deductions.
type CreditTransaction struct {
	ID           string
	UserID       string
	Type         string
	Amount       int64
	BalanceAfter int64
	ServiceType  string
	ReferenceID  string
	Description  string
	CreatedAt    time.Time
}

// Debit describes a conditional balance deduction.
type Debit struct {
	UserID      string
	Amount      int64
	ServiceType string
	ReferenceID string
	Description string
}

// CreditGrant adds credits through a purchase or a bonus.
type CreditGrant struct {
	UserID      string
	Amount      int64
	Type        string
	ReferenceID string
	Description string
}

// DispatchCharge debits a dispatch and, when SurveyID is set, reserves Count
// dispatches on the survey's channel limit in the same transaction.
type DispatchCharge struct {
	Debit
	SurveyID string
	Channel  string
	Count    int
}

// DispatchLog is the audit row written for every recipient attempt.
type DispatchLog struct {
	ID            string
	CampaignID    string
	SurveyID      string
	UserID        string
	Channel       string
	RecipientName string
	Contact       string
	ProviderID    string
	Status        string
	MessageID     string
	Error         string
	UnitCost      int64
	CreatedAt     time.Time
}

// SurveyLink is the unique response link issued to one contact of a campaign.
type SurveyLink struct {
	Token      string
	CampaignID string
	SurveyID   string
	Contact    string
	CreatedAt  time.Time
}

// APIKey is a provider credential with rotation priority and cooldown.
type APIKey struct {
	ID            string
	Provider      string
	Value         string
	Priority      int
	CooldownUntil *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CoolingDown reports whether the key should be skipped at now.
func (k APIKey) CoolingDown(now time.Time) bool {
	return k.CooldownUntil != nil && now.Before(*k.CooldownUntil)
}
