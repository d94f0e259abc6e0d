// Package credit keeps the per-user prepaid credit balance that pays for
// dispatches and generations.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"survey-dispatch/internal/metrics"
	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/repo"
)

// ErrInsufficientFunds is returned, wrapped in InsufficientFundsError, when
// the balance does not cover a debit.
var ErrInsufficientFunds = repo.ErrInsufficientFunds

// InsufficientFundsError carries the amounts of a rejected debit in centavos.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s", FormatAmount(e.Required), FormatAmount(e.Available))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Store is the persistence the ledger needs.
type Store interface {
	GetCreditBalance(ctx context.Context, userID string) (*repo.CreditBalance, error)
	DebitCredits(ctx context.Context, debit repo.Debit) (*repo.CreditTransaction, error)
	AddCredits(ctx context.Context, grant repo.CreditGrant) (*repo.CreditTransaction, error)
	ChargeDispatch(ctx context.Context, charge repo.DispatchCharge) (*repo.CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]repo.CreditTransaction, error)
}

// Ledger applies balance changes through the store's atomic primitives.
type Ledger struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLedger builds a Ledger.
func NewLedger(store Store, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger.With("component", "credit"),
		metrics: m,
	}
}

// Balance returns the user's balance. Users who never bought credits have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*repo.CreditBalance, error) {
	b, err := l.store.GetCreditBalance(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return &repo.CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	return b, nil
}

// Debit deducts amount when the balance covers it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, serviceType, referenceID string) (*repo.CreditTransaction, error) {
	if amount < 0 {
		return nil, errors.New("debit amount must not be negative")
	}
	tx, err := l.store.DebitCredits(ctx, repo.Debit{
		UserID:      userID,
		Amount:      amount,
		ServiceType: serviceType,
		ReferenceID: referenceID,
	})
	if err != nil {
		return nil, l.debitError("debit", userID, err)
	}
	l.count(repo.TxDeduction, "ok")
	return tx, nil
}

// DispatchCharge describes the single debit of a dispatch request.
type DispatchCharge struct {
	UserID      string
	SurveyID    string
	Channel     provider.Channel
	Recipients  int
	UnitCost    int64
	ReferenceID string
}

// Total returns Recipients x UnitCost.
func (c DispatchCharge) Total() int64 {
	return int64(c.Recipients) * c.UnitCost
}

// ChargeDispatch debits the whole dispatch and reserves the survey's channel
// limit as one unit. A *repo.LimitError or *InsufficientFundsError means
// nothing changed.
func (l *Ledger) ChargeDispatch(ctx context.Context, c DispatchCharge) (*repo.CreditTransaction, error) {
	tx, err := l.store.ChargeDispatch(ctx, repo.DispatchCharge{
		Debit: repo.Debit{
			UserID:      c.UserID,
			Amount:      c.Total(),
			ServiceType: c.Channel.String() + "_dispatch",
			ReferenceID: c.ReferenceID,
			Description: fmt.Sprintf("Disparo de %d mensagens (%s)", c.Recipients, c.Channel),
		},
		SurveyID: c.SurveyID,
		Channel:  c.Channel.String(),
		Count:    c.Recipients,
	})
	if err != nil {
		var limitErr *repo.LimitError
		if errors.As(err, &limitErr) {
			l.count(repo.TxDeduction, "limit_exceeded")
			return nil, err
		}
		return nil, l.debitError("charge dispatch", c.UserID, err)
	}
	l.count(repo.TxDeduction, "ok")
	if tx != nil {
		l.logger.Info("dispatch charged", "user_id", c.UserID, "channel", c.Channel, "recipients", c.Recipients, "amount", c.Total(), "balance_after", tx.BalanceAfter)
	}
	return tx, nil
}

// Purchase records bought credits.
func (l *Ledger) Purchase(ctx context.Context, userID string, amount int64, referenceID string) (*repo.CreditTransaction, error) {
	return l.grant(ctx, repo.CreditGrant{UserID: userID, Amount: amount, Type: repo.TxPurchase, ReferenceID: referenceID, Description: "Compra de créditos"})
}

// Bonus records granted credits. Bonuses count towards total_purchased so
// that current = purchased - spent holds.
func (l *Ledger) Bonus(ctx context.Context, userID string, amount int64, description string) (*repo.CreditTransaction, error) {
	if description == "" {
		description = "Bônus"
	}
	return l.grant(ctx, repo.CreditGrant{UserID: userID, Amount: amount, Type: repo.TxBonus, Description: description})
}

func (l *Ledger) grant(ctx context.Context, g repo.CreditGrant) (*repo.CreditTransaction, error) {
	if g.Amount <= 0 {
		return nil, errors.New("credit amount must be positive")
	}
	tx, err := l.store.AddCredits(ctx, g)
	if err != nil {
		l.count(g.Type, "error")
		l.metrics.Error("credit")
		return nil, fmt.Errorf("add credits: %w", err)
	}
	l.count(g.Type, "ok")
	l.logger.Info("credits added", "user_id", g.UserID, "type", g.Type, "amount", g.Amount, "balance_after", tx.BalanceAfter)
	return tx, nil
}

// Transactions returns the user's ledger, oldest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]repo.CreditTransaction, error) {
	txs, err := l.store.ListCreditTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("credit transactions: %w", err)
	}
	return txs, nil
}

// Verification compares the stored balance with the one rebuilt from the ledger.
type Verification struct {
	Stored     int64 `json:"stored"`
	Replayed   int64 `json:"replayed"`
	Derived    int64 `json:"derived"`
	Consistent bool  `json:"consistent"`
}

// Verify replays the full ledger of userID.
func (l *Ledger) Verify(ctx context.Context, userID string) (Verification, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return Verification{}, err
	}
	txs, err := l.store.ListCreditTransactions(ctx, userID, 1<<30)
	if err != nil {
		return Verification{}, fmt.Errorf("credit transactions: %w", err)
	}
	v := Verification{
		Stored:   b.CurrentBalance,
		Replayed: Replay(txs),
		Derived:  b.TotalPurchased - b.TotalSpent,
	}
	v.Consistent = v.Stored == v.Replayed && v.Stored == v.Derived
	if !v.Consistent {
		l.logger.Error("credit ledger inconsistent", "user_id", userID, "stored", v.Stored, "replayed", v.Replayed, "derived", v.Derived)
		l.metrics.Error("credit")
	}
	return v, nil
}

// Replay sums the signed amounts of txs.
func Replay(txs []repo.CreditTransaction) int64 {
	var balance int64
	for _, t := range txs {
		balance += t.Amount
	}
	return balance
}

func (l *Ledger) debitError(op, userID string, err error) error {
	var funds *repo.FundsError
	if errors.As(err, &funds) {
		l.count(repo.TxDeduction, "insufficient_funds")
		l.logger.Info("debit rejected", "operation", op, "user_id", userID, "required", funds.Required, "available", funds.Available)
		return &InsufficientFundsError{Required: funds.Required, Available: funds.Available}
	}
	l.count(repo.TxDeduction, "error")
	l.metrics.Error("credit")
	return fmt.Errorf("%s: %w", op, err)
}

func (l *Ledger) count(txType, status string) {
	if l.metrics == nil {
		return
	}
	l.metrics.CreditOperations.WithLabelValues(txType, status).Inc()
}
