package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetCreditBalance returns the user's balance, or ErrNotFound when the user
// never held credits.
func (r *PostgresRepository) GetCreditBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	var b CreditBalance
	err := r.pool.QueryRow(ctx, `
SELECT user_id, current_balance, total_purchased, total_spent, updated_at
FROM credit_balances
WHERE user_id = $1;`, userID).Scan(&b.UserID, &b.CurrentBalance, &b.TotalPurchased, &b.TotalSpent, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("credit balance %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credit balance: %w", err)
	}
	return &b, nil
}

// DebitCredits deducts debit.Amount when the balance covers it.
func (r *PostgresRepository) DebitCredits(ctx context.Context, debit Debit) (*CreditTransaction, error) {
	var res *CreditTransaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = debitTx(ctx, tx, debit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ChargeDispatch reserves the survey's channel limit and debits the cost in
// one transaction. Either both happen or neither does.
func (r *PostgresRepository) ChargeDispatch(ctx context.Context, charge DispatchCharge) (*CreditTransaction, error) {
	var res *CreditTransaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if charge.SurveyID != "" && charge.Count > 0 {
			if err := reserveDispatchesTx(ctx, tx, charge.SurveyID, charge.Channel, charge.Count); err != nil {
				return err
			}
		}
		var err error
		res, err = debitTx(ctx, tx, charge.Debit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func debitTx(ctx context.Context, tx pgx.Tx, debit Debit) (*CreditTransaction, error) {
	if debit.Amount <= 0 {
		return nil, nil
	}

	var balance int64
	err := tx.QueryRow(ctx, `
UPDATE credit_balances
SET current_balance = current_balance - $2,
    total_spent = total_spent + $2,
    updated_at = NOW()
WHERE user_id = $1 AND current_balance >= $2
RETURNING current_balance;`, debit.UserID, debit.Amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var available int64
		err = tx.QueryRow(ctx, `SELECT current_balance FROM credit_balances WHERE user_id = $1;`, debit.UserID).Scan(&available)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		return nil, &FundsError{Required: debit.Amount, Available: available}
	}
	if err != nil {
		return nil, fmt.Errorf("debit credits: %w", err)
	}

	return insertTransactionTx(ctx, tx, CreditTransaction{
		UserID:       debit.UserID,
		Type:         TxDeduction,
		Amount:       -debit.Amount,
		BalanceAfter: balance,
		ServiceType:  debit.ServiceType,
		ReferenceID:  debit.ReferenceID,
		Description:  debit.Description,
	})
}

// AddCredits credits a purchase or bonus and appends the ledger entry.
func (r *PostgresRepository) AddCredits(ctx context.Context, grant CreditGrant) (*CreditTransaction, error) {
	if grant.Amount <= 0 {
		return nil, fmt.Errorf("add credits: amount must be positive")
	}
	var res *CreditTransaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		if err := tx.QueryRow(ctx, `
INSERT INTO credit_balances (user_id, current_balance, total_purchased, total_spent)
VALUES ($1, $2, $2, 0)
ON CONFLICT (user_id) DO UPDATE
SET current_balance = credit_balances.current_balance + EXCLUDED.current_balance,
    total_purchased = credit_balances.total_purchased + EXCLUDED.total_purchased,
    updated_at = NOW()
RETURNING current_balance;`, grant.UserID, grant.Amount).Scan(&balance); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		var err error
		res, err = insertTransactionTx(ctx, tx, CreditTransaction{
			UserID:       grant.UserID,
			Type:         grant.Type,
			Amount:       grant.Amount,
			BalanceAfter: balance,
			ReferenceID:  grant.ReferenceID,
			Description:  grant.Description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func insertTransactionTx(ctx context.Context, tx pgx.Tx, t CreditTransaction) (*CreditTransaction, error) {
	t.ID = uuid.NewString()
	err := tx.QueryRow(ctx, `
INSERT INTO credit_transactions (id, user_id, type, amount, balance_after, service_type, reference_id, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at;`, t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter, t.ServiceType, t.ReferenceID, t.Description).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert credit transaction: %w", err)
	}
	return &t, nil
}

// ListCreditTransactions returns the user's ledger, oldest first.
func (r *PostgresRepository) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT id::text, user_id, type, amount, balance_after, service_type, reference_id, description, created_at
FROM credit_transactions
WHERE user_id = $1
ORDER BY created_at ASC, id ASC
LIMIT $2;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var res []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ServiceType, &t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credit transactions rows: %w", err)
	}
	return res, nil
}
