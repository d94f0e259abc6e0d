package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -- Quotas --

const sqliteQuotaColumns = `id, survey_id, category, option_value, target_count, current_count, is_complete, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuota(row rowScanner) (Quota, error) {
	var q Quota
	err := row.Scan(&q.ID, &q.SurveyID, &q.Category, &q.Option, &q.TargetCount, &q.CurrentCount, &q.IsComplete,
		dbTime{&q.CreatedAt}, dbTime{&q.UpdatedAt})
	return q, err
}

func (r *SQLiteRepository) ListQuotas(ctx context.Context, surveyID string) ([]Quota, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sqliteQuotaColumns+`
FROM quotas
WHERE survey_id = ?
ORDER BY category, option_value;`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	defer rows.Close()

	var res []Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quota: %w", err)
		}
		res = append(res, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quotas rows: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) GetQuotas(ctx context.Context, surveyID string, keys []QuotaKey) ([]Quota, error) {
	all, err := r.ListQuotas(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	return filterQuotas(all, keys), nil
}

func (r *SQLiteRepository) UpsertQuota(ctx context.Context, target QuotaTarget) (*Quota, error) {
	now := r.timestamp()
	row := r.db.QueryRowContext(ctx, `
INSERT INTO quotas (id, survey_id, category, option_value, target_count, current_count, is_complete, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (survey_id, category, option_value) DO UPDATE
SET target_count = excluded.target_count,
    is_complete = quotas.is_complete OR quotas.current_count >= excluded.target_count,
    updated_at = excluded.updated_at
RETURNING `+sqliteQuotaColumns+`;`,
		uuid.NewString(), target.SurveyID, target.Category, target.Option, target.Target, target.Target == 0, now, now)
	q, err := scanQuota(row)
	if err != nil {
		return nil, fmt.Errorf("upsert quota: %w", err)
	}
	return &q, nil
}

func (r *SQLiteRepository) AdmitQuota(ctx context.Context, surveyID string, keys []QuotaKey) (*QuotaAdmission, error) {
	keys = sortedKeys(keys)
	now := r.timestamp()

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			res, err := tx.ExecContext(ctx, `
UPDATE quotas
SET current_count = current_count + 1,
    is_complete = is_complete OR current_count + 1 >= target_count,
    updated_at = ?
WHERE survey_id = ? AND category = ? AND option_value = ?
  AND NOT is_complete AND current_count < target_count;`, now, surveyID, k.Category, k.Option)
			if err != nil {
				return fmt.Errorf("increment quota %s/%s: %w", k.Category, k.Option, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				continue
			}
			var exists bool
			if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM quotas WHERE survey_id = ? AND category = ? AND option_value = ?);`,
				surveyID, k.Category, k.Option).Scan(&exists); err != nil {
				return fmt.Errorf("lookup quota %s/%s: %w", k.Category, k.Option, err)
			}
			if exists {
				return errBucketFull
			}
		}
		return nil
	})
	admitted := err == nil
	if err != nil && !errors.Is(err, errBucketFull) {
		return nil, fmt.Errorf("admit quota: %w", err)
	}

	quotas, err := r.GetQuotas(ctx, surveyID, keys)
	if err != nil {
		return nil, err
	}
	return admissionFrom(admitted, keys, quotas), nil
}

func (r *SQLiteRepository) ResetQuota(ctx context.Context, surveyID string, key QuotaKey) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE quotas
SET current_count = 0, is_complete = target_count = 0, updated_at = ?
WHERE survey_id = ? AND category = ? AND option_value = ?;`, r.timestamp(), surveyID, key.Category, key.Option)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quota %s/%s: %w", key.Category, key.Option, ErrNotFound)
	}
	return nil
}

// -- Dispatch limits --

func scanDispatchLimit(row rowScanner) (DispatchLimit, error) {
	var l DispatchLimit
	err := row.Scan(&l.ID, &l.SurveyID, &l.Channel, &l.MaxDispatches, &l.CurrentDispatches, dbTime{&l.UpdatedAt})
	return l, err
}

func (r *SQLiteRepository) GetDispatchLimit(ctx context.Context, surveyID, channel string) (*DispatchLimit, error) {
	l, err := scanDispatchLimit(r.db.QueryRowContext(ctx, `
SELECT id, survey_id, channel, max_dispatches, current_dispatches, updated_at
FROM dispatch_limits
WHERE survey_id = ? AND channel = ?;`, surveyID, channel))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatch limit %s/%s: %w", surveyID, channel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch limit: %w", err)
	}
	return &l, nil
}

func (r *SQLiteRepository) UpsertDispatchLimit(ctx context.Context, surveyID, channel string, max int) (*DispatchLimit, error) {
	l, err := scanDispatchLimit(r.db.QueryRowContext(ctx, `
INSERT INTO dispatch_limits (id, survey_id, channel, max_dispatches, current_dispatches, updated_at)
VALUES (?, ?, ?, ?, 0, ?)
ON CONFLICT (survey_id, channel) DO UPDATE
SET max_dispatches = excluded.max_dispatches, updated_at = excluded.updated_at
RETURNING id, survey_id, channel, max_dispatches, current_dispatches, updated_at;`,
		uuid.NewString(), surveyID, channel, max, r.timestamp()))
	if err != nil {
		return nil, fmt.Errorf("upsert dispatch limit: %w", err)
	}
	return &l, nil
}

func (r *SQLiteRepository) reserveDispatchesTx(ctx context.Context, tx *sql.Tx, surveyID, channel string, count int) error {
	res, err := tx.ExecContext(ctx, `
UPDATE dispatch_limits
SET current_dispatches = current_dispatches + ?, updated_at = ?
WHERE survey_id = ? AND channel = ? AND current_dispatches + ? <= max_dispatches;`,
		count, r.timestamp(), surveyID, channel, count)
	if err != nil {
		return fmt.Errorf("reserve dispatches: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var max, current int
	err = tx.QueryRowContext(ctx, `
SELECT max_dispatches, current_dispatches FROM dispatch_limits WHERE survey_id = ? AND channel = ?;`,
		surveyID, channel).Scan(&max, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dispatch limit: %w", err)
	}
	return &LimitError{Channel: channel, Max: max, Current: current, Requested: count}
}

// -- Credits --

func (r *SQLiteRepository) GetCreditBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	var b CreditBalance
	err := r.db.QueryRowContext(ctx, `
SELECT user_id, current_balance, total_purchased, total_spent, updated_at
FROM credit_balances
WHERE user_id = ?;`, userID).Scan(&b.UserID, &b.CurrentBalance, &b.TotalPurchased, &b.TotalSpent, dbTime{&b.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credit balance %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credit balance: %w", err)
	}
	return &b, nil
}

func (r *SQLiteRepository) DebitCredits(ctx context.Context, debit Debit) (*CreditTransaction, error) {
	var res *CreditTransaction
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = r.debitTx(ctx, tx, debit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *SQLiteRepository) ChargeDispatch(ctx context.Context, charge DispatchCharge) (*CreditTransaction, error) {
	var res *CreditTransaction
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if charge.SurveyID != "" && charge.Count > 0 {
			if err := r.reserveDispatchesTx(ctx, tx, charge.SurveyID, charge.Channel, charge.Count); err != nil {
				return err
			}
		}
		var err error
		res, err = r.debitTx(ctx, tx, charge.Debit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *SQLiteRepository) debitTx(ctx context.Context, tx *sql.Tx, debit Debit) (*CreditTransaction, error) {
	if debit.Amount <= 0 {
		return nil, nil
	}

	var balance int64
	err := tx.QueryRowContext(ctx, `
UPDATE credit_balances
SET current_balance = current_balance - ?,
    total_spent = total_spent + ?,
    updated_at = ?
WHERE user_id = ? AND current_balance >= ?
RETURNING current_balance;`, debit.Amount, debit.Amount, r.timestamp(), debit.UserID, debit.Amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var available int64
		err = tx.QueryRowContext(ctx, `SELECT current_balance FROM credit_balances WHERE user_id = ?;`, debit.UserID).Scan(&available)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		return nil, &FundsError{Required: debit.Amount, Available: available}
	}
	if err != nil {
		return nil, fmt.Errorf("debit credits: %w", err)
	}

	return r.insertTransactionTx(ctx, tx, CreditTransaction{
		UserID:       debit.UserID,
		Type:         TxDeduction,
		Amount:       -debit.Amount,
		BalanceAfter: balance,
		ServiceType:  debit.ServiceType,
		ReferenceID:  debit.ReferenceID,
		Description:  debit.Description,
	})
}

func (r *SQLiteRepository) AddCredits(ctx context.Context, grant CreditGrant) (*CreditTransaction, error) {
	if grant.Amount <= 0 {
		return nil, fmt.Errorf("add credits: amount must be positive")
	}
	var res *CreditTransaction
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		if err := tx.QueryRowContext(ctx, `
INSERT INTO credit_balances (user_id, current_balance, total_purchased, total_spent, updated_at)
VALUES (?, ?, ?, 0, ?)
ON CONFLICT (user_id) DO UPDATE
SET current_balance = credit_balances.current_balance + excluded.current_balance,
    total_purchased = credit_balances.total_purchased + excluded.total_purchased,
    updated_at = excluded.updated_at
RETURNING current_balance;`, grant.UserID, grant.Amount, grant.Amount, r.timestamp()).Scan(&balance); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		var err error
		res, err = r.insertTransactionTx(ctx, tx, CreditTransaction{
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

func (r *SQLiteRepository) insertTransactionTx(ctx context.Context, tx *sql.Tx, t CreditTransaction) (*CreditTransaction, error) {
	t.ID = uuid.NewString()
	t.CreatedAt = r.now().UTC()
	_, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions (id, user_id, type, amount, balance_after, service_type, reference_id, description, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter, t.ServiceType, t.ReferenceID, t.Description, t.CreatedAt.Format(sqliteTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert credit transaction: %w", err)
	}
	return &t, nil
}

func (r *SQLiteRepository) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, type, amount, balance_after, service_type, reference_id, description, created_at
FROM credit_transactions
WHERE user_id = ?
ORDER BY created_at ASC, rowid ASC
LIMIT ?;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var res []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ServiceType, &t.ReferenceID, &t.Description, dbTime{&t.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credit transactions rows: %w", err)
	}
	return res, nil
}

// -- Dispatch audit and links --

func (r *SQLiteRepository) InsertDispatchLog(ctx context.Context, log DispatchLog) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO dispatch_logs (id, campaign_id, survey_id, user_id, channel, recipient_name, contact, provider_id, status, message_id, error, unit_cost, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		uuid.NewString(), log.CampaignID, log.SurveyID, log.UserID, log.Channel, log.RecipientName, log.Contact,
		log.ProviderID, log.Status, log.MessageID, log.Error, log.UnitCost, r.timestamp())
	if err != nil {
		return fmt.Errorf("insert dispatch log: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListDispatchLogs(ctx context.Context, campaignID string, limit int) ([]DispatchLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, campaign_id, survey_id, user_id, channel, recipient_name, contact, provider_id, status, message_id, error, unit_cost, created_at
FROM dispatch_logs
WHERE campaign_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatch logs: %w", err)
	}
	defer rows.Close()

	var res []DispatchLog
	for rows.Next() {
		var l DispatchLog
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.SurveyID, &l.UserID, &l.Channel, &l.RecipientName, &l.Contact,
			&l.ProviderID, &l.Status, &l.MessageID, &l.Error, &l.UnitCost, dbTime{&l.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan dispatch log: %w", err)
		}
		res = append(res, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dispatch logs rows: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) GetOrCreateSurveyLink(ctx context.Context, link SurveyLink) (*SurveyLink, bool, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO survey_links (token, campaign_id, survey_id, contact, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (campaign_id, contact) DO NOTHING;`, link.Token, link.CampaignID, link.SurveyID, link.Contact, r.timestamp())
	if err != nil {
		return nil, false, fmt.Errorf("insert survey link: %w", err)
	}
	created, _ := res.RowsAffected()

	var out SurveyLink
	err = r.db.QueryRowContext(ctx, `
SELECT token, campaign_id, survey_id, contact, created_at
FROM survey_links
WHERE campaign_id = ? AND contact = ?;`, link.CampaignID, link.Contact).
		Scan(&out.Token, &out.CampaignID, &out.SurveyID, &out.Contact, dbTime{&out.CreatedAt})
	if err != nil {
		return nil, false, fmt.Errorf("get survey link: %w", err)
	}
	return &out, created == 1, nil
}

// -- API Keys --

func (r *SQLiteRepository) SyncAPIKeys(ctx context.Context, provider string, keys []string) error {
	for idx, key := range keys {
		now := r.timestamp()
		_, err := r.db.ExecContext(ctx, `
INSERT INTO api_keys (id, provider, value, priority, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, value) DO UPDATE
SET priority = excluded.priority,
    updated_at = excluded.updated_at;`, uuid.NewString(), provider, key, idx, now, now)
		if err != nil {
			return fmt.Errorf("upsert api key: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) ListActiveAPIKeys(ctx context.Context, provider string) ([]APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, provider, value, priority, cooldown_until, created_at, updated_at
FROM api_keys
WHERE provider = ? AND status = 'active'
ORDER BY priority ASC;`, provider)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var res []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Provider, &k.Value, &k.Priority, dbNullTime{&k.CooldownUntil}, dbTime{&k.CreatedAt}, dbTime{&k.UpdatedAt}); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		res = append(res, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) ClearCooldown(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET cooldown_until = NULL, updated_at = ? WHERE id = ?`, r.timestamp(), id)
	if err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) SetCooldownUntil(ctx context.Context, id string, until time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET cooldown_until = ?, updated_at = ? WHERE id = ?`,
		until.UTC().Format(sqliteTimeLayout), r.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}
