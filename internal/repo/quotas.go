package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const quotaColumns = `id::text, survey_id, category, option_value, target_count, current_count, is_complete, created_at, updated_at`

// ListQuotas returns every bucket configured for a survey.
func (r *PostgresRepository) ListQuotas(ctx context.Context, surveyID string) ([]Quota, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+quotaColumns+`
FROM quotas
WHERE survey_id = $1
ORDER BY category, option_value;`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	defer rows.Close()

	var res []Quota
	for rows.Next() {
		var q Quota
		if err := rows.Scan(&q.ID, &q.SurveyID, &q.Category, &q.Option, &q.TargetCount, &q.CurrentCount, &q.IsComplete, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan quota: %w", err)
		}
		res = append(res, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quotas rows: %w", err)
	}
	return res, nil
}

// GetQuotas returns the configured buckets among keys.
func (r *PostgresRepository) GetQuotas(ctx context.Context, surveyID string, keys []QuotaKey) ([]Quota, error) {
	all, err := r.ListQuotas(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	return filterQuotas(all, keys), nil
}

// UpsertQuota sets the target of a bucket, creating it when missing.
func (r *PostgresRepository) UpsertQuota(ctx context.Context, target QuotaTarget) (*Quota, error) {
	const q = `
INSERT INTO quotas (id, survey_id, category, option_value, target_count, is_complete)
VALUES ($1, $2, $3, $4, $5, $5 = 0)
ON CONFLICT (survey_id, category, option_value) DO UPDATE
SET target_count = EXCLUDED.target_count,
    is_complete = quotas.is_complete OR quotas.current_count >= EXCLUDED.target_count,
    updated_at = NOW()
RETURNING ` + quotaColumns + `;`
	var res Quota
	err := r.pool.QueryRow(ctx, q, uuid.NewString(), target.SurveyID, target.Category, target.Option, target.Target).
		Scan(&res.ID, &res.SurveyID, &res.Category, &res.Option, &res.TargetCount, &res.CurrentCount, &res.IsComplete, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert quota: %w", err)
	}
	return &res, nil
}

// AdmitQuota increments every configured bucket among keys in one
// transaction, or none of them when any is already full. Keys without a
// configured bucket do not constrain the admission.
func (r *PostgresRepository) AdmitQuota(ctx context.Context, surveyID string, keys []QuotaKey) (*QuotaAdmission, error) {
	keys = sortedKeys(keys)

	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		for _, k := range keys {
			ct, err := tx.Exec(ctx, `
UPDATE quotas
SET current_count = current_count + 1,
    is_complete = is_complete OR current_count + 1 >= target_count,
    updated_at = NOW()
WHERE survey_id = $1 AND category = $2 AND option_value = $3
  AND NOT is_complete AND current_count < target_count;`, surveyID, k.Category, k.Option)
			if err != nil {
				return fmt.Errorf("increment quota %s/%s: %w", k.Category, k.Option, err)
			}
			if ct.RowsAffected() == 1 {
				continue
			}
			var exists bool
			if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM quotas WHERE survey_id = $1 AND category = $2 AND option_value = $3);`,
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

// ResetQuota zeroes a bucket's counter and reopens it.
func (r *PostgresRepository) ResetQuota(ctx context.Context, surveyID string, key QuotaKey) error {
	ct, err := r.pool.Exec(ctx, `
UPDATE quotas
SET current_count = 0, is_complete = target_count = 0, updated_at = NOW()
WHERE survey_id = $1 AND category = $2 AND option_value = $3;`, surveyID, key.Category, key.Option)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("quota %s/%s: %w", key.Category, key.Option, ErrNotFound)
	}
	return nil
}

func filterQuotas(all []Quota, keys []QuotaKey) []Quota {
	want := make(map[QuotaKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	var res []Quota
	for _, q := range all {
		if _, ok := want[q.Key()]; ok {
			res = append(res, q)
		}
	}
	return res
}
