package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetDispatchLimit returns the limit of a survey channel or ErrNotFound.
func (r *PostgresRepository) GetDispatchLimit(ctx context.Context, surveyID, channel string) (*DispatchLimit, error) {
	var l DispatchLimit
	err := r.pool.QueryRow(ctx, `
SELECT id::text, survey_id, channel, max_dispatches, current_dispatches, updated_at
FROM dispatch_limits
WHERE survey_id = $1 AND channel = $2;`, surveyID, channel).
		Scan(&l.ID, &l.SurveyID, &l.Channel, &l.MaxDispatches, &l.CurrentDispatches, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dispatch limit %s/%s: %w", surveyID, channel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch limit: %w", err)
	}
	return &l, nil
}

// UpsertDispatchLimit sets max dispatches for a survey channel.
func (r *PostgresRepository) UpsertDispatchLimit(ctx context.Context, surveyID, channel string, max int) (*DispatchLimit, error) {
	var l DispatchLimit
	err := r.pool.QueryRow(ctx, `
INSERT INTO dispatch_limits (id, survey_id, channel, max_dispatches)
VALUES ($1, $2, $3, $4)
ON CONFLICT (survey_id, channel) DO UPDATE
SET max_dispatches = EXCLUDED.max_dispatches, updated_at = NOW()
RETURNING id::text, survey_id, channel, max_dispatches, current_dispatches, updated_at;`,
		uuid.NewString(), surveyID, channel, max).
		Scan(&l.ID, &l.SurveyID, &l.Channel, &l.MaxDispatches, &l.CurrentDispatches, &l.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert dispatch limit: %w", err)
	}
	return &l, nil
}

func reserveDispatchesTx(ctx context.Context, tx pgx.Tx, surveyID, channel string, count int) error {
	ct, err := tx.Exec(ctx, `
UPDATE dispatch_limits
SET current_dispatches = current_dispatches + $3, updated_at = NOW()
WHERE survey_id = $1 AND channel = $2 AND current_dispatches + $3 <= max_dispatches;`, surveyID, channel, count)
	if err != nil {
		return fmt.Errorf("reserve dispatches: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var max, current int
	err = tx.QueryRow(ctx, `
SELECT max_dispatches, current_dispatches FROM dispatch_limits WHERE survey_id = $1 AND channel = $2;`,
		surveyID, channel).Scan(&max, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dispatch limit: %w", err)
	}
	return &LimitError{Channel: channel, Max: max, Current: current, Requested: count}
}

// InsertDispatchLog stores one recipient attempt.
func (r *PostgresRepository) InsertDispatchLog(ctx context.Context, log DispatchLog) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO dispatch_logs (id, campaign_id, survey_id, user_id, channel, recipient_name, contact, provider_id, status, message_id, error, unit_cost)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`,
		uuid.NewString(), log.CampaignID, log.SurveyID, log.UserID, log.Channel, log.RecipientName, log.Contact,
		log.ProviderID, log.Status, log.MessageID, log.Error, log.UnitCost)
	if err != nil {
		return fmt.Errorf("insert dispatch log: %w", err)
	}
	return nil
}

// ListDispatchLogs returns the latest attempts of a campaign.
func (r *PostgresRepository) ListDispatchLogs(ctx context.Context, campaignID string, limit int) ([]DispatchLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT id::text, campaign_id, survey_id, user_id, channel, recipient_name, contact, provider_id, status, message_id, error, unit_cost, created_at
FROM dispatch_logs
WHERE campaign_id = $1
ORDER BY created_at DESC
LIMIT $2;`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatch logs: %w", err)
	}
	defer rows.Close()

	var res []DispatchLog
	for rows.Next() {
		var l DispatchLog
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.SurveyID, &l.UserID, &l.Channel, &l.RecipientName, &l.Contact,
			&l.ProviderID, &l.Status, &l.MessageID, &l.Error, &l.UnitCost, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch log: %w", err)
		}
		res = append(res, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dispatch logs rows: %w", err)
	}
	return res, nil
}

// GetOrCreateSurveyLink stores link unless the campaign already issued one to
// the same contact. The boolean reports whether link was newly created.
func (r *PostgresRepository) GetOrCreateSurveyLink(ctx context.Context, link SurveyLink) (*SurveyLink, bool, error) {
	ct, err := r.pool.Exec(ctx, `
INSERT INTO survey_links (token, campaign_id, survey_id, contact)
VALUES ($1, $2, $3, $4)
ON CONFLICT (campaign_id, contact) DO NOTHING;`, link.Token, link.CampaignID, link.SurveyID, link.Contact)
	if err != nil {
		return nil, false, fmt.Errorf("insert survey link: %w", err)
	}

	var res SurveyLink
	err = r.pool.QueryRow(ctx, `
SELECT token, campaign_id, survey_id, contact, created_at
FROM survey_links
WHERE campaign_id = $1 AND contact = $2;`, link.CampaignID, link.Contact).
		Scan(&res.Token, &res.CampaignID, &res.SurveyID, &res.Contact, &res.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("get survey link: %w", err)
	}
	return &res, ct.RowsAffected() == 1, nil
}
