package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

type StepRepository struct {
	DB *sql.DB
}

var _ StepRepositoryInterface = (*StepRepository)(nil)

func (r *StepRepository) ListSteps(ctx context.Context, campaignID string) ([]model.Step, error) {
	query := `
		SELECT id, campaign_id, order_index, channel, delay_ms, retry_limit, COALESCE(template_ref, '')
		FROM campaign_steps
		WHERE campaign_id = $1
		ORDER BY order_index ASC
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var (
			s       model.Step
			channel string
			delayMS int64
		)
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.OrderIndex, &channel, &delayMS, &s.RetryLimit, &s.TemplateRef); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.Channel = model.ParseChannel(channel)
		s.Delay = time.Duration(delayMS) * time.Millisecond
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// SaveCampaign upserts a campaign and its steps. Used by seeding.
func (r *StepRepository) SaveCampaign(ctx context.Context, c model.Campaign) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save campaign: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, c.ID, c.Name); err != nil {
		return fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	for _, s := range c.Steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_steps (id, campaign_id, order_index, channel, delay_ms, retry_limit, template_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				order_index = EXCLUDED.order_index,
				channel = EXCLUDED.channel,
				delay_ms = EXCLUDED.delay_ms,
				retry_limit = EXCLUDED.retry_limit,
				template_ref = EXCLUDED.template_ref
		`, s.ID, c.ID, s.OrderIndex, string(s.Channel), s.Delay.Milliseconds(), s.RetryLimit, nullString(s.TemplateRef)); err != nil {
			return fmt.Errorf("save step %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}
