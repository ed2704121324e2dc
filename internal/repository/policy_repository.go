package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

type PolicyRepository struct {
	DB *sql.DB
}

var _ PolicyRepositoryInterface = (*PolicyRepository)(nil)

func (r *PolicyRepository) PolicyRules(ctx context.Context, campaignID string) ([]model.PolicyRule, []model.PolicyRule, error) {
	query := `
		SELECT COALESCE(campaign_id, ''), status, reason, is_connected, should_retry, retry_sms,
			first_retry_delay_ms, next_retry_delay_ms, max_retry_days, align_same_time
		FROM policy_rules
		WHERE campaign_id IS NULL OR campaign_id = $1
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, nil, fmt.Errorf("load policy rules: %w", err)
	}
	defer rows.Close()

	var global, campaign []model.PolicyRule
	for rows.Next() {
		var (
			rule                           model.PolicyRule
			status, reason                 string
			connected, retry, sms, align   sql.NullBool
			firstDelay, nextDelay, maxDays sql.NullInt64
		)
		if err := rows.Scan(&rule.CampaignID, &status, &reason, &connected, &retry, &sms,
			&firstDelay, &nextDelay, &maxDays, &align); err != nil {
			return nil, nil, fmt.Errorf("scan policy rule: %w", err)
		}
		rule.Key = model.NewPolicyKey(status, reason)
		rule.IsConnected = boolPtr(connected)
		rule.ShouldRetry = boolPtr(retry)
		rule.RetryViaSMS = boolPtr(sms)
		rule.AlignSameTime = boolPtr(align)
		rule.FirstRetryDelay = durationPtr(firstDelay)
		rule.NextRetryDelay = durationPtr(nextDelay)
		if maxDays.Valid {
			d := int(maxDays.Int64)
			rule.MaxRetryDays = &d
		}
		if rule.CampaignID == "" {
			global = append(global, rule)
		} else {
			campaign = append(campaign, rule)
		}
	}
	return global, campaign, rows.Err()
}

// SaveRule upserts a policy rule on (scope, status, reason). An empty
// CampaignID stores a global rule.
func (r *PolicyRepository) SaveRule(ctx context.Context, rule model.PolicyRule) error {
	key := model.NewPolicyKey(rule.Key.Status, rule.Key.Reason)
	var maxDays sql.NullInt64
	if rule.MaxRetryDays != nil {
		maxDays = sql.NullInt64{Int64: int64(*rule.MaxRetryDays), Valid: true}
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO policy_rules (campaign_id, status, reason, is_connected, should_retry, retry_sms,
			first_retry_delay_ms, next_retry_delay_ms, max_retry_days, align_same_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT ((COALESCE(campaign_id, '')), status, reason) DO UPDATE SET
			is_connected = EXCLUDED.is_connected,
			should_retry = EXCLUDED.should_retry,
			retry_sms = EXCLUDED.retry_sms,
			first_retry_delay_ms = EXCLUDED.first_retry_delay_ms,
			next_retry_delay_ms = EXCLUDED.next_retry_delay_ms,
			max_retry_days = EXCLUDED.max_retry_days,
			align_same_time = EXCLUDED.align_same_time
	`, nullString(rule.CampaignID), key.Status, key.Reason,
		nullBool(rule.IsConnected), nullBool(rule.ShouldRetry), nullBool(rule.RetryViaSMS),
		nullDuration(rule.FirstRetryDelay), nullDuration(rule.NextRetryDelay), maxDays, nullBool(rule.AlignSameTime))
	if err != nil {
		return fmt.Errorf("save policy rule: %w", err)
	}
	return nil
}

func boolPtr(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}

func durationPtr(ms sql.NullInt64) *time.Duration {
	if !ms.Valid {
		return nil
	}
	d := time.Duration(ms.Int64) * time.Millisecond
	return &d
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullDuration(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}
