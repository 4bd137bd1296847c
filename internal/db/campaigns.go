package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// GetCampaign fetches a user's campaign configuration
func (d *DB) GetCampaign(ctx context.Context, userID string) (*Campaign, error) {
	var c Campaign
	err := d.client.QueryRowContext(ctx, `
		SELECT user_id, risk_level, branded_terms, target_keywords,
			max_daily_submissions, min_domain_rating, timezone, is_paused,
			agent_status, current_step, last_scan_at, next_scan_at
		FROM campaigns
		WHERE user_id = $1
	`, userID).Scan(
		&c.UserID, &c.RiskLevel, pq.Array(&c.BrandedTerms), pq.Array(&c.TargetKeywords),
		&c.MaxDailySubmissions, &c.MinDomainRating, &c.Timezone, &c.IsPaused,
		&c.AgentStatus, &c.CurrentStep, &c.LastScanAt, &c.NextScanAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return &c, nil
}

// UpsertCampaign creates or updates a user's campaign configuration
func (d *DB) UpsertCampaign(ctx context.Context, c *Campaign) error {
	_, err := d.client.ExecContext(ctx, `
		INSERT INTO campaigns (
			user_id, risk_level, branded_terms, target_keywords,
			max_daily_submissions, min_domain_rating, timezone, is_paused
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			risk_level = EXCLUDED.risk_level,
			branded_terms = EXCLUDED.branded_terms,
			target_keywords = EXCLUDED.target_keywords,
			max_daily_submissions = EXCLUDED.max_daily_submissions,
			min_domain_rating = EXCLUDED.min_domain_rating,
			timezone = EXCLUDED.timezone,
			is_paused = EXCLUDED.is_paused,
			updated_at = NOW()
	`, c.UserID, c.RiskLevel, pq.Array(c.BrandedTerms), pq.Array(c.TargetKeywords),
		c.MaxDailySubmissions, c.MinDomainRating, c.Timezone, c.IsPaused)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}

	return nil
}

// SetCampaignProgress records the agent's current activity on the campaign row
func (d *DB) SetCampaignProgress(ctx context.Context, userID, agentStatus, currentStep string) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE campaigns
		SET agent_status = $1, current_step = $2, last_scan_at = NOW(), updated_at = NOW()
		WHERE user_id = $3
	`, agentStatus, currentStep, userID)
	if err != nil {
		return fmt.Errorf("failed to set campaign progress: %w", err)
	}

	return nil
}

// CampaignStats is the per-user dashboard rollup. Values are aggregated at
// read time from the backlinks and task tables rather than cached on the
// campaign row, so they can never drift.
type CampaignStats struct {
	TotalBacklinks   int     `json:"total_backlinks"`
	UniqueSources    int     `json:"unique_sources"`
	AverageDR        float64 `json:"average_dr"`
	PendingTasks     int     `json:"pending_tasks"`
	IndexedBacklinks int     `json:"indexed_backlinks"`
	ExactMatchShare  float64 `json:"exact_match_share"`
}

// GetCampaignStats aggregates a user's campaign rollup
func (d *DB) GetCampaignStats(ctx context.Context, userID string) (*CampaignStats, error) {
	var stats CampaignStats
	err := d.client.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'live'),
			COUNT(DISTINCT source_domain) FILTER (WHERE status = 'live'),
			COALESCE(AVG(domain_rating) FILTER (WHERE status = 'live'), 0),
			COUNT(*) FILTER (WHERE status = 'live' AND is_indexed),
			CASE WHEN COUNT(*) FILTER (WHERE status = 'live') = 0 THEN 0
				ELSE COUNT(*) FILTER (WHERE status = 'live' AND anchor_type = 'exact_match')::FLOAT
					/ COUNT(*) FILTER (WHERE status = 'live')
			END
		FROM backlinks
		WHERE user_id = $1
	`, userID).Scan(
		&stats.TotalBacklinks, &stats.UniqueSources, &stats.AverageDR,
		&stats.IndexedBacklinks, &stats.ExactMatchShare,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign stats: %w", err)
	}

	err = d.client.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backlink_tasks WHERE user_id = $1 AND status = 'pending'
	`, userID).Scan(&stats.PendingTasks)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending tasks: %w", err)
	}

	return &stats, nil
}
