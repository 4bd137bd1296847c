package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// AnchorCounts returns the number of live links per anchor type for a
// user's tier. Input to the distribution engine.
func (d *DB) AnchorCounts(ctx context.Context, userID string, tier int) (map[string]int, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT anchor_type, COUNT(*)
		FROM backlinks
		WHERE user_id = $1 AND tier = $2 AND status = $3 AND anchor_type != ''
		GROUP BY anchor_type
	`, userID, tier, BacklinkStatusLive)
	if err != nil {
		return nil, fmt.Errorf("failed to count anchors: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var anchorType string
		var count int
		if err := rows.Scan(&anchorType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan anchor count: %w", err)
		}
		counts[anchorType] = count
	}

	return counts, rows.Err()
}

// BacklinksDueForCheck returns the next verification batch: links never
// confirmed indexed, plus previously-checked links whose last check is
// older than staleAfter. Oldest checks first.
func (d *DB) BacklinksDueForCheck(ctx context.Context, staleAfter time.Duration, limit int) ([]*Backlink, error) {
	staleBefore := time.Now().Add(-staleAfter)

	rows, err := d.client.QueryContext(ctx, `
		SELECT id, user_id, source_name, source_domain, link_url, target_url,
			anchor_text, anchor_type, domain_rating, tier, status, is_indexed,
			last_index_check, article_id, created_at
		FROM backlinks
		WHERE status = $1
		AND (last_index_check IS NULL OR last_index_check < $2)
		ORDER BY last_index_check ASC NULLS FIRST
		LIMIT $3
	`, BacklinkStatusLive, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query backlinks due for check: %w", err)
	}
	defer rows.Close()

	var links []*Backlink
	for rows.Next() {
		var b Backlink
		if err := rows.Scan(
			&b.ID, &b.UserID, &b.SourceName, &b.SourceDomain, &b.LinkURL, &b.TargetURL,
			&b.AnchorText, &b.AnchorType, &b.DomainRating, &b.Tier, &b.Status, &b.IsIndexed,
			&b.LastIndexCheck, &b.ArticleID, &b.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan backlink: %w", err)
		}
		links = append(links, &b)
	}

	return links, rows.Err()
}

// MarkIndexChecked records the outcome of an indexation check
func (d *DB) MarkIndexChecked(ctx context.Context, backlinkID string, indexed bool) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE backlinks
		SET is_indexed = $1, last_index_check = NOW()
		WHERE id = $2
	`, indexed, backlinkID)
	if err != nil {
		return fmt.Errorf("failed to mark index check: %w", err)
	}

	return nil
}

// ReplaceBacklink supersedes a decayed backlink and spawns its replacement
// task in one transaction: the link moves to replaced, and a new pending
// task targeting the same URL at the same tier enters the queue. The only
// place tasks are created outside campaign generation.
func (d *DB) ReplaceBacklink(ctx context.Context, b *Backlink, platformID string, scheduledFor time.Time) (string, error) {
	span := sentry.StartSpan(ctx, "db.replace_backlink")
	defer span.Finish()

	taskID := uuid.New().String()

	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE backlinks
		SET status = $1
		WHERE id = $2 AND status = $3
	`, BacklinkStatusReplaced, b.ID, BacklinkStatusLive)
	if err != nil {
		return "", fmt.Errorf("failed to mark backlink replaced: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to read replace result: %w", err)
	}
	if affected == 0 {
		// Another sweep already replaced it
		return "", nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backlink_tasks (
			id, user_id, platform_id, target_url, tier, status, priority, scheduled_for, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}')
	`, taskID, b.UserID, platformID, b.TargetURL, b.Tier, TaskStatusPending, 1, scheduledFor)
	if err != nil {
		return "", fmt.Errorf("failed to insert replacement task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannelNewTasks, b.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to notify listeners: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	return taskID, nil
}

// VerificationStats holds a user's indexation rollup
type VerificationStats struct {
	Rate    float64 `json:"rate"`
	Indexed int     `json:"indexed"`
	Total   int     `json:"total"`
}

// GetVerificationStats returns the indexation rate across a user's live backlinks
func (d *DB) GetVerificationStats(ctx context.Context, userID string) (*VerificationStats, error) {
	var stats VerificationStats
	err := d.client.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE is_indexed),
			COUNT(*)
		FROM backlinks
		WHERE user_id = $1 AND status = $2
	`, userID, BacklinkStatusLive).Scan(&stats.Indexed, &stats.Total)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get verification stats: %w", err)
	}

	if stats.Total > 0 {
		stats.Rate = float64(stats.Indexed) / float64(stats.Total)
	}

	return &stats, nil
}
