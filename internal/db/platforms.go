package db

import (
	"context"
	"database/sql"
	"fmt"
)

// ListPlatforms returns the full platform catalog
func (d *DB) ListPlatforms(ctx context.Context) ([]*Platform, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT id, name, domain, domain_authority, automation_allowed,
			has_captcha, submit_url, submit_method, created_at
		FROM platforms
		ORDER BY domain_authority DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	defer rows.Close()

	return scanPlatforms(rows)
}

// EligiblePlatforms returns automation-eligible platforms at or above the
// given authority floor. CAPTCHA-gated platforms are excluded; those can
// only be worked through the manual-review path.
func (d *DB) EligiblePlatforms(ctx context.Context, minAuthority int) ([]*Platform, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT id, name, domain, domain_authority, automation_allowed,
			has_captcha, submit_url, submit_method, created_at
		FROM platforms
		WHERE automation_allowed = TRUE
		AND has_captcha = FALSE
		AND domain_authority >= $1
		ORDER BY domain_authority DESC
	`, minAuthority)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible platforms: %w", err)
	}
	defer rows.Close()

	return scanPlatforms(rows)
}

// GetPlatform fetches a single platform by ID
func (d *DB) GetPlatform(ctx context.Context, platformID string) (*Platform, error) {
	var p Platform
	err := d.client.QueryRowContext(ctx, `
		SELECT id, name, domain, domain_authority, automation_allowed,
			has_captcha, submit_url, submit_method, created_at
		FROM platforms
		WHERE id = $1
	`, platformID).Scan(
		&p.ID, &p.Name, &p.Domain, &p.DomainAuthority, &p.AutomationAllowed,
		&p.HasCaptcha, &p.SubmitURL, &p.SubmitMethod, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get platform: %w", err)
	}

	return &p, nil
}

func scanPlatforms(rows *sql.Rows) ([]*Platform, error) {
	var platforms []*Platform
	for rows.Next() {
		var p Platform
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Domain, &p.DomainAuthority, &p.AutomationAllowed,
			&p.HasCaptcha, &p.SubmitURL, &p.SubmitMethod, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan platform: %w", err)
		}
		platforms = append(platforms, &p)
	}

	return platforms, rows.Err()
}
