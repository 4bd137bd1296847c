package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientFunds rejects a funded placement the buyer's balance
// cannot cover
var ErrInsufficientFunds = errors.New("insufficient credit balance")

// CreateParticipant registers a new exchange participant in pending state
func (d *DB) CreateParticipant(ctx context.Context, p *ExchangeParticipant) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = ParticipantStatusPending
	}

	_, err := d.client.ExecContext(ctx, `
		INSERT INTO exchange_participants (
			id, user_id, domain, domain_rating, credit_balance, status, verification_token
		) VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, p.ID, p.UserID, p.Domain, p.DomainRating, p.Status, p.VerificationToken)
	if err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}

	return nil
}

// GetParticipant fetches a participant by ID
func (d *DB) GetParticipant(ctx context.Context, participantID string) (*ExchangeParticipant, error) {
	var p ExchangeParticipant
	err := d.client.QueryRowContext(ctx, `
		SELECT id, user_id, domain, domain_rating, credit_balance, status,
			verification_token, verified_at, created_at
		FROM exchange_participants
		WHERE id = $1
	`, participantID).Scan(
		&p.ID, &p.UserID, &p.Domain, &p.DomainRating, &p.CreditBalance, &p.Status,
		&p.VerificationToken, &p.VerifiedAt, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	return &p, nil
}

// MarkParticipantVerified applies the pending -> verified transition
func (d *DB) MarkParticipantVerified(ctx context.Context, participantID string) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE exchange_participants
		SET status = $1, verified_at = NOW()
		WHERE id = $2 AND status = $3
	`, ParticipantStatusVerified, participantID, ParticipantStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark participant verified: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("participant %s is not pending verification", participantID)
	}

	return nil
}

// ApplyTransaction is the single write boundary for credit balances: the
// ledger row and the cached balance move together in one transaction, so
// a participant's balance always equals the sum of its transactions.
func (d *DB) ApplyTransaction(ctx context.Context, t *ExchangeTransaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exchange_transactions (id, participant_id, type, amount, description)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.ParticipantID, t.Type, t.Amount, t.Description)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE exchange_participants
		SET credit_balance = credit_balance + $1
		WHERE id = $2
	`, t.Amount, t.ParticipantID)
	if err != nil {
		return fmt.Errorf("failed to update credit balance: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("participant %s not found", t.ParticipantID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	return nil
}

// LedgerSum recomputes a participant's balance from its transaction log
func (d *DB) LedgerSum(ctx context.Context, participantID string) (float64, error) {
	var sum float64
	err := d.client.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM exchange_transactions
		WHERE participant_id = $1
	`, participantID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}

	return sum, nil
}

// PlaceLinkFunded records a placement and charges the buyer in one
// transaction: the link row, the spend ledger entry and the balance
// decrement land together or not at all. The balance guard sits in the
// UPDATE itself, so a concurrent spend cannot drive the balance negative
// and a failed charge never leaves a pending link behind.
func (d *DB) PlaceLinkFunded(ctx context.Context, l *ExchangeLink, charge *ExchangeTransaction) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreditsStatus == "" {
		l.CreditsStatus = CreditsStatusPending
	}
	if charge.ID == "" {
		charge.ID = uuid.New().String()
	}

	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exchange_links (
			id, source_participant_id, dest_participant_id, source_url, dest_url,
			anchor_text, credit_value, credits_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.SourceParticipantID, l.DestParticipantID, l.SourceURL, l.DestURL,
		l.AnchorText, l.CreditValue, l.CreditsStatus)
	if err != nil {
		return fmt.Errorf("failed to create exchange link: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exchange_transactions (id, participant_id, type, amount, description)
		VALUES ($1, $2, $3, $4, $5)
	`, charge.ID, charge.ParticipantID, charge.Type, charge.Amount, charge.Description)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE exchange_participants
		SET credit_balance = credit_balance + $1
		WHERE id = $2 AND credit_balance + $1 >= 0
	`, charge.Amount, charge.ParticipantID)
	if err != nil {
		return fmt.Errorf("failed to charge placement: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrInsufficientFunds
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit placement: %w", err)
	}

	return nil
}

// PendingExchangeLinks returns links awaiting verification, oldest first
func (d *DB) PendingExchangeLinks(ctx context.Context, limit int) ([]*ExchangeLink, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT id, source_participant_id, dest_participant_id, source_url, dest_url,
			anchor_text, credit_value, credits_status, verified_at, created_at
		FROM exchange_links
		WHERE credits_status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, CreditsStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending exchange links: %w", err)
	}
	defer rows.Close()

	var links []*ExchangeLink
	for rows.Next() {
		var l ExchangeLink
		if err := rows.Scan(
			&l.ID, &l.SourceParticipantID, &l.DestParticipantID, &l.SourceURL, &l.DestURL,
			&l.AnchorText, &l.CreditValue, &l.CreditsStatus, &l.VerifiedAt, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan exchange link: %w", err)
		}
		links = append(links, &l)
	}

	return links, rows.Err()
}

// MarkExchangeLinkVerified applies the pending -> verified credits transition.
// Returns false if another sweep got there first.
func (d *DB) MarkExchangeLinkVerified(ctx context.Context, linkID string, at time.Time) (bool, error) {
	result, err := d.client.ExecContext(ctx, `
		UPDATE exchange_links
		SET credits_status = $1, verified_at = $2
		WHERE id = $3 AND credits_status = $4
	`, CreditsStatusVerified, at, linkID, CreditsStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark exchange link verified: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read verify result: %w", err)
	}

	return affected == 1, nil
}
