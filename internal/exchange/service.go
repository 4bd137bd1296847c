// Package exchange runs the peer-to-peer link marketplace: a participant
// registry with domain-ownership verification, a credit ledger, and a
// settlement sweep that pays out once placed links are confirmed live.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rankcraft/linkengine/internal/metrics"
	"github.com/rs/zerolog/log"
)

// CreditRate converts the source site's domain rating into the credits a
// verified placement earns
const CreditRate = 0.5

// ErrInsufficientCredits rejects a placement the buyer cannot afford
var ErrInsufficientCredits = errors.New("insufficient credit balance")

// ErrNotVerified rejects exchange operations from unverified participants
var ErrNotVerified = errors.New("participant is not verified")

// Store is the persistence surface the exchange needs. Balance mutation
// always writes the ledger row and the cached balance together, through
// ApplyTransaction or the placement transaction in PlaceLinkFunded.
type Store interface {
	CreateParticipant(ctx context.Context, p *db.ExchangeParticipant) error
	GetParticipant(ctx context.Context, participantID string) (*db.ExchangeParticipant, error)
	MarkParticipantVerified(ctx context.Context, participantID string) error
	ApplyTransaction(ctx context.Context, t *db.ExchangeTransaction) error
	PlaceLinkFunded(ctx context.Context, l *db.ExchangeLink, charge *db.ExchangeTransaction) error
	PendingExchangeLinks(ctx context.Context, limit int) ([]*db.ExchangeLink, error)
	MarkExchangeLinkVerified(ctx context.Context, linkID string, at time.Time) (bool, error)
	LogAction(ctx context.Context, userID, action string, metadata map[string]any) error
}

// Service coordinates exchange operations
type Service struct {
	store     Store
	checker   SiteChecker
	batchSize int
}

// NewService creates the exchange service. Panics on nil dependencies.
func NewService(store Store, checker SiteChecker) *Service {
	if store == nil {
		panic("exchange store is required")
	}
	if checker == nil {
		panic("site checker is required")
	}
	return &Service{store: store, checker: checker, batchSize: 50}
}

// RegisterParticipant enrols a domain into the pool in pending state and
// returns the participant with its ownership token. The caller publishes
// the token in a meta tag before requesting verification.
func (s *Service) RegisterParticipant(ctx context.Context, userID, domain string, domainRating int) (*db.ExchangeParticipant, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}
	domain = normaliseDomain(domain)
	if domain == "" {
		return nil, fmt.Errorf("domain must not be empty")
	}
	if domainRating < 0 || domainRating > 100 {
		return nil, fmt.Errorf("domain rating must be between 0 and 100")
	}

	participant := &db.ExchangeParticipant{
		UserID:            userID,
		Domain:            domain,
		DomainRating:      domainRating,
		Status:            db.ParticipantStatusPending,
		VerificationToken: uuid.New().String(),
	}
	if err := s.store.CreateParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to register participant: %w", err)
	}

	log.Info().
		Str("participant_id", participant.ID).
		Str("domain", domain).
		Int("domain_rating", domainRating).
		Msg("Registered exchange participant")

	return participant, nil
}

// VerifyParticipant confirms domain ownership: the homepage must carry the
// participant's token. On success the participant moves pending -> verified.
func (s *Service) VerifyParticipant(ctx context.Context, participantID string) error {
	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return fmt.Errorf("failed to load participant: %w", err)
	}
	if participant == nil {
		return fmt.Errorf("participant %s not found", participantID)
	}
	if participant.Status == db.ParticipantStatusVerified {
		return nil
	}

	present, err := s.checker.TokenPresent(ctx, participant.Domain, participant.VerificationToken)
	if err != nil {
		return fmt.Errorf("failed to check ownership token: %w", err)
	}
	if !present {
		return fmt.Errorf("verification token not found on %s", participant.Domain)
	}

	if err := s.store.MarkParticipantVerified(ctx, participantID); err != nil {
		return fmt.Errorf("failed to mark participant verified: %w", err)
	}

	if err := s.store.LogAction(ctx, participant.UserID, "participant_verified", map[string]any{
		"participant_id": participantID,
		"domain":         participant.Domain,
	}); err != nil {
		log.Warn().Err(err).Str("participant_id", participantID).Msg("Failed to write audit entry")
	}

	log.Info().
		Str("participant_id", participantID).
		Str("domain", participant.Domain).
		Msg("Verified exchange participant")

	return nil
}

// PlaceLink records a placement bought by the destination participant. The
// buyer spends the link's credit value up front; the seller earns it only
// once the settlement sweep confirms the link is live. The credit value is
// fixed from the source's rating at placement time and never recomputed.
func (s *Service) PlaceLink(ctx context.Context, sourceID, destID, sourceURL, destURL, anchorText string) (*db.ExchangeLink, error) {
	if sourceID == destID {
		return nil, fmt.Errorf("a participant cannot exchange links with itself")
	}
	if !validURL(sourceURL) || !validURL(destURL) {
		return nil, fmt.Errorf("source and destination must be absolute http(s) URLs")
	}

	source, err := s.store.GetParticipant(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source participant: %w", err)
	}
	dest, err := s.store.GetParticipant(ctx, destID)
	if err != nil {
		return nil, fmt.Errorf("failed to load destination participant: %w", err)
	}
	if source == nil || dest == nil {
		return nil, fmt.Errorf("both participants must be registered")
	}
	if source.Status != db.ParticipantStatusVerified || dest.Status != db.ParticipantStatusVerified {
		return nil, ErrNotVerified
	}

	creditValue := float64(source.DomainRating) * CreditRate

	link := &db.ExchangeLink{
		ID:                  uuid.New().String(),
		SourceParticipantID: sourceID,
		DestParticipantID:   destID,
		SourceURL:           sourceURL,
		DestURL:             destURL,
		AnchorText:          anchorText,
		CreditValue:         creditValue,
		CreditsStatus:       db.CreditsStatusPending,
	}
	charge := &db.ExchangeTransaction{
		ParticipantID: destID,
		Type:          db.TxTypeSpend,
		Amount:        -creditValue,
		Description:   fmt.Sprintf("placement %s from %s", link.ID, source.Domain),
	}

	// One store transaction: the balance check, the charge and the link
	// row commit together, so a failed charge cannot strand a pending
	// placement for the settlement sweep to pay out
	if err := s.store.PlaceLinkFunded(ctx, link, charge); err != nil {
		if errors.Is(err, db.ErrInsufficientFunds) {
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("failed to place exchange link: %w", err)
	}

	if err := s.store.LogAction(ctx, dest.UserID, "exchange_link_placed", map[string]any{
		"link_id":      link.ID,
		"source":       source.Domain,
		"credit_value": creditValue,
	}); err != nil {
		log.Warn().Err(err).Str("link_id", link.ID).Msg("Failed to write audit entry")
	}

	log.Info().
		Str("link_id", link.ID).
		Str("source", source.Domain).
		Str("dest", dest.Domain).
		Float64("credit_value", creditValue).
		Msg("Placed exchange link")

	return link, nil
}

// Participant fetches one participant record
func (s *Service) Participant(ctx context.Context, participantID string) (*db.ExchangeParticipant, error) {
	return s.store.GetParticipant(ctx, participantID)
}

// SettlementResult summarises one settlement sweep
type SettlementResult struct {
	Checked int     `json:"checked"`
	Settled int     `json:"settled"`
	Errors  int     `json:"errors"`
	Credits float64 `json:"credits"`
}

// SettleLinks sweeps pending placements and pays out the ones confirmed
// live. Follows the verification-cycle shape: each link settles or fails
// on its own, the sweep always finishes the batch.
func (s *Service) SettleLinks(ctx context.Context) (*SettlementResult, error) {
	span := sentry.StartSpan(ctx, "exchange.settle")
	defer span.Finish()

	links, err := s.store.PendingExchangeLinks(ctx, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending links: %w", err)
	}

	result := &SettlementResult{}
	for _, link := range links {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++

		live, err := s.checker.LinkLive(ctx, link.SourceURL, link.DestURL)
		if err != nil {
			result.Errors++
			log.Warn().
				Err(err).
				Str("link_id", link.ID).
				Msg("Exchange link check failed")
			continue
		}
		if !live {
			continue
		}

		settled, err := s.settle(ctx, link)
		if err != nil {
			result.Errors++
			log.Error().
				Err(err).
				Str("link_id", link.ID).
				Msg("Failed to settle exchange link")
			continue
		}
		if settled {
			result.Settled++
			result.Credits += link.CreditValue
		}
	}

	log.Info().
		Int("checked", result.Checked).
		Int("settled", result.Settled).
		Float64("credits", result.Credits).
		Int("errors", result.Errors).
		Msg("Exchange settlement sweep finished")

	return result, nil
}

// settle pays out one confirmed link: flip credits_status first so a
// concurrent sweep cannot double-pay, then credit the source participant
// at the value fixed when the link was placed
func (s *Service) settle(ctx context.Context, link *db.ExchangeLink) (bool, error) {
	won, err := s.store.MarkExchangeLinkVerified(ctx, link.ID, time.Now())
	if err != nil {
		return false, err
	}
	if !won {
		// Another sweep settled it first
		return false, nil
	}

	if err := s.store.ApplyTransaction(ctx, &db.ExchangeTransaction{
		ParticipantID: link.SourceParticipantID,
		Type:          db.TxTypeEarn,
		Amount:        link.CreditValue,
		Description:   fmt.Sprintf("verified placement %s", link.ID),
	}); err != nil {
		return false, fmt.Errorf("failed to credit source participant: %w", err)
	}

	metrics.ExchangeCreditsSettled.Add(link.CreditValue)

	return true, nil
}

// GrantCredits applies an operator adjustment through the ledger. Exists so
// balances are never written directly, even for migrations.
func (s *Service) GrantCredits(ctx context.Context, participantID string, amount float64, description string) error {
	if amount == 0 {
		return fmt.Errorf("adjustment amount must not be zero")
	}
	if description == "" {
		return fmt.Errorf("adjustment requires a description")
	}

	if err := s.store.ApplyTransaction(ctx, &db.ExchangeTransaction{
		ParticipantID: participantID,
		Type:          db.TxTypeAdjustment,
		Amount:        amount,
		Description:   description,
	}); err != nil {
		return fmt.Errorf("failed to apply adjustment: %w", err)
	}

	log.Info().
		Str("participant_id", participantID).
		Float64("amount", amount).
		Msg("Applied credit adjustment")

	return nil
}

func normaliseDomain(domain string) string {
	domain = strings.TrimSpace(strings.ToLower(domain))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimSuffix(domain, "/")
}

func validURL(raw string) bool {
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Hostname() != "" && strings.HasPrefix(parsed.Scheme, "http")
}
