package db

import (
	"encoding/json"
	"time"
)

// Task statuses. A task only moves forward through these; failed and
// blocked tasks may be re-armed to pending by an explicit retry.
const (
	TaskStatusPending       = "pending"
	TaskStatusProcessing    = "processing"
	TaskStatusCompleted     = "completed"
	TaskStatusFailed        = "failed"
	TaskStatusBlocked       = "blocked"
	TaskStatusRequireManual = "require_manual"
)

// Backlink statuses
const (
	BacklinkStatusLive     = "live"
	BacklinkStatusReplaced = "replaced"
	BacklinkStatusDead     = "dead"
)

// Campaign risk levels
const (
	RiskConservative = "conservative"
	RiskBalanced     = "balanced"
	RiskBoost        = "boost"
)

// Exchange participant / link statuses
const (
	ParticipantStatusPending  = "pending"
	ParticipantStatusVerified = "verified"

	CreditsStatusPending  = "pending"
	CreditsStatusVerified = "verified"
)

// Exchange transaction types. The transaction log is the ground truth for
// participant balances; balance is a derived value.
const (
	TxTypeEarn       = "earn"
	TxTypeSpend      = "spend"
	TxTypeAdjustment = "adjustment"
)

// Platform is a candidate destination for a backlink. Reference data,
// never mutated by the engine.
type Platform struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Domain            string    `json:"domain"`
	DomainAuthority   int       `json:"domain_authority"`
	AutomationAllowed bool      `json:"automation_allowed"`
	HasCaptcha        bool      `json:"has_captcha"`
	SubmitURL         string    `json:"submit_url"`
	SubmitMethod      string    `json:"submit_method"`
	CreatedAt         time.Time `json:"created_at"`
}

// Task is one unit of work: place (or replace) a link on a platform
type Task struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	PlatformID           string          `json:"platform_id"`
	TargetURL            string          `json:"target_url"`
	AnchorType           string          `json:"anchor_type,omitempty"`
	AnchorText           string          `json:"anchor_text,omitempty"`
	Tier                 int             `json:"tier"`
	Status               string          `json:"status"`
	Priority             int             `json:"priority"`
	ScheduledFor         time.Time       `json:"scheduled_for"`
	AttemptCount         int             `json:"attempt_count"`
	LastAttemptAt        *time.Time      `json:"last_attempt_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	RequiresManualReview bool            `json:"requires_manual_review"`
	ManualReviewReason   string          `json:"manual_review_reason,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Backlink is a confirmed, live placement resulting from a completed task
type Backlink struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SourceName     string     `json:"source_name"`
	SourceDomain   string     `json:"source_domain"`
	LinkURL        string     `json:"link_url"`
	TargetURL      string     `json:"target_url"`
	AnchorText     string     `json:"anchor_text"`
	AnchorType     string     `json:"anchor_type"`
	DomainRating   int        `json:"domain_rating"`
	Tier           int        `json:"tier"`
	Status         string     `json:"status"`
	IsIndexed      bool       `json:"is_indexed"`
	LastIndexCheck *time.Time `json:"last_index_check,omitempty"`
	ArticleID      *string    `json:"article_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Campaign holds per-user configuration and rolling state
type Campaign struct {
	UserID              string     `json:"user_id"`
	RiskLevel           string     `json:"risk_level"`
	BrandedTerms        []string   `json:"branded_terms"`
	TargetKeywords      []string   `json:"target_keywords"`
	MaxDailySubmissions int        `json:"max_daily_submissions"`
	MinDomainRating     int        `json:"min_domain_rating"`
	Timezone            string     `json:"timezone"`
	IsPaused            bool       `json:"is_paused"`
	AgentStatus         string     `json:"agent_status"`
	CurrentStep         string     `json:"current_step"`
	LastScanAt          *time.Time `json:"last_scan_at,omitempty"`
	NextScanAt          *time.Time `json:"next_scan_at,omitempty"`
}

// Location resolves the campaign's timezone, falling back to UTC
func (c *Campaign) Location() *time.Location {
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// ExchangeParticipant is a site taking part in the link-exchange pool
type ExchangeParticipant struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Domain            string     `json:"domain"`
	DomainRating      int        `json:"domain_rating"`
	CreditBalance     float64    `json:"credit_balance"`
	Status            string     `json:"status"`
	VerificationToken string     `json:"-"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ExchangeLink is a placement between two participants
type ExchangeLink struct {
	ID                  string     `json:"id"`
	SourceParticipantID string     `json:"source_participant_id"`
	DestParticipantID   string     `json:"dest_participant_id"`
	SourceURL           string     `json:"source_url"`
	DestURL             string     `json:"dest_url"`
	AnchorText          string     `json:"anchor_text"`
	CreditValue         float64    `json:"credit_value"`
	CreditsStatus       string     `json:"credits_status"`
	VerifiedAt          *time.Time `json:"verified_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ExchangeTransaction is an immutable ledger entry
type ExchangeTransaction struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	Type          string    `json:"type"`
	Amount        float64   `json:"amount"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}
