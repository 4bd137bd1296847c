package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rs/zerolog/log"
)

// maxInitialTasks caps how many placements one article seeds
const maxInitialTasks = 10

type taskPayload struct {
	SiteName    string `json:"site_name"`
	Description string `json:"description,omitempty"`
	ArticleID   string `json:"article_id,omitempty"`
}

// CreateTasksForUser seeds campaign tasks for a newly published article:
// one task per eligible platform, staggered across the coming day so the
// queue drips rather than bursts. Validation failures reject the whole
// request; nothing enters the queue.
func (w *WorkerCycle) CreateTasksForUser(ctx context.Context, userID, siteURL, siteName, description, articleID string) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if siteName == "" {
		return &ValidationError{Field: "site_name", Reason: "must not be empty"}
	}
	parsed, err := url.Parse(siteURL)
	if err != nil || parsed.Hostname() == "" || !strings.HasPrefix(parsed.Scheme, "http") {
		return &ValidationError{Field: "site_url", Reason: "must be an absolute http(s) URL"}
	}

	campaign, err := w.store.GetCampaign(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		// First article for this user: start from a balanced default
		campaign = &db.Campaign{
			UserID:              userID,
			RiskLevel:           db.RiskBalanced,
			BrandedTerms:        []string{siteName},
			MaxDailySubmissions: 5,
			Timezone:            "UTC",
		}
		if err := w.store.UpsertCampaign(ctx, campaign); err != nil {
			return fmt.Errorf("failed to create default campaign: %w", err)
		}
	}

	platforms, err := w.store.EligiblePlatforms(ctx, campaign.MinDomainRating)
	if err != nil {
		return fmt.Errorf("failed to load eligible platforms: %w", err)
	}
	if len(platforms) == 0 {
		return &ValidationError{Field: "platforms", Reason: "no eligible platforms in catalog"}
	}
	if len(platforms) > maxInitialTasks {
		platforms = platforms[:maxInitialTasks]
	}

	payload, err := json.Marshal(taskPayload{
		SiteName:    siteName,
		Description: description,
		ArticleID:   articleID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	tasks := make([]*db.Task, 0, len(platforms))
	for i, platform := range platforms {
		tasks = append(tasks, &db.Task{
			UserID:       userID,
			PlatformID:   platform.ID,
			TargetURL:    siteURL,
			Tier:         tierForAuthority(platform.DomainAuthority),
			Status:       db.TaskStatusPending,
			Priority:     platform.DomainAuthority / 10,
			ScheduledFor: staggerSchedule(time.Now(), i, len(platforms)),
			Payload:      json.RawMessage(payload),
		})
	}

	if err := w.queue.EnqueueTasks(ctx, tasks); err != nil {
		return &PersistenceError{Op: "enqueue tasks", Err: err}
	}

	if err := w.store.LogAction(ctx, userID, "tasks_created", map[string]any{
		"site_url":   siteURL,
		"site_host":  hostOf(siteURL),
		"article_id": articleID,
		"task_count": len(tasks),
	}); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to write audit entry")
	}

	log.Info().
		Str("user_id", userID).
		Str("site_url", siteURL).
		Int("task_count", len(tasks)).
		Msg("Created campaign tasks")

	return nil
}

// tierForAuthority maps platform authority onto a placement tier: strong
// domains link the money site directly, weak ones fill the disposable layer
func tierForAuthority(authority int) int {
	switch {
	case authority >= 60:
		return 1
	case authority >= 30:
		return 2
	default:
		return 3
	}
}

// staggerSchedule spreads n tasks across the coming day with a little
// jitter, so submissions never land as a burst
func staggerSchedule(now time.Time, i, n int) time.Time {
	if n < 1 {
		n = 1
	}
	slot := 24 * time.Hour / time.Duration(n)
	jitter := time.Duration(rand.Int63n(int64(slot)/2 + 1))
	return now.Add(time.Duration(i)*slot + jitter)
}
