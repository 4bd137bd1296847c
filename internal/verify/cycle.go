package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rankcraft/linkengine/internal/metrics"
	"github.com/rs/zerolog/log"
)

// LinkStore is the persistence surface the verification cycle needs
type LinkStore interface {
	BacklinksDueForCheck(ctx context.Context, staleAfter time.Duration, limit int) ([]*db.Backlink, error)
	MarkIndexChecked(ctx context.Context, backlinkID string, indexed bool) error
	ReplaceBacklink(ctx context.Context, b *db.Backlink, platformID string, scheduledFor time.Time) (string, error)
	EligiblePlatforms(ctx context.Context, minAuthority int) ([]*db.Platform, error)
	LogAction(ctx context.Context, userID, action string, metadata map[string]any) error
}

// Config tunes a verification sweep
type Config struct {
	// BatchSize caps how many links one sweep inspects
	BatchSize int
	// StaleAfter is how long a confirmed check stays fresh
	StaleAfter time.Duration
	// ReplaceAfter is the age past which an unindexed tier-2 link is
	// written off and rebuilt
	ReplaceAfter time.Duration
}

// DefaultConfig returns the production sweep settings
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		StaleAfter:   24 * time.Hour,
		ReplaceAfter: 14 * 24 * time.Hour,
	}
}

// Result summarises one sweep
type Result struct {
	Checked  int `json:"checked"`
	Indexed  int `json:"indexed"`
	Replaced int `json:"replaced"`
	Errors   int `json:"errors"`
}

// Cycle runs indexation sweeps over placed backlinks
type Cycle struct {
	store   LinkStore
	checker IndexChecker
	config  Config
}

// NewCycle creates a verification cycle. Panics on nil dependencies.
func NewCycle(store LinkStore, checker IndexChecker, config Config) *Cycle {
	if store == nil {
		panic("link store is required")
	}
	if checker == nil {
		panic("index checker is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultConfig().StaleAfter
	}
	if config.ReplaceAfter <= 0 {
		config.ReplaceAfter = DefaultConfig().ReplaceAfter
	}
	return &Cycle{store: store, checker: checker, config: config}
}

// Run performs one verification sweep: check every due link, record the
// outcome, and replace decayed tier-2 links. A failing check only skips
// that link; the sweep always finishes the batch.
func (c *Cycle) Run(ctx context.Context) (*Result, error) {
	span := sentry.StartSpan(ctx, "verify.run")
	defer span.Finish()

	links, err := c.store.BacklinksDueForCheck(ctx, c.config.StaleAfter, c.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification batch: %w", err)
	}

	result := &Result{}
	for _, link := range links {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++

		indexed, err := c.checker.CheckIndexed(ctx, link)
		if err != nil {
			result.Errors++
			metrics.BacklinksVerified.WithLabelValues("error").Inc()
			log.Warn().
				Err(err).
				Str("backlink_id", link.ID).
				Str("link_url", link.LinkURL).
				Msg("Indexation check failed")
			continue
		}

		if err := c.store.MarkIndexChecked(ctx, link.ID, indexed); err != nil {
			result.Errors++
			log.Error().
				Err(err).
				Str("backlink_id", link.ID).
				Msg("Failed to record index check")
			continue
		}

		if indexed {
			result.Indexed++
			metrics.BacklinksVerified.WithLabelValues("indexed").Inc()
			continue
		}
		metrics.BacklinksVerified.WithLabelValues("unindexed").Inc()

		if c.shouldReplace(link) {
			if c.replace(ctx, link) {
				result.Replaced++
			} else {
				result.Errors++
			}
		}
	}

	log.Info().
		Int("checked", result.Checked).
		Int("indexed", result.Indexed).
		Int("replaced", result.Replaced).
		Int("errors", result.Errors).
		Msg("Verification sweep finished")

	return result, nil
}

// shouldReplace applies the self-healing rule: only tier-2 links are
// rebuilt, and only once they have had a fair chance to get indexed.
// Tier-1 placements are too valuable to churn automatically and tier-3
// links are disposable by design.
func (c *Cycle) shouldReplace(link *db.Backlink) bool {
	if link.Tier != 2 || link.IsIndexed {
		return false
	}
	return time.Since(link.CreatedAt) > c.config.ReplaceAfter
}

// replace supersedes a decayed link and queues its rebuild
func (c *Cycle) replace(ctx context.Context, link *db.Backlink) bool {
	platformID, err := c.pickReplacementPlatform(ctx, link)
	if err != nil {
		log.Error().
			Err(err).
			Str("backlink_id", link.ID).
			Msg("No platform available for replacement")
		return false
	}

	taskID, err := c.store.ReplaceBacklink(ctx, link, platformID, time.Now())
	if err != nil {
		log.Error().
			Err(err).
			Str("backlink_id", link.ID).
			Msg("Failed to replace backlink")
		return false
	}
	if taskID == "" {
		// Lost the race to a concurrent sweep, nothing to do
		return false
	}

	metrics.BacklinksReplaced.Inc()
	if err := c.store.LogAction(ctx, link.UserID, "backlink_replaced", map[string]any{
		"backlink_id": link.ID,
		"target_url":  link.TargetURL,
		"tier":        link.Tier,
		"task_id":     taskID,
	}); err != nil {
		log.Warn().Err(err).Str("backlink_id", link.ID).Msg("Failed to write audit entry")
	}

	log.Info().
		Str("backlink_id", link.ID).
		Str("task_id", taskID).
		Str("target_url", link.TargetURL).
		Msg("Replaced decayed backlink")

	return true
}

// pickReplacementPlatform chooses where the rebuilt link goes: the
// strongest eligible platform whose authority lands in the same tier,
// avoiding the domain that just failed
func (c *Cycle) pickReplacementPlatform(ctx context.Context, link *db.Backlink) (string, error) {
	platforms, err := c.store.EligiblePlatforms(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("failed to load platforms: %w", err)
	}

	var fallback string
	for _, p := range platforms {
		if p.Domain == link.SourceDomain {
			continue
		}
		if fallback == "" {
			fallback = p.ID
		}
		if tierForAuthority(p.DomainAuthority) == link.Tier {
			return p.ID, nil
		}
	}
	if fallback != "" {
		return fallback, nil
	}

	return "", fmt.Errorf("no eligible platform for tier %d", link.Tier)
}

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
