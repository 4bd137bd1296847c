package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rankcraft/linkengine/internal/anchor"
	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rankcraft/linkengine/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Config holds the worker cycle's safety knobs
type Config struct {
	AttemptCeiling  int // transient failures before escalating to manual review
	ClaimCandidates int // candidates tried per invocation when claims race
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		AttemptCeiling:  3,
		ClaimCandidates: 3,
	}
}

// TaskResult is what one worker-cycle invocation reports back
type TaskResult struct {
	TaskID               string `json:"task_id"`
	Status               string `json:"status"`
	Success              bool   `json:"success"`
	ErrorMessage         string `json:"error_message,omitempty"`
	RequiresManualReview bool   `json:"requires_manual_review"`
	ManualReviewReason   string `json:"manual_review_reason,omitempty"`
	BacklinkURL          string `json:"backlink_url,omitempty"`
}

// WorkerCycle processes at most one backlink task per invocation for a
// user, under the campaign's safety constraints. Callers loop until a nil
// result to drain the queue; external schedulers rate-limit by invocation
// frequency.
type WorkerCycle struct {
	store    Store
	queue    TaskStore
	executor SubmissionExecutor
	notifier Notifier
	renderer *anchor.Renderer
	cfg      Config
}

// NewWorkerCycle creates a worker cycle
func NewWorkerCycle(store Store, queue TaskStore, executor SubmissionExecutor, notifier Notifier, cfg Config) *WorkerCycle {
	if store == nil {
		panic("store is required")
	}
	if queue == nil {
		panic("task queue is required")
	}
	if executor == nil {
		panic("submission executor is required")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.AttemptCeiling < 1 {
		cfg.AttemptCeiling = DefaultConfig().AttemptCeiling
	}
	if cfg.ClaimCandidates < 1 {
		cfg.ClaimCandidates = DefaultConfig().ClaimCandidates
	}

	return &WorkerCycle{
		store:    store,
		queue:    queue,
		executor: executor,
		notifier: notifier,
		renderer: anchor.NewRenderer(rand.New(rand.NewSource(time.Now().UnixNano()))),
		cfg:      cfg,
	}
}

// Config returns the cycle's effective configuration
func (w *WorkerCycle) Config() Config {
	return w.cfg
}

// Run processes the next eligible task for the user. Returns (nil, nil)
// when there is nothing to do: campaign paused or missing, quota
// exhausted, or no claimable task.
func (w *WorkerCycle) Run(ctx context.Context, userID string) (*TaskResult, error) {
	span := sentry.StartSpan(ctx, "engine.worker_cycle")
	span.SetTag("user_id", userID)
	defer span.Finish()

	campaign, err := w.store.GetCampaign(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil || campaign.IsPaused {
		return nil, nil
	}

	windowStart, windowEnd := dayWindow(time.Now(), campaign.Location())
	used, err := w.queue.DailySubmissionCount(ctx, userID, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to count daily submissions: %w", err)
	}
	if used >= campaign.MaxDailySubmissions {
		metrics.QuotaExhausted.Inc()
		log.Debug().
			Str("user_id", userID).
			Int("used", used).
			Int("cap", campaign.MaxDailySubmissions).
			Msg("Daily submission quota exhausted")
		return nil, nil
	}

	task, err := w.claimNext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	return w.processClaimed(ctx, campaign, task)
}

// claimNext selects candidates in priority-then-schedule order and races
// the optimistic claim, bounded to cfg.ClaimCandidates attempts
func (w *WorkerCycle) claimNext(ctx context.Context, userID string) (*db.Task, error) {
	candidates, err := w.queue.NextPendingTasks(ctx, userID, w.cfg.ClaimCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}

	for _, candidate := range candidates {
		if err := w.tryClaim(ctx, candidate.ID); err != nil {
			if errors.Is(err, ErrRaceLost) {
				// Another worker got there first; next candidate
				log.Debug().Str("task_id", candidate.ID).Msg("Lost claim race")
				continue
			}
			return nil, err
		}
		candidate.Status = db.TaskStatusProcessing
		return candidate, nil
	}

	return nil, nil
}

// tryClaim attempts the optimistic claim, mapping a lost race to ErrRaceLost
func (w *WorkerCycle) tryClaim(ctx context.Context, taskID string) error {
	won, err := w.queue.ClaimTask(ctx, taskID)
	if err != nil {
		return &PersistenceError{Op: "claim", Err: err}
	}
	if !won {
		return ErrRaceLost
	}
	return nil
}

// processClaimed runs the submission and applies exactly one terminal
// transition for this attempt. Whatever happens, the task never stays in
// processing: the deferred cleanup reverts an unfinalised claim to
// pending, including on panic.
func (w *WorkerCycle) processClaimed(ctx context.Context, campaign *db.Campaign, task *db.Task) (result *TaskResult, err error) {
	finalised := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("task_id", task.ID).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic during task processing")
			sentry.CurrentHub().Recover(r)
			err = fmt.Errorf("panic during task processing: %v", r)
			result = nil
		}
		if !finalised {
			if relErr := w.queue.ReleaseTask(ctx, task.ID); relErr != nil {
				// A leaked processing row is the one thing we must not
				// allow silently; alert operators
				sentry.CaptureException(relErr)
				log.Error().Err(relErr).Str("task_id", task.ID).Msg("Failed to release claimed task")
			}
		}
	}()

	if err := w.resolveAnchor(ctx, campaign, task); err != nil {
		return nil, err
	}

	platform, err := w.store.GetPlatform(ctx, task.PlatformID)
	if err != nil {
		return nil, fmt.Errorf("failed to load platform: %w", err)
	}
	if platform == nil {
		return w.finalise(ctx, task, &finalised, manualOutcome("platform no longer in catalog"))
	}

	if err := w.store.SetCampaignProgress(ctx, task.UserID, "submitting", platform.Name); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to record campaign progress")
	}

	submission, submitErr := w.executor.Submit(ctx, platform, task)

	switch {
	case submitErr == nil:
		backlink := &db.Backlink{
			UserID:       task.UserID,
			SourceName:   platform.Name,
			SourceDomain: platform.Domain,
			LinkURL:      submission.PublishedURL,
			TargetURL:    task.TargetURL,
			AnchorText:   task.AnchorText,
			AnchorType:   task.AnchorType,
			DomainRating: platform.DomainAuthority,
			Tier:         task.Tier,
		}
		if backlink.LinkURL == "" {
			backlink.LinkURL = "https://" + platform.Domain
		}

		// One transaction: the completed transition and the backlink row
		// commit together, so a failed write can never leave a backlink
		// behind for a retried task to duplicate
		if err := w.queue.CompleteTaskWithBacklink(ctx, task, backlink); err != nil {
			return nil, &PersistenceError{Op: "complete task", Err: err}
		}
		finalised = true

		return w.report(ctx, task, outcome{
			status:      db.TaskStatusCompleted,
			backlinkURL: backlink.LinkURL,
		}), nil

	case IsPlatformIncompatible(submitErr):
		// No retry will help; straight to a human, retries untouched
		return w.finalise(ctx, task, &finalised, manualOutcome(submitErr.Error()))

	case IsTransient(submitErr):
		task.AttemptCount++
		if task.AttemptCount >= w.cfg.AttemptCeiling {
			return w.finalise(ctx, task, &finalised, outcome{
				status:       db.TaskStatusRequireManual,
				errorMessage: submitErr.Error(),
				manualReason: fmt.Sprintf("attempt ceiling (%d) exceeded", w.cfg.AttemptCeiling),
			})
		}
		return w.finalise(ctx, task, &finalised, outcome{
			status:       db.TaskStatusFailed,
			errorMessage: submitErr.Error(),
		})

	default:
		// Unclassified executor failure: treat as transient so the task
		// is retried rather than wedged
		task.AttemptCount++
		if task.AttemptCount >= w.cfg.AttemptCeiling {
			return w.finalise(ctx, task, &finalised, outcome{
				status:       db.TaskStatusRequireManual,
				errorMessage: submitErr.Error(),
				manualReason: fmt.Sprintf("attempt ceiling (%d) exceeded", w.cfg.AttemptCeiling),
			})
		}
		return w.finalise(ctx, task, &finalised, outcome{
			status:       db.TaskStatusFailed,
			errorMessage: submitErr.Error(),
		})
	}
}

type outcome struct {
	status       string
	errorMessage string
	manualReason string
	backlinkURL  string
}

func manualOutcome(reason string) outcome {
	return outcome{status: db.TaskStatusRequireManual, manualReason: reason}
}

// finalise applies the state transition, then reports the outcome
func (w *WorkerCycle) finalise(ctx context.Context, task *db.Task, finalised *bool, o outcome) (*TaskResult, error) {
	task.Status = o.status
	task.ErrorMessage = o.errorMessage
	if o.status == db.TaskStatusRequireManual {
		task.RequiresManualReview = true
		task.ManualReviewReason = o.manualReason
	}

	if err := w.queue.UpdateTaskStatus(ctx, task); err != nil {
		// The deferred release will revert the claim so the task is not
		// left in processing
		return nil, &PersistenceError{Op: "update task status", Err: err}
	}
	*finalised = true

	return w.report(ctx, task, o), nil
}

// report records metrics and the audit trail for an applied transition,
// and builds the result record
func (w *WorkerCycle) report(ctx context.Context, task *db.Task, o outcome) *TaskResult {
	metrics.TasksProcessed.WithLabelValues(o.status).Inc()

	if err := w.store.LogAction(ctx, task.UserID, "task_"+o.status, map[string]any{
		"task_id":     task.ID,
		"platform_id": task.PlatformID,
		"status":      o.status,
		"error":       o.errorMessage,
	}); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to write audit entry")
	}

	if o.status == db.TaskStatusRequireManual {
		w.notifier.NotifyManualReview(ctx, task, o.manualReason)
	}

	log.Info().
		Str("task_id", task.ID).
		Str("user_id", task.UserID).
		Str("status", o.status).
		Int("attempts", task.AttemptCount).
		Msg("Worker cycle finished task")

	return &TaskResult{
		TaskID:               task.ID,
		Status:               o.status,
		Success:              o.status == db.TaskStatusCompleted,
		ErrorMessage:         o.errorMessage,
		RequiresManualReview: o.status == db.TaskStatusRequireManual,
		ManualReviewReason:   o.manualReason,
		BacklinkURL:          o.backlinkURL,
	}
}

// resolveAnchor assigns an anchor category and text if the task doesn't
// carry one yet. Category choice is deterministic from the campaign's
// existing link mix; only the literal string within it is random.
func (w *WorkerCycle) resolveAnchor(ctx context.Context, campaign *db.Campaign, task *db.Task) error {
	if task.AnchorType != "" && task.AnchorText != "" {
		return nil
	}

	if task.AnchorType == "" {
		rawCounts, err := w.store.AnchorCounts(ctx, task.UserID, task.Tier)
		if err != nil {
			return fmt.Errorf("failed to load anchor counts: %w", err)
		}
		counts := make(map[anchor.Type]int, len(rawCounts))
		for k, v := range rawCounts {
			counts[anchor.ParseType(k)] += v
		}
		task.AnchorType = string(anchor.Next(counts, task.Tier, anchor.ParseRisk(campaign.RiskLevel)))
	}

	task.AnchorText = w.renderer.Render(
		anchor.ParseType(task.AnchorType),
		campaign.BrandedTerms,
		campaign.TargetKeywords,
		task.TargetURL,
	)

	if err := w.queue.SetTaskAnchor(ctx, task.ID, task.AnchorType, task.AnchorText); err != nil {
		return &PersistenceError{Op: "set task anchor", Err: err}
	}

	return nil
}

// dayWindow returns the calendar-day bounds containing now in the given
// location. Quota counting is inclusive of the start, exclusive of the end.
func dayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour)
}

// hostOf extracts the hostname from a URL, for audit metadata
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
