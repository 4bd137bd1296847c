package engine

import (
	"context"
	"time"

	"github.com/rankcraft/linkengine/internal/db"
)

// TaskStore is the slice of the task queue the worker cycle needs.
// Implemented by *db.TaskQueue.
type TaskStore interface {
	NextPendingTasks(ctx context.Context, userID string, limit int) ([]*db.Task, error)
	ClaimTask(ctx context.Context, taskID string) (bool, error)
	SetTaskAnchor(ctx context.Context, taskID, anchorType, anchorText string) error
	UpdateTaskStatus(ctx context.Context, task *db.Task) error
	CompleteTaskWithBacklink(ctx context.Context, task *db.Task, b *db.Backlink) error
	ReleaseTask(ctx context.Context, taskID string) error
	EnqueueTasks(ctx context.Context, tasks []*db.Task) error
	DailySubmissionCount(ctx context.Context, userID string, windowStart, windowEnd time.Time) (int, error)
}

// Store is the slice of the database the worker cycle needs beyond the
// task queue. Implemented by *db.DB.
type Store interface {
	GetCampaign(ctx context.Context, userID string) (*db.Campaign, error)
	UpsertCampaign(ctx context.Context, c *db.Campaign) error
	GetPlatform(ctx context.Context, platformID string) (*db.Platform, error)
	EligiblePlatforms(ctx context.Context, minAuthority int) ([]*db.Platform, error)
	AnchorCounts(ctx context.Context, userID string, tier int) (map[string]int, error)
	SetCampaignProgress(ctx context.Context, userID, agentStatus, currentStep string) error
	LogAction(ctx context.Context, userID, action string, metadata map[string]any) error
}

// Notifier receives manual-review escalations. Implementations must not
// block the cycle; delivery failures are their problem to log.
type Notifier interface {
	NotifyManualReview(ctx context.Context, task *db.Task, reason string)
}

// NopNotifier discards escalations
type NopNotifier struct{}

func (NopNotifier) NotifyManualReview(context.Context, *db.Task, string) {}
