package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NotifyChannelNewTasks is the pg_notify channel fired when tasks are enqueued
const NotifyChannelNewTasks = "backlink_tasks_new"

// TaskQueue is the PostgreSQL-backed backlink task store. All task status
// writes go through it; no other component touches the status column.
type TaskQueue struct {
	db *sql.DB
}

// NewTaskQueue creates a task queue on the provided database connection
func NewTaskQueue(db *sql.DB) *TaskQueue {
	return &TaskQueue{db: db}
}

// Execute runs a database operation in a transaction
func (q *TaskQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// EnqueueTasks inserts a batch of pending tasks and notifies listeners
func (q *TaskQueue) EnqueueTasks(ctx context.Context, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backlink_tasks (
				id, user_id, platform_id, target_url, anchor_type, tier,
				status, priority, scheduled_for, payload, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		now := time.Now()
		for _, task := range tasks {
			if task.ID == "" {
				task.ID = uuid.New().String()
			}
			if task.Status == "" {
				task.Status = TaskStatusPending
			}
			payload := task.Payload
			if len(payload) == 0 {
				payload = json.RawMessage("{}")
			}
			var anchorType sql.NullString
			if task.AnchorType != "" {
				anchorType = sql.NullString{String: task.AnchorType, Valid: true}
			}
			_, err = stmt.ExecContext(ctx,
				task.ID, task.UserID, task.PlatformID, task.TargetURL, anchorType,
				task.Tier, task.Status, task.Priority, task.ScheduledFor, []byte(payload), now)
			if err != nil {
				return fmt.Errorf("failed to insert task: %w", err)
			}
			task.CreatedAt = now
		}

		// Wake any listening scheduler for this user's queue
		_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannelNewTasks, tasks[0].UserID)
		if err != nil {
			return fmt.Errorf("failed to notify listeners: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("user_id", tasks[0].UserID).
		Int("task_count", len(tasks)).
		Msg("Enqueued backlink tasks")

	return nil
}

// NextPendingTasks returns up to limit claimable candidates for a user,
// ordered by priority then schedule. Candidates are not locked; callers
// must win the optimistic claim before processing one.
func (q *TaskQueue) NextPendingTasks(ctx context.Context, userID string, limit int) ([]*Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, platform_id, target_url, COALESCE(anchor_type, ''),
			COALESCE(anchor_text, ''), tier, status, priority, scheduled_for,
			attempt_count, payload, created_at
		FROM backlink_tasks
		WHERE user_id = $1 AND status = $2 AND scheduled_for <= NOW()
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $3
	`, userID, TaskStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var task Task
		var payload []byte
		if err := rows.Scan(
			&task.ID, &task.UserID, &task.PlatformID, &task.TargetURL, &task.AnchorType,
			&task.AnchorText, &task.Tier, &task.Status, &task.Priority, &task.ScheduledFor,
			&task.AttemptCount, &payload, &task.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Payload = json.RawMessage(payload)
		tasks = append(tasks, &task)
	}

	return tasks, rows.Err()
}

// ClaimTask attempts the optimistic pending -> processing transition.
// Returns false when another worker won the race (zero rows affected).
func (q *TaskQueue) ClaimTask(ctx context.Context, taskID string) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE backlink_tasks
		SET status = $1, last_attempt_at = NOW()
		WHERE id = $2 AND status = $3
	`, TaskStatusProcessing, taskID, TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}

	return affected == 1, nil
}

// SetTaskAnchor records the anchor assignment resolved just before submission
func (q *TaskQueue) SetTaskAnchor(ctx context.Context, taskID, anchorType, anchorText string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE backlink_tasks
		SET anchor_type = $1, anchor_text = $2
		WHERE id = $3
	`, anchorType, anchorText, taskID)
	if err != nil {
		return fmt.Errorf("failed to set task anchor: %w", err)
	}
	return nil
}

// UpdateTaskStatus applies a task state transition with the metadata that
// belongs to the target status
func (q *TaskQueue) UpdateTaskStatus(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("cannot update nil task")
	}

	now := time.Now()
	if task.Status == TaskStatusCompleted && task.CompletedAt == nil {
		task.CompletedAt = &now
	}

	return q.Execute(ctx, func(tx *sql.Tx) error {
		var err error

		switch task.Status {
		case TaskStatusCompleted:
			_, err = tx.ExecContext(ctx, `
				UPDATE backlink_tasks
				SET status = $1, completed_at = $2, error_message = '',
					requires_manual_review = FALSE, manual_review_reason = ''
				WHERE id = $3
			`, task.Status, task.CompletedAt, task.ID)

		case TaskStatusFailed:
			_, err = tx.ExecContext(ctx, `
				UPDATE backlink_tasks
				SET status = $1, attempt_count = $2, error_message = $3, last_attempt_at = $4
				WHERE id = $5
			`, task.Status, task.AttemptCount, task.ErrorMessage, now, task.ID)

		case TaskStatusRequireManual:
			_, err = tx.ExecContext(ctx, `
				UPDATE backlink_tasks
				SET status = $1, attempt_count = $2, requires_manual_review = TRUE,
					manual_review_reason = $3, error_message = $4, last_attempt_at = $5
				WHERE id = $6
			`, task.Status, task.AttemptCount, task.ManualReviewReason, task.ErrorMessage, now, task.ID)

		case TaskStatusPending:
			_, err = tx.ExecContext(ctx, `
				UPDATE backlink_tasks
				SET status = $1, attempt_count = $2, error_message = $3
				WHERE id = $4
			`, task.Status, task.AttemptCount, task.ErrorMessage, task.ID)

		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE backlink_tasks
				SET status = $1
				WHERE id = $2
			`, task.Status, task.ID)
		}

		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}

		return nil
	})
}

// CompleteTaskWithBacklink applies the completed transition and records
// the produced backlink in one transaction, conditional on the task still
// being claimed. A retry can never observe a completed submission without
// its backlink, or the backlink without the completion.
func (q *TaskQueue) CompleteTaskWithBacklink(ctx context.Context, task *Task, b *Backlink) error {
	if task == nil || b == nil {
		return fmt.Errorf("task and backlink are required")
	}

	now := time.Now()
	task.Status = TaskStatusCompleted
	if task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = BacklinkStatusLive
	}

	return q.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO backlinks (
				id, user_id, source_name, source_domain, link_url, target_url,
				anchor_text, anchor_type, domain_rating, tier, status, is_indexed, article_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, b.ID, b.UserID, b.SourceName, b.SourceDomain, b.LinkURL, b.TargetURL,
			b.AnchorText, b.AnchorType, b.DomainRating, b.Tier, b.Status, b.IsIndexed, b.ArticleID)
		if err != nil {
			return fmt.Errorf("failed to insert backlink: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE backlink_tasks
			SET status = $1, completed_at = $2, error_message = '',
				requires_manual_review = FALSE, manual_review_reason = ''
			WHERE id = $3 AND status = $4
		`, TaskStatusCompleted, task.CompletedAt, task.ID, TaskStatusProcessing)
		if err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return fmt.Errorf("task %s is not in processing", task.ID)
		}

		return nil
	})
}

// ReleaseTask reverts a claimed task back to pending, conditional on it
// still being in processing. Used by the worker cycle's cleanup path so a
// crash mid-submission never leaks a permanently in-progress row.
func (q *TaskQueue) ReleaseTask(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE backlink_tasks
		SET status = $1
		WHERE id = $2 AND status = $3
	`, TaskStatusPending, taskID, TaskStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	return nil
}

// RetryTask re-arms a failed or blocked task for automated processing,
// resetting its attempt counter
func (q *TaskQueue) RetryTask(ctx context.Context, taskID string) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE backlink_tasks
		SET status = $1, attempt_count = 0, error_message = '',
			requires_manual_review = FALSE, manual_review_reason = ''
		WHERE id = $2 AND status IN ($3, $4, $5)
	`, TaskStatusPending, taskID, TaskStatusFailed, TaskStatusBlocked, TaskStatusRequireManual)
	if err != nil {
		return fmt.Errorf("failed to retry task: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %s is not in a retryable state", taskID)
	}

	return nil
}

// BlockTask marks a task as explicitly skipped by the user
func (q *TaskQueue) BlockTask(ctx context.Context, taskID string) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE backlink_tasks
		SET status = $1
		WHERE id = $2 AND status != $3
	`, TaskStatusBlocked, taskID, TaskStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to block task: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %s cannot be blocked", taskID)
	}

	return nil
}

// RecoverStaleTasks resets tasks stuck in processing longer than staleTimeout.
// Tasks past the attempt ceiling escalate to manual review instead of
// cycling forever.
func (q *TaskQueue) RecoverStaleTasks(ctx context.Context, staleTimeout time.Duration, maxAttempts int) error {
	span := sentry.StartSpan(ctx, "db.recover_stale_tasks")
	defer span.Finish()

	staleTime := time.Now().Add(-staleTimeout)

	return q.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, attempt_count
			FROM backlink_tasks
			WHERE status = $1 AND last_attempt_at < $2
		`, TaskStatusProcessing, staleTime)
		if err != nil {
			return fmt.Errorf("failed to query stale tasks: %w", err)
		}
		defer rows.Close()

		type staleTask struct {
			id       string
			attempts int
		}
		var stale []staleTask
		for rows.Next() {
			var st staleTask
			if err := rows.Scan(&st.id, &st.attempts); err != nil {
				continue
			}
			stale = append(stale, st)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, st := range stale {
			if st.attempts+1 >= maxAttempts {
				_, err = tx.ExecContext(ctx, `
					UPDATE backlink_tasks
					SET status = $1, attempt_count = attempt_count + 1,
						requires_manual_review = TRUE,
						manual_review_reason = 'stale task exceeded attempt ceiling'
					WHERE id = $2
				`, TaskStatusRequireManual, st.id)
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE backlink_tasks
					SET status = $1, attempt_count = attempt_count + 1
					WHERE id = $2
				`, TaskStatusPending, st.id)
			}
			if err != nil {
				log.Error().Err(err).Str("task_id", st.id).Msg("Failed to recover stale task")
			}
		}

		if len(stale) > 0 {
			log.Warn().Int("count", len(stale)).Msg("Recovered stale processing tasks")
		}

		return nil
	})
}

// QueueStats holds per-status task counts for a user
type QueueStats struct {
	Pending       int `json:"pending"`
	Processing    int `json:"processing"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Blocked       int `json:"blocked"`
	RequireManual int `json:"require_manual"`
}

// GetQueueStats returns per-status task counts for a user
func (q *TaskQueue) GetQueueStats(ctx context.Context, userID string) (*QueueStats, error) {
	var stats QueueStats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'blocked'),
			COUNT(*) FILTER (WHERE status = 'require_manual')
		FROM backlink_tasks
		WHERE user_id = $1
	`, userID).Scan(
		&stats.Pending, &stats.Processing, &stats.Completed,
		&stats.Failed, &stats.Blocked, &stats.RequireManual,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	return &stats, nil
}

// DailySubmissionCount counts submissions consumed within the given window:
// tasks completed inside it plus tasks currently being processed. Processing
// rows count towards the quota so a burst of claims cannot overshoot the cap.
func (q *TaskQueue) DailySubmissionCount(ctx context.Context, userID string, windowStart, windowEnd time.Time) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM backlink_tasks
		WHERE user_id = $1
		AND (
			(status = $2 AND completed_at >= $4 AND completed_at < $5)
			OR (status = $3 AND last_attempt_at >= $4 AND last_attempt_at < $5)
		)
	`, userID, TaskStatusCompleted, TaskStatusProcessing, windowStart, windowEnd).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count daily submissions: %w", err)
	}

	return count, nil
}

// GetTask fetches a single task by ID
func (q *TaskQueue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, platform_id, target_url, COALESCE(anchor_type, ''),
			COALESCE(anchor_text, ''), tier, status, priority, scheduled_for,
			attempt_count, last_attempt_at, completed_at, error_message,
			requires_manual_review, manual_review_reason, payload, created_at
		FROM backlink_tasks
		WHERE id = $1
	`, taskID).Scan(
		&task.ID, &task.UserID, &task.PlatformID, &task.TargetURL, &task.AnchorType,
		&task.AnchorText, &task.Tier, &task.Status, &task.Priority, &task.ScheduledFor,
		&task.AttemptCount, &task.LastAttemptAt, &task.CompletedAt, &task.ErrorMessage,
		&task.RequiresManualReview, &task.ManualReviewReason, &payload, &task.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	task.Payload = json.RawMessage(payload)

	return &task, nil
}

// ActiveUserIDs returns users that currently have claimable pending tasks
func (q *TaskQueue) ActiveUserIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT user_id
		FROM backlink_tasks
		WHERE status = $1 AND scheduled_for <= NOW()
		LIMIT $2
	`, TaskStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}

	return userIDs, rows.Err()
}
