package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rankcraft/linkengine/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCampaign(userID string) *db.Campaign {
	return &db.Campaign{
		UserID:              userID,
		RiskLevel:           db.RiskBalanced,
		BrandedTerms:        []string{"Acme"},
		TargetKeywords:      []string{"widgets"},
		MaxDailySubmissions: 5,
		Timezone:            "UTC",
	}
}

func testPlatform(id string) *db.Platform {
	return &db.Platform{
		ID:                id,
		Name:              "Dev Directory",
		Domain:            "devdirectory.example",
		DomainAuthority:   55,
		AutomationAllowed: true,
		SubmitURL:         "https://devdirectory.example/submit",
	}
}

func testSetup(t *testing.T) (*fakeStore, *fakeQueue, *fakeExecutor, *WorkerCycle) {
	t.Helper()
	store := newFakeStore()
	queue := newFakeQueue()
	exec := &fakeExecutor{result: &SubmissionResult{PublishedURL: "https://devdirectory.example/acme"}}
	wc := NewWorkerCycle(store, queue, exec, nil, DefaultConfig())
	return store, queue, exec, wc
}

func TestNewWorkerCycleValidation(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	exec := &fakeExecutor{}

	assert.PanicsWithValue(t, "store is required", func() {
		NewWorkerCycle(nil, queue, exec, nil, DefaultConfig())
	})
	assert.PanicsWithValue(t, "task queue is required", func() {
		NewWorkerCycle(store, nil, exec, nil, DefaultConfig())
	})
	assert.PanicsWithValue(t, "submission executor is required", func() {
		NewWorkerCycle(store, queue, nil, nil, DefaultConfig())
	})
	assert.NotPanics(t, func() {
		wc := NewWorkerCycle(store, queue, exec, nil, Config{})
		assert.Equal(t, DefaultConfig().AttemptCeiling, wc.cfg.AttemptCeiling)
	})
}

func TestRunNoCampaignReturnsNil(t *testing.T) {
	_, _, _, wc := testSetup(t)

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRunPausedCampaignReturnsNil(t *testing.T) {
	store, queue, _, wc := testSetup(t)
	c := testCampaign("user-1")
	c.IsPaused = true
	store.campaigns["user-1"] = c
	store.platforms["p1"] = testPlatform("p1")
	queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRunQuotaExhaustedReturnsNil(t *testing.T) {
	store, queue, exec, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	queue.submissionsUse = 5 // cap is 5
	queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Zero(t, exec.calls, "executor must not run once quota is exhausted")
}

func TestRunNoEligibleTaskReturnsNil(t *testing.T) {
	store, queue, _, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	// Only a future-scheduled task exists
	queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com", Tier: 1, ScheduledFor: time.Now().Add(time.Hour)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRunSuccessCompletesTaskAndCreatesBacklink(t *testing.T) {
	store, queue, _, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.Equal(t, task.ID, result.TaskID)
	assert.Equal(t, db.TaskStatusCompleted, result.Status)
	assert.Equal(t, "https://devdirectory.example/acme", result.BacklinkURL)

	stored := queue.get(task.ID)
	assert.Equal(t, db.TaskStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotEmpty(t, stored.AnchorType, "anchor must be resolved before submission")
	assert.NotEmpty(t, stored.AnchorText)

	require.Len(t, queue.backlinks, 1)
	b := queue.backlinks[0]
	assert.Equal(t, "user-1", b.UserID)
	assert.Equal(t, "devdirectory.example", b.SourceDomain)
	assert.Equal(t, 55, b.DomainRating)
	assert.Equal(t, 1, b.Tier)
	assert.Equal(t, stored.AnchorType, b.AnchorType)

	assert.Contains(t, store.progress, "submitting:Dev Directory")
	assert.Contains(t, store.audits, "task_completed")
}

func TestRunFirstAnchorIsBranded(t *testing.T) {
	store, queue, _, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	_, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "branded", queue.get(task.ID).AnchorType)
}

func TestRunTransientFailureIncrementsAttempts(t *testing.T) {
	store, queue, exec, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	exec.result = nil
	exec.err = &TransientError{Err: errors.New("connection reset")}
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.False(t, result.Success)
	assert.Equal(t, db.TaskStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "connection reset")

	stored := queue.get(task.ID)
	assert.Equal(t, db.TaskStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Empty(t, queue.backlinks)
}

func TestRunTransientFailureAtCeilingEscalatesToManual(t *testing.T) {
	store, queue, exec, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	exec.result = nil
	exec.err = &TransientError{Err: errors.New("timeout")}
	// Two failures already on the clock; ceiling is 3
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, AttemptCount: 2, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, db.TaskStatusRequireManual, result.Status)
	assert.True(t, result.RequiresManualReview)
	assert.Contains(t, result.ManualReviewReason, "attempt ceiling")

	stored := queue.get(task.ID)
	assert.Equal(t, db.TaskStatusRequireManual, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
	assert.True(t, stored.RequiresManualReview)
}

func TestRunPlatformIncompatibleSkipsRetries(t *testing.T) {
	store, queue, exec, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	exec.result = nil
	exec.err = &PlatformIncompatibleError{Reason: "platform requires CAPTCHA"}
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, db.TaskStatusRequireManual, result.Status)
	assert.Contains(t, result.ManualReviewReason, "CAPTCHA")

	stored := queue.get(task.ID)
	assert.Equal(t, 0, stored.AttemptCount, "incompatibility must not consume retries")
}

func TestRunMissingPlatformEscalatesToManual(t *testing.T) {
	store, queue, _, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	queue.add(&db.Task{UserID: "user-1", PlatformID: "gone", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, db.TaskStatusRequireManual, result.Status)
}

func TestRunPanicReleasesClaim(t *testing.T) {
	store, queue, exec, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	exec.panics = true
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.Error(t, err)
	assert.Nil(t, result)

	// The one correctness property that matters most: never a leaked
	// processing row
	assert.Equal(t, db.TaskStatusPending, queue.get(task.ID).Status)
	assert.Equal(t, 1, queue.releases)
}

func TestRunUpdateFailureReleasesClaim(t *testing.T) {
	store, queue, _, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	queue.failUpdate = true
	queue.updateErr = errors.New("connection lost")
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.Error(t, err)
	assert.Nil(t, result)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)

	assert.Equal(t, db.TaskStatusPending, queue.get(task.ID).Status)
	assert.Empty(t, queue.backlinks, "the backlink and the completion must commit together")
}

func TestRunAdvancesPastLostClaim(t *testing.T) {
	store, queue, _, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	contested := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, Priority: 9, ScheduledFor: time.Now().Add(-time.Minute)})
	fallback := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, Priority: 1, ScheduledFor: time.Now().Add(-time.Minute)})
	// The preferred candidate is snatched by a concurrent worker
	queue.denyClaims = map[string]bool{contested.ID: true}

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, fallback.ID, result.TaskID)
}

func TestTryClaimReportsLostRace(t *testing.T) {
	_, queue, _, wc := testSetup(t)
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	won, err := queue.ClaimTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, won)

	err = wc.tryClaim(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrRaceLost)
}

func TestRunPriorityOrdering(t *testing.T) {
	store, queue, _, wc := testSetup(t)
	store.campaigns["user-1"] = testCampaign("user-1")
	store.platforms["p1"] = testPlatform("p1")
	queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/low", Tier: 1, Priority: 1, ScheduledFor: time.Now().Add(-time.Hour)})
	high := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/high", Tier: 1, Priority: 9, ScheduledFor: time.Now().Add(-time.Minute)})

	result, err := wc.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, high.ID, result.TaskID)
}

func TestAtMostOneClaimUnderContention(t *testing.T) {
	queue := newFakeQueue()
	task := queue.add(&db.Task{UserID: "user-1", PlatformID: "p1", TargetURL: "https://acme.com/", Tier: 1, ScheduledFor: time.Now().Add(-time.Minute)})

	const workers = 16
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() {
			won, err := queue.ClaimTask(context.Background(), task.ID)
			if err != nil {
				won = false
			}
			wins <- won
		}()
	}

	winners := 0
	for i := 0; i < workers; i++ {
		if <-wins {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestDayWindow(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	// 01:30 UTC is already the next calendar day in Sydney
	now := time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC)
	start, end := dayWindow(now, sydney)

	assert.Equal(t, 24*time.Hour, end.Sub(start))
	assert.False(t, now.Before(start))
	assert.True(t, now.Before(end))
	assert.Equal(t, 1, start.In(sydney).Day())
	assert.Equal(t, 0, start.In(sydney).Hour())
}
