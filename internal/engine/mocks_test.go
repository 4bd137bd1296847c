package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rankcraft/linkengine/internal/db"
)

// fakeQueue is an in-memory TaskStore with real claim semantics
type fakeQueue struct {
	mu             sync.Mutex
	tasks          map[string]*db.Task
	backlinks      []*db.Backlink
	denyClaims     map[string]bool
	releases       int
	failUpdate     bool
	updateErr      error
	submissionsUse int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: make(map[string]*db.Task)}
}

func (q *fakeQueue) add(task *db.Task) *db.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = db.TaskStatusPending
	}
	q.tasks[task.ID] = task
	return task
}

func (q *fakeQueue) get(id string) *db.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id]
}

func (q *fakeQueue) NextPendingTasks(_ context.Context, userID string, limit int) ([]*db.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*db.Task
	now := time.Now()
	for _, t := range q.tasks {
		if t.UserID == userID && t.Status == db.TaskStatusPending && !t.ScheduledFor.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *fakeQueue) ClaimTask(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.Status != db.TaskStatusPending || q.denyClaims[taskID] {
		return false, nil
	}
	t.Status = db.TaskStatusProcessing
	return true, nil
}

func (q *fakeQueue) SetTaskAnchor(_ context.Context, taskID, anchorType, anchorText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[taskID]; ok {
		t.AnchorType = anchorType
		t.AnchorText = anchorText
	}
	return nil
}

func (q *fakeQueue) UpdateTaskStatus(_ context.Context, task *db.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failUpdate {
		return q.updateErr
	}
	q.tasks[task.ID] = task
	return nil
}

func (q *fakeQueue) CompleteTaskWithBacklink(_ context.Context, task *db.Task, b *db.Backlink) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failUpdate {
		return q.updateErr
	}
	now := time.Now()
	task.Status = db.TaskStatusCompleted
	if task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	q.tasks[task.ID] = task
	q.backlinks = append(q.backlinks, b)
	return nil
}

func (q *fakeQueue) ReleaseTask(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releases++
	if t, ok := q.tasks[taskID]; ok && t.Status == db.TaskStatusProcessing {
		t.Status = db.TaskStatusPending
	}
	return nil
}

func (q *fakeQueue) EnqueueTasks(_ context.Context, tasks []*db.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		q.tasks[t.ID] = t
	}
	return nil
}

func (q *fakeQueue) DailySubmissionCount(_ context.Context, userID string, _, _ time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := q.submissionsUse
	for _, t := range q.tasks {
		if t.UserID == userID && (t.Status == db.TaskStatusCompleted || t.Status == db.TaskStatusProcessing) {
			count++
		}
	}
	return count, nil
}

// fakeStore is an in-memory Store
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*db.Campaign
	platforms map[string]*db.Platform
	anchors   map[string]int
	progress  []string
	audits    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: make(map[string]*db.Campaign),
		platforms: make(map[string]*db.Platform),
		anchors:   make(map[string]int),
	}
}

func (s *fakeStore) GetCampaign(_ context.Context, userID string) (*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaigns[userID], nil
}

func (s *fakeStore) UpsertCampaign(_ context.Context, c *db.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.UserID] = c
	return nil
}

func (s *fakeStore) GetPlatform(_ context.Context, platformID string) (*db.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platforms[platformID], nil
}

func (s *fakeStore) EligiblePlatforms(_ context.Context, minAuthority int) ([]*db.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Platform
	for _, p := range s.platforms {
		if p.AutomationAllowed && !p.HasCaptcha && p.DomainAuthority >= minAuthority {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DomainAuthority > out[j].DomainAuthority })
	return out, nil
}

func (s *fakeStore) AnchorCounts(_ context.Context, _ string, _ int) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.anchors))
	for k, v := range s.anchors {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) SetCampaignProgress(_ context.Context, _, agentStatus, currentStep string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, agentStatus+":"+currentStep)
	return nil
}

func (s *fakeStore) LogAction(_ context.Context, _, action string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, action)
	return nil
}

// fakeExecutor returns a scripted outcome
type fakeExecutor struct {
	result *SubmissionResult
	err    error
	panics bool
	calls  int
}

func (e *fakeExecutor) Submit(_ context.Context, _ *db.Platform, _ *db.Task) (*SubmissionResult, error) {
	e.calls++
	if e.panics {
		panic("executor exploded")
	}
	return e.result, e.err
}
