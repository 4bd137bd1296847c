package verify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rankcraft/linkengine/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLinkStore struct {
	mu        sync.Mutex
	due       []*db.Backlink
	platforms []*db.Platform
	checked   map[string]bool
	markErr   error
	replaced  []string
	raced     bool
	audits    []string
}

func newFakeLinkStore() *fakeLinkStore {
	return &fakeLinkStore{checked: make(map[string]bool)}
}

func (s *fakeLinkStore) BacklinksDueForCheck(_ context.Context, _ time.Duration, limit int) ([]*db.Backlink, error) {
	if len(s.due) > limit {
		return s.due[:limit], nil
	}
	return s.due, nil
}

func (s *fakeLinkStore) MarkIndexChecked(_ context.Context, backlinkID string, indexed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.checked[backlinkID] = indexed
	return nil
}

func (s *fakeLinkStore) ReplaceBacklink(_ context.Context, b *db.Backlink, _ string, _ time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raced {
		return "", nil
	}
	s.replaced = append(s.replaced, b.ID)
	return "task-" + b.ID, nil
}

func (s *fakeLinkStore) EligiblePlatforms(_ context.Context, _ int) ([]*db.Platform, error) {
	out := make([]*db.Platform, len(s.platforms))
	copy(out, s.platforms)
	sort.Slice(out, func(i, j int) bool { return out[i].DomainAuthority > out[j].DomainAuthority })
	return out, nil
}

func (s *fakeLinkStore) LogAction(_ context.Context, _, action string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, action)
	return nil
}

// fakeChecker answers from a script keyed by backlink ID
type fakeChecker struct {
	indexed map[string]bool
	errs    map[string]error
}

func (c *fakeChecker) CheckIndexed(_ context.Context, link *db.Backlink) (bool, error) {
	if err := c.errs[link.ID]; err != nil {
		return false, err
	}
	return c.indexed[link.ID], nil
}

func dueLink(id string, tier int, age time.Duration) *db.Backlink {
	return &db.Backlink{
		ID:           id,
		UserID:       "user-1",
		SourceDomain: "old.example",
		LinkURL:      "https://old.example/page",
		TargetURL:    "https://acme.com/post",
		Tier:         tier,
		Status:       db.BacklinkStatusLive,
		CreatedAt:    time.Now().Add(-age),
	}
}

func TestRunRecordsCheckOutcomes(t *testing.T) {
	store := newFakeLinkStore()
	store.due = []*db.Backlink{
		dueLink("a", 1, time.Hour),
		dueLink("b", 2, time.Hour),
	}
	checker := &fakeChecker{indexed: map[string]bool{"a": true, "b": false}}

	result, err := NewCycle(store, checker, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, 0, result.Replaced)
	assert.Equal(t, 0, result.Errors)
	assert.True(t, store.checked["a"])
	assert.False(t, store.checked["b"])
}

func TestRunReplacesStaleUnindexedTier2(t *testing.T) {
	store := newFakeLinkStore()
	store.due = []*db.Backlink{dueLink("old", 2, 15*24*time.Hour)}
	store.platforms = []*db.Platform{
		{ID: "p-mid", Domain: "mid.example", DomainAuthority: 40, AutomationAllowed: true},
		{ID: "p-high", Domain: "high.example", DomainAuthority: 70, AutomationAllowed: true},
	}
	checker := &fakeChecker{}

	result, err := NewCycle(store, checker, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Replaced)
	assert.Equal(t, []string{"old"}, store.replaced)
	assert.Contains(t, store.audits, "backlink_replaced")
}

func TestRunLeavesYoungAndOtherTiersAlone(t *testing.T) {
	store := newFakeLinkStore()
	store.due = []*db.Backlink{
		dueLink("young-t2", 2, 13*24*time.Hour),
		dueLink("old-t1", 1, 30*24*time.Hour),
		dueLink("old-t3", 3, 30*24*time.Hour),
	}
	store.platforms = []*db.Platform{{ID: "p", Domain: "p.example", DomainAuthority: 40}}
	checker := &fakeChecker{}

	result, err := NewCycle(store, checker, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Replaced)
	assert.Empty(t, store.replaced)
}

func TestRunSurvivesCheckerFailures(t *testing.T) {
	store := newFakeLinkStore()
	store.due = []*db.Backlink{
		dueLink("broken", 1, time.Hour),
		dueLink("fine", 1, time.Hour),
	}
	checker := &fakeChecker{
		indexed: map[string]bool{"fine": true},
		errs:    map[string]error{"broken": errors.New("connection refused")},
	}

	result, err := NewCycle(store, checker, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.Indexed)
	_, brokenRecorded := store.checked["broken"]
	assert.False(t, brokenRecorded, "a failed check must not overwrite the stored state")
	assert.True(t, store.checked["fine"])
}

func TestRunToleratesRacedReplacement(t *testing.T) {
	store := newFakeLinkStore()
	store.due = []*db.Backlink{dueLink("old", 2, 20*24*time.Hour)}
	store.platforms = []*db.Platform{{ID: "p", Domain: "p.example", DomainAuthority: 40}}
	store.raced = true
	checker := &fakeChecker{}

	result, err := NewCycle(store, checker, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Replaced)
	assert.NotContains(t, store.audits, "backlink_replaced")
}

func TestPickReplacementPlatformPrefersSameTier(t *testing.T) {
	store := newFakeLinkStore()
	store.platforms = []*db.Platform{
		{ID: "p-high", Domain: "high.example", DomainAuthority: 80},
		{ID: "p-mid", Domain: "mid.example", DomainAuthority: 45},
		{ID: "p-failed", Domain: "old.example", DomainAuthority: 45},
	}
	cycle := NewCycle(store, &fakeChecker{}, DefaultConfig())

	id, err := cycle.pickReplacementPlatform(context.Background(), dueLink("x", 2, 0))
	require.NoError(t, err)
	assert.Equal(t, "p-mid", id, "must match tier and skip the failed source domain")

	id, err = cycle.pickReplacementPlatform(context.Background(), dueLink("y", 3, 0))
	require.NoError(t, err)
	assert.Equal(t, "p-high", id, "falls back to the strongest platform when no tier match exists")
}

func TestPickReplacementPlatformNoneAvailable(t *testing.T) {
	store := newFakeLinkStore()
	store.platforms = []*db.Platform{{ID: "p-failed", Domain: "old.example", DomainAuthority: 45}}
	cycle := NewCycle(store, &fakeChecker{}, DefaultConfig())

	_, err := cycle.pickReplacementPlatform(context.Background(), dueLink("x", 2, 0))
	assert.Error(t, err)
}

func TestNewCycleValidation(t *testing.T) {
	assert.PanicsWithValue(t, "link store is required", func() {
		NewCycle(nil, &fakeChecker{}, DefaultConfig())
	})
	assert.PanicsWithValue(t, "index checker is required", func() {
		NewCycle(newFakeLinkStore(), nil, DefaultConfig())
	})

	cycle := NewCycle(newFakeLinkStore(), &fakeChecker{}, Config{})
	assert.Equal(t, DefaultConfig(), cycle.config)
}
