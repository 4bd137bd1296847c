package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rankcraft/linkengine/internal/auth"
	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rankcraft/linkengine/internal/engine"
	"github.com/rankcraft/linkengine/internal/exchange"
	"github.com/rankcraft/linkengine/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeQueueStore struct {
	stats    *db.QueueStats
	task     *db.Task
	retried  []string
	blocked  []string
	retryErr error
}

func (f *fakeQueueStore) GetQueueStats(context.Context, string) (*db.QueueStats, error) {
	return f.stats, nil
}

func (f *fakeQueueStore) GetTask(context.Context, string) (*db.Task, error) {
	return f.task, nil
}

func (f *fakeQueueStore) RetryTask(_ context.Context, taskID string) error {
	if f.retryErr != nil {
		return f.retryErr
	}
	f.retried = append(f.retried, taskID)
	return nil
}

func (f *fakeQueueStore) BlockTask(_ context.Context, taskID string) error {
	f.blocked = append(f.blocked, taskID)
	return nil
}

type fakeStatsStore struct {
	verification *db.VerificationStats
	campaign     *db.CampaignStats
}

func (f *fakeStatsStore) GetVerificationStats(context.Context, string) (*db.VerificationStats, error) {
	return f.verification, nil
}

func (f *fakeStatsStore) GetCampaignStats(context.Context, string) (*db.CampaignStats, error) {
	return f.campaign, nil
}

type fakeWorker struct {
	result    *engine.TaskResult
	runErr    error
	createErr error
	created   int
	lastUser  string
}

func (f *fakeWorker) Run(_ context.Context, userID string) (*engine.TaskResult, error) {
	f.lastUser = userID
	return f.result, f.runErr
}

func (f *fakeWorker) CreateTasksForUser(_ context.Context, userID, _, _, _, _ string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created++
	f.lastUser = userID
	return nil
}

type fakeVerifier struct {
	result *verify.Result
	err    error
}

func (f *fakeVerifier) Run(context.Context) (*verify.Result, error) {
	return f.result, f.err
}

type fakeExchangeSvc struct {
	participant  *db.ExchangeParticipant
	participants map[string]*db.ExchangeParticipant
	link         *db.ExchangeLink
	settlement   *exchange.SettlementResult
	placeErr     error
	verified     []string
	placed       int
}

func (f *fakeExchangeSvc) RegisterParticipant(context.Context, string, string, int) (*db.ExchangeParticipant, error) {
	return f.participant, nil
}

func (f *fakeExchangeSvc) Participant(_ context.Context, id string) (*db.ExchangeParticipant, error) {
	return f.participants[id], nil
}

func (f *fakeExchangeSvc) VerifyParticipant(_ context.Context, id string) error {
	f.verified = append(f.verified, id)
	return nil
}

func (f *fakeExchangeSvc) PlaceLink(context.Context, string, string, string, string, string) (*db.ExchangeLink, error) {
	f.placed++
	return f.link, f.placeErr
}

func (f *fakeExchangeSvc) SettleLinks(context.Context) (*exchange.SettlementResult, error) {
	return f.settlement, nil
}

type testAPI struct {
	mux      *http.ServeMux
	queue    *fakeQueueStore
	stats    *fakeStatsStore
	worker   *fakeWorker
	verifier *fakeVerifier
	exchange *fakeExchangeSvc
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	authClient, err := auth.NewClient(testSecret)
	require.NoError(t, err)

	api := &testAPI{
		mux:      http.NewServeMux(),
		queue:    &fakeQueueStore{},
		stats:    &fakeStatsStore{},
		worker:   &fakeWorker{},
		verifier: &fakeVerifier{},
		exchange: &fakeExchangeSvc{participants: make(map[string]*db.ExchangeParticipant)},
	}

	handler := NewHandler(api.queue, api.stats, api.worker, api.verifier, api.exchange, authClient,
		func(context.Context) error { return nil }, "test")
	handler.SetupRoutes(api.mux)
	return api
}

func bearerToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (a *testAPI) do(t *testing.T, method, path string, body any, asUser string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if asUser != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken(t, asUser))
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/health/db", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/health", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/v1/queue/stats", "/v1/verification/stats", "/v1/campaign/stats"} {
		rec := api.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	for _, path := range []string{"/v1/tasks", "/v1/worker/cycle", "/v1/verification/cycle"} {
		rec := api.do(t, http.MethodPost, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCreateTasks(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/tasks", createTasksRequest{
		SiteURL:  "https://acme.com/post",
		SiteName: "Acme",
	}, "user-1")

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, api.worker.created)
	assert.Equal(t, "user-1", api.worker.lastUser)
}

func TestCreateTasksValidationFailure(t *testing.T) {
	api := newTestAPI(t)
	api.worker.createErr = &engine.ValidationError{Field: "site_url", Reason: "must be an absolute http(s) URL"}

	rec := api.do(t, http.MethodPost, "/v1/tasks", createTasksRequest{SiteURL: "nope"}, "user-1")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(ErrCodeValidation), resp.Code)
}

func TestRunWorkerCycle(t *testing.T) {
	api := newTestAPI(t)
	api.worker.result = &engine.TaskResult{TaskID: "task-1", Status: db.TaskStatusCompleted}

	rec := api.do(t, http.MethodPost, "/v1/worker/cycle", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Data)
}

func TestRunWorkerCycleNothingToDo(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/worker/cycle", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Data)
	assert.Equal(t, "Nothing to do", resp.Message)
}

func TestRunVerificationCycle(t *testing.T) {
	api := newTestAPI(t)
	api.verifier.result = &verify.Result{Checked: 4, Indexed: 3, Replaced: 1}

	rec := api.do(t, http.MethodPost, "/v1/verification/cycle", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueStats(t *testing.T) {
	api := newTestAPI(t)
	api.queue.stats = &db.QueueStats{Pending: 3, Completed: 7}

	rec := api.do(t, http.MethodGet, "/v1/queue/stats", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending":3`)
}

func TestTaskRetry(t *testing.T) {
	api := newTestAPI(t)
	api.queue.task = &db.Task{ID: "task-1", UserID: "user-1", Status: db.TaskStatusFailed}

	rec := api.do(t, http.MethodPost, "/v1/tasks/task-1/retry", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"task-1"}, api.queue.retried)
}

func TestTaskRetryForeignTask(t *testing.T) {
	api := newTestAPI(t)
	api.queue.task = &db.Task{ID: "task-1", UserID: "someone-else"}

	rec := api.do(t, http.MethodPost, "/v1/tasks/task-1/retry", nil, "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, api.queue.retried)
}

func TestTaskRetryConflict(t *testing.T) {
	api := newTestAPI(t)
	api.queue.task = &db.Task{ID: "task-1", UserID: "user-1", Status: db.TaskStatusCompleted}
	api.queue.retryErr = errors.New("task task-1 is not in a retryable state")

	rec := api.do(t, http.MethodPost, "/v1/tasks/task-1/retry", nil, "user-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTaskBlock(t *testing.T) {
	api := newTestAPI(t)
	api.queue.task = &db.Task{ID: "task-1", UserID: "user-1", Status: db.TaskStatusPending}

	rec := api.do(t, http.MethodPost, "/v1/tasks/task-1/block", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"task-1"}, api.queue.blocked)
}

func TestRegisterExchangeParticipantReturnsToken(t *testing.T) {
	api := newTestAPI(t)
	api.exchange.participant = &db.ExchangeParticipant{
		ID:                "part-1",
		Domain:            "example.com",
		VerificationToken: "tok-123",
	}

	rec := api.do(t, http.MethodPost, "/v1/exchange/participants", registerParticipantRequest{
		Domain:       "example.com",
		DomainRating: 50,
	}, "user-1")

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "tok-123")
}

func TestVerifyExchangeParticipant(t *testing.T) {
	api := newTestAPI(t)
	api.exchange.participants["part-1"] = &db.ExchangeParticipant{ID: "part-1", UserID: "user-1"}

	rec := api.do(t, http.MethodPost, "/v1/exchange/participants/part-1/verify", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"part-1"}, api.exchange.verified)
}

func TestVerifyForeignExchangeParticipant(t *testing.T) {
	api := newTestAPI(t)
	api.exchange.participants["part-1"] = &db.ExchangeParticipant{ID: "part-1", UserID: "someone-else"}

	rec := api.do(t, http.MethodPost, "/v1/exchange/participants/part-1/verify", nil, "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, api.exchange.verified, "verification must not run for another user's participant")
}

func TestPlaceExchangeLinkInsufficientCredits(t *testing.T) {
	api := newTestAPI(t)
	api.exchange.participants["b"] = &db.ExchangeParticipant{ID: "b", UserID: "user-1"}
	api.exchange.placeErr = exchange.ErrInsufficientCredits

	rec := api.do(t, http.MethodPost, "/v1/exchange/links", placeLinkRequest{
		SourceParticipantID: "a", DestParticipantID: "b",
		SourceURL: "https://a.example/x", DestURL: "https://b.example/y",
	}, "user-1")

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPlaceExchangeLinkForeignBuyerRejected(t *testing.T) {
	api := newTestAPI(t)
	// The destination participant, whose credits would be spent, belongs
	// to someone else
	api.exchange.participants["b"] = &db.ExchangeParticipant{ID: "b", UserID: "someone-else"}

	rec := api.do(t, http.MethodPost, "/v1/exchange/links", placeLinkRequest{
		SourceParticipantID: "a", DestParticipantID: "b",
		SourceURL: "https://a.example/x", DestURL: "https://b.example/y",
	}, "user-1")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, api.exchange.placed, "placement must not run against another user's balance")
}

func TestExchangeSettle(t *testing.T) {
	api := newTestAPI(t)
	api.exchange.settlement = &exchange.SettlementResult{Checked: 2, Settled: 1, Credits: 30}

	rec := api.do(t, http.MethodPost, "/v1/exchange/settle", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"settled":1`)
}
