// Package api exposes the engine's operations over HTTP: task creation,
// cycle triggers, stats, task moderation and the exchange surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rankcraft/linkengine/internal/auth"
	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rankcraft/linkengine/internal/engine"
	"github.com/rankcraft/linkengine/internal/exchange"
	"github.com/rankcraft/linkengine/internal/verify"
)

// QueueStore is the task-queue surface the API needs
type QueueStore interface {
	GetQueueStats(ctx context.Context, userID string) (*db.QueueStats, error)
	GetTask(ctx context.Context, taskID string) (*db.Task, error)
	RetryTask(ctx context.Context, taskID string) error
	BlockTask(ctx context.Context, taskID string) error
}

// StatsStore is the aggregate-read surface the API needs
type StatsStore interface {
	GetVerificationStats(ctx context.Context, userID string) (*db.VerificationStats, error)
	GetCampaignStats(ctx context.Context, userID string) (*db.CampaignStats, error)
}

// WorkerService triggers worker-cycle operations
type WorkerService interface {
	Run(ctx context.Context, userID string) (*engine.TaskResult, error)
	CreateTasksForUser(ctx context.Context, userID, siteURL, siteName, description, articleID string) error
}

// VerifyService triggers verification sweeps
type VerifyService interface {
	Run(ctx context.Context) (*verify.Result, error)
}

// ExchangeService is the link-exchange surface
type ExchangeService interface {
	RegisterParticipant(ctx context.Context, userID, domain string, domainRating int) (*db.ExchangeParticipant, error)
	Participant(ctx context.Context, participantID string) (*db.ExchangeParticipant, error)
	VerifyParticipant(ctx context.Context, participantID string) error
	PlaceLink(ctx context.Context, sourceID, destID, sourceURL, destURL, anchorText string) (*db.ExchangeLink, error)
	SettleLinks(ctx context.Context) (*exchange.SettlementResult, error)
}

// Handler holds the API's dependencies
type Handler struct {
	queue      QueueStore
	stats      StatsStore
	worker     WorkerService
	verifier   VerifyService
	exchange   ExchangeService
	authClient *auth.Client
	pingDB     func(ctx context.Context) error
	version    string
}

// NewHandler creates an API handler with dependencies
func NewHandler(queue QueueStore, stats StatsStore, worker WorkerService, verifier VerifyService, exchangeSvc ExchangeService, authClient *auth.Client, pingDB func(ctx context.Context) error, version string) *Handler {
	return &Handler{
		queue:      queue,
		stats:      stats,
		worker:     worker,
		verifier:   verifier,
		exchange:   exchangeSvc,
		authClient: authClient,
		pingDB:     pingDB,
		version:    version,
	}
}

// SetupRoutes configures all API routes with proper middleware
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	authed := h.authClient.Middleware

	mux.Handle("/v1/tasks", authed(http.HandlerFunc(h.TasksHandler)))
	mux.Handle("/v1/tasks/", authed(http.HandlerFunc(h.TaskHandler))) // For /v1/tasks/:id/retry|block
	mux.Handle("/v1/worker/cycle", authed(http.HandlerFunc(h.RunWorkerCycle)))
	mux.Handle("/v1/verification/cycle", authed(http.HandlerFunc(h.RunVerificationCycle)))
	mux.Handle("/v1/queue/stats", authed(http.HandlerFunc(h.QueueStats)))
	mux.Handle("/v1/verification/stats", authed(http.HandlerFunc(h.VerificationStats)))
	mux.Handle("/v1/campaign/stats", authed(http.HandlerFunc(h.CampaignStats)))

	mux.Handle("/v1/exchange/participants", authed(http.HandlerFunc(h.ExchangeParticipants)))
	mux.Handle("/v1/exchange/participants/", authed(http.HandlerFunc(h.ExchangeParticipant))) // For /v1/exchange/participants/:id/verify
	mux.Handle("/v1/exchange/links", authed(http.HandlerFunc(h.ExchangeLinks)))
	mux.Handle("/v1/exchange/settle", authed(http.HandlerFunc(h.ExchangeSettle)))
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, "linkengine", h.version)
}

// DatabaseHealthCheck verifies database connectivity
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if err := h.pingDB(r.Context()); err != nil {
		WriteUnhealthy(w, r, "linkengine-db", err)
		return
	}
	WriteHealthy(w, r, "linkengine-db", h.version)
}

func userID(r *http.Request) (string, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims.UserID == "" {
		return "", false
	}
	return claims.UserID, true
}

type createTasksRequest struct {
	SiteURL     string `json:"site_url"`
	SiteName    string `json:"site_name"`
	Description string `json:"description"`
	ArticleID   string `json:"article_id"`
}

// TasksHandler seeds campaign tasks for a newly published article
func (h *Handler) TasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	var req createTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON body")
		return
	}

	err := h.worker.CreateTasksForUser(r.Context(), uid, req.SiteURL, req.SiteName, req.Description, req.ArticleID)
	if err != nil {
		var ve *engine.ValidationError
		if errors.As(err, &ve) {
			WriteErrorMessage(w, r, ve.Error(), http.StatusBadRequest, ErrCodeValidation)
			return
		}
		InternalError(w, r, err)
		return
	}

	WriteCreated(w, r, nil, "Tasks created")
}

// TaskHandler routes /v1/tasks/:id/retry and /v1/tasks/:id/block
func (h *Handler) TaskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/tasks/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		NotFound(w, r, "Unknown task route")
		return
	}
	taskID, action := parts[0], parts[1]

	task, err := h.queue.GetTask(r.Context(), taskID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if task == nil || task.UserID != uid {
		NotFound(w, r, "Task not found")
		return
	}

	switch action {
	case "retry":
		if err := h.queue.RetryTask(r.Context(), taskID); err != nil {
			Conflict(w, r, err.Error())
			return
		}
		WriteSuccess(w, r, nil, "Task requeued")
	case "block":
		if err := h.queue.BlockTask(r.Context(), taskID); err != nil {
			Conflict(w, r, err.Error())
			return
		}
		WriteSuccess(w, r, nil, "Task blocked")
	default:
		NotFound(w, r, "Unknown task action")
	}
}

// RunWorkerCycle processes the caller's next eligible task
func (h *Handler) RunWorkerCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	result, err := h.worker.Run(r.Context(), uid)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if result == nil {
		WriteSuccess(w, r, nil, "Nothing to do")
		return
	}

	WriteSuccess(w, r, result, "")
}

// RunVerificationCycle triggers one verification sweep
func (h *Handler) RunVerificationCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	result, err := h.verifier.Run(r.Context())
	if err != nil {
		InternalError(w, r, err)
		return
	}

	WriteSuccess(w, r, result, "")
}

// QueueStats returns the caller's task counts by status
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	stats, err := h.queue.GetQueueStats(r.Context(), uid)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, stats, "")
}

// VerificationStats returns the caller's indexation rollup
func (h *Handler) VerificationStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	stats, err := h.stats.GetVerificationStats(r.Context(), uid)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, stats, "")
}

// CampaignStats returns the caller's campaign aggregates, including the
// anchor-ratio health signal
func (h *Handler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	stats, err := h.stats.GetCampaignStats(r.Context(), uid)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, stats, "")
}

type registerParticipantRequest struct {
	Domain       string `json:"domain"`
	DomainRating int    `json:"domain_rating"`
}

// ExchangeParticipants registers the caller's domain into the exchange pool
func (h *Handler) ExchangeParticipants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	var req registerParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON body")
		return
	}

	participant, err := h.exchange.RegisterParticipant(r.Context(), uid, req.Domain, req.DomainRating)
	if err != nil {
		WriteErrorMessage(w, r, err.Error(), http.StatusBadRequest, ErrCodeValidation)
		return
	}

	// The token goes back to the caller once so they can publish it
	WriteCreated(w, r, map[string]any{
		"participant":        participant,
		"verification_token": participant.VerificationToken,
	}, "Participant registered")
}

// ExchangeParticipant routes /v1/exchange/participants/:id/verify
func (h *Handler) ExchangeParticipant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/exchange/participants/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "verify" {
		NotFound(w, r, "Unknown participant route")
		return
	}

	participant, err := h.exchange.Participant(r.Context(), parts[0])
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if participant == nil || participant.UserID != uid {
		NotFound(w, r, "Participant not found")
		return
	}

	if err := h.exchange.VerifyParticipant(r.Context(), participant.ID); err != nil {
		Conflict(w, r, err.Error())
		return
	}

	WriteSuccess(w, r, nil, "Participant verified")
}

type placeLinkRequest struct {
	SourceParticipantID string `json:"source_participant_id"`
	DestParticipantID   string `json:"dest_participant_id"`
	SourceURL           string `json:"source_url"`
	DestURL             string `json:"dest_url"`
	AnchorText          string `json:"anchor_text"`
}

// ExchangeLinks records a bought placement between two participants. The
// caller must own the destination participant, since that is whose credits
// get spent.
func (h *Handler) ExchangeLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := userID(r)
	if !ok {
		Unauthorised(w, r, "No authenticated user")
		return
	}

	var req placeLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON body")
		return
	}

	dest, err := h.exchange.Participant(r.Context(), req.DestParticipantID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if dest == nil || dest.UserID != uid {
		NotFound(w, r, "Participant not found")
		return
	}

	link, err := h.exchange.PlaceLink(r.Context(), req.SourceParticipantID, req.DestParticipantID,
		req.SourceURL, req.DestURL, req.AnchorText)
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientCredits) || errors.Is(err, exchange.ErrNotVerified) {
			Conflict(w, r, err.Error())
			return
		}
		WriteErrorMessage(w, r, err.Error(), http.StatusBadRequest, ErrCodeValidation)
		return
	}

	WriteCreated(w, r, link, "Link placed")
}

// ExchangeSettle triggers one settlement sweep
func (h *Handler) ExchangeSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	result, err := h.exchange.SettleLinks(r.Context())
	if err != nil {
		InternalError(w, r, err)
		return
	}

	WriteSuccess(w, r, result, "")
}
