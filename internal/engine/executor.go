package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rs/zerolog/log"
)

// SubmissionResult is the executor's report of a placement attempt
type SubmissionResult struct {
	PublishedURL string `json:"published_url"`
}

// SubmissionExecutor performs the placement action against a platform.
// Failures come back as the engine's typed errors: *TransientError for
// retryable conditions, *PlatformIncompatibleError for conditions needing
// a human.
type SubmissionExecutor interface {
	Submit(ctx context.Context, platform *db.Platform, task *db.Task) (*SubmissionResult, error)
}

// HTTPExecutor submits placements to a platform's submission endpoint
type HTTPExecutor struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPExecutor creates an executor with a bounded per-call timeout
func NewHTTPExecutor(client *http.Client, timeout time.Duration) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{client: client, timeout: timeout}
}

type submitRequest struct {
	TargetURL  string          `json:"target_url"`
	AnchorText string          `json:"anchor_text"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Submit posts the task payload to the platform endpoint and classifies
// the outcome
func (e *HTTPExecutor) Submit(ctx context.Context, platform *db.Platform, task *db.Task) (*SubmissionResult, error) {
	if !platform.AutomationAllowed {
		return nil, &PlatformIncompatibleError{Reason: "platform does not allow automated submission"}
	}
	if platform.HasCaptcha {
		return nil, &PlatformIncompatibleError{Reason: "platform requires CAPTCHA"}
	}
	if platform.SubmitURL == "" {
		return nil, &PlatformIncompatibleError{Reason: "platform has no submission endpoint"}
	}

	body, err := json.Marshal(submitRequest{
		TargetURL:  task.TargetURL,
		AnchorText: task.AnchorText,
		Payload:    task.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	method := platform.SubmitMethod
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, platform.SubmitURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result SubmissionResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			log.Debug().
				Err(err).
				Str("platform_id", platform.ID).
				Msg("Submission response had no parseable body")
		}
		return &result, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("platform returned %d", resp.StatusCode)}

	default:
		// 4xx other than rate limiting: the platform rejected this
		// submission outright, a human needs to look at it
		return nil, &PlatformIncompatibleError{
			Reason: fmt.Sprintf("platform rejected submission with status %d", resp.StatusCode),
		}
	}
}
