package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var errRetryable = errors.New("agent: retryable status")

// HTTPAgent posts {assets, context} to a decision endpoint and parses the reply.
type HTTPAgent struct {
	URL     string
	APIKey  string
	Client  *http.Client
	Retries int
	Backoff time.Duration

	log *zap.Logger
}

// NewHTTPAgent builds an agent with the given request timeout.
func NewHTTPAgent(url, apiKey string, timeout time.Duration, log *zap.Logger) *HTTPAgent {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPAgent{
		URL:     url,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
		Retries: 3,
		Backoff: time.Second,
		log:     log,
	}
}

type decideRequest struct {
	Assets  []string `json:"assets"`
	Context string   `json:"context"`
}

// Decide retries on 429, 5xx and transport errors; any other non-200 is final.
func (a *HTTPAgent) Decide(ctx context.Context, assets []string, prompt string) (Response, error) {
	payload, err := json.Marshal(decideRequest{Assets: assets, Context: prompt})
	if err != nil {
		return Response{}, err
	}

	attempts := a.Retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := a.Backoff * time.Duration(1<<(attempt-1))
			a.log.Warn("⚠️ decision agent retry",
				zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		body, err := a.post(ctx, payload)
		if err == nil {
			return Parse(body)
		}
		if !errors.Is(err, errRetryable) {
			return Response{}, err
		}
		lastErr = err
	}
	return Response{}, fmt.Errorf("decision agent: giving up after %d attempts: %w", attempts, lastErr)
}

func (a *HTTPAgent) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	res, err := a.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errRetryable, err)
	}
	switch {
	case res.StatusCode == http.StatusOK:
		return body, nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", errRetryable, res.StatusCode)
	default:
		return nil, fmt.Errorf("decision agent status %d: %s", res.StatusCode, string(body))
	}
}
