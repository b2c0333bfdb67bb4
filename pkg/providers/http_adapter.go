package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// unhealthyAfter is the number of consecutive failures after which an
// adapter reports itself unhealthy to the registry's health filter.
const unhealthyAfter = 3

// maxErrorBodyBytes caps how much of an error response body is carried
// into error messages.
const maxErrorBodyBytes = 2048

// HTTPAdapter is the base for network-backed adapters. It owns the pooled
// HTTP client, enforces the minimum inter-call spacing, and tracks health.
//
// Concrete adapters embed it and implement the Adapter interface methods.
// It deliberately does not retry: the retry envelope belongs to the
// fallback service so that backoff, circuit breaking and candidate
// cascading compose in one place.
type HTTPAdapter struct {
	config ModelConfig
	client *http.Client

	// rateMu serialises the spacing check so two concurrent calls cannot
	// both observe a stale lastCall.
	rateMu   sync.Mutex
	lastCall time.Time

	healthMu sync.RWMutex
	health   Health
}

// NewHTTPAdapter creates the shared HTTP base for a model configuration.
// The configuration should already have defaults applied.
func NewHTTPAdapter(config ModelConfig) *HTTPAdapter {
	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &HTTPAdapter{
		config: config,
		// No client-level timeout: per-call deadlines come from the
		// request context so streaming responses are not cut off.
		client: &http.Client{Transport: transport},
		health: Health{
			IsHealthy:   true,
			LastSuccess: time.Now(),
		},
	}
}

// GetName returns the adapter's model id.
func (a *HTTPAdapter) GetName() string {
	return a.config.ModelID
}

// GetKind returns the provider family.
func (a *HTTPAdapter) GetKind() Kind {
	return a.config.Provider
}

// GetConfig returns the adapter's configuration.
func (a *HTTPAdapter) GetConfig() ModelConfig {
	return a.config
}

// GetHealth returns the adapter's observed request outcomes.
func (a *HTTPAdapter) GetHealth() Health {
	a.healthMu.RLock()
	defer a.healthMu.RUnlock()
	return a.health
}

// Healthy reports whether the adapter has not failed repeatedly.
func (a *HTTPAdapter) Healthy() bool {
	a.healthMu.RLock()
	defer a.healthMu.RUnlock()
	return a.health.IsHealthy
}

// Close releases idle connections held by the pooled client.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// WaitRateLimit delays until the configured spacing since the previous call
// on this adapter instance has elapsed. It reserves the next slot before
// sleeping so concurrent callers queue rather than stampede.
func (a *HTTPAdapter) WaitRateLimit(ctx context.Context) error {
	if a.config.RateLimit <= 0 {
		return nil
	}

	a.rateMu.Lock()
	now := time.Now()
	next := a.lastCall.Add(a.config.RateLimit)
	if next.Before(now) {
		next = now
	}
	a.lastCall = next
	wait := next.Sub(now)
	a.rateMu.Unlock()

	if wait <= 0 {
		return nil
	}

	slog.Debug("rate limit spacing",
		"model", a.config.ModelID,
		"wait", wait,
	)

	select {
	case <-ctx.Done():
		return ClassifyTransport(a.config.ModelID, ctx.Err())
	case <-time.After(wait):
		return nil
	}
}

// RecordOutcome updates health bookkeeping after a call. Adapters call it
// on every Generate/StreamGenerate completion.
func (a *HTTPAdapter) RecordOutcome(err error) {
	a.healthMu.Lock()
	defer a.healthMu.Unlock()

	a.health.TotalRequests++
	if err == nil {
		a.health.IsHealthy = true
		a.health.ConsecutiveFailures = 0
		a.health.LastError = nil
		a.health.LastSuccess = time.Now()
		return
	}

	a.health.FailedRequests++
	if !IsCountable(err) {
		return
	}

	a.health.ConsecutiveFailures++
	a.health.LastError = err
	if a.health.ConsecutiveFailures >= unhealthyAfter {
		if a.health.IsHealthy {
			slog.Warn("adapter marked unhealthy",
				"model", a.config.ModelID,
				"consecutive_failures", a.health.ConsecutiveFailures,
				"error", err,
			)
		}
		a.health.IsHealthy = false
	}
}

// DoJSON performs a single JSON request/response round trip. The response
// status is classified into the error taxonomy; no retries are attempted.
func (a *HTTPAdapter) DoJSON(ctx context.Context, method, url string, reqBody, respBody any, headers map[string]string) error {
	resp, err := a.do(ctx, method, url, reqBody, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ClassifyTransport(a.config.ModelID, err)
	}

	if err := json.Unmarshal(data, respBody); err != nil {
		return WrapError(a.config.ModelID, KindInternal,
			fmt.Sprintf("failed to parse response: %s", truncate(string(data), 256)), err)
	}

	return nil
}

// DoStream performs a request and returns the raw response body for
// streaming consumption. The caller owns closing the body.
func (a *HTTPAdapter) DoStream(ctx context.Context, method, url string, reqBody any, headers map[string]string) (io.ReadCloser, error) {
	resp, err := a.do(ctx, method, url, reqBody, headers)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do sends one request and classifies non-2xx statuses. Error response
// bodies are drained so the pooled connection can be reused.
func (a *HTTPAdapter) do(ctx context.Context, method, url string, reqBody any, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, WrapError(a.config.ModelID, KindInternal, "failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, WrapError(a.config.ModelID, KindInternal, "failed to create request", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" && reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.Debug("sending request to provider",
		"model", a.config.ModelID,
		"provider", a.config.Provider,
		"method", method,
		"url", url,
	)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(a.config.ModelID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		perr := ClassifyStatus(a.config.ModelID, resp.StatusCode, truncate(string(body), 256))
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			perr.RetryAfter = ra
		}
		return nil, perr
	}

	return resp, nil
}

// parseRetryAfter parses a Retry-After header given in seconds.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(value, "%d", &secs); err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
