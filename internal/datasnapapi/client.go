// Package datasnapapi implements the remote API client (C8) from
// spec.md §6.1: auth/me, schema listing, upload-token generation, and the
// telemetry healthcheck endpoint, all bit-exact with the documented
// contract. Retries use an exponential backoff loop generalized from a
// DynamoDB-specific throttling check to the HTTP status/network-error
// classification this domain needs, wrapped in a
// github.com/sony/gobreaker circuit breaker the way other network-facing
// services isolate a flaky remote dependency.
package datasnapapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

const defaultBaseURL = "https://api.datasnap.cloud"

// retryableStatus is the retry status set from spec.md §6.1.
var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// Client is the DataSnap Cloud API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// Option customises a new Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides DATASNAP_API_BASE_URL's default.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// New constructs a Client. baseURL should come from the
// DATASNAP_API_BASE_URL environment variable; an empty string falls back
// to the documented default.
func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "datasnap-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// User is the response shape of GET /auth/me.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Schema is one entry from GET /v1/schemas.
type Schema struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type schemasResponse struct {
	Data []Schema `json:"data"`
}

// UploadTokenResponse is the response of
// POST /v1/schemas/{slug}/generate-upload-token.
type UploadTokenResponse struct {
	UploadID  string    `json:"upload_id"`
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthMe validates api_key, used both for startup validation and as the
// heartbeat probe.
func (c *Client) AuthMe(ctx context.Context) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", nil, &user, 10*time.Second); err != nil {
		return nil, fmt.Errorf("datasnapapi: auth/me: %w", err)
	}
	return &user, nil
}

// ListSchemas returns every schema visible to api_key.
func (c *Client) ListSchemas(ctx context.Context) ([]Schema, error) {
	var resp schemasResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/schemas", nil, &resp, 20*time.Second); err != nil {
		return nil, fmt.Errorf("datasnapapi: list schemas: %w", err)
	}
	return resp.Data, nil
}

// GenerateUploadToken requests a fresh upload token for schemaSlug and
// mappingName, valid for minutes minutes.
func (c *Client) GenerateUploadToken(ctx context.Context, schemaSlug, mappingName string, minutes int) (*UploadTokenResponse, error) {
	body := map[string]any{
		"mapping_name": mappingName,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"minutes":      minutes,
	}
	var resp UploadTokenResponse
	path := fmt.Sprintf("/v1/schemas/%s/generate-upload-token", schemaSlug)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp, 20*time.Second); err != nil {
		return nil, fmt.Errorf("datasnapapi: generate upload token: %w", err)
	}
	return &resp, nil
}

// Healthcheck posts a telemetry payload to /v1/bridge/healthcheck. Errors
// are returned, not swallowed — the telemetry package owns the
// "log and ignore" policy from spec.md §6.3.
func (c *Client) Healthcheck(ctx context.Context, payload map[string]any) error {
	if err := c.doJSON(ctx, http.MethodPost, "/v1/bridge/healthcheck", payload, nil, 10*time.Second); err != nil {
		return fmt.Errorf("datasnapapi: healthcheck: %w", err)
	}
	return nil
}

// doJSON performs one request, retrying on the status set from spec.md
// §6.1 with backoff factor 0.1 up to 1 retry, wrapped in the circuit
// breaker so a sustained remote outage fails fast instead of piling up
// blocked goroutines.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	const maxRetries = 1
	const backoffFactor = 0.1

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(backoffFactor * math.Pow(2, float64(attempt)) * float64(time.Second))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := c.breaker.Execute(func() (any, error) {
			return c.doOnce(ctx, method, path, body, timeout)
		})
		if err == nil {
			resp := result.(*http.Response)
			defer resp.Body.Close()
			if out != nil {
				if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
					return fmt.Errorf("decode response: %w", decErr)
				}
			} else {
				io.Copy(io.Discard, resp.Body)
			}
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	se, ok := err.(*statusError)
	if !ok {
		// Network-level errors (timeouts, connection refused) are
		// retried too, per spec.md §6.1's "Retryable conditions: network
		// errors, HTTP 429/5xx".
		return true
	}
	return retryableStatus[se.status]
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &statusError{status: resp.StatusCode, body: string(respBody)}
	}
	return resp, nil
}
