package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultResendURL   = "https://api.resend.com/emails"
	defaultHTTPTimeout = 10 * time.Second
)

// ResendMessage represents one email to send via the Resend API.
type ResendMessage struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// ResendResponse is the response returned by the Resend API on success.
type ResendResponse struct {
	ID string `json:"id"`
}

// resendError is the error envelope returned by the Resend API.
type resendError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ResendClient sends transactional email via the Resend API.
type ResendClient struct {
	url    string
	client *http.Client
	apiKey string
	from   string
}

// Option configures a ResendClient.
type Option func(*ResendClient)

// WithBaseURL overrides the Resend API endpoint (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *ResendClient) { c.url = url }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *ResendClient) { c.client = client }
}

// NewResendClient creates a Resend API client. An empty apiKey yields a
// disabled client: Enabled reports false and sends are skipped.
func NewResendClient(apiKey, from string, opts ...Option) *ResendClient {
	c := &ResendClient{
		url:    defaultResendURL,
		apiKey: strings.TrimSpace(apiKey),
		from:   from,
		client: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether an API key is configured.
func (c *ResendClient) Enabled() bool {
	return c.apiKey != ""
}

// Send delivers one email through the Resend API.
func (c *ResendClient) Send(ctx context.Context, msg ResendMessage) (*ResendResponse, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("notification: resend API key not configured")
	}
	if msg.From == "" {
		msg.From = c.from
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("notification: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("notification: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	// Retries through the HTTP transport must not produce duplicate emails.
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notification: send email: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("notification: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr resendError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("notification: resend API %d: %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("notification: resend API returned %d", resp.StatusCode)
	}

	var result ResendResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("notification: decode response: %w", err)
	}
	return &result, nil
}
