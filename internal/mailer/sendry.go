package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SendryClient submits messages to a Sendry MTA over its HTTP API
type SendryClient struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
}

// NewSendryClient creates a client for the Sendry instance at baseURL
func NewSendryClient(baseURL, apiKey, from string) *SendryClient {
	return &SendryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		from:    from,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sendryRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type sendryResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type sendryError struct {
	Error string `json:"error"`
}

// Send queues one message on the Sendry server
func (c *SendryClient) Send(ctx context.Context, to, subject, body string) error {
	data, err := json.Marshal(&sendryRequest{
		From:    c.from,
		To:      []string{to},
		Subject: subject,
		HTML:    body,
	})
	if err != nil {
		return permanent(to, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/send", bytes.NewReader(data))
	if err != nil {
		return permanent(to, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return temporary(to, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp sendryError
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			msg = fmt.Sprintf("API error: %s", errResp.Error)
		}
		// Rate limiting and server errors are worth retrying
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return temporary(to, fmt.Errorf("%s", msg))
		}
		return permanent(to, fmt.Errorf("%s", msg))
	}

	var result sendryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return temporary(to, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
