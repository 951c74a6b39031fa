// Package execution sends source text to a remote code-execution endpoint.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
	"unicode/utf8"
)

// maxErrorBody bounds how much of a failed response is kept in a ServiceError.
const maxErrorBody = 512

// ServiceError reports an unreachable endpoint or a non-success response.
type ServiceError struct {
	StatusCode int // zero when no response was received
	Body       string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("execution service returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("execution service unreachable: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

type executeRequest struct {
	Code string `json:"code"`
}

// Client posts code to a single execution URL.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient returns a Client for url. timeout bounds each request, including
// reading the response body.
func NewClient(url string, timeout time.Duration) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("execution url must be provided")
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Execute runs code remotely and returns the service's output. A JSON string
// response is unwrapped; any other body is returned verbatim.
func (c *Client) Execute(ctx context.Context, code string) (string, error) {
	payload, err := json.Marshal(executeRequest{Code: code})
	if err != nil {
		return "", fmt.Errorf("failed to marshal execution request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ServiceError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ServiceError{Err: fmt.Errorf("read response body failed: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ServiceError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	return decodeResult(resp.Header.Get("Content-Type"), body), nil
}

func decodeResult(contentType string, body []byte) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType == "application/json" {
		var s string
		if json.Unmarshal(body, &s) == nil {
			return s
		}
	}
	return string(body)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
