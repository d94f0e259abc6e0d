// Package senders implements the concrete channel providers: the workflow
// webhook, Brevo and SMTP email, the SMS gateway, Evolution API WhatsApp
// instances and the voice call API.
package senders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"survey-dispatch/internal/provider"
)

const (
	// DefaultTimeout bounds every provider call.
	DefaultTimeout = 15 * time.Second
	minTimeout     = 10 * time.Second
	maxTimeout     = 30 * time.Second
	maxErrorBody   = 512
	userAgent      = "survey-dispatch/1.0"
)

var (
	// ErrInvalidCredential indicates the provider rejected our credentials.
	ErrInvalidCredential = errors.New("provider rejected credentials")
	// ErrProviderRateLimited indicates the provider answered 429.
	ErrProviderRateLimited = errors.New("provider rate limited")
)

// HTTPError carries a non-2xx provider answer.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: status=%d body=%s", e.Provider, e.Status, e.Body)
}

// ClampTimeout keeps provider timeouts between 10s and 30s so one hung
// provider cannot stall a bulk batch. Zero selects DefaultTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < minTimeout:
		return minTimeout
	case d > maxTimeout:
		return maxTimeout
	default:
		return d
	}
}

// NewHTTPClient returns an http.Client with a clamped timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: ClampTimeout(timeout)}
}

type jsonClient struct {
	name    string
	baseURL string
	headers map[string]string
	http    *http.Client
	// opaque clients report non-2xx answers as a bare *HTTPError, never as
	// an invalid recipient or credential.
	opaque bool
}

func newJSONClient(name, baseURL string, headers map[string]string, httpClient *http.Client) *jsonClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}
	return &jsonClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: headers,
		http:    httpClient,
	}
}

// post sends payload as JSON and decodes a JSON object answer into a map.
// An empty or non-object body yields an empty map.
func (c *jsonClient) post(ctx context.Context, endpoint string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: new request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.name, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.name, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if c.opaque {
			return nil, newHTTPError(c.name, res.StatusCode, string(raw))
		}
		return nil, ClassifyHTTPError(c.name, res.StatusCode, string(raw))
	}

	data := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		// Some providers answer with plain text; that is still a success.
		_ = json.Unmarshal(raw, &data)
	}
	return data, nil
}

// ClassifyHTTPError turns a non-2xx answer into an *HTTPError, wrapped with
// ErrInvalidCredential, ErrProviderRateLimited or provider.ErrInvalidRecipient
// when the status or body says so.
func ClassifyHTTPError(name string, status int, body string) error {
	httpErr := newHTTPError(name, status, body)
	lower := strings.ToLower(httpErr.Body)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrInvalidCredential, httpErr)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrProviderRateLimited, httpErr)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if strings.Contains(lower, "invalid number") ||
			strings.Contains(lower, "invalid phone") ||
			strings.Contains(lower, "invalid email") ||
			strings.Contains(lower, "not on whatsapp") ||
			strings.Contains(lower, "\"exists\":false") {
			return fmt.Errorf("%w: %w", provider.ErrInvalidRecipient, httpErr)
		}
	}
	return httpErr
}

func newHTTPError(name string, status int, body string) *HTTPError {
	snippet := strings.TrimSpace(body)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	return &HTTPError{Provider: name, Status: status, Body: snippet}
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if str := toString(val); str != "" {
				return str
			}
		}
	}
	return ""
}

func nested(data map[string]any, key string) map[string]any {
	if val, ok := data[key].(map[string]any); ok {
		return val
	}
	return map[string]any{}
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
