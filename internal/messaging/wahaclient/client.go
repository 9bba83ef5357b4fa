package wahaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultBaseURL   = "http://localhost:3000"
	defaultUserAgent = "waha-bridge/0.1"
	apiKeyHeader     = "X-Api-Key"
)

// ErrNotFound is returned by lookups the gateway answers with 404 or an empty body.
var ErrNotFound = errors.New("wahaclient: not found")

// Config controls how the WAHA client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Session    string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

// Client wraps the WAHA REST endpoints for one session.
type Client struct {
	apiKey     string
	baseURL    string
	session    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	session := strings.TrimSpace(cfg.Session)
	if session == "" {
		return nil, errors.New("wahaclient: session name is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		session:    session,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

func (c *Client) Session() string { return c.session }

func (c *Client) BaseURL() string { return c.baseURL }

// SendText posts a text message. Sends are never retried.
func (c *Client) SendText(ctx context.Context, chatID, text, replyTo string) (*SendResult, error) {
	req := SendTextRequest{Session: c.session, ChatID: chatID, Text: text, ReplyTo: replyTo}
	if err := req.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wahaclient: marshal send body: %w", err)
	}
	data, err := c.invokeOnce(ctx, http.MethodPost, "/api/sendText", nil, body)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendResult](data)
}

// SendMedia posts an inline file to the endpoint matching req.Kind.
func (c *Client) SendMedia(ctx context.Context, req SendMediaRequest) (*SendResult, error) {
	req.Session = c.session
	if err := req.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wahaclient: marshal media body: %w", err)
	}
	data, err := c.invokeOnce(ctx, http.MethodPost, mediaEndpoints[req.Kind], nil, body)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendResult](data)
}

// GetContact looks a number up as <digits>@c.us, then <digits>@lid, then bare.
func (c *Client) GetContact(ctx context.Context, phone string) (*Contact, error) {
	digits := strings.NewReplacer("+", "", " ", "").Replace(strings.TrimSpace(phone))
	if digits == "" {
		return nil, errors.New("wahaclient: phone required")
	}
	var lastErr error = ErrNotFound
	for _, contactID := range []string{digits + "@c.us", digits + "@lid", digits} {
		q := url.Values{}
		q.Set("session", c.session)
		q.Set("contactId", contactID)
		data, err := c.invoke(ctx, http.MethodGet, "/api/contacts", q, nil)
		if err != nil {
			lastErr = err
			continue
		}
		contact, ok := decodeContact(contactID, data)
		if ok {
			return contact, nil
		}
	}
	return nil, lastErr
}

func decodeContact(contactID string, data []byte) (*Contact, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == "{}" {
		return nil, false
	}
	var name string
	if err := json.Unmarshal(trimmed, &name); err == nil {
		if name == "" {
			return nil, false
		}
		return &Contact{ID: ID(contactID), Name: name}, true
	}
	var contact Contact
	if err := json.Unmarshal(trimmed, &contact); err != nil {
		return nil, false
	}
	if contact.ID == "" {
		contact.ID = ID(contactID)
	}
	return &contact, true
}

// GetProfilePictureURL returns the avatar URL, or ErrNotFound when there is none.
func (c *Client) GetProfilePictureURL(ctx context.Context, contactID string) (string, error) {
	if strings.TrimSpace(contactID) == "" {
		return "", errors.New("wahaclient: contact id required")
	}
	q := url.Values{}
	q.Set("session", c.session)
	q.Set("contactId", contactID)
	data, err := c.invoke(ctx, http.MethodGet, "/api/contacts/profile-picture", q, nil)
	if err != nil {
		return "", err
	}
	trimmed := bytes.TrimSpace(data)
	var raw string
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		var obj struct {
			URL string `json:"profilePictureURL"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			raw = string(trimmed)
		} else {
			raw = obj.URL
		}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", ErrNotFound
	}
	return c.RewriteURL(raw), nil
}

// GetGroup fetches group metadata.
func (c *Client) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, errors.New("wahaclient: group id required")
	}
	path := fmt.Sprintf("/api/%s/groups/%s", url.PathEscape(c.session), url.PathEscape(groupID))
	data, err := c.invoke(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, ErrNotFound
	}
	return decodeJSON[Group](data)
}

// GetSession returns the session status.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	data, err := c.invoke(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(c.session), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Session](data)
}

// Download fetches a gateway-hosted file (avatars, media) with the API key.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	target := c.RewriteURL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("wahaclient: build download request: %w", err)
	}
	c.decorate(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("wahaclient: download: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("wahaclient: read download: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", decodeAPIError(resp.StatusCode, data)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// RewriteURL points loopback gateway URLs at the configured base URL, since
// the gateway reports file URLs relative to its own listener.
func (c *Client) RewriteURL(raw string) string {
	for _, loopback := range []string{"http://localhost:3000", "http://127.0.0.1:3000"} {
		if strings.HasPrefix(raw, loopback) {
			return c.baseURL + strings.TrimPrefix(raw, loopback)
		}
	}
	return raw
}

func (c *Client) decorate(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
}

// invokeOnce is used for non-idempotent calls.
func (c *Client) invokeOnce(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	return c.do(ctx, method, path, query, body, 0)
}

func (c *Client) invoke(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	return c.do(ctx, method, path, query, body, c.maxRetries)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, maxRetries int) ([]byte, error) {
	fullURL := c.buildURL(path, query)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("wahaclient: build request: %w", err)
		}
		c.decorate(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == maxRetries {
				return nil, fmt.Errorf("wahaclient: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("wahaclient: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("wahaclient: request failed without response")
}

func (c *Client) buildURL(path string, query url.Values) string {
	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full = full + "?" + query.Encode()
	}
	return full
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("waha retry",
		"session", c.session,
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 && status <= 599 {
		return true
	}
	return false
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message,omitempty"`
	Detail     string `json:"error,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("wahaclient: %s - %s (status=%d)", msg, e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("wahaclient: %s (status=%d)", msg, e.StatusCode)
}

// HTTPStatus exposes the response status for error classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

func decodeAPIError(status int, body []byte) error {
	var parsed struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	apiErr := &APIError{StatusCode: status, Message: parsed.Message}
	if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
		var s string
		if err := json.Unmarshal(parsed.Error, &s); err == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(parsed.Error)
		}
	}
	if apiErr.Message == "" && apiErr.Detail == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func decodeJSON[T any](body []byte) (*T, error) {
	var out T
	if len(bytes.TrimSpace(body)) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("wahaclient: decode response: %w", err)
	}
	return &out, nil
}
