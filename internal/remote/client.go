// Package remote is the HTTP client for the attendance backend: the system
// of record the sync engine reconciles the local ledger against. The backend
// may be unreachable at any time; every call carries a bounded timeout and
// failures are returned for the caller to retry.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/axonlabs/axon-attendance/pkg/api"
)

// Config carries the backend connection settings.
type Config struct {
	// BaseURL is the backend root, e.g. "https://attendance.example.org".
	BaseURL string

	// DeviceID identifies this edge device in the bearer token.
	DeviceID string

	// DeviceSecret signs the bearer token (HS256, shared with the backend).
	// Empty disables authentication for backends that do not require it.
	DeviceSecret string

	// Timeout bounds every request. A sync call must never hang the drain
	// loop.
	Timeout time.Duration

	// TokenTTL bounds the lifetime of a minted bearer token.
	TokenTTL time.Duration
}

// Client talks to the attendance backend.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// UpsertAttendance offers one attendance record to the backend. The request
// is keyed by the record's stable event id, so replaying it after a crash
// between "remote accepted" and "local marked synced" is a no-op remotely.
func (c *Client) UpsertAttendance(ctx context.Context, record api.AttendanceRecord) (*api.AttendanceUpsertResponse, error) {
	var resp api.AttendanceUpsertResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/attendance/upsert", record, &resp); err != nil {
		return nil, fmt.Errorf("attendance upsert failed: %w", err)
	}
	return &resp, nil
}

// CurrentSession fetches the backend's active session, if any.
func (c *Client) CurrentSession(ctx context.Context) (*api.CurrentSessionResponse, error) {
	var resp api.CurrentSessionResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/session/current", nil, &resp); err != nil {
		return nil, fmt.Errorf("current session request failed: %w", err)
	}
	return &resp, nil
}

// Directory fetches people and rooms changed since the given watermark.
// A zero time requests the full directory.
func (c *Client) Directory(ctx context.Context, since time.Time) (*api.DirectoryResponse, error) {
	path := "/api/v1/people"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(strconv.FormatInt(since.UnixMilli(), 10))
	}
	var resp api.DirectoryResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	return &resp, nil
}

// FetchMedia downloads one enrollment image. Only JPEG responses are
// accepted.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create media request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media request failed with status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "image/jpeg") {
		return nil, fmt.Errorf("media is not a JPEG image (content type %q)", contentType)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read media body: %w", err)
	}
	return data, nil
}

// doRequest performs one JSON request/response exchange.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	requestURL := c.cfg.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.DeviceSecret != "" {
		token, err := c.mintToken()
		if err != nil {
			return fmt.Errorf("failed to mint device token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// mintToken signs a short-lived HS256 bearer token identifying this device.
func (c *Client) mintToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   c.cfg.DeviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.DeviceSecret))
}
