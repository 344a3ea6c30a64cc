package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Broadcast is the platform's view of a scheduled or running broadcast.
type Broadcast struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Privacy        string    `json:"privacy"`
	Status         string    `json:"status"`
	ScheduledStart time.Time `json:"scheduledStart"`
	WatchURL       string    `json:"watchUrl"`
}

// CreateParams describes the broadcast to pre-create on the platform.
type CreateParams struct {
	ChannelID      string    `json:"channelId"`
	StreamKey      string    `json:"streamKey"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Privacy        string    `json:"privacy"`
	ScheduledStart time.Time `json:"scheduledStart"`
}

// AudienceParams carries the best-effort audience settings applied after
// creation.
type AudienceParams struct {
	MadeForKids   bool `json:"madeForKids"`
	AgeRestricted bool `json:"ageRestricted"`
}

// Client is the platform surface the scheduler depends on. All calls carry
// the channel's OAuth access token.
type Client interface {
	CreateBroadcast(ctx context.Context, token string, params CreateParams) (Broadcast, error)
	FindScheduledBroadcast(ctx context.Context, token, channelID string) (Broadcast, bool, error)
	TransitionBroadcast(ctx context.Context, token, id, state string) error
	SetAudience(ctx context.Context, token, id string, params AudienceParams) error
	UploadThumbnail(ctx context.Context, token, id, path string) error
}

// HTTPClient implements Client against the platform's REST API.
type HTTPClient struct {
	config Config
	logger *slog.Logger
}

// NewHTTPClient constructs a Client backed by the platform HTTP API.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("platform base URL required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &HTTPClient{config: cfg, logger: slog.Default()}, nil
}

// SetLogger replaces the client's logger.
func (c *HTTPClient) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

func (c *HTTPClient) endpoint(parts ...string) string {
	base := strings.TrimRight(c.config.BaseURL, "/")
	return base + "/" + strings.Join(parts, "/")
}

func (c *HTTPClient) CreateBroadcast(ctx context.Context, token string, params CreateParams) (Broadcast, error) {
	if strings.TrimSpace(params.Title) == "" {
		return Broadcast{}, fmt.Errorf("broadcast title required")
	}
	if strings.TrimSpace(params.StreamKey) == "" {
		return Broadcast{}, fmt.Errorf("stream key required")
	}
	var created Broadcast
	if err := c.post(ctx, c.endpoint("v1", "broadcasts"), token, params, &created); err != nil {
		return Broadcast{}, fmt.Errorf("create broadcast: %w", err)
	}
	if created.ID == "" {
		return Broadcast{}, fmt.Errorf("create broadcast: platform returned no id")
	}
	return created, nil
}

// FindScheduledBroadcast looks for an existing upcoming broadcast on the
// channel. Used only when broadcast reuse is enabled.
func (c *HTTPClient) FindScheduledBroadcast(ctx context.Context, token, channelID string) (Broadcast, bool, error) {
	url := c.endpoint("v1", "channels", channelID, "broadcasts") + "?status=scheduled"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Broadcast{}, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return Broadcast{}, false, fmt.Errorf("list broadcasts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Broadcast{}, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Broadcast{}, false, statusError("list broadcasts", resp)
	}
	var payload struct {
		Broadcasts []Broadcast `json:"broadcasts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Broadcast{}, false, fmt.Errorf("decode broadcasts: %w", err)
	}
	if len(payload.Broadcasts) == 0 {
		return Broadcast{}, false, nil
	}
	return payload.Broadcasts[0], true, nil
}

func (c *HTTPClient) TransitionBroadcast(ctx context.Context, token, id, state string) error {
	payload := map[string]string{"state": state}
	if err := c.post(ctx, c.endpoint("v1", "broadcasts", id, "transition"), token, payload, nil); err != nil {
		return fmt.Errorf("transition broadcast %s to %s: %w", id, state, err)
	}
	return nil
}

func (c *HTTPClient) SetAudience(ctx context.Context, token, id string, params AudienceParams) error {
	if err := c.post(ctx, c.endpoint("v1", "broadcasts", id, "audience"), token, params, nil); err != nil {
		return fmt.Errorf("set audience for %s: %w", id, err)
	}
	return nil
}

// UploadThumbnail pushes a thumbnail image as multipart form data. Missing
// files are reported as errors; the caller treats them as non-fatal.
func (c *HTTPClient) UploadThumbnail(ctx context.Context, token, id, path string) error {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open thumbnail: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("thumbnail", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("build thumbnail form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("read thumbnail: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish thumbnail form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("v1", "broadcasts", id, "thumbnail"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("upload thumbnail", resp)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, url, token string, payload, dest any) error {
	var lastErr error
	attempts := c.config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && c.config.RetryInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryInterval):
			}
		}
		lastErr = c.postOnce(ctx, url, token, payload, dest)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		c.logger.Warn("platform request failed, retrying", "url", url, "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

func (c *HTTPClient) postOnce(ctx context.Context, url, token string, payload, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return &requestError{status: 0, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("request", resp)
	}
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type requestError struct {
	status int
	body   string
	err    error
}

func (e *requestError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.body != "" {
		return fmt.Sprintf("platform returned %d: %s", e.status, e.body)
	}
	return fmt.Sprintf("platform returned %d", e.status)
}

func (e *requestError) Unwrap() error {
	return e.err
}

func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: %w", op, &requestError{status: resp.StatusCode, body: strings.TrimSpace(string(snippet))})
}

// retryable treats transport failures and server-side errors as retryable;
// 4xx responses are terminal.
func retryable(err error) bool {
	var reqErr *requestError
	if !errors.As(err, &reqErr) {
		return false
	}
	return reqErr.status == 0 || reqErr.status >= 500
}
