package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPClient talks to the remote catalog platform over its REST surface.
// Every call carries a bounded per-request timeout; transient failures
// (network errors, 429, 5xx) are retried with exponential backoff up to
// MaxRetries before the error is surfaced wrapped in ErrTransient.
type HTTPClient struct {
	BaseURL    string
	Token      string
	HTTP       *http.Client
	MaxRetries int
	Backoff    time.Duration
}

// NewHTTPClient constructs a client with sane defaults.
func NewHTTPClient(baseURL, token string, timeout time.Duration, maxRetries int) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: maxRetries,
		Backoff:    250 * time.Millisecond,
	}
}

// GetProductMedia implements Client.
func (c *HTTPClient) GetProductMedia(ctx context.Context, shopID, productID string) (*Snapshot, error) {
	var snap Snapshot
	path := fmt.Sprintf("/shops/%s/products/%s/media", shopID, productID)
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	if snap.VariantHeroes == nil {
		snap.VariantHeroes = map[string]Asset{}
	}
	return &snap, nil
}

// UploadAsset implements Client.
func (c *HTTPClient) UploadAsset(ctx context.Context, shopID, productID string, in UploadInput) (string, error) {
	var out struct {
		RemoteID string `json:"remote_id"`
	}
	path := fmt.Sprintf("/shops/%s/products/%s/media", shopID, productID)
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return "", err
	}
	if out.RemoteID == "" {
		return "", fmt.Errorf("upload response missing remote_id for %s", in.URL)
	}
	return out.RemoteID, nil
}

// AssignVariantHero implements Client.
func (c *HTTPClient) AssignVariantHero(ctx context.Context, shopID, variantID, remoteID string) error {
	body := struct {
		RemoteID string `json:"remote_id"`
	}{RemoteID: remoteID}
	path := fmt.Sprintf("/shops/%s/variants/%s/hero", shopID, variantID)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// DeleteAsset implements Client.
func (c *HTTPClient) DeleteAsset(ctx context.Context, shopID, productID, remoteID string) error {
	path := fmt.Sprintf("/shops/%s/products/%s/media/%s", shopID, productID, remoteID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ReorderAssets implements Client.
func (c *HTTPClient) ReorderAssets(ctx context.Context, shopID, productID string, remoteIDs []string) error {
	body := struct {
		RemoteIDs []string `json:"remote_ids"`
	}{RemoteIDs: remoteIDs}
	path := fmt.Sprintf("/shops/%s/products/%s/media/order", shopID, productID)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// do issues one logical request with retries on transient failures.
// Non-2xx/4xx handling: 429 and 5xx are transient, other 4xx are permanent.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.Backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
			case <-time.After(wait):
			}
			log.Debug().Str("method", method).Str("path", path).Int("attempt", attempt).
				Msg("retrying remote catalog call")
		}

		retryable, err := c.once(ctx, method, path, in, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, lastErr)
}

// once performs a single HTTP round trip. The boolean reports whether the
// failure is worth retrying.
func (c *HTTPClient) once(ctx context.Context, method, path string, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return false, err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return true, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
}
