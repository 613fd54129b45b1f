package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// maxErrorBody bounds how much of an error response we read for logging.
const maxErrorBody = 4 << 10

// HTTPAdapter speaks the connector protocol: each service kind is fronted by
// a connector process that normalizes the provider's API into subscribe,
// renew, unsubscribe, and cursor-based change-feed calls.
type HTTPAdapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPAdapter creates an adapter that talks to the connector at baseURL.
func NewHTTPAdapter(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPAdapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPAdapter{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

type subscribeRequest struct {
	UserID string `json:"user_id"`
}

type leaseResponse struct {
	ChannelID string    `json:"channel_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Subscribe establishes a push channel for the user.
func (a *HTTPAdapter) Subscribe(ctx context.Context, userID string) (Lease, error) {
	var resp leaseResponse

	err := a.call(ctx, http.MethodPost, "/subscriptions", subscribeRequest{UserID: userID}, &resp, classifyLeaseStatus)
	if err != nil {
		return Lease{}, err
	}

	return Lease{ChannelID: resp.ChannelID, ExpiresAt: resp.ExpiresAt}, nil
}

// Renew extends the channel and returns its new expiry.
func (a *HTTPAdapter) Renew(ctx context.Context, channelID string) (time.Time, error) {
	var resp leaseResponse

	path := "/subscriptions/" + url.PathEscape(channelID) + "/renew"

	if err := a.call(ctx, http.MethodPost, path, nil, &resp, classifyChannelStatus); err != nil {
		return time.Time{}, err
	}

	return resp.ExpiresAt, nil
}

// Unsubscribe tears down the channel. A missing channel is not an error.
func (a *HTTPAdapter) Unsubscribe(ctx context.Context, channelID string) error {
	path := "/subscriptions/" + url.PathEscape(channelID)

	err := a.call(ctx, http.MethodDelete, path, nil, nil, classifyChannelStatus)
	if err != nil && errors.Is(err, ErrChannelGone) {
		return nil
	}

	return err
}

type changesResponse struct {
	Items      []changeItemWire `json:"items"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

type changeItemWire struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// FetchChanges returns one page of changes since the cursor.
func (a *HTTPAdapter) FetchChanges(ctx context.Context, userID, cursor string) (ChangePage, error) {
	q := url.Values{}
	q.Set("user_id", userID)

	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp changesResponse

	err := a.call(ctx, http.MethodGet, "/changes?"+q.Encode(), nil, &resp, classifyFetchStatus)
	if err != nil {
		return ChangePage{}, err
	}

	items := make([]ChangeItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		items = append(items, ChangeItem{ID: it.ID, Version: it.Version, Payload: it.Payload})
	}

	return ChangePage{Items: items, NextCursor: resp.NextCursor, HasMore: resp.HasMore}, nil
}

// ApplyPushPayload decodes a connector push body into a partial change set.
func (a *HTTPAdapter) ApplyPushPayload(raw []byte) ([]ChangeItem, error) {
	var body struct {
		Items []changeItemWire `json:"items"`
	}

	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("adapter: decoding push payload: %w", err)
	}

	items := make([]ChangeItem, 0, len(body.Items))
	for _, it := range body.Items {
		items = append(items, ChangeItem{ID: it.ID, Version: it.Version, Payload: it.Payload})
	}

	return items, nil
}

// statusClassifier maps a non-2xx status to the error taxonomy. nil means
// "no sentinel": the caller gets a plain (transient) error.
type statusClassifier func(status int) error

// classifyLeaseStatus is the mapping for subscribe calls.
func classifyLeaseStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthRevoked
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 400 && status < 500:
		return ErrLeaseRejected
	default:
		return nil
	}
}

// classifyChannelStatus is the mapping for renew/unsubscribe calls, where a
// 404 or 410 means the channel no longer exists upstream.
func classifyChannelStatus(status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrChannelGone
	default:
		return classifyLeaseStatus(status)
	}
}

// classifyFetchStatus is the mapping for change-feed calls.
func classifyFetchStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthRevoked
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return nil
	}
}

// call performs one JSON request/response round trip against the connector.
func (a *HTTPAdapter) call(
	ctx context.Context, method, path string, reqBody, respBody any, classify statusClassifier,
) error {
	var body io.Reader

	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("adapter: encoding request: %w", err)
		}

		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("adapter: building request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("adapter: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		a.logger.Debug("connector call failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		if sentinel := classify(resp.StatusCode); sentinel != nil {
			return fmt.Errorf("adapter: %s %s returned %d: %w", method, path, resp.StatusCode, sentinel)
		}

		return fmt.Errorf("adapter: %s %s returned %d: %s", method, path, resp.StatusCode, string(snippet))
	}

	if respBody == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("adapter: decoding response: %w", err)
	}

	return nil
}
