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
	"time"

	"go.uber.org/zap"

	"github.com/covehq/cove/internal/store"
)

// row is the wire shape of one record in the hosted backend's row API.
// Timestamps are unix millis. Deleted is optional: backends that drop
// tombstones from watermark queries simply omit the field.
type row struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"created_at,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

type pushResponse struct {
	UpdatedAt int64 `json:"updated_at"`
}

type auditEntry struct {
	UserID       string `json:"user_id"`
	RecordType   string `json:"record_type"`
	RecordID     string `json:"record_id"`
	ConflictType string `json:"conflict_type"`
	Resolution   string `json:"resolution"`
	LocalTS      int64  `json:"local_ts"`
	RemoteTS     int64  `json:"remote_ts"`
	DetectedAt   int64  `json:"detected_at"`
}

// HTTPClient talks to the hosted backend's per-user row API.
type HTTPClient struct {
	base   string
	apiKey string
	userID string
	http   *http.Client
	log    *zap.Logger
}

// NewHTTP builds a client for the hosted backend. baseURL must carry the
// scheme and host; the row API lives under /v1.
func NewHTTP(baseURL, apiKey, userID string, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		base:   baseURL,
		apiKey: apiKey,
		userID: userID,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log.Named("remote"),
	}
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "ping", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return &TransientError{Op: "ping", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func (c *HTTPClient) PullSince(ctx context.Context, t store.RecordType, since int64) ([]store.Record, error) {
	q := url.Values{}
	q.Set("user_id", c.userID)
	q.Set("updated_since", strconv.FormatInt(since, 10))

	var rows []row
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/%ss?%s", t, q.Encode()), nil, &rows); err != nil {
		return nil, err
	}

	c.log.Debug("pulled rows", zap.String("type", string(t)), zap.Int64("since", since), zap.Int("count", len(rows)))

	records := make([]store.Record, 0, len(rows))
	for _, r := range rows {
		rec := store.Record{
			ID:              r.ID,
			UserID:          r.UserID,
			Type:            t,
			Payload:         []byte(r.Payload),
			RemoteUpdatedAt: r.UpdatedAt,
			Deleted:         r.Deleted,
		}
		if r.Deleted {
			rec.DeletedAt = r.UpdatedAt
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *HTTPClient) Push(ctx context.Context, rec *store.Record) (int64, error) {
	body := row{
		ID:        rec.ID,
		UserID:    c.userID,
		Payload:   json.RawMessage(rec.Payload),
		UpdatedAt: rec.LocalUpdatedAt,
	}

	var resp pushResponse
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/%ss/%s", rec.Type, rec.ID), body, &resp); err != nil {
		return 0, err
	}
	return resp.UpdatedAt, nil
}

func (c *HTTPClient) PushDelete(ctx context.Context, t store.RecordType, id string) (int64, error) {
	var resp pushResponse
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/%ss/%s", t, id), nil, &resp); err != nil {
		return 0, err
	}
	return resp.UpdatedAt, nil
}

func (c *HTTPClient) AppendConflict(ctx context.Context, e *store.ConflictEntry) error {
	body := auditEntry{
		UserID:       e.UserID,
		RecordType:   string(e.RecordType),
		RecordID:     e.RecordID,
		ConflictType: string(e.ConflictType),
		Resolution:   string(e.Resolution),
		LocalTS:      e.LocalTS,
		RemoteTS:     e.RemoteTS,
		DetectedAt:   e.DetectedAt,
	}
	return c.do(ctx, http.MethodPost, "/v1/conflict-audit", body, nil)
}

func (c *HTTPClient) Close() {
	c.http.CloseIdleConnections()
}

// do runs one request against the row API. 5xx responses and transport
// failures come back as TransientError; 4xx responses are permanent.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + path, Err: err}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 500:
		return &TransientError{Op: method + " " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
