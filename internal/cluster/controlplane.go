package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPControlPlane talks JSON over HTTP to the storage node's control API.
type HTTPControlPlane struct {
	baseURL   string
	authToken string
	client    *http.Client
}

var _ ControlPlane = (*HTTPControlPlane)(nil)

// NewHTTPControlPlane returns a client for the control API listening at
// addr (a host:port pair).
func NewHTTPControlPlane(addr, authToken string) *HTTPControlPlane {
	return &HTTPControlPlane{
		baseURL:   "http://" + addr + "/v1",
		authToken: authToken,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPControlPlane) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPControlPlane) TimelineCreate(ctx context.Context, tenantID, timelineID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/tenant/%s/timeline/%s", tenantID, timelineID), nil)
}

func (c *HTTPControlPlane) TimelineDelete(ctx context.Context, tenantID, timelineID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tenant/%s/timeline/%s", tenantID, timelineID), nil)
}

func (c *HTTPControlPlane) Checkpoint(ctx context.Context, tenantID, timelineID string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/tenant/%s/timeline/%s/checkpoint", tenantID, timelineID), nil)
}

type timelineDetail struct {
	LastRecordLSN       string `json:"last_record_lsn"`
	RemoteConsistentLSN string `json:"remote_consistent_lsn"`
}

func (c *HTTPControlPlane) timelineDetail(ctx context.Context, tenantID, timelineID string) (timelineDetail, error) {
	var d timelineDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tenant/%s/timeline/%s", tenantID, timelineID), &d)
	return d, err
}

func (c *HTTPControlPlane) LastRecordLSN(ctx context.Context, tenantID, timelineID string) (LSN, error) {
	d, err := c.timelineDetail(ctx, tenantID, timelineID)
	if err != nil {
		return 0, err
	}
	return ParseLSN(d.LastRecordLSN)
}

func (c *HTTPControlPlane) RemoteConsistentLSN(ctx context.Context, tenantID, timelineID string) (LSN, error) {
	d, err := c.timelineDetail(ctx, tenantID, timelineID)
	if err != nil {
		return 0, err
	}
	return ParseLSN(d.RemoteConsistentLSN)
}

// WaitReady polls the control API status endpoint until it answers or the
// bounded backoff elapses.
func (c *HTTPControlPlane) WaitReady(ctx context.Context, timeout time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		return c.do(ctx, http.MethodGet, "/status", nil)
	}, backoff.WithContext(bo, ctx))
}

// WaitLSN polls fetch until it reports an LSN at or past want, with a
// bounded backoff. It is used both for ingest waits (last record LSN) and
// durability waits (remote consistent LSN).
func WaitLSN(ctx context.Context, want LSN, timeout time.Duration, fetch func(context.Context) (LSN, error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		got, err := fetch(ctx)
		if err != nil {
			return err
		}
		if got < want {
			return fmt.Errorf("at %s, waiting for %s", got, want)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
