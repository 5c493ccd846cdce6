package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
)

const (
	pathClockIn    = "/presence/clock-in"
	pathClockOut   = "/presence/clock-out"
	pathStartBreak = "/presence/start-break"
	pathEndBreak   = "/presence/end-break"
)

// Submit posts one queued action to the endpoint of its kind. attempts <= 0
// uses the client default.
func (c *Client) Submit(ctx context.Context, action presence.Action, attempts int) (*presence.Snapshot, error) {
	req := action.Request()
	switch action.Kind {
	case presence.KindClockIn:
		return c.post(ctx, pathClockIn, req, attempts)
	case presence.KindClockOut:
		return c.post(ctx, pathClockOut, req, attempts)
	case presence.KindStartBreak:
		return c.post(ctx, pathStartBreak, req, attempts)
	case presence.KindEndBreak:
		return c.post(ctx, pathEndBreak, req, attempts)
	}
	return nil, terminalError(string(action.Kind), "unknown action kind",
		fmt.Errorf("%w: %q", presence.ErrInvalidKind, action.Kind))
}

func (c *Client) ClockIn(ctx context.Context, req presence.ActionRequest) (*presence.Snapshot, error) {
	return c.post(ctx, pathClockIn, req, 0)
}

func (c *Client) ClockOut(ctx context.Context, req presence.ActionRequest) (*presence.Snapshot, error) {
	return c.post(ctx, pathClockOut, req, 0)
}

func (c *Client) StartBreak(ctx context.Context, req presence.ActionRequest) (*presence.Snapshot, error) {
	return c.post(ctx, pathStartBreak, req, 0)
}

func (c *Client) EndBreak(ctx context.Context, req presence.ActionRequest) (*presence.Snapshot, error) {
	return c.post(ctx, pathEndBreak, req, 0)
}

// post validates req before it leaves the device; an invalid body is terminal.
func (c *Client) post(ctx context.Context, path string, req presence.ActionRequest, attempts int) (*presence.Snapshot, error) {
	if err := req.Validate(); err != nil {
		return nil, terminalError(http.MethodPost+" "+path, "invalid request", err)
	}
	var snap presence.Snapshot
	err := c.Call(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        req,
		MaxAttempts: attempts,
	}, &snap)
	if err != nil {
		return nil, err
	}
	if snap.EmployeeID == "" {
		return nil, nil
	}
	snap = snap.Normalize()
	return &snap, nil
}

// FetchCurrent returns the employee's current snapshot, or nil when the
// server has none.
func (c *Client) FetchCurrent(ctx context.Context, employeeID string) (*presence.Snapshot, error) {
	var snap *presence.Snapshot
	err := c.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   "/presence/current/" + url.PathEscape(employeeID),
	}, &snap)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		n := snap.Normalize()
		snap = &n
	}
	return snap, nil
}

func (c *Client) FetchHistory(ctx context.Context, employeeID string, filter presence.HistoryFilter) ([]presence.Snapshot, error) {
	path := "/presence/history/" + url.PathEscape(employeeID)
	if err := filter.Validate(); err != nil {
		return nil, terminalError(http.MethodGet+" "+path, "invalid filter", err)
	}

	var entries []presence.Snapshot
	err := c.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   path,
		Query: url.Values{
			"startDate": {filter.StartDate},
			"endDate":   {filter.EndDate},
		},
	}, &entries)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i] = entries[i].Normalize()
	}
	return entries, nil
}

// BulkSync submits several queued actions in one request using the bulk timeout.
func (c *Client) BulkSync(ctx context.Context, actions []presence.Action, attempts int) (presence.BulkSyncResult, error) {
	var result presence.BulkSyncResult
	err := c.Call(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/presence/sync",
		Body:        presence.BulkSyncRequest{Entries: actions},
		Timeout:     c.cfg.BulkTimeout,
		MaxAttempts: attempts,
	}, &result)
	return result, err
}

// HealthCheck is a single-attempt liveness probe.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Call(ctx, Request{Method: http.MethodGet, Path: "/health", MaxAttempts: 1, Silent: true}, nil)
}
