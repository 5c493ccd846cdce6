package apiclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// OpenStream opens the line-delimited JSON push channel for one employee.
// The stream has no request timeout; it lives until ctx is cancelled or the
// returned body is closed.
func (c *Client) OpenStream(ctx context.Context, employeeID string) (io.ReadCloser, error) {
	path := "/presence/stream/" + url.PathEscape(employeeID)
	endpoint := http.MethodGet + " " + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, nil), nil)
	if err != nil {
		return nil, terminalError(endpoint, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientError(endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(endpoint, resp.StatusCode, nil)
	}
	return resp.Body, nil
}
