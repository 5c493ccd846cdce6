package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/backoff"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []presence.Event
}

func (r *recorder) Publish(e presence.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) failures() []presence.RequestFailed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []presence.RequestFailed
	for _, e := range r.events {
		if f, ok := e.(presence.RequestFailed); ok {
			out = append(out, f)
		}
	}
	return out
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, data any, detail *presence.ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(presence.Envelope[any]{Success: success, Data: data, Error: detail})
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *recorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	c := NewClient(srv.Client(), Config{
		BaseURL:     srv.URL + "/",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		Backoff:     backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}, clock.Real(), rec)
	return c, rec
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeEnvelope(w, http.StatusServiceUnavailable, false, nil, nil)
			return
		}
		writeEnvelope(w, http.StatusOK, true, map[string]string{"employeeId": "emp-1", "status": "present"}, nil)
	}))

	snap, err := c.FetchCurrent(context.Background(), "emp-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "emp-1", snap.EmployeeID)
	assert.Equal(t, presence.StatusPresent, snap.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(0), c.ConsecutiveFailures())
	assert.Empty(t, rec.failures())
}

func TestCall_TerminalIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusBadRequest, false, nil, &presence.ErrorDetail{
			Code:    "ALREADY_CLOCKED_IN",
			Message: "employee already clocked in",
		})
	}))

	err := c.Call(context.Background(), Request{Method: http.MethodPost, Path: "/presence/clock-in", Body: map[string]string{}}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, errors.Is(err, presence.ErrTerminal))
	assert.False(t, errors.Is(err, presence.ErrTransient))

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	assert.Equal(t, "ALREADY_CLOCKED_IN", reqErr.Code)
	assert.Equal(t, "employee already clocked in", reqErr.Message)

	failures := rec.failures()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Terminal)
	assert.Equal(t, "POST /presence/clock-in", failures[0].Endpoint)
}

func TestCall_RetryableStatusesExhaustBudget(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"rate limited", http.StatusTooManyRequests},
		{"request timeout", http.StatusRequestTimeout},
		{"server error", http.StatusInternalServerError},
		{"bad gateway", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))

			err := c.HealthCheck(context.Background())
			require.Error(t, err)
			assert.Equal(t, int32(1), calls.Load(), "health check is a single attempt")
			assert.Empty(t, rec.failures(), "health check failures are silent")

			calls.Store(0)
			err = c.Call(context.Background(), Request{Method: http.MethodGet, Path: "/presence/current/x"}, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, presence.ErrTransient))
			assert.Equal(t, int32(3), calls.Load())
			assert.Equal(t, int64(4), c.ConsecutiveFailures())

			failures := rec.failures()
			require.Len(t, failures, 1)
			assert.False(t, failures[0].Terminal)
		})
	}
}

func TestCall_MalformedBodyIsTerminal(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "<html>proxy</html>")
	}))

	_, err := c.FetchCurrent(context.Background(), "emp-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, presence.ErrTerminal))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_UnsuccessfulEnvelopeIsTerminal(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, false, nil, &presence.ErrorDetail{Message: "not allowed"})
	}))

	_, err := c.FetchCurrent(context.Background(), "emp-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, presence.ErrTerminal))
	assert.Contains(t, err.Error(), "not allowed")
}

func TestCall_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(nil, Config{
		BaseURL:     url,
		MaxAttempts: 2,
		Backoff:     backoff.Policy{Base: time.Millisecond, Max: time.Millisecond},
	}, clock.Real(), nil)

	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, presence.ErrTransient))
}

func TestCall_CancelledContextStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	rec := &recorder{}
	c := NewClient(srv.Client(), Config{
		BaseURL:     srv.URL,
		MaxAttempts: 5,
		Backoff:     backoff.Policy{Base: time.Hour, Max: time.Hour},
	}, clock.Real(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := c.Call(ctx, Request{Method: http.MethodGet, Path: "/health"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.failures())
}

func TestSubmit_SendsActionBody(t *testing.T) {
	action, err := presence.NewAction(presence.KindClockOut, "emp-7", time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)

	var got presence.ActionRequest
	var gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEnvelope(w, http.StatusOK, true, map[string]any{
			"employeeId":   "emp-7",
			"clockInTime":  "2026-03-02T08:00:00Z",
			"clockOutTime": "2026-03-02T17:00:00Z",
			"sequence":     12,
		}, nil)
	}))

	snap, err := c.Submit(context.Background(), action, 1)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "/presence/clock-out", gotPath)
	assert.Equal(t, action.ID, got.ActionID)
	assert.Equal(t, "emp-7", got.EmployeeID)
	assert.True(t, action.OccurredAt.Equal(got.Timestamp))
	assert.Equal(t, presence.StatusClockedOut, snap.Status)
	assert.Equal(t, int64(12), snap.Sequence)
}

func TestFetchHistory_SendsDateRange(t *testing.T) {
	var query string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeEnvelope(w, http.StatusOK, true, []map[string]any{
			{"employeeId": "emp-1", "clockInTime": "2026-03-02T08:00:00Z", "onBreak": true},
		}, nil)
	}))

	entries, err := c.FetchHistory(context.Background(), "emp-1", presence.DayFilter(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, presence.StatusOnBreak, entries[0].Status)
	assert.Equal(t, "endDate=2026-03-02&startDate=2026-03-02", query)

	_, err = c.FetchHistory(context.Background(), "emp-1", presence.HistoryFilter{StartDate: "2026-03-05", EndDate: "2026-03-01"})
	assert.True(t, errors.Is(err, presence.ErrTerminal))
}

func TestFetchCurrent_NullData(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, nil, nil)
	}))

	snap, err := c.FetchCurrent(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestBulkSync(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body presence.BulkSyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Entries, 2)
		writeEnvelope(w, http.StatusOK, true, presence.BulkSyncResult{
			Synced: []string{body.Entries[0].ID},
			Failed: []string{body.Entries[1].ID},
		}, nil)
	}))

	a1, _ := presence.NewAction(presence.KindClockIn, "emp-1", time.Now(), nil)
	a2, _ := presence.NewAction(presence.KindClockIn, "emp-2", time.Now(), nil)

	result, err := c.BulkSync(context.Background(), []presence.Action{a1, a2}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID}, result.Synced)
	assert.Equal(t, []string{a2.ID}, result.Failed)
}

func TestOpenStream(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/presence/stream/emp-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"type":"ping"}`+"\n")
	}))

	body, err := c.OpenStream(context.Background(), "emp-1")
	require.NoError(t, err)
	defer body.Close()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "ping")

	_, err = c.OpenStream(context.Background(), "emp-2")
	assert.True(t, errors.Is(err, presence.ErrTerminal))
}

func TestTypedActionCalls(t *testing.T) {
	type received struct {
		path string
		body presence.ActionRequest
	}
	var mu sync.Mutex
	var got []received
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body presence.ActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got = append(got, received{path: r.URL.Path, body: body})
		mu.Unlock()
		writeEnvelope(w, http.StatusOK, true, map[string]any{"employeeId": body.EmployeeID, "sequence": 3}, nil)
	}))

	accuracy := 12.5
	loc := &presence.Location{Lat: -6.2, Lon: 106.8, Accuracy: &accuracy}
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		kind presence.ActionKind
		call func(context.Context, presence.ActionRequest) (*presence.Snapshot, error)
		path string
	}{
		{presence.KindClockIn, c.ClockIn, "/presence/clock-in"},
		{presence.KindClockOut, c.ClockOut, "/presence/clock-out"},
		{presence.KindStartBreak, c.StartBreak, "/presence/start-break"},
		{presence.KindEndBreak, c.EndBreak, "/presence/end-break"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			action, err := presence.NewAction(tt.kind, "emp-3", at, loc)
			require.NoError(t, err)

			mu.Lock()
			got = nil
			mu.Unlock()

			snap, err := tt.call(context.Background(), action.Request())
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.Equal(t, int64(3), snap.Sequence)

			_, err = c.Submit(context.Background(), action, 1)
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, got, 2)
			for _, r := range got {
				assert.Equal(t, tt.path, r.path)
				assert.Equal(t, action.ID, r.body.ActionID)
				assert.Equal(t, "emp-3", r.body.EmployeeID)
				assert.True(t, at.Equal(r.body.Timestamp))
				require.NotNil(t, r.body.Location)
				assert.Equal(t, -6.2, r.body.Location.Lat)
				require.NotNil(t, r.body.Location.Accuracy)
				assert.Equal(t, 12.5, *r.body.Location.Accuracy)
			}
		})
	}
	assert.Empty(t, rec.failures())
}

func TestTypedActionCalls_InvalidRequestIsTerminal(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusOK, true, nil, nil)
	}))

	_, err := c.ClockIn(context.Background(), presence.ActionRequest{EmployeeID: "emp-1", ActionID: "not-a-uuid"})
	assert.ErrorIs(t, err, presence.ErrTerminal)

	var validation validator.ValidationErrors
	assert.ErrorAs(t, err, &validation)
	assert.Equal(t, int32(0), calls.Load(), "nothing is sent")
}

func TestSubmit_UnknownKindIsTerminal(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())

	action := presence.Action{ID: "0195a0b4-6c1e-7c3a-9d2e-0a1b2c3d4e5f", Kind: "teleport", EmployeeID: "emp-1", OccurredAt: time.Now()}
	_, err := c.Submit(context.Background(), action, 1)
	assert.ErrorIs(t, err, presence.ErrTerminal)
	assert.ErrorIs(t, err, presence.ErrInvalidKind)
}
