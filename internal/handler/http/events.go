package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/handler/http/middleware"
	"github.com/cmlabs-hris/presence-sync/internal/handler/http/response"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/jwt"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/sse"
)

type EventHandler interface {
	GetStreamToken(w http.ResponseWriter, r *http.Request)
	Stream(w http.ResponseWriter, r *http.Request)
}

type eventHandlerImpl struct {
	jwtService jwt.Service
	hub        *sse.Hub
	employees  map[string]struct{}
	keepalive  time.Duration
}

func NewEventHandler(jwtService jwt.Service, hub *sse.Hub, employees []string) EventHandler {
	known := make(map[string]struct{}, len(employees))
	for _, id := range employees {
		known[id] = struct{}{}
	}
	return &eventHandlerImpl{
		jwtService: jwtService,
		hub:        hub,
		employees:  known,
		keepalive:  30 * time.Second,
	}
}

// GetStreamToken generates a short-lived token for the event stream
func (h *eventHandlerImpl) GetStreamToken(w http.ResponseWriter, r *http.Request) {
	employeeID := middleware.EmployeeIDFromContext(r.Context())

	token, expiresIn, err := h.jwtService.GenerateStreamToken(employeeID)
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, presence.StreamTokenResponse{
		Token:     token,
		ExpiresIn: expiresIn,
	})
}

// Stream relays presence events of one employee as server-sent events
func (h *eventHandlerImpl) Stream(w http.ResponseWriter, r *http.Request) {
	// Get token from query parameter (EventSource doesn't support custom headers)
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}

	employeeID, err := h.jwtService.ValidateStreamToken(tokenStr)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	if _, ok := h.employees[employeeID]; !ok {
		http.Error(w, "Unknown employee", http.StatusForbidden)
		return
	}

	// Check if streaming is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, cleanup := h.hub.Subscribe(employeeID)
	defer cleanup()

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"employee_id\":%q}\n\n", employeeID)
	flusher.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, "event: ping\ndata: {\"timestamp\":%d}\n\n", time.Now().Unix())
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
