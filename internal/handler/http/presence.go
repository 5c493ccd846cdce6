package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/handler/http/middleware"
	"github.com/cmlabs-hris/presence-sync/internal/handler/http/response"
)

type PresenceHandler interface {
	ClockIn(w http.ResponseWriter, r *http.Request)
	ClockOut(w http.ResponseWriter, r *http.Request)
	StartBreak(w http.ResponseWriter, r *http.Request)
	EndBreak(w http.ResponseWriter, r *http.Request)
	GetCurrent(w http.ResponseWriter, r *http.Request)
	GetToday(w http.ResponseWriter, r *http.Request)
	Refresh(w http.ResponseWriter, r *http.Request)
	Sync(w http.ResponseWriter, r *http.Request)
	Diagnostics(w http.ResponseWriter, r *http.Request)
	SetVisibility(w http.ResponseWriter, r *http.Request)
}

type presenceHandlerImpl struct {
	presenceService presence.Service
}

func NewPresenceHandler(presenceService presence.Service) PresenceHandler {
	return &presenceHandlerImpl{
		presenceService: presenceService,
	}
}

type recordFunc func(ctx context.Context, employeeID string, loc *presence.Location) (presence.Action, error)

// ClockIn implements PresenceHandler.
func (h *presenceHandlerImpl) ClockIn(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, "Clock in queued", h.presenceService.ClockIn)
}

// ClockOut implements PresenceHandler.
func (h *presenceHandlerImpl) ClockOut(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, "Clock out queued", h.presenceService.ClockOut)
}

// StartBreak implements PresenceHandler.
func (h *presenceHandlerImpl) StartBreak(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, "Break start queued", h.presenceService.StartBreak)
}

// EndBreak implements PresenceHandler.
func (h *presenceHandlerImpl) EndBreak(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, "Break end queued", h.presenceService.EndBreak)
}

func (h *presenceHandlerImpl) record(w http.ResponseWriter, r *http.Request, message string, fn recordFunc) {
	employeeID := middleware.EmployeeIDFromContext(r.Context())

	// The body is optional, an empty one records without location
	var req presence.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Error("Record presence decode error", "error", err)
		response.BadRequest(w, "Invalid request format", nil)
		return
	}

	if err := req.Validate(); err != nil {
		response.HandleError(w, err)
		return
	}

	action, err := fn(r.Context(), employeeID, req.Location)
	if err != nil {
		response.HandleError(w, err)
		return
	}

	view, err := h.presenceService.CurrentStatus(employeeID)
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Accepted(w, message, presence.RecordResponse{Action: action, View: view})
}

// GetCurrent implements PresenceHandler.
func (h *presenceHandlerImpl) GetCurrent(w http.ResponseWriter, r *http.Request) {
	view, err := h.presenceService.CurrentStatus(middleware.EmployeeIDFromContext(r.Context()))
	if err != nil {
		response.HandleError(w, err)
		return
	}
	response.Success(w, view)
}

// GetToday implements PresenceHandler.
func (h *presenceHandlerImpl) GetToday(w http.ResponseWriter, r *http.Request) {
	entries, err := h.presenceService.TodayEntries(middleware.EmployeeIDFromContext(r.Context()))
	if err != nil {
		response.HandleError(w, err)
		return
	}
	if entries == nil {
		entries = []presence.Snapshot{}
	}
	response.Success(w, entries)
}

// Refresh implements PresenceHandler.
func (h *presenceHandlerImpl) Refresh(w http.ResponseWriter, r *http.Request) {
	employeeID := middleware.EmployeeIDFromContext(r.Context())

	view, err := h.presenceService.Refresh(r.Context(), employeeID)
	if err != nil {
		slog.Warn("Failed to refresh presence", "employee_id", employeeID, "error", err)
		response.HandleError(w, err)
		return
	}
	response.SuccessWithMessage(w, "Presence refreshed", view)
}

// Sync implements PresenceHandler.
func (h *presenceHandlerImpl) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.presenceService.ManualSync(r.Context())
	if err != nil {
		slog.Error("Manual sync failed", "error", err)
		response.HandleError(w, err)
		return
	}
	response.SuccessWithMessage(w, "Sync completed", report)
}

// Diagnostics implements PresenceHandler.
func (h *presenceHandlerImpl) Diagnostics(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.presenceService.Diagnostics())
}

// SetVisibility implements PresenceHandler.
func (h *presenceHandlerImpl) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var req presence.VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Set visibility decode error", "error", err)
		response.BadRequest(w, "Invalid request format", nil)
		return
	}

	if err := req.Validate(); err != nil {
		response.HandleError(w, err)
		return
	}

	h.presenceService.SetVisible(*req.Visible)
	response.SuccessWithMessage(w, "Visibility updated", nil)
}
