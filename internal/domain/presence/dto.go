package presence

import (
	"encoding/json"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/pkg/validator"
	"github.com/google/uuid"
)

// ========================================
// BACKEND WIRE DTOs
// ========================================

// Envelope is the response body every backend endpoint returns.
type Envelope[T any] struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Data    T            `json:"data"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ActionRequest is the body of clock-in, clock-out, start-break and end-break.
type ActionRequest struct {
	EmployeeID string    `json:"employeeId"`
	Location   *Location `json:"location,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ActionID   string    `json:"actionId"`
}

func (r *ActionRequest) Validate() error {
	var errs validator.ValidationErrors

	if validator.IsEmpty(r.EmployeeID) {
		errs = append(errs, validator.ValidationError{
			Field:   "employeeId",
			Message: "employeeId is required",
		})
	}

	if !validator.IsValidUUID(r.ActionID) {
		errs = append(errs, validator.ValidationError{
			Field:   "actionId",
			Message: "actionId must be a UUIDv7",
		})
	}

	if r.Timestamp.IsZero() {
		errs = append(errs, validator.ValidationError{
			Field:   "timestamp",
			Message: "timestamp is required",
		})
	}

	errs = append(errs, ValidateLocation(r.Location)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateLocation checks coordinate ranges. A nil location is valid.
func ValidateLocation(loc *Location) validator.ValidationErrors {
	if loc == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if loc.Lat < -90 || loc.Lat > 90 {
		errs = append(errs, validator.ValidationError{
			Field:   "location.lat",
			Message: "lat must be between -90 and 90",
		})
	}
	if loc.Lon < -180 || loc.Lon > 180 {
		errs = append(errs, validator.ValidationError{
			Field:   "location.lon",
			Message: "lon must be between -180 and 180",
		})
	}
	if loc.Accuracy != nil && *loc.Accuracy < 0 {
		errs = append(errs, validator.ValidationError{
			Field:   "location.accuracy",
			Message: "accuracy must not be negative",
		})
	}
	return errs
}

type BulkSyncRequest struct {
	Entries []Action `json:"entries"`
}

// BulkSyncResult lists the action ids the server accepted and refused.
type BulkSyncResult struct {
	Synced []string `json:"synced"`
	Failed []string `json:"failed"`
}

type HistoryFilter struct {
	StartDate string `json:"startDate"` // YYYY-MM-DD
	EndDate   string `json:"endDate"`   // YYYY-MM-DD
}

func (f *HistoryFilter) Validate() error {
	var errs validator.ValidationErrors

	start, validStart := validator.IsValidDate(f.StartDate)
	if !validStart {
		errs = append(errs, validator.ValidationError{
			Field:   "startDate",
			Message: "startDate must be in YYYY-MM-DD format",
		})
	}

	end, validEnd := validator.IsValidDate(f.EndDate)
	if !validEnd {
		errs = append(errs, validator.ValidationError{
			Field:   "endDate",
			Message: "endDate must be in YYYY-MM-DD format",
		})
	}

	if validStart && validEnd && end.Before(start) {
		errs = append(errs, validator.ValidationError{
			Field:   "endDate",
			Message: "endDate must not be before startDate",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// DayFilter returns a filter covering the calendar day of t.
func DayFilter(t time.Time) HistoryFilter {
	day := t.Format("2006-01-02")
	return HistoryFilter{StartDate: day, EndDate: day}
}

// StreamMessage is one line of the server push channel.
type StreamMessage struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	EmployeeID string          `json:"employeeId"`
}

// ========================================
// ACTION CONSTRUCTION
// ========================================

// NewAction builds an unsynced action with a fresh UUIDv7 id.
func NewAction(kind ActionKind, employeeID string, occurredAt time.Time, loc *Location) (Action, error) {
	if !kind.Valid() {
		return Action{}, ErrInvalidKind
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Action{}, err
	}
	return Action{
		ID:         id.String(),
		Kind:       kind,
		EmployeeID: employeeID,
		OccurredAt: occurredAt.UTC(),
		Location:   loc,
	}, nil
}

// Request converts the action into the wire body of its endpoint.
func (a Action) Request() ActionRequest {
	return ActionRequest{
		EmployeeID: a.EmployeeID,
		Location:   a.Location,
		Timestamp:  a.OccurredAt,
		ActionID:   a.ID,
	}
}

// ========================================
// LOCAL API DTOs
// ========================================

// RecordRequest is the body of the local clock and break endpoints. The
// employee comes from the bearer token.
type RecordRequest struct {
	Location *Location `json:"location,omitempty"`
}

func (r *RecordRequest) Validate() error {
	if errs := ValidateLocation(r.Location); len(errs) > 0 {
		return errs
	}
	return nil
}

type RecordResponse struct {
	Action Action `json:"action"`
	View   View   `json:"view"`
}

type VisibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (r *VisibilityRequest) Validate() error {
	if r.Visible == nil {
		return validator.ValidationErrors{{
			Field:   "visible",
			Message: "visible is required",
		}}
	}
	return nil
}

type StreamTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}
