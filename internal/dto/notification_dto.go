package dto

import (
	"time"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// NotificationListQuery is the polling cursor request.
type NotificationListQuery struct {
	After      uint   `query:"after"`
	Limit      int    `query:"limit" validate:"omitempty,gte=1,lte=200"`
	Types      string `query:"types" validate:"omitempty,max=512"`
	Department string `query:"department" validate:"omitempty,max=128"`
}

// NotificationEventResponse is the wire form of a workflow event.
type NotificationEventResponse struct {
	Sequence     uint                   `json:"sequence"`
	EventID      string                 `json:"event_id"`
	Type         string                 `json:"type"`
	SubmissionID *uint                  `json:"submission_id,omitempty"`
	StudentID    *uint                  `json:"student_id,omitempty"`
	ReviewerID   *uint                  `json:"reviewer_id,omitempty"`
	Department   string                 `json:"department,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Priority     string                 `json:"priority,omitempty"`
	Message      string                 `json:"message"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// NotificationListResponse carries a page of events and the cursor for the next poll.
type NotificationListResponse struct {
	Items      []NotificationEventResponse `json:"items"`
	NextCursor uint                        `json:"next_cursor"`
}

// NewNotificationEventResponse converts a stored event.
func NewNotificationEventResponse(model models.NotificationEvent) NotificationEventResponse {
	return NotificationEventResponse{
		Sequence:     model.Sequence,
		EventID:      model.EventID,
		Type:         model.Type,
		SubmissionID: model.SubmissionID,
		StudentID:    model.StudentID,
		ReviewerID:   model.ReviewerID,
		Department:   model.Department,
		Status:       model.Status,
		Priority:     model.Priority,
		Message:      model.Message,
		Payload:      model.Payload,
		OccurredAt:   model.OccurredAt,
	}
}
