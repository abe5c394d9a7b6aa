package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationEvent is the persisted form of a workflow event. Sequence gives pollers a
// monotonically increasing cursor; EventID makes redelivery idempotent.
type NotificationEvent struct {
	Sequence     uint              `gorm:"primaryKey" json:"sequence"`
	EventID      string            `gorm:"size:36;uniqueIndex;not null" json:"event_id"`
	Type         string            `gorm:"size:64;not null;index" json:"type"`
	SubmissionID *uint             `gorm:"index" json:"submission_id"`
	StudentID    *uint             `gorm:"index" json:"student_id"`
	ReviewerID   *uint             `gorm:"index" json:"reviewer_id"`
	Department   string            `gorm:"size:128;index" json:"department"`
	Status       string            `gorm:"size:32" json:"status"`
	Priority     string            `gorm:"size:16" json:"priority"`
	Message      string            `gorm:"type:text" json:"message"`
	Payload      datatypes.JSONMap `gorm:"type:json" json:"payload"`
	OccurredAt   time.Time         `gorm:"index" json:"occurred_at"`
	CreatedAt    time.Time         `json:"created_at"`
}
