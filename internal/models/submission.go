package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubmissionStatus enumerates the verification workflow states.
type SubmissionStatus string

const (
	// SubmissionStatusDraft is the initial state of a freshly recorded activity.
	SubmissionStatusDraft SubmissionStatus = "draft"
	// SubmissionStatusSubmitted indicates the activity waits in a reviewer queue.
	SubmissionStatusSubmitted SubmissionStatus = "submitted"
	// SubmissionStatusInReview indicates the assigned reviewer opened the submission.
	SubmissionStatusInReview SubmissionStatus = "in_review"
	// SubmissionStatusApproved is terminal.
	SubmissionStatusApproved SubmissionStatus = "approved"
	// SubmissionStatusRejected is terminal.
	SubmissionStatusRejected SubmissionStatus = "rejected"
	// SubmissionStatusReworkRequested sends the activity back to the student.
	SubmissionStatusReworkRequested SubmissionStatus = "rework_requested"
)

// IsTerminal reports whether no further workflow transition is possible.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionStatusApproved || s == SubmissionStatusRejected
}

// IsPending reports whether the submission occupies a reviewer's queue.
func (s SubmissionStatus) IsPending() bool {
	switch s {
	case SubmissionStatusSubmitted, SubmissionStatusInReview, SubmissionStatusReworkRequested:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known workflow state.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionStatusDraft, SubmissionStatusSubmitted, SubmissionStatusInReview,
		SubmissionStatusApproved, SubmissionStatusRejected, SubmissionStatusReworkRequested:
		return true
	default:
		return false
	}
}

// Submission is a student activity record backed by uploaded evidence.
type Submission struct {
	ID                 uint                 `gorm:"primaryKey" json:"id"`
	StudentID          uint                 `gorm:"not null;index" json:"student_id"`
	Program            string               `gorm:"size:128;index" json:"program"`
	Category           string               `gorm:"size:64;not null;index" json:"category"`
	Title              string               `gorm:"size:255;not null" json:"title"`
	Description        string               `gorm:"type:text" json:"description"`
	ClaimedHours       float64              `gorm:"not null" json:"claimed_hours"`
	Status             SubmissionStatus     `gorm:"size:32;not null;index" json:"status"`
	AssignedReviewerID *uint                `gorm:"index" json:"assigned_reviewer_id"`
	Version            uint                 `gorm:"not null;default:1" json:"version"`
	SubmittedAt        *time.Time           `json:"submitted_at"`
	DecidedAt          *time.Time           `json:"decided_at"`
	SLABreachedAt      *time.Time           `json:"sla_breached_at"`
	CreatedAt          time.Time            `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
	Evidence           []SubmissionEvidence `gorm:"constraint:OnDelete:CASCADE" json:"evidence"`
	History            []SubmissionHistory  `gorm:"constraint:OnDelete:CASCADE" json:"history"`
	Reviews            []ReviewAction       `gorm:"constraint:OnDelete:CASCADE" json:"reviews"`
}

// EvidenceRefs returns the ordered evidence identifiers attached to the submission.
func (s Submission) EvidenceRefs() []string {
	refs := make([]string, 0, len(s.Evidence))
	for _, item := range s.Evidence {
		refs = append(refs, item.EvidenceID)
	}
	return refs
}

// SubmissionEvidence links a submission to a stored evidence object.
type SubmissionEvidence struct {
	SubmissionID uint      `gorm:"primaryKey" json:"submission_id"`
	EvidenceID   string    `gorm:"primaryKey;size:64" json:"evidence_id"`
	Position     int       `gorm:"not null" json:"position"`
	AttachedAt   time.Time `json:"attached_at"`
}

// TableName pins the link table name.
func (SubmissionEvidence) TableName() string {
	return "submission_evidence"
}

// SubmissionHistory is an append-only record of a single workflow event.
type SubmissionHistory struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	SubmissionID uint              `gorm:"not null;uniqueIndex:idx_history_sequence" json:"submission_id"`
	Sequence     int               `gorm:"not null;uniqueIndex:idx_history_sequence" json:"sequence"`
	Event        string            `gorm:"size:64;not null" json:"event"`
	FromStatus   SubmissionStatus  `gorm:"size:32" json:"from_status"`
	ToStatus     SubmissionStatus  `gorm:"size:32;not null" json:"to_status"`
	ActorID      uint              `json:"actor_id"`
	ActorRole    string            `gorm:"size:32" json:"actor_role"`
	Comment      string            `gorm:"type:text" json:"comment"`
	Metadata     datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
}

// TableName pins the history table name.
func (SubmissionHistory) TableName() string {
	return "submission_history"
}

// ReviewActionType enumerates reviewer decisions.
type ReviewActionType string

const (
	ReviewActionApprove       ReviewActionType = "approve"
	ReviewActionReject        ReviewActionType = "reject"
	ReviewActionRequestRework ReviewActionType = "request-rework"
)

// TargetStatus maps a decision to the workflow state it produces.
func (a ReviewActionType) TargetStatus() (SubmissionStatus, bool) {
	switch a {
	case ReviewActionApprove:
		return SubmissionStatusApproved, true
	case ReviewActionReject:
		return SubmissionStatusRejected, true
	case ReviewActionRequestRework:
		return SubmissionStatusReworkRequested, true
	default:
		return "", false
	}
}

// ReviewAction records one reviewer decision.
type ReviewAction struct {
	ID           uint             `gorm:"primaryKey" json:"id"`
	SubmissionID uint             `gorm:"not null;index" json:"submission_id"`
	ReviewerID   uint             `gorm:"not null;index" json:"reviewer_id"`
	Action       ReviewActionType `gorm:"size:32;not null" json:"action"`
	Comment      string           `gorm:"type:text" json:"comment"`
	CreatedAt    time.Time        `json:"created_at"`
}
