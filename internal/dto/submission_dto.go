package dto

import (
	"time"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// SubmissionCreateRequest records a new activity in Draft.
type SubmissionCreateRequest struct {
	Category     string   `json:"category" validate:"required,max=64"`
	Title        string   `json:"title" validate:"required,min=3,max=255"`
	Description  string   `json:"description" validate:"omitempty,max=4000"`
	ClaimedHours float64  `json:"claimed_hours" validate:"gt=0,lte=2000"`
	EvidenceRefs []string `json:"evidence_refs" validate:"omitempty,max=10,unique,dive,len=64,hexadecimal"`
}

// ReviewRequest carries a reviewer decision.
type ReviewRequest struct {
	Action  string `json:"action" validate:"required,oneof=approve reject request-rework"`
	Comment string `json:"comment" validate:"omitempty,max=2000"`
}

// ResubmitRequest sends reworked activity back to the queue.
type ResubmitRequest struct {
	EvidenceRefs []string `json:"evidence_refs" validate:"omitempty,max=10,unique,dive,len=64,hexadecimal"`
	Comment      string   `json:"comment" validate:"omitempty,max=2000"`
}

// OverrideRequest is the administrative correction path for decided submissions.
type OverrideRequest struct {
	Status     string `json:"status" validate:"required,oneof=submitted in_review approved rejected rework_requested"`
	Reason     string `json:"reason" validate:"required,min=5,max=2000"`
	ReviewerID *uint  `json:"reviewer_id" validate:"omitempty,gt=0"`
}

// BalanceRequest triggers queue redistribution.
type BalanceRequest struct {
	Department string `json:"department" validate:"omitempty,max=128"`
	Override   bool   `json:"override"`
}

// SubmissionListQuery describes query string filters for listing submissions.
type SubmissionListQuery struct {
	Program    string `query:"program" validate:"omitempty,max=128"`
	Category   string `query:"category" validate:"omitempty,max=64"`
	Status     string `query:"status" validate:"omitempty,oneof=draft submitted in_review approved rejected rework_requested"`
	StudentID  *uint  `query:"student_id"`
	ReviewerID *uint  `query:"reviewer_id"`
	From       string `query:"from" validate:"omitempty"`
	To         string `query:"to" validate:"omitempty"`
	Page       int    `query:"page" validate:"omitempty,gte=1"`
	PageSize   int    `query:"page_size" validate:"omitempty,gte=1,lte=100"`
}

// SubmissionFlags are the queue badges shown to reviewers.
type SubmissionFlags struct {
	Verified        bool `json:"verified"`
	Duplicate       bool `json:"duplicate"`
	MissingEvidence bool `json:"missing_evidence"`
	SLABreached     bool `json:"sla_breached"`
}

// SubmissionSummary is the list representation of a submission.
type SubmissionSummary struct {
	ID                 uint            `json:"id"`
	StudentID          uint            `json:"student_id"`
	Program            string          `json:"program"`
	Category           string          `json:"category"`
	Title              string          `json:"title"`
	ClaimedHours       float64         `json:"claimed_hours"`
	Status             string          `json:"status"`
	AssignedReviewerID *uint           `json:"assigned_reviewer_id"`
	EvidenceRefs       []string        `json:"evidence_refs"`
	Flags              SubmissionFlags `json:"flags"`
	SubmittedAt        *time.Time      `json:"submitted_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// HistoryEntryResponse serializes one ledger history entry.
type HistoryEntryResponse struct {
	Sequence   int                    `json:"sequence"`
	Event      string                 `json:"event"`
	FromStatus string                 `json:"from_status,omitempty"`
	ToStatus   string                 `json:"to_status"`
	ActorID    uint                   `json:"actor_id"`
	ActorRole  string                 `json:"actor_role"`
	Comment    string                 `json:"comment,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ReviewActionResponse serializes a reviewer decision.
type ReviewActionResponse struct {
	ReviewerID uint      `json:"reviewer_id"`
	Action     string    `json:"action"`
	Comment    string    `json:"comment"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubmissionDetail is the full ledger view of a submission.
type SubmissionDetail struct {
	SubmissionSummary
	Description string                 `json:"description"`
	Version     uint                   `json:"version"`
	DecidedAt   *time.Time             `json:"decided_at"`
	History     []HistoryEntryResponse `json:"history"`
	Reviews     []ReviewActionResponse `json:"reviews"`
}

// SubmissionListResponse wraps a paginated submission list.
type SubmissionListResponse struct {
	Items      []SubmissionSummary `json:"items"`
	Pagination PaginationMeta      `json:"pagination"`
}

// SubmissionStatusResponse is returned by workflow transitions.
type SubmissionStatusResponse struct {
	ID                 uint   `json:"id"`
	Status             string `json:"status"`
	AssignedReviewerID *uint  `json:"assigned_reviewer_id"`
	Version            uint   `json:"version"`
}

// QueueResponse lists the pending work of one reviewer.
type QueueResponse struct {
	ReviewerID uint                `json:"reviewer_id"`
	Pending    int                 `json:"pending"`
	Items      []SubmissionSummary `json:"items"`
}

// BalanceMove describes one reassignment performed by queue balancing.
type BalanceMove struct {
	SubmissionID uint  `json:"submission_id"`
	From         *uint `json:"from"`
	To           uint  `json:"to"`
}

// BalanceResponse reports the queue distribution around a balance run.
type BalanceResponse struct {
	PendingTotal int           `json:"pending_total"`
	Before       map[uint]int  `json:"before"`
	After        map[uint]int  `json:"after"`
	Moves        []BalanceMove `json:"moves"`
}

// NewSubmissionSummary converts a submission model into its list representation.
func NewSubmissionSummary(model models.Submission, duplicate bool) SubmissionSummary {
	refs := model.EvidenceRefs()
	return SubmissionSummary{
		ID:                 model.ID,
		StudentID:          model.StudentID,
		Program:            model.Program,
		Category:           model.Category,
		Title:              model.Title,
		ClaimedHours:       model.ClaimedHours,
		Status:             string(model.Status),
		AssignedReviewerID: model.AssignedReviewerID,
		EvidenceRefs:       refs,
		Flags: SubmissionFlags{
			Verified:        model.Status == models.SubmissionStatusApproved,
			Duplicate:       duplicate,
			MissingEvidence: len(refs) == 0,
			SLABreached:     model.SLABreachedAt != nil,
		},
		SubmittedAt: model.SubmittedAt,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
	}
}

// NewSubmissionDetail converts a fully loaded submission into its detail representation.
func NewSubmissionDetail(model models.Submission, duplicate bool) SubmissionDetail {
	detail := SubmissionDetail{
		SubmissionSummary: NewSubmissionSummary(model, duplicate),
		Description:       model.Description,
		Version:           model.Version,
		DecidedAt:         model.DecidedAt,
		History:           make([]HistoryEntryResponse, 0, len(model.History)),
		Reviews:           make([]ReviewActionResponse, 0, len(model.Reviews)),
	}

	for _, entry := range model.History {
		detail.History = append(detail.History, HistoryEntryResponse{
			Sequence:   entry.Sequence,
			Event:      entry.Event,
			FromStatus: string(entry.FromStatus),
			ToStatus:   string(entry.ToStatus),
			ActorID:    entry.ActorID,
			ActorRole:  entry.ActorRole,
			Comment:    entry.Comment,
			Metadata:   entry.Metadata,
			CreatedAt:  entry.CreatedAt,
		})
	}

	for _, review := range model.Reviews {
		detail.Reviews = append(detail.Reviews, ReviewActionResponse{
			ReviewerID: review.ReviewerID,
			Action:     string(review.Action),
			Comment:    review.Comment,
			CreatedAt:  review.CreatedAt,
		})
	}

	return detail
}

// NewSubmissionStatusResponse summarises the outcome of a transition.
func NewSubmissionStatusResponse(model models.Submission) SubmissionStatusResponse {
	return SubmissionStatusResponse{
		ID:                 model.ID,
		Status:             string(model.Status),
		AssignedReviewerID: model.AssignedReviewerID,
		Version:            model.Version,
	}
}
