package dto

import (
	"time"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// PaginationMeta captures pagination metadata for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

// NewPaginationMeta computes page counts for a list response.
func NewPaginationMeta(page, pageSize int, total int64) PaginationMeta {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginationMeta{Page: page, PageSize: pageSize, TotalItems: total, TotalPages: totalPages}
}

// ReviewerUpsertRequest creates or updates a reviewer.
type ReviewerUpsertRequest struct {
	Name       string `json:"name" validate:"required,min=2,max=255"`
	Department string `json:"department" validate:"required,max=128"`
	Active     *bool  `json:"active"`
}

// StudentUpsertRequest creates or updates a roster entry.
type StudentUpsertRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=255"`
	Email    string `json:"email" validate:"omitempty,email"`
	Program  string `json:"program" validate:"required,max=128"`
	Cohort   string `json:"cohort" validate:"omitempty,max=16"`
	Enrolled *bool  `json:"enrolled"`
}

// DirectoryQuery filters directory listings.
type DirectoryQuery struct {
	Department string `query:"department" validate:"omitempty,max=128"`
	Cohort     string `query:"cohort" validate:"omitempty,max=16"`
	ActiveOnly bool   `query:"active_only"`
}

// ReviewerResponse serializes a reviewer with its current queue depth.
type ReviewerResponse struct {
	ID         uint      `json:"id"`
	Name       string    `json:"name"`
	Department string    `json:"department"`
	Active     bool      `json:"active"`
	Pending    int64     `json:"pending"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StudentResponse serializes a roster entry.
type StudentResponse struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Program   string    `json:"program"`
	Cohort    string    `json:"cohort"`
	Enrolled  bool      `json:"enrolled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActivityLogQuery filters the administrative audit trail.
type ActivityLogQuery struct {
	Action     string `query:"action" validate:"omitempty,max=64"`
	EntityType string `query:"entity_type" validate:"omitempty,max=64"`
	EntityID   *uint  `query:"entity_id"`
	ActorID    *uint  `query:"actor_id"`
	// CorrelationID traces every audit entry written by one request.
	CorrelationID string `query:"correlation_id" validate:"omitempty,max=64"`
	// Since is an RFC3339 lower bound on created_at.
	Since    string `query:"since" validate:"omitempty,max=64"`
	Page     int    `query:"page" validate:"omitempty,gte=1"`
	PageSize int    `query:"page_size" validate:"omitempty,gte=1,lte=100"`
}

// ActivityLogResponse serializes an audit entry.
type ActivityLogResponse struct {
	ID            uint                   `json:"id"`
	ActorID       uint                   `json:"actor_id"`
	ActorRole     string                 `json:"actor_role"`
	Action        string                 `json:"action"`
	EntityType    string                 `json:"entity_type"`
	EntityID      *uint                  `json:"entity_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata"`
	CreatedAt     time.Time              `json:"created_at"`
}

// ActivityLogListResponse wraps a paginated audit trail.
type ActivityLogListResponse struct {
	Items      []ActivityLogResponse `json:"items"`
	Pagination PaginationMeta        `json:"pagination"`
}

// NewReviewerResponse converts a reviewer model.
func NewReviewerResponse(model models.Reviewer, pending int64) ReviewerResponse {
	return ReviewerResponse{
		ID:         model.ID,
		Name:       model.Name,
		Department: model.Department,
		Active:     model.Active,
		Pending:    pending,
		UpdatedAt:  model.UpdatedAt,
	}
}

// NewStudentResponse converts a student model.
func NewStudentResponse(model models.Student) StudentResponse {
	return StudentResponse{
		ID:        model.ID,
		Name:      model.Name,
		Email:     model.Email,
		Program:   model.Program,
		Cohort:    model.Cohort,
		Enrolled:  model.Enrolled,
		UpdatedAt: model.UpdatedAt,
	}
}

// NewActivityLogResponse converts an audit entry.
func NewActivityLogResponse(model models.ActivityLog) ActivityLogResponse {
	return ActivityLogResponse{
		ID:            model.ID,
		ActorID:       model.ActorID,
		ActorRole:     model.ActorRole,
		Action:        model.Action,
		EntityType:    model.EntityType,
		EntityID:      model.EntityID,
		CorrelationID: model.CorrelationID,
		Metadata:      model.Metadata,
		CreatedAt:     model.CreatedAt,
	}
}
