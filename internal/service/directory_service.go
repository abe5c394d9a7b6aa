package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

// DirectoryService manages the reviewer pool and the student roster.
type DirectoryService interface {
	ListReviewers(ctx context.Context, query dto.DirectoryQuery) ([]dto.ReviewerResponse, error)
	UpsertReviewer(ctx context.Context, actor Actor, id uint, req dto.ReviewerUpsertRequest) (dto.ReviewerResponse, error)
	ListStudents(ctx context.Context, query dto.DirectoryQuery) ([]dto.StudentResponse, error)
	UpsertStudent(ctx context.Context, actor Actor, id uint, req dto.StudentUpsertRequest) (dto.StudentResponse, error)
}

type directoryService struct {
	reviewers   repository.ReviewerRepository
	students    repository.StudentRepository
	submissions repository.SubmissionRepository
	audit       ActivityRecorder
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	now         func() time.Time
}

// NewDirectoryService constructs the directory service.
func NewDirectoryService(
	reviewers repository.ReviewerRepository,
	students repository.StudentRepository,
	submissions repository.SubmissionRepository,
	audit ActivityRecorder,
	validate *validator.Validate,
	logger zerolog.Logger,
) DirectoryService {
	return &directoryService{
		reviewers:   reviewers,
		students:    students,
		submissions: submissions,
		audit:       audit,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "directory_service").Logger(),
		now:         time.Now,
	}
}

func (s *directoryService) ListReviewers(ctx context.Context, query dto.DirectoryQuery) ([]dto.ReviewerResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, validationError(err)
	}

	reviewers, err := s.reviewers.List(ctx, repository.ReviewerFilter{
		Department: strings.TrimSpace(query.Department),
		ActiveOnly: query.ActiveOnly,
	})
	if err != nil {
		return nil, storageFailure("list reviewers", err)
	}

	load, err := s.submissions.CountByReviewer(ctx, pendingStatuses...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to count reviewer load")
		load = map[uint]int64{}
	}

	responses := make([]dto.ReviewerResponse, 0, len(reviewers))
	for _, reviewer := range reviewers {
		responses = append(responses, dto.NewReviewerResponse(reviewer, load[reviewer.ID]))
	}
	return responses, nil
}

func (s *directoryService) UpsertReviewer(ctx context.Context, actor Actor, id uint, req dto.ReviewerUpsertRequest) (dto.ReviewerResponse, error) {
	if !actor.IsAdmin() {
		return dto.ReviewerResponse{}, fmt.Errorf("%w: directory changes require an administrator", ErrNotAssigned)
	}
	if id == 0 {
		return dto.ReviewerResponse{}, validationErrorf("reviewer id is required")
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.ReviewerResponse{}, validationError(err)
	}

	reviewer := models.Reviewer{ID: id, Active: true}
	existing, err := s.reviewers.GetByID(ctx, id)
	switch {
	case err == nil:
		reviewer = existing
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.ReviewerResponse{}, storageFailure("load reviewer", err)
	}

	wasActive := reviewer.Active
	reviewer.Name = strings.TrimSpace(s.sanitizer.Sanitize(req.Name))
	reviewer.Department = strings.TrimSpace(req.Department)
	if req.Active != nil {
		reviewer.Active = *req.Active
	}
	reviewer.UpdatedAt = s.now().UTC()

	if err := s.reviewers.Upsert(ctx, &reviewer); err != nil {
		return dto.ReviewerResponse{}, storageFailure("upsert reviewer", err)
	}

	entityID := reviewer.ID
	if _, err := s.audit.Record(ctx, ActivityEntry{
		Actor:      actor,
		Action:     "reviewer.upsert",
		EntityType: "reviewer",
		EntityID:   &entityID,
		Metadata: map[string]interface{}{
			"department": reviewer.Department,
			"active":     reviewer.Active,
		},
	}); err != nil {
		s.logger.Warn().Err(err).Uint("reviewer_id", reviewer.ID).Msg("failed to audit reviewer change")
	}

	if wasActive && !reviewer.Active {
		s.logger.Info().Uint("reviewer_id", reviewer.ID).Msg("reviewer deactivated; pending work is orphaned until the next balance")
	}

	load, err := s.submissions.CountByReviewer(ctx, pendingStatuses...)
	if err != nil {
		load = map[uint]int64{}
	}
	return dto.NewReviewerResponse(reviewer, load[reviewer.ID]), nil
}

func (s *directoryService) ListStudents(ctx context.Context, query dto.DirectoryQuery) ([]dto.StudentResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, validationError(err)
	}

	students, err := s.students.List(ctx, repository.StudentFilter{
		Program:      strings.TrimSpace(query.Department),
		Cohort:       strings.TrimSpace(query.Cohort),
		EnrolledOnly: query.ActiveOnly,
	})
	if err != nil {
		return nil, storageFailure("list students", err)
	}

	responses := make([]dto.StudentResponse, 0, len(students))
	for _, student := range students {
		responses = append(responses, dto.NewStudentResponse(student))
	}
	return responses, nil
}

func (s *directoryService) UpsertStudent(ctx context.Context, actor Actor, id uint, req dto.StudentUpsertRequest) (dto.StudentResponse, error) {
	if !actor.IsAdmin() {
		return dto.StudentResponse{}, fmt.Errorf("%w: directory changes require an administrator", ErrNotAssigned)
	}
	if id == 0 {
		return dto.StudentResponse{}, validationErrorf("student id is required")
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.StudentResponse{}, validationError(err)
	}

	student := models.Student{ID: id, Enrolled: true}
	existing, err := s.students.GetByID(ctx, id)
	switch {
	case err == nil:
		student = existing
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.StudentResponse{}, storageFailure("load student", err)
	}

	student.Name = strings.TrimSpace(s.sanitizer.Sanitize(req.Name))
	student.Email = strings.ToLower(strings.TrimSpace(req.Email))
	student.Program = strings.TrimSpace(req.Program)
	student.Cohort = strings.TrimSpace(req.Cohort)
	if req.Enrolled != nil {
		student.Enrolled = *req.Enrolled
	}
	student.UpdatedAt = s.now().UTC()

	if err := s.students.Upsert(ctx, &student); err != nil {
		return dto.StudentResponse{}, storageFailure("upsert student", err)
	}

	entityID := student.ID
	if _, err := s.audit.Record(ctx, ActivityEntry{
		Actor:      actor,
		Action:     "student.upsert",
		EntityType: "student",
		EntityID:   &entityID,
		Metadata: map[string]interface{}{
			"program":  student.Program,
			"enrolled": student.Enrolled,
			"email":    student.Email,
		},
	}); err != nil {
		s.logger.Warn().Err(err).Uint("student_id", student.ID).Msg("failed to audit roster change")
	}

	return dto.NewStudentResponse(student), nil
}
