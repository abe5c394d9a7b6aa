package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

// LedgerService records submissions and exposes their append-only history.
type LedgerService interface {
	Create(ctx context.Context, actor Actor, req dto.SubmissionCreateRequest) (dto.SubmissionDetail, error)
	Get(ctx context.Context, actor Actor, id uint) (dto.SubmissionDetail, error)
	Query(ctx context.Context, actor Actor, query dto.SubmissionListQuery) (dto.SubmissionListResponse, error)
	AppendHistory(ctx context.Context, id uint, entry models.SubmissionHistory) error
	Categories() []string
}

type ledgerService struct {
	submissions repository.SubmissionRepository
	students    repository.StudentRepository
	evidence    EvidenceService
	locker      KeyedLocker
	events      EventPublisher
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	categories  map[string]string
	ordered     []string
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewLedgerService constructs the submission ledger.
func NewLedgerService(
	submissions repository.SubmissionRepository,
	students repository.StudentRepository,
	evidence EvidenceService,
	locker KeyedLocker,
	events EventPublisher,
	validate *validator.Validate,
	categories []string,
	logger zerolog.Logger,
) LedgerService {
	index := make(map[string]string, len(categories))
	ordered := make([]string, 0, len(categories))
	for _, category := range categories {
		trimmed := strings.TrimSpace(category)
		if trimmed == "" {
			continue
		}
		index[strings.ToLower(trimmed)] = trimmed
		ordered = append(ordered, trimmed)
	}

	return &ledgerService{
		submissions: submissions,
		students:    students,
		evidence:    evidence,
		locker:      locker,
		events:      events,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		categories:  index,
		ordered:     ordered,
		logger:      logger.With().Str("component", "ledger_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/sar-go-api/internal/service/ledger"),
		now:         time.Now,
	}
}

func (s *ledgerService) Categories() []string {
	return append([]string(nil), s.ordered...)
}

func (s *ledgerService) Create(ctx context.Context, actor Actor, req dto.SubmissionCreateRequest) (dto.SubmissionDetail, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.create", trace.WithAttributes(
		attribute.Int("actor.id", int(actor.ID)),
		attribute.String("submission.category", req.Category),
	))
	defer span.End()

	if actor.Role != RoleStudent {
		return dto.SubmissionDetail{}, fmt.Errorf("%w: only students record activities", ErrNotAssigned)
	}

	if err := s.validator.Struct(req); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return dto.SubmissionDetail{}, validationError(err)
	}

	category, ok := s.categories[strings.ToLower(strings.TrimSpace(req.Category))]
	if !ok {
		span.SetStatus(codes.Error, "unknown category")
		return dto.SubmissionDetail{}, validationErrorf("category %q is not in the taxonomy", req.Category)
	}
	if req.ClaimedHours <= 0 {
		return dto.SubmissionDetail{}, validationErrorf("claimed hours must be positive")
	}

	title := strings.TrimSpace(s.sanitizer.Sanitize(req.Title))
	if title == "" {
		return dto.SubmissionDetail{}, validationErrorf("title is empty after sanitization")
	}

	refs := normalizeRefs(req.EvidenceRefs)
	if err := s.evidence.Resolve(ctx, refs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evidence lookup failed")
		return dto.SubmissionDetail{}, err
	}

	program := actor.Department
	student, err := s.students.GetByID(ctx, actor.ID)
	switch {
	case err == nil:
		program = student.Program
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.SubmissionDetail{}, storageFailure("load student", err)
	}

	now := s.now().UTC()
	submission := models.Submission{
		StudentID:    actor.ID,
		Program:      program,
		Category:     category,
		Title:        title,
		Description:  strings.TrimSpace(s.sanitizer.Sanitize(req.Description)),
		ClaimedHours: req.ClaimedHours,
		Status:       models.SubmissionStatusDraft,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.submissions.Create(ctx, &submission, refs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return dto.SubmissionDetail{}, storageFailure("create submission", err)
	}

	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("student_id", submission.StudentID).
		Str("category", submission.Category).
		Str("correlation_id", actor.CorrelationID).
		Msg("submission recorded")

	s.events.Emit(submissionEvent(EventSubmissionCreated, submission, "", fmt.Sprintf("New activity %q recorded", submission.Title)))

	return dto.NewSubmissionDetail(submission, false), nil
}

func (s *ledgerService) Get(ctx context.Context, actor Actor, id uint) (dto.SubmissionDetail, error) {
	submission, err := loadSubmission(ctx, s.submissions, id)
	if err != nil {
		return dto.SubmissionDetail{}, err
	}

	if err := authorizeRead(actor, submission); err != nil {
		return dto.SubmissionDetail{}, err
	}

	dupes, err := s.submissions.DuplicateEvidence(ctx, []uint{submission.ID})
	if err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", id).Msg("duplicate evidence check failed")
	}

	return dto.NewSubmissionDetail(submission, dupes[submission.ID]), nil
}

func (s *ledgerService) Query(ctx context.Context, actor Actor, query dto.SubmissionListQuery) (dto.SubmissionListResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.SubmissionListResponse{}, validationError(err)
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := maxInt(query.Page, 1)

	filter := repository.SubmissionFilter{
		Program:    strings.TrimSpace(query.Program),
		StudentID:  query.StudentID,
		ReviewerID: query.ReviewerID,
		Page:       page,
		PageSize:   pageSize,
	}
	if query.Category != "" {
		category, ok := s.categories[strings.ToLower(strings.TrimSpace(query.Category))]
		if !ok {
			return dto.SubmissionListResponse{}, validationErrorf("category %q is not in the taxonomy", query.Category)
		}
		filter.Category = category
	}
	if query.Status != "" {
		filter.Statuses = []models.SubmissionStatus{models.SubmissionStatus(query.Status)}
	}
	for _, bound := range []struct {
		raw    string
		target **time.Time
	}{{query.From, &filter.CreatedFrom}, {query.To, &filter.CreatedTo}} {
		if strings.TrimSpace(bound.raw) == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(bound.raw))
		if err != nil {
			return dto.SubmissionListResponse{}, validationErrorf("invalid time bound %q", bound.raw)
		}
		*bound.target = &parsed
	}
	if actor.Role == RoleStudent {
		own := actor.ID
		filter.StudentID = &own
	}

	items, total, err := s.submissions.List(ctx, filter)
	if err != nil {
		return dto.SubmissionListResponse{}, storageFailure("query submissions", err)
	}

	ids := make([]uint, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	dupes, err := s.submissions.DuplicateEvidence(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Msg("duplicate evidence check failed")
		dupes = map[uint]bool{}
	}

	summaries := make([]dto.SubmissionSummary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, dto.NewSubmissionSummary(item, dupes[item.ID]))
	}

	return dto.SubmissionListResponse{
		Items:      summaries,
		Pagination: dto.NewPaginationMeta(page, pageSize, total),
	}, nil
}

func (s *ledgerService) AppendHistory(ctx context.Context, id uint, entry models.SubmissionHistory) error {
	if strings.TrimSpace(entry.Event) == "" {
		return validationErrorf("history event is required")
	}

	release, err := acquire(ctx, s.locker, id)
	if err != nil {
		return err
	}
	defer release()

	submission, err := loadSubmission(ctx, s.submissions, id)
	if err != nil {
		return err
	}
	// Status changes only go through workflow transitions; appended entries annotate.
	for _, status := range []models.SubmissionStatus{entry.FromStatus, entry.ToStatus} {
		if status != "" && status != submission.Status {
			return fmt.Errorf("%w: history annotations cannot move submission %d from %s to %s",
				ErrInvalidState, id, submission.Status, status)
		}
	}
	entry.FromStatus = submission.Status
	entry.ToStatus = submission.Status
	entry.Comment = strings.TrimSpace(s.sanitizer.Sanitize(entry.Comment))
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}

	if err := s.submissions.AppendHistory(ctx, id, &entry); err != nil {
		return storageFailure("append history", err)
	}
	return nil
}

func loadSubmission(ctx context.Context, repo repository.SubmissionRepository, id uint) (models.Submission, error) {
	submission, err := repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, notFoundf("submission %d", id)
		}
		return models.Submission{}, storageFailure("load submission", err)
	}
	return submission, nil
}

func authorizeRead(actor Actor, submission models.Submission) error {
	if actor.Role == RoleStudent && submission.StudentID != actor.ID {
		return fmt.Errorf("%w: submission %d belongs to another student", ErrNotAssigned, submission.ID)
	}
	return nil
}

func acquire(ctx context.Context, locker KeyedLocker, id uint) (func(), error) {
	release, err := locker.Lock(ctx, "submission:"+strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return nil, storageFailure("lock submission", err)
	}
	return release, nil
}

func normalizeRefs(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.ToLower(strings.TrimSpace(ref))
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
