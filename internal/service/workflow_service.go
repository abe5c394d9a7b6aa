package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/observability"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

var pendingStatuses = []models.SubmissionStatus{
	models.SubmissionStatusSubmitted,
	models.SubmissionStatusInReview,
	models.SubmissionStatusReworkRequested,
}

// WorkflowConfig tunes SLA tracking.
type WorkflowConfig struct {
	SLAThreshold     time.Duration
	BacklogThreshold int
}

// SLAScanResult summarises one SLA monitor pass.
type SLAScanResult struct {
	Flagged      int   `json:"flagged"`
	Pending      int64 `json:"pending"`
	BacklogAlert bool  `json:"backlog_alert"`
}

// WorkflowService drives submissions through the verification state machine.
type WorkflowService interface {
	Submit(ctx context.Context, actor Actor, id uint) (dto.SubmissionStatusResponse, error)
	StartReview(ctx context.Context, actor Actor, id uint) (dto.SubmissionStatusResponse, error)
	Review(ctx context.Context, actor Actor, id uint, req dto.ReviewRequest) (dto.SubmissionStatusResponse, error)
	Resubmit(ctx context.Context, actor Actor, id uint, req dto.ResubmitRequest) (dto.SubmissionStatusResponse, error)
	Override(ctx context.Context, actor Actor, id uint, req dto.OverrideRequest) (dto.SubmissionStatusResponse, error)
	Balance(ctx context.Context, actor Actor, req dto.BalanceRequest) (dto.BalanceResponse, error)
	Queue(ctx context.Context, actor Actor, reviewerID uint) (dto.QueueResponse, error)
	ScanSLA(ctx context.Context) (SLAScanResult, error)
}

type workflowService struct {
	submissions repository.SubmissionRepository
	reviewers   repository.ReviewerRepository
	evidence    EvidenceService
	audit       ActivityRecorder
	locker      KeyedLocker
	policy      AssignmentPolicy
	events      EventPublisher
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	cfg         WorkflowConfig
	backlogHigh atomic.Bool
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// mutation is what a transition closure asks the ledger to persist.
type mutation struct {
	history *models.SubmissionHistory
	review  *models.ReviewAction
	attach  []string
	event   *Event
}

// NewWorkflowService constructs the verification workflow engine.
func NewWorkflowService(
	submissions repository.SubmissionRepository,
	reviewers repository.ReviewerRepository,
	evidence EvidenceService,
	audit ActivityRecorder,
	locker KeyedLocker,
	policy AssignmentPolicy,
	events EventPublisher,
	validate *validator.Validate,
	cfg WorkflowConfig,
	logger zerolog.Logger,
) WorkflowService {
	if cfg.SLAThreshold <= 0 {
		cfg.SLAThreshold = 72 * time.Hour
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = 15
	}

	return &workflowService{
		submissions: submissions,
		reviewers:   reviewers,
		evidence:    evidence,
		audit:       audit,
		locker:      locker,
		policy:      policy,
		events:      events,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		cfg:         cfg,
		logger:      logger.With().Str("component", "workflow_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/sar-go-api/internal/service/workflow"),
		now:         time.Now,
	}
}

func (s *workflowService) Submit(ctx context.Context, actor Actor, id uint) (dto.SubmissionStatusResponse, error) {
	return s.transition(ctx, "workflow.submit", actor, id, func(ctx context.Context, submission *models.Submission, now time.Time) (*mutation, error) {
		if submission.StudentID != actor.ID && !actor.IsAdmin() {
			return nil, fmt.Errorf("%w: submission %d belongs to another student", ErrNotAssigned, submission.ID)
		}
		if submission.Status != models.SubmissionStatusDraft {
			return nil, invalidStatef("submission %d is %s, only drafts can be submitted", submission.ID, submission.Status)
		}

		reviewer, err := s.assign(ctx, *submission)
		if err != nil {
			return nil, err
		}

		from := submission.Status
		submission.Status = models.SubmissionStatusSubmitted
		submission.AssignedReviewerID = &reviewer.ID
		if submission.SubmittedAt == nil {
			submission.SubmittedAt = &now
		}

		event := submissionEvent(EventSubmissionSubmitted, *submission, PriorityMedium,
			fmt.Sprintf("New submission %q awaits verification", submission.Title))
		return &mutation{
			history: historyEntry("submitted", from, submission.Status, actor, "", map[string]interface{}{
				"reviewer_id": reviewer.ID,
				"policy":      s.policy.Name(),
			}),
			event: &event,
		}, nil
	})
}

func (s *workflowService) StartReview(ctx context.Context, actor Actor, id uint) (dto.SubmissionStatusResponse, error) {
	return s.transition(ctx, "workflow.start_review", actor, id, func(_ context.Context, submission *models.Submission, _ time.Time) (*mutation, error) {
		if submission.Status.IsTerminal() {
			return nil, invalidStatef("submission %d is already %s", submission.ID, submission.Status)
		}
		if submission.Status != models.SubmissionStatusSubmitted {
			return nil, invalidStatef("submission %d is %s, review can only start from submitted", submission.ID, submission.Status)
		}
		if !isAssigned(*submission, actor) {
			return nil, fmt.Errorf("%w: submission %d is assigned to another reviewer", ErrNotAssigned, submission.ID)
		}

		from := submission.Status
		submission.Status = models.SubmissionStatusInReview
		event := submissionEvent(EventSubmissionInReview, *submission, PriorityLow,
			fmt.Sprintf("Your activity %q is being reviewed", submission.Title))
		return &mutation{
			history: historyEntry("review_started", from, submission.Status, actor, "", nil),
			event:   &event,
		}, nil
	})
}

func (s *workflowService) Review(ctx context.Context, actor Actor, id uint, req dto.ReviewRequest) (dto.SubmissionStatusResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SubmissionStatusResponse{}, validationError(err)
	}

	action := models.ReviewActionType(req.Action)
	target, ok := action.TargetStatus()
	if !ok {
		return dto.SubmissionStatusResponse{}, validationErrorf("unknown review action %q", req.Action)
	}

	comment := strings.TrimSpace(s.sanitizer.Sanitize(req.Comment))
	if action != models.ReviewActionApprove && comment == "" {
		return dto.SubmissionStatusResponse{}, validationErrorf("a comment is required to %s", req.Action)
	}

	return s.transition(ctx, "workflow.review", actor, id, func(_ context.Context, submission *models.Submission, now time.Time) (*mutation, error) {
		if submission.Status.IsTerminal() {
			return nil, invalidStatef("submission %d is already %s", submission.ID, submission.Status)
		}
		if submission.Status != models.SubmissionStatusSubmitted && submission.Status != models.SubmissionStatusInReview {
			return nil, invalidStatef("submission %d is %s and cannot be reviewed", submission.ID, submission.Status)
		}
		if !isAssigned(*submission, actor) {
			return nil, fmt.Errorf("%w: submission %d is assigned to another reviewer", ErrNotAssigned, submission.ID)
		}

		from := submission.Status
		submission.Status = target
		if target.IsTerminal() {
			submission.DecidedAt = &now
		}

		priority := PriorityMedium
		if target == models.SubmissionStatusReworkRequested {
			priority = PriorityHigh
		}
		event := submissionEvent(statusEventType(target), *submission, priority,
			fmt.Sprintf("Activity %q was %s", submission.Title, strings.ReplaceAll(string(target), "_", " ")))
		event.Payload["comment"] = comment

		return &mutation{
			history: historyEntry(string(target), from, target, actor, comment, map[string]interface{}{"action": string(action)}),
			review: &models.ReviewAction{
				ReviewerID: actor.ID,
				Action:     action,
				Comment:    comment,
				CreatedAt:  now,
			},
			event: &event,
		}, nil
	})
}

func (s *workflowService) Resubmit(ctx context.Context, actor Actor, id uint, req dto.ResubmitRequest) (dto.SubmissionStatusResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SubmissionStatusResponse{}, validationError(err)
	}

	refs := normalizeRefs(req.EvidenceRefs)
	if err := s.evidence.Resolve(ctx, refs); err != nil {
		return dto.SubmissionStatusResponse{}, err
	}
	comment := strings.TrimSpace(s.sanitizer.Sanitize(req.Comment))

	return s.transition(ctx, "workflow.resubmit", actor, id, func(ctx context.Context, submission *models.Submission, at time.Time) (*mutation, error) {
		if submission.StudentID != actor.ID {
			return nil, fmt.Errorf("%w: submission %d belongs to another student", ErrNotAssigned, submission.ID)
		}
		if submission.Status.IsTerminal() {
			return nil, invalidStatef("submission %d is already %s", submission.ID, submission.Status)
		}
		if submission.Status != models.SubmissionStatusReworkRequested {
			return nil, invalidStatef("submission %d is %s, only rework requests can be resubmitted", submission.ID, submission.Status)
		}

		reviewerID, err := s.keepOrReassign(ctx, *submission)
		if err != nil {
			return nil, err
		}

		existing := make(map[string]struct{}, len(submission.Evidence))
		for _, ref := range submission.EvidenceRefs() {
			existing[ref] = struct{}{}
		}
		var attach []string
		for _, ref := range refs {
			if _, ok := existing[ref]; !ok {
				attach = append(attach, ref)
			}
		}

		from := submission.Status
		submission.Status = models.SubmissionStatusSubmitted
		submission.AssignedReviewerID = &reviewerID
		// A resubmission starts a new verification round with a fresh SLA clock.
		submission.SubmittedAt = &at
		submission.SLABreachedAt = nil

		event := submissionEvent(EventSubmissionResubmitted, *submission, PriorityMedium,
			fmt.Sprintf("Activity %q was resubmitted", submission.Title))
		return &mutation{
			history: historyEntry("resubmitted", from, submission.Status, actor, comment, map[string]interface{}{
				"reviewer_id":       reviewerID,
				"attached_evidence": len(attach),
			}),
			attach: attach,
			event:  &event,
		}, nil
	})
}

func (s *workflowService) Override(ctx context.Context, actor Actor, id uint, req dto.OverrideRequest) (dto.SubmissionStatusResponse, error) {
	if !actor.IsAdmin() {
		return dto.SubmissionStatusResponse{}, fmt.Errorf("%w: overrides require the admin role", ErrNotAssigned)
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.SubmissionStatusResponse{}, validationError(err)
	}

	reason := strings.TrimSpace(s.sanitizer.Sanitize(req.Reason))
	if reason == "" {
		return dto.SubmissionStatusResponse{}, validationErrorf("override reason is required")
	}
	target := models.SubmissionStatus(req.Status)

	var fromStatus models.SubmissionStatus
	response, err := s.transition(ctx, "workflow.override", actor, id, func(ctx context.Context, submission *models.Submission, now time.Time) (*mutation, error) {
		if submission.Status == models.SubmissionStatusDraft {
			return nil, invalidStatef("submission %d has not been submitted", submission.ID)
		}
		if submission.Status == target && req.ReviewerID == nil {
			return nil, invalidStatef("submission %d is already %s", submission.ID, target)
		}

		if req.ReviewerID != nil {
			reviewer, err := s.reviewers.GetByID(ctx, *req.ReviewerID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, notFoundf("reviewer %d", *req.ReviewerID)
				}
				return nil, storageFailure("load reviewer", err)
			}
			if !reviewer.Active {
				return nil, validationErrorf("reviewer %d is inactive", reviewer.ID)
			}
			submission.AssignedReviewerID = &reviewer.ID
		} else if target.IsPending() && submission.AssignedReviewerID == nil {
			reviewer, err := s.assign(ctx, *submission)
			if err != nil {
				return nil, err
			}
			submission.AssignedReviewerID = &reviewer.ID
		}

		fromStatus = submission.Status
		submission.Status = target
		if target.IsTerminal() {
			submission.DecidedAt = &now
		} else {
			submission.DecidedAt = nil
		}

		event := submissionEvent(EventSubmissionOverridden, *submission, PriorityHigh,
			fmt.Sprintf("Decision on %q was overridden to %s", submission.Title, strings.ReplaceAll(string(target), "_", " ")))
		event.Payload["reason"] = reason
		return &mutation{
			history: historyEntry("override", fromStatus, target, actor, reason, map[string]interface{}{
				"reviewer_id": submission.AssignedReviewerID,
			}),
			event: &event,
		}, nil
	})
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}

	entityID := id
	if _, err := s.audit.Record(ctx, ActivityEntry{
		Actor:      actor,
		Action:     "submission.override",
		EntityType: "submission",
		EntityID:   &entityID,
		Metadata: map[string]interface{}{
			"from":   string(fromStatus),
			"to":     string(target),
			"reason": reason,
		},
	}); err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", id).Msg("failed to record override audit entry")
	}

	return response, nil
}

func (s *workflowService) Queue(ctx context.Context, actor Actor, reviewerID uint) (dto.QueueResponse, error) {
	if reviewerID == 0 || !actor.IsAdmin() {
		reviewerID = actor.ID
	}

	items, _, err := s.submissions.List(ctx, repository.SubmissionFilter{
		ReviewerID: &reviewerID,
		Statuses:   []models.SubmissionStatus{models.SubmissionStatusSubmitted, models.SubmissionStatusInReview},
	})
	if err != nil {
		return dto.QueueResponse{}, storageFailure("load queue", err)
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

	response := dto.QueueResponse{ReviewerID: reviewerID, Pending: len(items), Items: make([]dto.SubmissionSummary, 0, len(items))}
	for _, item := range items {
		response.Items = append(response.Items, dto.NewSubmissionSummary(item, dupes[item.ID]))
	}
	return response, nil
}

type transitionFunc func(ctx context.Context, submission *models.Submission, now time.Time) (*mutation, error)

// transition serialises a mutation on one submission: lock, reload, apply, persist with a
// version guard, then emit.
func (s *workflowService) transition(ctx context.Context, name string, actor Actor, id uint, apply transitionFunc) (dto.SubmissionStatusResponse, error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("submission.id", int(id)),
		attribute.Int("actor.id", int(actor.ID)),
		attribute.String("actor.role", actor.Role),
	))
	defer span.End()

	release, err := acquire(ctx, s.locker, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return dto.SubmissionStatusResponse{}, err
	}
	defer release()

	submission, err := loadSubmission(ctx, s.submissions, id)
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionStatusResponse{}, err
	}

	expected := submission.Version
	now := s.now().UTC()
	change, err := apply(ctx, &submission, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "precondition failed")
		return dto.SubmissionStatusResponse{}, err
	}

	if err := s.persist(ctx, &submission, expected, change, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return dto.SubmissionStatusResponse{}, err
	}

	s.logger.Info().
		Uint("submission_id", submission.ID).
		Str("status", string(submission.Status)).
		Uint("actor_id", actor.ID).
		Str("correlation_id", actor.CorrelationID).
		Msg(strings.TrimPrefix(name, "workflow.") + " applied")

	return dto.NewSubmissionStatusResponse(submission), nil
}

func (s *workflowService) persist(ctx context.Context, submission *models.Submission, expected uint, change *mutation, now time.Time) error {
	err := s.submissions.Transition(ctx, repository.SubmissionTransition{
		Submission:      submission,
		ExpectedVersion: expected,
		History:         change.history,
		Review:          change.review,
		AttachEvidence:  change.attach,
		At:              now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return invalidStatef("submission %d was modified concurrently", submission.ID)
		}
		return storageFailure("persist transition", err)
	}

	if change.history != nil {
		observability.WorkflowTransitions().WithLabelValues(change.history.Event, string(submission.Status)).Inc()
	}
	if change.event != nil {
		change.event.Status = string(submission.Status)
		if change.event.Payload != nil {
			change.event.Payload["version"] = submission.Version
		}
		s.events.Emit(*change.event)
	}
	return nil
}

// assign picks a reviewer for the submission's department, falling back to any active reviewer.
func (s *workflowService) assign(ctx context.Context, submission models.Submission) (models.Reviewer, error) {
	candidates, err := s.reviewers.List(ctx, repository.ReviewerFilter{Department: submission.Program, ActiveOnly: true})
	if err != nil {
		return models.Reviewer{}, storageFailure("list reviewers", err)
	}
	if len(candidates) == 0 && submission.Program != "" {
		candidates, err = s.reviewers.List(ctx, repository.ReviewerFilter{ActiveOnly: true})
		if err != nil {
			return models.Reviewer{}, storageFailure("list reviewers", err)
		}
	}
	if len(candidates) == 0 {
		return models.Reviewer{}, ErrNoReviewersAvailable
	}

	load, err := s.submissions.CountByReviewer(ctx, pendingStatuses...)
	if err != nil {
		return models.Reviewer{}, storageFailure("count reviewer load", err)
	}

	return s.policy.Pick(ctx, candidates, load)
}

func (s *workflowService) keepOrReassign(ctx context.Context, submission models.Submission) (uint, error) {
	if submission.AssignedReviewerID != nil {
		reviewer, err := s.reviewers.GetByID(ctx, *submission.AssignedReviewerID)
		switch {
		case err == nil && reviewer.Active:
			return reviewer.ID, nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return 0, storageFailure("load reviewer", err)
		}
	}

	reviewer, err := s.assign(ctx, submission)
	if err != nil {
		return 0, err
	}
	return reviewer.ID, nil
}

func isAssigned(submission models.Submission, actor Actor) bool {
	return submission.AssignedReviewerID != nil && *submission.AssignedReviewerID == actor.ID
}

func historyEntry(event string, from, to models.SubmissionStatus, actor Actor, comment string, metadata map[string]interface{}) *models.SubmissionHistory {
	entry := &models.SubmissionHistory{
		Event:      event,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor.ID,
		ActorRole:  normalizeRole(actor.Role),
		Comment:    comment,
	}
	if len(metadata) > 0 || actor.CorrelationID != "" {
		entry.Metadata = datatypes.JSONMap{}
		for key, value := range metadata {
			entry.Metadata[key] = value
		}
		if actor.CorrelationID != "" {
			entry.Metadata["correlation_id"] = actor.CorrelationID
		}
	}
	return entry
}
