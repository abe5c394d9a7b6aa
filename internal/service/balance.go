package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/observability"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

var errMoveStale = errors.New("balance move no longer applicable")

// unassignedKey is the distribution bucket for pending work without a reviewer.
const unassignedKey uint = 0

type plannedMove struct {
	submissionID uint
	from         *uint
	to           uint
}

func (s *workflowService) Balance(ctx context.Context, actor Actor, req dto.BalanceRequest) (dto.BalanceResponse, error) {
	if !actor.IsAdmin() {
		return dto.BalanceResponse{}, fmt.Errorf("%w: queue balancing requires the admin role", ErrNotAssigned)
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.BalanceResponse{}, validationError(err)
	}

	ctx, span := s.tracer.Start(ctx, "workflow.balance")
	defer span.End()
	span.SetAttributes(attribute.String("balance.department", req.Department), attribute.Bool("balance.override", req.Override))

	pending, err := s.submissions.ListByStatus(ctx, req.Department, pendingStatuses...)
	if err != nil {
		span.RecordError(err)
		return dto.BalanceResponse{}, storageFailure("scan pending submissions", err)
	}

	reviewers, err := s.reviewers.List(ctx, repository.ReviewerFilter{Department: req.Department, ActiveOnly: true})
	if err != nil {
		return dto.BalanceResponse{}, storageFailure("list reviewers", err)
	}
	if len(reviewers) == 0 && req.Department != "" {
		if reviewers, err = s.reviewers.List(ctx, repository.ReviewerFilter{ActiveOnly: true}); err != nil {
			return dto.BalanceResponse{}, storageFailure("list reviewers", err)
		}
	}

	before := distribution(pending, reviewers)
	response := dto.BalanceResponse{
		PendingTotal: len(pending),
		Before:       before,
		After:        copyDistribution(before),
		Moves:        []dto.BalanceMove{},
	}

	if len(pending) == 0 {
		return response, nil
	}
	if len(reviewers) == 0 {
		span.SetStatus(codes.Error, "no reviewers")
		return dto.BalanceResponse{}, ErrNoReviewersAvailable
	}

	for _, move := range planBalance(pending, reviewers, req.Override) {
		err := s.applyMove(ctx, actor, move, req.Override)
		switch {
		case err == nil:
		case errors.Is(err, errMoveStale), errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
			s.logger.Debug().Uint("submission_id", move.submissionID).Msg("skipping stale balance move")
			continue
		default:
			span.RecordError(err)
			return response, err
		}

		from := unassignedKey
		if move.from != nil {
			from = *move.from
		}
		response.After[from]--
		response.After[move.to]++
		response.Moves = append(response.Moves, dto.BalanceMove{SubmissionID: move.submissionID, From: move.from, To: move.to})
		observability.RebalanceMoves().Inc()
	}

	for key, count := range response.After {
		if count == 0 && !containsReviewer(reviewers, key) {
			delete(response.After, key)
		}
	}

	s.logger.Info().
		Int("pending", len(pending)).
		Int("moves", len(response.Moves)).
		Str("department", req.Department).
		Msg("queues balanced")

	return response, nil
}

func (s *workflowService) applyMove(ctx context.Context, actor Actor, move plannedMove, override bool) error {
	_, err := s.transition(ctx, "workflow.reassign", actor, move.submissionID, func(_ context.Context, submission *models.Submission, _ time.Time) (*mutation, error) {
		if !submission.Status.IsPending() || !sameReviewer(submission.AssignedReviewerID, move.from) {
			return nil, errMoveStale
		}
		if submission.Status == models.SubmissionStatusInReview && !override {
			return nil, errMoveStale
		}

		to := move.to
		submission.AssignedReviewerID = &to

		event := submissionEvent(EventSubmissionReassigned, *submission, PriorityLow,
			fmt.Sprintf("Submission %q was reassigned", submission.Title))
		event.Payload["from_reviewer_id"] = move.from
		return &mutation{
			history: historyEntry("reassigned", submission.Status, submission.Status, actor, "", map[string]interface{}{
				"from_reviewer_id": move.from,
				"to_reviewer_id":   to,
				"reason":           "balance",
				"override":         override,
			}),
			event: &event,
		}, nil
	})
	return err
}

// planBalance computes reassignments from a single scan. Orphaned work (no reviewer or an
// inactive one) moves first unless it is in review without override. Then the fullest queue
// gives to the emptiest until the spread is at most one or nothing movable remains. It never
// plans more moves than there are pending items.
func planBalance(pending []models.Submission, reviewers []models.Reviewer, override bool) []plannedMove {
	active := make(map[uint]bool, len(reviewers))
	load := make(map[uint]int, len(reviewers))
	for _, reviewer := range reviewers {
		active[reviewer.ID] = true
		load[reviewer.ID] = 0
	}

	movable := make(map[uint][]models.Submission)
	var orphans []models.Submission
	for _, submission := range pending {
		if submission.AssignedReviewerID == nil || !active[*submission.AssignedReviewerID] {
			orphans = append(orphans, submission)
			continue
		}
		id := *submission.AssignedReviewerID
		load[id]++
		if submission.Status != models.SubmissionStatusInReview || override {
			movable[id] = append(movable[id], submission)
		}
	}

	moves := make([]plannedMove, 0)
	for _, submission := range orphans {
		if submission.Status == models.SubmissionStatusInReview && !override {
			continue
		}
		to := leastLoadedReviewer(reviewers, load)
		load[to]++
		moves = append(moves, plannedMove{submissionID: submission.ID, from: submission.AssignedReviewerID, to: to})
	}

	for len(moves) < len(pending) {
		to := leastLoadedReviewer(reviewers, load)
		from, ok := mostLoadedMovable(reviewers, load, movable)
		if !ok || load[from]-load[to] <= 1 {
			break
		}

		items := movable[from]
		submission := items[len(items)-1]
		movable[from] = items[:len(items)-1]
		load[from]--
		load[to]++

		source := from
		moves = append(moves, plannedMove{submissionID: submission.ID, from: &source, to: to})
	}

	return moves
}

func leastLoadedReviewer(reviewers []models.Reviewer, load map[uint]int) uint {
	best := reviewers[0].ID
	for _, reviewer := range reviewers[1:] {
		if load[reviewer.ID] < load[best] {
			best = reviewer.ID
		}
	}
	return best
}

func mostLoadedMovable(reviewers []models.Reviewer, load map[uint]int, movable map[uint][]models.Submission) (uint, bool) {
	var (
		best  uint
		found bool
	)
	for _, reviewer := range reviewers {
		if len(movable[reviewer.ID]) == 0 {
			continue
		}
		if !found || load[reviewer.ID] > load[best] {
			best = reviewer.ID
			found = true
		}
	}
	return best, found
}

func distribution(pending []models.Submission, reviewers []models.Reviewer) map[uint]int {
	counts := make(map[uint]int, len(reviewers))
	for _, reviewer := range reviewers {
		counts[reviewer.ID] = 0
	}
	for _, submission := range pending {
		key := unassignedKey
		if submission.AssignedReviewerID != nil {
			key = *submission.AssignedReviewerID
		}
		counts[key]++
	}
	return counts
}

func copyDistribution(source map[uint]int) map[uint]int {
	out := make(map[uint]int, len(source))
	for key, value := range source {
		out[key] = value
	}
	return out
}

func containsReviewer(reviewers []models.Reviewer, id uint) bool {
	for _, reviewer := range reviewers {
		if reviewer.ID == id {
			return true
		}
	}
	return false
}

func sameReviewer(current, expected *uint) bool {
	if current == nil || expected == nil {
		return current == nil && expected == nil
	}
	return *current == *expected
}
