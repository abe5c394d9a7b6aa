package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

func TestWorkflowSubmitAndApprove(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	ref := f.uploadPDF(t, 1, "nss-camp")

	detail, err := f.ledger.Create(context.Background(), studentActor(1, "CSE"), dto.SubmissionCreateRequest{
		Category:     "NSS/NCC",
		Title:        "NSS winter camp",
		ClaimedHours: 8,
		EvidenceRefs: []string{ref},
	})
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusDraft), detail.Status)

	submitted, err := f.workflow.Submit(context.Background(), studentActor(1, "CSE"), detail.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusSubmitted), submitted.Status)
	require.NotNil(t, submitted.AssignedReviewerID)
	require.Equal(t, uint(100), *submitted.AssignedReviewerID)

	f.clock.Advance(5 * time.Hour)
	approved, err := f.workflow.Review(context.Background(), facultyActor(100, "CSE"), detail.ID, dto.ReviewRequest{Action: "approve"})
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusApproved), approved.Status)

	stored, err := f.ledger.Get(context.Background(), adminActor(1), detail.ID)
	require.NoError(t, err)
	require.Len(t, stored.History, 2)
	require.Equal(t, "submitted", stored.History[0].Event)
	require.Equal(t, "approved", stored.History[1].Event)
	require.Len(t, stored.Reviews, 1)
	require.NotNil(t, stored.DecidedAt)
	require.NotNil(t, stored.SubmittedAt)
	require.Equal(t, 5*time.Hour, stored.DecidedAt.Sub(*stored.SubmittedAt))
	require.True(t, stored.Flags.Verified)

	require.Equal(t, []string{EventSubmissionCreated, EventSubmissionSubmitted, EventSubmissionApproved}, f.events.types())
}

func TestWorkflowReviewByUnassignedReviewerLeavesStateUnchanged(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	f.addReviewer(t, 200, "CSE", true)

	id, assigned := f.submitted(t, 1, "Inter-college football")
	other := uint(100)
	if assigned == 100 {
		other = 200
	}

	_, err := f.workflow.Review(context.Background(), facultyActor(other, "CSE"), id, dto.ReviewRequest{Action: "approve"})
	require.ErrorIs(t, err, ErrNotAssigned)

	stored, err := f.submissions.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, stored.Status)
	require.Len(t, stored.History, 1)
	require.Equal(t, uint(2), stored.Version)
}

func TestWorkflowConcurrentReviewsExactlyOneWins(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	id, reviewer := f.submitted(t, 1, "Hackathon finals")

	const attempts = 2
	errs := make([]error, attempts)
	actions := []string{"approve", "reject"}

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{
				Action:  actions[i],
				Comment: "decision",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotAssigned), err.Error())
	}
	require.Equal(t, 1, succeeded)

	stored, err := f.submissions.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.True(t, stored.Status.IsTerminal())
	require.Len(t, stored.History, 2)
	require.Len(t, stored.Reviews, 1)
}

func TestWorkflowSubmitWithoutReviewers(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", false)
	detail := f.draft(t, 1, "Volunteer drive")

	_, err := f.workflow.Submit(context.Background(), studentActor(1, "CSE"), detail.ID)
	require.ErrorIs(t, err, ErrNoReviewersAvailable)

	stored, err := f.submissions.GetByID(context.Background(), detail.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusDraft, stored.Status)
	require.Nil(t, stored.AssignedReviewerID)
}

func TestWorkflowSubmitFallsBackToOtherDepartments(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 300, "MECH", true)

	_, reviewer := f.submitted(t, 1, "Robotics expo")
	require.Equal(t, uint(300), reviewer)
}

func TestWorkflowSubmitGuards(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	detail := f.draft(t, 1, "Quiz club")

	_, err := f.workflow.Submit(context.Background(), studentActor(2, "CSE"), detail.ID)
	require.ErrorIs(t, err, ErrNotAssigned)

	_, err = f.workflow.Submit(context.Background(), studentActor(1, "CSE"), detail.ID)
	require.NoError(t, err)

	_, err = f.workflow.Submit(context.Background(), studentActor(1, "CSE"), detail.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.workflow.Submit(context.Background(), studentActor(1, "CSE"), 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWorkflowLeastLoadedAssignment(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	f.addReviewer(t, 200, "CSE", true)

	_, first := f.submitted(t, 1, "Debate")
	_, second := f.submitted(t, 2, "Poster design")
	_, third := f.submitted(t, 3, "Coding sprint")

	require.Equal(t, uint(100), first)
	require.Equal(t, uint(200), second)
	require.Equal(t, uint(100), third)
}

func TestWorkflowRoundRobinAssignment(t *testing.T) {
	f := newLedgerFixture(t, withPolicy(PolicyRoundRobin))
	f.addReviewer(t, 100, "CSE", true)
	f.addReviewer(t, 200, "CSE", true)
	f.addReviewer(t, 300, "CSE", true)

	var assigned []uint
	for i := uint(1); i <= 4; i++ {
		_, reviewer := f.submitted(t, i, "Activity")
		assigned = append(assigned, reviewer)
	}
	require.Equal(t, []uint{100, 200, 300, 100}, assigned)
}

func TestWorkflowReviewRequiresCommentForNegativeOutcomes(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	id, reviewer := f.submitted(t, 1, "Cultural fest")

	_, err := f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{Action: "reject"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{Action: "escalate"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestWorkflowStartReviewThenReworkAndResubmit(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	id, reviewer := f.submitted(t, 1, "Internship at startup")

	_, err := f.workflow.StartReview(context.Background(), facultyActor(reviewer, "CSE"), id)
	require.NoError(t, err)

	_, err = f.workflow.StartReview(context.Background(), facultyActor(reviewer, "CSE"), id)
	require.ErrorIs(t, err, ErrInvalidState)

	rework, err := f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{
		Action:  "request-rework",
		Comment: "Attach the offer letter",
	})
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusReworkRequested), rework.Status)

	_, err = f.workflow.Resubmit(context.Background(), studentActor(2, "CSE"), id, dto.ResubmitRequest{})
	require.ErrorIs(t, err, ErrNotAssigned)

	letter := f.uploadPDF(t, 1, "offer-letter")
	resubmitted, err := f.workflow.Resubmit(context.Background(), studentActor(1, "CSE"), id, dto.ResubmitRequest{
		EvidenceRefs: []string{letter},
		Comment:      "Added the letter",
	})
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusSubmitted), resubmitted.Status)
	require.Equal(t, reviewer, *resubmitted.AssignedReviewerID)

	stored, err := f.ledger.Get(context.Background(), adminActor(1), id)
	require.NoError(t, err)
	require.Len(t, stored.EvidenceRefs, 2)
	require.Equal(t, letter, stored.EvidenceRefs[1])

	events := make([]string, 0, len(stored.History))
	for i, entry := range stored.History {
		require.Equal(t, i+1, entry.Sequence)
		events = append(events, entry.Event)
	}
	require.Equal(t, []string{"submitted", "review_started", "rework_requested", "resubmitted"}, events)
}

func TestWorkflowResubmitReassignsWhenReviewerInactive(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	id, reviewer := f.submitted(t, 1, "Marathon")

	_, err := f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{
		Action: "request-rework", Comment: "Blurry certificate",
	})
	require.NoError(t, err)

	f.addReviewer(t, 100, "CSE", false)
	f.addReviewer(t, 200, "CSE", true)

	resubmitted, err := f.workflow.Resubmit(context.Background(), studentActor(1, "CSE"), id, dto.ResubmitRequest{})
	require.NoError(t, err)
	require.Equal(t, uint(200), *resubmitted.AssignedReviewerID)
}

func TestWorkflowTerminalStatesRejectFurtherReviews(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	id, reviewer := f.submitted(t, 1, "Chess")

	_, err := f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{Action: "reject", Comment: "Not eligible"})
	require.NoError(t, err)

	_, err = f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{Action: "approve"})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.workflow.Resubmit(context.Background(), studentActor(1, "CSE"), id, dto.ResubmitRequest{})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestWorkflowOverrideIsAdminOnlyAndAudited(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	id, reviewer := f.submitted(t, 1, "Sports meet")

	_, err := f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{Action: "reject", Comment: "Missing signature"})
	require.NoError(t, err)

	req := dto.OverrideRequest{Status: "approved", Reason: "Signature verified offline"}
	_, err = f.workflow.Override(context.Background(), facultyActor(reviewer, "CSE"), id, req)
	require.ErrorIs(t, err, ErrNotAssigned)

	admin := adminActor(900)
	admin.CorrelationID = "req-123"
	overridden, err := f.workflow.Override(context.Background(), admin, id, req)
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusApproved), overridden.Status)

	stored, err := f.submissions.GetByID(context.Background(), id)
	require.NoError(t, err)
	last := stored.History[len(stored.History)-1]
	require.Equal(t, "override", last.Event)
	require.Equal(t, models.SubmissionStatusRejected, last.FromStatus)
	require.Equal(t, "Signature verified offline", last.Comment)
	require.Equal(t, "req-123", last.Metadata["correlation_id"])

	entries, total, err := f.activity.List(context.Background(), repository.ActivityLogFilter{Action: "submission.override"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, uint(900), entries[0].ActorID)
	require.Equal(t, "req-123", entries[0].CorrelationID)

	_, err = f.workflow.Override(context.Background(), admin, id, req)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestWorkflowOverrideRejectsDrafts(t *testing.T) {
	f := newLedgerFixture(t)
	detail := f.draft(t, 1, "Draft only")

	_, err := f.workflow.Override(context.Background(), adminActor(900), detail.ID, dto.OverrideRequest{
		Status: "approved", Reason: "Skipping the queue",
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestWorkflowQueueListsReviewerWork(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	f.submitted(t, 1, "Volunteering")
	f.submitted(t, 2, "Blood donation")

	queue, err := f.workflow.Queue(context.Background(), facultyActor(100, "CSE"), 0)
	require.NoError(t, err)
	require.Equal(t, 2, queue.Pending)
	require.Len(t, queue.Items, 2)

	// Faculty cannot peek at another reviewer's queue.
	other, err := f.workflow.Queue(context.Background(), facultyActor(200, "CSE"), 100)
	require.NoError(t, err)
	require.Equal(t, uint(200), other.ReviewerID)
	require.Zero(t, other.Pending)

	adminView, err := f.workflow.Queue(context.Background(), adminActor(1), 100)
	require.NoError(t, err)
	require.Equal(t, 2, adminView.Pending)
}

func TestWorkflowWithSharedRedisLocker(t *testing.T) {
	client := newMiniredisClient(t)
	f := newLedgerFixture(t, withLocker(NewRedisLocker(client, "sar-test", time.Second)))
	f.addReviewer(t, 100, "CSE", true)

	id, reviewer := f.submitted(t, 1, "Redis locked")
	status, err := f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{Action: "approve"})
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusApproved), status.Status)
}
