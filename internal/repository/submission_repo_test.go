package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sar-go-api/internal/models"
)

func seedSubmission(t *testing.T, repo SubmissionRepository, studentID uint, program string, refs ...string) models.Submission {
	t.Helper()
	submission := models.Submission{
		StudentID:    studentID,
		Program:      program,
		Category:     "Sports",
		Title:        "Inter-college football",
		ClaimedHours: 6,
		Status:       models.SubmissionStatusDraft,
		Version:      1,
	}
	require.NoError(t, repo.Create(context.Background(), &submission, refs))
	return submission
}

func TestSubmissionRepositoryCreateKeepsEvidenceOrder(t *testing.T) {
	db := setupLedgerTestDB(t)
	repo := NewSubmissionRepository(db)

	created := seedSubmission(t, repo, 1, "CSE", "bbb", "aaa")

	loaded, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"bbb", "aaa"}, loaded.EvidenceRefs())
	require.Empty(t, loaded.History)
	require.Equal(t, uint(1), loaded.Version)
}

func TestSubmissionRepositoryTransitionAppendsHistoryAndBumpsVersion(t *testing.T) {
	db := setupLedgerTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	submission := seedSubmission(t, repo, 1, "CSE", "aaa")
	reviewer := uint(7)
	now := time.Now().UTC()

	submission.Status = models.SubmissionStatusSubmitted
	submission.AssignedReviewerID = &reviewer
	submission.SubmittedAt = &now
	require.NoError(t, repo.Transition(ctx, SubmissionTransition{
		Submission:      &submission,
		ExpectedVersion: 1,
		History:         &models.SubmissionHistory{Event: "submitted", FromStatus: models.SubmissionStatusDraft, ToStatus: models.SubmissionStatusSubmitted},
		At:              now,
	}))
	require.Equal(t, uint(2), submission.Version)

	submission.Status = models.SubmissionStatusApproved
	require.NoError(t, repo.Transition(ctx, SubmissionTransition{
		Submission:      &submission,
		ExpectedVersion: 2,
		History:         &models.SubmissionHistory{Event: "approved", FromStatus: models.SubmissionStatusSubmitted, ToStatus: models.SubmissionStatusApproved},
		Review:          &models.ReviewAction{ReviewerID: reviewer, Action: models.ReviewActionApprove},
		At:              now,
	}))

	loaded, err := repo.GetByID(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusApproved, loaded.Status)
	require.Len(t, loaded.History, 2)
	require.Equal(t, 1, loaded.History[0].Sequence)
	require.Equal(t, 2, loaded.History[1].Sequence)
	require.Len(t, loaded.Reviews, 1)
	require.Equal(t, reviewer, *loaded.AssignedReviewerID)
}

func TestSubmissionRepositoryTransitionRejectsStaleVersion(t *testing.T) {
	db := setupLedgerTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	submission := seedSubmission(t, repo, 1, "CSE")
	stale := submission

	submission.Status = models.SubmissionStatusSubmitted
	require.NoError(t, repo.Transition(ctx, SubmissionTransition{
		Submission:      &submission,
		ExpectedVersion: 1,
		History:         &models.SubmissionHistory{Event: "submitted", ToStatus: models.SubmissionStatusSubmitted},
	}))

	stale.Status = models.SubmissionStatusRejected
	err := repo.Transition(ctx, SubmissionTransition{
		Submission:      &stale,
		ExpectedVersion: 1,
		History:         &models.SubmissionHistory{Event: "rejected", ToStatus: models.SubmissionStatusRejected},
	})
	require.ErrorIs(t, err, ErrVersionConflict)

	loaded, err := repo.GetByID(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, loaded.Status)
	require.Len(t, loaded.History, 1, "a rejected transition must not append history")
}

func TestSubmissionRepositoryListFiltersAndPaginates(t *testing.T) {
	db := setupLedgerTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	first := seedSubmission(t, repo, 1, "CSE", "aaa")
	seedSubmission(t, repo, 2, "ECE")
	third := seedSubmission(t, repo, 1, "CSE")

	third.Status = models.SubmissionStatusSubmitted
	require.NoError(t, repo.Transition(ctx, SubmissionTransition{Submission: &third, ExpectedVersion: 1, History: &models.SubmissionHistory{Event: "submitted", ToStatus: models.SubmissionStatusSubmitted}}))

	items, total, err := repo.List(ctx, SubmissionFilter{Program: "CSE"})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, items, 2)

	items, total, err = repo.List(ctx, SubmissionFilter{Statuses: []models.SubmissionStatus{models.SubmissionStatusDraft}, Program: "CSE"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, first.ID, items[0].ID)
	require.Equal(t, []string{"aaa"}, items[0].EvidenceRefs())

	paged, total, err := repo.List(ctx, SubmissionFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, paged, 1)
}

func TestSubmissionRepositoryDuplicateEvidenceScopedToStudent(t *testing.T) {
	db := setupLedgerTestDB(t)
	repo := NewSubmissionRepository(db)

	a := seedSubmission(t, repo, 1, "CSE", "shared")
	b := seedSubmission(t, repo, 1, "CSE", "shared")
	other := seedSubmission(t, repo, 2, "CSE", "shared")
	solo := seedSubmission(t, repo, 1, "CSE", "unique")

	dupes, err := repo.DuplicateEvidence(context.Background(), []uint{a.ID, b.ID, other.ID, solo.ID})
	require.NoError(t, err)
	require.True(t, dupes[a.ID])
	require.True(t, dupes[b.ID])
	require.False(t, dupes[other.ID])
	require.False(t, dupes[solo.ID])
}

func TestSubmissionRepositoryCountByReviewer(t *testing.T) {
	db := setupLedgerTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	reviewer := uint(3)
	for i := 0; i < 2; i++ {
		submission := seedSubmission(t, repo, 1, "CSE")
		submission.Status = models.SubmissionStatusSubmitted
		submission.AssignedReviewerID = &reviewer
		require.NoError(t, repo.Transition(ctx, SubmissionTransition{Submission: &submission, ExpectedVersion: 1}))
	}
	seedSubmission(t, repo, 1, "CSE")

	counts, err := repo.CountByReviewer(ctx, models.SubmissionStatusSubmitted, models.SubmissionStatusInReview)
	require.NoError(t, err)
	require.Equal(t, map[uint]int64{3: 2}, counts)

	pending, err := repo.CountByStatus(ctx, models.SubmissionStatusSubmitted)
	require.NoError(t, err)
	require.Equal(t, int64(2), pending)
}

func TestSubmissionRepositoryListSLACandidates(t *testing.T) {
	db := setupLedgerTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-96 * time.Hour)
	fresh := time.Now().UTC().Add(-time.Hour)

	late := seedSubmission(t, repo, 1, "CSE")
	late.Status = models.SubmissionStatusSubmitted
	late.SubmittedAt = &old
	require.NoError(t, repo.Transition(ctx, SubmissionTransition{Submission: &late, ExpectedVersion: 1}))

	onTime := seedSubmission(t, repo, 1, "CSE")
	onTime.Status = models.SubmissionStatusSubmitted
	onTime.SubmittedAt = &fresh
	require.NoError(t, repo.Transition(ctx, SubmissionTransition{Submission: &onTime, ExpectedVersion: 1}))

	candidates, err := repo.ListSLACandidates(ctx, time.Now().UTC().Add(-72*time.Hour))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, late.ID, candidates[0].ID)
}
