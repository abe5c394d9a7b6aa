package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

type memoryActivityRepo struct {
	entries []models.ActivityLog
	err     error
}

func (m *memoryActivityRepo) Create(ctx context.Context, entry *models.ActivityLog) error {
	if m.err != nil {
		return m.err
	}
	entry.ID = uint(len(m.entries) + 1)
	entry.CreatedAt = time.Now()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryActivityRepo) List(ctx context.Context, filter repository.ActivityLogFilter) ([]models.ActivityLog, int64, error) {
	return append([]models.ActivityLog(nil), m.entries...), int64(len(m.entries)), nil
}

func TestActivityServiceRecordMasksEmail(t *testing.T) {
	repo := &memoryActivityRepo{}
	svc := NewActivityService(repo, testValidator(), testLogger())

	entry, err := svc.Record(context.Background(), ActivityEntry{
		Actor:      Actor{ID: 1, Role: "Admin", CorrelationID: "corr-1"},
		Action:     "Student.Upsert",
		EntityType: "student",
		EntityID:   ptrUint(5),
		Metadata: map[string]interface{}{
			"email":       "student@example.com",
			"field":       "program",
			"reset_token": "abc123",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "s***t@example.com", entry.Metadata["email"])
	require.Equal(t, "program", entry.Metadata["field"])
	require.Equal(t, "***", entry.Metadata["reset_token"])
	require.Equal(t, uint(1), entry.ActorID)
	require.Equal(t, "admin", entry.ActorRole)
	require.Equal(t, "student.upsert", entry.Action)
	require.Equal(t, "corr-1", entry.CorrelationID)
}

func TestActivityServiceRecordValidation(t *testing.T) {
	svc := NewActivityService(&memoryActivityRepo{}, testValidator(), testLogger())

	_, err := svc.Record(context.Background(), ActivityEntry{EntityType: "submission"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Record(context.Background(), ActivityEntry{Action: "submission.override"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestActivityServiceRecordStorageFailure(t *testing.T) {
	svc := NewActivityService(&memoryActivityRepo{err: errors.New("db down")}, testValidator(), testLogger())

	_, err := svc.Record(context.Background(), ActivityEntry{Action: "reviewer.upsert", EntityType: "reviewer"})
	require.ErrorIs(t, err, ErrStorageFailure)
}

func TestActivityServiceListFiltersAndPaginates(t *testing.T) {
	repo := repository.NewActivityLogRepository(setupServiceDB(t))
	svc := NewActivityService(repo, testValidator(), testLogger())

	for i := uint(1); i <= 3; i++ {
		_, err := svc.Record(context.Background(), ActivityEntry{
			Actor:      adminActor(9),
			Action:     "submission.override",
			EntityType: "submission",
			EntityID:   ptrUint(i),
		})
		require.NoError(t, err)
	}
	_, err := svc.Record(context.Background(), ActivityEntry{Actor: adminActor(9), Action: "reviewer.upsert", EntityType: "reviewer"})
	require.NoError(t, err)

	page, err := svc.List(context.Background(), dto.ActivityLogQuery{Action: "submission.override", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, int64(3), page.Pagination.TotalItems)

	_, err = svc.List(context.Background(), dto.ActivityLogQuery{PageSize: 1000})
	require.ErrorIs(t, err, ErrValidation)
}

func TestActivityServiceListByCorrelationAndSince(t *testing.T) {
	repo := repository.NewActivityLogRepository(setupServiceDB(t))
	svc := NewActivityService(repo, testValidator(), testLogger())

	traced := adminActor(9)
	traced.CorrelationID = "corr-balance"
	_, err := svc.Record(context.Background(), ActivityEntry{Actor: traced, Action: "queue.balance", EntityType: "queue"})
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), ActivityEntry{Actor: adminActor(9), Action: "reviewer.upsert", EntityType: "reviewer"})
	require.NoError(t, err)

	byCorrelation, err := svc.List(context.Background(), dto.ActivityLogQuery{CorrelationID: "corr-balance"})
	require.NoError(t, err)
	require.Len(t, byCorrelation.Items, 1)
	require.Equal(t, "queue.balance", byCorrelation.Items[0].Action)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	none, err := svc.List(context.Background(), dto.ActivityLogQuery{Since: future})
	require.NoError(t, err)
	require.Empty(t, none.Items)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	recent, err := svc.List(context.Background(), dto.ActivityLogQuery{Since: past})
	require.NoError(t, err)
	require.Len(t, recent.Items, 2)

	_, err = svc.List(context.Background(), dto.ActivityLogQuery{Since: "last week"})
	require.ErrorIs(t, err, ErrValidation)
}
