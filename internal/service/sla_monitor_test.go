package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sar-go-api/internal/dto"
)

func TestScanSLAFlagsBreachesOnce(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	stale, _ := f.submitted(t, 1, "Old submission")

	f.clock.Advance(48 * time.Hour)
	fresh, _ := f.submitted(t, 2, "Recent submission")

	f.clock.Advance(25 * time.Hour)
	result, err := f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Flagged)
	require.Equal(t, int64(2), result.Pending)
	require.False(t, result.BacklogAlert)

	detail, err := f.ledger.Get(context.Background(), adminActor(1), stale)
	require.NoError(t, err)
	require.True(t, detail.Flags.SLABreached)
	last := detail.History[len(detail.History)-1]
	require.Equal(t, "sla_breached", last.Event)
	require.Equal(t, "system", last.ActorRole)

	again, err := f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.Zero(t, again.Flagged)
	require.Equal(t, 1, f.events.count(EventSubmissionSLABreached))

	untouched, err := f.ledger.Get(context.Background(), adminActor(1), fresh)
	require.NoError(t, err)
	require.False(t, untouched.Flags.SLABreached)
}

func TestResubmitRestartsSLAClock(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	id, reviewer := f.submitted(t, 1, "Slow verification")

	f.clock.Advance(73 * time.Hour)
	result, err := f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Flagged)

	_, err = f.workflow.StartReview(context.Background(), facultyActor(reviewer, "CSE"), id)
	require.NoError(t, err)
	_, err = f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{
		Action:  "request-rework",
		Comment: "Attach the certificate",
	})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	resubmittedAt := f.clock.Now().UTC()
	_, err = f.workflow.Resubmit(context.Background(), studentActor(1, "CSE"), id, dto.ResubmitRequest{})
	require.NoError(t, err)

	detail, err := f.ledger.Get(context.Background(), adminActor(1), id)
	require.NoError(t, err)
	require.False(t, detail.Flags.SLABreached)
	require.NotNil(t, detail.SubmittedAt)
	require.True(t, detail.SubmittedAt.Equal(resubmittedAt))

	f.clock.Advance(48 * time.Hour)
	result, err = f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Flagged)

	f.clock.Advance(25 * time.Hour)
	result, err = f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Flagged)
	require.Equal(t, 2, f.events.count(EventSubmissionSLABreached))
}

func TestScanSLAIgnoresDecidedSubmissions(t *testing.T) {
	f := newLedgerFixture(t)
	f.addReviewer(t, 100, "CSE", true)
	id, reviewer := f.submitted(t, 1, "Decided quickly")

	_, err := f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), id, dto.ReviewRequest{Action: "approve"})
	require.NoError(t, err)

	f.clock.Advance(100 * time.Hour)
	result, err := f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Flagged)
	require.Zero(t, result.Pending)
}

func TestScanSLABacklogAlertFiresOnCrossing(t *testing.T) {
	f := newLedgerFixture(t, withWorkflowConfig(WorkflowConfig{SLAThreshold: 72 * time.Hour, BacklogThreshold: 1}))
	f.addReviewer(t, 100, "CSE", true)
	first, reviewer := f.submitted(t, 1, "Backlog one")
	f.submitted(t, 2, "Backlog two")

	result, err := f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.True(t, result.BacklogAlert)

	result, err = f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.True(t, result.BacklogAlert)
	require.Equal(t, 1, f.events.count(EventQueueBacklogAlert))

	_, err = f.workflow.Review(context.Background(), facultyActor(reviewer, "CSE"), first, dto.ReviewRequest{Action: "approve"})
	require.NoError(t, err)

	result, err = f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.False(t, result.BacklogAlert)

	f.submitted(t, 3, "Backlog three")
	_, err = f.workflow.ScanSLA(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, f.events.count(EventQueueBacklogAlert))
}

func TestRunSLAMonitorStopsOnCancel(t *testing.T) {
	f := newLedgerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSLAMonitor(ctx, f.workflow, 5*time.Millisecond, testLogger())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sla monitor did not stop")
	}
}
