package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/observability"
)

var errSLANotApplicable = errors.New("sla no longer applicable")

func (s *workflowService) ScanSLA(ctx context.Context) (SLAScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.sla_scan")
	defer span.End()

	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.SLAThreshold)

	candidates, err := s.submissions.ListSLACandidates(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return SLAScanResult{}, storageFailure("scan sla candidates", err)
	}

	var result SLAScanResult
	for _, candidate := range candidates {
		_, err := s.transition(ctx, "workflow.sla_breach", SystemActor(), candidate.ID, func(_ context.Context, submission *models.Submission, at time.Time) (*mutation, error) {
			if submission.Status != models.SubmissionStatusSubmitted && submission.Status != models.SubmissionStatusInReview {
				return nil, errSLANotApplicable
			}
			if submission.SLABreachedAt != nil || submission.SubmittedAt == nil || !submission.SubmittedAt.Before(cutoff) {
				return nil, errSLANotApplicable
			}

			waited := at.Sub(*submission.SubmittedAt)
			submission.SLABreachedAt = &at

			event := submissionEvent(EventSubmissionSLABreached, *submission, PriorityHigh,
				fmt.Sprintf("Submission %q has waited %.0f hours for verification", submission.Title, waited.Hours()))
			return &mutation{
				history: historyEntry("sla_breached", submission.Status, submission.Status, SystemActor(), "", map[string]interface{}{
					"threshold_hours": s.cfg.SLAThreshold.Hours(),
					"waited_hours":    waited.Hours(),
				}),
				event: &event,
			}, nil
		})
		if err != nil {
			if !errors.Is(err, errSLANotApplicable) {
				s.logger.Warn().Err(err).Uint("submission_id", candidate.ID).Msg("failed to flag sla breach")
			}
			continue
		}

		result.Flagged++
		observability.SLABreaches().WithLabelValues(candidate.Program).Inc()
	}

	pending, err := s.submissions.CountByStatus(ctx, models.SubmissionStatusSubmitted, models.SubmissionStatusInReview)
	if err != nil {
		return result, storageFailure("count pending submissions", err)
	}
	result.Pending = pending

	if pending > int64(s.cfg.BacklogThreshold) {
		result.BacklogAlert = true
		if !s.backlogHigh.Swap(true) {
			s.events.Emit(Event{
				Type:     EventQueueBacklogAlert,
				Priority: PriorityMedium,
				Message:  fmt.Sprintf("%d submissions are waiting for verification", pending),
				Payload: map[string]interface{}{
					"pending":   pending,
					"threshold": s.cfg.BacklogThreshold,
				},
			})
		}
	} else {
		s.backlogHigh.Store(false)
	}

	return result, nil
}

// RunSLAMonitor scans for SLA breaches on every tick until ctx is cancelled.
func RunSLAMonitor(ctx context.Context, workflow WorkflowService, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	log := logger.With().Str("component", "sla_monitor").Logger()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := workflow.ScanSLA(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sla scan failed")
				continue
			}
			if result.Flagged > 0 || result.BacklogAlert {
				log.Info().
					Int("flagged", result.Flagged).
					Int64("pending", result.Pending).
					Bool("backlog_alert", result.BacklogAlert).
					Msg("sla scan completed")
			}
		}
	}
}
